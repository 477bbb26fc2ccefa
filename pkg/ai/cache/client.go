package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"
)

// CachedClient memoizes model responses keyed by the full request. Replaying
// a passage after a crash then costs no model calls for rounds that already
// completed.
type CachedClient struct {
	next  ai.GraphAIClient
	cache Cache
	ttl   time.Duration
}

// NewCachedClient wraps next with a response cache. Entries expire after ttl;
// a ttl <= 0 keeps them forever.
func NewCachedClient(next ai.GraphAIClient, cache Cache, ttl time.Duration) *CachedClient {
	return &CachedClient{
		next:  next,
		cache: cache,
		ttl:   ttl,
	}
}

func requestKey(kind string, opts []ai.GenerateOption, parts ...string) string {
	o := ai.ApplyOptions(ai.GenerateOptions{}, opts...)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%g\x00%s\x00", kind, o.Model, o.Temperature, o.Thinking)
	for _, sp := range o.SystemPrompts {
		h.Write([]byte(sp))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "llm:" + kind + ":" + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedClient) lookup(key string) ([]byte, bool) {
	val, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			logger.Warn("[Cache] Lookup failed", "key", key, "err", err)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return val, true
}

func (c *CachedClient) store(key string, val []byte) {
	if err := c.cache.Set(key, val, c.ttl); err != nil {
		logger.Warn("[Cache] Store failed", "key", key, "err", err)
	}
}

func (c *CachedClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	key := requestKey("completion", opts, prompt)
	if val, ok := c.lookup(key); ok {
		return string(val), nil
	}

	res, err := c.next.GenerateCompletion(ctx, prompt, opts...)
	if err != nil {
		return "", err
	}
	c.store(key, []byte(res))
	return res, nil
}

func (c *CachedClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	key := requestKey("format", opts, name, description, prompt)
	if val, ok := c.lookup(key); ok {
		if err := json.Unmarshal(val, out); err == nil {
			return nil
		}
		logger.Warn("[Cache] Dropping undecodable entry", "key", key)
		_ = c.cache.Delete(key)
	}

	if err := c.next.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...); err != nil {
		return err
	}
	if encoded, err := json.Marshal(out); err == nil {
		c.store(key, encoded)
	}
	return nil
}

func (c *CachedClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Role+":"+m.Message)
	}
	key := requestKey("chat", opts, strings.Join(parts, "\x02"))
	if val, ok := c.lookup(key); ok {
		return string(val), nil
	}

	res, err := c.next.GenerateChat(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	c.store(key, []byte(res))
	return res, nil
}

func (c *CachedClient) ResetMetrics() {
	c.next.ResetMetrics()
}

func (c *CachedClient) GetMetrics() ai.ModelMetrics {
	return c.next.GetMetrics()
}
