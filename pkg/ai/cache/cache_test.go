package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
)

type stubClient struct {
	calls  int
	answer string
}

func (s *stubClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	s.calls++
	return s.answer, nil
}

func (s *stubClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	s.calls++
	return ai.UnmarshalFlexible(s.answer, out)
}

func (s *stubClient) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	s.calls++
	return s.answer, nil
}

func (s *stubClient) ResetMetrics()               {}
func (s *stubClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func newTestCache(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := NewInMemoryBadgerCache()
	if err != nil {
		t.Fatalf("NewInMemoryBadgerCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBadgerCache_SetGetDelete(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}
	if err := c.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get() = %q, want %q", got, "v")
	}
	if err := c.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrKeyNotFound", err)
	}
}

func TestCachedClient_ChatHitsCache(t *testing.T) {
	next := &stubClient{answer: "entity<|#|>Tokyo<|#|>location<|#|>Capital"}
	client := NewCachedClient(next, newTestCache(t), 0)

	msgs := []ai.ChatMessage{ai.UserMessage("extract")}
	opts := []ai.GenerateOption{ai.WithSystemPrompts("system"), ai.WithModel("m")}

	for i := 0; i < 3; i++ {
		got, err := client.GenerateChat(context.Background(), msgs, opts...)
		if err != nil {
			t.Fatalf("GenerateChat() error = %v", err)
		}
		if got != next.answer {
			t.Fatalf("GenerateChat() = %q, want %q", got, next.answer)
		}
	}
	if next.calls != 1 {
		t.Fatalf("underlying calls = %d, want 1", next.calls)
	}

	if _, err := client.GenerateChat(context.Background(), msgs, ai.WithSystemPrompts("other")); err != nil {
		t.Fatalf("GenerateChat() error = %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("different system prompt should miss, calls = %d", next.calls)
	}
}

func TestCachedClient_FormatRoundTrip(t *testing.T) {
	type groups struct {
		Labels []string `json:"labels"`
	}

	next := &stubClient{answer: `{"labels": ["a", "b"]}`}
	client := NewCachedClient(next, newTestCache(t), 0)

	for i := 0; i < 2; i++ {
		var out groups
		if err := client.GenerateCompletionWithFormat(context.Background(), "n", "d", "p", &out); err != nil {
			t.Fatalf("GenerateCompletionWithFormat() error = %v", err)
		}
		if len(out.Labels) != 2 || out.Labels[0] != "a" || out.Labels[1] != "b" {
			t.Fatalf("round %d: got %+v", i, out)
		}
	}
	if next.calls != 1 {
		t.Fatalf("underlying calls = %d, want 1", next.calls)
	}
}
