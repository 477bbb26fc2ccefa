package ai

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	"github.com/sony/gobreaker"
)

// BreakerClient wraps a GraphAIClient with a circuit breaker so a failing
// model endpoint is not hammered by every pending passage.
//
// Context cancellation and deadlines are not counted as failures.
type BreakerClient struct {
	next GraphAIClient
	cb   *gobreaker.CircuitBreaker
}

// BreakerParams configures NewBreakerClient.
//
// ConsecutiveFailures is the number of failed calls in a row that opens the
// breaker. OpenTimeout is how long it stays open before a probe is allowed.
type BreakerParams struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// NewBreakerClient creates a BreakerClient around next.
func NewBreakerClient(next GraphAIClient, params BreakerParams) *BreakerClient {
	if params.Name == "" {
		params.Name = "model"
	}
	if params.ConsecutiveFailures == 0 {
		params.ConsecutiveFailures = 5
	}
	if params.OpenTimeout <= 0 {
		params.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        params.Name,
		MaxRequests: 1,
		Timeout:     params.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= params.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[AI] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}

	return &BreakerClient{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...GenerateOption,
) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GenerateCompletion(ctx, prompt, opts...)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...)
	})
	return err
}

func (b *BreakerClient) GenerateChat(
	ctx context.Context,
	messages []ChatMessage,
	opts ...GenerateOption,
) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GenerateChat(ctx, messages, opts...)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerClient) ResetMetrics() {
	b.next.ResetMetrics()
}

func (b *BreakerClient) GetMetrics() ModelMetrics {
	return b.next.GetMetrics()
}
