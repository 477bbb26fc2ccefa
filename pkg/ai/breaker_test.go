package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "ok:" + prompt, nil
}

func (c *countingClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	c.calls++
	return c.err
}

func (c *countingClient) GenerateChat(ctx context.Context, messages []ChatMessage, opts ...GenerateOption) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "chat", nil
}

func (c *countingClient) ResetMetrics()            {}
func (c *countingClient) GetMetrics() ModelMetrics { return ModelMetrics{} }

func TestBreakerClient_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &countingClient{err: errors.New("upstream 500")}
	client := NewBreakerClient(next, BreakerParams{
		Name:                "test",
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := client.GenerateCompletion(ctx, "p"); err == nil {
			t.Fatalf("call %d: expected upstream error", i)
		}
	}

	_, err := client.GenerateCompletion(ctx, "p")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("open breaker should not reach the client, calls = %d", next.calls)
	}
	if client.State() != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want open", client.State())
	}
}

func TestBreakerClient_IgnoresContextErrors(t *testing.T) {
	next := &countingClient{err: context.DeadlineExceeded}
	client := NewBreakerClient(next, BreakerParams{ConsecutiveFailures: 1})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.GenerateChat(ctx, []ChatMessage{UserMessage("hi")}); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d: expected deadline error, got %v", i, err)
		}
	}
	if client.State() != gobreaker.StateClosed {
		t.Fatalf("State() = %v, want closed", client.State())
	}
	if next.calls != 3 {
		t.Fatalf("calls = %d, want 3", next.calls)
	}
}

func TestBreakerClient_PassesThroughResults(t *testing.T) {
	next := &countingClient{}
	client := NewBreakerClient(next, BreakerParams{})

	got, err := client.GenerateCompletion(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("GenerateCompletion() error = %v", err)
	}
	if got != "ok:prompt" {
		t.Fatalf("GenerateCompletion() = %q, want %q", got, "ok:prompt")
	}
}
