package ai

import (
	"context"
	"testing"
)

type recordingClient struct {
	completions []string
	chats       [][]ChatMessage
	systems     [][]string
}

func (c *recordingClient) GenerateCompletion(_ context.Context, prompt string, opts ...GenerateOption) (string, error) {
	c.completions = append(c.completions, prompt)
	c.systems = append(c.systems, ApplyOptions(GenerateOptions{}, opts...).SystemPrompts)
	return "completion", nil
}

func (c *recordingClient) GenerateCompletionWithFormat(context.Context, string, string, string, any, ...GenerateOption) error {
	return nil
}

func (c *recordingClient) GenerateChat(_ context.Context, messages []ChatMessage, opts ...GenerateOption) (string, error) {
	c.chats = append(c.chats, messages)
	c.systems = append(c.systems, ApplyOptions(GenerateOptions{}, opts...).SystemPrompts)
	return "chat", nil
}

func (c *recordingClient) ResetMetrics()            {}
func (c *recordingClient) GetMetrics() ModelMetrics { return ModelMetrics{} }

func TestCompleteWithPrefill(t *testing.T) {
	ctx := context.Background()
	c := &recordingClient{}

	out, err := CompleteWithPrefill(ctx, c, "summarize", "")
	if err != nil || out != "completion" || len(c.chats) != 0 {
		t.Fatalf("without prefill: out = %q, err = %v, chats = %d", out, err, len(c.chats))
	}

	out, err = CompleteWithPrefill(ctx, c, "summarize", "Summary:")
	if err != nil || out != "chat" {
		t.Fatalf("with prefill: out = %q, err = %v", out, err)
	}
	msgs := c.chats[0]
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[0].Message != "summarize" ||
		msgs[1].Role != "assistant" || msgs[1].Message != "Summary:" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestWithPrefillKeepsHistory(t *testing.T) {
	history := make([]ChatMessage, 1, 4)
	history[0] = UserMessage("question")

	got := WithPrefill(history, "Answer:")
	if len(got) != 2 || got[1].Message != "Answer:" {
		t.Fatalf("messages = %+v", got)
	}
	more := append(history, UserMessage("next"))
	if got[1].Message != "Answer:" || len(more) != 2 {
		t.Fatalf("prefilled history shares its backing array: %+v", got)
	}
	if same := WithPrefill(history, ""); len(same) != 1 {
		t.Fatalf("empty prefill changed history: %+v", same)
	}
}

func TestPromptSetSystems(t *testing.T) {
	p := NewPromptSet("<|#|>", "<|COMPLETE|>")
	if got := p.Systems("extract"); len(got) != 1 || got[0] != "extract" {
		t.Fatalf("systems without settings = %v", got)
	}
	p.SystemSettings = "Private session."
	got := p.Systems("extract")
	if len(got) != 2 || got[0] != "Private session." || got[1] != "extract" {
		t.Fatalf("systems = %v", got)
	}
}

func TestModelMetricsAdd(t *testing.T) {
	m := ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500}
	m = m.Add(ModelMetrics{InputTokens: 20, OutputTokens: 10, TotalTokens: 30, DurationMs: 1000})
	if m.InputTokens != 30 || m.OutputTokens != 15 || m.TotalTokens != 45 || m.DurationMs != 1500 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.TokenPerSecond != 30 {
		t.Fatalf("tokens per second = %v, want 30", m.TokenPerSecond)
	}
}
