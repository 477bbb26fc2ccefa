package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultContext = 4096
	contextReserve = 200
)

// contextSize estimates the num_ctx a request needs. Ollama truncates the
// prompt silently when the window is too small, which would cut the input
// text out of an extraction prompt.
func (c *GraphOllamaClient) contextSize(texts ...string) (int, error) {
	tokens := contextReserve
	for _, t := range texts {
		n, err := c.countTokens(t)
		if err != nil {
			return 0, err
		}
		tokens += n
	}
	return tokens, nil
}

func tiktokenCounter(encoding string) func(string) (int, error) {
	return func(text string) (int, error) {
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return 0, err
		}
		return len(enc.Encode(text, nil, nil)), nil
	}
}

func (c *GraphOllamaClient) chat(ctx context.Context, req *api.ChatRequest, texts ...string) (string, error) {
	tokens, err := c.contextSize(texts...)
	if err != nil {
		return "", err
	}
	if tokens > defaultContext {
		req.Options["num_ctx"] = tokens
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", err
	}

	c.record(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	return final.Message.Content, nil
}

func newRequest(options ai.GenerateOptions, msgs []api.Message) *api.ChatRequest {
	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{
			Value: options.Thinking,
		}
	}
	return req
}

func systemMessages(prompts []string) []api.Message {
	msgs := make([]api.Message, 0, len(prompts)+1)
	for _, sys := range prompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
	}
	return msgs
}

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.3,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	texts := append(append([]string{}, options.SystemPrompts...), prompt)
	return c.chat(ctx, newRequest(options, msgs), texts...)
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	if out == nil {
		return errors.New("out must be a non-nil pointer")
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.1,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	req := newRequest(options, msgs)
	req.Format = json.RawMessage(formatBytes)

	texts := append(append([]string{}, options.SystemPrompts...), prompt)
	content, err := c.chat(ctx, req, texts...)
	if err != nil {
		return err
	}
	return ai.UnmarshalFlexible(content, out)
}

// GenerateChat sends a multi-turn conversation and returns assistant text.
func (c *GraphOllamaClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.2,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	var conversation strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Message})
		conversation.WriteString(m.Message)
		conversation.WriteString("\n")
	}

	texts := append(append([]string{}, options.SystemPrompts...), conversation.String())
	return c.chat(ctx, newRequest(options, msgs), texts...)
}
