package ai

import (
	"context"
	"math"
)

// ChatMessage represents a single message in a chat conversation.
// It is used for multi-round extraction where the model sees its own
// previous answer before being asked to continue.
//
// Role must be one of:
//   - "user"      → a user-provided message
//   - "assistant" → a message from the AI assistant
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

// UserMessage is a shorthand for a ChatMessage with role "user".
func UserMessage(msg string) ChatMessage {
	return ChatMessage{Role: "user", Message: msg}
}

// AssistantMessage is a shorthand for a ChatMessage with role "assistant".
func AssistantMessage(msg string) ChatMessage {
	return ChatMessage{Role: "assistant", Message: msg}
}

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
	Thinking      string   // Extended thinking mode configuration
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add returns the sum of m and o with the throughput recomputed.
func (m ModelMetrics) Add(o ModelMetrics) ModelMetrics {
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.TotalTokens += o.TotalTokens
	m.DurationMs += o.DurationMs
	if m.DurationMs > 0 {
		tps := float64(m.TotalTokens) * 1000.0 / float64(m.DurationMs)
		m.TokenPerSecond = float32(math.Round(tps*100) / 100)
	}
	return m
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking returns a GenerateOption that enables extended thinking mode.
// The thinking parameter specifies the thinking budget or mode configuration.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// ApplyOptions folds opts over base and returns the result.
func ApplyOptions(base GenerateOptions, opts ...GenerateOption) GenerateOptions {
	for _, o := range opts {
		o(&base)
	}
	return base
}

// GraphAIClient defines the completion boundary used by extraction,
// summarization, keyword extraction and answer composition. Responses are
// untrusted text and are validated by the caller.
type GraphAIClient interface {
	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error
	GenerateChat(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (string, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}
