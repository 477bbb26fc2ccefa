package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

func (c *GraphOpenAIClient) applyThinking(body *openai.ChatCompletionNewParams, thinking string) {
	if thinking == "" {
		return
	}
	// gpt-5 models only accept temperature 1.0 when reasoning is enabled
	if c.chatURL == "" {
		body.Temperature = openai.Float(1.0)
	}
	body.ReasoningEffort = shared.ReasoningEffort(thinking)
}

func systemMessages(prompts []string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompts)+1)
	for _, sp := range prompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	return msgs
}

func (c *GraphOpenAIClient) send(ctx context.Context, body openai.ChatCompletionNewParams) (string, error) {
	if c.ChatClient == nil {
		return "", errors.New("openai chat client is not configured")
	}

	start := time.Now()
	response, err := c.ChatClient.Chat.Completions.New(ctx, body)
	if err != nil {
		return "", err
	}
	duration := time.Since(start).Milliseconds()

	c.record(ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   duration,
	})

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response from model")
	}
	return response.Choices[0].Message.Content, nil
}

// GenerateCompletion sends a single-turn prompt to the description model and
// returns the generated completion as plain text.
//
// Example:
//
//	resp, err := client.GenerateCompletion(ctx, "Summarize this text...")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(resp)
func (c *GraphOpenAIClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.3,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	msgs = append(msgs, openai.UserMessage(prompt))

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	c.applyThinking(&body, options.Thinking)

	return c.send(ctx, body)
}

// GenerateCompletionWithFormat sends a prompt to the description model and
// unmarshals the response into out, using a JSON schema derived from out to
// enforce structure.
//
// Example:
//
//	var out groupingResponse
//	err := client.GenerateCompletionWithFormat(ctx, "group_descriptions", "Group descriptions by referent.", prompt, &out)
func (c *GraphOpenAIClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      ai.GenerateSchema(out),
		Strict:      openai.Bool(true),
	}

	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.1,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	msgs = append(msgs, openai.UserMessage(prompt))

	body := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(options.Model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	c.applyThinking(&body, options.Thinking)

	message, err := c.send(ctx, body)
	if err != nil {
		return err
	}
	if message == "" {
		return fmt.Errorf("empty response from model")
	}
	return ai.UnmarshalFlexible(message, out)
}

// GenerateChat sends a multi-turn conversation to the extraction model and
// returns the assistant reply as plain text. System prompts are passed with
// ai.WithSystemPrompts.
//
// Example:
//
//	msgs := []ai.ChatMessage{
//		ai.UserMessage(userPrompt),
//		ai.AssistantMessage(firstRound),
//		ai.UserMessage(continuePrompt),
//	}
//	resp, err := client.GenerateChat(ctx, msgs, ai.WithSystemPrompts(systemPrompt))
func (c *GraphOpenAIClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.2,
	}, opts...)

	msgs := systemMessages(options.SystemPrompts)
	for _, message := range messages {
		switch message.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(message.Message))
		default:
			msgs = append(msgs, openai.UserMessage(message.Message))
		}
	}

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	c.applyThinking(&body, options.Thinking)

	return c.send(ctx, body)
}
