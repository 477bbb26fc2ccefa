package openai

import (
	"sync"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// GraphOpenAIClient implements ai.GraphAIClient against any OpenAI compatible
// chat completion endpoint.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	descriptionModel string
	extractionModel  string

	chatURL string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for
// creating a new GraphOpenAIClient.
//
// ExtractionModel is used for chat calls (tuple extraction rounds) unless a
// call overrides the model. DescriptionModel is used for single prompts such
// as summaries and keyword extraction. ChatURL may be empty to use the
// official API.
type NewGraphOpenAIClientParams struct {
	DescriptionModel string
	ExtractionModel  string

	ChatURL string
	ChatKey string
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		DescriptionModel: "gpt-4o-mini",
//		ExtractionModel:  "gpt-4o-mini",
//		ChatKey:          os.Getenv("AI_CHAT_KEY"),
//	})
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	return &GraphOpenAIClient{
		descriptionModel: params.DescriptionModel,
		extractionModel:  params.ExtractionModel,

		chatURL: params.ChatURL,

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		ChatClient: newOpenaiClient(params.ChatURL, params.ChatKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing metrics since the
// last reset.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

// record adds the usage of one request to the totals and exports its token
// counts.
func (c *GraphOpenAIClient) record(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	c.metrics = c.metrics.Add(m)
	c.metricsLock.Unlock()

	metrics.ModelTokens.WithLabelValues("openai", "input").Add(float64(m.InputTokens))
	metrics.ModelTokens.WithLabelValues("openai", "output").Add(float64(m.OutputTokens))
}
