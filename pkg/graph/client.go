package graph

import (
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
)

// GraphClient is the main entry point of the consolidation engine. It owns a
// knowledge graph together with the extractor and summarizer working on it,
// and controls how many passages are processed in parallel.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	graph            *KnowledgeGraph
	extractor        *Extractor
	summarizer       *Summarizer
	parallelPassages int
	autoSummarize    bool
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// Graph is the graph to work on; a fresh graph is created when nil.
// ParallelPassages controls how many passages are extracted in parallel.
// ParallelAiRequests controls how many summarization requests run at once.
// AutoSummarize runs a summarization pass after every ProcessPassages call.
type NewGraphClientParams struct {
	Graph              *KnowledgeGraph
	AIClient           ai.GraphAIClient
	Prompts            *ai.PromptSet
	ExtractModel       string
	DescribeModel      string
	TokenEncoder       string
	TokenCounter       TokenCounter
	ConflictDetector   ConflictDetector
	ParallelPassages   int
	ParallelAiRequests int
	MaxRetries         int
	MaxGleaning        int
	Timeout            time.Duration
	MaxFragments       int
	TokenBudget        int
	SummaryLength      int
	AutoSummarize      bool
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		AIClient:           aiClient,
//		Prompts:            ai.NewPromptSet("<|#|>", "<|COMPLETE|>"),
//		TokenEncoder:       "o200k_base",
//		ParallelPassages:   4,
//		ParallelAiRequests: 8,
//		MaxGleaning:        1,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Returns a pointer to GraphClient and an error if initialization fails.
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.AIClient == nil {
		return nil, errors.New("graph client needs an AI client")
	}
	g := params.Graph
	if g == nil {
		g = NewKnowledgeGraph()
	}
	prompts := params.Prompts
	if prompts == nil {
		prompts = ai.NewPromptSet(DefaultTupleDelimiter, DefaultCompletionDelimiter)
	}

	extractor, err := NewExtractor(ExtractorParams{
		Client:      params.AIClient,
		Prompts:     prompts,
		Graph:       g,
		Model:       params.ExtractModel,
		MaxGleaning: params.MaxGleaning,
		Timeout:     params.Timeout,
		MaxRetries:  params.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	summarizer, err := NewSummarizer(SummarizerParams{
		Client:        params.AIClient,
		Prompts:       prompts,
		Graph:         g,
		Detector:      params.ConflictDetector,
		Counter:       params.TokenCounter,
		TokenEncoder:  params.TokenEncoder,
		Model:         params.DescribeModel,
		MaxFragments:  params.MaxFragments,
		TokenBudget:   params.TokenBudget,
		SummaryLength: params.SummaryLength,
		Parallel:      params.ParallelAiRequests,
		Timeout:       params.Timeout,
		MaxRetries:    params.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	parallel := params.ParallelPassages
	if parallel <= 0 {
		parallel = 1
	}

	return &GraphClient{
		graph:            g,
		extractor:        extractor,
		summarizer:       summarizer,
		parallelPassages: parallel,
		autoSummarize:    params.AutoSummarize,
	}, nil
}

// Graph returns the graph the client works on.
func (c *GraphClient) Graph() *KnowledgeGraph {
	return c.graph
}

// Extractor returns the client's extractor.
func (c *GraphClient) Extractor() *Extractor {
	return c.extractor
}

// Summarizer returns the client's summarizer.
func (c *GraphClient) Summarizer() *Summarizer {
	return c.summarizer
}
