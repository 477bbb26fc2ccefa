package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Passage is one chunk of source text handed to the extraction model.
// EntityTypes overrides the prompt set's types for this passage only.
type Passage struct {
	ID          string   `json:"id"`
	Text        string   `json:"text" validate:"required"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

// ExtractResult describes what happened to one passage.
type ExtractResult struct {
	PassageID string      `json:"passage_id"`
	Rounds    int         `json:"rounds"`
	Status    BatchStatus `json:"status"`
	Discarded int         `json:"discarded"`
	Report    MergeReport `json:"report"`
	// Error is set when the passage did not finish.
	Error string `json:"error,omitempty"`
}

// Extractor runs the extraction rounds of a passage against the model and
// merges every round into its graph.
type Extractor struct {
	client      ai.GraphAIClient
	prompts     *ai.PromptSet
	graph       *KnowledgeGraph
	delimiters  Delimiters
	model       string
	maxGleaning int
	timeout     time.Duration
	maxRetries  int
}

// ExtractorParams configures an Extractor.
//
// MaxGleaning is the number of continuation rounds requested after a
// truncated first round. Timeout bounds every single model call; zero means
// no per-call limit.
type ExtractorParams struct {
	Client      ai.GraphAIClient
	Prompts     *ai.PromptSet
	Graph       *KnowledgeGraph
	Model       string
	MaxGleaning int
	Timeout     time.Duration
	MaxRetries  int
}

// NewExtractor validates params and returns an Extractor.
func NewExtractor(params ExtractorParams) (*Extractor, error) {
	if params.Client == nil {
		return nil, errors.New("extractor needs a model client")
	}
	if params.Graph == nil {
		return nil, errors.New("extractor needs a graph")
	}
	prompts := params.Prompts
	if prompts == nil {
		prompts = ai.NewPromptSet(DefaultTupleDelimiter, DefaultCompletionDelimiter)
	}
	d := Delimiters{Tuple: prompts.TupleDelimiter, Completion: prompts.CompletionDelimiter}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prompt delimiters: %w", err)
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	maxGleaning := params.MaxGleaning
	if maxGleaning < 0 {
		maxGleaning = 0
	}

	return &Extractor{
		client:      params.Client,
		prompts:     prompts,
		graph:       params.Graph,
		delimiters:  d,
		model:       params.Model,
		maxGleaning: maxGleaning,
		timeout:     params.Timeout,
		maxRetries:  maxRetries,
	}, nil
}

// ExtractPassage asks the model for records of the passage and merges them.
//
// A truncated round is followed by a continuation round, up to MaxGleaning
// times. The model sees its earlier answers, and each round is merged before
// the next one is requested. A continuation round that times out ends the
// passage as truncated without an error. Any other model failure returns an
// *ExternalServiceError; rounds merged before the failure stay in the graph.
func (x *Extractor) ExtractPassage(ctx context.Context, p Passage) (ExtractResult, error) {
	if p.ID == "" {
		p.ID = gonanoid.Must()
	}
	res := ExtractResult{PassageID: p.ID, Status: StatusTruncated}

	system, user := x.prompts.ExtractionPrompts(p.Text, p.EntityTypes)
	history := []ai.ChatMessage{ai.UserMessage(user)}

	for round := 0; round <= x.maxGleaning; round++ {
		op := OpExtract
		if round > 0 {
			op = OpContinue
			history = append(history, ai.UserMessage(x.prompts.ContinuePrompt()))
		}

		answer, err := x.complete(ctx, op, system, history)
		if err != nil {
			if round > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("[Graph] Continuation timed out, keeping truncated result", "passage", p.ID, "round", round)
				break
			}
			return res, &ExternalServiceError{Op: op, Target: p.ID, Round: round, Err: err}
		}
		history = append(history, ai.AssistantMessage(answer))

		batch := ParseBatch(ai.CleanResponse(answer), x.delimiters, gonanoid.Must())
		batch.PassageID = p.ID
		batch.Round = round

		report, err := x.graph.Merge(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("failed to merge round %d of passage %s: %w", round, p.ID, err)
		}

		res.Rounds++
		res.Status = batch.Status
		res.Discarded += batch.Discarded
		res.Report = res.Report.Add(report)

		if batch.Complete() {
			break
		}
	}

	if res.Status != StatusComplete {
		logger.Debug("[Graph] Passage ended without completion sentinel", "passage", p.ID, "rounds", res.Rounds)
	}
	return res, nil
}

func (x *Extractor) complete(ctx context.Context, op Op, system string, history []ai.ChatMessage) (string, error) {
	answer, err := util.RetryWithContext(ctx, x.maxRetries, func(ctx context.Context) (string, error) {
		callCtx, cancel := withTimeout(ctx, x.timeout)
		defer cancel()
		return x.client.GenerateChat(
			callCtx,
			ai.WithPrefill(history, x.prompts.ExtractPrefill),
			ai.WithSystemPrompts(x.prompts.Systems(system)...),
			ai.WithModel(x.model),
		)
	})
	metrics.ModelCalls.WithLabelValues(string(op), callStatus(err)).Inc()
	return answer, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
