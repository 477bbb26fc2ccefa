package query

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"
)

const defaultResponseType = "Multiple Paragraphs"

// Request is one question to answer from the knowledge base.
type Request struct {
	Question     string           `json:"question" validate:"required"`
	History      []ai.ChatMessage `json:"history,omitempty"`
	ResponseType string           `json:"response_type,omitempty"`
	UserPrompt   string           `json:"user_prompt,omitempty"`
	Naive        bool             `json:"naive,omitempty"`
}

// Answer is the composed response with the references it kept.
type Answer struct {
	Text      string             `json:"answer"`
	Keywords  common.KeywordSet  `json:"keywords"`
	Citations []common.Citation  `json:"citations"`
	NoContext bool               `json:"no_context"`
	Trace     QueryTraceSnapshot `json:"trace"`
}

// Composer turns a question into keywords, asks a Retriever for context and
// lets the model compose a referenced answer. The number of references is
// bounded, and references the context does not back are removed.
type Composer struct {
	client        ai.GraphAIClient
	prompts       *ai.PromptSet
	retriever     Retriever
	tracer        Tracer
	model         string
	citationLimit int
	timeout       time.Duration
	maxRetries    int
}

// ComposerParams configures a Composer. Tracer receives the events of every
// query in addition to the per-query trace returned in Answer.
type ComposerParams struct {
	Client        ai.GraphAIClient
	Prompts       *ai.PromptSet
	Retriever     Retriever
	Tracer        Tracer
	Model         string
	CitationLimit int
	Timeout       time.Duration
	MaxRetries    int
}

// NewComposer validates params and returns a Composer.
func NewComposer(params ComposerParams) (*Composer, error) {
	if params.Client == nil {
		return nil, errors.New("composer needs a model client")
	}
	if params.Retriever == nil {
		return nil, errors.New("composer needs a retriever")
	}
	c := &Composer{
		client:        params.Client,
		prompts:       params.Prompts,
		retriever:     params.Retriever,
		tracer:        params.Tracer,
		model:         params.Model,
		citationLimit: params.CitationLimit,
		timeout:       params.Timeout,
		maxRetries:    params.MaxRetries,
	}
	if c.prompts == nil {
		c.prompts = ai.NewPromptSet(graph.DefaultTupleDelimiter, graph.DefaultCompletionDelimiter)
	}
	if c.citationLimit <= 0 {
		c.citationLimit = DefaultCitationLimit
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	return c, nil
}

func (c *Composer) call(ctx context.Context, t Tracer, op graph.Op, fn func(ctx context.Context) (string, error)) (string, error) {
	start := time.Now()
	out, err := util.RetryWithContext(ctx, c.maxRetries, func(ctx context.Context) (string, error) {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		return fn(callCtx)
	})

	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	metrics.ModelCalls.WithLabelValues(string(op), status).Inc()
	RecordModelCall(t, string(op), time.Since(start).Milliseconds(), err)
	return out, err
}

// Keywords asks the model for the high- and low-level keywords of question.
// A response that violates the keyword structure returns a
// *KeywordParseError; a failed call returns a *graph.ExternalServiceError.
func (c *Composer) Keywords(ctx context.Context, question string) (common.KeywordSet, error) {
	return c.keywords(ctx, c.tracer, question)
}

func (c *Composer) keywords(ctx context.Context, t Tracer, question string) (common.KeywordSet, error) {
	prompt := c.prompts.KeywordsPrompt(question)
	out, err := c.call(ctx, t, graph.OpKeywords, func(ctx context.Context) (string, error) {
		return ai.CompleteWithPrefill(ctx, c.client, prompt, c.prompts.KeywordsPrefill,
			ai.WithSystemPrompts(c.prompts.Systems()...), ai.WithModel(c.model))
	})
	if err != nil {
		return common.KeywordSet{}, &graph.ExternalServiceError{Op: graph.OpKeywords, Target: question, Err: err}
	}

	set, err := ParseKeywords(out)
	if err != nil {
		logger.Warn("[Query] Keyword response rejected", "err", err)
		return common.KeywordSet{}, err
	}
	RecordKeywords(t, set)
	return set, nil
}

// Answer composes a referenced answer for req. When no keywords or no
// context are found the configured fail response is returned with
// NoContext set.
func (c *Composer) Answer(ctx context.Context, req Request) (Answer, error) {
	trace := NewQueryTrace()
	t := MultiTracer{trace, c.tracer}

	fail := func(set common.KeywordSet) Answer {
		return Answer{
			Text:      c.prompts.FailResponse,
			Keywords:  set,
			Citations: []common.Citation{},
			NoContext: true,
			Trace:     trace.Snapshot(),
		}
	}

	set, err := c.keywords(ctx, t, req.Question)
	if err != nil {
		return Answer{}, err
	}
	if set.Empty() {
		return fail(set), nil
	}

	retrieved, err := c.retriever.Retrieve(ctx, req.Question, set)
	if err != nil {
		return Answer{}, err
	}
	if req.Naive {
		retrieved.Entities, retrieved.Relations = nil, nil
		retrieved.Pool = slices.DeleteFunc(retrieved.Pool, func(c common.Citation) bool {
			return c.Provenance != common.ProvenanceDocument
		})
	}
	if retrieved.Empty() {
		return fail(set), nil
	}
	for _, e := range retrieved.Entities {
		RecordRetrievedEntities(t, e.Entity)
	}
	for _, r := range retrieved.Relations {
		RecordRetrievedRelations(t, r.Entity1+" ~ "+r.Entity2)
	}

	pool := retrieved.Citations()
	bounded := BoundCitations(pool, c.citationLimit)
	RecordConsideredCitations(t, pool...)

	contextData, err := renderContext(retrieved, req.Naive)
	if err != nil {
		return Answer{}, err
	}
	responseType := req.ResponseType
	if responseType == "" {
		responseType = defaultResponseType
	}
	system := c.prompts.AnswerPrompt(contextData, responseType, req.UserPrompt, c.citationLimit, req.Naive)

	messages := append(append([]ai.ChatMessage{}, req.History...), ai.UserMessage(req.Question))
	out, err := c.call(ctx, t, graph.OpAnswer, func(ctx context.Context) (string, error) {
		return c.client.GenerateChat(ctx, ai.WithPrefill(messages, c.prompts.AnswerPrefill),
			ai.WithSystemPrompts(c.prompts.Systems(system)...), ai.WithModel(c.model))
	})
	if err != nil {
		return Answer{}, &graph.ExternalServiceError{Op: graph.OpAnswer, Target: req.Question, Err: err}
	}

	text, used := EnforceReferences(ai.StripReasoningTags(out), bounded, c.citationLimit)
	RecordUsedCitations(t, used...)

	return Answer{
		Text:      text,
		Keywords:  set,
		Citations: used,
		Trace:     trace.Snapshot(),
	}, nil
}

func jsonLines[T any](items []T) (string, error) {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return "", err
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

func renderContext(r Retrieved, naive bool) (string, error) {
	var b strings.Builder
	section := func(title string, body string) {
		b.WriteString(title)
		b.WriteString("\n\n```json\n")
		b.WriteString(body)
		b.WriteString("\n```\n\n")
	}

	if !naive {
		entities, err := jsonLines(r.Entities)
		if err != nil {
			return "", err
		}
		relations, err := jsonLines(r.Relations)
		if err != nil {
			return "", err
		}
		section("Knowledge Graph Data (Entity):", entities)
		section("Knowledge Graph Data (Relationship):", relations)
	}
	chunks, err := jsonLines(r.Chunks)
	if err != nil {
		return "", err
	}
	section("Document Chunks (Each entry has a reference which refers to the Reference Document List):", chunks)
	return strings.TrimSpace(b.String()), nil
}
