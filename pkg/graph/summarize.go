package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxFragments  = 8
	DefaultTokenBudget   = 1200
	DefaultSummaryLength = 600
	DefaultContextTokens = 12000
	DefaultTokenEncoder  = "o200k_base"
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

// NewTiktokenCounter returns a TokenCounter backed by the named tiktoken
// encoding.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding %s: %w", encoding, err)
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// WordCounter approximates tokens by whitespace separated words.
func WordCounter(text string) int {
	return len(strings.Fields(text))
}

// ReferentGroup is a set of description indices that refer to one
// real-world referent.
type ReferentGroup struct {
	Label   string `json:"label" jsonschema_description:"Short label distinguishing the referent"`
	Indices []int  `json:"indices" jsonschema_description:"Indices of the descriptions that refer to this referent"`
}

// ConflictDetector partitions the descriptions of one node or edge into
// referent groups. Every index must land in exactly one group.
type ConflictDetector interface {
	Group(ctx context.Context, kind common.RecordKind, name string, descriptions []string) ([]ReferentGroup, error)
}

// SingleGroup puts every description into one unlabeled group.
type SingleGroup struct{}

func (SingleGroup) Group(_ context.Context, _ common.RecordKind, _ string, descriptions []string) ([]ReferentGroup, error) {
	return []ReferentGroup{singleGroup(len(descriptions))}, nil
}

func singleGroup(n int) ReferentGroup {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return ReferentGroup{Indices: idx}
}

type groupingResponse struct {
	Groups []ReferentGroup `json:"groups" jsonschema_description:"Referent groups covering every description index exactly once"`
}

// ModelConflictDetector asks the model whether same-name descriptions
// describe distinct referents.
type ModelConflictDetector struct {
	Client  ai.GraphAIClient
	Prompts *ai.PromptSet
	Model   string
	Timeout time.Duration
}

func (d *ModelConflictDetector) Group(ctx context.Context, kind common.RecordKind, name string, descriptions []string) ([]ReferentGroup, error) {
	if len(descriptions) < 2 {
		return []ReferentGroup{singleGroup(len(descriptions))}, nil
	}

	var list strings.Builder
	for i, desc := range descriptions {
		fmt.Fprintf(&list, "%d: %s\n", i, desc)
	}
	prompt := d.Prompts.ConflictPrompt(descriptionType(kind), name, strings.TrimSpace(list.String()))

	callCtx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()

	var res groupingResponse
	err := d.Client.GenerateCompletionWithFormat(
		callCtx,
		"group_descriptions",
		"Group descriptions sharing one name by the real-world referent they describe.",
		prompt,
		&res,
		ai.WithSystemPrompts(d.Prompts.Systems()...),
		ai.WithModel(d.Model),
	)
	metrics.ModelCalls.WithLabelValues(string(OpGroup), callStatus(err)).Inc()
	if err != nil {
		return nil, &ExternalServiceError{Op: OpGroup, Target: name, Err: err}
	}
	return res.Groups, nil
}

// validGroups reports whether groups partition the indices 0..n-1.
func validGroups(groups []ReferentGroup, n int) bool {
	if len(groups) == 0 {
		return false
	}
	seen := make([]bool, n)
	count := 0
	for _, g := range groups {
		if len(g.Indices) == 0 {
			return false
		}
		for _, i := range g.Indices {
			if i < 0 || i >= n || seen[i] {
				return false
			}
			seen[i] = true
			count++
		}
	}
	return count == n
}

// SummaryRequest is one summarization call for one referent group of one
// node or edge. TokenBudget caps the input tokens of a single model call.
type SummaryRequest struct {
	Kind        common.RecordKind
	Name        string
	Key         string
	Group       string
	Fragments   []string
	TokenBudget int
}

// Summarizer condenses accumulated description fragments once they grow
// past MaxFragments or TokenBudget. Only one summarization runs at a time
// for a given node or edge.
type Summarizer struct {
	client        ai.GraphAIClient
	prompts       *ai.PromptSet
	graph         *KnowledgeGraph
	detector      ConflictDetector
	count         TokenCounter
	model         string
	maxFragments  int
	tokenBudget   int
	summaryLength int
	contextTokens int
	parallel      int
	timeout       time.Duration
	maxRetries    int

	locks *keyedLocker
}

// SummarizerParams configures a Summarizer. Zero values select defaults.
// A nil Counter loads the TokenEncoder tiktoken encoding.
type SummarizerParams struct {
	Client        ai.GraphAIClient
	Prompts       *ai.PromptSet
	Graph         *KnowledgeGraph
	Detector      ConflictDetector
	Counter       TokenCounter
	TokenEncoder  string
	Model         string
	MaxFragments  int
	TokenBudget   int
	SummaryLength int
	ContextTokens int
	Parallel      int
	Timeout       time.Duration
	MaxRetries    int
}

// NewSummarizer returns a Summarizer for params.Graph.
func NewSummarizer(params SummarizerParams) (*Summarizer, error) {
	if params.Client == nil {
		return nil, errors.New("summarizer needs a model client")
	}
	if params.Graph == nil {
		return nil, errors.New("summarizer needs a graph")
	}

	s := &Summarizer{
		client:        params.Client,
		prompts:       params.Prompts,
		graph:         params.Graph,
		detector:      params.Detector,
		count:         params.Counter,
		model:         params.Model,
		maxFragments:  params.MaxFragments,
		tokenBudget:   params.TokenBudget,
		summaryLength: params.SummaryLength,
		contextTokens: params.ContextTokens,
		parallel:      params.Parallel,
		timeout:       params.Timeout,
		maxRetries:    params.MaxRetries,
		locks:         newKeyedLocker(),
	}

	if s.prompts == nil {
		s.prompts = ai.NewPromptSet(DefaultTupleDelimiter, DefaultCompletionDelimiter)
	}
	if s.detector == nil {
		s.detector = SingleGroup{}
	}
	if s.count == nil {
		encoder := params.TokenEncoder
		if encoder == "" {
			encoder = DefaultTokenEncoder
		}
		counter, err := NewTiktokenCounter(encoder)
		if err != nil {
			return nil, err
		}
		s.count = counter
	}
	if s.maxFragments <= 0 {
		s.maxFragments = DefaultMaxFragments
	}
	if s.tokenBudget <= 0 {
		s.tokenBudget = DefaultTokenBudget
	}
	if s.summaryLength <= 0 {
		s.summaryLength = DefaultSummaryLength
	}
	if s.contextTokens <= 0 {
		s.contextTokens = DefaultContextTokens
	}
	if s.parallel <= 0 {
		s.parallel = 4
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	return s, nil
}

// NeedsSummary reports whether the pending fragments exceed the fragment
// count or token thresholds.
func (s *Summarizer) NeedsSummary(fragments []string) bool {
	if len(fragments) == 0 {
		return false
	}
	if len(fragments) > s.maxFragments {
		return true
	}
	return s.count(strings.Join(fragments, "\n")) > s.tokenBudget
}

// SummarizeNode summarizes the node with the given name if it needs it. It
// reports whether a summary was written.
func (s *Summarizer) SummarizeNode(ctx context.Context, name string) (bool, error) {
	return s.summarizeTarget(ctx, target{kind: common.KindEntity, node: NameKey(name)})
}

// SummarizeEdge summarizes the edge between a and b if it needs it.
func (s *Summarizer) SummarizeEdge(ctx context.Context, a, b string) (bool, error) {
	return s.summarizeTarget(ctx, target{kind: common.KindRelation, edge: NewPairKey(a, b)})
}

// SummarizeAll summarizes every node and edge that needs it, running up to
// Parallel identities at once. It returns the number of summarized
// identities. Failures of single identities do not stop the others; they
// are joined into the returned error.
func (s *Summarizer) SummarizeAll(ctx context.Context) (int, error) {
	targets := make([]target, 0)
	for _, n := range s.graph.Nodes() {
		if s.NeedsSummary(n.Fragments) {
			targets = append(targets, target{kind: common.KindEntity, node: n.Key})
		}
	}
	for _, e := range s.graph.Edges() {
		if s.NeedsSummary(e.Fragments) {
			targets = append(targets, target{kind: common.KindRelation, edge: e.Key})
		}
	}

	var (
		mu    sync.Mutex
		done  int
		errs  []error
		group errgroup.Group
	)
	group.SetLimit(s.parallel)
	for _, t := range targets {
		group.Go(func() error {
			ok, err := s.summarizeTarget(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if ok {
				done++
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(targets) > 0 {
		logger.Info("[Summarize] Finished summarization pass", "candidates", len(targets), "summarized", done, "failed", len(errs))
	}
	return done, errors.Join(errs...)
}

type target struct {
	kind common.RecordKind
	node string
	edge PairKey
}

func (t target) identity() string {
	if t.kind == common.KindEntity {
		return "node:" + t.node
	}
	return "edge:" + t.edge.String()
}

func (s *Summarizer) summarizeTarget(ctx context.Context, t target) (bool, error) {
	unlock, err := s.locks.lock(ctx, t.identity())
	if err != nil {
		return false, err
	}
	defer unlock()

	var (
		name      string
		fragments []string
		summaries []common.Summary
	)
	switch t.kind {
	case common.KindEntity:
		n, ok := s.graph.NodeByKey(t.node)
		if !ok {
			return false, nil
		}
		name, fragments, summaries = n.Name, n.Fragments, n.Summaries
	case common.KindRelation:
		e, ok := s.graph.EdgeByKey(t.edge)
		if !ok {
			return false, nil
		}
		name, fragments, summaries = e.Source+" ~ "+e.Target, e.Fragments, e.Summaries
	}

	if !s.NeedsSummary(fragments) {
		return false, nil
	}

	texts := make([]string, 0, len(summaries)+len(fragments))
	weights := make([]int, 0, len(summaries)+len(fragments))
	for _, sum := range summaries {
		texts = append(texts, sum.Text)
		weights = append(weights, max(sum.Fragments, 1))
	}
	for _, f := range fragments {
		texts = append(texts, f)
		weights = append(weights, 1)
	}

	groups, err := s.detector.Group(ctx, t.kind, name, texts)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("[Summarize] Conflict grouping failed, using a single group", "target", name, "err", err)
		groups = []ReferentGroup{singleGroup(len(texts))}
	}
	if !validGroups(groups, len(texts)) {
		logger.Warn("[Summarize] Invalid referent groups, using a single group", "target", name, "groups", len(groups))
		groups = []ReferentGroup{singleGroup(len(texts))}
	}

	results := make([]common.Summary, 0, len(groups))
	for _, grp := range groups {
		req := SummaryRequest{
			Kind:        t.kind,
			Name:        name,
			Key:         t.identity(),
			Group:       grp.Label,
			Fragments:   make([]string, 0, len(grp.Indices)),
			TokenBudget: s.contextTokens,
		}
		covered := 0
		for _, i := range grp.Indices {
			req.Fragments = append(req.Fragments, texts[i])
			covered += weights[i]
		}

		sum, err := s.Summarize(ctx, req)
		if err != nil {
			metrics.Summaries.WithLabelValues("error").Inc()
			return false, err
		}
		sum.Fragments = covered
		results = append(results, sum)
	}

	update := SummaryUpdate{
		Kind:      t.kind,
		NodeKey:   t.node,
		EdgeKey:   t.edge,
		Summaries: results,
		Covered:   len(fragments),
	}
	if err := s.graph.ApplySummaries(ctx, update); err != nil {
		return false, err
	}

	metrics.Summaries.WithLabelValues("ok").Inc()
	logger.Debug("[Summarize] Summarized descriptions", "target", name, "inputs", len(texts), "groups", len(results))
	return true, nil
}

// Summarize condenses the fragments of one request into a Summary. A single
// fragment that fits the budget is used as is. Inputs larger than
// TokenBudget are reduced chunk by chunk before the final call.
func (s *Summarizer) Summarize(ctx context.Context, req SummaryRequest) (common.Summary, error) {
	budget := req.TokenBudget
	if budget <= 0 {
		budget = s.contextTokens
	}

	texts := req.Fragments
	for len(texts) > 1 && s.count(strings.Join(texts, "\n")) > budget {
		chunks := s.chunk(texts, budget)
		reduced := make([]string, 0, len(chunks))
		for _, c := range chunks {
			if len(c) == 1 {
				reduced = append(reduced, c[0])
				continue
			}
			text, err := s.describe(ctx, req, c)
			if err != nil {
				return common.Summary{}, err
			}
			reduced = append(reduced, text)
		}
		texts = reduced
	}

	var text string
	switch len(texts) {
	case 0:
		return common.Summary{}, fmt.Errorf("nothing to summarize for %s", req.Name)
	case 1:
		text = texts[0]
	default:
		var err error
		text, err = s.describe(ctx, req, texts)
		if err != nil {
			return common.Summary{}, err
		}
	}

	return common.Summary{
		ID:        gonanoid.Must(),
		Group:     req.Group,
		Text:      text,
		Fragments: len(req.Fragments),
	}, nil
}

// chunk splits texts into runs that fit budget. A run always holds at least
// two texts when more than one remains, so every reduction round shrinks
// the input.
func (s *Summarizer) chunk(texts []string, budget int) [][]string {
	chunks := make([][]string, 0)
	current := make([]string, 0)
	tokens := 0
	for _, t := range texts {
		n := s.count(t)
		if len(current) >= 2 && tokens+n > budget {
			chunks = append(chunks, current)
			current = make([]string, 0)
			tokens = 0
		}
		current = append(current, t)
		tokens += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

type descriptionLine struct {
	Description string `json:"description"`
}

func (s *Summarizer) describe(ctx context.Context, req SummaryRequest, texts []string) (string, error) {
	lines := make([]string, 0, len(texts))
	for _, t := range texts {
		b, err := json.Marshal(descriptionLine{Description: t})
		if err != nil {
			return "", err
		}
		lines = append(lines, string(b))
	}

	name := req.Name
	if req.Group != "" {
		name = req.Group
	}
	prompt := s.prompts.SummarizePrompt(descriptionType(req.Kind), name, strings.Join(lines, "\n"), s.summaryLength)

	text, err := util.RetryWithContext(ctx, s.maxRetries, func(ctx context.Context) (string, error) {
		callCtx, cancel := withTimeout(ctx, s.timeout)
		defer cancel()
		out, err := ai.CompleteWithPrefill(callCtx, s.client, prompt, s.prompts.SummarizePrefill,
			ai.WithSystemPrompts(s.prompts.Systems()...), ai.WithModel(s.model))
		if err != nil {
			return "", err
		}
		out = ai.CleanResponse(out)
		if out == "" {
			return "", errors.New("model returned an empty summary")
		}
		return out, nil
	})
	metrics.ModelCalls.WithLabelValues(string(OpSummarize), callStatus(err)).Inc()
	if err != nil {
		return "", &ExternalServiceError{Op: OpSummarize, Target: req.Name, Err: err}
	}
	return text, nil
}

func descriptionType(kind common.RecordKind) string {
	if kind == common.KindRelation {
		return "Relation"
	}
	return "Entity"
}

// keyedLocker hands out one exclusive slot per key. Entries are dropped when
// the last holder or waiter leaves.
type keyedLocker struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

type keyedSlot struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{slots: make(map[string]*keyedSlot)}
}

func (k *keyedLocker) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keyedSlot{sem: semaphore.NewWeighted(1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	leave := func() {
		k.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(k.slots, key)
		}
		k.mu.Unlock()
	}

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		leave()
		return nil, err
	}
	return func() {
		slot.sem.Release(1)
		leave()
	}, nil
}
