package query

import (
	"slices"
	"sync"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
)

type TraceEventKind string

const (
	TraceEventKeywords            TraceEventKind = "keywords"
	TraceEventRetrievedEntities   TraceEventKind = "retrieved_entities"
	TraceEventRetrievedRelations  TraceEventKind = "retrieved_relations"
	TraceEventConsideredCitations TraceEventKind = "considered_citations"
	TraceEventUsedCitations       TraceEventKind = "used_citations"

	TraceEventModelCall TraceEventKind = "model_call"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	Keywords  common.KeywordSet
	Names     []string
	Citations []string

	Op         string
	DurationMs int64
	Error      string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordKeywords(t Tracer, set common.KeywordSet) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventKeywords, Keywords: set})
}

func RecordRetrievedEntities(t Tracer, names ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventRetrievedEntities, Names: names})
}

func RecordRetrievedRelations(t Tracer, pairs ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventRetrievedRelations, Names: pairs})
}

func RecordConsideredCitations(t Tracer, cites ...common.Citation) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredCitations, Citations: tags(cites)})
}

func RecordUsedCitations(t Tracer, cites ...common.Citation) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedCitations, Citations: tags(cites)})
}

func RecordModelCall(t Tracer, op string, durationMs int64, err error) {
	if t == nil {
		return
	}
	e := TraceEvent{Kind: TraceEventModelCall, Op: op, DurationMs: durationMs}
	if err != nil {
		e.Error = err.Error()
	}
	t.Record(e)
}

func tags(cites []common.Citation) []string {
	out := make([]string, 0, len(cites))
	for _, c := range cites {
		out = append(out, CitationTag(c))
	}
	return out
}

// ModelCall is one traced call across the model boundary.
type ModelCall struct {
	Op         string `json:"op"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// QueryTrace collects what a query run extracted, retrieved, considered and
// finally cited. Lists keep first-seen order without duplicates.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	keywords            common.KeywordSet
	retrievedEntities   []string
	retrievedRelations  []string
	consideredCitations []string
	usedCitations       []string
	modelCalls          []ModelCall
}

type QueryTraceSnapshot struct {
	Keywords            common.KeywordSet `json:"keywords"`
	RetrievedEntities   []string          `json:"retrieved_entities"`
	RetrievedRelations  []string          `json:"retrieved_relations"`
	ConsideredCitations []string          `json:"considered_citations"`
	UsedCitations       []string          `json:"used_citations"`
	ModelCalls          []ModelCall       `json:"model_calls"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		keywords: common.KeywordSet{HighLevel: []string{}, LowLevel: []string{}},
	}
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" || slices.Contains(list, v) {
			continue
		}
		list = append(list, v)
	}
	return list
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventKeywords:
		t.keywords = common.KeywordSet{
			HighLevel: slices.Clone(event.Keywords.HighLevel),
			LowLevel:  slices.Clone(event.Keywords.LowLevel),
		}
	case TraceEventRetrievedEntities:
		t.retrievedEntities = appendUnique(t.retrievedEntities, event.Names...)
	case TraceEventRetrievedRelations:
		t.retrievedRelations = appendUnique(t.retrievedRelations, event.Names...)
	case TraceEventConsideredCitations:
		t.consideredCitations = appendUnique(t.consideredCitations, event.Citations...)
	case TraceEventUsedCitations:
		t.usedCitations = appendUnique(t.usedCitations, event.Citations...)
	case TraceEventModelCall:
		t.modelCalls = append(t.modelCalls, ModelCall{
			Op:         event.Op,
			DurationMs: event.DurationMs,
			Error:      event.Error,
		})
	default:
		return
	}
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		Keywords: common.KeywordSet{
			HighLevel: slices.Clone(t.keywords.HighLevel),
			LowLevel:  slices.Clone(t.keywords.LowLevel),
		},
		RetrievedEntities:   append([]string{}, t.retrievedEntities...),
		RetrievedRelations:  append([]string{}, t.retrievedRelations...),
		ConsideredCitations: append([]string{}, t.consideredCitations...),
		UsedCitations:       append([]string{}, t.usedCitations...),
		ModelCalls:          append([]ModelCall{}, t.modelCalls...),
	}
}
