package graph

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"
)

// MergeReport counts what one merge changed.
type MergeReport struct {
	NodesCreated     int `json:"nodes_created"`
	NodesUpdated     int `json:"nodes_updated"`
	EdgesCreated     int `json:"edges_created"`
	EdgesUpdated     int `json:"edges_updated"`
	StubsCreated     int `json:"stubs_created"`
	FragmentsSkipped int `json:"fragments_skipped"`
	Discarded        int `json:"discarded"`
}

// Changed reports whether the merge modified the graph.
func (r MergeReport) Changed() bool {
	return r.NodesCreated+r.NodesUpdated+r.EdgesCreated+r.EdgesUpdated > 0
}

// Add sums two reports.
func (r MergeReport) Add(o MergeReport) MergeReport {
	return MergeReport{
		NodesCreated:     r.NodesCreated + o.NodesCreated,
		NodesUpdated:     r.NodesUpdated + o.NodesUpdated,
		EdgesCreated:     r.EdgesCreated + o.EdgesCreated,
		EdgesUpdated:     r.EdgesUpdated + o.EdgesUpdated,
		StubsCreated:     r.StubsCreated + o.StubsCreated,
		FragmentsSkipped: r.FragmentsSkipped + o.FragmentsSkipped,
		Discarded:        r.Discarded + o.Discarded,
	}
}

// Merge folds one extraction batch into the graph.
//
// The batch is applied as a whole or not at all: changes are staged on
// copies of the touched nodes and edges and only committed if the context
// is still live. Merging the same batch twice changes nothing the second
// time. Entity names are matched by NameKey, relations are undirected, and
// relation endpoints without an entity record become stub nodes of type
// Other.
func (g *KnowledgeGraph) Merge(ctx context.Context, batch Batch) (MergeReport, error) {
	start := time.Now()
	if err := g.acquire(ctx); err != nil {
		return MergeReport{}, err
	}
	defer g.release()

	s := newStaging(g)
	for _, rec := range batch.Records {
		if rec == nil {
			s.discarded++
			continue
		}
		batchID := rec.Batch()
		if batchID == "" {
			batchID = batch.ID
		}
		switch r := rec.(type) {
		case common.EntityRecord:
			s.applyEntity(r, batchID)
		case common.RelationRecord:
			s.applyRelation(r, batchID)
		}
	}

	if g.strictTypes && len(s.conflicts) > 0 {
		logger.Warn("[Merge] Rejected batch with type conflicts", "batch", batch.ID, "conflicts", len(s.conflicts))
		return MergeReport{}, &MergeConflictError{Conflicts: s.conflicts}
	}
	if err := ctx.Err(); err != nil {
		return MergeReport{}, err
	}

	report := s.report()
	metrics.ParseDiscards.Add(float64(report.Discarded))
	if report.Changed() {
		g.commit(s)
	}

	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	metrics.MergeChanges.WithLabelValues("node", "created").Add(float64(report.NodesCreated))
	metrics.MergeChanges.WithLabelValues("node", "updated").Add(float64(report.NodesUpdated))
	metrics.MergeChanges.WithLabelValues("edge", "created").Add(float64(report.EdgesCreated))
	metrics.MergeChanges.WithLabelValues("edge", "updated").Add(float64(report.EdgesUpdated))

	logger.Debug("[Merge] Merged batch",
		"batch", batch.ID,
		"passage", batch.PassageID,
		"round", batch.Round,
		"nodes_created", report.NodesCreated,
		"nodes_updated", report.NodesUpdated,
		"edges_created", report.EdgesCreated,
		"edges_updated", report.EdgesUpdated,
		"stubs", report.StubsCreated,
		"skipped", report.FragmentsSkipped,
	)

	return report, nil
}

func (g *KnowledgeGraph) commit(s *staging) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, n := range s.nodes {
		g.nodes[k] = n
	}
	for k, e := range s.edges {
		g.edges[k] = e
	}
	g.version++
}

// staging collects copy-on-write changes of one merge. The writer slot is
// held while it exists, so reading the live maps without g.mu is safe.
type staging struct {
	g *KnowledgeGraph

	nodes map[string]*GraphNode
	edges map[PairKey]*GraphEdge

	createdNodes map[string]struct{}
	updatedNodes map[string]struct{}
	createdEdges map[PairKey]struct{}
	updatedEdges map[PairKey]struct{}

	skipped   int
	discarded int
	conflicts []TypeConflict
}

func newStaging(g *KnowledgeGraph) *staging {
	return &staging{
		g:            g,
		nodes:        make(map[string]*GraphNode),
		edges:        make(map[PairKey]*GraphEdge),
		createdNodes: make(map[string]struct{}),
		updatedNodes: make(map[string]struct{}),
		createdEdges: make(map[PairKey]struct{}),
		updatedEdges: make(map[PairKey]struct{}),
	}
}

func (s *staging) node(key string) *GraphNode {
	if n, ok := s.nodes[key]; ok {
		return n
	}
	live, ok := s.g.nodes[key]
	if !ok {
		return nil
	}
	n := live.clone()
	s.nodes[key] = n
	return n
}

func (s *staging) edge(key PairKey) *GraphEdge {
	if e, ok := s.edges[key]; ok {
		return e
	}
	live, ok := s.g.edges[key]
	if !ok {
		return nil
	}
	e := live.clone()
	s.edges[key] = e
	return e
}

func (s *staging) touchNode(key string) {
	if _, created := s.createdNodes[key]; !created {
		s.updatedNodes[key] = struct{}{}
	}
}

func (s *staging) touchEdge(key PairKey) {
	if _, created := s.createdEdges[key]; !created {
		s.updatedEdges[key] = struct{}{}
	}
}

func (s *staging) applyEntity(r common.EntityRecord, batchID string) {
	key := NameKey(r.Name)
	if key == "" {
		return
	}
	newType := NormalizeType(r.Type)

	n := s.node(key)
	if n == nil {
		n = &GraphNode{
			Key:       key,
			Name:      NormalizeName(r.Name),
			Type:      newType,
			Fragments: []string{},
			Batches:   []string{},
			seen:      map[string]struct{}{},
		}
		s.nodes[key] = n
		s.createdNodes[key] = struct{}{}
	}

	changed := false
	if n.Stub {
		n.Stub = false
		changed = true
	}

	switch {
	case IsOtherType(n.Type) && !IsOtherType(newType):
		n.Type = newType
		changed = true
	case !IsOtherType(newType) && !strings.EqualFold(n.Type, newType):
		s.conflicts = append(s.conflicts, TypeConflict{
			Name:         n.Name,
			ExistingType: n.Type,
			NewType:      newType,
			BatchID:      batchID,
		})
	}

	if added, ok := addFragment(n.seen, &n.Fragments, r.Description); added {
		changed = true
	} else if ok {
		s.skipped++
	}
	if addBatch(&n.Batches, batchID) {
		changed = true
	}

	if changed {
		s.touchNode(key)
	}
}

func (s *staging) applyRelation(r common.RelationRecord, batchID string) {
	key := NewPairKey(r.Source, r.Target)
	if key.A == "" || key.B == "" || key.A == key.B {
		return
	}

	for _, name := range []string{r.Source, r.Target} {
		k := NameKey(name)
		if s.node(k) == nil {
			s.nodes[k] = newStub(name)
			s.createdNodes[k] = struct{}{}
		}
	}

	e := s.edge(key)
	if e == nil {
		e = &GraphEdge{
			Key:       key,
			Source:    NormalizeName(r.Source),
			Target:    NormalizeName(r.Target),
			Keywords:  []string{},
			Fragments: []string{},
			Batches:   []string{},
			seen:      map[string]struct{}{},
			keywords:  map[string]struct{}{},
		}
		s.edges[key] = e
		s.createdEdges[key] = struct{}{}
	}

	changed := false
	keywords := r.Keywords
	if len(keywords) == 0 && r.RawKeywords != "" {
		keywords = common.SplitKeywords(r.RawKeywords)
	}
	for _, kw := range keywords {
		k := keywordKey(kw)
		if k == "" {
			continue
		}
		if _, ok := e.keywords[k]; ok {
			continue
		}
		e.keywords[k] = struct{}{}
		e.Keywords = append(e.Keywords, NormalizeName(kw))
		changed = true
	}

	if added, ok := addFragment(e.seen, &e.Fragments, r.Description); added {
		changed = true
	} else if ok {
		s.skipped++
	}
	if addBatch(&e.Batches, batchID) {
		changed = true
	}

	if changed {
		s.touchEdge(key)
	}
}

func (s *staging) report() MergeReport {
	r := MergeReport{
		NodesCreated:     len(s.createdNodes),
		NodesUpdated:     len(s.updatedNodes),
		EdgesCreated:     len(s.createdEdges),
		EdgesUpdated:     len(s.updatedEdges),
		FragmentsSkipped: s.skipped,
		Discarded:        s.discarded,
	}
	for key := range s.createdNodes {
		if s.nodes[key].Stub {
			r.StubsCreated++
		}
	}
	return r
}

// addFragment appends a non-empty description unless the exact text was
// absorbed before. ok is false for an empty description.
func addFragment(seen map[string]struct{}, fragments *[]string, desc string) (added bool, ok bool) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return false, false
	}
	key := fragmentKey(desc)
	if _, dup := seen[key]; dup {
		return false, true
	}
	seen[key] = struct{}{}
	*fragments = append(*fragments, desc)
	return true, true
}

func addBatch(batches *[]string, id string) bool {
	if slices.Contains(*batches, id) {
		return false
	}
	*batches = append(*batches, id)
	return true
}

// SummaryUpdate replaces the summaries of one node or edge and drops the
// leading fragments they now cover.
type SummaryUpdate struct {
	Kind      common.RecordKind
	NodeKey   string
	EdgeKey   PairKey
	Summaries []common.Summary
	Covered   int
}

// ApplySummaries commits summarizer results. Fragments merged after the
// summarizer took its input are kept, because only the first Covered
// fragments are dropped. Dropped fragments are recorded in Absorbed so that
// replaying an old batch stays a no-op, also after a storage round trip.
func (g *KnowledgeGraph) ApplySummaries(ctx context.Context, updates ...SummaryUpdate) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	s := newStaging(g)
	for _, u := range updates {
		switch u.Kind {
		case common.KindEntity:
			n := s.node(u.NodeKey)
			if n == nil {
				continue
			}
			n.Summaries = slices.Clone(u.Summaries)
			n.Absorbed = absorb(n.Absorbed, n.Fragments, u.Covered)
			n.Fragments = dropCovered(n.Fragments, u.Covered)
		case common.KindRelation:
			e := s.edge(u.EdgeKey)
			if e == nil {
				continue
			}
			e.Summaries = slices.Clone(u.Summaries)
			e.Absorbed = absorb(e.Absorbed, e.Fragments, u.Covered)
			e.Fragments = dropCovered(e.Fragments, u.Covered)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.nodes)+len(s.edges) > 0 {
		g.commit(s)
	}
	return nil
}

// absorb appends the hashes of the first covered fragments.
func absorb(absorbed, fragments []string, covered int) []string {
	covered = min(covered, len(fragments))
	for _, f := range fragments[:max(covered, 0)] {
		if h := fragmentKey(f); !slices.Contains(absorbed, h) {
			absorbed = append(absorbed, h)
		}
	}
	return absorbed
}

func dropCovered(fragments []string, covered int) []string {
	if covered <= 0 {
		return fragments
	}
	if covered >= len(fragments) {
		return []string{}
	}
	return slices.Clone(fragments[covered:])
}
