package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/semaphore"
)

// GraphNode is one entity of the knowledge graph.
//
// Fragments holds the raw description fragments not yet covered by a
// summary, in insertion order. Batches lists the distinct extraction batches
// that contributed an entity record; its length is the occurrence count.
// A Stub node was only referenced by relations and has never received an
// entity record. Absorbed holds the hashes of fragments folded into
// summaries; it is persisted so a replayed batch cannot bring them back.
type GraphNode struct {
	Key       string           `json:"key"`
	Name      string           `json:"name"`
	Type      string           `json:"type"`
	Fragments []string         `json:"fragments"`
	Summaries []common.Summary `json:"summaries,omitempty"`
	Absorbed  []string         `json:"absorbed,omitempty"`
	Batches   []string         `json:"batches"`
	Stub      bool             `json:"stub"`

	seen map[string]struct{}
}

// Occurrences returns the number of distinct batches that described the node.
func (n GraphNode) Occurrences() int {
	return len(n.Batches)
}

// Description joins summaries and pending fragments into one text.
func (n GraphNode) Description() string {
	return joinDescription(n.Summaries, n.Fragments)
}

func (n *GraphNode) clone() *GraphNode {
	c := *n
	c.Fragments = slices.Clone(n.Fragments)
	c.Summaries = slices.Clone(n.Summaries)
	c.Absorbed = slices.Clone(n.Absorbed)
	c.Batches = slices.Clone(n.Batches)
	c.seen = make(map[string]struct{}, len(n.seen))
	for k := range n.seen {
		c.seen[k] = struct{}{}
	}
	return &c
}

// GraphEdge is one undirected relationship of the knowledge graph. Its
// endpoints are referenced by name key only; Source and Target keep the
// display names in the orientation they were first seen.
type GraphEdge struct {
	Key       PairKey          `json:"key"`
	Source    string           `json:"source"`
	Target    string           `json:"target"`
	Keywords  []string         `json:"keywords"`
	Fragments []string         `json:"fragments"`
	Summaries []common.Summary `json:"summaries,omitempty"`
	Absorbed  []string         `json:"absorbed,omitempty"`
	Batches   []string         `json:"batches"`

	seen     map[string]struct{}
	keywords map[string]struct{}
}

// Occurrences returns the number of distinct batches that asserted the edge.
func (e GraphEdge) Occurrences() int {
	return len(e.Batches)
}

// Description joins summaries and pending fragments into one text.
func (e GraphEdge) Description() string {
	return joinDescription(e.Summaries, e.Fragments)
}

func (e *GraphEdge) clone() *GraphEdge {
	c := *e
	c.Keywords = slices.Clone(e.Keywords)
	c.Fragments = slices.Clone(e.Fragments)
	c.Summaries = slices.Clone(e.Summaries)
	c.Absorbed = slices.Clone(e.Absorbed)
	c.Batches = slices.Clone(e.Batches)
	c.seen = make(map[string]struct{}, len(e.seen))
	for k := range e.seen {
		c.seen[k] = struct{}{}
	}
	c.keywords = make(map[string]struct{}, len(e.keywords))
	for k := range e.keywords {
		c.keywords[k] = struct{}{}
	}
	return &c
}

func joinDescription(summaries []common.Summary, fragments []string) string {
	parts := make([]string, 0, len(summaries)+len(fragments))
	for _, s := range summaries {
		parts = append(parts, s.Text)
	}
	parts = append(parts, fragments...)
	return strings.Join(parts, "\n")
}

// KnowledgeGraph owns every node and edge built from extraction batches.
//
// All mutations (Merge, summary application, Restore) are serialized by a
// single writer slot and applied copy-on-write, so readers always observe a
// graph state between two whole batches. Every edge endpoint exists as a
// node.
type KnowledgeGraph struct {
	ID string

	strictTypes bool

	writer *semaphore.Weighted

	mu      sync.RWMutex
	nodes   map[string]*GraphNode
	edges   map[PairKey]*GraphEdge
	version uint64
}

// Option configures a KnowledgeGraph.
type Option func(*KnowledgeGraph)

// WithID sets the graph identifier used by storage.
func WithID(id string) Option {
	return func(g *KnowledgeGraph) {
		g.ID = id
	}
}

// WithStrictTypes makes Merge reject batches that assign a different
// non-Other type to an existing entity instead of keeping the first type.
func WithStrictTypes() Option {
	return func(g *KnowledgeGraph) {
		g.strictTypes = true
	}
}

// NewKnowledgeGraph creates an empty graph.
func NewKnowledgeGraph(opts ...Option) *KnowledgeGraph {
	g := &KnowledgeGraph{
		writer: semaphore.NewWeighted(1),
		nodes:  make(map[string]*GraphNode),
		edges:  make(map[PairKey]*GraphEdge),
	}
	for _, o := range opts {
		o(g)
	}
	if g.ID == "" {
		g.ID = gonanoid.Must()
	}
	return g
}

func (g *KnowledgeGraph) acquire(ctx context.Context) error {
	return g.writer.Acquire(ctx, 1)
}

func (g *KnowledgeGraph) release() {
	g.writer.Release(1)
}

// Version increases with every committed change.
func (g *KnowledgeGraph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Len returns the number of nodes and edges.
func (g *KnowledgeGraph) Len() (int, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// Node looks up an entity by name. Any casing or spacing of the name works.
func (g *KnowledgeGraph) Node(name string) (GraphNode, bool) {
	return g.NodeByKey(NameKey(name))
}

// NodeByKey looks up an entity by its name key.
func (g *KnowledgeGraph) NodeByKey(key string) (GraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[key]
	if !ok {
		return GraphNode{}, false
	}
	return *n.clone(), true
}

// Edge looks up the relationship between two entities in either order.
func (g *KnowledgeGraph) Edge(a, b string) (GraphEdge, bool) {
	return g.EdgeByKey(NewPairKey(a, b))
}

// EdgeByKey looks up a relationship by its pair key.
func (g *KnowledgeGraph) EdgeByKey(key PairKey) (GraphEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[key]
	if !ok {
		return GraphEdge{}, false
	}
	return *e.clone(), true
}

// Nodes returns a copy of all nodes sorted by key.
func (g *KnowledgeGraph) Nodes() []GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GraphNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Edges returns a copy of all edges sorted by key.
func (g *KnowledgeGraph) Edges() []GraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GraphEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.A != out[j].Key.A {
			return out[i].Key.A < out[j].Key.A
		}
		return out[i].Key.B < out[j].Key.B
	})
	return out
}

// Snapshot is a point-in-time copy of the whole graph.
type Snapshot struct {
	ID      string      `json:"id"`
	Version uint64      `json:"version"`
	Nodes   []GraphNode `json:"nodes"`
	Edges   []GraphEdge `json:"edges"`
}

// Snapshot copies the graph. Nodes and edges come from the same version.
func (g *KnowledgeGraph) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := g.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer g.release()

	return Snapshot{
		ID:      g.ID,
		Version: g.Version(),
		Nodes:   g.Nodes(),
		Edges:   g.Edges(),
	}, nil
}

// Restore replaces the graph content with a snapshot, typically one loaded
// from storage. Missing edge endpoints are recreated as stubs.
func (g *KnowledgeGraph) Restore(ctx context.Context, snap Snapshot) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	nodes := make(map[string]*GraphNode, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i].clone()
		if n.Key == "" {
			n.Key = NameKey(n.Name)
		}
		rebuildSeen(n.seen, n.Fragments, n.Absorbed)
		nodes[n.Key] = n
	}

	edges := make(map[PairKey]*GraphEdge, len(snap.Edges))
	for i := range snap.Edges {
		e := snap.Edges[i].clone()
		e.Key = NewPairKey(e.Source, e.Target)
		rebuildSeen(e.seen, e.Fragments, e.Absorbed)
		for _, k := range e.Keywords {
			e.keywords[keywordKey(k)] = struct{}{}
		}
		for _, name := range []string{e.Source, e.Target} {
			key := NameKey(name)
			if _, ok := nodes[key]; !ok {
				nodes[key] = newStub(name)
			}
		}
		edges[e.Key] = e
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if snap.ID != "" {
		g.ID = snap.ID
	}
	g.nodes = nodes
	g.edges = edges
	g.version = snap.Version
	return nil
}

// fragmentKey identifies a description fragment in the seen sets.
func fragmentKey(desc string) string {
	sum := sha256.Sum256([]byte(desc))
	return hex.EncodeToString(sum[:])
}

func rebuildSeen(seen map[string]struct{}, fragments, absorbed []string) {
	for _, f := range fragments {
		seen[fragmentKey(f)] = struct{}{}
	}
	for _, h := range absorbed {
		seen[h] = struct{}{}
	}
}

func newStub(name string) *GraphNode {
	return &GraphNode{
		Key:       NameKey(name),
		Name:      NormalizeName(name),
		Type:      common.OtherType,
		Fragments: []string{},
		Batches:   []string{},
		Stub:      true,
		seen:      map[string]struct{}{},
	}
}
