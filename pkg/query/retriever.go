package query

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
)

// ContextEntity is one entity handed to the answer prompt.
type ContextEntity struct {
	Entity      string `json:"entity"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ContextRelation is one relationship handed to the answer prompt.
type ContextRelation struct {
	Entity1     string `json:"entity1"`
	Entity2     string `json:"entity2"`
	Keywords    string `json:"keywords"`
	Description string `json:"description"`
}

// ContextChunk is one document chunk handed to the answer prompt.
type ContextChunk struct {
	Reference string `json:"reference"`
	Content   string `json:"content"`
}

// Retrieved is the ranked context found for a query. Each list is ordered
// by relevance, most relevant first. Pool optionally carries the reference
// candidates of all three lists in one cross-type relevance order.
type Retrieved struct {
	Entities  []ContextEntity   `json:"entities"`
	Relations []ContextRelation `json:"relations"`
	Chunks    []ContextChunk    `json:"chunks"`
	Pool      []common.Citation `json:"pool,omitempty"`
}

// Empty reports whether nothing was retrieved.
func (r Retrieved) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relations) == 0 && len(r.Chunks) == 0
}

func entityCitation(e ContextEntity) common.Citation {
	return common.Citation{Provenance: common.ProvenanceEntity, Identifier: e.Entity}
}

func relationCitation(rel ContextRelation) common.Citation {
	return common.Citation{
		Provenance: common.ProvenanceRelation,
		Identifier: rel.Entity1 + " ~ " + rel.Entity2,
		Source:     rel.Entity1,
		Target:     rel.Entity2,
	}
}

func chunkCitation(c ContextChunk) common.Citation {
	return common.Citation{Provenance: common.ProvenanceDocument, Identifier: c.Reference}
}

// Citations lists the reference candidates of r in relevance order. Without
// a Pool the three lists are interleaved by rank, so no type crowds out the
// others.
func (r Retrieved) Citations() []common.Citation {
	if len(r.Pool) > 0 {
		return slices.Clone(r.Pool)
	}
	out := make([]common.Citation, 0, len(r.Entities)+len(r.Relations)+len(r.Chunks))
	for i := 0; i < max(len(r.Entities), len(r.Relations), len(r.Chunks)); i++ {
		if i < len(r.Entities) {
			out = append(out, entityCitation(r.Entities[i]))
		}
		if i < len(r.Relations) {
			out = append(out, relationCitation(r.Relations[i]))
		}
		if i < len(r.Chunks) {
			out = append(out, chunkCitation(r.Chunks[i]))
		}
	}
	return out
}

// Retriever finds the context for a question. Retrieval strategies live
// outside the engine; GraphRetriever is a simple in-memory one.
type Retriever interface {
	Retrieve(ctx context.Context, question string, keywords common.KeywordSet) (Retrieved, error)
}

// GraphRetriever matches low-level keywords against entity names and
// high-level keywords against relationship keywords of a KnowledgeGraph.
type GraphRetriever struct {
	Graph        *graph.KnowledgeGraph
	MaxEntities  int
	MaxRelations int
}

type scored[T any] struct {
	item  T
	score int
	occ   int
	key   string
}

func better(a, b scoreKey) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.occ != b.occ {
		return a.occ > b.occ
	}
	return a.key < b.key
}

type scoreKey struct {
	score int
	occ   int
	key   string
}

func (s scored[T]) rankKey() scoreKey {
	return scoreKey{score: s.score, occ: s.occ, key: s.key}
}

func rank[T any](items []scored[T], limit int) []scored[T] {
	sort.SliceStable(items, func(i, j int) bool {
		return better(items[i].rankKey(), items[j].rankKey())
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func unwrap[T any](items []scored[T]) []T {
	out := make([]T, 0, len(items))
	for _, s := range items {
		out = append(out, s.item)
	}
	return out
}

func matchScore(key string, keywords []string) int {
	best := 0
	for _, k := range keywords {
		switch {
		case key == k:
			return 2
		case k != "" && strings.Contains(key, k):
			best = 1
		}
	}
	return best
}

func (r *GraphRetriever) Retrieve(ctx context.Context, _ string, keywords common.KeywordSet) (Retrieved, error) {
	if err := ctx.Err(); err != nil {
		return Retrieved{}, err
	}
	maxEntities, maxRelations := r.MaxEntities, r.MaxRelations
	if maxEntities <= 0 {
		maxEntities = 20
	}
	if maxRelations <= 0 {
		maxRelations = 20
	}

	low := make([]string, 0, len(keywords.LowLevel))
	for _, k := range keywords.LowLevel {
		low = append(low, graph.NameKey(k))
	}
	high := make([]string, 0, len(keywords.HighLevel))
	for _, k := range keywords.HighLevel {
		high = append(high, graph.NameKey(k))
	}

	matched := make(map[string]struct{})
	entities := make([]scored[ContextEntity], 0)
	for _, n := range r.Graph.Nodes() {
		score := matchScore(n.Key, low)
		if score == 0 || (n.Stub && score < 2) {
			continue
		}
		matched[n.Key] = struct{}{}
		entities = append(entities, scored[ContextEntity]{
			item:  ContextEntity{Entity: n.Name, Type: n.Type, Description: n.Description()},
			score: score,
			occ:   n.Occurrences(),
			key:   n.Key,
		})
	}

	relations := make([]scored[ContextRelation], 0)
	for _, e := range r.Graph.Edges() {
		score := 0
		for _, kw := range e.Keywords {
			if s := matchScore(graph.NameKey(kw), high); s > 0 {
				score = max(score, s+1)
			}
		}
		_, a := matched[e.Key.A]
		_, b := matched[e.Key.B]
		if score == 0 && (a || b) {
			score = 1
		}
		if score == 0 {
			continue
		}
		relations = append(relations, scored[ContextRelation]{
			item: ContextRelation{
				Entity1:     e.Source,
				Entity2:     e.Target,
				Keywords:    strings.Join(e.Keywords, ", "),
				Description: e.Description(),
			},
			score: score,
			occ:   e.Occurrences(),
			key:   e.Key.String(),
		})
	}

	rankedEntities := rank(entities, maxEntities)
	rankedRelations := rank(relations, maxRelations)

	type candidate struct {
		rank scoreKey
		cite common.Citation
	}
	pool := make([]candidate, 0, len(rankedEntities)+len(rankedRelations))
	for _, e := range rankedEntities {
		pool = append(pool, candidate{rank: e.rankKey(), cite: entityCitation(e.item)})
	}
	for _, rel := range rankedRelations {
		pool = append(pool, candidate{rank: rel.rankKey(), cite: relationCitation(rel.item)})
	}
	sort.SliceStable(pool, func(i, j int) bool { return better(pool[i].rank, pool[j].rank) })

	out := Retrieved{
		Entities:  unwrap(rankedEntities),
		Relations: unwrap(rankedRelations),
		Chunks:    []ContextChunk{},
		Pool:      make([]common.Citation, 0, len(pool)),
	}
	for _, c := range pool {
		out.Pool = append(out.Pool, c.cite)
	}
	return out, nil
}
