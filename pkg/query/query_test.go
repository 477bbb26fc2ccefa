package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
)

type fakeClient struct {
	mu sync.Mutex

	keywords string
	answer   string
	err      error

	systems []string
	chats   [][]ai.ChatMessage
}

func (f *fakeClient) GenerateCompletion(_ context.Context, _ string, _ ...ai.GenerateOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.keywords, nil
}

func (f *fakeClient) GenerateCompletionWithFormat(context.Context, string, string, string, any, ...ai.GenerateOption) error {
	return errors.New("not used")
}

func (f *fakeClient) GenerateChat(_ context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	o := ai.ApplyOptions(ai.GenerateOptions{}, opts...)
	f.mu.Lock()
	f.systems = append(f.systems, strings.Join(o.SystemPrompts, "\n"))
	f.chats = append(f.chats, messages)
	f.mu.Unlock()
	return f.answer, nil
}

func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func tokyoGraph(t *testing.T) *graph.KnowledgeGraph {
	t.Helper()
	g := graph.NewKnowledgeGraph()
	_, err := g.Merge(context.Background(), graph.Batch{
		ID: "b1",
		Records: []common.Record{
			common.EntityRecord{Name: "Tokyo", Type: "location", Description: "Tokyo is the capital of Japan."},
			common.EntityRecord{Name: "Japan", Type: "location", Description: "Japan is an island country."},
			common.RelationRecord{
				Source:      "Tokyo",
				Target:      "Japan",
				RawKeywords: "capital city, government",
				Keywords:    []string{"capital city", "government"},
				Description: "Tokyo is the capital city of Japan.",
			},
		},
		Status: graph.StatusComplete,
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	return g
}

func newTestComposer(t *testing.T, client ai.GraphAIClient, g *graph.KnowledgeGraph) *Composer {
	t.Helper()
	c, err := NewComposer(ComposerParams{
		Client:     client,
		Retriever:  &GraphRetriever{Graph: g},
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	return c
}

func TestComposerAnswer(t *testing.T) {
	client := &fakeClient{
		keywords: `{"high_level_keywords": ["capital"], "low_level_keywords": ["Tokyo"]}`,
		answer: "<think>check the graph</think>Tokyo is the capital of Japan.\n\n### References\n\n" +
			"- [KG] Tokyo\n- [KG] Kyoto\n- [KG] Japan ~ Tokyo",
	}
	c := newTestComposer(t, client, tokyoGraph(t))

	ans, err := c.Answer(context.Background(), Request{Question: "What is the capital of Japan?"})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if ans.NoContext {
		t.Fatalf("expected context to be found")
	}

	want := "Tokyo is the capital of Japan.\n\n### References\n\n- [KG] Tokyo\n- [KG] Tokyo ~ Japan"
	if ans.Text != want {
		t.Fatalf("Text = %q, want %q", ans.Text, want)
	}
	if len(ans.Citations) != 2 {
		t.Fatalf("Citations = %v, want 2", ans.Citations)
	}

	if len(client.systems) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(client.systems))
	}
	system := client.systems[0]
	if !strings.Contains(system, `"entity":"Tokyo"`) || !strings.Contains(system, `"entity1":"Tokyo"`) {
		t.Fatalf("system prompt misses the retrieved context:\n%s", system)
	}
	last := client.chats[0][len(client.chats[0])-1]
	if last.Role != "user" || last.Message != "What is the capital of Japan?" {
		t.Fatalf("last chat message = %+v", last)
	}

	tr := ans.Trace
	if len(tr.ModelCalls) != 2 || tr.ModelCalls[0].Op != "keywords" || tr.ModelCalls[1].Op != "answer" {
		t.Fatalf("model calls = %+v", tr.ModelCalls)
	}
	if len(tr.RetrievedEntities) != 1 || tr.RetrievedEntities[0] != "Tokyo" {
		t.Fatalf("retrieved entities = %v", tr.RetrievedEntities)
	}
	if len(tr.ConsideredCitations) != 2 || len(tr.UsedCitations) != 2 {
		t.Fatalf("considered = %v, used = %v", tr.ConsideredCitations, tr.UsedCitations)
	}
}

func TestComposerFailResponse(t *testing.T) {
	tests := []struct {
		name     string
		keywords string
		naive    bool
	}{
		{
			name:     "no keywords",
			keywords: `{"high_level_keywords": [], "low_level_keywords": []}`,
		},
		{
			name:     "no matching context",
			keywords: `{"high_level_keywords": ["weather"], "low_level_keywords": ["Berlin"]}`,
		},
		{
			name:     "naive mode without chunks",
			keywords: `{"high_level_keywords": ["capital"], "low_level_keywords": ["Tokyo"]}`,
			naive:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{keywords: tt.keywords, answer: "should not be asked"}
			c := newTestComposer(t, client, tokyoGraph(t))

			ans, err := c.Answer(context.Background(), Request{Question: "hello there", Naive: tt.naive})
			if err != nil {
				t.Fatalf("Answer failed: %v", err)
			}
			if !ans.NoContext || ans.Text != ai.FailResponse {
				t.Fatalf("answer = %+v, want the fail response", ans)
			}
			if len(ans.Citations) != 0 {
				t.Fatalf("citations = %v, want none", ans.Citations)
			}
			if len(client.systems) != 0 {
				t.Fatalf("answer model was called %d times", len(client.systems))
			}
		})
	}
}

func TestComposerKeywordErrors(t *testing.T) {
	t.Run("malformed response", func(t *testing.T) {
		c := newTestComposer(t, &fakeClient{keywords: "I could not find any keywords."}, tokyoGraph(t))
		_, err := c.Answer(context.Background(), Request{Question: "q"})
		var perr *KeywordParseError
		if !errors.As(err, &perr) {
			t.Fatalf("err = %v, want *KeywordParseError", err)
		}
	})

	t.Run("model failure", func(t *testing.T) {
		c := newTestComposer(t, &fakeClient{err: errors.New("unavailable")}, tokyoGraph(t))
		_, err := c.Keywords(context.Background(), "q")
		var serr *graph.ExternalServiceError
		if !errors.As(err, &serr) || serr.Op != graph.OpKeywords {
			t.Fatalf("err = %v, want keywords *ExternalServiceError", err)
		}
	})
}

func TestGraphRetrieverRanking(t *testing.T) {
	g := tokyoGraph(t)
	r := &GraphRetriever{Graph: g, MaxEntities: 1}

	got, err := r.Retrieve(context.Background(), "", common.KeywordSet{
		HighLevel: []string{},
		LowLevel:  []string{"Japan", "Tok"},
	})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got.Entities) != 1 || got.Entities[0].Entity != "Japan" {
		t.Fatalf("entities = %+v, want the exact match first", got.Entities)
	}
	if len(got.Relations) != 1 || got.Relations[0].Keywords != "capital city, government" {
		t.Fatalf("relations = %+v", got.Relations)
	}
}

func TestComposerCitesTopRankedAcrossTypes(t *testing.T) {
	g := graph.NewKnowledgeGraph()
	records := []common.Record{
		common.EntityRecord{Name: "Tokyo", Type: "location", Description: "Capital of Japan."},
		common.RelationRecord{
			Source:      "Tokyo",
			Target:      "Japan",
			RawKeywords: "capital city",
			Keywords:    []string{"capital city"},
			Description: "Tokyo is the capital city of Japan.",
		},
	}
	for _, name := range []string{"Tokyo Bay", "Tokyo Dome", "Tokyo Skytree", "Tokyo Station", "Tokyo Tower"} {
		records = append(records, common.EntityRecord{Name: name, Type: "location", Description: name + " is in Tokyo."})
	}
	if _, err := g.Merge(context.Background(), graph.Batch{ID: "b1", Records: records, Status: graph.StatusComplete}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	retrieved, err := (&GraphRetriever{Graph: g}).Retrieve(context.Background(), "", common.KeywordSet{
		HighLevel: []string{"capital city"},
		LowLevel:  []string{"Tokyo"},
	})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	pool := retrieved.Citations()
	if len(pool) != 7 || pool[0].Provenance != common.ProvenanceRelation || pool[1].Identifier != "Tokyo" {
		t.Fatalf("pool = %+v, want the relation first and Tokyo second", pool)
	}

	client := &fakeClient{
		keywords: `{"high_level_keywords": ["capital city"], "low_level_keywords": ["Tokyo"]}`,
		answer:   "Tokyo is the capital.\n\n### References\n\n- [KG] Tokyo ~ Japan\n- [KG] Tokyo Tower",
	}
	ans, err := newTestComposer(t, client, g).Answer(context.Background(), Request{Question: "What is the capital of Japan?"})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !strings.Contains(ans.Text, "[KG] Tokyo ~ Japan") || strings.Contains(ans.Text, "Tokyo Tower") {
		t.Fatalf("Text = %q, want the relation kept and the sixth entity dropped", ans.Text)
	}
	if len(ans.Citations) != 1 || ans.Citations[0].Provenance != common.ProvenanceRelation {
		t.Fatalf("Citations = %+v", ans.Citations)
	}
}

func TestRetrievedCitationsInterleave(t *testing.T) {
	r := Retrieved{
		Entities:  []ContextEntity{{Entity: "A"}, {Entity: "B"}},
		Relations: []ContextRelation{{Entity1: "A", Entity2: "B"}},
		Chunks:    []ContextChunk{{Reference: "doc.pdf"}},
	}
	var got []string
	for _, c := range r.Citations() {
		got = append(got, CitationTag(c))
	}
	want := []string{"[KG] A", "[KG] A ~ B", "[DC] doc.pdf", "[KG] B"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("citations = %v, want %v", got, want)
	}
}

func TestComposerSendsSettingsAndPrefill(t *testing.T) {
	client := &fakeClient{
		keywords: `{"high_level_keywords": ["capital"], "low_level_keywords": ["Tokyo"]}`,
		answer:   "Tokyo is the capital of Japan.",
	}
	prompts := ai.NewPromptSet("<|#|>", "<|COMPLETE|>")
	prompts.SystemSettings = "Private session."
	prompts.AnswerPrefill = "Answer:"

	c, err := NewComposer(ComposerParams{
		Client:     client,
		Prompts:    prompts,
		Retriever:  &GraphRetriever{Graph: tokyoGraph(t)},
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	if _, err := c.Answer(context.Background(), Request{Question: "What is the capital of Japan?"}); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if !strings.HasPrefix(client.systems[0], "Private session.\n") {
		t.Fatalf("system prompt does not start with the settings:\n%s", client.systems[0])
	}
	msgs := client.chats[0]
	if last := msgs[len(msgs)-1]; last.Role != "assistant" || last.Message != "Answer:" {
		t.Fatalf("last chat message = %+v, want the prefill", last)
	}
	if q := msgs[len(msgs)-2]; q.Message != "What is the capital of Japan?" {
		t.Fatalf("question = %+v", q)
	}
}
