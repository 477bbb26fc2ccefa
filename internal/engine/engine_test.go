package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/config"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
)

type fakeClient struct {
	extraction string
}

func (f *fakeClient) GenerateCompletion(context.Context, string, ...ai.GenerateOption) (string, error) {
	return "summary", nil
}

func (f *fakeClient) GenerateCompletionWithFormat(context.Context, string, string, string, any, ...ai.GenerateOption) error {
	return errors.New("not scripted")
}

func (f *fakeClient) GenerateChat(context.Context, []ai.ChatMessage, ...ai.GenerateOption) (string, error) {
	return f.extraction, nil
}

func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func testConfig() *config.Config {
	return &config.Config{
		AI: config.AIConfig{
			Adapter:          "openai",
			ParallelRequests: 2,
			Timeout:          time.Second,
			MaxRetries:       1,
		},
		Extraction: config.ExtractionConfig{
			Delimiters:       graph.DefaultDelimiters(),
			ParallelPassages: 2,
		},
		Summary: config.SummaryConfig{
			MaxFragments:  graph.DefaultMaxFragments,
			TokenBudget:   graph.DefaultTokenBudget,
			SummaryLength: graph.DefaultSummaryLength,
		},
		Query: config.QueryConfig{CitationLimit: 5, MaxEntities: 10, MaxRelations: 10},
		Store: config.StoreConfig{GraphID: "default"},
	}
}

func newTestEngine() *Engine {
	e := New(testConfig(), &fakeClient{
		extraction: "entity<|#|>Tokyo<|#|>Location<|#|>Capital of Japan\n" +
			"relation<|#|>Tokyo<|#|>Japan<|#|>capital<|#|>Tokyo is the capital of Japan\n<|COMPLETE|>",
	}, nil, nil)
	e.TokenCounter = graph.WordCounter
	return e
}

func TestUpdatePersistsGraph(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	err := e.Update(ctx, "", func(ctx context.Context, c *graph.GraphClient) error {
		_, err := c.ProcessPassages(ctx, []graph.Passage{{ID: "p1", Text: "Tokyo is the capital of Japan."}})
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	g, err := e.Load(ctx, "default")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n, ok := g.Node("tokyo"); !ok || n.Type != "Location" {
		t.Fatalf("node = %+v, %v", n, ok)
	}
	if _, ok := g.Edge("Japan", "Tokyo"); !ok {
		t.Fatalf("edge missing")
	}
	if _, ok := g.Node("Japan"); !ok {
		t.Fatalf("relation endpoint missing")
	}
}

func TestUpdateSavesOnError(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	boom := errors.New("boom")

	err := e.Update(ctx, "g2", func(ctx context.Context, c *graph.GraphClient) error {
		if _, err := c.ProcessPassages(ctx, []graph.Passage{{ID: "p1", Text: "Tokyo."}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	g, err := e.Load(ctx, "g2")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := g.Node("Tokyo"); !ok {
		t.Fatalf("merged passage was not saved")
	}
}

func TestNewComposerUsesGraph(t *testing.T) {
	e := newTestEngine()
	g := graph.NewKnowledgeGraph()
	c, err := e.NewComposer(g, nil)
	if err != nil || c == nil {
		t.Fatalf("NewComposer = %v, %v", c, err)
	}
}

func TestNewAIClientCache(t *testing.T) {
	cfg := testConfig()
	cfg.AI.CacheDir = t.TempDir()

	client, closeFn, err := NewAIClient(cfg)
	if err != nil {
		t.Fatalf("NewAIClient failed: %v", err)
	}
	if client == nil || closeFn == nil {
		t.Fatalf("expected a cached client with a close function")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	cfg.AI.CacheDir = ""
	if _, closeFn, err := NewAIClient(cfg); err != nil || closeFn != nil {
		t.Fatalf("uncached client = %v, %v", closeFn, err)
	}
}
