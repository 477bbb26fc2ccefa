// Package engine wires the configured model adapter, graph store and lease
// locker into graph clients and answer composers. It is shared by the server
// and the worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/config"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai/cache"
	oai "github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/query"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/store"
	pgstore "github.com/OFFIS-RIT/kiwi/consolidation/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
)

// A crashed holder blocks its graph for at most leaseTTL.
const (
	leaseTTL   = 10 * time.Minute
	leaseRenew = 4 * time.Minute
)

// Engine holds the long lived dependencies of one process.
type Engine struct {
	Config  *config.Config
	AI      ai.GraphAIClient
	Storage store.GraphStorage
	Locker  leaselock.Locker

	// TokenCounter overrides the tiktoken counter built from TOKEN_ENCODER.
	TokenCounter graph.TokenCounter

	closers []func() error
}

// New assembles an Engine from ready made parts. Nil storage and locker
// fall back to their in-memory versions.
func New(cfg *config.Config, client ai.GraphAIClient, storage store.GraphStorage, locker leaselock.Locker) *Engine {
	if storage == nil {
		storage = store.NewMemoryStorage()
	}
	if locker == nil {
		locker = leaselock.NewLocalLocker()
	}
	return &Engine{Config: cfg, AI: client, Storage: storage, Locker: locker}
}

// Open builds the model client and connects the store described by cfg.
// Without DATABASE_URL graphs are kept in memory.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	client, closeAI, err := NewAIClient(cfg)
	if err != nil {
		return nil, err
	}
	e := New(cfg, client, nil, nil)
	if closeAI != nil {
		e.closers = append(e.closers, closeAI)
	}

	if cfg.Store.DatabaseURL == "" {
		logger.Warn("[Engine] DATABASE_URL not set, graphs are kept in memory")
		return e, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	// The database may still be starting next to the service.
	_, err = util.RetryWithBackoff(ctx, util.Backoff{MaxTries: 5, Base: 500 * time.Millisecond, Max: 5 * time.Second},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, pool.Ping(ctx)
		})
	if err != nil {
		pool.Close()
		_ = e.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := pgstore.Migrate(cfg.Store.DatabaseURL); err != nil {
		pool.Close()
		_ = e.Close()
		return nil, err
	}
	e.closers = append(e.closers, func() error {
		pool.Close()
		return nil
	})
	e.Storage = pgstore.NewGraphDBStorageWithConnection(pool)
	e.Locker = leaselock.New(pool)

	logger.Info("[Engine] Connected graph store")
	return e, nil
}

// NewAIClient builds the configured model adapter behind a circuit breaker.
// With AI_CACHE_DIR set, completions are cached on disk and the returned
// close function releases the cache.
func NewAIClient(cfg *config.Config) (ai.GraphAIClient, func() error, error) {
	var client ai.GraphAIClient
	switch cfg.AI.Adapter {
	case "ollama":
		c, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			DescriptionModel:      cfg.AI.DescribeModel,
			ExtractionModel:       cfg.AI.ExtractModel,
			TokenEncoder:          cfg.Summary.TokenEncoder,
			BaseURL:               cfg.AI.ChatURL,
			ApiKey:                cfg.AI.ChatKey,
			MaxConcurrentRequests: int64(cfg.AI.ParallelRequests),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create ollama client: %w", err)
		}
		client = c
	default:
		client = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			DescriptionModel: cfg.AI.DescribeModel,
			ExtractionModel:  cfg.AI.ExtractModel,
			ChatURL:          cfg.AI.ChatURL,
			ChatKey:          cfg.AI.ChatKey,
		})
	}

	client = ai.NewBreakerClient(client, ai.BreakerParams{
		Name:                cfg.AI.Adapter,
		ConsecutiveFailures: uint32(cfg.AI.BreakerFailures),
		OpenTimeout:         cfg.AI.BreakerTimeout,
	})

	if cfg.AI.CacheDir == "" {
		return client, nil, nil
	}
	c, err := cache.NewBadgerCache(cfg.AI.CacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open completion cache: %w", err)
	}
	logger.Info("[Engine] Caching completions", "dir", cfg.AI.CacheDir, "ttl", cfg.AI.CacheTTL)
	return cache.NewCachedClient(client, c, cfg.AI.CacheTTL), c.Close, nil
}

// Close releases the store connection and the completion cache.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// GraphID returns id, or the configured default graph when id is empty.
func (e *Engine) GraphID(id string) string {
	if id == "" {
		return e.Config.Store.GraphID
	}
	return id
}

func (e *Engine) graphOptions() []graph.Option {
	if e.Config.Extraction.StrictTypes {
		return []graph.Option{graph.WithStrictTypes()}
	}
	return nil
}

// Load restores the graph stored under id.
func (e *Engine) Load(ctx context.Context, id string) (*graph.KnowledgeGraph, error) {
	return store.LoadGraph(ctx, e.Storage, e.GraphID(id), e.graphOptions()...)
}

// NewGraphClient returns a graph client working on g.
func (e *Engine) NewGraphClient(g *graph.KnowledgeGraph) (*graph.GraphClient, error) {
	cfg := e.Config
	prompts := cfg.Prompts()

	var detector graph.ConflictDetector
	if cfg.Summary.ConflictGrouping {
		detector = &graph.ModelConflictDetector{
			Client:  e.AI,
			Prompts: prompts,
			Model:   cfg.AI.DescribeModel,
			Timeout: cfg.AI.Timeout,
		}
	}

	return graph.NewGraphClient(graph.NewGraphClientParams{
		Graph:              g,
		AIClient:           e.AI,
		Prompts:            prompts,
		ExtractModel:       cfg.AI.ExtractModel,
		DescribeModel:      cfg.AI.DescribeModel,
		TokenEncoder:       cfg.Summary.TokenEncoder,
		TokenCounter:       e.TokenCounter,
		ConflictDetector:   detector,
		ParallelPassages:   cfg.Extraction.ParallelPassages,
		ParallelAiRequests: cfg.AI.ParallelRequests,
		MaxRetries:         cfg.AI.MaxRetries,
		MaxGleaning:        cfg.Extraction.MaxGleaning,
		Timeout:            cfg.AI.Timeout,
		MaxFragments:       cfg.Summary.MaxFragments,
		TokenBudget:        cfg.Summary.TokenBudget,
		SummaryLength:      cfg.Summary.SummaryLength,
		AutoSummarize:      cfg.Summary.AutoSummarize,
	})
}

// NewComposer returns an answer composer retrieving from g.
func (e *Engine) NewComposer(g *graph.KnowledgeGraph, tracer query.Tracer) (*query.Composer, error) {
	cfg := e.Config
	return query.NewComposer(query.ComposerParams{
		Client:  e.AI,
		Prompts: cfg.Prompts(),
		Retriever: &query.GraphRetriever{
			Graph:        g,
			MaxEntities:  cfg.Query.MaxEntities,
			MaxRelations: cfg.Query.MaxRelations,
		},
		Tracer:        tracer,
		Model:         cfg.AI.DescribeModel,
		CitationLimit: cfg.Query.CitationLimit,
		Timeout:       cfg.AI.Timeout,
		MaxRetries:    cfg.AI.MaxRetries,
	})
}

// Update runs fn on the graph stored under id while holding its lease and
// saves the graph afterwards. The graph is saved even when fn fails, so
// passages merged before the failure are kept.
func (e *Engine) Update(ctx context.Context, id string, fn func(ctx context.Context, c *graph.GraphClient) error) error {
	id = e.GraphID(id)
	opts := leaselock.Options{
		TTL:         leaseTTL,
		RenewEvery:  leaseRenew,
		Wait:        true,
		WaitJitter:  100 * time.Millisecond,
		TokenPrefix: "graph-merge/" + id + "/",
	}

	return e.Locker.WithLease(ctx, "graph:"+id, opts, func(ctx context.Context) error {
		g, err := e.Load(ctx, id)
		if err != nil {
			return err
		}
		client, err := e.NewGraphClient(g)
		if err != nil {
			return err
		}

		fnErr := fn(ctx, client)
		if err := store.SaveGraph(ctx, e.Storage, g); err != nil {
			return errors.Join(fnErr, err)
		}
		return fnErr
	})
}
