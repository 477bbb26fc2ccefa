package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
)

// ErrNotFound is returned when no snapshot is stored under an ID.
var ErrNotFound = errors.New("graph snapshot not found")

// ErrStaleSnapshot is returned when a snapshot older than the stored one is
// saved. The stored snapshot is left as it is.
var ErrStaleSnapshot = errors.New("graph snapshot is older than the stored one")

// GraphStorage persists knowledge graph snapshots.
type GraphStorage interface {
	SaveSnapshot(ctx context.Context, snap graph.Snapshot) error
	LoadSnapshot(ctx context.Context, id string) (graph.Snapshot, error)
	DeleteGraph(ctx context.Context, id string) error
}

// LoadGraph restores the graph stored under id. When nothing is stored yet an
// empty graph with that ID is returned.
func LoadGraph(ctx context.Context, s GraphStorage, id string, opts ...graph.Option) (*graph.KnowledgeGraph, error) {
	opts = append(opts, graph.WithID(id))
	g := graph.NewKnowledgeGraph(opts...)

	snap, err := s.LoadSnapshot(ctx, id)
	if errors.Is(err, ErrNotFound) {
		logger.Debug("[Store] No snapshot stored, starting empty", "graph", id)
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", id, err)
	}
	if err := g.Restore(ctx, snap); err != nil {
		return nil, fmt.Errorf("restore graph %s: %w", id, err)
	}

	nodes, edges := g.Len()
	logger.Info("[Store] Restored graph", "graph", id, "version", snap.Version, "nodes", nodes, "edges", edges)
	return g, nil
}

// SaveGraph snapshots g and stores it.
func SaveGraph(ctx context.Context, s GraphStorage, g *graph.KnowledgeGraph) error {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save graph %s: %w", snap.ID, err)
	}
	logger.Debug("[Store] Saved graph", "graph", snap.ID, "version", snap.Version)
	return nil
}

// MemoryStorage keeps snapshots in memory. It is used when no database is
// configured and in tests.
type MemoryStorage struct {
	mu    sync.RWMutex
	snaps map[string]graph.Snapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{snaps: make(map[string]graph.Snapshot)}
}

func (m *MemoryStorage) SaveSnapshot(ctx context.Context, snap graph.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snaps[snap.ID]; ok && cur.Version > snap.Version {
		return ErrStaleSnapshot
	}
	m.snaps[snap.ID] = snap
	return nil
}

func (m *MemoryStorage) LoadSnapshot(ctx context.Context, id string) (graph.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return graph.Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return graph.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *MemoryStorage) DeleteGraph(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[id]; !ok {
		return ErrNotFound
	}
	delete(m.snaps, id)
	return nil
}
