package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStorage on PostgreSQL. A snapshot is
// written in one transaction, so readers see either the previous or the new
// version of a graph.
type GraphDBStorage struct {
	conn pgxIConn
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage on an existing
// connection or pool. The schema must have been created with Migrate.
func NewGraphDBStorageWithConnection(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

var _ store.GraphStorage = (*GraphDBStorage)(nil)

func encodeList(values []string) ([]byte, error) {
	clean := make([]string, 0, len(values))
	for _, v := range values {
		clean = append(clean, util.SanitizePostgresText(v))
	}
	return json.Marshal(clean)
}

func encodeSummaries(summaries []common.Summary) ([]byte, error) {
	clean := make([]common.Summary, 0, len(summaries))
	for _, s := range summaries {
		s.Text = util.SanitizePostgresText(s.Text)
		s.Group = util.SanitizePostgresText(s.Group)
		clean = append(clean, s)
	}
	return json.Marshal(clean)
}

func nodeRow(id string, n graph.GraphNode) ([]any, error) {
	fragments, err := encodeList(n.Fragments)
	if err != nil {
		return nil, err
	}
	summaries, err := encodeSummaries(n.Summaries)
	if err != nil {
		return nil, err
	}
	batches, err := encodeList(n.Batches)
	if err != nil {
		return nil, err
	}
	absorbed, err := encodeList(n.Absorbed)
	if err != nil {
		return nil, err
	}
	return []any{
		id,
		util.SanitizePostgresText(n.Key),
		util.SanitizePostgresText(n.Name),
		util.SanitizePostgresText(n.Type),
		fragments,
		summaries,
		batches,
		n.Stub,
		absorbed,
	}, nil
}

func edgeRow(id string, e graph.GraphEdge) ([]any, error) {
	keywords, err := encodeList(e.Keywords)
	if err != nil {
		return nil, err
	}
	fragments, err := encodeList(e.Fragments)
	if err != nil {
		return nil, err
	}
	summaries, err := encodeSummaries(e.Summaries)
	if err != nil {
		return nil, err
	}
	batches, err := encodeList(e.Batches)
	if err != nil {
		return nil, err
	}
	absorbed, err := encodeList(e.Absorbed)
	if err != nil {
		return nil, err
	}
	return []any{
		id,
		util.SanitizePostgresText(e.Key.A),
		util.SanitizePostgresText(e.Key.B),
		util.SanitizePostgresText(e.Source),
		util.SanitizePostgresText(e.Target),
		keywords,
		fragments,
		summaries,
		batches,
		absorbed,
	}, nil
}

// SaveSnapshot replaces the stored graph with snap. Saving a version older
// than the stored one returns store.ErrStaleSnapshot.
func (s *GraphDBStorage) SaveSnapshot(ctx context.Context, snap graph.Snapshot) error {
	nodeRows := make([][]any, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		row, err := nodeRow(snap.ID, n)
		if err != nil {
			return fmt.Errorf("encode node %q: %w", n.Name, err)
		}
		nodeRows = append(nodeRows, row)
	}
	edgeRows := make([][]any, 0, len(snap.Edges))
	for _, e := range snap.Edges {
		row, err := edgeRow(snap.ID, e)
		if err != nil {
			return fmt.Errorf("encode edge %q: %w", e.Key.String(), err)
		}
		edgeRows = append(edgeRows, row)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM graphs WHERE id = $1 FOR UPDATE`, snap.ID).Scan(&current)
	switch {
	case errors.Is(err, pgxv5.ErrNoRows):
	case err != nil:
		return err
	case uint64(current) > snap.Version:
		return store.ErrStaleSnapshot
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO graphs (id, version, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = now()`,
		snap.ID, int64(snap.Version),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_edges WHERE graph_id = $1`, snap.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE graph_id = $1`, snap.ID); err != nil {
		return err
	}

	if _, err := tx.CopyFrom(ctx,
		pgxv5.Identifier{"graph_nodes"},
		[]string{"graph_id", "key", "name", "type", "fragments", "summaries", "batches", "stub", "absorbed"},
		pgxv5.CopyFromRows(nodeRows),
	); err != nil {
		return fmt.Errorf("copy nodes: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgxv5.Identifier{"graph_edges"},
		[]string{"graph_id", "key_a", "key_b", "source", "target", "keywords", "fragments", "summaries", "batches", "absorbed"},
		pgxv5.CopyFromRows(edgeRows),
	); err != nil {
		return fmt.Errorf("copy edges: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadSnapshot reads the graph stored under id, or store.ErrNotFound.
func (s *GraphDBStorage) LoadSnapshot(ctx context.Context, id string) (graph.Snapshot, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return graph.Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM graphs WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return graph.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return graph.Snapshot{}, err
	}
	snap := graph.Snapshot{ID: id, Version: uint64(version)}

	rows, err := tx.Query(ctx, `
		SELECT key, name, type, fragments, summaries, batches, stub, absorbed
		FROM graph_nodes WHERE graph_id = $1 ORDER BY key`, id)
	if err != nil {
		return graph.Snapshot{}, err
	}
	snap.Nodes, err = pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (graph.GraphNode, error) {
		var n graph.GraphNode
		err := row.Scan(&n.Key, &n.Name, &n.Type, &n.Fragments, &n.Summaries, &n.Batches, &n.Stub, &n.Absorbed)
		return n, err
	})
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("read nodes: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT key_a, key_b, source, target, keywords, fragments, summaries, batches, absorbed
		FROM graph_edges WHERE graph_id = $1 ORDER BY key_a, key_b`, id)
	if err != nil {
		return graph.Snapshot{}, err
	}
	snap.Edges, err = pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (graph.GraphEdge, error) {
		var e graph.GraphEdge
		err := row.Scan(&e.Key.A, &e.Key.B, &e.Source, &e.Target, &e.Keywords, &e.Fragments, &e.Summaries, &e.Batches, &e.Absorbed)
		return e, err
	})
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("read edges: %w", err)
	}

	return snap, tx.Commit(ctx)
}

// DeleteGraph removes the graph stored under id, or returns store.ErrNotFound.
func (s *GraphDBStorage) DeleteGraph(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
