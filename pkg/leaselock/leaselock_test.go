package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	return nil
}

// fakeDB keeps lock holders in a map and ignores expiry.
type fakeDB struct {
	mu      sync.Mutex
	holders map[string]string
}

func newFakeDB() *fakeDB {
	return &fakeDB{holders: make(map[string]string)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sql == releaseSQL {
		key, token := args[0].(string), args[1].(string)
		if f.holders[key] == token {
			delete(f.holders, key)
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, token := args[0].(string), args[1].(string)
	holder, held := f.holders[key]
	switch sql {
	case tryAcquireSQL:
		if held && holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.holders[key] = token
		return fakeRow{key: key}
	case renewSQL:
		if !held || holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{key: key}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	c := New(db)

	lease, err := c.Acquire(ctx, "graph:g1", Options{TokenPrefix: "worker-"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.Token[:7] != "worker-" {
		t.Fatalf("token = %q", lease.Token)
	}

	if _, err := c.Acquire(ctx, "graph:g1", Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire err = %v, want ErrBusy", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if lease.Context.Err() == nil {
		t.Fatalf("lease context still live after release")
	}

	again, err := c.Acquire(ctx, "graph:g1", Options{})
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	_ = again.Release(ctx)
}

func TestAcquireRejectsEmptyKey(t *testing.T) {
	if _, err := New(newFakeDB()).Acquire(context.Background(), "", Options{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestLeaseLostCancelsContext(t *testing.T) {
	db := newFakeDB()
	c := New(db)

	lease, err := c.Acquire(context.Background(), "graph:g1", Options{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release(context.Background())

	db.mu.Lock()
	db.holders["graph:g1"] = "someone-else"
	db.mu.Unlock()

	select {
	case <-lease.Context.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("lease context not cancelled")
	}
	if !errors.Is(context.Cause(lease.Context), ErrLost) {
		t.Fatalf("cause = %v, want ErrLost", context.Cause(lease.Context))
	}
}

func TestWithLeaseWaits(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeDB())

	lease, err := c.Acquire(ctx, "graph:g1", Options{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = lease.Release(context.Background())
	}()

	ran := false
	err = c.WithLease(ctx, "graph:g1", Options{Wait: true, WaitInterval: 5 * time.Millisecond}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("WithLease = %v, ran=%v", err, ran)
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	err := l.WithLease(ctx, "g1", Options{}, func(ctx context.Context) error {
		if err := l.WithLease(ctx, "g1", Options{}, func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
			t.Fatalf("nested lease err = %v, want ErrBusy", err)
		}
		return l.WithLease(ctx, "g2", Options{}, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("WithLease failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = l.WithLease(ctx, "g1", Options{}, func(context.Context) error {
		return l.WithLease(cancelled, "g1", Options{Wait: true}, func(context.Context) error { return nil })
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
