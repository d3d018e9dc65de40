// Package store is the single source of truth for the control plane.
// All SQL lives here; every other component is stateless over any call and
// derives its state from the store. Multi-entity updates run inside one
// durable transaction, and task writes are guarded by an optimistic version
// check so concurrent writers never silently overwrite each other.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed state store.
type Store struct {
	db *sql.DB

	// Now is the clock used for leases, ledger rows, and audit timestamps.
	// Tests override it to drive lease expiry deterministically.
	Now func() time.Time
}

// Open creates a store at the given path. Parent directories are created if
// needed. WAL mode and a busy timeout keep concurrent claimers from failing
// on lock contention.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// memorySeq distinguishes in-memory databases within one process so two
// OpenMemory stores never share state.
var memorySeq atomic.Int64

// OpenMemory creates an in-memory store for testing. A shared cache lets the
// pool's connections see the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	name := fmt.Sprintf("memdb%d", memorySeq.Add(1))
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name))
}

func open(ctx context.Context, connStr string) (*Store, error) {
	// The _pragma parameter applies to every connection the pool opens,
	// which is what foreign_keys needs.
	db, err := sql.Open("sqlite", connStr+"&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL readers don't block it.
	db.SetMaxOpenConns(2)

	s := &Store{db: db, Now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// begin starts a write transaction. LevelSerializable maps to BEGIN
// IMMEDIATE, taking the write lock up front so claim races serialize at the
// store instead of failing mid-transaction.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nanos converts a time to the integer representation stored in SQLite.
// Zero time stores as 0 so "no lease" compares cleanly.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
