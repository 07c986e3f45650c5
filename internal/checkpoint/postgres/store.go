// Package postgres provides the Postgres-backed checkpoint store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Config controls the Postgres connection pool behind the store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements engine.CheckpointStore on Postgres. Expected schema:
//
//	CREATE TABLE runs (
//	    id TEXT PRIMARY KEY,
//	    pipeline TEXT NOT NULL,
//	    mode TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    completed_count BIGINT NOT NULL DEFAULT 0,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    ended_at TIMESTAMPTZ
//	);
//
//	CREATE TABLE items (
//	    run_id TEXT NOT NULL REFERENCES runs(id),
//	    item_key TEXT NOT NULL,
//	    payload JSONB NOT NULL,
//	    status TEXT NOT NULL,
//	    attempt_count INT NOT NULL DEFAULT 0,
//	    last_error TEXT,
//	    result_rows INT,
//	    result_source TEXT,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (run_id, item_key)
//	);
type Store struct {
	pool  dbPool
	pgx   *pgxpool.Pool
	clock engine.Clock
}

// NewStore creates a Store from the config and verifies connectivity.
func NewStore(ctx context.Context, cfg Config, clock engine.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, pgx: pool, clock: clock}, nil
}

// Pool exposes the concrete connection pool so sibling components (the claim
// queue) can share it. Nil when the store was built over a mock.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pgx
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool dbPool, clock engine.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// StartRun upserts the run row as running.
func (s *Store) StartRun(ctx context.Context, run engine.Run) error {
	query := `
		INSERT INTO runs (id, pipeline, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.Pipeline, run.Mode, engine.RunRunning, run.StartedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun records the terminal run status and end time.
func (s *Store) FinishRun(ctx context.Context, runID string, status engine.RunStatus) error {
	query := `UPDATE runs SET status = $1, ended_at = $2 WHERE id = $3;`
	if _, err := s.pool.Exec(ctx, query, status, s.now(), runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ActiveRun returns the newest running run for a pipeline, for resume.
func (s *Store) ActiveRun(ctx context.Context, pipeline string) (engine.Run, error) {
	query := `
		SELECT id, pipeline, mode, status, started_at, ended_at
		FROM runs
		WHERE pipeline = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var run engine.Run
	err := s.pool.QueryRow(ctx, query, pipeline, engine.RunRunning).Scan(
		&run.ID,
		&run.Pipeline,
		&run.Mode,
		&run.Status,
		&run.StartedAt,
		&run.EndedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return engine.Run{}, fmt.Errorf("no running run for pipeline %q", pipeline)
		}
		return engine.Run{}, fmt.Errorf("load active run: %w", err)
	}
	return run, nil
}

// RegisterItems upserts discovery output as pending items without touching
// keys that already reached a terminal state.
func (s *Store) RegisterItems(ctx context.Context, runID string, items []engine.WorkItem) error {
	query := `
		INSERT INTO items (run_id, item_key, payload, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, item_key) DO UPDATE SET payload = EXCLUDED.payload;
	`
	now := s.now()
	for _, item := range items {
		payload, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %q: %w", item.Key, err)
		}
		if _, err := s.pool.Exec(ctx, query, runID, item.Key, payload, engine.ItemPending, now); err != nil {
			return fmt.Errorf("register item %q: %w", item.Key, err)
		}
	}
	return nil
}

// MarkInProgress flags a dispatched item and bumps its attempt count.
func (s *Store) MarkInProgress(ctx context.Context, runID, key string) error {
	query := `
		INSERT INTO items (run_id, item_key, payload, status, attempt_count, updated_at)
		VALUES ($1, $2, '{}', $3, 1, $4)
		ON CONFLICT (run_id, item_key) DO UPDATE
		SET status = EXCLUDED.status,
		    attempt_count = items.attempt_count + 1,
		    updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.pool.Exec(ctx, query, runID, key, engine.ItemInProgress, s.now()); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	return nil
}

// MarkCompleted moves a key to completed and bumps the run's monotonic
// completion counter exactly once per key, even if two workers race.
func (s *Store) MarkCompleted(ctx context.Context, runID, key string, summary engine.ResultSummary) error {
	query := `
		UPDATE items
		SET status = $1, last_error = NULL, result_rows = $2, result_source = $3, updated_at = $4
		WHERE run_id = $5 AND item_key = $6 AND status <> $1;
	`
	tag, err := s.pool.Exec(ctx, query, engine.ItemCompleted, summary.Rows, summary.Source, s.now(), runID, key)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	counter := `UPDATE runs SET completed_count = completed_count + 1 WHERE id = $1;`
	if _, err := s.pool.Exec(ctx, counter, runID); err != nil {
		return fmt.Errorf("bump completed count: %w", err)
	}
	return nil
}

// MarkFailed records the failure reason; non-permanent failures return the
// key to pending so resume re-offers it. Completed keys are never demoted.
func (s *Store) MarkFailed(ctx context.Context, runID, key, reason string, permanent bool) error {
	status := engine.ItemPending
	if permanent {
		status = engine.ItemFailedPermanent
	}
	query := `
		UPDATE items
		SET status = $1, last_error = $2, updated_at = $3
		WHERE run_id = $4 AND item_key = $5 AND status <> $6;
	`
	if _, err := s.pool.Exec(ctx, query, status, reason, s.now(), runID, key, engine.ItemCompleted); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetInFlight returns a run's stranded in_progress rows to pending. The
// claim queue only offers pending rows, so without this reset a resumed run
// would drain past the leftovers of a non-graceful kill.
func (s *Store) ResetInFlight(ctx context.Context, runID string) error {
	query := `UPDATE items SET status = $1, updated_at = $2 WHERE run_id = $3 AND status = $4;`
	if _, err := s.pool.Exec(ctx, query, engine.ItemPending, s.now(), runID, engine.ItemInProgress); err != nil {
		return fmt.Errorf("reset in-flight items: %w", err)
	}
	return nil
}

// LoadPending returns every item a worker should still attempt: pending plus
// the in_progress leftovers of a non-graceful kill.
func (s *Store) LoadPending(ctx context.Context, runID string) ([]engine.WorkItem, error) {
	query := `
		SELECT item_key, payload, status, attempt_count, COALESCE(last_error, '')
		FROM items
		WHERE run_id = $1 AND status = ANY($2)
		ORDER BY item_key;
	`
	statuses := []string{string(engine.ItemPending), string(engine.ItemInProgress)}
	rows, err := s.pool.Query(ctx, query, runID, statuses)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var items []engine.WorkItem
	for rows.Next() {
		var (
			item    engine.WorkItem
			payload []byte
		)
		if err := rows.Scan(&item.Key, &payload, &item.Status, &item.AttemptCount, &item.LastError); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %q: %w", item.Key, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return items, nil
}

// LoadCompletedKeys returns the finished key set, callable before any worker
// starts so the queue never re-offers completed work.
func (s *Store) LoadCompletedKeys(ctx context.Context, runID string) (map[string]struct{}, error) {
	query := `SELECT item_key FROM items WHERE run_id = $1 AND status = $2;`
	rows, err := s.pool.Query(ctx, query, runID, engine.ItemCompleted)
	if err != nil {
		return nil, fmt.Errorf("load completed keys: %w", err)
	}
	defer rows.Close()

	completed := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan completed key: %w", err)
		}
		completed[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed keys: %w", err)
	}
	return completed, nil
}

// FailedKeys lists failed_permanent keys for operator follow-up.
func (s *Store) FailedKeys(ctx context.Context, runID string) ([]string, error) {
	query := `SELECT item_key FROM items WHERE run_id = $1 AND status = $2 ORDER BY item_key;`
	rows, err := s.pool.Query(ctx, query, runID, engine.ItemFailedPermanent)
	if err != nil {
		return nil, fmt.Errorf("load failed keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan failed key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed keys: %w", err)
	}
	return keys, nil
}

// CompletedCount reads the run's monotonic completion counter.
func (s *Store) CompletedCount(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT completed_count FROM runs WHERE id = $1;`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("load completed count: %w", err)
	}
	return count, nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
