// Package postgres provides a cross-process work queue that claims items
// straight from the checkpoint tables.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Default polling interval between empty claim attempts.
const defaultPollInterval = 500 * time.Millisecond

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Queue claims pending items row-by-row with FOR UPDATE SKIP LOCKED so two
// engine processes can drain the same run without double-dispatching a key.
type Queue struct {
	pool         dbPool
	runID        string
	pollInterval time.Duration
	draining     atomic.Bool
}

// NewQueue wraps an existing pgx pool for the given run.
func NewQueue(pool dbPool, runID string, pollInterval time.Duration) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Queue{pool: pool, runID: runID, pollInterval: pollInterval}, nil
}

// EnqueueMany is a no-op: the checkpoint store's pending rows are the
// backlog, so registration already enqueued the items.
func (q *Queue) EnqueueMany(_ context.Context, _ []engine.WorkItem) error {
	return nil
}

// Dequeue claims one pending item, polling until a row frees up, intake is
// drained, or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (engine.WorkItem, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		item, claimed, err := q.claim(ctx)
		if err != nil {
			return engine.WorkItem{}, err
		}
		if claimed {
			return item, nil
		}
		if q.draining.Load() {
			return engine.WorkItem{Drain: true}, nil
		}
		select {
		case <-ctx.Done():
			return engine.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (engine.WorkItem, bool, error) {
	query := `
		UPDATE items
		SET status = $1, updated_at = NOW()
		WHERE (run_id, item_key) IN (
			SELECT run_id, item_key FROM items
			WHERE run_id = $2 AND status = $3
			ORDER BY item_key
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING item_key, payload, attempt_count;
	`
	rows, err := q.pool.Query(ctx, query, engine.ItemInProgress, q.runID, engine.ItemPending)
	if err != nil {
		return engine.WorkItem{}, false, fmt.Errorf("claim item: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return engine.WorkItem{}, false, fmt.Errorf("claim item: %w", err)
		}
		return engine.WorkItem{}, false, nil
	}
	var (
		item    engine.WorkItem
		payload []byte
	)
	if err := rows.Scan(&item.Key, &payload, &item.AttemptCount); err != nil {
		return engine.WorkItem{}, false, fmt.Errorf("scan claimed item: %w", err)
	}
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return engine.WorkItem{}, false, fmt.Errorf("unmarshal payload for %q: %w", item.Key, err)
	}
	item.Status = engine.ItemInProgress
	return item, true, nil
}

// Requeue releases a claimed key back to pending.
func (q *Queue) Requeue(ctx context.Context, item engine.WorkItem) error {
	query := `
		UPDATE items SET status = $1, updated_at = NOW()
		WHERE run_id = $2 AND item_key = $3 AND status = $4;
	`
	if _, err := q.pool.Exec(ctx, query, engine.ItemPending, q.runID, item.Key, engine.ItemInProgress); err != nil {
		return fmt.Errorf("requeue %q: %w", item.Key, err)
	}
	return nil
}

// CloseIntake flips the drain flag; workers polling an empty backlog receive
// drain sentinels from then on.
func (q *Queue) CloseIntake(_ int) {
	q.draining.Store(true)
}
