package engine

import (
	"context"
	"time"
)

// CheckpointStore is the single source of truth for what is done. All writes
// are idempotent upserts keyed by (run_id, key); two workers racing on the
// same key must converge rather than corrupt counters.
type CheckpointStore interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, status RunStatus) error
	ActiveRun(ctx context.Context, pipeline string) (Run, error)

	RegisterItems(ctx context.Context, runID string, items []WorkItem) error
	MarkInProgress(ctx context.Context, runID, key string) error
	MarkCompleted(ctx context.Context, runID, key string, summary ResultSummary) error
	MarkFailed(ctx context.Context, runID, key, reason string, permanent bool) error

	// ResetInFlight returns a run's stranded in_progress keys to pending.
	// Resume calls it before any worker starts; in_progress is the one state
	// that must be explicitly re-offered after a non-graceful kill.
	ResetInFlight(ctx context.Context, runID string) error
	LoadPending(ctx context.Context, runID string) ([]WorkItem, error)
	LoadCompletedKeys(ctx context.Context, runID string) (map[string]struct{}, error)
	FailedKeys(ctx context.Context, runID string) ([]string, error)
	CompletedCount(ctx context.Context, runID string) (int64, error)
}

// Queue orders pending item keys for dispatch. Dequeue removes an item from
// circulation; Requeue is the only way it returns. Both respect context
// cancellation.
type Queue interface {
	EnqueueMany(ctx context.Context, items []WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Requeue(ctx context.Context, item WorkItem) error

	// CloseIntake signals that no more work is coming by enqueueing one
	// drain sentinel per worker.
	CloseIntake(workers int)
}

// Session is an owned, expensive extraction handle (headless browser or
// pooled HTTP client). A session is exclusively owned by one worker at a
// time; it is never shared or pooled across workers.
type Session interface {
	Navigate(ctx context.Context, target Payload) error
	CurrentState(ctx context.Context) (string, error)
	IsAlive(ctx context.Context) bool
	Close() error
	Handles() []OSHandle
}

// SessionFactory creates sessions on demand. Creation is expensive; the
// session manager amortizes it across many items.
type SessionFactory interface {
	New(ctx context.Context, workerID int) (Session, error)
}

// Extractor performs one extraction attempt against an owned session and
// returns the parsed rows. Errors carry their classification via the typed
// errors in this package.
type Extractor interface {
	Extract(ctx context.Context, sess Session, item WorkItem) ([]Row, error)
}

// AlternatePath is the optional ceiling-retry escape valve: a secondary
// capability (usually an API) attempted once the primary path is exhausted.
type AlternatePath interface {
	Attempt(ctx context.Context, item WorkItem) ([]Row, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SnapshotStore archives raw block-page HTML for operator diagnosis.
type SnapshotStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
