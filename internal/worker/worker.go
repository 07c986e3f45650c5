// Package worker runs the per-goroutine extraction loop.
package worker

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/metrics"
	"github.com/pricewatch-io/harvester/internal/pacing"
	"github.com/pricewatch-io/harvester/internal/progress"
	"github.com/pricewatch-io/harvester/internal/session"
)

// Config holds the per-run knobs the worker loop consults.
type Config struct {
	Pipeline string
	RunID    string

	// MaxRetries bounds in-place retries of transient failures within one
	// dispatch, same session.
	MaxRetries int
	// AttemptCeiling bounds total attempts per item across requeues. Once an
	// item's attempt count reaches it, the worker escapes to the alternate
	// path or marks the item failed_permanent.
	AttemptCeiling int
	// LivenessRecycles bounds recycle attempts when a session fails its
	// liveness probe before escalating to a fatal session error.
	LivenessRecycles int

	Backoff pacing.BackoffPolicy

	// PublishTopic, when set, receives one completion event per finished item.
	PublishTopic string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = 5
	}
	if c.LivenessRecycles <= 0 {
		c.LivenessRecycles = 2
	}
}

// Pacer spaces extraction attempts and applies recovery sleeps. Satisfied by
// *pacing.Pacer.
type Pacer interface {
	WaitTurn(ctx context.Context, workerID int) error
	Cooldown(ctx context.Context) error
	Backoff(ctx context.Context, policy pacing.BackoffPolicy, attempt int) error
}

// Worker owns one goroutine's extraction loop: dequeue, attempt, classify,
// transition. Each worker is single-threaded internally and never shares its
// session with another worker.
type Worker struct {
	id        int
	cfg       Config
	store     engine.CheckpointStore
	queue     engine.Queue
	sessions  *session.Manager
	pacer     Pacer
	extractor engine.Extractor
	altPath   engine.AlternatePath
	publisher engine.Publisher
	snapshots engine.SnapshotStore
	clock     engine.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
}

// Deps bundles the collaborators a Worker needs. AltPath, Publisher,
// Snapshots, and Emitter are optional.
type Deps struct {
	Store     engine.CheckpointStore
	Queue     engine.Queue
	Sessions  *session.Manager
	Pacer     Pacer
	Extractor engine.Extractor
	AltPath   engine.AlternatePath
	Publisher engine.Publisher
	Snapshots engine.SnapshotStore
	Clock     engine.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

// New constructs a Worker.
func New(id int, cfg Config, deps Deps) *Worker {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		sessions:  deps.Sessions,
		pacer:     deps.Pacer,
		extractor: deps.Extractor,
		altPath:   deps.AltPath,
		publisher: deps.Publisher,
		snapshots: deps.Snapshots,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		logger:    logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run processes items until the drain sentinel arrives or the context is
// canceled. It returns nil on both; the orchestrator treats a non-nil error
// as an infrastructure failure.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if lease, ok := w.sessions.Current(w.id); ok {
			w.sessions.Release(lease)
		}
	}()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("shutdown observed at dequeue")
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", w.id, err)
		}
		if item.Drain {
			w.logger.Info("drain sentinel received")
			return nil
		}
		if err := w.process(ctx, item); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// process runs one dispatch cycle for an item: mark in progress, attempt,
// classify, and apply exactly one transition.
func (w *Worker) process(ctx context.Context, item engine.WorkItem) error {
	metrics.WorkerActive(1)
	defer metrics.WorkerActive(-1)

	if err := w.store.MarkInProgress(ctx, w.cfg.RunID, item.Key); err != nil {
		if ctx.Err() != nil {
			return w.flushShutdown(ctx, item, 0)
		}
		return fmt.Errorf("mark in progress %q: %w", item.Key, err)
	}
	item.AttemptCount++

	lease, err := w.acquireHealthy(ctx)
	if err != nil {
		kind := engine.Classify(ctx, err)
		if kind == engine.OutcomeShutdown {
			return w.flushShutdown(ctx, item, 0)
		}
		// No working session could be produced at all; a dead session must
		// never silently drop the item.
		return w.failPermanent(ctx, item, engine.OutcomeSessionFatal, fmt.Sprintf("session unavailable: %v", err), 0)
	}

	start := w.now()
	rows, err := w.attemptWithRetries(ctx, lease, item)
	dur := w.now().Sub(start)
	kind := engine.Classify(ctx, err)
	if kind == engine.OutcomeSuccess && len(rows) == 0 {
		kind = engine.OutcomeNoData
	}

	switch kind {
	case engine.OutcomeSuccess, engine.OutcomeNoData:
		return w.complete(ctx, lease, item, rows, engine.SourcePrimary, kind, dur)
	case engine.OutcomeAntiBot:
		return w.handleAntiBot(ctx, lease, item, err, dur)
	case engine.OutcomeSessionFatal:
		return w.handleSessionFatal(ctx, lease, item, err, dur)
	case engine.OutcomeShutdown:
		return w.flushShutdown(ctx, item, dur)
	default:
		// Transient retries exhausted in place; same escape valve as the
		// anti-bot ceiling.
		if err := w.noteServed(ctx, lease); err != nil {
			w.logger.Warn("post-attempt recycle failed", zap.Error(err))
		}
		return w.escapeValve(ctx, item, engine.OutcomeTransient, fmt.Sprintf("transient retries exhausted: %v", err))
	}
}

// attemptWithRetries runs the extraction with bounded in-place retries of
// transient failures, spacing every try through the pacer.
func (w *Worker) attemptWithRetries(ctx context.Context, lease *session.Lease, item engine.WorkItem) ([]engine.Row, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if err := w.pacer.WaitTurn(ctx, w.id); err != nil {
			return nil, err
		}
		rows, err := w.extractor.Extract(ctx, lease.Session(), item)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if engine.Classify(ctx, err) != engine.OutcomeTransient {
			return nil, err
		}
		if attempt == w.cfg.MaxRetries {
			break
		}
		w.emitAttempt(item, engine.OutcomeTransient, 0, "", 0, "")
		w.logger.Debug("transient failure, retrying in place",
			zap.String("key", item.Key),
			zap.Int("retry", attempt+1),
			zap.Error(err),
		)
		if err := w.pacer.Backoff(ctx, w.cfg.Backoff, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// complete marks the item done, publishes the completion event, and bumps the
// session's served counter (which may trigger a scheduled recycle).
func (w *Worker) complete(ctx context.Context, lease *session.Lease, item engine.WorkItem, rows []engine.Row, source string, kind engine.OutcomeKind, dur time.Duration) error {
	summary := engine.ResultSummary{Rows: len(rows), Source: source, Duration: dur}
	if err := w.store.MarkCompleted(ctx, w.cfg.RunID, item.Key, summary); err != nil {
		return fmt.Errorf("mark completed %q: %w", item.Key, err)
	}
	w.publishCompletion(ctx, item, summary)
	w.emitAttempt(item, kind, len(rows), source, dur, string(engine.ItemCompleted))
	if lease != nil {
		if err := w.noteServed(ctx, lease); err != nil {
			w.logger.Warn("post-completion recycle failed", zap.Error(err))
		}
	}
	w.logger.Info("item completed",
		zap.String("key", item.Key),
		zap.Int("rows", len(rows)),
		zap.String("source", source),
		zap.Duration("duration", dur),
	)
	return nil
}

// handleAntiBot destroys the burned session, archives the block page, cools
// down, and requeues, unless the attempt ceiling sends the item to the
// alternate path instead.
func (w *Worker) handleAntiBot(ctx context.Context, lease *session.Lease, item engine.WorkItem, cause error, dur time.Duration) error {
	w.logger.Warn("anti-bot detection",
		zap.String("key", item.Key),
		zap.Int("attempt", item.AttemptCount),
		zap.Error(cause),
	)
	w.archiveBlockPage(ctx, lease, item)
	w.sessions.Release(lease)
	w.emitRecycle("anti_bot")

	if item.AttemptCount >= w.cfg.AttemptCeiling {
		return w.escapeValve(ctx, item, engine.OutcomeAntiBot, fmt.Sprintf("anti-bot ceiling reached: %v", cause))
	}

	w.emitAttempt(item, engine.OutcomeAntiBot, 0, "", dur, "")
	w.emitCooldown()
	if err := w.pacer.Cooldown(ctx); err != nil {
		return w.flushShutdown(ctx, item, 0)
	}
	return w.requeue(ctx, item, engine.OutcomeAntiBot.String())
}

// handleSessionFatal tears the dead session down and attempts one restart.
// On restart success the item is requeued; on failure it is marked
// failed_permanent so the run stays resumable.
func (w *Worker) handleSessionFatal(ctx context.Context, lease *session.Lease, item engine.WorkItem, cause error, dur time.Duration) error {
	w.logger.Warn("fatal session error",
		zap.String("key", item.Key),
		zap.Error(cause),
	)
	w.emitRecycle("dead")
	if item.AttemptCount >= w.cfg.AttemptCeiling {
		w.sessions.Release(lease)
		return w.escapeValve(ctx, item, engine.OutcomeSessionFatal,
			fmt.Sprintf("attempt ceiling reached after fatal session error: %v", cause))
	}
	if err := w.sessions.Recycle(ctx, lease); err != nil {
		w.logger.Error("session restart failed", zap.Error(err))
		return w.failPermanent(ctx, item, engine.OutcomeSessionFatal,
			fmt.Sprintf("session restart failed after fatal error: %v", cause), dur)
	}
	w.emitAttempt(item, engine.OutcomeSessionFatal, 0, "", dur, "")
	return w.requeue(ctx, item, engine.OutcomeSessionFatal.String())
}

// escapeValve is the shared ceiling path: one alternate-path attempt, then
// failed_permanent if that is absent or also fails. kind is the
// classification that exhausted the primary path.
func (w *Worker) escapeValve(ctx context.Context, item engine.WorkItem, kind engine.OutcomeKind, reason string) error {
	if w.altPath == nil {
		return w.failPermanent(ctx, item, kind, reason, 0)
	}
	start := w.now()
	rows, err := w.altPath.Attempt(ctx, item)
	dur := w.now().Sub(start)
	if err != nil {
		if engine.Classify(ctx, err) == engine.OutcomeShutdown {
			return w.flushShutdown(ctx, item, dur)
		}
		w.logger.Warn("alternate path failed",
			zap.String("key", item.Key),
			zap.Error(err),
		)
		return w.failPermanent(ctx, item, kind, fmt.Sprintf("%s; alternate path: %v", reason, err), dur)
	}
	kind = engine.OutcomeSuccess
	if len(rows) == 0 {
		kind = engine.OutcomeNoData
	}
	return w.complete(ctx, nil, item, rows, engine.SourceFallback, kind, dur)
}

// flushShutdown writes the item's best-known status before the worker
// terminates. The item returns to pending so resume re-offers it.
func (w *Worker) flushShutdown(ctx context.Context, item engine.WorkItem, dur time.Duration) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.MarkFailed(flushCtx, w.cfg.RunID, item.Key, engine.OutcomeShutdown.String(), false); err != nil {
		w.logger.Error("shutdown status flush failed",
			zap.String("key", item.Key),
			zap.Error(err),
		)
	}
	w.emitAttempt(item, engine.OutcomeShutdown, 0, "", dur, string(engine.ItemPending))
	w.logger.Info("in-flight item flushed for shutdown", zap.String("key", item.Key))
	return nil
}

func (w *Worker) failPermanent(ctx context.Context, item engine.WorkItem, kind engine.OutcomeKind, reason string, dur time.Duration) error {
	if err := w.store.MarkFailed(ctx, w.cfg.RunID, item.Key, reason, true); err != nil {
		if ctx.Err() != nil {
			return w.flushShutdown(ctx, item, dur)
		}
		return fmt.Errorf("mark failed %q: %w", item.Key, err)
	}
	w.emitAttempt(item, kind, 0, "", dur, string(engine.ItemFailedPermanent))
	w.logger.Warn("item failed permanently",
		zap.String("key", item.Key),
		zap.String("reason", reason),
	)
	return nil
}

// requeue puts the item back in circulation after resetting its checkpoint
// status to pending.
func (w *Worker) requeue(ctx context.Context, item engine.WorkItem, reason string) error {
	if err := w.store.MarkFailed(ctx, w.cfg.RunID, item.Key, reason, false); err != nil {
		if ctx.Err() != nil {
			return w.flushShutdown(ctx, item, 0)
		}
		return fmt.Errorf("reset %q to pending: %w", item.Key, err)
	}
	item.Status = engine.ItemPending
	item.LastError = reason
	if err := w.queue.Requeue(ctx, item); err != nil {
		if ctx.Err() != nil {
			return w.flushShutdown(ctx, item, 0)
		}
		return fmt.Errorf("requeue %q: %w", item.Key, err)
	}
	w.logger.Info("item requeued",
		zap.String("key", item.Key),
		zap.String("reason", reason),
		zap.Int("attempt", item.AttemptCount),
	)
	return nil
}

// acquireHealthy returns a lease whose session passes the liveness probe,
// recycling a bounded number of times before giving up.
func (w *Worker) acquireHealthy(ctx context.Context) (*session.Lease, error) {
	var lease *session.Lease
	for attempt := 0; ; attempt++ {
		var err error
		lease, err = w.sessions.Acquire(ctx, w.id)
		if err != nil {
			return nil, err
		}
		if lease.Session().IsAlive(ctx) {
			return lease, nil
		}
		if attempt >= w.cfg.LivenessRecycles {
			w.sessions.Release(lease)
			return nil, &engine.SessionDeadError{Cause: errors.New("liveness probe kept failing")}
		}
		w.emitRecycle("liveness")
		if err := w.sessions.Recycle(ctx, lease); err != nil {
			return nil, err
		}
	}
}

func (w *Worker) noteServed(ctx context.Context, lease *session.Lease) error {
	before := lease.ItemsServed()
	if err := w.sessions.NoteServed(ctx, lease); err != nil {
		return err
	}
	if lease.ItemsServed() <= before {
		w.emitRecycle("scheduled")
	}
	return nil
}

// archiveBlockPage stores the offending HTML for operator diagnosis. Best
// effort; failures only log.
func (w *Worker) archiveBlockPage(ctx context.Context, lease *session.Lease, item engine.WorkItem) {
	if w.snapshots == nil || lease == nil {
		return
	}
	html, err := lease.Session().CurrentState(ctx)
	if err != nil || html == "" {
		return
	}
	data := []byte(html)
	path := fmt.Sprintf("blocks/%s/%x.html", w.cfg.RunID, sha256.Sum256(data))
	loc, err := w.snapshots.Put(ctx, path, "text/html", data)
	if err != nil {
		w.logger.Warn("block page snapshot failed",
			zap.String("key", item.Key),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("block page archived",
		zap.String("key", item.Key),
		zap.String("location", loc),
	)
}

func (w *Worker) publishCompletion(ctx context.Context, item engine.WorkItem, summary engine.ResultSummary) {
	if w.publisher == nil || w.cfg.PublishTopic == "" {
		return
	}
	event := map[string]any{
		"run_id":   w.cfg.RunID,
		"pipeline": w.cfg.Pipeline,
		"key":      item.Key,
		"rows":     summary.Rows,
		"source":   summary.Source,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.PublishTopic, event); err != nil {
		w.logger.Warn("completion publish failed",
			zap.String("key", item.Key),
			zap.Error(err),
		)
	}
}

func (w *Worker) emitAttempt(item engine.WorkItem, kind engine.OutcomeKind, rows int, source string, dur time.Duration, terminal string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		RunID:    w.cfg.RunID,
		TS:       w.now(),
		Stage:    progress.StageItemDone,
		Pipeline: w.cfg.Pipeline,
		Key:      item.Key,
		Outcome:  kind,
		Rows:     rows,
		Source:   source,
		Dur:      dur,
		Note:     terminal,
	})
}

func (w *Worker) emitCooldown() {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		RunID:    w.cfg.RunID,
		TS:       w.now(),
		Stage:    progress.StageCooldown,
		Pipeline: w.cfg.Pipeline,
	})
}

func (w *Worker) emitRecycle(reason string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		RunID:    w.cfg.RunID,
		TS:       w.now(),
		Stage:    progress.StageSessionRecycle,
		Pipeline: w.cfg.Pipeline,
		Note:     reason,
	})
}

func (w *Worker) now() time.Time {
	if w.clock != nil {
		return w.clock.Now()
	}
	return time.Now().UTC()
}

