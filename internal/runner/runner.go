// Package runner orchestrates a run: worker pool, drain, and run finalization.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/progress"
	"github.com/pricewatch-io/harvester/internal/session"
	"github.com/pricewatch-io/harvester/internal/worker"
)

// Config holds orchestration knobs.
type Config struct {
	Pipeline string
	Mode     engine.RunMode
	Workers  int

	// DrainGrace bounds how long AwaitDrain waits for in-flight items after
	// shutdown is requested.
	DrainGrace time.Duration

	Worker worker.Config
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
}

// Deps bundles the collaborators shared by the run. AltPath, Publisher,
// Snapshots, Emitter, and Tally are optional.
type Deps struct {
	Store     engine.CheckpointStore
	Queue     engine.Queue
	Sessions  *session.Manager
	Pacer     worker.Pacer
	Extractor engine.Extractor
	AltPath   engine.AlternatePath
	Publisher engine.Publisher
	Snapshots engine.SnapshotStore
	Clock     engine.Clock
	IDs       engine.IDGenerator
	Emitter   progress.Emitter
	// Tally reports the accumulated per-classification counts for the
	// summary, typically a TallySink snapshot.
	Tally  func() engine.Tally
	Logger *zap.Logger
}

// Summary is the user-visible result of one run.
type Summary struct {
	RunID       string
	Status      engine.RunStatus
	Completed   int64
	FailedKeys  []string
	Tally       engine.Tally
	Interrupted bool
}

// Runner coordinates one run end to end.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Runner.
func New(cfg Config, deps Deps) *Runner {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, logger: logger.Named("runner")}
}

// Execute resolves the run, seeds the queue, drives the worker pool to drain,
// and finalizes the run record. seeds are only consulted in fresh mode.
// Configuration and store errors before any worker starts are fatal and
// returned directly; per-item failures never propagate here.
func (r *Runner) Execute(ctx context.Context, seeds []engine.WorkItem) (Summary, error) {
	run, items, err := r.resolveRun(ctx, seeds)
	if err != nil {
		return Summary{}, err
	}
	r.logger.Info("run starting",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Mode)),
		zap.Int("items", len(items)),
		zap.Int("workers", r.cfg.Workers),
	)
	r.emitStage(run.ID, progress.StageRunStart, fmt.Sprintf("%d items", len(items)))

	if err := r.deps.Queue.EnqueueMany(ctx, items); err != nil {
		return Summary{}, fmt.Errorf("seed queue: %w", err)
	}
	// All work for a run is known up front; close intake immediately so each
	// worker terminates on its drain sentinel once the backlog empties.
	r.deps.Queue.CloseIntake(r.cfg.Workers)

	runErr := r.runPool(ctx, run.ID)
	r.deps.Sessions.KillOrphans()

	return r.finalize(ctx, run.ID, runErr)
}

// resolveRun either opens a fresh run and registers the seed items, or finds
// the authoritative running run for the pipeline and re-offers only its
// unfinished keys.
func (r *Runner) resolveRun(ctx context.Context, seeds []engine.WorkItem) (engine.Run, []engine.WorkItem, error) {
	switch r.cfg.Mode {
	case engine.ModeFresh:
		id, err := r.deps.IDs.NewID()
		if err != nil {
			return engine.Run{}, nil, fmt.Errorf("allocate run id: %w", err)
		}
		run := engine.Run{
			ID:        id,
			Pipeline:  r.cfg.Pipeline,
			Mode:      engine.ModeFresh,
			Status:    engine.RunRunning,
			StartedAt: r.now(),
		}
		if err := r.deps.Store.StartRun(ctx, run); err != nil {
			return engine.Run{}, nil, fmt.Errorf("start run: %w", err)
		}
		if err := r.deps.Store.RegisterItems(ctx, run.ID, seeds); err != nil {
			return engine.Run{}, nil, fmt.Errorf("register items: %w", err)
		}
		return run, seeds, nil

	case engine.ModeResume:
		run, err := r.deps.Store.ActiveRun(ctx, r.cfg.Pipeline)
		if err != nil {
			return engine.Run{}, nil, fmt.Errorf("locate run to resume: %w", err)
		}
		// A non-graceful kill leaves claimed keys in_progress. Return them to
		// pending before any worker starts so both queue implementations
		// re-offer them; the Postgres claim queue only sees pending rows.
		if err := r.deps.Store.ResetInFlight(ctx, run.ID); err != nil {
			return engine.Run{}, nil, fmt.Errorf("reset in-flight items: %w", err)
		}
		// Completed keys are loaded before any worker starts so finished
		// items are never re-offered.
		completed, err := r.deps.Store.LoadCompletedKeys(ctx, run.ID)
		if err != nil {
			return engine.Run{}, nil, fmt.Errorf("load completed keys: %w", err)
		}
		pending, err := r.deps.Store.LoadPending(ctx, run.ID)
		if err != nil {
			return engine.Run{}, nil, fmt.Errorf("load pending items: %w", err)
		}
		items := pending[:0:0]
		for _, item := range pending {
			if _, done := completed[item.Key]; done {
				continue
			}
			items = append(items, item)
		}
		return run, items, nil

	default:
		return engine.Run{}, nil, fmt.Errorf("unknown run mode %q", r.cfg.Mode)
	}
}

// runPool spawns the workers and blocks until drain. After shutdown is
// requested it waits at most DrainGrace for in-flight items to flush.
func (r *Runner) runPool(ctx context.Context, runID string) error {
	g, gctx := errgroup.WithContext(ctx)
	wcfg := r.cfg.Worker
	wcfg.Pipeline = r.cfg.Pipeline
	wcfg.RunID = runID
	for i := 1; i <= r.cfg.Workers; i++ {
		w := worker.New(i, wcfg, worker.Deps{
			Store:     r.deps.Store,
			Queue:     r.deps.Queue,
			Sessions:  r.deps.Sessions,
			Pacer:     r.deps.Pacer,
			Extractor: r.deps.Extractor,
			AltPath:   r.deps.AltPath,
			Publisher: r.deps.Publisher,
			Snapshots: r.deps.Snapshots,
			Clock:     r.deps.Clock,
			Emitter:   r.deps.Emitter,
			Logger:    r.deps.Logger,
		})
		g.Go(func() error { return w.Run(gctx) })
	}
	return r.awaitDrain(ctx, g)
}

// awaitDrain blocks until every worker has finished its current item or
// flushed its status. A worker stuck past the grace period is abandoned; the
// orphan sweep that follows still reclaims its handles.
func (r *Runner) awaitDrain(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	r.logger.Info("shutdown requested, draining workers",
		zap.Duration("grace", r.cfg.DrainGrace),
	)
	timer := time.NewTimer(r.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("drain grace elapsed: %w", ctx.Err())
	}
}

// finalize persists the terminal run status and assembles the summary.
func (r *Runner) finalize(ctx context.Context, runID string, runErr error) (Summary, error) {
	// Finalization must survive the shutdown cancel.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	interrupted := ctx.Err() != nil
	status := engine.RunCompleted
	switch {
	case runErr != nil && !interrupted:
		status = engine.RunFailed
	case interrupted:
		status = engine.RunStopped
	}
	if err := r.deps.Store.FinishRun(finCtx, runID, status); err != nil {
		r.logger.Error("finalize run failed", zap.Error(err))
	}

	summary := Summary{RunID: runID, Status: status, Interrupted: interrupted}
	if count, err := r.deps.Store.CompletedCount(finCtx, runID); err == nil {
		summary.Completed = count
	}
	if keys, err := r.deps.Store.FailedKeys(finCtx, runID); err == nil {
		summary.FailedKeys = keys
	}
	if r.deps.Tally != nil {
		summary.Tally = r.deps.Tally()
	}
	r.emitStage(runID, progress.StageRunDone, string(status))
	r.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int64("completed", summary.Completed),
		zap.Int("failed_permanent", len(summary.FailedKeys)),
	)
	return summary, runErr
}

func (r *Runner) emitStage(runID string, stage progress.Stage, note string) {
	if r.deps.Emitter == nil {
		return
	}
	r.deps.Emitter.Emit(progress.Event{
		RunID:    runID,
		TS:       r.now(),
		Stage:    stage,
		Pipeline: r.cfg.Pipeline,
		Note:     note,
	})
}

func (r *Runner) now() time.Time {
	if r.deps.Clock != nil {
		return r.deps.Clock.Now()
	}
	return time.Now().UTC()
}
