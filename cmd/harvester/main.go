// Package main wires together the extraction engine binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch-io/harvester/internal/altpath"
	"github.com/pricewatch-io/harvester/internal/api"
	checkpointmemory "github.com/pricewatch-io/harvester/internal/checkpoint/memory"
	checkpointpg "github.com/pricewatch-io/harvester/internal/checkpoint/postgres"
	"github.com/pricewatch-io/harvester/internal/clock/system"
	"github.com/pricewatch-io/harvester/internal/config"
	"github.com/pricewatch-io/harvester/internal/detector"
	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/extract"
	"github.com/pricewatch-io/harvester/internal/id"
	"github.com/pricewatch-io/harvester/internal/logging"
	"github.com/pricewatch-io/harvester/internal/metrics"
	"github.com/pricewatch-io/harvester/internal/pacing"
	"github.com/pricewatch-io/harvester/internal/progress"
	"github.com/pricewatch-io/harvester/internal/progress/sinks"
	publishermemory "github.com/pricewatch-io/harvester/internal/publisher/memory"
	publisherpubsub "github.com/pricewatch-io/harvester/internal/publisher/pubsub"
	queuememory "github.com/pricewatch-io/harvester/internal/queue/memory"
	queuepg "github.com/pricewatch-io/harvester/internal/queue/postgres"
	"github.com/pricewatch-io/harvester/internal/runner"
	"github.com/pricewatch-io/harvester/internal/seed"
	"github.com/pricewatch-io/harvester/internal/session"
	sessionchromedp "github.com/pricewatch-io/harvester/internal/session/chromedp"
	sessioncolly "github.com/pricewatch-io/harvester/internal/session/colly"
	snapshotgcs "github.com/pricewatch-io/harvester/internal/snapshot/gcs"
	snapshotmemory "github.com/pricewatch-io/harvester/internal/snapshot/memory"
	"github.com/pricewatch-io/harvester/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Pipeline)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := id.New()

	var store engine.CheckpointStore
	var pgStore *checkpointpg.Store
	if cfg.DB.DSN != "" {
		pgStore, err = checkpointpg.NewStore(ctx, checkpointpg.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		}, clock)
		if err != nil {
			logger.Error("checkpoint store init failed", zap.Error(err))
			return 1
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		logger.Warn("db.dsn not set, using in-memory checkpoint store; state will not survive restarts")
		store = checkpointmemory.NewStore()
	}

	queue, err := buildQueue(ctx, cfg, store, pgStore, logger)
	if err != nil {
		logger.Error("queue init failed", zap.Error(err))
		return 1
	}

	var factory engine.SessionFactory
	switch cfg.Session.Backend {
	case "chromedp":
		factory = sessionchromedp.NewFactory(sessionchromedp.Config{
			UserAgent:         cfg.Session.UserAgent,
			NavigationTimeout: time.Duration(cfg.Session.NavTimeoutSec) * time.Second,
		})
	default:
		factory = sessioncolly.NewFactory(sessioncolly.Config{
			UserAgent: cfg.Session.UserAgent,
			Timeout:   time.Duration(cfg.Session.TimeoutSeconds) * time.Second,
		})
	}
	sessions := session.NewManager(factory, cfg.Engine.RecycleThreshold, logger)

	extractor, err := extract.New(extract.Config{
		RowSelector: cfg.Extract.RowSelector,
		Fields:      cfg.Extract.Fields,
	}, detector.New())
	if err != nil {
		logger.Error("extractor init failed", zap.Error(err))
		return 1
	}

	var alt engine.AlternatePath
	if cfg.AltPath.Enabled {
		client, err := altpath.New(altpath.Config{
			BaseURL: cfg.AltPath.BaseURL,
			APIKey:  cfg.AltPath.APIKey,
			Timeout: time.Duration(cfg.AltPath.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Error("alternate path init failed", zap.Error(err))
			return 1
		}
		alt = client
	}

	var publisher engine.Publisher = publishermemory.New()
	if cfg.PubSub.Enabled {
		pub, err := publisherpubsub.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Error("pubsub init failed", zap.Error(err))
			return 1
		}
		defer func() {
			_ = pub.Close()
		}()
		publisher = pub
	}

	var snapshots engine.SnapshotStore
	if cfg.Snapshot.Enabled {
		if cfg.Snapshot.GCSBucket != "" {
			gcsStore, err := snapshotgcs.New(ctx, cfg.Snapshot.GCSBucket, cfg.Snapshot.Prefix)
			if err != nil {
				logger.Error("snapshot store init failed", zap.Error(err))
				return 1
			}
			defer func() {
				_ = gcsStore.Close()
			}()
			snapshots = gcsStore
		} else {
			snapshots = snapshotmemory.New()
		}
	}

	tallySink := sinks.NewTallySink()
	hub := progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		sinks.NewPrometheusSink(),
		tallySink,
	)

	if cfg.Server.Enabled {
		opsServer := api.NewServer(store, cfg.Pipeline, tallySink.Snapshot, logger)
		go func() {
			logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
			if err := opsServer.Serve(ctx, cfg.Server.Port); err != nil {
				logger.Error("ops server error", zap.Error(err))
			}
		}()
	}

	var seeds []engine.WorkItem
	if cfg.RunMode() == engine.ModeFresh {
		if cfg.SeedFile == "" {
			logger.Error("seed_file is required for fresh runs")
			return 1
		}
		seeds, err = seed.LoadFile(cfg.SeedFile)
		if err != nil {
			logger.Error("seed load failed", zap.Error(err))
			return 1
		}
	}

	pacer := pacing.New(pacing.Config{
		MinInterval: cfg.RateInterval(),
		Cooldown:    cfg.Cooldown(),
	})

	r := runner.New(runner.Config{
		Pipeline:   cfg.Pipeline,
		Mode:       cfg.RunMode(),
		Workers:    cfg.Engine.Workers,
		DrainGrace: cfg.DrainGrace(),
		Worker: worker.Config{
			MaxRetries:       cfg.Engine.MaxRetries,
			AttemptCeiling:   cfg.Engine.AttemptCeiling,
			LivenessRecycles: cfg.Engine.LivenessRecycles,
			Backoff:          pacing.DefaultBackoff(),
			PublishTopic:     cfg.PubSub.TopicName,
		},
	}, runner.Deps{
		Store:     store,
		Queue:     queue,
		Sessions:  sessions,
		Pacer:     pacer,
		Extractor: extractor,
		AltPath:   alt,
		Publisher: publisher,
		Snapshots: snapshots,
		Clock:     clock,
		IDs:       idGen,
		Emitter:   hub,
		Tally:     tallySink.Snapshot,
		Logger:    logger,
	})

	summary, runErr := r.Execute(ctx, seeds)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}

	logger.Info("run summary",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int64("completed", summary.Completed),
		zap.Int("no_data", summary.Tally.NoData),
		zap.Int("failed_permanent", len(summary.FailedKeys)),
		zap.Int("transient_retries", summary.Tally.Transient),
		zap.Int("anti_bot_hits", summary.Tally.AntiBot),
		zap.Int("fallback_completions", summary.Tally.Fallback),
		zap.Int("shutdown_flushes", summary.Tally.Interrupts),
		zap.Strings("failed_keys", summary.FailedKeys),
	)

	switch {
	case runErr != nil:
		logger.Error("run failed", zap.Error(runErr))
		return 1
	case summary.Interrupted:
		return 2
	case cfg.Engine.FailedThreshold >= 0 && len(summary.FailedKeys) > cfg.Engine.FailedThreshold:
		return 3
	default:
		return 0
	}
}

// buildQueue picks the backlog implementation. Fresh runs enumerate their
// seeds in-process and use the in-memory FIFO; resumed runs against Postgres
// claim leftovers straight from the checkpoint rows so multiple processes
// can share one backlog.
func buildQueue(ctx context.Context, cfg config.Config, store engine.CheckpointStore, pgStore *checkpointpg.Store, logger *zap.Logger) (engine.Queue, error) {
	if cfg.RunMode() != engine.ModeResume || pgStore == nil {
		return queuememory.NewQueue(), nil
	}
	run, err := store.ActiveRun(ctx, cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("locate run for claim queue: %w", err)
	}
	logger.Info("using postgres claim queue", zap.String("run_id", run.ID))
	return queuepg.NewQueue(pgStore.Pool(), run.ID, time.Second)
}
