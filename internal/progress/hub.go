package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config sizes the Hub for an extraction run. Event volume is modest (a few
// events per item), so the defaults favor prompt delivery over throughput.
type Config struct {
	// Buffer is the capacity of the intake channel. Emit drops once it fills.
	Buffer int
	// FlushAt flushes a batch early once it holds this many events.
	FlushAt int
	// FlushEvery is the periodic flush interval for small batches.
	FlushEvery time.Duration
	// SinkTimeout bounds each sink call during a flush.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.FlushAt <= 0 {
		c.FlushAt = 64
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 250 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 5 * time.Second
	}
}

// Hub collects events from the workers and the runner and fans batches out to
// the configured sinks. Emit never blocks an extraction attempt; when sinks
// fall behind, events are dropped and counted instead.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool
	stopOnce sync.Once
}

// NewHub starts the delivery goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		logger:   logger.Named("progress"),
		events:   make(chan Event, cfg.Buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	go h.deliver()
	return h
}

// Emit queues an event for delivery. Invalid events are discarded; a full
// buffer drops the event rather than stalling the caller.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("dropping progress events, sinks falling behind",
				zap.Int64("dropped", h.dropped.Swap(0)),
			)
		})
	}
}

// Close stops intake, delivers everything still buffered, closes the sinks,
// and waits for the delivery goroutine. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) deliver() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.FlushAt)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.FlushAt {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

// drain empties the intake channel, flushes the final batch, and closes the
// sinks. Emit is already rejecting new events by the time this runs.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			for _, sink := range h.sinks {
				if err := sink.Close(context.Background()); err != nil {
					h.logger.Warn("progress sink close failed", zap.Error(err))
				}
			}
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	// Sinks run sequentially over a snapshot of the batch, each under its
	// own bounded context so one stuck sink cannot wedge the rest.
	events := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}
