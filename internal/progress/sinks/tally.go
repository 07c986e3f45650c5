package sinks

import (
	"context"
	"sync"

	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/progress"
)

// TallySink accumulates per-classification counts so the orchestrator can
// print a run summary after the pool drains. Terminal transitions are
// recognized by the item status the worker attaches in Note; attempt-level
// classifications (transient, anti-bot, shutdown) are counted per event.
type TallySink struct {
	mu    sync.Mutex
	tally engine.Tally
}

// NewTallySink returns an empty TallySink.
func NewTallySink() *TallySink {
	return &TallySink{}
}

// Consume folds the batch into the running tally.
func (s *TallySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Stage != progress.StageItemDone {
			continue
		}
		switch evt.Outcome {
		case engine.OutcomeSuccess:
			s.tally.Completed++
			if evt.Source == engine.SourceFallback {
				s.tally.Fallback++
			}
		case engine.OutcomeNoData:
			s.tally.NoData++
		case engine.OutcomeTransient:
			s.tally.Transient++
		case engine.OutcomeAntiBot:
			s.tally.AntiBot++
		case engine.OutcomeShutdown:
			s.tally.Interrupts++
		}
		if evt.Note == string(engine.ItemFailedPermanent) {
			s.tally.Failed++
		}
	}
	return nil
}

// Close is a no-op.
func (s *TallySink) Close(context.Context) error {
	return nil
}

// Snapshot returns a copy of the accumulated tally.
func (s *TallySink) Snapshot() engine.Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}
