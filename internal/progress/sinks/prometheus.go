package sinks

import (
	"context"

	"github.com/pricewatch-io/harvester/internal/metrics"
	"github.com/pricewatch-io/harvester/internal/progress"
)

// PrometheusSink translates progress events into Prometheus observations.
// metrics.Init must have been called before the first Consume.
type PrometheusSink struct{}

// NewPrometheusSink returns a PrometheusSink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume records counters and histograms for the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageItemDone:
			metrics.ObserveAttempt(evt.Pipeline, evt.Outcome.String(), evt.Dur)
			metrics.ObserveRows(evt.Pipeline, evt.Source, evt.Rows)
		case progress.StageCooldown:
			metrics.ObserveCooldown()
		case progress.StageSessionRecycle:
			metrics.ObserveRecycle(evt.Note)
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
