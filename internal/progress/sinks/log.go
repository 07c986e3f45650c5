// Package sinks provides progress.Sink implementations used by the engine.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pricewatch-io/harvester/internal/progress"
)

// LogSink writes progress events to a structured logger. Item completions log
// at info, everything else at debug so steady-state runs stay readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("pipeline", evt.Pipeline),
		}
		if evt.Key != "" {
			fields = append(fields, zap.String("key", evt.Key))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("duration", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageItemDone:
			fields = append(fields,
				zap.String("outcome", evt.Outcome.String()),
				zap.Int("rows", evt.Rows),
			)
			if evt.Source != "" {
				fields = append(fields, zap.String("source", evt.Source))
			}
			s.logger.Info("item finished", fields...)
		case progress.StageRunStart, progress.StageRunDone:
			s.logger.Info("run milestone", fields...)
		default:
			s.logger.Debug("progress", fields...)
		}
	}
	return nil
}

// Close is a no-op; the logger outlives the sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
