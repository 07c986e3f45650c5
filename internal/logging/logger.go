// Package logging builds the process logger shared by every engine component.
// Components derive their own identity from it with Named ("worker",
// "runner", "api") rather than constructing loggers themselves.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root zap logger. Development selects the colored console
// encoder; production emits JSON with sampling disabled so per-item logs stay
// complete over long runs. The pipeline name is stamped on every entry so
// logs from co-located pipelines separate cleanly.
func New(development bool, pipeline string) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if pipeline != "" {
		logger = logger.With(zap.String("pipeline", pipeline))
	}
	return logger, nil
}
