// Package progress defines the event stream emitted by extraction workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageItemDone       Stage = "ITEM_DONE"
	StageCooldown       Stage = "COOLDOWN"
	StageSessionRecycle Stage = "SESSION_RECYCLE"
)

// Event captures a single milestone of an extraction run.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Pipeline labels the scraper pipeline.
	Pipeline string
	// Key scopes item events to one work item.
	Key string
	// Outcome carries the attempt classification for ITEM_DONE events.
	Outcome engine.OutcomeKind
	// Rows is the number of rows the attempt produced.
	Rows int
	// Source is the result source (primary or fallback) for completions.
	Source string
	// Dur captures attempt latency or cooldown length.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. recycle reason).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageCooldown, StageSessionRecycle:
	case StageItemDone:
		if e.Key == "" {
			return errors.New("item done requires key")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
