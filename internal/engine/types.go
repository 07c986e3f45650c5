// Package engine defines core types shared across subsystems.
package engine

import (
	"time"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Item status values persisted in the checkpoint store.
const (
	ItemPending         ItemStatus = "pending"
	ItemInProgress      ItemStatus = "in_progress"
	ItemCompleted       ItemStatus = "completed"
	ItemFailedPermanent ItemStatus = "failed_permanent"
)

// Payload is the opaque input a single extraction attempt needs.
type Payload struct {
	URL        string `json:"url"`
	SearchTerm string `json:"search_term,omitempty"`
	PageIndex  int    `json:"page_index,omitempty"`
}

// WorkItem is one identity-keyed unit of extraction work. Keys are unique
// within a run; items are never deleted mid-run, only marked terminal.
type WorkItem struct {
	Key          string     `json:"key"`
	Payload      Payload    `json:"payload"`
	Status       ItemStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`

	// Drain marks the sentinel the queue hands out once per worker when no
	// more work is coming.
	Drain bool `json:"-"`
}

// Row is one extracted record. Field names are site-specific and owned by
// the surrounding pipeline.
type Row map[string]string

// Meaningful reports whether the row carries at least one non-empty field.
// Placeholder rows with only empty values are treated as no-data so they
// never pollute the output.
func (r Row) Meaningful() bool {
	for _, v := range r {
		if v != "" {
			return true
		}
	}
	return false
}

// MeaningfulRows filters rows down to the ones worth persisting.
func MeaningfulRows(rows []Row) []Row {
	out := rows[:0:0]
	for _, row := range rows {
		if row.Meaningful() {
			out = append(out, row)
		}
	}
	return out
}

// ResultSummary describes a completed extraction for checkpointing.
type ResultSummary struct {
	Rows     int           `json:"rows"`
	Source   string        `json:"source"`
	Duration time.Duration `json:"duration"`
}

// Result sources recorded in the summary.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// RunMode selects between a clean run and resuming a prior one.
type RunMode string

// Run modes accepted on the command line.
const (
	ModeFresh  RunMode = "fresh"
	ModeResume RunMode = "resume"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the checkpoint store.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Run is one execution of a pipeline. At most one running Run per pipeline
// is authoritative for resume.
type Run struct {
	ID        string     `json:"run_id"`
	Pipeline  string     `json:"pipeline"`
	Mode      RunMode    `json:"mode"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// OSHandle identifies one OS-level resource a session owns (a browser
// process, a pooled connection). Release tears it down; the session manager
// keeps these in a process-wide registry so orphan cleanup only ever touches
// handles this engine created.
type OSHandle struct {
	Kind    string
	ID      string
	Release func()
}

// Tally aggregates per-classification counts for the run summary.
type Tally struct {
	Completed  int `json:"completed"`
	NoData     int `json:"no_data"`
	Failed     int `json:"failed_permanent"`
	Transient  int `json:"transient_retries"`
	AntiBot    int `json:"anti_bot_hits"`
	Fallback   int `json:"fallback_completions"`
	Interrupts int `json:"shutdown_flushes"`
}
