package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// OutcomeKind classifies a single extraction attempt. Every downstream
// transition in the worker loop is driven by this classification.
type OutcomeKind int

// Attempt outcome classifications.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNoData
	OutcomeTransient
	OutcomeSessionFatal
	OutcomeAntiBot
	OutcomeShutdown
)

// String returns the label used in logs, metrics, and last_error reasons.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoData:
		return "no_data"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeSessionFatal:
		return "fatal_session_error"
	case OutcomeAntiBot:
		return "anti_bot_detected"
	case OutcomeShutdown:
		return "shutdown_requested"
	default:
		return "unknown"
	}
}

// Outcome is the transient result of one extraction attempt. It is never
// persisted as its own entity.
type Outcome struct {
	Kind OutcomeKind
	Rows []Row
	Err  error
}

// BlockedError marks a response matching a block-page signature (challenge
// text, unexpected redirect, interstitial). The owning session is considered
// burned and must be destroyed.
type BlockedError struct {
	Signature string
	URL       string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by anti-bot signature %q at %s", e.Signature, e.URL)
}

// SessionDeadError marks the automation handle itself as dead: a
// protocol-level disconnect or a crashed browser process.
type SessionDeadError struct {
	Cause error
}

func (e *SessionDeadError) Error() string {
	return fmt.Sprintf("extraction session dead: %v", e.Cause)
}

func (e *SessionDeadError) Unwrap() error {
	return e.Cause
}

// Classify maps an attempt error to its outcome kind. Anti-bot takes
// precedence over every other condition because it is the most destructive
// to the session; shutdown is recognized via the worker's context so that
// cancellation mid-attempt is never misfiled as a transient failure.
func Classify(ctx context.Context, err error) OutcomeKind {
	if err == nil {
		return OutcomeSuccess
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return OutcomeAntiBot
	}
	if ctx.Err() != nil {
		return OutcomeShutdown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	var dead *SessionDeadError
	if errors.As(err, &dead) {
		return OutcomeSessionFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient
	}
	return OutcomeTransient
}
