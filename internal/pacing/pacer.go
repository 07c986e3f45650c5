// Package pacing spaces extraction requests and recovers from anti-bot hits.
package pacing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds pacing knobs. Spacing prevents triggering detection in the
// first place; cooldown recovers after detection. They are independent.
type Config struct {
	// MinInterval is the minimum spacing between requests issued by one
	// worker.
	MinInterval time.Duration
	// Cooldown is the sleep applied after an anti-bot detection.
	Cooldown time.Duration
}

// Pacer manages per-worker request spacing plus the anti-bot cooldown.
type Pacer struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
	cfg      Config
}

// New creates a Pacer.
func New(cfg Config) *Pacer {
	return &Pacer{
		limiters: make(map[int]*rate.Limiter),
		cfg:      cfg,
	}
}

// WaitTurn blocks until the worker's minimum inter-request interval has
// elapsed, respecting the context.
func (p *Pacer) WaitTurn(ctx context.Context, workerID int) error {
	if p.cfg.MinInterval <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.limiters[workerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.cfg.MinInterval), 1)
		p.limiters[workerID] = limiter
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Cooldown sleeps for the configured anti-bot cooldown, returning early with
// the context error if shutdown arrives mid-sleep.
func (p *Pacer) Cooldown(ctx context.Context) error {
	return sleep(ctx, p.cfg.Cooldown)
}

// Backoff sleeps for the jittered exponential delay of the given in-place
// retry attempt.
func (p *Pacer) Backoff(ctx context.Context, policy BackoffPolicy, attempt int) error {
	return sleep(ctx, policy.Delay(attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// BackoffPolicy computes jittered exponential delays for in-place retries of
// transient failures.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff matches the delays used across the site pipelines.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Delay returns the wait duration before retry number attempt (0-based).
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
