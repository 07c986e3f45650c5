// Package chromedp implements the extraction session over a headless
// Chrome browser.
package chromedp

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Config controls the behavior of browser sessions.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay lets late-loading content render before the DOM is read.
	SettleDelay time.Duration
}

// Factory builds one exclusive browser per session. Each session owns its
// own exec allocator so a crashed browser never takes a sibling down.
type Factory struct {
	cfg Config
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Factory{cfg: cfg}
}

// New launches a fresh headless browser owned by the calling worker.
func (f *Factory) New(_ context.Context, workerID int) (engine.Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser process eagerly so a broken Chrome install fails the
	// acquire, not the first item.
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser for worker %d: %w", workerID, err)
	}

	s := &Session{
		cfg:           f.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		handleID:      uuid.NewString(),
	}
	if f.cfg.UserAgent != "" {
		if err := chromedp.Run(browserCtx, emulation.SetUserAgentOverride(f.cfg.UserAgent)); err != nil {
			s.Close()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}
	return s, nil
}

// Session is one exclusively owned headless browser.
type Session struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	handleID      string
}

// Navigate loads the target page and waits for the document to be ready.
func (s *Session) Navigate(ctx context.Context, target engine.Payload) error {
	runCtx, cancel := s.attemptContext(ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
	if err != nil {
		return s.wrap(fmt.Errorf("navigate %s: %w", target.URL, err))
	}
	return nil
}

// CurrentState returns the fully rendered DOM.
func (s *Session) CurrentState(ctx context.Context) (string, error) {
	runCtx, cancel := s.attemptContext(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", s.wrap(fmt.Errorf("read dom: %w", err))
	}
	return html, nil
}

// IsAlive probes the browser with a trivial script evaluation.
func (s *Session) IsAlive(ctx context.Context) bool {
	if s.browserCtx.Err() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(s.browserCtx, 3*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)) == nil
}

// Close shuts the browser down and releases its process.
func (s *Session) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

// Handles exposes the browser process for the session manager's registry.
func (s *Session) Handles() []engine.OSHandle {
	return []engine.OSHandle{{
		Kind: "chromedp_browser",
		ID:   s.handleID,
		Release: func() {
			s.browserCancel()
			s.allocCancel()
		},
	}}
}

// attemptContext couples the browser context with the caller's deadline so a
// shutdown signal interrupts an in-flight navigation.
func (s *Session) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, timeoutCancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return runCtx, func() {
		stop()
		timeoutCancel()
	}
}

// wrap promotes protocol failures of a dead browser to SessionDeadError so
// the worker replaces the session instead of retrying in place.
func (s *Session) wrap(err error) error {
	if s.browserCtx.Err() != nil {
		return &engine.SessionDeadError{Cause: err}
	}
	return err
}
