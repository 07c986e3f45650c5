// Package colly implements the extraction session over a pooled HTTP
// client, for sites that render server-side and don't need a browser.
package colly

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Factory builds HTTP-client sessions. Each session owns its own transport
// and connection pool, so closing a session releases its sockets.
type Factory struct {
	cfg Config
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Factory{cfg: cfg}
}

// New builds a session with a dedicated collector and transport.
func (f *Factory) New(_ context.Context, _ int) (engine.Session, error) {
	transport := newHTTPTransport()
	collector := colly.NewCollector(colly.Async(false))
	collector.WithTransport(transport)
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	s := &Session{
		collector: collector,
		transport: transport,
		handleID:  uuid.NewString(),
	}
	s.collector.OnResponse(func(r *colly.Response) {
		s.mu.Lock()
		s.lastBody = append([]byte(nil), r.Body...)
		s.lastStatus = r.StatusCode
		s.mu.Unlock()
	})
	s.collector.OnError(func(r *colly.Response, err error) {
		s.mu.Lock()
		if r != nil {
			s.lastStatus = r.StatusCode
		}
		s.lastErr = err
		s.mu.Unlock()
	})
	return s, nil
}

// Session is one exclusively owned pooled HTTP client.
type Session struct {
	collector *colly.Collector
	transport *http.Transport
	handleID  string
	closed    bool

	mu         sync.Mutex
	lastBody   []byte
	lastStatus int
	lastErr    error
}

// Navigate fetches the target URL and stores the response as current state.
func (s *Session) Navigate(ctx context.Context, target engine.Payload) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &engine.SessionDeadError{Cause: fmt.Errorf("session closed")}
	}
	s.lastBody = nil
	s.lastErr = nil
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.collector.Visit(target.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", target.URL, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return fmt.Errorf("fetch %s: %w", target.URL, s.lastErr)
	}
	return nil
}

// CurrentState returns the body of the last successful navigation.
func (s *Session) CurrentState(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastBody == nil {
		return "", fmt.Errorf("no page loaded")
	}
	return string(s.lastBody), nil
}

// IsAlive reports whether the session can still issue requests. An HTTP
// client has no crashing process behind it; only Close kills it.
func (s *Session) IsAlive(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close drops pooled connections.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.transport.CloseIdleConnections()
	return nil
}

// Handles exposes the connection pool for the session manager's registry.
func (s *Session) Handles() []engine.OSHandle {
	return []engine.OSHandle{{
		Kind:    "http_pool",
		ID:      s.handleID,
		Release: func() { s.transport.CloseIdleConnections() },
	}}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
