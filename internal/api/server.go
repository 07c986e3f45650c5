// Package api exposes the ops HTTP surface served while a run is active.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/metrics"
)

// Server wires the ops endpoints: health, Prometheus metrics, and live run
// counters.
type Server struct {
	router   chi.Router
	store    engine.CheckpointStore
	pipeline string
	tally    func() engine.Tally
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. tally is
// optional.
func NewServer(store engine.CheckpointStore, pipeline string, tally func() engine.Tally, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		pipeline: pipeline,
		tally:    tally,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/run", s.runStatus)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the ops server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ActiveRun(r.Context(), s.pipeline); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runStatus reports live counters for the pipeline's active run.
func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.ActiveRun(r.Context(), s.pipeline)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no active run")
		return
	}
	completed, err := s.store.CompletedCount(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read completed count")
		return
	}
	failed, err := s.store.FailedKeys(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read failed keys")
		return
	}
	body := map[string]any{
		"run":              run,
		"completed_count":  completed,
		"failed_permanent": failed,
	}
	if s.tally != nil {
		body["tally"] = s.tally()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
