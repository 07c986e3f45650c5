// Package memory provides a checkpoint store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Store keeps run and item state in process memory. Writes follow the same
// upsert semantics as the Postgres store so the two are interchangeable.
type Store struct {
	mu    sync.Mutex
	runs  map[string]engine.Run
	items map[string]map[string]*engine.WorkItem
	done  map[string]int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]engine.Run),
		items: make(map[string]map[string]*engine.WorkItem),
		done:  make(map[string]int64),
	}
}

// StartRun registers a run as running.
func (s *Store) StartRun(_ context.Context, run engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	if _, ok := s.items[run.ID]; !ok {
		s.items[run.ID] = make(map[string]*engine.WorkItem)
	}
	return nil
}

// FinishRun records the terminal run status.
func (s *Store) FinishRun(_ context.Context, runID string, status engine.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("finish run: unknown run %q", runID)
	}
	run.Status = status
	s.runs[runID] = run
	return nil
}

// ActiveRun returns the most recent running run for a pipeline.
func (s *Store) ActiveRun(_ context.Context, pipeline string) (engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest engine.Run
	found := false
	for _, run := range s.runs {
		if run.Pipeline != pipeline || run.Status != engine.RunRunning {
			continue
		}
		if !found || run.StartedAt.After(latest.StartedAt) {
			latest = run
			found = true
		}
	}
	if !found {
		return engine.Run{}, fmt.Errorf("no running run for pipeline %q", pipeline)
	}
	return latest, nil
}

// RegisterItems upserts discovery output as pending items. Keys already in a
// terminal state keep their status so re-registration is harmless.
func (s *Store) RegisterItems(_ context.Context, runID string, items []engine.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(runID)
	for _, item := range items {
		if existing, ok := bucket[item.Key]; ok {
			existing.Payload = item.Payload
			continue
		}
		stored := item
		stored.Status = engine.ItemPending
		bucket[item.Key] = &stored
	}
	return nil
}

// MarkInProgress flags a dispatched item and bumps its attempt count.
func (s *Store) MarkInProgress(_ context.Context, runID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.item(runID, key)
	item.Status = engine.ItemInProgress
	item.AttemptCount++
	return nil
}

// MarkCompleted moves a key to its terminal completed state. Completing an
// already completed key is a no-op so the completed count stays monotonic.
func (s *Store) MarkCompleted(_ context.Context, runID, key string, _ engine.ResultSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.item(runID, key)
	if item.Status == engine.ItemCompleted {
		return nil
	}
	item.Status = engine.ItemCompleted
	item.LastError = ""
	s.done[runID]++
	return nil
}

// MarkFailed records the classified failure reason; permanent failures leave
// circulation for good.
func (s *Store) MarkFailed(_ context.Context, runID, key, reason string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.item(runID, key)
	if item.Status == engine.ItemCompleted {
		return nil
	}
	item.LastError = reason
	if permanent {
		item.Status = engine.ItemFailedPermanent
	} else {
		item.Status = engine.ItemPending
	}
	return nil
}

// ResetInFlight returns stranded in_progress keys to pending so a resumed
// run re-offers them.
func (s *Store) ResetInFlight(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.bucket(runID) {
		if item.Status == engine.ItemInProgress {
			item.Status = engine.ItemPending
		}
	}
	return nil
}

// LoadPending returns every item the queue should offer: pending plus the
// in_progress leftovers of a non-graceful kill.
func (s *Store) LoadPending(_ context.Context, runID string) ([]engine.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []engine.WorkItem
	for _, item := range s.bucket(runID) {
		if item.Status == engine.ItemPending || item.Status == engine.ItemInProgress {
			pending = append(pending, *item)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Key < pending[j].Key })
	return pending, nil
}

// LoadCompletedKeys returns the set of finished keys so a restart never
// re-offers completed work.
func (s *Store) LoadCompletedKeys(_ context.Context, runID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := make(map[string]struct{})
	for key, item := range s.bucket(runID) {
		if item.Status == engine.ItemCompleted {
			completed[key] = struct{}{}
		}
	}
	return completed, nil
}

// FailedKeys lists failed_permanent keys for operator follow-up.
func (s *Store) FailedKeys(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, item := range s.bucket(runID) {
		if item.Status == engine.ItemFailedPermanent {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// CompletedCount returns the monotonically increasing completion counter.
func (s *Store) CompletedCount(_ context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[runID], nil
}

// Item returns a copy of one item, primarily for tests.
func (s *Store) Item(runID, key string) (engine.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.bucket(runID)[key]
	if !ok {
		return engine.WorkItem{}, false
	}
	return *item, true
}

func (s *Store) bucket(runID string) map[string]*engine.WorkItem {
	bucket, ok := s.items[runID]
	if !ok {
		bucket = make(map[string]*engine.WorkItem)
		s.items[runID] = bucket
	}
	return bucket
}

func (s *Store) item(runID, key string) *engine.WorkItem {
	bucket := s.bucket(runID)
	item, ok := bucket[key]
	if !ok {
		item = &engine.WorkItem{Key: key, Status: engine.ItemPending}
		bucket[key] = item
	}
	return item
}
