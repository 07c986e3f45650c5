package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pricewatch-io/harvester/internal/engine"
)

func seedRun(t *testing.T, s *Store, keys ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, engine.Run{
		ID:        "run-1",
		Pipeline:  "test",
		Mode:      engine.ModeFresh,
		Status:    engine.RunRunning,
		StartedAt: time.Now().UTC(),
	}))
	items := make([]engine.WorkItem, 0, len(keys))
	for _, key := range keys {
		items = append(items, engine.WorkItem{Key: key, Payload: engine.Payload{URL: "https://example.com/" + key}})
	}
	require.NoError(t, s.RegisterItems(ctx, "run-1", items))
}

func TestStoreCompletedCountMonotonic(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.MarkInProgress(ctx, "run-1", "a"))
	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{Rows: 2}))
	// A racing duplicate write must not bump the counter twice.
	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{Rows: 2}))

	count, err := s.CompletedCount(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStoreCompletedKeysNeverDemoted(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{}))
	require.NoError(t, s.MarkFailed(ctx, "run-1", "a", "late failure", true))

	item, ok := s.Item("run-1", "a")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
}

func TestStoreMarkFailedTransientReturnsToPending(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.MarkInProgress(ctx, "run-1", "a"))
	require.NoError(t, s.MarkFailed(ctx, "run-1", "a", "anti_bot_detected", false))

	item, ok := s.Item("run-1", "a")
	require.True(t, ok)
	require.Equal(t, engine.ItemPending, item.Status)
	require.Equal(t, "anti_bot_detected", item.LastError)
	require.Equal(t, 1, item.AttemptCount)
}

func TestStoreLoadPendingIncludesStrandedInProgress(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a", "b", "c")
	ctx := context.Background()

	require.NoError(t, s.MarkInProgress(ctx, "run-1", "a"))
	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{}))
	require.NoError(t, s.MarkInProgress(ctx, "run-1", "b"))

	pending, err := s.LoadPending(ctx, "run-1")
	require.NoError(t, err)
	keys := make([]string, 0, len(pending))
	for _, item := range pending {
		keys = append(keys, item.Key)
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestStoreResetInFlightOnlyTouchesClaimedKeys(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a", "b", "c", "d")
	ctx := context.Background()

	require.NoError(t, s.MarkInProgress(ctx, "run-1", "a"))
	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{}))
	require.NoError(t, s.MarkInProgress(ctx, "run-1", "b"))
	require.NoError(t, s.MarkInProgress(ctx, "run-1", "c"))
	require.NoError(t, s.MarkFailed(ctx, "run-1", "c", "anti-bot ceiling reached", true))

	require.NoError(t, s.ResetInFlight(ctx, "run-1"))

	item, _ := s.Item("run-1", "a")
	require.Equal(t, engine.ItemCompleted, item.Status)
	item, _ = s.Item("run-1", "b")
	require.Equal(t, engine.ItemPending, item.Status)
	item, _ = s.Item("run-1", "c")
	require.Equal(t, engine.ItemFailedPermanent, item.Status)
	item, _ = s.Item("run-1", "d")
	require.Equal(t, engine.ItemPending, item.Status)
}

func TestStoreRegisterItemsPreservesTerminalStatus(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.MarkCompleted(ctx, "run-1", "a", engine.ResultSummary{}))
	require.NoError(t, s.RegisterItems(ctx, "run-1", []engine.WorkItem{
		{Key: "a", Payload: engine.Payload{URL: "https://example.com/a2"}},
	}))

	item, ok := s.Item("run-1", "a")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, "https://example.com/a2", item.Payload.URL)
}

func TestStoreActiveRunPicksLatestRunning(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.StartRun(ctx, engine.Run{ID: "old", Pipeline: "test", Status: engine.RunRunning, StartedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.StartRun(ctx, engine.Run{ID: "new", Pipeline: "test", Status: engine.RunRunning, StartedAt: base}))
	require.NoError(t, s.FinishRun(ctx, "old", engine.RunStopped))

	run, err := s.ActiveRun(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, "new", run.ID)

	_, err = s.ActiveRun(ctx, "other")
	require.Error(t, err)
}

func TestStoreFailedKeysSorted(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seedRun(t, s, "b", "a", "c")
	ctx := context.Background()

	require.NoError(t, s.MarkFailed(ctx, "run-1", "b", "x", true))
	require.NoError(t, s.MarkFailed(ctx, "run-1", "a", "y", true))

	keys, err := s.FailedKeys(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}
