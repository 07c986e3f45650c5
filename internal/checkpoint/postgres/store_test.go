package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch-io/harvester/internal/engine"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewStoreWithPool(mock, fixedClock{now: now})
	require.NoError(t, err)
	return mock, store, now
}

func TestStoreStartRunUpserts(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	run := engine.Run{
		ID:        "run-1",
		Pipeline:  "grocery",
		Mode:      engine.ModeFresh,
		Status:    engine.RunRunning,
		StartedAt: now,
	}
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(run.ID, run.Pipeline, run.Mode, engine.RunRunning, run.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StartRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkInProgressBumpsAttemptCount(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	mock.ExpectExec("INSERT INTO items").
		WithArgs("run-1", "item-1", engine.ItemInProgress, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkInProgress(context.Background(), "run-1", "item-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkCompletedBumpsCounterOnce(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	summary := engine.ResultSummary{Rows: 4, Source: engine.SourcePrimary}

	mock.ExpectExec("UPDATE items").
		WithArgs(engine.ItemCompleted, summary.Rows, summary.Source, now, "run-1", "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET completed_count").
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", "item-1", summary))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkCompletedIdempotent(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	summary := engine.ResultSummary{Rows: 4, Source: engine.SourcePrimary}

	// The guarded update matches zero rows when the key is already completed,
	// so the counter is never bumped a second time.
	mock.ExpectExec("UPDATE items").
		WithArgs(engine.ItemCompleted, summary.Rows, summary.Source, now, "run-1", "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", "item-1", summary))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkFailedNeverDemotesCompleted(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	mock.ExpectExec("UPDATE items").
		WithArgs(engine.ItemFailedPermanent, "anti-bot ceiling reached", now, "run-1", "item-1", engine.ItemCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailed(context.Background(), "run-1", "item-1", "anti-bot ceiling reached", true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResetInFlightReturnsClaimedRows(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	mock.ExpectExec("UPDATE items SET status").
		WithArgs(engine.ItemPending, now, "run-1", engine.ItemInProgress).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, store.ResetInFlight(context.Background(), "run-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadPendingIncludesInProgress(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	statuses := []string{string(engine.ItemPending), string(engine.ItemInProgress)}
	rows := pgxmock.NewRows([]string{"item_key", "payload", "status", "attempt_count", "coalesce"}).
		AddRow("item-1", []byte(`{"url":"https://example.com/1"}`), engine.ItemPending, 0, "").
		AddRow("item-2", []byte(`{"url":"https://example.com/2"}`), engine.ItemInProgress, 2, "anti_bot_detected")

	mock.ExpectQuery("SELECT item_key, payload, status").
		WithArgs("run-1", statuses).
		WillReturnRows(rows)

	items, err := store.LoadPending(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "https://example.com/1", items[0].Payload.URL)
	require.Equal(t, engine.ItemInProgress, items[1].Status)
	require.Equal(t, 2, items[1].AttemptCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadCompletedKeys(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	rows := pgxmock.NewRows([]string{"item_key"}).AddRow("item-1").AddRow("item-3")

	mock.ExpectQuery("SELECT item_key FROM items").
		WithArgs("run-1", engine.ItemCompleted).
		WillReturnRows(rows)

	completed, err := store.LoadCompletedKeys(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, completed, 2)
	require.Contains(t, completed, "item-1")
	require.Contains(t, completed, "item-3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreActiveRunNotFound(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectQuery("SELECT id, pipeline, mode, status").
		WithArgs("grocery", engine.RunRunning).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ActiveRun(context.Background(), "grocery")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no running run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCompletedCount(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectQuery("SELECT completed_count FROM runs").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"completed_count"}).AddRow(int64(7)))

	count, err := store.CompletedCount(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
