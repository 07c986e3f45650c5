package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	checkpointmemory "github.com/pricewatch-io/harvester/internal/checkpoint/memory"
	"github.com/pricewatch-io/harvester/internal/engine"
	"github.com/pricewatch-io/harvester/internal/pacing"
	publishermemory "github.com/pricewatch-io/harvester/internal/publisher/memory"
	queuememory "github.com/pricewatch-io/harvester/internal/queue/memory"
	"github.com/pricewatch-io/harvester/internal/session"
	snapshotmemory "github.com/pricewatch-io/harvester/internal/snapshot/memory"
)

type fakeSession struct {
	mu     sync.Mutex
	alive  bool
	closed bool
	html   string
	id     string
}

func (s *fakeSession) Navigate(context.Context, engine.Payload) error { return nil }

func (s *fakeSession) CurrentState(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.html, nil
}

func (s *fakeSession) IsAlive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Handles() []engine.OSHandle {
	return []engine.OSHandle{{Kind: "fake", ID: s.id, Release: func() {}}}
}

type fakeFactory struct {
	mu sync.Mutex
	// aliveScript drives the liveness of each created session in order; once
	// exhausted, sessions are alive.
	aliveScript []bool
	created     []*fakeSession
	failNext    bool
}

func (f *fakeFactory) New(context.Context, int) (engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, errors.New("factory exhausted")
	}
	alive := true
	if len(f.aliveScript) > 0 {
		alive = f.aliveScript[0]
		f.aliveScript = f.aliveScript[1:]
	}
	sess := &fakeSession{
		alive: alive,
		html:  fmt.Sprintf("<html>challenge %d</html>", len(f.created)+1),
		id:    fmt.Sprintf("sess-%d", len(f.created)+1),
	}
	f.created = append(f.created, sess)
	return sess, nil
}

func (f *fakeFactory) sessionsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type attemptResult struct {
	rows []engine.Row
	err  error
}

// scriptedExtractor returns canned results per key in order; the final entry
// repeats once the script is exhausted.
type scriptedExtractor struct {
	mu     sync.Mutex
	script map[string][]attemptResult
	calls  map[string]int
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{
		script: make(map[string][]attemptResult),
		calls:  make(map[string]int),
	}
}

func (e *scriptedExtractor) add(key string, results ...attemptResult) {
	e.script[key] = append(e.script[key], results...)
}

func (e *scriptedExtractor) Extract(_ context.Context, _ engine.Session, item engine.WorkItem) ([]engine.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[item.Key]++
	results := e.script[item.Key]
	if len(results) == 0 {
		return nil, fmt.Errorf("no script for key %q", item.Key)
	}
	idx := e.calls[item.Key] - 1
	if idx >= len(results) {
		idx = len(results) - 1
	}
	r := results[idx]
	return r.rows, r.err
}

func (e *scriptedExtractor) callCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[key]
}

type fakePacer struct {
	mu        sync.Mutex
	cooldowns int
	block     time.Duration
}

func (p *fakePacer) WaitTurn(context.Context, int) error { return nil }

func (p *fakePacer) Cooldown(ctx context.Context) error {
	p.mu.Lock()
	p.cooldowns++
	block := p.block
	p.mu.Unlock()
	if block <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-time.After(block):
		return nil
	}
}

func (p *fakePacer) Backoff(context.Context, pacing.BackoffPolicy, int) error { return nil }

func (p *fakePacer) cooldownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldowns
}

type fakeAltPath struct {
	rows []engine.Row
	err  error

	mu    sync.Mutex
	calls int
}

func (a *fakeAltPath) Attempt(context.Context, engine.WorkItem) ([]engine.Row, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.rows, a.err
}

type fixture struct {
	store     *checkpointmemory.Store
	queue     *queuememory.Queue
	factory   *fakeFactory
	sessions  *session.Manager
	pacer     *fakePacer
	extractor *scriptedExtractor
	publisher *publishermemory.Publisher
	snapshots *snapshotmemory.Store
}

func newFixture(t *testing.T, recycleAfter int) *fixture {
	t.Helper()
	factory := &fakeFactory{}
	return &fixture{
		store:     checkpointmemory.NewStore(),
		queue:     queuememory.NewQueue(),
		factory:   factory,
		sessions:  session.NewManager(factory, recycleAfter, zap.NewNop()),
		pacer:     &fakePacer{},
		extractor: newScriptedExtractor(),
		publisher: publishermemory.New(),
		snapshots: snapshotmemory.New(),
	}
}

func (f *fixture) worker(cfg Config) *Worker {
	cfg.RunID = "run-1"
	cfg.Pipeline = "test"
	return New(1, cfg, Deps{
		Store:     f.store,
		Queue:     f.queue,
		Sessions:  f.sessions,
		Pacer:     f.pacer,
		Extractor: f.extractor,
		Publisher: f.publisher,
		Snapshots: f.snapshots,
		Logger:    zap.NewNop(),
	})
}

func (f *fixture) workerWithAlt(cfg Config, alt engine.AlternatePath) *Worker {
	cfg.RunID = "run-1"
	cfg.Pipeline = "test"
	return New(1, cfg, Deps{
		Store:     f.store,
		Queue:     f.queue,
		Sessions:  f.sessions,
		Pacer:     f.pacer,
		Extractor: f.extractor,
		AltPath:   alt,
		Publisher: f.publisher,
		Snapshots: f.snapshots,
		Logger:    zap.NewNop(),
	})
}

func (f *fixture) seed(t *testing.T, keys ...string) {
	t.Helper()
	items := make([]engine.WorkItem, 0, len(keys))
	for _, key := range keys {
		items = append(items, engine.WorkItem{
			Key:     key,
			Payload: engine.Payload{URL: "https://example.com/" + key},
			Status:  engine.ItemPending,
		})
	}
	require.NoError(t, f.store.RegisterItems(context.Background(), "run-1", items))
	require.NoError(t, f.queue.EnqueueMany(context.Background(), items))
}

func successRows() []engine.Row {
	return []engine.Row{{"name": "widget", "price": "9.99"}}
}

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1", attemptResult{rows: successRows()})

	w := f.worker(Config{PublishTopic: "completions"})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, 1, item.AttemptCount)

	count, err := f.store.CompletedCount(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Len(t, f.publisher.Messages(), 1)
	require.Equal(t, "completions", f.publisher.Messages()[0].Topic)
}

func TestWorkerNoDataIsTerminalSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1", attemptResult{rows: nil})

	w := f.worker(Config{})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
}

func TestWorkerAntiBotTwiceThenSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	blocked := &engine.BlockedError{Signature: "captcha", URL: "https://example.com/item-1"}
	f.extractor.add("item-1",
		attemptResult{err: blocked},
		attemptResult{err: blocked},
		attemptResult{rows: successRows()},
	)

	w := f.worker(Config{AttemptCeiling: 5})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, 3, item.AttemptCount)
	require.Equal(t, 2, f.pacer.cooldownCount())
	// Each detection burns the session: initial create plus one per requeue.
	require.Equal(t, 3, f.factory.sessionsCreated())
	// The offending pages were archived.
	require.Equal(t, 2, f.snapshots.Len())
}

func TestWorkerTransientRetriesInPlace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1",
		attemptResult{err: errors.New("connection reset")},
		attemptResult{err: errors.New("connection reset")},
		attemptResult{rows: successRows()},
	)

	w := f.worker(Config{MaxRetries: 3})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	// Retries stay in place: one dispatch, three extraction calls.
	require.Equal(t, 1, item.AttemptCount)
	require.Equal(t, 3, f.extractor.callCount("item-1"))
	require.Equal(t, 1, f.factory.sessionsCreated())
}

func TestWorkerTransientExhaustedFallsBackToAltPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1", attemptResult{err: errors.New("timeout")})
	alt := &fakeAltPath{rows: successRows()}

	w := f.workerWithAlt(Config{MaxRetries: 1}, alt)
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, 1, alt.calls)
}

func TestWorkerTransientExhaustedWithoutAltPathFailsPermanently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1", attemptResult{err: errors.New("timeout")})

	w := f.worker(Config{MaxRetries: 1})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemFailedPermanent, item.Status)
	require.Contains(t, item.LastError, "transient retries exhausted")

	failed, err := f.store.FailedKeys(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"item-1"}, failed)
}

func TestWorkerAntiBotCeilingFailsPermanently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	blocked := &engine.BlockedError{Signature: "cloudflare_challenge", URL: "https://example.com/item-1"}
	f.extractor.add("item-1", attemptResult{err: blocked})

	w := f.worker(Config{AttemptCeiling: 1})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemFailedPermanent, item.Status)
	// The ceiling path skips the cooldown entirely.
	require.Equal(t, 0, f.pacer.cooldownCount())
}

func TestWorkerSessionFatalRestartsOnceAndRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1",
		attemptResult{err: &engine.SessionDeadError{Cause: errors.New("browser crashed")}},
		attemptResult{rows: successRows()},
	)

	w := f.worker(Config{AttemptCeiling: 5})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, 2, item.AttemptCount)
	require.Equal(t, 2, f.factory.sessionsCreated())
	require.True(t, f.factory.created[0].closed)
}

func TestWorkerCooldownRespectsShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.pacer.block = 30 * time.Second
	blocked := &engine.BlockedError{Signature: "captcha", URL: "https://example.com/item-1"}
	f.extractor.add("item-1", attemptResult{err: blocked})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	w := f.worker(Config{AttemptCeiling: 5})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate within grace period")
	}

	// Best-known status was flushed: pending, never stranded in_progress.
	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemPending, item.Status)
}

func TestWorkerRecyclesDeadSessionBeforeAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.factory.aliveScript = []bool{false, true}
	f.seed(t, "item-1")
	f.queue.CloseIntake(1)
	f.extractor.add("item-1", attemptResult{rows: successRows()})

	w := f.worker(Config{})
	require.NoError(t, w.Run(context.Background()))

	item, ok := f.store.Item("run-1", "item-1")
	require.True(t, ok)
	require.Equal(t, engine.ItemCompleted, item.Status)
	require.Equal(t, 2, f.factory.sessionsCreated())
}

func TestWorkerScheduledRecycleBound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.seed(t, "a", "b", "c", "d")
	f.queue.CloseIntake(1)
	for _, key := range []string{"a", "b", "c", "d"} {
		f.extractor.add(key, attemptResult{rows: successRows()})
	}

	w := f.worker(Config{})
	require.NoError(t, w.Run(context.Background()))

	// The threshold replaces the session after the second and fourth item, so
	// no session ever serves more than two.
	require.Equal(t, 3, f.factory.sessionsCreated())
	for _, key := range []string{"a", "b", "c", "d"} {
		item, ok := f.store.Item("run-1", key)
		require.True(t, ok)
		require.Equal(t, engine.ItemCompleted, item.Status)
	}
}

func TestWorkerDrainSentinelTerminates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.queue.CloseIntake(1)

	w := f.worker(Config{})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not terminate on drain sentinel")
	}
	require.Equal(t, 0, f.factory.sessionsCreated())
}
