// Package memory provides the in-process work queue implementation.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Queue is a thread-safe FIFO of pending work items. Dequeue removes an item
// from circulation, which is what enforces at-most-one-in-flight-per-key;
// Requeue is the only way back in. An attempted-key set deduplicates items
// offered twice in the same run so a site never sees duplicate requests that
// could escalate an anti-bot cooldown.
type Queue struct {
	mu           sync.Mutex
	items        []engine.WorkItem
	offered      map[string]struct{}
	intakeClosed bool
	signal       chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		offered: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// EnqueueMany appends items, silently skipping keys already offered in this
// run. Enqueueing after intake closed is an error.
func (q *Queue) EnqueueMany(ctx context.Context, items []engine.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.intakeClosed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue after intake closed")
	}
	added := 0
	for _, item := range items {
		if _, seen := q.offered[item.Key]; seen {
			continue
		}
		q.offered[item.Key] = struct{}{}
		q.items = append(q.items, item)
		added++
	}
	q.mu.Unlock()
	if added > 0 {
		q.wake()
	}
	return nil
}

// Dequeue pops the next item, blocking until one is available or the context
// ends. Once intake is closed and the backlog drains it hands out the drain
// sentinels appended by CloseIntake.
func (q *Queue) Dequeue(ctx context.Context) (engine.WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return engine.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.signal:
		}
	}
}

// Requeue puts a dequeued item back at the front so it is served before any
// drain sentinel already in the backlog. Callers own the attempt ceiling;
// the queue never converts a requeue into a permanent failure itself.
func (q *Queue) Requeue(ctx context.Context, item engine.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("requeue canceled: %w", err)
	}
	q.mu.Lock()
	q.items = append([]engine.WorkItem{item}, q.items...)
	q.mu.Unlock()
	q.wake()
	return nil
}

// CloseIntake appends one drain sentinel per worker, signalling that no more
// work is coming. Subsequent calls are ignored.
func (q *Queue) CloseIntake(workers int) {
	q.mu.Lock()
	if q.intakeClosed {
		q.mu.Unlock()
		return
	}
	q.intakeClosed = true
	for i := 0; i < workers; i++ {
		q.items = append(q.items, engine.WorkItem{Drain: true})
	}
	q.mu.Unlock()
	q.wake()
}

// Len reports the current backlog size, sentinels included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
