// Package session manages exclusive, expensive extraction sessions.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pricewatch-io/harvester/internal/engine"
)

// Lease is a worker's exclusive hold on one session. Sessions are never
// shared or pooled across workers; that avoids cross-goroutine races on the
// underlying driver protocol.
type Lease struct {
	workerID    int
	sess        engine.Session
	itemsServed int
}

// Session returns the leased session handle.
func (l *Lease) Session() engine.Session {
	return l.sess
}

// ItemsServed reports how many items this session has served since creation.
func (l *Lease) ItemsServed() int {
	return l.itemsServed
}

// Manager creates and destroys sessions, tracks every OS handle they own in
// a process-wide registry, and enforces the recycle-after-N policy that
// bounds slow memory growth in long-lived automation handles.
type Manager struct {
	factory      engine.SessionFactory
	recycleAfter int
	logger       *zap.Logger

	mu       sync.Mutex
	leases   map[int]*Lease
	registry map[string]func()
	orphans  sync.Once
}

// NewManager constructs a Manager. recycleAfter <= 0 disables proactive
// recycling.
func NewManager(factory engine.SessionFactory, recycleAfter int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:      factory,
		recycleAfter: recycleAfter,
		logger:       logger,
		leases:       make(map[int]*Lease),
		registry:     make(map[string]func()),
	}
}

// Acquire returns the worker's current lease, creating a session lazily on
// first need or after a recycle released the previous one.
func (m *Manager) Acquire(ctx context.Context, workerID int) (*Lease, error) {
	m.mu.Lock()
	if lease, ok := m.leases[workerID]; ok {
		m.mu.Unlock()
		return lease, nil
	}
	m.mu.Unlock()

	sess, err := m.factory.New(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("create session for worker %d: %w", workerID, err)
	}

	lease := &Lease{workerID: workerID, sess: sess}
	m.mu.Lock()
	if existing, ok := m.leases[workerID]; ok {
		// Lost a race with another acquire for the same worker; keep the
		// first session and fold this one back down.
		m.mu.Unlock()
		m.closeSession(sess)
		return existing, nil
	}
	m.leases[workerID] = lease
	m.registerHandles(sess)
	m.mu.Unlock()

	m.logger.Debug("session created", zap.Int("worker", workerID))
	return lease, nil
}

// Current returns the worker's existing lease, if any, without creating a
// session.
func (m *Manager) Current(workerID int) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[workerID]
	return lease, ok
}

// Release closes the leased session and removes its handles from the
// registry.
func (m *Manager) Release(lease *Lease) {
	if lease == nil {
		return
	}
	m.mu.Lock()
	if m.leases[lease.workerID] == lease {
		delete(m.leases, lease.workerID)
	}
	m.mu.Unlock()
	m.closeSession(lease.sess)
	m.logger.Debug("session released",
		zap.Int("worker", lease.workerID),
		zap.Int("items_served", lease.itemsServed),
	)
}

// Recycle destroys the leased session and replaces it in place with a fresh
// one, resetting the served counter.
func (m *Manager) Recycle(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return fmt.Errorf("recycle: nil lease")
	}
	m.closeSession(lease.sess)

	sess, err := m.factory.New(ctx, lease.workerID)
	if err != nil {
		m.mu.Lock()
		delete(m.leases, lease.workerID)
		m.mu.Unlock()
		return fmt.Errorf("recycle session for worker %d: %w", lease.workerID, err)
	}

	m.mu.Lock()
	lease.sess = sess
	lease.itemsServed = 0
	m.leases[lease.workerID] = lease
	m.registerHandles(sess)
	m.mu.Unlock()

	m.logger.Info("session recycled", zap.Int("worker", lease.workerID))
	return nil
}

// NoteServed bumps the lease's served counter and proactively recycles once
// the threshold is reached, so items_served never exceeds it.
func (m *Manager) NoteServed(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	lease.itemsServed++
	served := lease.itemsServed
	m.mu.Unlock()

	if m.recycleAfter > 0 && served >= m.recycleAfter {
		if err := m.Recycle(ctx, lease); err != nil {
			return fmt.Errorf("scheduled recycle: %w", err)
		}
	}
	return nil
}

// KillOrphans tears down every handle still in the registry. It only ever
// touches handles this engine created, and only acts once per process; it is
// called after drain or on abnormal exit.
func (m *Manager) KillOrphans() {
	m.orphans.Do(func() {
		m.mu.Lock()
		releases := make([]func(), 0, len(m.registry))
		for key, release := range m.registry {
			releases = append(releases, release)
			delete(m.registry, key)
		}
		count := len(releases)
		m.leases = make(map[int]*Lease)
		m.mu.Unlock()

		for _, release := range releases {
			if release != nil {
				release()
			}
		}
		if count > 0 {
			m.logger.Warn("orphaned session handles killed", zap.Int("count", count))
		}
	})
}

// TrackedHandles reports the number of registered OS handles.
func (m *Manager) TrackedHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// registerHandles requires m.mu held.
func (m *Manager) registerHandles(sess engine.Session) {
	for _, h := range sess.Handles() {
		m.registry[handleKey(h)] = h.Release
	}
}

func (m *Manager) closeSession(sess engine.Session) {
	if sess == nil {
		return
	}
	handles := sess.Handles()
	if err := sess.Close(); err != nil {
		m.logger.Warn("session close failed", zap.Error(err))
	}
	m.mu.Lock()
	for _, h := range handles {
		delete(m.registry, handleKey(h))
	}
	m.mu.Unlock()
}

func handleKey(h engine.OSHandle) string {
	return h.Kind + ":" + h.ID
}
