// Package lock provides per-key mutual exclusion with FIFO handoff.
//
// The relay serializes all balance mutations, shared-link counter updates
// and batch submissions through a Manager. Keys are plain strings (lowercase
// addresses, link tokens, well-known singleton names); a key that nobody
// holds or waits on costs nothing.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Manager hands out per-key critical sections. Waiters on the same key are
// served in arrival order. The zero value is not usable; call NewManager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*keyLock)}
}

// WithLock runs fn while holding the key. If ctx is cancelled while queued,
// the slot passes to the next waiter and ctx.Err() is returned without
// running fn.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := m.acquire(ctx, key); err != nil {
		return err
	}
	defer m.release(key)
	return fn()
}

// WithLocks acquires every key in a stable sorted order before running fn,
// so that two-party operations (transfer a->b concurrent with b->a) cannot
// deadlock. Duplicate keys are collapsed.
func (m *Manager) WithLocks(ctx context.Context, keys []string, fn func() error) error {
	ordered := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			ordered = append(ordered, k)
		}
	}
	sort.Strings(ordered)

	acquired := 0
	for ; acquired < len(ordered); acquired++ {
		if err := m.acquire(ctx, ordered[acquired]); err != nil {
			for i := acquired - 1; i >= 0; i-- {
				m.release(ordered[i])
			}
			return err
		}
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			m.release(ordered[i])
		}
	}()
	return fn()
}

func (m *Manager) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	kl := m.locks[key]
	if kl == nil {
		kl = new(keyLock)
		m.locks[key] = kl
	}
	if !kl.held {
		kl.held = true
		m.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	kl.waiters = append(kl.waiters, grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-grant:
			// The grant raced the cancellation; hand the key straight to
			// the next waiter.
			m.handoffLocked(key, kl)
			m.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range kl.waiters {
			if w == grant {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				break
			}
		}
		if !kl.held && len(kl.waiters) == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	kl := m.locks[key]
	if kl != nil {
		m.handoffLocked(key, kl)
	}
	m.mu.Unlock()
}

// handoffLocked passes the key to the oldest waiter, or frees it.
// Caller holds m.mu.
func (m *Manager) handoffLocked(key string, kl *keyLock) {
	if len(kl.waiters) > 0 {
		grant := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		close(grant)
		return
	}
	kl.held = false
	delete(m.locks, key)
}
