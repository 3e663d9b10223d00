// Package stats aggregates per-user annotation statistics behind a short-lived
// cache.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/opencoding/internal/storage"
)

// MaxTTL bounds how stale a cached aggregate may be.
const MaxTTL = 60 * time.Second

// RecentLimit is how many recent annotations an aggregate lists.
const RecentLimit = 5

// Store defines the aggregation the Manager needs. Implemented by storage.Store.
type Store interface {
	AnnotationStats(ctx context.Context, userID string, recent int) (storage.AnnotationStats, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	stats    storage.AnnotationStats
	cachedAt time.Time
}

// Manager serves per-user statistics, recomputing them at most once per TTL
// unless a save invalidates the user's entry first.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]entry
}

// NewManager creates a Manager. ttl is clamped to (0, MaxTTL]; zero or
// negative values select MaxTTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	return NewManagerWithClock(store, realClock{}, ttl)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]entry),
	}
}

// TTL returns the effective cache lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Get returns the statistics for userID.
func (m *Manager) Get(ctx context.Context, userID string) (storage.AnnotationStats, error) {
	m.mu.RLock()
	if e, ok := m.cache[userID]; ok && m.fresh(e) {
		m.mu.RUnlock()
		return clone(e.stats), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[userID]; ok && m.fresh(e) {
		return clone(e.stats), nil
	}

	st, err := m.store.AnnotationStats(ctx, userID, RecentLimit)
	if err != nil {
		return storage.AnnotationStats{}, fmt.Errorf("computing stats for %s: %w", userID, err)
	}
	m.cache[userID] = entry{stats: st, cachedAt: m.clock.Now()}
	return clone(st), nil
}

// Invalidate drops the cached aggregate of userID.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

func (m *Manager) fresh(e entry) bool {
	return m.clock.Now().Before(e.cachedAt.Add(m.ttl))
}

func clone(s storage.AnnotationStats) storage.AnnotationStats {
	s.RecentAnnotations = append([]storage.Annotation{}, s.RecentAnnotations...)
	return s
}
