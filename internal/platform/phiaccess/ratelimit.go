package phiaccess

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultEmergencyCeiling = 10
	DefaultEmergencyWindow  = time.Hour
)

// LimiterStore holds the per-principal emergency counters. Implementations
// must make the check-and-increment atomic per principal.
type LimiterStore interface {
	TryConsume(ctx context.Context, principalID string, now time.Time, ceiling int, window time.Duration) (bool, error)
}

// EmergencyRateLimiter guards the emergency bypass path. Callers only see
// TryConsume; the storage behind it is injected.
type EmergencyRateLimiter struct {
	store   LimiterStore
	ceiling int
	window  time.Duration
}

// NewEmergencyRateLimiter returns a limiter over store. Non-positive ceiling
// or window fall back to 10 per hour.
func NewEmergencyRateLimiter(store LimiterStore, ceiling int, window time.Duration) *EmergencyRateLimiter {
	if ceiling <= 0 {
		ceiling = DefaultEmergencyCeiling
	}
	if window <= 0 {
		window = DefaultEmergencyWindow
	}
	if store == nil {
		store = NewMemoryLimiterStore()
	}
	return &EmergencyRateLimiter{store: store, ceiling: ceiling, window: window}
}

// TryConsume records one emergency attempt and reports whether it fits in the
// principal's current window.
func (l *EmergencyRateLimiter) TryConsume(ctx context.Context, principalID string, now time.Time) (bool, error) {
	return l.store.TryConsume(ctx, principalID, now, l.ceiling, l.window)
}

// Ceiling returns the configured per-window maximum.
func (l *EmergencyRateLimiter) Ceiling() int { return l.ceiling }

// limitEntry is replaced wholesale once now reaches resetAt.
type limitEntry struct {
	count   int
	resetAt time.Time
}

// MemoryLimiterStore keeps counters in process. Entries are never evicted; a
// stale entry is superseded on the principal's next attempt.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{entries: make(map[string]*limitEntry)}
}

// TryConsume never fails. The count saturates at ceiling.
func (s *MemoryLimiterStore) TryConsume(_ context.Context, principalID string, now time.Time, ceiling int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[principalID]
	if !ok || !now.Before(e.resetAt) {
		s.entries[principalID] = &limitEntry{count: 1, resetAt: now.Add(window)}
		return true, nil
	}
	if e.count >= ceiling {
		return false, nil
	}
	e.count++
	return true, nil
}
