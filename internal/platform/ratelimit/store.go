package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps backend failures so callers can tell them apart
// from a genuine limit decision.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store persists attempt timestamps per serialized key.
type Store interface {
	// Count returns the number of attempts recorded for key strictly after since.
	Count(ctx context.Context, key string, since time.Time) (int, error)
	// Record adds an attempt at the given time and drops attempts at or
	// before pruneBefore.
	Record(ctx context.Context, key string, at, pruneBefore time.Time) error
	// Clear removes every attempt for key.
	Clear(ctx context.Context, key string) error
}

// sweepInterval is how often MemoryStore drops keys with no attempt left
// inside their window.
const sweepInterval = time.Minute

type attemptLog struct {
	mu       sync.Mutex
	attempts []time.Time
	latest   time.Time
	// window is the span kept by the last Record, so a sweep knows when the
	// key can no longer affect a decision.
	window time.Duration
	// dead is set once the log is removed from the map; writers retry.
	dead bool
}

// MemoryStore keeps attempts in process memory. Each key has its own lock so
// concurrent submissions for the same key are each counted once. Keys whose
// attempts have all aged out are dropped at most once per sweepInterval.
type MemoryStore struct {
	mu        sync.RWMutex
	logs      map[string]*attemptLog
	lastSweep time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*attemptLog)}
}

func (s *MemoryStore) get(key string, create bool) *attemptLog {
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if l, ok := s.logs[key]; ok {
		return l
	}
	l = &attemptLog{}
	s.logs[key] = l
	return l
}

func (s *MemoryStore) Count(_ context.Context, key string, since time.Time) (int, error) {
	l := s.get(key, false)
	if l == nil {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return 0, nil
	}

	n := 0
	for _, ts := range l.attempts {
		if ts.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, at, pruneBefore time.Time) error {
	for {
		l := s.get(key, true)
		l.mu.Lock()
		if l.dead {
			l.mu.Unlock()
			continue
		}

		pruned := l.attempts[:0]
		for _, ts := range l.attempts {
			if ts.After(pruneBefore) {
				pruned = append(pruned, ts)
			}
		}
		l.attempts = append(pruned, at)
		if at.After(l.latest) {
			l.latest = at
		}
		l.window = at.Sub(pruneBefore)
		l.mu.Unlock()
		break
	}

	s.sweep(at)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[key]; ok {
		delete(s.logs, key)
		l.mu.Lock()
		l.dead = true
		l.mu.Unlock()
	}
	return nil
}

// sweep drops every key whose newest attempt is outside its window at now.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	for key, l := range s.logs {
		l.mu.Lock()
		if !l.latest.After(now.Add(-l.window)) {
			l.dead = true
			delete(s.logs, key)
		}
		l.mu.Unlock()
	}
	s.lastSweep = now
}
