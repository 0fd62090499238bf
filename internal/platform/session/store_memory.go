package session

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often the stores drop expired sessions that nobody
// reads again.
const sweepInterval = time.Minute

// MemoryStore keeps sessions in process memory. Expired entries are removed
// when read, and all of them at most once per sweepInterval on Get or Save.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	lastSweep time.Time
	nowFn     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), nowFn: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	m.sweep(now)

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(now) {
		delete(m.sessions, id)
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.nowFn())
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// sweep must be called with m.mu held.
func (m *MemoryStore) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
	m.lastSweep = now
}
