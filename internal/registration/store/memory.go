package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"enrolld/internal/registration/model"
	"enrolld/pkg/platform/sentinel"
)

// MemoryStore is the in-memory SessionStore used by unit tests and local
// development. It mirrors the Redis store's semantics exactly: lazy expiry,
// conditional versioned writes, and a natural-key index.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	byEmail  map[string]string
	now      func() time.Time
}

// NewMemory creates an empty store. The clock is injectable for expiry tests.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		byEmail:  make(map[string]string),
		now:      time.Now,
	}
}

// WithClock overrides the store's clock. Test hook.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func clone(s *model.Session) *model.Session {
	// Serialize to break aliasing with caller-held slices.
	raw, _ := json.Marshal(s)
	var out model.Session
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (m *MemoryStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return sentinel.ErrConflict
	}
	m.sessions[s.ID] = clone(s)
	if s.EmailKey != "" {
		m.byEmail[s.EmailKey] = s.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(sessionID)
}

func (m *MemoryStore) getLocked(sessionID string) (*model.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	// Lazy expiry: past-TTL reads are indistinguishable from deletions.
	if s.ExpiredAt(m.now()) {
		return nil, sentinel.ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Update(_ context.Context, s *model.Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok || current.ExpiredAt(m.now()) {
		return sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sentinel.ErrVersionMismatch
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		if s.EmailKey != "" && m.byEmail[s.EmailKey] == sessionID {
			delete(m.byEmail, s.EmailKey)
		}
		delete(m.sessions, sessionID)
	}
	return nil
}

func (m *MemoryStore) FindByEmail(_ context.Context, emailKey string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[emailKey]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, s := range m.sessions {
		if s.ExpiredAt(now) {
			if s.EmailKey != "" && m.byEmail[s.EmailKey] == id {
				delete(m.byEmail, s.EmailKey)
			}
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}
