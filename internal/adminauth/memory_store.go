package adminauth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store and AuditStore for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
	sessions   map[string]*Session // by token hash
	byID       map[string]*Session
	audit      []*AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*Challenge),
		sessions:   make(map[string]*Session),
		byID:       make(map[string]*Session),
	}
}

func (m *MemoryStore) CreateChallenge(_ context.Context, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.challenges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) GetChallenge(_ context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) MarkChallengeUsed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return false, ErrChallengeNotFound
	}
	if ch.Used {
		return false, nil
	}
	ch.Used = true
	return true, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.TokenHash] = &cp
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSessionByTokenHash(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.RevokedAt == nil {
		now := time.Now()
		s.RevokedAt = &now
	}
	return nil
}

func (m *MemoryStore) RevokeSessionsForAddress(_ context.Context, address string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, s := range m.byID {
		if s.Address == address && s.RevokedAt == nil {
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Append(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ AuditStore = (*MemoryStore)(nil)
)
