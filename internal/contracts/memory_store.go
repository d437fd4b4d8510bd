package contracts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Contract
	byHash map[string]*Contract
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Contract),
		byHash: make(map[string]*Contract),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
	m.byHash[c.Hash] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byHash[hash]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetAnchorTxID(_ context.Context, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return ErrContractNotFound
	}
	c.AnchorTxID = txID
	return nil
}

var _ Store = (*MemoryStore)(nil)
