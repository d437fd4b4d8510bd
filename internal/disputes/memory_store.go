package disputes

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Dispute
	byPayment map[string]string // payment ID → dispute ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Dispute),
		byPayment: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.byID[d.ID] = &cp
	m.byPayment[d.PaymentID] = d.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByPaymentID(_ context.Context, paymentID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPayment[paymentID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.Status != from {
		return false, nil
	}
	now := time.Now()
	d.Status = to
	d.UpdatedAt = now
	if strings.HasPrefix(string(to), "resolved_") {
		d.ResolvedAt = &now
	}
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
