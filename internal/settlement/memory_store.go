package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*Payment
	approvals map[string][]*Approval // by payment ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		approvals: make(map[string][]*Approval),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByContractID(_ context.Context, contractID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.ContractID == contractID && contractID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListByWallet(_ context.Context, walletID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.BuyerWalletID == walletID || p.SellerWalletID == walletID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status != from {
		return false, nil
	}
	now := time.Now()
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case StatusEscrowed:
		p.EscrowTxID = txID
	case StatusReleased:
		p.ReleaseTxID = txID
		p.CompletedAt = &now
	case StatusRefunded:
		p.RefundTxID = txID
		p.CompletedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) BindConsumption(_ context.Context, id, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return "", ErrPaymentNotFound
	}
	if p.ConsumedJobID != "" {
		return p.ConsumedJobID, nil
	}
	p.ConsumedJobID = jobID
	p.UpdatedAt = time.Now()
	return jobID, nil
}

func (m *MemoryStore) SetContractID(_ context.Context, id, contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ContractID = contractID
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetMultisigScript(_ context.Context, id, scriptHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.MultisigScript = scriptHex
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddApproval(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.approvals[a.PaymentID] = append(m.approvals[a.PaymentID], &cp)
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, paymentID string, action Action) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Approval
	for _, a := range m.approvals[paymentID] {
		if a.Action == action {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
