package utxo

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory UTXO cache for demo/development mode.
type MemoryStore struct {
	utxos map[string]*UTXO // key: txid:vout
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory UTXO store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{utxos: make(map[string]*UTXO)}
}

func cacheKey(txID string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txID, vout)
}

func (m *MemoryStore) Upsert(ctx context.Context, u *UTXO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.utxos[cacheKey(u.TxID, u.Vout)] = &cp
	return nil
}

func (m *MemoryStore) ListByAddress(ctx context.Context, address string, includeSpent bool) ([]UTXO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []UTXO
	for _, u := range m.utxos {
		if u.Address != address {
			continue
		}
		if u.Spent && !includeSpent {
			continue
		}
		result = append(result, *u)
	}
	return result, nil
}

func (m *MemoryStore) MarkSpent(ctx context.Context, txID string, vout uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.utxos[cacheKey(txID, vout)]
	if !ok {
		return ErrNotFound
	}
	u.Spent = true
	return nil
}

func (m *MemoryStore) DeleteByAddress(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, u := range m.utxos {
		if u.Address == address {
			delete(m.utxos, k)
		}
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
