// Package utxo maintains an advisory cache of unspent transaction outputs.
//
// The chain is the authoritative source: Spendable re-syncs from the node on
// every read and only falls back to the cache when the node is unreachable.
// The spent flag is advisory and exists to stop the core re-selecting an
// output it already consumed before the network catches up.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentspay/agentspay/internal/logging"
)

var (
	ErrNotFound = errors.New("utxo: not found")
	// ErrChainUnavailable wraps node failures. The core never retries these;
	// the caller decides.
	ErrChainUnavailable = errors.New("utxo: chain node unavailable")
)

// UTXO is one unspent output.
type UTXO struct {
	TxID          string    `json:"txId"`
	Vout          uint32    `json:"vout"`
	Amount        int64     `json:"amount"` // satoshis
	LockingScript string    `json:"lockingScript"`
	Address       string    `json:"address"`
	Spent         bool      `json:"spent"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ChainClient is the boundary to the ledger network.
type ChainClient interface {
	ListUTXOs(ctx context.Context, address string) ([]UTXO, error)
	Broadcast(ctx context.Context, rawTxHex string) (txID string, err error)
}

// Store persists the cache.
type Store interface {
	Upsert(ctx context.Context, u *UTXO) error
	ListByAddress(ctx context.Context, address string, includeSpent bool) ([]UTXO, error)
	MarkSpent(ctx context.Context, txID string, vout uint32) error
	DeleteByAddress(ctx context.Context, address string) error
}

// Service resolves spendable outputs for an address.
type Service struct {
	store Store
	chain ChainClient
}

// NewService creates a UTXO service.
func NewService(store Store, chain ChainClient) *Service {
	return &Service{store: store, chain: chain}
}

// Spendable returns unspent outputs for address. The network result replaces
// the cached set; on network failure the cached set is served instead.
func (s *Service) Spendable(ctx context.Context, address string) ([]UTXO, error) {
	fresh, err := s.chain.ListUTXOs(ctx, address)
	if err != nil {
		logging.L(ctx).Warn("utxo sync failed, serving cache", "address", address, "error", err)
		cached, cacheErr := s.store.ListByAddress(ctx, address, false)
		if cacheErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
		}
		return cached, nil
	}

	// Replace the cached view for this address wholesale; a partial merge
	// could resurrect outputs the network no longer reports.
	if err := s.store.DeleteByAddress(ctx, address); err == nil {
		now := time.Now()
		for i := range fresh {
			fresh[i].Address = address
			fresh[i].UpdatedAt = now
			_ = s.store.Upsert(ctx, &fresh[i])
		}
	}

	spendable := fresh[:0]
	for _, u := range fresh {
		if !u.Spent {
			spendable = append(spendable, u)
		}
	}
	return spendable, nil
}

// MarkSpent flags an output as consumed in the cache.
func (s *Service) MarkSpent(ctx context.Context, txID string, vout uint32) error {
	return s.store.MarkSpent(ctx, txID, vout)
}

// Broadcast submits a raw transaction to the network.
func (s *Service) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	txID, err := s.chain.Broadcast(ctx, rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast: %v", ErrChainUnavailable, err)
	}
	return txID, nil
}
