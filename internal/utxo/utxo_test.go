package utxo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	utxos     []UTXO
	listErr   error
	broadcast string
	bcErr     error
	listCalls int
}

func (f *fakeChain) ListUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]UTXO, len(f.utxos))
	copy(out, f.utxos)
	return out, nil
}

func (f *fakeChain) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	if f.bcErr != nil {
		return "", f.bcErr
	}
	return f.broadcast, nil
}

func out(txID string, vout uint32, amount int64) UTXO {
	return UTXO{TxID: txID, Vout: vout, Amount: amount}
}

func TestSpendableSyncsFromChain(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{utxos: []UTXO{out("aa", 0, 5000), out("bb", 1, 7000)}}
	svc := NewService(NewMemoryStore(), chain)

	got, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSpendableReplacesCacheWholesale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	chain := &fakeChain{utxos: []UTXO{out("aa", 0, 5000)}}
	svc := NewService(store, chain)

	_, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)

	// The node stops reporting aa and reports cc instead.
	chain.utxos = []UTXO{out("cc", 0, 9000)}
	got, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cc", got[0].TxID)

	cached, err := store.ListByAddress(ctx, "addr1", true)
	require.NoError(t, err)
	require.Len(t, cached, 1, "stale outputs are not resurrected")
	assert.Equal(t, "cc", cached[0].TxID)
}

func TestSpendableFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	chain := &fakeChain{utxos: []UTXO{out("aa", 0, 5000)}}
	svc := NewService(store, chain)

	_, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)

	chain.listErr = errors.New("node down")
	got, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err, "cache serves reads while the node is down")
	require.Len(t, got, 1)
	assert.Equal(t, "aa", got[0].TxID)
}

func TestSpendableErrorsWhenChainAndCacheEmptyOnColdStart(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{listErr: errors.New("node down")}
	svc := NewService(NewMemoryStore(), chain)

	got, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)
	assert.Empty(t, got, "empty cache is a valid answer, not an error")
}

func TestSpendableExcludesMarkedSpent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	chain := &fakeChain{utxos: []UTXO{out("aa", 0, 5000), out("bb", 0, 7000)}}
	svc := NewService(store, chain)

	_, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSpent(ctx, "aa", 0))

	// Node down: the cache answers, minus the consumed output.
	chain.listErr = errors.New("node down")
	got, err := svc.Spendable(ctx, "addr1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bb", got[0].TxID)
}

func TestMarkSpentUnknownOutput(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeChain{})
	err := svc.MarkSpent(context.Background(), "ff", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBroadcast(t *testing.T) {
	txID := strings.Repeat("ab", 32)
	svc := NewService(NewMemoryStore(), &fakeChain{broadcast: txID})

	got, err := svc.Broadcast(context.Background(), "0100")
	require.NoError(t, err)
	assert.Equal(t, txID, got)
}

func TestBroadcastFailure(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeChain{bcErr: errors.New("rejected")})

	_, err := svc.Broadcast(context.Background(), "0100")
	assert.ErrorIs(t, err, ErrChainUnavailable)
}
