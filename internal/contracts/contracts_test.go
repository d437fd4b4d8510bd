package contracts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/keys"
)

type party struct {
	priv *btcec.PrivateKey
	addr string
}

func newParty(t *testing.T) party {
	t.Helper()
	priv, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := keys.DeriveAddress(priv.PubKey())
	require.NoError(t, err)
	return party{priv: priv, addr: addr}
}

func signedRequest(t *testing.T, buyer, seller party) CreateRequest {
	t.Helper()
	req := CreateRequest{
		ServiceID:  "svc_summarize",
		BuyerAddr:  buyer.addr,
		SellerAddr: seller.addr,
		Amount:     25_000,
		Currency:   "BSV",
		Terms:      "Summarize 10 documents within 24h",
		Nonce:      "a1b2c3d4",
	}
	hash, err := CanonicalPayload{
		Version:    payloadVersion,
		ServiceID:  req.ServiceID,
		BuyerAddr:  req.BuyerAddr,
		SellerAddr: req.SellerAddr,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Terms:      req.Terms,
		Nonce:      req.Nonce,
	}.Hash()
	require.NoError(t, err)

	req.BuyerSignature, err = keys.SignMessage(buyer.priv, SigningText(hash))
	require.NoError(t, err)
	req.SellerSignature, err = keys.SignMessage(seller.priv, SigningText(hash))
	require.NoError(t, err)
	return req
}

func TestCanonicalHashDeterministic(t *testing.T) {
	p := CanonicalPayload{
		Version: payloadVersion, ServiceID: "svc_1",
		BuyerAddr: "1BuyerAddr", SellerAddr: "1SellerAddr",
		Amount: 100, Currency: "BSV", Terms: "terms", Nonce: "n",
	}
	h1, err := p.Hash()
	require.NoError(t, err)
	h2, err := p.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// Any field change moves the hash.
	p.Amount = 101
	h3, err := p.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestCanonicalHashRejectsBadTerms(t *testing.T) {
	_, err := CanonicalPayload{ServiceID: "svc_1"}.Hash()
	assert.ErrorIs(t, err, ErrInvalidTerms)
}

func TestCreateAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newParty(t), newParty(t)

	contract, err := svc.CreateAndAnchor(ctx, signedRequest(t, buyer, seller))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(contract.ID, "ct_"))
	assert.Len(t, contract.Hash, 64)

	result, err := svc.Verify(ctx, contract.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Failures)
	assert.False(t, result.Anchored)

	byHash, err := svc.GetByHash(ctx, contract.Hash)
	require.NoError(t, err)
	assert.Equal(t, contract.ID, byHash.ID)
}

func TestCreateRejectsPartialSignatures(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newParty(t), newParty(t)

	req := signedRequest(t, buyer, seller)
	req.SellerSignature = ""
	_, err := svc.CreateAndAnchor(ctx, req)
	assert.ErrorIs(t, err, ErrMissingSignature)

	// Seller signature from the wrong key: all-or-nothing, nothing stored.
	req = signedRequest(t, buyer, seller)
	req.SellerSignature = req.BuyerSignature
	_, err = svc.CreateAndAnchor(ctx, req)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyReportsGranularFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, nil)
	buyer, seller := newParty(t), newParty(t)

	contract, err := svc.CreateAndAnchor(ctx, signedRequest(t, buyer, seller))
	require.NoError(t, err)

	// Tamper with stored terms: the hash check fails AND both signatures
	// still verify (they signed the stored hash), so exactly one failure.
	tampered, err := store.Get(ctx, contract.ID)
	require.NoError(t, err)
	tampered.Amount = 1
	require.NoError(t, store.Create(ctx, tampered)) // overwrite in place

	result, err := svc.Verify(ctx, contract.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"stored hash does not match canonical terms"}, result.Failures)

	// Corrupt one signature: that check fails independently.
	corrupt, err := store.Get(ctx, contract.ID)
	require.NoError(t, err)
	corrupt.Amount = contract.Amount
	corrupt.BuyerSignature = contract.SellerSignature
	require.NoError(t, store.Create(ctx, corrupt))

	result, err = svc.Verify(ctx, contract.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"buyer signature does not verify"}, result.Failures)
}

type stubPayments struct {
	status string
}

func (s *stubPayments) PaymentStatusByContract(context.Context, string) (string, error) {
	return s.status, nil
}

func TestStatusMirrorsLinkedPayment(t *testing.T) {
	ctx := context.Background()
	payments := &stubPayments{}
	svc := NewService(NewMemoryStore(), nil).WithPayments(payments)
	buyer, seller := newParty(t), newParty(t)

	contract, err := svc.CreateAndAnchor(ctx, signedRequest(t, buyer, seller))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, contract.Status)

	// Unlinked (or pending/escrowed) payment reads as active.
	got, err := svc.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	payments.status = "escrowed"
	got, err = svc.Get(ctx, contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	for _, status := range []string{"released", "refunded", "disputed"} {
		payments.status = status
		got, err = svc.Get(ctx, contract.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

type stubAnchorer struct {
	txID string
	err  error
}

func (s *stubAnchorer) Anchor(context.Context, []byte) (string, error) {
	return s.txID, s.err
}

func TestAnchorFailureDoesNotBlockCreation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &stubAnchorer{err: assert.AnError})
	buyer, seller := newParty(t), newParty(t)

	contract, err := svc.CreateAndAnchor(ctx, signedRequest(t, buyer, seller))
	require.NoError(t, err)
	assert.NotEmpty(t, contract.ID)
}
