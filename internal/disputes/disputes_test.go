package disputes

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/settlement"
)

type actor struct {
	priv *btcec.PrivateKey
	addr string
}

func newActor(t *testing.T) actor {
	t.Helper()
	priv, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := keys.DeriveAddress(priv.PubKey())
	require.NoError(t, err)
	return actor{priv: priv, addr: addr}
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	engine  *settlement.Service
	buyer   actor
	seller  actor
	admin   actor
	payment *settlement.Payment
}

// newFixture wires a dispute service onto a real settlement engine with one
// escrowed payment.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	buyer, seller, admin := newActor(t), newActor(t), newActor(t)

	engine := settlement.NewService(settlement.NewMemoryStore(), []string{admin.addr})
	p, err := engine.CreateForExecution(ctx, settlement.CreateRequest{
		ServiceID:      "svc_ocr",
		BuyerWalletID:  "wal_buyer",
		SellerWalletID: "wal_seller",
		BuyerAddr:      buyer.addr,
		SellerAddr:     seller.addr,
		Amount:         5_000,
	})
	require.NoError(t, err)
	_, err = engine.MarkEscrowed(ctx, p.ID, strings.Repeat("ab", 32), "")
	require.NoError(t, err)

	store := NewMemoryStore()
	return &fixture{
		svc:     NewService(store, engine),
		store:   store,
		engine:  engine,
		buyer:   buyer,
		seller:  seller,
		admin:   admin,
		payment: p,
	}
}

func (f *fixture) open(t *testing.T) *Dispute {
	t.Helper()
	d, err := f.svc.Open(context.Background(), OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    "output was empty",
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) adminResolve(t *testing.T, res Resolution) ResolveRequest {
	t.Helper()
	action := settlement.ActionRefund
	if res == ResolutionRelease {
		action = settlement.ActionRelease
	}
	sig, err := keys.SignMessage(f.admin.priv, settlement.SettlementMessage(f.payment.ID, action))
	require.NoError(t, err)
	return ResolveRequest{
		Resolution:     res,
		AdminAddress:   f.admin.addr,
		AdminSignature: sig,
	}
}

func TestOpenFreezesPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := f.open(t)
	assert.True(t, strings.HasPrefix(d.ID, "dsp_"))
	assert.Equal(t, StatusOpen, d.Status)

	p, err := f.engine.Get(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDisputed, p.Status)

	// Frozen payments refuse the normal release path.
	released, err := f.engine.Release(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Nil(t, released)
}

func TestOpenOnlyByBuyer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Open(context.Background(), OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.seller.addr,
		Reason:    "trying to self-dispute",
	})
	assert.ErrorIs(t, err, ErrNotBuyer)
}

func TestOpenOncePerPayment(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	_, err := f.svc.Open(context.Background(), OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    "second attempt",
	})
	assert.ErrorIs(t, err, ErrAlreadyDisputed)
}

func TestOpenRequiresEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Settle the payment first, then try to dispute.
	sig, err := keys.SignMessage(f.admin.priv, settlement.SettlementMessage(f.payment.ID, settlement.ActionRelease))
	require.NoError(t, err)
	_, err = f.engine.RecordApproval(ctx, f.payment.ID, settlement.ApprovalRequest{
		Action:       settlement.ActionRelease,
		ActorType:    settlement.ActorAdmin,
		ActorAddress: f.admin.addr,
		Signature:    sig,
	})
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, f.payment.ID)
	require.NoError(t, err)

	_, err = f.svc.Open(ctx, OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    "too late",
	})
	assert.ErrorIs(t, err, settlement.ErrNotEscrowed)
}

func TestOpenValidatesReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, OpenRequest{PaymentID: f.payment.ID, BuyerAddr: f.buyer.addr})
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = f.svc.Open(ctx, OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    strings.Repeat("x", MaxReasonLength+1),
	})
	assert.ErrorIs(t, err, ErrReasonTooLong)

	_, err = f.svc.Open(ctx, OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    "output was empty",
		Evidence:  strings.Repeat("x", MaxEvidenceLength+1),
	})
	assert.ErrorIs(t, err, ErrEvidenceTooLong)
}

func TestOpenCarriesEvidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.svc.Open(ctx, OpenRequest{
		PaymentID: f.payment.ID,
		BuyerAddr: f.buyer.addr,
		Reason:    "output was empty",
		Evidence:  "job log: https://example.com/jobs/42/output",
	})
	require.NoError(t, err)
	assert.Equal(t, "job log: https://example.com/jobs/42/output", d.Evidence)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Evidence, got.Evidence)
}

func TestResolveRequestWireNames(t *testing.T) {
	body := `{
		"resolution": "refund",
		"adminAddress": "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"adminSignature": "c2ln",
		"adminTxSignatureHex": "deadbeef",
		"adminPublicKeyHex": "02ab"
	}`
	var req ResolveRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, ResolutionRefund, req.Resolution)
	assert.Equal(t, "deadbeef", req.TxSignature)
	assert.Equal(t, "02ab", req.PublicKey)
}

func TestResolveRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.open(t)

	resolved, err := f.svc.Resolve(ctx, d.ID, f.adminResolve(t, ResolutionRefund))
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefund, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	p, err := f.engine.Get(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRefunded, p.Status)

	// Resolving twice is rejected: the dispute is terminal.
	_, err = f.svc.Resolve(ctx, d.ID, f.adminResolve(t, ResolutionRefund))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestResolveRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.open(t)

	_, err := f.svc.MarkUnderReview(ctx, d.ID)
	require.NoError(t, err)

	resolved, err := f.svc.Resolve(ctx, d.ID, f.adminResolve(t, ResolutionRelease))
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRelease, resolved.Status)

	p, err := f.engine.Get(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusReleased, p.Status)
}

func TestResolveSplitLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.open(t)

	req := f.adminResolve(t, ResolutionRefund)
	req.Resolution = ResolutionSplit
	_, err := f.svc.Resolve(ctx, d.ID, req)
	assert.ErrorIs(t, err, ErrSplitNotImplemented)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	p, err := f.engine.Get(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDisputed, p.Status)
}

func TestResolveRejectsUnauthorizedAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.open(t)

	rando := newActor(t)
	sig, err := keys.SignMessage(rando.priv, settlement.SettlementMessage(f.payment.ID, settlement.ActionRefund))
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, d.ID, ResolveRequest{
		Resolution:     ResolutionRefund,
		AdminAddress:   rando.addr,
		AdminSignature: sig,
	})
	assert.ErrorIs(t, err, settlement.ErrActorNotAuthorized)
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.open(t)

	// Backdate the window; the next read applies expiry.
	stale, err := f.store.Get(ctx, d.ID)
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Create(ctx, stale))

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// Expired disputes cannot be resolved; the payment stays frozen for a
	// direct admin settlement.
	_, err = f.svc.Resolve(ctx, d.ID, f.adminResolve(t, ResolutionRefund))
	assert.ErrorIs(t, err, ErrNotOpen)

	p, err := f.engine.Get(ctx, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDisputed, p.Status)
}
