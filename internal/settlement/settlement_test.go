package settlement

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/txbuilder"
	"github.com/agentspay/agentspay/internal/utxo"
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

func (a actor) approve(t *testing.T, paymentID string, action Action) string {
	t.Helper()
	sig, err := keys.SignMessage(a.priv, SettlementMessage(paymentID, action))
	require.NoError(t, err)
	return sig
}

func newTestPayment(t *testing.T, svc *Service, buyer, seller actor) *Payment {
	t.Helper()
	p, err := svc.CreateForExecution(context.Background(), CreateRequest{
		ServiceID:      "svc_translate",
		BuyerWalletID:  "wal_buyer",
		SellerWalletID: "wal_seller",
		BuyerAddr:      buyer.addr,
		SellerAddr:     seller.addr,
		Amount:         10_000,
	})
	require.NoError(t, err)
	return p
}

func TestPlatformFeeRoundsUp(t *testing.T) {
	assert.Equal(t, int64(200), PlatformFee(10_000))
	assert.Equal(t, int64(20), PlatformFee(1_000))
	assert.Equal(t, int64(1), PlatformFee(1))  // ceil(0.02)
	assert.Equal(t, int64(1), PlatformFee(50)) // exactly 1
	assert.Equal(t, int64(2), PlatformFee(51)) // ceil(1.02)
}

func TestCreateForExecution(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)

	p := newTestPayment(t, svc, buyer, seller)
	assert.True(t, strings.HasPrefix(p.ID, "pay_"))
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, ModePlatform, p.Mode)
	assert.Equal(t, "BSV", p.Currency)
	assert.Equal(t, int64(200), p.PlatformFee)

	_, err := svc.CreateForExecution(context.Background(), CreateRequest{Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.CreateForExecution(context.Background(), CreateRequest{Amount: 100, Mode: "custodial"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestReleaseHappyPath(t *testing.T) {
	ctx := context.Background()
	admin := newActor(t)
	svc := NewService(NewMemoryStore(), []string{admin.addr})
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	escrowed, err := svc.MarkEscrowed(ctx, p.ID, strings.Repeat("ab", 32), "")
	require.NoError(t, err)
	require.NotNil(t, escrowed)
	assert.Equal(t, StatusEscrowed, escrowed.Status)

	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorAdmin,
		ActorAddress: admin.addr,
		Signature:    admin.approve(t, p.ID, ActionRelease),
	})
	require.NoError(t, err)

	released, err := svc.Release(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, StatusReleased, released.Status)
	assert.NotNil(t, released.CompletedAt)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	admin := newActor(t)
	svc := NewService(NewMemoryStore(), []string{admin.addr})
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	_, err := svc.MarkEscrowed(ctx, p.ID, strings.Repeat("cd", 32), "")
	require.NoError(t, err)
	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorAdmin,
		ActorAddress: admin.addr,
		Signature:    admin.approve(t, p.ID, ActionRelease),
	})
	require.NoError(t, err)

	first, err := svc.Release(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second release: no error, no payment, no state change.
	second, err := svc.Release(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Refund after release is the same no-op.
	refunded, err := svc.Refund(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, refunded)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
}

func TestReleaseRequiresQuorum(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	_, err := svc.MarkEscrowed(ctx, p.ID, strings.Repeat("ef", 32), "")
	require.NoError(t, err)

	_, err = svc.Release(ctx, p.ID)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	// Counterparty approvals are recorded but do not authorize settlement
	// on their own; only a validated admin approval does.
	for _, a := range []struct {
		actor     actor
		actorType ActorType
	}{
		{seller, ActorSeller},
		{buyer, ActorBuyer},
	} {
		_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
			Action:       ActionRelease,
			ActorType:    a.actorType,
			ActorAddress: a.actor.addr,
			Signature:    a.actor.approve(t, p.ID, ActionRelease),
		})
		require.NoError(t, err)
	}
	_, err = svc.Release(ctx, p.ID)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	q, err := svc.Quorum(ctx, p.ID, ActionRelease)
	require.NoError(t, err)
	assert.True(t, q.HasBuyer)
	assert.True(t, q.HasSeller)
	assert.False(t, q.Satisfied)
	assert.Contains(t, q.Missing(), "admin approval")
}

func TestRefundRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	admin := newActor(t)
	svc := NewService(NewMemoryStore(), []string{admin.addr})
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	_, err := svc.MarkEscrowed(ctx, p.ID, strings.Repeat("12", 32), "")
	require.NoError(t, err)

	_, err = svc.Refund(ctx, p.ID)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRefund,
		ActorType:    ActorAdmin,
		ActorAddress: admin.addr,
		Signature:    admin.approve(t, p.ID, ActionRefund),
	})
	require.NoError(t, err)

	refunded, err := svc.Refund(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, refunded)
	assert.Equal(t, StatusRefunded, refunded.Status)
}

func TestRecordApprovalRejectsImpersonation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	// Seller signing as the buyer: address check fails.
	_, err := svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorBuyer,
		ActorAddress: seller.addr,
		Signature:    seller.approve(t, p.ID, ActionRelease),
	})
	assert.ErrorIs(t, err, ErrActorNotAuthorized)

	// Buyer address with a signature from the wrong key.
	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorBuyer,
		ActorAddress: buyer.addr,
		Signature:    seller.approve(t, p.ID, ActionRelease),
	})
	assert.ErrorIs(t, err, ErrBadApprovalSignature)

	// Admin not in the allow-list.
	rando := newActor(t)
	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorAdmin,
		ActorAddress: rando.addr,
		Signature:    rando.approve(t, p.ID, ActionRelease),
	})
	assert.ErrorIs(t, err, ErrActorNotAuthorized)
}

func TestApprovalBoundToPaymentAndAction(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)
	p1 := newTestPayment(t, svc, buyer, seller)
	p2 := newTestPayment(t, svc, buyer, seller)

	// A release approval for p1 cannot be replayed against p2.
	sig := buyer.approve(t, p1.ID, ActionRelease)
	_, err := svc.RecordApproval(ctx, p2.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorBuyer,
		ActorAddress: buyer.addr,
		Signature:    sig,
	})
	assert.ErrorIs(t, err, ErrBadApprovalSignature)

	// Nor against the opposite action on p1.
	_, err = svc.RecordApproval(ctx, p1.ID, ApprovalRequest{
		Action:       ActionRefund,
		ActorType:    ActorBuyer,
		ActorAddress: buyer.addr,
		Signature:    sig,
	})
	assert.ErrorIs(t, err, ErrBadApprovalSignature)
}

type fakeBroadcaster struct {
	raw []string
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, rawTxHex string) (string, error) {
	f.raw = append(f.raw, rawTxHex)
	return "tx_" + strings.Repeat("ef", 30), nil
}

func TestMultisigReleaseBroadcastsEscrowSpend(t *testing.T) {
	ctx := context.Background()
	buyer, seller, admin := newActor(t), newActor(t), newActor(t)
	platform, err := keys.GeneratePrivateKey()
	require.NoError(t, err)

	chain := &fakeBroadcaster{}
	const feeRate = 0.5
	svc := NewService(NewMemoryStore(), []string{admin.addr}).
		WithBroadcaster(chain).
		WithPlatformKey(platform, feeRate)

	p, err := svc.CreateForExecution(ctx, CreateRequest{
		ServiceID:      "svc_translate",
		BuyerWalletID:  "wal_buyer",
		SellerWalletID: "wal_seller",
		BuyerAddr:      buyer.addr,
		SellerAddr:     seller.addr,
		Amount:         100_000,
		Mode:           ModeMultisig,
	})
	require.NoError(t, err)

	script, err := txbuilder.MultisigLockingScript([]string{
		keys.PublicKeyHex(platform.PubKey()),
		keys.PublicKeyHex(seller.priv.PubKey()),
	}, 2)
	require.NoError(t, err)

	escrowTxID := strings.Repeat("ab", 32)
	escrowed, err := svc.MarkEscrowed(ctx, p.ID, escrowTxID, hex.EncodeToString(script))
	require.NoError(t, err)
	require.Equal(t, StatusEscrowed, escrowed.Status)

	// The co-signer reproduces the spend payload and signs its digest; the
	// network fee comes out of the escrowed amount.
	fee := txbuilder.EstimateFee(1, 1, feeRate)
	payload, err := txbuilder.MultisigSigningPayload(
		utxo.UTXO{TxID: escrowTxID, Vout: 0, Amount: p.Amount}, script,
		[]txbuilder.Output{{Address: seller.addr, Amount: p.Amount - fee}}, "", feeRate)
	require.NoError(t, err)
	digest, err := hex.DecodeString(payload.DigestHex)
	require.NoError(t, err)
	txSig := base64.StdEncoding.EncodeToString(ecdsa.Sign(seller.priv, digest).Serialize())

	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorAdmin,
		ActorAddress: admin.addr,
		Signature:    admin.approve(t, p.ID, ActionRelease),
		TxSignature:  txSig,
		PublicKey:    keys.PublicKeyHex(seller.priv.PubKey()),
	})
	require.NoError(t, err)

	settled, err := svc.Release(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, StatusReleased, settled.Status)
	assert.NotEmpty(t, settled.ReleaseTxID)

	// Exactly one broadcast, paying the seller escrow minus fee with the
	// unlock script in place.
	require.Len(t, chain.raw, 1)
	tx, err := txbuilder.DeserializeTx(chain.raw[0])
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	assert.Equal(t, p.Amount-fee, tx.TxOut[0].Value)
	assert.NotEmpty(t, tx.TxIn[0].SignatureScript)
}

func TestPaymentStatusByContract(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	status, err := svc.PaymentStatusByContract(ctx, "con_unlinked")
	require.NoError(t, err)
	assert.Empty(t, status)

	require.NoError(t, svc.LinkContract(ctx, p.ID, "con_abc"))
	status, err = svc.PaymentStatusByContract(ctx, "con_abc")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), status)
}

func TestDisputeTransitions(t *testing.T) {
	ctx := context.Background()
	admin := newActor(t)
	svc := NewService(NewMemoryStore(), []string{admin.addr})
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	// Cannot dispute before escrow.
	_, err := svc.MarkDisputed(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotEscrowed)

	_, err = svc.MarkEscrowed(ctx, p.ID, strings.Repeat("34", 32), "")
	require.NoError(t, err)
	disputed, err := svc.MarkDisputed(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)

	// Regular release path refuses disputed payments.
	released, err := svc.Release(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, released)

	// Admin-approved resolution settles from disputed.
	_, err = svc.RecordApproval(ctx, p.ID, ApprovalRequest{
		Action:       ActionRelease,
		ActorType:    ActorAdmin,
		ActorAddress: admin.addr,
		Signature:    admin.approve(t, p.ID, ActionRelease),
	})
	require.NoError(t, err)
	resolved, err := svc.SettleFromDispute(ctx, p.ID, ActionRelease)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, StatusReleased, resolved.Status)
}

func TestBindConsumptionConverges(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	buyer, seller := newActor(t), newActor(t)
	p := newTestPayment(t, svc, buyer, seller)

	winner, err := svc.BindConsumption(ctx, p.ID, "job_a")
	require.NoError(t, err)
	assert.Equal(t, "job_a", winner)

	// Second binding loses; the first marker sticks.
	winner, err = svc.BindConsumption(ctx, p.ID, "job_b")
	require.NoError(t, err)
	assert.Equal(t, "job_a", winner)
}

func TestSettlementMessageDeterministic(t *testing.T) {
	m := SettlementMessage("pay_123", ActionRelease)
	assert.Equal(t, "agentspay-settlement:v1:pay_123:release", m)
	assert.Equal(t, m, SettlementMessage("pay_123", ActionRelease))
	assert.NotEqual(t, m, SettlementMessage("pay_123", ActionRefund))
}
