package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/multisig"
	"github.com/agentspay/agentspay/internal/txbuilder"
	"github.com/agentspay/agentspay/internal/utxo"
)

var (
	ErrBadApprovalSignature = errors.New("settlement: approval signature does not verify for actor address")
	ErrActorNotAuthorized   = errors.New("settlement: actor address not authorized for this payment")
	ErrMultisigUnavailable  = errors.New("settlement: multisig spend requires a chain broadcaster and platform key")
)

// settlementMessageVersion pins the signed-text layout. Bumping it invalidates
// every outstanding approval, which is the point.
const settlementMessageVersion = "v1"

// SettlementMessage is the exact text an actor signs to approve settling a
// payment in a direction. Deterministic: same payment + action always yields
// the same message, so approvals are comparable and replay is confined to the
// single (payment, action) pair they were minted for.
func SettlementMessage(paymentID string, action Action) string {
	return fmt.Sprintf("agentspay-settlement:%s:%s:%s", settlementMessageVersion, paymentID, action)
}

// ApprovalRequest carries one signed settlement approval.
type ApprovalRequest struct {
	Action       Action    `json:"action" binding:"required"`
	ActorType    ActorType `json:"actorType" binding:"required"`
	ActorAddress string    `json:"actorAddress" binding:"required"`
	Signature    string    `json:"signature" binding:"required"` // compact recoverable, base64
	TxSignature  string    `json:"txSignature,omitempty"`        // multisig escrow spend signature, any supported encoding
	PublicKey    string    `json:"publicKey,omitempty"`          // required with TxSignature
}

// RecordApproval verifies and stores a settlement approval.
//
// The signature must recover to ActorAddress over the settlement message, and
// the address must belong to the role it claims: the payment's buyer, the
// payment's seller, or the admin allow-list.
func (s *Service) RecordApproval(ctx context.Context, paymentID string, req ApprovalRequest) (*Approval, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if req.Action != ActionRelease && req.Action != ActionRefund {
		return nil, fmt.Errorf("settlement: unknown action %q", req.Action)
	}

	switch req.ActorType {
	case ActorBuyer:
		if req.ActorAddress != p.BuyerAddr {
			return nil, fmt.Errorf("%w: not the buyer", ErrActorNotAuthorized)
		}
	case ActorSeller:
		if req.ActorAddress != p.SellerAddr {
			return nil, fmt.Errorf("%w: not the seller", ErrActorNotAuthorized)
		}
	case ActorAdmin:
		if !s.adminAllowlist[req.ActorAddress] {
			return nil, fmt.Errorf("%w: admin address not in allow-list", ErrActorNotAuthorized)
		}
	default:
		return nil, fmt.Errorf("settlement: unknown actor type %q", req.ActorType)
	}

	msg := SettlementMessage(paymentID, req.Action)
	if err := keys.VerifyMessageAddress(msg, req.Signature, req.ActorAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadApprovalSignature, err)
	}

	a := &Approval{
		ID:           idgen.WithPrefix("apr_"),
		PaymentID:    paymentID,
		Action:       req.Action,
		ActorType:    req.ActorType,
		ActorAddress: req.ActorAddress,
		Signature:    req.Signature,
		CreatedAt:    time.Now(),
	}
	if err := s.store.AddApproval(ctx, a); err != nil {
		return nil, err
	}

	// The escrow spend signature rides along with the approval but is held
	// per-payment, not persisted with it: it is recomputable by the signer
	// and only useful until the spend broadcasts.
	if req.TxSignature != "" {
		s.stashTxSignature(paymentID, req.Action, req.TxSignature, req.PublicKey)
	}
	return a, nil
}

// QuorumStatus reports whether settlement in a direction is authorized.
type QuorumStatus struct {
	Action    Action      `json:"action"`
	Mode      Mode        `json:"mode"`
	Approvals []*Approval `json:"approvals"`
	HasBuyer  bool        `json:"hasBuyer"`
	HasSeller bool        `json:"hasSeller"`
	HasAdmin  bool        `json:"hasAdmin"`
	Satisfied bool        `json:"satisfied"`

	// TxSignature is the stashed escrow spend signature (multisig mode).
	TxSignature *txSig `json:"-"`
}

// Missing names what the quorum still needs, for error messages.
func (q *QuorumStatus) Missing() string {
	var parts []string
	if !q.HasAdmin {
		parts = append(parts, "admin approval")
	}
	if q.Mode == ModeMultisig && q.TxSignature == nil {
		parts = append(parts, "escrow spend signature")
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, " and ")
}

// Quorum evaluates the approval set for (payment, action).
//
// Settlement in either direction needs a validated admin approval. Buyer and
// seller approvals accumulate and are reported (an operator console can see
// both parties agree before acting on it) but do not by themselves authorize
// moving funds. Multisig mode additionally needs an escrow spend signature
// from a non-platform key before the spend can be broadcast.
func (s *Service) Quorum(ctx context.Context, paymentID string, action Action) (*QuorumStatus, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, paymentID, action)
	if err != nil {
		return nil, err
	}

	q := &QuorumStatus{Action: action, Mode: p.Mode, Approvals: approvals}
	for _, a := range approvals {
		switch a.ActorType {
		case ActorBuyer:
			q.HasBuyer = true
		case ActorSeller:
			q.HasSeller = true
		case ActorAdmin:
			q.HasAdmin = true
		}
	}

	q.Satisfied = q.HasAdmin
	if p.Mode == ModeMultisig {
		q.TxSignature = s.loadTxSignature(paymentID, action)
		q.Satisfied = q.Satisfied && q.TxSignature != nil
	}
	return q, nil
}

// txSig is a stashed external escrow spend signature.
type txSig struct {
	raw    string
	pubKey string
}

func (s *Service) stashTxSignature(paymentID string, action Action, raw, pubKey string) {
	s.txSigs.Store(paymentID+":"+string(action), &txSig{raw: raw, pubKey: pubKey})
}

func (s *Service) loadTxSignature(paymentID string, action Action) *txSig {
	v, ok := s.txSigs.Load(paymentID + ":" + string(action))
	if !ok {
		return nil
	}
	return v.(*txSig)
}

// broadcastSpend builds, co-signs, and broadcasts the escrow spend. The
// platform key supplies one signature, the stashed external signature the
// other; the network fee comes out of the escrowed amount.
func (s *Service) broadcastSpend(ctx context.Context, p *Payment, action Action, external *txSig) (string, error) {
	if s.chain == nil || s.platformKey == nil {
		return "", ErrMultisigUnavailable
	}
	if external == nil {
		return "", fmt.Errorf("%w: no escrow spend signature", ErrQuorumNotMet)
	}
	script, err := hex.DecodeString(p.MultisigScript)
	if err != nil {
		return "", fmt.Errorf("settlement: decode escrow script: %w", err)
	}

	recipient := p.SellerAddr
	if action == ActionRefund {
		recipient = p.BuyerAddr
	}

	// The funding transaction locks the escrow amount at output index 0.
	escrowOut := utxo.UTXO{TxID: p.EscrowTxID, Vout: 0, Amount: p.Amount}
	fee := txbuilder.EstimateFee(1, 1, s.feeRate)
	payload, err := txbuilder.MultisigSigningPayload(escrowOut, script,
		[]txbuilder.Output{{Address: recipient, Amount: p.Amount - fee}}, "", s.feeRate)
	if err != nil {
		return "", err
	}
	digest, err := hex.DecodeString(payload.DigestHex)
	if err != nil {
		return "", fmt.Errorf("settlement: decode sighash digest: %w", err)
	}

	unlock, err := multisig.Combine(script, digest, []multisig.Signer{
		{PrivateKey: s.platformKey},
		{SignatureRaw: external.raw, PublicKeyHex: external.pubKey},
	})
	if err != nil {
		return "", err
	}

	tx, err := txbuilder.DeserializeTx(payload.TxHex)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].SignatureScript = unlock
	rawHex, err := txbuilder.SerializeTx(tx)
	if err != nil {
		return "", err
	}
	return s.chain.Broadcast(ctx, rawHex)
}
