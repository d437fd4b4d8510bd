// Package disputes handles buyer complaints against escrowed payments.
//
// Only the payment's buyer may open a dispute, only while the funds are still
// escrowed, and at most once per payment. Opening a dispute freezes the
// payment (escrowed → disputed); resolution routes back through the
// settlement engine's quorum rules, so a dispute cannot move money through a
// side door. Disputes left unresolved past their window expire lazily: the
// expiry is applied when the dispute is next read, not by a background
// sweeper, and an expired dispute leaves the payment frozen until an admin
// settles it.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/logging"
	"github.com/agentspay/agentspay/internal/metrics"
	"github.com/agentspay/agentspay/internal/settlement"
)

var (
	ErrDisputeNotFound     = errors.New("disputes: dispute not found")
	ErrNotBuyer            = errors.New("disputes: only the payment's buyer may open a dispute")
	ErrAlreadyDisputed     = errors.New("disputes: payment already has a dispute")
	ErrReasonTooLong       = errors.New("disputes: reason exceeds 500 characters")
	ErrReasonRequired      = errors.New("disputes: reason is required")
	ErrEvidenceTooLong     = errors.New("disputes: evidence exceeds 2000 characters")
	ErrNotOpen             = errors.New("disputes: dispute is not open")
	ErrSplitNotImplemented = errors.New("disputes: split resolution is not implemented")
)

// MaxReasonLength caps the dispute reason.
const MaxReasonLength = 500

// MaxEvidenceLength caps the supporting evidence text.
const MaxEvidenceLength = 2000

// Window is how long a dispute stays actionable before lazy expiry.
const Window = 30 * 24 * time.Hour

// Status is the state of a dispute.
type Status string

const (
	StatusOpen            Status = "open"
	StatusUnderReview     Status = "under_review"
	StatusResolvedRefund  Status = "resolved_refund"
	StatusResolvedRelease Status = "resolved_release"
	StatusResolvedSplit   Status = "resolved_split"
	StatusExpired         Status = "expired"
)

// IsTerminal returns true when no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolvedRefund, StatusResolvedRelease, StatusResolvedSplit, StatusExpired:
		return true
	}
	return false
}

// Resolution is the admin's chosen outcome.
type Resolution string

const (
	ResolutionRefund  Resolution = "refund"
	ResolutionRelease Resolution = "release"
	ResolutionSplit   Resolution = "split"
)

// Dispute is one buyer complaint.
type Dispute struct {
	ID         string     `json:"id"`
	PaymentID  string     `json:"paymentId"`
	BuyerAddr  string     `json:"buyerAddr"`
	Reason     string     `json:"reason"`
	Evidence   string     `json:"evidence,omitempty"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Dispute, error)

	// Transition moves id from exactly `from` to `to`; false when the guard
	// fails.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)
}

// Engine is the slice of the settlement service disputes need.
type Engine interface {
	Get(ctx context.Context, id string) (*settlement.Payment, error)
	MarkDisputed(ctx context.Context, id string) (*settlement.Payment, error)
	SettleFromDispute(ctx context.Context, id string, action settlement.Action) (*settlement.Payment, error)
	RecordApproval(ctx context.Context, paymentID string, req settlement.ApprovalRequest) (*settlement.Approval, error)
}

// Service implements the dispute lifecycle.
type Service struct {
	store  Store
	engine Engine
}

// NewService creates a dispute service on top of the settlement engine.
func NewService(store Store, engine Engine) *Service {
	return &Service{store: store, engine: engine}
}

// OpenRequest carries a buyer's dispute.
type OpenRequest struct {
	PaymentID string `json:"paymentId" binding:"required"`
	BuyerAddr string `json:"buyerAddr" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	Evidence  string `json:"evidence,omitempty"` // supporting material, e.g. job output or a reference URL
}

// Open files a dispute and freezes the payment. The buyer check is by
// address against the payment record; transport-level authentication of that
// address is the caller's job.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	if req.Reason == "" {
		return nil, ErrReasonRequired
	}
	if len(req.Reason) > MaxReasonLength {
		return nil, ErrReasonTooLong
	}
	if len(req.Evidence) > MaxEvidenceLength {
		return nil, ErrEvidenceTooLong
	}

	p, err := s.engine.Get(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if req.BuyerAddr != p.BuyerAddr {
		return nil, ErrNotBuyer
	}
	if existing, err := s.store.GetByPaymentID(ctx, req.PaymentID); err == nil && existing != nil {
		return nil, ErrAlreadyDisputed
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	// Freezing the payment first makes it the gate: a second concurrent open
	// loses here with ErrNotEscrowed before a duplicate dispute row exists.
	if _, err := s.engine.MarkDisputed(ctx, req.PaymentID); err != nil {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		PaymentID: req.PaymentID,
		BuyerAddr: req.BuyerAddr,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(Window),
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("dispute opened", "dispute_id", d.ID, "payment_id", req.PaymentID)
	return d, nil
}

// Get returns a dispute, applying lazy expiry first.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, d)
}

// GetByPaymentID returns the dispute for a payment, applying lazy expiry.
func (s *Service) GetByPaymentID(ctx context.Context, paymentID string) (*Dispute, error) {
	d, err := s.store.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, d)
}

// MarkUnderReview acknowledges a dispute (open → under_review).
func (s *Service) MarkUnderReview(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.Transition(ctx, d.ID, StatusOpen, StatusUnderReview)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status %s", ErrNotOpen, d.Status)
	}
	return s.store.Get(ctx, id)
}

// ResolveRequest carries an admin resolution with its settlement approval.
type ResolveRequest struct {
	Resolution     Resolution `json:"resolution" binding:"required"`
	AdminAddress   string     `json:"adminAddress" binding:"required"`
	AdminSignature string     `json:"adminSignature" binding:"required"`

	// Multisig escrows additionally need the spend signature and the key
	// that produced it.
	TxSignature string `json:"adminTxSignatureHex,omitempty"`
	PublicKey   string `json:"adminPublicKeyHex,omitempty"`
}

// Resolve settles a dispute. The admin signature is a settlement approval
// over the payment and is verified by the engine; funds move only through
// SettleFromDispute, under the same quorum rules as any settlement.
//
// Split is recognized but not implemented: it returns ErrSplitNotImplemented
// with both dispute and payment unchanged.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusUnderReview {
		return nil, fmt.Errorf("%w: status %s", ErrNotOpen, d.Status)
	}

	var action settlement.Action
	var final Status
	switch req.Resolution {
	case ResolutionRefund:
		action, final = settlement.ActionRefund, StatusResolvedRefund
	case ResolutionRelease:
		action, final = settlement.ActionRelease, StatusResolvedRelease
	case ResolutionSplit:
		return nil, ErrSplitNotImplemented
	default:
		return nil, fmt.Errorf("disputes: unknown resolution %q", req.Resolution)
	}

	if _, err := s.engine.RecordApproval(ctx, d.PaymentID, settlement.ApprovalRequest{
		Action:       action,
		ActorType:    settlement.ActorAdmin,
		ActorAddress: req.AdminAddress,
		Signature:    req.AdminSignature,
		TxSignature:  req.TxSignature,
		PublicKey:    req.PublicKey,
	}); err != nil {
		return nil, err
	}

	p, err := s.engine.SettleFromDispute(ctx, d.PaymentID, action)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// The payment left the disputed state underneath us; surface the
		// dispute as-is rather than inventing a resolution.
		return s.store.Get(ctx, id)
	}

	if _, err := s.store.Transition(ctx, d.ID, d.Status, final); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(final)).Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "payment_id", d.PaymentID, "resolution", req.Resolution)
	return s.store.Get(ctx, id)
}

// expireIfDue applies lazy expiry: a non-terminal dispute past its window is
// moved to expired on read. The conditional transition keeps concurrent
// readers from double-counting.
func (s *Service) expireIfDue(ctx context.Context, d *Dispute) (*Dispute, error) {
	if d.Status.IsTerminal() || time.Now().Before(d.ExpiresAt) {
		return d, nil
	}
	ok, err := s.store.Transition(ctx, d.ID, d.Status, StatusExpired)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.DisputesTotal.WithLabelValues(string(StatusExpired)).Inc()
		logging.L(ctx).Info("dispute expired", "dispute_id", d.ID, "payment_id", d.PaymentID)
	}
	return s.store.Get(ctx, d.ID)
}
