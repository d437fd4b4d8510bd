// Package settlement implements the payment state machine for escrowed
// service executions.
//
// Flow:
//  1. Execution request → Payment created (pending) with platform fee
//  2. Escrow funds verified on-chain → escrowed
//  3. Quorum of settlement approvals collected → released or refunded
//  4. Buyer disputes while escrowed → disputed; resolution routes back
//     through the same quorum rules
//
// Every fund-safety transition is a conditional store update: it applies only
// when the row still holds the expected prior status, so two concurrent
// release/refund attempts cannot both win. Release and Refund are no-ops
// (nil, nil) outside the escrowed state, which makes them safe to retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/logging"
	"github.com/agentspay/agentspay/internal/metrics"
	"github.com/agentspay/agentspay/internal/syncutil"
)

var (
	ErrPaymentNotFound = errors.New("settlement: payment not found")
	ErrInvalidAmount   = errors.New("settlement: invalid amount")
	ErrInvalidMode     = errors.New("settlement: invalid escrow mode")
	ErrQuorumNotMet    = errors.New("settlement: settlement quorum not satisfied")
	ErrNotEscrowed     = errors.New("settlement: payment is not escrowed")
)

// Status represents the state of a payment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusEscrowed Status = "escrowed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Mode selects who holds escrow custody.
type Mode string

const (
	ModePlatform Mode = "platform" // platform wallet custody, admin-approved settlement
	ModeMultisig Mode = "multisig" // m-of-n escrow script, needs a transaction signature
)

// Action is a settlement direction.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// ActorType identifies who produced an approval.
type ActorType string

const (
	ActorBuyer  ActorType = "buyer"
	ActorSeller ActorType = "seller"
	ActorAdmin  ActorType = "admin"
)

// PlatformFeeRate is the platform cut of every execution (2%).
const PlatformFeeRate = 0.02

// PlatformFee computes ceil(amount * PlatformFeeRate) in minor units.
func PlatformFee(amount int64) int64 {
	return (amount*2 + 99) / 100
}

// Payment is one escrowed service payment.
type Payment struct {
	ID             string     `json:"id"`
	ServiceID      string     `json:"serviceId"`
	BuyerWalletID  string     `json:"buyerWalletId"`
	SellerWalletID string     `json:"sellerWalletId"`
	BuyerAddr      string     `json:"buyerAddr"`
	SellerAddr     string     `json:"sellerAddr"`
	Amount         int64      `json:"amount"` // minor units (satoshis / cents)
	PlatformFee    int64      `json:"platformFee"`
	Currency       string     `json:"currency"` // "BSV" or "MNEE"
	Mode           Mode       `json:"escrowMode"`
	Status         Status     `json:"status"`
	ContractID     string     `json:"contractId,omitempty"`
	ConsumedJobID  string     `json:"consumedJobId,omitempty"`
	MultisigScript string     `json:"multisigScript,omitempty"` // hex, multisig mode only
	EscrowTxID     string     `json:"escrowTxId,omitempty"`
	ReleaseTxID    string     `json:"releaseTxId,omitempty"`
	RefundTxID     string     `json:"refundTxId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusReleased || p.Status == StatusRefunded
}

// Approval is one collected settlement signature.
type Approval struct {
	ID           string    `json:"id"`
	PaymentID    string    `json:"paymentId"`
	Action       Action    `json:"action"`
	ActorType    ActorType `json:"actorType"`
	ActorAddress string    `json:"actorAddress"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists payments and approvals.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByContractID(ctx context.Context, contractID string) (*Payment, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Payment, error)

	// Transition moves id from exactly `from` to `to`, recording txID in the
	// column matching `to` when non-empty. Returns false (no error) when the
	// row is not currently in `from` — the caller decides whether that is a
	// retry no-op or a bug.
	Transition(ctx context.Context, id string, from, to Status, txID string) (bool, error)

	// BindConsumption sets the consumption marker only if absent, and returns
	// the marker that won — concurrent duplicate bindings converge.
	BindConsumption(ctx context.Context, id, jobID string) (string, error)

	SetContractID(ctx context.Context, id, contractID string) error
	SetMultisigScript(ctx context.Context, id, scriptHex string) error

	AddApproval(ctx context.Context, a *Approval) error
	ListApprovals(ctx context.Context, paymentID string, action Action) ([]*Approval, error)
}

// Broadcaster submits raw transactions to the chain. Failures are external
// service errors; the engine surfaces them without retrying.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// CreateRequest contains the parameters for opening a payment.
type CreateRequest struct {
	ServiceID      string `json:"serviceId" binding:"required"`
	BuyerWalletID  string `json:"buyerWalletId" binding:"required"`
	SellerWalletID string `json:"sellerWalletId" binding:"required"`
	BuyerAddr      string `json:"buyerAddr" binding:"required"`
	SellerAddr     string `json:"sellerAddr" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	Currency       string `json:"currency"`
	Mode           Mode   `json:"escrowMode"`
}

// Service implements the settlement state machine.
type Service struct {
	store          Store
	chain          Broadcaster
	adminAllowlist map[string]bool
	platformKey    *btcec.PrivateKey
	feeRate        float64

	// txSigs holds escrow spend signatures keyed by "<paymentID>:<action>".
	// Transient: lost on restart, resubmitted with a fresh approval.
	txSigs sync.Map

	// locks serializes settlement per payment. The store's conditional
	// transition is the correctness guard; this lock just keeps two
	// concurrent multisig settlements from both broadcasting a spend.
	locks syncutil.ShardedMutex
}

// NewService creates a settlement service. adminAddresses is the allow-list
// for admin settlement approvals.
func NewService(store Store, adminAddresses []string) *Service {
	allow := make(map[string]bool, len(adminAddresses))
	for _, a := range adminAddresses {
		allow[strings.TrimSpace(a)] = true
	}
	return &Service{store: store, adminAllowlist: allow}
}

// WithBroadcaster adds the chain boundary used to broadcast multisig spends.
func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.chain = b
	return s
}

// WithPlatformKey adds the platform's escrow signing key (multisig mode).
func (s *Service) WithPlatformKey(priv *btcec.PrivateKey, feeRate float64) *Service {
	s.platformKey = priv
	s.feeRate = feeRate
	return s
}

// CreateForExecution opens a pending payment for a service execution.
func (s *Service) CreateForExecution(ctx context.Context, req CreateRequest) (*Payment, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	mode := req.Mode
	if mode == "" {
		mode = ModePlatform
	}
	if mode != ModePlatform && mode != ModeMultisig {
		return nil, ErrInvalidMode
	}
	currency := req.Currency
	if currency == "" {
		currency = "BSV"
	}

	now := time.Now()
	p := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		ServiceID:      req.ServiceID,
		BuyerWalletID:  req.BuyerWalletID,
		SellerWalletID: req.SellerWalletID,
		BuyerAddr:      req.BuyerAddr,
		SellerAddr:     req.SellerAddr,
		Amount:         req.Amount,
		PlatformFee:    PlatformFee(req.Amount),
		Currency:       currency,
		Mode:           mode,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// LinkContract attaches a signed service contract to the payment.
func (s *Service) LinkContract(ctx context.Context, paymentID, contractID string) error {
	return s.store.SetContractID(ctx, paymentID, contractID)
}

// PaymentStatusByContract reports the status of the payment linked to a
// contract, so the contract surface can mirror it without owning payment
// state. Returns ("", nil) when no payment references the contract.
func (s *Service) PaymentStatusByContract(ctx context.Context, contractID string) (string, error) {
	p, err := s.store.GetByContractID(ctx, contractID)
	if errors.Is(err, ErrPaymentNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(p.Status), nil
}

// MarkEscrowed moves pending → escrowed once funds are verified on-chain.
// scriptHex is the escrow locking script (multisig mode; empty for platform).
func (s *Service) MarkEscrowed(ctx context.Context, id, escrowTxID, scriptHex string) (*Payment, error) {
	if scriptHex != "" {
		if err := s.store.SetMultisigScript(ctx, id, scriptHex); err != nil {
			return nil, err
		}
	}
	ok, err := s.store.Transition(ctx, id, StatusPending, StatusEscrowed, escrowTxID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.store.Get(ctx, id)
}

// Release settles escrowed funds to the seller. Legal only from exactly
// escrowed; any other state returns (nil, nil) so retries are harmless.
func (s *Service) Release(ctx context.Context, id string) (*Payment, error) {
	return s.settle(ctx, id, StatusEscrowed, ActionRelease)
}

// Refund settles escrowed funds back to the buyer. Same no-op contract as
// Release.
func (s *Service) Refund(ctx context.Context, id string) (*Payment, error) {
	return s.settle(ctx, id, StatusEscrowed, ActionRefund)
}

// MarkDisputed moves escrowed → disputed when the buyer opens a dispute.
func (s *Service) MarkDisputed(ctx context.Context, id string) (*Payment, error) {
	ok, err := s.store.Transition(ctx, id, StatusEscrowed, StatusDisputed, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotEscrowed
	}
	return s.store.Get(ctx, id)
}

// SettleFromDispute settles a disputed payment. Only the dispute resolver
// calls this; the quorum rules are identical to the escrowed path.
func (s *Service) SettleFromDispute(ctx context.Context, id string, action Action) (*Payment, error) {
	return s.settle(ctx, id, StatusDisputed, action)
}

// settle verifies the quorum for action, broadcasts the spend in multisig
// mode, then applies the conditional transition from `from`.
func (s *Service) settle(ctx context.Context, id string, from Status, action Action) (*Payment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		// Retry-safe no-op: the transition already happened or never can.
		return nil, nil
	}

	quorum, err := s.Quorum(ctx, id, action)
	if err != nil {
		return nil, err
	}
	if !quorum.Satisfied {
		return nil, fmt.Errorf("%w: %s needs %s", ErrQuorumNotMet, action, quorum.Missing())
	}

	var settleTxID string
	if p.Mode == ModeMultisig {
		settleTxID, err = s.broadcastSpend(ctx, p, action, quorum.TxSignature)
		if err != nil {
			return nil, err
		}
	}

	to := StatusReleased
	if action == ActionRefund {
		to = StatusRefunded
	}
	ok, err := s.store.Transition(ctx, id, from, to, settleTxID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to a concurrent settlement.
		return nil, nil
	}

	metrics.SettlementsTotal.WithLabelValues(string(action), string(p.Mode)).Inc()
	logging.L(ctx).Info("payment settled",
		"payment_id", id, "action", action, "mode", p.Mode, "tx_id", settleTxID)
	return s.store.Get(ctx, id)
}

// BindConsumption binds the payment to at most one downstream job. The store
// applies a set-if-absent update, so concurrent duplicates converge on the
// first binding rather than double-crediting.
func (s *Service) BindConsumption(ctx context.Context, paymentID, jobID string) (string, error) {
	return s.store.BindConsumption(ctx, paymentID, jobID)
}

// ListByWallet returns payments involving a wallet.
func (s *Service) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByWallet(ctx, walletID, limit)
}
