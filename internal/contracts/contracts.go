// Package contracts manages dual-signed service contracts.
//
// A contract binds buyer and seller to the terms of one service execution.
// Its identity is the SHA-256 of a canonical payload: a fixed-field-order
// JSON document, so the same terms always hash to the same value regardless
// of who serializes them. Both parties sign the hash; a contract with fewer
// than two valid signatures is never stored. The hash is optionally anchored
// on-chain in an OP_RETURN output, but anchoring is best-effort: a contract
// is valid without it.
package contracts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/logging"
	"github.com/agentspay/agentspay/internal/metrics"
)

var (
	ErrContractNotFound = errors.New("contracts: contract not found")
	ErrMissingSignature = errors.New("contracts: both buyer and seller signatures are required")
	ErrBadSignature     = errors.New("contracts: signature does not verify against declared address")
	ErrInvalidTerms     = errors.New("contracts: invalid contract terms")
)

// CanonicalPayload is the exact document both parties hash and sign. Field
// order is fixed by struct declaration order; do not reorder or the hash of
// every existing contract changes.
type CanonicalPayload struct {
	Version    string `json:"version"`
	ServiceID  string `json:"serviceId"`
	BuyerAddr  string `json:"buyerAddr"`
	SellerAddr string `json:"sellerAddr"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Terms      string `json:"terms"`
	Nonce      string `json:"nonce"`
}

// payloadVersion pins the canonical layout.
const payloadVersion = "1"

// Canonicalize serializes the payload deterministically.
func (p CanonicalPayload) Canonicalize() ([]byte, error) {
	if p.ServiceID == "" || p.BuyerAddr == "" || p.SellerAddr == "" || p.Amount <= 0 {
		return nil, ErrInvalidTerms
	}
	return json.Marshal(p)
}

// Hash computes the contract hash: SHA-256 over the canonical serialization,
// hex-encoded.
func (p CanonicalPayload) Hash() (string, error) {
	raw, err := p.Canonicalize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SigningText is the message each party signs to accept a contract hash.
func SigningText(contractHash string) string {
	return "Contract:" + contractHash
}

// StatusActive is the contract status before its payment settles. The other
// statuses are the linked payment's: released, refunded, disputed.
const StatusActive = "active"

// Contract is a stored dual-signed service contract. Terms are immutable once
// dual-signed; Status is derived from the linked payment at read time, never
// stored.
type Contract struct {
	ID              string    `json:"id"`
	Status          string    `json:"status,omitempty"`
	ServiceID       string    `json:"serviceId"`
	BuyerAddr       string    `json:"buyerAddr"`
	SellerAddr      string    `json:"sellerAddr"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Terms           string    `json:"terms"`
	Nonce           string    `json:"nonce"`
	Hash            string    `json:"hash"`
	BuyerSignature  string    `json:"buyerSignature"`
	SellerSignature string    `json:"sellerSignature"`
	AnchorTxID      string    `json:"anchorTxId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (c *Contract) payload() CanonicalPayload {
	return CanonicalPayload{
		Version:    payloadVersion,
		ServiceID:  c.ServiceID,
		BuyerAddr:  c.BuyerAddr,
		SellerAddr: c.SellerAddr,
		Amount:     c.Amount,
		Currency:   c.Currency,
		Terms:      c.Terms,
		Nonce:      c.Nonce,
	}
}

// Store persists contracts.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	GetByHash(ctx context.Context, hash string) (*Contract, error)
	SetAnchorTxID(ctx context.Context, id, txID string) error
}

// Anchorer records a hash on-chain and returns the carrier transaction id.
type Anchorer interface {
	Anchor(ctx context.Context, dataHash []byte) (string, error)
}

// PaymentStatusProvider reports the status of the payment a contract is
// linked to, "" when no payment references it.
type PaymentStatusProvider interface {
	PaymentStatusByContract(ctx context.Context, contractID string) (string, error)
}

// Service creates and verifies contracts.
type Service struct {
	store    Store
	anchorer Anchorer              // nil disables anchoring
	payments PaymentStatusProvider // nil disables status mirroring
}

// NewService creates a contract service. anchorer may be nil.
func NewService(store Store, anchorer Anchorer) *Service {
	return &Service{store: store, anchorer: anchorer}
}

// WithPayments enables mirroring the linked payment's status on reads.
func (s *Service) WithPayments(p PaymentStatusProvider) *Service {
	s.payments = p
	return s
}

// CreateRequest carries the terms and both acceptance signatures.
type CreateRequest struct {
	ServiceID       string `json:"serviceId" binding:"required"`
	BuyerAddr       string `json:"buyerAddr" binding:"required"`
	SellerAddr      string `json:"sellerAddr" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	Currency        string `json:"currency"`
	Terms           string `json:"terms"`
	Nonce           string `json:"nonce"`
	BuyerSignature  string `json:"buyerSignature" binding:"required"`
	SellerSignature string `json:"sellerSignature" binding:"required"`
}

// CreateAndAnchor hashes the terms, verifies both acceptance signatures, and
// stores the contract. Signature verification is all-or-nothing: one missing
// or invalid signature rejects the whole contract. The on-chain anchor is
// attempted in the background and never blocks or fails creation.
func (s *Service) CreateAndAnchor(ctx context.Context, req CreateRequest) (*Contract, error) {
	if req.BuyerSignature == "" || req.SellerSignature == "" {
		return nil, ErrMissingSignature
	}
	currency := req.Currency
	if currency == "" {
		currency = "BSV"
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = idgen.Hex(16)
	}

	c := &Contract{
		ID:              idgen.WithPrefix("ct_"),
		Status:          StatusActive,
		ServiceID:       req.ServiceID,
		BuyerAddr:       req.BuyerAddr,
		SellerAddr:      req.SellerAddr,
		Amount:          req.Amount,
		Currency:        currency,
		Terms:           req.Terms,
		Nonce:           nonce,
		BuyerSignature:  req.BuyerSignature,
		SellerSignature: req.SellerSignature,
		CreatedAt:       time.Now(),
	}

	hash, err := c.payload().Hash()
	if err != nil {
		return nil, err
	}
	c.Hash = hash

	text := SigningText(hash)
	if err := keys.VerifyMessageAddress(text, c.BuyerSignature, c.BuyerAddr); err != nil {
		return nil, fmt.Errorf("%w: buyer", ErrBadSignature)
	}
	if err := keys.VerifyMessageAddress(text, c.SellerSignature, c.SellerAddr); err != nil {
		return nil, fmt.Errorf("%w: seller", ErrBadSignature)
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	if s.anchorer != nil {
		go s.anchor(context.WithoutCancel(ctx), c.ID, hash)
	}
	return c, nil
}

// anchor broadcasts the OP_RETURN carrier. Best-effort: failure is logged
// and counted, the contract stays valid without it.
func (s *Service) anchor(ctx context.Context, contractID, hash string) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return
	}
	txID, err := s.anchorer.Anchor(ctx, hashBytes)
	if err != nil {
		metrics.ContractAnchorsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("contract anchor failed", "contract_id", contractID, "error", err)
		return
	}
	if err := s.store.SetAnchorTxID(ctx, contractID, txID); err != nil {
		logging.L(ctx).Warn("contract anchor tx id not recorded", "contract_id", contractID, "error", err)
		return
	}
	metrics.ContractAnchorsTotal.WithLabelValues("ok").Inc()
}

// Get returns a contract by ID, with its status mirrored from the linked
// payment.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mirrorStatus(ctx, c)
	return c, nil
}

// GetByHash returns a contract by its canonical hash.
func (s *Service) GetByHash(ctx context.Context, hash string) (*Contract, error) {
	c, err := s.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.mirrorStatus(ctx, c)
	return c, nil
}

// mirrorStatus derives the contract status from the linked payment. A lookup
// failure degrades to "active" rather than failing the read.
func (s *Service) mirrorStatus(ctx context.Context, c *Contract) {
	c.Status = StatusActive
	if s.payments == nil {
		return
	}
	status, err := s.payments.PaymentStatusByContract(ctx, c.ID)
	if err != nil {
		logging.L(ctx).Warn("contract status lookup failed", "contract_id", c.ID, "error", err)
		return
	}
	switch status {
	case "released", "refunded", "disputed":
		c.Status = status
	}
}

// VerificationResult reports every check individually, so a caller can tell
// a tampered payload from a bad signature from a missing anchor.
type VerificationResult struct {
	Valid    bool     `json:"valid"`
	Hash     string   `json:"hash"`
	Anchored bool     `json:"anchored"`
	Failures []string `json:"failures,omitempty"`
}

// Verify re-derives the contract hash from stored terms and re-checks both
// signatures. Each failed check contributes its own reason; Valid means the
// hash matches and both signatures verify. Anchoring is reported but does
// not affect validity.
func (s *Service) Verify(ctx context.Context, id string) (*VerificationResult, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &VerificationResult{Anchored: c.AnchorTxID != ""}

	hash, err := c.payload().Hash()
	if err != nil {
		res.Failures = append(res.Failures, "terms do not canonicalize")
	} else {
		res.Hash = hash
		if hash != c.Hash {
			res.Failures = append(res.Failures, "stored hash does not match canonical terms")
		}
	}

	text := SigningText(c.Hash)
	if err := keys.VerifyMessageAddress(text, c.BuyerSignature, c.BuyerAddr); err != nil {
		res.Failures = append(res.Failures, "buyer signature does not verify")
	}
	if err := keys.VerifyMessageAddress(text, c.SellerSignature, c.SellerAddr); err != nil {
		res.Failures = append(res.Failures, "seller signature does not verify")
	}

	res.Valid = len(res.Failures) == 0
	return res, nil
}
