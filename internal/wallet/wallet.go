// Package wallet owns agent wallet records: identity, public key, address,
// and the encrypted private key.
//
// The private key is decrypted only transiently inside SigningKey for a
// signing operation and is never logged or re-serialized in plaintext after
// creation.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/keys"
)

var (
	ErrWalletNotFound = errors.New("wallet: not found")
	ErrBadCredential  = errors.New("wallet: invalid API credential")
)

// Wallet is one agent wallet record.
type Wallet struct {
	ID            string    `json:"id"`
	PublicKey     string    `json:"publicKey"`
	Address       string    `json:"address"`
	EncPrivateKey string    `json:"-"` // iv:tag:ciphertext, see keys.EncryptAtRest
	APIKeyHash    string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists wallet records.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	GetByAddress(ctx context.Context, address string) (*Wallet, error)
}

// Service creates wallets and produces transient signing keys.
type Service struct {
	store        Store
	masterSecret string
}

// NewService creates a wallet service.
func NewService(store Store, masterSecret string) *Service {
	return &Service{store: store, masterSecret: masterSecret}
}

// Register generates a key pair, encrypts the private key at rest, and stores
// the wallet. The raw API key is returned exactly once; only its hash is kept.
func (s *Service) Register(ctx context.Context) (*Wallet, string, error) {
	priv, err := keys.GeneratePrivateKey()
	if err != nil {
		return nil, "", err
	}
	address, err := keys.DeriveAddressFromPrivate(priv)
	if err != nil {
		return nil, "", err
	}

	encKey, err := keys.EncryptAtRest(hex.EncodeToString(priv.Serialize()), s.masterSecret)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: encrypt private key: %w", err)
	}

	rawAPIKey := "sk_" + idgen.Hex(32)

	w := &Wallet{
		ID:            idgen.WithPrefix("wal_"),
		PublicKey:     keys.PublicKeyHex(priv.PubKey()),
		Address:       address,
		EncPrivateKey: encKey,
		APIKeyHash:    hashCredential(rawAPIKey),
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, "", err
	}
	return w, rawAPIKey, nil
}

// Get returns a wallet by ID.
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// GetByAddress returns a wallet by address.
func (s *Service) GetByAddress(ctx context.Context, address string) (*Wallet, error) {
	return s.store.GetByAddress(ctx, address)
}

// SigningKey decrypts the wallet's private key for a signing operation.
// Callers must not retain the key beyond the operation.
func (s *Service) SigningKey(ctx context.Context, walletID string) (*btcec.PrivateKey, error) {
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	plain, err := keys.DecryptAtRest(w.EncPrivateKey, s.masterSecret)
	if err != nil {
		return nil, err
	}
	return keys.ParsePrivateKeyHex(plain)
}

// VerifyCredential checks a raw API key against the stored hash.
func (s *Service) VerifyCredential(ctx context.Context, walletID, rawAPIKey string) error {
	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	if hashCredential(rawAPIKey) != w.APIKeyHash {
		return ErrBadCredential
	}
	return nil
}

func hashCredential(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
