// Package keys provides key generation, address derivation, and at-rest
// encryption of private key material.
//
// Private keys exist in plaintext only transiently: generated, encrypted with
// EncryptAtRest, and decrypted again just long enough to sign. Nothing in this
// package logs or re-serializes plaintext key material.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	ErrInvalidPrivateKey = errors.New("keys: invalid private key")
	ErrInvalidPublicKey  = errors.New("keys: invalid public key")
	ErrCiphertextFormat  = errors.New("keys: malformed ciphertext (want iv:tag:ciphertext)")
	ErrDecrypt           = errors.New("keys: decryption failed (wrong secret or tampered data)")
)

// Params are the chain parameters used for address encoding.
var Params = &chaincfg.MainNetParams

// GeneratePrivateKey creates a fresh secp256k1 private key.
func GeneratePrivateKey() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return priv, nil
}

// ParsePrivateKeyHex parses a 32-byte hex private key.
func ParsePrivateKeyHex(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// ParsePublicKeyHex parses a compressed (or uncompressed) hex public key.
func ParsePublicKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(strings.ToLower(s)))
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// PublicKeyHex returns the lower-case compressed hex encoding of a public key.
func PublicKeyHex(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// DeriveAddress returns the P2PKH address for a public key.
// Pure and deterministic: the same key always yields the same address.
func DeriveAddress(pub *btcec.PublicKey) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), Params)
	if err != nil {
		return "", fmt.Errorf("keys: derive address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// DeriveAddressFromPrivate is DeriveAddress over the key's public half.
func DeriveAddressFromPrivate(priv *btcec.PrivateKey) (string, error) {
	return DeriveAddress(priv.PubKey())
}

// EncryptAtRest encrypts plaintext with AES-256-GCM under a key derived from
// masterSecret. The result is "iv:tag:ciphertext" (hex fields), the storage
// format for wallet private keys.
func EncryptAtRest(plaintext, masterSecret string) (string, error) {
	block, err := aes.NewCipher(deriveKey(masterSecret))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("keys: read iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// GCM appends the tag to the ciphertext; split it back out so the stored
	// format is explicit about all three parts.
	tagStart := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

// DecryptAtRest is the exact inverse of EncryptAtRest. A wrong secret or any
// modification of the stored value fails the GCM tag check and returns
// ErrDecrypt.
func DecryptAtRest(encrypted, masterSecret string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 3 {
		return "", ErrCiphertextFormat
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", ErrCiphertextFormat
	}

	block, err := aes.NewCipher(deriveKey(masterSecret))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", ErrCiphertextFormat
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// deriveKey stretches the master secret into a 32-byte AES key.
func deriveKey(masterSecret string) []byte {
	sum := sha256.Sum256([]byte(masterSecret))
	return sum[:]
}
