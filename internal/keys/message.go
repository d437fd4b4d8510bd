package keys

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// messageMagic is the standard signed-message domain prefix. Signing text
// through this framing means a message signature can never double as a
// transaction signature.
const messageMagic = "Bitcoin Signed Message:\n"

var ErrMessageSignature = errors.New("keys: message signature verification failed")

// MessageDigest computes the double-SHA256 digest of a signed-message framing
// of text.
func MessageDigest(text string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, text)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a base64 compact recoverable signature over text.
// The signer's address can be recovered from the signature alone.
func SignMessage(priv *btcec.PrivateKey, text string) (string, error) {
	sig := ecdsa.SignCompact(priv, MessageDigest(text), true)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// RecoverMessageAddress recovers the signing address from a base64 compact
// signature over text.
func RecoverMessageAddress(text, signatureB64 string) (string, error) {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return "", ErrMessageSignature
	}
	pub, _, err := ecdsa.RecoverCompact(sig, MessageDigest(text))
	if err != nil {
		return "", ErrMessageSignature
	}
	return DeriveAddress(pub)
}

// VerifyMessageAddress checks that signatureB64 over text recovers to addr.
func VerifyMessageAddress(text, signatureB64, addr string) error {
	recovered, err := RecoverMessageAddress(text, signatureB64)
	if err != nil {
		return err
	}
	if recovered != addr {
		return ErrMessageSignature
	}
	return nil
}
