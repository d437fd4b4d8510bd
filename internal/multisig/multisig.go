// Package multisig combines independently produced signatures into a valid
// unlocking script for a bare multisig escrow output.
//
// CHECKMULTISIG matches signatures to public keys positionally with
// early-exit semantics: a correct signature in the wrong slot fails the whole
// spend silently instead of erroring. Signature ordering is therefore a
// correctness invariant, not a formatting nicety, and this package owns it.
package multisig

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/sigcodec"
	"github.com/agentspay/agentspay/internal/txbuilder"
)

var (
	ErrNotEnoughSignatures = errors.New("multisig: need at least 2 accepted signatures")
	ErrKeyNotInScript      = errors.New("multisig: signer public key not embedded in locking script")
	ErrNoSigner            = errors.New("multisig: signer has neither private key nor external signature")
)

// SpendThreshold is the number of signatures placed into every unlocking
// script. Locking scripts declaring a higher threshold still get exactly two
// signatures here, so scripts beyond 2-of-N are not spendable by this
// coordinator. Known limitation, kept deliberately.
const SpendThreshold = 2

// Signer is one source of a signature: either a locally held private key, or
// an externally produced signature with its claimed public key.
type Signer struct {
	PrivateKey   *btcec.PrivateKey
	SignatureRaw string // any encoding sigcodec accepts
	PublicKeyHex string // required for external signatures
}

// Combine produces the unlocking script spending a bare multisig output:
// an empty placeholder element (the historical CHECKMULTISIG off-by-one),
// followed by signatures in script pubkey order.
//
// External signatures are verified against digest and their claimed key
// before acceptance; a signature that does not verify is rejected outright.
func Combine(lockingScript []byte, digest []byte, signers []Signer) ([]byte, error) {
	scriptKeys, _, err := txbuilder.ExtractMultisigPubKeys(lockingScript)
	if err != nil {
		return nil, err
	}
	keyIndex := make(map[string]int, len(scriptKeys))
	for i, pk := range scriptKeys {
		keyIndex[pk] = i
	}

	// One signature per script slot; later signers cannot displace earlier
	// ones for the same key.
	bySlot := make(map[int][]byte)

	for _, signer := range signers {
		pubHex, sigBytes, err := resolve(signer, digest)
		if err != nil {
			return nil, err
		}
		slot, ok := keyIndex[pubHex]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotInScript, pubHex)
		}
		if _, dup := bySlot[slot]; !dup {
			bySlot[slot] = sigBytes
		}
	}

	// Collect in script order and cap at the fixed spend threshold.
	var ordered [][]byte
	for i := range scriptKeys {
		if sig, ok := bySlot[i]; ok {
			ordered = append(ordered, sig)
			if len(ordered) == SpendThreshold {
				break
			}
		}
	}
	if len(ordered) < SpendThreshold {
		return nil, fmt.Errorf("%w: have %d", ErrNotEnoughSignatures, len(ordered))
	}

	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE)
	for _, sig := range ordered {
		builder.AddData(sig)
	}
	unlock, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("multisig: build unlocking script: %w", err)
	}
	return unlock, nil
}

// resolve turns a Signer into (compressed pubkey hex, checksig signature).
func resolve(signer Signer, digest []byte) (string, []byte, error) {
	if signer.PrivateKey != nil {
		sig := txbuilder.ChecksigSignature(signer.PrivateKey, digest, txbuilder.SigHashAllForkID)
		return keys.PublicKeyHex(signer.PrivateKey.PubKey()), sig, nil
	}

	if signer.SignatureRaw == "" || signer.PublicKeyHex == "" {
		return "", nil, ErrNoSigner
	}
	normalized, err := sigcodec.Normalize(signer.SignatureRaw, sigcodec.Options{
		DigestHex:    hex.EncodeToString(digest),
		PublicKeyHex: signer.PublicKeyHex,
	})
	if err != nil {
		return "", nil, err
	}
	sigBytes, err := hex.DecodeString(normalized.ChecksigHex)
	if err != nil {
		return "", nil, fmt.Errorf("multisig: decode normalized signature: %w", err)
	}
	// Canonical form of the claimed key, so map lookups match script bytes.
	pub, err := keys.ParsePublicKeyHex(signer.PublicKeyHex)
	if err != nil {
		return "", nil, err
	}
	return keys.PublicKeyHex(pub), sigBytes, nil
}
