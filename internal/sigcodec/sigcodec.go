// Package sigcodec normalizes externally produced ECDSA signatures into the
// one canonical form the settlement core stores and spends with: checksig
// format, i.e. DER bytes with the sighash scope appended, hex encoded.
//
// Counterpart signers (browser wallets, custodians, admin tooling) emit
// signatures in several encodings. Rather than negotiating formats, the codec
// tries an ordered list of parser variants and takes the first that parses.
package sigcodec

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/txbuilder"
)

var (
	ErrUnsupportedFormat = errors.New("sigcodec: unsupported signature format")
	// ErrVerification means the signature parsed but does not verify against
	// the supplied digest and public key. A hard error: an unverifiable
	// signature must never reach an unlocking script.
	ErrVerification = errors.New("sigcodec: signature verification failed")
)

// Options control normalization.
type Options struct {
	// SighashType to stamp onto signatures that arrive without one
	// (DER/compact inputs). Defaults to ALL|FORKID.
	SighashType uint32

	// DigestHex + PublicKeyHex, when both set, require the normalized
	// signature to verify; failure is an error, not a flag.
	DigestHex    string
	PublicKeyHex string
}

// Result is a normalized signature.
type Result struct {
	ChecksigHex    string `json:"checksigHex"`
	Scope          uint32 `json:"scope"`
	DetectedFormat string `json:"detectedFormat"`
	Verified       bool   `json:"verified"`
}

// parsed is the intermediate form every variant converges to.
type parsed struct {
	sig   *ecdsa.Signature
	scope uint32
}

// variant is one parse strategy. It either fully succeeds or reports false;
// there is no partial parse.
type variant struct {
	name  string
	parse func(raw string, defaultScope uint32) (parsed, bool)
}

// variants in priority order. Checksig first so already-canonical input is
// detected as such (and round-trips unchanged); DER before compact because a
// valid DER blob is never a valid 64-byte compact blob, but raw bytes could
// coincidentally hex-decode.
var variants = []variant{
	{"checksig", parseChecksig},
	{"der-hex", parseDERHex},
	{"der-base64", parseDERBase64},
	{"compact-hex", parseCompactHex},
	{"compact-base64", parseCompactBase64},
}

// Normalize converts raw (any accepted encoding) into canonical checksig hex.
func Normalize(raw string, opts Options) (*Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnsupportedFormat
	}
	scope := opts.SighashType
	if scope == 0 {
		scope = txbuilder.SigHashAllForkID
	}

	for _, v := range variants {
		p, ok := v.parse(raw, scope)
		if !ok {
			continue
		}

		result := &Result{
			ChecksigHex:    hex.EncodeToString(append(p.sig.Serialize(), byte(p.scope))),
			Scope:          p.scope,
			DetectedFormat: v.name,
		}

		if opts.DigestHex != "" && opts.PublicKeyHex != "" {
			if err := verify(p.sig, opts.DigestHex, opts.PublicKeyHex); err != nil {
				return nil, err
			}
			result.Verified = true
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: tried %d encodings", ErrUnsupportedFormat, len(variants))
}

func verify(sig *ecdsa.Signature, digestHex, publicKeyHex string) error {
	digest, err := hex.DecodeString(digestHex)
	if err != nil || len(digest) != 32 {
		return fmt.Errorf("%w: bad digest", ErrVerification)
	}
	pub, err := keys.ParsePublicKeyHex(publicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: bad public key", ErrVerification)
	}
	if !sig.Verify(digest, pub) {
		return ErrVerification
	}
	return nil
}

// parseChecksig handles raw checksig-format hex: DER bytes plus a trailing
// sighash byte. The scope comes from the signature itself, not the options.
func parseChecksig(raw string, _ uint32) (parsed, bool) {
	b, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil || len(b) < 10 {
		return parsed{}, false
	}
	der, scopeByte := b[:len(b)-1], b[len(b)-1]
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return parsed{}, false
	}
	return parsed{sig: sig, scope: uint32(scopeByte)}, true
}

func parseDERHex(raw string, scope uint32) (parsed, bool) {
	b, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil {
		return parsed{}, false
	}
	return parseDER(b, scope)
}

func parseDERBase64(raw string, scope uint32) (parsed, bool) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return parsed{}, false
	}
	return parseDER(b, scope)
}

func parseDER(b []byte, scope uint32) (parsed, bool) {
	sig, err := ecdsa.ParseDERSignature(b)
	if err != nil {
		return parsed{}, false
	}
	return parsed{sig: sig, scope: scope}, true
}

func parseCompactHex(raw string, scope uint32) (parsed, bool) {
	b, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil {
		return parsed{}, false
	}
	return parseCompact(b, scope)
}

func parseCompactBase64(raw string, scope uint32) (parsed, bool) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return parsed{}, false
	}
	return parseCompact(b, scope)
}

// parseCompact accepts 64-byte r||s blobs, or 65-byte recoverable compact
// signatures with the recovery header leading.
func parseCompact(b []byte, scope uint32) (parsed, bool) {
	switch len(b) {
	case 64:
	case 65:
		if b[0] < 27 || b[0] >= 35 {
			return parsed{}, false
		}
		b = b[1:]
	default:
		return parsed{}, false
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(b[:32]); overflow || r.IsZero() {
		return parsed{}, false
	}
	if overflow := s.SetByteSlice(b[32:]); overflow || s.IsZero() {
		return parsed{}, false
	}
	return parsed{sig: ecdsa.NewSignature(&r, &s), scope: scope}, true
}
