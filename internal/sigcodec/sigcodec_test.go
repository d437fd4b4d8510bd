package sigcodec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/txbuilder"
)

func signDigest(t *testing.T) (priv *btcec.PrivateKey, digest []byte, der []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("spend escrow output"))
	digest = sum[:]
	der = ecdsa.Sign(priv, digest).Serialize()
	return priv, digest, der
}

func TestNormalizeConvergesAcrossEncodings(t *testing.T) {
	_, _, der := signDigest(t)

	inputs := map[string]string{
		"der-hex":    hex.EncodeToString(der),
		"der-base64": base64.StdEncoding.EncodeToString(der),
		"checksig":   hex.EncodeToString(append(der, byte(txbuilder.SigHashAllForkID))),
	}

	want := ""
	for name, raw := range inputs {
		res, err := Normalize(raw, Options{})
		require.NoError(t, err, name)
		assert.Equal(t, name, res.DetectedFormat)
		assert.Equal(t, txbuilder.SigHashAllForkID, res.Scope)
		if want == "" {
			want = res.ChecksigHex
		} else {
			assert.Equal(t, want, res.ChecksigHex, "%s must converge to the same canonical form", name)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	_, _, der := signDigest(t)
	canonical := hex.EncodeToString(append(der, byte(txbuilder.SigHashAllForkID)))

	res, err := Normalize(canonical, Options{})
	require.NoError(t, err)
	assert.Equal(t, canonical, res.ChecksigHex, "canonical input round-trips unchanged")
	assert.Equal(t, "checksig", res.DetectedFormat)
}

func TestNormalizeChecksigKeepsEmbeddedScope(t *testing.T) {
	_, _, der := signDigest(t)
	// Scope byte in the blob wins over the options default.
	const scope = 0x43 // SINGLE|FORKID
	raw := hex.EncodeToString(append(der, byte(scope)))

	res, err := Normalize(raw, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint32(scope), res.Scope)
}

func TestNormalizeCompact(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("compact"))

	// 65-byte recoverable compact, header leading.
	rec := ecdsa.SignCompact(priv, sum[:], true)
	res, err := Normalize(base64.StdEncoding.EncodeToString(rec), Options{})
	require.NoError(t, err)
	assert.Equal(t, "compact-base64", res.DetectedFormat)

	// 64-byte r||s.
	res2, err := Normalize(hex.EncodeToString(rec[1:]), Options{})
	require.NoError(t, err)
	assert.Equal(t, "compact-hex", res2.DetectedFormat)
	assert.Equal(t, res.ChecksigHex, res2.ChecksigHex)
}

func TestNormalizeVerifies(t *testing.T) {
	priv, digest, der := signDigest(t)

	res, err := Normalize(hex.EncodeToString(der), Options{
		DigestHex:    hex.EncodeToString(digest),
		PublicKeyHex: keys.PublicKeyHex(priv.PubKey()),
	})
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestNormalizeVerificationFailureIsHard(t *testing.T) {
	_, digest, der := signDigest(t)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = Normalize(hex.EncodeToString(der), Options{
		DigestHex:    hex.EncodeToString(digest),
		PublicKeyHex: keys.PublicKeyHex(other.PubKey()),
	})
	assert.ErrorIs(t, err, ErrVerification)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "   ", "zzzz", "aGVsbG8=", "00112233"} {
		_, err := Normalize(bad, Options{})
		assert.ErrorIs(t, err, ErrUnsupportedFormat, "input %q", bad)
	}
}
