package txbuilder

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/utxo"
)

func newKey(t *testing.T) (*btcec.PrivateKey, string, string) {
	t.Helper()
	priv, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := keys.DeriveAddressFromPrivate(priv)
	require.NoError(t, err)
	return priv, keys.PublicKeyHex(priv.PubKey()), addr
}

func fundingUTXO(t *testing.T, addr string, amount int64) utxo.UTXO {
	t.Helper()
	script, err := PayToAddressScript(addr)
	require.NoError(t, err)
	return utxo.UTXO{
		TxID:          strings.Repeat("ab", 32),
		Vout:          0,
		Amount:        amount,
		LockingScript: hex.EncodeToString(script),
	}
}

func TestMultisigLockingScriptOrderIndependent(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, _ := newKey(t)
	_, pk3, _ := newKey(t)

	s1, err := MultisigLockingScript([]string{pk1, pk2, pk3}, 2)
	require.NoError(t, err)
	s2, err := MultisigLockingScript([]string{pk3, pk1, pk2}, 2)
	require.NoError(t, err)

	assert.Equal(t, s1, s2, "same key set must yield byte-identical scripts")

	// Case and whitespace are normalized too.
	s3, err := MultisigLockingScript([]string{" " + strings.ToUpper(pk2), pk3, pk1}, 2)
	require.NoError(t, err)
	assert.Equal(t, s1, s3)
}

func TestMultisigLockingScriptShape(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, _ := newKey(t)
	_, pk3, _ := newKey(t)

	script, err := MultisigLockingScript([]string{pk1, pk2, pk3}, 2)
	require.NoError(t, err)

	assert.Equal(t, byte(txscript.OP_2), script[0])
	assert.Equal(t, byte(txscript.OP_CHECKMULTISIG), script[len(script)-1])

	embedded, required, err := ExtractMultisigPubKeys(script)
	require.NoError(t, err)
	assert.Equal(t, 2, required)
	assert.Len(t, embedded, 3)
	assert.ElementsMatch(t, []string{pk1, pk2, pk3}, embedded)
	assert.True(t, sortedStrings(embedded), "keys embedded in lexicographic order")
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}

func TestMultisigLockingScriptDeduplicates(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, _ := newKey(t)

	script, err := MultisigLockingScript([]string{pk1, pk2, pk1, strings.ToUpper(pk2)}, 2)
	require.NoError(t, err)

	embedded, _, err := ExtractMultisigPubKeys(script)
	require.NoError(t, err)
	assert.Len(t, embedded, 2)
}

func TestMultisigLockingScriptValidation(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, _ := newKey(t)

	_, err := MultisigLockingScript([]string{pk1}, 1)
	assert.ErrorIs(t, err, ErrInvalidScript, "needs at least 2 distinct keys")

	_, err = MultisigLockingScript([]string{pk1, pk1}, 2)
	assert.ErrorIs(t, err, ErrInvalidScript, "duplicates collapse below minimum")

	_, err = MultisigLockingScript([]string{pk1, pk2}, 3)
	assert.ErrorIs(t, err, ErrInvalidScript, "threshold above key count")

	_, err = MultisigLockingScript([]string{pk1, "zzzz"}, 2)
	assert.ErrorIs(t, err, ErrInvalidScript, "bad public key")
}

func TestExtractMultisigPubKeysRejectsNonMultisig(t *testing.T) {
	_, _, addr := newKey(t)
	p2pkh, err := PayToAddressScript(addr)
	require.NoError(t, err)

	_, _, err = ExtractMultisigPubKeys(p2pkh)
	assert.ErrorIs(t, err, ErrInvalidScript)

	_, _, err = ExtractMultisigPubKeys(nil)
	assert.ErrorIs(t, err, ErrInvalidScript)
}

func TestEstimateFee(t *testing.T) {
	// Floor applies for tiny transactions at low rates.
	assert.Equal(t, int64(MinFee), EstimateFee(1, 1, 0.1))

	// Above the floor the linear model applies: 10 + 148 + 2*34 = 226 bytes.
	assert.Equal(t, int64(226), EstimateFee(1, 2, 1.0))

	// Zero or negative rates fall back to the default.
	assert.Equal(t, EstimateFee(5, 2, DefaultFeeRate), EstimateFee(5, 2, 0))
}

func TestBuildFundingTxLocksEscrowAtVoutZero(t *testing.T) {
	priv, pk1, addr := newKey(t)
	_, pk2, _ := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	res, err := BuildFundingTx([]utxo.UTXO{fundingUTXO(t, addr, 100_000)}, escrowScript, 50_000, addr, priv, 1.0)
	require.NoError(t, err)

	require.Len(t, res.Tx.TxOut, 2)
	assert.Equal(t, int64(50_000), res.Tx.TxOut[0].Value)
	assert.Equal(t, escrowScript, res.Tx.TxOut[0].PkScript, "escrow output is always vout 0")
	assert.Equal(t, res.Change, res.Tx.TxOut[1].Value)
	assert.Equal(t, int64(100_000), 50_000+res.Fee+res.Change)
	assert.NotEmpty(t, res.Tx.TxIn[0].SignatureScript, "inputs are signed")
	assert.Len(t, res.TxID, 64)

	// Hex round-trips.
	parsed, err := DeserializeTx(res.TxHex)
	require.NoError(t, err)
	assert.Equal(t, res.TxID, parsed.TxHash().String())
}

func TestBuildFundingTxFoldsDustIntoFee(t *testing.T) {
	priv, pk1, addr := newKey(t)
	_, pk2, _ := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	fee := EstimateFee(1, 2, 1.0)
	// Leave exactly 100 satoshis of change, below the dust threshold.
	res, err := BuildFundingTx([]utxo.UTXO{fundingUTXO(t, addr, 50_000+fee+100)}, escrowScript, 50_000, addr, priv, 1.0)
	require.NoError(t, err)

	assert.Len(t, res.Tx.TxOut, 1, "dust change is dropped")
	assert.Equal(t, int64(0), res.Change)
	assert.Equal(t, fee+100, res.Fee)
}

func TestBuildFundingTxInsufficientFunds(t *testing.T) {
	priv, pk1, addr := newKey(t)
	_, pk2, _ := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	_, err = BuildFundingTx([]utxo.UTXO{fundingUTXO(t, addr, 10_000)}, escrowScript, 50_000, addr, priv, 1.0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = BuildFundingTx(nil, escrowScript, 50_000, addr, priv, 1.0)
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestMultisigSigningPayload(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, addr2 := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	escrow := utxo.UTXO{
		TxID:   strings.Repeat("cd", 32),
		Vout:   0,
		Amount: 100_000,
	}
	payload, err := MultisigSigningPayload(escrow, escrowScript, []Output{{Address: addr2, Amount: 90_000}}, "", 1.0)
	require.NoError(t, err)

	assert.Equal(t, SigHashAllForkID, payload.SighashType)
	assert.Len(t, payload.DigestHex, 64)

	// Digest is the double-SHA256 of the preimage, recomputable by a signer.
	tx, err := DeserializeTx(payload.TxHex)
	require.NoError(t, err)
	digest, err := SighashDigest(tx, 0, escrowScript, escrow.Amount, SigHashAllForkID)
	require.NoError(t, err)
	assert.Equal(t, payload.DigestHex, hex.EncodeToString(digest))

	preimage, err := hex.DecodeString(payload.PreimageHex)
	require.NoError(t, err)
	wantPreimage, err := SighashPreimage(tx, 0, escrowScript, escrow.Amount, SigHashAllForkID)
	require.NoError(t, err)
	assert.Equal(t, wantPreimage, preimage)
}

func TestMultisigSigningPayloadSpendsFullEscrowWithoutChange(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, addr2 := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	// No change address: the fee prices exactly one output, so the whole
	// escrow can be consumed as output + fee.
	escrow := utxo.UTXO{TxID: strings.Repeat("cd", 32), Vout: 0, Amount: 100_000}
	fee := EstimateFee(1, 1, 0.5)
	payload, err := MultisigSigningPayload(escrow, escrowScript,
		[]Output{{Address: addr2, Amount: escrow.Amount - fee}}, "", 0.5)
	require.NoError(t, err)

	tx, err := DeserializeTx(payload.TxHex)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	assert.Equal(t, escrow.Amount-fee, tx.TxOut[0].Value)
}

func TestMultisigSigningPayloadInsufficientEscrow(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, addr2 := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	escrow := utxo.UTXO{TxID: strings.Repeat("cd", 32), Vout: 0, Amount: 1_000}
	_, err = MultisigSigningPayload(escrow, escrowScript, []Output{{Address: addr2, Amount: 90_000}}, "", 1.0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestBuildAnchorTx(t *testing.T) {
	priv, _, addr := newKey(t)
	hash := []byte(strings.Repeat("h", 32))

	res, err := BuildAnchorTx(fundingUTXO(t, addr, 10_000), hash, addr, priv, 1.0)
	require.NoError(t, err)

	require.Len(t, res.Tx.TxOut, 2)
	assert.Equal(t, int64(0), res.Tx.TxOut[0].Value, "anchor output carries no value")
	assert.Equal(t, byte(txscript.OP_FALSE), res.Tx.TxOut[0].PkScript[0])
	assert.Equal(t, byte(txscript.OP_RETURN), res.Tx.TxOut[0].PkScript[1])
	assert.Contains(t, hex.EncodeToString(res.Tx.TxOut[0].PkScript), hex.EncodeToString(hash))
}

func TestSighashDigestCommitsToOutputs(t *testing.T) {
	_, pk1, _ := newKey(t)
	_, pk2, addr2 := newKey(t)
	escrowScript, err := MultisigLockingScript([]string{pk1, pk2}, 2)
	require.NoError(t, err)

	escrow := utxo.UTXO{TxID: strings.Repeat("cd", 32), Vout: 0, Amount: 100_000}
	p1, err := MultisigSigningPayload(escrow, escrowScript, []Output{{Address: addr2, Amount: 90_000}}, "", 1.0)
	require.NoError(t, err)
	p2, err := MultisigSigningPayload(escrow, escrowScript, []Output{{Address: addr2, Amount: 80_000}}, "", 1.0)
	require.NoError(t, err)

	assert.NotEqual(t, p1.DigestHex, p2.DigestHex, "changing an output changes the digest")
}
