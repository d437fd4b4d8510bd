package txbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Signature-hash scope constants. All signatures this system produces commit
// to the whole transaction with the FORKID replay-protection bit set.
const (
	SigHashAll       = uint32(0x01)
	SigHashForkID    = uint32(0x40)
	SigHashAllForkID = SigHashAll | SigHashForkID
)

// SighashPreimage assembles the FORKID (BIP143-layout) signature preimage for
// input idx spending an output locked by subScript worth amount satoshis.
//
// This is the exact byte string an external signer must hash (double-SHA256)
// to reproduce the digest; it is returned to callers rather than kept private
// so custodial signers can audit what they sign.
func SighashPreimage(tx *wire.MsgTx, idx int, subScript []byte, amount int64, hashType uint32) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("txbuilder: input index %d out of range", idx)
	}

	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, uint32(tx.Version))
	buf.Write(hashPrevouts(tx))
	buf.Write(hashSequence(tx))

	// Outpoint being signed.
	buf.Write(tx.TxIn[idx].PreviousOutPoint.Hash[:])
	_ = binary.Write(&buf, binary.LittleEndian, tx.TxIn[idx].PreviousOutPoint.Index)

	// Locking script of the output being spent.
	_ = wire.WriteVarBytes(&buf, 0, subScript)

	_ = binary.Write(&buf, binary.LittleEndian, uint64(amount))
	_ = binary.Write(&buf, binary.LittleEndian, tx.TxIn[idx].Sequence)

	buf.Write(hashOutputs(tx))
	_ = binary.Write(&buf, binary.LittleEndian, tx.LockTime)
	_ = binary.Write(&buf, binary.LittleEndian, hashType)

	return buf.Bytes(), nil
}

// SighashDigest is the double-SHA256 of the FORKID preimage. Signatures are
// produced over (and verified against) this digest.
func SighashDigest(tx *wire.MsgTx, idx int, subScript []byte, amount int64, hashType uint32) ([]byte, error) {
	preimage, err := SighashPreimage(tx, idx, subScript, amount, hashType)
	if err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(preimage), nil
}

func hashPrevouts(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		_ = binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index)
	}
	return chainhash.DoubleHashB(buf.Bytes())
}

func hashSequence(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, in := range tx.TxIn {
		_ = binary.Write(&buf, binary.LittleEndian, in.Sequence)
	}
	return chainhash.DoubleHashB(buf.Bytes())
}

func hashOutputs(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	for _, out := range tx.TxOut {
		_ = binary.Write(&buf, binary.LittleEndian, uint64(out.Value))
		_ = wire.WriteVarBytes(&buf, 0, out.PkScript)
	}
	return chainhash.DoubleHashB(buf.Bytes())
}

// ChecksigSignature signs digest and returns the canonical checksig-format
// bytes: DER signature with the sighash type appended.
func ChecksigSignature(priv *btcec.PrivateKey, digest []byte, hashType uint32) []byte {
	sig := ecdsa.Sign(priv, digest)
	return append(sig.Serialize(), byte(hashType))
}

// signP2PKHInput attaches a standard <sig> <pubkey> unlocking script to input
// idx, signing with the ALL|FORKID scope.
func signP2PKHInput(tx *wire.MsgTx, idx int, subScript []byte, amount int64, priv *btcec.PrivateKey) error {
	digest, err := SighashDigest(tx, idx, subScript, amount, SigHashAllForkID)
	if err != nil {
		return err
	}
	sigScript, err := txscript.NewScriptBuilder().
		AddData(ChecksigSignature(priv, digest, SigHashAllForkID)).
		AddData(priv.PubKey().SerializeCompressed()).
		Script()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}
