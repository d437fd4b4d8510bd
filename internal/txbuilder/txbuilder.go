// Package txbuilder constructs the transactions and scripts the settlement
// core emits: P2PKH spends, bare m-of-n multisig escrows, and zero-value
// OP_RETURN data carriers.
//
// Script surface is deliberately narrow. Nothing here implements general
// script interpretation; only the shapes this system produces and consumes.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/agentspay/agentspay/internal/keys"
)

var (
	ErrInsufficientFunds = errors.New("txbuilder: insufficient funds")
	ErrNoInputs          = errors.New("txbuilder: no inputs")
	ErrInvalidTxID       = errors.New("txbuilder: invalid transaction id")
	ErrInvalidScript     = errors.New("txbuilder: invalid script")
	ErrInvalidAddress    = errors.New("txbuilder: invalid address")
)

const (
	// DustThreshold is the minimum change output value; smaller change is
	// folded into the fee.
	DustThreshold = 546

	// DefaultFeeRate is satoshis per byte of estimated transaction size.
	DefaultFeeRate = 0.5

	// MinFee is the transaction fee floor.
	MinFee = 100

	// Linear size model constants.
	txOverheadBytes = 10
	perInputBytes   = 148 // P2PKH input with signature + pubkey
	perOutputBytes  = 34
)

// Output is a destination for a spending transaction.
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// EstimateFee applies the linear size model:
// max(MinFee, ceil((overhead + inputs*perInput + outputs*perOutput) * feeRate)).
func EstimateFee(numInputs, numOutputs int, feeRate float64) int64 {
	if feeRate <= 0 {
		feeRate = DefaultFeeRate
	}
	size := txOverheadBytes + numInputs*perInputBytes + numOutputs*perOutputBytes
	fee := int64(math.Ceil(float64(size) * feeRate))
	if fee < MinFee {
		return MinFee
	}
	return fee
}

// PayToAddressScript returns the locking script for a P2PKH address.
func PayToAddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, keys.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return script, nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("txbuilder: serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a transaction from hex.
func DeserializeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: invalid hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("txbuilder: deserialize: %w", err)
	}
	return tx, nil
}

func outpointFrom(txID string, vout uint32) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, txID)
	}
	return wire.NewOutPoint(hash, vout), nil
}
