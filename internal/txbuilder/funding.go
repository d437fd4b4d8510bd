package txbuilder

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/agentspay/agentspay/internal/utxo"
)

// FundingResult is a fully signed funding transaction ready for broadcast.
type FundingResult struct {
	Tx     *wire.MsgTx
	TxHex  string
	TxID   string
	Fee    int64
	Change int64
}

// BuildFundingTx spends the supplied P2PKH outputs into a single output locked
// by lockingScript (normally a multisig escrow script), returning change to
// changeAddress when it clears the dust threshold.
//
// All supplied UTXOs must be locked to priv's address; each input is signed
// with ALL|FORKID.
func BuildFundingTx(utxos []utxo.UTXO, lockingScript []byte, amount int64, changeAddress string, priv *btcec.PrivateKey, feeRate float64) (*FundingResult, error) {
	if len(utxos) == 0 {
		return nil, ErrNoInputs
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount %d", ErrInvalidScript, amount)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	var totalIn int64
	for _, u := range utxos {
		outpoint, err := outpointFrom(u.TxID, u.Vout)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		totalIn += u.Amount
	}

	tx.AddTxOut(wire.NewTxOut(amount, lockingScript))

	// Fee assumes a change output; if change ends up below dust the output is
	// dropped and the difference rides along as extra fee.
	fee := EstimateFee(len(utxos), 2, feeRate)
	if totalIn < amount+fee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount+fee, totalIn)
	}

	change := totalIn - amount - fee
	if change > DustThreshold {
		changeScript, err := PayToAddressScript(changeAddress)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	} else {
		fee += change
		change = 0
	}

	for i, u := range utxos {
		subScript, err := hex.DecodeString(u.LockingScript)
		if err != nil {
			return nil, fmt.Errorf("%w: utxo %s:%d locking script", ErrInvalidScript, u.TxID, u.Vout)
		}
		if err := signP2PKHInput(tx, i, subScript, u.Amount, priv); err != nil {
			return nil, err
		}
	}

	txHex, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &FundingResult{
		Tx:     tx,
		TxHex:  txHex,
		TxID:   tx.TxHash().String(),
		Fee:    fee,
		Change: change,
	}, nil
}

// SigningPayload is the contract handed to an external multisig signer: sign
// DigestHex (or double-SHA256 PreimageHex yourself) and return the signature.
// Stateless; recomputed on demand and never persisted.
type SigningPayload struct {
	TxHex       string `json:"txHex"`
	PreimageHex string `json:"preimageHex"`
	DigestHex   string `json:"digestHex"`
	SighashType uint32 `json:"sighashType"`
}

// MultisigSigningPayload builds the unsigned transaction spending the escrow
// output u (locked by lockingScript) to outputs, with change to changeAddress
// when above dust, and returns the ALL|FORKID signing payload for input 0.
func MultisigSigningPayload(u utxo.UTXO, lockingScript []byte, outputs []Output, changeAddress string, feeRate float64) (*SigningPayload, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", ErrInvalidScript)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	outpoint, err := outpointFrom(u.TxID, u.Vout)
	if err != nil {
		return nil, err
	}
	tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))

	var totalOut int64
	for _, out := range outputs {
		script, err := PayToAddressScript(out.Address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(out.Amount, script))
		totalOut += out.Amount
	}

	// Only price in a change output when the caller can receive one.
	outCount := len(outputs)
	if changeAddress != "" {
		outCount++
	}
	fee := EstimateFee(1, outCount, feeRate)
	if u.Amount < totalOut+fee {
		return nil, fmt.Errorf("%w: escrow %d cannot cover outputs %d + fee %d", ErrInsufficientFunds, u.Amount, totalOut, fee)
	}
	if change := u.Amount - totalOut - fee; change > DustThreshold && changeAddress != "" {
		changeScript, err := PayToAddressScript(changeAddress)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	preimage, err := SighashPreimage(tx, 0, lockingScript, u.Amount, SigHashAllForkID)
	if err != nil {
		return nil, err
	}
	digest, err := SighashDigest(tx, 0, lockingScript, u.Amount, SigHashAllForkID)
	if err != nil {
		return nil, err
	}
	txHex, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}

	return &SigningPayload{
		TxHex:       txHex,
		PreimageHex: hex.EncodeToString(preimage),
		DigestHex:   hex.EncodeToString(digest),
		SighashType: SigHashAllForkID,
	}, nil
}

// BuildAnchorTx spends a wallet output into a zero-value OP_RETURN carrier
// for dataHash, returning change to changeAddress.
func BuildAnchorTx(u utxo.UTXO, dataHash []byte, changeAddress string, priv *btcec.PrivateKey, feeRate float64) (*FundingResult, error) {
	anchorScript, err := AnchorScript(dataHash)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	outpoint, err := outpointFrom(u.TxID, u.Vout)
	if err != nil {
		return nil, err
	}
	tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(0, anchorScript))

	fee := EstimateFee(1, 2, feeRate)
	if u.Amount < fee {
		return nil, fmt.Errorf("%w: utxo %d cannot cover anchor fee %d", ErrInsufficientFunds, u.Amount, fee)
	}

	change := u.Amount - fee
	if change > DustThreshold {
		changeScript, err := PayToAddressScript(changeAddress)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	} else {
		fee += change
		change = 0
	}

	subScript, err := hex.DecodeString(u.LockingScript)
	if err != nil {
		return nil, fmt.Errorf("%w: utxo locking script", ErrInvalidScript)
	}
	if err := signP2PKHInput(tx, 0, subScript, u.Amount, priv); err != nil {
		return nil, err
	}

	txHex, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &FundingResult{
		Tx:     tx,
		TxHex:  txHex,
		TxID:   tx.TxHash().String(),
		Fee:    fee,
		Change: change,
	}, nil
}
