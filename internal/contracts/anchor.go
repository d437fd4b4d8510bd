package contracts

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/agentspay/agentspay/internal/txbuilder"
	"github.com/agentspay/agentspay/internal/utxo"
)

var ErrNoAnchorFunds = errors.New("contracts: no spendable output for anchor transaction")

// ChainAnchorer anchors hashes by spending one platform wallet output into a
// zero-value OP_RETURN, returning change to the platform address.
type ChainAnchorer struct {
	utxos   *utxo.Service
	priv    *btcec.PrivateKey
	address string
	feeRate float64
}

// NewChainAnchorer creates an anchorer funded by the platform wallet.
func NewChainAnchorer(utxos *utxo.Service, priv *btcec.PrivateKey, address string, feeRate float64) *ChainAnchorer {
	return &ChainAnchorer{utxos: utxos, priv: priv, address: address, feeRate: feeRate}
}

// Anchor builds, signs, and broadcasts the carrier transaction, then marks
// the spent input so it is not selected twice.
func (a *ChainAnchorer) Anchor(ctx context.Context, dataHash []byte) (string, error) {
	spendable, err := a.utxos.Spendable(ctx, a.address)
	if err != nil {
		return "", err
	}
	minFee := txbuilder.EstimateFee(1, 2, a.feeRate)

	var input *utxo.UTXO
	for i := range spendable {
		if spendable[i].Amount >= minFee {
			input = &spendable[i]
			break
		}
	}
	if input == nil {
		return "", ErrNoAnchorFunds
	}

	result, err := txbuilder.BuildAnchorTx(*input, dataHash, a.address, a.priv, a.feeRate)
	if err != nil {
		return "", err
	}
	txID, err := a.utxos.Broadcast(ctx, result.TxHex)
	if err != nil {
		return "", err
	}
	_ = a.utxos.MarkSpent(ctx, input.TxID, input.Vout)
	return txID, nil
}

var _ Anchorer = (*ChainAnchorer)(nil)
