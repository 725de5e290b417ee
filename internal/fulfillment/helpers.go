package fulfillment

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/xcpfolio/fulfillment-agent/internal/chain"
)

// outpoint is a decoded transaction input reference.
type outpoint struct {
	txid string
	vout uint32
}

// decodeOutpoints extracts the previous-output references of a raw
// transaction's inputs, in order, so the controller can resolve each
// input's value against its own UTXO view before handing the transaction
// to the signer.
func decodeOutpoints(rawTxHex string) ([]outpoint, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	outpoints := make([]outpoint, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		outpoints[i] = outpoint{txid: txIn.PreviousOutPoint.Hash.String(), vout: txIn.PreviousOutPoint.Index}
	}
	return outpoints, nil
}

// asAlreadyInMempool unwraps err looking for a *chain.AlreadyInMempoolError,
// the typed outcome the chain client promotes broadcast-failure responses
// to when the body indicates the transaction already propagated (spec §9,
// "centralize in the chain client").
func asAlreadyInMempool(err error, target **chain.AlreadyInMempoolError) bool {
	return errors.As(err, target)
}

func (c *Controller) getActiveTx(orderHash string) *ActiveTx {
	c.atxMtx.Lock()
	defer c.atxMtx.Unlock()
	atx, ok := c.atx[orderHash]
	if !ok {
		return nil
	}
	cp := *atx
	return &cp
}

func (c *Controller) setActiveTx(atx *ActiveTx) {
	c.atxMtx.Lock()
	defer c.atxMtx.Unlock()
	c.atx[atx.OrderHash] = atx
}

func (c *Controller) deleteActiveTx(orderHash string) {
	c.atxMtx.Lock()
	defer c.atxMtx.Unlock()
	delete(c.atx, orderHash)
}

func (c *Controller) allActiveTxs() []*ActiveTx {
	c.atxMtx.Lock()
	defer c.atxMtx.Unlock()
	out := make([]*ActiveTx, 0, len(c.atx))
	for _, atx := range c.atx {
		cp := *atx
		out = append(out, &cp)
	}
	return out
}
