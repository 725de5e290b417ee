package fulfillment

import (
	"context"
	"fmt"

	"github.com/xcpfolio/fulfillment-agent/internal/chain"
)

// protectiveFeeRateCap is the absolute sat/vB ceiling RBF escalation will
// never exceed regardless of market conditions (spec §4.1, RBF escalation).
const protectiveFeeRateCap = 500

// reconcileActiveTxs walks every active transaction, dropping those that
// have confirmed and flagging those that vanished from the mempool without
// confirming (spec §4.1, "Mempool-state reconciliation").
func (c *Controller) reconcileActiveTxs(ctx context.Context) {
	for _, atx := range c.allActiveTxs() {
		inMempool, err := c.chain.IsInMempool(ctx, atx.CurrentTxID)
		if err != nil {
			c.log.Errorf("error checking mempool membership for %s: %v", atx.CurrentTxID, err)
			continue
		}
		tx, err := c.chain.GetTransaction(ctx, atx.CurrentTxID)
		confirmed := err == nil && tx.Status.Confirmed
		if confirmed {
			c.deleteActiveTx(atx.OrderHash)
			c.notify.Success(ctx, source, "transfer confirmed", fmt.Sprintf("order %s txid %s", atx.OrderHash, atx.CurrentTxID))
			continue
		}
		if !inMempool {
			if confirmedHistoricalTxID := c.firstConfirmed(ctx, atx.TxIDs); confirmedHistoricalTxID != "" {
				c.deleteActiveTx(atx.OrderHash)
				c.notify.Success(ctx, source, "transfer confirmed", fmt.Sprintf("order %s txid %s", atx.OrderHash, confirmedHistoricalTxID))
				continue
			}
			atx.DroppedFromMempool = true
			atx.NeedsRBF = true
			c.setActiveTx(atx)
		}
	}
}

func (c *Controller) firstConfirmed(ctx context.Context, txids []string) string {
	for _, txid := range txids {
		tx, err := c.chain.GetTransaction(ctx, txid)
		if err == nil && tx.Status.Confirmed {
			return txid
		}
	}
	return ""
}

// detectStuck flags active transactions that have sat unconfirmed for at
// least stuckTxThreshold blocks (spec §4.1, "Stuck detection").
func (c *Controller) detectStuck(currentBlock int64) {
	for _, atx := range c.allActiveTxs() {
		if atx.NeedsRBF {
			continue
		}
		if currentBlock-atx.BroadcastBlock >= c.cfg.StuckTxThreshold {
			atx.NeedsRBF = true
			c.setActiveTx(atx)
		}
	}
}

// newRBFFeeRate computes the escalated fee rate by blocks-since-broadcast
// tier (spec §4.1, "RBF escalation").
func newRBFFeeRate(feeRate, marketRate uint64, blocksSinceBroadcast int64) uint64 {
	switch {
	case blocksSinceBroadcast < 12:
		return max64(uint64(float64(feeRate)*1.5), marketRate)
	case blocksSinceBroadcast < 24:
		return max64(uint64(float64(feeRate)*2.0), uint64(float64(marketRate)*1.1))
	default:
		return uint64(float64(marketRate) * 1.5)
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// attemptRBFs runs the RBF escalation procedure for every flagged active
// transaction (spec §4.1, "attemptRBF"), returning one Result per attempt so
// the tick summary's rbf= count reflects real RBF activity.
func (c *Controller) attemptRBFs(ctx context.Context, currentBlock int64) []Result {
	var results []Result
	for _, atx := range c.allActiveTxs() {
		if !atx.NeedsRBF && !atx.DroppedFromMempool {
			continue
		}
		results = append(results, c.attemptRBF(ctx, atx, currentBlock))
	}
	return results
}

func (c *Controller) attemptRBF(ctx context.Context, atx *ActiveTx, currentBlock int64) Result {
	result := Result{OrderHash: atx.OrderHash, Asset: atx.Asset, Buyer: atx.Buyer, IsRBF: true}

	marketRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		c.log.Errorf("error fetching market fee rate for RBF on order %s: %v", atx.OrderHash, err)
		result.Stage = StageValidation
		result.Error = err.Error()
		return result
	}

	blocksSinceBroadcast := currentBlock - atx.BroadcastBlock
	newRate := newRBFFeeRate(atx.FeeRate, marketRate, blocksSinceBroadcast)

	// BIP-125 monotonicity.
	if newRate < atx.FeeRate+1 {
		newRate = atx.FeeRate + 1
	}

	// Absolute ceiling.
	if int64(newRate)*estimatedVsize > c.cfg.MaxTotalFeeSats {
		capped := uint64(c.cfg.MaxTotalFeeSats / estimatedVsize)
		if capped <= atx.FeeRate {
			c.log.Warnf("cannot RBF order %s: fee ceiling leaves no room above current rate %d", atx.OrderHash, atx.FeeRate)
			c.deleteActiveTx(atx.OrderHash)
			result.Stage = StageCompose
			result.Error = "fee ceiling leaves no room above current rate"
			return result
		}
		newRate = capped
	}

	// Protective cap.
	if newRate > protectiveFeeRateCap {
		newRate = protectiveFeeRateCap
	}

	composed, err := c.ledger.ComposeTransfer(ctx, c.cfg.Address, atx.Asset, atx.Buyer, newRate, "auto", false)
	if err != nil {
		c.log.Errorf("error composing RBF replacement for order %s: %v", atx.OrderHash, err)
		result.Stage = StageCompose
		result.Error = err.Error()
		return result
	}
	signed, err := c.signRaw(ctx, composed.RawTransaction)
	if err != nil {
		c.log.Errorf("error signing RBF replacement for order %s: %v", atx.OrderHash, err)
		result.Stage = StageSign
		result.Error = err.Error()
		return result
	}
	if signed.AbsoluteFee > c.cfg.MaxTotalFeeSats {
		c.log.Warnf("RBF replacement for order %s exceeds fee ceiling, aborting without broadcast", atx.OrderHash)
		result.Stage = StageSign
		result.Error = "replacement fee exceeds fee ceiling"
		return result
	}

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		if mempoolErr, ok := asMempoolError(err); ok {
			txid = mempoolErr
		} else {
			c.log.Errorf("error broadcasting RBF replacement for order %s: %v", atx.OrderHash, err)
			c.deleteActiveTx(atx.OrderHash)
			result.Stage = StageBroadcast
			result.Error = err.Error()
			return result
		}
	}

	atx.TxIDs = append(atx.TxIDs, txid)
	atx.CurrentTxID = txid
	atx.FeeRate = newRate
	atx.RBFCount++
	atx.NeedsRBF = false
	atx.DroppedFromMempool = false
	atx.BroadcastBlock = currentBlock
	c.setActiveTx(atx)
	c.notify.Success(ctx, source, "RBF replacement broadcast", fmt.Sprintf("order %s new txid %s rate %d sat/vB", atx.OrderHash, txid, newRate))

	result.Success = true
	result.Stage = StageBroadcast
	result.TxID = txid
	return result
}

func asMempoolError(err error) (string, bool) {
	var mempoolErr *chain.AlreadyInMempoolError
	if asAlreadyInMempool(err, &mempoolErr) {
		return mempoolErr.TxID, true
	}
	return "", false
}
