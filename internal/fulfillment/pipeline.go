package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
)

// retryTier is one progressive-backoff bracket keyed by failure count (spec
// §4.1 stage 3).
type retryTier struct {
	maxCount int
	minWait  time.Duration
}

var retryTiers = []retryTier{
	{maxCount: 10, minWait: 5 * time.Second},
	{maxCount: 25, minWait: 30 * time.Second},
	{maxCount: 50, minWait: 60 * time.Second},
	{maxCount: 100, minWait: 5 * time.Minute},
}

// alertThresholds are the failure counts at which a critical alert fires.
var alertThresholds = map[int]bool{10: true, 25: true, 50: true}

const failureResetAfter = time.Hour

func (c *Controller) recordFailure(orderHash, stage, errMsg string) {
	c.failMtx.Lock()
	defer c.failMtx.Unlock()
	rec, ok := c.failures[orderHash]
	now := time.Now()
	if !ok {
		rec = &failureRecord{FirstFailure: now}
		c.failures[orderHash] = rec
	}
	rec.Count++
	rec.LastError = errMsg
	rec.Stage = stage
	rec.LastAttempt = now
	if alertThresholds[rec.Count] {
		c.notify.Critical(context.Background(), source, fmt.Sprintf("order %s failing repeatedly", orderHash),
			fmt.Sprintf("%d consecutive failures at stage %s: %s", rec.Count, stage, errMsg))
	}
}

func (c *Controller) clearFailure(orderHash string) {
	c.failMtx.Lock()
	defer c.failMtx.Unlock()
	delete(c.failures, orderHash)
}

// checkRetryGate implements spec §4.1 stage 3: reset records older than an
// hour, otherwise enforce the progressive-backoff minimum wait for the
// bracket the current failure count falls in.
func (c *Controller) checkRetryGate(orderHash string) (proceed bool, backoffResult *Result) {
	c.failMtx.Lock()
	defer c.failMtx.Unlock()
	rec, ok := c.failures[orderHash]
	if !ok {
		return true, nil
	}
	if time.Since(rec.FirstFailure) > failureResetAfter {
		delete(c.failures, orderHash)
		return true, nil
	}
	tier := retryTiers[len(retryTiers)-1]
	for _, t := range retryTiers {
		if rec.Count < t.maxCount {
			tier = t
			break
		}
	}
	if time.Since(rec.LastAttempt) < tier.minWait {
		return false, &Result{OrderHash: orderHash, Success: false, Stage: StageBackoff, Error: "in backoff window"}
	}
	return true, nil
}

// processOrder runs the six-stage transfer pipeline for one order (spec
// §4.1, "processOrder").
func (c *Controller) processOrder(ctx context.Context, st *State, eo enqueuedOrder, currentBlock int64) Result {
	order := eo.order
	asset := assetShortName(order.GiveAsset)
	buyer := eo.buyer

	result := Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer}

	// Stage 1: validate.
	if order.Status != "filled" {
		return c.fail(&result, StageValidation, "order is not in filled status")
	}
	if !strings.HasPrefix(order.GiveAsset, "XCPFOLIO.") {
		return c.fail(&result, StageValidation, "give-asset is not an XCPFOLIO.* asset")
	}
	info, err := c.ledger.GetAssetInfo(ctx, asset)
	if err != nil {
		return c.fail(&result, StageValidation, fmt.Sprintf("error fetching asset info: %v", err))
	}
	if info.Locked {
		return c.fail(&result, StageValidation, "asset is locked")
	}
	if info.Owner != c.cfg.Address {
		return c.fail(&result, StageValidation, "asset is not owned by our address")
	}

	// Stage 2: duplicate guard.
	if atx := c.getActiveTx(order.TxHash); atx != nil {
		return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: true, Stage: StageBroadcast, TxID: atx.CurrentTxID}
	}
	delivered, err := c.ledger.IsAssetTransferredTo(ctx, asset, buyer, c.cfg.Address)
	if err != nil {
		return c.fail(&result, StageValidation, fmt.Sprintf("error checking asset ownership: %v", err))
	}
	if delivered {
		st.markProcessed(order.TxHash)
		c.clearFailure(order.TxHash)
		return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: true, Stage: StageConfirmed}
	}

	// Stage 3: progressive retry gate.
	if proceed, backoff := c.checkRetryGate(order.TxHash); !proceed {
		backoff.Asset, backoff.Buyer = asset, buyer
		return *backoff
	}

	// Compose cooldown, global across all orders.
	c.composeMtx.Lock()
	wait := c.cfg.ComposeCooldown - time.Since(c.lastComposeTime)
	c.composeMtx.Unlock()
	if wait > 0 {
		return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: false, Stage: StageBackoff, Error: "compose cooldown in effect"}
	}

	if c.cfg.DryRun {
		return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: true, Stage: StageDryRun, TxID: "dry-run"}
	}

	if c.stopRequested() {
		return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: false, Stage: StageBackoff, Error: "stop requested"}
	}

	// Stage 4: compose.
	feeRate, err := c.boundedFeeRate(ctx)
	if err != nil {
		return c.fail(&result, StageCompose, err.Error())
	}

	c.composeMtx.Lock()
	c.lastComposeTime = time.Now()
	c.composeMtx.Unlock()

	composed, err := c.ledger.ComposeTransfer(ctx, c.cfg.Address, asset, buyer, feeRate, "auto", true)
	if err != nil {
		return c.fail(&result, StageCompose, fmt.Sprintf("compose failed: %v", err))
	}

	// Stage 5: sign.
	signed, inputErr := c.signRaw(ctx, composed.RawTransaction)
	if inputErr != nil {
		return c.fail(&result, StageSign, inputErr.Error())
	}
	if signed.AbsoluteFee > c.cfg.MaxTotalFeeSats {
		return c.fail(&result, StageSign, fmt.Sprintf("signed fee %d exceeds maximum %d", signed.AbsoluteFee, c.cfg.MaxTotalFeeSats))
	}

	// Stage 6: broadcast.
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
	if err != nil {
		return c.fail(&result, StageBroadcast, fmt.Sprintf("error querying unconfirmed tx count: %v", err))
	}
	if unconfirmed >= c.cfg.MaxMempoolTxs {
		return c.fail(&result, StageBroadcast, "mempool at capacity")
	}

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		var mempoolErr *chain.AlreadyInMempoolError
		if asAlreadyInMempool(err, &mempoolErr) {
			txid = mempoolErr.TxID
		} else {
			return c.fail(&result, StageBroadcast, fmt.Sprintf("broadcast failed: %v", err))
		}
	}
	if txid == "" {
		txid = signed.TxID
	}

	c.setActiveTx(&ActiveTx{
		OrderHash:      order.TxHash,
		Asset:          asset,
		Buyer:          buyer,
		OriginalTxID:   txid,
		CurrentTxID:    txid,
		TxIDs:          []string{txid},
		BroadcastTime:  time.Now(),
		BroadcastBlock: currentBlock,
		FeeRate:        feeRate,
	})
	st.markProcessed(order.TxHash)
	c.clearFailure(order.TxHash)
	c.notify.Success(ctx, source, "transfer broadcast", fmt.Sprintf("order %s asset %s buyer %s txid %s", order.TxHash, asset, buyer, txid))
	if c.history != nil {
		_ = c.history.Publish(ctx, orderhistory.Entry{Kind: orderhistory.KindTransfer, OrderHash: order.TxHash, Asset: asset, Buyer: buyer, TxID: txid})
	}

	return Result{OrderHash: order.TxHash, Asset: asset, Buyer: buyer, Success: true, Stage: StageBroadcast, TxID: txid}
}

func (c *Controller) fail(result *Result, stage, errMsg string) Result {
	c.recordFailure(result.OrderHash, stage, errMsg)
	result.Success = false
	result.Stage = stage
	result.Error = errMsg
	return *result
}

// boundedFeeRate obtains the market next-block rate and applies the
// compose-stage ceilings (spec §4.1 stage 4).
func (c *Controller) boundedFeeRate(ctx context.Context) (uint64, error) {
	marketRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		return 0, fmt.Errorf("error fetching market fee rate: %w", err)
	}
	if int64(marketRate) > c.cfg.MaxFeeRateForNewTx {
		return 0, fmt.Errorf("fee rate too high: market rate %d sat/vB exceeds maximum %d", marketRate, c.cfg.MaxFeeRateForNewTx)
	}
	if int64(marketRate)*estimatedVsize > c.cfg.MaxTotalFeeSats {
		capped := c.cfg.MaxTotalFeeSats / estimatedVsize
		return uint64(capped), nil
	}
	return marketRate, nil
}

// signRaw resolves the per-input values a raw unsigned transaction's inputs
// need for correct witness signatures by matching each input's outpoint
// against our own UTXO set, then signs.
func (c *Controller) signRaw(ctx context.Context, rawTxHex string) (*signer.Signed, error) {
	utxos, err := c.chain.FetchUTXOs(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("error fetching UTXOs: %w", err)
	}
	outpoints, err := decodeOutpoints(rawTxHex)
	if err != nil {
		return nil, fmt.Errorf("error decoding composed transaction: %w", err)
	}
	values := make([]int64, len(outpoints))
	for i, op := range outpoints {
		v, ok := utxoValue(utxos, op.txid, op.vout)
		if !ok {
			return nil, fmt.Errorf("no known UTXO value for input %s:%d", op.txid, op.vout)
		}
		values[i] = v
	}
	return c.signer.Sign(rawTxHex, values)
}

func utxoValue(utxos []chain.UTXO, txid string, vout uint32) (int64, bool) {
	for _, u := range utxos {
		if u.TxID == txid && u.Vout == vout {
			return u.Value, true
		}
	}
	return 0, false
}
