package maintenance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/dex/encode"
	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

// utxoRefPattern extracts a "txid:vout" reference from an error message, the
// shape ledger/chain APIs use when complaining about a specific stale input
// (spec §4.2 step 11, "same txid:vout in error text").
var utxoRefPattern = regexp.MustCompile(`[0-9a-fA-F]{64}:[0-9]+`)

// formatInputsSet renders utxos as the ledger's "txid:vout,txid:vout"
// inputs_set parameter, pinning compose to a known-good UTXO view (spec
// §4.2 step 6).
func formatInputsSet(utxos []chain.UTXO) string {
	parts := make([]string, len(utxos))
	for i, u := range utxos {
		parts[i] = u.TxID + ":" + strconv.FormatUint(uint64(u.Vout), 10)
	}
	return strings.Join(parts, ",")
}

func (c *Controller) activeOrderKey(asset string) string {
	return activeOrderPrefix + asset
}

// listActiveOrderKeys scans the durable marker namespace. statestore has no
// native key-scan primitive, so the controller tracks the set of asset
// names it has ever marked active in an index, the same index technique
// internal/orderhistory uses over the same store; unlike that index, this one
// is never trimmed.
func (c *Controller) listActiveOrderKeys(ctx context.Context) ([]string, error) {
	var index []string
	if err := c.kv.GetFresh(ctx, activeOrderIndexKey, &index); err != nil {
		if err == statestore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var live []string
	for _, asset := range index {
		var marker ActiveOrder
		if err := c.kv.GetFresh(ctx, c.activeOrderKey(asset), &marker); err == nil {
			live = append(live, c.activeOrderKey(asset))
		}
	}
	return live, nil
}

const activeOrderIndexKey = "xcpfolio:maintenance:active:index"

func (c *Controller) markActive(ctx context.Context, asset, txid string) error {
	createdAt := encode.DropMilliseconds(time.Now())
	if err := c.kv.Set(ctx, c.activeOrderKey(asset), ActiveOrder{Asset: asset, TxID: txid, CreatedAt: createdAt}, activeOrderTTL); err != nil {
		return err
	}
	var index []string
	if err := c.kv.GetFresh(ctx, activeOrderIndexKey, &index); err != nil && err != statestore.ErrNotFound {
		return err
	}
	for _, a := range index {
		if a == asset {
			return nil
		}
	}
	index = append(index, asset)
	return c.kv.Set(ctx, activeOrderIndexKey, index, 0)
}

func (c *Controller) isMarkedActive(ctx context.Context, asset string) bool {
	var marker ActiveOrder
	err := c.kv.GetFresh(ctx, c.activeOrderKey(asset), &marker)
	return err == nil
}

// isInsufficientFundsError classifies a compose/broadcast failure as the
// balance-exhaustion family that aborts the whole run (spec §4.2 step 11).
func isInsufficientFundsError(err error) bool {
	lower := strings.ToLower(err.Error())
	markers := []string{"insufficient", "not enough", "no utxos", "balance"}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// staleUTXOKey extracts a "txid:vout" reference from an error message, used
// to detect the same stale UTXO failing repeatedly (spec §4.2 step 11).
func staleUTXOKey(err error) string {
	return utxoRefPattern.FindString(err.Error())
}

// processAsset runs one asset through the compose → sign → broadcast →
// verify pipeline (spec §4.2 step 11). It returns the result and, if the
// error classifies as run-aborting, a non-nil abort error.
func (c *Controller) processAsset(ctx context.Context, cand candidate, feeRate float64, inputsSet string, staleUTXOSeen map[string]int) (Result, error) {
	result := Result{Asset: cand.asset}

	if c.isMarkedActive(ctx, cand.asset) {
		result.Success = false
		result.Stage = StageSkipped
		result.Error = "asset already has an active order marker"
		return result, nil
	}

	// Fresh mempool re-check: the candidate list was snapshotted once before
	// this loop started, so another candidate's own compose/broadcast earlier
	// in this same run (or a racing process) can have re-listed this asset in
	// the time since (spec §4.2 step 9, "any hit → skip").
	if c.verifyListed(ctx, cand.asset) {
		result.Success = false
		result.Stage = StageSkipped
		result.Error = "asset already has an open order in the mempool"
		return result, nil
	}

	// Race-window sealing: mark active before composing.
	if err := c.markActive(ctx, cand.asset, "pending"); err != nil {
		result.Success = false
		result.Stage = StageFailed
		result.Error = fmt.Sprintf("error marking asset active: %v", err)
		return result, nil
	}
	result.Stage = StageReserved

	giveAsset := "XCPFOLIO." + cand.asset
	getQty := int64(cand.price * 1e8)
	rate := uint64(feeRate)
	if rate == 0 && feeRate > 0 {
		rate = 1
	}

	composed, err := c.ledger.ComposeOrder(ctx, c.cfg.Address, giveAsset, giveQuantity, counterAsset, getQty, c.cfg.OrderExpirationBlock, rate, inputsSet)
	if err != nil {
		return c.handleAssetFailure(ctx, cand.asset, result, StageComposed, err, staleUTXOSeen)
	}
	result.Stage = StageComposed

	signed, err := c.signRaw(ctx, composed.RawTransaction, inputsSet)
	if err != nil {
		return c.handleAssetFailure(ctx, cand.asset, result, StageSigned, err, staleUTXOSeen)
	}
	result.Stage = StageSigned

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		var alreadyInMempool *chain.AlreadyInMempoolError
		if ok := asAlreadyInMempool(err, &alreadyInMempool); ok {
			txid = alreadyInMempool.TxID
		} else {
			return c.handleAssetFailure(ctx, cand.asset, result, StageBroadcast, err, staleUTXOSeen)
		}
	}
	if txid == "" {
		txid = signed.TxID
	}

	if err := c.markActive(ctx, cand.asset, txid); err != nil {
		c.log.Errorf("error updating active-order marker for %s: %v", cand.asset, err)
	}
	clear(staleUTXOSeen)

	time.Sleep(verifyDelay)
	if c.verifyListed(ctx, cand.asset) {
		result.Success = true
		result.Stage = StageVerified
		result.TxID = txid
		c.notify.Success(ctx, source, "order re-listed", fmt.Sprintf("asset %s txid %s", cand.asset, txid))
		return result, nil
	}

	result.Success = true
	result.Stage = StageUnverifiedBroadcast
	result.TxID = txid
	c.notify.Warning(ctx, source, "order broadcast but not yet visible", fmt.Sprintf("asset %s txid %s", cand.asset, txid))
	return result, nil
}

func (c *Controller) verifyListed(ctx context.Context, asset string) bool {
	entries, err := c.ledger.GetMempoolOrderAssets(ctx, c.cfg.Address)
	if err != nil {
		return false
	}
	giveAsset := "XCPFOLIO." + asset
	for _, e := range entries {
		if ga, ok := e.Params["give_asset"].(string); ok && ga == giveAsset {
			return true
		}
	}
	return false
}

// handleAssetFailure classifies a pipeline failure, possibly escalating it
// to a run-aborting error (spec §4.2 step 11). On any error short of that
// escalation, the durable active-order marker is left in place.
func (c *Controller) handleAssetFailure(ctx context.Context, asset string, result Result, stage string, err error, staleUTXOSeen map[string]int) (Result, error) {
	result.Success = false
	result.Stage = stage
	result.Error = err.Error()

	if isInsufficientFundsError(err) {
		return result, dex.NewError(dex.ErrInsufficientFunds, fmt.Sprintf("asset %s: %v", asset, err))
	}

	if key := staleUTXOKey(err); key != "" {
		staleUTXOSeen[key]++
		if staleUTXOSeen[key] >= staleUTXOFailureThreshold {
			return result, dex.NewError(dex.ErrTransient, fmt.Sprintf("recurrent stale UTXO %s: %v", key, err))
		}
	}

	// Brief wait then a fresh mempool check: a broadcast whose response was
	// lost still counts as success (spec §4.2 step 11).
	time.Sleep(1 * time.Second)
	if c.verifyListed(ctx, asset) {
		result.Success = true
		result.Stage = StageUnverifiedBroadcast
		result.Error = ""
	}

	return result, nil
}

// outpoint is a decoded UTXO reference.
type outpoint struct {
	txid string
	vout uint32
}

// decodeInputsSet parses the "txid:vout,txid:vout" string the controller
// itself built at step 6, recovering the exact UTXOs compose was pinned to
// so the signer can resolve each input's value without reparsing the
// composed raw transaction.
func decodeInputsSet(inputsSet string) ([]outpoint, error) {
	if inputsSet == "" {
		return nil, nil
	}
	parts := strings.Split(inputsSet, ",")
	out := make([]outpoint, len(parts))
	for i, p := range parts {
		txid, voutStr, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("malformed inputs_set entry %q", p)
		}
		vout, err := strconv.ParseUint(voutStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vout in inputs_set entry %q: %w", p, err)
		}
		out[i] = outpoint{txid: txid, vout: uint32(vout)}
	}
	return out, nil
}

func utxoValue(utxos []chain.UTXO, txid string, vout uint32) (int64, bool) {
	for _, u := range utxos {
		if u.TxID == txid && u.Vout == vout {
			return u.Value, true
		}
	}
	return 0, false
}

func asAlreadyInMempool(err error, target **chain.AlreadyInMempoolError) bool {
	return errors.As(err, target)
}

func (c *Controller) signRaw(ctx context.Context, rawTxHex, inputsSet string) (*signer.Signed, error) {
	outpoints, err := decodeInputsSet(inputsSet)
	if err != nil {
		return nil, fmt.Errorf("error parsing inputs set: %w", err)
	}
	utxos, err := c.chain.FetchUTXOs(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("error fetching UTXOs: %w", err)
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
