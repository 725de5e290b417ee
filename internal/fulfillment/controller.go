package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/dex/encode"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

const stateKey = "fulfillment-state"
const stateTTL = 30 * 24 * time.Hour

// cleanupInterval is how many blocks pass between processedOrders
// truncation sweeps (spec §4.1 step 3).
const cleanupInterval = 100

// consecutiveProcessedLimit short-circuits the newest-first order scan once
// this many already-processed orders have been seen back to back (spec §4.1
// step 7; spec §9 notes this can miss an older order behind a recent
// backlog tail, and the spec accepts that as a documented limitation).
const consecutiveProcessedLimit = 10

// estimatedVsize is a conservative virtual-size estimate for a one-input,
// two-output asset-transfer transaction, used at the compose stage (before
// a raw transaction — and therefore its real size — exists) to convert a
// sat/vB rate ceiling into an absolute-fee ceiling.
const estimatedVsize = 150

// source tags this controller's outbound notifications and history entries.
const source = "fulfillment"

// Controller is the order → asset-transfer state machine (spec §4.1).
type Controller struct {
	cfg     *config.Config
	ledger  LedgerClient
	chain   ChainClient
	signer  Signer
	kv      *statestore.Store
	history HistoryPublisher
	notify  Notifier
	log     dex.Logger

	runMtx  sync.Mutex
	running bool
	doneCh  chan struct{}

	stopMtx sync.Mutex
	stopped bool

	atxMtx sync.Mutex
	atx    map[string]*ActiveTx

	failMtx  sync.Mutex
	failures map[string]*failureRecord

	composeMtx      sync.Mutex
	lastComposeTime time.Time

	stateMtx sync.Mutex
	state    *State
}

// New constructs a Controller. The persisted state envelope is loaded from
// the state store by the first Process call.
func New(cfg *config.Config, lc LedgerClient, cc ChainClient, sg Signer, kv *statestore.Store, history HistoryPublisher, notifier Notifier, log dex.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		ledger:   lc,
		chain:    cc,
		signer:   sg,
		kv:       kv,
		history:  history,
		notify:   notifier,
		log:      log,
		atx:      make(map[string]*ActiveTx),
		failures: make(map[string]*failureRecord),
	}
}

// RequestStop sets the cooperative shutdown flag; it is honored between
// orders and before composing within an order (spec §5, "Cancellation").
func (c *Controller) RequestStop() {
	c.stopMtx.Lock()
	c.stopped = true
	c.stopMtx.Unlock()
}

func (c *Controller) stopRequested() bool {
	c.stopMtx.Lock()
	defer c.stopMtx.Unlock()
	return c.stopped
}

// GetState returns a read-only, copy-on-read snapshot (spec §5,
// "Shared-resource policy").
func (c *Controller) GetState() Snapshot {
	c.runMtx.Lock()
	running := c.running
	c.runMtx.Unlock()

	c.atxMtx.Lock()
	atxCopy := make(map[string]ActiveTx, len(c.atx))
	for k, v := range c.atx {
		atxCopy[k] = *v
	}
	c.atxMtx.Unlock()

	c.failMtx.Lock()
	failCopy := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		failCopy[k] = v.Count
	}
	c.failMtx.Unlock()

	c.stateMtx.Lock()
	var lastBlock int64
	var lastRun time.Time
	if c.state != nil {
		lastBlock = c.state.LastBlock
		lastRun = c.state.LastRun
	}
	c.stateMtx.Unlock()

	return Snapshot{
		Running:       running,
		ActiveTxs:     atxCopy,
		FailureCounts: failCopy,
		LastBlock:     lastBlock,
		LastRun:       lastRun,
	}
}

// Process is the single entry point (spec §4.1, "Public contract"). A
// second concurrent caller awaits the in-flight run and receives an empty
// result list rather than starting a second run.
func (c *Controller) Process(ctx context.Context) ([]Result, error) {
	c.runMtx.Lock()
	if c.running {
		done := c.doneCh
		c.runMtx.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil, nil
	}
	c.running = true
	c.doneCh = make(chan struct{})
	c.runMtx.Unlock()

	defer func() {
		c.runMtx.Lock()
		c.running = false
		close(c.doneCh)
		c.runMtx.Unlock()
	}()

	results, err := c.runOnce(ctx)
	if err != nil {
		c.notify.Critical(ctx, source, "fulfillment run failed", err.Error())
	}
	return results, err
}

func (c *Controller) loadState(ctx context.Context) (*State, error) {
	c.stateMtx.Lock()
	defer c.stateMtx.Unlock()
	if c.state != nil {
		return c.state, nil
	}
	st := &State{}
	err := c.kv.Get(ctx, stateKey, st)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error loading fulfillment state: %v", err))
		}
		st = &State{}
	}
	c.state = st
	return st, nil
}

func (c *Controller) saveState(ctx context.Context) error {
	c.stateMtx.Lock()
	st := *c.state
	c.stateMtx.Unlock()
	return c.kv.Set(ctx, stateKey, st, stateTTL)
}

// runOnce executes the eleven-step top-level procedure (spec §4.1).
func (c *Controller) runOnce(ctx context.Context) ([]Result, error) {
	st, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}

	// Step 1: mempool capacity check.
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error querying unconfirmed tx count: %v", err))
	}
	if unconfirmed >= c.cfg.MaxMempoolTxs {
		c.notify.Warning(ctx, source, "mempool at capacity", fmt.Sprintf("%d unconfirmed txs (limit %d)", unconfirmed, c.cfg.MaxMempoolTxs))
		return nil, nil
	}

	// Step 2: pending transfers set, for visibility only — the duplicate
	// guard in processOrder consults the ledger directly, not this set.
	if _, err := c.ledger.GetMempoolTransfers(ctx, c.cfg.Address); err != nil {
		c.log.Errorf("error fetching mempool transfers: %v", err)
	}

	// Step 4: current block height.
	currentBlock, err := c.chain.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error fetching current block height: %v", err))
	}

	// Step 3: periodic processedOrders cleanup.
	if currentBlock-st.LastCleanup >= cleanupInterval {
		if len(st.ProcessedOrders) > 100 {
			st.ProcessedOrders = st.ProcessedOrders[len(st.ProcessedOrders)-100:]
		}
		st.LastCleanup = currentBlock
	}

	// Step 5: record open buy orders for UI visibility only.
	c.recordMempoolBuyOrders(ctx)

	// Step 6: fetch all filled orders for our address, newest first.
	orders, err := c.fetchFilledOrders(ctx)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error fetching filled orders: %v", err))
	}

	// Step 7/8: walk newest-first, short-circuiting on a run of already
	// processed orders, resolving buyers and already-delivered orders.
	toProcess, err := c.triage(ctx, st, orders)
	if err != nil {
		return nil, err
	}

	// Steps 9/10: process enqueued orders sequentially, honoring the
	// mempool-capacity budget and the cooperative stop flag.
	var results []Result
	for _, order := range toProcess {
		if c.stopRequested() {
			break
		}
		unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
		if err != nil {
			return results, dex.NewError(dex.ErrFatal, fmt.Sprintf("error querying unconfirmed tx count: %v", err))
		}
		if unconfirmed >= c.cfg.MaxMempoolTxs {
			break
		}
		res := c.processOrder(ctx, st, order, currentBlock)
		results = append(results, res)
	}

	// Mempool-state reconciliation, stuck detection, and RBF escalation run
	// every tick regardless of how many new orders were found.
	c.reconcileActiveTxs(ctx)
	c.detectStuck(currentBlock)
	if c.cfg.RBFEnabled {
		results = append(results, c.attemptRBFs(ctx, currentBlock)...)
	}

	// Step 11: persist lastBlock / lastOrderHash.
	now := encode.DropMilliseconds(time.Now())
	st.LastBlock = currentBlock
	st.LastChecked = now
	st.LastRun = now
	if len(orders) > 0 {
		st.LastOrderHash = orders[0].TxHash
	}
	if err := c.saveState(ctx); err != nil {
		c.log.Errorf("error persisting fulfillment state: %v", err)
	}

	return results, nil
}

func (c *Controller) recordMempoolBuyOrders(ctx context.Context) {
	events, err := c.ledger.GetMempoolBuyOrders(ctx)
	if err != nil {
		c.log.Errorf("error fetching mempool buy orders: %v", err)
		return
	}
	for _, evt := range events {
		if c.history == nil {
			continue
		}
		if err := c.history.Publish(ctx, orderhistory.Entry{
			Kind:     orderhistory.KindOpenOrder,
			Asset:    evt.Params.GiveAsset,
			Quantity: evt.Params.GiveQuantity,
		}); err != nil {
			c.log.Errorf("error publishing open-order history entry: %v", err)
		}
	}
}

// fetchFilledOrders pages through our filled orders, newest first, until a
// page comes back short (spec §4.1 step 6, §9 "Lazy sequences").
func (c *Controller) fetchFilledOrders(ctx context.Context) ([]ledger.Order, error) {
	const pageSize = 50
	var all []ledger.Order
	for offset := 0; ; offset += pageSize {
		page, err := c.ledger.GetOrdersByAddress(ctx, c.cfg.Address, "filled", pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	return all, nil
}

// enqueuedOrder pairs a filled order with its resolved buyer.
type enqueuedOrder struct {
	order ledger.Order
	buyer string
}

// triage walks orders newest-first, resolving buyers and filtering out
// already-delivered orders, stopping early on a run of already-processed
// orders (spec §4.1 steps 7–8).
func (c *Controller) triage(ctx context.Context, st *State, orders []ledger.Order) ([]enqueuedOrder, error) {
	var toProcess []enqueuedOrder
	consecutiveProcessed := 0
	for _, order := range orders {
		if st.isProcessed(order.TxHash) {
			consecutiveProcessed++
			if consecutiveProcessed >= consecutiveProcessedLimit {
				break
			}
			continue
		}
		consecutiveProcessed = 0

		asset := assetShortName(order.GiveAsset)
		matches, err := c.ledger.GetOrderMatches(ctx, order.TxHash)
		if err != nil {
			c.recordFailure(order.TxHash, StageValidation, fmt.Sprintf("error fetching order matches: %v", err))
			continue
		}
		match := firstCompletedMatch(matches)
		if match == nil {
			c.recordFailure(order.TxHash, StageValidation, "no order match found for filled order")
			continue
		}
		buyer := match.CounterpartyOf(c.cfg.Address)

		delivered, err := c.ledger.IsAssetTransferredTo(ctx, asset, buyer, c.cfg.Address)
		if err != nil {
			c.recordFailure(order.TxHash, StageValidation, fmt.Sprintf("error checking asset ownership: %v", err))
			continue
		}
		if delivered {
			txid, _ := c.ledger.TransferTxid(ctx, asset, buyer, c.cfg.Address)
			if c.history != nil {
				_ = c.history.Publish(ctx, orderhistory.Entry{
					Kind:      orderhistory.KindTransfer,
					OrderHash: order.TxHash,
					Asset:     asset,
					Buyer:     buyer,
					TxID:      txid,
				})
			}
			st.markProcessed(order.TxHash)
			continue
		}
		toProcess = append(toProcess, enqueuedOrder{order: order, buyer: buyer})
	}

	// The scan above walks newest-first; reverse so the caller processes the
	// backlog oldest-ready-first, draining it in submission order (spec §4.1
	// step 9).
	for i, j := 0, len(toProcess)-1; i < j; i, j = i+1, j-1 {
		toProcess[i], toProcess[j] = toProcess[j], toProcess[i]
	}

	return toProcess, nil
}

func firstCompletedMatch(matches []ledger.OrderMatch) *ledger.OrderMatch {
	for i := range matches {
		if matches[i].Status == "completed" || matches[i].Status == "pending" {
			return &matches[i]
		}
	}
	if len(matches) > 0 {
		return &matches[0]
	}
	return nil
}

// assetShortName strips the XCPFOLIO. namespace prefix from a give-asset
// long name to get the underlying asset the buyer is owed.
func assetShortName(giveAssetLongName string) string {
	const prefix = "XCPFOLIO."
	if len(giveAssetLongName) > len(prefix) && giveAssetLongName[:len(prefix)] == prefix {
		return giveAssetLongName[len(prefix):]
	}
	return giveAssetLongName
}
