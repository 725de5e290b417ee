package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
)

// distLockKey is the well-known distributed-lock key serializing maintenance
// runs across every process/invocation (spec §4.2, "Coordination").
const distLockKey = "xcpfolio:maintenance:lock"
const distLockTTL = 5 * time.Minute

// activeOrderPrefix namespaces the durable per-asset race-window-sealing
// marker. Its TTL, not an explicit clear, is the sole retirement mechanism
// (spec §4.2 step 11).
const activeOrderPrefix = "xcpfolio:maintenance:active:"
const activeOrderTTL = 2 * time.Hour

// counterAsset is the asset every re-listed order prices against.
const counterAsset = "XCP"

// giveQuantity is the fixed give-quantity of every re-listed order: XCPFOLIO
// custodial subassets are indivisible singletons, so "1 unit" is the whole
// asset (spec §4.2 step 11).
const giveQuantity = 1

// verifyDelay is how long the controller waits after broadcasting before
// checking that the new order is visible in the mempool (spec §4.2 step 11).
const verifyDelay = 2 * time.Second

// staleUTXOFailureThreshold is how many consecutive identical stale-UTXO
// compose/broadcast failures abort the run (spec §4.2 step 11).
const staleUTXOFailureThreshold = 3

// source tags this controller's outbound notifications.
const source = "maintenance"

// Controller is the stock-replenishment state machine (spec §4.2).
type Controller struct {
	cfg    *config.Config
	ledger LedgerClient
	chain  ChainClient
	signer Signer
	kv     KVStore
	notify Notifier
	log    dex.Logger
	prices *PriceTable

	runMtx  sync.Mutex
	running bool

	statusMtx    sync.Mutex
	lastRun      time.Time
	failedAssets []string
}

// New constructs a Controller.
func New(cfg *config.Config, lc LedgerClient, cc ChainClient, sg Signer, kv KVStore, notifier Notifier, prices *PriceTable, log dex.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		ledger: lc,
		chain:  cc,
		signer: sg,
		kv:     kv,
		notify: notifier,
		prices: prices,
		log:    log,
	}
}

// SetPrices replaces the price table (spec §4.2, "setPrices").
func (c *Controller) SetPrices(prices map[string]float64) {
	c.prices.SetPrices(prices)
}

// GetStatus returns a read-only snapshot (spec §4.2, "getStatus").
func (c *Controller) GetStatus(ctx context.Context) Status {
	c.runMtx.Lock()
	running := c.running
	c.runMtx.Unlock()

	c.statusMtx.Lock()
	lastRun := c.lastRun
	failed := append([]string(nil), c.failedAssets...)
	c.statusMtx.Unlock()

	activeCount := 0
	if keys, err := c.listActiveOrderKeys(ctx); err == nil {
		activeCount = len(keys)
	}

	return Status{
		IsRunning:    running,
		PricesLoaded: c.prices.Len(),
		LastRun:      lastRun,
		ActiveOrders: activeCount,
		FailedAssets: failed,
	}
}

// Run executes one maintenance pass (spec §4.2, "Procedure"). If the
// distributed lock is already held elsewhere, it returns immediately with no
// results and no error.
func (c *Controller) Run(ctx context.Context) ([]Result, error) {
	c.runMtx.Lock()
	if c.running {
		c.runMtx.Unlock()
		return nil, nil
	}
	c.running = true
	c.runMtx.Unlock()
	defer func() {
		c.runMtx.Lock()
		c.running = false
		c.runMtx.Unlock()
	}()

	lock, acquired, err := c.kv.AcquireLock(ctx, distLockKey, distLockTTL)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error acquiring maintenance lock: %v", err))
	}
	if !acquired {
		return nil, nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			c.log.Errorf("error releasing maintenance lock: %v", err)
		}
	}()

	c.statusMtx.Lock()
	c.lastRun = time.Now()
	c.statusMtx.Unlock()

	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error querying unconfirmed tx count: %v", err))
	}
	if unconfirmed >= c.cfg.MaxMempoolTxs {
		c.notify.Warning(ctx, source, "mempool at capacity", fmt.Sprintf("%d unconfirmed txs (limit %d)", unconfirmed, c.cfg.MaxMempoolTxs))
		return nil, nil
	}

	feeRate, err := c.chain.GetActualMinimumFeeRate(ctx)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error fetching minimum fee rate: %v", err))
	}

	utxos, err := c.chain.FetchUTXOs(ctx, c.cfg.Address)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error fetching UTXOs: %v", err))
	}
	inputsSet := formatInputsSet(utxos)

	balances, err := c.ledger.GetXcpfolioBalances(ctx, c.cfg.Address)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error fetching balances: %v", err))
	}

	alreadyListed, err := c.alreadyListedAssets(ctx)
	if err != nil {
		return nil, dex.NewError(dex.ErrFatal, fmt.Sprintf("error determining already-listed assets: %v", err))
	}

	toProcess := c.buildCandidates(balances, alreadyListed)

	var results []Result
	var failed []string

	if c.cfg.DryRun {
		for _, cand := range toProcess {
			results = append(results, Result{Asset: cand.asset, Success: true, Stage: StageDryRun})
		}
		c.statusMtx.Lock()
		c.failedAssets = nil
		c.statusMtx.Unlock()
		return results, nil
	}

	staleUTXOSeen := map[string]int{}

	for _, cand := range toProcess {
		res, abort := c.processAsset(ctx, cand, feeRate, inputsSet, staleUTXOSeen)
		results = append(results, res)
		if !res.Success {
			failed = append(failed, res.Asset)
		}
		if abort != nil {
			c.notify.Critical(ctx, source, "maintenance run aborted", abort.Error())
			break
		}
		time.Sleep(c.cfg.WaitAfterBroadcast)
	}

	c.statusMtx.Lock()
	c.failedAssets = failed
	c.statusMtx.Unlock()

	return results, nil
}

// candidate is one (asset, price) pair surviving triage.
type candidate struct {
	asset string
	price float64
}

// buildCandidates implements spec §4.2 steps 7–9.
func (c *Controller) buildCandidates(balances []ledger.Balance, alreadyListed map[string]bool) []candidate {
	var out []candidate
	for _, b := range balances {
		asset := strings.TrimPrefix(b.Asset, "XCPFOLIO.")
		if alreadyListed[asset] {
			continue
		}
		price, ok := c.prices.Price(asset)
		if !ok || price <= 0 {
			continue
		}
		out = append(out, candidate{asset: asset, price: price})
	}
	return out
}

// alreadyListedAssets implements spec §4.2 step 8: the union of confirmed
// open orders, mempool open orders, and the durable active-order markers.
func (c *Controller) alreadyListedAssets(ctx context.Context) (map[string]bool, error) {
	listed := make(map[string]bool)

	openOrders, err := c.ledger.GetOpenOrderAssets(ctx, c.cfg.Address)
	if err != nil {
		return nil, err
	}
	for _, o := range openOrders {
		listed[strings.TrimPrefix(o.GiveAsset, "XCPFOLIO.")] = true
	}

	mempoolOrders, err := c.ledger.GetMempoolOrderAssets(ctx, c.cfg.Address)
	if err != nil {
		return nil, err
	}
	for _, e := range mempoolOrders {
		if giveAsset, ok := e.Params["give_asset"].(string); ok {
			listed[strings.TrimPrefix(giveAsset, "XCPFOLIO.")] = true
		}
	}

	active, err := c.listActiveOrderKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range active {
		listed[strings.TrimPrefix(key, activeOrderPrefix)] = true
	}

	return listed, nil
}

