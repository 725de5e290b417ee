package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/dex/dexnet"
	"github.com/xcpfolio/fulfillment-agent/dex/feeratefetcher"
)

// endpoint is one chain API base URL in fallback priority order.
type endpoint struct {
	name    string
	baseURL string
}

// Client fans reads out across a primary and fallback chain API and
// broadcasts across both, promoting "already in mempool" errors to success.
type Client struct {
	log       dex.Logger
	endpoints []endpoint
	fees      *feeratefetcher.Fetcher
}

// New returns a Client. mempoolAPI is tried before blockstreamAPI for every
// operation. fees, if non-nil, backs GetOptimalFeeRate with the composite
// rate dex/feeratefetcher maintains in the background; otherwise the rate is
// fetched fresh from the fee-estimate endpoint on every call.
func New(mempoolAPI, blockstreamAPI string, fees *feeratefetcher.Fetcher, log dex.Logger) *Client {
	return &Client{
		log:  log,
		fees: fees,
		endpoints: []endpoint{
			{name: "mempool", baseURL: strings.TrimRight(mempoolAPI, "/")},
			{name: "blockstream", baseURL: strings.TrimRight(blockstreamAPI, "/")},
		},
	}
}

// tryEndpoints runs f against each endpoint in priority order, returning the
// first success. All errors are joined for diagnostics if every endpoint
// fails.
func (c *Client) tryEndpoints(ctx context.Context, op string, f func(ctx context.Context, ep endpoint) error) error {
	var errs []error
	for _, ep := range c.endpoints {
		if err := f(ctx, ep); err != nil {
			c.log.Debugf("%s via %s failed: %v", op, ep.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: all endpoints failed: %w", dex.ErrBroadcast, op, errors.Join(errs...))
}

// GetCurrentBlockHeight returns the current chain tip height.
func (c *Client) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	err := c.tryEndpoints(ctx, "getCurrentBlockHeight", func(ctx context.Context, ep endpoint) error {
		text, err := dexnet.GetText(ctx, ep.baseURL+"/blocks/tip/height")
		if err != nil {
			return err
		}
		var h int64
		if _, err := fmt.Sscanf(strings.TrimSpace(text), "%d", &h); err != nil {
			return fmt.Errorf("unparseable height %q: %w", text, err)
		}
		height = h
		return nil
	})
	return height, err
}

// FetchUTXOs lists addr's unspent outputs.
func (c *Client) FetchUTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	var utxos []UTXO
	err := c.tryEndpoints(ctx, "fetchUTXOs", func(ctx context.Context, ep endpoint) error {
		return dexnet.Get(ctx, ep.baseURL+"/address/"+addr+"/utxo", &utxos)
	})
	return utxos, err
}

// GetFeeRates returns the recommended-fee tiers from the primary endpoint,
// falling back to the secondary on failure.
func (c *Client) GetFeeRates(ctx context.Context) (FeeRates, error) {
	var rates FeeRates
	err := c.tryEndpoints(ctx, "getFeeRates", func(ctx context.Context, ep endpoint) error {
		return dexnet.Get(ctx, ep.baseURL+"/v1/fees/recommended", &rates)
	})
	return rates, err
}

// GetOptimalFeeRate returns the next-block fee rate the fulfillment
// controller's compose stage uses. When a composite fetcher is configured
// it returns the maintained composite; otherwise it fetches fresh.
func (c *Client) GetOptimalFeeRate(ctx context.Context) (uint64, error) {
	if c.fees != nil {
		if r := c.fees.Rate(); r > 0 {
			return r, nil
		}
	}
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(rates.FastestFee), nil
}

// GetActualMinimumFeeRate returns the mempool's actual minimum relay-usable
// rate, which may fall below 1 sat/vB; the maintenance controller uses this
// instead of GetOptimalFeeRate because re-listing is not latency-sensitive.
func (c *Client) GetActualMinimumFeeRate(ctx context.Context) (float64, error) {
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	if rates.MinimumFee > 0 {
		return float64(rates.MinimumFee), nil
	}
	return float64(rates.EconomyFee), nil
}

// GetUnconfirmedTxCount counts addr's unconfirmed (mempool) transactions,
// backing the fulfillment controller's mempool-capacity backpressure check.
func (c *Client) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	var stats struct {
		MempoolStats struct {
			TxCount int `json:"tx_count"`
		} `json:"mempool_stats"`
		ChainStats struct {
			TxCount int `json:"tx_count"`
		} `json:"chain_stats"`
	}
	err := c.tryEndpoints(ctx, "getUnconfirmedTxCount", func(ctx context.Context, ep endpoint) error {
		return dexnet.Get(ctx, ep.baseURL+"/address/"+addr, &stats)
	})
	return stats.MempoolStats.TxCount, err
}

// IsInMempool reports whether txid is currently unconfirmed-but-broadcast.
func (c *Client) IsInMempool(ctx context.Context, txid string) (bool, error) {
	tx, err := c.GetTransaction(ctx, txid)
	if err != nil {
		var se *dexnet.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return false, nil
		}
		return false, err
	}
	return !tx.Status.Confirmed, nil
}

// GetTransaction fetches txid's status, used to reconcile active
// transactions against the chain (confirm or drop).
func (c *Client) GetTransaction(ctx context.Context, txid string) (Transaction, error) {
	var tx Transaction
	err := c.tryEndpoints(ctx, "getTransaction", func(ctx context.Context, ep endpoint) error {
		return dexnet.Get(ctx, ep.baseURL+"/tx/"+txid, &tx)
	})
	return tx, err
}

var txidPattern = regexp.MustCompile(`[0-9a-fA-F]{64}`)

var alreadyInMempoolMarkers = []string{"already", "mempool"}

func looksLikeAlreadyInMempool(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range alreadyInMempoolMarkers {
		if !strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// BroadcastTransaction submits signedHex across endpoints in priority
// order. A failure whose body indicates the transaction already propagated
// surfaces as a typed *AlreadyInMempoolError wrapping the recovered txid,
// centralizing the message-substring heuristic here instead of at the
// controller, which treats this outcome the same as a clean broadcast
// (spec §4.1 stage 6, §9 "centralize in the chain client").
func (c *Client) BroadcastTransaction(ctx context.Context, signedHex string) (txid string, err error) {
	var alreadyInMempool *AlreadyInMempoolError
	broadcastErr := c.tryEndpoints(ctx, "broadcastTransaction", func(ctx context.Context, ep endpoint) error {
		text, perr := dexnet.PostText(ctx, ep.baseURL+"/tx", []byte(signedHex))
		if perr == nil {
			txid = strings.TrimSpace(text)
			return nil
		}
		var se *dexnet.StatusError
		if errors.As(perr, &se) && looksLikeAlreadyInMempool(string(se.Body)) {
			if m := txidPattern.FindString(string(se.Body)); m != "" {
				alreadyInMempool = &AlreadyInMempoolError{TxID: m}
				return nil
			}
		}
		return perr
	})
	if broadcastErr != nil {
		return "", broadcastErr
	}
	if alreadyInMempool != nil {
		return "", alreadyInMempool
	}
	return txid, nil
}
