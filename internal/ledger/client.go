package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/dex/dexnet"
)

// Client is the DEX/indexer REST client consumed by both controllers (spec
// §4.4). It is unauthenticated and holds no mutable state beyond the base
// URL, mirroring the stateless collaborator shape of
// client/mm/price_oracle.go's exchange-spread fetchers.
type Client struct {
	baseURL string
	log     dex.Logger
}

// New returns a Client addressing the given indexer base URL, e.g.
// "https://api.counterparty.io:4000/v2".
func New(baseURL string, log dex.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func get[T any](ctx context.Context, c *Client, op, path string, query url.Values) (T, error) {
	var env envelope[T]
	var zero T
	if err := dexnet.Get(ctx, c.url(path, query), &env); err != nil {
		return zero, fmt.Errorf("ledger %s: %w", op, err)
	}
	if env.Error != "" {
		return zero, newAPIError(op, env.Error)
	}
	return env.Result, nil
}

// GetCurrentBlock returns the most recently indexed block.
func (c *Client) GetCurrentBlock(ctx context.Context) (Block, error) {
	blocks, err := get[[]Block](ctx, c, "getCurrentBlock", "/blocks", url.Values{"limit": {"1"}})
	if err != nil {
		return Block{}, err
	}
	if len(blocks) == 0 {
		return Block{}, newAPIError("getCurrentBlock", "empty block list")
	}
	return blocks[0], nil
}

// GetOrdersByAddress lists orders sourced from addr, most-recent-first.
func (c *Client) GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]Order, error) {
	q := url.Values{
		"status":            {status},
		"show_unconfirmed":  {"true"},
		"verbose":           {"true"},
		"limit":             {strconv.Itoa(limit)},
		"offset":            {strconv.Itoa(offset)},
		"sort":              {"block_index:desc"},
	}
	return get[[]Order](ctx, c, "getOrdersByAddress", "/addresses/"+addr+"/orders", q)
}

// GetOrderMatches lists matches against the order with the given hash.
func (c *Client) GetOrderMatches(ctx context.Context, orderHash string) ([]OrderMatch, error) {
	q := url.Values{"verbose": {"true"}, "show_unconfirmed": {"true"}}
	return get[[]OrderMatch](ctx, c, "getOrderMatches", "/orders/"+orderHash+"/matches", q)
}

// GetAssetInfo returns ownership and supply metadata for asset.
func (c *Client) GetAssetInfo(ctx context.Context, asset string) (AssetInfo, error) {
	return get[AssetInfo](ctx, c, "getAssetInfo", "/assets/"+asset, nil)
}

// GetAssetIssuances lists the issuance history for asset, newest-relevant
// first, used to resolve an already-completed transfer's txid for display.
func (c *Client) GetAssetIssuances(ctx context.Context, asset string) ([]Issuance, error) {
	q := url.Values{"show_unconfirmed": {"true"}, "limit": {"100"}}
	return get[[]Issuance](ctx, c, "getAssetIssuances", "/assets/"+asset+"/issuances", q)
}

// GetMempoolBuyOrders lists unconfirmed OPEN_ORDER events across the whole
// mempool, used to populate the order-history collaborator (spec §4.1 step
// 5); the fulfillment state machine never branches on this result.
func (c *Client) GetMempoolBuyOrders(ctx context.Context) ([]MempoolEvent, error) {
	q := url.Values{"verbose": {"true"}}
	return get[[]MempoolEvent](ctx, c, "getMempoolBuyOrders", "/mempool/events/OPEN_ORDER", q)
}

func (c *Client) addressMempool(ctx context.Context, op, addr string) ([]AddressMempoolEntry, error) {
	q := url.Values{"addresses": {addr}, "verbose": {"true"}}
	return get[[]AddressMempoolEntry](ctx, c, op, "/addresses/mempool", q)
}

// GetMempoolTransfers lists unconfirmed issuance-transfer events touching
// addr, used to build the (asset, buyer) pending-transfer set (spec §4.1
// step 2).
func (c *Client) GetMempoolTransfers(ctx context.Context, addr string) ([]AddressMempoolEntry, error) {
	entries, err := c.addressMempool(ctx, "getMempoolTransfers", addr)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Event == "ASSET_TRANSFER" {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetMempoolOrderAssets lists unconfirmed OPEN_ORDER events sourced from
// addr, used to learn which XCPFOLIO.* assets already have a pending
// re-listing in flight.
func (c *Client) GetMempoolOrderAssets(ctx context.Context, addr string) ([]AddressMempoolEntry, error) {
	entries, err := c.addressMempool(ctx, "getMempoolOrderAssets", addr)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Event == "OPEN_ORDER" {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetOpenOrderAssets lists the give-assets of addr's confirmed open orders,
// used to decide whether an XCPFOLIO.* asset is already listed.
func (c *Client) GetOpenOrderAssets(ctx context.Context, addr string) ([]Order, error) {
	return c.GetOrdersByAddress(ctx, addr, "open", 1000, 0)
}

// assetPrefix is the give-asset namespace this agent manages exclusively.
const assetPrefix = "XCPFOLIO."

// GetXcpfolioBalances lists addr's balances restricted to XCPFOLIO.* assets.
// A positive balance means the asset is held outright, i.e. not escrowed by
// an open order, and is therefore "not listed" (spec §4.2 step 7).
func (c *Client) GetXcpfolioBalances(ctx context.Context, addr string) ([]Balance, error) {
	q := url.Values{"limit": {"1000"}}
	balances, err := get[[]Balance](ctx, c, "getXcpfolioBalances", "/addresses/"+addr+"/balances", q)
	if err != nil {
		return nil, err
	}
	out := balances[:0]
	for _, b := range balances {
		if strings.HasPrefix(b.Asset, assetPrefix) && b.Quantity > 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

// ComposeTransfer composes an unsigned issuance that transfers ownership of
// asset from src to dest at quantity 0 (an ownership transfer, not a reissue).
func (c *Client) ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate uint64, encoding string, validate bool) (ComposeResult, error) {
	q := url.Values{
		"asset":               {asset},
		"quantity":            {"0"},
		"transfer_destination": {dest},
		"description":         {""},
		"validate":            {strconv.FormatBool(validate)},
		"encoding":            {encoding},
		"fee_rate":            {strconv.FormatUint(feeRate, 10)},
	}
	return get[ComposeResult](ctx, c, "composeTransfer", "/addresses/"+src+"/compose/issuance", q)
}

// ComposeOrder composes an unsigned order giving giveQty of giveAsset for
// getQty of getAsset, expiring after expiration blocks. inputsSet, if
// non-empty, pins the UTXOs compose will use, e.g. "txid:vout,txid:vout".
func (c *Client) ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int64, feeRate uint64, inputsSet string) (ComposeResult, error) {
	q := url.Values{
		"give_asset":    {giveAsset},
		"give_quantity": {strconv.FormatInt(giveQty, 10)},
		"get_asset":     {getAsset},
		"get_quantity":  {strconv.FormatInt(getQty, 10)},
		"expiration":    {strconv.FormatInt(expiration, 10)},
		"fee_rate":      {strconv.FormatUint(feeRate, 10)},
	}
	if inputsSet != "" {
		q.Set("inputs_set", inputsSet)
	}
	return get[ComposeResult](ctx, c, "composeOrder", "/addresses/"+src+"/compose/order", q)
}

// IsAssetTransferredTo reports whether asset's current owner is to, or a
// valid issuance already transferred it from from to to (confirmed or still
// unconfirmed in the mempool). This is the sole authoritative
// already-delivered signal (spec §3, "current owner of <ASSET>").
func (c *Client) IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error) {
	info, err := c.GetAssetInfo(ctx, asset)
	if err != nil {
		return false, err
	}
	if info.Owner == to {
		return true, nil
	}
	issuances, err := c.GetAssetIssuances(ctx, asset)
	if err != nil {
		return false, err
	}
	for _, iss := range issuances {
		if iss.Source == from && iss.TransferDestination == to && iss.Status == "valid" {
			return true, nil
		}
	}
	return false, nil
}

// TransferTxid returns the txid of the issuance that most recently
// transferred asset from from to to, for the order-history collaborator's
// display purposes. It returns "" if no such issuance is found.
func (c *Client) TransferTxid(ctx context.Context, asset, to, from string) (string, error) {
	issuances, err := c.GetAssetIssuances(ctx, asset)
	if err != nil {
		return "", err
	}
	for _, iss := range issuances {
		if iss.Source == from && iss.TransferDestination == to {
			return iss.TxHash, nil
		}
	}
	return "", nil
}

// Broadcast submits a signed raw transaction to the indexer's relay
// endpoint. Most deployments broadcast through the chain client instead
// (spec §6.2 note); this is retained for indexers that proxy relay
// themselves.
func (c *Client) Broadcast(ctx context.Context, signedTxHex string) (string, error) {
	body := struct {
		SignedTx string `json:"signed_tx"`
	}{SignedTx: signedTxHex}
	var env envelope[string]
	if err := dexnet.Post(ctx, c.url("/broadcast", nil), &env, body); err != nil {
		return "", fmt.Errorf("ledger broadcast: %w", err)
	}
	if env.Error != "" {
		return "", newAPIError("broadcast", env.Error)
	}
	return env.Result, nil
}
