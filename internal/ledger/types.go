// Package ledger is the client for the Counterparty-style DEX indexer that
// is the system of record for orders, order matches, asset ownership, and
// transaction composition (spec §4.4, §6.2). Every response is unwrapped
// from the indexer's {result, error} envelope the way
// client/mm/price_oracle.go unwraps third-party price-API bodies with
// dexnet.Get/dexnet.Post, with a non-empty "error" field surfaced as a typed
// error rather than treated as a partial result.
package ledger

import "fmt"

// envelope is the {result, error} wrapper every indexer endpoint returns.
type envelope[T any] struct {
	Result T      `json:"result"`
	Error  string `json:"error,omitempty"`
}

// apiError is raised when an envelope carries a non-empty "error" field. Its
// message is preserved verbatim for the fulfillment controller's retry and
// classification heuristics.
type apiError struct {
	msg string
}

func (e *apiError) Error() string { return e.msg }

func newAPIError(op, msg string) error {
	return &apiError{msg: fmt.Sprintf("ledger %s: %s", op, msg)}
}

// Block is one row of GET /blocks.
type Block struct {
	BlockIndex int64  `json:"block_index"`
	BlockHash  string `json:"block_hash"`
	BlockTime  int64  `json:"block_time"`
}

// Order is a row of GET /addresses/{addr}/orders. The listing is not
// filtered by give asset; callers check for the XCPFOLIO. prefix themselves.
type Order struct {
	TxHash       string `json:"tx_hash"`
	TxIndex      int64  `json:"tx_index"`
	BlockIndex   int64  `json:"block_index"`
	BlockTime    int64  `json:"block_time"`
	Source       string `json:"source"`
	GiveAsset    string `json:"give_asset"`
	GiveQuantity int64  `json:"give_quantity"`
	GetAsset     string `json:"get_asset"`
	GetQuantity  int64  `json:"get_quantity"`
	Status       string `json:"status"`
	Expiration   int64  `json:"expiration"`
	ExpireIndex  int64  `json:"expire_index"`
}

// OrderMatch is a row of GET /orders/{hash}/matches.
type OrderMatch struct {
	ID           string `json:"id"`
	Tx0Hash      string `json:"tx0_hash"`
	Tx0Address   string `json:"tx0_address"`
	Tx1Hash      string `json:"tx1_hash"`
	Tx1Address   string `json:"tx1_address"`
	Status       string `json:"status"`
	MatchExpire  int64  `json:"match_expire_index"`
}

// CounterpartyOf returns the address on the other side of the match from us.
func (m OrderMatch) CounterpartyOf(us string) string {
	if m.Tx0Address == us {
		return m.Tx1Address
	}
	return m.Tx0Address
}

// AssetInfo is the response of GET /assets/{asset}.
type AssetInfo struct {
	Asset       string `json:"asset"`
	AssetLongname string `json:"asset_longname"`
	Owner       string `json:"owner"`
	Divisible   bool   `json:"divisible"`
	Locked      bool   `json:"locked"`
	Supply      int64  `json:"supply"`
}

// Issuance is a row of GET /assets/{asset}/issuances.
type Issuance struct {
	TxHash             string `json:"tx_hash"`
	BlockIndex         int64  `json:"block_index"`
	BlockTime          int64  `json:"block_time"`
	Asset              string `json:"asset"`
	Source             string `json:"source"`
	Issuer             string `json:"issuer"`
	TransferDestination string `json:"transfer"`
	Status             string `json:"status"`
}

// ComposeResult is returned by the compose/* endpoints.
type ComposeResult struct {
	RawTransaction string `json:"rawtransaction"`
}

// MempoolEvent is a row of GET /mempool/events/OPEN_ORDER.
type MempoolEvent struct {
	TxHash  string         `json:"tx_hash"`
	Event   string         `json:"event"`
	Params  MempoolOrder   `json:"params"`
}

// MempoolOrder is the params payload of an OPEN_ORDER mempool event.
type MempoolOrder struct {
	Source       string `json:"source"`
	GiveAsset    string `json:"give_asset"`
	GiveQuantity int64  `json:"give_quantity"`
	GetAsset     string `json:"get_asset"`
	GetQuantity  int64  `json:"get_quantity"`
}

// AddressMempoolEntry is a row of GET /addresses/mempool.
type AddressMempoolEntry struct {
	TxHash  string `json:"tx_hash"`
	Event   string `json:"category"`
	Params  map[string]any `json:"params"`
}

// Balance is a row of the XCPFOLIO.* balance listing.
type Balance struct {
	Asset    string `json:"asset"`
	Quantity int64  `json:"quantity"`
}
