// Package chain is the client for the Bitcoin mempool/fee/broadcast REST
// APIs the core treats as an external collaborator (spec §4.5). It fans a
// small set of operations out across multiple endpoints (primary
// MEMPOOL_API, fallback BLOCKSTREAM_API) the way
// dex/feeratefetcher.Fetcher fans fee-rate polling out across ranked
// sources, and centralizes the "already in mempool" broadcast-success
// heuristic so the controller only ever sees a typed outcome.
package chain

// UTXO is one unspent output at an address.
type UTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// FeeRates is the recommended-fees response shape shared by mempool.space
// and blockstream.info.
type FeeRates struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// Transaction is the subset of a chain API's /tx/{txid} response the core
// needs to reconcile active transactions against the chain.
type Transaction struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// AlreadyInMempoolError is the typed outcome a broadcast failure is promoted
// to when the endpoint's error body indicates the transaction already
// propagated via another path (spec §9, "centralize in the chain client").
type AlreadyInMempoolError struct {
	TxID string
}

func (e *AlreadyInMempoolError) Error() string {
	return "transaction already in mempool: " + e.TxID
}
