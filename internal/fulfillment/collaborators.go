package fulfillment

import (
	"context"

	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
)

// LedgerClient is the subset of *ledger.Client the controller consumes
// (spec §4.4), narrowed to an interface so tests can substitute a fake.
type LedgerClient interface {
	GetCurrentBlock(ctx context.Context) (ledger.Block, error)
	GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]ledger.Order, error)
	GetOrderMatches(ctx context.Context, orderHash string) ([]ledger.OrderMatch, error)
	GetAssetInfo(ctx context.Context, asset string) (ledger.AssetInfo, error)
	GetMempoolTransfers(ctx context.Context, addr string) ([]ledger.AddressMempoolEntry, error)
	GetMempoolBuyOrders(ctx context.Context) ([]ledger.MempoolEvent, error)
	ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate uint64, encoding string, validate bool) (ledger.ComposeResult, error)
	IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error)
	TransferTxid(ctx context.Context, asset, to, from string) (string, error)
}

// ChainClient is the subset of *chain.Client the controller consumes
// (spec §4.5).
type ChainClient interface {
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	GetCurrentBlockHeight(ctx context.Context) (int64, error)
	GetOptimalFeeRate(ctx context.Context) (uint64, error)
	IsInMempool(ctx context.Context, txid string) (bool, error)
	GetTransaction(ctx context.Context, txid string) (chain.Transaction, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
	FetchUTXOs(ctx context.Context, addr string) ([]chain.UTXO, error)
}

// Signer converts a composed raw transaction into a signed one. Fulfillment
// never pins input UTXOs explicitly (spec §9 notes this asymmetry against
// maintenance and directs implementers to preserve it as-is), so it signs
// against whatever inputs the ledger chose, resolved through FetchUTXOs to
// supply accurate per-input values for BIP-143 signatures.
type Signer interface {
	Sign(rawTxHex string, inputValues []int64) (*signer.Signed, error)
}

// Notifier is the fire-and-forget event sink the controller publishes to.
type Notifier interface {
	Warning(ctx context.Context, source, subject, details string)
	Success(ctx context.Context, source, subject, details string)
	Critical(ctx context.Context, source, subject, details string)
}

// HistoryPublisher is the one-way order-history side channel (spec §6.4).
type HistoryPublisher = orderhistory.Publisher
