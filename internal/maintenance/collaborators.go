package maintenance

import (
	"context"
	"time"

	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
)

// KVStore is the subset of *statestore.Store the maintenance controller
// consumes: durable marker storage and the cross-process distributed lock
// (spec §4.2, "Coordination"), narrowed so tests can substitute a fake.
type KVStore interface {
	GetFresh(ctx context.Context, key string, out any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (statestore.Lock, bool, error)
}

// LedgerClient is the subset of *ledger.Client the maintenance controller
// consumes (spec §4.4), narrowed so tests can substitute a fake.
type LedgerClient interface {
	GetXcpfolioBalances(ctx context.Context, addr string) ([]ledger.Balance, error)
	GetOpenOrderAssets(ctx context.Context, addr string) ([]ledger.Order, error)
	GetMempoolOrderAssets(ctx context.Context, addr string) ([]ledger.AddressMempoolEntry, error)
	ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int64, feeRate uint64, inputsSet string) (ledger.ComposeResult, error)
}

// ChainClient is the subset of *chain.Client the maintenance controller
// consumes (spec §4.5).
type ChainClient interface {
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	GetActualMinimumFeeRate(ctx context.Context) (float64, error)
	FetchUTXOs(ctx context.Context, addr string) ([]chain.UTXO, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
}

// Signer converts a composed raw transaction into a signed one.
type Signer interface {
	Sign(rawTxHex string, inputValues []int64) (*signer.Signed, error)
}

// Notifier is the fire-and-forget event sink the controller publishes to.
type Notifier interface {
	Warning(ctx context.Context, source, subject, details string)
	Success(ctx context.Context, source, subject, details string)
	Critical(ctx context.Context, source, subject, details string)
}
