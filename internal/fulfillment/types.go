// Package fulfillment is the order-discovery → asset-transfer state
// machine: the agent's half that reacts to filled XCPFOLIO.<ASSET> sell
// orders. Its shape — a single exported entry point guarded by a
// re-entrancy flag, an in-process map of outstanding work read back by a
// status surface, and a cooperative stop flag polled between units of work
// — follows client/core.Core's run-loop idiom, generalized from "sync the
// wallet" to "fulfill one order".
package fulfillment

import "time"

// Result is the per-order outcome of one processOrder call.
type Result struct {
	OrderHash string `json:"orderHash"`
	Asset     string `json:"asset"`
	Buyer     string `json:"buyer,omitempty"`
	Success   bool   `json:"success"`
	Stage     string `json:"stage"`
	TxID      string `json:"txid,omitempty"`
	Error     string `json:"error,omitempty"`
	IsRBF     bool   `json:"isRbf,omitempty"`
}

// Stages named in Result.Stage and used as failure-record keys.
const (
	StageValidation string = "validation"
	StageDuplicate  string = "duplicate"
	StageBackoff    string = "backoff"
	StageCompose    string = "compose"
	StageSign       string = "sign"
	StageBroadcast  string = "broadcast"
	StageConfirmed  string = "confirmed"
	StageDryRun     string = "dry-run"
)

// ActiveTx is the in-process record of a broadcast-but-not-yet-confirmed
// transfer transaction (spec §3, "Asset transfer state").
type ActiveTx struct {
	OrderHash          string    `json:"orderHash"`
	Asset              string    `json:"asset"`
	Buyer              string    `json:"buyer"`
	OriginalTxID       string    `json:"originalTxid"`
	CurrentTxID        string    `json:"currentTxid"`
	TxIDs              []string  `json:"txids"`
	BroadcastTime      time.Time `json:"broadcastTime"`
	BroadcastBlock     int64     `json:"broadcastBlock"`
	FeeRate            uint64    `json:"feeRate"`
	RBFCount           int       `json:"rbfCount"`
	NeedsRBF           bool      `json:"needsRbf"`
	DroppedFromMempool bool      `json:"droppedFromMempool"`
}

// failureRecord is the in-process pre-broadcast failure tracker (spec §3,
// "Pre-broadcast failure record").
type failureRecord struct {
	Count        int       `json:"count"`
	LastError    string    `json:"lastError"`
	Stage        string    `json:"stage"`
	FirstFailure time.Time `json:"firstFailure"`
	LastAttempt  time.Time `json:"lastAttempt"`
}

// State is the durable per-process envelope (spec §6.5, "fulfillment-state").
type State struct {
	LastBlock       int64     `json:"lastBlock"`
	LastOrderHash   string    `json:"lastOrderHash"`
	LastChecked     time.Time `json:"lastChecked"`
	ProcessedOrders []string  `json:"processedOrders"`
	FailedOrders    []string  `json:"failedOrders"`
	LastCleanup     int64     `json:"lastCleanup"`
	LastRun         time.Time `json:"lastRun"`
}

const processedOrdersCap = 1000

func (s *State) markProcessed(orderHash string) {
	for _, h := range s.ProcessedOrders {
		if h == orderHash {
			return
		}
	}
	s.ProcessedOrders = append(s.ProcessedOrders, orderHash)
	if len(s.ProcessedOrders) > processedOrdersCap {
		s.ProcessedOrders = s.ProcessedOrders[len(s.ProcessedOrders)-processedOrdersCap:]
	}
}

func (s *State) isProcessed(orderHash string) bool {
	for _, h := range s.ProcessedOrders {
		if h == orderHash {
			return true
		}
	}
	return false
}

// Snapshot is the read-only view returned by Controller.GetState.
type Snapshot struct {
	Running         bool                 `json:"running"`
	ActiveTxs       map[string]ActiveTx  `json:"activeTransactions"`
	FailureCounts   map[string]int       `json:"failureCounts"`
	LastBlock       int64                `json:"lastBlock"`
	LastRun         time.Time            `json:"lastRun"`
}
