package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
)

func testLogger() dex.Logger {
	return dex.StdOutLogger("TEST", slog.LevelOff)
}

// TLedgerClient is a fake LedgerClient, in the spirit of client/core's
// T-prefixed test wallets: every method reads from a field under a mutex so
// a test can script responses and later inspect what was asked for.
type TLedgerClient struct {
	mtx sync.Mutex

	orders           []ledger.Order
	matches          map[string][]ledger.OrderMatch
	assetInfo        map[string]ledger.AssetInfo
	delivered        map[string]bool
	transferTxid     string
	composeErr       error
	composeCalls     int
	lastComposeAsset string
}

func newTLedgerClient() *TLedgerClient {
	return &TLedgerClient{
		matches:   make(map[string][]ledger.OrderMatch),
		assetInfo: make(map[string]ledger.AssetInfo),
		delivered: make(map[string]bool),
	}
}

func (l *TLedgerClient) GetCurrentBlock(ctx context.Context) (ledger.Block, error) {
	return ledger.Block{}, nil
}

func (l *TLedgerClient) GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]ledger.Order, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if offset >= len(l.orders) {
		return nil, nil
	}
	end := offset + limit
	if end > len(l.orders) {
		end = len(l.orders)
	}
	return l.orders[offset:end], nil
}

func (l *TLedgerClient) GetOrderMatches(ctx context.Context, orderHash string) ([]ledger.OrderMatch, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.matches[orderHash], nil
}

func (l *TLedgerClient) GetAssetInfo(ctx context.Context, asset string) (ledger.AssetInfo, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	info, ok := l.assetInfo[asset]
	if !ok {
		return ledger.AssetInfo{}, fmt.Errorf("no asset info for %s", asset)
	}
	return info, nil
}

func (l *TLedgerClient) GetMempoolTransfers(ctx context.Context, addr string) ([]ledger.AddressMempoolEntry, error) {
	return nil, nil
}

func (l *TLedgerClient) GetMempoolBuyOrders(ctx context.Context) ([]ledger.MempoolEvent, error) {
	return nil, nil
}

func (l *TLedgerClient) ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate uint64, encoding string, validate bool) (ledger.ComposeResult, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.composeCalls++
	l.lastComposeAsset = asset
	if l.composeErr != nil {
		return ledger.ComposeResult{}, l.composeErr
	}
	return ledger.ComposeResult{RawTransaction: unsignedTxHex}, nil
}

func (l *TLedgerClient) IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.delivered[asset+":"+to], nil
}

func (l *TLedgerClient) TransferTxid(ctx context.Context, asset, to, from string) (string, error) {
	return l.transferTxid, nil
}

// TChainClient is a fake ChainClient.
type TChainClient struct {
	mtx sync.Mutex

	unconfirmedCount int
	unconfirmedErr   error
	blockHeight      int64
	optimalFeeRate   uint64
	optimalFeeErr    error
	utxos            []chain.UTXO
	broadcastErr     error
	broadcastTxid    string
	broadcastCalls   []string
	inMempool        map[string]bool
	txStatus         map[string]chain.Transaction
}

func newTChainClient() *TChainClient {
	return &TChainClient{
		inMempool: make(map[string]bool),
		txStatus:  make(map[string]chain.Transaction),
	}
}

func (c *TChainClient) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.unconfirmedCount, c.unconfirmedErr
}

func (c *TChainClient) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.blockHeight, nil
}

func (c *TChainClient) GetOptimalFeeRate(ctx context.Context) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.optimalFeeRate, c.optimalFeeErr
}

func (c *TChainClient) IsInMempool(ctx context.Context, txid string) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.inMempool[txid], nil
}

func (c *TChainClient) GetTransaction(ctx context.Context, txid string) (chain.Transaction, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.txStatus[txid], nil
}

func (c *TChainClient) BroadcastTransaction(ctx context.Context, signedHex string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.broadcastCalls = append(c.broadcastCalls, signedHex)
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	return c.broadcastTxid, nil
}

func (c *TChainClient) FetchUTXOs(ctx context.Context, addr string) ([]chain.UTXO, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.utxos, nil
}

// TSigner is a fake Signer returning a scripted result or error.
type TSigner struct {
	signed *signer.Signed
	err    error
}

func (s *TSigner) Sign(rawTxHex string, inputValues []int64) (*signer.Signed, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.signed, nil
}

// TNotifier records every call instead of sending anything.
type TNotifier struct {
	mtx       sync.Mutex
	warnings  []string
	successes []string
	criticals []string
}

func (n *TNotifier) Warning(ctx context.Context, source, subject, details string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.warnings = append(n.warnings, subject)
}

func (n *TNotifier) Success(ctx context.Context, source, subject, details string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.successes = append(n.successes, subject)
}

func (n *TNotifier) Critical(ctx context.Context, source, subject, details string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.criticals = append(n.criticals, subject)
}

// THistory records published entries without storing them anywhere readable
// back, matching the one-way Publisher contract.
type THistory struct {
	mtx     sync.Mutex
	entries []orderhistory.Entry
}

func (h *THistory) Publish(ctx context.Context, e orderhistory.Entry) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

// unsignedTxHex is a well-formed raw transaction (one input, one output)
// used wherever a test needs a composed-transfer stand-in. TSigner never
// parses it, but signRaw decodes its single input (aaaa…:0) and looks up
// that outpoint's value in the test UTXO fixture.
const unsignedTxHex = "0200000001aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa0000000000ffffffff0100000000000000000000000000"

func testConfig() *config.Config {
	return &config.Config{
		Address:            "1XCPfolioAgentAddr",
		MaxMempoolTxs:      25,
		ComposeCooldown:    0,
		RBFEnabled:         true,
		StuckTxThreshold:   3,
		MaxTotalFeeSats:    10_000,
		MaxFeeRateForNewTx: 100,
	}
}

// newTestController builds a Controller with an in-process State pre-seeded
// (skipping the real state-store round trip) and every collaborator faked.
func newTestController(t *testing.T, cfg *config.Config) (*Controller, *TLedgerClient, *TChainClient, *TSigner, *TNotifier, *THistory) {
	t.Helper()
	lc := newTLedgerClient()
	cc := newTChainClient()
	sg := &TSigner{signed: &signer.Signed{Hex: "deadbeef", TxID: "signedtxid", VSize: 150, AbsoluteFee: 500}}
	nf := &TNotifier{}
	hs := &THistory{}
	c := New(cfg, lc, cc, sg, nil, hs, nf, testLogger())
	c.state = &State{}
	// unsignedTxHex's single input spends this outpoint; signRaw resolves its
	// value by matching against FetchUTXOs, so every test composing through
	// it needs this UTXO present.
	cc.utxos = []chain.UTXO{{TxID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Vout: 0, Value: 100_000}}
	return c, lc, cc, sg, nf, hs
}

func TestProcessOrderHappyPath(t *testing.T) {
	cfg := testConfig()
	c, lc, cc, _, nf, hs := newTestController(t, cfg)

	lc.assetInfo["FOLIOASSET"] = ledger.AssetInfo{Asset: "FOLIOASSET", Owner: cfg.Address, Locked: false}
	cc.optimalFeeRate = 10
	cc.broadcastTxid = "broadcasttxid"

	order := ledger.Order{TxHash: "order1", GiveAsset: "XCPFOLIO.FOLIOASSET", Status: "filled"}
	eo := enqueuedOrder{order: order, buyer: "1Buyer"}

	res := c.processOrder(context.Background(), c.state, eo, 1000)

	require.True(t, res.Success)
	require.Equal(t, StageBroadcast, res.Stage)
	require.Equal(t, "broadcasttxid", res.TxID)
	require.True(t, c.state.isProcessed("order1"))
	require.NotNil(t, c.getActiveTx("order1"))
	require.Len(t, nf.successes, 1)
	require.Len(t, hs.entries, 1)
	require.Equal(t, orderhistory.KindTransfer, hs.entries[0].Kind)
	require.Equal(t, "broadcasttxid", hs.entries[0].TxID)
}

func TestTriageSkipsAlreadyDeliveredOrder(t *testing.T) {
	cfg := testConfig()
	c, lc, _, _, _, hs := newTestController(t, cfg)

	lc.matches["order1"] = []ledger.OrderMatch{{Tx0Address: cfg.Address, Tx1Address: "1Buyer", Status: "completed"}}
	lc.delivered["FOLIOASSET:1Buyer"] = true
	lc.transferTxid = "priortxid"

	orders := []ledger.Order{{TxHash: "order1", GiveAsset: "XCPFOLIO.FOLIOASSET", Status: "filled"}}

	toProcess, err := c.triage(context.Background(), c.state, orders)
	require.NoError(t, err)
	require.Empty(t, toProcess)
	require.True(t, c.state.isProcessed("order1"))
	require.Len(t, hs.entries, 1)
	require.Equal(t, orderhistory.KindTransfer, hs.entries[0].Kind)
	require.Equal(t, "priortxid", hs.entries[0].TxID)
}

func TestTriageReturnsOldestReadyFirst(t *testing.T) {
	cfg := testConfig()
	c, lc, _, _, _, _ := newTestController(t, cfg)

	lc.matches["order3"] = []ledger.OrderMatch{{Tx0Address: cfg.Address, Tx1Address: "1Buyer3", Status: "completed"}}
	lc.matches["order2"] = []ledger.OrderMatch{{Tx0Address: cfg.Address, Tx1Address: "1Buyer2", Status: "completed"}}
	lc.matches["order1"] = []ledger.OrderMatch{{Tx0Address: cfg.Address, Tx1Address: "1Buyer1", Status: "completed"}}

	// orders arrive newest-first, matching fetchFilledOrders' block_index:desc
	// paging order.
	orders := []ledger.Order{
		{TxHash: "order3", GiveAsset: "XCPFOLIO.ASSET3", Status: "filled"},
		{TxHash: "order2", GiveAsset: "XCPFOLIO.ASSET2", Status: "filled"},
		{TxHash: "order1", GiveAsset: "XCPFOLIO.ASSET1", Status: "filled"},
	}

	toProcess, err := c.triage(context.Background(), c.state, orders)
	require.NoError(t, err)
	require.Len(t, toProcess, 3)
	require.Equal(t, "order1", toProcess[0].order.TxHash)
	require.Equal(t, "order2", toProcess[1].order.TxHash)
	require.Equal(t, "order3", toProcess[2].order.TxHash)
}

func TestProcessOrderFeeRateExceedsCeilingFailsAtCompose(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFeeRateForNewTx = 50
	c, lc, cc, _, _, _ := newTestController(t, cfg)

	lc.assetInfo["FOLIOASSET"] = ledger.AssetInfo{Asset: "FOLIOASSET", Owner: cfg.Address}
	cc.optimalFeeRate = 500 // far above the ceiling

	order := ledger.Order{TxHash: "order1", GiveAsset: "XCPFOLIO.FOLIOASSET", Status: "filled"}
	eo := enqueuedOrder{order: order, buyer: "1Buyer"}

	res := c.processOrder(context.Background(), c.state, eo, 1000)

	require.False(t, res.Success)
	require.Equal(t, StageCompose, res.Stage)
	require.Zero(t, lc.composeCalls)
}

func TestProcessOrderSignedFeeExceedsCeilingFailsAtSign(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalFeeSats = 1000
	c, lc, cc, sg, _, _ := newTestController(t, cfg)

	lc.assetInfo["FOLIOASSET"] = ledger.AssetInfo{Asset: "FOLIOASSET", Owner: cfg.Address}
	cc.optimalFeeRate = 5
	sg.signed = &signer.Signed{Hex: "deadbeef", TxID: "x", VSize: 150, AbsoluteFee: 50_000}

	order := ledger.Order{TxHash: "order1", GiveAsset: "XCPFOLIO.FOLIOASSET", Status: "filled"}
	eo := enqueuedOrder{order: order, buyer: "1Buyer"}

	res := c.processOrder(context.Background(), c.state, eo, 1000)

	require.False(t, res.Success)
	require.Equal(t, StageSign, res.Stage)
	require.Zero(t, cc.broadcastCalls)
}

func TestRunOnceStopsWhenMempoolAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMempoolTxs = 5
	c, _, cc, _, nf, _ := newTestController(t, cfg)
	cc.unconfirmedCount = 5

	results, err := c.Process(context.Background())

	require.NoError(t, err)
	require.Empty(t, results)
	require.Len(t, nf.warnings, 1)
}

func TestDetectStuckFlagsOldBroadcast(t *testing.T) {
	cfg := testConfig()
	c, _, _, _, _, _ := newTestController(t, cfg)
	c.setActiveTx(&ActiveTx{OrderHash: "order1", CurrentTxID: "tx1", BroadcastBlock: 100, FeeRate: 10})

	c.detectStuck(104) // 4 blocks elapsed, threshold is 3

	atx := c.getActiveTx("order1")
	require.True(t, atx.NeedsRBF)
}

func TestAttemptRBFEscalatesFeeAndRebroadcasts(t *testing.T) {
	cfg := testConfig()
	c, lc, cc, sg, nf, _ := newTestController(t, cfg)
	cc.optimalFeeRate = 20
	cc.broadcastTxid = "replacementtxid"
	sg.signed = &signer.Signed{Hex: "deadbeefreplacement", TxID: "replacementtxid", VSize: 150, AbsoluteFee: 3000}

	c.setActiveTx(&ActiveTx{
		OrderHash:      "order1",
		Asset:          "FOLIOASSET",
		Buyer:          "1Buyer",
		OriginalTxID:   "tx1",
		CurrentTxID:    "tx1",
		TxIDs:          []string{"tx1"},
		BroadcastBlock: 100,
		FeeRate:        10,
		NeedsRBF:       true,
	})

	results := c.attemptRBFs(context.Background(), 104)

	atx := c.getActiveTx("order1")
	require.False(t, atx.NeedsRBF)
	require.Equal(t, "replacementtxid", atx.CurrentTxID)
	require.Equal(t, 1, atx.RBFCount)
	require.Greater(t, atx.FeeRate, uint64(10))
	require.Equal(t, "FOLIOASSET", lc.lastComposeAsset)
	require.Len(t, cc.broadcastCalls, 1)
	require.Len(t, nf.successes, 1)

	require.Len(t, results, 1)
	require.True(t, results[0].IsRBF)
	require.True(t, results[0].Success)
	require.Equal(t, "replacementtxid", results[0].TxID)
	require.Equal(t, "order1", results[0].OrderHash)
}

func TestAttemptRBFDropsActiveTxWhenCeilingLeavesNoRoom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalFeeSats = estimatedVsize * 10 // ceiling rate is exactly 10 sat/vB
	c, _, cc, _, _, _ := newTestController(t, cfg)
	cc.optimalFeeRate = 50

	c.setActiveTx(&ActiveTx{
		OrderHash:      "order1",
		CurrentTxID:    "tx1",
		TxIDs:          []string{"tx1"},
		BroadcastBlock: 100,
		FeeRate:        10, // already at the ceiling, escalation cannot proceed
		NeedsRBF:       true,
	})

	results := c.attemptRBFs(context.Background(), 104)

	require.Nil(t, c.getActiveTx("order1"))
	require.Empty(t, cc.broadcastCalls)

	require.Len(t, results, 1)
	require.True(t, results[0].IsRBF)
	require.False(t, results[0].Success)
}

func TestReconcileActiveTxsRemovesConfirmedTransaction(t *testing.T) {
	cfg := testConfig()
	c, _, cc, _, nf, _ := newTestController(t, cfg)
	cc.inMempool["tx1"] = false
	cc.txStatus["tx1"] = chain.Transaction{TxID: "tx1", Status: struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	}{Confirmed: true, BlockHeight: 100}}

	c.setActiveTx(&ActiveTx{OrderHash: "order1", CurrentTxID: "tx1", TxIDs: []string{"tx1"}})

	c.reconcileActiveTxs(context.Background())

	require.Nil(t, c.getActiveTx("order1"))
	require.Len(t, nf.successes, 1)
}

func TestReconcileActiveTxsFlagsDroppedFromMempool(t *testing.T) {
	cfg := testConfig()
	c, _, cc, _, _, _ := newTestController(t, cfg)
	cc.inMempool["tx1"] = false // gone from mempool, never confirmed

	c.setActiveTx(&ActiveTx{OrderHash: "order1", CurrentTxID: "tx1", TxIDs: []string{"tx1"}})

	c.reconcileActiveTxs(context.Background())

	atx := c.getActiveTx("order1")
	require.True(t, atx.DroppedFromMempool)
	require.True(t, atx.NeedsRBF)
}

func TestBoundedFeeRateCapsToAbsoluteCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalFeeSats = estimatedVsize * 20
	cfg.MaxFeeRateForNewTx = 1000
	c, _, cc, _, _, _ := newTestController(t, cfg)
	cc.optimalFeeRate = 40 // would cost more than the absolute ceiling at this vsize

	rate, err := c.boundedFeeRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(20), rate)
}

func TestCheckRetryGateEnforcesBackoffWindow(t *testing.T) {
	cfg := testConfig()
	c, _, _, _, _, _ := newTestController(t, cfg)
	c.recordFailure("order1", StageBroadcast, "boom")

	proceed, result := c.checkRetryGate("order1")
	require.False(t, proceed)
	require.Equal(t, StageBackoff, result.Stage)
}

func TestCheckRetryGateResetsAfterAnHour(t *testing.T) {
	cfg := testConfig()
	c, _, _, _, _, _ := newTestController(t, cfg)
	c.failures["order1"] = &failureRecord{Count: 3, FirstFailure: time.Now().Add(-2 * time.Hour), LastAttempt: time.Now().Add(-2 * time.Hour)}

	proceed, _ := c.checkRetryGate("order1")
	require.True(t, proceed)
	require.NotContains(t, c.failures, "order1")
}
