// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex/dexnet"
	"github.com/xcpfolio/fulfillment-agent/dex/feeratefetcher"
	"github.com/xcpfolio/fulfillment-agent/internal/chain"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
	"github.com/xcpfolio/fulfillment-agent/internal/fulfillment"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
	"github.com/xcpfolio/fulfillment-agent/internal/maintenance"
	"github.com/xcpfolio/fulfillment-agent/internal/notify"
	"github.com/xcpfolio/fulfillment-agent/internal/orderhistory"
	"github.com/xcpfolio/fulfillment-agent/internal/scheduler"
	"github.com/xcpfolio/fulfillment-agent/internal/signer"
	"github.com/xcpfolio/fulfillment-agent/internal/statestore"
	"github.com/xcpfolio/fulfillment-agent/internal/statusapi"
)

// maintenanceInterval is how often the re-listing pass runs (spec §4.2,
// "runs hourly").
const maintenanceInterval = time.Hour

// wireAgent holds every constructed collaborator and controller, so runAgent
// and the operational subcommands can each pull out only what they need.
type wireAgent struct {
	cfg    *config.Config
	kv     *statestore.Store
	ledger *ledger.Client
	chain  *chain.Client
	fees   *feeratefetcher.Fetcher
	signer *signer.Signer
	notify *notify.Notifier
	hist   *orderhistory.Store

	fulfillCtrl *fulfillment.Controller
	maintCtrl   *maintenance.Controller
}

// buildAgent constructs every collaborator and controller from cfg, wiring
// the network-appropriate signer and the mempool/blockstream fee-rate
// sources into dex/feeratefetcher exactly as SPEC_FULL's domain stack
// describes.
func buildAgent(cfg *config.Config) (*wireAgent, error) {
	sg, err := signer.New(cfg.PrivateKey, cfg.Network.ChainParams())
	if err != nil {
		return nil, fmt.Errorf("error constructing signer: %w", err)
	}

	kv, err := statestore.New(cfg.StateStoreURL, subsystemLoggers["STORE"])
	if err != nil {
		return nil, fmt.Errorf("error connecting to state store: %w", err)
	}

	lc := ledger.New(cfg.CounterpartyAPI, subsystemLoggers["LEDGER"])

	fees := feeratefetcher.New([]*feeratefetcher.SourceConfig{
		{
			Name:   "mempool",
			Rank:   0,
			Period: time.Minute,
			F:      mempoolFeeRateFetcher(cfg.MempoolAPI),
		},
		{
			Name:   "blockstream",
			Rank:   1,
			Period: time.Minute,
			F:      blockstreamFeeRateFetcher(cfg.BlockstreamAPI),
		},
	}, subsystemLoggers["CHAIN"])

	cc := chain.New(cfg.MempoolAPI, cfg.BlockstreamAPI, fees, subsystemLoggers["CHAIN"])

	ntf := notify.New(cfg.NotifyWebhookURL, subsystemLoggers["NOTIFY"])
	hist := orderhistory.New(kv)

	fulfillCtrl := fulfillment.New(cfg, lc, cc, sg, kv, hist, ntf, subsystemLoggers["FULFIL"])

	prices, err := loadPriceTable(cfg)
	if err != nil {
		return nil, err
	}
	maintCtrl := maintenance.New(cfg, lc, cc, sg, kv, ntf, prices, subsystemLoggers["MAINT"])

	return &wireAgent{
		cfg:         cfg,
		kv:          kv,
		ledger:      lc,
		chain:       cc,
		fees:        fees,
		signer:      sg,
		notify:      ntf,
		hist:        hist,
		fulfillCtrl: fulfillCtrl,
		maintCtrl:   maintCtrl,
	}, nil
}

// mempoolFeeRateFetcher and blockstreamFeeRateFetcher adapt each chain
// API's recommended-fees endpoint into a feeratefetcher.FetchFunc, using the
// fastest-confirmation tier as the source's raw rate.
func mempoolFeeRateFetcher(baseURL string) feeratefetcher.FetchFunc {
	return feeRateFetchFunc(baseURL)
}

func blockstreamFeeRateFetcher(baseURL string) feeratefetcher.FetchFunc {
	return feeRateFetchFunc(baseURL)
}

func feeRateFetchFunc(baseURL string) feeratefetcher.FetchFunc {
	return func(ctx context.Context) (rate uint64, errDelay time.Duration, err error) {
		var rates chain.FeeRates
		if err := dexnet.Get(ctx, baseURL+"/v1/fees/recommended", &rates); err != nil {
			return 0, time.Minute, err
		}
		return uint64(rates.FastestFee), 0, nil
	}
}

func loadPriceTable(cfg *config.Config) (*maintenance.PriceTable, error) {
	if cfg.PriceTablePath != "" {
		return maintenance.LoadFromFile(cfg.PriceTablePath)
	}
	return maintenance.LoadFromEnv()
}

// runAgent is the long-running process entry point: wire everything up,
// start the scheduler and the optional status server, and block until ctx
// is canceled.
func runAgent(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	if _, err := parseAndSetDebugLevels(cfg.LogLevel); err != nil {
		return fmt.Errorf("error parsing LOG_LEVEL: %w", err)
	}

	log.Infof("xcpfolioagent starting (Go %s)", runtime.Version())
	log.Infof("network: %s, dry-run: %v", cfg.Network, cfg.DryRun)

	agent, err := buildAgent(cfg)
	if err != nil {
		return err
	}
	defer agent.kv.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		agent.fees.Run(ctx)
	}()

	sched := scheduler.New(subsystemLoggers["SCHED"])
	if err := sched.ScheduleCron(cfg.CheckInterval, "fulfillment", func() {
		runFulfillmentTick(ctx, agent)
	}); err != nil {
		return fmt.Errorf("error scheduling fulfillment tick: %w", err)
	}
	if err := sched.ScheduleEvery(maintenanceInterval, "maintenance", func() {
		runMaintenanceTick(ctx, agent)
	}); err != nil {
		return fmt.Errorf("error scheduling maintenance tick: %w", err)
	}
	sched.Start()

	if cfg.StatusAPIPort != "" {
		statusSrv := statusapi.New(":"+cfg.StatusAPIPort, agent.fulfillCtrl, agent.maintCtrl, agent.hist, subsystemLoggers["STATUS"])
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusSrv.Run(ctx)
		}()
	}

	log.Info("xcpfolioagent is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("stopping xcpfolioagent...")
	agent.fulfillCtrl.RequestStop()
	done := make(chan struct{})
	go func() {
		sched.Stop()
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("in-flight work still running after 30s; exiting anyway")
	}
	log.Info("bye!")

	return nil
}

// runFulfillmentTick runs one fulfillment pass, logging a structured
// summary line regardless of outcome (SPEC_FULL §3, "metrics-free
// structured run summaries").
func runFulfillmentTick(ctx context.Context, agent *wireAgent) {
	results, err := agent.fulfillCtrl.Process(ctx)
	if err != nil {
		subsystemLoggers["FULFIL"].Errorf("fulfillment tick error: %v", err)
	}
	var broadcast, rbf, failed int
	for _, r := range results {
		switch {
		case !r.Success:
			failed++
		case r.IsRBF:
			rbf++
			broadcast++
		default:
			broadcast++
		}
	}
	subsystemLoggers["FULFIL"].Infof("fulfillment tick: processed=%d broadcast=%d rbf=%d failed=%d",
		len(results), broadcast, rbf, failed)
}

// runMaintenanceTick runs one re-listing pass.
func runMaintenanceTick(ctx context.Context, agent *wireAgent) {
	results, err := agent.maintCtrl.Run(ctx)
	if err != nil {
		subsystemLoggers["MAINT"].Errorf("maintenance tick error: %v", err)
	}
	var relisted, failed int
	for _, r := range results {
		if r.Success {
			relisted++
		} else {
			failed++
		}
	}
	subsystemLoggers["MAINT"].Infof("maintenance tick: candidates=%d relisted=%d failed=%d",
		len(results), relisted, failed)
}

func main() {
	ctx := withShutdownCancel(context.Background())
	go shutdownListener()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
