// Package config loads the agent's entirely environment-variable-driven
// configuration (spec §6.1) using viper's automatic-env binding, the way
// arkade-os-arkd/cmd/arkd/root.go wires viper for its own flag/env surface.
package config

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

// Network selects the Bitcoin network parameters used by the signer and
// address validation.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainParams returns the btcsuite chain parameters for n, used to derive
// and validate the signer's address.
func (n Network) ChainParams() *chaincfg.Params {
	if n == Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// Config is the fully-resolved, typed configuration for one agent process.
// Every field traces to a named environment variable in spec §6.1.
type Config struct {
	Address    string // XCPFOLIO_ADDRESS
	PrivateKey string // XCPFOLIO_PRIVATE_KEY (WIF)
	Network    Network

	DryRun bool

	MaxMempoolTxs        int
	ComposeCooldown      time.Duration
	MaxRetries           int
	RBFEnabled           bool
	StuckTxThreshold     int64
	MaxTotalFeeSats      int64
	MaxFeeRateForNewTx   int64
	OrderExpirationBlock int64
	WaitAfterBroadcast   time.Duration
	CheckInterval        string // cron expression

	CounterpartyAPI string
	MempoolAPI      string
	BlockstreamAPI  string

	StateStoreURL string

	NotifyWebhookURL string
	StatusAPIPort    string

	PriceTablePath string

	// LogLevel is a dcrdex-style debug-level string: either a single bare
	// level name setting the default for every subsystem, or a comma-
	// separated list of subsys=level pairs plus an optional bare default,
	// e.g. "info,CHAIN=debug,MAINT=trace".
	LogLevel string
}

// defaults mirror spec §6.1's enumerated defaults exactly.
const (
	defaultMaxMempoolTxs        = 25
	defaultComposeCooldownMS    = 10_000
	defaultMaxRetries           = 10
	defaultRBFEnabled           = true
	defaultStuckTxThreshold     = 3
	defaultMaxTotalFeeSats      = 10_000
	defaultMaxFeeRateForNewTx   = 100
	defaultOrderExpirationBlock = 8064
	defaultWaitAfterBroadcastMS = 10_000
	defaultCheckInterval        = "* * * * *"
	defaultCounterpartyAPI      = "https://api.counterparty.io:4000/v2"
	defaultMempoolAPI           = "https://mempool.space/api"
	defaultBlockstreamAPI       = "https://blockstream.info/api"
	defaultNetwork              = Mainnet
	defaultLogLevel             = "info"
)

// envVars enumerates every variable, so Load can bind each explicitly rather
// than relying solely on viper's implicit automatic-env lookups.
var envVars = []string{
	"XCPFOLIO_ADDRESS",
	"XCPFOLIO_PRIVATE_KEY",
	"NETWORK",
	"DRY_RUN",
	"MAX_MEMPOOL_TXS",
	"COMPOSE_COOLDOWN",
	"MAX_RETRIES",
	"RBF_ENABLED",
	"STUCK_TX_THRESHOLD",
	"MAX_TOTAL_FEE_SATS",
	"MAX_FEE_RATE_FOR_NEW_TX",
	"ORDER_EXPIRATION",
	"WAIT_AFTER_BROADCAST",
	"CHECK_INTERVAL",
	"COUNTERPARTY_API",
	"MEMPOOL_API",
	"BLOCKSTREAM_API",
	"STATE_STORE_URL",
	"NOTIFY_WEBHOOK_URL",
	"STATUS_API_PORT",
	"PRICE_TABLE_PATH",
	"LOG_LEVEL",
}

// Load reads the process environment into a Config, applying spec defaults
// and validating the three required fields (address, private key, state
// store URL) and the NETWORK value.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for _, name := range envVars {
		if err := v.BindEnv(name); err != nil {
			return nil, fmt.Errorf("error binding env var %s: %w", name, err)
		}
	}

	v.SetDefault("NETWORK", string(defaultNetwork))
	v.SetDefault("MAX_MEMPOOL_TXS", defaultMaxMempoolTxs)
	v.SetDefault("COMPOSE_COOLDOWN", defaultComposeCooldownMS)
	v.SetDefault("MAX_RETRIES", defaultMaxRetries)
	v.SetDefault("RBF_ENABLED", defaultRBFEnabled)
	v.SetDefault("STUCK_TX_THRESHOLD", defaultStuckTxThreshold)
	v.SetDefault("MAX_TOTAL_FEE_SATS", defaultMaxTotalFeeSats)
	v.SetDefault("MAX_FEE_RATE_FOR_NEW_TX", defaultMaxFeeRateForNewTx)
	v.SetDefault("ORDER_EXPIRATION", defaultOrderExpirationBlock)
	v.SetDefault("WAIT_AFTER_BROADCAST", defaultWaitAfterBroadcastMS)
	v.SetDefault("CHECK_INTERVAL", defaultCheckInterval)
	v.SetDefault("COUNTERPARTY_API", defaultCounterpartyAPI)
	v.SetDefault("MEMPOOL_API", defaultMempoolAPI)
	v.SetDefault("BLOCKSTREAM_API", defaultBlockstreamAPI)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)

	cfg := &Config{
		Address:              v.GetString("XCPFOLIO_ADDRESS"),
		PrivateKey:           v.GetString("XCPFOLIO_PRIVATE_KEY"),
		Network:              Network(v.GetString("NETWORK")),
		DryRun:               v.GetBool("DRY_RUN"),
		MaxMempoolTxs:        v.GetInt("MAX_MEMPOOL_TXS"),
		ComposeCooldown:      time.Duration(v.GetInt64("COMPOSE_COOLDOWN")) * time.Millisecond,
		MaxRetries:           v.GetInt("MAX_RETRIES"),
		RBFEnabled:           v.GetBool("RBF_ENABLED"),
		StuckTxThreshold:     v.GetInt64("STUCK_TX_THRESHOLD"),
		MaxTotalFeeSats:      v.GetInt64("MAX_TOTAL_FEE_SATS"),
		MaxFeeRateForNewTx:   v.GetInt64("MAX_FEE_RATE_FOR_NEW_TX"),
		OrderExpirationBlock: v.GetInt64("ORDER_EXPIRATION"),
		WaitAfterBroadcast:   time.Duration(v.GetInt64("WAIT_AFTER_BROADCAST")) * time.Millisecond,
		CheckInterval:        v.GetString("CHECK_INTERVAL"),
		CounterpartyAPI:      v.GetString("COUNTERPARTY_API"),
		MempoolAPI:           v.GetString("MEMPOOL_API"),
		BlockstreamAPI:       v.GetString("BLOCKSTREAM_API"),
		StateStoreURL:        v.GetString("STATE_STORE_URL"),
		NotifyWebhookURL:     v.GetString("NOTIFY_WEBHOOK_URL"),
		StatusAPIPort:        v.GetString("STATUS_API_PORT"),
		PriceTablePath:       v.GetString("PRICE_TABLE_PATH"),
		LogLevel:             v.GetString("LOG_LEVEL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Address == "" {
		return fmt.Errorf("XCPFOLIO_ADDRESS is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("XCPFOLIO_PRIVATE_KEY is required")
	}
	if c.Network != Mainnet && c.Network != Testnet {
		return fmt.Errorf("NETWORK must be %q or %q, got %q", Mainnet, Testnet, c.Network)
	}
	if c.StateStoreURL == "" {
		return fmt.Errorf("STATE_STORE_URL is required")
	}
	return nil
}
