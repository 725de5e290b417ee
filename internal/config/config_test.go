package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/internal/config"
)

// setRequiredEnv sets the three env vars validate requires, plus
// NETWORK=testnet, through t.Setenv; a test overrides an individual var by
// calling t.Setenv again afterwards.
func setRequiredEnv(t *testing.T) {
	t.Setenv("XCPFOLIO_ADDRESS", "1XCPFolioAddr")
	t.Setenv("XCPFOLIO_PRIVATE_KEY", "cRVrJnu5vXxHv1dtDRtvWBHuXFUeCzCfVqwCuTbgKhzRVm5tyDzv")
	t.Setenv("NETWORK", "testnet")
	t.Setenv("STATE_STORE_URL", "redis://localhost:6379/0")
}

func TestLoadSucceedsWithAllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "1XCPFolioAddr", cfg.Address)
	require.Equal(t, config.Testnet, cfg.Network)
	require.Equal(t, "redis://localhost:6379/0", cfg.StateStoreURL)
}

func TestLoadFillsInDocumentedDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 25, cfg.MaxMempoolTxs)
	require.True(t, cfg.RBFEnabled)
	require.Equal(t, int64(8064), cfg.OrderExpirationBlock)
	require.Equal(t, "* * * * *", cfg.CheckInterval)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, config.Mainnet, config.Network("mainnet"))
}

func TestLoadFailsWithoutAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("XCPFOLIO_ADDRESS", "")

	_, err := config.Load()
	require.ErrorContains(t, err, "XCPFOLIO_ADDRESS")
}

func TestLoadFailsWithoutPrivateKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("XCPFOLIO_PRIVATE_KEY", "")

	_, err := config.Load()
	require.ErrorContains(t, err, "XCPFOLIO_PRIVATE_KEY")
}

func TestLoadFailsWithoutStateStoreURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STATE_STORE_URL", "")

	_, err := config.Load()
	require.ErrorContains(t, err, "STATE_STORE_URL")
}

func TestLoadFailsWithUnknownNetwork(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORK", "signet")

	_, err := config.Load()
	require.ErrorContains(t, err, "NETWORK")
}

func TestLoadRespectsOverriddenValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MAX_MEMPOOL_TXS", "5")
	t.Setenv("CHECK_INTERVAL", "*/5 * * * *")
	t.Setenv("LOG_LEVEL", "debug,CHAIN=trace")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.DryRun)
	require.Equal(t, 5, cfg.MaxMempoolTxs)
	require.Equal(t, "*/5 * * * *", cfg.CheckInterval)
	require.Equal(t, "debug,CHAIN=trace", cfg.LogLevel)
}
