package ledger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/ledger"
)

func testLogger() dex.Logger {
	return dex.StdOutLogger("TEST", slog.LevelOff)
}

func TestGetCurrentBlock(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blocks", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"result":[{"block_index":900000,"block_hash":"abc","block_time":1700000000}]}`))
	}))
	defer ts.Close()

	c := ledger.New(ts.URL, testLogger())
	b, err := c.GetCurrentBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(900000), b.BlockIndex)
}

func TestGetCurrentBlockAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":null,"error":"boom"}`))
	}))
	defer ts.Close()

	c := ledger.New(ts.URL, testLogger())
	_, err := c.GetCurrentBlock(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestIsAssetTransferredToByOwner(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"asset":"A123","owner":"buyer1"}}`))
	}))
	defer ts.Close()

	c := ledger.New(ts.URL, testLogger())
	ok, err := c.IsAssetTransferredTo(context.Background(), "A123", "buyer1", "seller1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsAssetTransferredToByIssuance(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case calls == 1:
			w.Write([]byte(`{"result":{"asset":"A123","owner":"seller1"}}`))
		default:
			w.Write([]byte(`{"result":[{"tx_hash":"deadbeef","source":"seller1","transfer":"buyer1","status":"valid"}]}`))
		}
	}))
	defer ts.Close()

	c := ledger.New(ts.URL, testLogger())
	ok, err := c.IsAssetTransferredTo(context.Background(), "A123", "buyer1", "seller1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestComposeTransfer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/addresses/seller1/compose/issuance", r.URL.Path)
		require.Equal(t, "buyer1", r.URL.Query().Get("transfer_destination"))
		w.Write([]byte(`{"result":{"rawtransaction":"0100"}}`))
	}))
	defer ts.Close()

	c := ledger.New(ts.URL, testLogger())
	res, err := c.ComposeTransfer(context.Background(), "seller1", "A123", "buyer1", 20, "auto", true)
	require.NoError(t, err)
	require.Equal(t, "0100", res.RawTransaction)
}
