package chain_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/internal/chain"
)

func testLogger() dex.Logger {
	return dex.StdOutLogger("TEST", slog.LevelOff)
}

func TestGetCurrentBlockHeightFallsBackToSecondEndpoint(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("900123"))
	}))
	defer secondary.Close()

	c := chain.New(primary.URL, secondary.URL, nil, testLogger())
	h, err := c.GetCurrentBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(900123), h)
}

func TestBroadcastTransactionReturnsTypedAlreadyInMempoolError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rejecting replacement txid abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234: already have transaction in mempool", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := chain.New(ts.URL, ts.URL, nil, testLogger())
	_, err := c.BroadcastTransaction(context.Background(), "0100deadbeef")
	require.Error(t, err)
	var alreadyInMempool *chain.AlreadyInMempoolError
	require.ErrorAs(t, err, &alreadyInMempool)
	require.Equal(t, "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234", alreadyInMempool.TxID)
}

func TestBroadcastTransactionFailsWhenNoEndpointSucceeds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient fee", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := chain.New(ts.URL, ts.URL, nil, testLogger())
	_, err := c.BroadcastTransaction(context.Background(), "0100deadbeef")
	require.Error(t, err)
}
