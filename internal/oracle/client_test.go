package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"prediction-rounds/internal/observability"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, coingecko, cryptocompare http.HandlerFunc) *Client {
	t.Helper()
	cg := httptest.NewServer(coingecko)
	cc := httptest.NewServer(cryptocompare)
	t.Cleanup(cg.Close)
	t.Cleanup(cc.Close)

	return NewClient(Config{
		CoinGeckoID:      "solana",
		CryptoCompareSym: "SOL",
		Timeout:          time.Second,
		CoinGeckoURL:     cg.URL,
		CryptoCompareURL: cc.URL,
	}, observability.NopLogger(), nil)
}

func TestFetchFromCoinGecko(t *testing.T) {
	c := newTestClient(t,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/simple/price", r.URL.Path)
			assert.Equal(t, "solana", r.URL.Query().Get("ids"))
			w.Write([]byte(`{"solana":{"usd":195.83,"usd_24h_vol":1200000.5,"usd_24h_change":-1.25}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("fallback should not be called")
		},
	)

	sample, err := c.FetchCurrentPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, sample.Price.Equal(decimal.RequireFromString("195.83")))
	require.NotNil(t, sample.Change24h)
	assert.True(t, sample.Change24h.Equal(decimal.RequireFromString("-1.25")))
	require.NotNil(t, sample.Volume24h)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestFallsBackToCryptoCompare(t *testing.T) {
	c := newTestClient(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "SOL", r.URL.Query().Get("fsym"))
			w.Write([]byte(`{"USD":194.1}`))
		},
	)

	sample, err := c.FetchCurrentPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, sample.Price.Equal(decimal.RequireFromString("194.1")))
	assert.Nil(t, sample.Change24h)
}

func TestAllSourcesFail(t *testing.T) {
	c := newTestClient(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"solana":{"usd":0}}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
	)

	_, err := c.FetchCurrentPrice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPrice)
}
