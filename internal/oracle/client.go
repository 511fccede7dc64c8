// Package oracle fetches the reference price from public market data APIs.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoURL     = "https://api.coingecko.com/api/v3"
	defaultCryptoCompareURL = "https://min-api.cryptocompare.com/data"
)

// ErrNoPrice is returned when neither source produced a usable price.
var ErrNoPrice = errors.New("oracle: no price returned")

// Config selects the asset and the endpoints to query.
type Config struct {
	CoinGeckoID      string
	CryptoCompareSym string
	CoinGeckoAPIKey  string
	Timeout          time.Duration

	// Overridable for tests.
	CoinGeckoURL     string
	CryptoCompareURL string
}

// Client queries CoinGecko and falls back to CryptoCompare.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewClient creates an oracle client. metrics may be nil.
func NewClient(cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = defaultCoinGeckoURL
	}
	if cfg.CryptoCompareURL == "" {
		cfg.CryptoCompareURL = defaultCryptoCompareURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FetchCurrentPrice returns the latest price with its observation time.
func (c *Client) FetchCurrentPrice(ctx context.Context) (models.PriceSample, error) {
	start := time.Now()
	sample, err := c.fetchCoinGecko(ctx)
	if err == nil {
		c.observe("coingecko", start)
		return sample, nil
	}
	c.logger.Warn().Err(err).Msg("coingecko fetch failed, trying cryptocompare")

	sample, err2 := c.fetchCryptoCompare(ctx)
	if err2 == nil {
		c.observe("cryptocompare", start)
		return sample, nil
	}
	c.observe("failed", start)
	return models.PriceSample{}, fmt.Errorf("oracle: all sources failed: %w", errors.Join(err, err2))
}

func (c *Client) observe(outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.OracleFetches.WithLabelValues(outcome).Inc()
	c.metrics.OracleLatency.Observe(time.Since(start).Seconds())
}

// fetchCoinGecko queries
// GET /simple/price?ids=solana&vs_currencies=usd&include_24hr_vol=true&include_24hr_change=true
// Response: {"solana":{"usd":195.83,"usd_24h_vol":123.4,"usd_24h_change":-1.2}}
func (c *Client) fetchCoinGecko(ctx context.Context) (models.PriceSample, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_24hr_vol=true&include_24hr_change=true",
		c.cfg.CoinGeckoURL, c.cfg.CoinGeckoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.PriceSample{}, err
	}
	if c.cfg.CoinGeckoAPIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.CoinGeckoAPIKey)
	}

	var result map[string]map[string]json.Number
	if err := c.getJSON(req, &result); err != nil {
		return models.PriceSample{}, fmt.Errorf("coingecko: %w", err)
	}

	fields, ok := result[c.cfg.CoinGeckoID]
	if !ok {
		return models.PriceSample{}, fmt.Errorf("coingecko: %w for %s", ErrNoPrice, c.cfg.CoinGeckoID)
	}
	price, err := positive(fields["usd"])
	if err != nil {
		return models.PriceSample{}, fmt.Errorf("coingecko: %w", err)
	}

	sample := models.PriceSample{Timestamp: c.now(), Price: price}
	if v, err := decimal.NewFromString(fields["usd_24h_vol"].String()); err == nil {
		sample.Volume24h = &v
	}
	if v, err := decimal.NewFromString(fields["usd_24h_change"].String()); err == nil {
		sample.Change24h = &v
	}
	return sample, nil
}

// fetchCryptoCompare queries GET /price?fsym=SOL&tsyms=USD
// Response: {"USD": 195.83}
func (c *Client) fetchCryptoCompare(ctx context.Context) (models.PriceSample, error) {
	url := fmt.Sprintf("%s/price?fsym=%s&tsyms=USD", c.cfg.CryptoCompareURL, c.cfg.CryptoCompareSym)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.PriceSample{}, err
	}

	var result map[string]json.Number
	if err := c.getJSON(req, &result); err != nil {
		return models.PriceSample{}, fmt.Errorf("cryptocompare: %w", err)
	}

	price, err := positive(result["USD"])
	if err != nil {
		return models.PriceSample{}, fmt.Errorf("cryptocompare: %w", err)
	}
	return models.PriceSample{Timestamp: c.now(), Price: price}, nil
}

func (c *Client) getJSON(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("returned %d: %s", resp.StatusCode, string(body))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return nil
}

func positive(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, ErrNoPrice
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q: %w", n, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return d, nil
}
