package services

import (
	"context"
	"sync"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	maxHistoryHours = 24 * 7
	fetchAttempts   = 3
)

// PriceService is the price snapshot cache. It serves the current price
// within a staleness window, keeps a bounded rolling history and falls back
// to the last known price when the oracle is unavailable.
type PriceService struct {
	oracle   PriceOracle
	store    PriceSnapshotStore
	history  *PriceHistory
	cfg      config.PriceConfig
	decimals int32

	mu       sync.RWMutex
	current  models.PriceSample
	cacheMu  sync.Mutex
	cached   map[int]cachedHistory
	inflight singleflight.Group

	retryBackoff time.Duration
	now          Clock
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

type cachedHistory struct {
	samples []models.PriceSample
	builtAt time.Time
}

// NewPriceService creates the price cache. store may be nil.
func NewPriceService(
	oracle PriceOracle,
	store PriceSnapshotStore,
	cfg config.PriceConfig,
	tokenDecimals int32,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PriceService {
	return &PriceService{
		oracle:       oracle,
		store:        store,
		history:      NewPriceHistory(cfg.HistoryCapacity),
		cfg:          cfg,
		decimals:     tokenDecimals,
		cached:       make(map[int]cachedHistory),
		retryBackoff: 200 * time.Millisecond,
		now:          systemClock,
		logger:       logger,
		metrics:      metrics,
	}
}

// SetClock replaces the time source.
func (s *PriceService) SetClock(now Clock) {
	s.now = now
}

// SetRetryBackoff sets the base delay between oracle attempts.
func (s *PriceService) SetRetryBackoff(d time.Duration) {
	s.retryBackoff = d
}

// GetCurrentPrice returns the current price. A cached sample younger than
// the staleness window is served as is; otherwise the oracle is queried and,
// if that fails, the last known sample is returned.
func (s *PriceService) GetCurrentPrice(ctx context.Context) (models.PriceSample, error) {
	if sample, ok := s.fresh(); ok {
		return s.withChange(sample), nil
	}

	v, err, _ := s.inflight.Do("current", func() (interface{}, error) {
		if sample, ok := s.fresh(); ok {
			return sample, nil
		}
		return s.refresh(ctx)
	})
	if err == nil {
		return s.withChange(v.(models.PriceSample)), nil
	}

	s.mu.RLock()
	last := s.current
	s.mu.RUnlock()
	if last.IsZero() {
		return models.PriceSample{}, ErrNoPriceAvailable.Wrap(err)
	}
	s.logger.Warn().Err(err).Time("last_sample", last.Timestamp).Msg("oracle unavailable, serving last known price")
	return s.withChange(last), nil
}

// Refresh fetches a new sample from the oracle, bypassing the staleness window.
func (s *PriceService) Refresh(ctx context.Context) (models.PriceSample, error) {
	v, err, _ := s.inflight.Do("current", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return models.PriceSample{}, err
	}
	return s.withChange(v.(models.PriceSample)), nil
}

func (s *PriceService) fresh() (models.PriceSample, bool) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if !cur.IsZero() && s.now().Sub(cur.Timestamp) < s.cfg.Staleness {
		return cur, true
	}
	return models.PriceSample{}, false
}

func (s *PriceService) refresh(ctx context.Context) (models.PriceSample, error) {
	if s.store != nil {
		if shared, err := s.store.GetCurrent(ctx); err == nil && s.now().Sub(shared.Timestamp) < s.cfg.Staleness {
			s.setCurrent(shared)
			return shared, nil
		}
	}

	sample, err := s.fetchWithRetry(ctx)
	if err != nil {
		return models.PriceSample{}, err
	}
	s.setCurrent(sample)

	if s.store != nil {
		if err := s.store.SetCurrent(ctx, sample); err != nil {
			s.logger.Warn().Err(err).Msg("failed to share price snapshot")
		}
	}
	return sample, nil
}

func (s *PriceService) fetchWithRetry(ctx context.Context) (models.PriceSample, error) {
	var lastErr error
	backoff := s.retryBackoff
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		sample, err := s.oracle.FetchCurrentPrice(ctx)
		if err == nil {
			if !sample.Price.IsPositive() {
				err = ErrInvalidPrice
			} else {
				if sample.Timestamp.IsZero() {
					sample.Timestamp = s.now()
				}
				return sample, nil
			}
		}
		lastErr = err
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("oracle fetch failed")
		if attempt == fetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.PriceSample{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return models.PriceSample{}, lastErr
}

func (s *PriceService) setCurrent(sample models.PriceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.Timestamp.Before(s.current.Timestamp) {
		return
	}
	s.current = sample
}

// withChange fills the 24h change from recorded history.
func (s *PriceService) withChange(sample models.PriceSample) models.PriceSample {
	change := s.Change24h(sample.Price)
	sample.Change24h = &change
	return sample
}

// Change24h is the percent move from the oldest sample within the trailing
// 24 hours to price. Zero when no such sample exists.
func (s *PriceService) Change24h(price decimal.Decimal) decimal.Decimal {
	oldest, ok := s.history.FirstAtOrAfter(s.now().Add(-24 * time.Hour))
	if !ok || !oldest.Price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(oldest.Price).Div(oldest.Price).Mul(decimal.NewFromInt(100)).Round(4)
}

// RecordSample appends a sample to the rolling history.
func (s *PriceService) RecordSample(sample models.PriceSample) {
	if !s.history.Append(sample) {
		s.logger.Debug().Time("timestamp", sample.Timestamp).Msg("dropping out-of-order price sample")
		return
	}
	s.setCurrent(sample)
}

// GetPriceHistory returns the samples recorded in the last hours hours,
// oldest first. Results are cached per window for the history TTL.
func (s *PriceService) GetPriceHistory(ctx context.Context, hours int) ([]models.PriceSample, error) {
	if hours <= 0 || hours > maxHistoryHours {
		return nil, ErrInvalidHistoryWindow.WithMessage("hours must be between 1 and %d", maxHistoryHours)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if c, ok := s.cached[hours]; ok && now.Sub(c.builtAt) < s.cfg.HistoryTTL {
		return c.samples, nil
	}

	samples := s.history.Since(now.Add(-time.Duration(hours) * time.Hour))
	s.cached[hours] = cachedHistory{samples: samples, builtAt: now}
	return samples, nil
}

// ObservationAt returns the first recorded sample at or after t.
func (s *PriceService) ObservationAt(t time.Time) (models.PriceSample, bool) {
	return s.history.FirstAtOrAfter(t)
}

// ConvertToUSD values a token amount in base units at the current price.
func (s *PriceService) ConvertToUSD(ctx context.Context, amount int64) (decimal.Decimal, error) {
	sample, err := s.GetCurrentPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(amount, -s.decimals).Mul(sample.Price).Round(8), nil
}
