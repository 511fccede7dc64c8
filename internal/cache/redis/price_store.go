package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prediction-rounds/internal/models"

	"github.com/redis/go-redis/v9"
)

const currentPriceKey = "price:current"

// ErrNotFound is returned when no snapshot is stored.
var ErrNotFound = errors.New("not found")

// PriceStore shares the latest oracle sample between instances so they spend
// one oracle budget between them.
type PriceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceStore creates a PriceStore whose snapshots expire after ttl.
func NewPriceStore(c *Client, ttl time.Duration) *PriceStore {
	return &PriceStore{rdb: c.Underlying(), ttl: ttl}
}

// SetCurrent stores the latest sample.
func (s *PriceStore) SetCurrent(ctx context.Context, sample models.PriceSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("redis: encode price: %w", err)
	}
	if err := s.rdb.Set(ctx, currentPriceKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set price: %w", err)
	}
	return nil
}

// GetCurrent returns the stored sample or ErrNotFound once it has expired.
func (s *PriceStore) GetCurrent(ctx context.Context) (models.PriceSample, error) {
	data, err := s.rdb.Get(ctx, currentPriceKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PriceSample{}, ErrNotFound
	}
	if err != nil {
		return models.PriceSample{}, fmt.Errorf("redis: get price: %w", err)
	}

	var sample models.PriceSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return models.PriceSample{}, fmt.Errorf("redis: decode price: %w", err)
	}
	return sample, nil
}
