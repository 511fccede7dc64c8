// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"prediction-rounds/internal/database"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a private in-memory SQLite database with the ledger schema.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes writers the way row locks would in Postgres.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// Wallet returns a deterministic valid wallet address for index i.
func Wallet(i int) string {
	key := make([]byte, 32)
	key[0] = 1
	key[30] = byte(i >> 8)
	key[31] = byte(i)
	return base58.Encode(key)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// ErrOracleDown is returned by FakeOracle while failing.
var ErrOracleDown = errors.New("oracle down")

// FakeOracle serves a settable price and counts fetches.
type FakeOracle struct {
	mu      sync.Mutex
	price   decimal.Decimal
	failing bool
	calls   int
	clock   func() time.Time
}

func NewFakeOracle(price string, clock func() time.Time) *FakeOracle {
	return &FakeOracle{price: decimal.RequireFromString(price), clock: clock}
}

func (o *FakeOracle) FetchCurrentPrice(ctx context.Context) (models.PriceSample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.failing {
		return models.PriceSample{}, ErrOracleDown
	}
	return models.PriceSample{Timestamp: o.clock(), Price: o.price}, nil
}

func (o *FakeOracle) SetPrice(price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = decimal.RequireFromString(price)
}

func (o *FakeOracle) SetFailing(failing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing = failing
}

func (o *FakeOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// RecordingPublisher keeps every emitted event in order.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *RecordingPublisher) Emit(events ...notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *RecordingPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
