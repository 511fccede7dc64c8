package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/observability"
	"prediction-rounds/internal/repository"
	"prediction-rounds/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errCustodyDown = errors.New("custody down")

type release struct {
	Wallet string
	Amount int64
	Memo   string
}

// fakeCustody confirms every funding reference and records releases. With
// unconfirmed set, Release reports an unknown outcome; the transfer still
// lands unless drop is also set.
type fakeCustody struct {
	mu          sync.Mutex
	releases    []release
	states      map[string]ReleaseState
	sends       int
	failRelease bool
	unconfirmed bool
	drop        bool
	unverified  bool
	balance     int64
}

func (c *fakeCustody) VerifyFunding(ctx context.Context, txHash, wallet string, amount int64) (FundingReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unverified {
		return FundingReceipt{}, nil
	}
	return FundingReceipt{Confirmed: true, BlockNumber: 1000}, nil
}

func (c *fakeCustody) Release(ctx context.Context, wallet string, amount int64, memo string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRelease {
		return "", errCustodyDown
	}
	if c.states == nil {
		c.states = make(map[string]ReleaseState)
	}
	c.sends++
	ref := fmt.Sprintf("release-%d", c.sends)
	if c.unconfirmed && c.drop {
		c.states[ref] = ReleaseUnknown
		return "", &UnconfirmedReleaseError{Ref: ref, Err: errCustodyDown}
	}
	c.releases = append(c.releases, release{Wallet: wallet, Amount: amount, Memo: memo})
	c.states[ref] = ReleaseLanded
	if c.unconfirmed {
		return "", &UnconfirmedReleaseError{Ref: ref, Err: errCustodyDown}
	}
	return ref, nil
}

func (c *fakeCustody) ReleaseStatus(ctx context.Context, ref string) (ReleaseState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[ref], nil
}

func (c *fakeCustody) Balance(ctx context.Context, wallet string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRelease {
		return 0, errCustodyDown
	}
	return c.balance, nil
}

func (c *fakeCustody) Releases() []release {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]release, len(c.releases))
	copy(out, c.releases)
	return out
}

func (c *fakeCustody) setFailRelease(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failRelease = fail
}

func (c *fakeCustody) setUnconfirmed(unconfirmed, drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unconfirmed = unconfirmed
	c.drop = drop
}

func (c *fakeCustody) setReleaseState(ref string, state ReleaseState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[ref] = state
}

func (c *fakeCustody) setUnverified(unverified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unverified = unverified
}

type fixture struct {
	db      *gorm.DB
	repo    *repository.Repository
	clock   *testutil.Clock
	oracle  *testutil.FakeOracle
	custody *fakeCustody
	events  *testutil.RecordingPublisher
	cfg     config.LedgerConfig
	prices  *PriceService
	rounds  *RoundService
	stakes  *StakeService
	users   *UserService
}

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{
		RoundDuration:       time.Hour,
		PollInterval:        time.Second,
		TokenDecimals:       0,
		MinStake:            10,
		MaxStake:            10000,
		PlatformFeeBps:      300,
		EmergencyGrace:      48 * time.Hour,
		EmergencyPenaltyBps: 1000,
		FundingVerifyWindow: 10 * time.Minute,
		ReleaseExpiry:       2 * time.Minute,
	}
}

func testPriceConfig() config.PriceConfig {
	return config.PriceConfig{
		Staleness:       10 * time.Second,
		HistoryTTL:      time.Minute,
		HistoryCapacity: 1440,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	repo := repository.NewRepository(db)
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NopLogger()
	cfg := testLedgerConfig()

	f := &fixture{
		db:      db,
		repo:    repo,
		clock:   clock,
		oracle:  testutil.NewFakeOracle("1.0000", clock.Now),
		custody: &fakeCustody{balance: 5000},
		events:  &testutil.RecordingPublisher{},
		cfg:     cfg,
	}

	f.prices = NewPriceService(f.oracle, nil, testPriceConfig(), cfg.TokenDecimals, logger, metrics)
	f.prices.SetClock(clock.Now)
	f.prices.SetRetryBackoff(time.Millisecond)

	f.rounds = NewRoundService(repo, NewKeyedLocker(), f.events, cfg, logger, metrics)
	f.rounds.SetClock(clock.Now)

	f.stakes = NewStakeService(repo, f.rounds, f.prices, f.custody, f.events, cfg, logger, metrics)
	f.stakes.SetClock(clock.Now)

	f.users = NewUserService(repo, f.custody, logger)
	return f
}

func (f *fixture) openRound(t *testing.T, price string) *models.Round {
	t.Helper()
	r, err := f.rounds.OpenNextRound(context.Background(), decimal.RequireFromString(price), f.clock.Now())
	require.NoError(t, err)
	return r
}

func (f *fixture) submit(wallet string, direction models.Direction, amount int64) (*models.Prediction, error) {
	return f.stakes.SubmitStake(context.Background(), models.SubmitPredictionRequest{
		WalletAddress: wallet,
		Direction:     string(direction),
		Amount:        amount,
		TxHash:        "tx-" + uuid.NewString(),
	})
}

func (f *fixture) mustSubmit(t *testing.T, wallet string, direction models.Direction, amount int64) *models.Prediction {
	t.Helper()
	p, err := f.submit(wallet, direction, amount)
	require.NoError(t, err)
	return p
}

// lockRound advances past the round's lock time and locks it.
func (f *fixture) lockRound(t *testing.T, roundID int64) {
	t.Helper()
	r, err := f.rounds.GetRound(context.Background(), roundID)
	require.NoError(t, err)
	if f.clock.Now().Before(r.LockTime) {
		f.clock.Set(r.LockTime)
	}
	_, err = f.rounds.Lock(context.Background(), roundID)
	require.NoError(t, err)
}

func (f *fixture) round(t *testing.T, roundID int64) *models.Round {
	t.Helper()
	r, err := f.rounds.GetRound(context.Background(), roundID)
	require.NoError(t, err)
	return r
}

func (f *fixture) stake(t *testing.T, id uuid.UUID) *models.Prediction {
	t.Helper()
	p, err := f.stakes.GetStake(context.Background(), id)
	require.NoError(t, err)
	return p
}

// requirePoolInvariant checks that the round's totals equal its active stakes.
func (f *fixture) requirePoolInvariant(t *testing.T, roundID int64) {
	t.Helper()
	r := f.round(t, roundID)
	stakes, err := f.repo.GetRoundPredictions(context.Background(), roundID)
	require.NoError(t, err)

	var up, down int64
	for _, st := range stakes {
		if !st.Status.Active() {
			continue
		}
		if st.Direction == models.DirectionUp {
			up += st.Amount
		} else {
			down += st.Amount
		}
	}
	require.Equal(t, up, r.TotalUpStake, "up pool")
	require.Equal(t, down, r.TotalDownStake, "down pool")
}
