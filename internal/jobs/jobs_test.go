package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"
	"prediction-rounds/internal/repository"
	"prediction-rounds/internal/services"
	"prediction-rounds/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okCustody struct {
	unverified atomic.Bool
}

func (c *okCustody) VerifyFunding(ctx context.Context, txHash, wallet string, amount int64) (services.FundingReceipt, error) {
	if c.unverified.Load() {
		return services.FundingReceipt{}, nil
	}
	return services.FundingReceipt{Confirmed: true, BlockNumber: 1}, nil
}

func (c *okCustody) Release(ctx context.Context, wallet string, amount int64, memo string) (string, error) {
	return "sig", nil
}

func (c *okCustody) ReleaseStatus(ctx context.Context, ref string) (services.ReleaseState, error) {
	return services.ReleaseLanded, nil
}

func (c *okCustody) Balance(ctx context.Context, wallet string) (int64, error) {
	return 0, nil
}

type harness struct {
	clock     *testutil.Clock
	oracle    *testutil.FakeOracle
	custody   *okCustody
	events    *testutil.RecordingPublisher
	rounds    *services.RoundService
	stakes    *services.StakeService
	scheduler *RoundScheduler
	recorder  *PriceRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	repo := repository.NewRepository(db)
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NopLogger()

	ledger := config.LedgerConfig{
		RoundDuration:       time.Hour,
		PollInterval:        time.Second,
		MinStake:            1,
		MaxStake:            1000,
		PlatformFeeBps:      300,
		EmergencyGrace:      48 * time.Hour,
		EmergencyPenaltyBps: 1000,
		FundingVerifyWindow: 10 * time.Minute,
		ReleaseExpiry:       2 * time.Minute,
	}
	priceCfg := config.PriceConfig{Staleness: 10 * time.Second, HistoryTTL: time.Minute, HistoryCapacity: 100}

	h := &harness{
		clock:   clock,
		oracle:  testutil.NewFakeOracle("100", clock.Now),
		custody: &okCustody{},
		events:  &testutil.RecordingPublisher{},
	}
	prices := services.NewPriceService(h.oracle, nil, priceCfg, 0, logger, metrics)
	prices.SetClock(clock.Now)
	prices.SetRetryBackoff(time.Millisecond)

	h.rounds = services.NewRoundService(repo, services.NewKeyedLocker(), h.events, ledger, logger, metrics)
	h.rounds.SetClock(clock.Now)
	h.stakes = services.NewStakeService(repo, h.rounds, prices, h.custody, h.events, ledger, logger, metrics)
	h.stakes.SetClock(clock.Now)

	h.scheduler = NewRoundScheduler(h.rounds, h.stakes, prices, time.Second, ledger.FundingVerifyWindow, logger)
	h.recorder = NewPriceRecorder(prices, h.events, time.Minute, 5*time.Second, logger)
	return h
}

func TestSchedulerDrivesRoundLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scheduler.Tick(ctx)
	first, err := h.rounds.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)
	assert.True(t, first.StartPrice.Equal(decimal.NewFromInt(100)))

	_, err = h.stakes.SubmitStake(ctx, models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(1), Direction: "UP", Amount: 100, TxHash: "a",
	})
	require.NoError(t, err)
	_, err = h.stakes.SubmitStake(ctx, models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(2), Direction: "DOWN", Amount: 100, TxHash: "b",
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.oracle.SetPrice("105")
	h.scheduler.Tick(ctx)

	locked, err := h.rounds.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusLocked, locked.Status, "no closing price recorded yet")

	second, err := h.rounds.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)
	assert.True(t, second.StartPrice.Equal(decimal.NewFromInt(105)))

	h.recorder.Sample(ctx)
	h.scheduler.Tick(ctx)

	resolved, err := h.rounds.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusResolved, resolved.Status)
	require.NotNil(t, resolved.WinningDirection)
	assert.Equal(t, models.DirectionUp, *resolved.WinningDirection)

	h.scheduler.Tick(ctx)
	current, err := h.rounds.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID, "ticks are idempotent")
}

func TestSchedulerWaitsForFundingThenVoids(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scheduler.Tick(ctx)
	first, err := h.rounds.CurrentRound(ctx)
	require.NoError(t, err)

	h.custody.unverified.Store(true)
	unfunded, err := h.stakes.SubmitStake(ctx, models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(1), Direction: "UP", Amount: 100, TxHash: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusPending, unfunded.Status)
	h.custody.unverified.Store(false)
	_, err = h.stakes.SubmitStake(ctx, models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(2), Direction: "DOWN", Amount: 100, TxHash: "b",
	})
	require.NoError(t, err)
	h.custody.unverified.Store(true)

	h.clock.Advance(time.Hour)
	h.oracle.SetPrice("105")
	h.scheduler.Tick(ctx)
	h.recorder.Sample(ctx)
	h.scheduler.Tick(ctx)

	waiting, err := h.rounds.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusLocked, waiting.Status, "funding window still open")

	h.clock.Advance(10 * time.Minute)
	h.scheduler.Tick(ctx)

	resolved, err := h.rounds.GetRound(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusResolved, resolved.Status)
	assert.Equal(t, int64(0), resolved.TotalUpStake)
	assert.Equal(t, int64(100), resolved.PlatformFee)

	voided, err := h.stakes.GetStake(ctx, unfunded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusVoid, voided.Status)
}

func TestSchedulerWaitsForPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.oracle.SetFailing(true)

	h.scheduler.Tick(ctx)
	_, err := h.rounds.CurrentRound(ctx)
	assert.ErrorIs(t, err, services.ErrRoundNotFound)

	h.oracle.SetFailing(false)
	h.scheduler.Tick(ctx)
	_, err = h.rounds.CurrentRound(ctx)
	assert.NoError(t, err)
}

func TestPriceRecorderBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.recorder.Broadcast(ctx)
	events := h.events.Events()
	require.Len(t, events, 1)
	update, ok := events[0].(notify.PriceUpdated)
	require.True(t, ok)
	assert.True(t, update.Sample.Price.Equal(decimal.NewFromInt(100)))

	h.oracle.SetFailing(true)
	h.clock.Advance(time.Minute)
	h.recorder.Sample(ctx)
	h.recorder.Broadcast(ctx)
	assert.Len(t, h.events.Events(), 2, "last known price is still broadcast")
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	go func() {
		h.scheduler.Start()
		close(done)
	}()
	h.scheduler.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
