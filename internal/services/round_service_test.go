package services

import (
	"context"
	"testing"
	"time"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/repository"
	"prediction-rounds/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNextRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "1.0000")
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, models.RoundStatusOpen, r.Status)
	assert.Equal(t, f.clock.Now().Add(time.Hour), r.LockTime)

	_, err := f.rounds.OpenNextRound(ctx, decimal.NewFromInt(1), f.clock.Now())
	assert.ErrorIs(t, err, ErrRoundAlreadyOpen)

	_, err = f.rounds.OpenNextRound(ctx, decimal.Zero, f.clock.Now())
	assert.ErrorIs(t, err, ErrInvalidPrice)

	f.lockRound(t, r.ID)
	next := f.openRound(t, "1.1000")
	assert.Equal(t, int64(2), next.ID)

	current, err := f.rounds.CurrentRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.ID, current.ID)
}

func TestSettlementScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userA, userB := testutil.Wallet(1), testutil.Wallet(2)

	r := f.openRound(t, "1.0000")
	a := f.mustSubmit(t, userA, models.DirectionUp, 100)
	b := f.mustSubmit(t, userB, models.DirectionDown, 300)
	assert.Equal(t, models.PredictionStatusConfirmed, a.Status)
	f.requirePoolInvariant(t, r.ID)

	f.lockRound(t, r.ID)
	s, err := f.rounds.Resolve(ctx, r.ID, decimal.RequireFromString("1.05"))
	require.NoError(t, err)
	assert.Equal(t, models.DirectionUp, s.Winning)
	assert.Equal(t, int64(12), s.Fee)
	assert.Equal(t, int64(288), s.Distributable)

	resolved := f.round(t, r.ID)
	assert.Equal(t, models.RoundStatusResolved, resolved.Status)
	require.NotNil(t, resolved.EndPrice)
	assert.True(t, resolved.EndPrice.Equal(decimal.RequireFromString("1.05")))
	require.NotNil(t, resolved.WinningDirection)
	assert.Equal(t, models.DirectionUp, *resolved.WinningDirection)
	assert.Equal(t, int64(12), resolved.PlatformFee)

	winner := f.stake(t, a.ID)
	assert.Equal(t, models.PredictionStatusClaimable, winner.Status)
	require.NotNil(t, winner.WinningAmount)
	assert.Equal(t, int64(388), *winner.WinningAmount)
	assert.Equal(t, models.PredictionStatusLost, f.stake(t, b.ID).Status)
	f.requirePoolInvariant(t, r.ID)

	claimed, err := f.stakes.Claim(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusClaimed, claimed.Status)
	require.NotNil(t, claimed.ClaimTxHash)
	assert.Equal(t, "release-1", *claimed.ClaimTxHash)

	_, err = f.stakes.Claim(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Len(t, f.custody.Releases(), 1)
	assert.Equal(t, int64(388), f.custody.Releases()[0].Amount)
	assert.Equal(t, userA, f.custody.Releases()[0].Wallet)

	_, err = f.stakes.Claim(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	profile, err := f.users.GetProfile(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, int64(388), profile.TotalWinnings)
	assert.Equal(t, int64(100), profile.TotalStaked)
	assert.Equal(t, int64(1), profile.WinStreak)
	assert.True(t, profile.WinRate.Equal(decimal.NewFromInt(100)))

	loser, err := f.users.GetProfile(ctx, userB)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loser.WinStreak)
	assert.Equal(t, int64(1), loser.TotalPredictions)
	assert.Equal(t, int64(0), loser.CorrectPredictions)
}

func TestResolveTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 150)
	f.mustSubmit(t, testutil.Wallet(2), models.DirectionDown, 70)
	f.lockRound(t, r.ID)

	_, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(9))
	require.NoError(t, err)
	first := f.round(t, r.ID)
	firstStakes, err := f.repo.GetRoundPredictions(ctx, r.ID)
	require.NoError(t, err)

	_, err = f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	second := f.round(t, r.ID)
	assert.Equal(t, *first.WinningDirection, *second.WinningDirection)
	assert.Equal(t, first.PlatformFee, second.PlatformFee)
	assert.True(t, first.EndPrice.Equal(*second.EndPrice))

	secondStakes, err := f.repo.GetRoundPredictions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, secondStakes, len(firstStakes))
	for i := range firstStakes {
		assert.Equal(t, firstStakes[i].Status, secondStakes[i].Status)
		assert.Equal(t, firstStakes[i].WinningAmount, secondStakes[i].WinningAmount)
	}

	profile, err := f.users.GetProfile(ctx, testutil.Wallet(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.TotalPredictions)
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)
	f.mustSubmit(t, testutil.Wallet(2), models.DirectionDown, 100)
	f.lockRound(t, r.ID)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(12))
			errs <- err
		}()
	}

	var ok, already int
	for i := 0; i < 5; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrAlreadyResolved):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, already)

	profile, err := f.users.GetProfile(ctx, testutil.Wallet(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.TotalPredictions)
}

func TestResolveRequiresLockedRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.openRound(t, "10")

	_, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrRoundNotLocked)

	_, err = f.rounds.Resolve(ctx, 99, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrRoundNotFound)

	f.lockRound(t, r.ID)
	_, err = f.rounds.Resolve(ctx, r.ID, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestLockWaitsForLockTimeAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.openRound(t, "10")

	_, err := f.rounds.Lock(ctx, r.ID)
	assert.ErrorIs(t, err, ErrLockTimeNotReached)

	f.clock.Advance(time.Hour)
	locked, err := f.rounds.Lock(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusLocked, locked.Status)

	again, err := f.rounds.Lock(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusLocked, again.Status)

	var lockEvents int
	for _, ev := range f.events.Events() {
		if _, ok := ev.(notify.RoundLocked); ok {
			lockEvents++
		}
	}
	assert.Equal(t, 1, lockEvents)
}

func TestStakeAfterLockTimeIsRejected(t *testing.T) {
	f := newFixture(t)
	r := f.openRound(t, "10")
	f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)

	f.clock.Advance(time.Hour)
	_, err := f.submit(testutil.Wallet(2), models.DirectionDown, 100)
	assert.ErrorIs(t, err, ErrRoundExpired)

	f.lockRound(t, r.ID)
	_, err = f.rounds.RecordStake(context.Background(), StakeInput{
		RoundID: r.ID, UserID: 1, Wallet: testutil.Wallet(1),
		Direction: models.DirectionDown, Amount: 100, TxHash: "late",
	})
	assert.ErrorIs(t, err, ErrRoundNotOpen)

	got := f.round(t, r.ID)
	assert.Equal(t, int64(100), got.TotalUpStake)
	assert.Equal(t, int64(0), got.TotalDownStake)
	f.requirePoolInvariant(t, r.ID)
}

func TestStakeBounds(t *testing.T) {
	f := newFixture(t)
	r := f.openRound(t, "10")

	cases := []struct {
		amount int64
		ok     bool
	}{
		{f.cfg.MinStake - 1, false},
		{f.cfg.MinStake, true},
		{f.cfg.MaxStake, true},
		{f.cfg.MaxStake + 1, false},
	}
	for i, tc := range cases {
		_, err := f.submit(testutil.Wallet(i), models.DirectionUp, tc.amount)
		if tc.ok {
			assert.NoError(t, err, "amount %d", tc.amount)
		} else {
			assert.ErrorIs(t, err, ErrStakeOutOfBounds, "amount %d", tc.amount)
			assert.Equal(t, KindValidation, KindOf(err))
		}
	}

	got := f.round(t, r.ID)
	assert.Equal(t, f.cfg.MinStake+f.cfg.MaxStake, got.TotalUpStake)
	assert.Equal(t, int64(2), got.UpStakers)
}

func TestSubmitStakeValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(testutil.Wallet(1), models.DirectionUp, 100)
	assert.ErrorIs(t, err, ErrRoundNotOpen, "no round open yet")

	f.openRound(t, "10")

	_, err = f.submit("not-a-wallet", models.DirectionUp, 100)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = f.submit(testutil.Wallet(1), models.Direction("SIDEWAYS"), 100)
	assert.ErrorIs(t, err, ErrInvalidDirection)

	_, err = f.stakes.SubmitStake(context.Background(), models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(1), Direction: "up", Amount: 100, TxHash: "  ",
	})
	assert.ErrorIs(t, err, ErrInvalidFundingReference)

	p, err := f.stakes.SubmitStake(context.Background(), models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(1), Direction: "up", Amount: 100, TxHash: "funding-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionUp, p.Direction)

	_, err = f.stakes.SubmitStake(context.Background(), models.SubmitPredictionRequest{
		WalletAddress: testutil.Wallet(2), Direction: "down", Amount: 100, TxHash: "funding-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateFundingReference)
	assert.Equal(t, KindStateConflict, KindOf(err))
}

func TestSubmitStakeFailsWithoutPrice(t *testing.T) {
	f := newFixture(t)
	r := f.openRound(t, "10")
	f.oracle.SetFailing(true)

	_, err := f.submit(testutil.Wallet(1), models.DirectionUp, 100)
	assert.ErrorIs(t, err, ErrNoPriceAvailable)
	assert.Equal(t, int64(0), f.round(t, r.ID).TotalUpStake)
}

func TestConcurrentStakesAreNotLost(t *testing.T) {
	f := newFixture(t)
	r := f.openRound(t, "10")

	const callers = 50
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			_, err := f.submit(testutil.Wallet(i), models.DirectionDown, 100)
			errs <- err
		}(i)
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}

	got := f.round(t, r.ID)
	assert.Equal(t, int64(5000), got.TotalDownStake)
	assert.Equal(t, int64(callers), got.DownStakers)
	assert.Equal(t, int64(callers), got.TotalStakers)
	assert.Equal(t, int64(0), got.UpStakers)
	f.requirePoolInvariant(t, r.ID)
}

func TestRepeatStakerCountedOnce(t *testing.T) {
	f := newFixture(t)
	r := f.openRound(t, "10")
	w := testutil.Wallet(7)

	f.mustSubmit(t, w, models.DirectionUp, 100)
	f.mustSubmit(t, w, models.DirectionUp, 50)
	f.mustSubmit(t, w, models.DirectionDown, 20)

	got := f.round(t, r.ID)
	assert.Equal(t, int64(150), got.TotalUpStake)
	assert.Equal(t, int64(20), got.TotalDownStake)
	assert.Equal(t, int64(1), got.UpStakers)
	assert.Equal(t, int64(1), got.DownStakers)
	assert.Equal(t, int64(1), got.TotalStakers)
}

func TestTieResolvesDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "25.5")
	up := f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)
	down := f.mustSubmit(t, testutil.Wallet(2), models.DirectionDown, 100)
	f.lockRound(t, r.ID)

	s, err := f.rounds.Resolve(ctx, r.ID, decimal.RequireFromString("25.50"))
	require.NoError(t, err)
	assert.Equal(t, models.DirectionDown, s.Winning)
	assert.Equal(t, models.PredictionStatusLost, f.stake(t, up.ID).Status)
	assert.Equal(t, models.PredictionStatusClaimable, f.stake(t, down.ID).Status)
}

func TestResolveWithoutWinners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	f.mustSubmit(t, testutil.Wallet(1), models.DirectionDown, 400)
	f.lockRound(t, r.ID)

	s, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	require.NoError(t, err)
	assert.Equal(t, int64(400), s.Fee)
	assert.Empty(t, s.Payouts)
	assert.Equal(t, int64(400), f.round(t, r.ID).PlatformFee)
}

func TestInvariantViolationFreezesRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	p := f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)
	f.mustSubmit(t, testutil.Wallet(2), models.DirectionDown, 100)
	f.lockRound(t, r.ID)

	require.NoError(t, f.db.Model(&models.Round{}).Where("id = ?", r.ID).
		Update("total_up_stake", 999).Error)

	_, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, KindInvariantViolation, KindOf(err))

	frozen := f.round(t, r.ID)
	assert.True(t, frozen.Frozen)
	require.NotNil(t, frozen.FrozenReason)
	assert.Equal(t, models.RoundStatusLocked, frozen.Status)
	assert.Nil(t, frozen.EndPrice)
	assert.Equal(t, models.PredictionStatusConfirmed, f.stake(t, p.ID).Status)

	_, err = f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	assert.ErrorIs(t, err, ErrRoundFrozen)

	locked, err := f.rounds.ListLocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestResolveEmitsEventsInTransitionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)
	f.mustSubmit(t, testutil.Wallet(2), models.DirectionDown, 100)
	f.lockRound(t, r.ID)
	f.events.Reset()

	_, err := f.rounds.Resolve(ctx, r.ID, decimal.NewFromInt(11))
	require.NoError(t, err)

	events := f.events.Events()
	require.Len(t, events, 5)
	resolved, ok := events[0].(notify.RoundResolved)
	require.True(t, ok)
	assert.Equal(t, models.RoundStatusResolved, resolved.Round.Status)
	for _, ev := range events[1:3] {
		settled, ok := ev.(notify.StakeSettled)
		require.True(t, ok)
		assert.Contains(t, []models.PredictionStatus{
			models.PredictionStatusClaimable, models.PredictionStatusLost,
		}, settled.Stake.Status)
	}
	for _, ev := range events[3:] {
		_, ok := ev.(notify.UserUpdated)
		assert.True(t, ok)
	}
}

func TestListDueForLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.openRound(t, "10")

	due, err := f.rounds.ListDueForLock(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.clock.Advance(time.Hour)
	due, err = f.rounds.ListDueForLock(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, r.ID, due[0].ID)

	rounds, total, err := f.rounds.ListRounds(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, rounds, 1)
}

func TestFrozenOpenRoundIsNotCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.openRound(t, "10")
	require.NoError(t, f.repo.FreezeRound(ctx, r.ID, "pool drift"))

	_, err := f.rounds.CurrentRound(ctx)
	assert.ErrorIs(t, err, ErrRoundNotFound)

	_, err = f.submit(testutil.Wallet(1), models.DirectionUp, 100)
	assert.ErrorIs(t, err, ErrRoundNotOpen)

	_, err = f.rounds.RecordStake(ctx, StakeInput{
		RoundID: r.ID, UserID: 1, Wallet: testutil.Wallet(1),
		Direction: models.DirectionUp, Amount: 100, TxHash: "frozen",
	})
	assert.ErrorIs(t, err, ErrRoundFrozen)
	assert.Equal(t, int64(0), f.round(t, r.ID).TotalUpStake)

	_, err = f.rounds.OpenNextRound(ctx, decimal.NewFromInt(10), f.clock.Now())
	assert.ErrorIs(t, err, ErrRoundAlreadyOpen, "a frozen open round blocks the next one")
}

func TestStakeTransitionsAreEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openRound(t, "10")
	p := f.mustSubmit(t, testutil.Wallet(1), models.DirectionUp, 100)
	require.Equal(t, models.PredictionStatusConfirmed, p.Status)

	cases := []struct {
		from, to models.PredictionStatus
	}{
		{models.PredictionStatusConfirmed, models.PredictionStatusClaimed},
		{models.PredictionStatusPending, models.PredictionStatusClaimable},
		{models.PredictionStatusEmergencyWithdrawn, models.PredictionStatusEmergencyWithdrawn},
		{models.PredictionStatusVoid, models.PredictionStatusConfirmed},
	}
	for _, tc := range cases {
		ok, err := f.repo.TransitionPrediction(ctx, p.ID, tc.from, tc.to, nil)
		assert.ErrorIs(t, err, repository.ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
		assert.False(t, ok)
	}
	assert.Equal(t, models.PredictionStatusConfirmed, f.stake(t, p.ID).Status)

	ok, err := f.repo.TransitionPrediction(ctx, p.ID, models.PredictionStatusConfirmed, models.PredictionStatusLost, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
