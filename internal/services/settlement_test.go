package services

import (
	"math/rand"
	"testing"

	"prediction-rounds/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stakeOf(direction models.Direction, amount int64) *models.Prediction {
	return &models.Prediction{ID: uuid.New(), Direction: direction, Amount: amount}
}

func TestWinningDirection(t *testing.T) {
	d := decimal.RequireFromString
	assert.Equal(t, models.DirectionUp, WinningDirection(d("1.0000"), d("1.05")))
	assert.Equal(t, models.DirectionDown, WinningDirection(d("1.0000"), d("0.99")))
	assert.Equal(t, models.DirectionDown, WinningDirection(d("1.0000"), d("1")), "ties resolve down")
}

func TestComputeSettlementProportionalSplit(t *testing.T) {
	a := stakeOf(models.DirectionUp, 100)
	b := stakeOf(models.DirectionDown, 300)

	s := ComputeSettlement(models.DirectionUp, []*models.Prediction{a, b}, 300)
	assert.Equal(t, int64(100), s.WinPool)
	assert.Equal(t, int64(300), s.LosePool)
	assert.Equal(t, int64(12), s.Fee)
	assert.Equal(t, int64(288), s.Distributable)
	assert.Equal(t, int64(388), s.Payouts[a.ID])
	assert.NotContains(t, s.Payouts, b.ID)
	assert.Equal(t, int64(0), s.Dust)
}

func TestComputeSettlementDust(t *testing.T) {
	w1 := stakeOf(models.DirectionUp, 10)
	w2 := stakeOf(models.DirectionUp, 10)
	w3 := stakeOf(models.DirectionUp, 10)
	l := stakeOf(models.DirectionDown, 100)

	s := ComputeSettlement(models.DirectionUp, []*models.Prediction{w1, w2, w3, l}, 0)
	for _, w := range []*models.Prediction{w1, w2, w3} {
		assert.Equal(t, int64(43), s.Payouts[w.ID])
	}
	assert.Equal(t, int64(1), s.Dust)
	assert.Equal(t, s.WinPool+s.Distributable, s.PayoutTotal()+s.Dust)
}

func TestComputeSettlementNoWinners(t *testing.T) {
	s := ComputeSettlement(models.DirectionUp, []*models.Prediction{
		stakeOf(models.DirectionDown, 70),
		stakeOf(models.DirectionDown, 30),
	}, 300)
	assert.Equal(t, int64(0), s.WinPool)
	assert.Equal(t, int64(100), s.Fee)
	assert.Empty(t, s.Payouts)
}

func TestComputeSettlementFeeNeverExceedsLosingPool(t *testing.T) {
	w := stakeOf(models.DirectionUp, 1000)
	l := stakeOf(models.DirectionDown, 10)

	s := ComputeSettlement(models.DirectionUp, []*models.Prediction{w, l}, 300)
	assert.Equal(t, int64(10), s.Fee)
	assert.Equal(t, int64(1000), s.Payouts[w.ID], "winners keep their principal")
}

func TestComputeSettlementLargeAmounts(t *testing.T) {
	const big = int64(1) << 60
	w := stakeOf(models.DirectionDown, big)
	l := stakeOf(models.DirectionUp, big/2)

	s := ComputeSettlement(models.DirectionDown, []*models.Prediction{w, l}, 250)
	require.Contains(t, s.Payouts, w.ID)
	assert.Equal(t, big+s.Distributable, s.Payouts[w.ID])
	assert.GreaterOrEqual(t, s.Dust, int64(0))
}

func TestComputeSettlementPayoutBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(20)
		stakes := make([]*models.Prediction, 0, n)
		for j := 0; j < n; j++ {
			dir := models.DirectionUp
			if rng.Intn(2) == 0 {
				dir = models.DirectionDown
			}
			stakes = append(stakes, stakeOf(dir, 1+rng.Int63n(1_000_000_000)))
		}
		feeBps := rng.Int63n(1000)

		s := ComputeSettlement(models.DirectionUp, stakes, feeBps)
		if s.WinPool == 0 {
			assert.Equal(t, s.LosePool, s.Fee)
			continue
		}

		total := s.PayoutTotal()
		assert.LessOrEqual(t, total, s.WinPool+s.Distributable)
		assert.Equal(t, s.WinPool+s.Distributable, total+s.Dust)
		assert.GreaterOrEqual(t, s.Dust, int64(0))
		assert.Less(t, s.Dust, int64(len(s.Payouts))+1, "dust is bounded by one unit per winner")
		for _, st := range stakes {
			if st.Direction == models.DirectionUp {
				assert.GreaterOrEqual(t, s.Payouts[st.ID], st.Amount)
			}
		}
	}
}

func TestEmergencyAmounts(t *testing.T) {
	returned, penalty := EmergencyAmounts(50, 1000)
	assert.Equal(t, int64(45), returned)
	assert.Equal(t, int64(5), penalty)

	returned, penalty = EmergencyAmounts(19, 1000)
	assert.Equal(t, int64(18), returned)
	assert.Equal(t, int64(1), penalty)

	returned, penalty = EmergencyAmounts(7, 0)
	assert.Equal(t, int64(7), returned)
	assert.Equal(t, int64(0), penalty)
}
