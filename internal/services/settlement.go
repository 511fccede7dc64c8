package services

import (
	"prediction-rounds/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const bpsDenominator = 10000

// Settlement is the outcome of one round's resolution, computed once from a
// single snapshot of its active stakes.
type Settlement struct {
	Winning       models.Direction
	WinPool       int64
	LosePool      int64
	Fee           int64
	Distributable int64
	Dust          int64
	Payouts       map[uuid.UUID]int64
}

// WinningDirection returns Up when end is strictly above start. Ties go Down.
func WinningDirection(start, end decimal.Decimal) models.Direction {
	if end.GreaterThan(start) {
		return models.DirectionUp
	}
	return models.DirectionDown
}

// ComputeSettlement splits the losing pool among the winning stakes.
//
//	fee           = floor(total * feeBps / 10000), capped at the losing pool
//	distributable = losePool - fee
//	payout        = amount + floor(distributable * amount / winPool)
//
// With no winning stake the whole losing pool is kept as fee. Integer
// division leftovers are reported as Dust and stay with the platform.
func ComputeSettlement(winning models.Direction, stakes []*models.Prediction, feeBps int64) Settlement {
	s := Settlement{Winning: winning, Payouts: make(map[uuid.UUID]int64)}

	for _, st := range stakes {
		if st.Direction == winning {
			s.WinPool += st.Amount
		} else {
			s.LosePool += st.Amount
		}
	}

	if s.WinPool == 0 {
		s.Fee = s.LosePool
		return s
	}

	total := decimal.NewFromInt(s.WinPool + s.LosePool)
	fee, _ := total.Mul(decimal.NewFromInt(feeBps)).QuoRem(decimal.NewFromInt(bpsDenominator), 0)
	s.Fee = fee.IntPart()
	if s.Fee > s.LosePool {
		s.Fee = s.LosePool
	}
	s.Distributable = s.LosePool - s.Fee

	distributable := decimal.NewFromInt(s.Distributable)
	winPool := decimal.NewFromInt(s.WinPool)
	var distributed int64
	for _, st := range stakes {
		if st.Direction != winning {
			continue
		}
		share, _ := distributable.Mul(decimal.NewFromInt(st.Amount)).QuoRem(winPool, 0)
		s.Payouts[st.ID] = st.Amount + share.IntPart()
		distributed += share.IntPart()
	}
	s.Dust = s.Distributable - distributed
	return s
}

// PayoutTotal sums every computed payout.
func (s Settlement) PayoutTotal() int64 {
	var sum int64
	for _, p := range s.Payouts {
		sum += p
	}
	return sum
}

// EmergencyAmounts splits a withdrawn stake into what is returned and the penalty.
func EmergencyAmounts(amount, penaltyBps int64) (returned, penalty int64) {
	p, _ := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(penaltyBps)).QuoRem(decimal.NewFromInt(bpsDenominator), 0)
	penalty = p.IntPart()
	return amount - penalty, penalty
}
