package services

import (
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/repository"
)

// ProjectUserDeltas folds one settlement into per-user aggregate deltas.
// stakes must be in submission order; emergency-withdrawn stakes are skipped.
func ProjectUserDeltas(stakes []*models.Prediction, s Settlement) map[uint]repository.UserDelta {
	type acc struct {
		delta repository.UserDelta
		run   int64
	}
	byUser := make(map[uint]*acc)

	for _, st := range stakes {
		if !st.Status.Active() {
			continue
		}
		a, ok := byUser[st.UserID]
		if !ok {
			a = &acc{}
			byUser[st.UserID] = a
		}

		a.delta.Staked += st.Amount
		a.delta.Predictions++

		if payout, won := s.Payouts[st.ID]; won {
			a.delta.Correct++
			a.delta.Winnings += payout
			a.run++
			continue
		}

		if !a.delta.HadLoss {
			a.delta.LeadingWins = a.run
			a.delta.HadLoss = true
		} else if a.run > a.delta.BestRun {
			a.delta.BestRun = a.run
		}
		a.run = 0
	}

	out := make(map[uint]repository.UserDelta, len(byUser))
	for id, a := range byUser {
		if a.delta.HadLoss {
			a.delta.TrailingWins = a.run
			if a.run > a.delta.BestRun {
				a.delta.BestRun = a.run
			}
		} else {
			a.delta.LeadingWins = a.run
		}
		out[id] = a.delta
	}
	return out
}
