package jobs

import (
	"context"
	"errors"
	"time"

	"prediction-rounds/internal/services"

	"github.com/rs/zerolog"
)

// RoundScheduler drives rounds through their lifecycle: it locks rounds whose
// lock time has passed, opens the next round at the current price and
// resolves locked rounds once a price observation at or after their lock
// time exists. A locked round with unverified stakes waits up to
// fundingWindow past its lock time before it resolves and voids them.
type RoundScheduler struct {
	rounds        *services.RoundService
	stakes        *services.StakeService
	prices        *services.PriceService
	interval      time.Duration
	fundingWindow time.Duration
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRoundScheduler creates a new round scheduler job
func NewRoundScheduler(
	rounds *services.RoundService,
	stakes *services.StakeService,
	prices *services.PriceService,
	interval time.Duration,
	fundingWindow time.Duration,
	logger zerolog.Logger,
) *RoundScheduler {
	return &RoundScheduler{
		rounds:        rounds,
		stakes:        stakes,
		prices:        prices,
		interval:      interval,
		fundingWindow: fundingWindow,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start runs the scheduling loop until Stop is called
func (rs *RoundScheduler) Start() {
	rs.logger.Info().Dur("interval", rs.interval).Msg("starting round scheduler")

	rs.Tick(context.Background())

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.Tick(context.Background())
		case <-rs.stopChan:
			rs.logger.Info().Msg("stopping round scheduler")
			return
		}
	}
}

// Stop stops the scheduling loop
func (rs *RoundScheduler) Stop() {
	close(rs.stopChan)
}

// Tick runs one scheduling pass.
func (rs *RoundScheduler) Tick(ctx context.Context) {
	rs.lockDueRounds(ctx)
	rs.ensureOpenRound(ctx)
	rs.resolveLockedRounds(ctx)
	rs.reconcileTransfers(ctx)
}

func (rs *RoundScheduler) lockDueRounds(ctx context.Context) {
	due, err := rs.rounds.ListDueForLock(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("failed to list rounds due for lock")
		return
	}
	for _, r := range due {
		if _, err := rs.rounds.Lock(ctx, r.ID); err != nil {
			rs.logger.Error().Err(err).Int64("round_id", r.ID).Msg("failed to lock round")
		}
	}
}

func (rs *RoundScheduler) ensureOpenRound(ctx context.Context) {
	if _, err := rs.rounds.CurrentRound(ctx); err == nil {
		return
	} else if !errors.Is(err, services.ErrRoundNotFound) {
		rs.logger.Error().Err(err).Msg("failed to load current round")
		return
	}

	price, err := rs.prices.GetCurrentPrice(ctx)
	if err != nil {
		rs.logger.Warn().Err(err).Msg("no price available, next round not opened")
		return
	}

	_, err = rs.rounds.OpenNextRound(ctx, price.Price, rs.rounds.Now())
	if err != nil && !errors.Is(err, services.ErrRoundAlreadyOpen) {
		rs.logger.Error().Err(err).Msg("failed to open round")
	}
}

func (rs *RoundScheduler) resolveLockedRounds(ctx context.Context) {
	locked, err := rs.rounds.ListLocked(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("failed to list locked rounds")
		return
	}

	for _, r := range locked {
		if _, err := rs.stakes.ConfirmPending(ctx, r.ID); err != nil {
			rs.logger.Warn().Err(err).Int64("round_id", r.ID).Msg("failed to confirm pending stakes")
		}
		if rs.awaitingFunding(ctx, r.ID, r.LockTime) {
			continue
		}

		obs, ok := rs.prices.ObservationAt(r.LockTime)
		if !ok {
			rs.logger.Debug().Int64("round_id", r.ID).Time("lock_time", r.LockTime).Msg("waiting for closing price")
			continue
		}

		if _, err := rs.rounds.Resolve(ctx, r.ID, obs.Price); err != nil {
			if errors.Is(err, services.ErrAlreadyResolved) {
				continue
			}
			rs.logger.Error().Err(err).Int64("round_id", r.ID).Msg("failed to resolve round")
		}
	}
}

// awaitingFunding reports whether a locked round should hold off resolving
// because some of its stakes are still unverified and the funding window
// after lock time is still open.
func (rs *RoundScheduler) awaitingFunding(ctx context.Context, roundID int64, lockTime time.Time) bool {
	pending, err := rs.stakes.CountPending(ctx, roundID)
	if err != nil {
		rs.logger.Warn().Err(err).Int64("round_id", roundID).Msg("failed to count pending stakes")
		return true
	}
	if pending == 0 {
		return false
	}
	if rs.rounds.Now().Before(lockTime.Add(rs.fundingWindow)) {
		rs.logger.Debug().Int64("round_id", roundID).Int("pending", pending).Msg("waiting for stake funding")
		return true
	}
	rs.logger.Warn().Int64("round_id", roundID).Int("pending", pending).Msg("resolving with unverified stakes, they will be voided")
	return false
}

func (rs *RoundScheduler) reconcileTransfers(ctx context.Context) {
	n, err := rs.stakes.ReconcileTransfers(ctx)
	if err != nil {
		rs.logger.Error().Err(err).Msg("failed to reconcile transfers")
		return
	}
	if n > 0 {
		rs.logger.Info().Int("settled", n).Msg("reconciled transfers")
	}
}
