package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"
	"prediction-rounds/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	maxFundingReferenceLen = 128
	reconcileBatch         = 100
)

// USDQuoter prices token amounts in USD.
type USDQuoter interface {
	ConvertToUSD(ctx context.Context, amount int64) (decimal.Decimal, error)
}

// StakeService drives the stake state machine:
// PENDING -> CONFIRMED -> CLAIMABLE|LOST -> CLAIMED, with EMERGENCY_WITHDRAWN
// reachable from CONFIRMED and VOID from PENDING at resolution.
type StakeService struct {
	repo    *repository.Repository
	rounds  *RoundService
	quoter  USDQuoter
	custody TokenCustody
	events  EventPublisher
	cfg     config.LedgerConfig
	now     Clock
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewStakeService(
	repo *repository.Repository,
	rounds *RoundService,
	quoter USDQuoter,
	custody TokenCustody,
	events EventPublisher,
	cfg config.LedgerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *StakeService {
	return &StakeService{
		repo:    repo,
		rounds:  rounds,
		quoter:  quoter,
		custody: custody,
		events:  events,
		cfg:     cfg,
		now:     systemClock,
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock replaces the time source.
func (s *StakeService) SetClock(now Clock) {
	s.now = now
}

// SubmitStake validates an API stake request, books it against the open
// round and then tries to confirm its funding. A stake whose funding cannot be
// verified yet is returned PENDING.
func (s *StakeService) SubmitStake(ctx context.Context, req models.SubmitPredictionRequest) (*models.Prediction, error) {
	wallet, err := CanonicalAddress(req.WalletAddress)
	if err != nil {
		return nil, s.rounds.reject(err)
	}
	direction, ok := models.ParseDirection(req.Direction)
	if !ok {
		return nil, s.rounds.reject(ErrInvalidDirection.WithMessage("direction %q must be UP or DOWN", req.Direction))
	}
	txHash := strings.TrimSpace(req.TxHash)
	if txHash == "" || len(txHash) > maxFundingReferenceLen {
		return nil, s.rounds.reject(ErrInvalidFundingReference)
	}
	if req.Amount < s.cfg.MinStake || req.Amount > s.cfg.MaxStake {
		return nil, s.rounds.reject(ErrStakeOutOfBounds.WithMessage(
			"amount %d outside [%d, %d]", req.Amount, s.cfg.MinStake, s.cfg.MaxStake))
	}

	if _, err := s.repo.GetPredictionByTxHash(ctx, txHash); err == nil {
		return nil, s.rounds.reject(ErrDuplicateFundingReference)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, persistenceErr("check funding reference", err)
	}

	round, err := s.rounds.CurrentRound(ctx)
	if err != nil {
		if errors.Is(err, ErrRoundNotFound) {
			return nil, s.rounds.reject(ErrRoundNotOpen.WithMessage("no round is open"))
		}
		return nil, err
	}

	usd, err := s.quoter.ConvertToUSD(ctx, req.Amount)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return nil, persistenceErr("upsert user", err)
	}

	stake, err := s.rounds.RecordStake(ctx, StakeInput{
		RoundID:   round.ID,
		UserID:    user.ID,
		Wallet:    wallet,
		Direction: direction,
		Amount:    req.Amount,
		AmountUSD: usd,
		TxHash:    txHash,
	})
	if err != nil {
		return nil, err
	}

	confirmed, err := s.Confirm(ctx, stake.ID, 0)
	if err != nil {
		s.logger.Info().Err(err).Str("stake_id", stake.ID.String()).Msg("stake left pending")
		return stake, nil
	}
	return confirmed, nil
}

// Confirm verifies a PENDING stake's funding through custody and marks it
// CONFIRMED. Confirming a stake that is already past PENDING is a no-op.
func (s *StakeService) Confirm(ctx context.Context, stakeID uuid.UUID, blockNumber int64) (*models.Prediction, error) {
	stake, err := s.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if stake.Status != models.PredictionStatusPending {
		return stake, nil
	}

	receipt, err := s.custody.VerifyFunding(ctx, stake.TxHash, stake.WalletAddress, stake.Amount)
	if err != nil {
		return nil, ErrCustodyUnavailable.Wrap(err)
	}
	if !receipt.Confirmed {
		return nil, ErrFundingNotVerified.WithMessage("funding transaction %s is not finalized", stake.TxHash)
	}
	if receipt.BlockNumber > 0 {
		blockNumber = receipt.BlockNumber
	}

	ok, err := s.repo.ConfirmPrediction(context.WithoutCancel(ctx), stake.ID, blockNumber, s.now())
	if err != nil {
		return nil, persistenceErr("confirm stake", err)
	}
	stake, err = s.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.events.Emit(notify.StakeConfirmed{Stake: *stake})
		s.logger.Info().Str("stake_id", stake.ID.String()).Int64("block", blockNumber).Msg("stake confirmed")
	}
	return stake, nil
}

// CountPending returns how many of a round's stakes still await funding verification.
func (s *StakeService) CountPending(ctx context.Context, roundID int64) (int, error) {
	pending, err := s.repo.GetPendingPredictions(ctx, roundID)
	if err != nil {
		return 0, persistenceErr("list pending stakes", err)
	}
	return len(pending), nil
}

// ConfirmPending retries funding verification for a round's PENDING stakes
// and returns how many were confirmed.
func (s *StakeService) ConfirmPending(ctx context.Context, roundID int64) (int, error) {
	pending, err := s.repo.GetPendingPredictions(ctx, roundID)
	if err != nil {
		return 0, persistenceErr("list pending stakes", err)
	}

	confirmed := 0
	for _, p := range pending {
		st, err := s.Confirm(ctx, p.ID, 0)
		if err != nil {
			s.logger.Debug().Err(err).Str("stake_id", p.ID.String()).Msg("stake still pending")
			continue
		}
		if st.Status == models.PredictionStatusConfirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

// Claim pays out a CLAIMABLE stake exactly once. The CLAIMABLE -> CLAIMING
// compare-and-set admits a single caller. A transfer that certainly did not go
// out puts the stake back to CLAIMABLE so the owner can retry; one whose
// outcome is unknown keeps it CLAIMING with the transfer recorded, and the
// next claim reconciles that transfer before anything is sent again.
func (s *StakeService) Claim(ctx context.Context, stakeID uuid.UUID) (*models.Prediction, error) {
	stake, err := s.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	if stake.Status == models.PredictionStatusClaiming && stake.ClaimTxHash != nil {
		claimed, err := s.reconcileClaim(ctx, stake)
		if err != nil || claimed != nil {
			return claimed, err
		}
	}

	ok, err := s.repo.TransitionPrediction(ctx, stake.ID,
		models.PredictionStatusClaimable, models.PredictionStatusClaiming,
		map[string]interface{}{"release_started_at": s.now()})
	if err != nil {
		return nil, persistenceErr("begin claim", err)
	}
	if !ok {
		current, err := s.GetStake(ctx, stakeID)
		if err != nil {
			return nil, err
		}
		s.metrics.Claims.WithLabelValues("rejected").Inc()
		switch current.Status {
		case models.PredictionStatusClaimed:
			return nil, ErrAlreadyClaimed
		case models.PredictionStatusClaiming:
			return nil, ErrClaimInProgress
		default:
			return nil, ErrNotClaimable.WithMessage("stake is %s", current.Status)
		}
	}

	if stake.WinningAmount == nil {
		s.rollbackClaim(ctx, stake.ID)
		return nil, ErrInvariantViolation.WithMessage("claimable stake %s has no winning amount", stake.ID)
	}

	txRef, err := s.custody.Release(ctx, stake.WalletAddress, *stake.WinningAmount, "claim:"+stake.ID.String())
	if err != nil {
		var unconfirmed *UnconfirmedReleaseError
		if errors.As(err, &unconfirmed) {
			if _, serr := s.repo.SetClaimTxHash(ctx, stake.ID, unconfirmed.Ref); serr != nil {
				s.logger.Error().Err(serr).Str("stake_id", stake.ID.String()).Str("claim_tx", unconfirmed.Ref).
					Msg("failed to record unconfirmed payout")
			}
			s.metrics.Claims.WithLabelValues("unconfirmed").Inc()
			s.logger.Warn().Err(err).Str("stake_id", stake.ID.String()).Str("claim_tx", unconfirmed.Ref).
				Msg("payout submitted but not confirmed")
			return nil, ErrClaimInProgress.WithMessage("payout %s awaits confirmation", unconfirmed.Ref).Wrap(err)
		}
		s.rollbackClaim(ctx, stake.ID)
		s.metrics.Claims.WithLabelValues("custody_failed").Inc()
		return nil, ErrCustodyUnavailable.Wrap(err)
	}
	return s.completeClaim(ctx, stake, txRef)
}

// completeClaim records a landed payout on a CLAIMING stake.
func (s *StakeService) completeClaim(ctx context.Context, stake *models.Prediction, txRef string) (*models.Prediction, error) {
	ok, err := s.repo.TransitionPrediction(ctx, stake.ID,
		models.PredictionStatusClaiming, models.PredictionStatusClaimed,
		map[string]interface{}{
			"claim_tx_hash":      txRef,
			"claimed_at":         s.now(),
			"release_started_at": nil,
		})
	if err != nil || !ok {
		// Funds already moved: never hand the stake back to CLAIMABLE.
		s.logger.Error().Err(err).
			Str("stake_id", stake.ID.String()).
			Str("claim_tx", txRef).
			Msg("payout released but claim not recorded")
		return nil, persistenceErr("record claim", errors.Join(err, ErrInvariantViolation))
	}

	claimed, err := s.GetStake(ctx, stake.ID)
	if err != nil {
		return nil, err
	}
	s.metrics.Claims.WithLabelValues("claimed").Inc()
	s.events.Emit(notify.StakeClaimed{Stake: *claimed})
	s.logger.Info().
		Str("stake_id", claimed.ID.String()).
		Int64("amount", *claimed.WinningAmount).
		Str("claim_tx", txRef).
		Msg("stake claimed")
	return claimed, nil
}

// reconcileClaim settles a CLAIMING stake whose payout was submitted without
// confirmation. It returns the claimed stake when the payout landed, and nil
// with no error once the stake is back to CLAIMABLE.
func (s *StakeService) reconcileClaim(ctx context.Context, stake *models.Prediction) (*models.Prediction, error) {
	ref := *stake.ClaimTxHash
	state, err := s.releaseOutcome(ctx, ref, stake.ReleaseStartedAt)
	if err != nil {
		return nil, err
	}
	switch state {
	case ReleaseLanded:
		return s.completeClaim(ctx, stake, ref)
	case ReleaseFailed:
		s.logger.Warn().Str("stake_id", stake.ID.String()).Str("claim_tx", ref).Msg("payout did not land, claim reopened")
		s.rollbackClaim(ctx, stake.ID)
		return nil, nil
	default:
		return nil, ErrClaimInProgress.WithMessage("payout %s awaits confirmation", ref)
	}
}

func (s *StakeService) rollbackClaim(ctx context.Context, id uuid.UUID) {
	ok, err := s.repo.TransitionPrediction(ctx, id,
		models.PredictionStatusClaiming, models.PredictionStatusClaimable,
		map[string]interface{}{"claim_tx_hash": nil, "release_started_at": nil})
	if err != nil || !ok {
		s.logger.Error().Err(err).Str("stake_id", id.String()).Msg("failed to roll back claim")
	}
}

// releaseOutcome asks custody what became of a submitted transfer. A transfer
// still unknown once the release expiry has passed since it started is
// reported as failed: its blockhash can no longer land it.
func (s *StakeService) releaseOutcome(ctx context.Context, ref string, startedAt *time.Time) (ReleaseState, error) {
	state, err := s.custody.ReleaseStatus(ctx, ref)
	if err != nil {
		return ReleaseUnknown, ErrCustodyUnavailable.Wrap(err)
	}
	if state == ReleaseUnknown && startedAt != nil && !s.now().Before(startedAt.Add(s.cfg.ReleaseExpiry)) {
		return ReleaseFailed, nil
	}
	return state, nil
}

// EmergencyWithdraw returns a CONFIRMED stake's principal minus the penalty.
// It is allowed while the round is unresolved and the grace period since the
// stake was submitted has elapsed. The stake leaves the pool in the same
// transaction that recomputes the round's totals. Calling it again on a
// withdrawn stake finishes a transfer that did not go through.
func (s *StakeService) EmergencyWithdraw(ctx context.Context, stakeID uuid.UUID) (*models.WithdrawalReceipt, error) {
	stake, err := s.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if stake.Status == models.PredictionStatusEmergencyWithdrawn {
		return s.retryWithdrawal(ctx, stake)
	}

	var (
		receipt models.WithdrawalReceipt
		round   *models.Round
	)
	err = s.rounds.withRoundLock(ctx, stake.RoundID, func(ctx context.Context) error {
		err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
			st, err := tx.GetPredictionByID(ctx, stakeID)
			if err != nil {
				return err
			}
			r, err := tx.GetRoundByID(ctx, st.RoundID)
			if err != nil {
				return err
			}
			if err := s.checkWithdrawable(st, r); err != nil {
				return err
			}

			now := s.now()
			returned, penalty := EmergencyAmounts(st.Amount, s.cfg.EmergencyPenaltyBps)
			ok, err := tx.TransitionPrediction(ctx, st.ID,
				models.PredictionStatusConfirmed, models.PredictionStatusEmergencyWithdrawn,
				map[string]interface{}{
					"withdrawn_amount":   returned,
					"penalty_amount":     penalty,
					"withdrawn_at":       now,
					"release_started_at": now,
				})
			if err != nil {
				return err
			}
			if !ok {
				return ErrEmergencyWithdrawNotEligible.WithMessage("stake changed concurrently")
			}

			pools, err := tx.SumActivePools(ctx, r.ID)
			if err != nil {
				return err
			}
			if err := tx.SetRoundPools(ctx, r.ID, pools); err != nil {
				return err
			}
			if round, err = tx.GetRoundByID(ctx, r.ID); err != nil {
				return err
			}
			receipt = models.WithdrawalReceipt{PredictionID: st.ID, Returned: returned, Penalty: penalty}
			return nil
		})
		if err != nil {
			return err
		}

		withdrawn, err := s.repo.GetPredictionByID(ctx, stakeID)
		if err != nil {
			return err
		}
		s.events.Emit(notify.StakeWithdrawn{Stake: *withdrawn, Round: *round})
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStakeNotFound
	}
	if err != nil {
		return nil, persistenceErr("emergency withdraw", err)
	}

	s.metrics.EmergencyWithdrawal.Inc()
	s.logger.Warn().
		Str("stake_id", stakeID.String()).
		Int64("round_id", stake.RoundID).
		Int64("returned", receipt.Returned).
		Int64("penalty", receipt.Penalty).
		Msg("emergency withdrawal recorded")

	// The ledger no longer owes the stake to the pool; release the principal.
	return s.releaseWithdrawal(context.WithoutCancel(ctx), stake.WalletAddress, &receipt)
}

// releaseWithdrawal sends a recorded withdrawal's principal. The caller holds
// the stake's in-flight marker.
func (s *StakeService) releaseWithdrawal(ctx context.Context, wallet string, receipt *models.WithdrawalReceipt) (*models.WithdrawalReceipt, error) {
	id := receipt.PredictionID
	txRef, err := s.custody.Release(ctx, wallet, receipt.Returned, "withdraw:"+id.String())
	if err != nil {
		var unconfirmed *UnconfirmedReleaseError
		if errors.As(err, &unconfirmed) {
			if _, serr := s.repo.SetWithdrawTxHash(ctx, id, unconfirmed.Ref, false); serr != nil {
				s.logger.Error().Err(serr).Str("stake_id", id.String()).Str("tx", unconfirmed.Ref).
					Msg("failed to record unconfirmed withdrawal transfer")
			}
			s.logger.Warn().Err(err).Str("stake_id", id.String()).Str("tx", unconfirmed.Ref).
				Msg("withdrawal transfer submitted but not confirmed")
			receipt.TxHash = unconfirmed.Ref
			return receipt, ErrTransferPending.WithMessage("withdrawal transfer %s awaits confirmation", unconfirmed.Ref).Wrap(err)
		}
		if _, aerr := s.repo.AbandonWithdrawRelease(ctx, id, ""); aerr != nil {
			s.logger.Error().Err(aerr).Str("stake_id", id.String()).Msg("failed to reopen withdrawal transfer")
		}
		s.logger.Error().Err(err).Str("stake_id", id.String()).Msg("emergency withdrawal release failed")
		return receipt, ErrCustodyUnavailable.WithMessage("withdrawal recorded, transfer pending").Wrap(err)
	}

	ok, err := s.repo.SetWithdrawTxHash(ctx, id, txRef, true)
	if err != nil || !ok {
		s.logger.Error().Err(err).Str("stake_id", id.String()).Str("tx", txRef).Msg("failed to record withdrawal transfer")
	}
	receipt.TxHash = txRef
	return receipt, nil
}

// retryWithdrawal finishes the transfer of an already recorded withdrawal.
// Only a transfer that never went out, or that is known to have failed, is
// sent again; the empty-hash compare-and-set admits a single sender.
func (s *StakeService) retryWithdrawal(ctx context.Context, stake *models.Prediction) (*models.WithdrawalReceipt, error) {
	ctx = context.WithoutCancel(ctx)
	if stake.WithdrawnAmount == nil {
		return nil, ErrInvariantViolation.WithMessage("withdrawn stake %s has no withdrawn amount", stake.ID)
	}
	receipt := &models.WithdrawalReceipt{PredictionID: stake.ID, Returned: *stake.WithdrawnAmount}
	if stake.PenaltyAmount != nil {
		receipt.Penalty = *stake.PenaltyAmount
	}

	switch {
	case stake.WithdrawTxHash != nil && stake.ReleaseStartedAt == nil:
		receipt.TxHash = *stake.WithdrawTxHash
		return receipt, nil
	case stake.WithdrawTxHash != nil:
		ref := *stake.WithdrawTxHash
		state, err := s.releaseOutcome(ctx, ref, stake.ReleaseStartedAt)
		if err != nil {
			return nil, err
		}
		switch state {
		case ReleaseLanded:
			if _, err := s.repo.ConfirmWithdrawRelease(ctx, stake.ID, ref); err != nil {
				return nil, persistenceErr("confirm withdrawal transfer", err)
			}
			receipt.TxHash = ref
			return receipt, nil
		case ReleaseUnknown:
			return nil, ErrTransferPending.WithMessage("withdrawal transfer %s awaits confirmation", ref)
		}
		ok, err := s.repo.AbandonWithdrawRelease(ctx, stake.ID, ref)
		if err != nil {
			return nil, persistenceErr("reopen withdrawal transfer", err)
		}
		if !ok {
			return nil, ErrTransferPending.WithMessage("withdrawal transfer changed concurrently")
		}
		s.logger.Warn().Str("stake_id", stake.ID.String()).Str("tx", ref).Msg("withdrawal transfer did not land")
	case stake.ReleaseStartedAt != nil:
		return nil, ErrTransferPending.WithMessage("withdrawal transfer in progress")
	}

	ok, err := s.repo.BeginWithdrawRelease(ctx, stake.ID, s.now())
	if err != nil {
		return nil, persistenceErr("begin withdrawal transfer", err)
	}
	if !ok {
		return nil, ErrTransferPending.WithMessage("withdrawal transfer in progress")
	}
	s.logger.Info().Str("stake_id", stake.ID.String()).Int64("returned", receipt.Returned).Msg("retrying withdrawal transfer")
	return s.releaseWithdrawal(ctx, stake.WalletAddress, receipt)
}

// ReconcileTransfers settles unconfirmed payouts and resends withdrawal
// transfers that never went out. It returns how many stakes reached a final
// transfer state.
func (s *StakeService) ReconcileTransfers(ctx context.Context) (int, error) {
	open, err := s.repo.GetOpenTransfers(ctx, reconcileBatch)
	if err != nil {
		return 0, persistenceErr("list open transfers", err)
	}

	settled := 0
	for _, st := range open {
		var err error
		switch st.Status {
		case models.PredictionStatusClaiming:
			_, err = s.reconcileClaim(ctx, st)
		case models.PredictionStatusEmergencyWithdrawn:
			_, err = s.retryWithdrawal(ctx, st)
		default:
			continue
		}
		if err != nil {
			s.logger.Debug().Err(err).Str("stake_id", st.ID.String()).Msg("transfer still open")
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *StakeService) checkWithdrawable(st *models.Prediction, r *models.Round) error {
	if r.Frozen {
		return ErrRoundFrozen
	}
	if st.Status != models.PredictionStatusConfirmed {
		return ErrEmergencyWithdrawNotEligible.WithMessage("stake is %s", st.Status)
	}
	if r.Status == models.RoundStatusResolved || r.Status == models.RoundStatusResolving {
		return ErrEmergencyWithdrawNotEligible.WithMessage("round %d is resolved", r.ID)
	}
	eligibleAt := st.SubmittedAt.Add(s.cfg.EmergencyGrace)
	if s.now().Before(eligibleAt) {
		return ErrEmergencyWithdrawNotEligible.WithMessage("available after %s", eligibleAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// GetStake returns a stake by ID.
func (s *StakeService) GetStake(ctx context.Context, stakeID uuid.UUID) (*models.Prediction, error) {
	p, err := s.repo.GetPredictionByID(ctx, stakeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStakeNotFound
	}
	if err != nil {
		return nil, persistenceErr("get stake", err)
	}
	return p, nil
}

// GetUserStakes returns a wallet's stakes, newest first.
func (s *StakeService) GetUserStakes(ctx context.Context, wallet string, limit, offset int) ([]*models.Prediction, int64, error) {
	canonical, err := CanonicalAddress(wallet)
	if err != nil {
		return nil, 0, err
	}
	stakes, total, err := s.repo.GetUserPredictions(ctx, canonical, limit, offset)
	if err != nil {
		return nil, 0, persistenceErr("list user stakes", err)
	}
	return stakes, total, nil
}
