package services

import (
	"context"
	"errors"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"
	"prediction-rounds/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RoundService owns the round lifecycle: OPEN -> LOCKED -> RESOLVED.
// Every pool mutation of a round runs under that round's lock.
type RoundService struct {
	repo    *repository.Repository
	locker  RoundLocker
	events  EventPublisher
	cfg     config.LedgerConfig
	now     Clock
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewRoundService(
	repo *repository.Repository,
	locker RoundLocker,
	events EventPublisher,
	cfg config.LedgerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *RoundService {
	return &RoundService{
		repo:    repo,
		locker:  locker,
		events:  events,
		cfg:     cfg,
		now:     systemClock,
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock replaces the time source.
func (s *RoundService) SetClock(now Clock) {
	s.now = now
}

// StakeInput is a validated stake ready to be booked against a round.
type StakeInput struct {
	RoundID   int64
	UserID    uint
	Wallet    string
	Direction models.Direction
	Amount    int64
	AmountUSD decimal.Decimal
	TxHash    string
}

// withRoundLock runs fn holding roundID's lock. fn gets a context that the
// caller can no longer cancel: a started mutation always runs to completion.
func (s *RoundService) withRoundLock(ctx context.Context, roundID int64, fn func(ctx context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, roundID)
	if err != nil {
		return ErrRoundLockUnavailable.Wrap(err)
	}
	defer unlock()
	return fn(context.WithoutCancel(ctx))
}

// OpenNextRound opens a round starting at openTime. Only one round may be OPEN.
func (s *RoundService) OpenNextRound(ctx context.Context, startPrice decimal.Decimal, openTime time.Time) (*models.Round, error) {
	if !startPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	var round *models.Round
	err := s.withRoundLock(ctx, openRoundLockKey, func(ctx context.Context) error {
		err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
			// Rounds open in ID order, so only the latest can still be OPEN.
			// A frozen OPEN round blocks the next one until it is reviewed.
			if latest, err := tx.GetLatestRound(ctx); err == nil {
				if latest.Status == models.RoundStatusOpen {
					return ErrRoundAlreadyOpen
				}
			} else if !errors.Is(err, repository.ErrNotFound) {
				return err
			}

			id, err := tx.NextRoundID(ctx)
			if err != nil {
				return err
			}
			start := openTime.UTC()
			round = &models.Round{
				ID:         id,
				StartTime:  start,
				LockTime:   start.Add(s.cfg.RoundDuration),
				StartPrice: startPrice,
				Status:     models.RoundStatusOpen,
			}
			return tx.CreateRound(ctx, round)
		})
		if err != nil {
			return err
		}
		s.events.Emit(notify.RoundOpened{Round: *round})
		return nil
	})
	if err != nil {
		return nil, persistenceErr("open round", err)
	}

	s.metrics.RoundsOpened.Inc()
	s.logger.Info().
		Int64("round_id", round.ID).
		Str("start_price", round.StartPrice.String()).
		Time("lock_time", round.LockTime).
		Msg("round opened")
	return round, nil
}

// RecordStake books a PENDING stake into an OPEN round and grows the pool
// for its direction. Lock time is authoritative even if the status flip to
// LOCKED has not happened yet.
func (s *RoundService) RecordStake(ctx context.Context, in StakeInput) (*models.Prediction, error) {
	if !in.Direction.Valid() {
		return nil, s.reject(ErrInvalidDirection)
	}
	if in.Amount < s.cfg.MinStake || in.Amount > s.cfg.MaxStake {
		return nil, s.reject(ErrStakeOutOfBounds.WithMessage(
			"amount %d outside [%d, %d]", in.Amount, s.cfg.MinStake, s.cfg.MaxStake))
	}
	if in.TxHash == "" {
		return nil, s.reject(ErrInvalidFundingReference)
	}

	var (
		stake *models.Prediction
		round *models.Round
	)
	err := s.withRoundLock(ctx, in.RoundID, func(ctx context.Context) error {
		err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
			r, err := tx.GetRoundByID(ctx, in.RoundID)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrRoundNotFound
			}
			if err != nil {
				return err
			}
			now := s.now()
			switch {
			case r.Frozen:
				return ErrRoundFrozen
			case r.Status != models.RoundStatusOpen:
				return ErrRoundNotOpen.WithMessage("round %d is %s", r.ID, r.Status)
			case !r.AcceptsStakesAt(now):
				return ErrRoundExpired
			}

			if _, err := tx.GetPredictionByTxHash(ctx, in.TxHash); err == nil {
				return ErrDuplicateFundingReference
			} else if !errors.Is(err, repository.ErrNotFound) {
				return err
			}

			stake = &models.Prediction{
				ID:            uuid.New(),
				UserID:        in.UserID,
				WalletAddress: in.Wallet,
				RoundID:       r.ID,
				Direction:     in.Direction,
				Amount:        in.Amount,
				AmountUSD:     in.AmountUSD,
				TxHash:        in.TxHash,
				SubmittedAt:   now,
				Status:        models.PredictionStatusPending,
			}
			if err := tx.CreatePrediction(ctx, stake); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateFundingReference
				}
				return err
			}
			if err := tx.AddToPool(ctx, r.ID, in.Direction, in.Amount); err != nil {
				return err
			}
			pools, err := tx.SumActivePools(ctx, r.ID)
			if err != nil {
				return err
			}
			if err := tx.SetStakerCounts(ctx, r.ID, pools); err != nil {
				return err
			}
			round, err = tx.GetRoundByID(ctx, r.ID)
			return err
		})
		if err != nil {
			return err
		}
		s.events.Emit(notify.StakeRecorded{Stake: *stake, Round: *round})
		return nil
	})
	if err != nil {
		return nil, s.reject(persistenceErr("record stake", err))
	}

	s.metrics.StakesRecorded.WithLabelValues(string(stake.Direction)).Inc()
	s.metrics.StakeVolume.WithLabelValues(string(stake.Direction)).Add(float64(stake.Amount))
	s.logger.Info().
		Int64("round_id", stake.RoundID).
		Str("stake_id", stake.ID.String()).
		Str("wallet", stake.WalletAddress).
		Str("direction", string(stake.Direction)).
		Int64("amount", stake.Amount).
		Msg("stake recorded")
	return stake, nil
}

func (s *RoundService) reject(err error) error {
	var le *LedgerError
	if errors.As(err, &le) {
		s.metrics.StakesRejected.WithLabelValues(le.Code).Inc()
	}
	return err
}

// Lock moves an OPEN round to LOCKED once its lock time has passed. Calling
// it on a round that is already LOCKED or RESOLVED is a no-op.
func (s *RoundService) Lock(ctx context.Context, roundID int64) (*models.Round, error) {
	var (
		round  *models.Round
		locked bool
	)
	err := s.withRoundLock(ctx, roundID, func(ctx context.Context) error {
		r, err := s.repo.GetRoundByID(ctx, roundID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		round = r
		if r.Status != models.RoundStatusOpen {
			return nil
		}
		if r.Frozen {
			return ErrRoundFrozen
		}
		if s.now().Before(r.LockTime) {
			return ErrLockTimeNotReached
		}

		ok, err := s.repo.TransitionRoundStatus(ctx, roundID, models.RoundStatusOpen, models.RoundStatusLocked)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		round.Status = models.RoundStatusLocked
		locked = true
		s.events.Emit(notify.RoundLocked{Round: *round})
		return nil
	})
	if err != nil {
		return nil, persistenceErr("lock round", err)
	}

	if locked {
		s.metrics.RoundsLocked.Inc()
		s.logger.Info().
			Int64("round_id", roundID).
			Int64("total_up", round.TotalUpStake).
			Int64("total_down", round.TotalDownStake).
			Msg("round locked")
	}
	return round, nil
}

// Resolve fixes a LOCKED round's end price and winning direction, settles
// every confirmed stake and projects user aggregates, all in one transaction.
// Stakes whose funding is still unverified are voided and leave the pools
// before the split is computed. The LOCKED -> RESOLVING compare-and-set makes
// a second caller fail with ErrAlreadyResolved instead of settling twice.
func (s *RoundService) Resolve(ctx context.Context, roundID int64, endPrice decimal.Decimal) (*Settlement, error) {
	if !endPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	started := time.Now()
	var (
		result  Settlement
		round   *models.Round
		settled []*models.Prediction
		users   []*models.User
		voided  int
	)
	err := s.withRoundLock(ctx, roundID, func(ctx context.Context) error {
		r, err := s.repo.GetRoundByID(ctx, roundID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		switch {
		case r.Frozen:
			return ErrRoundFrozen
		case r.Status == models.RoundStatusResolved:
			return ErrAlreadyResolved
		case r.Status != models.RoundStatusLocked:
			return ErrRoundNotLocked.WithMessage("round %d is %s", r.ID, r.Status)
		}

		err = s.repo.Transaction(ctx, func(tx *repository.Repository) error {
			ok, err := tx.TransitionRoundStatus(ctx, roundID, models.RoundStatusLocked, models.RoundStatusResolving)
			if err != nil {
				return err
			}
			if !ok {
				return ErrAlreadyResolved
			}

			stakes, err := tx.GetRoundPredictions(ctx, roundID)
			if err != nil {
				return err
			}
			active, err := checkPoolInvariant(r, stakes)
			if err != nil {
				return err
			}

			confirmed := make([]*models.Prediction, 0, len(active))
			for _, st := range active {
				if st.Status == models.PredictionStatusConfirmed {
					confirmed = append(confirmed, st)
					continue
				}
				ok, err := tx.TransitionPrediction(ctx, st.ID, models.PredictionStatusPending, models.PredictionStatusVoid, nil)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvariantViolation.WithMessage("stake %s changed during settlement", st.ID)
				}
				voided++
			}
			if voided > 0 {
				pools, err := tx.SumActivePools(ctx, roundID)
				if err != nil {
					return err
				}
				if err := tx.SetRoundPools(ctx, roundID, pools); err != nil {
					return err
				}
			}
			active = confirmed

			result = ComputeSettlement(WinningDirection(r.StartPrice, endPrice), active, s.cfg.PlatformFeeBps)
			if result.PayoutTotal() > result.WinPool+result.Distributable {
				return ErrInvariantViolation.WithMessage("round %d payouts %d exceed %d",
					roundID, result.PayoutTotal(), result.WinPool+result.Distributable)
			}

			for _, st := range active {
				status := models.PredictionStatusLost
				var winning *int64
				if payout, won := result.Payouts[st.ID]; won {
					status = models.PredictionStatusClaimable
					winning = &payout
				}
				ok, err := tx.SettlePrediction(ctx, st.ID, status, winning)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvariantViolation.WithMessage("stake %s changed during settlement", st.ID)
				}
			}

			for userID, delta := range ProjectUserDeltas(active, result) {
				if err := tx.ApplyUserDelta(ctx, userID, delta); err != nil {
					return err
				}
			}

			ok, err = tx.MarkRoundResolved(ctx, roundID, repository.RoundSettlement{
				EndPrice:         endPrice,
				WinningDirection: result.Winning,
				PlatformFee:      result.Fee,
				SettlementDust:   result.Dust,
				ResolvedAt:       s.now(),
			})
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvariantViolation.WithMessage("round %d left RESOLVING during settlement", roundID)
			}

			if round, err = tx.GetRoundByID(ctx, roundID); err != nil {
				return err
			}
			if settled, err = tx.GetRoundPredictions(ctx, roundID); err != nil {
				return err
			}
			seen := make(map[uint]bool)
			for _, st := range settled {
				if seen[st.UserID] || !st.Status.Active() {
					continue
				}
				seen[st.UserID] = true
				u, err := tx.GetUserByID(ctx, st.UserID)
				if err != nil {
					return err
				}
				users = append(users, u)
			}
			return nil
		})
		if errors.Is(err, ErrInvariantViolation) {
			s.freeze(ctx, roundID, err)
			return err
		}
		if err != nil {
			return err
		}

		events := []notify.Event{notify.RoundResolved{Round: *round}}
		for _, st := range settled {
			if st.Status.Active() || st.Status == models.PredictionStatusVoid {
				events = append(events, notify.StakeSettled{Stake: *st})
			}
		}
		for _, u := range users {
			events = append(events, notify.UserUpdated{User: *u})
		}
		s.events.Emit(events...)
		return nil
	})
	if err != nil {
		return nil, persistenceErr("resolve round", err)
	}

	s.metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	s.metrics.StakesVoided.Add(float64(voided))
	s.metrics.RoundsResolved.WithLabelValues(string(result.Winning)).Inc()
	s.metrics.PlatformFees.Add(float64(result.Fee))
	s.metrics.SettlementDust.Add(float64(result.Dust))
	s.logger.Info().
		Int64("round_id", roundID).
		Str("end_price", endPrice.String()).
		Str("winning_direction", string(result.Winning)).
		Int64("win_pool", result.WinPool).
		Int64("lose_pool", result.LosePool).
		Int64("fee", result.Fee).
		Int64("dust", result.Dust).
		Int("winners", len(result.Payouts)).
		Int("voided", voided).
		Msg("round resolved")
	return &result, nil
}

// checkPoolInvariant returns the round's active stakes after verifying that
// they sum to the recorded pool totals and that none is already settled.
// Unverified stakes are still in the pools at this point.
func checkPoolInvariant(r *models.Round, stakes []*models.Prediction) ([]*models.Prediction, error) {
	var up, down int64
	active := make([]*models.Prediction, 0, len(stakes))
	for _, st := range stakes {
		if !st.Status.Active() {
			continue
		}
		if !st.Status.Unsettled() {
			return nil, ErrInvariantViolation.WithMessage("stake %s is %s in unresolved round %d", st.ID, st.Status, r.ID)
		}
		if st.Direction == models.DirectionUp {
			up += st.Amount
		} else {
			down += st.Amount
		}
		active = append(active, st)
	}
	if up != r.PoolFor(models.DirectionUp) || down != r.PoolFor(models.DirectionDown) {
		return nil, ErrInvariantViolation.WithMessage(
			"round %d pools up=%d down=%d but active stakes sum to up=%d down=%d",
			r.ID, r.TotalUpStake, r.TotalDownStake, up, down)
	}
	return active, nil
}

// freeze quarantines a round for manual review. Frozen rounds accept no
// stakes and are skipped by the scheduler.
func (s *RoundService) freeze(ctx context.Context, roundID int64, cause error) error {
	if err := s.repo.FreezeRound(ctx, roundID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Int64("round_id", roundID).Msg("failed to freeze round")
		return persistenceErr("freeze round", err)
	}
	s.metrics.RoundsFrozen.Inc()
	s.logger.Error().Err(cause).Int64("round_id", roundID).Msg("round frozen for manual review")
	return nil
}

// CurrentRound returns the OPEN round.
func (s *RoundService) CurrentRound(ctx context.Context) (*models.Round, error) {
	r, err := s.repo.GetOpenRound(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRoundNotFound.WithMessage("no round is open")
	}
	if err != nil {
		return nil, persistenceErr("get current round", err)
	}
	return r, nil
}

// GetRound returns a round by ID.
func (s *RoundService) GetRound(ctx context.Context, roundID int64) (*models.Round, error) {
	r, err := s.repo.GetRoundByID(ctx, roundID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRoundNotFound.WithMessage("round %d not found", roundID)
	}
	if err != nil {
		return nil, persistenceErr("get round", err)
	}
	return r, nil
}

// ListRounds returns recent rounds, newest first.
func (s *RoundService) ListRounds(ctx context.Context, limit, offset int) ([]*models.Round, int64, error) {
	rounds, total, err := s.repo.ListRounds(ctx, limit, offset)
	if err != nil {
		return nil, 0, persistenceErr("list rounds", err)
	}
	return rounds, total, nil
}

// ListDueForLock returns OPEN rounds whose lock time has passed.
func (s *RoundService) ListDueForLock(ctx context.Context) ([]*models.Round, error) {
	open, err := s.repo.GetRoundsByStatus(ctx, models.RoundStatusOpen)
	if err != nil {
		return nil, persistenceErr("list open rounds", err)
	}
	now := s.now()
	due := make([]*models.Round, 0, len(open))
	for _, r := range open {
		if !now.Before(r.LockTime) {
			due = append(due, r)
		}
	}
	return due, nil
}

// ListLocked returns LOCKED rounds awaiting resolution, oldest first.
func (s *RoundService) ListLocked(ctx context.Context) ([]*models.Round, error) {
	rounds, err := s.repo.GetRoundsByStatus(ctx, models.RoundStatusLocked)
	if err != nil {
		return nil, persistenceErr("list locked rounds", err)
	}
	return rounds, nil
}

// Now exposes the service clock to collaborators that must agree with it.
func (s *RoundService) Now() time.Time {
	return s.now()
}
