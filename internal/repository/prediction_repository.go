package repository

import (
	"context"
	"fmt"
	"time"

	"prediction-rounds/internal/models"

	"github.com/google/uuid"
)

// PoolTotals is a round's stake aggregate recomputed from its active stakes
type PoolTotals struct {
	Up          int64
	Down        int64
	UpStakers   int64
	DownStakers int64
	Stakers     int64
}

// CreatePrediction inserts a new stake
func (r *Repository) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// GetPredictionByID retrieves a stake by ID
func (r *Repository) GetPredictionByID(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	var p models.Prediction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetPredictionByTxHash retrieves a stake by its funding transaction
func (r *Repository) GetPredictionByTxHash(ctx context.Context, txHash string) (*models.Prediction, error) {
	var p models.Prediction
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetRoundPredictions returns every stake of a round in submission order
func (r *Repository) GetRoundPredictions(ctx context.Context, roundID int64) ([]*models.Prediction, error) {
	var predictions []*models.Prediction
	err := r.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("submitted_at ASC, created_at ASC").
		Find(&predictions).Error
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

// GetPendingPredictions returns a round's stakes still awaiting funding verification
func (r *Repository) GetPendingPredictions(ctx context.Context, roundID int64) ([]*models.Prediction, error) {
	var predictions []*models.Prediction
	err := r.db.WithContext(ctx).
		Where("round_id = ? AND status = ?", roundID, models.PredictionStatusPending).
		Order("submitted_at ASC").
		Find(&predictions).Error
	if err != nil {
		return nil, err
	}
	return predictions, nil
}

// GetUserPredictions returns a wallet's stakes newest first with the total count
func (r *Repository) GetUserPredictions(ctx context.Context, wallet string, limit, offset int) ([]*models.Prediction, int64, error) {
	var predictions []*models.Prediction
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("wallet_address = ?", wallet).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("submitted_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&predictions).Error
	if err != nil {
		return nil, 0, err
	}
	return predictions, total, nil
}

// SumActivePools recomputes a round's pools from its active stakes
func (r *Repository) SumActivePools(ctx context.Context, roundID int64) (PoolTotals, error) {
	type row struct {
		Direction models.Direction
		Amount    int64
		Stakers   int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Select("direction, COALESCE(SUM(amount), 0) AS amount, COUNT(DISTINCT wallet_address) AS stakers").
		Where("round_id = ? AND status NOT IN ?", roundID, []models.PredictionStatus{
			models.PredictionStatusEmergencyWithdrawn,
			models.PredictionStatusVoid,
		}).
		Group("direction").
		Scan(&rows).Error
	if err != nil {
		return PoolTotals{}, err
	}

	var totals PoolTotals
	for _, rw := range rows {
		switch rw.Direction {
		case models.DirectionUp:
			totals.Up = rw.Amount
			totals.UpStakers = rw.Stakers
		case models.DirectionDown:
			totals.Down = rw.Amount
			totals.DownStakers = rw.Stakers
		}
	}

	err = r.db.WithContext(ctx).Model(&models.Prediction{}).
		Select("COUNT(DISTINCT wallet_address)").
		Where("round_id = ? AND status NOT IN ?", roundID, []models.PredictionStatus{
			models.PredictionStatusEmergencyWithdrawn,
			models.PredictionStatusVoid,
		}).
		Scan(&totals.Stakers).Error
	if err != nil {
		return PoolTotals{}, err
	}
	return totals, nil
}

// ConfirmPrediction marks a PENDING stake CONFIRMED. It reports whether the row changed.
func (r *Repository) ConfirmPrediction(ctx context.Context, id uuid.UUID, blockNumber int64, at time.Time) (bool, error) {
	return r.TransitionPrediction(ctx, id, models.PredictionStatusPending, models.PredictionStatusConfirmed,
		map[string]interface{}{
			"block_number": blockNumber,
			"confirmed_at": at,
		})
}

// TransitionPrediction moves a stake from one status to another only if it is
// currently in the expected status, applying extra column updates in the same
// statement. It reports whether the row changed. Moves the stake state machine
// does not allow are refused without touching the row.
func (r *Repository) TransitionPrediction(
	ctx context.Context,
	id uuid.UUID,
	from, to models.PredictionStatus,
	extra map[string]interface{},
) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SettlePrediction writes a CONFIRMED stake's resolution outcome.
func (r *Repository) SettlePrediction(
	ctx context.Context,
	id uuid.UUID,
	status models.PredictionStatus,
	winningAmount *int64,
) (bool, error) {
	return r.TransitionPrediction(ctx, id, models.PredictionStatusConfirmed, status,
		map[string]interface{}{"winning_amount": winningAmount})
}

// SetClaimTxHash records the transfer submitted for a CLAIMING stake whose
// outcome is not known yet. It only fills an empty hash.
func (r *Repository) SetClaimTxHash(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ? AND claim_tx_hash IS NULL", id, models.PredictionStatusClaiming).
		Update("claim_tx_hash", ref)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// BeginWithdrawRelease marks a withdrawn stake's transfer as started. Only a
// stake with no transfer recorded and none in flight changes.
func (r *Repository) BeginWithdrawRelease(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ? AND withdraw_tx_hash IS NULL AND release_started_at IS NULL",
			id, models.PredictionStatusEmergencyWithdrawn).
		Update("release_started_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetWithdrawTxHash records a withdrawn stake's transfer. A landed transfer
// also ends the in-flight marker. It only fills an empty hash.
func (r *Repository) SetWithdrawTxHash(ctx context.Context, id uuid.UUID, ref string, landed bool) (bool, error) {
	updates := map[string]interface{}{"withdraw_tx_hash": ref}
	if landed {
		updates["release_started_at"] = nil
	}
	result := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ? AND withdraw_tx_hash IS NULL", id, models.PredictionStatusEmergencyWithdrawn).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ConfirmWithdrawRelease ends the in-flight marker of a withdrawal whose
// transfer ref is known to have landed.
func (r *Repository) ConfirmWithdrawRelease(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ? AND withdraw_tx_hash = ?", id, models.PredictionStatusEmergencyWithdrawn, ref).
		Update("release_started_at", nil)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AbandonWithdrawRelease clears a withdrawal transfer that never went out
// (ref empty) or is known to have failed, so it can be sent again.
func (r *Repository) AbandonWithdrawRelease(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("id = ? AND status = ? AND release_started_at IS NOT NULL", id, models.PredictionStatusEmergencyWithdrawn)
	if ref == "" {
		q = q.Where("withdraw_tx_hash IS NULL")
	} else {
		q = q.Where("withdraw_tx_hash = ?", ref)
	}
	result := q.Updates(map[string]interface{}{
		"withdraw_tx_hash":   nil,
		"release_started_at": nil,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetOpenTransfers lists stakes with a payout transfer still to settle:
// CLAIMING stakes with a submitted transfer and withdrawn stakes whose
// transfer is unconfirmed, in flight or was never sent. Oldest first.
func (r *Repository) GetOpenTransfers(ctx context.Context, limit int) ([]*models.Prediction, error) {
	var ps []*models.Prediction
	err := r.db.WithContext(ctx).
		Where("(status = ? AND claim_tx_hash IS NOT NULL) OR (status = ? AND (withdraw_tx_hash IS NULL OR release_started_at IS NOT NULL))",
			models.PredictionStatusClaiming, models.PredictionStatusEmergencyWithdrawn).
		Order("updated_at ASC").
		Limit(limit).
		Find(&ps).Error
	return ps, err
}

// UserExposure sums a wallet's stakes still in play and payouts not yet claimed
func (r *Repository) UserExposure(ctx context.Context, wallet string) (staked, claimable int64, err error) {
	err = r.db.WithContext(ctx).Model(&models.Prediction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_address = ? AND status IN ?", wallet, []models.PredictionStatus{
			models.PredictionStatusPending,
			models.PredictionStatusConfirmed,
		}).
		Scan(&staked).Error
	if err != nil {
		return 0, 0, err
	}

	err = r.db.WithContext(ctx).Model(&models.Prediction{}).
		Select("COALESCE(SUM(winning_amount), 0)").
		Where("wallet_address = ? AND status IN ?", wallet, []models.PredictionStatus{
			models.PredictionStatusClaimable,
			models.PredictionStatusClaiming,
		}).
		Scan(&claimable).Error
	if err != nil {
		return 0, 0, err
	}
	return staked, claimable, nil
}
