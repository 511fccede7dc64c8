package repository

import (
	"context"
	"time"

	"prediction-rounds/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreateRound inserts a new round
func (r *Repository) CreateRound(ctx context.Context, round *models.Round) error {
	return r.db.WithContext(ctx).Create(round).Error
}

// GetRoundByID retrieves a round by ID
func (r *Repository) GetRoundByID(ctx context.Context, roundID int64) (*models.Round, error) {
	var round models.Round
	err := r.db.WithContext(ctx).Where("id = ?", roundID).First(&round).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &round, nil
}

// GetOpenRound retrieves the round currently accepting stakes. A frozen OPEN
// round accepts none and is not returned.
func (r *Repository) GetOpenRound(ctx context.Context) (*models.Round, error) {
	var round models.Round
	err := r.db.WithContext(ctx).
		Where("status = ? AND frozen = ?", models.RoundStatusOpen, false).
		Order("id DESC").
		First(&round).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &round, nil
}

// GetLatestRound retrieves the round with the highest ID regardless of status
func (r *Repository) GetLatestRound(ctx context.Context) (*models.Round, error) {
	var round models.Round
	err := r.db.WithContext(ctx).Order("id DESC").First(&round).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &round, nil
}

// NextRoundID returns one more than the highest round ID ever issued
func (r *Repository) NextRoundID(ctx context.Context) (int64, error) {
	var maxID *int64
	err := r.db.WithContext(ctx).Model(&models.Round{}).Select("MAX(id)").Scan(&maxID).Error
	if err != nil {
		return 0, err
	}
	if maxID == nil {
		return 1, nil
	}
	return *maxID + 1, nil
}

// ListRounds returns recent rounds newest first with the total count
func (r *Repository) ListRounds(ctx context.Context, limit, offset int) ([]*models.Round, int64, error) {
	var rounds []*models.Round
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Round{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset).Find(&rounds).Error
	if err != nil {
		return nil, 0, err
	}
	return rounds, total, nil
}

// GetRoundsByStatus returns unfrozen rounds in the given status, oldest first
func (r *Repository) GetRoundsByStatus(ctx context.Context, status models.RoundStatus) ([]*models.Round, error) {
	var rounds []*models.Round
	err := r.db.WithContext(ctx).
		Where("status = ? AND frozen = ?", status, false).
		Order("id ASC").
		Find(&rounds).Error
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

// TransitionRoundStatus moves a round from one status to another only if it
// is currently in the expected status. It reports whether the row changed.
func (r *Repository) TransitionRoundStatus(
	ctx context.Context,
	roundID int64,
	from, to models.RoundStatus,
) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND status = ? AND frozen = ?", roundID, from, false).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AddToPool atomically increments a side's pool total
func (r *Repository) AddToPool(ctx context.Context, roundID int64, direction models.Direction, amount int64) error {
	column := poolColumn(direction)
	return r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", roundID).
		Update(column, gorm.Expr(column+" + ?", amount)).Error
}

// SetRoundPools overwrites the pool totals and staker counts of a round
func (r *Repository) SetRoundPools(ctx context.Context, roundID int64, pools PoolTotals) error {
	return r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", roundID).
		Updates(map[string]interface{}{
			"total_up_stake":   pools.Up,
			"total_down_stake": pools.Down,
			"up_stakers":       pools.UpStakers,
			"down_stakers":     pools.DownStakers,
			"total_stakers":    pools.Stakers,
		}).Error
}

// SetStakerCounts overwrites only the staker counts of a round
func (r *Repository) SetStakerCounts(ctx context.Context, roundID int64, pools PoolTotals) error {
	return r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", roundID).
		Updates(map[string]interface{}{
			"up_stakers":    pools.UpStakers,
			"down_stakers":  pools.DownStakers,
			"total_stakers": pools.Stakers,
		}).Error
}

// RoundSettlement is the outcome written when a round resolves
type RoundSettlement struct {
	EndPrice         decimal.Decimal
	WinningDirection models.Direction
	PlatformFee      int64
	SettlementDust   int64
	ResolvedAt       time.Time
}

// MarkRoundResolved completes a RESOLVING round
func (r *Repository) MarkRoundResolved(ctx context.Context, roundID int64, s RoundSettlement) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ? AND status = ?", roundID, models.RoundStatusResolving).
		Updates(map[string]interface{}{
			"status":            models.RoundStatusResolved,
			"end_price":         s.EndPrice,
			"winning_direction": s.WinningDirection,
			"platform_fee":      s.PlatformFee,
			"settlement_dust":   s.SettlementDust,
			"resolved_at":       s.ResolvedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FreezeRound quarantines a round from further mutation
func (r *Repository) FreezeRound(ctx context.Context, roundID int64, reason string) error {
	return r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", roundID).
		Updates(map[string]interface{}{
			"frozen":        true,
			"frozen_reason": reason,
		}).Error
}

func poolColumn(direction models.Direction) string {
	if direction == models.DirectionUp {
		return "total_up_stake"
	}
	return "total_down_stake"
}
