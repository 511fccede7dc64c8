package repository

import (
	"context"

	"prediction-rounds/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserDelta is the change to a user's aggregates produced by one round's settlement.
// The streak fields describe the user's outcomes in submission order:
// LeadingWins counts wins before the first loss, TrailingWins wins after the
// last loss, and BestRun the longest win run that started after a loss.
type UserDelta struct {
	Staked       int64
	Winnings     int64
	Predictions  int64
	Correct      int64
	HadLoss      bool
	LeadingWins  int64
	TrailingWins int64
	BestRun      int64
}

// GetOrCreateUser returns the user for a wallet, inserting it on first sight
func (r *Repository) GetOrCreateUser(ctx context.Context, wallet string) (*models.User, error) {
	user := models.User{WalletAddress: wallet}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	return r.GetUserByWallet(ctx, wallet)
}

// GetUserByWallet retrieves a user by wallet address
func (r *Repository) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// ApplyUserDelta atomically folds one settlement's outcomes into a user's aggregates.
// Counters are incremented in SQL so concurrent resolutions of different rounds
// touching the same user never lose an update.
func (r *Repository) ApplyUserDelta(ctx context.Context, userID uint, d UserDelta) error {
	updates := map[string]interface{}{
		"total_staked":        gorm.Expr("total_staked + ?", d.Staked),
		"total_winnings":      gorm.Expr("total_winnings + ?", d.Winnings),
		"total_predictions":   gorm.Expr("total_predictions + ?", d.Predictions),
		"correct_predictions": gorm.Expr("correct_predictions + ?", d.Correct),
	}

	// Both SET expressions read the pre-update row.
	if d.HadLoss {
		updates["win_streak"] = d.TrailingWins
	} else {
		updates["win_streak"] = gorm.Expr("win_streak + ?", d.LeadingWins)
	}
	updates["max_win_streak"] = gorm.Expr(
		"CASE WHEN win_streak + ? >= ? "+
			"THEN (CASE WHEN win_streak + ? > max_win_streak THEN win_streak + ? ELSE max_win_streak END) "+
			"ELSE (CASE WHEN ? > max_win_streak THEN ? ELSE max_win_streak END) END",
		d.LeadingWins, d.BestRun,
		d.LeadingWins, d.LeadingWins,
		d.BestRun, d.BestRun,
	)

	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(updates).Error
}

// GetLeaderboard returns users ranked by winnings, then streak
func (r *Repository) GetLeaderboard(ctx context.Context, limit int) ([]*models.User, error) {
	var users []*models.User
	err := r.db.WithContext(ctx).
		Where("total_predictions > 0").
		Order("total_winnings DESC, win_streak DESC, id ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
