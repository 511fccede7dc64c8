package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a wallet that has staked at least once.
type User struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	WalletAddress      string    `gorm:"size:64;uniqueIndex;not null" json:"wallet_address"`
	TotalStaked        int64     `gorm:"not null;default:0" json:"total_staked"`
	TotalWinnings      int64     `gorm:"not null;default:0;index" json:"total_winnings"`
	WinStreak          int64     `gorm:"not null;default:0;index" json:"win_streak"`
	MaxWinStreak       int64     `gorm:"not null;default:0" json:"max_win_streak"`
	TotalPredictions   int64     `gorm:"not null;default:0" json:"total_predictions"`
	CorrectPredictions int64     `gorm:"not null;default:0" json:"correct_predictions"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}

// WinRate is correct/total as a percentage, 0 for a user with no settled predictions.
func (u *User) WinRate() decimal.Decimal {
	if u.TotalPredictions == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(u.CorrectPredictions).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(u.TotalPredictions)).
		Round(2)
}

// UserProfile is the API view of a user.
type UserProfile struct {
	User
	WinRate decimal.Decimal `json:"win_rate"`
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	Rank             int             `json:"rank"`
	WalletAddress    string          `json:"wallet_address"`
	TotalWinnings    int64           `json:"total_winnings"`
	WinStreak        int64           `json:"win_streak"`
	TotalPredictions int64           `json:"total_predictions"`
	WinRate          decimal.Decimal `json:"win_rate"`
}

// BalanceResponse is a wallet's custody balance alongside its ledger exposure.
type BalanceResponse struct {
	WalletAddress string `json:"wallet_address"`
	TokenBalance  int64  `json:"token_balance"`
	Staked        int64  `json:"staked"`
	Claimable     int64  `json:"claimable"`
}
