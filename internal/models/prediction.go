package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PredictionStatus string

const (
	PredictionStatusPending            PredictionStatus = "PENDING"
	PredictionStatusConfirmed          PredictionStatus = "CONFIRMED"
	PredictionStatusClaimable          PredictionStatus = "CLAIMABLE"
	PredictionStatusClaiming           PredictionStatus = "CLAIMING"
	PredictionStatusClaimed            PredictionStatus = "CLAIMED"
	PredictionStatusLost               PredictionStatus = "LOST"
	PredictionStatusEmergencyWithdrawn PredictionStatus = "EMERGENCY_WITHDRAWN"
	PredictionStatusVoid               PredictionStatus = "VOID"
)

// predictionTransitions lists the allowed forward moves of the stake state machine.
var predictionTransitions = map[PredictionStatus][]PredictionStatus{
	PredictionStatusPending:   {PredictionStatusConfirmed, PredictionStatusVoid},
	PredictionStatusConfirmed: {PredictionStatusClaimable, PredictionStatusLost, PredictionStatusEmergencyWithdrawn},
	PredictionStatusClaimable: {PredictionStatusClaiming},
	PredictionStatusClaiming:  {PredictionStatusClaimed, PredictionStatusClaimable},
}

// CanTransition reports whether from -> to is a legal stake transition.
// Claiming -> Claimable is the rollback of a failed fund release. Only a
// CONFIRMED stake takes part in settlement; one still PENDING when its round
// resolves is voided.
func CanTransition(from, to PredictionStatus) bool {
	for _, next := range predictionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the stake still counts toward its round's pool.
func (s PredictionStatus) Active() bool {
	return s != PredictionStatusEmergencyWithdrawn && s != PredictionStatusVoid
}

// Unsettled reports whether the stake is still waiting for its round to resolve.
func (s PredictionStatus) Unsettled() bool {
	return s == PredictionStatusPending || s == PredictionStatusConfirmed
}

// Prediction is a user's directional stake in one round, keyed by its funding transaction.
type Prediction struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uint             `gorm:"not null;index" json:"user_id"`
	WalletAddress    string           `gorm:"size:64;not null;index" json:"wallet_address"`
	RoundID          int64            `gorm:"not null;index;index:idx_round_direction,priority:1" json:"round_id"`
	Direction        Direction        `gorm:"size:10;not null;index:idx_round_direction,priority:2" json:"direction"`
	Amount           int64            `gorm:"not null" json:"amount"`
	AmountUSD        decimal.Decimal  `gorm:"type:decimal(30,10);not null" json:"amount_usd"`
	TxHash           string           `gorm:"size:128;not null;uniqueIndex" json:"tx_hash"`
	BlockNumber      *int64           `json:"block_number"`
	SubmittedAt      time.Time        `gorm:"not null;index" json:"submitted_at"`
	Status           PredictionStatus `gorm:"size:30;not null;default:PENDING;index" json:"status"`
	WinningAmount    *int64           `json:"winning_amount"`
	ClaimTxHash      *string          `gorm:"size:128" json:"claim_tx_hash"`
	WithdrawnAmount  *int64           `json:"withdrawn_amount,omitempty"`
	PenaltyAmount    *int64           `json:"penalty_amount,omitempty"`
	WithdrawTxHash   *string          `gorm:"size:128" json:"withdraw_tx_hash,omitempty"`
	ReleaseStartedAt *time.Time       `json:"release_started_at,omitempty"`
	ConfirmedAt      *time.Time       `json:"confirmed_at"`
	ClaimedAt        *time.Time       `json:"claimed_at"`
	WithdrawnAt      *time.Time       `json:"withdrawn_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Prediction) TableName() string {
	return "predictions"
}

// SubmitPredictionRequest is the API command to stake on the current round.
type SubmitPredictionRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Direction     string `json:"direction" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	TxHash        string `json:"tx_hash" binding:"required"`
}

// ConfirmPredictionRequest carries the block the funding transaction landed in.
type ConfirmPredictionRequest struct {
	BlockNumber int64 `json:"block_number"`
}

// WithdrawalReceipt describes a completed emergency withdrawal.
type WithdrawalReceipt struct {
	PredictionID uuid.UUID `json:"prediction_id"`
	Returned     int64     `json:"returned"`
	Penalty      int64     `json:"penalty"`
	TxHash       string    `json:"tx_hash"`
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
