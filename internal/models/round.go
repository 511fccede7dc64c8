package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	RoundStatusOpen      RoundStatus = "OPEN"
	RoundStatusLocked    RoundStatus = "LOCKED"
	RoundStatusResolving RoundStatus = "RESOLVING"
	RoundStatusResolved  RoundStatus = "RESOLVED"
)

type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ParseDirection accepts "up"/"down" in any case.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(upper(s)) {
	case DirectionUp:
		return DirectionUp, true
	case DirectionDown:
		return DirectionDown, true
	}
	return "", false
}

func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Round is a fixed-duration betting window.
// TotalUpStake and TotalDownStake always equal the sum of the round's
// non-withdrawn stakes on that side.
type Round struct {
	ID               int64            `gorm:"primaryKey;autoIncrement:false" json:"round_id"`
	StartTime        time.Time        `gorm:"not null;index" json:"start_time"`
	LockTime         time.Time        `gorm:"not null;index" json:"lock_time"`
	StartPrice       decimal.Decimal  `gorm:"type:decimal(30,10);not null" json:"start_price"`
	EndPrice         *decimal.Decimal `gorm:"type:decimal(30,10)" json:"end_price"`
	Status           RoundStatus      `gorm:"size:20;not null;default:OPEN;index" json:"status"`
	TotalUpStake     int64            `gorm:"not null;default:0" json:"total_up_stake"`
	TotalDownStake   int64            `gorm:"not null;default:0" json:"total_down_stake"`
	UpStakers        int64            `gorm:"not null;default:0" json:"up_stakers"`
	DownStakers      int64            `gorm:"not null;default:0" json:"down_stakers"`
	TotalStakers     int64            `gorm:"not null;default:0" json:"total_stakers"`
	WinningDirection *Direction       `gorm:"size:10" json:"winning_direction"`
	PlatformFee      int64            `gorm:"not null;default:0" json:"platform_fee"`
	SettlementDust   int64            `gorm:"not null;default:0" json:"settlement_dust"`
	Frozen           bool             `gorm:"not null;default:false" json:"frozen"`
	FrozenReason     *string          `gorm:"size:500" json:"frozen_reason,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Round) TableName() string {
	return "rounds"
}

// TotalStake is the combined pool of both sides.
func (r *Round) TotalStake() int64 {
	return r.TotalUpStake + r.TotalDownStake
}

// UpPercentage is the up side's share of the pool, 50 when the pool is empty.
func (r *Round) UpPercentage() decimal.Decimal {
	total := r.TotalStake()
	if total == 0 {
		return decimal.NewFromInt(50)
	}
	return decimal.NewFromInt(r.TotalUpStake).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(total)).Round(2)
}

// DownPercentage is the down side's share of the pool, 50 when the pool is empty.
func (r *Round) DownPercentage() decimal.Decimal {
	return decimal.NewFromInt(100).Sub(r.UpPercentage())
}

// PoolFor returns the pool total for a direction.
func (r *Round) PoolFor(d Direction) int64 {
	if d == DirectionUp {
		return r.TotalUpStake
	}
	return r.TotalDownStake
}

// AcceptsStakesAt reports whether the round is open, not frozen and its lock
// time is still ahead.
func (r *Round) AcceptsStakesAt(now time.Time) bool {
	return r.Status == RoundStatusOpen && !r.Frozen && now.Before(r.LockTime)
}

// RoundSummary is the API view of a round.
type RoundSummary struct {
	Round
	TotalStake     int64           `json:"total_stake"`
	UpPercentage   decimal.Decimal `json:"up_percentage"`
	DownPercentage decimal.Decimal `json:"down_percentage"`
	SecondsToLock  int64           `json:"seconds_to_lock"`
}

// Summarize builds the API view of r as of now.
func (r *Round) Summarize(now time.Time) RoundSummary {
	remaining := int64(r.LockTime.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return RoundSummary{
		Round:          *r,
		TotalStake:     r.TotalStake(),
		UpPercentage:   r.UpPercentage(),
		DownPercentage: r.DownPercentage(),
		SecondsToLock:  remaining,
	}
}
