package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one observation of the reference price.
type PriceSample struct {
	Timestamp time.Time        `json:"timestamp"`
	Price     decimal.Decimal  `json:"price"`
	Volume24h *decimal.Decimal `json:"volume_24h,omitempty"`
	Change24h *decimal.Decimal `json:"change_24h,omitempty"`
}

// IsZero reports whether the sample was never populated.
func (p PriceSample) IsZero() bool {
	return p.Timestamp.IsZero()
}
