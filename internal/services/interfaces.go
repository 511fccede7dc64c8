package services

import (
	"context"
	"fmt"
	"time"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/notify"
)

// PriceOracle supplies the reference price. Fetches may fail transiently.
type PriceOracle interface {
	FetchCurrentPrice(ctx context.Context) (models.PriceSample, error)
}

// PriceSnapshotStore shares the current price between instances. Optional.
type PriceSnapshotStore interface {
	GetCurrent(ctx context.Context) (models.PriceSample, error)
	SetCurrent(ctx context.Context, sample models.PriceSample) error
}

// FundingReceipt is the custody view of a funding transaction.
type FundingReceipt struct {
	Confirmed   bool
	BlockNumber int64
}

// TokenCustody moves the staked token. The ledger only computes amounts.
type TokenCustody interface {
	// VerifyFunding checks that txHash moved amount from wallet into custody.
	VerifyFunding(ctx context.Context, txHash, wallet string, amount int64) (FundingReceipt, error)
	// Release transfers amount from custody to wallet and returns the transfer
	// reference. An error after the transfer may have reached the network is an
	// *UnconfirmedReleaseError carrying its reference.
	Release(ctx context.Context, wallet string, amount int64, memo string) (string, error)
	// ReleaseStatus looks up a transfer previously returned by Release.
	ReleaseStatus(ctx context.Context, ref string) (ReleaseState, error)
	// Balance returns the wallet's token balance in base units.
	Balance(ctx context.Context, wallet string) (int64, error)
}

// ReleaseState is the custody view of a submitted transfer.
type ReleaseState int

const (
	// ReleaseUnknown means the transfer is not visible yet.
	ReleaseUnknown ReleaseState = iota
	ReleaseLanded
	ReleaseFailed
)

// UnconfirmedReleaseError reports a transfer whose outcome is unknown: it may
// or may not move funds. It must be reconciled through ReleaseStatus, never
// sent again blindly.
type UnconfirmedReleaseError struct {
	Ref string
	Err error
}

func (e *UnconfirmedReleaseError) Error() string {
	return fmt.Sprintf("transfer %s unconfirmed: %v", e.Ref, e.Err)
}

func (e *UnconfirmedReleaseError) Unwrap() error {
	return e.Err
}

// RoundLocker serializes pool mutations per round. Unlock must be called exactly once.
type RoundLocker interface {
	Lock(ctx context.Context, roundID int64) (unlock func(), err error)
}

// EventPublisher receives domain events in transition order.
type EventPublisher interface {
	Emit(events ...notify.Event)
}

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
