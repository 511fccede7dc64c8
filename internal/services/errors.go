package services

import (
	"errors"
	"fmt"
)

// ErrorKind groups ledger errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindStateConflict       ErrorKind = "state_conflict"
	KindNotFound            ErrorKind = "not_found"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindInvariantViolation  ErrorKind = "invariant_violation"
)

// LedgerError is the typed error returned by every ledger operation.
// Two LedgerErrors match under errors.Is when their codes are equal.
type LedgerError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying a more specific reason.
func (e *LedgerError) WithMessage(format string, args ...interface{}) *LedgerError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e with cause attached.
func (e *LedgerError) Wrap(cause error) *LedgerError {
	cp := *e
	cp.Err = cause
	return &cp
}

func newLedgerError(kind ErrorKind, code, msg string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: msg}
}

var (
	// Validation
	ErrStakeOutOfBounds        = newLedgerError(KindValidation, "StakeOutOfBounds", "stake amount is outside the allowed range")
	ErrInvalidDirection        = newLedgerError(KindValidation, "InvalidDirection", "direction must be UP or DOWN")
	ErrInvalidAddress          = newLedgerError(KindValidation, "InvalidAddress", "wallet address is not a valid base58 public key")
	ErrInvalidFundingReference = newLedgerError(KindValidation, "InvalidFundingReference", "funding transaction reference is required")
	ErrInvalidPrice            = newLedgerError(KindValidation, "InvalidPrice", "price must be positive")
	ErrInvalidHistoryWindow    = newLedgerError(KindValidation, "InvalidHistoryWindow", "history window is out of range")

	// State conflicts
	ErrRoundAlreadyOpen             = newLedgerError(KindStateConflict, "RoundAlreadyOpen", "an open round already exists")
	ErrRoundNotOpen                 = newLedgerError(KindStateConflict, "RoundNotOpen", "round is not open for stakes")
	ErrRoundExpired                 = newLedgerError(KindStateConflict, "RoundExpired", "round lock time has passed")
	ErrRoundNotLocked               = newLedgerError(KindStateConflict, "RoundNotLocked", "round is not locked")
	ErrLockTimeNotReached           = newLedgerError(KindStateConflict, "LockTimeNotReached", "round lock time has not passed yet")
	ErrAlreadyResolved              = newLedgerError(KindStateConflict, "AlreadyResolved", "round is already resolved")
	ErrRoundFrozen                  = newLedgerError(KindStateConflict, "RoundFrozen", "round is frozen pending manual review")
	ErrDuplicateFundingReference    = newLedgerError(KindStateConflict, "DuplicateFundingReference", "funding transaction was already used for a stake")
	ErrNotClaimable                 = newLedgerError(KindStateConflict, "NotClaimable", "stake is not claimable")
	ErrAlreadyClaimed               = newLedgerError(KindStateConflict, "AlreadyClaimed", "stake was already claimed")
	ErrClaimInProgress              = newLedgerError(KindStateConflict, "ClaimInProgress", "a claim for this stake is already in progress")
	ErrEmergencyWithdrawNotEligible = newLedgerError(KindStateConflict, "EmergencyWithdrawNotEligible", "stake is not eligible for emergency withdrawal")
	ErrFundingNotVerified           = newLedgerError(KindStateConflict, "FundingNotVerified", "funding transaction could not be verified")
	ErrTransferPending              = newLedgerError(KindStateConflict, "TransferPending", "a token transfer was submitted and awaits confirmation")

	// Not found
	ErrRoundNotFound = newLedgerError(KindNotFound, "RoundNotFound", "round not found")
	ErrStakeNotFound = newLedgerError(KindNotFound, "StakeNotFound", "stake not found")
	ErrUserNotFound  = newLedgerError(KindNotFound, "UserNotFound", "user not found")

	// Upstream
	ErrNoPriceAvailable     = newLedgerError(KindUpstreamUnavailable, "NoPriceAvailable", "no price has been observed yet")
	ErrPersistence          = newLedgerError(KindUpstreamUnavailable, "PersistenceUnavailable", "storage is unavailable")
	ErrCustodyUnavailable   = newLedgerError(KindUpstreamUnavailable, "CustodyUnavailable", "token custody is unavailable")
	ErrRoundLockUnavailable = newLedgerError(KindUpstreamUnavailable, "RoundLockUnavailable", "could not acquire the round lock")

	// Internal
	ErrInvariantViolation = newLedgerError(KindInvariantViolation, "InvariantViolation", "ledger invariant violated")
)

// KindOf returns the kind of err, or "" when err is not a LedgerError.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// persistenceErr wraps a storage failure unless it is already a LedgerError.
func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	return ErrPersistence.WithMessage("%s failed", op).Wrap(err)
}
