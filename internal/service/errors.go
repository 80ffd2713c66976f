package service

import (
	"errors"
	"fmt"

	"github.com/decoupledfin/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrReferenceNotFound = errors.New("reference not found")
	ErrAlreadyReversed   = errors.New("reference already reversed")
)

// ValidationError reports a malformed or out-of-range input. Surfaced
// verbatim to the caller, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// LegFailure describes one reversal leg that could not be applied.
type LegFailure struct {
	AccountID int64           `json:"account_id"`
	Direction domain.Direction `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Err       error           `json:"-"`
	Reason    string          `json:"reason"`
}

// ReversalError carries the per-leg failures of an aborted reversal so the
// caller can see exactly which leg could not be reversed.
type ReversalError struct {
	Reference string
	Legs      []LegFailure
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("reversal of %s aborted: %d leg(s) failed", e.Reference, len(e.Legs))
}
