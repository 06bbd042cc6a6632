package core

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. ErrValidation and ErrNotFound are matched with errors.Is
// through wrapped errors; the rest are plain sentinels.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConcurrencyConflict = errors.New("concurrent modification") // reserved, never returned yet

	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrEmptyTitle    = fmt.Errorf("%w: empty title", ErrValidation)
	ErrNoLines       = fmt.Errorf("%w: transaction requires at least one line", ErrValidation)
	ErrTransferShape = fmt.Errorf("%w: a pure transfer must have exactly two transfer lines", ErrValidation)
)

// validationf wraps ErrValidation so callers can errors.Is against it.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with context about the missing row.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ReconciliationWarning is a non-fatal signal that a spent-amount reversal
// would have driven the value below zero and was clamped instead. The
// mutation it belongs to still commits.
type ReconciliationWarning struct {
	CategoryID string
	Month      time.Time
	Requested  Money // the delta that was asked for
	Applied    Money // the delta actually applied after clamping
}

func (w ReconciliationWarning) String() string {
	return fmt.Sprintf("spent underflow clamped for category %s month %s: requested %d, applied %d",
		w.CategoryID, w.Month.Format("2006-01"), w.Requested.Cents, w.Applied.Cents)
}
