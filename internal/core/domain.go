package core

import (
	"strings"
	"time"
)

const (
	Income   Direction = "income"
	Expense  Direction = "expense"
	Transfer Direction = "transfer"
)

const (
	TypeStandard TransactionType = "standard"
	TypeTransfer TransactionType = "transfer"
	TypeMixed    TransactionType = "mixed"
)

type (
	// Direction classifies a transaction line.
	Direction string

	// TransactionType is derived from the line set, never stored by callers.
	TransactionType string

	// Transaction is the ledger header. It owns one or more lines and is
	// only ever soft-deleted while lines or allocation links reference it.
	Transaction struct {
		ID          string
		Date        time.Time
		Title       string
		Description string
		IsDeleted   bool
		Version     int64 // declared for optimistic locking, not yet enforced
		CreatedAt   time.Time
		UpdatedAt   time.Time
		Lines       []TransactionLine
	}

	// TransactionLine is a single leg of a transaction. BaseAmount is the
	// entered amount converted at the frozen entry-time exchange rate.
	TransactionLine struct {
		ID            string
		TransactionID string
		AccountID     string
		Amount        Money
		Currency      string
		ExchangeRate  float64
		BaseAmount    Money
		Direction     Direction
		CategoryID    string
		Notes         string
		IsDeleted     bool
	}

	// Allocation is a per-category-per-month envelope. Month is always
	// normalized to the first of the month. Balance is derived, never stored.
	Allocation struct {
		ID              string
		CategoryID      string
		Month           time.Time
		AllocatedAmount Money
		AvailableAmount Money
		SpentAmount     Money
		Notes           string
	}

	// LineLink records which allocation absorbed an expense line, so that
	// reversal is exact rather than recomputed.
	LineLink struct {
		LineID       string
		AllocationID string
		Amount       Money
	}
)

// MonthOf normalizes a date to the first of its month in UTC.
func MonthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Balance is the envelope's free amount: funded minus spent.
func (a Allocation) Balance() Money {
	return Money{Cents: a.AvailableAmount.Cents - a.SpentAmount.Cents}
}

func (d Direction) Valid() bool {
	switch d {
	case Income, Expense, Transfer:
		return true
	}
	return false
}

// Type derives the transaction type from its non-deleted lines.
func (t Transaction) Type() TransactionType {
	transfers := 0
	others := 0
	for _, l := range t.Lines {
		if l.IsDeleted {
			continue
		}
		if l.Direction == Transfer {
			transfers++
		} else {
			others++
		}
	}
	switch {
	case transfers > 0 && others > 0:
		return TypeMixed
	case transfers > 0:
		return TypeTransfer
	default:
		return TypeStandard
	}
}

func (l TransactionLine) Validate() error {
	if strings.TrimSpace(l.AccountID) == "" {
		return validationf("line: missing account")
	}
	if l.Amount.Cents == 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(l.Currency) == "" {
		return validationf("line: missing currency")
	}
	if !l.Direction.Valid() {
		return validationf("line: invalid direction %q", string(l.Direction))
	}
	if l.ExchangeRate < 0 {
		return validationf("line: negative exchange rate")
	}
	switch l.Direction {
	case Transfer:
		if l.CategoryID != "" {
			return validationf("line: transfer lines cannot carry a category")
		}
	default:
		if strings.TrimSpace(l.CategoryID) == "" {
			return validationf("line: %s lines require a category", string(l.Direction))
		}
	}
	return nil
}

// Validate checks the transaction header and its full line set, including
// the pure-transfer shape rule: exactly two lines, both transfer.
func (t Transaction) Validate() error {
	if t.Date.IsZero() {
		return validationf("transaction: date cannot be zero")
	}
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	if len(t.Title) > 200 {
		return validationf("transaction: title too long (max 200 characters)")
	}
	if len(t.Lines) == 0 {
		return ErrNoLines
	}
	transfers := 0
	for i, l := range t.Lines {
		if err := l.Validate(); err != nil {
			return validationf("line %d: %v", i, err)
		}
		if l.Direction == Transfer {
			transfers++
		}
	}
	if transfers > 0 && transfers == len(t.Lines) && len(t.Lines) != 2 {
		return ErrTransferShape
	}
	return nil
}
