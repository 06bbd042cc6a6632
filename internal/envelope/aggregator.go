// Package envelope owns allocation rows: per-category-per-month budget
// buckets that absorb spent deltas from the ledger and hold funded amounts.
package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/core"

	"github.com/google/uuid"
)

// Aggregator applies and reverts spent deltas, funds envelopes, moves money
// between them and computes monthly summaries. Mutations that belong to a
// ledger operation run on the caller's transaction; standalone operations
// open their own.
type Aggregator struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// GetOrCreate returns the allocation for (category, month), creating a
// zeroed row lazily on first reference. Month is normalized to the first.
func (a *Aggregator) GetOrCreate(ctx context.Context, tx Tx, categoryID string, month time.Time) (*core.Allocation, error) {
	month = core.MonthOf(month)
	alloc, err := tx.AllocationForUpdate(ctx, categoryID, month)
	if err == nil {
		return alloc, nil
	}
	if !core.IsNotFound(err) {
		return nil, fmt.Errorf("get allocation: %w", err)
	}
	alloc = &core.Allocation{
		ID:         uuid.NewString(),
		CategoryID: categoryID,
		Month:      month,
	}
	if err := tx.InsertAllocation(ctx, alloc); err != nil {
		return nil, fmt.Errorf("create allocation: %w", err)
	}
	slog.DebugContext(ctx, "Allocation created lazily",
		"allocation_id", alloc.ID,
		"category_id", categoryID,
		"month", month.Format("2006-01"))
	return alloc, nil
}

// ApplySpentDelta adds a signed amount to the allocation's spent total,
// creating the allocation if absent. Spent is clamped at a floor of zero:
// a reversal that would drive it negative applies only the part that fits
// and reports the clamp as a non-fatal ReconciliationWarning. The applied
// delta is appended to the audit log keyed by the causing line.
func (a *Aggregator) ApplySpentDelta(ctx context.Context, tx Tx, lineID, categoryID string, month time.Time, delta core.Money) (*core.Allocation, *core.ReconciliationWarning, error) {
	if delta.IsZero() {
		return nil, nil, core.ErrInvalidAmount
	}
	alloc, err := a.GetOrCreate(ctx, tx, categoryID, month)
	if err != nil {
		return nil, nil, err
	}
	warning, err := a.applyDelta(ctx, tx, alloc, lineID, delta)
	if err != nil {
		return nil, nil, err
	}
	return alloc, warning, nil
}

// RevertLink undoes exactly the spent effect a line link recorded, by
// allocation id. Used by the ledger's revert-then-apply discipline so that
// reversal never has to recompute what the original apply did.
func (a *Aggregator) RevertLink(ctx context.Context, tx Tx, link core.LineLink) (*core.ReconciliationWarning, error) {
	alloc, err := tx.AllocationByIDForUpdate(ctx, link.AllocationID)
	if err != nil {
		return nil, fmt.Errorf("load linked allocation: %w", err)
	}
	return a.applyDelta(ctx, tx, alloc, link.LineID, link.Amount.Neg())
}

// applyDelta is the single write path for spent_amount. Every caller goes
// through the same clamp and the same audit-log append.
func (a *Aggregator) applyDelta(ctx context.Context, tx Tx, alloc *core.Allocation, lineID string, delta core.Money) (*core.ReconciliationWarning, error) {
	applied := delta
	var warning *core.ReconciliationWarning
	if next := alloc.SpentAmount.Add(delta); next.Cents < 0 {
		applied = alloc.SpentAmount.Neg() // clamp to zero
		warning = &core.ReconciliationWarning{
			CategoryID: alloc.CategoryID,
			Month:      alloc.Month,
			Requested:  delta,
			Applied:    applied,
		}
		slog.WarnContext(ctx, "Spent reversal clamped at zero",
			"allocation_id", alloc.ID,
			"requested", delta.Cents,
			"applied", applied.Cents)
	}

	alloc.SpentAmount = alloc.SpentAmount.Add(applied)
	if err := tx.SetAllocationAmounts(ctx, alloc); err != nil {
		return nil, fmt.Errorf("update spent amount: %w", err)
	}
	if err := tx.AppendDelta(ctx, Delta{
		ID:           uuid.NewString(),
		AllocationID: alloc.ID,
		LineID:       lineID,
		Amount:       applied,
		RecordedAt:   a.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("append delta: %w", err)
	}
	return warning, nil
}

// Fund adds amount to the envelope's available funds. A negative amount
// unfunds. The allocated target is bumped only when funding, so the planned
// figure tracks the largest commitment made to the envelope.
func (a *Aggregator) Fund(ctx context.Context, allocationID string, amount core.Money) (*core.Allocation, error) {
	if amount.IsZero() {
		return nil, core.ErrInvalidAmount
	}
	var funded *core.Allocation
	err := a.store.Atomic(ctx, func(tx Tx) error {
		alloc, err := tx.AllocationByIDForUpdate(ctx, allocationID)
		if err != nil {
			return err
		}
		alloc.AvailableAmount = alloc.AvailableAmount.Add(amount)
		if alloc.AvailableAmount.Cents > alloc.AllocatedAmount.Cents {
			alloc.AllocatedAmount = alloc.AvailableAmount
		}
		if err := tx.SetAllocationAmounts(ctx, alloc); err != nil {
			return fmt.Errorf("update funded amount: %w", err)
		}
		funded = alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Envelope funded",
		"allocation_id", allocationID,
		"amount_cents", amount.Cents,
		"available_cents", funded.AvailableAmount.Cents)
	return funded, nil
}

// Move shifts amount from one envelope's available funds to another's as one
// atomic unit. It fails with core.ErrInsufficientFunds, leaving both rows
// untouched, when the source's free balance cannot cover the amount.
func (a *Aggregator) Move(ctx context.Context, fromID, toID string, amount core.Money) error {
	if amount.Cents <= 0 {
		return core.ErrInvalidAmount
	}
	if fromID == toID {
		return fmt.Errorf("%w: cannot move within the same envelope", core.ErrValidation)
	}
	err := a.store.Atomic(ctx, func(tx Tx) error {
		from, err := tx.AllocationByIDForUpdate(ctx, fromID)
		if err != nil {
			return err
		}
		to, err := tx.AllocationByIDForUpdate(ctx, toID)
		if err != nil {
			return err
		}
		if from.Balance().Cents < amount.Cents {
			return fmt.Errorf("%w: free balance %d, requested %d",
				core.ErrInsufficientFunds, from.Balance().Cents, amount.Cents)
		}
		from.AvailableAmount = from.AvailableAmount.Add(amount.Neg())
		to.AvailableAmount = to.AvailableAmount.Add(amount)
		if to.AvailableAmount.Cents > to.AllocatedAmount.Cents {
			to.AllocatedAmount = to.AvailableAmount
		}
		if err := tx.SetAllocationAmounts(ctx, from); err != nil {
			return fmt.Errorf("debit source: %w", err)
		}
		if err := tx.SetAllocationAmounts(ctx, to); err != nil {
			return fmt.Errorf("credit target: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Funds moved between envelopes",
		"from", fromID, "to", toID, "amount_cents", amount.Cents)
	return nil
}

// Delete removes an allocation row outright. Unlike the rest of the model
// there is no tombstone on this path; the row must no longer be referenced
// by any line link.
func (a *Aggregator) Delete(ctx context.Context, allocationID string) error {
	return a.store.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.AllocationByIDForUpdate(ctx, allocationID); err != nil {
			return err
		}
		referenced, err := tx.AllocationReferenced(ctx, allocationID)
		if err != nil {
			return fmt.Errorf("check references: %w", err)
		}
		if referenced {
			return fmt.Errorf("%w: allocation %s still has linked lines", core.ErrValidation, allocationID)
		}
		return tx.DeleteAllocation(ctx, allocationID)
	})
}

// Summary totals every allocation for the month and derives the income that
// has not been funded into any envelope yet.
func (a *Aggregator) Summary(ctx context.Context, month time.Time) (core.MonthSummary, error) {
	month = core.MonthOf(month)
	summary := core.MonthSummary{Month: month}
	err := a.store.Atomic(ctx, func(tx Tx) error {
		allocs, err := tx.ListAllocations(ctx, month)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		for _, alloc := range allocs {
			summary.Allocated = summary.Allocated.Add(alloc.AllocatedAmount)
			summary.Available = summary.Available.Add(alloc.AvailableAmount)
			summary.Spent = summary.Spent.Add(alloc.SpentAmount)
			summary.Balance = summary.Balance.Add(alloc.Balance())
		}
		income, err := tx.IncomeTotal(ctx, month)
		if err != nil {
			return fmt.Errorf("income total: %w", err)
		}
		summary.UnallocatedFunds = income.Add(summary.Available.Neg())
		return nil
	})
	return summary, err
}
