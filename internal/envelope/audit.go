package envelope

import (
	"context"
	"fmt"
	"time"

	"bilancio/internal/core"
)

// Drift is a mismatch between an allocation's materialized spent amount and
// the sum of its delta log. A correct engine never produces one.
type Drift struct {
	AllocationID string
	CategoryID   string
	Month        time.Time
	Materialized core.Money
	Replayed     core.Money
}

func (d Drift) String() string {
	return fmt.Sprintf("allocation %s (%s %s): materialized %.2f, replayed %.2f",
		d.AllocationID, d.CategoryID, d.Month.Format("2006-01"),
		d.Materialized.Units(), d.Replayed.Units())
}

// AuditSpent replays the delta log for every allocation in the month and
// reports rows whose materialized spent amount does not match. Run
// periodically by the server daemon; an empty result means the month is
// internally consistent.
func (a *Aggregator) AuditSpent(ctx context.Context, month time.Time) ([]Drift, error) {
	month = core.MonthOf(month)
	var drifts []Drift
	err := a.store.Atomic(ctx, func(tx Tx) error {
		allocs, err := tx.ListAllocations(ctx, month)
		if err != nil {
			return fmt.Errorf("list allocations: %w", err)
		}
		for _, alloc := range allocs {
			replayed, err := tx.SumDeltas(ctx, alloc.ID)
			if err != nil {
				return fmt.Errorf("sum deltas for %s: %w", alloc.ID, err)
			}
			if replayed.Cents != alloc.SpentAmount.Cents {
				drifts = append(drifts, Drift{
					AllocationID: alloc.ID,
					CategoryID:   alloc.CategoryID,
					Month:        alloc.Month,
					Materialized: alloc.SpentAmount,
					Replayed:     replayed,
				})
			}
		}
		return nil
	})
	return drifts, err
}
