package envelope

import (
	"context"
	"time"

	"bilancio/internal/core"
)

type (
	// Delta is one signed spent-amount movement, keyed by the transaction
	// line that caused it. The log is append-only and lets spent_amount be
	// replayed and audited instead of trusted blindly.
	Delta struct {
		ID           string
		AllocationID string
		LineID       string
		Amount       core.Money // as applied, after any clamping
		RecordedAt   time.Time
	}

	// Tx is the slice of a store transaction the aggregator operates on.
	// Implementations must return allocations row-locked for the duration
	// of the transaction where the engine supports it.
	Tx interface {
		// AllocationForUpdate fetches by (category, month), core.ErrNotFound when absent.
		AllocationForUpdate(ctx context.Context, categoryID string, month time.Time) (*core.Allocation, error)
		// AllocationByIDForUpdate fetches by id, core.ErrNotFound when absent.
		AllocationByIDForUpdate(ctx context.Context, id string) (*core.Allocation, error)
		InsertAllocation(ctx context.Context, a *core.Allocation) error
		// SetAllocationAmounts persists allocated/available/spent for an existing row.
		SetAllocationAmounts(ctx context.Context, a *core.Allocation) error
		DeleteAllocation(ctx context.Context, id string) error
		ListAllocations(ctx context.Context, month time.Time) ([]core.Allocation, error)
		// AllocationReferenced reports whether any line link still points at the allocation.
		AllocationReferenced(ctx context.Context, id string) (bool, error)
		// IncomeTotal sums the base amounts of non-deleted income lines dated in month.
		IncomeTotal(ctx context.Context, month time.Time) (core.Money, error)
		AppendDelta(ctx context.Context, d Delta) error
		// SumDeltas replays the delta log for one allocation.
		SumDeltas(ctx context.Context, allocationID string) (core.Money, error)
	}

	// Store runs a function inside one atomic store transaction.
	Store interface {
		Atomic(ctx context.Context, fn func(Tx) error) error
	}
)
