package envelope

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bilancio/internal/core"
)

// memStore is an in-memory Store and Tx for exercising the aggregator
// without a database. Reads hand out copies so writes only land through
// SetAllocationAmounts, like rows fetched from a real engine.
type memStore struct {
	allocs     map[string]core.Allocation
	deltas     []Delta
	referenced map[string]bool
	income     core.Money
}

func newMemStore() *memStore {
	return &memStore{
		allocs:     map[string]core.Allocation{},
		referenced: map[string]bool{},
	}
}

func (s *memStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	return fn(s)
}

func (s *memStore) AllocationForUpdate(_ context.Context, categoryID string, month time.Time) (*core.Allocation, error) {
	month = core.MonthOf(month)
	for _, a := range s.allocs {
		if a.CategoryID == categoryID && a.Month.Equal(month) {
			copy := a
			return &copy, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *memStore) AllocationByIDForUpdate(_ context.Context, id string) (*core.Allocation, error) {
	a, ok := s.allocs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copy := a
	return &copy, nil
}

func (s *memStore) InsertAllocation(_ context.Context, a *core.Allocation) error {
	s.allocs[a.ID] = *a
	return nil
}

func (s *memStore) SetAllocationAmounts(_ context.Context, a *core.Allocation) error {
	if _, ok := s.allocs[a.ID]; !ok {
		return core.ErrNotFound
	}
	s.allocs[a.ID] = *a
	return nil
}

func (s *memStore) DeleteAllocation(_ context.Context, id string) error {
	delete(s.allocs, id)
	return nil
}

func (s *memStore) ListAllocations(_ context.Context, month time.Time) ([]core.Allocation, error) {
	month = core.MonthOf(month)
	var out []core.Allocation
	for _, a := range s.allocs {
		if a.Month.Equal(month) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) AllocationReferenced(_ context.Context, id string) (bool, error) {
	return s.referenced[id], nil
}

func (s *memStore) IncomeTotal(_ context.Context, _ time.Time) (core.Money, error) {
	return s.income, nil
}

func (s *memStore) AppendDelta(_ context.Context, d Delta) error {
	s.deltas = append(s.deltas, d)
	return nil
}

func (s *memStore) SumDeltas(_ context.Context, allocationID string) (core.Money, error) {
	var total core.Money
	for _, d := range s.deltas {
		if d.AllocationID == allocationID {
			total = total.Add(d.Amount)
		}
	}
	return total, nil
}

var march = time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

func TestGetOrCreate(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()

	first, err := agg.GetOrCreate(ctx, store, "groceries", march)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.CategoryID != "groceries" {
		t.Errorf("CategoryID = %v, want groceries", first.CategoryID)
	}
	if !first.Month.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Month = %v, want first of March", first.Month)
	}
	if first.AllocatedAmount.Cents != 0 || first.AvailableAmount.Cents != 0 || first.SpentAmount.Cents != 0 {
		t.Errorf("new allocation not zeroed: %+v", first)
	}

	// Same category and month resolves to the same row, any day of month.
	second, err := agg.GetOrCreate(ctx, store, "groceries", march.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second GetOrCreate created a new row: %v vs %v", second.ID, first.ID)
	}
	if len(store.allocs) != 1 {
		t.Errorf("allocation count = %d, want 1", len(store.allocs))
	}
}

func TestApplySpentDelta(t *testing.T) {
	ctx := context.Background()

	t.Run("accumulates and logs deltas", func(t *testing.T) {
		store := newMemStore()
		agg := New(store)

		alloc, warning, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 2500})
		if err != nil {
			t.Fatalf("ApplySpentDelta() error = %v", err)
		}
		if warning != nil {
			t.Errorf("unexpected warning: %v", warning)
		}
		if _, _, err := agg.ApplySpentDelta(ctx, store, "line-2", "groceries", march, core.Money{Cents: 1500}); err != nil {
			t.Fatalf("ApplySpentDelta() second error = %v", err)
		}

		got := store.allocs[alloc.ID]
		if got.SpentAmount.Cents != 4000 {
			t.Errorf("spent = %d, want 4000", got.SpentAmount.Cents)
		}
		replayed, _ := store.SumDeltas(ctx, alloc.ID)
		if replayed.Cents != got.SpentAmount.Cents {
			t.Errorf("delta log replay = %d, materialized = %d", replayed.Cents, got.SpentAmount.Cents)
		}
	})

	t.Run("zero delta rejected", func(t *testing.T) {
		store := newMemStore()
		agg := New(store)
		if _, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{}); !errors.Is(err, core.ErrInvalidAmount) {
			t.Errorf("error = %v, want ErrInvalidAmount", err)
		}
	})

	t.Run("reversal clamps at zero with warning", func(t *testing.T) {
		store := newMemStore()
		agg := New(store)

		alloc, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 1000})
		if err != nil {
			t.Fatalf("ApplySpentDelta() error = %v", err)
		}
		_, warning, err := agg.ApplySpentDelta(ctx, store, "line-2", "groceries", march, core.Money{Cents: -1500})
		if err != nil {
			t.Fatalf("ApplySpentDelta() reversal error = %v", err)
		}
		if warning == nil {
			t.Fatal("expected clamp warning, got nil")
		}
		if warning.Requested.Cents != -1500 || warning.Applied.Cents != -1000 {
			t.Errorf("warning = requested %d applied %d, want -1500/-1000",
				warning.Requested.Cents, warning.Applied.Cents)
		}
		if got := store.allocs[alloc.ID].SpentAmount.Cents; got != 0 {
			t.Errorf("spent after clamp = %d, want 0", got)
		}
		// The log records what was applied, so replay still matches.
		replayed, _ := store.SumDeltas(ctx, alloc.ID)
		if replayed.Cents != 0 {
			t.Errorf("delta replay = %d, want 0", replayed.Cents)
		}
	})
}

func TestRevertLink(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()

	alloc, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 3000})
	if err != nil {
		t.Fatalf("ApplySpentDelta() error = %v", err)
	}
	warning, err := agg.RevertLink(ctx, store, core.LineLink{
		LineID:       "line-1",
		AllocationID: alloc.ID,
		Amount:       core.Money{Cents: 3000},
	})
	if err != nil {
		t.Fatalf("RevertLink() error = %v", err)
	}
	if warning != nil {
		t.Errorf("unexpected warning: %v", warning)
	}
	if got := store.allocs[alloc.ID].SpentAmount.Cents; got != 0 {
		t.Errorf("spent after revert = %d, want 0", got)
	}
}

func TestFund(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()

	alloc, err := agg.GetOrCreate(ctx, store, "rent", march)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	funded, err := agg.Fund(ctx, alloc.ID, core.Money{Cents: 80000})
	if err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if funded.AvailableAmount.Cents != 80000 {
		t.Errorf("available = %d, want 80000", funded.AvailableAmount.Cents)
	}
	if funded.AllocatedAmount.Cents != 80000 {
		t.Errorf("allocated = %d, want 80000 (bumped to match funding)", funded.AllocatedAmount.Cents)
	}

	// Unfunding lowers available but leaves the planned figure alone.
	funded, err = agg.Fund(ctx, alloc.ID, core.Money{Cents: -30000})
	if err != nil {
		t.Fatalf("Fund() unfund error = %v", err)
	}
	if funded.AvailableAmount.Cents != 50000 {
		t.Errorf("available after unfund = %d, want 50000", funded.AvailableAmount.Cents)
	}
	if funded.AllocatedAmount.Cents != 80000 {
		t.Errorf("allocated after unfund = %d, want 80000", funded.AllocatedAmount.Cents)
	}

	if _, err := agg.Fund(ctx, alloc.ID, core.Money{}); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("Fund(zero) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := agg.Fund(ctx, "missing", core.Money{Cents: 100}); !core.IsNotFound(err) {
		t.Errorf("Fund(missing) error = %v, want not found", err)
	}
}

func TestMove(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*memStore, *Aggregator, string, string) {
		t.Helper()
		store := newMemStore()
		agg := New(store)
		from, err := agg.GetOrCreate(ctx, store, "groceries", march)
		if err != nil {
			t.Fatalf("GetOrCreate(from) error = %v", err)
		}
		to, err := agg.GetOrCreate(ctx, store, "travel", march)
		if err != nil {
			t.Fatalf("GetOrCreate(to) error = %v", err)
		}
		if _, err := agg.Fund(ctx, from.ID, core.Money{Cents: 10000}); err != nil {
			t.Fatalf("Fund() error = %v", err)
		}
		return store, agg, from.ID, to.ID
	}

	t.Run("moves within free balance", func(t *testing.T) {
		store, agg, fromID, toID := setup(t)
		if err := agg.Move(ctx, fromID, toID, core.Money{Cents: 4000}); err != nil {
			t.Fatalf("Move() error = %v", err)
		}
		if got := store.allocs[fromID].AvailableAmount.Cents; got != 6000 {
			t.Errorf("source available = %d, want 6000", got)
		}
		if got := store.allocs[toID].AvailableAmount.Cents; got != 4000 {
			t.Errorf("target available = %d, want 4000", got)
		}
		// Money is conserved across the pair.
		total := store.allocs[fromID].AvailableAmount.Cents + store.allocs[toID].AvailableAmount.Cents
		if total != 10000 {
			t.Errorf("total available = %d, want 10000", total)
		}
	})

	t.Run("spent reduces the free balance", func(t *testing.T) {
		store, agg, fromID, toID := setup(t)
		if _, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 7000}); err != nil {
			t.Fatalf("ApplySpentDelta() error = %v", err)
		}
		err := agg.Move(ctx, fromID, toID, core.Money{Cents: 4000})
		if !errors.Is(err, core.ErrInsufficientFunds) {
			t.Fatalf("Move() error = %v, want ErrInsufficientFunds", err)
		}
		// Both rows untouched on failure.
		if got := store.allocs[fromID].AvailableAmount.Cents; got != 10000 {
			t.Errorf("source available = %d, want 10000", got)
		}
		if got := store.allocs[toID].AvailableAmount.Cents; got != 0 {
			t.Errorf("target available = %d, want 0", got)
		}
	})

	t.Run("rejects self move and non-positive amounts", func(t *testing.T) {
		_, agg, fromID, toID := setup(t)
		if err := agg.Move(ctx, fromID, fromID, core.Money{Cents: 100}); !errors.Is(err, core.ErrValidation) {
			t.Errorf("self move error = %v, want ErrValidation", err)
		}
		if err := agg.Move(ctx, fromID, toID, core.Money{Cents: -100}); !errors.Is(err, core.ErrInvalidAmount) {
			t.Errorf("negative move error = %v, want ErrInvalidAmount", err)
		}
	})
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()

	alloc, err := agg.GetOrCreate(ctx, store, "groceries", march)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	store.referenced[alloc.ID] = true
	if err := agg.Delete(ctx, alloc.ID); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Delete(referenced) error = %v, want ErrValidation", err)
	}

	store.referenced[alloc.ID] = false
	if err := agg.Delete(ctx, alloc.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := store.allocs[alloc.ID]; ok {
		t.Error("allocation still present after delete")
	}
}

func TestSummary(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()
	store.income = core.Money{Cents: 250000}

	groceries, _ := agg.GetOrCreate(ctx, store, "groceries", march)
	rent, _ := agg.GetOrCreate(ctx, store, "rent", march)
	if _, err := agg.Fund(ctx, groceries.ID, core.Money{Cents: 40000}); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if _, err := agg.Fund(ctx, rent.ID, core.Money{Cents: 80000}); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if _, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 12500}); err != nil {
		t.Fatalf("ApplySpentDelta() error = %v", err)
	}

	summary, err := agg.Summary(ctx, march)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Allocated.Cents != 120000 {
		t.Errorf("allocated = %d, want 120000", summary.Allocated.Cents)
	}
	if summary.Available.Cents != 120000 {
		t.Errorf("available = %d, want 120000", summary.Available.Cents)
	}
	if summary.Spent.Cents != 12500 {
		t.Errorf("spent = %d, want 12500", summary.Spent.Cents)
	}
	if summary.Balance.Cents != 107500 {
		t.Errorf("balance = %d, want 107500", summary.Balance.Cents)
	}
	if summary.UnallocatedFunds.Cents != 130000 {
		t.Errorf("unallocated = %d, want 130000", summary.UnallocatedFunds.Cents)
	}
}

func TestAuditSpent(t *testing.T) {
	store := newMemStore()
	agg := New(store)
	ctx := context.Background()

	alloc, _, err := agg.ApplySpentDelta(ctx, store, "line-1", "groceries", march, core.Money{Cents: 5000})
	if err != nil {
		t.Fatalf("ApplySpentDelta() error = %v", err)
	}

	drifts, err := agg.AuditSpent(ctx, march)
	if err != nil {
		t.Fatalf("AuditSpent() error = %v", err)
	}
	if len(drifts) != 0 {
		t.Errorf("drifts = %v, want none", drifts)
	}

	// Corrupt the materialized figure behind the engine's back.
	row := store.allocs[alloc.ID]
	row.SpentAmount = core.Money{Cents: 9999}
	store.allocs[alloc.ID] = row

	drifts, err = agg.AuditSpent(ctx, march)
	if err != nil {
		t.Fatalf("AuditSpent() after corruption error = %v", err)
	}
	if len(drifts) != 1 {
		t.Fatalf("drifts = %d, want 1", len(drifts))
	}
	if drifts[0].Materialized.Cents != 9999 || drifts[0].Replayed.Cents != 5000 {
		t.Errorf("drift = %+v, want materialized 9999 replayed 5000", drifts[0])
	}
	if got := drifts[0].String(); !strings.Contains(got, "materialized 99.99") || !strings.Contains(got, "replayed 50.00") {
		t.Errorf("String() = %q, want unit amounts", got)
	}
}
