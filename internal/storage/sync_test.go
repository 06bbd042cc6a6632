package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/syncer"

	"github.com/google/uuid"
)

func serverTransactionRow(serverID string, cents int64, modifiedAt time.Time) syncer.TransactionRow {
	lineID := uuid.NewString()
	return syncer.TransactionRow{
		ServerID: serverID,
		Txn: core.Transaction{
			ID:        serverID,
			Date:      testDate,
			Title:     "Dal server",
			Version:   1,
			CreatedAt: modifiedAt,
			UpdatedAt: modifiedAt,
			Lines: []core.TransactionLine{{
				ID:           lineID,
				AccountID:    "checking",
				Amount:       core.Money{Cents: -cents},
				Currency:     "EUR",
				ExchangeRate: 1,
				BaseAmount:   core.Money{Cents: -cents},
				Direction:    core.Expense,
				CategoryID:   "groceries",
			}},
		},
		Status:     core.SyncSynced,
		ModifiedAt: modifiedAt,
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated acknowledgement changes nothing", func(t *testing.T) {
		svc, store := newTestLedger(t)
		txn, _, err := svc.CreateTransaction(ctx, expenseInput("Spesa", 1000))
		if err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}

		stamp := time.Now().UTC()
		for i := 0; i < 3; i++ {
			if err := store.MarkSynced(ctx, syncer.EntityTransaction, txn.ID, "srv-1", stamp); err != nil {
				t.Fatalf("MarkSynced() round %d error = %v", i, err)
			}
		}

		status, err := store.SyncStatusOf(ctx, syncer.EntityTransaction, txn.ID)
		if err != nil {
			t.Fatalf("SyncStatusOf() error = %v", err)
		}
		if status != core.SyncSynced {
			t.Errorf("status = %v, want synced", status)
		}

		pending, err := store.PendingTransactions(ctx)
		if err != nil {
			t.Fatalf("PendingTransactions() error = %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("pending = %d, want 0", len(pending))
		}

		row, found, err := store.LookupTransaction(ctx, "srv-1")
		if err != nil {
			t.Fatalf("LookupTransaction() error = %v", err)
		}
		if !found || row.LocalID != txn.ID {
			t.Errorf("lookup = %+v found %v, want the local row", row, found)
		}
	})

	t.Run("replayed acknowledgement does not swallow a local edit", func(t *testing.T) {
		svc, store := newTestLedger(t)
		txn, _, err := svc.CreateTransaction(ctx, expenseInput("Spesa", 1000))
		if err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}

		stamp := time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC)
		if err := store.MarkSynced(ctx, syncer.EntityTransaction, txn.ID, "srv-1", stamp); err != nil {
			t.Fatalf("MarkSynced() error = %v", err)
		}

		// Edit the row locally; it must flip back to pending.
		if _, _, err := svc.UpdateTransaction(ctx, txn.ID, expenseInput("Spesa corretta", 1500)); err != nil {
			t.Fatalf("UpdateTransaction() error = %v", err)
		}

		// The same acknowledgement arrives again, e.g. after a crash-resume
		// replays the push cycle. It must be a true no-op.
		if err := store.MarkSynced(ctx, syncer.EntityTransaction, txn.ID, "srv-1", stamp); err != nil {
			t.Fatalf("replayed MarkSynced() error = %v", err)
		}

		status, err := store.SyncStatusOf(ctx, syncer.EntityTransaction, txn.ID)
		if err != nil {
			t.Fatalf("SyncStatusOf() error = %v", err)
		}
		if status != core.SyncPending {
			t.Errorf("status after replayed acknowledgement = %v, want pending", status)
		}

		pending, err := store.PendingTransactions(ctx)
		if err != nil {
			t.Fatalf("PendingTransactions() error = %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("pending = %d, want 1 (the edited transaction must still push)", len(pending))
		}
		if pending[0].LocalID != txn.ID || pending[0].Txn.Title != "Spesa corretta" {
			t.Errorf("pending row = %+v, want the edited transaction", pending[0])
		}

		// A genuinely new acknowledgement still flips the row to synced.
		if err := store.MarkSynced(ctx, syncer.EntityTransaction, txn.ID, "srv-1", stamp.Add(time.Minute)); err != nil {
			t.Fatalf("fresh MarkSynced() error = %v", err)
		}
		status, err = store.SyncStatusOf(ctx, syncer.EntityTransaction, txn.ID)
		if err != nil {
			t.Fatalf("SyncStatusOf() error = %v", err)
		}
		if status != core.SyncSynced {
			t.Errorf("status after fresh acknowledgement = %v, want synced", status)
		}
	})
}

func TestPendingTransactionsIncludeTombstones(t *testing.T) {
	svc, store := newTestLedger(t)
	ctx := context.Background()

	txn, _, err := svc.CreateTransaction(ctx, expenseInput("Spesa", 1000))
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if _, err := svc.DeleteTransaction(ctx, txn.ID); err != nil {
		t.Fatalf("DeleteTransaction() error = %v", err)
	}

	pending, err := store.PendingTransactions(ctx)
	if err != nil {
		t.Fatalf("PendingTransactions() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 tombstone", len(pending))
	}
	if pending[0].Status != core.SyncDeleted || !pending[0].Txn.IsDeleted {
		t.Errorf("row = %+v, want a deleted tombstone", pending[0])
	}
}

func TestApplyServerTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("new row lands synced with envelope effect", func(t *testing.T) {
		_, store := newTestLedger(t)
		row := serverTransactionRow("srv-1", 4000, time.Now().UTC())

		if err := store.ApplyServerTransaction(ctx, row); err != nil {
			t.Fatalf("ApplyServerTransaction() error = %v", err)
		}
		if got := spentFor(t, store, "groceries"); got != 4000 {
			t.Errorf("spent = %d, want 4000", got)
		}

		local, found, err := store.LookupTransaction(ctx, "srv-1")
		if err != nil || !found {
			t.Fatalf("LookupTransaction() = found %v, err %v", found, err)
		}
		if local.Status != core.SyncSynced {
			t.Errorf("status = %v, want synced", local.Status)
		}

		pending, err := store.PendingTransactions(ctx)
		if err != nil {
			t.Fatalf("PendingTransactions() error = %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("pending = %d, want 0 (mirrored rows are not re-pushed)", len(pending))
		}
	})

	t.Run("reapply reverts then applies", func(t *testing.T) {
		_, store := newTestLedger(t)
		if err := store.ApplyServerTransaction(ctx, serverTransactionRow("srv-1", 4000, time.Now().UTC())); err != nil {
			t.Fatalf("first apply error = %v", err)
		}
		if err := store.ApplyServerTransaction(ctx, serverTransactionRow("srv-1", 2500, time.Now().UTC())); err != nil {
			t.Fatalf("second apply error = %v", err)
		}
		if got := spentFor(t, store, "groceries"); got != 2500 {
			t.Errorf("spent = %d, want 2500 after replacement", got)
		}
	})

	t.Run("tombstone reverts the local effect", func(t *testing.T) {
		_, store := newTestLedger(t)
		if err := store.ApplyServerTransaction(ctx, serverTransactionRow("srv-1", 4000, time.Now().UTC())); err != nil {
			t.Fatalf("apply error = %v", err)
		}
		tombstone := serverTransactionRow("srv-1", 4000, time.Now().UTC())
		tombstone.Txn.IsDeleted = true
		tombstone.Txn.Lines = nil
		if err := store.ApplyServerTransaction(ctx, tombstone); err != nil {
			t.Fatalf("tombstone apply error = %v", err)
		}
		if got := spentFor(t, store, "groceries"); got != 0 {
			t.Errorf("spent after tombstone = %d, want 0", got)
		}
	})

	t.Run("tombstone for unknown row is a no-op", func(t *testing.T) {
		_, store := newTestLedger(t)
		tombstone := serverTransactionRow("srv-ghost", 4000, time.Now().UTC())
		tombstone.Txn.IsDeleted = true
		tombstone.Txn.Lines = nil
		if err := store.ApplyServerTransaction(ctx, tombstone); err != nil {
			t.Fatalf("ApplyServerTransaction() error = %v", err)
		}
		if _, found, _ := store.LookupTransaction(ctx, "srv-ghost"); found {
			t.Error("tombstone for an unknown row created a local row")
		}
	})
}

func TestApplyServerAllocation(t *testing.T) {
	ctx := context.Background()

	t.Run("adoption of a pending local envelope records a conflict", func(t *testing.T) {
		svc, store := newTestLedger(t)
		// Local expense creates the groceries envelope with spent 3000;
		// the row is pending and has never been pushed.
		if _, _, err := svc.CreateTransaction(ctx, expenseInput("Spesa", 3000)); err != nil {
			t.Fatalf("CreateTransaction() error = %v", err)
		}

		serverRow := syncer.AllocationRow{
			ServerID: "srv-alloc-1",
			Alloc: core.Allocation{
				ID:              "srv-alloc-1",
				CategoryID:      "groceries",
				Month:           core.MonthOf(testDate),
				AllocatedAmount: core.Money{Cents: 50000},
				AvailableAmount: core.Money{Cents: 50000},
			},
			Status:     core.SyncSynced,
			ModifiedAt: time.Now().UTC(),
		}
		if err := store.ApplyServerAllocation(ctx, serverRow); err != nil {
			t.Fatalf("ApplyServerAllocation() error = %v", err)
		}

		// Both sides changed the envelope before their identities met:
		// the local amounts are kept untouched and the divergence recorded.
		row, found, err := store.LookupAllocation(ctx, "srv-alloc-1")
		if err != nil || !found {
			t.Fatalf("LookupAllocation() = found %v, err %v", found, err)
		}
		if row.Status != core.SyncConflict {
			t.Errorf("status = %v, want conflict", row.Status)
		}
		if row.Alloc.AvailableAmount.Cents != 0 {
			t.Errorf("available = %d, want 0 (server amounts not applied)", row.Alloc.AvailableAmount.Cents)
		}
		conflicts, err := store.Conflicts(ctx)
		if err != nil {
			t.Fatalf("Conflicts() error = %v", err)
		}
		if len(conflicts) != 1 || conflicts[0].Entity != syncer.EntityAllocation {
			t.Fatalf("conflicts = %+v, want one allocation conflict", conflicts)
		}

		// The next pull finds the row mapped and lands the server copy.
		if err := store.ApplyServerAllocation(ctx, serverRow); err != nil {
			t.Fatalf("second ApplyServerAllocation() error = %v", err)
		}
		row, found, err = store.LookupAllocation(ctx, "srv-alloc-1")
		if err != nil || !found {
			t.Fatalf("LookupAllocation() = found %v, err %v", found, err)
		}
		if row.Status != core.SyncSynced {
			t.Errorf("status = %v, want synced", row.Status)
		}
		if row.Alloc.AvailableAmount.Cents != 50000 {
			t.Errorf("available = %d, want 50000 from server", row.Alloc.AvailableAmount.Cents)
		}
		// Spent is owned by the local ledger replay, never the server.
		if row.Alloc.SpentAmount.Cents != 3000 {
			t.Errorf("spent = %d, want 3000 preserved", row.Alloc.SpentAmount.Cents)
		}
	})

	t.Run("creates a mirror row when the envelope is unknown", func(t *testing.T) {
		_, store := newTestLedger(t)
		if err := store.ApplyServerAllocation(ctx, syncer.AllocationRow{
			ServerID: "srv-alloc-2",
			Alloc: core.Allocation{
				ID:              "srv-alloc-2",
				CategoryID:      "travel",
				Month:           core.MonthOf(testDate),
				AllocatedAmount: core.Money{Cents: 20000},
				AvailableAmount: core.Money{Cents: 15000},
				SpentAmount:     core.Money{Cents: 9999}, // must be ignored
			},
			ModifiedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("ApplyServerAllocation() error = %v", err)
		}

		row, found, err := store.LookupAllocation(ctx, "srv-alloc-2")
		if err != nil || !found {
			t.Fatalf("LookupAllocation() = found %v, err %v", found, err)
		}
		if row.Alloc.SpentAmount.Cents != 0 {
			t.Errorf("spent = %d, want 0 (server spent discarded)", row.Alloc.SpentAmount.Cents)
		}
		if row.Alloc.AvailableAmount.Cents != 15000 {
			t.Errorf("available = %d, want 15000", row.Alloc.AvailableAmount.Cents)
		}
	})
}

func TestRecordConflict(t *testing.T) {
	svc, store := newTestLedger(t)
	ctx := context.Background()

	txn, _, err := svc.CreateTransaction(ctx, expenseInput("Versione locale", 1000))
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	serverVersion := core.Transaction{ID: "srv-1", Title: "Versione server"}
	if err := store.RecordConflict(ctx, syncer.EntityTransaction, txn.ID, txn, serverVersion); err != nil {
		t.Fatalf("RecordConflict() error = %v", err)
	}

	status, err := store.SyncStatusOf(ctx, syncer.EntityTransaction, txn.ID)
	if err != nil {
		t.Fatalf("SyncStatusOf() error = %v", err)
	}
	if status != core.SyncConflict {
		t.Errorf("status = %v, want conflict", status)
	}

	conflicts, err := store.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	var local core.Transaction
	if err := json.Unmarshal(conflicts[0].LocalPayload, &local); err != nil {
		t.Fatalf("unmarshal local payload: %v", err)
	}
	if local.Title != "Versione locale" {
		t.Errorf("local snapshot title = %q, want the local version verbatim", local.Title)
	}
	var server core.Transaction
	if err := json.Unmarshal(conflicts[0].ServerPayload, &server); err != nil {
		t.Fatalf("unmarshal server payload: %v", err)
	}
	if server.Title != "Versione server" {
		t.Errorf("server snapshot title = %q, want the server version verbatim", server.Title)
	}

	// A conflicted row is withheld from pushing until resolved.
	pending, err := store.PendingTransactions(ctx)
	if err != nil {
		t.Fatalf("PendingTransactions() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestLastSyncTime(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()

	got, err := store.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() error = %v", err)
	}
	if !got.IsZero() {
		t.Errorf("initial checkpoint = %v, want zero", got)
	}

	want := time.Date(2026, time.March, 20, 8, 30, 0, 0, time.UTC)
	if err := store.SetLastSyncTime(ctx, want); err != nil {
		t.Fatalf("SetLastSyncTime() error = %v", err)
	}
	got, err = store.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() after set error = %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("checkpoint = %v, want %v", got, want)
	}
}

// fakeTransport plays the server side of a full reconciler cycle against
// the real local store, accepting every pushed row.
type fakeTransport struct {
	serverTime time.Time
	pullSet    syncer.PullSet
	batches    []syncer.PushBatch
}

func (f *fakeTransport) Push(_ context.Context, batch syncer.PushBatch) ([]syncer.PushResult, error) {
	f.batches = append(f.batches, batch)
	var results []syncer.PushResult
	for _, row := range batch.Transactions {
		results = append(results, syncer.PushResult{
			Entity:           syncer.EntityTransaction,
			LocalID:          row.LocalID,
			ServerID:         "srv-" + row.LocalID,
			Accepted:         true,
			ServerModifiedAt: f.serverTime,
		})
	}
	for _, row := range batch.Allocations {
		results = append(results, syncer.PushResult{
			Entity:           syncer.EntityAllocation,
			LocalID:          row.LocalID,
			ServerID:         "srv-" + row.LocalID,
			Accepted:         true,
			ServerModifiedAt: f.serverTime,
		})
	}
	return results, nil
}

func (f *fakeTransport) Pull(_ context.Context, _ time.Time) (syncer.PullSet, error) {
	return f.pullSet, nil
}

func TestReconcilerCycleAgainstLocalStore(t *testing.T) {
	svc, store := newTestLedger(t)
	ctx := context.Background()

	txn, _, err := svc.CreateTransaction(ctx, expenseInput("Spesa offline", 2000))
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	serverTime := time.Now().UTC()
	transport := &fakeTransport{
		serverTime: serverTime,
		pullSet:    syncer.PullSet{ServerTime: serverTime},
	}
	reconciler := syncer.NewReconciler(store, transport)

	stats, err := reconciler.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if stats.Pushed == 0 || stats.Accepted != stats.Pushed {
		t.Errorf("stats = %+v, want every offline row pushed and accepted", stats)
	}

	status, err := store.SyncStatusOf(ctx, syncer.EntityTransaction, txn.ID)
	if err != nil {
		t.Fatalf("SyncStatusOf() error = %v", err)
	}
	if status != core.SyncSynced {
		t.Errorf("status after cycle = %v, want synced", status)
	}

	// A second cycle finds nothing to push: resumption is cheap.
	stats, err = reconciler.Cycle(ctx)
	if err != nil {
		t.Fatalf("second Cycle() error = %v", err)
	}
	if stats.Pushed != 0 {
		t.Errorf("second cycle pushed = %d, want 0", stats.Pushed)
	}

	checkpoint, err := store.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() error = %v", err)
	}
	if !checkpoint.Equal(serverTime) {
		t.Errorf("checkpoint = %v, want %v", checkpoint, serverTime)
	}
}
