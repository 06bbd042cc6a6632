package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"
	"bilancio/internal/ledger"
	"bilancio/internal/syncer"

	"github.com/google/uuid"
)

// DirectTransport applies push batches straight against the authoritative
// store and serves pulls from its change feed. Pushed transactions run
// through the same ledger service as any local mutation, so their envelope
// effects are recomputed server-side rather than trusted from the client.
type DirectTransport struct {
	store  *Store
	ledger *ledger.Service
	now    func() time.Time
}

func NewDirectTransport(store *Store) *DirectTransport {
	return &DirectTransport{
		store:  store,
		ledger: ledger.NewService(store, envelope.New(store)),
		now:    time.Now,
	}
}

// Push applies each row independently and reports a per-row verdict.
// Rejected rows are left untouched server-side; the client keeps them
// pending and retries after the next pull.
func (t *DirectTransport) Push(ctx context.Context, batch syncer.PushBatch) ([]syncer.PushResult, error) {
	var results []syncer.PushResult
	for _, row := range batch.Transactions {
		results = append(results, t.pushTransaction(ctx, row))
	}
	for _, row := range batch.Allocations {
		results = append(results, t.pushAllocation(ctx, row))
	}
	return results, nil
}

// Pull returns everything changed after the checkpoint.
func (t *DirectTransport) Pull(ctx context.Context, since time.Time) (syncer.PullSet, error) {
	return t.store.ChangedSince(ctx, since)
}

func (t *DirectTransport) pushTransaction(ctx context.Context, row syncer.TransactionRow) syncer.PushResult {
	result := syncer.PushResult{
		Entity:           syncer.EntityTransaction,
		LocalID:          row.LocalID,
		ServerID:         row.ServerID,
		ServerModifiedAt: t.now().UTC(),
	}

	// Tombstone for a row the server never saw: nothing to delete, the
	// client just needs an identity to settle the mapping.
	if row.Status == core.SyncDeleted && row.ServerID == "" {
		result.ServerID = uuid.NewString()
		result.Accepted = true
		return result
	}

	if row.Status == core.SyncDeleted {
		_, err := t.ledger.DeleteTransaction(ctx, row.ServerID)
		if err != nil && !core.IsNotFound(err) {
			result.Reason = fmt.Sprintf("delete: %v", err)
			return result
		}
		result.Accepted = true
		return result
	}

	in := transactionInput(row.Txn)
	if row.ServerID == "" {
		created, warnings, err := t.ledger.CreateTransaction(ctx, in)
		if err != nil {
			result.Reason = fmt.Sprintf("create: %v", err)
			return result
		}
		logPushWarnings(ctx, warnings)
		result.ServerID = created.ID
		result.ServerModifiedAt = created.UpdatedAt
		result.Accepted = true
		return result
	}

	current, err := t.ledger.GetTransaction(ctx, row.ServerID)
	if core.IsNotFound(err) {
		result.Reason = "transaction deleted on server"
		return result
	}
	if err != nil {
		result.Reason = fmt.Sprintf("load: %v", err)
		return result
	}
	if current.UpdatedAt.After(row.ModifiedAt) {
		result.Reason = "transaction modified on server"
		return result
	}

	updated, warnings, err := t.ledger.UpdateTransaction(ctx, row.ServerID, in)
	if err != nil {
		result.Reason = fmt.Sprintf("update: %v", err)
		return result
	}
	logPushWarnings(ctx, warnings)
	result.ServerModifiedAt = updated.UpdatedAt
	result.Accepted = true
	return result
}

// pushAllocation upserts the budgeting amounts of one envelope. Spent is
// never taken from the client; the server's own ledger replay owns it.
func (t *DirectTransport) pushAllocation(ctx context.Context, row syncer.AllocationRow) syncer.PushResult {
	result := syncer.PushResult{
		Entity:           syncer.EntityAllocation,
		LocalID:          row.LocalID,
		ServerID:         row.ServerID,
		ServerModifiedAt: t.now().UTC(),
	}

	err := t.store.Atomic(ctx, func(tx envelope.Tx) error {
		var current *core.Allocation
		var err error
		if row.ServerID != "" {
			current, err = tx.AllocationByIDForUpdate(ctx, row.ServerID)
		} else {
			// Adopt by natural key so two devices budgeting the same
			// category and month converge on one server row.
			current, err = tx.AllocationForUpdate(ctx, row.Alloc.CategoryID, row.Alloc.Month)
		}
		if core.IsNotFound(err) {
			created := &core.Allocation{
				ID:              uuid.NewString(),
				CategoryID:      row.Alloc.CategoryID,
				Month:           core.MonthOf(row.Alloc.Month),
				AllocatedAmount: row.Alloc.AllocatedAmount,
				AvailableAmount: row.Alloc.AvailableAmount,
				Notes:           row.Alloc.Notes,
			}
			if err := tx.InsertAllocation(ctx, created); err != nil {
				return err
			}
			result.ServerID = created.ID
			return nil
		}
		if err != nil {
			return err
		}
		current.AllocatedAmount = row.Alloc.AllocatedAmount
		current.AvailableAmount = row.Alloc.AvailableAmount
		current.Notes = row.Alloc.Notes
		if err := tx.SetAllocationAmounts(ctx, current); err != nil {
			return err
		}
		result.ServerID = current.ID
		return nil
	})
	if err != nil {
		result.Reason = fmt.Sprintf("allocation upsert: %v", err)
		return result
	}
	result.Accepted = true
	return result
}

func transactionInput(txn core.Transaction) ledger.TransactionInput {
	in := ledger.TransactionInput{
		Date:        txn.Date,
		Title:       txn.Title,
		Description: txn.Description,
	}
	for _, l := range txn.Lines {
		in.Lines = append(in.Lines, ledger.LineInput{
			AccountID:    l.AccountID,
			Amount:       l.Amount,
			Currency:     l.Currency,
			ExchangeRate: l.ExchangeRate,
			Direction:    l.Direction,
			CategoryID:   l.CategoryID,
			Notes:        l.Notes,
		})
	}
	return in
}

func logPushWarnings(ctx context.Context, warnings []core.ReconciliationWarning) {
	for _, w := range warnings {
		slog.WarnContext(ctx, "Spent floor reached while applying pushed transaction",
			"category_id", w.CategoryID,
			"month", w.Month.Format("2006-01"),
			"requested_cents", w.Requested.Cents,
			"applied_cents", w.Applied.Cents)
	}
}
