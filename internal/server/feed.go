package server

import (
	"context"
	"fmt"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/syncer"
)

// ChangedSince returns every transaction and allocation written after the
// given checkpoint, deleted rows included. The whole set is read inside one
// database transaction so a client never observes a half-applied mutation.
func (s *Store) ChangedSince(ctx context.Context, since time.Time) (syncer.PullSet, error) {
	var set syncer.PullSet
	err := s.withTx(ctx, func(tx *serverTx) error {
		serverTime := s.now().UTC()

		txns, err := tx.transactionsChangedSince(ctx, since)
		if err != nil {
			return err
		}
		allocs, err := tx.allocationsChangedSince(ctx, since)
		if err != nil {
			return err
		}
		set = syncer.PullSet{
			Transactions: txns,
			Allocations:  allocs,
			ServerTime:   serverTime,
		}
		return nil
	})
	return set, err
}

func (t *serverTx) transactionsChangedSince(ctx context.Context, since time.Time) ([]syncer.TransactionRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, date, title, description, is_deleted, version, created_at, updated_at
		FROM transactions WHERE updated_at > $1
		ORDER BY updated_at`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("changed transactions: %w", err)
	}
	defer rows.Close()

	var out []syncer.TransactionRow
	for rows.Next() {
		var txn core.Transaction
		if err := rows.Scan(&txn.ID, &txn.Date, &txn.Title, &txn.Description,
			&txn.IsDeleted, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, syncer.TransactionRow{
			ServerID:   txn.ID,
			Txn:        txn,
			Status:     core.SyncSynced,
			ModifiedAt: txn.UpdatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Txn.IsDeleted {
			continue
		}
		lines, err := t.linesFor(ctx, out[i].Txn.ID)
		if err != nil {
			return nil, err
		}
		out[i].Txn.Lines = lines
	}
	return out, nil
}

func (t *serverTx) allocationsChangedSince(ctx context.Context, since time.Time) ([]syncer.AllocationRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+allocationColumns+`, updated_at
		FROM allocations WHERE updated_at > $1
		ORDER BY updated_at`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("changed allocations: %w", err)
	}
	defer rows.Close()

	var out []syncer.AllocationRow
	for rows.Next() {
		var a core.Allocation
		var modifiedAt time.Time
		if err := rows.Scan(&a.ID, &a.CategoryID, &a.Month, &a.AllocatedAmount.Cents,
			&a.AvailableAmount.Cents, &a.SpentAmount.Cents, &a.Notes, &modifiedAt); err != nil {
			return nil, err
		}
		a.Month = core.MonthOf(a.Month)
		out = append(out, syncer.AllocationRow{
			ServerID:   a.ID,
			Alloc:      a,
			Status:     core.SyncSynced,
			ModifiedAt: modifiedAt,
		})
	}
	return out, rows.Err()
}
