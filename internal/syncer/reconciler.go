package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reconciler drives one device mirror against a transport. A cycle pushes
// every pending or tombstoned local row, applies the server's per-row
// verdicts, then pulls rows changed since the last checkpoint. Resumption
// after a killed cycle is safe: MarkSynced is idempotent and unacknowledged
// rows simply stay pending for the next cycle.
type Reconciler struct {
	local     LocalStore
	transport Transport
}

func NewReconciler(local LocalStore, transport Transport) *Reconciler {
	return &Reconciler{local: local, transport: transport}
}

// CycleStats summarizes one completed sync cycle.
type CycleStats struct {
	Pushed    int
	Accepted  int
	Rejected  int
	Pulled    int
	Conflicts int
}

// Cycle runs one full push/pull round.
func (r *Reconciler) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	since, err := r.local.LastSyncTime(ctx)
	if err != nil {
		return stats, fmt.Errorf("read sync checkpoint: %w", err)
	}

	if err := r.push(ctx, &stats); err != nil {
		return stats, err
	}
	if err := r.pull(ctx, since, &stats); err != nil {
		return stats, err
	}

	slog.InfoContext(ctx, "Sync cycle complete",
		"pushed", stats.Pushed,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"pulled", stats.Pulled,
		"conflicts", stats.Conflicts)
	return stats, nil
}

func (r *Reconciler) push(ctx context.Context, stats *CycleStats) error {
	txns, err := r.local.PendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("collect pending transactions: %w", err)
	}
	allocs, err := r.local.PendingAllocations(ctx)
	if err != nil {
		return fmt.Errorf("collect pending allocations: %w", err)
	}
	if len(txns) == 0 && len(allocs) == 0 {
		return nil
	}

	batch := PushBatch{Transactions: txns, Allocations: allocs}
	stats.Pushed = len(txns) + len(allocs)

	results, err := r.transport.Push(ctx, batch)
	if err != nil {
		return fmt.Errorf("push batch: %w", err)
	}
	for _, res := range results {
		if !res.Accepted {
			stats.Rejected++
			// Row stays pending and retries next cycle.
			slog.WarnContext(ctx, "Push rejected by server",
				"entity", res.Entity,
				"local_id", res.LocalID,
				"reason", res.Reason)
			continue
		}
		if err := r.local.MarkSynced(ctx, res.Entity, res.LocalID, res.ServerID, res.ServerModifiedAt); err != nil {
			return fmt.Errorf("mark %s %s synced: %w", res.Entity, res.LocalID, err)
		}
		stats.Accepted++
	}
	return nil
}

func (r *Reconciler) pull(ctx context.Context, since time.Time, stats *CycleStats) error {
	set, err := r.transport.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull since %s: %w", since.Format(time.RFC3339), err)
	}

	for _, row := range set.Transactions {
		stats.Pulled++
		local, found, err := r.local.LookupTransaction(ctx, row.ServerID)
		if err != nil {
			return fmt.Errorf("lookup transaction %s: %w", row.ServerID, err)
		}
		if found && local.Status.NeedsPush() {
			// Both sides changed the row. Snapshot and step aside.
			if err := r.local.RecordConflict(ctx, EntityTransaction, local.LocalID, local.Txn, row.Txn); err != nil {
				return fmt.Errorf("record transaction conflict: %w", err)
			}
			stats.Conflicts++
			continue
		}
		if err := r.local.ApplyServerTransaction(ctx, row); err != nil {
			return fmt.Errorf("apply server transaction %s: %w", row.ServerID, err)
		}
	}

	for _, row := range set.Allocations {
		stats.Pulled++
		local, found, err := r.local.LookupAllocation(ctx, row.ServerID)
		if err != nil {
			return fmt.Errorf("lookup allocation %s: %w", row.ServerID, err)
		}
		if found && local.Status.NeedsPush() {
			if err := r.local.RecordConflict(ctx, EntityAllocation, local.LocalID, local.Alloc, row.Alloc); err != nil {
				return fmt.Errorf("record allocation conflict: %w", err)
			}
			stats.Conflicts++
			continue
		}
		if err := r.local.ApplyServerAllocation(ctx, row); err != nil {
			return fmt.Errorf("apply server allocation %s: %w", row.ServerID, err)
		}
	}

	if !set.ServerTime.IsZero() {
		if err := r.local.SetLastSyncTime(ctx, set.ServerTime); err != nil {
			return fmt.Errorf("advance sync checkpoint: %w", err)
		}
	}
	return nil
}
