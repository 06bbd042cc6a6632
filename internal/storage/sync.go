package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"
	"bilancio/internal/syncer"

	"github.com/google/uuid"
)

// Settings keys consumed by the reconciler. The settings table is a plain
// key/value store owned by the device shell, not by this core.
const (
	settingLastSyncTime = "last_sync_time"
)

// Conflict is one recorded divergence: both versions kept verbatim for a
// resolution surface outside this core.
type Conflict struct {
	ID            string
	Entity        string
	LocalID       string
	LocalPayload  json.RawMessage
	ServerPayload json.RawMessage
	DetectedAt    time.Time
}

// PendingTransactions implements syncer.LocalStore: every transaction in
// {pending, deleted} with its live lines and any known server identity.
func (s *LocalStore) PendingTransactions(ctx context.Context) ([]syncer.TransactionRow, error) {
	var out []syncer.TransactionRow
	err := s.withTx(ctx, func(tx *localTx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT t.id, t.date, t.title, t.description, t.is_deleted, t.version,
			       t.created_at, t.updated_at, t.sync_status,
			       COALESCE(m.server_id, ''), COALESCE(m.server_modified_at, t.updated_at)
			FROM transactions t
			LEFT JOIN sync_map m ON m.entity = 'transaction' AND m.local_id = t.id
			WHERE t.sync_status IN ('pending', 'deleted')
			ORDER BY t.updated_at`)
		if err != nil {
			return fmt.Errorf("select pending transactions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row syncer.TransactionRow
			var deleted int
			var status string
			if err := rows.Scan(&row.Txn.ID, &row.Txn.Date, &row.Txn.Title, &row.Txn.Description,
				&deleted, &row.Txn.Version, &row.Txn.CreatedAt, &row.Txn.UpdatedAt,
				&status, &row.ServerID, &row.ModifiedAt); err != nil {
				return err
			}
			row.Txn.IsDeleted = deleted != 0
			row.LocalID = row.Txn.ID
			row.Status = core.SyncStatus(status)
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range out {
			lines, err := tx.linesFor(ctx, out[i].LocalID)
			if err != nil {
				return err
			}
			out[i].Txn.Lines = lines
		}
		return nil
	})
	return out, err
}

// PendingAllocations implements syncer.LocalStore.
func (s *LocalStore) PendingAllocations(ctx context.Context) ([]syncer.AllocationRow, error) {
	var out []syncer.AllocationRow
	err := s.withTx(ctx, func(tx *localTx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT a.id, a.category_id, a.month, a.allocated_cents, a.available_cents,
			       a.spent_cents, a.notes, a.sync_status, a.updated_at, COALESCE(m.server_id, '')
			FROM allocations a
			LEFT JOIN sync_map m ON m.entity = 'allocation' AND m.local_id = a.id
			WHERE a.sync_status IN ('pending', 'deleted')
			ORDER BY a.updated_at`)
		if err != nil {
			return fmt.Errorf("select pending allocations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var row syncer.AllocationRow
			var month, status string
			if err := rows.Scan(&row.Alloc.ID, &row.Alloc.CategoryID, &month,
				&row.Alloc.AllocatedAmount.Cents, &row.Alloc.AvailableAmount.Cents,
				&row.Alloc.SpentAmount.Cents, &row.Alloc.Notes, &status,
				&row.ModifiedAt, &row.ServerID); err != nil {
				return err
			}
			m, err := time.ParseInLocation(monthLayout, month, time.UTC)
			if err != nil {
				return fmt.Errorf("parse month %q: %w", month, err)
			}
			row.Alloc.Month = m
			row.LocalID = row.Alloc.ID
			row.Status = core.SyncStatus(status)
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// MarkSynced stamps a pushed row with its server identity and flips it to
// synced. Idempotent: an acknowledgement carrying a stamp the mapping already
// holds is a true no-op, so replaying it cannot flip back a row that went
// pending again in the meantime.
func (s *LocalStore) MarkSynced(ctx context.Context, entity, localID, serverID string, modifiedAt time.Time) error {
	return s.withTx(ctx, func(tx *localTx) error {
		knownID, knownAt, found, err := tx.syncMapStamp(ctx, entity, localID)
		if err != nil {
			return err
		}
		if found && knownID == serverID && knownAt.Equal(modifiedAt) {
			return nil
		}
		if err := tx.upsertSyncMap(ctx, entity, localID, serverID, modifiedAt); err != nil {
			return err
		}
		return tx.setSyncStatus(ctx, entity, localID, core.SyncSynced)
	})
}

// ApplyServerTransaction lands a server-authoritative transaction in the
// mirror. The local copy's old allocation effects are reverted and the new
// line set re-applied through the same engine local mutations use, so the
// device's spent totals always reflect its own ledger replay.
func (s *LocalStore) ApplyServerTransaction(ctx context.Context, row syncer.TransactionRow) error {
	agg := envelope.New(s)
	return s.withTx(ctx, func(tx *localTx) error {
		localID, found, err := tx.mappedLocalID(ctx, syncer.EntityTransaction, row.ServerID)
		if err != nil {
			return err
		}

		if found {
			if err := revertLocalLinks(ctx, tx, agg, localID); err != nil {
				return err
			}
			if err := tx.TombstoneLines(ctx, localID); err != nil {
				return err
			}
		} else {
			if row.Txn.IsDeleted {
				// Tombstone for a row this device never had.
				return nil
			}
			localID = uuid.NewString()
			txn := row.Txn
			txn.ID = localID
			if err := tx.InsertTransaction(ctx, &txn); err != nil {
				return fmt.Errorf("insert mirrored transaction: %w", err)
			}
		}

		if row.Txn.IsDeleted {
			_, err := tx.tx.ExecContext(ctx, `
				UPDATE transactions SET is_deleted = 1, deleted_at = ?, updated_at = ?
				WHERE id = ?`, row.ModifiedAt.UTC(), row.ModifiedAt.UTC(), localID)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.tx.ExecContext(ctx, `
				UPDATE transactions SET date = ?, title = ?, description = ?, version = ?, updated_at = ?
				WHERE id = ?`,
				row.Txn.Date.UTC(), row.Txn.Title, row.Txn.Description,
				maxVersion(row.Txn.Version), row.ModifiedAt.UTC(), localID)
			if err != nil {
				return err
			}
			month := core.MonthOf(row.Txn.Date)
			for _, l := range row.Txn.Lines {
				line := l
				line.ID = uuid.NewString()
				line.TransactionID = localID
				if err := tx.InsertLine(ctx, &line); err != nil {
					return fmt.Errorf("insert mirrored line: %w", err)
				}
				if line.Direction != core.Expense || line.CategoryID == "" {
					continue
				}
				amount := line.BaseAmount.Abs()
				alloc, _, err := agg.ApplySpentDelta(ctx, tx, line.ID, line.CategoryID, month, amount)
				if err != nil {
					return fmt.Errorf("apply mirrored spent delta: %w", err)
				}
				if err := tx.LinkLine(ctx, core.LineLink{LineID: line.ID, AllocationID: alloc.ID, Amount: amount}); err != nil {
					return err
				}
			}
		}

		if err := tx.upsertSyncMap(ctx, syncer.EntityTransaction, localID, row.ServerID, row.ModifiedAt); err != nil {
			return err
		}
		return tx.setSyncStatus(ctx, syncer.EntityTransaction, localID, core.SyncSynced)
	})
}

// ApplyServerAllocation lands a server allocation. Only the budgeting
// amounts are taken; spent stays whatever the local ledger replay says.
func (s *LocalStore) ApplyServerAllocation(ctx context.Context, row syncer.AllocationRow) error {
	return s.withTx(ctx, func(tx *localTx) error {
		localID, found, err := tx.mappedLocalID(ctx, syncer.EntityAllocation, row.ServerID)
		if err != nil {
			return err
		}
		if !found {
			// A lazily created local row for the same envelope may exist
			// without a mapping yet; adopt it by its natural key.
			existing, err := tx.AllocationForUpdate(ctx, row.Alloc.CategoryID, row.Alloc.Month)
			switch {
			case err == nil:
				status, err := tx.rowSyncStatus(ctx, syncer.EntityAllocation, existing.ID)
				if err != nil {
					return err
				}
				if status.NeedsPush() {
					// Both sides changed the envelope before their
					// identities met. Snapshot and step aside; the
					// next pull lands the server copy.
					if err := tx.upsertSyncMap(ctx, syncer.EntityAllocation, existing.ID, row.ServerID, row.ModifiedAt); err != nil {
						return err
					}
					return tx.insertConflict(ctx, syncer.EntityAllocation, existing.ID, existing, row.Alloc)
				}
				localID = existing.ID
				found = true
			case core.IsNotFound(err):
			default:
				return err
			}
		}

		if found {
			_, err := tx.tx.ExecContext(ctx, `
				UPDATE allocations SET allocated_cents = ?, available_cents = ?, notes = ?, updated_at = ?
				WHERE id = ?`,
				row.Alloc.AllocatedAmount.Cents, row.Alloc.AvailableAmount.Cents,
				row.Alloc.Notes, row.ModifiedAt.UTC(), localID)
			if err != nil {
				return err
			}
		} else {
			localID = uuid.NewString()
			alloc := row.Alloc
			alloc.ID = localID
			alloc.SpentAmount = core.Money{}
			if err := tx.InsertAllocation(ctx, &alloc); err != nil {
				return fmt.Errorf("insert mirrored allocation: %w", err)
			}
		}

		if err := tx.upsertSyncMap(ctx, syncer.EntityAllocation, localID, row.ServerID, row.ModifiedAt); err != nil {
			return err
		}
		return tx.setSyncStatus(ctx, syncer.EntityAllocation, localID, core.SyncSynced)
	})
}

// LookupTransaction implements syncer.LocalStore.
func (s *LocalStore) LookupTransaction(ctx context.Context, serverID string) (*syncer.TransactionRow, bool, error) {
	var row *syncer.TransactionRow
	err := s.withTx(ctx, func(tx *localTx) error {
		localID, found, err := tx.mappedLocalID(ctx, syncer.EntityTransaction, serverID)
		if err != nil || !found {
			return err
		}
		r := &syncer.TransactionRow{LocalID: localID, ServerID: serverID}
		var deleted int
		var status string
		err = tx.tx.QueryRowContext(ctx, `
			SELECT id, date, title, description, is_deleted, version, created_at, updated_at, sync_status
			FROM transactions WHERE id = ?`, localID).
			Scan(&r.Txn.ID, &r.Txn.Date, &r.Txn.Title, &r.Txn.Description, &deleted,
				&r.Txn.Version, &r.Txn.CreatedAt, &r.Txn.UpdatedAt, &status)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		r.Txn.IsDeleted = deleted != 0
		r.Status = core.SyncStatus(status)
		r.ModifiedAt = r.Txn.UpdatedAt
		if r.Txn.Lines, err = tx.linesFor(ctx, localID); err != nil {
			return err
		}
		row = r
		return nil
	})
	return row, row != nil, err
}

// LookupAllocation implements syncer.LocalStore.
func (s *LocalStore) LookupAllocation(ctx context.Context, serverID string) (*syncer.AllocationRow, bool, error) {
	var row *syncer.AllocationRow
	err := s.withTx(ctx, func(tx *localTx) error {
		localID, found, err := tx.mappedLocalID(ctx, syncer.EntityAllocation, serverID)
		if err != nil || !found {
			return err
		}
		r := &syncer.AllocationRow{LocalID: localID, ServerID: serverID}
		var month, status string
		err = tx.tx.QueryRowContext(ctx, `
			SELECT id, category_id, month, allocated_cents, available_cents, spent_cents, notes, sync_status, updated_at
			FROM allocations WHERE id = ?`, localID).
			Scan(&r.Alloc.ID, &r.Alloc.CategoryID, &month, &r.Alloc.AllocatedAmount.Cents,
				&r.Alloc.AvailableAmount.Cents, &r.Alloc.SpentAmount.Cents, &r.Alloc.Notes,
				&status, &r.ModifiedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		m, err := time.ParseInLocation(monthLayout, month, time.UTC)
		if err != nil {
			return fmt.Errorf("parse month %q: %w", month, err)
		}
		r.Alloc.Month = m
		r.Status = core.SyncStatus(status)
		row = r
		return nil
	})
	return row, row != nil, err
}

// RecordConflict snapshots both versions of a diverged row and flips it to
// conflict. No merge is attempted here or anywhere in this core.
func (s *LocalStore) RecordConflict(ctx context.Context, entity, localID string, local, server any) error {
	return s.withTx(ctx, func(tx *localTx) error {
		return tx.insertConflict(ctx, entity, localID, local, server)
	})
}

func (t *localTx) insertConflict(ctx context.Context, entity, localID string, local, server any) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local version: %w", err)
	}
	serverJSON, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("marshal server version: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, entity, local_id, local_payload, server_payload, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entity, localID, string(localJSON), string(serverJSON), t.now().UTC())
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return t.setSyncStatus(ctx, entity, localID, core.SyncConflict)
}

// Conflicts returns every recorded divergence for a resolution surface.
func (s *LocalStore) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, local_id, local_payload, server_payload, detected_at
		FROM sync_conflicts ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("select conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var localPayload, serverPayload string
		if err := rows.Scan(&c.ID, &c.Entity, &c.LocalID, &localPayload, &serverPayload, &c.DetectedAt); err != nil {
			return nil, err
		}
		c.LocalPayload = json.RawMessage(localPayload)
		c.ServerPayload = json.RawMessage(serverPayload)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastSyncTime reads the pull checkpoint; zero when the device never synced.
func (s *LocalStore) LastSyncTime(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, settingLastSyncTime).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last sync time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync time %q: %w", value, err)
	}
	return t, nil
}

// SetLastSyncTime advances the pull checkpoint.
func (s *LocalStore) SetLastSyncTime(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		settingLastSyncTime, t.UTC().Format(time.RFC3339Nano))
	return err
}

// SyncStatusOf reports the reconciliation state of one mirrored row.
func (s *LocalStore) SyncStatusOf(ctx context.Context, entity, localID string) (core.SyncStatus, error) {
	table, err := entityTable(entity)
	if err != nil {
		return "", err
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT sync_status FROM `+table+` WHERE id = ?`, localID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", core.NotFoundf("%s %s", entity, localID)
	}
	if err != nil {
		return "", err
	}
	return core.SyncStatus(status), nil
}

func (t *localTx) mappedLocalID(ctx context.Context, entity, serverID string) (string, bool, error) {
	var localID string
	err := t.tx.QueryRowContext(ctx,
		`SELECT local_id FROM sync_map WHERE entity = ? AND server_id = ?`,
		entity, serverID).Scan(&localID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return localID, true, nil
}

func (t *localTx) rowSyncStatus(ctx context.Context, entity, localID string) (core.SyncStatus, error) {
	table, err := entityTable(entity)
	if err != nil {
		return "", err
	}
	var status string
	err = t.tx.QueryRowContext(ctx,
		`SELECT sync_status FROM `+table+` WHERE id = ?`, localID).Scan(&status)
	if err != nil {
		return "", err
	}
	return core.SyncStatus(status), nil
}

func (t *localTx) syncMapStamp(ctx context.Context, entity, localID string) (string, time.Time, bool, error) {
	var serverID string
	var modifiedAt time.Time
	err := t.tx.QueryRowContext(ctx,
		`SELECT server_id, server_modified_at FROM sync_map WHERE entity = ? AND local_id = ?`,
		entity, localID).Scan(&serverID, &modifiedAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return serverID, modifiedAt, true, nil
}

func (t *localTx) upsertSyncMap(ctx context.Context, entity, localID, serverID string, modifiedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_map (entity, local_id, server_id, server_modified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity, local_id) DO UPDATE
		SET server_id = excluded.server_id, server_modified_at = excluded.server_modified_at`,
		entity, localID, serverID, modifiedAt.UTC())
	return err
}

func (t *localTx) setSyncStatus(ctx context.Context, entity, localID string, status core.SyncStatus) error {
	table, err := entityTable(entity)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = ? WHERE id = ?`, string(status), localID)
	return err
}

func entityTable(entity string) (string, error) {
	switch entity {
	case syncer.EntityTransaction:
		return "transactions", nil
	case syncer.EntityAllocation:
		return "allocations", nil
	}
	return "", fmt.Errorf("unknown sync entity %q", entity)
}

func revertLocalLinks(ctx context.Context, tx *localTx, agg *envelope.Aggregator, transactionID string) error {
	links, err := tx.LinksForTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if _, err := agg.RevertLink(ctx, tx, link); err != nil {
			return fmt.Errorf("revert mirrored link: %w", err)
		}
		if err := tx.UnlinkLine(ctx, link.LineID); err != nil {
			return err
		}
	}
	return nil
}
