// Package storage is the device-local mirror: an embedded SQLite database
// holding ledger and allocation rows tagged with their reconciliation state.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"
	"bilancio/internal/ledger"

	_ "modernc.org/sqlite"
)

// LocalStore owns the embedded database. It is written by a single serial
// writer; concurrency control is the caller's loop, not the store.
type LocalStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewLocalStore(dbPath string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &LocalStore{db: db, now: time.Now}, nil
}

func (s *LocalStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx implements ledger.Store. The function runs on one database
// transaction: the ledger rows and every allocation they touch commit or
// roll back as a unit.
func (s *LocalStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.withTx(ctx, func(tx *localTx) error { return fn(tx) })
}

// Atomic implements envelope.Store for standalone envelope operations.
func (s *LocalStore) Atomic(ctx context.Context, fn func(envelope.Tx) error) error {
	return s.withTx(ctx, func(tx *localTx) error { return fn(tx) })
}

func (s *LocalStore) withTx(ctx context.Context, fn func(*localTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&localTx{tx: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertAccount seeds reference data. Account management itself lives
// outside this core.
func (s *LocalStore) UpsertAccount(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	return err
}

// UpsertCategory seeds reference data.
func (s *LocalStore) UpsertCategory(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	return err
}

// localTx implements ledger.Tx (and with it envelope.Tx) on a device
// database transaction. Every local mutation tags the touched row pending
// unless it is already tombstoned: deletion wins over a pending edit.
type localTx struct {
	tx  *sql.Tx
	now func() time.Time
}

const monthLayout = "2006-01-02"

func monthKey(month time.Time) string {
	return core.MonthOf(month).Format(monthLayout)
}

// --- transactions ---

func (t *localTx) InsertTransaction(ctx context.Context, txn *core.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, date, title, description, is_deleted, version, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		txn.ID, txn.Date.UTC(), txn.Title, txn.Description,
		maxVersion(txn.Version), string(core.SyncPending), txn.CreatedAt.UTC(), txn.UpdatedAt.UTC())
	return err
}

func maxVersion(v int64) int64 {
	if v < 1 {
		return 1
	}
	return v
}

func (t *localTx) UpdateTransactionHeader(ctx context.Context, txn *core.Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET date = ?, title = ?, description = ?, updated_at = ?,
		    sync_status = CASE WHEN sync_status = 'deleted' THEN 'deleted' ELSE 'pending' END
		WHERE id = ? AND is_deleted = 0`,
		txn.Date.UTC(), txn.Title, txn.Description, txn.UpdatedAt.UTC(), txn.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", txn.ID)
}

func (t *localTx) MarkTransactionDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET is_deleted = 1, deleted_at = ?, updated_at = ?, sync_status = ?
		WHERE id = ? AND is_deleted = 0`,
		at.UTC(), at.UTC(), string(core.SyncDeleted), id)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", id)
}

func (t *localTx) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	txn := &core.Transaction{}
	var deleted int
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, date, title, description, is_deleted, version, created_at, updated_at
		FROM transactions WHERE id = ? AND is_deleted = 0`, id).
		Scan(&txn.ID, &txn.Date, &txn.Title, &txn.Description, &deleted, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("transaction %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	txn.IsDeleted = deleted != 0
	lines, err := t.linesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	txn.Lines = lines
	return txn, nil
}

func (t *localTx) ListTransactions(ctx context.Context, month time.Time) ([]core.Transaction, error) {
	from := core.MonthOf(month)
	to := from.AddDate(0, 1, 0)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, date, title, description, version, created_at, updated_at
		FROM transactions
		WHERE is_deleted = 0 AND date >= ? AND date < ?
		ORDER BY date, created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []core.Transaction
	for rows.Next() {
		var txn core.Transaction
		if err := rows.Scan(&txn.ID, &txn.Date, &txn.Title, &txn.Description, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range txns {
		lines, err := t.linesFor(ctx, txns[i].ID)
		if err != nil {
			return nil, err
		}
		txns[i].Lines = lines
	}
	return txns, nil
}

func (t *localTx) linesFor(ctx context.Context, transactionID string) ([]core.TransactionLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount_cents, currency, exchange_rate,
		       base_amount_cents, direction, COALESCE(category_id, ''), notes
		FROM transaction_lines
		WHERE transaction_id = ? AND is_deleted = 0
		ORDER BY rowid`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()

	var lines []core.TransactionLine
	for rows.Next() {
		var l core.TransactionLine
		var direction string
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.AccountID, &l.Amount.Cents, &l.Currency,
			&l.ExchangeRate, &l.BaseAmount.Cents, &direction, &l.CategoryID, &l.Notes); err != nil {
			return nil, err
		}
		l.Direction = core.Direction(direction)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *localTx) InsertLine(ctx context.Context, l *core.TransactionLine) error {
	var category any
	if l.CategoryID != "" {
		category = l.CategoryID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transaction_lines
			(id, transaction_id, account_id, amount_cents, currency, exchange_rate,
			 base_amount_cents, direction, category_id, notes, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		l.ID, l.TransactionID, l.AccountID, l.Amount.Cents, l.Currency, l.ExchangeRate,
		l.BaseAmount.Cents, string(l.Direction), category, l.Notes)
	return err
}

func (t *localTx) TombstoneLines(ctx context.Context, transactionID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE transaction_lines SET is_deleted = 1 WHERE transaction_id = ? AND is_deleted = 0`,
		transactionID)
	return err
}

// --- line-allocation links ---

func (t *localTx) LinkLine(ctx context.Context, link core.LineLink) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO line_allocations (line_id, allocation_id, amount_cents) VALUES (?, ?, ?)`,
		link.LineID, link.AllocationID, link.Amount.Cents)
	return err
}

func (t *localTx) UnlinkLine(ctx context.Context, lineID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM line_allocations WHERE line_id = ?`, lineID)
	return err
}

func (t *localTx) LinksForTransaction(ctx context.Context, transactionID string) ([]core.LineLink, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT la.line_id, la.allocation_id, la.amount_cents
		FROM line_allocations la
		JOIN transaction_lines tl ON tl.id = la.line_id
		WHERE tl.transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()

	var links []core.LineLink
	for rows.Next() {
		var link core.LineLink
		if err := rows.Scan(&link.LineID, &link.AllocationID, &link.Amount.Cents); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// --- reference data ---

func (t *localTx) AccountExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (t *localTx) CategoryExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM categories WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// --- allocations (envelope.Tx) ---

func (t *localTx) scanAllocation(row *sql.Row) (*core.Allocation, error) {
	a := &core.Allocation{}
	var month string
	err := row.Scan(&a.ID, &a.CategoryID, &month, &a.AllocatedAmount.Cents,
		&a.AvailableAmount.Cents, &a.SpentAmount.Cents, &a.Notes)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m, err := time.ParseInLocation(monthLayout, month, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse allocation month %q: %w", month, err)
	}
	a.Month = m
	return a, nil
}

const allocationColumns = `id, category_id, month, allocated_cents, available_cents, spent_cents, notes`

func (t *localTx) AllocationForUpdate(ctx context.Context, categoryID string, month time.Time) (*core.Allocation, error) {
	// SQLite writers are serialized; the transaction itself is the lock.
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE category_id = ? AND month = ?`,
		categoryID, monthKey(month))
	a, err := t.scanAllocation(row)
	if core.IsNotFound(err) {
		return nil, core.NotFoundf("allocation for category %s month %s", categoryID, monthKey(month))
	}
	return a, err
}

func (t *localTx) AllocationByIDForUpdate(ctx context.Context, id string) (*core.Allocation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := t.scanAllocation(row)
	if core.IsNotFound(err) {
		return nil, core.NotFoundf("allocation %s", id)
	}
	return a, err
}

func (t *localTx) InsertAllocation(ctx context.Context, a *core.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocations (id, category_id, month, allocated_cents, available_cents, spent_cents, notes, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CategoryID, monthKey(a.Month), a.AllocatedAmount.Cents,
		a.AvailableAmount.Cents, a.SpentAmount.Cents, a.Notes,
		string(core.SyncPending), t.now().UTC())
	return err
}

func (t *localTx) SetAllocationAmounts(ctx context.Context, a *core.Allocation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE allocations
		SET allocated_cents = ?, available_cents = ?, spent_cents = ?, notes = ?, updated_at = ?,
		    sync_status = CASE WHEN sync_status = 'deleted' THEN 'deleted' ELSE 'pending' END
		WHERE id = ?`,
		a.AllocatedAmount.Cents, a.AvailableAmount.Cents, a.SpentAmount.Cents,
		a.Notes, t.now().UTC(), a.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "allocation", a.ID)
}

func (t *localTx) DeleteAllocation(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM allocations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "allocation", id)
}

func (t *localTx) ListAllocations(ctx context.Context, month time.Time) ([]core.Allocation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE month = ? ORDER BY category_id`,
		monthKey(month))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []core.Allocation
	for rows.Next() {
		var a core.Allocation
		var monthStr string
		if err := rows.Scan(&a.ID, &a.CategoryID, &monthStr, &a.AllocatedAmount.Cents,
			&a.AvailableAmount.Cents, &a.SpentAmount.Cents, &a.Notes); err != nil {
			return nil, err
		}
		m, err := time.ParseInLocation(monthLayout, monthStr, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse allocation month %q: %w", monthStr, err)
		}
		a.Month = m
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (t *localTx) AllocationReferenced(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM line_allocations WHERE allocation_id = ?`, id).Scan(&n)
	return n > 0, err
}

func (t *localTx) IncomeTotal(ctx context.Context, month time.Time) (core.Money, error) {
	from := core.MonthOf(month)
	to := from.AddDate(0, 1, 0)
	var total sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT SUM(tl.base_amount_cents)
		FROM transaction_lines tl
		JOIN transactions tr ON tr.id = tl.transaction_id
		WHERE tl.direction = 'income' AND tl.is_deleted = 0
		  AND tr.is_deleted = 0 AND tr.date >= ? AND tr.date < ?`,
		from, to).Scan(&total)
	if err != nil {
		return core.Money{}, fmt.Errorf("income total: %w", err)
	}
	return core.Money{Cents: total.Int64}, nil
}

func (t *localTx) AppendDelta(ctx context.Context, d envelope.Delta) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocation_deltas (id, allocation_id, line_id, amount_cents, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.AllocationID, d.LineID, d.Amount.Cents, d.RecordedAt.UTC())
	return err
}

func (t *localTx) SumDeltas(ctx context.Context, allocationID string) (core.Money, error) {
	var total sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT SUM(amount_cents) FROM allocation_deltas WHERE allocation_id = ?`,
		allocationID).Scan(&total)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum deltas: %w", err)
	}
	return core.Money{Cents: total.Int64}, nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFoundf("%s %s", entity, id)
	}
	return nil
}
