package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"
)

// serverTx implements ledger.Tx on a Postgres transaction.
type serverTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// --- transactions ---

func (t *serverTx) InsertTransaction(ctx context.Context, txn *core.Transaction) error {
	version := txn.Version
	if version < 1 {
		version = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, date, title, description, is_deleted, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)`,
		txn.ID, txn.Date.UTC(), txn.Title, txn.Description, version,
		txn.CreatedAt.UTC(), txn.UpdatedAt.UTC())
	return err
}

func (t *serverTx) UpdateTransactionHeader(ctx context.Context, txn *core.Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET date = $1, title = $2, description = $3, updated_at = $4
		WHERE id = $5 AND is_deleted = FALSE`,
		txn.Date.UTC(), txn.Title, txn.Description, txn.UpdatedAt.UTC(), txn.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", txn.ID)
}

func (t *serverTx) MarkTransactionDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET is_deleted = TRUE, deleted_at = $1, updated_at = $1
		WHERE id = $2 AND is_deleted = FALSE`, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", id)
}

func (t *serverTx) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	txn := &core.Transaction{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, date, title, description, is_deleted, version, created_at, updated_at
		FROM transactions WHERE id = $1 AND is_deleted = FALSE`, id).
		Scan(&txn.ID, &txn.Date, &txn.Title, &txn.Description, &txn.IsDeleted,
			&txn.Version, &txn.CreatedAt, &txn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("transaction %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	lines, err := t.linesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	txn.Lines = lines
	return txn, nil
}

func (t *serverTx) ListTransactions(ctx context.Context, month time.Time) ([]core.Transaction, error) {
	from := core.MonthOf(month)
	to := from.AddDate(0, 1, 0)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, date, title, description, version, created_at, updated_at
		FROM transactions
		WHERE is_deleted = FALSE AND date >= $1 AND date < $2
		ORDER BY date, created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []core.Transaction
	for rows.Next() {
		var txn core.Transaction
		if err := rows.Scan(&txn.ID, &txn.Date, &txn.Title, &txn.Description,
			&txn.Version, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
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

func (t *serverTx) linesFor(ctx context.Context, transactionID string) ([]core.TransactionLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount_cents, currency, exchange_rate,
		       base_amount_cents, direction, COALESCE(category_id, ''), notes
		FROM transaction_lines
		WHERE transaction_id = $1 AND is_deleted = FALSE
		ORDER BY id`, transactionID)
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

func (t *serverTx) InsertLine(ctx context.Context, l *core.TransactionLine) error {
	var category any
	if l.CategoryID != "" {
		category = l.CategoryID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transaction_lines
			(id, transaction_id, account_id, amount_cents, currency, exchange_rate,
			 base_amount_cents, direction, category_id, notes, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)`,
		l.ID, l.TransactionID, l.AccountID, l.Amount.Cents, l.Currency, l.ExchangeRate,
		l.BaseAmount.Cents, string(l.Direction), category, l.Notes)
	return err
}

func (t *serverTx) TombstoneLines(ctx context.Context, transactionID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE transaction_lines SET is_deleted = TRUE WHERE transaction_id = $1 AND is_deleted = FALSE`,
		transactionID)
	return err
}

// --- line-allocation links ---

func (t *serverTx) LinkLine(ctx context.Context, link core.LineLink) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO line_allocations (line_id, allocation_id, amount_cents) VALUES ($1, $2, $3)`,
		link.LineID, link.AllocationID, link.Amount.Cents)
	return err
}

func (t *serverTx) UnlinkLine(ctx context.Context, lineID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM line_allocations WHERE line_id = $1`, lineID)
	return err
}

func (t *serverTx) LinksForTransaction(ctx context.Context, transactionID string) ([]core.LineLink, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT la.line_id, la.allocation_id, la.amount_cents
		FROM line_allocations la
		JOIN transaction_lines tl ON tl.id = la.line_id
		WHERE tl.transaction_id = $1`, transactionID)
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

func (t *serverTx) AccountExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE id = $1`, id).Scan(&n)
	return n > 0, err
}

func (t *serverTx) CategoryExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM categories WHERE id = $1`, id).Scan(&n)
	return n > 0, err
}

// --- allocations (envelope.Tx) ---

const allocationColumns = `id, category_id, month, allocated_cents, available_cents, spent_cents, notes`

func scanAllocation(row *sql.Row) (*core.Allocation, error) {
	a := &core.Allocation{}
	err := row.Scan(&a.ID, &a.CategoryID, &a.Month, &a.AllocatedAmount.Cents,
		&a.AvailableAmount.Cents, &a.SpentAmount.Cents, &a.Notes)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Month = core.MonthOf(a.Month)
	return a, nil
}

func (t *serverTx) AllocationForUpdate(ctx context.Context, categoryID string, month time.Time) (*core.Allocation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations
		 WHERE category_id = $1 AND month = $2 FOR UPDATE`,
		categoryID, core.MonthOf(month))
	a, err := scanAllocation(row)
	if core.IsNotFound(err) {
		return nil, core.NotFoundf("allocation for category %s month %s",
			categoryID, core.MonthOf(month).Format("2006-01"))
	}
	return a, err
}

func (t *serverTx) AllocationByIDForUpdate(ctx context.Context, id string) (*core.Allocation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAllocation(row)
	if core.IsNotFound(err) {
		return nil, core.NotFoundf("allocation %s", id)
	}
	return a, err
}

func (t *serverTx) InsertAllocation(ctx context.Context, a *core.Allocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocations (id, category_id, month, allocated_cents, available_cents, spent_cents, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.CategoryID, core.MonthOf(a.Month), a.AllocatedAmount.Cents,
		a.AvailableAmount.Cents, a.SpentAmount.Cents, a.Notes, t.now().UTC())
	return err
}

func (t *serverTx) SetAllocationAmounts(ctx context.Context, a *core.Allocation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE allocations
		SET allocated_cents = $1, available_cents = $2, spent_cents = $3, notes = $4, updated_at = $5
		WHERE id = $6`,
		a.AllocatedAmount.Cents, a.AvailableAmount.Cents, a.SpentAmount.Cents,
		a.Notes, t.now().UTC(), a.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "allocation", a.ID)
}

func (t *serverTx) DeleteAllocation(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM allocations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "allocation", id)
}

func (t *serverTx) ListAllocations(ctx context.Context, month time.Time) ([]core.Allocation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE month = $1 ORDER BY category_id`,
		core.MonthOf(month))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []core.Allocation
	for rows.Next() {
		var a core.Allocation
		if err := rows.Scan(&a.ID, &a.CategoryID, &a.Month, &a.AllocatedAmount.Cents,
			&a.AvailableAmount.Cents, &a.SpentAmount.Cents, &a.Notes); err != nil {
			return nil, err
		}
		a.Month = core.MonthOf(a.Month)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (t *serverTx) AllocationReferenced(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM line_allocations WHERE allocation_id = $1`, id).Scan(&n)
	return n > 0, err
}

func (t *serverTx) IncomeTotal(ctx context.Context, month time.Time) (core.Money, error) {
	from := core.MonthOf(month)
	to := from.AddDate(0, 1, 0)
	var total sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT SUM(tl.base_amount_cents)
		FROM transaction_lines tl
		JOIN transactions tr ON tr.id = tl.transaction_id
		WHERE tl.direction = 'income' AND tl.is_deleted = FALSE
		  AND tr.is_deleted = FALSE AND tr.date >= $1 AND tr.date < $2`,
		from, to).Scan(&total)
	if err != nil {
		return core.Money{}, fmt.Errorf("income total: %w", err)
	}
	return core.Money{Cents: total.Int64}, nil
}

func (t *serverTx) AppendDelta(ctx context.Context, d envelope.Delta) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocation_deltas (id, allocation_id, line_id, amount_cents, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.AllocationID, d.LineID, d.Amount.Cents, d.RecordedAt.UTC())
	return err
}

func (t *serverTx) SumDeltas(ctx context.Context, allocationID string) (core.Money, error) {
	var total sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT SUM(amount_cents) FROM allocation_deltas WHERE allocation_id = $1`,
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
