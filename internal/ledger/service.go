// Package ledger owns transactions and their lines. It validates structure,
// persists atomically and drives the allocation effects of every mutation
// through the envelope aggregator.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"

	"github.com/google/uuid"
)

type (
	// LineInput is the wire shape of one entered line. ExchangeRate zero
	// means the entered currency is the reporting currency.
	LineInput struct {
		AccountID    string
		Amount       core.Money
		Currency     string
		ExchangeRate float64
		Direction    core.Direction
		CategoryID   string
		Notes        string
	}

	// TransactionInput carries a full transaction: header plus line set.
	// Updates replace the line set wholesale.
	TransactionInput struct {
		Date        time.Time
		Title       string
		Description string
		Lines       []LineInput
	}
)

// Service is the ledger store's mutation engine.
type Service struct {
	store     Store
	envelopes *envelope.Aggregator
	now       func() time.Time
}

func NewService(store Store, envelopes *envelope.Aggregator) *Service {
	return &Service{store: store, envelopes: envelopes, now: time.Now}
}

// CreateTransaction validates, normalizes and persists a transaction with
// its lines as one atomic unit, applying a spent delta to the envelope of
// every expense line and recording the line-allocation link that makes the
// effect exactly reversible later.
func (s *Service) CreateTransaction(ctx context.Context, in TransactionInput) (*core.Transaction, []core.ReconciliationWarning, error) {
	txn := s.build(in)
	if err := txn.Validate(); err != nil {
		return nil, nil, err
	}

	var warnings []core.ReconciliationWarning
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := s.checkReferences(ctx, tx, txn.Lines); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		for i := range txn.Lines {
			if err := tx.InsertLine(ctx, &txn.Lines[i]); err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
		}
		ws, err := s.applyAllocations(ctx, tx, txn)
		if err != nil {
			return err
		}
		warnings = ws
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "Transaction created",
		"transaction_id", txn.ID,
		"type", string(txn.Type()),
		"lines", len(txn.Lines))
	return txn, warnings, nil
}

// UpdateTransaction is a two-phase revert-then-apply: first every linked
// expense line's allocation effect is reverted and its link removed, then
// the header patch lands, old lines are tombstoned, the new line set is
// inserted and allocation linking reruns exactly as on create. Repeated
// edits therefore never accumulate drift.
func (s *Service) UpdateTransaction(ctx context.Context, id string, in TransactionInput) (*core.Transaction, []core.ReconciliationWarning, error) {
	replacement := s.build(in)
	replacement.ID = id
	if err := replacement.Validate(); err != nil {
		return nil, nil, err
	}
	for i := range replacement.Lines {
		replacement.Lines[i].TransactionID = id
	}

	var warnings []core.ReconciliationWarning
	err := s.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkReferences(ctx, tx, replacement.Lines); err != nil {
			return err
		}

		// Phase 1: reverse the old effects exactly.
		ws, err := s.revertLinks(ctx, tx, id)
		if err != nil {
			return err
		}
		warnings = ws

		// Phase 2: replace and re-apply.
		replacement.Version = current.Version // carried, not checked
		replacement.CreatedAt = current.CreatedAt
		replacement.UpdatedAt = s.now().UTC()
		if err := tx.UpdateTransactionHeader(ctx, replacement); err != nil {
			return fmt.Errorf("update header: %w", err)
		}
		if err := tx.TombstoneLines(ctx, id); err != nil {
			return fmt.Errorf("tombstone lines: %w", err)
		}
		for i := range replacement.Lines {
			if err := tx.InsertLine(ctx, &replacement.Lines[i]); err != nil {
				return fmt.Errorf("insert replacement line: %w", err)
			}
		}
		applyWs, err := s.applyAllocations(ctx, tx, replacement)
		if err != nil {
			return err
		}
		warnings = append(warnings, applyWs...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "Transaction updated",
		"transaction_id", id,
		"lines", len(replacement.Lines))
	return replacement, warnings, nil
}

// DeleteTransaction reverts every still-linked expense line's allocation
// effect and soft-deletes the transaction with its lines. Lines whose link
// was already removed contribute nothing.
func (s *Service) DeleteTransaction(ctx context.Context, id string) ([]core.ReconciliationWarning, error) {
	var warnings []core.ReconciliationWarning
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetTransaction(ctx, id); err != nil {
			return err
		}
		ws, err := s.revertLinks(ctx, tx, id)
		if err != nil {
			return err
		}
		warnings = ws
		if err := tx.TombstoneLines(ctx, id); err != nil {
			return fmt.Errorf("tombstone lines: %w", err)
		}
		if err := tx.MarkTransactionDeleted(ctx, id, s.now().UTC()); err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Transaction deleted", "transaction_id", id)
	return warnings, nil
}

// GetTransaction returns one transaction with its live lines.
func (s *Service) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	var txn *core.Transaction
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		txn = t
		return nil
	})
	return txn, err
}

// ListTransactions returns the month's non-deleted transactions.
func (s *Service) ListTransactions(ctx context.Context, month time.Time) ([]core.Transaction, error) {
	var txns []core.Transaction
	err := s.store.WithTx(ctx, func(tx Tx) error {
		list, err := tx.ListTransactions(ctx, core.MonthOf(month))
		if err != nil {
			return err
		}
		txns = list
		return nil
	})
	return txns, err
}

// build materializes input into a transaction with ids assigned and base
// amounts frozen at the entered exchange rate.
func (s *Service) build(in TransactionInput) *core.Transaction {
	now := s.now().UTC()
	txn := &core.Transaction{
		ID:          uuid.NewString(),
		Date:        in.Date,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, li := range in.Lines {
		rate := li.ExchangeRate
		if rate == 0 {
			rate = core.DefaultExchangeRate
		}
		txn.Lines = append(txn.Lines, core.TransactionLine{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			AccountID:     li.AccountID,
			Amount:        li.Amount,
			Currency:      li.Currency,
			ExchangeRate:  rate,
			BaseAmount:    core.Normalize(li.Amount, rate),
			Direction:     li.Direction,
			CategoryID:    li.CategoryID,
			Notes:         li.Notes,
		})
	}
	return txn
}

// applyAllocations runs the allocation-linking pass shared by create and
// the second phase of update: every expense line with a category deducts
// its absolute base amount from that category's envelope for the month.
func (s *Service) applyAllocations(ctx context.Context, tx Tx, txn *core.Transaction) ([]core.ReconciliationWarning, error) {
	var warnings []core.ReconciliationWarning
	month := core.MonthOf(txn.Date)
	for i := range txn.Lines {
		line := &txn.Lines[i]
		if line.Direction != core.Expense || line.CategoryID == "" {
			continue
		}
		amount := line.BaseAmount.Abs()
		alloc, warning, err := s.envelopes.ApplySpentDelta(ctx, tx, line.ID, line.CategoryID, month, amount)
		if err != nil {
			return nil, fmt.Errorf("apply spent delta for line %s: %w", line.ID, err)
		}
		if warning != nil {
			warnings = append(warnings, *warning)
		}
		if err := tx.LinkLine(ctx, core.LineLink{
			LineID:       line.ID,
			AllocationID: alloc.ID,
			Amount:       amount,
		}); err != nil {
			return nil, fmt.Errorf("link line %s: %w", line.ID, err)
		}
	}
	return warnings, nil
}

// revertLinks undoes the allocation effect of every linked line and drops
// the links.
func (s *Service) revertLinks(ctx context.Context, tx Tx, transactionID string) ([]core.ReconciliationWarning, error) {
	links, err := tx.LinksForTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	var warnings []core.ReconciliationWarning
	for _, link := range links {
		warning, err := s.envelopes.RevertLink(ctx, tx, link)
		if err != nil {
			return nil, fmt.Errorf("revert link for line %s: %w", link.LineID, err)
		}
		if warning != nil {
			warnings = append(warnings, *warning)
		}
		if err := tx.UnlinkLine(ctx, link.LineID); err != nil {
			return nil, fmt.Errorf("unlink line %s: %w", link.LineID, err)
		}
	}
	return warnings, nil
}

// checkReferences enforces referential integrity for accounts and
// categories before any row is written.
func (s *Service) checkReferences(ctx context.Context, tx Tx, lines []core.TransactionLine) error {
	seenAccounts := map[string]bool{}
	seenCategories := map[string]bool{}
	for _, line := range lines {
		if !seenAccounts[line.AccountID] {
			ok, err := tx.AccountExists(ctx, line.AccountID)
			if err != nil {
				return fmt.Errorf("check account: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: unknown account %s", core.ErrValidation, line.AccountID)
			}
			seenAccounts[line.AccountID] = true
		}
		if line.CategoryID != "" && !seenCategories[line.CategoryID] {
			ok, err := tx.CategoryExists(ctx, line.CategoryID)
			if err != nil {
				return fmt.Errorf("check category: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: unknown category %s", core.ErrValidation, line.CategoryID)
			}
			seenCategories[line.CategoryID] = true
		}
	}
	return nil
}
