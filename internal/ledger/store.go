package ledger

import (
	"context"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/envelope"
)

type (
	// Tx is one store transaction covering a ledger mutation and every
	// allocation it touches. It embeds the aggregator's view of the same
	// transaction so the whole unit commits or rolls back together.
	Tx interface {
		envelope.Tx

		InsertTransaction(ctx context.Context, t *core.Transaction) error
		UpdateTransactionHeader(ctx context.Context, t *core.Transaction) error
		MarkTransactionDeleted(ctx context.Context, id string, at time.Time) error
		// GetTransaction returns the header with its non-deleted lines,
		// core.ErrNotFound for unknown or soft-deleted ids.
		GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
		ListTransactions(ctx context.Context, month time.Time) ([]core.Transaction, error)

		InsertLine(ctx context.Context, l *core.TransactionLine) error
		// TombstoneLines marks every line of the transaction deleted. The
		// rows stay behind for audit and sync propagation.
		TombstoneLines(ctx context.Context, transactionID string) error

		LinkLine(ctx context.Context, link core.LineLink) error
		UnlinkLine(ctx context.Context, lineID string) error
		LinksForTransaction(ctx context.Context, transactionID string) ([]core.LineLink, error)

		AccountExists(ctx context.Context, id string) (bool, error)
		CategoryExists(ctx context.Context, id string) (bool, error)
	}

	// Store runs a function inside one atomic store transaction.
	Store interface {
		WithTx(ctx context.Context, fn func(Tx) error) error
	}
)
