// Package syncer mirrors ledger and allocation rows on a device and keeps
// them eventually consistent with the server-authoritative copy through a
// push/pull cycle. It records conflicts; it never resolves them.
package syncer

import (
	"context"
	"time"

	"bilancio/internal/core"
)

// Entity names used by the local-id to server-id mapping and the conflict log.
const (
	EntityTransaction = "transaction"
	EntityAllocation  = "allocation"
)

type (
	// TransactionRow is one mirrored transaction with its lines. LocalID is
	// empty on rows coming down from the server, ServerID until first push.
	// A tombstone travels as the row itself with IsDeleted set.
	TransactionRow struct {
		LocalID    string
		ServerID   string
		Txn        core.Transaction
		Status     core.SyncStatus
		ModifiedAt time.Time
	}

	// AllocationRow is one mirrored envelope. Only the budgeting amounts
	// (allocated, available) travel; each side derives spent from its own
	// ledger replay.
	AllocationRow struct {
		LocalID    string
		ServerID   string
		Alloc      core.Allocation
		Status     core.SyncStatus
		ModifiedAt time.Time
	}

	// PushBatch carries every local row awaiting acknowledgement.
	PushBatch struct {
		Transactions []TransactionRow
		Allocations  []AllocationRow
	}

	// PushResult is the server's per-row verdict.
	PushResult struct {
		Entity           string
		LocalID          string
		ServerID         string
		Accepted         bool
		Reason           string
		ServerModifiedAt time.Time
	}

	// PullSet is everything that changed server-side after a checkpoint.
	// ServerTime becomes the next checkpoint once the set is applied.
	PullSet struct {
		Transactions []TransactionRow
		Allocations  []AllocationRow
		ServerTime   time.Time
	}

	// Transport is the sync collaborator contract. The wire format is owned
	// by the transport layer; this package only defines the row shapes.
	Transport interface {
		Push(ctx context.Context, batch PushBatch) ([]PushResult, error)
		Pull(ctx context.Context, since time.Time) (PullSet, error)
	}

	// LocalStore is the device-side mirror the reconciler walks.
	LocalStore interface {
		// PendingTransactions returns rows in {pending, deleted}.
		PendingTransactions(ctx context.Context) ([]TransactionRow, error)
		PendingAllocations(ctx context.Context) ([]AllocationRow, error)

		// MarkSynced flips pending to synced and stamps the server
		// identity. Calling it twice with the same server id is a no-op.
		MarkSynced(ctx context.Context, entity, localID, serverID string, modifiedAt time.Time) error

		// ApplyServerTransaction upserts a server-authoritative row into
		// the mirror as synced.
		ApplyServerTransaction(ctx context.Context, row TransactionRow) error
		ApplyServerAllocation(ctx context.Context, row AllocationRow) error

		// LookupTransaction resolves a server id through the mapping table.
		LookupTransaction(ctx context.Context, serverID string) (*TransactionRow, bool, error)
		LookupAllocation(ctx context.Context, serverID string) (*AllocationRow, bool, error)

		// RecordConflict snapshots both versions and flips the row to
		// conflict. Resolution belongs to a layer outside this core.
		RecordConflict(ctx context.Context, entity, localID string, local, server any) error

		LastSyncTime(ctx context.Context) (time.Time, error)
		SetLastSyncTime(ctx context.Context, t time.Time) error
	}
)
