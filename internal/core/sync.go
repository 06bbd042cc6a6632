package core

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncDeleted  SyncStatus = "deleted"
)

// SyncStatus is a device-local row's reconciliation state relative to
// the server's authoritative copy.
type SyncStatus string

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncConflict, SyncDeleted:
		return true
	}
	return false
}

// NeedsPush reports whether a row in this state belongs in the next push
// batch. Both freshly mutated rows and local tombstones must reach the server.
func (s SyncStatus) NeedsPush() bool {
	return s == SyncPending || s == SyncDeleted
}

// Touch computes the state after a local create or update. Deletion always
// wins over a pending edit, so a deleted row stays deleted.
func (s SyncStatus) Touch() SyncStatus {
	if s == SyncDeleted {
		return SyncDeleted
	}
	return SyncPending
}
