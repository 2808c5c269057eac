package engine

import (
	"errors"
	"fmt"
)

// Engine-level errors
var (
	// ErrSyncBusy means a run is already in flight for the group.
	ErrSyncBusy = errors.New("sync already running for this group")

	// ErrSyncStopped means a stop request interrupted the run.
	ErrSyncStopped = errors.New("sync stopped")
)

// UnmappedReferenceError is a master-side reference with no slave mapping.
// Recoverable inside required_statuses and status_rights (the entry is
// dropped); fatal only when it blocks creating the parent entity.
type UnmappedReferenceError struct {
	Kind     string
	MasterID int64
}

func (e *UnmappedReferenceError) Error() string {
	return fmt.Sprintf("no mapping for %s %d", e.Kind, e.MasterID)
}

// UnknownKindError is a request naming a kind the engine does not sync.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown sync kind %q", e.Kind)
}

// StaleMappingError is a mapping whose slave side no longer exists. The
// reconciler forgets it and retries the create path within the same pass.
type StaleMappingError struct {
	Kind     string
	MasterID int64
	SlaveID  int64
}

func (e *StaleMappingError) Error() string {
	return fmt.Sprintf("stale %s mapping %d -> %d: slave object missing", e.Kind, e.MasterID, e.SlaveID)
}
