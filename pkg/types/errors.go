package types

import "errors"

// Local store errors.
var (
	ErrNotFound             = errors.New("entity not found")
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrStaleWrite           = errors.New("stale write: revision changed since read")
	ErrMigrationFailure     = errors.New("schema migration failed")
	ErrTombstoned           = errors.New("entity id is tombstoned")
	ErrStoreDetached        = errors.New("store is detached")
	ErrAlreadyAttached      = errors.New("store is already attached")
	ErrStoreNotEmpty        = errors.New("import requires an empty store")
)

// Validation errors.
var (
	ErrInvalidID         = errors.New("invalid entity id")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrInvalidProject    = errors.New("project id must not be empty")
	ErrInvalidData       = errors.New("invalid entity data")
	ErrInvalidOperation  = errors.New("invalid queue operation")
	ErrInvalidTransition = errors.New("invalid sync status transition")
)

// Queue and sync errors.
var (
	ErrEntryInFlight       = errors.New("queue entry is already in flight")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrConflictUnresolved  = errors.New("conflict unresolved")
	ErrDrainInProgress     = errors.New("drain already in progress for project")
	ErrNotInConflict       = errors.New("entity is not in conflict")
	ErrInvalidOverride     = errors.New("override must be local or remote")
	ErrRemoteNotConfigured = errors.New("no remote service configured")
)
