package types

import "context"

// Store persists entity records across process restarts.
type Store interface {
	// Put inserts or overwrites a record. rec.LocalRevision must equal the
	// stored revision (zero for a new record) or ErrStaleWrite is returned.
	// The stored record comes back with a bumped revision.
	Put(entityType string, rec *Record) (*Record, error)

	// Get returns the record, tombstones included, or ErrNotFound.
	Get(entityType, id string) (*Record, error)

	// List returns records of a project, newest local write first unless
	// the filter says otherwise.
	List(entityType, projectID string, filter *ListFilter) ([]*Record, error)

	// Delete tombstones a record. Pass AnyRevision to skip the comparison.
	Delete(entityType, id string, expectedRevision int64) (*Record, error)

	// Purge removes a record and its queued entries; the id stays reserved.
	Purge(entityType, id string) error

	// SetSyncState records coordinator state without bumping the revision.
	SetSyncState(entityType, id string, expectedRevision int64, state SyncState) (*Record, error)

	// ApplyRemote overwrites the local record with remote state.
	ApplyRemote(entityType string, expectedRevision int64, remote *RemoteRecord) (*Record, error)

	SchemaVersion() int
}

// Queue is the durable, ordered log of mutations not yet confirmed remotely.
type Queue interface {
	Enqueue(entry *QueueEntry) (*QueueEntry, error)

	// DequeueBatch returns up to maxCount ready entries in enqueue order
	// without removing them. An empty projectID spans all projects.
	DequeueBatch(projectID string, maxCount int) ([]*QueueEntry, error)

	Claim(entryID string) error
	Release(entryID string) error

	// Acknowledge removes an entry. Unknown ids are a no-op.
	Acknowledge(entryID string) error

	// MarkFailed bumps the attempt count and records cause.
	MarkFailed(entryID string, cause error) (*QueueEntry, error)

	Hold(entryID string) error
	ForceLocal(entryID string) error

	// Retry resets the attempt count of an entity's entries and returns
	// how many entries were reset.
	Retry(entityType, entityID string) (int, error)

	Discard(entryID string) error
	Entries(projectID string) ([]*QueueEntry, error)
	EntriesFor(entityType, entityID string) ([]*QueueEntry, error)
	Stats(projectID string) (QueueStats, error)

	// Projects lists projects with at least one ready entry.
	Projects() ([]string, error)
}

// LocalStore is a Store and Queue sharing one transaction domain.
type LocalStore interface {
	Store
	Queue

	// Stage writes the record (or its tombstone for OpDelete) and enqueues
	// the matching entry atomically.
	Stage(entityType string, rec *Record, op Operation) (*Record, *QueueEntry, error)
}

// RemoteService is the remote entity service contract.
type RemoteService interface {
	// Fetch returns the remote copy or ErrNotFound.
	Fetch(ctx context.Context, entityType, id string) (*RemoteRecord, error)
	Create(ctx context.Context, entityType string, rec *RemoteRecord) (Ack, error)
	Update(ctx context.Context, entityType string, rec *RemoteRecord) (Ack, error)
	Delete(ctx context.Context, entityType string, rec *RemoteRecord) (Ack, error)
}
