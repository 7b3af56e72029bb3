package types

import (
	"strings"
	"time"
)

// Entity type names. Each type is a separate partition of the local store.
const (
	EntityRFI       = "rfi"
	EntitySubmittal = "submittal"
	EntityDailyLog  = "daily_log"
	EntityGeneric   = "entity"
)

// EntityTypes lists every entity type the store accepts.
var EntityTypes = []string{EntityRFI, EntitySubmittal, EntityDailyLog, EntityGeneric}

// ValidEntityType reports whether name is a known entity type.
func ValidEntityType(name string) bool {
	for _, t := range EntityTypes {
		if t == name {
			return true
		}
	}
	return false
}

// SyncStatus is the synchronization lifecycle tag of a record.
type SyncStatus string

// Sync status values.
const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// ParseSyncStatus converts a string to a SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, bool) {
	switch st := SyncStatus(strings.ToLower(s)); st {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed, StatusConflict:
		return st, true
	}
	return "", false
}

// transitions lists the status changes the coordinator may make.
// Local writes set pending directly and are not checked here, so a record
// edited during a drain can reach failed or conflict from pending.
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending:  {StatusSyncing, StatusFailed, StatusConflict},
	StatusSyncing:  {StatusSynced, StatusFailed, StatusConflict, StatusPending},
	StatusSynced:   {StatusPending, StatusSyncing},
	StatusFailed:   {StatusPending},
	StatusConflict: {StatusPending, StatusSynced},
}

// CanTransition reports whether a record in status from may move to status to.
// Staying in the same status is always allowed.
func CanTransition(from, to SyncStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AnyRevision disables the revision comparison on Delete.
const AnyRevision int64 = -1

// Record is an entity stored on the device.
type Record struct {
	// ID is unique within the entity type; a UUID v7 is generated when empty.
	ID string `json:"id"`

	// ProjectID scopes the record to a project.
	ProjectID string `json:"project_id"`

	// EntityType is one of EntityTypes.
	EntityType string `json:"entity_type"`

	// Payload holds the type-specific fields.
	Payload map[string]any `json:"payload"`

	SyncStatus SyncStatus `json:"sync_status"`

	// LocalUpdatedAt is set by the store on every local write.
	LocalUpdatedAt time.Time `json:"local_updated_at"`

	// RemoteUpdatedAt is the remote modification time last confirmed by a
	// sync; nil until the first successful sync.
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`

	// LocalRevision strictly increases on every local write. Callers pass
	// the revision they read so the store can detect a lost update.
	LocalRevision int64 `json:"local_revision"`

	// Deleted marks a tombstone.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = clonePayload(r.Payload)
	if r.RemoteUpdatedAt != nil {
		t := *r.RemoteUpdatedAt
		c.RemoteUpdatedAt = &t
	}
	return &c
}

// Validate checks the fields a caller must supply before a save.
func (r *Record) Validate() error {
	if r == nil {
		return ErrInvalidData
	}
	if !ValidEntityType(r.EntityType) {
		return ErrInvalidEntityType
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return ErrInvalidProject
	}
	if r.ID != strings.TrimSpace(r.ID) {
		return ErrInvalidID
	}
	return nil
}

// Remote converts the record into the shape sent to the remote service.
func (r *Record) Remote() *RemoteRecord {
	return &RemoteRecord{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		EntityType: r.EntityType,
		Payload:    clonePayload(r.Payload),
		UpdatedAt:  r.LocalUpdatedAt,
	}
}

// SyncState is the coordinator-owned part of a record.
type SyncState struct {
	Status SyncStatus

	// RemoteUpdatedAt replaces the stored value when non-nil.
	RemoteUpdatedAt *time.Time

	// EditedSince marks the stored local edit as made after the remote write
	// at RemoteUpdatedAt. Its local timestamp moves past that time if needed.
	EditedSince bool
}

// ListFilter narrows and orders List results. A nil filter lists every
// non-deleted record, newest local write first.
type ListFilter struct {
	// Status selects a single sync status when non-empty.
	Status SyncStatus

	IncludeDeleted bool

	// OrderByID orders by id instead of LocalUpdatedAt.
	OrderByID bool

	Ascending bool

	// Limit caps the result count; zero means no limit.
	Limit int
}

// RemoteRecord is an entity as held by the remote entity service.
type RemoteRecord struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	EntityType string         `json:"entity_type"`
	Payload    map[string]any `json:"payload"`

	// UpdatedAt is the remote modification timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the remote record.
func (r *RemoteRecord) Clone() *RemoteRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = clonePayload(r.Payload)
	return &c
}

// Ack confirms a remote write.
type Ack struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusChange is published whenever a record's sync status changes.
type StatusChange struct {
	EntityType string
	ID         string
	ProjectID  string
	From       SyncStatus
	To         SyncStatus
	At         time.Time

	// Purged is set when the record left the local store after a
	// confirmed remote delete.
	Purged bool
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
