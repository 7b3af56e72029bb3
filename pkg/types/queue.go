package types

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a queue entry carries.
type Operation string

// Queue operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Override is a manual conflict decision.
type Override string

// Override choices. OverrideNone means the resolver decides.
const (
	OverrideNone   Override = ""
	OverrideLocal  Override = "local"
	OverrideRemote Override = "remote"
)

// QueueEntry is a mutation awaiting confirmation by the remote service.
type QueueEntry struct {
	// EntryID is a UUID v7.
	EntryID string `json:"entry_id"`

	// Seq orders entries by enqueue time; assigned by the queue.
	Seq int64 `json:"seq"`

	Operation  Operation `json:"operation"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ProjectID  string    `json:"project_id"`

	// Payload is the record payload snapshot at enqueue time.
	Payload json.RawMessage `json:"payload,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  *string   `json:"last_error,omitempty"`

	// InFlight is set while the coordinator applies the entry.
	InFlight bool `json:"in_flight,omitempty"`

	// Held parks the entry while its entity is in conflict.
	Held bool `json:"held,omitempty"`

	// Override carries a manual local-wins decision.
	Override Override `json:"override,omitempty"`

	// Exhausted is derived: attempts reached the configured maximum.
	Exhausted bool `json:"-"`
}

// DecodePayload unmarshals the payload snapshot.
func (e *QueueEntry) DecodePayload() (map[string]any, error) {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// QueueStats summarizes queue contents for a project.
type QueueStats struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`
	InFlight  int `json:"in_flight"`
	Held      int `json:"held"`
	Exhausted int `json:"exhausted"`
}
