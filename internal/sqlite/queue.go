package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

const entryColumns = "seq, entry_id, operation, entity_type, entity_id, project_id, payload, enqueued_at, attempts, last_error, in_flight, held, override"

// readyClause selects entries the coordinator may apply: the head entry of
// its entity, not claimed, not parked by a conflict, attempts left.
const readyClause = `q.in_flight = 0 AND q.held = 0 AND q.attempts < ?
  AND NOT EXISTS (SELECT 1 FROM queue_entries p
                  WHERE p.entity_type = q.entity_type AND p.entity_id = q.entity_id AND p.seq < q.seq)`

// Enqueue appends a mutation, coalescing with the entity's pending entry.
//
// A non-delete replaces the payload of the entity's latest entry that is not
// in flight, keeping its queue position and resetting its attempts. A delete
// drops every entry for the entity that is not in flight and is appended.
// Entries in flight are never touched.
func (b *Backend) Enqueue(entry *types.QueueEntry) (*types.QueueEntry, error) {
	var stored *types.QueueEntry
	err := b.withTx(func(tx *sql.Tx) error {
		var err error
		stored, err = b.enqueueTx(tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Stage writes the record or its tombstone and enqueues the mutation in one
// transaction. For non-delete operations the queued operation is derived from
// whether the record is new.
func (b *Backend) Stage(entityType string, rec *types.Record, op types.Operation) (*types.Record, *types.QueueEntry, error) {
	if !op.Valid() {
		return nil, nil, types.ErrInvalidOperation
	}
	var (
		stored *types.Record
		entry  *types.QueueEntry
	)
	err := b.withTx(func(tx *sql.Tx) error {
		var err error
		if op == types.OpDelete {
			if rec == nil {
				return types.ErrInvalidData
			}
			stored, err = b.deleteTx(tx, entityType, rec.ID, rec.LocalRevision)
		} else {
			var created bool
			stored, created, err = b.putTx(tx, entityType, rec)
			op = types.OpUpdate
			if created {
				op = types.OpCreate
			}
		}
		if err != nil {
			return err
		}

		payload, err := json.Marshal(stored.Payload)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %v", types.ErrInvalidData, err)
		}
		entry, err = b.enqueueTx(tx, &types.QueueEntry{
			Operation:  op,
			EntityType: entityType,
			EntityID:   stored.ID,
			ProjectID:  stored.ProjectID,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, entry, nil
}

func (b *Backend) enqueueTx(tx *sql.Tx, entry *types.QueueEntry) (*types.QueueEntry, error) {
	if entry == nil {
		return nil, types.ErrInvalidData
	}
	if !entry.Operation.Valid() {
		return nil, types.ErrInvalidOperation
	}
	if !types.ValidEntityType(entry.EntityType) {
		return nil, types.ErrInvalidEntityType
	}
	if strings.TrimSpace(entry.EntityID) == "" {
		return nil, types.ErrInvalidID
	}
	if strings.TrimSpace(entry.ProjectID) == "" {
		return nil, types.ErrInvalidProject
	}

	waiting, err := b.queryEntries(tx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE entity_type = ? AND entity_id = ? AND in_flight = 0 ORDER BY seq",
		entry.EntityType, entry.EntityID)
	if err != nil {
		return nil, err
	}

	if entry.Operation == types.OpDelete {
		// A conflict hold or manual decision carries over to the delete.
		next := *entry
		for _, w := range waiting {
			next.Held = next.Held || w.Held
			if w.Override != types.OverrideNone {
				next.Override = w.Override
			}
		}
		if _, err := tx.Exec(
			"DELETE FROM queue_entries WHERE entity_type = ? AND entity_id = ? AND in_flight = 0",
			entry.EntityType, entry.EntityID,
		); err != nil {
			return nil, fmt.Errorf("superseding entries: %w", err)
		}
		return b.insertEntry(tx, &next)
	}

	for _, w := range waiting {
		if w.Operation == types.OpDelete {
			return nil, fmt.Errorf("%w: %s/%s has a queued delete", types.ErrTombstoned, entry.EntityType, entry.EntityID)
		}
	}
	if len(waiting) == 0 {
		return b.insertEntry(tx, entry)
	}

	target := waiting[len(waiting)-1]
	op := entry.Operation
	if target.Operation == types.OpCreate {
		op = types.OpCreate
	}
	if _, err := tx.Exec(
		"UPDATE queue_entries SET operation = ?, payload = ?, attempts = 0, last_error = NULL WHERE seq = ?",
		string(op), nullablePayload(entry.Payload), target.Seq,
	); err != nil {
		return nil, fmt.Errorf("coalescing entry: %w", err)
	}
	if len(waiting) > 1 {
		if _, err := tx.Exec(
			"DELETE FROM queue_entries WHERE entity_type = ? AND entity_id = ? AND in_flight = 0 AND seq < ?",
			entry.EntityType, entry.EntityID, target.Seq,
		); err != nil {
			return nil, fmt.Errorf("dropping coalesced entries: %w", err)
		}
	}
	return b.getEntry(tx, target.EntryID)
}

func (b *Backend) insertEntry(tx *sql.Tx, entry *types.QueueEntry) (*types.QueueEntry, error) {
	id := entry.EntryID
	if id == "" {
		id = generateUUID()
	}
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = b.now()
	}
	if _, err := tx.Exec(
		`INSERT INTO queue_entries (entry_id, operation, entity_type, entity_id, project_id, payload, enqueued_at, attempts, last_error, held, override)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(entry.Operation), entry.EntityType, entry.EntityID, entry.ProjectID,
		nullablePayload(entry.Payload), toNanos(enqueuedAt), entry.Attempts, entry.LastError,
		boolInt(entry.Held), string(entry.Override),
	); err != nil {
		return nil, fmt.Errorf("inserting queue entry: %w", err)
	}
	return b.getEntry(tx, id)
}

// DequeueBatch returns up to maxCount ready entries in enqueue order. A
// non-positive maxCount uses the configured batch size.
func (b *Backend) DequeueBatch(projectID string, maxCount int) ([]*types.QueueEntry, error) {
	var out []*types.QueueEntry
	err := b.withDB(func(q querier) error {
		if maxCount <= 0 {
			maxCount = b.config.Sync.BatchSize
		}
		var err error
		out, err = b.queryEntries(q,
			"SELECT "+qualified(entryColumns)+" FROM queue_entries q WHERE "+readyClause+
				" AND (? = '' OR q.project_id = ?) ORDER BY q.seq LIMIT ?",
			b.maxAttempts(), projectID, projectID, maxCount)
		return err
	})
	return out, err
}

// Claim marks an entry in flight. A second claim fails with
// types.ErrEntryInFlight until the entry is released, failed or held.
func (b *Backend) Claim(entryID string) error {
	return b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE queue_entries SET in_flight = 1 WHERE entry_id = ? AND in_flight = 0", entryID)
		if err != nil {
			return fmt.Errorf("claiming entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		if _, err := b.getEntry(tx, entryID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", types.ErrEntryInFlight, entryID)
	})
}

// Release clears a claim without recording an attempt.
func (b *Backend) Release(entryID string) error {
	return b.updateEntry("releasing entry", "UPDATE queue_entries SET in_flight = 0 WHERE entry_id = ?", entryID)
}

// Acknowledge removes an entry after the remote confirmed it. Acknowledging
// an unknown or already acknowledged entry is a no-op.
func (b *Backend) Acknowledge(entryID string) error {
	return b.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM queue_entries WHERE entry_id = ?", entryID); err != nil {
			return fmt.Errorf("acknowledging entry: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed attempt and releases the claim. The returned
// entry reports Exhausted once the attempt budget is spent; it stays queued
// until Retry or Discard.
func (b *Backend) MarkFailed(entryID string, cause error) (*types.QueueEntry, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var stored *types.QueueEntry
	err := b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE queue_entries SET attempts = attempts + 1, last_error = ?, in_flight = 0 WHERE entry_id = ?",
			msg, entryID)
		if err != nil {
			return fmt.Errorf("marking entry failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: queue entry %s", types.ErrNotFound, entryID)
		}
		stored, err = b.getEntry(tx, entryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Hold parks an entry while its entity is in conflict.
func (b *Backend) Hold(entryID string) error {
	return b.updateEntry("holding entry", "UPDATE queue_entries SET held = 1, in_flight = 0 WHERE entry_id = ?", entryID)
}

// ForceLocal records a manual local-wins decision and makes the entry ready.
func (b *Backend) ForceLocal(entryID string) error {
	return b.updateEntry("forcing entry",
		"UPDATE queue_entries SET held = 0, override = ?, attempts = 0, last_error = NULL WHERE entry_id = ?",
		string(types.OverrideLocal), entryID)
}

// Retry resets the attempts of every entry of an entity.
func (b *Backend) Retry(entityType, entityID string) (int, error) {
	var n int64
	err := b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE queue_entries SET attempts = 0, last_error = NULL WHERE entity_type = ? AND entity_id = ?",
			entityType, entityID)
		if err != nil {
			return fmt.Errorf("resetting attempts: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// Discard removes an entry on explicit user request.
func (b *Backend) Discard(entryID string) error {
	return b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM queue_entries WHERE entry_id = ?", entryID)
		if err != nil {
			return fmt.Errorf("discarding entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: queue entry %s", types.ErrNotFound, entryID)
		}
		return nil
	})
}

// Entries returns every entry of a project (all projects when empty) in
// enqueue order.
func (b *Backend) Entries(projectID string) ([]*types.QueueEntry, error) {
	var out []*types.QueueEntry
	err := b.withDB(func(q querier) error {
		var err error
		out, err = b.queryEntries(q,
			"SELECT "+entryColumns+" FROM queue_entries WHERE (? = '' OR project_id = ?) ORDER BY seq",
			projectID, projectID)
		return err
	})
	return out, err
}

// EntriesFor returns the entries of one entity in enqueue order.
func (b *Backend) EntriesFor(entityType, entityID string) ([]*types.QueueEntry, error) {
	var out []*types.QueueEntry
	err := b.withDB(func(q querier) error {
		var err error
		out, err = b.queryEntries(q,
			"SELECT "+entryColumns+" FROM queue_entries WHERE entity_type = ? AND entity_id = ? ORDER BY seq",
			entityType, entityID)
		return err
	})
	return out, err
}

// Stats counts a project's entries by state.
func (b *Backend) Stats(projectID string) (types.QueueStats, error) {
	entries, err := b.Entries(projectID)
	if err != nil {
		return types.QueueStats{}, err
	}
	var st types.QueueStats
	seen := make(map[string]bool)
	for _, e := range entries {
		st.Total++
		key := e.EntityType + "/" + e.EntityID
		head := !seen[key]
		seen[key] = true
		switch {
		case e.InFlight:
			st.InFlight++
		case e.Held:
			st.Held++
		case e.Exhausted:
			st.Exhausted++
		case head:
			st.Ready++
		}
	}
	return st, nil
}

// Projects lists projects that have ready entries.
func (b *Backend) Projects() ([]string, error) {
	var out []string
	err := b.withDB(func(q querier) error {
		rows, err := q.Query(
			"SELECT DISTINCT q.project_id FROM queue_entries q WHERE "+readyClause+" ORDER BY q.project_id",
			b.maxAttempts())
		if err != nil {
			return fmt.Errorf("querying projects: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return fmt.Errorf("scanning project: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (b *Backend) updateEntry(action, query string, args ...any) error {
	return b.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: queue entry %v", types.ErrNotFound, args[len(args)-1])
		}
		return nil
	})
}

func (b *Backend) getEntry(q querier, entryID string) (*types.QueueEntry, error) {
	entries, err := b.queryEntries(q, "SELECT "+entryColumns+" FROM queue_entries WHERE entry_id = ?", entryID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: queue entry %s", types.ErrNotFound, entryID)
	}
	return entries[0], nil
}

func (b *Backend) queryEntries(q querier, query string, args ...any) ([]*types.QueueEntry, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var out []*types.QueueEntry
	for rows.Next() {
		e, err := b.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) scanEntry(s scanner) (*types.QueueEntry, error) {
	var (
		e          types.QueueEntry
		op         string
		payload    sql.NullString
		enqueuedAt int64
		inFlight   int
		held       int
		override   string
	)
	if err := s.Scan(&e.Seq, &e.EntryID, &op, &e.EntityType, &e.EntityID, &e.ProjectID,
		&payload, &enqueuedAt, &e.Attempts, &e.LastError, &inFlight, &held, &override); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning queue entry: %w", err)
	}
	e.Operation = types.Operation(op)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.EnqueuedAt = fromNanos(enqueuedAt)
	e.InFlight = inFlight != 0
	e.Held = held != 0
	e.Override = types.Override(override)
	e.Exhausted = e.Attempts >= b.maxAttempts()
	return &e, nil
}

func nullablePayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

// qualified prefixes every column of a list with the q alias.
func qualified(cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = "q." + p
	}
	return strings.Join(parts, ", ")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
