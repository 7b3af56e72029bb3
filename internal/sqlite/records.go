package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

const recordColumns = "entity_type, entity_id, project_id, payload, sync_status, local_updated_at, remote_updated_at, local_revision, deleted"

// Put inserts or overwrites a record using read-compare-write on its
// revision. See types.Store.
func (b *Backend) Put(entityType string, rec *types.Record) (*types.Record, error) {
	var stored *types.Record
	err := b.withTx(func(tx *sql.Tx) error {
		var err error
		stored, _, err = b.putTx(tx, entityType, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Get returns a record, tombstones included.
func (b *Backend) Get(entityType, id string) (*types.Record, error) {
	if !types.ValidEntityType(entityType) {
		return nil, types.ErrInvalidEntityType
	}
	var rec *types.Record
	err := b.withDB(func(q querier) error {
		var err error
		rec, err = getRecord(q, entityType, id)
		return err
	})
	return rec, err
}

// List returns the records of a project.
func (b *Backend) List(entityType, projectID string, filter *types.ListFilter) ([]*types.Record, error) {
	if !types.ValidEntityType(entityType) {
		return nil, types.ErrInvalidEntityType
	}
	if filter == nil {
		filter = &types.ListFilter{}
	}

	query := "SELECT " + recordColumns + " FROM records WHERE entity_type = ? AND project_id = ?"
	args := []any{entityType, projectID}
	if !filter.IncludeDeleted {
		query += " AND deleted = 0"
	}
	if filter.Status != "" {
		query += " AND sync_status = ?"
		args = append(args, string(filter.Status))
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}
	if filter.OrderByID {
		query += " ORDER BY entity_id " + dir
	} else {
		query += " ORDER BY local_updated_at " + dir + ", entity_id " + dir
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var out []*types.Record
	err := b.withDB(func(q querier) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return fmt.Errorf("querying records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete tombstones a record.
func (b *Backend) Delete(entityType, id string, expectedRevision int64) (*types.Record, error) {
	var stored *types.Record
	err := b.withTx(func(tx *sql.Tx) error {
		var err error
		stored, err = b.deleteTx(tx, entityType, id, expectedRevision)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Purge removes a record and its queue entries. The id and its last revision
// are kept in tombstones so the id is never reused. Purging an id that is
// already purged is a no-op.
func (b *Backend) Purge(entityType, id string) error {
	if !types.ValidEntityType(entityType) {
		return types.ErrInvalidEntityType
	}
	return b.withTx(func(tx *sql.Tx) error {
		rec, err := getRecord(tx, entityType, id)
		if errors.Is(err, types.ErrNotFound) {
			purged, _, terr := tombstoned(tx, entityType, id)
			if terr != nil {
				return terr
			}
			if purged {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO tombstones (entity_type, entity_id, project_id, last_revision, purged_at)
			 VALUES (?, ?, ?, ?, ?)`,
			entityType, id, rec.ProjectID, rec.LocalRevision, toNanos(b.now()),
		); err != nil {
			return fmt.Errorf("recording tombstone: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM records WHERE entity_type = ? AND entity_id = ?", entityType, id); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM queue_entries WHERE entity_type = ? AND entity_id = ?", entityType, id); err != nil {
			return fmt.Errorf("deleting queue entries: %w", err)
		}
		return nil
	})
}

// SetSyncState records coordinator-owned state. The revision is compared but
// not bumped.
func (b *Backend) SetSyncState(entityType, id string, expectedRevision int64, state types.SyncState) (*types.Record, error) {
	var stored *types.Record
	err := b.withTx(func(tx *sql.Tx) error {
		rec, err := getRecord(tx, entityType, id)
		if err != nil {
			return err
		}
		if expectedRevision != types.AnyRevision && rec.LocalRevision != expectedRevision {
			return fmt.Errorf("%w: %s/%s at revision %d, expected %d",
				types.ErrStaleWrite, entityType, id, rec.LocalRevision, expectedRevision)
		}
		if !types.CanTransition(rec.SyncStatus, state.Status) {
			return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, rec.SyncStatus, state.Status)
		}

		rec.SyncStatus = state.Status
		if state.RemoteUpdatedAt != nil {
			t := state.RemoteUpdatedAt.UTC()
			rec.RemoteUpdatedAt = &t
		}
		if state.EditedSince {
			rec.LocalUpdatedAt = editTime(rec.LocalUpdatedAt, rec.RemoteUpdatedAt)
		}
		if _, err := tx.Exec(
			`UPDATE records SET sync_status = ?, remote_updated_at = ?, local_updated_at = ?
			 WHERE entity_type = ? AND entity_id = ?`,
			string(rec.SyncStatus), nullableNanos(rec.RemoteUpdatedAt), toNanos(rec.LocalUpdatedAt), entityType, id,
		); err != nil {
			return fmt.Errorf("updating sync state: %w", err)
		}
		stored = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ApplyRemote overwrites the local record with the remote copy, clearing any
// tombstone, and marks it synced.
func (b *Backend) ApplyRemote(entityType string, expectedRevision int64, remote *types.RemoteRecord) (*types.Record, error) {
	if remote == nil {
		return nil, types.ErrInvalidData
	}
	var stored *types.Record
	err := b.withTx(func(tx *sql.Tx) error {
		rec, err := getRecord(tx, entityType, remote.ID)
		if err != nil {
			return err
		}
		if expectedRevision != types.AnyRevision && rec.LocalRevision != expectedRevision {
			return fmt.Errorf("%w: %s/%s at revision %d, expected %d",
				types.ErrStaleWrite, entityType, remote.ID, rec.LocalRevision, expectedRevision)
		}

		payload, err := json.Marshal(remote.Payload)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %v", types.ErrInvalidData, err)
		}
		updatedAt := remote.UpdatedAt.UTC()
		rec.Payload = remote.Payload
		if remote.ProjectID != "" {
			rec.ProjectID = remote.ProjectID
		}
		rec.SyncStatus = types.StatusSynced
		rec.LocalUpdatedAt = updatedAt
		rec.RemoteUpdatedAt = &updatedAt
		rec.LocalRevision++
		rec.Deleted = false

		if _, err := tx.Exec(
			`UPDATE records SET project_id = ?, payload = ?, sync_status = ?, local_updated_at = ?,
			 remote_updated_at = ?, local_revision = ?, deleted = 0
			 WHERE entity_type = ? AND entity_id = ?`,
			rec.ProjectID, string(payload), string(rec.SyncStatus), toNanos(updatedAt),
			toNanos(updatedAt), rec.LocalRevision, entityType, remote.ID,
		); err != nil {
			return fmt.Errorf("applying remote state: %w", err)
		}
		stored = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// putTx validates and writes rec. It reports whether the record was new.
func (b *Backend) putTx(tx *sql.Tx, entityType string, rec *types.Record) (*types.Record, bool, error) {
	if rec == nil {
		return nil, false, types.ErrInvalidData
	}
	rec = rec.Clone()
	if rec.EntityType == "" {
		rec.EntityType = entityType
	}
	if rec.EntityType != entityType {
		return nil, false, types.ErrInvalidEntityType
	}
	if err := rec.Validate(); err != nil {
		return nil, false, err
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: encoding payload: %v", types.ErrInvalidData, err)
	}
	now := b.now().UTC()

	if rec.ID == "" {
		if rec.LocalRevision != 0 {
			return nil, false, types.ErrInvalidID
		}
		rec.ID = generateUUID()
	}

	existing, err := getRecord(tx, entityType, rec.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		purged, _, err := tombstoned(tx, entityType, rec.ID)
		if err != nil {
			return nil, false, err
		}
		if purged {
			return nil, false, fmt.Errorf("%w: %s/%s", types.ErrTombstoned, entityType, rec.ID)
		}
		if rec.LocalRevision != 0 {
			return nil, false, fmt.Errorf("%w: %s/%s does not exist, expected revision %d",
				types.ErrStaleWrite, entityType, rec.ID, rec.LocalRevision)
		}
		rec.SyncStatus = types.StatusPending
		rec.LocalUpdatedAt = now
		rec.RemoteUpdatedAt = nil
		rec.LocalRevision = 1
		rec.Deleted = false
		if _, err := tx.Exec(
			"INSERT INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, NULL, ?, 0)",
			entityType, rec.ID, rec.ProjectID, string(payload), string(rec.SyncStatus),
			toNanos(now), rec.LocalRevision,
		); err != nil {
			return nil, false, fmt.Errorf("inserting record: %w", err)
		}
		return rec, true, nil

	case err != nil:
		return nil, false, err
	}

	if existing.Deleted {
		return nil, false, fmt.Errorf("%w: %s/%s", types.ErrTombstoned, entityType, rec.ID)
	}
	if existing.ProjectID != rec.ProjectID {
		return nil, false, fmt.Errorf("%w: %s/%s belongs to project %s",
			types.ErrInvalidProject, entityType, rec.ID, existing.ProjectID)
	}
	if rec.LocalRevision != existing.LocalRevision {
		return nil, false, fmt.Errorf("%w: %s/%s at revision %d, expected %d",
			types.ErrStaleWrite, entityType, rec.ID, existing.LocalRevision, rec.LocalRevision)
	}

	rec.SyncStatus = types.StatusPending
	if existing.SyncStatus == types.StatusConflict {
		rec.SyncStatus = types.StatusConflict
	}
	rec.LocalUpdatedAt = editTime(now, existing.RemoteUpdatedAt)
	rec.RemoteUpdatedAt = existing.RemoteUpdatedAt
	rec.LocalRevision = existing.LocalRevision + 1
	if _, err := tx.Exec(
		`UPDATE records SET payload = ?, sync_status = ?, local_updated_at = ?, local_revision = ?
		 WHERE entity_type = ? AND entity_id = ?`,
		string(payload), string(rec.SyncStatus), toNanos(rec.LocalUpdatedAt), rec.LocalRevision, entityType, rec.ID,
	); err != nil {
		return nil, false, fmt.Errorf("updating record: %w", err)
	}
	return rec, false, nil
}

func (b *Backend) deleteTx(tx *sql.Tx, entityType, id string, expectedRevision int64) (*types.Record, error) {
	if !types.ValidEntityType(entityType) {
		return nil, types.ErrInvalidEntityType
	}
	rec, err := getRecord(tx, entityType, id)
	if errors.Is(err, types.ErrNotFound) {
		if purged, _, terr := tombstoned(tx, entityType, id); terr == nil && purged {
			return nil, fmt.Errorf("%w: %s/%s", types.ErrTombstoned, entityType, id)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrTombstoned, entityType, id)
	}
	if expectedRevision != types.AnyRevision && rec.LocalRevision != expectedRevision {
		return nil, fmt.Errorf("%w: %s/%s at revision %d, expected %d",
			types.ErrStaleWrite, entityType, id, rec.LocalRevision, expectedRevision)
	}

	rec.Deleted = true
	rec.LocalRevision++
	rec.LocalUpdatedAt = editTime(b.now().UTC(), rec.RemoteUpdatedAt)
	if rec.SyncStatus != types.StatusConflict {
		rec.SyncStatus = types.StatusPending
	}
	if _, err := tx.Exec(
		`UPDATE records SET deleted = 1, sync_status = ?, local_updated_at = ?, local_revision = ?
		 WHERE entity_type = ? AND entity_id = ?`,
		string(rec.SyncStatus), toNanos(rec.LocalUpdatedAt), rec.LocalRevision, entityType, id,
	); err != nil {
		return nil, fmt.Errorf("tombstoning record: %w", err)
	}
	return rec, nil
}

func getRecord(q querier, entityType, id string) (*types.Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, types.ErrInvalidID
	}
	row := q.QueryRow("SELECT "+recordColumns+" FROM records WHERE entity_type = ? AND entity_id = ?", entityType, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, entityType, id)
	}
	return rec, err
}

// editTime stamps a local edit. An edit made after a sync is later than the
// remote time that sync confirmed, even when the device clock lags the server.
func editTime(now time.Time, lastSync *time.Time) time.Time {
	if lastSync != nil && !now.After(*lastSync) {
		return lastSync.Add(time.Nanosecond)
	}
	return now
}

// tombstoned reports whether id was purged and the revision it had.
func tombstoned(q querier, entityType, id string) (bool, int64, error) {
	var rev int64
	err := q.QueryRow("SELECT last_revision FROM tombstones WHERE entity_type = ? AND entity_id = ?", entityType, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("reading tombstone: %w", err)
	}
	return true, rev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*types.Record, error) {
	var (
		rec      types.Record
		payload  string
		status   string
		localAt  int64
		remoteAt sql.NullInt64
		deleted  int
	)
	if err := s.Scan(&rec.EntityType, &rec.ID, &rec.ProjectID, &payload, &status,
		&localAt, &remoteAt, &rec.LocalRevision, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	rec.SyncStatus = types.SyncStatus(status)
	rec.LocalUpdatedAt = fromNanos(localAt)
	rec.RemoteUpdatedAt = timeFromNull(remoteAt)
	rec.Deleted = deleted != 0
	return &rec, nil
}
