package sqlite

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Snapshot file names written by Export and read by Import.
const (
	RecordsFile    = "records.jsonl"
	QueueFile      = "queue.jsonl"
	TombstonesFile = "tombstones.jsonl"
)

// purgedID is one line of TombstonesFile: an id that was purged and must not
// be reused.
type purgedID struct {
	EntityType   string    `json:"entity_type"`
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	LastRevision int64     `json:"last_revision"`
	PurgedAt     time.Time `json:"purged_at"`
}

// Export writes every record (tombstones included), every queue entry and
// every purged id to dir as JSONL. Each file is replaced atomically.
func (b *Backend) Export(dir string) error {
	var records, entries, purged []json.RawMessage
	err := b.withDB(func(q querier) error {
		rows, err := q.Query("SELECT " + recordColumns + " FROM records ORDER BY entity_type, entity_id")
		if err != nil {
			return fmt.Errorf("querying records: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encoding record %s/%s: %w", rec.EntityType, rec.ID, err)
			}
			records = append(records, line)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		queued, err := b.queryEntries(q, "SELECT "+entryColumns+" FROM queue_entries ORDER BY seq")
		if err != nil {
			return err
		}
		for _, e := range queued {
			e.InFlight = false
			line, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding queue entry %s: %w", e.EntryID, err)
			}
			entries = append(entries, line)
		}

		purged, err = exportPurged(q)
		return err
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}
	if err := writeJSONL(filepath.Join(dir, RecordsFile), records); err != nil {
		return err
	}
	if err := writeJSONL(filepath.Join(dir, QueueFile), entries); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(dir, TombstonesFile), purged)
}

func exportPurged(q querier) ([]json.RawMessage, error) {
	rows, err := q.Query(`SELECT entity_type, entity_id, project_id, last_revision, purged_at
		FROM tombstones ORDER BY entity_type, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("querying tombstones: %w", err)
	}
	defer rows.Close()

	var lines []json.RawMessage
	for rows.Next() {
		var (
			p        purgedID
			purgedAt int64
		)
		if err := rows.Scan(&p.EntityType, &p.ID, &p.ProjectID, &p.LastRevision, &purgedAt); err != nil {
			return nil, fmt.Errorf("scanning tombstone: %w", err)
		}
		p.PurgedAt = fromNanos(purgedAt)
		line, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding tombstone %s/%s: %w", p.EntityType, p.ID, err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Import loads a snapshot written by Export into an empty store in one
// transaction. Missing files count as empty; malformed lines are skipped.
// Queue entries keep their ids and attempts and are re-sequenced in file
// order. Purged ids stay reserved. It returns the number of records and
// entries loaded.
func (b *Backend) Import(dir string) (int, int, error) {
	records, err := readOptionalJSONL(filepath.Join(dir, RecordsFile))
	if err != nil {
		return 0, 0, err
	}
	entries, err := readOptionalJSONL(filepath.Join(dir, QueueFile))
	if err != nil {
		return 0, 0, err
	}
	purged, err := readOptionalJSONL(filepath.Join(dir, TombstonesFile))
	if err != nil {
		return 0, 0, err
	}

	var nRecords, nEntries int
	err = b.withTx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT (SELECT COUNT(*) FROM records) + (SELECT COUNT(*) FROM queue_entries)
			+ (SELECT COUNT(*) FROM tombstones)`).Scan(&count); err != nil {
			return fmt.Errorf("counting rows: %w", err)
		}
		if count > 0 {
			return types.ErrStoreNotEmpty
		}

		for _, line := range purged {
			var p purgedID
			if err := json.Unmarshal(line, &p); err != nil || p.ID == "" || !types.ValidEntityType(p.EntityType) {
				continue
			}
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO tombstones (entity_type, entity_id, project_id, last_revision, purged_at)
				 VALUES (?, ?, ?, ?, ?)`,
				p.EntityType, p.ID, p.ProjectID, p.LastRevision, toNanos(p.PurgedAt),
			); err != nil {
				return fmt.Errorf("importing tombstone %s/%s: %w", p.EntityType, p.ID, err)
			}
		}

		for _, line := range records {
			var rec types.Record
			if err := json.Unmarshal(line, &rec); err != nil || rec.Validate() != nil || rec.ID == "" {
				continue
			}
			payload, err := json.Marshal(rec.Payload)
			if err != nil {
				continue
			}
			if _, err := tx.Exec(
				"INSERT INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
				rec.EntityType, rec.ID, rec.ProjectID, string(payload), string(rec.SyncStatus),
				toNanos(rec.LocalUpdatedAt), nullableNanos(rec.RemoteUpdatedAt), rec.LocalRevision, boolInt(rec.Deleted),
			); err != nil {
				return fmt.Errorf("importing record %s/%s: %w", rec.EntityType, rec.ID, err)
			}
			nRecords++
		}

		for _, line := range entries {
			var e types.QueueEntry
			if err := json.Unmarshal(line, &e); err != nil || e.EntryID == "" || !e.Operation.Valid() || !types.ValidEntityType(e.EntityType) {
				continue
			}
			if _, err := b.insertEntry(tx, &e); err != nil {
				return err
			}
			nEntries++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return nRecords, nEntries, nil
}

// maxSnapshotLine bounds one JSONL line; payloads are capped well below it.
const maxSnapshotLine = 8 << 20

// readOptionalJSONL returns the valid lines of a snapshot file. A missing
// file reads as empty; blank and malformed lines are skipped.
func readOptionalJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	var lines []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxSnapshotLine)
	for sc.Scan() {
		if line := sc.Bytes(); len(line) > 0 && json.Valid(line) {
			lines = append(lines, append(json.RawMessage(nil), line...))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	return lines, nil
}

// writeJSONL replaces path with one line per record. The file is written
// beside the target, synced, then renamed over it.
func writeJSONL(path string, lines []json.RawMessage) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		// Errors stick to w and surface from Flush.
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
