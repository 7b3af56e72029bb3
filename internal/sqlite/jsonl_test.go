package sqlite

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestReadJSONL_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.jsonl")
	content := `{"id":"a"}

not json
{"id":"b"
{"id":"c"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := readOptionalJSONL(path)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"a"}`, string(lines[0]))
	assert.JSONEq(t, `{"id":"c"}`, string(lines[1]))

	lines, err = readOptionalJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestWriteJSONL_ReplacesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	require.NoError(t, writeJSONL(path, []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)}))
	require.NoError(t, writeJSONL(path, []json.RawMessage{json.RawMessage(`{"n":3}`)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"n\":3}\n", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".out.jsonl-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src, clock := newAttachedBackend(t)

	kept, _, err := src.Stage(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{
		"subject": "Door hardware spec",
		"answers": []any{map[string]any{"by": "architect", "text": "Use type B"}},
	}), types.OpCreate)
	require.NoError(t, err)
	_, err = src.SetSyncState(types.EntityRFI, kept.ID, kept.LocalRevision, types.SyncState{Status: types.StatusSyncing})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	gone, _, err := src.Stage(types.EntityDailyLog, &types.Record{ProjectID: "p1", Payload: map[string]any{"crew": 12.0}}, types.OpCreate)
	require.NoError(t, err)
	_, _, err = src.Stage(types.EntityDailyLog, gone, types.OpDelete)
	require.NoError(t, err)

	failed, err := src.Enqueue(&types.QueueEntry{
		Operation: types.OpUpdate, EntityType: types.EntitySubmittal, EntityID: "sub-9", ProjectID: "p2",
		Payload: json.RawMessage(`{"rev":"B"}`),
	})
	require.NoError(t, err)
	_, err = src.MarkFailed(failed.EntryID, errors.New("503 from upstream"))
	require.NoError(t, err)

	purged, err := src.Put(types.EntityRFI, rfi("p1", "rfi-purged", map[string]any{"subject": "Duplicate"}))
	require.NoError(t, err)
	_, err = src.Delete(types.EntityRFI, purged.ID, purged.LocalRevision)
	require.NoError(t, err)
	require.NoError(t, src.Purge(types.EntityRFI, purged.ID))

	dir := t.TempDir()
	require.NoError(t, src.Export(dir))
	assert.FileExists(t, filepath.Join(dir, TombstonesFile))

	dst, _ := newAttachedBackend(t)
	nRecords, nEntries, err := dst.Import(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, nRecords)
	assert.Equal(t, 3, nEntries)

	for _, key := range []struct{ typ, id string }{{types.EntityRFI, kept.ID}, {types.EntityDailyLog, gone.ID}} {
		want, err := src.Get(key.typ, key.id)
		require.NoError(t, err)
		got, err := dst.Get(key.typ, key.id)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("record %s/%s mismatch (-want +got):\n%s", key.typ, key.id, diff)
		}
	}

	wantEntries, err := src.Entries("")
	require.NoError(t, err)
	gotEntries, err := dst.Entries("")
	require.NoError(t, err)
	if diff := cmp.Diff(wantEntries, gotEntries, cmpopts.IgnoreFields(types.QueueEntry{}, "Seq")); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}

	// The purged id stays reserved in the restored store.
	_, err = dst.Put(types.EntityRFI, rfi("p1", purged.ID, map[string]any{"subject": "Reused"}))
	assert.ErrorIs(t, err, types.ErrTombstoned)
	_, err = dst.Get(types.EntityRFI, purged.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// A store holding only purged ids is not empty.
	_, _, err = dst.Import(dir)
	assert.ErrorIs(t, err, types.ErrStoreNotEmpty)
}

func TestImport_RequiresEmptyStore(t *testing.T) {
	b, _ := newAttachedBackend(t)
	_, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	require.NoError(t, err)

	_, _, err = b.Import(t.TempDir())
	assert.ErrorIs(t, err, types.ErrStoreNotEmpty)
}

func TestImport_MissingFilesAreEmpty(t *testing.T) {
	b, _ := newAttachedBackend(t)

	nRecords, nEntries, err := b.Import(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, nRecords)
	assert.Zero(t, nEntries)
}

func TestImport_SkipsInvalidLines(t *testing.T) {
	dir := t.TempDir()
	records := `{"id":"rfi-1","project_id":"p1","entity_type":"rfi","payload":{},"sync_status":"pending","local_updated_at":"2026-05-04T08:00:00Z","local_revision":1}
{"id":"x","project_id":"p1","entity_type":"invoice","payload":{}}
{"id":"","project_id":"p1","entity_type":"rfi"}
`
	queue := `{"entry_id":"e-1","operation":"create","entity_type":"rfi","entity_id":"rfi-1","project_id":"p1","enqueued_at":"2026-05-04T08:00:00Z"}
{"entry_id":"e-2","operation":"upsert","entity_type":"rfi","entity_id":"rfi-1","project_id":"p1"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecordsFile), []byte(records), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, QueueFile), []byte(queue), 0o644))

	b, _ := newAttachedBackend(t)
	nRecords, nEntries, err := b.Import(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, nRecords)
	assert.Equal(t, 1, nEntries)

	batch, err := b.DequeueBatch("p1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "e-1", batch[0].EntryID)
}
