package sqlite

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestBackend_Attach(t *testing.T) {
	tmpDir := t.TempDir()
	b := NewBackend()
	config := testConfig(tmpDir)

	require.NoError(t, b.Attach(config))
	defer b.Detach()

	_, err := os.Stat(filepath.Join(tmpDir, DatabaseFile))
	assert.NoError(t, err, "database file not created")
	assert.Equal(t, filepath.Join(tmpDir, DatabaseFile), b.Path())
	assert.Equal(t, 2, b.SchemaVersion())

	assert.ErrorIs(t, b.Attach(config), types.ErrAlreadyAttached)
}

func TestBackend_AttachRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Backend = "postgres"

	b := NewBackend()
	assert.ErrorIs(t, b.Attach(cfg), types.ErrBackendUnknown)
	_, err := b.Get(types.EntityRFI, "x")
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestBackend_Detach(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(testConfig(t.TempDir())))

	require.NoError(t, b.Detach())
	assert.NoError(t, b.Detach(), "second Detach should not error")

	_, err := b.Put(types.EntityRFI, rfi("p1", "", nil))
	assert.ErrorIs(t, err, types.ErrStoreDetached)
	_, err = b.DequeueBatch("", 10)
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestBackend_RecordsSurviveRestart(t *testing.T) {
	tmpDir := t.TempDir()
	clock := newTestClock()

	b := NewBackend(WithClock(clock.Now))
	require.NoError(t, b.Attach(testConfig(tmpDir)))
	saved, entry, err := b.Stage(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{
		"subject":  "Beam clash at grid C4",
		"priority": "high",
		"refs":     []any{"S-201", "A-101"},
	}), types.OpCreate)
	require.NoError(t, err)
	require.NoError(t, b.Detach())

	reopened := NewBackend(WithClock(clock.Now))
	require.NoError(t, reopened.Attach(testConfig(tmpDir)))
	defer reopened.Detach()

	got, err := reopened.Get(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	if diff := cmp.Diff(saved, got); diff != "" {
		t.Errorf("record changed across restart (-want +got):\n%s", diff)
	}

	entries, err := reopened.Entries("p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.EntryID, entries[0].EntryID)
}

func TestBackend_ReleasesClaimsOnAttach(t *testing.T) {
	tmpDir := t.TempDir()
	b := NewBackend()
	require.NoError(t, b.Attach(testConfig(tmpDir)))
	_, entry, err := b.Stage(types.EntityRFI, rfi("p1", "rfi-1", nil), types.OpCreate)
	require.NoError(t, err)
	require.NoError(t, b.Claim(entry.EntryID))
	require.NoError(t, b.Detach())

	require.NoError(t, b.Attach(testConfig(tmpDir)))
	defer b.Detach()
	batch, err := b.DequeueBatch("p1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].InFlight)
}

func TestBackend_StorageQuotaExceeded(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.QuotaBytes = 256 * 1024

	b := NewBackend()
	require.NoError(t, b.Attach(cfg))
	defer b.Detach()

	small, err := b.Put(types.EntityDailyLog, &types.Record{
		ProjectID: "p1",
		Payload:   map[string]any{"weather": "clear"},
	})
	require.NoError(t, err)

	_, err = b.Put(types.EntityDailyLog, &types.Record{
		ProjectID: "p1",
		Payload:   map[string]any{"notes": strings.Repeat("concrete pour ", 100_000)},
	})
	require.ErrorIs(t, err, types.ErrStorageQuotaExceeded)

	// Existing data is untouched and the store stays usable.
	got, err := b.Get(types.EntityDailyLog, small.ID)
	require.NoError(t, err)
	assert.Equal(t, "clear", got.Payload["weather"])
	list, err := b.List(types.EntityDailyLog, "p1", nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "/d/f.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dsn("/d/f.db", 0))
	assert.Equal(t, "/d/f.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=max_page_count(2)", dsn("/d/f.db", 8192))
	assert.Contains(t, dsn("/d/f.db", 10), "max_page_count(1)")
}
