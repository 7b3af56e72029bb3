package sqlite

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestPut_Create(t *testing.T) {
	b, clock := newAttachedBackend(t)

	got, err := b.Put(types.EntityRFI, rfi("p1", "", map[string]any{"subject": "Door hardware"}))
	require.NoError(t, err)

	assert.NotEmpty(t, got.ID, "id should be generated")
	assert.Equal(t, int64(1), got.LocalRevision)
	assert.Equal(t, types.StatusPending, got.SyncStatus)
	assert.Equal(t, clock.Now(), got.LocalUpdatedAt)
	assert.Nil(t, got.RemoteUpdatedAt)
	assert.False(t, got.Deleted)
}

func TestPut_ReadCompareWrite(t *testing.T) {
	b, clock := newAttachedBackend(t)

	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{"subject": "a"}))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	edit := v1.Clone()
	edit.Payload["subject"] = "b"
	v2, err := b.Put(types.EntityRFI, edit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.LocalRevision)
	assert.Equal(t, clock.Now(), v2.LocalUpdatedAt)

	// A writer still holding revision 1 lost the race.
	stale := v1.Clone()
	stale.Payload["subject"] = "c"
	_, err = b.Put(types.EntityRFI, stale)
	require.ErrorIs(t, err, types.ErrStaleWrite)

	got, err := b.Get(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Payload["subject"])

	// Creating over an existing id without reading it first is stale too.
	_, err = b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	assert.ErrorIs(t, err, types.ErrStaleWrite)

	// A non-zero revision for an unknown id is stale.
	ghost := rfi("p1", "rfi-ghost", nil)
	ghost.LocalRevision = 4
	_, err = b.Put(types.EntityRFI, ghost)
	assert.ErrorIs(t, err, types.ErrStaleWrite)
}

func TestPut_Validation(t *testing.T) {
	b, _ := newAttachedBackend(t)

	tests := []struct {
		name       string
		entityType string
		rec        *types.Record
		wantErr    error
	}{
		{"nil record", types.EntityRFI, nil, types.ErrInvalidData},
		{"unknown entity type", "invoice", &types.Record{ProjectID: "p1"}, types.ErrInvalidEntityType},
		{"type mismatch", types.EntityRFI, &types.Record{ProjectID: "p1", EntityType: types.EntitySubmittal}, types.ErrInvalidEntityType},
		{"missing project", types.EntityRFI, &types.Record{}, types.ErrInvalidProject},
		{"padded id", types.EntityRFI, &types.Record{ProjectID: "p1", ID: "x "}, types.ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Put(tt.entityType, tt.rec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPut_RejectsProjectMove(t *testing.T) {
	b, _ := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	require.NoError(t, err)

	moved := v1.Clone()
	moved.ProjectID = "p2"
	_, err = b.Put(types.EntityRFI, moved)
	assert.ErrorIs(t, err, types.ErrInvalidProject)
}

func TestPut_KeepsConflictStatus(t *testing.T) {
	b, _ := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	require.NoError(t, err)
	_, err = b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision, types.SyncState{Status: types.StatusSyncing})
	require.NoError(t, err)
	_, err = b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision, types.SyncState{Status: types.StatusConflict})
	require.NoError(t, err)

	v2, err := b.Put(types.EntityRFI, v1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConflict, v2.SyncStatus)
}

// A device clock behind the server must not date an edit before the sync
// it follows.
func TestPut_StampsEditsAfterLastSync(t *testing.T) {
	b, clock := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{"subject": "a"}))
	require.NoError(t, err)

	serverAt := clock.Now().Add(time.Hour)
	synced, err := b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision,
		types.SyncState{Status: types.StatusSynced, RemoteUpdatedAt: &serverAt})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	edit := synced.Clone()
	edit.Payload["subject"] = "b"
	v2, err := b.Put(types.EntityRFI, edit)
	require.NoError(t, err)
	assert.True(t, v2.LocalUpdatedAt.After(serverAt), "edit stamped %v, last sync %v", v2.LocalUpdatedAt, serverAt)

	got, err := b.Get(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	assert.Equal(t, v2.LocalUpdatedAt, got.LocalUpdatedAt)

	tomb, err := b.Delete(types.EntityRFI, "rfi-1", v2.LocalRevision)
	require.NoError(t, err)
	assert.True(t, tomb.LocalUpdatedAt.After(serverAt))

	// An edit made while an earlier snapshot was being pushed is dated after
	// the acknowledged write.
	v3, err := b.Put(types.EntityRFI, rfi("p1", "rfi-2", map[string]any{"subject": "c"}))
	require.NoError(t, err)
	ackAt := serverAt.Add(time.Hour)
	kept, err := b.SetSyncState(types.EntityRFI, "rfi-2", v3.LocalRevision,
		types.SyncState{Status: types.StatusPending, RemoteUpdatedAt: &ackAt})
	require.NoError(t, err)
	assert.Equal(t, v3.LocalUpdatedAt, kept.LocalUpdatedAt, "plain sync state keeps the local time")
	moved, err := b.SetSyncState(types.EntityRFI, "rfi-2", v3.LocalRevision,
		types.SyncState{Status: types.StatusPending, RemoteUpdatedAt: &ackAt, EditedSince: true})
	require.NoError(t, err)
	assert.Equal(t, ackAt.Add(time.Nanosecond), moved.LocalUpdatedAt)
	got, err = b.Get(types.EntityRFI, "rfi-2")
	require.NoError(t, err)
	assert.Equal(t, moved.LocalUpdatedAt, got.LocalUpdatedAt)

	// A clock ahead of the last sync is used as is.
	assert.Equal(t, serverAt.Add(time.Second), editTime(serverAt.Add(time.Second), &serverAt))
	assert.Equal(t, serverAt, editTime(serverAt, nil))
}

func TestGet_NotFound(t *testing.T) {
	b, _ := newAttachedBackend(t)

	_, err := b.Get(types.EntityRFI, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = b.Get(types.EntityRFI, "")
	assert.ErrorIs(t, err, types.ErrInvalidID)
	_, err = b.Get("invoice", "x")
	assert.ErrorIs(t, err, types.ErrInvalidEntityType)
}

func TestList_OrderingAndFilters(t *testing.T) {
	b, clock := newAttachedBackend(t)

	for _, id := range []string{"a", "b", "c"} {
		clock.Advance(time.Second)
		_, err := b.Put(types.EntitySubmittal, &types.Record{ID: id, ProjectID: "p1"})
		require.NoError(t, err)
	}
	_, err := b.Put(types.EntitySubmittal, &types.Record{ID: "other", ProjectID: "p2"})
	require.NoError(t, err)
	rec, err := b.Get(types.EntitySubmittal, "b")
	require.NoError(t, err)
	_, err = b.SetSyncState(types.EntitySubmittal, "b", rec.LocalRevision, types.SyncState{Status: types.StatusSyncing})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = b.Delete(types.EntitySubmittal, "a", types.AnyRevision)
	require.NoError(t, err)

	ids := func(recs []*types.Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter *types.ListFilter
		want   []string
	}{
		{"default newest first without tombstones", nil, []string{"c", "b"}},
		{"include deleted", &types.ListFilter{IncludeDeleted: true}, []string{"a", "c", "b"}},
		{"ascending", &types.ListFilter{Ascending: true}, []string{"b", "c"}},
		{"by status", &types.ListFilter{Status: types.StatusSyncing}, []string{"b"}},
		{"by id with limit", &types.ListFilter{OrderByID: true, Ascending: true, IncludeDeleted: true, Limit: 2}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.List(types.EntitySubmittal, "p1", tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestDelete_Tombstones(t *testing.T) {
	b, clock := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{"subject": "x"}))
	require.NoError(t, err)

	_, err = b.Delete(types.EntityRFI, "rfi-1", 7)
	require.ErrorIs(t, err, types.ErrStaleWrite)

	clock.Advance(time.Minute)
	tomb, err := b.Delete(types.EntityRFI, "rfi-1", v1.LocalRevision)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, int64(2), tomb.LocalRevision)
	assert.Equal(t, types.StatusPending, tomb.SyncStatus)
	assert.Equal(t, clock.Now(), tomb.LocalUpdatedAt)

	got, err := b.Get(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, "x", got.Payload["subject"])

	_, err = b.Put(types.EntityRFI, got)
	assert.ErrorIs(t, err, types.ErrTombstoned)
	_, err = b.Delete(types.EntityRFI, "rfi-1", types.AnyRevision)
	assert.ErrorIs(t, err, types.ErrTombstoned)
	_, err = b.Delete(types.EntityRFI, "missing", types.AnyRevision)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPurge_ReservesID(t *testing.T) {
	b, _ := newAttachedBackend(t)
	_, _, err := b.Stage(types.EntityRFI, rfi("p1", "rfi-1", nil), types.OpCreate)
	require.NoError(t, err)

	require.NoError(t, b.Purge(types.EntityRFI, "rfi-1"))

	_, err = b.Get(types.EntityRFI, "rfi-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	entries, err := b.EntriesFor(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	assert.ErrorIs(t, err, types.ErrTombstoned)
	_, err = b.Delete(types.EntityRFI, "rfi-1", types.AnyRevision)
	assert.ErrorIs(t, err, types.ErrTombstoned)

	assert.NoError(t, b.Purge(types.EntityRFI, "rfi-1"), "second purge is a no-op")
	assert.ErrorIs(t, b.Purge(types.EntityRFI, "never-existed"), types.ErrNotFound)
}

func TestSetSyncState(t *testing.T) {
	b, _ := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", nil))
	require.NoError(t, err)

	_, err = b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision+1, types.SyncState{Status: types.StatusSyncing})
	require.ErrorIs(t, err, types.ErrStaleWrite)

	_, err = b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision, types.SyncState{Status: types.StatusSynced})
	require.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision, types.SyncState{Status: types.StatusSyncing})
	require.NoError(t, err)

	remoteAt := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	got, err := b.SetSyncState(types.EntityRFI, "rfi-1", v1.LocalRevision, types.SyncState{
		Status:          types.StatusSynced,
		RemoteUpdatedAt: &remoteAt,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSynced, got.SyncStatus)
	assert.Equal(t, remoteAt, *got.RemoteUpdatedAt)
	assert.Equal(t, v1.LocalRevision, got.LocalRevision, "sync state must not bump the revision")

	reread, err := b.Get(types.EntityRFI, "rfi-1")
	require.NoError(t, err)
	if diff := cmp.Diff(got, reread); diff != "" {
		t.Errorf("stored state differs (-returned +stored):\n%s", diff)
	}
}

func TestApplyRemote(t *testing.T) {
	b, _ := newAttachedBackend(t)
	v1, err := b.Put(types.EntityRFI, rfi("p1", "rfi-1", map[string]any{"subject": "local"}))
	require.NoError(t, err)
	tomb, err := b.Delete(types.EntityRFI, "rfi-1", v1.LocalRevision)
	require.NoError(t, err)

	remoteAt := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	remote := &types.RemoteRecord{
		ID:         "rfi-1",
		ProjectID:  "p1",
		EntityType: types.EntityRFI,
		Payload:    map[string]any{"subject": "remote"},
		UpdatedAt:  remoteAt,
	}

	_, err = b.ApplyRemote(types.EntityRFI, v1.LocalRevision, remote)
	require.ErrorIs(t, err, types.ErrStaleWrite)

	got, err := b.ApplyRemote(types.EntityRFI, tomb.LocalRevision, remote)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Equal(t, types.StatusSynced, got.SyncStatus)
	assert.Equal(t, tomb.LocalRevision+1, got.LocalRevision)
	assert.Equal(t, remoteAt, got.LocalUpdatedAt)
	assert.Equal(t, remoteAt, *got.RemoteUpdatedAt)
	assert.Equal(t, map[string]any{"subject": "remote"}, got.Payload)

	_, err = b.ApplyRemote(types.EntityRFI, types.AnyRevision, &types.RemoteRecord{ID: "missing"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPayloadRoundTrip(t *testing.T) {
	b, _ := newAttachedBackend(t)
	payload := map[string]any{
		"subject":   "Slab edge detail",
		"question":  "Confirm embed spacing at level 3",
		"due":       "2026-05-12",
		"cost":      1250.5,
		"urgent":    true,
		"assignees": []any{"structural", "architect"},
		"location":  map[string]any{"level": 3.0, "grid": "B-7"},
	}

	saved, err := b.Put(types.EntityRFI, rfi("p1", "rfi-rt", payload))
	require.NoError(t, err)
	got, err := b.Get(types.EntityRFI, "rfi-rt")
	require.NoError(t, err)

	if diff := cmp.Diff(payload, got.Payload); diff != "" {
		t.Errorf("payload round trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(saved, got); diff != "" {
		t.Errorf("record round trip (-want +got):\n%s", diff)
	}
}
