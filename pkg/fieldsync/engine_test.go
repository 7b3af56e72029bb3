package fieldsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mesh-intelligence/fieldsync/internal/connectivity"
	"github.com/mesh-intelligence/fieldsync/internal/remote"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const project = "tower-a"

func testConfig(t *testing.T) types.Config {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Connectivity.ProbeInterval = 10 * time.Millisecond
	cfg.Connectivity.StableInterval = 20 * time.Millisecond
	return cfg
}

func openEngine(t *testing.T, cfg types.Config, opts ...Option) *Engine {
	t.Helper()
	eng, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func next(t *testing.T, ch <-chan types.StatusChange) types.StatusChange {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no status change")
		return types.StatusChange{}
	}
}

func newRFI(title string) *types.Record {
	return &types.Record{ProjectID: project, Payload: map[string]any{"title": title, "status": "open"}}
}

func TestEngine_SaveOfflineThenSyncNow(t *testing.T) {
	mem := remote.NewMemory()
	eng := openEngine(t, testConfig(t), WithRemote(mem))
	require.False(t, eng.Online())

	changes, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	rec, err := eng.SaveOffline(types.EntityRFI, newRFI("Beam clash"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.LocalRevision)

	status, err := eng.GetSyncStatus(types.EntityRFI, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, status)

	c := next(t, changes)
	assert.Equal(t, types.SyncStatus(""), c.From)
	assert.Equal(t, types.StatusPending, c.To)

	stats, err := eng.QueueStats(project)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStats{Total: 1, Ready: 1}, stats)

	res, err := eng.SyncNow(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acknowledged)

	assert.Equal(t, types.StatusSyncing, next(t, changes).To)
	assert.Equal(t, types.StatusSynced, next(t, changes).To)

	_, ok := mem.Lookup(types.EntityRFI, rec.ID)
	assert.True(t, ok)
	entries, err := eng.Queue(project)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_WithoutRemoteKeepsChangesQueued(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	require.True(t, eng.LocalOnly())

	rec, err := eng.SaveOffline(types.EntityDailyLog, &types.Record{
		ProjectID: project,
		Payload:   map[string]any{"weather": "rain", "crew": float64(14)},
	})
	require.NoError(t, err)

	// Connectivity alone never starts a drain.
	eng.ReportConnectivity(true)

	_, err = eng.SyncNow(context.Background(), project)
	assert.ErrorIs(t, err, types.ErrRemoteNotConfigured)
	_, err = eng.SyncAll(context.Background())
	assert.ErrorIs(t, err, types.ErrRemoteNotConfigured)
	_, err = eng.Retry(types.EntityDailyLog, rec.ID)
	assert.ErrorIs(t, err, types.ErrRemoteNotConfigured)
	_, err = eng.ResolveConflict(context.Background(), types.EntityDailyLog, rec.ID, types.OverrideLocal)
	assert.ErrorIs(t, err, types.ErrRemoteNotConfigured)

	time.Sleep(50 * time.Millisecond)
	status, err := eng.GetSyncStatus(types.EntityDailyLog, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, status)
	stats, err := eng.QueueStats(project)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStats{Total: 1, Ready: 1}, stats)
}

func TestEngine_RunDrainsWhenConnectivityReturns(t *testing.T) {
	mem := remote.NewMemory()
	var up atomic.Bool
	prober := connectivity.ProberFunc(func(context.Context) error {
		if up.Load() {
			return nil
		}
		return errors.New("no route to host")
	})
	eng := openEngine(t, testConfig(t), WithRemote(mem), WithProber(prober))

	rec, err := eng.SaveOffline(types.EntityRFI, newRFI("Curtain wall"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	status, err := eng.GetSyncStatus(types.EntityRFI, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, status, "nothing syncs while offline")

	up.Store(true)
	require.Eventually(t, func() bool {
		status, err := eng.GetSyncStatus(types.EntityRFI, rec.ID)
		return err == nil && status == types.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, eng.Online())

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_DeleteOfflineAndList(t *testing.T) {
	mem := remote.NewMemory()
	eng := openEngine(t, testConfig(t), WithRemote(mem))

	keep, err := eng.SaveOffline(types.EntityRFI, newRFI("keep"))
	require.NoError(t, err)
	drop, err := eng.SaveOffline(types.EntityRFI, newRFI("drop"))
	require.NoError(t, err)

	deleted, err := eng.DeleteOffline(types.EntityRFI, drop.ID, drop.LocalRevision)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = eng.DeleteOffline(types.EntityRFI, keep.ID, 99)
	assert.ErrorIs(t, err, types.ErrStaleWrite)

	list, err := eng.ListOffline(types.EntityRFI, project, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)

	_, err = eng.SyncNow(context.Background(), project)
	require.NoError(t, err)
	_, err = eng.Get(types.EntityRFI, drop.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, remote.Counts{Creates: 1}, mem.Counts(), "the deleted record never reached the remote")
}

func TestEngine_ConflictNeedsManualDecision(t *testing.T) {
	mem := remote.NewMemory()
	eng := openEngine(t, testConfig(t), WithRemote(mem))

	rec, err := eng.SaveOffline(types.EntityRFI, newRFI("Stair pressurization"))
	require.NoError(t, err)
	_, err = eng.SyncNow(context.Background(), project)
	require.NoError(t, err)

	mem.Seed(types.EntityRFI, &types.RemoteRecord{
		ID: rec.ID, ProjectID: project, UpdatedAt: time.Now().Add(time.Hour),
		Payload: map[string]any{"title": "Stair pressurization", "status": "answered"},
	})
	_, err = eng.DeleteOffline(types.EntityRFI, rec.ID, types.AnyRevision)
	require.NoError(t, err)

	res, err := eng.SyncNow(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	status, err := eng.GetSyncStatus(types.EntityRFI, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConflict, status)

	resolved, err := eng.ResolveConflict(context.Background(), types.EntityRFI, rec.ID, types.OverrideRemote)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSynced, resolved.SyncStatus)
	assert.Equal(t, "answered", resolved.Payload["status"])
	assert.False(t, resolved.Deleted)
}

func TestEngine_RetryAfterExhaustion(t *testing.T) {
	mem := remote.NewMemory()
	cfg := testConfig(t)
	cfg.Sync.MaxAttempts = 1
	eng := openEngine(t, cfg, WithRemote(mem))

	rec, err := eng.SaveOffline(types.EntityRFI, newRFI("Fireproofing"))
	require.NoError(t, err)
	mem.SetOffline(true)
	_, err = eng.SyncNow(context.Background(), project)
	require.NoError(t, err)
	status, _ := eng.GetSyncStatus(types.EntityRFI, rec.ID)
	require.Equal(t, types.StatusFailed, status)

	mem.SetOffline(false)
	n, err := eng.Retry(types.EntityRFI, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := eng.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, project, results[0].ProjectID)
	status, _ = eng.GetSyncStatus(types.EntityRFI, rec.ID)
	assert.Equal(t, types.StatusSynced, status)
}

func TestEngine_PurgePublishesChange(t *testing.T) {
	eng := openEngine(t, testConfig(t), WithRemote(remote.NewMemory()))
	rec, err := eng.SaveOffline(types.EntityRFI, newRFI("scratch"))
	require.NoError(t, err)

	changes, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	require.NoError(t, eng.Purge(types.EntityRFI, rec.ID))
	c := next(t, changes)
	assert.True(t, c.Purged)
	assert.Equal(t, rec.ID, c.ID)

	_, err = eng.SaveOffline(types.EntityRFI, &types.Record{ID: rec.ID, ProjectID: project})
	assert.ErrorIs(t, err, types.ErrTombstoned)
}

func TestEngine_ExportImport(t *testing.T) {
	src := openEngine(t, testConfig(t), WithRemote(remote.NewMemory()))
	for _, title := range []string{"one", "two", "three"} {
		_, err := src.SaveOffline(types.EntityRFI, newRFI(title))
		require.NoError(t, err)
	}
	dir := t.TempDir()
	require.NoError(t, src.Export(dir))

	dst := openEngine(t, testConfig(t), WithRemote(remote.NewMemory()))
	nRecords, nEntries, err := dst.Import(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, nRecords)
	assert.Equal(t, 3, nEntries)

	want, err := src.ListOffline(types.EntityRFI, project, &types.ListFilter{OrderByID: true})
	require.NoError(t, err)
	got, err := dst.ListOffline(types.EntityRFI, project, &types.ListFilter{OrderByID: true})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("imported records differ (-want +got):\n%s", diff)
	}
}

func TestEngine_SubscribeAndClose(t *testing.T) {
	eng, err := Open(testConfig(t), WithRemote(remote.NewMemory()))
	require.NoError(t, err)

	a, unsubscribeA := eng.Subscribe()
	b, _ := eng.Subscribe()

	unsubscribeA()
	unsubscribeA()
	_, ok := <-a
	assert.False(t, ok)

	require.NoError(t, eng.Close())
	_, ok = <-b
	assert.False(t, ok, "Close ends subscriptions")

	late, _ := eng.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.BatchSize = 0
	_, err := Open(cfg)
	assert.ErrorIs(t, err, types.ErrBatchSizeInvalid)
}
