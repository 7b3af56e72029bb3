package sqlite

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// testClock is a settable clock shared by a backend under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func testConfig(dir string) types.Config {
	cfg := types.DefaultConfig()
	cfg.DataDir = dir
	cfg.Sync.MaxAttempts = 3
	cfg.Sync.BatchSize = 10
	return cfg
}

// newAttachedBackend returns a backend attached to a temp dir and detached
// at cleanup.
func newAttachedBackend(t *testing.T) (*Backend, *testClock) {
	t.Helper()
	clock := newTestClock()
	b := NewBackend(WithClock(clock.Now))
	require.NoError(t, b.Attach(testConfig(t.TempDir())))
	t.Cleanup(func() { b.Detach() })
	return b, clock
}

func rfi(project, id string, payload map[string]any) *types.Record {
	return &types.Record{
		ID:         id,
		ProjectID:  project,
		EntityType: types.EntityRFI,
		Payload:    payload,
	}
}
