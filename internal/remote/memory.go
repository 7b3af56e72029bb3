// Package remote provides implementations of the remote entity service:
// an in-process Memory service, an HTTP Client, and a Handler that serves a
// Memory over HTTP.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Method names passed to a Hook.
const (
	MethodFetch  = "fetch"
	MethodCreate = "create"
	MethodUpdate = "update"
	MethodDelete = "delete"
)

// Counts reports the writes a Memory has applied.
type Counts struct {
	Creates int
	Updates int
	Deletes int
}

// Hook runs before a Memory call is applied, outside the lock.
type Hook func(ctx context.Context, method, entityType, id string)

type recordKey struct {
	entityType string
	id         string
}

// Memory is an in-process remote entity service. It stamps writes with its
// own clock and supports fault injection.
type Memory struct {
	mu       sync.Mutex
	records  map[recordKey]*types.RemoteRecord
	now      func() time.Time
	offline  bool
	failures []error
	counts   Counts
	hook     Hook
}

var _ types.RemoteService = (*Memory)(nil)

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock that stamps remote writes.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty service.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[recordKey]*types.RemoteRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed stores rec as written by another actor, keeping its UpdatedAt.
func (m *Memory) Seed(entityType string, rec *types.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rec.Clone()
	c.EntityType = entityType
	m.records[recordKey{entityType, rec.ID}] = c
}

// Remove deletes a record as another actor would.
func (m *Memory) Remove(entityType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordKey{entityType, id})
}

// Lookup returns a copy of the stored record, bypassing faults and hooks.
func (m *Memory) Lookup(entityType, id string) (*types.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{entityType, id}]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// SetOffline makes every call fail with types.ErrTransientNetwork.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n calls fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// SetHook installs a hook run before every call.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Counts returns the applied write counts.
func (m *Memory) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Fetch implements types.RemoteService.
func (m *Memory) Fetch(ctx context.Context, entityType, id string) (*types.RemoteRecord, error) {
	if err := m.begin(ctx, MethodFetch, entityType, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return nil, err
	}
	rec, ok := m.records[recordKey{entityType, id}]
	if !ok {
		return nil, fmt.Errorf("%w: remote %s/%s", types.ErrNotFound, entityType, id)
	}
	return rec.Clone(), nil
}

// Create implements types.RemoteService. Creating an existing id overwrites
// it so a retried create whose ack was lost is harmless.
func (m *Memory) Create(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	if rec == nil {
		return types.Ack{}, types.ErrInvalidData
	}
	if err := m.begin(ctx, MethodCreate, entityType, rec.ID); err != nil {
		return types.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return types.Ack{}, err
	}
	m.counts.Creates++
	return m.storeLocked(entityType, rec), nil
}

// Update implements types.RemoteService.
func (m *Memory) Update(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	if rec == nil {
		return types.Ack{}, types.ErrInvalidData
	}
	if err := m.begin(ctx, MethodUpdate, entityType, rec.ID); err != nil {
		return types.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return types.Ack{}, err
	}
	if _, ok := m.records[recordKey{entityType, rec.ID}]; !ok {
		return types.Ack{}, fmt.Errorf("%w: remote %s/%s", types.ErrNotFound, entityType, rec.ID)
	}
	m.counts.Updates++
	return m.storeLocked(entityType, rec), nil
}

// Delete implements types.RemoteService.
func (m *Memory) Delete(ctx context.Context, entityType string, rec *types.RemoteRecord) (types.Ack, error) {
	if rec == nil {
		return types.Ack{}, types.ErrInvalidData
	}
	if err := m.begin(ctx, MethodDelete, entityType, rec.ID); err != nil {
		return types.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return types.Ack{}, err
	}
	key := recordKey{entityType, rec.ID}
	if _, ok := m.records[key]; !ok {
		return types.Ack{}, fmt.Errorf("%w: remote %s/%s", types.ErrNotFound, entityType, rec.ID)
	}
	delete(m.records, key)
	m.counts.Deletes++
	return types.Ack{UpdatedAt: m.now().UTC()}, nil
}

func (m *Memory) begin(ctx context.Context, method, entityType, id string) error {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, method, entityType, id)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
	return nil
}

func (m *Memory) faultLocked() error {
	if m.offline {
		return fmt.Errorf("%w: remote unreachable", types.ErrTransientNetwork)
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func (m *Memory) storeLocked(entityType string, rec *types.RemoteRecord) types.Ack {
	c := rec.Clone()
	c.EntityType = entityType
	c.UpdatedAt = m.now().UTC()
	m.records[recordKey{entityType, rec.ID}] = c
	return types.Ack{UpdatedAt: c.UpdatedAt}
}
