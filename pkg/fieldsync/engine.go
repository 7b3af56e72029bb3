// Package fieldsync is the public API of the offline sync engine.
//
// An Engine owns the local store, the change queue, the connectivity monitor
// and the sync coordinator. Callers save and delete records offline, read
// them back with their sync status, and subscribe to status changes to
// render sync indicators. Run drives background drains.
//
// Example:
//
//	eng, err := fieldsync.Open(cfg, fieldsync.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//	rec, err := eng.SaveOffline(types.EntityRFI, &types.Record{ProjectID: "tower-a", Payload: payload})
package fieldsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/fieldsync/internal/connectivity"
	"github.com/mesh-intelligence/fieldsync/internal/coordinator"
	"github.com/mesh-intelligence/fieldsync/internal/remote"
	"github.com/mesh-intelligence/fieldsync/internal/sqlite"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Version is the engine release.
const Version = "0.3.0"

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// SyncResult summarizes one drain.
type SyncResult = coordinator.Result

// Engine is the offline sync engine. Create it with Open and release it with
// Close.
type Engine struct {
	cfg     types.Config
	store   *sqlite.Backend
	remote  types.RemoteService
	coord   *coordinator.Coordinator
	monitor *connectivity.Monitor
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	subs   map[int]chan types.StatusChange
	nextID int
	closed bool
}

type options struct {
	logger *zap.Logger
	remote types.RemoteService
	prober connectivity.Prober
	now    func() time.Time
	manual bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRemote replaces the remote entity service chosen from cfg.Remote.
func WithRemote(r types.RemoteService) Option {
	return func(o *options) { o.remote = r }
}

// WithProber replaces the connectivity probe.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithManualSync disables background drains. Queued changes sync only on
// SyncNow or SyncAll.
func WithManualSync() Option {
	return func(o *options) { o.manual = true }
}

// Open validates cfg, opens the local store (running migrations) and wires
// the components. With no remote URL and no WithRemote the engine is
// local-only: changes queue up and the sync operations return
// types.ErrRemoteNotConfigured.
func Open(cfg types.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	store := sqlite.NewBackend(sqlite.WithClock(o.now))
	if err := store.Attach(cfg); err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	svc := o.remote
	if svc == nil && cfg.Remote.URL != "" {
		svc = remote.NewClient(cfg.Remote.URL, cfg.Remote.Timeout)
		if cfg.Connectivity.ProbeURL == "" {
			cfg.Connectivity.ProbeURL = strings.TrimRight(cfg.Remote.URL, "/") + remote.HealthPath
		}
	}

	monitorOpts := []connectivity.Option{
		connectivity.WithLogger(o.logger.Named("connectivity")),
		connectivity.WithClock(o.now),
	}
	if o.prober != nil {
		monitorOpts = append(monitorOpts, connectivity.WithProber(o.prober))
	}
	monitor := connectivity.New(cfg.Connectivity, monitorOpts...)

	e := &Engine{
		cfg:     cfg,
		store:   store,
		remote:  svc,
		monitor: monitor,
		logger:  o.logger,
		now:     o.now,
		subs:    make(map[int]chan types.StatusChange),
	}
	gate := monitor.Online
	if o.manual || svc == nil {
		gate = func() bool { return false }
	}
	e.coord = coordinator.New(store, svc, cfg.Sync,
		coordinator.WithLogger(o.logger.Named("coordinator")),
		coordinator.WithClock(o.now),
		coordinator.WithGate(gate))
	e.coord.OnStatusChange(e.publish)

	o.logger.Info("engine opened",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("schema_version", store.SchemaVersion()),
		zap.Bool("local_only", svc == nil))
	return e, nil
}

// LocalOnly reports whether the engine has no remote service to sync with.
func (e *Engine) LocalOnly() bool { return e.remote == nil }

// Config returns the effective configuration.
func (e *Engine) Config() types.Config { return e.cfg }

// SaveOffline writes rec to the local store and queues it for sync. A record
// without an id is created with a new one; otherwise rec.LocalRevision must
// match the stored revision. A background drain is requested.
func (e *Engine) SaveOffline(entityType string, rec *types.Record) (*types.Record, error) {
	if rec == nil {
		return nil, types.ErrInvalidData
	}
	from := types.SyncStatus("")
	if rec.ID != "" {
		if prev, err := e.store.Get(entityType, rec.ID); err == nil {
			from = prev.SyncStatus
		}
	}
	stored, _, err := e.store.Stage(entityType, rec, types.OpUpdate)
	if err != nil {
		return nil, err
	}
	e.publishChange(stored, from, false)
	e.coord.Trigger(stored.ProjectID)
	return stored, nil
}

// DeleteOffline tombstones a record and queues the delete. Pass
// types.AnyRevision to skip the revision check.
func (e *Engine) DeleteOffline(entityType, id string, expectedRevision int64) (*types.Record, error) {
	prev, err := e.store.Get(entityType, id)
	if err != nil {
		return nil, err
	}
	stored, _, err := e.store.Stage(entityType, &types.Record{ID: id, LocalRevision: expectedRevision}, types.OpDelete)
	if err != nil {
		return nil, err
	}
	e.publishChange(stored, prev.SyncStatus, false)
	e.coord.Trigger(stored.ProjectID)
	return stored, nil
}

// Get returns a record, tombstones included.
func (e *Engine) Get(entityType, id string) (*types.Record, error) {
	return e.store.Get(entityType, id)
}

// ListOffline returns a project's records; see types.ListFilter for the
// defaults.
func (e *Engine) ListOffline(entityType, projectID string, filter *types.ListFilter) ([]*types.Record, error) {
	return e.store.List(entityType, projectID, filter)
}

// GetSyncStatus returns a record's sync status.
func (e *Engine) GetSyncStatus(entityType, id string) (types.SyncStatus, error) {
	rec, err := e.store.Get(entityType, id)
	if err != nil {
		return "", err
	}
	return rec.SyncStatus, nil
}

// Purge removes a record and its queued entries without syncing.
func (e *Engine) Purge(entityType, id string) error {
	rec, err := e.store.Get(entityType, id)
	if err != nil {
		return err
	}
	if err := e.store.Purge(entityType, id); err != nil {
		return err
	}
	e.publishChange(rec, rec.SyncStatus, true)
	return nil
}

// Queue returns a project's queued entries in order. An empty projectID
// spans every project.
func (e *Engine) Queue(projectID string) ([]*types.QueueEntry, error) {
	return e.store.Entries(projectID)
}

// QueueStats summarizes a project's queue.
func (e *Engine) QueueStats(projectID string) (types.QueueStats, error) {
	return e.store.Stats(projectID)
}

// Discard drops a queue entry on explicit user request.
func (e *Engine) Discard(entryID string) error {
	return e.store.Discard(entryID)
}

// ResolveConflict applies a manual decision to an entity in conflict. The
// record is nil when keeping the remote side purged it.
func (e *Engine) ResolveConflict(ctx context.Context, entityType, id string, choice types.Override) (*types.Record, error) {
	if e.LocalOnly() {
		return nil, types.ErrRemoteNotConfigured
	}
	return e.coord.ResolveConflict(ctx, entityType, id, choice)
}

// Retry gives an entity's queued entries a fresh attempt budget.
func (e *Engine) Retry(entityType, id string) (int, error) {
	if e.LocalOnly() {
		return 0, types.ErrRemoteNotConfigured
	}
	return e.coord.Retry(entityType, id)
}

// SyncNow drains one project synchronously, regardless of connectivity.
func (e *Engine) SyncNow(ctx context.Context, projectID string) (SyncResult, error) {
	if e.LocalOnly() {
		return SyncResult{}, types.ErrRemoteNotConfigured
	}
	return e.coord.Drain(ctx, projectID)
}

// SyncAll drains every project with ready entries, one after another.
func (e *Engine) SyncAll(ctx context.Context) ([]SyncResult, error) {
	if e.LocalOnly() {
		return nil, types.ErrRemoteNotConfigured
	}
	projects, err := e.store.Projects()
	if err != nil {
		return nil, err
	}
	results := make([]SyncResult, 0, len(projects))
	for _, p := range projects {
		res, err := e.coord.Drain(ctx, p)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Stop ends a project's running drain after the entry in flight.
func (e *Engine) Stop(projectID string) {
	e.coord.Stop(projectID)
}

// Online reports the connectivity monitor's state.
func (e *Engine) Online() bool { return e.monitor.Online() }

// ReportConnectivity feeds an outside observation (for example an OS network
// callback) to the monitor.
func (e *Engine) ReportConnectivity(online bool) { e.monitor.Report(online) }

// Subscribe returns a channel of status changes and a func that unsubscribes
// and closes it. Changes are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe() (<-chan types.StatusChange, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan types.StatusChange, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Run probes connectivity and triggers drains for every project with ready
// entries when the device comes online and every sync interval. It returns
// when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	events, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.monitor.Run(ctx) })
	g.Go(func() error {
		var tick <-chan time.Time
		if e.cfg.Sync.Interval > 0 {
			ticker := time.NewTicker(e.cfg.Sync.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		e.triggerAll("startup")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				e.logger.Info("connectivity changed", zap.Bool("online", ev.Online))
				if ev.Online {
					e.triggerAll("online")
				}
			case <-tick:
				e.triggerAll("interval")
			}
		}
	})
	return g.Wait()
}

func (e *Engine) triggerAll(reason string) {
	if !e.monitor.Online() {
		return
	}
	projects, err := e.store.Projects()
	if err != nil {
		e.logger.Warn("listing projects with queued work", zap.Error(err))
		return
	}
	for _, p := range projects {
		e.logger.Debug("drain requested", zap.String("project", p), zap.String("reason", reason))
		e.coord.Trigger(p)
	}
}

// Export writes a JSONL snapshot of the store to dir.
func (e *Engine) Export(dir string) error { return e.store.Export(dir) }

// Import loads a JSONL snapshot into an empty store. It returns the number
// of records and queue entries loaded.
func (e *Engine) Import(dir string) (int, int, error) { return e.store.Import(dir) }

// Close stops background drains, closes subscriber channels and closes the
// store.
func (e *Engine) Close() error {
	e.coord.Close()

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
	}
	e.mu.Unlock()

	if c, ok := e.remote.(*remote.Client); ok {
		c.Close()
	}
	return e.store.Detach()
}

func (e *Engine) publishChange(rec *types.Record, from types.SyncStatus, purged bool) {
	if from == rec.SyncStatus && !purged {
		return
	}
	e.publish(types.StatusChange{
		EntityType: rec.EntityType,
		ID:         rec.ID,
		ProjectID:  rec.ProjectID,
		From:       from,
		To:         rec.SyncStatus,
		At:         e.now().UTC(),
		Purged:     purged,
	})
}

func (e *Engine) publish(ch types.StatusChange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- ch:
		default:
			e.logger.Warn("status subscriber is full; change dropped",
				zap.String("entity_type", ch.EntityType), zap.String("entity_id", ch.ID))
		}
	}
}
