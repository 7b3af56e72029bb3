// Package coordinator drains the change queue against the remote entity
// service.
//
// At most one drain runs per project. Each entry is claimed, resolved against
// the remote copy and applied; transient failures are recorded on the entry
// and the batch continues. After a drain the coordinator schedules the next
// one: immediately when the batch fully succeeded and work remains, after an
// exponential backoff otherwise.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/conflict"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// State is the state of a project's drain cycle.
type State string

// Drain states.
const (
	StateIdle            State = "idle"
	StateDraining        State = "draining"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially-failed"
)

// Result summarizes one drain.
type Result struct {
	ProjectID string `json:"project_id"`
	State     State  `json:"state"`

	// Batch is the number of entries dequeued.
	Batch int `json:"batch"`

	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
	Conflicts    int `json:"conflicts"`

	// Stopped is set when Stop or Close ended the drain early.
	Stopped bool `json:"stopped,omitempty"`

	// MaxAttempts is the highest attempt count among entries that failed
	// in this drain; it drives the retry backoff.
	MaxAttempts int `json:"-"`
}

// StatusHandler receives sync status changes. It is called synchronously
// from the drain and must not block.
type StatusHandler func(types.StatusChange)

// Coordinator runs drains. Create it with New and release it with Close.
type Coordinator struct {
	store  types.LocalStore
	remote types.RemoteService
	cfg    types.SyncConfig
	logger *zap.Logger
	now    func() time.Time
	gate   func() bool

	mu       sync.Mutex
	drains   map[string]*drain
	timers   map[string]*time.Timer
	onChange StatusHandler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type drain struct {
	stopped atomic.Bool
	rerun   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock used to stamp status changes.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithGate makes background drains (Trigger and scheduled retries) wait
// until gate reports true. Drain ignores it.
func WithGate(gate func() bool) Option {
	return func(c *Coordinator) { c.gate = gate }
}

// New returns a coordinator over store and remote.
func New(store types.LocalStore, remote types.RemoteService, cfg types.SyncConfig, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:  store,
		remote: remote,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		drains: make(map[string]*drain),
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStatusChange installs the status change handler.
func (c *Coordinator) OnStatusChange(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = h
}

// State reports whether a drain is running for the project.
func (c *Coordinator) State(projectID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.drains[projectID]; ok {
		return StateDraining
	}
	return StateIdle
}

// Drain runs one drain synchronously. It fails with
// types.ErrDrainInProgress when a drain is already running for the project.
// Remote failures are reported in the Result, not as an error.
func (c *Coordinator) Drain(ctx context.Context, projectID string) (Result, error) {
	d, ok := c.begin(projectID)
	if !ok {
		return Result{ProjectID: projectID, State: StateDraining},
			fmt.Errorf("%w: %s", types.ErrDrainInProgress, projectID)
	}
	res, err := c.run(ctx, projectID, d)
	c.finish(projectID, d, res, err)
	return res, err
}

// Trigger starts a drain in the background. If one is running, another runs
// right after it.
func (c *Coordinator) Trigger(projectID string) {
	if c.gate != nil && !c.gate() {
		c.logger.Debug("drain deferred while offline", zap.String("project", projectID))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if d, ok := c.drains[projectID]; ok {
		d.rerun = true
		c.mu.Unlock()
		return
	}
	d := &drain{}
	c.drains[projectID] = d
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		res, err := c.run(c.ctx, projectID, d)
		c.finish(projectID, d, res, err)
	}()
}

// Stop ends the project's drain after the entry in flight and cancels any
// scheduled retry.
func (c *Coordinator) Stop(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.drains[projectID]; ok {
		d.stopped.Store(true)
		d.rerun = false
	}
	if t, ok := c.timers[projectID]; ok {
		t.Stop()
		delete(c.timers, projectID)
	}
}

// Close stops every drain, cancels scheduled retries and waits for
// background drains to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, d := range c.drains {
		d.stopped.Store(true)
		d.rerun = false
	}
	for p, t := range c.timers {
		t.Stop()
		delete(c.timers, p)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
}

func (c *Coordinator) begin(projectID string) (*drain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.drains[projectID]; ok {
		return nil, false
	}
	d := &drain{}
	c.drains[projectID] = d
	return d, true
}

func (c *Coordinator) finish(projectID string, d *drain, res Result, err error) {
	c.mu.Lock()
	delete(c.drains, projectID)
	rerun := d.rerun
	done := c.closed || d.stopped.Load()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("drain failed", zap.String("project", projectID), zap.Error(err))
	}
	if done {
		return
	}
	if rerun {
		c.Trigger(projectID)
		return
	}
	c.schedule(projectID, res)
}

// schedule arranges the next drain when ready work remains.
func (c *Coordinator) schedule(projectID string, res Result) {
	st, err := c.store.Stats(projectID)
	if err != nil {
		c.logger.Warn("reading queue stats", zap.String("project", projectID), zap.Error(err))
		return
	}
	if st.Ready == 0 {
		return
	}
	if res.State == StateCompleted && res.Batch > 0 {
		c.Trigger(projectID)
		return
	}

	delay := c.backoff(res.MaxAttempts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[projectID]; ok {
		t.Stop()
	}
	c.logger.Debug("drain retry scheduled", zap.String("project", projectID), zap.Duration("delay", delay))
	c.timers[projectID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, projectID)
		c.mu.Unlock()
		c.Trigger(projectID)
	})
}

// backoff returns retry_base * 2^(attempts-1), capped at retry_max.
func (c *Coordinator) backoff(attempts int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempts && d < c.cfg.RetryMax; i++ {
		d *= 2
	}
	if c.cfg.RetryMax > 0 && d > c.cfg.RetryMax {
		d = c.cfg.RetryMax
	}
	return d
}

func (c *Coordinator) run(ctx context.Context, projectID string, d *drain) (Result, error) {
	res := Result{ProjectID: projectID, State: StateDraining}
	batch, err := c.store.DequeueBatch(projectID, c.cfg.BatchSize)
	if err != nil {
		res.State = StatePartiallyFailed
		return res, fmt.Errorf("dequeuing batch: %w", err)
	}
	res.Batch = len(batch)
	c.logger.Debug("drain started", zap.String("project", projectID), zap.Int("batch", len(batch)))

	for _, e := range batch {
		if d.stopped.Load() || ctx.Err() != nil {
			res.Stopped = true
			break
		}
		switch o := c.apply(ctx, e); o.kind {
		case outcomeAcked:
			res.Acknowledged++
		case outcomeConflict:
			res.Conflicts++
		case outcomeFailed:
			res.Failed++
			if o.attempts > res.MaxAttempts {
				res.MaxAttempts = o.attempts
			}
		}
	}

	res.State = StateCompleted
	if res.Acknowledged < res.Batch {
		res.State = StatePartiallyFailed
	}
	c.logger.Info("drain finished",
		zap.String("project", projectID),
		zap.String("state", string(res.State)),
		zap.Int("batch", res.Batch),
		zap.Int("acknowledged", res.Acknowledged),
		zap.Int("failed", res.Failed),
		zap.Int("conflicts", res.Conflicts),
		zap.Bool("stopped", res.Stopped))
	return res, nil
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeAcked
	outcomeFailed
	outcomeConflict
)

type entryOutcome struct {
	kind     outcomeKind
	attempts int
}

// apply takes one entry through claim, fetch, resolve and apply.
func (c *Coordinator) apply(ctx context.Context, e *types.QueueEntry) entryOutcome {
	log := c.logger.With(
		zap.String("entry", e.EntryID),
		zap.String("op", string(e.Operation)),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID))

	if err := c.store.Claim(e.EntryID); err != nil {
		log.Debug("entry not claimed", zap.Error(err))
		return entryOutcome{kind: outcomeSkipped}
	}

	rec, err := c.store.Get(e.EntityType, e.EntityID)
	if errors.Is(err, types.ErrNotFound) {
		log.Warn("dropping entry for a record that no longer exists")
		if err := c.store.Acknowledge(e.EntryID); err != nil {
			return c.release(log, e, err)
		}
		return entryOutcome{kind: outcomeAcked}
	}
	if err != nil {
		return c.release(log, e, err)
	}

	if rec.SyncStatus == types.StatusConflict && e.Override == types.OverrideNone {
		if err := c.store.Hold(e.EntryID); err != nil {
			log.Error("holding entry", zap.Error(err))
		}
		return entryOutcome{kind: outcomeConflict}
	}
	if rec.SyncStatus == types.StatusFailed {
		if rec, err = c.setStatus(rec, rec.LocalRevision, types.StatusPending, nil); err != nil {
			return c.release(log, e, err)
		}
	}
	if rec, err = c.setStatus(rec, rec.LocalRevision, types.StatusSyncing, nil); err != nil {
		return c.release(log, e, err)
	}

	remote, err := c.remote.Fetch(ctx, e.EntityType, e.EntityID)
	if errors.Is(err, types.ErrNotFound) {
		remote, err = nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(log, e, err)
		}
		return c.fail(log, e, err)
	}

	outcome := conflict.ResolveWithOverride(rec, remote, e.Operation, e.Override)
	log.Debug("resolved", zap.String("outcome", string(outcome)))

	switch outcome {
	case conflict.ApplyLocal:
		return c.applyLocal(ctx, log, e, rec, remote)
	case conflict.ApplyRemote:
		return c.applyRemote(log, e, rec, remote)
	default:
		if _, err := c.setStatus(rec, types.AnyRevision, types.StatusConflict, nil); err != nil {
			log.Error("marking conflict", zap.Error(err))
		}
		if err := c.store.Hold(e.EntryID); err != nil {
			log.Error("holding entry", zap.Error(err))
		}
		log.Warn("conflict needs a manual decision")
		return entryOutcome{kind: outcomeConflict}
	}
}

func (c *Coordinator) applyLocal(ctx context.Context, log *zap.Logger, e *types.QueueEntry, rec *types.Record, remote *types.RemoteRecord) entryOutcome {
	out := rec.Remote()
	if payload, err := e.DecodePayload(); err == nil && payload != nil {
		out.Payload = payload
	}

	var (
		ack types.Ack
		err error
	)
	switch {
	case e.Operation == types.OpDelete && remote == nil:
		ack = types.Ack{UpdatedAt: c.now().UTC()}
	case e.Operation == types.OpDelete:
		ack, err = c.remote.Delete(ctx, e.EntityType, out)
		if errors.Is(err, types.ErrNotFound) {
			ack, err = types.Ack{UpdatedAt: c.now().UTC()}, nil
		}
	case remote == nil:
		ack, err = c.remote.Create(ctx, e.EntityType, out)
	default:
		ack, err = c.remote.Update(ctx, e.EntityType, out)
	}
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(log, e, err)
		}
		return c.fail(log, e, err)
	}

	if e.Operation == types.OpDelete {
		if err := c.store.Purge(e.EntityType, e.EntityID); err != nil {
			log.Error("purging confirmed delete", zap.Error(err))
			return c.release(log, e, err)
		}
		c.notify(rec, rec.SyncStatus, types.StatusSynced, true)
		log.Info("delete confirmed")
		return entryOutcome{kind: outcomeAcked}
	}

	if err := c.store.Acknowledge(e.EntryID); err != nil {
		// The entry stays queued and the same version is sent again.
		return c.release(log, e, err)
	}
	remoteAt := ack.UpdatedAt.UTC()
	_, err = c.setStatus(rec, rec.LocalRevision, types.StatusSynced, &remoteAt)
	if errors.Is(err, types.ErrStaleWrite) {
		c.recordRemoteTime(log, e, remoteAt, true)
	} else if err != nil {
		log.Error("marking synced", zap.Error(err))
	}
	log.Info("local version applied", zap.Time("remote_updated_at", remoteAt))
	return entryOutcome{kind: outcomeAcked}
}

func (c *Coordinator) applyRemote(log *zap.Logger, e *types.QueueEntry, rec *types.Record, remote *types.RemoteRecord) entryOutcome {
	if remote == nil {
		if err := c.store.Purge(e.EntityType, e.EntityID); err != nil {
			return c.release(log, e, err)
		}
		c.notify(rec, rec.SyncStatus, types.StatusSynced, true)
		return entryOutcome{kind: outcomeAcked}
	}

	stored, err := c.store.ApplyRemote(e.EntityType, rec.LocalRevision, remote)
	switch {
	case errors.Is(err, types.ErrStaleWrite):
		// A newer local edit has its own entry; this snapshot is superseded.
		if err := c.store.Acknowledge(e.EntryID); err != nil {
			return c.release(log, e, err)
		}
		c.recordRemoteTime(log, e, remote.UpdatedAt.UTC(), false)
		return entryOutcome{kind: outcomeAcked}
	case err != nil:
		return c.release(log, e, err)
	}

	if err := c.store.Acknowledge(e.EntryID); err != nil {
		c.notify(stored, rec.SyncStatus, stored.SyncStatus, false)
		return c.release(log, e, err)
	}
	c.notify(stored, rec.SyncStatus, stored.SyncStatus, false)
	log.Info("remote version applied", zap.Time("remote_updated_at", remote.UpdatedAt))
	return entryOutcome{kind: outcomeAcked}
}

// recordRemoteTime stores the confirmed remote timestamp on a record that
// changed locally during the drain, keeping its status. pushed reports that
// the remote write carried an earlier local snapshot, so the newer edit is
// dated after it.
func (c *Coordinator) recordRemoteTime(log *zap.Logger, e *types.QueueEntry, remoteAt time.Time, pushed bool) {
	cur, err := c.store.Get(e.EntityType, e.EntityID)
	if err == nil {
		_, err = c.store.SetSyncState(e.EntityType, e.EntityID, cur.LocalRevision,
			types.SyncState{Status: cur.SyncStatus, RemoteUpdatedAt: &remoteAt, EditedSince: pushed})
	}
	if err != nil {
		log.Warn("recording remote timestamp after concurrent edit", zap.Error(err))
		return
	}
	log.Info("record changed during sync; newer edit stays queued")
}

// fail records a failed attempt. The record goes back to pending, or to
// failed once the entry has no attempts left.
func (c *Coordinator) fail(log *zap.Logger, e *types.QueueEntry, cause error) entryOutcome {
	updated, err := c.store.MarkFailed(e.EntryID, cause)
	if err != nil {
		log.Error("recording failed attempt", zap.Error(err))
		return entryOutcome{kind: outcomeFailed, attempts: e.Attempts + 1}
	}

	status := types.StatusPending
	if updated.Exhausted {
		status = types.StatusFailed
	}
	if rec, err := c.store.Get(e.EntityType, e.EntityID); err == nil {
		if _, err := c.setStatus(rec, types.AnyRevision, status, nil); err != nil {
			log.Error("updating status after failure", zap.Error(err))
		}
	}

	fields := []zap.Field{zap.Int("attempts", updated.Attempts), zap.Error(cause)}
	if updated.Exhausted {
		log.Error("entry exhausted its attempts", fields...)
	} else {
		log.Warn("entry failed; will retry", fields...)
	}
	return entryOutcome{kind: outcomeFailed, attempts: updated.Attempts}
}

// release gives up the claim after a local error without spending an
// attempt.
func (c *Coordinator) release(log *zap.Logger, e *types.QueueEntry, cause error) entryOutcome {
	log.Error("local store error during sync", zap.Error(cause))
	c.unclaim(log, e)
	return entryOutcome{kind: outcomeSkipped}
}

// interrupted gives up the claim when the drain's context ends during a
// remote call. Cancellation does not count as a failed attempt.
func (c *Coordinator) interrupted(log *zap.Logger, e *types.QueueEntry, cause error) entryOutcome {
	log.Info("sync interrupted", zap.Error(cause))
	c.unclaim(log, e)
	return entryOutcome{kind: outcomeSkipped}
}

// unclaim returns the entry to the queue and a record left syncing to
// pending.
func (c *Coordinator) unclaim(log *zap.Logger, e *types.QueueEntry) {
	if err := c.store.Release(e.EntryID); err != nil && !errors.Is(err, types.ErrNotFound) {
		log.Error("releasing entry", zap.Error(err))
	}
	rec, err := c.store.Get(e.EntityType, e.EntityID)
	if err != nil || rec.SyncStatus != types.StatusSyncing {
		return
	}
	if _, err := c.setStatus(rec, types.AnyRevision, types.StatusPending, nil); err != nil {
		log.Error("returning record to pending", zap.Error(err))
	}
}

func (c *Coordinator) setStatus(rec *types.Record, expectedRevision int64, status types.SyncStatus, remoteAt *time.Time) (*types.Record, error) {
	stored, err := c.store.SetSyncState(rec.EntityType, rec.ID, expectedRevision,
		types.SyncState{Status: status, RemoteUpdatedAt: remoteAt})
	if err != nil {
		return nil, err
	}
	c.notify(stored, rec.SyncStatus, stored.SyncStatus, false)
	return stored, nil
}

func (c *Coordinator) notify(rec *types.Record, from, to types.SyncStatus, purged bool) {
	if from == to && !purged {
		return
	}
	c.mu.Lock()
	h := c.onChange
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(types.StatusChange{
		EntityType: rec.EntityType,
		ID:         rec.ID,
		ProjectID:  rec.ProjectID,
		From:       from,
		To:         to,
		At:         c.now(),
		Purged:     purged,
	})
}
