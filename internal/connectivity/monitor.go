// Package connectivity owns the device's online/offline state.
//
// Observations come from periodic probes (Run) or from outside (Report). A
// transition is published only after the new state has been observed
// continuously for the stable interval; an observation of the old state in
// the meantime cancels it.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 8

// Event is a published connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor is the single source of truth for connectivity. The zero value is
// not usable; call New.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	pending *time.Timer
	target  bool
	gen     uint64

	subs   map[int]chan Event
	nextID int

	prober   Prober
	interval time.Duration
	stable   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber sets the prober used by Run.
func WithProber(p Prober) Option {
	return func(m *Monitor) { m.prober = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New returns an offline monitor. When cfg.ProbeURL is set and no prober is
// given, Run probes it with an HTTPProber.
func New(cfg types.ConnectivityConfig, opts ...Option) *Monitor {
	m := &Monitor{
		subs:     make(map[int]chan Event),
		interval: cfg.ProbeInterval,
		stable:   cfg.StableInterval,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.prober == nil && cfg.ProbeURL != "" {
		m.prober = NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	}
	return m
}

// Online reports the current published state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of transitions and a func that unsubscribes
// and closes it. Events are dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Report records an observation.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		if m.pending != nil {
			m.logger.Debug("connectivity flap cancelled pending transition", zap.Bool("online", online))
			m.cancelLocked()
		}
		return
	}
	if m.pending != nil && m.target == online {
		return
	}

	m.cancelLocked()
	if m.stable <= 0 {
		m.publishLocked(online)
		return
	}
	m.target = online
	gen := m.gen
	m.pending = time.AfterFunc(m.stable, func() { m.commit(gen) })
}

// Run probes every probe interval until ctx is done. Without a prober it
// only waits, leaving observations to Report.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.cancelLocked()
		m.mu.Unlock()
	}()

	if m.prober == nil || m.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.Report(err == nil)
}

func (m *Monitor) commit(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.pending == nil {
		return
	}
	m.pending = nil
	m.publishLocked(m.target)
}

// cancelLocked drops a pending transition. Callers hold m.mu.
func (m *Monitor) cancelLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
}

func (m *Monitor) publishLocked(online bool) {
	m.online = online
	ev := Event{Online: online, At: m.now()}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping connectivity event for slow subscriber", zap.Int("subscriber", id))
		}
	}
}
