// Package connectivity tracks whether the active backend is reachable and
// replays queued work when it becomes reachable again.
//
// Two inputs feed the monitor: platform signals pushed through Signal and a
// liveness poll that probes the active backend. On every offline to online
// transition the monitor drains the mutation queue at once and, after a
// short delay, runs a forced bulk sync, so queued writes land before the
// fresh download.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/engine"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/metrics"
)

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultResyncDelay       = 2 * time.Second
	DefaultReconnectedWindow = 3 * time.Second
)

// Prober checks that the active backend answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Drainer starts a queue drain.
type Drainer interface {
	StartDrain(ctx context.Context) (engine.DrainResult, bool, error)
}

// Syncer runs a bulk sync.
type Syncer interface {
	PerformFullSync(ctx context.Context, force bool) (engine.BulkResult, error)
}

// Status is the connectivity view handed to collaborators.
type Status struct {
	IsOnline   bool      `json:"isOnline"`
	WasOffline bool      `json:"wasOffline"`
	Since      time.Time `json:"since"`
}

// Config tunes a Monitor. Zero PollInterval and ReconnectedWindow take the
// defaults; a zero ResyncDelay runs the bulk sync right after the drain.
type Config struct {
	PollInterval      time.Duration
	ResyncDelay       time.Duration
	ReconnectedWindow time.Duration
}

// Monitor combines pushed signals and polling into one online state.
// The monitor starts online.
type Monitor struct {
	prober  Prober
	drainer Drainer
	syncer  Syncer
	bus     *event.Bus
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger
	cfg     Config

	mu         sync.Mutex
	online     bool
	wasOffline bool
	since      time.Time
	generation int
	clearTimer *time.Timer
	baseCtx    context.Context

	wg sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for Status.Since.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New creates a monitor.
func New(p Prober, d Drainer, s Syncer, bus *event.Bus, cfg Config, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ResyncDelay < 0 {
		cfg.ResyncDelay = 0
	}
	if cfg.ReconnectedWindow <= 0 {
		cfg.ReconnectedWindow = DefaultReconnectedWindow
	}
	m := &Monitor{
		prober:  p,
		drainer: d,
		syncer:  s,
		bus:     bus,
		cfg:     cfg,
		clock:   clock.System{},
		logger:  slog.Default(),
		online:  true,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrSystem(m.clock)
	m.since = m.clock.Now()
	m.metrics.SetOnline(true)
	return m
}

// Status returns the current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{IsOnline: m.online, WasOffline: m.wasOffline, Since: m.since}
}

// Online reports whether the backend is currently considered reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Signal records a platform online/offline notification.
func (m *Monitor) Signal(online bool) {
	m.set(online, "signal")
}

// Poll probes the active backend once and records the result.
func (m *Monitor) Poll(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval)
	defer cancel()
	err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("liveness probe failed", "error", err)
	}
	m.set(err == nil, "poll")
	return err == nil
}

// Run polls until ctx is cancelled, then waits for reconnect work started
// by the monitor to finish. Reconnect work runs under ctx.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info("connectivity monitor starting", "poll_interval", m.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopping")
			m.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Wait blocks until reconnect work in flight has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) set(online bool, source string) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = m.clock.Now()
	m.generation++
	gen := m.generation
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	reconnected := online
	if reconnected {
		m.wasOffline = true
		m.clearTimer = time.AfterFunc(m.cfg.ReconnectedWindow, func() { m.clearWasOffline(gen) })
	} else {
		m.wasOffline = false
	}
	status := Status{IsOnline: m.online, WasOffline: m.wasOffline, Since: m.since}
	ctx := m.baseCtx
	if reconnected {
		// Registered under the lock so Wait cannot miss it.
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.logger.Info("connectivity changed", "online", online, "source", source)
	m.bus.Publish(event.KindConnectivity, event.SourceConnectivity, map[string]any{
		"online":     status.IsOnline,
		"wasOffline": status.WasOffline,
		"source":     source,
	})

	if reconnected {
		go m.reconnect(ctx)
	}
}

// reconnect drains the queue, waits the resync delay and runs a forced
// bulk sync.
func (m *Monitor) reconnect(ctx context.Context) {
	defer m.wg.Done()

	if _, _, err := m.drainer.StartDrain(ctx); err != nil {
		m.logger.Error("drain after reconnect failed", "error", err)
	}

	if m.cfg.ResyncDelay > 0 {
		timer := time.NewTimer(m.cfg.ResyncDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	if !m.Online() {
		return
	}
	if _, err := m.syncer.PerformFullSync(ctx, true); err != nil {
		m.logger.Error("bulk sync after reconnect failed", "error", err)
	}
}

func (m *Monitor) clearWasOffline(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return
	}
	m.wasOffline = false
	m.clearTimer = nil
}
