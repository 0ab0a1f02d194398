// Package app wires the sync engine together and exposes its administrative
// surface.
//
// New constructs every service exactly once: the SQLite store, the remote
// connection pool, the event bus, metrics, the rotation controller, the
// drain manager, the bulk syncer, the local write path and the connectivity
// monitor. Run owns the background drivers. The CLI and the HTTP server only
// ever talk to an *App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/ferry/internal/clock"
	"github.com/roach88/ferry/internal/config"
	"github.com/roach88/ferry/internal/connectivity"
	"github.com/roach88/ferry/internal/engine"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/metrics"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
	"github.com/roach88/ferry/internal/rotation"
	"github.com/roach88/ferry/internal/schema"
	"github.com/roach88/ferry/internal/store"
)

// App is a fully wired engine instance.
type App struct {
	Config   config.Config
	Store    *store.Store
	Pool     *remote.Pool
	Bus      *event.Bus
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Rotation *rotation.Controller
	Drainer  *engine.Drainer
	Bulk     *engine.BulkSyncer
	Writer   *engine.Writer
	Monitor  *connectivity.Monitor

	clock  clock.Clock
	logger *slog.Logger

	// drainKick is signalled after each committed local write.
	drainKick chan struct{}

	closeOnce sync.Once
}

type options struct {
	factory  remote.Factory
	clock    clock.Clock
	logger   *slog.Logger
	registry *prometheus.Registry
}

// Option configures New.
type Option func(*options)

// WithFactory overrides the remote factory chosen by the configured driver.
func WithFactory(f remote.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock sets the clock shared by every service.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger shared by every service.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the Prometheus registry metrics are registered on.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// New opens the database, loads the backend registry and constructs every
// service.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrSystem(o.clock)
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory, err := factoryFor(cfg.Driver, o.factory)
	if err != nil {
		return nil, err
	}

	sch := schema.Default()
	if cfg.Schema != "" {
		if sch, err = schema.Load(cfg.Schema); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.Database,
		store.WithSchema(sch),
		store.WithClock(o.clock),
		store.WithLogger(o.logger),
		store.WithMaxRetries(cfg.Sync.MaxRetries),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Store:    st,
		Pool:     remote.NewPool(factory, cfg.Sync.RemoteTimeout),
		Bus:      event.NewBus(event.WithClock(o.clock), event.WithLogger(o.logger)),
		Registry: o.registry,
		Metrics:  metrics.New(o.registry),
		clock:     o.clock,
		logger:    o.logger,
		drainKick: make(chan struct{}, 1),
	}

	a.Rotation = rotation.New(st, a.Pool, a.Bus,
		rotation.WithClock(o.clock),
		rotation.WithLogger(o.logger.With("component", "rotation")),
		rotation.WithMetrics(a.Metrics),
		rotation.WithHistoryLimit(cfg.Rotation.HistoryLimit),
		rotation.WithReplicateOnRotate(cfg.Rotation.ReplicateOnRotate),
	)
	builtins := rotation.Builtins{Primary: cfg.Backends.Primary, Standby: cfg.Backends.Standby}
	if err := a.Rotation.Load(ctx, builtins); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.applyRotationConfig(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Drainer = engine.NewDrainer(st, a.Rotation, a.Bus,
		engine.WithDrainClock(o.clock),
		engine.WithDrainLogger(o.logger.With("component", "drain")),
		engine.WithDrainMetrics(a.Metrics),
	)
	a.Bulk = engine.NewBulkSyncer(st, a.Rotation, a.Bus,
		engine.WithBulkClock(o.clock),
		engine.WithBulkLogger(o.logger.With("component", "bulk")),
		engine.WithBulkMetrics(a.Metrics),
		engine.WithStaleness(cfg.Sync.Staleness),
		engine.WithAutoSyncInterval(cfg.Sync.AutoSyncInterval),
		engine.WithBulkDrainer(a.Drainer),
	)
	a.Writer = engine.NewWriter(st,
		engine.WithWriterLogger(o.logger.With("component", "writer")),
		engine.WithOnQueued(a.kickDrain),
	)
	a.Monitor = connectivity.New(a.Rotation, a.Drainer, a.Bulk, a.Bus,
		connectivity.Config{
			PollInterval:      cfg.Connectivity.PollInterval,
			ResyncDelay:       cfg.Connectivity.ResyncDelay,
			ReconnectedWindow: cfg.Connectivity.ReconnectedWindow,
		},
		connectivity.WithClock(o.clock),
		connectivity.WithLogger(o.logger.With("component", "connectivity")),
		connectivity.WithMetrics(a.Metrics),
	)
	a.Bulk.SetOnlineCheck(a.Monitor.Online)

	if stats, err := st.QueueStats(ctx); err == nil {
		a.Metrics.SetQueueStats(stats)
	}
	return a, nil
}

func factoryFor(driver string, override remote.Factory) (remote.Factory, error) {
	if override != nil {
		return override, nil
	}
	switch driver {
	case config.DriverMemory, "":
		return remote.NewMemoryFactory(), nil
	case config.DriverSurreal:
		return remote.SurrealFactory{}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", driver)
}

// applyRotationConfig brings the persisted schedule in line with the
// configuration file when the file enables automatic rotation.
func (a *App) applyRotationConfig(ctx context.Context) error {
	rc := a.Config.Rotation
	if !rc.AutoRotate {
		return nil
	}
	state := a.Rotation.State()
	if state.AutoRotateEnabled && state.RotationIntervalHours == rc.IntervalHours {
		return nil
	}
	return a.Rotation.ScheduleRotation(ctx, rc.IntervalHours)
}

// Run starts the connectivity monitor, the queue drainer, the rotation
// timer, auto sync and the queue sweeper, and blocks until ctx is cancelled and all of them have
// stopped.
func (a *App) Run(ctx context.Context) error {
	a.Bulk.SetForeground(true)
	defer a.Bulk.SetForeground(false)

	a.logger.Info("engine starting",
		"driver", a.Config.Driver,
		"active_backend", a.Rotation.Active().ID)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			a.logger.Debug("driver stopped", "driver", name)
		}()
	}

	run("connectivity", func(ctx context.Context) { _ = a.Monitor.Run(ctx) })
	run("drain", a.runDrainer)
	run("rotation", func(ctx context.Context) { a.Rotation.Run(ctx, a.Config.Rotation.CheckInterval) })
	run("autosync", func(ctx context.Context) { _ = a.Bulk.RunAutoSync(ctx) })
	run("sweep", a.runSweeper)

	// Initial pull on startup; served from cache when still fresh. A
	// downloading pass pushes queued writes first.
	if _, err := a.Bulk.PerformFullSync(ctx, false); err != nil {
		a.logger.Warn("startup sync failed", "error", err)
	}

	<-ctx.Done()
	wg.Wait()
	a.logger.Info("engine stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (a *App) kickDrain(model.SyncOperation) {
	select {
	case a.drainKick <- struct{}{}:
	default:
	}
}

// runDrainer pushes queued writes at startup, after every local write and
// on each drain interval tick.
func (a *App) runDrainer(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Sync.DrainInterval)
	defer ticker.Stop()
	for {
		if _, err := a.DrainPending(ctx); err != nil {
			a.logger.Warn("queue drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-a.drainKick:
		case <-ticker.C:
		}
	}
}

// DrainPending runs a drain pass when online and the queue holds pending or
// retrying operations. It reports whether a pass ran.
func (a *App) DrainPending(ctx context.Context) (bool, error) {
	if !a.Monitor.Online() {
		return false, nil
	}
	stats, err := a.Store.QueueStats(ctx)
	if err != nil {
		return false, err
	}
	if stats.Pending+stats.Retrying == 0 {
		return false, nil
	}
	_, started, err := a.Drainer.StartDrain(ctx)
	return started, err
}

func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Sync.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.logger.Warn("queue sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes synced operations older than the retention window.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	n, err := a.Store.SweepOld(ctx, a.Config.Sync.Retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("swept synced operations", "count", n)
	}
	if stats, err := a.Store.QueueStats(ctx); err == nil {
		a.Metrics.SetQueueStats(stats)
	}
	return n, nil
}

// Close flushes backend counters and releases every resource. It is safe to
// call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		var errs []error
		if a.Rotation != nil {
			errs = append(errs, a.Rotation.Flush(context.Background()))
		}
		if a.Monitor != nil {
			a.Monitor.Wait()
		}
		a.Bus.Close()
		errs = append(errs, a.Pool.Close(), a.Store.Close())
		err = errors.Join(errs...)
	})
	return err
}
