// Package streamnexus wires the streaming orchestrator: stream encoders, the
// schedule loop, the rotation engine and the boot reconciler behind one
// lifecycle API.
package streamnexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/anji4cp/streamnexus/internal/auth"
	"github.com/anji4cp/streamnexus/internal/broadcast"
	"github.com/anji4cp/streamnexus/internal/config"
	"github.com/anji4cp/streamnexus/internal/content"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/history"
	historyfactory "github.com/anji4cp/streamnexus/internal/history/factory"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/process"
	"github.com/anji4cp/streamnexus/internal/reconcile"
	"github.com/anji4cp/streamnexus/internal/rotation"
	"github.com/anji4cp/streamnexus/internal/scheduler"
	"github.com/anji4cp/streamnexus/internal/server"
	"github.com/anji4cp/streamnexus/internal/store"
	storefactory "github.com/anji4cp/streamnexus/internal/store/factory"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// Re-export the row types for embedders.

type Stream = stream.Stream

type Rotation = stream.Rotation

type Config = config.Config

type SyncResult = manager.SyncResult

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App owns every long-lived component. Build it with New, call Init once, and
// release it with GracefulShutdown.
type App struct {
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	store       store.Store
	broadcaster broadcast.Broadcaster
	sinks       []history.Sink
	recorder    *history.Recorder
	registry    *prometheus.Registry
	sampler     *metrics.Sampler
	manager     *manager.Manager
	scheduler   *scheduler.Scheduler
	rotations   *rotation.Engine

	mu       sync.Mutex
	ready    bool
	stopOnce sync.Once
	stopErr  error
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithStore replaces the store selected by store.dsn.
func WithStore(s store.Store) Option { return func(a *App) { a.store = s } }

// WithBroadcaster replaces the YouTube client built from [youtube].
func WithBroadcaster(b broadcast.Broadcaster) Option { return func(a *App) { a.broadcaster = b } }

// WithClock drives the scheduler and the rotation engine from now.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

func New(cfg *config.Config, opts ...Option) *App {
	a := &App{cfg: cfg, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init opens storage, resets stale live rows, then starts the schedule, rotation,
// sync and sampling loops. On failure everything opened so far is released.
func (a *App) Init(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return errors.New("app already initialized")
	}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	if a.store == nil {
		if a.store, err = storefactory.NewFromDSN(a.cfg.Store.DSN); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	}
	if err = a.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if a.sinks, err = historyfactory.NewSinks(a.cfg.History.Sinks); err != nil {
		return fmt.Errorf("history sinks: %w", err)
	}
	a.recorder = history.NewRecorder(a.log, a.sinks...)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err = metrics.Register(a.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.sampler = metrics.NewSampler(a.cfg.Metrics.Sampler, a.log)
	if err = a.sampler.RegisterMetrics(a.registry); err != nil {
		return fmt.Errorf("register sampler metrics: %w", err)
	}

	dest, err := a.destinations()
	if err != nil {
		return err
	}
	resolver := content.FileResolver{Root: a.cfg.Encoder.MediaRoot}
	a.manager = manager.New(a.cfg.ManagerConfig(), manager.Deps{
		Store:        a.store,
		Content:      resolver,
		Destinations: dest,
		Recorder:     a.recorder,
		Logger:       a.log,
	})

	boot := reconcile.Reconciler{
		Store:    a.store,
		Encoders: a.manager,
		Recorder: a.recorder,
		Logger:   a.log,
		Attempts: a.cfg.Manager.StatusAttempts,
	}
	if _, err = boot.Boot(ctx); err != nil {
		return fmt.Errorf("boot reconcile: %w", err)
	}

	a.scheduler = scheduler.New(a.cfg.Scheduler, a.store, a.manager,
		scheduler.WithClock(a.now), scheduler.WithLogger(a.log))
	if err = a.scheduler.Start(); err != nil {
		return err
	}
	a.rotations = rotation.New(a.cfg.Rotation, rotation.Deps{
		Store:        a.store,
		Content:      resolver,
		Destinations: dest,
		Encoders:     a.manager,
		Recorder:     a.recorder,
	}, rotation.WithClock(a.now), rotation.WithLogger(a.log))
	if err = a.rotations.Start(ctx); err != nil {
		return fmt.Errorf("start rotations: %w", err)
	}
	if a.cfg.Manager.SyncInterval > 0 {
		a.manager.StartSyncLoop(a.cfg.Manager.SyncInterval)
	}
	a.sampler.Start(context.Background(), a.manager.PIDs)

	a.ready = true
	a.log.Info("streamnexus initialized", "store", storeKind(a.cfg.Store.DSN), "history_sinks", len(a.sinks))
	return nil
}

func (a *App) destinations() (*credentials.Resolver, error) {
	r := &credentials.Resolver{Broadcaster: a.broadcaster}
	if pass := a.cfg.Passphrase(); pass != "" {
		c, err := credentials.NewCipher(pass, a.cfg.Credentials.Iterations)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		r.Cipher = c
	}
	if r.Broadcaster == nil {
		if tokens := a.cfg.YouTube.ChannelTokens(); len(tokens) > 0 {
			yt := broadcast.NewYouTube(broadcast.StaticTokens(tokens))
			if a.cfg.YouTube.APIBase != "" {
				yt.APIBase = a.cfg.YouTube.APIBase
			}
			if a.cfg.YouTube.UploadBase != "" {
				yt.UploadBase = a.cfg.YouTube.UploadBase
			}
			if a.cfg.YouTube.Timeout > 0 {
				yt.HTTP.Timeout = a.cfg.YouTube.Timeout
			}
			yt.Logger = a.log
			r.Broadcaster = yt
		}
	}
	return r, nil
}

// GracefulShutdown stops the loops first, then every encoder (persisting offline
// for streams), then flushes history and closes the store. Later calls return
// the first result.
func (a *App) GracefulShutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.stopErr = a.release(ctx)
		a.ready = false
		a.log.Info("streamnexus stopped")
	})
	return a.stopErr
}

// release tears down whatever Init managed to build. Each component is released
// at most once.
func (a *App) release(ctx context.Context) error {
	defer func() {
		a.scheduler, a.rotations, a.sampler, a.manager = nil, nil, nil, nil
		a.recorder, a.sinks, a.store = nil, nil, nil
	}()
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.rotations != nil {
		a.rotations.StopLoop()
		a.rotations.Halt(ctx)
	}
	if a.sampler != nil {
		a.sampler.Stop()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop encoders: %w", err))
		}
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	historyfactory.CloseAll(a.sinks)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) mgr() (*manager.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return nil, errors.New("app not initialized")
	}
	return a.manager, nil
}

func (a *App) engine() (*rotation.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return nil, errors.New("app not initialized")
	}
	return a.rotations, nil
}

func (a *App) StartStream(ctx context.Context, id string) error {
	m, err := a.mgr()
	if err != nil {
		return err
	}
	return m.StartStream(ctx, id)
}

func (a *App) StopStream(ctx context.Context, id string) error {
	m, err := a.mgr()
	if err != nil {
		return err
	}
	return m.StopStream(ctx, id)
}

func (a *App) IsStreamActive(id string) bool {
	m, err := a.mgr()
	return err == nil && m.IsStreamActive(id)
}

// GetStreamLogs returns the retained encoder output of a running or recently
// exited stream.
func (a *App) GetStreamLogs(id string) ([]string, bool) {
	m, err := a.mgr()
	if err != nil {
		return nil, false
	}
	return m.GetStreamLogs(id)
}

func (a *App) FollowStreamLogs(id string) (*process.Ring, bool) {
	m, err := a.mgr()
	if err != nil {
		return nil, false
	}
	return m.Follow(id)
}

func (a *App) ActiveEncoders() []manager.Encoder {
	m, err := a.mgr()
	if err != nil {
		return nil
	}
	return m.Active()
}

func (a *App) SyncStreamStatuses(ctx context.Context) (SyncResult, error) {
	m, err := a.mgr()
	if err != nil {
		return SyncResult{}, err
	}
	return m.SyncStreamStatuses(ctx)
}

func (a *App) ActivateRotation(ctx context.Context, id string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	return e.Activate(ctx, id)
}

func (a *App) PauseRotation(ctx context.Context, id string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	return e.Pause(ctx, id)
}

func (a *App) StopRotation(ctx context.Context, id string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	return e.Stop(ctx, id)
}

func (a *App) DeleteRotation(ctx context.Context, id string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	return e.Delete(ctx, id)
}

// Store exposes persistence for seeding and lookups.
func (a *App) Store() store.Store { return a.store }

// MetricsHandler serves the app's Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	if a.registry == nil {
		return metrics.Handler()
	}
	return metrics.HandlerFor(a.registry)
}

// Router builds the HTTP adapter for this app from [server] and [auth].
func (a *App) Router() (*server.Router, error) {
	var mw *auth.Middleware
	if a.cfg.Auth.Enabled {
		svc, err := auth.NewService(a.cfg.Auth)
		if err != nil {
			return nil, err
		}
		mw = auth.NewMiddleware(svc, true)
	}
	opts := server.Options{BasePath: a.cfg.Server.BasePath, Auth: mw, Logger: a.log}
	if a.cfg.Metrics.Enabled {
		opts.Metrics = a.MetricsHandler()
	}
	return server.NewRouter(a, a.store, opts), nil
}

func storeKind(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "sqlite"
}
