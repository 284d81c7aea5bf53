// Package app assembles the page server from its parts and manages its
// lifecycle, including configuration hot reload. The content store and the
// page snapshot file survive rebuilds so reloads do not tear down the cached
// database connection or throw away persisted pages.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/internal/logging"
	"github.com/pressroom-dev/pressroom/internal/reload"
	"github.com/pressroom-dev/pressroom/pages"
	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/service"
	"github.com/pressroom-dev/pressroom/store"
	"github.com/pressroom-dev/pressroom/telemetry"
)

// ReloadFunc reloads the application configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the app during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	listenOverride    string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	store             store.Store
}

// App orchestrates the service lifecycle, including configuration reloads
// and cleanup.
type App struct {
	mu sync.Mutex

	config         *config.Config
	configPath     string
	listenOverride string

	collector telemetry.Collector
	gatherer  prometheus.Gatherer

	customLogger bool
	baseLogger   zerolog.Logger

	store         store.Store
	storeInjected bool
	storageCfg    config.StorageConfig

	snapshots    *pages.SnapshotStore
	snapshotPath string

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	svc     *service.Service
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs the app with the supplied options.
func New(ctx context.Context, opts ...Option) (*App, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if cfg.listenOverride != "" {
		cfg.config.Listen = cfg.listenOverride
	}

	app := &App{
		config:         cfg.config,
		configPath:     cfg.configPath,
		listenOverride: cfg.listenOverride,
		collector:      cfg.telemetry,
		customLogger:   cfg.customLogger,
		baseLogger:     cfg.logger,
		store:          cfg.store,
		storeInjected:  cfg.store != nil,
	}

	if !cfg.telemetryProvided {
		collector, gatherer, err := newCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			app.collector = telemetry.Noop()
		} else {
			app.collector = collector
			app.gatherer = gatherer
		}
	}

	runtime, err := app.buildRuntime(cfg.config)
	if err != nil {
		app.releaseShared(zerolog.Nop())
		return nil, err
	}
	app.current = runtime

	if cfg.configPath != "" {
		app.reloadCh = make(chan reloadRequest)
	}

	if err := app.initWatcher(cfg.config); err != nil {
		runtime.cleanup()
		app.releaseShared(runtime.logger)
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(app.Reload)
	}

	return app, nil
}

// Run executes the app until the context is cancelled or the service stops
// with an error. Configuration changes rebuild the runtime in place.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.current == nil {
		a.mu.Unlock()
		return errors.New("app not initialized")
	}
	if a.running {
		a.mu.Unlock()
		return errors.New("app already running")
	}
	a.running = true
	current := a.current
	watcher := a.watcher
	reloadCh := a.reloadCh
	a.mu.Unlock()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(time.Second)
		defer ticker.Stop()
	}

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(svc *service.Service) {
			errCh <- svc.Run(runCtx)
		}(current.svc)

		var pending *reloadRequest
		var nextConfig *config.Config

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				current.cleanup()
				a.drainReloadRequests(reloadCh, ctx.Err())
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				current.cleanup()
				a.drainReloadRequests(reloadCh, err)
				return err
			case req := <-reloadCh:
				cfg, err := a.loadConfig()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to reload configuration")
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				if err := validate(cfg); err != nil {
					current.logger.Error().Err(err).Msg("reloaded configuration invalid")
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				pending = &req
				nextConfig = cfg
				break loop
			case <-tickChannel(ticker):
				changes, err := watcher.Check()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				cfg, err := a.loadConfig()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := validate(cfg); err != nil {
					current.logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				current.logger.Info().Strs("files", changes).Msg("configuration changed, reloading")
				pending = &reloadRequest{files: changes}
				nextConfig = cfg
				break loop
			}
		}

		cancelRun()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			current.logger.Error().Err(err).Msg("service stopped during reload")
		}
		current.cleanup()

		runtime, err := a.buildRuntime(nextConfig)
		if err != nil {
			if pending != nil && pending.done != nil {
				pending.done <- err
			}
			a.drainReloadRequests(reloadCh, err)
			return err
		}

		a.mu.Lock()
		a.current = runtime
		current = runtime
		a.config = nextConfig
		if err := a.initWatcher(nextConfig); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		} else {
			watcher = a.watcher
		}
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if watcher != nil {
			ticker = time.NewTicker(time.Second)
		}
		a.mu.Unlock()

		if pending != nil {
			if pending.done != nil {
				pending.done <- nil
			}
			if len(pending.files) == 0 {
				a.collector.IncHotReload(a.configPath)
			}
			for _, file := range pending.files {
				a.collector.IncHotReload(file)
			}
		}
	}
}

// Reload rebuilds the app using the latest configuration from disk.
func (a *App) Reload(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	reloadCh := a.reloadCh
	a.mu.Unlock()

	if !running {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		return a.swapRuntime(cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the app.
func (a *App) Close() {
	a.mu.Lock()
	current := a.current
	a.current = nil
	a.mu.Unlock()

	logger := zerolog.Nop()
	if current != nil {
		logger = current.logger
		current.cleanup()
	}
	a.releaseShared(logger)
}

// Config returns the configuration the current runtime was built from.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// Addr returns the bound service address once Run has started.
func (a *App) Addr() string {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	if current == nil || current.svc == nil {
		return ""
	}
	return current.svc.Addr()
}

func (a *App) swapRuntime(cfg *config.Config) error {
	runtime, err := a.buildRuntime(cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.current
	a.current = runtime
	a.config = cfg
	err = a.initWatcher(cfg)
	a.mu.Unlock()
	if err != nil {
		runtime.cleanup()
		return err
	}

	if old != nil {
		old.cleanup()
	}
	return nil
}

// buildRuntime assembles logger, store, renderer, page cache and service for
// the given configuration. Store and snapshot file are shared across
// runtimes and only replaced when their configuration changed.
func (a *App) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if a.customLogger {
		runtime.logger = a.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.ServiceName(), cfg.Logging)
		if err != nil {
			return nil, err
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	st, err := a.ensureStore(cfg, runtime.logger)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}

	renderer, err := render.New(st, render.Options{
		Site:           cfg.Pages.Site(),
		TemplateDir:    cfg.Pages.TemplateDir,
		VisibilityRule: cfg.Pages.Visibility,
	}, runtime.logger)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}

	snapshots, err := a.ensureSnapshots(cfg, runtime.logger)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}

	cacheOpts := []pages.Option{
		pages.WithTTL(cfg.Pages.RevalidateInterval()),
		pages.WithMetrics(a.collector),
		pages.WithWorkers(cfg.Pages.WorkerSlots()),
	}
	if snapshots != nil {
		cacheOpts = append(cacheOpts, pages.WithSnapshotStore(snapshots))
	}
	cache, err := pages.New(renderer, runtime.logger, cacheOpts...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}

	var svcOpts []service.Option
	if a.gatherer != nil {
		svcOpts = append(svcOpts, service.WithGatherer(a.gatherer))
	}
	svc, err := service.New(cfg, st, renderer, cache, runtime.logger, svcOpts...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	runtime.svc = svc
	return runtime, nil
}

// ensureStore returns the content store for the configuration, reusing the
// existing one when the storage section is unchanged. Swapping the store
// drops the cached database connection, so unrelated reloads must not do it.
func (a *App) ensureStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if a.storeInjected {
		return a.store, nil
	}
	if a.store != nil && a.storageCfg == cfg.Storage {
		return a.store, nil
	}
	if a.store != nil {
		logger.Info().Msg("storage configuration changed, replacing content store")
		if err := a.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close content store")
		}
	}
	a.store = store.NewMongo(cfg.Storage, logger, a.collector)
	a.storageCfg = cfg.Storage
	return a.store, nil
}

// ensureSnapshots keeps the snapshot file open across reloads. The handle is
// only cycled when the path changes, the file is locked while open.
func (a *App) ensureSnapshots(cfg *config.Config, logger zerolog.Logger) (*pages.SnapshotStore, error) {
	path := cfg.Pages.SnapshotPath
	if path == "" {
		if a.snapshots != nil {
			if err := a.snapshots.Close(); err != nil {
				logger.Warn().Err(err).Msg("close snapshot store")
			}
			a.snapshots = nil
		}
		a.snapshotPath = ""
		return nil, nil
	}
	if a.snapshots != nil && a.snapshotPath == path {
		return a.snapshots, nil
	}

	snapshots, err := pages.OpenSnapshots(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			logger.Warn().Err(err).Msg("close snapshot store")
		}
	}
	a.snapshots = snapshots
	a.snapshotPath = path
	return snapshots, nil
}

func (a *App) releaseShared(logger zerolog.Logger) {
	a.mu.Lock()
	st := a.store
	snapshots := a.snapshots
	a.store = nil
	a.snapshots = nil
	a.snapshotPath = ""
	a.mu.Unlock()

	if st != nil && !a.storeInjected {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("close content store")
		}
	}
	if snapshots != nil {
		if err := snapshots.Close(); err != nil {
			logger.Warn().Err(err).Msg("close snapshot store")
		}
	}
}

func (a *App) loadConfig() (*config.Config, error) {
	if a.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.listenOverride != "" {
		cfg.Listen = a.listenOverride
	}
	return cfg, nil
}

func (a *App) initWatcher(cfg *config.Config) error {
	if a.configPath == "" || !cfg.HotReload {
		a.watcher = nil
		return nil
	}
	if a.watcher == nil {
		watcher, err := reload.NewWatcher(cfg.WatchPaths()...)
		if err != nil {
			return err
		}
		a.watcher = watcher
		return nil
	}
	return a.watcher.Update(cfg.WatchPaths()...)
}

// drainReloadRequests answers queued reload requests after the run loop
// decided to exit, so callers do not block forever.
func (a *App) drainReloadRequests(ch chan reloadRequest, err error) {
	if ch == nil {
		return
	}
	for {
		select {
		case req := <-ch:
			if req.done != nil {
				req.done <- err
			}
		default:
			return
		}
	}
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
