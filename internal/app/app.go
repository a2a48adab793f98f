// Package app wires configuration into a running sync engine for the desktop and mobile shells.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/config"
	"github.com/kimhsiao/clinicsync/backend/internal/crypto"
	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/clinicsync/backend/internal/sync"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/executor"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/notify"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/queue"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/remote"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/storage"
	"github.com/kimhsiao/clinicsync/backend/internal/telemetry"
)

// App owns the engine and everything it was built from.
type App struct {
	Config   config.AppConfig
	Engine   *syncpkg.SyncEngine
	Registry *prometheus.Registry
	Logger   *zap.Logger

	prober  *connectivity.Prober
	closers []func() error

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the storage, remote writer, notifier and engine described by cfg.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	store, err := NewStore(cfg, logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	writer, closeWriter, err := NewWriter(ctx, cfg.Remote)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeWriter)

	notifier, closeNotifier, err := NewNotifier(cfg.AMQP, logger.Named("notify"))
	if err != nil {
		store.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeNotifier)

	monitor := connectivity.NewMonitor(cfg.Sync.AssumeOnlineIfUnknown, logger.Named("connectivity"))
	if addr, ok := probeAddress(cfg); ok {
		a.prober = connectivity.NewProber(monitor, addr, cfg.Probe.Interval, logger.Named("probe"))
	}

	engine, err := syncpkg.NewSyncEngine(EngineConfig(cfg), syncpkg.Dependencies{
		Store:    store,
		Writer:   writer,
		Monitor:  monitor,
		Notifier: notifier,
		Metrics:  telemetry.New(a.Registry),
		Logger:   logger.Named("sync"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.Engine = engine
	return a, nil
}

// EngineConfig maps application configuration onto engine configuration.
func EngineConfig(cfg config.AppConfig) syncpkg.Config {
	return syncpkg.Config{
		Queue: queue.Config{
			MaxRetries: cfg.Sync.MaxRetries,
			RetryDelay: cfg.Sync.RetryDelay,
			MaxBackoff: cfg.Sync.MaxBackoff,
		},
		Executor: executor.Config{
			WriteTimeout:  cfg.Sync.WriteTimeout,
			BatchSize:     cfg.Sync.BatchSize,
			Notifications: cfg.Sync.Notifications,
		},
		Scheduler: scheduler.Config{
			SyncInterval:    config.ClampSyncInterval(cfg.Sync.Interval),
			CleanupInterval: cfg.Sync.CleanupInterval,
		},
		FailedRetention: cfg.Sync.FailedRetention,
	}
}

// NewStore opens the configured key-value backend and wraps it in a queue store.
func NewStore(cfg config.AppConfig, logger *zap.Logger) (*storage.QueueStore, error) {
	codec, err := storage.CodecByName(cfg.Storage.Codec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid storage codec", err)
	}
	opts := []storage.Option{storage.WithCodec(codec), storage.WithLogger(logger)}
	if cfg.Storage.EncryptionKey != "" {
		sealer, err := crypto.NewSealer(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "invalid storage encryption key", err)
		}
		opts = append(opts, storage.WithSealer(sealer))
	}

	kv, err := storage.OpenKV(cfg.Storage.Backend, cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to open queue storage", err)
	}
	return storage.NewQueueStore(kv, opts...), nil
}

// NewWriter builds the remote writer for the configured remote kind.
func NewWriter(ctx context.Context, cfg config.RemoteConfig) (remote.Writer, func() error, error) {
	switch cfg.Kind {
	case "postgres":
		w, err := remote.NewPostgresWriter(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return w, func() error { w.Close(); return nil }, nil
	case "http", "":
		return remote.NewHTTPWriter(cfg.BaseURL, cfg.Token, &http.Client{}), func() error { return nil }, nil
	default:
		return nil, nil, apperrors.Newf(apperrors.ErrConfigInvalid, "remote.kind %q is not supported", cfg.Kind)
	}
}

// NewNotifier returns the log notifier, fanned out to the broker when one is configured.
func NewNotifier(cfg config.AMQPConfig, logger *zap.Logger) (notify.Notifier, func() error, error) {
	log := notify.NewLogNotifier(logger)
	if cfg.URL == "" {
		return log, func() error { return nil }, nil
	}
	broker, err := notify.DialAMQP(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrNotifyFailed, "failed to connect notification broker", err)
	}
	return notify.Multi{log, broker}, broker.Close, nil
}

func probeAddress(cfg config.AppConfig) (string, bool) {
	if cfg.Probe.Address != "" {
		return cfg.Probe.Address, true
	}
	switch cfg.Remote.Kind {
	case "postgres":
		return connectivity.AddressFromURL(cfg.Remote.PostgresURL)
	default:
		return connectivity.AddressFromURL(cfg.Remote.BaseURL)
	}
}

// Start runs the scheduler and the reachability prober until Close.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Engine.Start(runCtx)
	if a.prober != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.prober.Run(runCtx)
		}()
	}
}

// Close stops background work and releases every resource.
func (a *App) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Engine = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
