package sync

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/events"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/executor"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/notify"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/queue"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/remote"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/storage"
	"github.com/kimhsiao/clinicsync/backend/internal/telemetry"
)

// DefaultFailedRetention is how long failed records are kept before cleanup purges them.
const DefaultFailedRetention = 24 * time.Hour

// Store is the durable side of the engine. *storage.QueueStore satisfies it.
type Store interface {
	queue.Store
	executor.MarkerStore
}

// FailureHistory is implemented by stores that keep a log of permanently failed writes.
type FailureHistory interface {
	executor.FailureRecorder
	Failures() []storage.FailedOperation
}

// Config holds engine configuration.
type Config struct {
	Queue           queue.Config
	Executor        executor.Config
	Scheduler       scheduler.Config
	FailedRetention time.Duration
}

// Dependencies are the collaborators injected into the engine.
type Dependencies struct {
	Store    Store
	Writer   remote.Writer
	Monitor  *connectivity.Monitor
	Notifier notify.Notifier
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// SyncEngine is the facade over the queue, executor and scheduler.
type SyncEngine struct {
	queue     *queue.SyncQueue
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	monitor   *connectivity.Monitor
	bus       *events.Bus
	store     Store
	logger    *zap.Logger
	now       func() time.Time
	retention time.Duration
	unsub     []func()
}

// NewSyncEngine builds an engine and loads the persisted queue.
func NewSyncEngine(cfg Config, deps Dependencies) (*SyncEngine, error) {
	if deps.Store == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine requires a store")
	}
	if deps.Writer == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine requires a remote writer")
	}
	logger := logging.OrNop(deps.Logger)
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor(true, logger)
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultFailedRetention
	}

	e := &SyncEngine{
		monitor:   monitor,
		bus:       events.NewBus(logger),
		store:     deps.Store,
		logger:    logger,
		now:       now,
		retention: cfg.FailedRetention,
	}

	e.queue = queue.New(deps.Store, cfg.Queue,
		queue.WithLogger(logger.Named("queue")),
		queue.WithMetrics(deps.Metrics),
		queue.WithClock(now),
		queue.WithOnChange(e.queueChanged))

	execOpts := []executor.Option{
		executor.WithNotifier(deps.Notifier),
		executor.WithBus(e.bus),
		executor.WithMetrics(deps.Metrics),
		executor.WithMarkers(deps.Store),
		executor.WithLogger(logger.Named("executor")),
		executor.WithClock(now),
	}
	if h, ok := deps.Store.(FailureHistory); ok {
		execOpts = append(execOpts, executor.WithFailureRecorder(h))
	}
	e.executor = executor.New(e.queue, deps.Writer, monitor, cfg.Executor, execOpts...)

	e.scheduler = scheduler.NewScheduler(e.executor, e.queue, monitor, cfg.Scheduler,
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithCleanup(e.CleanupStaleFailures))

	e.unsub = append(e.unsub,
		monitor.OnOnline(func() { e.connectivityChanged(true) }),
		monitor.OnOffline(func() { e.connectivityChanged(false) }))

	stats := e.queue.Stats()
	logger.Info("sync engine ready",
		zap.Int("pending", stats.Pending),
		zap.Int("failed", stats.Failed))
	return e, nil
}

// Start runs the background scheduler until Stop or ctx is done.
func (e *SyncEngine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// Stop halts the scheduler, cancelling a running pass between records.
func (e *SyncEngine) Stop() {
	e.scheduler.Stop()
}

// Close stops the engine and releases the store.
func (e *SyncEngine) Close() error {
	e.Stop()
	for _, fn := range e.unsub {
		fn()
	}
	e.unsub = nil
	if c, ok := e.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Enqueue records a write and returns its operation ID.
// When the scheduler runs and the remote is reachable, a pass starts in the background.
func (e *SyncEngine) Enqueue(kind models.OperationKind, collection string, payload map[string]interface{}) string {
	rec := e.queue.Enqueue(kind, collection, payload)
	if rec.State == models.StatePending {
		e.scheduler.Trigger(scheduler.ReasonEnqueue)
	}
	return rec.ID
}

// TriggerSync asks the scheduler for a background pass and reports whether one started.
// Nothing starts while offline, with nothing outstanding or when a pass is already running.
func (e *SyncEngine) TriggerSync(reason string) bool {
	return e.scheduler.Trigger(reason)
}

// FlushNow runs one pass immediately.
func (e *SyncEngine) FlushNow(ctx context.Context) models.PassSummary {
	return e.executor.Flush(ctx)
}

// Status returns the aggregate read model.
func (e *SyncEngine) Status() models.SyncStatus {
	stats := e.queue.Stats()
	status := models.SyncStatus{
		IsOnline:            e.monitor.IsOnline(),
		PendingCount:        stats.Outstanding(),
		FailedCount:         stats.Failed,
		IsSyncing:           e.executor.Running(),
		SyncProgressPercent: e.executor.Progress(),
	}
	if marker, ok := e.executor.LastSync(); ok {
		at := marker.At
		status.LastSyncTime = &at
		status.LastSyncSuccessful = marker.Successful
	}
	return status
}

// CleanupStaleFailures purges failed records older than the retention window.
func (e *SyncEngine) CleanupStaleFailures() int {
	return e.queue.PurgeFailed(e.now().Add(-e.retention))
}

// ClearQueue removes every record, including one being written whose outcome is then discarded.
func (e *SyncEngine) ClearQueue() int {
	return e.queue.Clear()
}

// RetryFailed re-enqueues a failed record under a new ID and returns that ID.
func (e *SyncEngine) RetryFailed(id string) (string, error) {
	rec, err := e.queue.Requeue(id)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Discard removes one record that is not being written.
func (e *SyncEngine) Discard(id string) error {
	return e.queue.Remove(id)
}

// Operations returns a snapshot of the queue in FIFO order.
func (e *SyncEngine) Operations() []*models.OperationRecord {
	return e.queue.List()
}

// Operation returns one record by ID.
func (e *SyncEngine) Operation(id string) (*models.OperationRecord, bool) {
	return e.queue.Get(id)
}

// PendingByCollection counts outstanding records per collection.
func (e *SyncEngine) PendingByCollection() map[string]int {
	return e.queue.ByCollection()
}

// ReportConnectivity feeds a platform connectivity signal into the monitor.
func (e *SyncEngine) ReportConnectivity(online bool) {
	e.monitor.Report(online)
}

// SetSyncInterval changes the periodic trigger interval of the scheduler.
func (e *SyncEngine) SetSyncInterval(d time.Duration) {
	e.scheduler.SetSyncInterval(d)
}

// Subscribe registers an event handler.
func (e *SyncEngine) Subscribe(fn events.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// FailedOperations returns the history of permanently failed writes, oldest first.
// It is empty when the store keeps no history.
func (e *SyncEngine) FailedOperations() []storage.FailedOperation {
	if h, ok := e.store.(FailureHistory); ok {
		return h.Failures()
	}
	return []storage.FailedOperation{}
}

// Monitor returns the connectivity monitor.
func (e *SyncEngine) Monitor() *connectivity.Monitor {
	return e.monitor
}

func (e *SyncEngine) queueChanged(stats queue.Stats) {
	e.bus.Publish(events.QueueChanged, map[string]interface{}{
		"pending":   stats.Pending,
		"in_flight": stats.InFlight,
		"failed":    stats.Failed,
		"total":     stats.Total,
	})
}

func (e *SyncEngine) connectivityChanged(online bool) {
	e.bus.Publish(events.ConnectivityChanged, map[string]interface{}{"is_online": online})
}
