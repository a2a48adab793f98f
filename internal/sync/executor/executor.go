// Package executor runs flush passes: it drains eligible queue records through the remote writer.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/events"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/notify"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/queue"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/remote"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/storage"
	"github.com/kimhsiao/clinicsync/backend/internal/telemetry"
)

const (
	// DefaultWriteTimeout bounds a single remote write.
	DefaultWriteTimeout = 15 * time.Second

	// DefaultBatchSize caps how many records one pass attempts.
	DefaultBatchSize = 50
)

// OnlineChecker reports connectivity. *connectivity.Monitor satisfies it.
type OnlineChecker interface {
	IsOnline() bool
}

// MarkerStore persists the last-sync marker. *storage.QueueStore satisfies it.
type MarkerStore interface {
	LoadLastSync() (storage.SyncMarker, bool)
	SaveLastSync(storage.SyncMarker) error
}

// FailureRecorder keeps a history of permanently failed writes. *storage.QueueStore satisfies it.
type FailureRecorder interface {
	RecordFailure(storage.FailedOperation) error
}

// Config tunes the executor.
type Config struct {
	WriteTimeout  time.Duration
	BatchSize     int
	Notifications bool
}

// Executor runs at most one pass at a time.
type Executor struct {
	queue    *queue.SyncQueue
	writer   remote.Writer
	online   OnlineChecker
	cfg      Config
	notifier notify.Notifier
	bus      *events.Bus
	metrics  *telemetry.Metrics
	markers  MarkerStore
	failures FailureRecorder
	logger   *zap.Logger
	now      func() time.Time

	running  atomic.Bool
	progress atomic.Int32

	mu       sync.RWMutex
	lastSync storage.SyncMarker
	hasSync  bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithNotifier sets the pass outcome sink.
func WithNotifier(n notify.Notifier) Option { return func(e *Executor) { e.notifier = n } }

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option { return func(e *Executor) { e.bus = b } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithMarkers persists the last-sync marker and seeds it on construction.
func WithMarkers(m MarkerStore) Option { return func(e *Executor) { e.markers = m } }

// WithFailureRecorder logs every permanent failure to r.
func WithFailureRecorder(r FailureRecorder) Option { return func(e *Executor) { e.failures = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = logging.OrNop(l) } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New creates an executor.
func New(q *queue.SyncQueue, w remote.Writer, online OnlineChecker, cfg Config, opts ...Option) *Executor {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	e := &Executor{
		queue:  q,
		writer: w,
		online: online,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.markers != nil {
		e.lastSync, e.hasSync = e.markers.LoadLastSync()
	}
	return e
}

// Running reports whether a pass is in progress.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Progress returns the percentage of the current pass completed, 0 when idle.
func (e *Executor) Progress() int {
	return int(e.progress.Load())
}

// LastSync returns the marker of the most recent pass that attempted work.
func (e *Executor) LastSync() (storage.SyncMarker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync, e.hasSync
}

// Flush runs one pass over the oldest records eligible right now, at most BatchSize of them.
// Each record is attempted at most once; a record that fails waits out its backoff
// until a later pass. Cancellation is honored between records only: a write that has
// started runs to completion or to its write timeout, and its outcome is recorded.
func (e *Executor) Flush(ctx context.Context) models.PassSummary {
	summary := models.PassSummary{StartedAt: e.now().UTC()}

	if !e.running.CompareAndSwap(false, true) {
		return e.skip(summary, models.SkipAlreadyRunning)
	}
	defer func() {
		e.progress.Store(0)
		e.running.Store(false)
	}()

	if !e.online.IsOnline() {
		return e.skip(summary, models.SkipOffline)
	}

	batch, err := e.queue.Eligible(ctx)
	if err != nil {
		e.logger.Warn("could not take queue snapshot", zap.Error(err))
		return e.skip(summary, models.SkipLockUnavailable)
	}
	if len(batch) == 0 {
		return e.skip(summary, models.SkipEmpty)
	}
	if len(batch) > e.cfg.BatchSize {
		batch = batch[:e.cfg.BatchSize]
	}

	total := len(batch)
	e.logger.Info("sync pass started", zap.Int("eligible", total))
	e.bus.Publish(events.SyncStarted, map[string]interface{}{"total": total})

	for i, rec := range batch {
		if ctx.Err() != nil {
			summary.Cancelled = true
			e.logger.Info("sync pass cancelled", zap.Int("remaining", total-i))
			break
		}

		e.process(ctx, rec, &summary)

		completed := i + 1
		percent := completed * 100 / total
		e.progress.Store(int32(percent))
		e.bus.Publish(events.SyncProgress, map[string]interface{}{
			"percent":      percent,
			"completed":    completed,
			"total":        total,
			"current_item": rec.ID,
		})
	}

	summary.FinishedAt = e.now().UTC()
	e.finish(ctx, summary)
	return summary
}

func (e *Executor) process(ctx context.Context, rec *models.OperationRecord, summary *models.PassSummary) {
	l := e.logger.With(
		zap.String("operation_id", rec.ID),
		zap.String("kind", string(rec.Kind)),
		zap.String("collection", rec.Collection))

	if err := e.queue.Begin(rec.ID); err != nil {
		// cleared or purged since the snapshot
		l.Debug("record no longer pending, skipping", zap.Error(err))
		return
	}
	summary.Attempted++

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
	err := e.write(writeCtx, rec)
	cancel()

	if err == nil {
		if err := e.queue.Succeed(rec.ID); err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				l.Error("failed to record success", zap.Error(err))
				return
			}
			l.Info("operation cleared while in flight, write already applied")
		}
		summary.Succeeded++
		e.metrics.ObserveOperation(telemetry.ResultSucceeded, rec.Collection)
		e.bus.Publish(events.OperationSucceeded, map[string]interface{}{
			"operation_id": rec.ID,
			"kind":         string(rec.Kind),
			"collection":   rec.Collection,
		})
		return
	}

	state, ferr := e.queue.Fail(rec.ID, err)
	if apperrors.Is(ferr, apperrors.ErrNotFound) {
		l.Info("operation cleared while in flight, failure discarded", zap.Error(err))
		return
	}
	if ferr != nil {
		l.Error("failed to record failure", zap.Error(ferr))
		return
	}

	data := map[string]interface{}{
		"operation_id": rec.ID,
		"kind":         string(rec.Kind),
		"collection":   rec.Collection,
		"attempts":     rec.Attempts + 1,
		"error":        err.Error(),
	}
	if state == models.StateFailed {
		summary.Failed++
		e.metrics.ObserveOperation(telemetry.ResultFailed, rec.Collection)
		e.bus.Publish(events.OperationFailed, data)
		e.recordFailure(rec, err)
		return
	}
	summary.Retried++
	e.metrics.ObserveOperation(telemetry.ResultRetried, rec.Collection)
	e.bus.Publish(events.OperationRetried, data)
}

func (e *Executor) recordFailure(rec *models.OperationRecord, cause error) {
	if e.failures == nil {
		return
	}
	failed := *rec
	failed.Attempts++
	failed.State = models.StateFailed
	failed.LastError = cause.Error()
	entry := storage.FailedOperation{
		Operation: failed,
		Error:     cause.Error(),
		FailedAt:  e.now().UTC(),
	}
	if err := e.failures.RecordFailure(entry); err != nil {
		e.logger.Warn("failed to log failed operation", zap.String("operation_id", rec.ID), zap.Error(err))
	}
}

// write calls the remote writer, turning a panic into an error.
func (e *Executor) write(ctx context.Context, rec *models.OperationRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote writer panicked: %v", r)
		}
	}()
	return e.writer.Write(ctx, rec.Kind, rec.Collection, rec.Payload)
}

func (e *Executor) finish(ctx context.Context, summary models.PassSummary) {
	e.metrics.ObservePass(summary.Duration())

	if summary.Attempted > 0 {
		marker := storage.SyncMarker{
			At:         summary.FinishedAt,
			Successful: summary.Retried == 0 && summary.Failed == 0,
		}
		e.mu.Lock()
		e.lastSync, e.hasSync = marker, true
		e.mu.Unlock()
		if e.markers != nil {
			if err := e.markers.SaveLastSync(marker); err != nil {
				e.logger.Error("failed to persist last sync time", zap.Error(err))
			}
		}
	}

	e.logger.Info("sync pass finished",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Duration("duration", summary.Duration()))

	typ := events.SyncCompleted
	if summary.Failed > 0 {
		typ = events.SyncFailed
	}
	e.bus.Publish(typ, summaryData(summary))

	if summary.Notable() && e.cfg.Notifications && e.notifier != nil {
		e.notify(ctx, summary)
	}
}

func (e *Executor) notify(ctx context.Context, summary models.PassSummary) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", zap.Any("panic", r))
		}
	}()

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, summary); err != nil {
		e.logger.Warn("failed to deliver sync notification", zap.Error(err))
	}
}

func (e *Executor) skip(summary models.PassSummary, reason models.SkipReason) models.PassSummary {
	summary.Skipped = reason
	summary.FinishedAt = summary.StartedAt
	e.metrics.ObserveSkip(string(reason))
	e.logger.Debug("sync pass skipped", zap.String("reason", string(reason)))
	return summary
}

func summaryData(s models.PassSummary) map[string]interface{} {
	return map[string]interface{}{
		"attempted":   s.Attempted,
		"succeeded":   s.Succeeded,
		"retried":     s.Retried,
		"failed":      s.Failed,
		"cancelled":   s.Cancelled,
		"duration_ms": s.Duration().Milliseconds(),
	}
}
