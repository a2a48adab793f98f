// Package queue holds the ordered operation queue and persists it on every mutation.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/telemetry"
	"github.com/kimhsiao/clinicsync/backend/internal/uuid"
)

// Store is the durable side of the queue.
type Store interface {
	Load() []*models.OperationRecord
	Save(records []*models.OperationRecord) error
}

// Config sets retry policy.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		MaxBackoff: time.Hour,
	}
}

// Stats counts records by state.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Outstanding returns records still waiting to reach the remote.
func (s Stats) Outstanding() int {
	return s.Pending + s.InFlight
}

// SyncQueue is the in-memory ordered queue. It is the only writer of the Store.
//
// A single lock guards both the records and the save that follows each mutation,
// so any reader that acquires it sees exactly what is on disk.
type SyncQueue struct {
	lock         chan struct{}
	records      []*models.OperationRecord
	store        Store
	cfg          Config
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
	onChange     func(Stats)
	lastEnqueued time.Time
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *SyncQueue) { q.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *SyncQueue) { q.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// WithOnChange registers a callback invoked after every mutation, outside the lock.
func WithOnChange(fn func(Stats)) Option {
	return func(q *SyncQueue) { q.onChange = fn }
}

// New creates a queue seeded from store.Load().
func New(store Store, cfg Config, opts ...Option) *SyncQueue {
	def := DefaultConfig()
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	q := &SyncQueue{
		lock:   make(chan struct{}, 1),
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.records = store.Load()
	for _, rec := range q.records {
		if rec.EnqueuedAt.After(q.lastEnqueued) {
			q.lastEnqueued = rec.EnqueuedAt
		}
	}
	stats := q.statsLocked()
	q.metrics.SetQueueDepth(stats.Outstanding(), stats.Failed)

	return q
}

func (q *SyncQueue) acquire() {
	q.lock <- struct{}{}
}

// acquireContext waits for the lock until ctx is done.
func (q *SyncQueue) acquireContext(ctx context.Context) error {
	select {
	case q.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *SyncQueue) release() {
	<-q.lock
}

// Config returns the retry policy.
func (q *SyncQueue) Config() Config {
	return q.cfg
}

// Enqueue appends a new pending record and persists the queue.
// It never fails: a failed save is logged and the in-memory queue stays authoritative.
// A record with an unknown kind is kept as failed so it stays visible until purged.
func (q *SyncQueue) Enqueue(kind models.OperationKind, collection string, payload map[string]interface{}) *models.OperationRecord {
	q.acquire()
	rec := q.appendLocked(kind, collection, payload)
	stats := q.commitLocked("enqueue")
	q.release()

	if rec.State == models.StateFailed {
		q.logger.Warn("operation rejected",
			zap.String("operation_id", rec.ID),
			zap.String("kind", string(kind)),
			zap.String("collection", collection),
			zap.String("error", rec.LastError))
	} else {
		q.logger.Debug("operation enqueued",
			zap.String("operation_id", rec.ID),
			zap.String("kind", string(kind)),
			zap.String("collection", collection))
	}
	q.changed(stats)

	return rec
}

func (q *SyncQueue) appendLocked(kind models.OperationKind, collection string, payload map[string]interface{}) *models.OperationRecord {
	at := q.now().UTC()
	if at.Before(q.lastEnqueued) {
		at = q.lastEnqueued
	}
	q.lastEnqueued = at

	// stored copy so later caller edits to payload don't leak in
	rec := (&models.OperationRecord{
		ID:         uuid.NewOperationID(),
		Kind:       kind,
		Collection: collection,
		Payload:    payload,
		EnqueuedAt: at,
		State:      models.StatePending,
	}).Clone()
	if !kind.Valid() {
		rec.State = models.StateFailed
		rec.LastError = fmt.Sprintf("unknown operation kind %q", kind)
		rec.FailedAt = &at
	}
	q.records = append(q.records, rec)
	return rec.Clone()
}

// Eligible returns copies of pending records whose backoff has elapsed, in FIFO order.
// It fails only when ctx ends before the lock could be taken.
func (q *SyncQueue) Eligible(ctx context.Context) ([]*models.OperationRecord, error) {
	if err := q.acquireContext(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	now := q.now()
	var out []*models.OperationRecord
	for _, rec := range q.records {
		if rec.State == models.StatePending && !rec.NextAttemptAt.After(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// HasEligible reports whether any pending record could be written right now.
func (q *SyncQueue) HasEligible() bool {
	q.acquire()
	defer q.release()

	now := q.now()
	for _, rec := range q.records {
		if rec.State == models.StatePending && !rec.NextAttemptAt.After(now) {
			return true
		}
	}
	return false
}

// Begin moves a pending record in flight and persists the queue.
func (q *SyncQueue) Begin(id string) error {
	q.acquire()
	rec, err := q.transitionLocked(id, models.StateInFlight)
	if err != nil {
		q.release()
		return err
	}
	stats := q.commitLocked("begin")
	q.release()

	q.logger.Debug("operation in flight", zap.String("operation_id", rec.ID), zap.Int("attempts", rec.Attempts))
	q.changed(stats)
	return nil
}

// Succeed records a successful write. Succeeded records leave the queue immediately.
func (q *SyncQueue) Succeed(id string) error {
	q.acquire()
	if _, err := q.transitionLocked(id, models.StateSucceeded); err != nil {
		q.release()
		return err
	}
	q.removeLocked(id)
	stats := q.commitLocked("succeed")
	q.release()

	q.changed(stats)
	return nil
}

// Fail records a failed write: the attempt counter grows, and the record either returns
// to pending behind a backoff delay or, out of retries, becomes failed for good.
// The resulting state is returned.
func (q *SyncQueue) Fail(id string, cause error) (models.OperationState, error) {
	q.acquire()
	rec, ok := q.findLocked(id)
	if !ok {
		q.release()
		return "", apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}

	next := models.StatePending
	if rec.Attempts+1 >= q.cfg.MaxRetries {
		next = models.StateFailed
	}
	if _, err := q.transitionLocked(id, next); err != nil {
		q.release()
		return "", err
	}

	now := q.now().UTC()
	rec.Attempts++
	if cause != nil {
		rec.LastError = cause.Error()
	}
	var delay time.Duration
	if next == models.StateFailed {
		rec.FailedAt = &now
		rec.NextAttemptAt = time.Time{}
	} else {
		delay = CalculateBackoff(q.cfg.RetryDelay, q.cfg.MaxBackoff, rec.Attempts)
		rec.NextAttemptAt = now.Add(delay)
	}
	attempts := rec.Attempts
	stats := q.commitLocked("fail")
	q.release()

	if next == models.StateFailed {
		q.logger.Warn("operation failed permanently",
			zap.String("operation_id", id),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	} else {
		q.logger.Info("operation failed, will retry",
			zap.String("operation_id", id),
			zap.Int("attempts", attempts),
			zap.Int("max_retries", q.cfg.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(cause))
	}
	q.changed(stats)
	return next, nil
}

// CalculateBackoff returns retryDelay * 2^attempts, capped at maxBackoff.
func CalculateBackoff(retryDelay, maxBackoff time.Duration, attempts int) time.Duration {
	if retryDelay <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	backoff := retryDelay
	for i := 0; i < attempts; i++ {
		if backoff >= maxBackoff/2 {
			return maxBackoff
		}
		backoff *= 2
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// Remove purges a record that is not in flight.
func (q *SyncQueue) Remove(id string) error {
	q.acquire()
	rec, ok := q.findLocked(id)
	if !ok {
		q.release()
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	if rec.State == models.StateInFlight {
		q.release()
		return apperrors.Newf(apperrors.ErrInvalidTransition, "operation %s is in flight", id)
	}
	q.removeLocked(id)
	stats := q.commitLocked("remove")
	q.release()

	q.changed(stats)
	return nil
}

// Requeue replaces a failed record with a fresh pending copy of the same write.
// The original record is purged, so its attempt count never goes backwards.
func (q *SyncQueue) Requeue(id string) (*models.OperationRecord, error) {
	q.acquire()
	rec, ok := q.findLocked(id)
	if !ok {
		q.release()
		return nil, apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	if rec.State != models.StateFailed {
		q.release()
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "operation %s is %s, not failed", id, rec.State)
	}
	q.removeLocked(id)
	fresh := q.appendLocked(rec.Kind, rec.Collection, rec.Payload)
	stats := q.commitLocked("requeue")
	q.release()

	q.logger.Info("failed operation requeued",
		zap.String("operation_id", id),
		zap.String("new_operation_id", fresh.ID))
	q.changed(stats)
	return fresh, nil
}

// PurgeFailed removes failed records that failed before cutoff and returns how many went.
// Records without FailedAt are aged by EnqueuedAt.
func (q *SyncQueue) PurgeFailed(cutoff time.Time) int {
	q.acquire()
	kept := q.records[:0]
	removed := 0
	for _, rec := range q.records {
		if rec.State == models.StateFailed && failedSince(rec).Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	if removed == 0 {
		q.release()
		return 0
	}
	stats := q.commitLocked("purge")
	q.release()

	q.logger.Info("purged stale failed operations", zap.Int("count", removed))
	q.changed(stats)
	return removed
}

func failedSince(rec *models.OperationRecord) time.Time {
	if rec.FailedAt != nil {
		return *rec.FailedAt
	}
	return rec.EnqueuedAt
}

// Clear removes every record, in flight or not, and returns how many went.
// The outcome of a write that was in flight is discarded: Succeed and Fail report
// ErrNotFound for it and leave the queue untouched.
func (q *SyncQueue) Clear() int {
	q.acquire()
	removed := len(q.records)
	q.records = []*models.OperationRecord{}
	stats := q.commitLocked("clear")
	q.release()

	q.logger.Info("queue cleared", zap.Int("count", removed))
	q.changed(stats)
	return removed
}

// Get returns a copy of one record.
func (q *SyncQueue) Get(id string) (*models.OperationRecord, bool) {
	q.acquire()
	defer q.release()

	rec, ok := q.findLocked(id)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of all records in FIFO order.
func (q *SyncQueue) List() []*models.OperationRecord {
	q.acquire()
	defer q.release()

	out := make([]*models.OperationRecord, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of records in the queue.
func (q *SyncQueue) Len() int {
	q.acquire()
	defer q.release()
	return len(q.records)
}

// Stats returns counts by state.
func (q *SyncQueue) Stats() Stats {
	q.acquire()
	defer q.release()
	return q.statsLocked()
}

// ByCollection counts outstanding records per collection.
func (q *SyncQueue) ByCollection() map[string]int {
	q.acquire()
	defer q.release()

	out := make(map[string]int)
	for _, rec := range q.records {
		if rec.State == models.StatePending || rec.State == models.StateInFlight {
			out[rec.Collection]++
		}
	}
	return out
}

func (q *SyncQueue) statsLocked() Stats {
	var s Stats
	for _, rec := range q.records {
		s.Total++
		switch rec.State {
		case models.StatePending:
			s.Pending++
		case models.StateInFlight:
			s.InFlight++
		case models.StateFailed:
			s.Failed++
		}
	}
	return s
}

func (q *SyncQueue) findLocked(id string) (*models.OperationRecord, bool) {
	for _, rec := range q.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return nil, false
}

func (q *SyncQueue) removeLocked(id string) {
	for i, rec := range q.records {
		if rec.ID == id {
			q.records = append(q.records[:i], q.records[i+1:]...)
			return
		}
	}
}

func (q *SyncQueue) transitionLocked(id string, next models.OperationState) (*models.OperationRecord, error) {
	rec, ok := q.findLocked(id)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	if !rec.State.CanTransition(next) {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"operation %s cannot move from %s to %s", id, rec.State, next)
	}
	rec.State = next
	return rec, nil
}

// commitLocked saves the queue and refreshes gauges. A failed save is logged only.
func (q *SyncQueue) commitLocked(op string) Stats {
	if err := q.store.Save(q.records); err != nil {
		q.metrics.PersistenceFailed()
		q.logger.Error("failed to persist queue",
			zap.String("mutation", op),
			zap.Int("records", len(q.records)),
			zap.Error(err))
	}
	stats := q.statsLocked()
	q.metrics.SetQueueDepth(stats.Outstanding(), stats.Failed)
	return stats
}

func (q *SyncQueue) changed(stats Stats) {
	if q.onChange != nil {
		q.onChange(stats)
	}
}
