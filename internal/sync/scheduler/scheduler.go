// Package scheduler triggers flush passes in the background.
//
// Passes start on a periodic tick while online with outstanding work, immediately on an
// offline to online transition, and on demand through Trigger. A pass that leaves eligible
// work behind is followed by another one shortly after. A cleanup loop purges stale failures.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/queue"
)

// Flusher runs one pass. *executor.Executor satisfies it.
type Flusher interface {
	Flush(ctx context.Context) models.PassSummary
}

// Backlog reports queue depth. *queue.SyncQueue satisfies it.
type Backlog interface {
	Stats() queue.Stats
	HasEligible() bool
}

// Connectivity is the part of *connectivity.Monitor the scheduler needs.
type Connectivity interface {
	IsOnline() bool
	OnOnline(fn connectivity.Listener) (unsubscribe func())
}

// Trigger reasons, used in logs.
const (
	ReasonTick       = "tick"
	ReasonOnline     = "online"
	ReasonEnqueue    = "enqueue"
	ReasonForeground = "foreground"
	ReasonFollowUp   = "follow_up"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval    time.Duration // how often to flush while online (default: 30 seconds)
	CleanupInterval time.Duration // how often to purge stale failures (default: 1 hour)
	FollowUpDelay   time.Duration // pause before draining work a pass left behind (default: 1 second)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    30 * time.Second,
		CleanupInterval: time.Hour,
		FollowUpDelay:   time.Second,
	}
}

// Scheduler owns the background loops. It never touches queue state directly.
type Scheduler struct {
	flusher Flusher
	backlog Backlog
	conn    Connectivity
	cleanup func() int
	logger  *zap.Logger

	mu              sync.Mutex
	syncInterval    time.Duration
	cleanupInterval time.Duration
	followUpDelay   time.Duration
	isRunning       bool
	cancel          context.CancelFunc
	passCtx         context.Context
	unsubscribe     func()
	resetCh         chan time.Duration

	wg      sync.WaitGroup
	passing atomic.Bool
	passes  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = logging.OrNop(l) } }

// WithCleanup sets the function run on every cleanup tick. It returns the number purged.
func WithCleanup(fn func() int) Option { return func(s *Scheduler) { s.cleanup = fn } }

// NewScheduler creates a stopped scheduler.
func NewScheduler(f Flusher, b Backlog, c Connectivity, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = def.FollowUpDelay
	}
	s := &Scheduler{
		flusher:         f,
		backlog:         b,
		conn:            c,
		logger:          zap.NewNop(),
		syncInterval:    cfg.SyncInterval,
		cleanupInterval: cfg.CleanupInterval,
		followUpDelay:   cfg.FollowUpDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loops. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.passCtx, s.cancel = context.WithCancel(ctx)
	s.resetCh = make(chan time.Duration, 1)
	runCtx := s.passCtx
	interval, cleanupEvery := s.syncInterval, s.cleanupInterval
	s.wg.Add(2)
	s.mu.Unlock()

	go s.periodicLoop(runCtx, interval)
	go s.cleanupLoop(runCtx, cleanupEvery)

	unsub := s.conn.OnOnline(func() { s.Trigger(ReasonOnline) })
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	s.logger.Info("sync scheduler started",
		zap.Duration("sync_interval", interval),
		zap.Duration("cleanup_interval", cleanupEvery))
}

// Stop cancels the loops, asks a running pass to stop between records and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsub, cancel := s.unsubscribe, s.cancel
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	s.wg.Wait()

	s.logger.Info("sync scheduler stopped")
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// SyncInterval returns the current periodic interval.
func (s *Scheduler) SyncInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncInterval
}

// SetSyncInterval changes the periodic interval, taking effect on a running loop immediately.
func (s *Scheduler) SetSyncInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.syncInterval = d
	ch := s.resetCh
	running := s.isRunning
	s.mu.Unlock()

	if !running {
		return
	}
	// keep only the latest value
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- d:
	default:
	}
	s.logger.Info("sync interval changed", zap.Duration("sync_interval", d))
}

// Passes returns how many passes the scheduler has started.
func (s *Scheduler) Passes() int64 {
	return s.passes.Load()
}

// Trigger starts a pass in the background when the scheduler is running, the remote is
// reachable and work is outstanding. It never waits for the pass and returns whether
// one was started.
func (s *Scheduler) Trigger(reason string) bool {
	if !s.conn.IsOnline() {
		s.logger.Debug("skipping trigger - offline", zap.String("reason", reason))
		return false
	}
	if s.backlog.Stats().Outstanding() == 0 {
		return false
	}
	if !s.passing.CompareAndSwap(false, true) {
		s.logger.Debug("pass already in progress, skipping", zap.String("reason", reason))
		return false
	}

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		s.passing.Store(false)
		return false
	}
	ctx := s.passCtx
	delay := s.followUpDelay
	s.wg.Add(1)
	s.mu.Unlock()

	s.passes.Add(1)
	go func() {
		defer s.wg.Done()
		summary := s.flusher.Flush(ctx)
		s.passing.Store(false)
		s.logger.Debug("scheduled pass finished",
			zap.String("reason", reason),
			zap.Int("attempted", summary.Attempted),
			zap.String("skipped", string(summary.Skipped)))

		if summary.Skipped == "" && !summary.Cancelled && ctx.Err() == nil && s.backlog.HasEligible() {
			s.wg.Add(1)
			go s.followUp(ctx, delay)
		}
	}()
	return true
}

// followUp triggers one more pass after delay unless the scheduler stops first.
func (s *Scheduler) followUp(ctx context.Context, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		s.Trigger(ReasonFollowUp)
	}
}

func (s *Scheduler) periodicLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	resetCh := s.resetCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			s.Trigger(ReasonTick)
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	if s.cleanup == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cleanup(); n > 0 {
				s.logger.Info("purged stale failed operations", zap.Int("purged", n))
			}
		}
	}
}
