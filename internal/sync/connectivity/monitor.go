// Package connectivity tracks whether the remote is reachable and notifies on transitions.
package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/logging"
)

// Listener is called on a connectivity transition.
type Listener func()

// Monitor holds the current online flag. It never fails: listener panics are recovered.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	known     bool
	assume    bool
	nextID    int
	onOnline  map[int]Listener
	onOffline map[int]Listener
	logger    *zap.Logger
}

// NewMonitor creates a monitor. Until the first report, IsOnline returns assumeOnline.
func NewMonitor(assumeOnline bool, logger *zap.Logger) *Monitor {
	return &Monitor{
		online:    assumeOnline,
		assume:    assumeOnline,
		onOnline:  make(map[int]Listener),
		onOffline: make(map[int]Listener),
		logger:    logging.OrNop(logger),
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Known reports whether any platform signal has been received.
func (m *Monitor) Known() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known
}

// OnOnline registers fn for offline to online transitions.
func (m *Monitor) OnOnline(fn Listener) (unsubscribe func()) {
	return m.subscribe(m.onOnline, fn)
}

// OnOffline registers fn for online to offline transitions.
func (m *Monitor) OnOffline(fn Listener) (unsubscribe func()) {
	return m.subscribe(m.onOffline, fn)
}

func (m *Monitor) subscribe(set map[int]Listener, fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	set[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(set, id)
			m.mu.Unlock()
		})
	}
}

// Report records a platform signal. A signal equal to the current state is ignored,
// so listeners fire exactly once per transition.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	m.known = true
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	set := m.onOffline
	if online {
		set = m.onOnline
	}
	listeners := make([]Listener, 0, len(set))
	for _, fn := range set {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range listeners {
		m.call(fn, online)
	}
}

// ReportUnknown records that the platform cannot tell; the configured assumption applies.
func (m *Monitor) ReportUnknown() {
	m.Report(m.assume)
}

func (m *Monitor) call(fn Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked",
				zap.Bool("online", online),
				zap.Any("panic", r))
		}
	}()
	fn()
}
