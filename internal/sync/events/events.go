// Package events fans sync engine events out to in-process subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/logging"
)

// Event types.
const (
	SyncStarted         = "sync.started"
	SyncProgress        = "sync.progress"
	SyncCompleted       = "sync.completed"
	SyncFailed          = "sync.failed"
	OperationSucceeded  = "operation.succeeded"
	OperationRetried    = "operation.retried"
	OperationFailed     = "operation.failed"
	QueueChanged        = "queue.changed"
	ConnectivityChanged = "connectivity.changed"
)

// Event is one notification from the engine.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives events. Handlers run on the publisher's goroutine and must not block.
type Handler func(Event)

// Bus delivers each published event to every subscriber.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	logger   *zap.Logger
	now      func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish sends an event of type typ. A nil bus drops it.
func (b *Bus) Publish(typ string, data map[string]interface{}) {
	if b == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	ev := Event{Type: typ, Data: data, Timestamp: b.now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("event", ev.Type), zap.Any("panic", r))
		}
	}()
	h(ev)
}
