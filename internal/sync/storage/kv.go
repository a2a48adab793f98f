// Package storage persists the operation queue through a small key-value abstraction.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kimhsiao/clinicsync/backend/internal/db"
)

// ErrKeyNotFound is returned by KV.Get for a key that was never set or was deleted.
var ErrKeyNotFound = errors.New("key not found")

// KV is the durable key-value backend the queue store writes through.
// Set must replace the whole value atomically.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Backend names accepted by OpenKV.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// OpenKV opens the named backend rooted at dataDir.
func OpenKV(backend, dataDir string) (KV, error) {
	switch strings.ToLower(backend) {
	case BackendSQLite, "":
		database, err := db.Open(dataDir)
		if err != nil {
			return nil, err
		}
		return NewSQLiteKV(database), nil
	case BackendBadger:
		return NewBadgerKV(filepath.Join(dataDir, "queue.badger"))
	case BackendFile:
		return NewFileKV(filepath.Join(dataDir, "queue"))
	case BackendMemory:
		return NewMemoryKV(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

// MemoryKV keeps values in process memory. Used by tests and ephemeral sessions.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// Close is a no-op.
func (m *MemoryKV) Close() error {
	return nil
}
