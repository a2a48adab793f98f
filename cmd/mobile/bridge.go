// Package main builds the shared library loaded by the mobile apps.
// Build as shared library: libclinicsync.so (Android) / clinicsync.framework (iOS).
package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/kimhsiao/clinicsync/backend/internal/app"
	"github.com/kimhsiao/clinicsync/backend/internal/config"
	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/scheduler"
)

// bridge holds the engine behind the C exports. Every method is safe for concurrent use.
type bridge struct {
	mu      sync.RWMutex
	app     *app.App
	lastMu  sync.RWMutex
	lastErr string
}

var core = &bridge{}

func errNotInitialized() error {
	return apperrors.New(apperrors.ErrSyncNotConfigured, "sync engine not initialized")
}

// start opens the queue under dataDir and starts the engine. configJSON may override any
// configuration key, e.g. {"remote":{"base_url":"https://api.clinic.test"}}.
func (b *bridge) start(dataDir, configJSON string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	v := config.NewViper()
	v.Set("data.dir", dataDir)
	if strings.TrimSpace(configJSON) != "" {
		v.SetConfigType("json")
		if err := v.MergeConfig(strings.NewReader(configJSON)); err != nil {
			return b.fail(apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid configuration JSON", err))
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return b.fail(err)
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return b.fail(err)
	}
	logging.Init(logger)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return b.fail(err)
	}
	a.Start(context.Background())
	b.app = a
	return nil
}

func (b *bridge) shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil
	}
	err := b.app.Close()
	b.app = nil
	if err != nil {
		return b.fail(err)
	}
	return nil
}

// withApp runs fn against the running app or records errNotInitialized.
func (b *bridge) withApp(fn func(a *app.App) (string, error)) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.app == nil {
		return "", b.fail(errNotInitialized())
	}
	out, err := fn(b.app)
	if err != nil {
		return "", b.fail(err)
	}
	return out, nil
}

func (b *bridge) enqueue(kind, collection, payloadJSON string) (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		k, err := models.ParseOperationKind(kind)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid operation kind", err)
		}
		if strings.TrimSpace(collection) == "" {
			return "", apperrors.New(apperrors.ErrInvalid, "collection is required")
		}
		var payload map[string]interface{}
		if strings.TrimSpace(payloadJSON) != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				return "", apperrors.Wrap(apperrors.ErrInvalid, "payload is not a JSON object", err)
			}
		}
		return a.Engine.Enqueue(k, collection, payload), nil
	})
}

func (b *bridge) status() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(a.Engine.Status())
	})
}

func (b *bridge) operations() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(a.Engine.Operations())
	})
}

func (b *bridge) flush() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(a.Engine.FlushNow(context.Background()))
	})
}

func (b *bridge) setOnline(online bool) error {
	_, err := b.withApp(func(a *app.App) (string, error) {
		a.Engine.ReportConnectivity(online)
		return "", nil
	})
	return err
}

// foreground is called when the app returns to the foreground. It reports whether a
// background pass started; sync.sync_on_foreground turns the behavior off.
func (b *bridge) foreground() (bool, error) {
	var started bool
	_, err := b.withApp(func(a *app.App) (string, error) {
		if a.Config.Sync.SyncOnForeground {
			started = a.Engine.TriggerSync(scheduler.ReasonForeground)
		}
		return "", nil
	})
	return started, err
}

func (b *bridge) failedOperations() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(a.Engine.FailedOperations())
	})
}

func (b *bridge) cleanupStale() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(map[string]int{"purged": a.Engine.CleanupStaleFailures()})
	})
}

func (b *bridge) clearQueue() (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return marshal(map[string]int{"removed": a.Engine.ClearQueue()})
	})
}

func (b *bridge) retry(id string) (string, error) {
	return b.withApp(func(a *app.App) (string, error) {
		return a.Engine.RetryFailed(id)
	})
}

func (b *bridge) fail(err error) error {
	b.lastMu.Lock()
	b.lastErr = err.Error()
	b.lastMu.Unlock()
	return err
}

func (b *bridge) lastError() string {
	b.lastMu.RLock()
	defer b.lastMu.RUnlock()
	return b.lastErr
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
