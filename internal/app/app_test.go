package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/clinicsync/backend/internal/config"
	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/notify"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/storage"
)

// =====================================================
// Test Helpers
// =====================================================

func loadConfig(t *testing.T, values map[string]interface{}) config.AppConfig {
	t.Helper()
	v := config.NewViper()
	v.Set("data.dir", t.TempDir())
	v.Set("remote.base_url", "http://127.0.0.1:1")
	for k, val := range values {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

// =====================================================
// Wiring
// =====================================================

func TestNew_EndToEnd(t *testing.T) {
	var posts atomic.Int32
	remoteAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/patients" {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer remoteAPI.Close()

	cfg := loadConfig(t, map[string]interface{}{
		"remote.base_url": remoteAPI.URL,
		"storage.backend": "sqlite",
	})
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Start(context.Background())
	a.Start(context.Background())

	// enqueueing while online starts a background pass
	a.Engine.Enqueue(models.KindCreate, "patients", map[string]interface{}{"name": "Ana"})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := a.Engine.Status(); st.PendingCount == 0 && !st.IsSyncing {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if posts.Load() != 1 {
		t.Errorf("posts = %d, want 1", posts.Load())
	}
	if summary := a.Engine.FlushNow(context.Background()); summary.Skipped != models.SkipEmpty {
		t.Errorf("FlushNow() after drain = %+v", summary)
	}

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "clinicsync_operations_processed_total" {
			found = true
		}
	}
	if !found {
		t.Error("engine metrics not registered")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNew_PostgresUnreachable(t *testing.T) {
	cfg := loadConfig(t, map[string]interface{}{
		"remote.kind":         "postgres",
		"remote.postgres_url": "postgres://clinic@127.0.0.1:1/clinic?connect_timeout=1",
		"storage.backend":     "memory",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := New(ctx, cfg, nil); err == nil {
		t.Fatal("New() should fail when postgres is unreachable")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]interface{}{
		"sync.interval":    "1s",
		"sync.max_retries": 5,
		"sync.batch_size":  20,
	})
	ec := EngineConfig(cfg)
	if ec.Scheduler.SyncInterval != config.MinSyncInterval {
		t.Errorf("SyncInterval = %v, want clamped to %v", ec.Scheduler.SyncInterval, config.MinSyncInterval)
	}
	if ec.Queue.MaxRetries != 5 || ec.Executor.BatchSize != 20 || ec.FailedRetention != 24*time.Hour {
		t.Errorf("EngineConfig() = %+v", ec)
	}
}

func TestNewStore_Encrypted(t *testing.T) {
	cfg := loadConfig(t, map[string]interface{}{
		"storage.backend":        "file",
		"storage.codec":          "msgpack",
		"storage.encryption_key": "correct horse battery staple",
	})
	store, err := NewStore(cfg, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	rec := &models.OperationRecord{ID: "op-1", Kind: models.KindCreate, Collection: "patients", State: models.StatePending, EnqueuedAt: time.Now().UTC()}
	if err := store.Save([]*models.OperationRecord{rec}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	store.Close()

	reopened, err := NewStore(cfg, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer reopened.Close()
	if got := reopened.Load(); len(got) != 1 || got[0].ID != "op-1" {
		t.Errorf("Load() = %+v", got)
	}

	kv, err := storage.OpenKV(storage.BackendFile, cfg.DataDir)
	if err != nil {
		t.Fatalf("OpenKV() error = %v", err)
	}
	defer kv.Close()
	raw, err := kv.Get(models.QueueSnapshot{}.StorageKey())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if strings.Contains(string(raw), "patients") {
		t.Error("queue is stored in plaintext")
	}
}

func TestNewWriter_UnknownKind(t *testing.T) {
	_, _, err := NewWriter(context.Background(), config.RemoteConfig{Kind: "grpc"})
	if !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("error = %v, want CONFIG_INVALID", err)
	}
}

func TestNewNotifier_LogOnly(t *testing.T) {
	n, closeFn, err := NewNotifier(config.AMQPConfig{}, nil)
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Errorf("notifier = %T, want *notify.LogNotifier", n)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close error = %v", err)
	}
}

func TestProbeAddress(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
		want   string
	}{
		{"explicit", map[string]interface{}{"probe.address": "10.0.0.1:53"}, "10.0.0.1:53"},
		{"from base url", map[string]interface{}{"remote.base_url": "https://api.clinic.test"}, "api.clinic.test:443"},
		{"from postgres url", map[string]interface{}{
			"remote.kind":         "postgres",
			"remote.postgres_url": "postgres://clinic@db.clinic.test/clinic",
		}, "db.clinic.test:5432"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := probeAddress(loadConfig(t, tt.values))
			if !ok || got != tt.want {
				t.Errorf("probeAddress() = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}
