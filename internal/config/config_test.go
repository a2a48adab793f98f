package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
)

// =====================================================
// Defaults
// =====================================================

func TestLoad_Defaults(t *testing.T) {
	v := NewViper()
	v.Set("remote.base_url", "https://api.example.test")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("Sync.Interval = %v, want 30s", cfg.Sync.Interval)
	}
	if cfg.Sync.RetryDelay != 5*time.Second {
		t.Errorf("Sync.RetryDelay = %v, want 5s", cfg.Sync.RetryDelay)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.FailedRetention != 24*time.Hour {
		t.Errorf("Sync.FailedRetention = %v, want 24h", cfg.Sync.FailedRetention)
	}
	if !cfg.Sync.AssumeOnlineIfUnknown {
		t.Error("Sync.AssumeOnlineIfUnknown should default to true")
	}
	if cfg.Sync.BatchSize != 50 || !cfg.Sync.SyncOnForeground {
		t.Errorf("Sync.BatchSize = %d, SyncOnForeground = %v, want 50/true", cfg.Sync.BatchSize, cfg.Sync.SyncOnForeground)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Codec != "json" {
		t.Errorf("Storage = %+v, want sqlite/json", cfg.Storage)
	}
	if cfg.Remote.Kind != "http" {
		t.Errorf("Remote.Kind = %q, want http", cfg.Remote.Kind)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLINICSYNC_SYNC_MAX_RETRIES", "5")
	t.Setenv("CLINICSYNC_STORAGE_BACKEND", "BADGER")
	t.Setenv("CLINICSYNC_REMOTE_BASE_URL", "https://api.example.test")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("Sync.MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Storage.Backend != "badger" {
		t.Errorf("Storage.Backend = %q, want badger", cfg.Storage.Backend)
	}
}

// =====================================================
// Validation
// =====================================================

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"unknown backend", "storage.backend", "redis"},
		{"unknown codec", "storage.codec", "xml"},
		{"zero retries", "sync.max_retries", 0},
		{"zero write timeout", "sync.write_timeout", time.Duration(0)},
		{"zero batch size", "sync.batch_size", 0},
		{"unknown remote", "remote.kind", "grpc"},
		{"missing base url", "remote.base_url", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set("remote.base_url", "https://api.example.test")
			v.Set(tt.key, tt.val)

			_, err := Load(v)
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !apperrors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("error code = %s, want %s", apperrors.CodeOf(err), apperrors.ErrConfigInvalid)
			}
		})
	}
}

func TestLoad_PostgresRemoteNeedsURL(t *testing.T) {
	v := NewViper()
	v.Set("remote.kind", "postgres")
	if _, err := Load(v); err == nil {
		t.Fatal("Load() should fail without remote.postgres_url")
	}

	v.Set("remote.postgres_url", "postgres://localhost/clinic")
	if _, err := Load(v); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestClampSyncInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{time.Second, MinSyncInterval},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, MaxSyncInterval},
	}
	for _, tt := range tests {
		if got := ClampSyncInterval(tt.in); got != tt.want {
			t.Errorf("ClampSyncInterval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// Files
// =====================================================

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clinicsync.yaml")
	content := "remote:\n  base_url: https://api.example.test\nsync:\n  interval: 45s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.Interval != 45*time.Second {
		t.Errorf("Sync.Interval = %v, want 45s", cfg.Sync.Interval)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "CLINICSYNC_TEST_DOTENV_A=from-file\nCLINICSYNC_TEST_DOTENV_B=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CLINICSYNC_TEST_DOTENV_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("CLINICSYNC_TEST_DOTENV_B") })

	LoadDotEnv(path, filepath.Join(dir, "missing.env"))

	if got := os.Getenv("CLINICSYNC_TEST_DOTENV_A"); got != "from-env" {
		t.Errorf("A = %q, want from-env", got)
	}
	if got := os.Getenv("CLINICSYNC_TEST_DOTENV_B"); got != "from-file" {
		t.Errorf("B = %q, want from-file", got)
	}
}

func TestDataPath(t *testing.T) {
	cfg := AppConfig{DataDir: "/var/lib/clinicsync"}
	if got := cfg.DataPath("queue.db"); got != filepath.Join("/var/lib/clinicsync", "queue.db") {
		t.Errorf("DataPath() = %q", got)
	}
}

// TestLoadLocal verifies storage-only loading does not require a remote.
func TestLoadLocal(t *testing.T) {
	v := NewViper()
	v.Set("data.dir", t.TempDir())

	if _, err := Load(v); err == nil {
		t.Fatal("Load() should require remote.base_url")
	}
	cfg, err := LoadLocal(v)
	if err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}

	v.Set("storage.backend", "cassandra")
	if _, err := LoadLocal(v); err == nil {
		t.Error("LoadLocal() should still validate the backend")
	}
}
