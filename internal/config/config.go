// Package config loads runtime configuration for the sync daemon and bridges.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
)

const (
	envPrefix = "CLINICSYNC"

	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultDataDir         = "./data"
	defaultStorageBackend  = "sqlite"
	defaultStorageCodec    = "json"
	defaultSyncInterval    = 30 * time.Second
	defaultRetryDelay      = 5 * time.Second
	defaultMaxBackoff      = time.Hour
	defaultMaxRetries      = 3
	defaultWriteTimeout    = 15 * time.Second
	defaultFailedRetention = 24 * time.Hour
	defaultCleanupInterval = time.Hour
	defaultBatchSize       = 50
	defaultProbeInterval   = 10 * time.Second
	defaultRemoteKind      = "http"
	defaultAMQPExchange    = "clinicsync.sync"
	defaultHTTPAddress     = "127.0.0.1:8090"

	// MinSyncInterval and MaxSyncInterval bound the periodic trigger.
	MinSyncInterval = 10 * time.Second
	MaxSyncInterval = 10 * time.Minute
)

// LogConfig configures the logger.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// StorageConfig selects the durable queue backend.
type StorageConfig struct {
	Backend       string // sqlite, badger, file, memory
	Codec         string // json, msgpack
	EncryptionKey string
}

// SyncConfig holds executor and scheduler tuning.
type SyncConfig struct {
	Interval              time.Duration
	RetryDelay            time.Duration
	MaxBackoff            time.Duration
	MaxRetries            int
	WriteTimeout          time.Duration
	FailedRetention       time.Duration
	CleanupInterval       time.Duration
	BatchSize             int
	AssumeOnlineIfUnknown bool
	SyncOnForeground      bool
	Notifications         bool
}

// RemoteConfig selects the remote write API.
type RemoteConfig struct {
	Kind        string // http, postgres
	BaseURL     string
	Token       string
	PostgresURL string
}

// ProbeConfig configures the reachability prober.
type ProbeConfig struct {
	Address  string
	Interval time.Duration
}

// AMQPConfig configures the broker notification sink. Empty URL disables it.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AppConfig captures runtime configuration.
type AppConfig struct {
	Log         LogConfig
	DataDir     string
	Storage     StorageConfig
	Sync        SyncConfig
	Remote      RemoteConfig
	Probe       ProbeConfig
	AMQP        AMQPConfig
	HTTPAddress string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("data.dir", defaultDataDir)
	v.SetDefault("storage.backend", defaultStorageBackend)
	v.SetDefault("storage.codec", defaultStorageCodec)
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("sync.interval", defaultSyncInterval)
	v.SetDefault("sync.retry_delay", defaultRetryDelay)
	v.SetDefault("sync.max_backoff", defaultMaxBackoff)
	v.SetDefault("sync.max_retries", defaultMaxRetries)
	v.SetDefault("sync.write_timeout", defaultWriteTimeout)
	v.SetDefault("sync.failed_retention", defaultFailedRetention)
	v.SetDefault("sync.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("sync.batch_size", defaultBatchSize)
	v.SetDefault("sync.assume_online_if_unknown", true)
	v.SetDefault("sync.sync_on_foreground", true)
	v.SetDefault("sync.notifications", true)
	v.SetDefault("remote.kind", defaultRemoteKind)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.postgres_url", "")
	v.SetDefault("probe.address", "")
	v.SetDefault("probe.interval", defaultProbeInterval)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", defaultAMQPExchange)
	v.SetDefault("http.address", defaultHTTPAddress)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into the process
// environment without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := parse(v)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

// LoadLocal parses configuration and validates only the local storage settings.
// Tools that read the queue without contacting the remote use it.
func LoadLocal(v *viper.Viper) (AppConfig, error) {
	cfg := parse(v)
	if err := cfg.validateLocal(); err != nil {
		return AppConfig{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

func parse(v *viper.Viper) AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		DataDir: v.GetString("data.dir"),
		Storage: StorageConfig{
			Backend:       strings.ToLower(v.GetString("storage.backend")),
			Codec:         strings.ToLower(v.GetString("storage.codec")),
			EncryptionKey: v.GetString("storage.encryption_key"),
		},
		Sync: SyncConfig{
			Interval:              ClampSyncInterval(v.GetDuration("sync.interval")),
			RetryDelay:            v.GetDuration("sync.retry_delay"),
			MaxBackoff:            v.GetDuration("sync.max_backoff"),
			MaxRetries:            v.GetInt("sync.max_retries"),
			WriteTimeout:          v.GetDuration("sync.write_timeout"),
			FailedRetention:       v.GetDuration("sync.failed_retention"),
			CleanupInterval:       v.GetDuration("sync.cleanup_interval"),
			BatchSize:             v.GetInt("sync.batch_size"),
			AssumeOnlineIfUnknown: v.GetBool("sync.assume_online_if_unknown"),
			SyncOnForeground:      v.GetBool("sync.sync_on_foreground"),
			Notifications:         v.GetBool("sync.notifications"),
		},
		Remote: RemoteConfig{
			Kind:        strings.ToLower(v.GetString("remote.kind")),
			BaseURL:     v.GetString("remote.base_url"),
			Token:       v.GetString("remote.token"),
			PostgresURL: v.GetString("remote.postgres_url"),
		},
		Probe: ProbeConfig{
			Address:  v.GetString("probe.address"),
			Interval: v.GetDuration("probe.interval"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("amqp.url"),
			Exchange: v.GetString("amqp.exchange"),
		},
		HTTPAddress: v.GetString("http.address"),
	}
}

// ClampSyncInterval bounds d to [MinSyncInterval, MaxSyncInterval].
func ClampSyncInterval(d time.Duration) time.Duration {
	if d < MinSyncInterval {
		return MinSyncInterval
	}
	if d > MaxSyncInterval {
		return MaxSyncInterval
	}
	return d
}

// DataPath resolves name inside the data directory.
func (c AppConfig) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

func (c AppConfig) validate() error {
	if err := c.validateLocal(); err != nil {
		return err
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Sync.RetryDelay < 0 {
		return fmt.Errorf("sync.retry_delay must not be negative")
	}
	if c.Sync.WriteTimeout <= 0 {
		return fmt.Errorf("sync.write_timeout must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Sync.FailedRetention <= 0 {
		return fmt.Errorf("sync.failed_retention must be positive")
	}
	switch c.Remote.Kind {
	case "http":
		if strings.TrimSpace(c.Remote.BaseURL) == "" {
			return fmt.Errorf("remote.base_url is required for the http remote")
		}
	case "postgres":
		if strings.TrimSpace(c.Remote.PostgresURL) == "" {
			return fmt.Errorf("remote.postgres_url is required for the postgres remote")
		}
	default:
		return fmt.Errorf("remote.kind %q is not supported", c.Remote.Kind)
	}
	return nil
}

func (c AppConfig) validateLocal() error {
	switch c.Storage.Backend {
	case "sqlite", "badger", "file", "memory":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Storage.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("storage.codec %q is not supported", c.Storage.Codec)
	}
	if c.Storage.Backend != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	return nil
}

// Watch re-reads the config file on change and hands the reloaded configuration to fn.
// Reloads that fail validation are passed to onErr and otherwise ignored.
func Watch(v *viper.Viper, fn func(AppConfig), onErr func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}
