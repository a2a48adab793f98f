// Package main runs the ClinicSync desktop daemon.
// The desktop UI talks to it over REST and WebSocket on localhost:8090.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/app"
	"github.com/kimhsiao/clinicsync/backend/internal/config"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "clinicsync-desktop",
		Short:         "ClinicSync offline sync daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), v)
		},
	}

	setupFlags(rootCmd, v, &cfgFile)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), v)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted queue without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), v)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

func setupFlags(cmd *cobra.Command, v *viper.Viper, cfgFile *string) {
	config.ApplyDefaults(v)
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory for the durable queue")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Queue backend (sqlite, badger, file, memory)")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Base URL of the clinic REST API")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, v, "http.address", "http-address")
	bindFlag(cmd, v, "data.dir", "data-dir")
	bindFlag(cmd, v, "storage.backend", "storage-backend")
	bindFlag(cmd, v, "remote.base_url", "remote-url")
	bindFlag(cmd, v, "log.level", "log-level")
	bindFlag(cmd, v, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig(v *viper.Viper, cfgFile string) error {
	config.LoadDotEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("clinicsync")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newLogger(cfg config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
}

func runServer(ctx context.Context, v *viper.Viper) error {
	appConfig, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logging.Init(logger)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close sync engine", zap.Error(err))
		}
	}()

	if v.ConfigFileUsed() != "" {
		config.Watch(v, func(next config.AppConfig) {
			a.Engine.SetSyncInterval(next.Sync.Interval)
		}, func(err error) {
			logger.Warn("ignoring invalid configuration reload", zap.Error(err))
		})
	}

	hub := server.NewHub(logger.Named("ws"))
	defer hub.Close()
	unsubscribe := a.Engine.Subscribe(hub.Publish)
	defer unsubscribe()

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:   a.Engine,
		Hub:      hub,
		Gatherer: a.Registry,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Start(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("version", version))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runInspect(out io.Writer, v *viper.Viper) error {
	appConfig, err := config.LoadLocal(v)
	if err != nil {
		return err
	}
	store, err := app.NewStore(appConfig, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	report := struct {
		Operations interface{} `json:"operations"`
		LastSync   interface{} `json:"last_sync,omitempty"`
	}{Operations: store.Load()}
	if marker, ok := store.LoadLastSync(); ok {
		report.LastSync = marker
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
