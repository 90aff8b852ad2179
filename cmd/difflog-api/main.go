package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/access"
	"github.com/MarcoPoloResearchLab/difflog/internal/config"
	"github.com/MarcoPoloResearchLab/difflog/internal/difflog"
	"github.com/MarcoPoloResearchLab/difflog/internal/logging"
	"github.com/MarcoPoloResearchLab/difflog/internal/server"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/streamlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "difflog-api",
		Short: "Scoped, authenticated diff log service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokensCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("variant", defaults.GetString("log.variant"), "Log variant (ranked, stream)")
	flags.String("storage-backend", defaults.GetString("storage.backend"), "Storage backend (sqlite, pebble, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("postgres-dsn", "", "Postgres connection string")
	flags.Int32("postgres-max-conns", defaults.GetInt32("postgres.max_conns"), "Postgres pool size")
	flags.String("pebble-dir", defaults.GetString("pebble.dir"), "Pebble data directory")
	flags.String("pebble-fsync", defaults.GetString("pebble.fsync"), "Pebble WAL fsync mode (always, interval, never)")
	flags.Int("stream-max-limit", defaults.GetInt("stream.max_limit"), "Maximum entries returned by one stream read")
	flags.String("signing-secret", "", "Enables jwt credentials signed with this secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Issued jwt credential TTL in minutes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.variant", "variant")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "postgres.dsn", "postgres-dsn")
	bindFlag(cmd, "postgres.max_conns", "postgres-max-conns")
	bindFlag(cmd, "pebble.dir", "pebble-dir")
	bindFlag(cmd, "pebble.fsync", "pebble-fsync")
	bindFlag(cmd, "stream.max_limit", "stream-max-limit")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backing, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backing.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	gate, err := newGate(appConfig, backing, logger)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Gate:     gate,
		Realtime: server.NewRealtimeDispatcher(),
		Logger:   logger,
	}
	switch appConfig.Variant {
	case config.VariantStream:
		deps.StreamLog, err = streamlog.NewService(streamlog.ServiceConfig{
			Store:    backing,
			MaxLimit: appConfig.StreamMaxLimit,
			Logger:   logger,
		})
	default:
		deps.DiffLog, err = difflog.NewService(difflog.ServiceConfig{Store: backing, Logger: logger})
	}
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("variant", appConfig.Variant),
			zap.String("storage_backend", appConfig.StorageBackend),
			zap.Bool("jwt_credentials", appConfig.SigningSecret != ""),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newGate wires the jwt verifier only when a signing secret is configured.
func newGate(appConfig config.AppConfig, backing store.Store, logger *zap.Logger) (*access.Gate, error) {
	gateConfig := access.GateConfig{Store: backing, Logger: logger}
	if appConfig.SigningSecret != "" {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return nil, err
		}
		gateConfig.Verifier = issuer
	}
	return access.NewGate(gateConfig)
}
