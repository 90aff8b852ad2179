package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/auth"
	"github.com/MarcoPoloResearchLab/difflog/internal/config"
	"github.com/MarcoPoloResearchLab/difflog/internal/database"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/pebblestore"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/pgstore"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/sqlstore"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "difflog-auth"
	tokenAudience = "difflog-api"
)

func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Store, error) {
	switch appConfig.StorageBackend {
	case config.BackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		backing, err := sqlstore.New(sqlstore.Config{Database: db, Clock: time.Now, Logger: logger})
		if err != nil {
			return nil, err
		}
		return backing, nil
	case config.BackendPebble:
		backing, err := pebblestore.Open(pebblestore.Options{
			DataDir: appConfig.PebbleDir,
			Fsync:   pebbleFsyncMode(appConfig.PebbleFsync),
			Clock:   time.Now,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return backing, nil
	case config.BackendPostgres:
		pool, err := database.OpenPostgres(ctx, database.PostgresConfig{
			DSN:      appConfig.PostgresDSN,
			MaxConns: appConfig.PostgresMaxConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		backing, err := pgstore.New(pgstore.Config{Pool: pool, Clock: time.Now, Logger: logger})
		if err != nil {
			pool.Close()
			return nil, err
		}
		return backing, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", appConfig.StorageBackend)
	}
}

func pebbleFsyncMode(mode string) pebblestore.FsyncMode {
	switch mode {
	case config.FsyncAlways:
		return pebblestore.FsyncModeAlways
	case config.FsyncNever:
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}
