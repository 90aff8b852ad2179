package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/storetest"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestStoreContract(testContext *testing.T) {
	storetest.Run(testContext, func(testContext *testing.T) store.Store {
		return mustStore(testContext, time.Now)
	})
}

func TestAppendToLogUsesClockMillis(testContext *testing.T) {
	subject := mustStore(testContext, func() time.Time {
		return time.UnixMilli(1700000000123)
	})
	first, err := subject.AppendToLog(context.Background(), "stream/u/a", []store.Field{{Name: "payload", Value: "hi"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if first != (store.EntryID{Millis: 1700000000123}) {
		testContext.Fatalf("unexpected first id %v", first)
	}
	second, err := subject.AppendToLog(context.Background(), "stream/u/a", []store.Field{{Name: "payload", Value: "hi"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if second != (store.EntryID{Millis: 1700000000123, Seq: 1}) {
		testContext.Fatalf("unexpected second id %v", second)
	}
}

func TestStoreWrapsEngineFailures(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	subject := mustStore(testContext, time.Now)
	subject.logger = zap.New(core)

	sqlDB, err := subject.db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		testContext.Fatalf("failed to close sql db: %v", err)
	}

	_, err = subject.Cardinality(context.Background(), "data/u/a/diffs")
	if !errors.Is(err, store.ErrUnavailable) {
		testContext.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if logs.FilterMessage("store operation failed").Len() != 1 {
		testContext.Fatalf("expected failure to be logged once, got %d entries", logs.Len())
	}
}

func TestNewRequiresDatabase(testContext *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingDatabase) {
		testContext.Fatalf("expected missing database error, got %v", err)
	}
}

func mustStore(testContext *testing.T, clock func() time.Time) *Store {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "store.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	subject, err := New(Config{Database: database, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	testContext.Cleanup(func() {
		_ = subject.Close()
	})
	return subject
}
