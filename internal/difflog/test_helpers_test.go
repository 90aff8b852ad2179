package difflog

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/difflog/internal/database"
	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/sqlstore"
	"go.uber.org/zap"
)

func mustService(t *testing.T) *Service {
	t.Helper()
	return mustServiceWithStore(t, mustStore(t))
}

func mustServiceWithStore(t *testing.T, backing store.Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: backing, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustStore(t *testing.T) store.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "difflog.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	backing, err := sqlstore.New(sqlstore.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = backing.Close()
	})
	return backing
}

func mustScope(t *testing.T, user, app string) scope.Scope {
	t.Helper()
	sc, err := scope.New(user, app)
	if err != nil {
		t.Fatalf("unexpected scope error: %v", err)
	}
	return sc
}

func mustOpaqueID(t *testing.T, value string) OpaqueID {
	t.Helper()
	id, err := NewOpaqueID(value)
	if err != nil {
		t.Fatalf("unexpected opaque id error: %v", err)
	}
	return id
}

func mustPayload(t *testing.T, value string) Payload {
	t.Helper()
	payload, err := NewPayload(value)
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	return payload
}
