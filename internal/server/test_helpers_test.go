package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/access"
	"github.com/MarcoPoloResearchLab/difflog/internal/difflog"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/pebblestore"
	"github.com/MarcoPoloResearchLab/difflog/internal/streamlog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testUser   = "u"
	testApp    = "a"
	testSecret = "secret"
)

type variant int

const (
	variantRanked variant = iota
	variantStream
)

type testServer struct {
	handler  http.Handler
	gate     *access.Gate
	diffLog  *difflog.Service
	realtime *RealtimeDispatcher
	logs     *observer.ObservedLogs
}

func mustTestServer(t *testing.T, kind variant) *testServer {
	t.Helper()
	return mustTestServerWithStore(t, kind, mustStore(t))
}

// mustTestServerWithStore grants testSecret to testUser before returning.
func mustTestServerWithStore(t *testing.T, kind variant, backing store.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	gate, err := access.NewGate(access.GateConfig{Store: backing, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	if _, err := gate.Grant(context.Background(), testUser, testSecret); err != nil {
		t.Fatalf("failed to grant credential: %v", err)
	}

	server := &testServer{gate: gate, realtime: NewRealtimeDispatcher(), logs: logs}
	deps := Dependencies{Gate: gate, Realtime: server.realtime, HeartbeatInterval: time.Hour, Logger: logger}
	switch kind {
	case variantRanked:
		service, err := difflog.NewService(difflog.ServiceConfig{Store: backing, Logger: logger})
		if err != nil {
			t.Fatalf("failed to create diff log: %v", err)
		}
		server.diffLog = service
		deps.DiffLog = service
	case variantStream:
		service, err := streamlog.NewService(streamlog.ServiceConfig{Store: backing, Logger: logger})
		if err != nil {
			t.Fatalf("failed to create stream log: %v", err)
		}
		deps.StreamLog = service
	}

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	server.handler = handler
	return server
}

func mustStore(t *testing.T) store.Store {
	t.Helper()
	backing, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(t.TempDir(), "pebble"),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = backing.Close()
	})
	return backing
}

// post sends body as JSON with the test user's credentials.
func (s *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.postAs(t, path, body, testUser, testSecret)
}

func (s *testServer) postAs(t *testing.T, path string, body any, identity, credential string) *httptest.ResponseRecorder {
	t.Helper()
	var encoded []byte
	switch typed := body.(type) {
	case string:
		encoded = []byte(typed)
	default:
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	if identity != "" {
		request.Header.Set(HeaderUser, identity)
	}
	if credential != "" {
		request.Header.Set(HeaderToken, credential)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustDecode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func mustStatus(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Fatalf("expected status %d, got %d: %s", expected, recorder.Code, recorder.Body.String())
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	return mustDecode[map[string]string](t, recorder)["error"]
}
