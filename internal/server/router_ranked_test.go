package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type submitBody struct {
	User    string `json:"user"`
	App     string `json:"app"`
	Payload string `json:"payload,omitempty"`
	Opaque  string `json:"opaque,omitempty"`
}

type rankResponse struct {
	Rank  *int64 `json:"rank"`
	Count int64  `json:"count"`
}

func TestRankedFlow(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	first := server.post(t, "/", submitBody{User: testUser, App: testApp, Payload: "p1", Opaque: "a"})
	mustStatus(t, first, http.StatusOK)
	if decoded := mustDecode[submitResponsePayload](t, first); decoded.Rank != 0 || decoded.Duplicate {
		t.Fatalf("unexpected first submission %+v", decoded)
	}
	second := server.post(t, "/", submitBody{User: testUser, App: testApp, Payload: "p2", Opaque: "b"})
	if decoded := mustDecode[submitResponsePayload](t, second); decoded.Rank != 1 || decoded.Duplicate {
		t.Fatalf("unexpected second submission %+v", decoded)
	}
	again := server.post(t, "/", submitBody{User: testUser, App: testApp, Payload: "p3", Opaque: "a"})
	if decoded := mustDecode[submitResponsePayload](t, again); decoded.Rank != 0 || !decoded.Duplicate {
		t.Fatalf("unexpected resubmission %+v", decoded)
	}

	count := server.post(t, "/count", scopeRequest{User: testUser, App: testApp})
	mustStatus(t, count, http.StatusOK)
	if decoded := mustDecode[countResponsePayload](t, count); decoded.Count != 2 {
		t.Fatalf("expected count 2, got %d", decoded.Count)
	}

	latest := server.post(t, "/do-i-have-the-latest", submitBody{User: testUser, App: testApp, Opaque: "a"})
	mustStatus(t, latest, http.StatusOK)
	if decoded := mustDecode[rankResponse](t, latest); decoded.Rank == nil || *decoded.Rank != 0 || decoded.Count != 2 {
		t.Fatalf("unexpected rank response %s", latest.Body.String())
	}
	unknown := server.post(t, "/do-i-have-the-latest", submitBody{User: testUser, App: testApp, Opaque: "zzz"})
	if decoded := mustDecode[rankResponse](t, unknown); decoded.Rank != nil || decoded.Count != 2 {
		t.Fatalf("expected null rank for unknown opaque, got %s", unknown.Body.String())
	}

	tail := server.post(t, "/tail", map[string]any{"user": testUser, "app": testApp, "n": 1})
	mustStatus(t, tail, http.StatusOK)
	opaques := mustDecode[tailResponsePayload](t, tail).Opaques
	if len(opaques) != 1 || opaques[0] != "b" {
		t.Fatalf("expected tail [b], got %v", opaques)
	}

	payload := server.post(t, "/payload", submitBody{User: testUser, App: testApp, Opaque: "a"})
	mustStatus(t, payload, http.StatusOK)
	if decoded := mustDecode[payloadResponsePayload](t, payload); decoded.Payload != "p3" {
		t.Fatalf("expected latest payload p3, got %q", decoded.Payload)
	}
}

func TestRankedTailOfEmptyScopeIsEmptyList(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	tail := server.post(t, "/tail", map[string]any{"user": testUser, "app": testApp, "n": 5})
	mustStatus(t, tail, http.StatusOK)
	if tail.Body.String() != `{"opaques":[]}` {
		t.Fatalf("expected empty list, got %s", tail.Body.String())
	}
}

func TestRankedPayloadNotFound(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	recorder := server.post(t, "/payload", submitBody{User: testUser, App: testApp, Opaque: "missing"})
	mustStatus(t, recorder, http.StatusNotFound)
	if code := errorCode(t, recorder); code != errorNotFound {
		t.Fatalf("expected %s, got %s", errorNotFound, code)
	}
}

func TestUnauthorizedSubmissionLeavesLogUntouched(t *testing.T) {
	server := mustTestServer(t, variantRanked)
	body := submitBody{User: testUser, App: testApp, Payload: "p", Opaque: "a"}

	testCases := []struct {
		name       string
		identity   string
		credential string
	}{
		{name: "no-headers"},
		{name: "wrong-credential", identity: testUser, credential: "guess"},
		{name: "other-identity", identity: "mallory", credential: testSecret},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.postAs(t, "/", body, testCase.identity, testCase.credential)
			mustStatus(t, recorder, http.StatusUnauthorized)
			if code := errorCode(t, recorder); code != errorUnauthorized {
				t.Fatalf("expected %s, got %s", errorUnauthorized, code)
			}
		})
	}

	count, err := server.diffLog.Count(context.Background(), scope.Scope{User: testUser, App: testApp})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no submissions after denied requests, got %d", count)
	}
	denials := server.logs.FilterMessage("access denied").Filter(func(entry observer.LoggedEntry) bool {
		return entry.Level == zapcore.InfoLevel
	})
	if denials.Len() != len(testCases) {
		t.Fatalf("expected denials to be logged")
	}
}

func TestRankedRejectsMalformedRequests(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	testCases := []struct {
		name     string
		path     string
		body     any
		expected string
	}{
		{name: "invalid-json", path: "/", body: `{"user":`, expected: errorInvalidRequest},
		{name: "missing-opaque", path: "/", body: submitBody{User: testUser, App: testApp, Payload: "p"}, expected: "invalid_opaque"},
		{name: "missing-payload", path: "/", body: submitBody{User: testUser, App: testApp, Opaque: "a"}, expected: "invalid_payload"},
		{name: "missing-app", path: "/count", body: scopeRequest{User: testUser}, expected: "invalid_app"},
		{name: "app-with-separator", path: "/count", body: scopeRequest{User: testUser, App: "a/b"}, expected: "invalid_app"},
		{name: "tail-without-n", path: "/tail", body: scopeRequest{User: testUser, App: testApp}, expected: "invalid_n"},
		{name: "rank-without-opaque", path: "/do-i-have-the-latest", body: scopeRequest{User: testUser, App: testApp}, expected: "invalid_opaque"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.post(t, testCase.path, testCase.body)
			mustStatus(t, recorder, http.StatusBadRequest)
			if code := errorCode(t, recorder); code != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, code)
			}
		})
	}
}

func TestMalformedBodyOfDeniedCallerIsUnauthorized(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	recorder := server.postAs(t, "/", submitBody{User: testUser, App: testApp}, "", "")
	mustStatus(t, recorder, http.StatusUnauthorized)
}

func TestEmptyBodyIsCheckedByTheGateFirst(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	for _, path := range []string{"/", "/count", "/tail", "/payload"} {
		t.Run(path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, path, http.NoBody))
			mustStatus(t, recorder, http.StatusUnauthorized)
		})
	}

	// The claimed user is empty, so valid headers alone still do not match.
	headersOnly := httptest.NewRequest(http.MethodPost, "/count", http.NoBody)
	headersOnly.Header.Set(HeaderUser, testUser)
	headersOnly.Header.Set(HeaderToken, testSecret)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, headersOnly)
	mustStatus(t, recorder, http.StatusUnauthorized)
}

func TestWhitespaceOpaqueIDsGetTheirOwnRank(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	first := server.post(t, "/", submitBody{User: testUser, App: testApp, Payload: "p1", Opaque: "x"})
	mustStatus(t, first, http.StatusOK)
	if decoded := mustDecode[submitResponsePayload](t, first); decoded.Rank != 0 || decoded.Duplicate {
		t.Fatalf("unexpected first submission %+v", decoded)
	}
	second := server.post(t, "/", submitBody{User: testUser, App: testApp, Payload: "p2", Opaque: " x "})
	mustStatus(t, second, http.StatusOK)
	if decoded := mustDecode[submitResponsePayload](t, second); decoded.Rank != 1 || decoded.Duplicate {
		t.Fatalf("expected \" x \" to be a new opaque id, got %+v", decoded)
	}

	count := server.post(t, "/count", scopeRequest{User: testUser, App: testApp})
	if decoded := mustDecode[countResponsePayload](t, count); decoded.Count != 2 {
		t.Fatalf("expected count 2, got %d", decoded.Count)
	}
}

func TestNulPayloadRoundTrips(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	submitted := server.post(t, "/", `{"user":"u","app":"a","opaque":"bin","payload":"a\u0000b"}`)
	mustStatus(t, submitted, http.StatusOK)

	recorder := server.post(t, "/payload", submitBody{User: testUser, App: testApp, Opaque: "bin"})
	mustStatus(t, recorder, http.StatusOK)
	if decoded := mustDecode[payloadResponsePayload](t, recorder); decoded.Payload != "a\x00b" {
		t.Fatalf("expected NUL payload to round-trip, got %q", decoded.Payload)
	}
}

type unavailableStore struct {
	store.Store
}

func (unavailableStore) Cardinality(context.Context, string) (int64, error) {
	return 0, store.Unavailable("cardinality", errors.New("connection reset"))
}

func TestStorageFailureReturnsServiceCode(t *testing.T) {
	server := mustTestServerWithStore(t, variantRanked, unavailableStore{Store: mustStore(t)})

	recorder := server.post(t, "/count", scopeRequest{User: testUser, App: testApp})
	mustStatus(t, recorder, http.StatusInternalServerError)
	if code := errorCode(t, recorder); code != "difflog.count.cardinality_failed" {
		t.Fatalf("unexpected error code %s", code)
	}
	if server.logs.FilterMessage("difflog service error").Len() != 1 {
		t.Fatalf("expected storage failure to be logged once")
	}
}

func TestUsageText(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	mustStatus(t, recorder, http.StatusOK)
	if recorder.Body.String() != "Post `{user, app, payload, opaque}` to here" {
		t.Fatalf("unexpected usage text %q", recorder.Body.String())
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	server := mustTestServer(t, variantRanked)

	if _, err := NewHTTPHandler(Dependencies{DiffLog: server.diffLog}); !errors.Is(err, errMissingGate) {
		t.Fatalf("expected missing gate error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Gate: server.gate}); !errors.Is(err, errMissingLogVariant) {
		t.Fatalf("expected missing variant error, got %v", err)
	}
}
