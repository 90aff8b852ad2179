// Package streamlog implements the append-only stream variant: every append
// gets a new server-assigned entry id and readers page forward with a cursor.
package streamlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"go.uber.org/zap"
)

const (
	namespace = "stream"

	// PayloadField is the single field every append writes.
	PayloadField = "payload"

	// DefaultLimit applies when a read does not ask for a positive limit.
	DefaultLimit = 100
	// DefaultMaxLimit caps a single read unless configured otherwise.
	DefaultMaxLimit = 1000
)

const (
	opServiceNew = "streamlog.service.new"
	opAppend     = "streamlog.append"
	opSince      = "streamlog.since"
)

var (
	// ErrInvalidPayload indicates an empty payload.
	ErrInvalidPayload = errors.New("streamlog: invalid payload")

	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code and the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store store.Store
	// MaxLimit caps Since reads. Zero means DefaultMaxLimit.
	MaxLimit int
	Logger   *zap.Logger
}

// Service is safe for concurrent use.
type Service struct {
	store    store.Store
	maxLimit int
	logger   *zap.Logger
}

// SinceOptions selects a page of a stream. The zero value reads the first
// DefaultLimit entries from the start.
type SinceOptions struct {
	// Cursor is the inclusive lower bound.
	Cursor store.EntryID
	Limit  int
}

// Entry is one stream entry.
type Entry struct {
	ID     store.EntryID
	Fields []store.Field
}

// Payload returns the value of the payload field.
func (e Entry) Payload() (string, bool) {
	for _, field := range e.Fields {
		if field.Name == PayloadField {
			return field.Value, true
		}
	}
	return "", false
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, maxLimit: maxLimit, logger: logger}, nil
}

// StreamKey names the log of a scope.
func StreamKey(sc scope.Scope) string {
	return sc.Key(namespace)
}

// Append stores payload as a new entry and returns its id.
func (s *Service) Append(ctx context.Context, sc scope.Scope, payload string) (store.EntryID, error) {
	if payload == "" {
		return store.EntryID{}, newServiceError(opAppend, "invalid_payload", fmt.Errorf("%w: empty", ErrInvalidPayload))
	}
	id, err := s.store.AppendToLog(ctx, StreamKey(sc), []store.Field{{Name: PayloadField, Value: payload}})
	if err != nil {
		return store.EntryID{}, s.storeFailure(opAppend, "append_failed", err, sc)
	}
	return id, nil
}

// Since returns entries with id >= options.Cursor in ascending order.
func (s *Service) Since(ctx context.Context, sc scope.Scope, options SinceOptions) ([]Entry, error) {
	limit := s.EffectiveLimit(options.Limit)
	stored, err := s.store.ReadLogRange(ctx, StreamKey(sc), options.Cursor, store.MaxEntryID, limit)
	if err != nil {
		return nil, s.storeFailure(opSince, "range_failed", err, sc, zap.String("cursor", options.Cursor.String()))
	}
	entries := make([]Entry, 0, len(stored))
	for _, entry := range stored {
		entries = append(entries, Entry{ID: entry.ID, Fields: entry.Fields})
	}
	return entries, nil
}

// EffectiveLimit resolves a requested limit against the defaults and the cap.
func (s *Service) EffectiveLimit(requested int) int {
	if requested <= 0 {
		requested = DefaultLimit
	}
	return min(requested, s.maxLimit)
}

func (s *Service) storeFailure(operation, reason string, err error, sc scope.Scope, fields ...zap.Field) error {
	if errors.Is(err, store.ErrInvalidKey) {
		return newServiceError(operation, "invalid_key", err)
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("user_id", sc.User.String()),
		zap.String("app_id", sc.App.String()),
	}
	s.logger.Error("streamlog service error", append(attrs, fields...)...)
	return newServiceError(operation, reason, err)
}
