// Package difflog implements the ranked, deduplicated log: each opaque id of a
// scope holds one permanent, dense rank; its payload may be overwritten.
package difflog

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew = "difflog.service.new"
	opSubmit     = "difflog.submit"
	opRank       = "difflog.rank"
	opTail       = "difflog.tail"
	opCount      = "difflog.count"
	opPayloadOf  = "difflog.payload_of"
)

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

// Service is safe for concurrent use; all coordination lives in the store.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, logger: logger}, nil
}

// Submit records payload under opaque and returns the rank the opaque id
// holds. Resubmissions keep their rank and overwrite the payload.
func (s *Service) Submit(ctx context.Context, sc scope.Scope, opaque OpaqueID, payload Payload) (SubmitResult, error) {
	claim, err := s.store.ClaimRank(ctx, DiffsKey(sc), opaque.String(), PayloadKey(sc, opaque), payload.String())
	if err != nil {
		return SubmitResult{}, s.storeFailure(opSubmit, "claim_rank_failed", err, sc, zap.String("opaque_id", opaque.String()))
	}
	return SubmitResult{Rank: claim.Rank, Duplicate: !claim.Inserted}, nil
}

// Rank reports the rank of opaque, if any, and the scope's current count.
func (s *Service) Rank(ctx context.Context, sc scope.Scope, opaque OpaqueID) (RankResult, error) {
	rank, found, count, err := s.store.RankAndCardinality(ctx, DiffsKey(sc), opaque.String())
	if err != nil {
		return RankResult{}, s.storeFailure(opRank, "rank_lookup_failed", err, sc, zap.String("opaque_id", opaque.String()))
	}
	return RankResult{Rank: rank, Found: found, Count: count}, nil
}

// Tail returns the last |n| opaque ids in ascending rank order.
func (s *Service) Tail(ctx context.Context, sc scope.Scope, n int) ([]OpaqueID, error) {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return []OpaqueID{}, nil
	}
	members, err := s.store.RangeFromEnd(ctx, DiffsKey(sc), n)
	if err != nil {
		return nil, s.storeFailure(opTail, "range_failed", err, sc)
	}
	opaques := make([]OpaqueID, 0, len(members))
	for _, member := range members {
		opaques = append(opaques, OpaqueID(member))
	}
	return opaques, nil
}

// Count returns the number of distinct opaque ids of the scope.
func (s *Service) Count(ctx context.Context, sc scope.Scope) (int64, error) {
	count, err := s.store.Cardinality(ctx, DiffsKey(sc))
	if err != nil {
		return 0, s.storeFailure(opCount, "cardinality_failed", err, sc)
	}
	return count, nil
}

// PayloadOf returns the latest payload stored for opaque.
func (s *Service) PayloadOf(ctx context.Context, sc scope.Scope, opaque OpaqueID) (Payload, bool, error) {
	value, found, err := s.store.KVGet(ctx, PayloadKey(sc, opaque))
	if err != nil {
		return "", false, s.storeFailure(opPayloadOf, "payload_lookup_failed", err, sc, zap.String("opaque_id", opaque.String()))
	}
	return Payload(value), found, nil
}

func (s *Service) storeFailure(operation, reason string, err error, sc scope.Scope, fields ...zap.Field) error {
	if errors.Is(err, store.ErrInvalidKey) {
		return newServiceError(operation, "invalid_key", err)
	}
	attrs := []zap.Field{
		zap.String("user_id", sc.User.String()),
		zap.String("app_id", sc.App.String()),
	}
	s.logError(operation, reason, err, append(attrs, fields...)...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("difflog service error", attrs...)
}
