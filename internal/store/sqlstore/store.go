// Package sqlstore implements store.Store on top of GORM. It is used with the
// pure-Go SQLite driver; transactions provide the atomic units the contract
// requires, so the connection pool must be capped at one connection.
package sqlstore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRankedInsert       = "sqlstore.ranked_insert"
	opClaimRank          = "sqlstore.claim_rank"
	opRankOf             = "sqlstore.rank_of"
	opRankAndCardinality = "sqlstore.rank_and_cardinality"
	opCardinality        = "sqlstore.cardinality"
	opRangeFromEnd       = "sqlstore.range_from_end"
	opKVSet              = "sqlstore.kv_set"
	opKVGet              = "sqlstore.kv_get"
	opAppendToLog        = "sqlstore.append_to_log"
	opReadLogRange       = "sqlstore.read_log_range"
	opIsMember           = "sqlstore.is_member"
	opAddMember          = "sqlstore.add_member"
	opRemoveMember       = "sqlstore.remove_member"
	opClose              = "sqlstore.close"

	querySetKey       = "set_key = ?"
	querySetMember    = "set_key = ? AND member = ?"
	queryRankBefore   = "set_key = ? AND (score < ? OR (score = ? AND member < ?))"
	queryValueKey     = "kv_key = ?"
	queryLogKey       = "log_key = ?"
	queryLogLowerEdge = "(id_ms > ? OR (id_ms = ? AND id_seq >= ?))"
	queryLogUpperEdge = "(id_ms < ? OR (id_ms = ? AND id_seq <= ?))"
	orderRankDesc     = "score DESC, member DESC"
	orderLogAsc       = "id_ms ASC, id_seq ASC"
	columnMember      = "member"
)

var errMissingDatabase = errors.New("sqlstore: database handle is required")

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the GORM-backed store.Store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New constructs a Store. The schema must already be migrated (see Models).
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RankedInsertIfAbsent adds member with score unless present.
func (s *Store) RankedInsertIfAbsent(ctx context.Context, setKey, member string, score int64) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SetMember{SetKey: setKey, Member: member, Score: score})
	if result.Error != nil {
		return false, s.fail(opRankedInsert, result.Error, zap.String("set_key", setKey))
	}
	return result.RowsAffected == 1, nil
}

// ClaimRank runs count, insert-if-absent, value upsert and rank read-back in one transaction.
func (s *Store) ClaimRank(ctx context.Context, setKey, member, valueKey, value string) (store.RankClaim, error) {
	if err := store.ValidateKey(setKey, member, valueKey); err != nil {
		return store.RankClaim{}, err
	}

	var claim store.RankClaim
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var cardinality int64
		if err := transaction.Model(&SetMember{}).Where(querySetKey, setKey).Count(&cardinality).Error; err != nil {
			return err
		}
		created := transaction.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&SetMember{SetKey: setKey, Member: member, Score: cardinality})
		if created.Error != nil {
			return created.Error
		}
		if err := upsertValue(transaction, valueKey, value); err != nil {
			return err
		}
		rank, found, err := rankOf(transaction, setKey, member)
		if err != nil {
			return err
		}
		if !found {
			return gorm.ErrRecordNotFound
		}
		claim = store.RankClaim{Rank: rank, Inserted: created.RowsAffected == 1}
		return nil
	})
	if transactionError != nil {
		return store.RankClaim{}, s.fail(opClaimRank, transactionError, zap.String("set_key", setKey))
	}
	return claim, nil
}

// RankOf returns the zero-based rank of member.
func (s *Store) RankOf(ctx context.Context, setKey, member string) (int64, bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return 0, false, err
	}
	rank, found, err := rankOf(s.db.WithContext(ctx), setKey, member)
	if err != nil {
		return 0, false, s.fail(opRankOf, err, zap.String("set_key", setKey))
	}
	return rank, found, nil
}

// RankAndCardinality reads both values inside one transaction.
func (s *Store) RankAndCardinality(ctx context.Context, setKey, member string) (int64, bool, int64, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return 0, false, 0, err
	}
	var (
		rank        int64
		found       bool
		cardinality int64
	)
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var err error
		rank, found, err = rankOf(transaction, setKey, member)
		if err != nil {
			return err
		}
		return transaction.Model(&SetMember{}).Where(querySetKey, setKey).Count(&cardinality).Error
	})
	if transactionError != nil {
		return 0, false, 0, s.fail(opRankAndCardinality, transactionError, zap.String("set_key", setKey))
	}
	return rank, found, cardinality, nil
}

// Cardinality returns the number of members in the set.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int64, error) {
	if err := store.ValidateKey(setKey); err != nil {
		return 0, err
	}
	var cardinality int64
	if err := s.db.WithContext(ctx).Model(&SetMember{}).Where(querySetKey, setKey).Count(&cardinality).Error; err != nil {
		return 0, s.fail(opCardinality, err, zap.String("set_key", setKey))
	}
	return cardinality, nil
}

// RangeFromEnd returns the last n members in ascending order.
func (s *Store) RangeFromEnd(ctx context.Context, setKey string, n int) ([]string, error) {
	if err := store.ValidateKey(setKey); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	var members []string
	if err := s.db.WithContext(ctx).Model(&SetMember{}).
		Where(querySetKey, setKey).
		Order(orderRankDesc).
		Limit(n).
		Pluck(columnMember, &members).Error; err != nil {
		return nil, s.fail(opRangeFromEnd, err, zap.String("set_key", setKey))
	}
	for left, right := 0, len(members)-1; left < right; left, right = left+1, right-1 {
		members[left], members[right] = members[right], members[left]
	}
	return members, nil
}

// KVSet writes value under key, replacing any previous value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := upsertValue(s.db.WithContext(ctx), key, value); err != nil {
		return s.fail(opKVSet, err, zap.String("key", key))
	}
	return nil
}

// KVGet reads the value under key.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return "", false, err
	}
	var record KeyValue
	err := s.db.WithContext(ctx).Where(queryValueKey, key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail(opKVGet, err, zap.String("key", key))
	}
	return record.Value, true, nil
}

// AppendToLog assigns the next entry id and stores fields under it.
func (s *Store) AppendToLog(ctx context.Context, logKey string, fields []store.Field) (store.EntryID, error) {
	if err := store.ValidateKey(logKey); err != nil {
		return store.EntryID{}, err
	}
	if len(fields) == 0 {
		return store.EntryID{}, store.ErrEmptyFields
	}

	var assigned store.EntryID
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var head LogHead
		err := transaction.Where(queryLogKey, logKey).Take(&head).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		last := store.EntryID{Millis: uint64(head.LastMillis), Seq: uint64(head.LastSeq)}
		assigned = store.NextEntryID(last, s.clock().UnixMilli())

		entry := LogEntry{
			LogKey: logKey,
			Millis: toColumn(assigned.Millis),
			Seq:    toColumn(assigned.Seq),
			Fields: append([]store.Field(nil), fields...),
		}
		if err := transaction.Create(&entry).Error; err != nil {
			return err
		}
		head = LogHead{LogKey: logKey, LastMillis: entry.Millis, LastSeq: entry.Seq}
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "log_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_ms", "last_seq"}),
		}).Create(&head).Error
	})
	if transactionError != nil {
		return store.EntryID{}, s.fail(opAppendToLog, transactionError, zap.String("log_key", logKey))
	}
	return assigned, nil
}

// ReadLogRange returns entries with from <= id <= to, oldest first.
func (s *Store) ReadLogRange(ctx context.Context, logKey string, from, to store.EntryID, limit int) ([]store.LogEntry, error) {
	if err := store.ValidateKey(logKey); err != nil {
		return nil, err
	}
	if from.Compare(to) > 0 {
		return nil, nil
	}
	fromMillis, fromSeq := toColumn(from.Millis), toColumn(from.Seq)
	toMillis, toSeq := toColumn(to.Millis), toColumn(to.Seq)

	query := s.db.WithContext(ctx).
		Where(queryLogKey, logKey).
		Where(queryLogLowerEdge, fromMillis, fromMillis, fromSeq).
		Where(queryLogUpperEdge, toMillis, toMillis, toSeq).
		Order(orderLogAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []LogEntry
	if err := query.Find(&records).Error; err != nil {
		return nil, s.fail(opReadLogRange, err, zap.String("log_key", logKey))
	}

	entries := make([]store.LogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, store.LogEntry{
			ID:     store.EntryID{Millis: uint64(record.Millis), Seq: uint64(record.Seq)},
			Fields: record.Fields,
		})
	}
	return entries, nil
}

// IsMember reports whether member belongs to the set.
func (s *Store) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).Where(querySetMember, setKey, member).Count(&count).Error; err != nil {
		return false, s.fail(opIsMember, err, zap.String("set_key", setKey))
	}
	return count > 0, nil
}

// AddMember inserts member, reporting whether it was new.
func (s *Store) AddMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Membership{SetKey: setKey, Member: member})
	if result.Error != nil {
		return false, s.fail(opAddMember, result.Error, zap.String("set_key", setKey))
	}
	return result.RowsAffected == 1, nil
}

// RemoveMember deletes member, reporting whether it existed.
func (s *Store) RemoveMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).Where(querySetMember, setKey, member).Delete(&Membership{})
	if result.Error != nil {
		return false, s.fail(opRemoveMember, result.Error, zap.String("set_key", setKey))
	}
	return result.RowsAffected > 0, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return s.fail(opClose, err)
	}
	return sqlDB.Close()
}

func rankOf(transaction *gorm.DB, setKey, member string) (int64, bool, error) {
	var record SetMember
	err := transaction.Where(querySetMember, setKey, member).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var before int64
	if err := transaction.Model(&SetMember{}).
		Where(queryRankBefore, setKey, record.Score, record.Score, member).
		Count(&before).Error; err != nil {
		return 0, false, err
	}
	return before, true, nil
}

func upsertValue(transaction *gorm.DB, key, value string) error {
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value"}),
	}).Create(&KeyValue{Key: key, Value: value}).Error
}

// toColumn clamps ids into the signed range SQLite integers can hold.
func toColumn(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func (s *Store) fail(operation string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store operation failed", attrs...)
	return store.Unavailable(operation, err)
}
