// Package pgstore implements store.Store on PostgreSQL through a pgx pool.
// Values and log fields are stored as bytea so any byte sequence, NUL
// included, round-trips. Queries are built with squirrel. Every mutation that must be atomic runs in
// one transaction; rank claims serialize on a per-set head row locked with
// FOR UPDATE.
package pgstore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	opRankedInsert       = "pgstore.ranked_insert"
	opClaimRank          = "pgstore.claim_rank"
	opRankOf             = "pgstore.rank_of"
	opRankAndCardinality = "pgstore.rank_and_cardinality"
	opCardinality        = "pgstore.cardinality"
	opRangeFromEnd       = "pgstore.range_from_end"
	opKVSet              = "pgstore.kv_set"
	opKVGet              = "pgstore.kv_get"
	opAppendToLog        = "pgstore.append_to_log"
	opReadLogRange       = "pgstore.read_log_range"
	opIsMember           = "pgstore.is_member"
	opAddMember          = "pgstore.add_member"
	opRemoveMember       = "pgstore.remove_member"

	tableSetHeads    = "difflog_set_heads"
	tableSetMembers  = "difflog_set_members"
	tableValues      = "difflog_kv"
	tableLogHeads    = "difflog_log_heads"
	tableLogEntries  = "difflog_log_entries"
	tableMemberships = "difflog_memberships"

	columnSetKey    = "set_key"
	columnMember    = "member"
	columnScore     = "score"
	columnKey       = "kv_key"
	columnValue     = "kv_value"
	columnLogKey    = "log_key"
	columnLastMS    = "last_ms"
	columnLastSeq   = "last_seq"
	columnIDMS      = "id_ms"
	columnIDSeq     = "id_seq"
	columnNames     = "field_names"
	columnValues    = "field_values"
	suffixForUpdate = "FOR UPDATE"
)

var (
	errMissingPool  = errors.New("pgstore: pool is required")
	errCorruptEntry = errors.New("pgstore: log entry field names and values differ in length")

	psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
)

// Querier is the query surface shared by a pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is satisfied by *pgxpool.Pool and by pgxmock pools.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, options pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Config describes the dependencies of a Store.
type Config struct {
	Pool   Pool
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store is the Postgres-backed store.Store.
type Store struct {
	pool   Pool
	clock  func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New constructs a Store. The schema is created by the goose migrations in
// internal/database.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, errMissingPool
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: cfg.Pool, clock: clock, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RankedInsertIfAbsent adds member with score unless present.
func (s *Store) RankedInsertIfAbsent(ctx context.Context, setKey, member string, score int64) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	var inserted bool
	err := s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockSet(ctx, tx, setKey); err != nil {
			return err
		}
		var err error
		inserted, err = insertMember(ctx, tx, setKey, member, score)
		return err
	})
	if err != nil {
		return false, s.fail(opRankedInsert, err, zap.String("set_key", setKey))
	}
	return inserted, nil
}

// ClaimRank scores member at the current cardinality if absent, writes value and reads the rank back.
func (s *Store) ClaimRank(ctx context.Context, setKey, member, valueKey, value string) (store.RankClaim, error) {
	if err := store.ValidateKey(setKey, member, valueKey); err != nil {
		return store.RankClaim{}, err
	}
	var claim store.RankClaim
	err := s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockSet(ctx, tx, setKey); err != nil {
			return err
		}
		cardinality, err := countMembers(ctx, tx, setKey)
		if err != nil {
			return err
		}
		inserted, err := insertMember(ctx, tx, setKey, member, cardinality)
		if err != nil {
			return err
		}
		if err := upsertValue(ctx, tx, valueKey, value); err != nil {
			return err
		}
		rank, found, err := rankOf(ctx, tx, setKey, member)
		if err != nil {
			return err
		}
		if !found {
			return pgx.ErrNoRows
		}
		claim = store.RankClaim{Rank: rank, Inserted: inserted}
		return nil
	})
	if err != nil {
		return store.RankClaim{}, s.fail(opClaimRank, err, zap.String("set_key", setKey))
	}
	return claim, nil
}

// RankOf returns the zero-based rank of member.
func (s *Store) RankOf(ctx context.Context, setKey, member string) (int64, bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return 0, false, err
	}
	rank, found, err := rankOf(ctx, s.pool, setKey, member)
	if err != nil {
		return 0, false, s.fail(opRankOf, err, zap.String("set_key", setKey))
	}
	return rank, found, nil
}

// RankAndCardinality reads both values inside one repeatable-read transaction.
func (s *Store) RankAndCardinality(ctx context.Context, setKey, member string) (int64, bool, int64, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return 0, false, 0, err
	}
	var (
		rank        int64
		found       bool
		cardinality int64
	)
	options := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := s.inTx(ctx, options, func(tx pgx.Tx) error {
		var err error
		rank, found, err = rankOf(ctx, tx, setKey, member)
		if err != nil {
			return err
		}
		cardinality, err = countMembers(ctx, tx, setKey)
		return err
	})
	if err != nil {
		return 0, false, 0, s.fail(opRankAndCardinality, err, zap.String("set_key", setKey))
	}
	return rank, found, cardinality, nil
}

// Cardinality returns the number of members in the set.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int64, error) {
	if err := store.ValidateKey(setKey); err != nil {
		return 0, err
	}
	cardinality, err := countMembers(ctx, s.pool, setKey)
	if err != nil {
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
	query, args, err := psql.Select(columnMember).
		From(tableSetMembers).
		Where(squirrel.Eq{columnSetKey: setKey}).
		OrderBy(columnScore+" DESC", columnMember+" DESC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, s.fail(opRangeFromEnd, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail(opRangeFromEnd, err, zap.String("set_key", setKey))
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.fail(opRangeFromEnd, err, zap.String("set_key", setKey))
	}
	for left, right := 0, len(members)-1; left < right; left, right = left+1, right-1 {
		members[left], members[right] = members[right], members[left]
	}
	return members, nil
}

// KVSet writes value under key.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := upsertValue(ctx, s.pool, key, value); err != nil {
		return s.fail(opKVSet, err, zap.String("key", key))
	}
	return nil
}

// KVGet reads the value under key.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return "", false, err
	}
	query, args, err := psql.Select(columnValue).From(tableValues).Where(squirrel.Eq{columnKey: key}).ToSql()
	if err != nil {
		return "", false, s.fail(opKVGet, err)
	}
	var value []byte
	err = s.pool.QueryRow(ctx, query, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail(opKVGet, err, zap.String("key", key))
	}
	return string(value), true, nil
}

// AppendToLog assigns the next entry id and stores fields under it.
func (s *Store) AppendToLog(ctx context.Context, logKey string, fields []store.Field) (store.EntryID, error) {
	if err := store.ValidateKey(logKey); err != nil {
		return store.EntryID{}, err
	}
	if len(fields) == 0 {
		return store.EntryID{}, store.ErrEmptyFields
	}
	names, values := splitFields(fields)

	var assigned store.EntryID
	err := s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		insertHead, args, err := psql.Insert(tableLogHeads).
			Columns(columnLogKey, columnLastMS, columnLastSeq).
			Values(logKey, 0, 0).
			Suffix("ON CONFLICT (" + columnLogKey + ") DO NOTHING").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertHead, args...); err != nil {
			return err
		}

		selectHead, args, err := psql.Select(columnLastMS, columnLastSeq).
			From(tableLogHeads).
			Where(squirrel.Eq{columnLogKey: logKey}).
			Suffix(suffixForUpdate).
			ToSql()
		if err != nil {
			return err
		}
		var lastMillis, lastSeq int64
		if err := tx.QueryRow(ctx, selectHead, args...).Scan(&lastMillis, &lastSeq); err != nil {
			return err
		}
		assigned = store.NextEntryID(store.EntryID{Millis: uint64(lastMillis), Seq: uint64(lastSeq)}, s.clock().UnixMilli())

		insertEntry, args, err := psql.Insert(tableLogEntries).
			Columns(columnLogKey, columnIDMS, columnIDSeq, columnNames, columnValues).
			Values(logKey, toColumn(assigned.Millis), toColumn(assigned.Seq), names, values).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertEntry, args...); err != nil {
			return err
		}

		updateHead, args, err := psql.Update(tableLogHeads).
			Set(columnLastMS, toColumn(assigned.Millis)).
			Set(columnLastSeq, toColumn(assigned.Seq)).
			Where(squirrel.Eq{columnLogKey: logKey}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, updateHead, args...)
		return err
	})
	if err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err, zap.String("log_key", logKey))
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
	lowerMillis, lowerSeq := toColumn(from.Millis), toColumn(from.Seq)
	upperMillis, upperSeq := toColumn(to.Millis), toColumn(to.Seq)
	builder := psql.Select(columnIDMS, columnIDSeq, columnNames, columnValues).
		From(tableLogEntries).
		Where(squirrel.Eq{columnLogKey: logKey}).
		Where(squirrel.Expr("("+columnIDMS+" > ? OR ("+columnIDMS+" = ? AND "+columnIDSeq+" >= ?))", lowerMillis, lowerMillis, lowerSeq)).
		Where(squirrel.Expr("("+columnIDMS+" < ? OR ("+columnIDMS+" = ? AND "+columnIDSeq+" <= ?))", upperMillis, upperMillis, upperSeq)).
		OrderBy(columnIDMS+" ASC", columnIDSeq+" ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, s.fail(opReadLogRange, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail(opReadLogRange, err, zap.String("log_key", logKey))
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.LogEntry, error) {
		var (
			millis, seq   int64
			names, values [][]byte
		)
		if err := row.Scan(&millis, &seq, &names, &values); err != nil {
			return store.LogEntry{}, err
		}
		fields, err := joinFields(names, values)
		if err != nil {
			return store.LogEntry{}, err
		}
		return store.LogEntry{ID: store.EntryID{Millis: uint64(millis), Seq: uint64(seq)}, Fields: fields}, nil
	})
	if err != nil {
		return nil, s.fail(opReadLogRange, err, zap.String("log_key", logKey))
	}
	return entries, nil
}

// IsMember reports whether member belongs to the set.
func (s *Store) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	query, args, err := psql.Select("1").
		From(tableMemberships).
		Where(squirrel.Eq{columnSetKey: setKey, columnMember: member}).
		Prefix("SELECT EXISTS (").
		Suffix(")").
		ToSql()
	if err != nil {
		return false, s.fail(opIsMember, err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, s.fail(opIsMember, err, zap.String("set_key", setKey))
	}
	return exists, nil
}

// AddMember inserts member, reporting whether it was new.
func (s *Store) AddMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	query, args, err := psql.Insert(tableMemberships).
		Columns(columnSetKey, columnMember).
		Values(setKey, member).
		Suffix("ON CONFLICT (" + columnSetKey + ", " + columnMember + ") DO NOTHING").
		ToSql()
	if err != nil {
		return false, s.fail(opAddMember, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, s.fail(opAddMember, err, zap.String("set_key", setKey))
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveMember deletes member, reporting whether it existed.
func (s *Store) RemoveMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := store.ValidateKey(setKey, member); err != nil {
		return false, err
	}
	query, args, err := psql.Delete(tableMemberships).
		Where(squirrel.Eq{columnSetKey: setKey, columnMember: member}).
		ToSql()
	if err != nil {
		return false, s.fail(opRemoveMember, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, s.fail(opRemoveMember, err, zap.String("set_key", setKey))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) inTx(ctx context.Context, options pgx.TxOptions, body func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, options)
	if err != nil {
		return err
	}
	if err := body(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
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

// lockSet creates the set head row when missing and locks it until the transaction ends.
func lockSet(ctx context.Context, tx Querier, setKey string) error {
	insert, args, err := psql.Insert(tableSetHeads).
		Columns(columnSetKey).
		Values(setKey).
		Suffix("ON CONFLICT (" + columnSetKey + ") DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insert, args...); err != nil {
		return err
	}
	lock, args, err := psql.Select(columnSetKey).
		From(tableSetHeads).
		Where(squirrel.Eq{columnSetKey: setKey}).
		Suffix(suffixForUpdate).
		ToSql()
	if err != nil {
		return err
	}
	var locked string
	return tx.QueryRow(ctx, lock, args...).Scan(&locked)
}

func insertMember(ctx context.Context, q Querier, setKey, member string, score int64) (bool, error) {
	query, args, err := psql.Insert(tableSetMembers).
		Columns(columnSetKey, columnMember, columnScore).
		Values(setKey, member, score).
		Suffix("ON CONFLICT (" + columnSetKey + ", " + columnMember + ") DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func upsertValue(ctx context.Context, q Querier, key, value string) error {
	query, args, err := psql.Insert(tableValues).
		Columns(columnKey, columnValue).
		Values(key, []byte(value)).
		Suffix("ON CONFLICT (" + columnKey + ") DO UPDATE SET " + columnValue + " = EXCLUDED." + columnValue).
		ToSql()
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, query, args...)
	return err
}

func countMembers(ctx context.Context, q Querier, setKey string) (int64, error) {
	query, args, err := psql.Select("COUNT(*)").From(tableSetMembers).Where(squirrel.Eq{columnSetKey: setKey}).ToSql()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// rankOf counts members ordered before member by (score, member).
func rankOf(ctx context.Context, q Querier, setKey, member string) (int64, bool, error) {
	query, args, err := psql.Select(columnScore).
		From(tableSetMembers).
		Where(squirrel.Eq{columnSetKey: setKey, columnMember: member}).
		ToSql()
	if err != nil {
		return 0, false, err
	}
	var score int64
	err = q.QueryRow(ctx, query, args...).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	query, args, err = psql.Select("COUNT(*)").
		From(tableSetMembers).
		Where(squirrel.Eq{columnSetKey: setKey}).
		Where(squirrel.Expr("("+columnScore+" < ? OR ("+columnScore+" = ? AND "+columnMember+" < ?))", score, score, member)).
		ToSql()
	if err != nil {
		return 0, false, err
	}
	var rank int64
	if err := q.QueryRow(ctx, query, args...).Scan(&rank); err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// splitFields lays fields out as the parallel bytea[] columns of a log entry.
func splitFields(fields []store.Field) ([][]byte, [][]byte) {
	names := make([][]byte, 0, len(fields))
	values := make([][]byte, 0, len(fields))
	for _, field := range fields {
		names = append(names, []byte(field.Name))
		values = append(values, []byte(field.Value))
	}
	return names, values
}

func joinFields(names, values [][]byte) ([]store.Field, error) {
	if len(names) != len(values) {
		return nil, errCorruptEntry
	}
	fields := make([]store.Field, 0, len(names))
	for index := range names {
		fields = append(fields, store.Field{Name: string(names[index]), Value: string(values[index])})
	}
	return fields, nil
}

func toColumn(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}
