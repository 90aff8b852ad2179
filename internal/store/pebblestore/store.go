// Package pebblestore implements store.Store on an embedded Pebble LSM.
//
// Writes are serialized by a single writer mutex and committed as one batch
// per operation, which makes each mutation atomic. Multi-key reads run
// against a Pebble snapshot.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces WAL syncs from the adapter.
	FsyncModeNever
)

const (
	opRankedInsert       = "pebblestore.ranked_insert"
	opClaimRank          = "pebblestore.claim_rank"
	opRankOf             = "pebblestore.rank_of"
	opRankAndCardinality = "pebblestore.rank_and_cardinality"
	opCardinality        = "pebblestore.cardinality"
	opRangeFromEnd       = "pebblestore.range_from_end"
	opKVSet              = "pebblestore.kv_set"
	opKVGet              = "pebblestore.kv_get"
	opAppendToLog        = "pebblestore.append_to_log"
	opReadLogRange       = "pebblestore.read_log_range"
	opIsMember           = "pebblestore.is_member"
	opAddMember          = "pebblestore.add_member"
	opRemoveMember       = "pebblestore.remove_member"

	defaultFsyncInterval = 5 * time.Millisecond
)

var (
	errMissingDataDir = errors.New("pebblestore: data dir is required")
	errCorruptEntry   = errors.New("pebblestore: corrupt log entry")
	errCorruptMember  = errors.New("pebblestore: corrupt member score")
)

// Options configures the Pebble-backed store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync is FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Store is the Pebble-backed store.Store.
type Store struct {
	inner     *pebble.DB
	writeSync bool
	clock     func() time.Time
	logger    *zap.Logger
	closed    atomic.Bool

	// lifeMu is held shared by every operation and exclusively by Close.
	lifeMu  sync.RWMutex
	writeMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error)
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errMissingDataDir
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = defaultFsyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return defaultFsyncInterval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, store.Unavailable("pebblestore.open", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Close closes the Pebble database. Later calls return store.ErrClosed.
func (s *Store) Close() error {
	if s == nil || s.inner == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.inner.Close()
}

// RankedInsertIfAbsent adds member with score unless present.
func (s *Store) RankedInsertIfAbsent(ctx context.Context, setKey, member string, score int64) (bool, error) {
	if err := validateKeyBytes(setKey, member); err != nil {
		return false, err
	}
	if err := s.begin(ctx); err != nil {
		return false, s.fail(opRankedInsert, err)
	}
	defer s.end()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	inserted, err := s.insertRanked(setKey, member, score, nil)
	if err != nil {
		return false, s.fail(opRankedInsert, err, zap.String("set_key", setKey))
	}
	return inserted, nil
}

// ClaimRank scores member at the current cardinality if absent, writes value and reads the rank back.
func (s *Store) ClaimRank(ctx context.Context, setKey, member, valueKey, value string) (store.RankClaim, error) {
	if err := validateKeyBytes(setKey, member, valueKey); err != nil {
		return store.RankClaim{}, err
	}
	if err := s.begin(ctx); err != nil {
		return store.RankClaim{}, s.fail(opClaimRank, err)
	}
	defer s.end()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cardinality, err := readCardinality(s.inner, setKey)
	if err != nil {
		return store.RankClaim{}, s.fail(opClaimRank, err, zap.String("set_key", setKey))
	}
	inserted, err := s.insertRanked(setKey, member, cardinality, func(batch *pebble.Batch) error {
		return batch.Set(keyValue(valueKey), []byte(value), nil)
	})
	if err != nil {
		return store.RankClaim{}, s.fail(opClaimRank, err, zap.String("set_key", setKey))
	}
	rank, found, err := rankOf(s.inner, setKey, member)
	if err != nil {
		return store.RankClaim{}, s.fail(opClaimRank, err, zap.String("set_key", setKey))
	}
	if !found {
		return store.RankClaim{}, s.fail(opClaimRank, errCorruptMember, zap.String("set_key", setKey))
	}
	return store.RankClaim{Rank: rank, Inserted: inserted}, nil
}

// RankOf returns the zero-based rank of member.
func (s *Store) RankOf(ctx context.Context, setKey, member string) (int64, bool, error) {
	if err := validateKeyBytes(setKey, member); err != nil {
		return 0, false, err
	}
	if err := s.begin(ctx); err != nil {
		return 0, false, s.fail(opRankOf, err)
	}
	defer s.end()
	rank, found, err := rankOf(s.inner, setKey, member)
	if err != nil {
		return 0, false, s.fail(opRankOf, err, zap.String("set_key", setKey))
	}
	return rank, found, nil
}

// RankAndCardinality reads both values from one snapshot.
func (s *Store) RankAndCardinality(ctx context.Context, setKey, member string) (int64, bool, int64, error) {
	if err := validateKeyBytes(setKey, member); err != nil {
		return 0, false, 0, err
	}
	if err := s.begin(ctx); err != nil {
		return 0, false, 0, s.fail(opRankAndCardinality, err)
	}
	defer s.end()
	snapshot := s.inner.NewSnapshot()
	defer snapshot.Close()

	rank, found, err := rankOf(snapshot, setKey, member)
	if err != nil {
		return 0, false, 0, s.fail(opRankAndCardinality, err, zap.String("set_key", setKey))
	}
	cardinality, err := readCardinality(snapshot, setKey)
	if err != nil {
		return 0, false, 0, s.fail(opRankAndCardinality, err, zap.String("set_key", setKey))
	}
	return rank, found, cardinality, nil
}

// Cardinality returns the number of members in the set.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int64, error) {
	if err := validateKeyBytes(setKey); err != nil {
		return 0, err
	}
	if err := s.begin(ctx); err != nil {
		return 0, s.fail(opCardinality, err)
	}
	defer s.end()
	cardinality, err := readCardinality(s.inner, setKey)
	if err != nil {
		return 0, s.fail(opCardinality, err, zap.String("set_key", setKey))
	}
	return cardinality, nil
}

// RangeFromEnd returns the last n members in ascending order.
func (s *Store) RangeFromEnd(ctx context.Context, setKey string, n int) ([]string, error) {
	if err := validateKeyBytes(setKey); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if err := s.begin(ctx); err != nil {
		return nil, s.fail(opRangeFromEnd, err)
	}
	defer s.end()
	prefix := keyOrderPrefix(setKey)
	iter, err := s.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, s.fail(opRangeFromEnd, err, zap.String("set_key", setKey))
	}
	defer iter.Close()

	members := make([]string, 0, n)
	for valid := iter.Last(); valid && len(members) < n; valid = iter.Prev() {
		key := iter.Key()
		members = append(members, string(key[len(prefix)+8:]))
	}
	for left, right := 0, len(members)-1; left < right; left, right = left+1, right-1 {
		members[left], members[right] = members[right], members[left]
	}
	return members, nil
}

// KVSet writes value under key.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	if err := validateKeyBytes(key); err != nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return s.fail(opKVSet, err)
	}
	defer s.end()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.inner.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyValue(key), []byte(value), nil); err != nil {
		return s.fail(opKVSet, err, zap.String("key", key))
	}
	if err := s.commit(batch); err != nil {
		return s.fail(opKVSet, err, zap.String("key", key))
	}
	return nil
}

// KVGet reads the value under key.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	if err := validateKeyBytes(key); err != nil {
		return "", false, err
	}
	if err := s.begin(ctx); err != nil {
		return "", false, s.fail(opKVGet, err)
	}
	defer s.end()
	value, found, err := get(s.inner, keyValue(key))
	if err != nil {
		return "", false, s.fail(opKVGet, err, zap.String("key", key))
	}
	return string(value), found, nil
}

// AppendToLog assigns the next entry id and stores fields under it.
func (s *Store) AppendToLog(ctx context.Context, logKey string, fields []store.Field) (store.EntryID, error) {
	if err := validateKeyBytes(logKey); err != nil {
		return store.EntryID{}, err
	}
	if len(fields) == 0 {
		return store.EntryID{}, store.ErrEmptyFields
	}
	if err := s.begin(ctx); err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err)
	}
	defer s.end()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	headKey := keyLogHead(logKey)
	rawHead, _, err := get(s.inner, headKey)
	if err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err, zap.String("log_key", logKey))
	}
	last, _ := decodeEntryID(rawHead)
	assigned := store.NextEntryID(last, s.clock().UnixMilli())

	batch := s.inner.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyLogEntry(logKey, assigned), encodeFields(fields), nil); err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err, zap.String("log_key", logKey))
	}
	if err := batch.Set(headKey, encodeEntryID(assigned), nil); err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err, zap.String("log_key", logKey))
	}
	if err := s.commit(batch); err != nil {
		return store.EntryID{}, s.fail(opAppendToLog, err, zap.String("log_key", logKey))
	}
	return assigned, nil
}

// ReadLogRange returns entries with from <= id <= to, oldest first.
func (s *Store) ReadLogRange(ctx context.Context, logKey string, from, to store.EntryID, limit int) ([]store.LogEntry, error) {
	if err := validateKeyBytes(logKey); err != nil {
		return nil, err
	}
	if from.Compare(to) > 0 {
		return nil, nil
	}
	if err := s.begin(ctx); err != nil {
		return nil, s.fail(opReadLogRange, err)
	}
	defer s.end()
	prefix := keyLogEntryPrefix(logKey)
	upper := keyLogEntry(logKey, to)
	iter, err := s.inner.NewIter(&pebble.IterOptions{
		LowerBound: keyLogEntry(logKey, from),
		UpperBound: append(upper, 0x00),
	})
	if err != nil {
		return nil, s.fail(opReadLogRange, err, zap.String("log_key", logKey))
	}
	defer iter.Close()

	entries := make([]store.LogEntry, 0, max(1, min(limit, 128)))
	for valid := iter.First(); valid && (limit <= 0 || len(entries) < limit); valid = iter.Next() {
		id, ok := decodeEntryID(iter.Key()[len(prefix):])
		if !ok {
			return nil, s.fail(opReadLogRange, errCorruptEntry, zap.String("log_key", logKey))
		}
		fields, ok := decodeFields(iter.Value())
		if !ok {
			return nil, s.fail(opReadLogRange, errCorruptEntry, zap.String("log_key", logKey), zap.String("entry_id", id.String()))
		}
		entries = append(entries, store.LogEntry{ID: id, Fields: fields})
	}
	return entries, nil
}

// IsMember reports whether member belongs to the set.
func (s *Store) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	if err := validateKeyBytes(setKey, member); err != nil {
		return false, err
	}
	if err := s.begin(ctx); err != nil {
		return false, s.fail(opIsMember, err)
	}
	defer s.end()
	_, found, err := get(s.inner, keyMembership(setKey, member))
	if err != nil {
		return false, s.fail(opIsMember, err, zap.String("set_key", setKey))
	}
	return found, nil
}

// AddMember inserts member, reporting whether it was new.
func (s *Store) AddMember(ctx context.Context, setKey, member string) (bool, error) {
	return s.toggleMember(ctx, opAddMember, setKey, member, true)
}

// RemoveMember deletes member, reporting whether it existed.
func (s *Store) RemoveMember(ctx context.Context, setKey, member string) (bool, error) {
	return s.toggleMember(ctx, opRemoveMember, setKey, member, false)
}

func (s *Store) toggleMember(ctx context.Context, operation, setKey, member string, present bool) (bool, error) {
	if err := validateKeyBytes(setKey, member); err != nil {
		return false, err
	}
	if err := s.begin(ctx); err != nil {
		return false, s.fail(operation, err)
	}
	defer s.end()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := keyMembership(setKey, member)
	_, found, err := get(s.inner, key)
	if err != nil {
		return false, s.fail(operation, err, zap.String("set_key", setKey))
	}
	if found == present {
		return false, nil
	}
	batch := s.inner.NewBatch()
	defer batch.Close()
	if present {
		err = batch.Set(key, nil, nil)
	} else {
		err = batch.Delete(key, nil)
	}
	if err != nil {
		return false, s.fail(operation, err, zap.String("set_key", setKey))
	}
	if err := s.commit(batch); err != nil {
		return false, s.fail(operation, err, zap.String("set_key", setKey))
	}
	return true, nil
}

// insertRanked must be called with writeMu held. extra adds writes to the same batch.
func (s *Store) insertRanked(setKey, member string, score int64, extra func(*pebble.Batch) error) (bool, error) {
	memberKey := keyMember(setKey, member)
	_, exists, err := get(s.inner, memberKey)
	if err != nil {
		return false, err
	}

	batch := s.inner.NewBatch()
	defer batch.Close()
	if !exists {
		cardinality, err := readCardinality(s.inner, setKey)
		if err != nil {
			return false, err
		}
		if err := batch.Set(memberKey, appendBE8(nil, encodeScore(score)), nil); err != nil {
			return false, err
		}
		if err := batch.Set(keyOrder(setKey, score, member), nil, nil); err != nil {
			return false, err
		}
		if err := batch.Set(keyCardinality(setKey), appendBE8(nil, uint64(cardinality+1)), nil); err != nil {
			return false, err
		}
	}
	if extra != nil {
		if err := extra(batch); err != nil {
			return false, err
		}
	}
	if batch.Empty() {
		return false, nil
	}
	if err := s.commit(batch); err != nil {
		return false, err
	}
	return !exists, nil
}

func (s *Store) commit(batch *pebble.Batch) error {
	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	return batch.Commit(syncMode)
}

// begin admits an operation while the store is open. A nil result must be paired with end.
func (s *Store) begin(ctx context.Context) error {
	s.lifeMu.RLock()
	if s.closed.Load() {
		s.lifeMu.RUnlock()
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		s.lifeMu.RUnlock()
		return err
	}
	return nil
}

func (s *Store) end() {
	s.lifeMu.RUnlock()
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

func get(source reader, key []byte) ([]byte, bool, error) {
	value, closer, err := source.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func readCardinality(source reader, setKey string) (int64, error) {
	raw, found, err := get(source, keyCardinality(setKey))
	if err != nil || !found {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, errCorruptMember
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), nil
}

// rankOf counts the order-index entries that sort before member.
func rankOf(source reader, setKey, member string) (int64, bool, error) {
	raw, found, err := get(source, keyMember(setKey, member))
	if err != nil || !found {
		return 0, false, err
	}
	if len(raw) < 8 {
		return 0, false, errCorruptMember
	}
	score := decodeScore(binary.BigEndian.Uint64(raw[:8]))
	prefix := keyOrderPrefix(setKey)
	iter, err := source.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyOrder(setKey, score, member)})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	var rank int64
	for valid := iter.First(); valid; valid = iter.Next() {
		rank++
	}
	return rank, true, nil
}
