// Package store defines the storage adapter contract the diff and stream logs
// are built on: ranked sets with insert-if-absent, plain values, membership
// sets and append-only logs with server-assigned entry ids.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable wraps every failure of the underlying engine round-trip.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInvalidKey indicates an empty key or member.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrEmptyFields indicates an append without fields.
	ErrEmptyFields = errors.New("store: log entry requires at least one field")
	// ErrClosed is returned by adapters used after Close.
	ErrClosed = errors.New("store: closed")
)

// Field is one name/value pair of a log entry. Order is preserved.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LogEntry is one stored append.
type LogEntry struct {
	ID     EntryID
	Fields []Field
}

// RankClaim reports the outcome of ClaimRank.
type RankClaim struct {
	// Rank is the position the member holds after the call, read back inside the same atomic unit.
	Rank int64
	// Inserted is false when another submission already owned the member.
	Inserted bool
}

// Store is the capability set consumed by the log services. Implementations
// must be safe for concurrent use.
type Store interface {
	// RankedInsertIfAbsent adds member with score unless it is already present.
	RankedInsertIfAbsent(ctx context.Context, setKey, member string, score int64) (bool, error)
	// ClaimRank atomically scores member at the current cardinality if absent,
	// writes value under valueKey unconditionally and returns the rank member holds.
	ClaimRank(ctx context.Context, setKey, member, valueKey, value string) (RankClaim, error)
	// RankOf returns the zero-based rank of member ordered by score then member.
	RankOf(ctx context.Context, setKey, member string) (int64, bool, error)
	// RankAndCardinality reads rank and cardinality from one consistent view.
	RankAndCardinality(ctx context.Context, setKey, member string) (int64, bool, int64, error)
	// Cardinality returns the number of members, 0 for unknown sets.
	Cardinality(ctx context.Context, setKey string) (int64, error)
	// RangeFromEnd returns the last n members in ascending rank order.
	RangeFromEnd(ctx context.Context, setKey string, n int) ([]string, error)

	KVSet(ctx context.Context, key, value string) error
	KVGet(ctx context.Context, key string) (string, bool, error)

	// AppendToLog stores fields under a new, strictly increasing entry id.
	AppendToLog(ctx context.Context, logKey string, fields []Field) (EntryID, error)
	// ReadLogRange returns at most limit entries with from <= id <= to in ascending order.
	ReadLogRange(ctx context.Context, logKey string, from, to EntryID, limit int) ([]LogEntry, error)

	IsMember(ctx context.Context, setKey, member string) (bool, error)
	AddMember(ctx context.Context, setKey, member string) (bool, error)
	RemoveMember(ctx context.Context, setKey, member string) (bool, error)

	Close() error
}

// Unavailable wraps an engine error so callers can test for ErrUnavailable.
func Unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
}

// ValidateKey rejects empty keys and members before any engine access.
func ValidateKey(values ...string) error {
	for _, value := range values {
		if value == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// WithinRange reports whether id lies in [from, to].
func WithinRange(id, from, to EntryID) bool {
	return id.Compare(from) >= 0 && id.Compare(to) <= 0
}
