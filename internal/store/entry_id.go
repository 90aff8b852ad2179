package store

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidEntryID indicates a cursor or id that is not <millis>[-<seq>].
var ErrInvalidEntryID = errors.New("store: invalid entry id")

// EntryID orders log entries by wall clock millisecond, then sequence.
type EntryID struct {
	Millis uint64
	Seq    uint64
}

var (
	// MinEntryID sorts before every assigned id.
	MinEntryID = EntryID{}
	// MaxEntryID sorts after every assigned id.
	MaxEntryID = EntryID{Millis: math.MaxUint64, Seq: math.MaxUint64}
)

// ParseEntryID accepts "<ms>-<seq>", "<ms>" (seq 0) and "-" (start of log).
func ParseEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty", ErrInvalidEntryID)
	}
	if trimmed == "-" {
		return MinEntryID, nil
	}
	millisPart, seqPart, hasSeq := strings.Cut(trimmed, "-")
	millis, err := strconv.ParseUint(millisPart, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, raw)
	}
	if !hasSeq {
		return EntryID{Millis: millis}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("%w: %q", ErrInvalidEntryID, raw)
	}
	return EntryID{Millis: millis, Seq: seq}, nil
}

// String renders the id as <millis>-<seq>.
func (id EntryID) String() string {
	return strconv.FormatUint(id.Millis, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1.
func (id EntryID) Compare(other EntryID) int {
	switch {
	case id.Millis < other.Millis:
		return -1
	case id.Millis > other.Millis:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether id is the start-of-log sentinel.
func (id EntryID) IsZero() bool {
	return id == MinEntryID
}

// Next returns the smallest id strictly greater than id, used as an exclusive cursor.
func (id EntryID) Next() EntryID {
	if id.Seq == math.MaxUint64 {
		if id.Millis == math.MaxUint64 {
			return id
		}
		return EntryID{Millis: id.Millis + 1}
	}
	return EntryID{Millis: id.Millis, Seq: id.Seq + 1}
}

// NextEntryID derives the id for a new append given the last assigned id and
// the current clock. Ids never move backwards when the clock does.
func NextEntryID(last EntryID, nowMillis int64) EntryID {
	if nowMillis > 0 && uint64(nowMillis) > last.Millis {
		return EntryID{Millis: uint64(nowMillis)}
	}
	return last.Next()
}
