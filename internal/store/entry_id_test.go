package store

import (
	"errors"
	"math"
	"regexp"
	"testing"
)

func TestParseEntryID(testContext *testing.T) {
	testCases := []struct {
		raw  string
		want EntryID
	}{
		{raw: "-", want: MinEntryID},
		{raw: "1700000000000", want: EntryID{Millis: 1700000000000}},
		{raw: "1700000000000-7", want: EntryID{Millis: 1700000000000, Seq: 7}},
		{raw: " 5-0 ", want: EntryID{Millis: 5}},
	}
	for _, testCase := range testCases {
		got, err := ParseEntryID(testCase.raw)
		if err != nil {
			testContext.Fatalf("parse %q failed: %v", testCase.raw, err)
		}
		if got != testCase.want {
			testContext.Fatalf("parse %q: got %v want %v", testCase.raw, got, testCase.want)
		}
	}

	for _, raw := range []string{"", "abc", "1-", "-1", "1-x", "1-2-3"} {
		if _, err := ParseEntryID(raw); !errors.Is(err, ErrInvalidEntryID) {
			testContext.Fatalf("expected invalid entry id for %q, got %v", raw, err)
		}
	}
}

func TestEntryIDStringMatchesWireFormat(testContext *testing.T) {
	idPattern := regexp.MustCompile(`^[0-9]+-[0-9]+$`)
	id := EntryID{Millis: 1700000000123, Seq: 4}
	if !idPattern.MatchString(id.String()) {
		testContext.Fatalf("unexpected id format %q", id.String())
	}
	parsed, err := ParseEntryID(id.String())
	if err != nil || parsed != id {
		testContext.Fatalf("round trip failed: %v %v", parsed, err)
	}
}

func TestEntryIDOrdering(testContext *testing.T) {
	low := EntryID{Millis: 10, Seq: 5}
	high := EntryID{Millis: 11, Seq: 0}
	if low.Compare(high) != -1 || high.Compare(low) != 1 || low.Compare(low) != 0 {
		testContext.Fatalf("unexpected ordering")
	}
	if low.Next() != (EntryID{Millis: 10, Seq: 6}) {
		testContext.Fatalf("unexpected successor %v", low.Next())
	}
	rollover := EntryID{Millis: 10, Seq: math.MaxUint64}
	if rollover.Next() != (EntryID{Millis: 11}) {
		testContext.Fatalf("unexpected rollover successor %v", rollover.Next())
	}
	if !WithinRange(low, MinEntryID, MaxEntryID) {
		testContext.Fatalf("expected id within full range")
	}
}

func TestNextEntryIDNeverMovesBackwards(testContext *testing.T) {
	first := NextEntryID(MinEntryID, 1000)
	if first != (EntryID{Millis: 1000}) {
		testContext.Fatalf("unexpected first id %v", first)
	}
	sameMillis := NextEntryID(first, 1000)
	if sameMillis != (EntryID{Millis: 1000, Seq: 1}) {
		testContext.Fatalf("unexpected same millisecond id %v", sameMillis)
	}
	clockBackwards := NextEntryID(sameMillis, 900)
	if clockBackwards.Compare(sameMillis) <= 0 {
		testContext.Fatalf("expected id to advance despite clock skew, got %v", clockBackwards)
	}
	later := NextEntryID(clockBackwards, 2000)
	if later != (EntryID{Millis: 2000}) {
		testContext.Fatalf("unexpected later id %v", later)
	}
}
