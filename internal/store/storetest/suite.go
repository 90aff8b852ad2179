// Package storetest holds the behavioral contract every store.Store
// implementation must satisfy. Adapter packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is registered on testContext.
type Factory func(testContext *testing.T) store.Store

// Run executes the full contract against stores produced by factory.
func Run(testContext *testing.T, factory Factory) {
	testContext.Run("ranked-insert-if-absent", func(testContext *testing.T) { testRankedInsertIfAbsent(testContext, factory(testContext)) })
	testContext.Run("ranked-ties-break-by-member", func(testContext *testing.T) { testRankedTies(testContext, factory(testContext)) })
	testContext.Run("claim-rank-dense", func(testContext *testing.T) { testClaimRankDense(testContext, factory(testContext)) })
	testContext.Run("claim-rank-overwrites-value", func(testContext *testing.T) { testClaimRankOverwritesValue(testContext, factory(testContext)) })
	testContext.Run("claim-rank-concurrent-same-member", func(testContext *testing.T) { testClaimRankConcurrentSameMember(testContext, factory(testContext)) })
	testContext.Run("claim-rank-concurrent-distinct-members", func(testContext *testing.T) { testClaimRankConcurrentDistinct(testContext, factory(testContext)) })
	testContext.Run("rank-and-cardinality", func(testContext *testing.T) { testRankAndCardinality(testContext, factory(testContext)) })
	testContext.Run("range-from-end", func(testContext *testing.T) { testRangeFromEnd(testContext, factory(testContext)) })
	testContext.Run("key-value", func(testContext *testing.T) { testKeyValue(testContext, factory(testContext)) })
	testContext.Run("values-are-byte-exact", func(testContext *testing.T) { testByteExactValues(testContext, factory(testContext)) })
	testContext.Run("members-are-byte-exact", func(testContext *testing.T) { testByteExactMembers(testContext, factory(testContext)) })
	testContext.Run("log-append-and-range", func(testContext *testing.T) { testLogAppendAndRange(testContext, factory(testContext)) })
	testContext.Run("log-isolation", func(testContext *testing.T) { testLogIsolation(testContext, factory(testContext)) })
	testContext.Run("log-rejects-empty-fields", func(testContext *testing.T) { testLogRejectsEmptyFields(testContext, factory(testContext)) })
	testContext.Run("membership", func(testContext *testing.T) { testMembership(testContext, factory(testContext)) })
	testContext.Run("rejects-empty-keys", func(testContext *testing.T) { testRejectsEmptyKeys(testContext, factory(testContext)) })
}

const (
	setKey      = "data/u/a/diffs"
	otherSetKey = "data/u/a/diffsx"
	logKey      = "stream/u/a"
	otherLogKey = "stream/u/b"
)

func testRankedInsertIfAbsent(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	inserted, err := subject.RankedInsertIfAbsent(ctx, setKey, "op-1", 0)
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if !inserted {
		testContext.Fatalf("expected first insert to succeed")
	}
	inserted, err = subject.RankedInsertIfAbsent(ctx, setKey, "op-1", 5)
	if err != nil {
		testContext.Fatalf("second insert failed: %v", err)
	}
	if inserted {
		testContext.Fatalf("expected second insert to be ignored")
	}
	if _, err := subject.RankedInsertIfAbsent(ctx, setKey, "op-2", 1); err != nil {
		testContext.Fatalf("insert op-2 failed: %v", err)
	}
	rank, found, err := subject.RankOf(ctx, setKey, "op-1")
	if err != nil || !found || rank != 0 {
		testContext.Fatalf("expected op-1 at rank 0, got rank=%d found=%t err=%v", rank, found, err)
	}
	rank, found, err = subject.RankOf(ctx, setKey, "op-2")
	if err != nil || !found || rank != 1 {
		testContext.Fatalf("expected op-2 at rank 1, got rank=%d found=%t err=%v", rank, found, err)
	}
	_, found, err = subject.RankOf(ctx, setKey, "missing")
	if err != nil || found {
		testContext.Fatalf("expected missing member to be absent, found=%t err=%v", found, err)
	}
	count, err := subject.Cardinality(ctx, otherSetKey)
	if err != nil || count != 0 {
		testContext.Fatalf("expected neighbouring set to stay empty, got %d err=%v", count, err)
	}
}

func testRankedTies(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	for _, member := range []string{"c", "a", "b"} {
		if _, err := subject.RankedInsertIfAbsent(ctx, setKey, member, 3); err != nil {
			testContext.Fatalf("insert %s failed: %v", member, err)
		}
	}
	for index, member := range []string{"a", "b", "c"} {
		rank, found, err := subject.RankOf(ctx, setKey, member)
		if err != nil || !found || rank != int64(index) {
			testContext.Fatalf("expected %s at rank %d, got rank=%d found=%t err=%v", member, index, rank, found, err)
		}
	}
}

func testClaimRankDense(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	for index, member := range []string{"a", "b", "c", "d"} {
		claim, err := subject.ClaimRank(ctx, setKey, member, valueKey(member), "payload-"+member)
		if err != nil {
			testContext.Fatalf("claim %s failed: %v", member, err)
		}
		if !claim.Inserted || claim.Rank != int64(index) {
			testContext.Fatalf("expected %s inserted at %d, got %+v", member, index, claim)
		}
	}
	claim, err := subject.ClaimRank(ctx, setKey, "b", valueKey("b"), "payload-b")
	if err != nil {
		testContext.Fatalf("duplicate claim failed: %v", err)
	}
	if claim.Inserted || claim.Rank != 1 {
		testContext.Fatalf("expected duplicate to report rank 1, got %+v", claim)
	}
	count, err := subject.Cardinality(ctx, setKey)
	if err != nil || count != 4 {
		testContext.Fatalf("expected cardinality 4, got %d err=%v", count, err)
	}
}

func testClaimRankOverwritesValue(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	if _, err := subject.ClaimRank(ctx, setKey, "x", valueKey("x"), "v1"); err != nil {
		testContext.Fatalf("first claim failed: %v", err)
	}
	claim, err := subject.ClaimRank(ctx, setKey, "x", valueKey("x"), "v2")
	if err != nil {
		testContext.Fatalf("second claim failed: %v", err)
	}
	if claim.Inserted || claim.Rank != 0 {
		testContext.Fatalf("expected rank to stay 0, got %+v", claim)
	}
	value, found, err := subject.KVGet(ctx, valueKey("x"))
	if err != nil || !found || value != "v2" {
		testContext.Fatalf("expected overwritten value v2, got %q found=%t err=%v", value, found, err)
	}
}

func testClaimRankConcurrentSameMember(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	const workers = 16
	claims := make([]store.RankClaim, workers)
	errs := make([]error, workers)
	var waitGroup sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			claims[worker], errs[worker] = subject.ClaimRank(ctx, setKey, "race", valueKey("race"), fmt.Sprintf("payload-%d", worker))
		}(worker)
	}
	waitGroup.Wait()

	insertedCount := 0
	for worker := 0; worker < workers; worker++ {
		if errs[worker] != nil {
			testContext.Fatalf("worker %d failed: %v", worker, errs[worker])
		}
		if claims[worker].Rank != 0 {
			testContext.Fatalf("worker %d reported rank %d", worker, claims[worker].Rank)
		}
		if claims[worker].Inserted {
			insertedCount++
		}
	}
	if insertedCount != 1 {
		testContext.Fatalf("expected exactly one winning insert, got %d", insertedCount)
	}
	count, err := subject.Cardinality(ctx, setKey)
	if err != nil || count != 1 {
		testContext.Fatalf("expected cardinality 1, got %d err=%v", count, err)
	}
	if _, found, err := subject.KVGet(ctx, valueKey("race")); err != nil || !found {
		testContext.Fatalf("expected a payload to be stored, found=%t err=%v", found, err)
	}
}

func testClaimRankConcurrentDistinct(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	const workers = 16
	ranks := make([]int64, workers)
	errs := make([]error, workers)
	var waitGroup sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			member := fmt.Sprintf("member-%02d", worker)
			claim, err := subject.ClaimRank(ctx, setKey, member, valueKey(member), member)
			ranks[worker], errs[worker] = claim.Rank, err
		}(worker)
	}
	waitGroup.Wait()

	seen := make(map[int64]bool, workers)
	for worker := 0; worker < workers; worker++ {
		if errs[worker] != nil {
			testContext.Fatalf("worker %d failed: %v", worker, errs[worker])
		}
		if ranks[worker] < 0 || ranks[worker] >= workers {
			testContext.Fatalf("rank %d out of range", ranks[worker])
		}
		if seen[ranks[worker]] {
			testContext.Fatalf("rank %d assigned twice", ranks[worker])
		}
		seen[ranks[worker]] = true
	}
}

func testRankAndCardinality(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	_, found, count, err := subject.RankAndCardinality(ctx, setKey, "a")
	if err != nil || found || count != 0 {
		testContext.Fatalf("expected empty set snapshot, found=%t count=%d err=%v", found, count, err)
	}
	for _, member := range []string{"a", "b"} {
		if _, err := subject.ClaimRank(ctx, setKey, member, valueKey(member), member); err != nil {
			testContext.Fatalf("claim %s failed: %v", member, err)
		}
	}
	rank, found, count, err := subject.RankAndCardinality(ctx, setKey, "b")
	if err != nil || !found || rank != 1 || count != 2 {
		testContext.Fatalf("expected (1, 2), got rank=%d found=%t count=%d err=%v", rank, found, count, err)
	}
	_, found, count, err = subject.RankAndCardinality(ctx, setKey, "z")
	if err != nil || found || count != 2 {
		testContext.Fatalf("expected absent member with count 2, got found=%t count=%d err=%v", found, count, err)
	}
}

func testRangeFromEnd(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	members, err := subject.RangeFromEnd(ctx, setKey, 3)
	if err != nil || len(members) != 0 {
		testContext.Fatalf("expected empty range, got %v err=%v", members, err)
	}
	for _, member := range []string{"a", "b", "c"} {
		if _, err := subject.ClaimRank(ctx, setKey, member, valueKey(member), member); err != nil {
			testContext.Fatalf("claim %s failed: %v", member, err)
		}
	}
	testCases := []struct {
		n    int
		want []string
	}{
		{n: 2, want: []string{"b", "c"}},
		{n: 3, want: []string{"a", "b", "c"}},
		{n: 10, want: []string{"a", "b", "c"}},
		{n: 1, want: []string{"c"}},
		{n: 0, want: nil},
	}
	for _, testCase := range testCases {
		members, err := subject.RangeFromEnd(ctx, setKey, testCase.n)
		if err != nil {
			testContext.Fatalf("range %d failed: %v", testCase.n, err)
		}
		if !equalStrings(members, testCase.want) {
			testContext.Fatalf("range %d: got %v want %v", testCase.n, members, testCase.want)
		}
	}
}

func testKeyValue(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	_, found, err := subject.KVGet(ctx, "data/u/a/opaques/none")
	if err != nil || found {
		testContext.Fatalf("expected missing value, found=%t err=%v", found, err)
	}
	if err := subject.KVSet(ctx, "data/u/a/opaques/k", "first"); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	if err := subject.KVSet(ctx, "data/u/a/opaques/k", "second"); err != nil {
		testContext.Fatalf("overwrite failed: %v", err)
	}
	value, found, err := subject.KVGet(ctx, "data/u/a/opaques/k")
	if err != nil || !found || value != "second" {
		testContext.Fatalf("expected second, got %q found=%t err=%v", value, found, err)
	}
}

func testByteExactValues(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	const binary = "a\x00b\xff\x01"
	claim, err := subject.ClaimRank(ctx, setKey, "op-bin", valueKey("op-bin"), binary)
	if err != nil || !claim.Inserted {
		testContext.Fatalf("claim failed: %+v err=%v", claim, err)
	}
	value, found, err := subject.KVGet(ctx, valueKey("op-bin"))
	if err != nil || !found || value != binary {
		testContext.Fatalf("expected %q, got %q found=%t err=%v", binary, value, found, err)
	}

	const text = "line\x00\u00e9\U0001F600"
	id, err := subject.AppendToLog(ctx, logKey, []store.Field{{Name: "payload", Value: text}, {Name: "meta\x00", Value: ""}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	entries, err := subject.ReadLogRange(ctx, logKey, id, id, 1)
	if err != nil || len(entries) != 1 {
		testContext.Fatalf("expected the appended entry, got %v err=%v", entries, err)
	}
	fields := entries[0].Fields
	if len(fields) != 2 || fields[0] != (store.Field{Name: "payload", Value: text}) || fields[1] != (store.Field{Name: "meta\x00", Value: ""}) {
		testContext.Fatalf("unexpected fields %q", fields)
	}
}

func testByteExactMembers(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	for index, member := range []string{"x", " x ", "x "} {
		claim, err := subject.ClaimRank(ctx, setKey, member, valueKey(member), "v")
		if err != nil {
			testContext.Fatalf("claim %q failed: %v", member, err)
		}
		if !claim.Inserted || claim.Rank != int64(index) {
			testContext.Fatalf("expected %q to be new at rank %d, got %+v", member, index, claim)
		}
	}
	count, err := subject.Cardinality(ctx, setKey)
	if err != nil || count != 3 {
		testContext.Fatalf("expected 3 members, got %d err=%v", count, err)
	}
}

func testLogAppendAndRange(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	ids := make([]store.EntryID, 0, 5)
	for index := 0; index < 5; index++ {
		id, err := subject.AppendToLog(ctx, logKey, []store.Field{{Name: "payload", Value: fmt.Sprintf("p%d", index)}})
		if err != nil {
			testContext.Fatalf("append %d failed: %v", index, err)
		}
		if len(ids) > 0 && id.Compare(ids[len(ids)-1]) <= 0 {
			testContext.Fatalf("expected id %v to follow %v", id, ids[len(ids)-1])
		}
		ids = append(ids, id)
	}

	entries, err := subject.ReadLogRange(ctx, logKey, store.MinEntryID, store.MaxEntryID, 100)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(entries) != 5 {
		testContext.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for index, entry := range entries {
		if entry.ID != ids[index] {
			testContext.Fatalf("entry %d: got id %v want %v", index, entry.ID, ids[index])
		}
		if len(entry.Fields) != 1 || entry.Fields[0].Name != "payload" || entry.Fields[0].Value != fmt.Sprintf("p%d", index) {
			testContext.Fatalf("entry %d: unexpected fields %v", index, entry.Fields)
		}
	}

	fromThird, err := subject.ReadLogRange(ctx, logKey, ids[2], store.MaxEntryID, 100)
	if err != nil {
		testContext.Fatalf("read from cursor failed: %v", err)
	}
	if len(fromThird) != 3 || fromThird[0].ID != ids[2] {
		testContext.Fatalf("expected inclusive cursor read of 3 entries, got %d", len(fromThird))
	}

	limited, err := subject.ReadLogRange(ctx, logKey, store.MinEntryID, store.MaxEntryID, 2)
	if err != nil {
		testContext.Fatalf("limited read failed: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != ids[1] {
		testContext.Fatalf("expected first two entries, got %d", len(limited))
	}

	bounded, err := subject.ReadLogRange(ctx, logKey, ids[1], ids[3], 100)
	if err != nil {
		testContext.Fatalf("bounded read failed: %v", err)
	}
	if len(bounded) != 3 || bounded[2].ID != ids[3] {
		testContext.Fatalf("expected inclusive upper bound, got %d entries", len(bounded))
	}

	past, err := subject.ReadLogRange(ctx, logKey, ids[4].Next(), store.MaxEntryID, 100)
	if err != nil || len(past) != 0 {
		testContext.Fatalf("expected nothing past the last id, got %d err=%v", len(past), err)
	}
}

func testLogIsolation(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	if _, err := subject.AppendToLog(ctx, logKey, []store.Field{{Name: "payload", Value: "mine"}}); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	entries, err := subject.ReadLogRange(ctx, otherLogKey, store.MinEntryID, store.MaxEntryID, 100)
	if err != nil || len(entries) != 0 {
		testContext.Fatalf("expected other log to be empty, got %d err=%v", len(entries), err)
	}
}

func testLogRejectsEmptyFields(testContext *testing.T, subject store.Store) {
	_, err := subject.AppendToLog(context.Background(), logKey, nil)
	if !errors.Is(err, store.ErrEmptyFields) {
		testContext.Fatalf("expected ErrEmptyFields, got %v", err)
	}
}

func testMembership(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	member, err := subject.IsMember(ctx, "tokens/u", "t")
	if err != nil || member {
		testContext.Fatalf("expected no membership, got %t err=%v", member, err)
	}
	added, err := subject.AddMember(ctx, "tokens/u", "t")
	if err != nil || !added {
		testContext.Fatalf("expected member to be added, got %t err=%v", added, err)
	}
	added, err = subject.AddMember(ctx, "tokens/u", "t")
	if err != nil || added {
		testContext.Fatalf("expected second add to be a no-op, got %t err=%v", added, err)
	}
	member, err = subject.IsMember(ctx, "tokens/u", "t")
	if err != nil || !member {
		testContext.Fatalf("expected membership, got %t err=%v", member, err)
	}
	member, err = subject.IsMember(ctx, "tokens/v", "t")
	if err != nil || member {
		testContext.Fatalf("expected membership to be scoped per set, got %t err=%v", member, err)
	}
	removed, err := subject.RemoveMember(ctx, "tokens/u", "t")
	if err != nil || !removed {
		testContext.Fatalf("expected removal, got %t err=%v", removed, err)
	}
	member, err = subject.IsMember(ctx, "tokens/u", "t")
	if err != nil || member {
		testContext.Fatalf("expected membership to be gone, got %t err=%v", member, err)
	}
}

func testRejectsEmptyKeys(testContext *testing.T, subject store.Store) {
	ctx := context.Background()
	if _, err := subject.ClaimRank(ctx, setKey, "", valueKey("x"), "v"); !errors.Is(err, store.ErrInvalidKey) {
		testContext.Fatalf("expected ErrInvalidKey for empty member, got %v", err)
	}
	if err := subject.KVSet(ctx, "", "v"); !errors.Is(err, store.ErrInvalidKey) {
		testContext.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
}

func valueKey(member string) string {
	return "data/u/a/opaques/" + member
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}
