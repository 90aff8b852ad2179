package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/store/storetest"
)

func TestStoreContract(testContext *testing.T) {
	storetest.Run(testContext, func(testContext *testing.T) store.Store {
		return mustStore(testContext, Options{Fsync: FsyncModeNever})
	})
}

func TestStoreSurvivesReopen(testContext *testing.T) {
	ctx := context.Background()
	dataDir := filepath.Join(testContext.TempDir(), "pebble")

	first, err := Open(Options{DataDir: dataDir, Fsync: FsyncModeAlways})
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	if _, err := first.ClaimRank(ctx, "data/u/a/diffs", "op-1", "data/u/a/opaques/op-1", "p1"); err != nil {
		testContext.Fatalf("claim failed: %v", err)
	}
	appended, err := first.AppendToLog(ctx, "stream/u/a", []store.Field{{Name: "payload", Value: "hi"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if err := first.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}

	second := mustStore(testContext, Options{DataDir: dataDir})
	rank, found, count, err := second.RankAndCardinality(ctx, "data/u/a/diffs", "op-1")
	if err != nil {
		testContext.Fatalf("rank failed: %v", err)
	}
	if !found || rank != 0 || count != 1 {
		testContext.Fatalf("unexpected rank state after reopen: rank=%d found=%v count=%d", rank, found, count)
	}
	next, err := second.AppendToLog(ctx, "stream/u/a", []store.Field{{Name: "payload", Value: "again"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if next.Compare(appended) <= 0 {
		testContext.Fatalf("expected %s to follow %s", next, appended)
	}
}

func TestAppendToLogKeepsIDsMonotonicWhenClockRewinds(testContext *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(5000)
	subject := mustStore(testContext, Options{Clock: func() time.Time { return now }})

	first, err := subject.AppendToLog(ctx, "stream/u/a", []store.Field{{Name: "payload", Value: "a"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	now = time.UnixMilli(4000)
	second, err := subject.AppendToLog(ctx, "stream/u/a", []store.Field{{Name: "payload", Value: "b"}})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if first != (store.EntryID{Millis: 5000}) || second != (store.EntryID{Millis: 5000, Seq: 1}) {
		testContext.Fatalf("unexpected ids %s, %s", first, second)
	}
}

func TestClosedStoreReportsUnavailable(testContext *testing.T) {
	subject := mustStore(testContext, Options{})
	if err := subject.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	_, err := subject.Cardinality(context.Background(), "data/u/a/diffs")
	if !errors.Is(err, store.ErrUnavailable) || !errors.Is(err, store.ErrClosed) {
		testContext.Fatalf("expected closed store to be unavailable, got %v", err)
	}
}

func TestCloseWaitsForInFlightOperations(testContext *testing.T) {
	subject := mustStore(testContext, Options{})
	ctx := context.Background()

	var workers sync.WaitGroup
	start := make(chan struct{})
	failures := make(chan error, 64)
	for worker := 0; worker < 8; worker++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			<-start
			for index := 0; index < 200; index++ {
				member := fmt.Sprintf("op-%d-%d", worker, index)
				if _, err := subject.ClaimRank(ctx, "data/u/a/diffs", member, "data/u/a/opaques/"+member, "v"); err != nil && !errors.Is(err, store.ErrClosed) {
					failures <- err
					return
				}
				if _, _, err := subject.KVGet(ctx, "data/u/a/opaques/"+member); err != nil && !errors.Is(err, store.ErrClosed) {
					failures <- err
					return
				}
				if _, err := subject.ReadLogRange(ctx, "stream/u/a", store.MinEntryID, store.MaxEntryID, 10); err != nil && !errors.Is(err, store.ErrClosed) {
					failures <- err
					return
				}
			}
		}(worker)
	}
	close(start)
	if err := subject.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	workers.Wait()
	close(failures)
	for err := range failures {
		testContext.Fatalf("expected only ErrClosed after close, got %v", err)
	}
}

func TestRejectsKeysWithNul(testContext *testing.T) {
	subject := mustStore(testContext, Options{})
	if _, err := subject.AddMember(context.Background(), "tokens/u", "bad\x00token"); !errors.Is(err, store.ErrInvalidKey) {
		testContext.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestOpenRequiresDataDir(testContext *testing.T) {
	if _, err := Open(Options{}); !errors.Is(err, errMissingDataDir) {
		testContext.Fatalf("expected missing data dir error, got %v", err)
	}
}

func TestFieldRecordRejectsCorruption(testContext *testing.T) {
	encoded := encodeFields([]store.Field{{Name: "payload", Value: "value"}})
	decoded, ok := decodeFields(encoded)
	if !ok || len(decoded) != 1 || decoded[0].Value != "value" {
		testContext.Fatalf("unexpected decode result %v %v", decoded, ok)
	}
	encoded[2] ^= 0xff
	if _, ok := decodeFields(encoded); ok {
		testContext.Fatalf("expected corrupted record to be rejected")
	}
}

func TestScoreEncodingPreservesOrder(testContext *testing.T) {
	scores := []int64{-5, -1, 0, 1, 42}
	for index := 1; index < len(scores); index++ {
		if encodeScore(scores[index-1]) >= encodeScore(scores[index]) {
			testContext.Fatalf("encoded %d does not sort before %d", scores[index-1], scores[index])
		}
		if decodeScore(encodeScore(scores[index])) != scores[index] {
			testContext.Fatalf("score %d did not round trip", scores[index])
		}
	}
}

func mustStore(testContext *testing.T, opts Options) *Store {
	testContext.Helper()
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(testContext.TempDir(), "pebble")
	}
	subject, err := Open(opts)
	if err != nil {
		testContext.Fatalf("failed to open pebble store: %v", err)
	}
	testContext.Cleanup(func() {
		_ = subject.Close()
	})
	return subject
}
