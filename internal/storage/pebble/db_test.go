package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

type testMetrics struct {
	read         int
	batchCommits int
	batchOps     int
	batchBytes   int
}

func (m *testMetrics) ObserveRead(d time.Duration, bytes int) { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchOps += numOps
	m.batchBytes += bytes
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestBatchCommitMetrics(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	_ = b.Set([]byte("a"), []byte("1"), nil)
	_ = b.Set([]byte("b"), []byte("2"), nil)
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	if metrics.batchCommits != 1 || metrics.batchOps != 2 {
		t.Fatalf("want 1 commit of 2 ops, got %d/%d", metrics.batchCommits, metrics.batchOps)
	}
	got, err := db.Get([]byte("b"))
	if err != nil || string(got) != "2" {
		t.Fatalf("get: %q %v", got, err)
	}
	if metrics.read == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}
	if _, err := db.Get([]byte("zz")); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIndexedBatchReadsOwnWrites(t *testing.T) {
	db, _ := newTestDB(t)

	b := db.NewIndexedBatch()
	defer b.Close()
	_ = b.Set([]byte("p/1"), []byte("x"), nil)
	_ = b.Set([]byte("p/2"), []byte("y"), nil)

	var keys []string
	if err := ScanPrefix(b, []byte("p/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("batch scan saw %v", keys)
	}
	var committed int
	_ = db.ScanPrefix([]byte("p/"), func(_, _ []byte) error { committed++; return nil })
	if committed != 0 {
		t.Fatalf("uncommitted writes leaked: %d", committed)
	}
}

func TestScanPrefixStop(t *testing.T) {
	db, _ := newTestDB(t)
	b := db.NewBatch()
	for _, k := range []string{"q/a", "q/b", "q/c", "r/a"} {
		_ = b.Set([]byte(k), nil, nil)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var seen []string
	err := db.ScanPrefix([]byte("q/"), func(k, _ []byte) error {
		seen = append(seen, string(k))
		if len(seen) == 2 {
			return ErrStopScan
		}
		return nil
	})
	if err != nil || len(seen) != 2 || seen[1] != "q/b" {
		t.Fatalf("scan = %v, %v", seen, err)
	}
}

func TestPrefixEnd(t *testing.T) {
	if string(PrefixEnd([]byte("ab"))) != "ac" {
		t.Fatalf("simple increment")
	}
	if got := PrefixEnd([]byte{0x01, 0xff}); len(got) != 1 || got[0] != 0x02 {
		t.Fatalf("carry: %v", got)
	}
	if PrefixEnd([]byte{0xff, 0xff}) != nil {
		t.Fatalf("all-ff has no end")
	}
}

func TestInMemory(t *testing.T) {
	db, err := Open(Options{DataDir: "mem", InMemory: true, Fsync: ParseFsyncMode("never")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	b := db.NewBatch()
	_ = b.Set([]byte("k"), []byte("v"), nil)
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, err := db.Get([]byte("k")); err != nil || string(v) != "v" {
		t.Fatalf("get: %q %v", v, err)
	}
}
