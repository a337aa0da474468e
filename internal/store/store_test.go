package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/pagedtopic/internal/errs"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/pkg/log"
)

func newTestStore(t *testing.T, partitions int) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := New(db, Options{Partitions: partitions, Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s
}

func counter(e *Entry) (any, error) {
	v, ok, err := e.Value()
	if err != nil {
		return nil, err
	}
	n := 0
	if ok {
		n = int(v[0])
	}
	n++
	return n, e.Set([]byte{byte(n)})
}

func TestInvokeSerializesPerKey(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()
	k := K([]byte("c/1"), []byte("c"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Invoke(ctx, k, ProcessorFunc(counter)).Wait(ctx); err != nil {
				t.Errorf("invoke: %v", err)
			}
		}()
	}
	wg.Wait()
	v, ok, err := s.Get(k.Raw)
	if err != nil || !ok || v[0] != 50 {
		t.Fatalf("got %v %v %v", v, ok, err)
	}
}

func TestEventsReflectCommittedWritesOnly(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Event
	stop := s.AddListener([]byte("ev/"), func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer stop()

	k := K([]byte("ev/a"), []byte("ev"))
	if _, err := Do[int](ctx, s, k, ProcessorFunc(counter)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := Do[int](ctx, s, k, ProcessorFunc(counter)); err != nil {
		t.Fatalf("update: %v", err)
	}
	boom := errors.New("boom")
	_, err := s.Invoke(ctx, k, ProcessorFunc(func(e *Entry) (any, error) {
		_ = e.Set([]byte("x"))
		return nil, boom
	})).Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if _, err := s.Invoke(ctx, k, ProcessorFunc(func(e *Entry) (any, error) {
		return nil, e.Expire()
	})).Wait(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d", len(got))
	}
	if got[0].Type != Inserted || got[1].Type != Updated || got[2].Type != Removed {
		t.Fatalf("unexpected sequence %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if !got[2].Synthetic || got[2].Old[0] != 2 {
		t.Fatalf("removal should be synthetic with old value: %+v", got[2])
	}
	if v, ok, _ := s.Get(k.Raw); ok {
		t.Fatalf("key should be gone, got %v", v)
	}
}

func TestProcessorSeesOwnWrites(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()
	n, err := Do[int](ctx, s, K([]byte("p/root"), nil), ProcessorFunc(func(e *Entry) (any, error) {
		for _, k := range []string{"p/x/1", "p/x/2", "p/x/3"} {
			if err := e.Put([]byte(k), []byte("v")); err != nil {
				return nil, err
			}
		}
		if err := e.Remove([]byte("p/x/2")); err != nil {
			return nil, err
		}
		count := 0
		err := e.Scan([]byte("p/x/"), func(_, _ []byte) error { count++; return nil })
		return count, err
	}))
	if err != nil || n != 2 {
		t.Fatalf("scan inside processor = %d, %v", n, err)
	}
}

func TestPartitionRoutingUsesAssociation(t *testing.T) {
	s := newTestStore(t, 8)
	a := s.PartitionOf(K([]byte("t/x/c/1/u"), []byte("t/x#1")))
	b := s.PartitionOf(K([]byte("t/x/c/1/p/9"), []byte("t/x#1")))
	if a != b {
		t.Fatalf("associated keys routed apart: %d vs %d", a, b)
	}
	if s.Partitions() != 8 {
		t.Fatalf("partitions")
	}
}

func TestCloseFailsPending(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	k := K([]byte("slow"), nil)

	first := s.Invoke(ctx, k, ProcessorFunc(func(e *Entry) (any, error) {
		close(started)
		<-release
		return "done", nil
	}))
	<-started
	queued := s.Invoke(ctx, k, ProcessorFunc(counter))

	closed := make(chan struct{})
	go func() { _ = s.Close(); close(closed) }()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := queued.Wait(waitCtx); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("queued invocation should fail unavailable, got %v", err)
	}
	close(release)
	if v, err := first.Wait(waitCtx); err != nil || v != "done" {
		t.Fatalf("running invocation should complete: %v %v", v, err)
	}
	<-closed
	if _, err := s.Invoke(ctx, k, ProcessorFunc(counter)).Wait(waitCtx); !errs.IsRetriable(err) {
		t.Fatalf("invoke after close should be transient, got %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()
	_, err := s.Invoke(ctx, K([]byte("k"), nil), ProcessorFunc(func(*Entry) (any, error) {
		panic("bad")
	})).Wait(ctx)
	if err == nil {
		t.Fatalf("expected error from panicking processor")
	}
	if st := s.Stats(); st.Invocations != 1 || st.Failures != 1 {
		t.Fatalf("stats %+v", st)
	}
}
