package batchqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sizeOf(b []byte) int64 { return int64(len(b)) }

func newQueue(max int64) *Queue[[]byte, int] {
	return New[[]byte, int](Options[[]byte]{Size: sizeOf, MaxBacklog: max})
}

func TestFillCurrentBatchRespectsMax(t *testing.T) {
	q := newQueue(0)
	for i := 0; i < 4; i++ {
		q.Add([]byte("abc"))
	}
	if !q.FillCurrentBatch(7) {
		t.Fatalf("expected batch to fill")
	}
	if n := len(q.CurrentBatch()); n != 2 {
		t.Fatalf("batch len: got %d want 2", n)
	}
	// a batch already at its limit does not grow
	if q.FillCurrentBatch(7) {
		t.Fatalf("full batch should not grow")
	}
}

func TestFillCurrentBatchTakesOversizedElement(t *testing.T) {
	q := newQueue(0)
	q.Add(make([]byte, 64))
	if !q.FillCurrentBatch(8) {
		t.Fatalf("oversized element must still form a batch")
	}
	if n := len(q.CurrentBatch()); n != 1 {
		t.Fatalf("batch len: got %d", n)
	}
}

func TestCompleteElementsSettlesInOrder(t *testing.T) {
	q := newQueue(0)
	f1 := q.Add([]byte("a"))
	f2 := q.Add([]byte("b"))
	f3 := q.Add([]byte("c"))
	q.FillCurrentBatch(10)

	boom := errors.New("boom")
	q.CompleteElements(2, map[int]error{1: boom}, []int{10, 11}, func(err error, v []byte) error {
		return errors.Join(err, errors.New(string(v)))
	})
	if v, err := f1.Wait(context.Background()); err != nil || v != 10 {
		t.Fatalf("f1: %d %v", v, err)
	}
	if _, err := f2.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("f2: want boom, got %v", err)
	}
	if f3.IsDone() {
		t.Fatalf("f3 should still be in the batch")
	}
	if got := q.CurrentBatch(); len(got) != 1 || string(got[0]) != "c" {
		t.Fatalf("remaining batch: %q", got)
	}
	q.CompleteElements(1, nil, []int{12}, nil)
	if v, _ := f3.Wait(context.Background()); v != 12 {
		t.Fatalf("f3 result: %d", v)
	}
	if q.Outstanding() != 0 {
		t.Fatalf("outstanding: %d", q.Outstanding())
	}
}

func TestPauseBlocksFill(t *testing.T) {
	q := newQueue(0)
	q.Add([]byte("a"))
	q.Pause()
	if q.FillCurrentBatch(10) || q.Ready() {
		t.Fatalf("paused queue must not fill")
	}
	if !q.Resume() {
		t.Fatalf("resume should report the pause")
	}
	if q.Resume() {
		t.Fatalf("second resume should report no pause")
	}
	if !q.FillCurrentBatch(10) {
		t.Fatalf("resumed queue should fill")
	}
}

func TestCancelAllAndClose(t *testing.T) {
	q := newQueue(0)
	f1 := q.Add([]byte("a"))
	q.FillCurrentBatch(1)
	f2 := q.Add([]byte("b"))
	closed := errors.New("closed")
	q.CancelAllAndClose(closed)

	for i, f := range []interface {
		Wait(context.Context) (int, error)
	}{f1, f2} {
		if _, err := f.Wait(context.Background()); !errors.Is(err, closed) {
			t.Fatalf("future %d: got %v", i, err)
		}
	}
	if _, err := q.Add([]byte("c")).Wait(context.Background()); !errors.Is(err, closed) {
		t.Fatalf("add after close: %v", err)
	}
	if !errors.Is(q.Closed(), closed) {
		t.Fatalf("Closed: %v", q.Closed())
	}
}

func TestFailPendingKeepsBatch(t *testing.T) {
	q := newQueue(0)
	inFlight := q.Add([]byte("a"))
	q.FillCurrentBatch(1)
	queued := q.Add([]byte("b"))
	stop := errors.New("stop")
	q.FailPending(stop)

	if _, err := queued.Wait(context.Background()); !errors.Is(err, stop) {
		t.Fatalf("queued: %v", err)
	}
	if inFlight.IsDone() {
		t.Fatalf("in-flight item must not be failed")
	}
	q.CompleteElements(1, nil, []int{1}, nil)
	if _, err := inFlight.Wait(context.Background()); err != nil {
		t.Fatalf("in-flight: %v", err)
	}
	if _, err := q.Add([]byte("c")).Wait(context.Background()); !errors.Is(err, stop) {
		t.Fatalf("add after FailPending: %v", err)
	}
}

func TestFlushWaitsForOutstanding(t *testing.T) {
	q := newQueue(0)
	q.Add([]byte("a"))
	fl := q.Flush()
	if fl.IsDone() {
		t.Fatalf("flush settled early")
	}
	q.FillCurrentBatch(10)
	q.CompleteElements(1, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := fl.Wait(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !q.Flush().IsDone() {
		t.Fatalf("flush of empty queue should settle at once")
	}
}

func TestBacklogTransitions(t *testing.T) {
	q := newQueue(4)
	var seen []bool
	q.OnBacklog(func(b bool) { seen = append(seen, b) })

	q.Add([]byte("ab"))
	if q.Backlogged() {
		t.Fatalf("2 of 4 bytes is not a backlog")
	}
	q.Add([]byte("cd"))
	if !q.Backlogged() {
		t.Fatalf("4 of 4 bytes is a backlog")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.AwaitCapacity(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitCapacity while backlogged: %v", err)
	}

	q.FillCurrentBatch(10)
	q.CompleteElements(2, nil, nil, nil)
	if q.Backlogged() {
		t.Fatalf("backlog should clear")
	}
	if err := q.AwaitCapacity(context.Background()); err != nil {
		t.Fatalf("AwaitCapacity: %v", err)
	}
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("transitions: %v", seen)
	}
}

func TestSerialExecutorOrder(t *testing.T) {
	s := NewSerial()
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		s.Submit(func() { got = append(got, i) })
	}
	s.Close()
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
	ran := false
	s.Submit(func() { ran = true })
	if !ran {
		t.Fatalf("submit after close should run inline")
	}
}
