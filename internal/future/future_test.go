package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFirstSettleWins(t *testing.T) {
	f := New[int]()
	if !f.Complete(1) {
		t.Fatalf("first complete should win")
	}
	if f.Fail(errors.New("late")) || f.Complete(2) {
		t.Fatalf("second settle must be ignored")
	}
	v, err := f.Wait(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("got %v %v", v, err)
	}
}

func TestOnDoneAfterSettle(t *testing.T) {
	f := Failed[string](errors.New("boom"))
	called := false
	f.OnDone(func(_ string, err error) { called = err != nil })
	if !called {
		t.Fatalf("callback should run immediately")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, _, ok := f.Result(); ok {
		t.Fatalf("future should still be unsettled")
	}
}

func TestMap(t *testing.T) {
	f := New[int]()
	g := Map(f, func(v int) (string, error) { return string(rune('a' + v)), nil })
	f.Complete(2)
	v, err := g.Wait(context.Background())
	if err != nil || v != "c" {
		t.Fatalf("got %q %v", v, err)
	}
}

func TestJoinWaitsForAll(t *testing.T) {
	a, b := New[int](), New[int]()
	j := Join(a, b)
	a.Fail(errors.New("first"))
	if j.IsDone() {
		t.Fatalf("join must wait for every input")
	}
	b.Complete(1)
	if _, err := j.Wait(context.Background()); err == nil || err.Error() != "first" {
		t.Fatalf("expected first error, got %v", err)
	}
	if _, err := Join[int]().Wait(context.Background()); err != nil {
		t.Fatalf("empty join: %v", err)
	}
}
