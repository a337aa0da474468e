package id

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func restoreClock(t *testing.T) {
	t.Cleanup(func() { NowMs = func() int64 { return time.Now().UnixMilli() } })
}

func TestSameMillisecondIncreases(t *testing.T) {
	restoreClock(t)
	NowMs = func() int64 { return 1000 }
	g := NewGenerator()

	a, b := g.Next(), g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a<b")
	}
	if a.Millis() != 1000 {
		t.Fatalf("millis = %d", a.Millis())
	}
}

func TestClockRegressionGuard(t *testing.T) {
	restoreClock(t)
	now := int64(1000)
	NowMs = func() int64 { return now }
	g := NewGenerator()

	a := g.Next()
	now = 900
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
}

func TestSequenceStartsAtOne(t *testing.T) {
	s := NewSequence()
	if s.Next() != 1 || s.Next() != 2 {
		t.Fatalf("unexpected sequence values")
	}
}

func TestCompositeRoundTrip(t *testing.T) {
	c := NewComposite(uuid.New(), 42)
	got, err := ParseComposite(c.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != c {
		t.Fatalf("got %v want %v", got, c)
	}
	if _, err := ParseComposite("nope"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
	if !(Composite{}).IsZero() || c.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
}
