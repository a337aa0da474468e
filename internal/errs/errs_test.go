package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("ensure connected: %w", Structural("check", ErrTopicDestroyed))
	if KindOf(err) != KindStructural {
		t.Fatalf("kind = %v", KindOf(err))
	}
	if !errors.Is(err, ErrTopicDestroyed) {
		t.Fatalf("expected sentinel in chain")
	}
	if IsRetriable(err) {
		t.Fatalf("structural must not be retriable")
	}
}

func TestKindOfSentinels(t *testing.T) {
	cases := map[error]Kind{
		ErrUnavailable:     KindTransient,
		ErrInvalidChannel:  KindStructural,
		ErrTopicFull:       KindCapacity,
		ErrPublisherClosed: KindClosed,
		errors.New("x"):    KindUnknown,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %v want %v", err, got, want)
		}
	}
}

func TestNewNil(t *testing.T) {
	if New(KindOffer, "op", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestErrorString(t *testing.T) {
	err := Offer("publish", errors.New("bad payload"))
	if err.Error() != "publish: offer: bad payload" {
		t.Fatalf("got %q", err.Error())
	}
}
