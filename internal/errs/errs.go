// Package errs defines the error taxonomy shared by publishers, subscribers
// and the cleanup protocol.
//
// Every failure surfaced through a future carries a Kind. Callers classify
// with KindOf and IsRetriable rather than by string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindUnknown is any error not produced by this module.
	KindUnknown Kind = iota
	// KindTransient is a connectivity failure; retried until the timeout.
	KindTransient
	// KindStructural means the topic cannot serve the request (destroyed, bad channel).
	KindStructural
	// KindCapacity is a per-element rejection because the channel is full.
	KindCapacity
	// KindOffer covers serialization and store rejections; it closes the channel.
	KindOffer
	// KindStale marks an event superseded by newer state.
	KindStale
	// KindClosed means the component was closed before the work ran.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStructural:
		return "structural"
	case KindCapacity:
		return "capacity"
	case KindOffer:
		return "offer"
	case KindStale:
		return "stale"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel causes. Wrap them with the constructors below.
var (
	ErrNotActive       = errors.New("publisher not active")
	ErrTopicDestroyed  = errors.New("topic destroyed")
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrTopicFull       = errors.New("topic full")
	ErrUnavailable     = errors.New("topic service unavailable")
	ErrPublisherClosed = errors.New("publisher closed")
	ErrNotOwner        = errors.New("subscriber does not own channel")
	ErrTopicNotFound   = errors.New("topic not found")
	ErrGroupNotFound   = errors.New("subscriber group not found")
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error  { return New(KindTransient, op, err) }
func Structural(op string, err error) error { return New(KindStructural, op, err) }
func Capacity(op string, err error) error   { return New(KindCapacity, op, err) }
func Offer(op string, err error) error      { return New(KindOffer, op, err) }
func Stale(op string, err error) error      { return New(KindStale, op, err) }
func Closed(op string, err error) error     { return New(KindClosed, op, err) }

// KindOf returns the outermost Kind in err's chain. Bare sentinels map to
// their natural kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrTopicDestroyed), errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrTopicNotFound), errors.Is(err, ErrGroupNotFound):
		return KindStructural
	case errors.Is(err, ErrTopicFull):
		return KindCapacity
	case errors.Is(err, ErrUnavailable):
		return KindTransient
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrPublisherClosed):
		return KindClosed
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetriable reports whether a reconnect loop should keep trying.
func IsRetriable(err error) bool { return KindOf(err) == KindTransient }
