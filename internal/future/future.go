// Package future provides single-assignment results for asynchronous work.
//
// A Future settles exactly once, either with a value or an error. Callbacks
// registered with OnDone run on the goroutine that settles the future, or
// immediately on the caller if it already settled.
package future

import (
	"context"
	"sync"
)

// Future is a single-assignment result.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	val       T
	err       error
	callbacks []func(T, error)
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already settled with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete settles with v. It reports false if the future was already settled.
func (f *Future[T]) Complete(v T) bool { return f.settle(v, nil) }

// Fail settles with err. It reports false if the future was already settled.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val, f.err = v, err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking. ok is false if unsettled.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	if !f.IsDone() {
		return v, nil, false
	}
	return f.val, f.err, true
}

// OnDone registers fn to run once the future settles.
func (f *Future[T]) OnDone(fn func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.val, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Map derives a future whose value is fn applied to f's value. Errors pass through.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.OnDone(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(u)
	})
	return out
}

// Join settles once every input settled. It fails with the first error in
// input order, after all inputs are done.
func Join[T any](fs ...*Future[T]) *Future[struct{}] {
	out := New[struct{}]()
	if len(fs) == 0 {
		out.Complete(struct{}{})
		return out
	}
	var (
		mu      sync.Mutex
		pending = len(fs)
		errs    = make([]error, len(fs))
	)
	for i, f := range fs {
		i := i
		f.OnDone(func(_ T, err error) {
			mu.Lock()
			errs[i] = err
			pending--
			last := pending == 0
			mu.Unlock()
			if !last {
				return
			}
			for _, e := range errs {
				if e != nil {
					out.Fail(e)
					return
				}
			}
			out.Complete(struct{}{})
		})
	}
	return out
}
