// Package batchqueue buffers submitted elements for one channel and hands
// them out in size-bounded batches.
//
// The queue is drained by a single consumer at a time: FillCurrentBatch,
// CurrentBatch and CompleteElements are called from the channel's drain
// loop only. Add, Pause, Resume, Flush and the close operations may be
// called from any goroutine. Item futures settle on the queue's Executor.
package batchqueue

import (
	"context"
	"sync"

	"github.com/rzbill/pagedtopic/internal/future"
)

type item[V, R any] struct {
	value V
	size  int64
	fut   *future.Future[R]
}

// Options configures a Queue.
type Options[V any] struct {
	// Size measures an element in flow-control units (bytes). nil counts 1.
	Size func(V) int64
	// MaxBacklog is the outstanding size at which the queue reports
	// backlog. Zero disables backlog tracking.
	MaxBacklog int64
	Executor   Executor
}

// Queue is a FIFO of pending elements plus the batch currently in flight.
type Queue[V, R any] struct {
	mu      sync.Mutex
	opts    Options[V]
	pending []*item[V, R]
	batch   []*item[V, R]

	batchSize   int64
	outstanding int
	outBytes    int64

	paused    bool
	closedErr error
	failErr   error

	flushes    []*future.Future[struct{}]
	backlogged bool
	capacity   chan struct{}
	onBacklog  map[int]func(bool)
	nextID     int
}

// New returns an empty queue.
func New[V, R any](opts Options[V]) *Queue[V, R] {
	if opts.Size == nil {
		opts.Size = func(V) int64 { return 1 }
	}
	if opts.Executor == nil {
		opts.Executor = Inline{}
	}
	c := make(chan struct{})
	close(c)
	return &Queue[V, R]{opts: opts, capacity: c, onBacklog: make(map[int]func(bool))}
}

// Add enqueues v. The future fails at once if the queue is closed or
// failing.
func (q *Queue[V, R]) Add(v V) *future.Future[R] {
	size := q.opts.Size(v)
	q.mu.Lock()
	if err := q.rejectErr(); err != nil {
		q.mu.Unlock()
		return future.Failed[R](err)
	}
	it := &item[V, R]{value: v, size: size, fut: future.New[R]()}
	q.pending = append(q.pending, it)
	q.outstanding++
	q.outBytes += size
	notify := q.updateBacklogLocked()
	q.mu.Unlock()
	notify()
	return it.fut
}

func (q *Queue[V, R]) rejectErr() error {
	if q.closedErr != nil {
		return q.closedErr
	}
	return q.failErr
}

// FillCurrentBatch moves pending elements into the batch while its size
// stays within max. An empty batch always takes one element. It reports
// whether anything moved.
func (q *Queue[V, R]) FillCurrentBatch(max int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closedErr != nil || q.paused {
		return false
	}
	moved := 0
	for len(q.pending) > 0 {
		it := q.pending[0]
		if len(q.batch) > 0 && q.batchSize+it.size > max {
			break
		}
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.batch = append(q.batch, it)
		q.batchSize += it.size
		moved++
	}
	return moved > 0
}

// CurrentBatch returns the values of the batch in submission order.
func (q *Queue[V, R]) CurrentBatch() []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]V, len(q.batch))
	for i, it := range q.batch {
		out[i] = it.value
	}
	return out
}

// CompleteElements settles the first n batch elements: element i fails
// with errsByIndex[i] (passed through errorFactory when set) if present,
// otherwise completes with results[i].
func (q *Queue[V, R]) CompleteElements(n int, errsByIndex map[int]error, results []R, errorFactory func(error, V) error) {
	q.mu.Lock()
	if n > len(q.batch) {
		n = len(q.batch)
	}
	done := append([]*item[V, R](nil), q.batch[:n]...)
	for i := 0; i < n; i++ {
		q.batchSize -= q.batch[i].size
		q.batch[i] = nil
	}
	q.batch = q.batch[n:]
	q.mu.Unlock()
	if n == 0 {
		return
	}

	q.opts.Executor.Submit(func() {
		for i, it := range done {
			if err, ok := errsByIndex[i]; ok && err != nil {
				if errorFactory != nil {
					err = errorFactory(err, it.value)
				}
				it.fut.Fail(err)
				continue
			}
			var r R
			if i < len(results) {
				r = results[i]
			}
			it.fut.Complete(r)
		}
		q.settled(done)
	})
}

// FailRemaining fails every element of the current batch with err.
func (q *Queue[V, R]) FailRemaining(err error) {
	q.mu.Lock()
	n := len(q.batch)
	q.mu.Unlock()
	errsByIndex := make(map[int]error, n)
	for i := 0; i < n; i++ {
		errsByIndex[i] = err
	}
	q.CompleteElements(n, errsByIndex, nil, nil)
}

func (q *Queue[V, R]) settled(items []*item[V, R]) {
	q.mu.Lock()
	for _, it := range items {
		q.outstanding--
		q.outBytes -= it.size
	}
	var flushes []*future.Future[struct{}]
	if q.outstanding == 0 {
		flushes, q.flushes = q.flushes, nil
	}
	notify := q.updateBacklogLocked()
	q.mu.Unlock()
	notify()
	for _, f := range flushes {
		f.Complete(struct{}{})
	}
}

// Pause stops FillCurrentBatch from moving elements.
func (q *Queue[V, R]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume clears a pause. It reports whether the queue was paused, in which
// case the caller should re-arm draining.
func (q *Queue[V, R]) Resume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.paused
	q.paused = false
	return was
}

// Paused reports whether the queue is paused.
func (q *Queue[V, R]) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Ready reports whether a drain cycle has work: an open, unpaused queue
// with pending or batched elements.
func (q *Queue[V, R]) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closedErr == nil && !q.paused && (len(q.pending) > 0 || len(q.batch) > 0)
}

// Outstanding returns the number of elements whose futures are unsettled.
func (q *Queue[V, R]) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Closed returns the close reason, or nil.
func (q *Queue[V, R]) Closed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closedErr
}

// Flush settles once every element added so far has settled.
func (q *Queue[V, R]) Flush() *future.Future[struct{}] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return future.Completed(struct{}{})
	}
	f := future.New[struct{}]()
	q.flushes = append(q.flushes, f)
	return f
}

// FailPending fails every element not yet in the batch and makes later Adds
// fail with err. The batch in flight is left to complete normally.
func (q *Queue[V, R]) FailPending(err error) {
	q.mu.Lock()
	if q.failErr == nil {
		q.failErr = err
	}
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.failItems(dropped, err)
}

// CancelAllAndClose fails every pending and batched element with err and
// closes the queue. It is irreversible; later calls are no-ops.
func (q *Queue[V, R]) CancelAllAndClose(err error) {
	q.mu.Lock()
	if q.closedErr != nil {
		q.mu.Unlock()
		return
	}
	q.closedErr = err
	dropped := append(q.batch, q.pending...)
	q.batch, q.pending, q.batchSize = nil, nil, 0
	q.mu.Unlock()
	q.failItems(dropped, err)
}

func (q *Queue[V, R]) failItems(items []*item[V, R], err error) {
	if len(items) == 0 {
		return
	}
	q.opts.Executor.Submit(func() {
		for _, it := range items {
			it.fut.Fail(err)
		}
		q.settled(items)
	})
}

// Backlogged reports whether outstanding size has reached MaxBacklog.
func (q *Queue[V, R]) Backlogged() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlogged
}

// OnBacklog registers fn for backlog transitions; the returned func removes it.
func (q *Queue[V, R]) OnBacklog(fn func(backlogged bool)) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.onBacklog[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.onBacklog, id)
		q.mu.Unlock()
	}
}

// AwaitCapacity blocks while the queue is backlogged.
func (q *Queue[V, R]) AwaitCapacity(ctx context.Context) error {
	q.mu.Lock()
	c := q.capacity
	q.mu.Unlock()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateBacklogLocked flips the backlog state if needed and returns the
// notification to run after unlocking.
func (q *Queue[V, R]) updateBacklogLocked() func() {
	if q.opts.MaxBacklog <= 0 {
		return func() {}
	}
	want := q.outBytes >= q.opts.MaxBacklog
	if want == q.backlogged {
		return func() {}
	}
	q.backlogged = want
	if want {
		q.capacity = make(chan struct{})
	} else {
		close(q.capacity)
	}
	fns := make([]func(bool), 0, len(q.onBacklog))
	for _, fn := range q.onBacklog {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(want)
		}
	}
}
