package batchqueue

import (
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Executor runs completion work off the caller's goroutine.
type Executor interface {
	Submit(fn func())
}

// Inline runs work on the calling goroutine.
type Inline struct{}

func (Inline) Submit(fn func()) { fn() }

// Serial runs submitted work one task at a time, in submission order, on a
// single pooled goroutine. Tasks may submit further tasks.
type Serial struct {
	mu      sync.Mutex
	p       *pool.Pool
	tasks   []func()
	running bool
	closed  bool
}

// NewSerial returns a Serial executor.
func NewSerial() *Serial {
	return &Serial{p: pool.New().WithMaxGoroutines(1)}
}

// Submit queues fn. After Close it runs fn inline.
func (s *Serial) Submit(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.tasks = append(s.tasks, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.p.Go(s.run)
	s.mu.Unlock()
}

func (s *Serial) run() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
	}
}

// Close waits for submitted work to finish.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.p.Wait()
}
