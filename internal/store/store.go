package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"

	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/future"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// Key addresses one record. Assoc picks the partition; nil Assoc means Raw.
type Key struct {
	Raw   []byte
	Assoc []byte
}

// K builds a Key.
func K(raw, assoc []byte) Key { return Key{Raw: raw, Assoc: assoc} }

// Options configures a Store.
type Options struct {
	Partitions int
	Logger     log.Logger
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Partitions  int
	Pending     int
	Invocations uint64
	Failures    uint64
	DiskBytes   uint64
}

// Store runs processors against a Pebble database, one worker per partition.
type Store struct {
	db        *pebblestore.DB
	log       log.Logger
	parts     []*partition
	listeners listeners

	invocations atomic.Uint64
	failures    atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type task struct {
	ctx  context.Context
	key  []byte
	proc Processor
	fut  *future.Future[any]
}

type partition struct {
	id     int
	mu     sync.Mutex
	tasks  []task
	closed bool
	wake   chan struct{}
}

// New starts a Store over db. The caller keeps ownership of db.
func New(db *pebblestore.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	s := &Store{db: db, log: logger.With(log.Component("store"))}
	s.parts = make([]*partition, opts.Partitions)
	for i := range s.parts {
		p := &partition{id: i, wake: make(chan struct{}, 1)}
		s.parts[i] = p
		s.wg.Add(1)
		go s.work(p)
	}
	return s, nil
}

// Partitions returns the partition count.
func (s *Store) Partitions() int { return len(s.parts) }

// PartitionOf returns the partition owning k.
func (s *Store) PartitionOf(k Key) int {
	assoc := k.Assoc
	if assoc == nil {
		assoc = k.Raw
	}
	return int(xxhash.Sum64(assoc) % uint64(len(s.parts)))
}

// Invoke queues proc on k's partition. The future settles with the
// processor's result once its writes are committed and events dispatched.
func (s *Store) Invoke(ctx context.Context, k Key, proc Processor) *future.Future[any] {
	fut := future.New[any]()
	p := s.parts[s.PartitionOf(k)]
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fut.Fail(errs.Transient("store invoke", errs.ErrUnavailable))
		return fut
	}
	p.tasks = append(p.tasks, task{ctx: ctx, key: k.Raw, proc: proc, fut: fut})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return fut
}

// Do invokes proc and waits for its typed result.
func Do[T any](ctx context.Context, s *Store, k Key, proc Processor) (T, error) {
	var zero T
	v, err := s.Invoke(ctx, k, proc).Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("store: processor returned %T, want %T", v, zero)
	}
	return out, nil
}

// AddListener registers fn for committed events on keys under prefix.
// The returned func unregisters it.
func (s *Store) AddListener(prefix []byte, fn Listener) func() {
	return s.listeners.add(prefix, fn)
}

// Get reads a committed value outside any unit of order.
func (s *Store) Get(raw []byte) ([]byte, bool, error) {
	v, err := s.db.Get(raw)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Scan iterates committed keys under prefix.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.ScanPrefix(prefix, fn)
}

// Stats reports store size and activity.
func (s *Store) Stats() Stats {
	st := Stats{
		Partitions:  len(s.parts),
		Invocations: s.invocations.Load(),
		Failures:    s.failures.Load(),
		DiskBytes:   s.db.DiskUsage(),
	}
	for _, p := range s.parts {
		p.mu.Lock()
		st.Pending += len(p.tasks)
		p.mu.Unlock()
	}
	return st
}

// Close stops the workers. Queued invocations fail with ErrUnavailable; a
// processor already running completes.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		for _, p := range s.parts {
			p.mu.Lock()
			p.closed = true
			pending := p.tasks
			p.tasks = nil
			p.mu.Unlock()
			for _, t := range pending {
				t.fut.Fail(errs.Transient("store closed", errs.ErrUnavailable))
			}
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
		s.wg.Wait()
	})
	return nil
}

func (s *Store) work(p *partition) {
	defer s.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.tasks[0]
		p.tasks[0] = task{}
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		s.run(p, t)
	}
}

func (s *Store) run(p *partition, t task) {
	s.invocations.Add(1)
	if t.ctx != nil {
		if err := t.ctx.Err(); err != nil {
			s.failures.Add(1)
			t.fut.Fail(err)
			return
		}
	}

	batch := s.db.NewIndexedBatch()
	entry := newEntry(t.key, p.id, batch)
	result, err := s.process(entry, t.proc)
	if err == nil && !batch.Empty() {
		err = s.db.CommitBatch(t.ctx, batch)
		if err != nil {
			err = errs.Transient("store commit", err)
		}
	}
	_ = batch.Close()
	if err != nil {
		s.failures.Add(1)
		t.fut.Fail(err)
		return
	}
	s.listeners.dispatch(entry.events())
	t.fut.Complete(result)
}

func (s *Store) process(e *Entry, proc Processor) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("processor panic", log.F("panic", r), log.Int("partition", e.partition))
			err = fmt.Errorf("store: processor panic: %v", r)
		}
	}()
	return proc.Process(e)
}
