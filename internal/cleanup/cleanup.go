// Package cleanup closes subscribers whose heartbeat record disappeared or
// whose hosting member left the cluster.
//
// Every trigger is queued to one background worker, so store and cluster
// listeners never block. Removal of a heartbeat record, explicit or by
// expiry, closes the subscriber in its group unless a newer connection has
// superseded the removed record. Member departure sweeps every topic;
// receiving or recovering partitions sweeps the groups stored on them.
// Sweeps only issue explicit removals and closes, so every path ends in
// the same close procedure.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/rzbill/pagedtopic/internal/cluster"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/subscription"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// ErrStopped is returned by Idle and Sweep after Stop.
var ErrStopped = errors.New("cleanup stopped")

// Registry resolves the subscription managers of locally known topics.
type Registry interface {
	Manager(topic string) (*subscription.Manager, bool)
	Managers() []*subscription.Manager
}

// Cluster is the membership view the cleaner reacts to.
type Cluster interface {
	Self() cluster.Member
	IsMember(id uuid.UUID) bool
	AddListener(fn cluster.Listener) func()
}

// Options configures a Cleaner.
type Options struct {
	Store         *store.Store
	Cluster       Cluster
	Registry      Registry
	// SweepInterval is the minimum gap between two sweeps; zero means 100ms.
	SweepInterval time.Duration
	Logger        log.Logger
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Cleaner runs cleanup tasks on a single worker.
type Cleaner struct {
	st       *store.Store
	cluster  Cluster
	registry Registry
	limiter  *rate.Limiter
	log      log.Logger

	mu        sync.Mutex
	tasks     []task
	fullQueue bool
	started   bool
	stopped   bool
	signal    chan struct{}
	unlisten  []func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a stopped cleaner.
func New(opts Options) *Cleaner {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 100 * time.Millisecond
	}
	return &Cleaner{
		st:       opts.Store,
		cluster:  opts.Cluster,
		registry: opts.Registry,
		limiter:  rate.NewLimiter(rate.Every(opts.SweepInterval), 1),
		log:      opts.Logger.With(log.Component("subscriber-cleanup")),
		signal:   make(chan struct{}, 1),
	}
}

// Start registers the listeners and starts the worker. Starting twice or
// after Stop is a no-op.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.unlisten = append(c.unlisten, c.st.AddListener(page.RootMember, c.onStoreEvent))
	if c.cluster != nil {
		c.unlisten = append(c.unlisten, c.cluster.AddListener(c.onClusterEvent))
	}
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop removes the listeners, drops queued tasks and waits for the
// running one.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unlisten := c.unlisten
	c.unlisten = nil
	c.tasks = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, fn := range unlisten {
		fn()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Cleaner) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Cleaner) enqueue(t task) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

func (c *Cleaner) next() (task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) == 0 {
		return task{}, false
	}
	t := c.tasks[0]
	c.tasks[0] = task{}
	c.tasks = c.tasks[1:]
	return t, true
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		for {
			t, ok := c.next()
			if !ok {
				break
			}
			if err := t.run(ctx); err != nil {
				// shutdown races are expected
				if ctx.Err() == nil && !c.isStopped() {
					c.log.Warn("cleanup task failed", log.Str("task", t.name), log.Err(err))
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
		}
	}
}

// Idle waits until every task queued before the call has run.
func (c *Cleaner) Idle(ctx context.Context) error {
	done := make(chan struct{})
	if !c.enqueue(task{name: "idle", run: func(context.Context) error {
		close(done)
		return nil
	}}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cleaner) onStoreEvent(ev store.Event) {
	if ev.Type != store.Removed {
		return
	}
	ref, ok := page.ParseKey(ev.Key)
	if !ok || ref.Kind != page.KindMember {
		return
	}
	var info subscription.SubscriberInfo
	if err := page.Unmarshal(ev.Old, &info); err != nil {
		c.log.Warn("undecodable subscriber record", log.Str("topic", ref.Topic), log.Str("subscriber", ref.Subscriber), log.Err(err))
		return
	}
	synthetic := ev.Synthetic
	c.enqueue(task{name: "close subscriber", run: func(ctx context.Context) error {
		return c.closeRemoved(ctx, ref, info.Stamp(), synthetic)
	}})
}

func (c *Cleaner) closeRemoved(ctx context.Context, ref page.Ref, removed subscription.Stamp, synthetic bool) error {
	m, ok := c.registry.Manager(ref.Topic)
	if !ok {
		c.log.Debug("removal for unknown topic", log.Str("topic", ref.Topic))
		return nil
	}
	res, err := m.CloseSubscriber(ctx, ref.Group, ref.Subscriber, removed)
	if err != nil {
		return err
	}
	fields := []log.Field{log.Str("topic", ref.Topic), log.Str("group", ref.Group), log.Str("subscriber", ref.Subscriber), log.Bool("expired", synthetic)}
	switch res {
	case subscription.CloseStale:
		c.log.Debug("stale subscriber removal dropped", fields...)
	case subscription.SubscriberClosed:
		c.log.Info("subscriber cleaned up", fields...)
	}
	return nil
}

func (c *Cleaner) onClusterEvent(ev cluster.Event) {
	self := c.cluster.Self().ID
	switch ev.Type {
	case cluster.MemberLeft:
		c.mu.Lock()
		queued := c.fullQueue
		c.fullQueue = true
		c.mu.Unlock()
		if queued {
			return
		}
		c.enqueue(task{name: "member sweep", run: func(ctx context.Context) error {
			c.mu.Lock()
			c.fullQueue = false
			c.mu.Unlock()
			return c.sweep(ctx, nil)
		}})
	case cluster.PartitionsReceived, cluster.PartitionsRecovered:
		if ev.NewOwner != self {
			return
		}
		scope := make(map[int]bool, len(ev.Partitions))
		for _, p := range ev.Partitions {
			scope[p] = true
		}
		c.enqueue(task{name: "partition sweep", run: func(ctx context.Context) error {
			return c.sweep(ctx, scope)
		}})
	}
}

// Sweep runs a cleanup sweep on the calling goroutine. With partitions it
// only visits groups stored on them.
func (c *Cleaner) Sweep(ctx context.Context, partitions ...int) error {
	if c.isStopped() {
		return ErrStopped
	}
	var scope map[int]bool
	if len(partitions) > 0 {
		scope = make(map[int]bool, len(partitions))
		for _, p := range partitions {
			scope[p] = true
		}
	}
	return c.sweep(ctx, scope)
}

func (c *Cleaner) sweep(ctx context.Context, scope map[int]bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var errs error
	for _, m := range c.registry.Managers() {
		errs = multierr.Append(errs, c.sweepTopic(ctx, m, scope))
	}
	return errs
}

// sweepTopic removes the heartbeat records of subscribers hosted by
// departed members and closes live group members left without a record.
func (c *Cleaner) sweepTopic(ctx context.Context, m *subscription.Manager, scope map[int]bool) error {
	groups, err := m.Groups()
	if err != nil {
		return err
	}
	var errs error
	for _, g := range groups {
		if scope != nil && !scope[m.GroupPartition(g.Name)] {
			continue
		}
		infos, err := m.Subscribers(g.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		records := make(map[string]bool, len(infos))
		for _, info := range infos {
			records[info.ID] = true
			if c.departed(info.OwnerMember) {
				// the removal event closes it
				if _, _, err := m.Remove(ctx, g.Name, info.ID, false); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
		for id, mem := range g.Subscribers {
			if mem.Closed || records[id] {
				continue
			}
			res, err := m.CloseSubscriber(ctx, g.Name, id, mem.Stamp())
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if res == subscription.SubscriberClosed {
				c.log.Info("orphaned subscriber closed", log.Str("topic", m.Topic().Name()), log.Str("group", g.Name), log.Str("subscriber", id))
			}
		}
	}
	return errs
}

func (c *Cleaner) departed(owner string) bool {
	if owner == "" || c.cluster == nil {
		return false
	}
	id, err := uuid.Parse(owner)
	if err != nil {
		return false
	}
	return !c.cluster.IsMember(id)
}
