package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/rzbill/pagedtopic/internal/cleanup"
	"github.com/rzbill/pagedtopic/internal/cluster"
	cfgpkg "github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/index"
	"github.com/rzbill/pagedtopic/internal/metrics"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/publisher"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/subscriber"
	"github.com/rzbill/pagedtopic/internal/subscription"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("runtime closed")

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	InMemory      bool
	Config        cfgpkg.Config
	// Registerer receives storage and publisher metrics. Optional.
	Registerer prometheus.Registerer
	// MemberName names the local cluster member.
	MemberName string
	Clock      clock.Clock
	Logger     log.Logger
	// DisableSweeper leaves heartbeat expiry to explicit Sweep calls.
	DisableSweeper bool
}

type topicHandle struct {
	svc     *topic.Service
	mgr     *subscription.Manager
	sweeper *subscription.Sweeper
}

// Runtime wires storage, indices, the cluster view and per-topic services
// for a single-node instance.
type Runtime struct {
	db       *pebblestore.DB
	st       *store.Store
	cluster  *cluster.Local
	content  *index.ContentIndex
	rollback *index.RollbackIndex
	cleaner  *cleanup.Cleaner
	pubm     *metrics.Publisher
	config   cfgpkg.Config
	clock    clock.Clock
	log      log.Logger
	sweep    bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	topics map[string]*topicHandle
}

// Open initializes the underlying storage, rebuilds the indices and
// starts subscriber cleanup.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MemberName == "" {
		opts.MemberName = "local"
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	var storeMetrics pebblestore.MetricsHook
	if opts.Registerer != nil {
		storeMetrics = metrics.NewStore(opts.Registerer)
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval, InMemory: opts.InMemory, Metrics: storeMetrics})
	if err != nil {
		return nil, err
	}
	st, err := store.New(db, store.Options{Partitions: opts.Config.Store.Partitions, Logger: opts.Logger})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rt := &Runtime{
		db:       db,
		st:       st,
		cluster:  cluster.NewLocal(st.Partitions(), opts.MemberName),
		content:  index.NewContentIndex(),
		rollback: index.NewRollbackIndex(),
		config:   opts.Config,
		clock:    opts.Clock,
		log:      opts.Logger,
		sweep:    !opts.DisableSweeper,
		topics:   make(map[string]*topicHandle),
	}
	if opts.Registerer != nil {
		rt.pubm = metrics.NewPublisher(opts.Registerer)
	}
	rt.content.Attach(st)
	rt.rollback.Attach(st)
	if err := multierr.Combine(rt.content.Rebuild(st), rt.rollback.Rebuild(st)); err != nil {
		_ = st.Close()
		_ = db.Close()
		return nil, err
	}
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.cleaner = cleanup.New(cleanup.Options{Store: st, Cluster: rt.cluster, Registry: rt, Logger: opts.Logger})
	rt.cleaner.Start(rt.ctx)
	return rt, nil
}

// Close stops cleanup and the sweepers, releases every topic handle and
// closes the store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.topics
	r.topics = nil
	r.mu.Unlock()

	r.cleaner.Stop()
	for _, h := range handles {
		if h.sweeper != nil {
			h.sweeper.Stop()
		}
		h.svc.Release()
	}
	r.cancel()
	return multierr.Combine(r.st.Close(), r.db.Close())
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Topic returns the service and subscription manager of name, creating
// the topic when it does not exist.
func (r *Runtime) Topic(ctx context.Context, name string) (*topic.Service, *subscription.Manager, error) {
	h, err := r.handle(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return h.svc, h.mgr, nil
}

func (r *Runtime) handle(ctx context.Context, name string) (*topicHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if h, ok := r.topics[name]; ok {
		return h, nil
	}
	svc, err := topic.NewService(name, topic.Options{
		Store:    r.st,
		Content:  r.content,
		Rollback: r.rollback,
		Config:   r.topicConfig,
		Clock:    r.clock,
		Logger:   r.log,
	})
	if err != nil {
		return nil, err
	}
	if _, err := svc.Ensure(ctx); err != nil {
		svc.Release()
		return nil, err
	}
	h := &topicHandle{svc: svc, mgr: subscription.NewManager(svc, r.log)}
	if r.sweep {
		h.sweeper = subscription.NewSweeper(h.mgr, subscription.SweeperOptions{Clock: r.clock, Logger: r.log})
		h.sweeper.Start(r.ctx)
	}
	r.topics[name] = h
	return h, nil
}

func (r *Runtime) topicConfig() cfgpkg.TopicConfig { return r.config.Topic }

// Manager returns the subscription manager of an opened topic.
func (r *Runtime) Manager(name string) (*subscription.Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.topics[name]; ok {
		return h.mgr, true
	}
	return nil, false
}

// Managers returns the subscription managers of every opened topic.
func (r *Runtime) Managers() []*subscription.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription.Manager, 0, len(r.topics))
	for _, h := range r.topics {
		out = append(out, h.mgr)
	}
	return out
}

// Topics returns the names of every topic in the store, destroyed ones
// excluded.
func (r *Runtime) Topics() ([]string, error) {
	var names []string
	err := r.st.Scan(page.RootInfo, func(k, v []byte) error {
		ref, ok := page.ParseKey(k)
		if !ok || ref.Kind != page.KindInfo {
			return nil
		}
		var info page.TopicInfo
		if err := page.Unmarshal(v, &info); err != nil {
			return err
		}
		if !info.Destroyed {
			names = append(names, ref.Topic)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// NewPublisher creates a publisher on topic name hosted by the local
// member. Zero fields of opts are filled from the runtime.
func (r *Runtime) NewPublisher(ctx context.Context, name string, opts publisher.Options) (*publisher.Publisher, error) {
	svc, _, err := r.Topic(ctx, name)
	if err != nil {
		return nil, err
	}
	opts.Service = svc
	opts.Member = r.cluster.Self().ID
	if opts.Metrics == nil {
		opts.Metrics = r.pubm
	}
	if opts.Clock == nil {
		opts.Clock = r.clock
	}
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	return publisher.New(ctx, opts)
}

// NewSubscriber creates a group subscriber on topic name hosted by the
// local member. It is not connected yet.
func (r *Runtime) NewSubscriber(ctx context.Context, name string, opts subscriber.Options) (*subscriber.Subscriber, error) {
	_, mgr, err := r.Topic(ctx, name)
	if err != nil {
		return nil, err
	}
	opts.OwnerMember = r.cluster.Self().ID.String()
	if opts.Clock == nil {
		opts.Clock = r.clock
	}
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	return subscriber.New(mgr, opts)
}

// DestroyTopic destroys topic name and forgets its handle.
func (r *Runtime) DestroyTopic(ctx context.Context, name string) error {
	h, err := r.handle(ctx, name)
	if err != nil {
		return err
	}
	if err := h.svc.Destroy(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	if r.topics[name] == h {
		delete(r.topics, name)
	}
	r.mu.Unlock()
	if h.sweeper != nil {
		h.sweeper.Stop()
	}
	h.svc.Release()
	return nil
}

// Sweep expires stale subscriber records of every opened topic and runs a
// cleanup sweep, then waits for the resulting closes. It returns how many
// records expired.
func (r *Runtime) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	handles := make([]*topicHandle, 0, len(r.topics))
	for _, h := range r.topics {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var errs error
	n := 0
	for _, h := range handles {
		sw := h.sweeper
		if sw == nil {
			sw = subscription.NewSweeper(h.mgr, subscription.SweeperOptions{Clock: r.clock, Logger: r.log})
		}
		expired, err := sw.Sweep(ctx)
		n += expired
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, r.cleaner.Sweep(ctx))
	errs = multierr.Append(errs, r.cleaner.Idle(ctx))
	return n, errs
}

// Cluster exposes the local cluster view.
func (r *Runtime) Cluster() *cluster.Local { return r.cluster }

// Store exposes the partitioned store.
func (r *Runtime) Store() *store.Store { return r.st }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
