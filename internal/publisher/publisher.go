package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rzbill/pagedtopic/internal/batchqueue"
	"github.com/rzbill/pagedtopic/internal/codec"
	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/future"
	"github.com/rzbill/pagedtopic/internal/metrics"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/id"
	"github.com/rzbill/pagedtopic/pkg/log"
)

var defaultSequence = id.NewSequence()

// Options configures a Publisher.
type Options struct {
	Service *topic.Service
	// Member is the owning cluster member; it scopes the publisher id.
	Member uuid.UUID
	// Sequence supplies the member-local discriminator. nil uses a
	// process-wide sequence.
	Sequence *id.Sequence
	// ChannelCount overrides the topic's channel count when positive.
	ChannelCount int
	Codec        codec.Codec
	// Executor runs element completions. nil creates a serial executor
	// owned by the publisher.
	Executor batchqueue.Executor
	Metrics  *metrics.Publisher
	Clock    clock.Clock
	Logger   log.Logger
	// FailFast closes every channel when one channel fails terminally.
	FailFast bool
	// OnError observes terminal channel failures.
	OnError func(ch int, err error)
}

// PublishOption routes a single publish.
type PublishOption func(*route)

type route struct {
	key     []byte
	channel int
}

// WithOrderKey routes by key: equal keys always reach the same channel.
func WithOrderKey(key []byte) PublishOption {
	return func(r *route) { r.key = key }
}

// WithChannel routes to channel n.
func WithChannel(n int) PublishOption {
	return func(r *route) { r.channel = n }
}

// Publisher fans published elements out over the topic's channels.
type Publisher struct {
	svc      *topic.Service
	id       id.Composite
	channels []*ChannelPublisher
	log      log.Logger
	failFast bool
	onError  func(int, error)

	ownedExec *batchqueue.Serial
	next      atomic.Uint64

	// partitions holds the store partition of every channel.
	partitions map[int]int

	unlisten []func()
	closed   atomic.Bool

	mu        sync.Mutex
	listeners map[int]func(topic.Event)
	nextID    int
}

// New creates a Publisher, creating the topic record if it does not exist.
func New(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("publisher: nil topic service")
	}
	info, err := opts.Service.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	count := info.ChannelCount
	if opts.ChannelCount > 0 {
		count = opts.ChannelCount
	}
	if opts.Sequence == nil {
		opts.Sequence = defaultSequence
	}
	if opts.Codec == nil {
		c, err := codec.ByName(opts.Service.Config().Codec)
		if err != nil {
			return nil, fmt.Errorf("publisher: %w", err)
		}
		opts.Codec = c
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}

	p := &Publisher{
		svc:        opts.Service,
		id:         id.NewComposite(opts.Member, opts.Sequence.Next()),
		failFast:   opts.FailFast,
		onError:    opts.OnError,
		partitions: make(map[int]int, count),
		listeners:  make(map[int]func(topic.Event)),
	}
	p.log = opts.Logger.With(log.Component("publisher"), log.Str("topic", p.svc.Name()), log.Str("publisher", p.id.String()))
	exec := opts.Executor
	if exec == nil {
		p.ownedExec = batchqueue.NewSerial()
		exec = p.ownedExec
	}

	p.channels = make([]*ChannelPublisher, count)
	for ch := 0; ch < count; ch++ {
		p.channels[ch] = NewChannelPublisher(ChannelConfig{
			Service:  p.svc,
			Channel:  ch,
			Notifier: p.id.String(),
			Codec:    opts.Codec,
			Executor: exec,
			Metrics:  opts.Metrics,
			Clock:    opts.Clock,
			Logger:   opts.Logger,
			OnError:  p.handleChannelError,
		})
		p.partitions[ch] = p.svc.Partition(ch)
	}

	p.unlisten = append(p.unlisten,
		p.svc.Store().AddListener(page.NotificationTopicPrefix(p.svc.Name()), p.onNotification),
		p.svc.AddListener(p.onTopicEvent),
	)
	p.log.Debug("publisher created", log.Int("channels", count))
	return p, nil
}

// ID returns the publisher id; it is also the notifier id of its
// wakeup tokens.
func (p *Publisher) ID() id.Composite { return p.id }

// ChannelCount returns the number of channels the publisher writes.
func (p *Publisher) ChannelCount() int { return len(p.channels) }

// Publish routes v to a channel and queues it there.
func (p *Publisher) Publish(v any, opts ...PublishOption) (*future.Future[PublishStatus], error) {
	if p.closed.Load() {
		return nil, errs.Closed("publish", errs.ErrNotActive)
	}
	r := route{channel: -1}
	for _, o := range opts {
		o(&r)
	}
	ch, err := p.channelFor(r)
	if err != nil {
		return nil, err
	}
	return p.channels[ch].Publish(v)
}

func (p *Publisher) channelFor(r route) (int, error) {
	n := len(p.channels)
	switch {
	case r.channel >= 0:
		if r.channel >= n {
			return 0, errs.Structural("publish", fmt.Errorf("%w: %d not in [0,%d)", errs.ErrInvalidChannel, r.channel, n))
		}
		return r.channel, nil
	case r.key != nil:
		return int(xxhash.Sum64(r.key) % uint64(n)), nil
	default:
		return int((p.next.Add(1) - 1) % uint64(n)), nil
	}
}

// Channel returns the publisher of channel n.
func (p *Publisher) Channel(n int) (*ChannelPublisher, bool) {
	if n < 0 || n >= len(p.channels) {
		return nil, false
	}
	return p.channels[n], true
}

// ChannelConnector publishes to one fixed channel.
type ChannelConnector struct {
	p  *Publisher
	ch *ChannelPublisher
}

// CreateChannelConnector returns a connector bound to channel n.
func (p *Publisher) CreateChannelConnector(n int) (*ChannelConnector, error) {
	ch, ok := p.Channel(n)
	if !ok {
		return nil, errs.Structural("connector", fmt.Errorf("%w: %d not in [0,%d)", errs.ErrInvalidChannel, n, len(p.channels)))
	}
	return &ChannelConnector{p: p, ch: ch}, nil
}

// Channel returns the bound channel.
func (c *ChannelConnector) Channel() int { return c.ch.Channel() }

// Publish queues v on the bound channel.
func (c *ChannelConnector) Publish(v any) (*future.Future[PublishStatus], error) {
	if c.p.closed.Load() {
		return nil, errs.Closed("publish", errs.ErrNotActive)
	}
	return c.ch.Publish(v)
}

// Flush flushes the bound channel.
func (c *ChannelConnector) Flush(mode FlushMode) *future.Future[struct{}] { return c.ch.Flush(mode) }

// Flush waits until every channel settled what was published before the
// call. Per-channel failures are combined.
func (p *Publisher) Flush(ctx context.Context, mode FlushMode) error {
	futs := make([]*future.Future[struct{}], len(p.channels))
	for i, ch := range p.channels {
		futs[i] = ch.Flush(mode)
	}
	var err error
	for i, f := range futs {
		if _, ferr := f.Wait(ctx); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("channel %d: %w", i, ferr))
		}
	}
	return err
}

// Close closes every channel, failing elements not yet offered, then
// unregisters the publisher's listeners and dispatches Destroyed to its own
// listeners. Wakeup tokens of paused channels are removed. On a destroyed
// topic queued elements fail with a destroyed error. Later calls are no-ops.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, fn := range p.unlisten {
		fn()
	}
	if info, ok, err := p.svc.Info(); err == nil && ok && info.Destroyed {
		// elements fail with ErrTopicDestroyed; that is the expected outcome
		_ = p.Flush(ctx, FlushDestroy)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range p.channels {
			ch.Close()
		}
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		err = p.dropNotifications(ctx)
	}
	if p.ownedExec != nil && err == nil {
		p.ownedExec.Close()
	}
	p.dispatch(topic.Event{Type: topic.Destroyed, Topic: p.svc.Name()})
	p.log.Debug("publisher closed")
	return err
}

// dropNotifications removes the wakeup tokens left by channels that closed
// while paused. Nothing else would remove them before space is freed.
func (p *Publisher) dropNotifications(ctx context.Context) error {
	var err error
	for _, c := range p.channels {
		if !c.notified.Load() {
			continue
		}
		if derr := p.svc.DropNotification(ctx, c.ch, p.id.String()); derr != nil {
			p.log.Warn("wakeup token not removed", log.Int("channel", c.ch), log.Err(derr))
			err = multierr.Append(err, fmt.Errorf("channel %d: %w", c.ch, derr))
			continue
		}
		c.notified.Store(false)
	}
	return err
}

// OnBacklog registers fn for backlog transitions of every channel.
func (p *Publisher) OnBacklog(fn func(ch int, backlogged bool)) func() {
	offs := make([]func(), len(p.channels))
	for i, ch := range p.channels {
		n := i
		offs[i] = ch.OnBacklog(func(b bool) { fn(n, b) })
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// AddListener registers fn for lifecycle events.
func (p *Publisher) AddListener(fn func(topic.Event)) func() {
	p.mu.Lock()
	p.nextID++
	n := p.nextID
	p.listeners[n] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, n)
		p.mu.Unlock()
	}
}

func (p *Publisher) dispatch(ev topic.Event) {
	p.mu.Lock()
	fns := make([]func(topic.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// onNotification wakes the channel whose wakeup token was removed. It runs
// on a store worker.
func (p *Publisher) onNotification(ev store.Event) {
	if ev.Type != store.Removed {
		return
	}
	ref, ok := page.ParseKey(ev.Key)
	if !ok || ref.Kind != page.KindNotification || ref.Notifier != p.id.String() {
		return
	}
	if part, ok := p.partitions[ref.Channel]; !ok || part != ref.Partition {
		return
	}
	p.channels[ref.Channel].onFreed()
}

func (p *Publisher) onTopicEvent(ev topic.Event) {
	switch ev.Type {
	case topic.ChannelsFreed:
		for _, ch := range ev.Channels {
			if c, ok := p.Channel(ch); ok {
				c.onFreed()
			}
		}
	case topic.Destroyed:
		p.log.Info("topic destroyed under publisher")
		for _, c := range p.channels {
			go c.CloseWithError(errs.Structural("publish", errs.ErrTopicDestroyed))
		}
	}
	p.dispatch(ev)
}

func (p *Publisher) handleChannelError(ch int, err error) {
	if p.onError != nil {
		p.onError(ch, err)
	}
	if !p.failFast {
		return
	}
	p.log.Warn("closing sibling channels after failure", log.Int("channel", ch), log.Err(err))
	for i, c := range p.channels {
		if i != ch {
			c.CloseWithError(fmt.Errorf("channel %d failed: %w", ch, err))
		}
	}
}
