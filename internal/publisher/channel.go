package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/rzbill/pagedtopic/internal/batchqueue"
	"github.com/rzbill/pagedtopic/internal/codec"
	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/future"
	"github.com/rzbill/pagedtopic/internal/metrics"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// State is a channel publisher's lifecycle state. Transitions are one way.
type State int32

const (
	Active State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FlushMode selects how Flush treats work that cannot complete.
type FlushMode int

const (
	// FlushNormal waits for every submitted element to settle.
	FlushNormal FlushMode = iota
	// FlushForceCloseExceptionally fails queued elements with a closed error
	// before waiting.
	FlushForceCloseExceptionally
	// FlushDestroy fails queued elements with a topic-destroyed error before
	// waiting.
	FlushDestroy
)

// PublishStatus is the result of one published element.
type PublishStatus struct {
	Channel  int
	Position page.Position
}

type element struct {
	payload []byte
	err     error
}

// ChannelConfig configures a ChannelPublisher.
type ChannelConfig struct {
	Service  *topic.Service
	Channel  int
	Notifier string
	Codec    codec.Codec
	Executor batchqueue.Executor
	Metrics  *metrics.Publisher
	Clock    clock.Clock
	Logger   log.Logger
	// OnError is told about terminal failures after the channel has
	// cancelled its work.
	OnError func(ch int, err error)
}

// ChannelPublisher drains one channel's queue into the channel's tail page.
type ChannelPublisher struct {
	svc      *topic.Service
	ch       int
	notifier string
	codec    codec.Codec
	queue    *batchqueue.Queue[element, PublishStatus]
	metrics  *metrics.Publisher
	clock    clock.Clock
	log      log.Logger
	onError  func(int, error)

	state atomic.Int32

	mu       sync.Mutex
	draining bool
	wakeSeq  uint64
	wg       sync.WaitGroup

	// notified is set while a wakeup token of this channel may be stored.
	notified atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	abortOnce sync.Once
	abortErr  atomic.Pointer[error]
	aborted   chan struct{}
}

// NewChannelPublisher creates an active publisher for one channel.
func NewChannelPublisher(cfg ChannelConfig) *ChannelPublisher {
	if cfg.Codec == nil {
		cfg.Codec = codec.Raw{}
	}
	if cfg.Executor == nil {
		cfg.Executor = batchqueue.Inline{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &ChannelPublisher{
		svc:      cfg.Service,
		ch:       cfg.Channel,
		notifier: cfg.Notifier,
		codec:    cfg.Codec,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		log:      cfg.Logger.With(log.Component("channel-publisher"), log.Str("topic", cfg.Service.Name()), log.Int("channel", cfg.Channel)),
		onError:  cfg.OnError,
		ctx:      ctx,
		cancel:   cancel,
		aborted:  make(chan struct{}),
	}
	c.queue = batchqueue.New[element, PublishStatus](batchqueue.Options[element]{
		Size:       func(e element) int64 { return int64(len(e.payload)) },
		MaxBacklog: cfg.Service.Config().MaxBacklogBytes,
		Executor:   cfg.Executor,
	})
	return c
}

// Channel returns the channel number.
func (c *ChannelPublisher) Channel() int { return c.ch }

// State returns the lifecycle state.
func (c *ChannelPublisher) State() State { return State(c.state.Load()) }

// Publish queues v. It fails synchronously only when the channel is not
// active; every other failure arrives through the future.
func (c *ChannelPublisher) Publish(v any) (*future.Future[PublishStatus], error) {
	if c.State() != Active {
		return nil, errs.Closed("publish", errs.ErrNotActive)
	}
	b, err := c.codec.Marshal(v)
	fut := c.queue.Add(element{payload: b, err: err})
	c.kick()
	return fut, nil
}

// Flush settles once every element published so far has settled.
func (c *ChannelPublisher) Flush(mode FlushMode) *future.Future[struct{}] {
	switch mode {
	case FlushForceCloseExceptionally:
		c.failOutstanding(errs.Closed("flush", errs.ErrPublisherClosed))
	case FlushDestroy:
		c.failOutstanding(errs.Structural("flush", errs.ErrTopicDestroyed))
	}
	return c.queue.Flush()
}

// failOutstanding makes queued and stalled elements fail with err so a
// flush cannot hang on them.
func (c *ChannelPublisher) failOutstanding(err error) {
	c.queue.FailPending(err)
	c.abort(err)
	c.mu.Lock()
	if c.queue.Paused() && !c.draining {
		c.queue.FailRemaining(err)
	}
	c.mu.Unlock()
}

func (c *ChannelPublisher) abort(err error) {
	c.abortOnce.Do(func() {
		c.abortErr.Store(&err)
		close(c.aborted)
	})
}

// Close cancels queued elements and stops draining. An offer already in
// the store still settles its elements.
func (c *ChannelPublisher) Close() {
	c.closeWith(errs.Closed("close", errs.ErrPublisherClosed), false)
}

// CloseWithError cancels all work with err.
func (c *ChannelPublisher) CloseWithError(err error) {
	c.closeWith(err, false)
}

func (c *ChannelPublisher) closeWith(err error, notify bool) {
	if !c.beginClose() {
		return
	}
	c.finishClose(err, notify)
}

// beginClose moves an active channel to Closing. Only the first caller
// gets true.
func (c *ChannelPublisher) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Active {
		return false
	}
	c.state.Store(int32(Closing))
	return true
}

func (c *ChannelPublisher) finishClose(err error, notify bool) {
	c.queue.FailPending(err)
	c.cancel()
	c.wg.Wait()
	c.queue.CancelAllAndClose(err)
	c.state.Store(int32(Closed))
	if notify {
		c.log.Error("channel publisher failed", log.Err(err))
		if c.onError != nil {
			c.onError(c.ch, err)
		}
		return
	}
	c.log.Debug("channel publisher closed")
}

// OnBacklog registers fn for backlog transitions of this channel.
func (c *ChannelPublisher) OnBacklog(fn func(bool)) func() { return c.queue.OnBacklog(fn) }

// AwaitCapacity blocks while the channel is backlogged.
func (c *ChannelPublisher) AwaitCapacity(ctx context.Context) error {
	return c.queue.AwaitCapacity(ctx)
}

// Outstanding returns the number of unsettled elements.
func (c *ChannelPublisher) Outstanding() int { return c.queue.Outstanding() }

// Paused reports whether the channel waits for freed space.
func (c *ChannelPublisher) Paused() bool { return c.queue.Paused() }

// onFreed is called when space was freed on this channel. It may run on a
// store worker and must not block.
func (c *ChannelPublisher) onFreed() {
	c.mu.Lock()
	c.wakeSeq++
	c.notified.Store(false)
	resumed := c.queue.Resume()
	c.mu.Unlock()
	if resumed {
		c.log.Debug("channel resumed after freed space")
		c.kick()
	}
}

// kick starts a drain goroutine unless one runs or the channel is paused.
// A paused channel is restarted only by onFreed.
func (c *ChannelPublisher) kick() {
	c.mu.Lock()
	if c.State() != Active || c.draining || c.queue.Paused() {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.wg.Add(1)
	c.mu.Unlock()
	go c.drainLoop()
}

type drainResult int

const (
	drainMore drainResult = iota
	drainIdle
	// drainPaused means the channel paused and already released the drain
	// slot.
	drainPaused
)

func (c *ChannelPublisher) drainLoop() {
	defer c.wg.Done()
	for {
		r := drainMore
		for c.State() == Active && r == drainMore {
			r = c.drainOnce()
		}
		if r == drainPaused {
			return
		}
		c.mu.Lock()
		if c.State() == Active && c.queue.Ready() {
			c.mu.Unlock()
			continue
		}
		c.draining = false
		c.mu.Unlock()
		return
	}
}

// drainOnce offers one batch.
func (c *ChannelPublisher) drainOnce() drainResult {
	cfg := c.svc.Config()
	c.queue.FillCurrentBatch(int64(cfg.MaxBatchBytes))
	batch := c.queue.CurrentBatch()
	if len(batch) == 0 {
		return drainIdle
	}
	payloads := make([][]byte, len(batch))
	for i, el := range batch {
		if el.err != nil {
			c.terminate(errs.Offer("encode", fmt.Errorf("channel %d: %w", c.ch, el.err)))
			return drainIdle
		}
		payloads[i] = el.payload
	}

	if err := c.ensureConnected(); err != nil {
		c.terminate(err)
		return drainIdle
	}

	// Store exchanges run to completion; closing does not cancel them.
	ctx := context.Background()
	tail, err := c.svc.Tail(ctx, c.ch)
	if err != nil {
		c.terminate(err)
		return drainIdle
	}

	c.mu.Lock()
	seq := c.wakeSeq
	c.mu.Unlock()

	res, err := c.svc.Offer(ctx, c.ch, tail, payloads, c.notifier)
	if err != nil {
		c.terminate(err)
		return drainIdle
	}
	if res.Accepted > 0 {
		results := make([]PublishStatus, res.Accepted)
		for i := range results {
			results[i] = PublishStatus{Channel: c.ch, Position: page.Pos(res.Page, res.BaseOffset+int32(i))}
		}
		c.queue.CompleteElements(res.Accepted, nil, results, nil)
		c.metrics.Published(c.svc.Name(), c.ch, res.Accepted)
	}

	switch res.Status {
	case topic.Accepted:
		return drainMore
	case topic.PageSealed:
		if res.Tail == page.None {
			c.svc.ResetTail(c.ch)
			return drainMore
		}
		if _, err := c.svc.AdvanceTail(ctx, c.ch, res.Page); err != nil {
			c.terminate(err)
			return drainIdle
		}
		c.metrics.PageAdvanced(c.svc.Name(), c.ch)
		return drainMore
	case topic.TopicFull:
		if !cfg.NotifyOnFull {
			rest := len(batch) - res.Accepted
			c.queue.FailRemaining(errs.Capacity("publish", errs.ErrTopicFull))
			c.metrics.Failed(c.svc.Name(), c.ch, rest)
			return drainMore
		}
		c.mu.Lock()
		if c.wakeSeq != seq {
			c.mu.Unlock()
			return drainMore
		}
		c.notified.Store(true)
		c.queue.Pause()
		c.draining = false
		c.mu.Unlock()
		c.metrics.Paused(c.svc.Name(), c.ch)
		c.log.Debug("channel full, waiting for freed space")
		return drainPaused
	default:
		c.terminate(errs.Offer("offer", fmt.Errorf("unexpected status %v", res.Status)))
		return drainIdle
	}
}

// terminate handles an error raised while draining. On an active channel
// it is terminal; on a closing one the batch is failed quietly.
func (c *ChannelPublisher) terminate(err error) {
	if p := c.abortErr.Load(); p != nil {
		c.queue.FailRemaining(*p)
		return
	}
	if c.State() != Active {
		c.queue.FailRemaining(errs.Closed("publish", errs.ErrPublisherClosed))
		return
	}
	if !c.beginClose() {
		c.queue.FailRemaining(err)
		return
	}
	c.metrics.Failed(c.svc.Name(), c.ch, c.queue.Outstanding())
	c.queue.FailRemaining(err)
	c.queue.FailPending(err)
	// finishClose waits for this drain goroutine, so it runs beside it.
	go c.finishClose(err, true)
}

// ensureConnected blocks until the topic accepts publishes on this channel.
// Retriable failures are retried with exponential backoff starting at the
// configured retry interval until the timeout elapses; other failures
// return at once. Configuration is re-read on every attempt.
func (c *ChannelPublisher) ensureConnected() error {
	err := c.svc.Check(c.ctx, c.ch)
	if err == nil {
		return nil
	}
	start := c.clock.Now()
	b := backoff.NewExponentialBackOff()
	for attempt := 1; ; attempt++ {
		if !errs.IsRetriable(err) {
			return err
		}
		cfg := c.svc.Config()
		deadline := start.Add(cfg.Timeout())
		now := c.clock.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("channel %d: not connected after %s: %w", c.ch, cfg.Timeout(), err)
		}
		b.InitialInterval = cfg.Retry()
		b.MaxInterval = cfg.Timeout()
		wait := b.NextBackOff()
		if wait < cfg.Retry() {
			wait = cfg.Retry()
		}
		if rem := deadline.Sub(now); wait > rem {
			wait = rem
		}
		c.log.Debug("topic unavailable, retrying", log.Int("attempt", attempt), log.Duration("wait", wait), log.Err(err))
		if err := c.sleep(wait); err != nil {
			return err
		}
		if err = c.svc.Check(c.ctx, c.ch); err == nil {
			c.log.Info("channel reconnected", log.Int("attempts", attempt))
			return nil
		}
	}
}

func (c *ChannelPublisher) sleep(d time.Duration) error {
	select {
	case <-c.clock.After(d):
		return nil
	case <-c.aborted:
		return *c.abortErr.Load()
	case <-c.ctx.Done():
		return errs.Closed("reconnect", errs.ErrPublisherClosed)
	}
}
