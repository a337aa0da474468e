package topic

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/future"
	"github.com/rzbill/pagedtopic/internal/index"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// EventType is a topic lifecycle change.
type EventType int

const (
	Connected EventType = iota + 1
	Disconnected
	ChannelsFreed
	Destroyed
	Released
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ChannelsFreed:
		return "channels-freed"
	case Destroyed:
		return "destroyed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Event is delivered to lifecycle listeners.
type Event struct {
	Type     EventType
	Topic    string
	Channels []int
}

// Subscriptions is the group-side collaborator that follows topic changes.
type Subscriptions interface {
	// ExtendChannels grows every group below newCount to newCount channels.
	ExtendChannels(ctx context.Context, newCount int) error
	// DestroyAll removes every group of the topic.
	DestroyAll(ctx context.Context) error
}

// Options configures a Service.
type Options struct {
	Store    *store.Store
	Content  *index.ContentIndex
	Rollback *index.RollbackIndex
	// Config is re-read on every use; nil means config.DefaultTopic.
	Config func() config.TopicConfig
	Clock  clock.Clock
	Logger log.Logger
}

// Message is one element read back from a channel.
type Message struct {
	Channel     int
	Position    page.Position
	PublishedMs int64
	Payload     []byte
}

// Service is the process-local handle of one topic.
type Service struct {
	name     string
	st       *store.Store
	content  *index.ContentIndex
	rollback *index.RollbackIndex
	cfg      func() config.TopicConfig
	clock    clock.Clock
	log      log.Logger

	reachable atomic.Bool
	released  atomic.Bool

	tails sync.Map // channel -> *atomic.Int64
	sf    singleflight.Group

	subsMu sync.RWMutex
	subs   Subscriptions

	mu        sync.Mutex
	listeners map[int]func(Event)
	nextID    int
	unlisten  func()
}

// NewService creates the handle for topic name. It does not create the
// topic record; call Ensure for that.
func NewService(name string, opts Options) (*Service, error) {
	if !page.ValidName(name) {
		return nil, fmt.Errorf("topic %q: %w", name, page.ErrBadName)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("topic %q: nil store", name)
	}
	if opts.Content == nil {
		opts.Content = index.NewContentIndex()
	}
	if opts.Rollback == nil {
		opts.Rollback = index.NewRollbackIndex()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultTopic
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	s := &Service{
		name:      name,
		st:        opts.Store,
		content:   opts.Content,
		rollback:  opts.Rollback,
		cfg:       opts.Config,
		clock:     opts.Clock,
		log:       opts.Logger.With(log.Component("topic"), log.Str("topic", name)),
		listeners: make(map[int]func(Event)),
	}
	s.reachable.Store(true)
	s.unlisten = s.st.AddListener(page.UsageTopicPrefix(name), s.onUsage)
	return s, nil
}

// Name returns the topic name.
func (s *Service) Name() string { return s.name }

// Store returns the backing store.
func (s *Service) Store() *store.Store { return s.st }

// Config returns the current topic configuration.
func (s *Service) Config() config.TopicConfig { return s.cfg() }

// Clock returns the service clock.
func (s *Service) Clock() clock.Clock { return s.clock }

// BindSubscriptions attaches the group manager.
func (s *Service) BindSubscriptions(sub Subscriptions) {
	s.subsMu.Lock()
	s.subs = sub
	s.subsMu.Unlock()
}

func (s *Service) subscriptions() Subscriptions {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return s.subs
}

// ChannelKey returns the usage key of a channel; every channel-scoped
// processor targets it.
func (s *Service) ChannelKey(ch int) store.Key {
	return store.K(page.UsageKey(s.name, ch), page.ChannelAssoc(s.name, ch))
}

// Partition returns the store partition of a channel.
func (s *Service) Partition(ch int) int { return s.st.PartitionOf(s.ChannelKey(ch)) }

func (s *Service) infoKey() store.Key {
	return store.K(page.InfoKey(s.name), page.TopicAssoc(s.name))
}

func (s *Service) nowMs() int64 { return s.clock.Now().UnixMilli() }

// AddListener registers fn for lifecycle events.
func (s *Service) AddListener(fn func(Event)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Service) emit(ev Event) {
	ev.Topic = s.name
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Service) onUsage(ev store.Event) {
	if ev.Type != store.Updated {
		return
	}
	ref, ok := page.ParseKey(ev.Key)
	if !ok || ref.Kind != page.KindUsage {
		return
	}
	var before, after page.Usage
	if page.Unmarshal(ev.Old, &before) != nil || page.Unmarshal(ev.New, &after) != nil {
		return
	}
	if after.Bytes < before.Bytes && !after.Destroyed {
		s.emit(Event{Type: ChannelsFreed, Channels: []int{ref.Channel}})
	}
}

// Ensure creates the topic record if needed and returns it.
func (s *Service) Ensure(ctx context.Context) (page.TopicInfo, error) {
	count := s.cfg().ChannelCount
	now := s.nowMs()
	return store.Do[page.TopicInfo](ctx, s.st, s.infoKey(), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		var info page.TopicInfo
		ok, err := loadRecord(e, e.Key(), &info)
		if err != nil {
			return nil, err
		}
		if ok {
			if info.Destroyed {
				return nil, errs.Structural("ensure topic", errs.ErrTopicDestroyed)
			}
			return info, nil
		}
		info = page.TopicInfo{Name: s.name, ChannelCount: count, CreatedMs: now}
		return info, saveRecord(e, e.Key(), info)
	}))
}

// Info reads the topic record. ok is false if the topic does not exist.
func (s *Service) Info() (info page.TopicInfo, ok bool, err error) {
	b, ok, err := s.st.Get(page.InfoKey(s.name))
	if err != nil || !ok {
		return info, ok, err
	}
	err = page.Unmarshal(b, &info)
	return info, err == nil, err
}

// ChannelCount returns the topic's channel count, or 0 if unknown.
func (s *Service) ChannelCount() int {
	info, ok, err := s.Info()
	if err != nil || !ok {
		return 0
	}
	return info.ChannelCount
}

// Check reports whether ch can be published to now. Errors are classified:
// transient while the service is unreachable, structural when the topic
// is gone or the channel is out of range.
func (s *Service) Check(_ context.Context, ch int) error {
	if s.released.Load() {
		return errs.Closed("check", errs.ErrUnavailable)
	}
	if !s.reachable.Load() {
		return errs.Transient("check", errs.ErrUnavailable)
	}
	info, ok, err := s.Info()
	switch {
	case err != nil:
		return errs.Transient("check", err)
	case !ok:
		return errs.Structural("check", fmt.Errorf("%w: %s", errs.ErrTopicNotFound, s.name))
	case info.Destroyed:
		return errs.Structural("check", errs.ErrTopicDestroyed)
	case ch < 0 || ch >= info.ChannelCount:
		return errs.Structural("check", fmt.Errorf("%w: %d not in [0,%d)", errs.ErrInvalidChannel, ch, info.ChannelCount))
	}
	return nil
}

// Disconnect marks the service unreachable.
func (s *Service) Disconnect() {
	if s.reachable.CompareAndSwap(true, false) {
		s.log.Info("topic service disconnected")
		s.emit(Event{Type: Disconnected})
	}
}

// Reconnect marks the service reachable again.
func (s *Service) Reconnect() {
	if s.reachable.CompareAndSwap(false, true) {
		s.log.Info("topic service reconnected")
		s.emit(Event{Type: Connected})
	}
}

// SetChannelCount grows the topic to n channels. It never shrinks; it
// returns the resulting count.
func (s *Service) SetChannelCount(ctx context.Context, n int) (int, error) {
	info, err := store.Do[page.TopicInfo](ctx, s.st, s.infoKey(), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		var info page.TopicInfo
		ok, err := loadRecord(e, e.Key(), &info)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Structural("set channel count", errs.ErrTopicNotFound)
		}
		if info.Destroyed {
			return nil, errs.Structural("set channel count", errs.ErrTopicDestroyed)
		}
		if n <= info.ChannelCount {
			return info, nil
		}
		info.ChannelCount = n
		return info, saveRecord(e, e.Key(), info)
	}))
	if err != nil {
		return 0, err
	}
	if sub := s.subscriptions(); sub != nil {
		if err := sub.ExtendChannels(ctx, info.ChannelCount); err != nil {
			return info.ChannelCount, fmt.Errorf("extend subscriptions: %w", err)
		}
	}
	return info.ChannelCount, nil
}

// Destroy marks the topic destroyed, drops its content and groups, and
// emits Destroyed.
func (s *Service) Destroy(ctx context.Context) error {
	info, err := store.Do[page.TopicInfo](ctx, s.st, s.infoKey(), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		var info page.TopicInfo
		ok, err := loadRecord(e, e.Key(), &info)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Structural("destroy", errs.ErrTopicNotFound)
		}
		info.Destroyed = true
		return info, saveRecord(e, e.Key(), info)
	}))
	if err != nil {
		return err
	}
	if sub := s.subscriptions(); sub != nil {
		if err := sub.DestroyAll(ctx); err != nil {
			s.log.Warn("destroy subscriber groups failed", log.Err(err))
		}
	}
	futs := make([]*future.Future[any], 0, info.ChannelCount)
	for ch := 0; ch < info.ChannelCount; ch++ {
		futs = append(futs, s.st.Invoke(ctx, s.ChannelKey(ch), destroyChannel{Topic: s.name, Channel: ch}))
	}
	for _, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			return err
		}
	}
	s.content.DropTopic(s.name)
	s.tails.Range(func(k, _ any) bool { s.tails.Delete(k); return true })
	s.log.Info("topic destroyed")
	s.emit(Event{Type: Destroyed})
	return nil
}

// Release drops this process-local handle. Publishing through it fails
// afterwards; the topic itself is unaffected.
func (s *Service) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.unlisten()
	s.emit(Event{Type: Released})
}

func (s *Service) tailCell(ch int) *atomic.Int64 {
	if v, ok := s.tails.Load(ch); ok {
		return v.(*atomic.Int64)
	}
	c := new(atomic.Int64)
	c.Store(int64(page.None))
	v, _ := s.tails.LoadOrStore(ch, c)
	return v.(*atomic.Int64)
}

// observeTail records a tail seen in an exchange result; the cache only moves up.
func (s *Service) observeTail(ch int, t page.ID) {
	c := s.tailCell(ch)
	for {
		cur := c.Load()
		if int64(t) <= cur || c.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}

// Tail returns the channel's tail page, creating page 0 on first use.
// Concurrent first callers share one exchange.
func (s *Service) Tail(ctx context.Context, ch int) (page.ID, error) {
	if t := page.ID(s.tailCell(ch).Load()); t != page.None {
		return t, nil
	}
	v, err, _ := s.sf.Do("init/"+strconv.Itoa(ch), func() (any, error) {
		if t := page.ID(s.tailCell(ch).Load()); t != page.None {
			return t, nil
		}
		t, err := store.Do[page.ID](ctx, s.st, s.ChannelKey(ch), InitTail{Topic: s.name, Channel: ch, NowMs: s.nowMs()})
		if err != nil {
			return nil, err
		}
		s.observeTail(ch, t)
		return t, nil
	})
	if err != nil {
		return page.None, err
	}
	return v.(page.ID), nil
}

// AdvanceTail makes the tail exceed beyond. Callers that already see a
// later tail return at once; concurrent callers share one exchange.
func (s *Service) AdvanceTail(ctx context.Context, ch int, beyond page.ID) (page.ID, error) {
	for {
		if t := page.ID(s.tailCell(ch).Load()); t > beyond {
			return t, nil
		}
		v, err, _ := s.sf.Do("advance/"+strconv.Itoa(ch), func() (any, error) {
			if t := page.ID(s.tailCell(ch).Load()); t > beyond {
				return t, nil
			}
			t, err := store.Do[page.ID](ctx, s.st, s.ChannelKey(ch), AdvanceTail{Topic: s.name, Channel: ch, Beyond: beyond, NowMs: s.nowMs()})
			if err != nil {
				return nil, err
			}
			s.observeTail(ch, t)
			return t, nil
		})
		if err != nil {
			return page.None, err
		}
		if t := v.(page.ID); t > beyond {
			return t, nil
		}
	}
}

// ResetTail forgets the cached tail of ch.
func (s *Service) ResetTail(ch int) { s.tailCell(ch).Store(int64(page.None)) }

// Offer appends elements to page pg of ch using the current configuration.
func (s *Service) Offer(ctx context.Context, ch int, pg page.ID, elements [][]byte, notifier string) (OfferResult, error) {
	cfg := s.cfg()
	res, err := store.Do[OfferResult](ctx, s.st, s.ChannelKey(ch), Offer{
		Topic:           s.name,
		Channel:         ch,
		Page:            pg,
		Elements:        elements,
		Notifier:        notifier,
		NotifyOnFull:    cfg.NotifyOnFull,
		PageCapacity:    cfg.PageCapacityBytes,
		ChannelCapacity: cfg.ChannelCapacityBytes,
		NowMs:           s.nowMs(),
	})
	if err == nil && res.Tail != page.None {
		s.observeTail(ch, res.Tail)
	}
	return res, err
}

// DropNotification removes notifier's wakeup token on ch.
func (s *Service) DropNotification(ctx context.Context, ch int, notifier string) error {
	_, err := s.st.Invoke(ctx, s.ChannelKey(ch), DropNotification{Topic: s.name, Channel: ch, Notifier: notifier}).Wait(ctx)
	return err
}

// Usage reads a channel's committed usage record.
func (s *Service) Usage(ch int) (page.Usage, error) {
	u := page.NewUsage()
	b, ok, err := s.st.Get(page.UsageKey(s.name, ch))
	if err != nil || !ok {
		return u, err
	}
	return u, page.Unmarshal(b, &u)
}

// RemainingMessages counts, per channel, the live elements at or after the
// group's rollback position. No channels means every channel of the topic.
func (s *Service) RemainingMessages(group string, channels ...int) map[int]int {
	if len(channels) == 0 {
		for ch := 0; ch < s.ChannelCount(); ch++ {
			channels = append(channels, ch)
		}
	}
	rb := s.rollback.Get(s.name, group, channels...)
	out := make(map[int]int, len(channels))
	for _, ch := range channels {
		out[ch] = s.content.CountFrom(s.name, ch, rb[ch])
	}
	return out
}

// RollbackPositions returns the group's resume positions.
func (s *Service) RollbackPositions(group string, channels ...int) map[int]page.Position {
	return s.rollback.Get(s.name, group, channels...)
}

// Read returns up to max elements of ch at or after from.
func (s *Service) Read(ch int, from page.Position, max int) ([]Message, error) {
	var out []Message
	for _, pos := range s.content.From(s.name, ch, from, max) {
		b, ok, err := s.st.Get(page.ElementKey(s.name, ch, pos))
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		el, err := page.DecodeElement(b)
		if err != nil {
			return out, fmt.Errorf("channel %d at %v: %w", ch, pos, err)
		}
		out = append(out, Message{Channel: ch, Position: pos, PublishedMs: el.PublishedMs, Payload: el.Payload})
	}
	return out, nil
}
