// Package subscriber is the consuming side of a paged topic: a member of a
// subscriber group that reads the channels allocated to it, filters them
// with the group's CEL expression and commits what it processed.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/subscription"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/id"
	"github.com/rzbill/pagedtopic/pkg/log"
)

var (
	localSubscribers = id.NewSequence()
	anonymousIDs     = id.NewGenerator()
)

// Options configures a Subscriber.
type Options struct {
	Group string
	// Filter is used when the group is created; an existing group keeps
	// its own filter.
	Filter string
	// ID defaults to a composite of OwnerMember and a process-local
	// sequence, or to a generated sortable id when OwnerMember is not a
	// member uuid.
	ID          string
	OwnerMember string
	// HeartbeatInterval defaults to a third of the subscriber timeout.
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Logger            log.Logger
}

// Subscriber is one member of a subscriber group.
type Subscriber struct {
	mgr   *subscription.Manager
	svc   *topic.Service
	opts  Options
	clock clock.Clock
	log   log.Logger

	mu      sync.Mutex
	filter  filter
	owned   map[int]bool
	cursors map[int]page.Position
	version int64

	hbCancel context.CancelFunc
	hbWG     sync.WaitGroup
	closed   bool
}

// New creates a disconnected subscriber.
func New(mgr *subscription.Manager, opts Options) (*Subscriber, error) {
	if opts.Group == "" {
		return nil, errors.New("subscriber: group is required")
	}
	if opts.ID == "" {
		if member, err := uuid.Parse(opts.OwnerMember); err == nil {
			opts.ID = id.NewComposite(member, localSubscribers.Next()).String()
		} else {
			opts.ID = anonymousIDs.Next().String()
		}
	}
	if opts.Clock == nil {
		opts.Clock = mgr.Topic().Clock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	return &Subscriber{
		mgr:     mgr,
		svc:     mgr.Topic(),
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger.With(log.Component("subscriber"), log.Str("group", opts.Group), log.Str("subscriber", opts.ID)),
		owned:   map[int]bool{},
		cursors: map[int]page.Position{},
	}, nil
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.opts.ID }

// Connect ensures the group exists, joins it and starts heartbeating.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Closed("connect", errs.ErrNotActive)
	}
	s.mu.Unlock()

	g, err := s.mgr.EnsureGroup(ctx, s.opts.Group, s.opts.Filter)
	if err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	f, err := newFilter(g.Filter)
	if err != nil {
		return fmt.Errorf("group %s filter: %w", g.Name, err)
	}
	if err := s.join(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.filter = f
	if s.hbCancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		s.hbCancel = cancel
		s.hbWG.Add(1)
		go s.heartbeatLoop(hbCtx)
	}
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) join(ctx context.Context) error {
	g, err := s.mgr.Connect(ctx, subscription.SubscriberInfo{
		ID:          s.opts.ID,
		Group:       s.opts.Group,
		OwnerMember: s.opts.OwnerMember,
		ConnectedMs: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.applyGroup(g)
	s.log.Info("subscriber connected", log.F("channels", g.Owned(s.opts.ID)))
	return nil
}

// applyGroup adopts a newer allocation. Cursors of channels no longer
// owned are dropped so a later re-allocation resumes from the rollback
// position.
func (s *Subscriber) applyGroup(g subscription.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.Version < s.version {
		return
	}
	s.version = g.Version
	owned := map[int]bool{}
	for _, ch := range g.Owned(s.opts.ID) {
		owned[ch] = true
	}
	for ch := range s.cursors {
		if !owned[ch] {
			delete(s.cursors, ch)
		}
	}
	s.owned = owned
}

// Channels returns the channels currently allocated to the subscriber.
func (s *Subscriber) Channels() ([]int, error) {
	g, ok, err := s.mgr.Group(s.opts.Group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Structural("channels", errs.ErrGroupNotFound)
	}
	s.applyGroup(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.owned))
	for ch := range s.owned {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out, nil
}

// Receive returns up to max messages from the owned channels that match
// the group filter. It does not wait for new messages. Filtered messages
// are skipped but still need a commit past them to be released.
func (s *Subscriber) Receive(ctx context.Context, max int) ([]topic.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	channels, err := s.Channels()
	if err != nil {
		return nil, err
	}
	rollback := s.svc.RollbackPositions(s.opts.Group, channels...)
	now := s.clock.Now().UnixMilli()

	var out []topic.Message
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s.mu.Lock()
		from, ok := s.cursors[ch]
		if !ok || from.Less(rollback[ch]) {
			from = rollback[ch]
		}
		f := s.filter
		s.mu.Unlock()

		msgs, err := s.svc.Read(ch, from, max-len(out))
		if err != nil {
			return out, err
		}
		for _, m := range msgs {
			from = m.Position.Next()
			if f.Match(m, now) {
				out = append(out, m)
			}
		}
		s.mu.Lock()
		if s.owned[ch] {
			s.cursors[ch] = from
		}
		s.mu.Unlock()
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Commit records pos as processed on ch.
func (s *Subscriber) Commit(ctx context.Context, ch int, pos page.Position) (subscription.CommitResult, error) {
	res, err := s.mgr.Commit(ctx, s.opts.Group, ch, s.opts.ID, pos)
	if err == nil && res == subscription.NotOwner {
		s.log.Debug("commit on channel owned by another subscriber", log.Int("channel", ch))
	}
	return res, err
}

func (s *Subscriber) heartbeatInterval() time.Duration {
	if s.opts.HeartbeatInterval > 0 {
		return s.opts.HeartbeatInterval
	}
	if d := s.svc.Config().SubscriberTimeout() / 3; d > 0 {
		return d
	}
	return time.Second
}

func (s *Subscriber) heartbeatLoop(ctx context.Context) {
	defer s.hbWG.Done()
	t := s.clock.Ticker(s.heartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, err := s.mgr.Heartbeat(ctx, s.opts.Group, s.opts.ID)
			switch {
			case err == nil:
			case errs.Is(err, errs.KindStale):
				// the record expired or was removed; join again as a newer connection
				s.log.Warn("subscriber record gone, reconnecting")
				if err := s.join(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("reconnect failed", log.Err(err))
				}
			case ctx.Err() == nil:
				s.log.Warn("heartbeat failed", log.Err(err))
			}
		}
	}
}

// Close stops heartbeating and leaves the group.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.hbCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.hbWG.Wait()
	}
	if err := s.mgr.Disconnect(ctx, s.opts.Group, s.opts.ID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.log.Info("subscriber closed")
	return nil
}
