package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	// Interval between sweeps; zero means half the subscriber timeout.
	Interval time.Duration
	Clock    clock.Clock
	Logger   log.Logger
}

// Sweeper expires subscriber records whose heartbeat is older than their
// timeout. Expiry is a synthetic removal; cleanup then closes the
// subscriber in its group.
type Sweeper struct {
	m        *Manager
	interval time.Duration
	clock    clock.Clock
	log      log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a stopped sweeper for m's topic.
func NewSweeper(m *Manager, opts SweeperOptions) *Sweeper {
	if opts.Clock == nil {
		opts.Clock = m.svc.Clock()
	}
	if opts.Logger == nil {
		opts.Logger = m.log
	}
	if opts.Interval <= 0 {
		opts.Interval = m.svc.Config().SubscriberTimeout() / 2
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Sweeper{m: m, interval: opts.Interval, clock: opts.Clock, log: opts.Logger.With(log.Component("subscriber-sweeper"))}
}

// Start runs the sweep loop until Stop or ctx ends. Starting twice is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	t := s.clock.Ticker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := s.Sweep(ctx); err != nil {
					if ctx.Err() == nil {
						s.log.Warn("subscriber sweep failed", log.Err(err))
					}
				} else if n > 0 {
					s.log.Debug("expired subscribers", log.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the loop and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// Sweep expires every stale subscriber record of the topic once and
// returns how many it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	var stale []SubscriberInfo
	err := s.m.st.Scan(page.MemberTopicPrefix(s.m.topic()), func(_, v []byte) error {
		var info SubscriberInfo
		if err := page.Unmarshal(v, &info); err != nil {
			return err
		}
		if info.Expired(now) {
			stale = append(stale, info)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, info := range stale {
		info := info
		expired, err := store.Do[bool](ctx, s.m.st, s.m.groupKey(info.Group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
			key := page.MemberKey(s.m.topic(), info.Group, info.ID)
			var cur SubscriberInfo
			ok, err := load(e, key, &cur)
			// a heartbeat may have landed since the scan
			if err != nil || !ok || !cur.Expired(now) {
				return false, err
			}
			return true, e.ExpireKey(key)
		}))
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}
