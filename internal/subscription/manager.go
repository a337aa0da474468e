package subscription

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

// Manager owns the subscriber groups of one topic.
type Manager struct {
	svc *topic.Service
	st  *store.Store
	log log.Logger
}

// NewManager creates the manager of svc's topic and binds it so channel
// growth and topic destruction reach the groups.
func NewManager(svc *topic.Service, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewLogger()
	}
	m := &Manager{
		svc: svc,
		st:  svc.Store(),
		log: logger.With(log.Component("subscription"), log.Str("topic", svc.Name())),
	}
	svc.BindSubscriptions(m)
	return m
}

// Topic returns the topic service.
func (m *Manager) Topic() *topic.Service { return m.svc }

func (m *Manager) topic() string { return m.svc.Name() }

func (m *Manager) groupKey(group string) store.Key {
	return store.K(page.GroupKey(m.topic(), group), page.GroupAssoc(m.topic(), group))
}

// GroupPartition returns the store partition holding group's records.
func (m *Manager) GroupPartition(group string) int { return m.st.PartitionOf(m.groupKey(group)) }

func (m *Manager) nowMs() int64 { return m.svc.Clock().Now().UnixMilli() }

func (m *Manager) strategy() Strategy {
	s, err := StrategyByName(m.svc.Config().AllocationStrategy)
	if err != nil {
		m.log.Warn("falling back to range allocation", log.Err(err))
		return Range{}
	}
	return s
}

func loadGroup(e *store.Entry, op string) (Group, error) {
	var g Group
	ok, err := load(e, e.Key(), &g)
	if err != nil {
		return g, err
	}
	if !ok {
		return g, errs.Structural(op, errs.ErrGroupNotFound)
	}
	if g.Subscribers == nil {
		g.Subscribers = make(map[string]Member)
	}
	return g, nil
}

// EnsureGroup creates the group and its channel subscriptions if they do
// not exist and returns the group. New channels start at the configured
// GroupStart: the last written position for "tail", before everything for
// "head".
func (m *Manager) EnsureGroup(ctx context.Context, name, filter string) (Group, error) {
	if !page.ValidName(name) {
		return Group{}, fmt.Errorf("group %q: %w", name, page.ErrBadName)
	}
	count := m.svc.ChannelCount()
	if count == 0 {
		return Group{}, errs.Structural("ensure group", errs.ErrTopicNotFound)
	}
	g, err := store.Do[Group](ctx, m.st, m.groupKey(name), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		var g Group
		ok, err := load(e, e.Key(), &g)
		if err != nil {
			return nil, err
		}
		if ok {
			return g, nil
		}
		g = Group{
			Name:         name,
			Filter:       filter,
			ChannelCount: count,
			Version:      1,
			Subscribers:  map[string]Member{},
			Allocation:   make([]string, count),
		}
		return g, save(e, e.Key(), g)
	}))
	if err != nil {
		return Group{}, err
	}
	if err := m.ensureChannels(ctx, g, 0); err != nil {
		return g, err
	}
	return g, nil
}

// ensureChannels creates missing subscriptions of channels [from, count).
func (m *Manager) ensureChannels(ctx context.Context, g Group, from int) error {
	start := m.svc.Config().GroupStart
	var errList []error
	for ch := from; ch < g.ChannelCount; ch++ {
		ch := ch
		_, err := m.st.Invoke(ctx, m.svc.ChannelKey(ch), store.ProcessorFunc(func(e *store.Entry) (any, error) {
			key := page.SubscriptionKey(m.topic(), ch, g.Name)
			var s page.Subscription
			ok, err := load(e, key, &s)
			if err != nil || ok {
				return nil, err
			}
			committed, err := startPosition(e, m.topic(), ch, start)
			if err != nil {
				return nil, err
			}
			s = page.Subscription{Group: g.Name, Channel: ch, Committed: committed, Owner: owner(g, ch), AllocationVersion: g.Version}
			return nil, save(e, key, s)
		})).Wait(ctx)
		if err != nil {
			errList = append(errList, fmt.Errorf("channel %d: %w", ch, err))
		}
	}
	return multierr.Combine(errList...)
}

// startPosition is the committed position of a new subscription.
func startPosition(e *store.Entry, topicName string, ch int, start string) (page.Position, error) {
	if start == config.StartHead {
		return page.NullPosition, nil
	}
	u, err := topic.LoadUsage(e, topicName, ch)
	if err != nil || u.Tail == page.None {
		return page.NullPosition, err
	}
	pg, ok, err := topic.LoadPage(e, topicName, ch, u.Tail)
	if err != nil {
		return page.NullPosition, err
	}
	if !ok {
		return page.Pos(u.Tail, -1), nil
	}
	return page.Pos(u.Tail, pg.Count-1), nil
}

func owner(g Group, ch int) string {
	if ch < len(g.Allocation) {
		return g.Allocation[ch]
	}
	return ""
}

// Group reads a group record.
func (m *Manager) Group(name string) (Group, bool, error) {
	var g Group
	b, ok, err := m.st.Get(page.GroupKey(m.topic(), name))
	if err != nil || !ok {
		return g, ok, err
	}
	return g, true, page.Unmarshal(b, &g)
}

// Groups lists the topic's groups.
func (m *Manager) Groups() ([]Group, error) {
	var out []Group
	err := m.st.Scan(page.GroupPrefix(m.topic()), func(_, v []byte) error {
		var g Group
		if err := page.Unmarshal(v, &g); err != nil {
			return err
		}
		out = append(out, g)
		return nil
	})
	return out, err
}

// Subscription reads the (group, channel) commit record.
func (m *Manager) Subscription(group string, ch int) (page.Subscription, bool, error) {
	var s page.Subscription
	b, ok, err := m.st.Get(page.SubscriptionKey(m.topic(), ch, group))
	if err != nil || !ok {
		return s, ok, err
	}
	return s, true, page.Unmarshal(b, &s)
}

// Connect registers info as a live subscriber of its group, reallocates
// the group's channels and propagates the new owners to the channel
// subscriptions. It returns the updated group.
func (m *Manager) Connect(ctx context.Context, info SubscriberInfo) (Group, error) {
	if info.ID == "" {
		return Group{}, fmt.Errorf("connect: empty subscriber id")
	}
	now := m.nowMs()
	if info.ConnectedMs == 0 {
		info.ConnectedMs = now
	}
	info.LastHeartbeatMs = now
	if info.TimeoutMs == 0 {
		info.TimeoutMs = m.svc.Config().SubscriberTimeoutMs
	}
	strategy := m.strategy()
	g, err := store.Do[Group](ctx, m.st, m.groupKey(info.Group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		g, err := loadGroup(e, "connect")
		if err != nil {
			return nil, err
		}
		g.Connections++
		info.ConnSeq = g.Connections
		if err := save(e, page.MemberKey(m.topic(), info.Group, info.ID), info); err != nil {
			return nil, err
		}
		g.Subscribers[info.ID] = Member{ConnectedMs: info.ConnectedMs, ConnSeq: info.ConnSeq, Owner: info.OwnerMember}
		reallocate(&g, strategy)
		return g, save(e, e.Key(), g)
	}))
	if err != nil {
		return Group{}, err
	}
	m.log.Info("subscriber connected", log.Str("group", g.Name), log.Str("subscriber", info.ID), log.Int64("version", g.Version))
	return g, m.propagate(ctx, g)
}

// Register writes a subscriber's heartbeat record without touching group
// membership.
func (m *Manager) Register(ctx context.Context, info SubscriberInfo) error {
	now := m.nowMs()
	if info.ConnectedMs == 0 {
		info.ConnectedMs = now
	}
	if info.LastHeartbeatMs == 0 {
		info.LastHeartbeatMs = now
	}
	_, err := m.st.Invoke(ctx, m.groupKey(info.Group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		if _, err := loadGroup(e, "register"); err != nil {
			return nil, err
		}
		return nil, save(e, page.MemberKey(m.topic(), info.Group, info.ID), info)
	})).Wait(ctx)
	return err
}

// Heartbeat refreshes a subscriber's heartbeat and returns the updated
// record.
func (m *Manager) Heartbeat(ctx context.Context, group, id string) (SubscriberInfo, error) {
	now := m.nowMs()
	return store.Do[SubscriberInfo](ctx, m.st, m.groupKey(group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		key := page.MemberKey(m.topic(), group, id)
		var info SubscriberInfo
		ok, err := load(e, key, &info)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Stale("heartbeat", fmt.Errorf("%w: %s", ErrSubscriberNotFound, id))
		}
		info.LastHeartbeatMs = now
		return info, save(e, key, info)
	}))
}

// Subscribers lists the heartbeat records of a group.
func (m *Manager) Subscribers(group string) ([]SubscriberInfo, error) {
	var out []SubscriberInfo
	err := m.st.Scan(page.MemberPrefix(m.topic(), group), func(_, v []byte) error {
		var s SubscriberInfo
		if err := page.Unmarshal(v, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// Remove deletes a subscriber's heartbeat record. A synthetic removal is
// reported to listeners as an expiry. Cleanup closes the subscriber when
// it sees the removal event.
func (m *Manager) Remove(ctx context.Context, group, id string, synthetic bool) (SubscriberInfo, bool, error) {
	type removed struct {
		info SubscriberInfo
		ok   bool
	}
	r, err := store.Do[removed](ctx, m.st, m.groupKey(group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		key := page.MemberKey(m.topic(), group, id)
		var info SubscriberInfo
		ok, err := load(e, key, &info)
		if err != nil || !ok {
			return removed{}, err
		}
		if synthetic {
			err = e.ExpireKey(key)
		} else {
			err = e.Remove(key)
		}
		return removed{info: info, ok: true}, err
	}))
	return r.info, r.ok, err
}

// Disconnect removes the subscriber's heartbeat record and closes it in
// the group.
func (m *Manager) Disconnect(ctx context.Context, group, id string) error {
	info, ok, err := m.Remove(ctx, group, id, false)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = m.CloseSubscriber(ctx, group, id, info.Stamp())
	return err
}

// CloseSubscriber marks subscriber id closed in group unless the group
// has seen a connection later than removed.
func (m *Manager) CloseSubscriber(ctx context.Context, group, id string, removed Stamp) (CloseResult, error) {
	strategy := m.strategy()
	type closed struct {
		res CloseResult
		g   Group
	}
	r, err := store.Do[closed](ctx, m.st, m.groupKey(group), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		g, err := loadGroup(e, "close subscriber")
		if err != nil {
			return nil, err
		}
		mem, ok := g.Subscribers[id]
		switch {
		case !ok:
			return closed{res: CloseUnknown}, nil
		case mem.Stamp().After(removed):
			return closed{res: CloseStale}, nil
		case mem.Closed:
			return closed{res: AlreadyClosed}, nil
		}
		mem.Closed = true
		g.Subscribers[id] = mem
		reallocate(&g, strategy)
		return closed{res: SubscriberClosed, g: g}, save(e, e.Key(), g)
	}))
	if err != nil {
		return 0, err
	}
	if r.res != SubscriberClosed {
		return r.res, nil
	}
	m.log.Info("subscriber closed", log.Str("group", group), log.Str("subscriber", id), log.Int64("version", r.g.Version))
	return r.res, m.propagate(ctx, r.g)
}

// reallocate recomputes channel ownership over live subscribers and bumps
// the group version.
func reallocate(g *Group, s Strategy) {
	g.Allocation = s.Allocate(g.ChannelCount, g.Live())
	g.Version++
}

// propagate copies a group's allocation into its channel subscriptions.
// Records already at or above the group version are left alone, so late
// propagations of older versions are harmless.
func (m *Manager) propagate(ctx context.Context, g Group) error {
	var errList []error
	for ch := 0; ch < g.ChannelCount; ch++ {
		ch := ch
		_, err := m.st.Invoke(ctx, m.svc.ChannelKey(ch), store.ProcessorFunc(func(e *store.Entry) (any, error) {
			key := page.SubscriptionKey(m.topic(), ch, g.Name)
			var s page.Subscription
			ok, err := load(e, key, &s)
			if err != nil || !ok {
				return nil, err
			}
			if s.AllocationVersion >= g.Version {
				return nil, nil
			}
			s.Owner = owner(g, ch)
			s.AllocationVersion = g.Version
			return nil, save(e, key, s)
		})).Wait(ctx)
		if err != nil {
			errList = append(errList, fmt.Errorf("channel %d: %w", ch, err))
		}
	}
	return multierr.Combine(errList...)
}

// Commit records pos as consumed by group on ch if subscriber owns the
// channel and pos is beyond the current commit. Content every group has
// consumed is then released unless RetainConsumed is set.
func (m *Manager) Commit(ctx context.Context, group string, ch int, subscriber string, pos page.Position) (CommitResult, error) {
	retain := m.svc.Config().RetainConsumed
	return store.Do[CommitResult](ctx, m.st, m.svc.ChannelKey(ch), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		key := page.SubscriptionKey(m.topic(), ch, group)
		var s page.Subscription
		ok, err := load(e, key, &s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Structural("commit", fmt.Errorf("%w: %s", errs.ErrGroupNotFound, group))
		}
		if s.Owner != subscriber {
			return NotOwner, nil
		}
		if !s.Committed.Less(pos) {
			return AlreadyCommitted, nil
		}
		s.Committed = pos
		if err := save(e, key, s); err != nil {
			return nil, err
		}
		if !retain {
			if err := releaseConsumed(e, m.topic(), ch); err != nil {
				return nil, err
			}
		}
		return Committed, nil
	}))
}

// releaseConsumed releases the channel up to the lowest commit of all its
// groups. It runs on the channel's partition.
func releaseConsumed(e *store.Entry, topicName string, ch int) error {
	low, found, err := minCommitted(e, topicName, ch)
	if err != nil || !found {
		return err
	}
	_, err = topic.ReleaseUpTo(e, topicName, ch, low)
	return err
}

func minCommitted(e *store.Entry, topicName string, ch int) (page.Position, bool, error) {
	var (
		low   page.Position
		found bool
	)
	err := e.Scan(page.SubscriptionPrefix(topicName, ch), func(_, v []byte) error {
		var s page.Subscription
		if err := page.Unmarshal(v, &s); err != nil {
			return err
		}
		if !found || s.Committed.Less(low) {
			low = s.Committed
		}
		found = true
		return nil
	})
	return low, found, err
}

// SetChannelCount extends every group below newCount to newCount channels
// using strategy. Groups already at or above newCount are not touched.
func (m *Manager) SetChannelCount(ctx context.Context, newCount int, strategy Strategy) error {
	groups, err := m.Groups()
	if err != nil {
		return err
	}
	var errList []error
	for _, g := range groups {
		if g.ChannelCount >= newCount {
			continue
		}
		if err := m.extendGroup(ctx, g.Name, newCount, strategy); err != nil {
			errList = append(errList, fmt.Errorf("group %s: %w", g.Name, err))
		}
	}
	return multierr.Combine(errList...)
}

func (m *Manager) extendGroup(ctx context.Context, name string, newCount int, strategy Strategy) error {
	type extended struct {
		g    Group
		from int
		ok   bool
	}
	r, err := store.Do[extended](ctx, m.st, m.groupKey(name), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		g, err := loadGroup(e, "extend group")
		if err != nil {
			return nil, err
		}
		if g.ChannelCount >= newCount {
			return extended{}, nil
		}
		from := g.ChannelCount
		g.ChannelCount = newCount
		reallocate(&g, strategy)
		return extended{g: g, from: from, ok: true}, save(e, e.Key(), g)
	}))
	if err != nil || !r.ok {
		return err
	}
	m.log.Info("group extended", log.Str("group", name), log.Int("from", r.from), log.Int("to", newCount))
	if err := m.ensureChannels(ctx, r.g, r.from); err != nil {
		return err
	}
	return m.propagate(ctx, r.g)
}

// ExtendChannels grows every group to newCount with the configured
// strategy.
func (m *Manager) ExtendChannels(ctx context.Context, newCount int) error {
	return m.SetChannelCount(ctx, newCount, m.strategy())
}

// DestroyGroup removes a group, its subscribers and its subscriptions.
// Content the remaining groups have consumed is released.
func (m *Manager) DestroyGroup(ctx context.Context, name string) error {
	g, err := store.Do[Group](ctx, m.st, m.groupKey(name), store.ProcessorFunc(func(e *store.Entry) (any, error) {
		g, err := loadGroup(e, "destroy group")
		if err != nil {
			return nil, err
		}
		var keys [][]byte
		err = e.Scan(page.MemberPrefix(m.topic(), name), func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := e.Remove(k); err != nil {
				return nil, err
			}
		}
		return g, e.Delete()
	}))
	if err != nil {
		return err
	}
	retain := m.svc.Config().RetainConsumed
	var errList []error
	for ch := 0; ch < g.ChannelCount; ch++ {
		ch := ch
		_, err := m.st.Invoke(ctx, m.svc.ChannelKey(ch), store.ProcessorFunc(func(e *store.Entry) (any, error) {
			if err := e.Remove(page.SubscriptionKey(m.topic(), ch, name)); err != nil {
				return nil, err
			}
			if retain {
				return nil, nil
			}
			return nil, releaseConsumed(e, m.topic(), ch)
		})).Wait(ctx)
		if err != nil {
			errList = append(errList, fmt.Errorf("channel %d: %w", ch, err))
		}
	}
	m.log.Info("group destroyed", log.Str("group", name))
	return multierr.Combine(errList...)
}

// DestroyAll destroys every group of the topic.
func (m *Manager) DestroyAll(ctx context.Context) error {
	groups, err := m.Groups()
	if err != nil {
		return err
	}
	var errList []error
	for _, g := range groups {
		if err := m.DestroyGroup(ctx, g.Name); err != nil {
			errList = append(errList, fmt.Errorf("group %s: %w", g.Name, err))
		}
	}
	return multierr.Combine(errList...)
}
