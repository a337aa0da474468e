package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/errs"
	"github.com/rzbill/pagedtopic/internal/index"
	"github.com/rzbill/pagedtopic/internal/page"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

type fixture struct {
	st       *store.Store
	svc      *topic.Service
	mgr      *Manager
	clock    *clock.Mock
	content  *index.ContentIndex
	rollback *index.RollbackIndex

	mu  sync.Mutex
	cfg config.TopicConfig
}

func newFixture(t *testing.T, mutate func(*config.TopicConfig)) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	st, err := store.New(db, store.Options{Partitions: 8, Logger: log.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(); _ = db.Close() })

	f := &fixture{
		st:       st,
		clock:    clock.NewMock(),
		content:  index.NewContentIndex(),
		rollback: index.NewRollbackIndex(),
		cfg:      config.DefaultTopic(),
	}
	f.clock.Set(time.UnixMilli(1_000_000))
	f.cfg.ChannelCount = 4
	if mutate != nil {
		mutate(&f.cfg)
	}
	f.content.Attach(st)
	f.rollback.Attach(st)
	f.svc, err = topic.NewService("orders", topic.Options{
		Store:    st,
		Content:  f.content,
		Rollback: f.rollback,
		Config:   f.config,
		Clock:    f.clock,
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)
	_, err = f.svc.Ensure(context.Background())
	require.NoError(t, err)
	f.mgr = NewManager(f.svc, log.NewNop())
	return f
}

func (f *fixture) config() config.TopicConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// publish appends n one-byte elements to ch and returns the last position.
func (f *fixture) publish(t *testing.T, ch, n int) page.Position {
	t.Helper()
	ctx := context.Background()
	tail, err := f.svc.Tail(ctx, ch)
	require.NoError(t, err)
	els := make([][]byte, n)
	for i := range els {
		els[i] = []byte{'x'}
	}
	res, err := f.svc.Offer(ctx, ch, tail, els, "")
	require.NoError(t, err)
	require.Equal(t, n, res.Accepted)
	return page.Pos(res.Page, res.BaseOffset+int32(n-1))
}

func (f *fixture) connect(t *testing.T, group, id string, connectedMs int64) Group {
	t.Helper()
	g, err := f.mgr.Connect(context.Background(), SubscriberInfo{ID: id, Group: group, ConnectedMs: connectedMs, TimeoutMs: 1000})
	require.NoError(t, err)
	return g
}

func TestStrategies(t *testing.T) {
	require.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, Range{}.Allocate(6, []string{"b", "a"}))
	require.Equal(t, []string{"a", "b", "a", "b", "a"}, RoundRobin{}.Allocate(5, []string{"b", "a"}))
	require.Equal(t, []string{"a", "b", "c"}, Range{}.Allocate(3, []string{"c", "b", "a", "d"})[:3])
	require.Equal(t, []string{"", ""}, Range{}.Allocate(2, nil))

	s, err := StrategyByName("roundrobin")
	require.NoError(t, err)
	require.Equal(t, "roundrobin", s.Name())
	_, err = StrategyByName("sticky")
	require.Error(t, err)
}

func TestEnsureGroupStartsAtTail(t *testing.T) {
	f := newFixture(t, nil)
	last := f.publish(t, 0, 2)

	g, err := f.mgr.EnsureGroup(context.Background(), "billing", "size > 0")
	require.NoError(t, err)
	require.Equal(t, 4, g.ChannelCount)
	require.Equal(t, "size > 0", g.Filter)

	s, ok, err := f.mgr.Subscription("billing", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, last, s.Committed)
	require.Equal(t, page.Pos(0, 2), f.rollback.Get("orders", "billing", 0)[0])

	s, _, err = f.mgr.Subscription("billing", 1)
	require.NoError(t, err)
	require.Equal(t, page.NullPosition, s.Committed)

	again, err := f.mgr.EnsureGroup(context.Background(), "billing", "ignored")
	require.NoError(t, err)
	require.Equal(t, g.Version, again.Version)
	require.Equal(t, "size > 0", again.Filter)
}

func TestEnsureGroupHeadStart(t *testing.T) {
	f := newFixture(t, func(c *config.TopicConfig) { c.GroupStart = config.StartHead })
	f.publish(t, 0, 3)
	_, err := f.mgr.EnsureGroup(context.Background(), "audit", "")
	require.NoError(t, err)

	s, _, err := f.mgr.Subscription("audit", 0)
	require.NoError(t, err)
	require.Equal(t, page.NullPosition, s.Committed)
	require.Equal(t, map[int]int{0: 3}, f.svc.RemainingMessages("audit", 0))
}

func TestConnectReallocatesAndPropagates(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.EnsureGroup(context.Background(), "billing", "")
	require.NoError(t, err)

	g := f.connect(t, "billing", "s1", 0)
	require.Equal(t, []string{"s1", "s1", "s1", "s1"}, g.Allocation)
	g = f.connect(t, "billing", "s2", 0)
	require.Equal(t, []string{"s1", "s1", "s2", "s2"}, g.Allocation)
	require.Equal(t, []int{2, 3}, g.Owned("s2"))

	for ch := 0; ch < 4; ch++ {
		s, _, err := f.mgr.Subscription("billing", ch)
		require.NoError(t, err)
		require.Equal(t, g.Allocation[ch], s.Owner)
		require.Equal(t, g.Version, s.AllocationVersion)
	}

	infos, err := f.mgr.Subscribers("billing")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	_, err = f.mgr.Connect(context.Background(), SubscriberInfo{ID: "s3", Group: "missing"})
	require.ErrorIs(t, err, errs.ErrGroupNotFound)
}

func TestCommitAndRelease(t *testing.T) {
	f := newFixture(t, func(c *config.TopicConfig) { c.GroupStart = config.StartHead })
	ctx := context.Background()
	f.publish(t, 0, 4)
	for _, g := range []string{"a", "b"} {
		_, err := f.mgr.EnsureGroup(ctx, g, "")
		require.NoError(t, err)
		f.connect(t, g, g+"-1", 0)
	}

	res, err := f.mgr.Commit(ctx, "a", 0, "b-1", page.Pos(0, 1))
	require.NoError(t, err)
	require.Equal(t, NotOwner, res)

	res, err = f.mgr.Commit(ctx, "a", 0, "a-1", page.Pos(0, 2))
	require.NoError(t, err)
	require.Equal(t, Committed, res)
	require.Equal(t, page.Pos(0, 3), f.mgr.svc.RollbackPositions("a", 0)[0])

	res, err = f.mgr.Commit(ctx, "a", 0, "a-1", page.Pos(0, 1))
	require.NoError(t, err)
	require.Equal(t, AlreadyCommitted, res)
	require.Equal(t, page.Pos(0, 3), f.rollback.Get("orders", "a", 0)[0], "rollback never regresses")

	// group b still holds everything
	require.Equal(t, 4, f.content.Count("orders", 0))

	res, err = f.mgr.Commit(ctx, "b", 0, "b-1", page.Pos(0, 0))
	require.NoError(t, err)
	require.Equal(t, Committed, res)
	require.Equal(t, 3, f.content.Count("orders", 0), "content up to the lowest commit is released")
	require.Equal(t, map[int]int{0: 1}, f.svc.RemainingMessages("a", 0))
	require.Equal(t, map[int]int{0: 3}, f.svc.RemainingMessages("b", 0))
}

func TestRetainConsumed(t *testing.T) {
	f := newFixture(t, func(c *config.TopicConfig) {
		c.GroupStart = config.StartHead
		c.RetainConsumed = true
	})
	ctx := context.Background()
	f.publish(t, 1, 2)
	_, err := f.mgr.EnsureGroup(ctx, "a", "")
	require.NoError(t, err)
	f.connect(t, "a", "s", 0)

	res, err := f.mgr.Commit(ctx, "a", 1, "s", page.Pos(0, 1))
	require.NoError(t, err)
	require.Equal(t, Committed, res)
	require.Equal(t, 2, f.content.Count("orders", 1))
}

func TestCloseSubscriberStaleCheck(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 100)
	g := f.connect(t, "billing", "s2", 100)
	current := g.Subscribers["s1"].Stamp()
	require.Equal(t, Stamp{Ms: 100, Seq: 1}, current)

	res, err := f.mgr.CloseSubscriber(ctx, "billing", "s1", Stamp{Ms: 50, Seq: 1})
	require.NoError(t, err)
	require.Equal(t, CloseStale, res, "a newer connection supersedes the removal")

	res, err = f.mgr.CloseSubscriber(ctx, "billing", "s1", current)
	require.NoError(t, err)
	require.Equal(t, SubscriberClosed, res)

	res, err = f.mgr.CloseSubscriber(ctx, "billing", "s1", current)
	require.NoError(t, err)
	require.Equal(t, AlreadyClosed, res)

	res, err = f.mgr.CloseSubscriber(ctx, "billing", "ghost", current)
	require.NoError(t, err)
	require.Equal(t, CloseUnknown, res)

	g, ok, err := f.mgr.Group("billing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"s2", "s2", "s2", "s2"}, g.Allocation)
	s, _, err := f.mgr.Subscription("billing", 0)
	require.NoError(t, err)
	require.Equal(t, "s2", s.Owner)
}

func TestReconnectWithinSameMillisecondIsNotClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 100)
	info, ok, err := f.mgr.Remove(ctx, "billing", "s1", true)
	require.NoError(t, err)
	require.True(t, ok)

	g := f.connect(t, "billing", "s1", 100)
	require.True(t, g.Subscribers["s1"].Stamp().After(info.Stamp()))

	res, err := f.mgr.CloseSubscriber(ctx, "billing", "s1", info.Stamp())
	require.NoError(t, err)
	require.Equal(t, CloseStale, res)
	g, _, err = f.mgr.Group("billing")
	require.NoError(t, err)
	require.False(t, g.Subscribers["s1"].Closed)
	require.Equal(t, []string{"s1", "s1", "s1", "s1"}, g.Allocation)
}

func TestSetChannelCountOnlyExtends(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 0)

	n, err := f.svc.SetChannelCount(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	g, _, err := f.mgr.Group("billing")
	require.NoError(t, err)
	require.Equal(t, 6, g.ChannelCount)
	require.Len(t, g.Allocation, 6)
	for ch := 4; ch < 6; ch++ {
		s, ok, err := f.mgr.Subscription("billing", ch)
		require.NoError(t, err)
		require.True(t, ok, "channel %d subscription", ch)
		require.Equal(t, "s1", s.Owner)
	}

	before := g.Version
	require.NoError(t, f.mgr.SetChannelCount(ctx, 5, RoundRobin{}))
	g, _, err = f.mgr.Group("billing")
	require.NoError(t, err)
	require.Equal(t, 6, g.ChannelCount)
	require.Equal(t, before, g.Version, "groups at or above the target are untouched")
}

func TestSweeperExpiresStaleSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 0)
	f.connect(t, "billing", "s2", 0)

	var (
		mu      sync.Mutex
		removed []store.Event
	)
	f.st.AddListener(page.MemberTopicPrefix("orders"), func(ev store.Event) {
		if ev.Type == store.Removed {
			mu.Lock()
			removed = append(removed, ev)
			mu.Unlock()
		}
	})

	f.clock.Add(600 * time.Millisecond)
	_, err = f.mgr.Heartbeat(ctx, "billing", "s2")
	require.NoError(t, err)
	f.clock.Add(600 * time.Millisecond)

	sw := NewSweeper(f.mgr, SweeperOptions{Clock: f.clock})
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mu.Lock()
	require.Len(t, removed, 1)
	require.True(t, removed[0].Synthetic)
	ref, ok := page.ParseKey(removed[0].Key)
	mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "s1", ref.Subscriber)

	infos, err := f.mgr.Subscribers("billing")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "s2", infos[0].ID)
}

func TestSweeperLoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 0)

	sw := NewSweeper(f.mgr, SweeperOptions{Interval: time.Second, Clock: f.clock})
	sw.Start(ctx)
	defer sw.Stop()

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		infos, err := f.mgr.Subscribers("billing")
		return err == nil && len(infos) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectAndDestroyGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	f.connect(t, "billing", "s1", 0)

	require.NoError(t, f.mgr.Disconnect(ctx, "billing", "s1"))
	g, _, err := f.mgr.Group("billing")
	require.NoError(t, err)
	require.True(t, g.Subscribers["s1"].Closed)
	require.Equal(t, []string{"", "", "", ""}, g.Allocation)

	_, err = f.mgr.Heartbeat(ctx, "billing", "s1")
	require.ErrorIs(t, err, ErrSubscriberNotFound)
	require.Equal(t, errs.KindStale, errs.KindOf(err))

	require.NoError(t, f.mgr.DestroyGroup(ctx, "billing"))
	_, ok, err := f.mgr.Group("billing")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = f.mgr.Subscription("billing", 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, f.rollback.Get("orders", "billing"))
}

func TestTopicDestroyRemovesGroups(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.mgr.EnsureGroup(ctx, "billing", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Destroy(ctx))

	groups, err := f.mgr.Groups()
	require.NoError(t, err)
	require.Empty(t, groups)
}
