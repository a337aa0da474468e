package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/pagedtopic/internal/cluster"
	"github.com/rzbill/pagedtopic/internal/config"
	"github.com/rzbill/pagedtopic/internal/index"
	"github.com/rzbill/pagedtopic/internal/page"
	pebblestore "github.com/rzbill/pagedtopic/internal/storage/pebble"
	"github.com/rzbill/pagedtopic/internal/store"
	"github.com/rzbill/pagedtopic/internal/subscription"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

type registry map[string]*subscription.Manager

func (r registry) Manager(name string) (*subscription.Manager, bool) {
	m, ok := r[name]
	return m, ok
}

func (r registry) Managers() []*subscription.Manager {
	out := make([]*subscription.Manager, 0, len(r))
	for _, m := range r {
		out = append(out, m)
	}
	return out
}

type fixture struct {
	st      *store.Store
	cluster *cluster.Local
	clock   *clock.Mock
	cfg     config.TopicConfig
	mgr     *subscription.Manager
	cleaner *Cleaner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	st, err := store.New(db, store.Options{Partitions: 8, Logger: log.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(); _ = db.Close() })

	f := &fixture{st: st, cluster: cluster.NewLocal(8, "self"), clock: clock.NewMock(), cfg: config.DefaultTopic()}
	f.clock.Set(time.UnixMilli(1_000_000))
	f.cfg.ChannelCount = 4
	svc, err := topic.NewService("orders", topic.Options{
		Store:    st,
		Content:  index.NewContentIndex(),
		Rollback: index.NewRollbackIndex(),
		Config:   func() config.TopicConfig { return f.cfg },
		Clock:    f.clock,
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)
	_, err = svc.Ensure(context.Background())
	require.NoError(t, err)
	f.mgr = subscription.NewManager(svc, log.NewNop())
	f.cleaner = New(Options{
		Store:         st,
		Cluster:       f.cluster,
		Registry:      registry{"orders": f.mgr},
		SweepInterval: time.Millisecond,
		Logger:        log.NewNop(),
	})
	t.Cleanup(f.cleaner.Stop)
	return f
}

func (f *fixture) connect(t *testing.T, group, id, owner string) {
	t.Helper()
	_, err := f.mgr.EnsureGroup(context.Background(), group, "")
	require.NoError(t, err)
	_, err = f.mgr.Connect(context.Background(), subscription.SubscriberInfo{ID: id, Group: group, OwnerMember: owner})
	require.NoError(t, err)
}

func (f *fixture) closed(t *testing.T, group, id string) bool {
	t.Helper()
	g, ok, err := f.mgr.Group(group)
	require.NoError(t, err)
	require.True(t, ok)
	return g.Subscribers[id].Closed
}

func TestExpiredSubscriberIsClosed(t *testing.T) {
	f := newFixture(t)
	f.cleaner.Start(context.Background())
	self := f.cluster.Self().ID.String()
	f.connect(t, "g", "s1", self)
	f.connect(t, "g", "s2", self)

	f.clock.Add(f.cfg.SubscriberTimeout() + time.Second)
	_, err := f.mgr.Heartbeat(context.Background(), "g", "s2")
	require.NoError(t, err)
	n, err := subscription.NewSweeper(f.mgr, subscription.SweeperOptions{}).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool { return f.closed(t, "g", "s1") }, 2*time.Second, 5*time.Millisecond)
	require.False(t, f.closed(t, "g", "s2"))
	g, _, err := f.mgr.Group("g")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, g.Owned("s2"))
}

func TestStaleRemovalIsDropped(t *testing.T) {
	f := newFixture(t)
	f.cleaner.Start(context.Background())
	_, err := f.mgr.EnsureGroup(context.Background(), "g", "")
	require.NoError(t, err)
	_, err = f.mgr.Connect(context.Background(), subscription.SubscriberInfo{ID: "s1", Group: "g", ConnectedMs: 200})
	require.NoError(t, err)
	before, _, err := f.mgr.Group("g")
	require.NoError(t, err)

	old, err := page.Marshal(subscription.SubscriberInfo{ID: "s1", Group: "g", ConnectedMs: 100})
	require.NoError(t, err)
	f.cleaner.onStoreEvent(store.Event{Type: store.Removed, Key: page.MemberKey("orders", "g", "s1"), Old: old, Synthetic: true})
	require.NoError(t, f.cleaner.Idle(context.Background()))

	after, _, err := f.mgr.Group("g")
	require.NoError(t, err)
	require.False(t, after.Subscribers["s1"].Closed)
	require.Equal(t, before.Version, after.Version)
}

func TestMemberLeftRemovesHostedSubscribers(t *testing.T) {
	f := newFixture(t)
	f.cleaner.Start(context.Background())
	other := f.cluster.Join("other")
	f.connect(t, "g", "s1", other.ID.String())
	f.connect(t, "g", "s2", f.cluster.Self().ID.String())

	f.cluster.Leave(other.ID)

	require.Eventually(t, func() bool { return f.closed(t, "g", "s1") }, 2*time.Second, 5*time.Millisecond)
	require.False(t, f.closed(t, "g", "s2"))
	infos, err := f.mgr.Subscribers("g")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "s2", infos[0].ID)
}

func TestPartitionReceiveClosesOrphansInScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inScope := "g0"
	p := f.mgr.GroupPartition(inScope)
	outScope := ""
	for i := 1; i < 100 && outScope == ""; i++ {
		if name := fmt.Sprintf("g%d", i); f.mgr.GroupPartition(name) != p {
			outScope = name
		}
	}
	require.NotEmpty(t, outScope)

	// removed while no cleaner listens, leaving live members without records
	for _, g := range []string{inScope, outScope} {
		f.connect(t, g, "s1", "")
		_, ok, err := f.mgr.Remove(ctx, g, "s1", false)
		require.NoError(t, err)
		require.True(t, ok)
	}

	f.cleaner.Start(ctx)
	f.cluster.Transfer([]int{p}, f.cluster.Self().ID)

	require.Eventually(t, func() bool { return f.closed(t, inScope, "s1") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.cleaner.Idle(ctx))
	require.False(t, f.closed(t, outScope, "s1"))

	require.NoError(t, f.cleaner.Sweep(ctx))
	require.True(t, f.closed(t, outScope, "s1"))
}

func TestRecoveryBySomeoneElseIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.cleaner.Start(context.Background())
	f.connect(t, "g", "s1", "")
	_, _, err := f.mgr.Remove(context.Background(), "g", "s1", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.closed(t, "g", "s1") }, 2*time.Second, 5*time.Millisecond)

	before, _, err := f.mgr.Group("g")
	require.NoError(t, err)
	f.cleaner.onClusterEvent(cluster.Event{Type: cluster.PartitionsRecovered, Partitions: []int{f.mgr.GroupPartition("g")}, NewOwner: f.cluster.Join("x").ID})
	require.NoError(t, f.cleaner.Idle(context.Background()))
	after, _, err := f.mgr.Group("g")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
}

func TestStoppedCleaner(t *testing.T) {
	f := newFixture(t)
	f.cleaner.Start(context.Background())
	f.cleaner.Stop()
	f.cleaner.Stop()

	require.ErrorIs(t, f.cleaner.Idle(context.Background()), ErrStopped)
	require.ErrorIs(t, f.cleaner.Sweep(context.Background()), ErrStopped)

	f.connect(t, "g", "s1", "")
	_, _, err := f.mgr.Remove(context.Background(), "g", "s1", false)
	require.NoError(t, err)
	require.False(t, f.closed(t, "g", "s1"))
}
