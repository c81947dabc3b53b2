package sharding

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/coord/memory"
	"github.com/teranos/tessera/pulse/jobconf"
)

type fixedLeader struct{ leader atomic.Bool }

func (f *fixedLeader) IsLeader(context.Context) (bool, error) { return f.leader.Load(), nil }

type node struct {
	reg    *memory.Client
	svc    *Service
	leader *fixedLeader
}

func setupJob(t *testing.T, srv *memory.Server, total int, mutate func(*jobconf.Definition)) {
	t.Helper()
	def := jobconf.New("billing")
	def.Cron = "0 * * * * ?"
	def.ShardingTotalCount = total
	if mutate != nil {
		mutate(def)
	}
	require.NoError(t, jobconf.Save(context.Background(), srv.Connect("ns"), def))
}

func startNode(t *testing.T, srv *memory.Server, executor string, leader bool) *node {
	t.Helper()
	ctx := context.Background()
	reg := srv.Connect("ns")
	log := zaptest.NewLogger(t).Sugar()

	_, err := reg.Create(ctx, coord.ExecutorPath(executor, coord.NodeIP), []byte("127.0.0.1"), coord.Ephemeral)
	require.NoError(t, err)

	conf := jobconf.NewCache(reg, "billing", log)
	require.NoError(t, conf.Load(ctx))

	l := &fixedLeader{}
	l.leader.Store(leader)
	svc := NewService(reg, "billing", executor, conf, l, log)
	require.NoError(t, svc.Join(ctx))
	return &node{reg: reg, svc: svc, leader: l}
}

func TestLeaderPublishesCompleteAssignment(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 3, nil)

	a := startNode(t, srv, "exec-a", true)
	b := startNode(t, srv, "exec-b", false)

	require.NoError(t, a.svc.ShardIfNecessary(ctx))
	needed, err := a.svc.IsNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, needed)

	current, err := b.svc.Current(ctx)
	require.NoError(t, err)
	require.NoError(t, current.Check(3))
	assert.NotEmpty(t, current.Items("exec-a"))
	assert.NotEmpty(t, current.Items("exec-b"))

	items, err := b.svc.LocalItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, current.Items("exec-b"), items)
}

func TestFollowerWaitsForLeader(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 2, nil)

	a := startNode(t, srv, "exec-a", true)
	b := startNode(t, srv, "exec-b", false)

	done := make(chan error, 1)
	go func() { done <- b.svc.ShardIfNecessary(ctx) }()

	time.Sleep(150 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("follower returned before the leader resharded")
	default:
	}

	require.NoError(t, a.svc.ShardIfNecessary(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follower kept waiting")
	}

	items, err := b.svc.LocalItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestReshardLeavesForeignMarkerAlone(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 2, nil)

	a := startNode(t, srv, "exec-a", true)
	startNode(t, srv, "exec-b", false)

	// A previous leader's session still holds the marker
	old := srv.Connect("ns")
	_, err := old.Create(ctx, ProcessingPath("billing"), []byte("exec-old"), coord.Ephemeral)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.svc.ShardIfNecessary(ctx) }()

	time.Sleep(250 * time.Millisecond)
	data, stat, err := old.Get(ctx, ProcessingPath("billing"))
	require.NoError(t, err, "marker of another session must survive")
	assert.Equal(t, "exec-old", string(data))
	assert.Equal(t, old.Session(), stat.Owner)
	needed, err := a.svc.IsNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, needed, "nothing published while the marker is held")

	require.NoError(t, old.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("leader never resharded")
	}

	current, err := a.svc.Current(ctx)
	require.NoError(t, err)
	require.NoError(t, current.Check(2))
	ok, _, err := a.reg.Exists(ctx, ProcessingPath("billing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReshardReusesOwnMarker(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 1, nil)
	a := startNode(t, srv, "exec-a", true)

	_, err := a.reg.Create(ctx, ProcessingPath("billing"), []byte("exec-a"), coord.Ephemeral)
	require.NoError(t, err)
	require.NoError(t, a.svc.ShardIfNecessary(ctx))

	items, err := a.svc.LocalItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, items)
	ok, _, err := a.reg.Exists(ctx, ProcessingPath("billing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeadExecutorLosesItems(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 3, nil)

	a := startNode(t, srv, "exec-a", true)
	b := startNode(t, srv, "exec-b", false)
	require.NoError(t, a.svc.ShardIfNecessary(ctx))

	srv.ExpireSession(b.reg)
	require.NoError(t, a.svc.MarkNeeded(ctx))
	require.NoError(t, a.svc.ShardIfNecessary(ctx))

	current, err := a.svc.Current(ctx)
	require.NoError(t, err)
	require.NoError(t, current.Check(3))
	assert.Equal(t, []int{0, 1, 2}, current.Items("exec-a"))
	assert.Empty(t, current.Items("exec-b"))
}

func TestDisabledJobAssignsNothing(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 2, func(d *jobconf.Definition) { d.Enabled = false })

	a := startNode(t, srv, "exec-a", true)
	require.NoError(t, a.svc.ShardIfNecessary(ctx))

	items, err := a.svc.LocalItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPreferListPinsToExecutor(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	setupJob(t, srv, 3, func(d *jobconf.Definition) { d.PreferList = []string{"exec-c"} })

	a := startNode(t, srv, "exec-a", true)
	startNode(t, srv, "exec-b", false)
	c := startNode(t, srv, "exec-c", false)
	require.NoError(t, a.svc.ShardIfNecessary(ctx))

	items, err := c.svc.LocalItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, items)
}

func TestMembershipWatchFlagsResharding(t *testing.T) {
	srv := memory.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupJob(t, srv, 2, nil)

	a := startNode(t, srv, "exec-a", false)
	// Clear the flag Join raised so only the watches can set it again
	require.NoError(t, a.reg.Delete(ctx, NecessaryPath("billing")))
	a.svc.Start(ctx)
	defer a.svc.Stop()

	require.Eventually(t, func() bool {
		reg := srv.Connect("ns")
		defer reg.Close()
		_, _ = reg.Create(ctx, coord.ServerPath("billing", "exec-z", coord.NodeStatus), []byte(StatusReady), coord.Ephemeral)
		needed, _ := a.svc.IsNeeded(ctx)
		return needed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBackgroundReshardOnLeader(t *testing.T) {
	srv := memory.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupJob(t, srv, 2, nil)

	a := startNode(t, srv, "exec-a", true)
	a.svc.Start(ctx)
	defer a.svc.Stop()

	require.Eventually(t, func() bool {
		_ = a.svc.MarkNeeded(ctx)
		time.Sleep(20 * time.Millisecond)
		items, _ := a.svc.LocalItems(ctx)
		return len(items) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
