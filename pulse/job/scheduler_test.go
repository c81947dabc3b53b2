package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/coord/memory"
	"github.com/teranos/tessera/errors"
	tesseratest "github.com/teranos/tessera/internal/testing"
	"github.com/teranos/tessera/pulse/election"
	"github.com/teranos/tessera/pulse/execution"
	"github.com/teranos/tessera/pulse/history"
	"github.com/teranos/tessera/pulse/jobconf"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu    sync.Mutex
	items []Item
	block chan struct{}
}

func (r *recorder) Run(ctx context.Context, it Item) (string, error) {
	r.mu.Lock()
	r.items = append(r.items, it)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "ok", nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it.Item)
	}
	sort.Ints(out)
	return out
}

func (r *recorder) all() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) Publish(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) count(typ string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func saveJob(t *testing.T, srv *memory.Server, mutate func(*jobconf.Definition)) {
	t.Helper()
	def := jobconf.New("billing")
	def.Type = jobconf.TypePassive
	def.ShardingTotalCount = 3
	def.Handler = "record"
	if mutate != nil {
		mutate(def)
	}
	require.NoError(t, jobconf.Save(context.Background(), srv.Connect("ns"), def))
}

type node struct {
	reg    *memory.Client
	sched  *Scheduler
	rec    *recorder
	events *eventLog
}

func startNode(t *testing.T, srv *memory.Server, executor string, rec *recorder, hist HistorySink) *node {
	t.Helper()
	ctx := context.Background()
	reg := srv.Connect("ns")
	_, err := reg.Create(ctx, coord.ExecutorPath(executor, coord.NodeIP), []byte("10.0.0.1"), coord.Ephemeral)
	require.NoError(t, err)

	handlers := NewRegistry()
	handlers.Register("record", func(*jobconf.Definition) (Handler, error) { return rec, nil })
	events := &eventLog{}

	s := NewScheduler("billing", Config{
		Executor:           executor,
		ShutdownGrace:      100 * time.Millisecond,
		FailoverInterval:   50 * time.Millisecond,
		StatsFlushInterval: 50 * time.Millisecond,
	}, Deps{
		Registry: reg,
		Handlers: handlers,
		History:  hist,
		Events:   events,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Shutdown(context.Background(), false) })
	return &node{reg: reg, sched: s, rec: rec, events: events}
}

func waitAssigned(t *testing.T, n *node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		current, err := n.sched.sharding.Current(context.Background())
		if err != nil || current.Check(3) != nil {
			return false
		}
		assigned := 0
		for _, items := range current {
			if len(items) > 0 {
				assigned++
			}
		}
		return assigned == want
	}, waitFor, tick)
}

func status(t *testing.T, reg coord.Registry, item int) execution.Status {
	st, err := execution.New(reg, "billing", "reader", zaptest.NewLogger(t).Sugar()).StatusOf(context.Background(), item)
	require.NoError(t, err)
	return st
}

func TestTriggerRunsEveryItem(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, func(d *jobconf.Definition) {
		d.ShardingItemParameters = map[int]string{1: "eu"}
	})
	store := history.NewStore(tesseratest.CreateTestDB(t), "ns")
	n := startNode(t, srv, "exec-a", &recorder{}, store)
	waitAssigned(t, n, 1)

	id, err := n.sched.Trigger("")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		last := n.sched.lifecycle.LastFire()
		return last != nil && len(last.Statuses) == 3
	}, waitFor, tick)

	assert.Equal(t, []int{0, 1, 2}, n.rec.seen())
	for _, it := range n.rec.all() {
		assert.Equal(t, id, it.TriggerID)
		if it.Item == 1 {
			assert.Equal(t, "eu", it.Parameter)
		}
	}
	for item := 0; item < 3; item++ {
		assert.Equal(t, execution.Completed, status(t, n.reg, item))
	}
	assert.Empty(t, n.sched.lifecycle.LastFire().Unverified)
	assert.Equal(t, Idle, n.sched.lifecycle.State())
	assert.Equal(t, 1, n.events.count(EventFired))
	assert.Equal(t, 3, n.events.count(EventItemFinished))

	records, total, err := store.List(context.Background(), history.Filter{Job: "billing"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, rec := range records {
		assert.Equal(t, "completed", rec.Status)
		assert.Equal(t, "manual", rec.FireKind)
	}

	st, err := n.sched.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Leader)
	assert.Equal(t, []int{0, 1, 2}, st.Items)
}

func TestCompletionAfterSessionLossIsSkipped(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	rec := &recorder{block: make(chan struct{})}
	n := startNode(t, srv, "exec-a", rec, nil)
	waitAssigned(t, n, 1)

	_, err := n.sched.Trigger("")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, waitFor, tick)

	srv.ExpireSession(n.reg)
	close(rec.block)

	require.Eventually(t, func() bool { return n.sched.lifecycle.LastFire() != nil }, waitFor, tick)
	last := n.sched.lifecycle.LastFire()
	assert.Equal(t, []int{0, 1, 2}, last.Unverified)
	for item := 0; item < 3; item++ {
		assert.NotEqual(t, execution.Completed, status(t, n.reg, item))
	}
}

func TestDeadExecutorItemsFailOverToSurvivor(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	recA := &recorder{block: make(chan struct{})}
	recB := &recorder{}
	a := startNode(t, srv, "exec-a", recA, nil)
	b := startNode(t, srv, "exec-b", recB, nil)
	waitAssigned(t, a, 2)

	current, err := a.sched.sharding.Current(context.Background())
	require.NoError(t, err)
	aItems, bItems := current.Items("exec-a"), current.Items("exec-b")
	require.NotEmpty(t, aItems)
	require.NotEmpty(t, bItems)

	_, err = a.sched.Trigger("")
	require.NoError(t, err)
	_, err = b.sched.Trigger("")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(recA.seen()) == len(aItems) }, waitFor, tick)
	require.Eventually(t, func() bool {
		last := b.sched.lifecycle.LastFire()
		return last != nil && len(last.Statuses) == len(bItems)
	}, waitFor, tick)

	srv.ExpireSession(a.reg)

	require.Eventually(t, func() bool {
		for item := 0; item < 3; item++ {
			st, err := execution.New(b.reg, "billing", "reader", zaptest.NewLogger(t).Sugar()).StatusOf(context.Background(), item)
			if err != nil || st != execution.Completed {
				return false
			}
		}
		return true
	}, waitFor, tick)

	assert.Equal(t, []int{0, 1, 2}, recB.seen(), "b ran its own items and took over a's")
	for _, it := range recB.all() {
		if contains(aItems, it.Item) {
			assert.True(t, it.Failover)
		}
	}

	// The takeover record is gone once the item completed
	for _, item := range aItems {
		ok, _, err := b.reg.Exists(context.Background(), coord.ExecutionPath("billing", item, coord.NodeFailover))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func contains(items []int, v int) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}

func TestStopForceStopResume(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	rec := &recorder{block: make(chan struct{})}
	n := startNode(t, srv, "exec-a", rec, nil)
	waitAssigned(t, n, 1)

	_, err := n.sched.Trigger("")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, waitFor, tick)

	require.NoError(t, n.sched.ForceStop())
	require.Eventually(t, func() bool { return n.sched.lifecycle.LastFire() != nil }, waitFor, tick)
	assert.Equal(t, ForceStopped, n.sched.lifecycle.State())
	for _, st := range n.sched.lifecycle.LastFire().Statuses {
		assert.Equal(t, execution.Failed, st)
	}

	// Fires queued while stopped wait for Resume
	_, err = n.sched.Trigger("")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.seen(), 3)

	rec.mu.Lock()
	rec.block = nil
	rec.mu.Unlock()
	require.NoError(t, n.sched.Resume())
	require.Eventually(t, func() bool { return len(rec.seen()) == 6 }, waitFor, tick)

	require.NoError(t, n.sched.Stop())
	assert.Equal(t, StopRequested, n.sched.lifecycle.State())
	require.NoError(t, n.sched.Resume())
	assert.Equal(t, Idle, n.sched.lifecycle.State())
}

func TestDeliverMessage(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, func(d *jobconf.Definition) {
		d.Type = jobconf.TypeMsg
		d.ShardingTotalCount = 1
	})
	rec := &recorder{}
	n := startNode(t, srv, "exec-a", rec, nil)

	_, err := n.sched.Deliver(nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	id, err := n.sched.Deliver([]byte(`{"order":42}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)
	it := rec.all()[0]
	assert.Equal(t, id, it.TriggerID)
	assert.JSONEq(t, `{"order":42}`, string(it.Payload))
}

func TestDeliverNeedsMsgJob(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	n := startNode(t, srv, "exec-a", &recorder{}, nil)

	_, err := n.sched.Deliver([]byte("x"))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRunOneTimeNode(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	rec := &recorder{}
	n := startNode(t, srv, "exec-a", rec, nil)
	waitAssigned(t, n, 1)

	p := coord.ServerPath("billing", "exec-a", coord.NodeRunOneTime)
	require.NoError(t, coord.PutString(context.Background(), srv.Connect("ns"), p, "console-1"))

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, waitFor, tick)
	assert.Equal(t, "console-1", rec.all()[0].TriggerID)

	ok, _, err := n.reg.Exists(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, ok, "request is consumed")
}

func TestDisabledJobRunsNothing(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, func(d *jobconf.Definition) { d.Enabled = false })
	rec := &recorder{}
	n := startNode(t, srv, "exec-a", rec, nil)

	_, err := n.sched.Trigger("")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.sched.lifecycle.LastFire() != nil }, waitFor, tick)
	assert.Equal(t, SkipDisabled, n.sched.lifecycle.LastFire().Skipped)
	assert.Empty(t, rec.all())
}

func TestShutdown(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	ctx := context.Background()
	reg := srv.Connect("ns")
	handlers := NewRegistry()
	handlers.Register("record", func(*jobconf.Definition) (Handler, error) { return &recorder{}, nil })

	var removed string
	s := NewScheduler("billing", Config{Executor: "exec-a"}, Deps{
		Registry:   reg,
		Handlers:   handlers,
		OnShutdown: func(job string) { removed = job },
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start(ctx))
	assert.True(t, errors.IsConflictError(s.Start(ctx)))

	s.Shutdown(ctx, true)
	assert.Equal(t, "billing", removed)
	ok, _, err := reg.Exists(ctx, coord.ServerPath("billing", "exec-a"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Trigger("")
	assert.True(t, errors.IsConflictError(err))
	// A second shutdown is a no-op
	s.Shutdown(ctx, true)
}

func TestExecutorWithoutItemsSkipsFire(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, func(d *jobconf.Definition) { d.ShardingTotalCount = 1 })
	a := startNode(t, srv, "exec-a", &recorder{}, nil)
	b := startNode(t, srv, "exec-b", &recorder{}, nil)

	var idle *node
	require.Eventually(t, func() bool {
		current, err := a.sched.sharding.Current(context.Background())
		if err != nil || current.Check(1) != nil {
			return false
		}
		switch {
		case len(current.Items("exec-a")) == 0:
			idle = a
		case len(current.Items("exec-b")) == 0:
			idle = b
		default:
			return false
		}
		return true
	}, waitFor, tick)

	_, err := idle.sched.Trigger("")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return idle.sched.lifecycle.LastFire() != nil }, waitFor, tick)
	assert.Equal(t, SkipNoItems, idle.sched.lifecycle.LastFire().Skipped)
	assert.Equal(t, 1, idle.events.count(EventEmptySharding))
	assert.Empty(t, idle.rec.all())
}

func TestRejoinRestoresStatusAfterSessionExpiry(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	n := startNode(t, srv, "exec-a", &recorder{}, nil)
	waitAssigned(t, n, 1)
	ctx := context.Background()
	statusPath := coord.ServerPath("billing", "exec-a", coord.NodeStatus)

	srv.ExpireSession(n.reg)
	ok, _, err := n.reg.Exists(ctx, statusPath)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, n.sched.Rejoin(ctx))
	ok, stat, err := n.reg.Exists(ctx, statusPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n.reg.Session(), stat.Owner)
	waitAssigned(t, n, 1)
}

// refusingDelete fails deletes of paths ending in suffix.
type refusingDelete struct {
	coord.Registry
	suffix string
}

func (r refusingDelete) Delete(ctx context.Context, p string) error {
	if strings.HasSuffix(p, r.suffix) {
		return errors.Wrap(coord.ErrSessionClosed, "delete")
	}
	return r.Registry.Delete(ctx, p)
}

func TestFailedStartLeavesElection(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, nil)
	ctx := context.Background()
	reg := srv.Connect("ns")
	handlers := NewRegistry()
	handlers.Register("record", func(*jobconf.Definition) (Handler, error) { return &recorder{}, nil })

	s := NewScheduler("billing", Config{Executor: "exec-a"}, Deps{
		Registry: refusingDelete{Registry: reg, suffix: coord.NodeRunOneTime},
		Handlers: handlers,
	}, zaptest.NewLogger(t).Sugar())
	require.Error(t, s.Start(ctx))

	assert.Never(t, func() bool {
		latch, err := reg.Children(ctx, election.LatchPath("billing"))
		return err == nil && len(latch) > 0
	}, 300*time.Millisecond, tick)
	ok, _, err := reg.Exists(ctx, election.HostPath("billing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartFailsForUnknownHandler(t *testing.T) {
	srv := memory.NewServer()
	saveJob(t, srv, func(d *jobconf.Definition) { d.Handler = "python" })
	s := NewScheduler("billing", Config{Executor: "exec-a"}, Deps{
		Registry: srv.Connect("ns"),
		Handlers: NewRegistry(),
	}, zaptest.NewLogger(t).Sugar())
	assert.True(t, errors.IsNotFoundError(s.Start(context.Background())))
}
