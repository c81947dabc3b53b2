package jobconf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/coord/memory"
)

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewServer().Connect("ns")

	d := New("billing")
	d.Cron = "0 0 2 * * ?"
	d.ShardingTotalCount = 3
	d.ShardingItemParameters = map[int]string{0: "a", 2: "c"}
	d.PreferList = []string{"exec-2", "exec-1"}
	d.Downstream = []string{"settle"}
	d.PausePeriodDate = "3/15-3/15"
	d.TimeoutSeconds = 30
	d.Handler = "shell"
	require.NoError(t, Save(ctx, reg, d))

	got, err := Load(ctx, reg, "billing")
	require.NoError(t, err)
	assert.Equal(t, TypeCron, got.Type)
	assert.Equal(t, "0 0 2 * * ?", got.Cron)
	assert.Equal(t, 3, got.ShardingTotalCount)
	assert.Equal(t, "c", got.ItemParameter(2))
	assert.Equal(t, []string{"exec-2", "exec-1"}, got.PreferList)
	assert.Equal(t, []string{"settle"}, got.Downstream)
	assert.Equal(t, 30, got.TimeoutSeconds)
	assert.Equal(t, "shell", got.Handler)
	assert.True(t, got.IsInPausePeriod(time.Date(2026, 3, 15, 12, 0, 0, 0, got.Location())))
}

func TestReadAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewServer().Connect("ns")
	require.NoError(t, SetField(ctx, reg, "bare", FieldCron, "0 * * * * ?"))

	d, err := Load(ctx, reg, "bare")
	require.NoError(t, err)
	assert.Equal(t, 1, d.ShardingTotalCount)
	assert.True(t, d.Enabled)
	assert.True(t, d.Failover)
	assert.True(t, d.ReportEnabled)
	assert.Equal(t, "noop", d.Handler)
}

func TestReadRejectsBadScalars(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewServer().Connect("ns")
	require.NoError(t, SetField(ctx, reg, "bad", FieldShardingTotalCount, "three"))

	_, err := Read(ctx, reg, "bad")
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	a := validCron()
	assert.Equal(t, Change{Trigger: true, Sharding: true}, Diff(nil, a))

	b := a.Clone()
	assert.Equal(t, Change{}, Diff(a, b))

	b.Cron = "0 0 * * * ?"
	assert.Equal(t, Change{Trigger: true}, Diff(a, b))

	c := a.Clone()
	c.PreferList = []string{"exec-3"}
	assert.Equal(t, Change{Sharding: true}, Diff(a, c))

	e := a.Clone()
	e.Enabled = false
	assert.True(t, Diff(a, e).Sharding)

	p := a.Clone()
	p.PausePeriodTime = "01:00-02:00"
	assert.True(t, Diff(a, p).Trigger)
}

func newCache(t *testing.T) (*Cache, *memory.Client) {
	t.Helper()
	ctx := context.Background()
	reg := memory.NewServer().Connect("ns")
	d := validCron()
	require.NoError(t, Save(ctx, reg, d))

	c := NewCache(reg, d.Name, zaptest.NewLogger(t).Sugar())
	require.NoError(t, c.Load(ctx))
	return c, reg
}

func TestCachePublishesChanges(t *testing.T) {
	c, reg := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	assert.True(t, c.IsEnabled())

	// Watches are armed asynchronously, so keep writing until one is seen
	require.Eventually(t, func() bool {
		_ = SetField(ctx, reg, "billing", FieldEnabled, "false")
		return !c.IsEnabled()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case def := <-c.Updates():
		assert.False(t, def.Enabled)
	default:
		t.Fatal("no update published")
	}
}

func TestCacheSeesWriteBetweenLoadAndStart(t *testing.T) {
	c, reg := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, SetField(ctx, reg, "billing", FieldJobParameter, "--late"))
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Current().JobParameter == "--late"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheKeepsPreviousScheduleOnBadCron(t *testing.T) {
	c, reg := newCache(t)
	ctx := context.Background()

	require.NoError(t, SetField(ctx, reg, "billing", FieldCron, "not a cron"))
	require.NoError(t, SetField(ctx, reg, "billing", FieldJobParameter, "--full"))
	c.Refresh(ctx)

	def := c.Current()
	assert.Equal(t, "0 */5 * * * ?", def.Cron)
	assert.Equal(t, "--full", def.JobParameter)
}

func TestCacheKeepsSnapshotOnBadValue(t *testing.T) {
	c, reg := newCache(t)
	ctx := context.Background()
	before := c.Current()

	require.NoError(t, SetField(ctx, reg, "billing", FieldShardingTotalCount, "0"))
	c.Refresh(ctx)

	assert.Same(t, before, c.Current())
}

func TestCacheUpdatesSlotHoldsNewest(t *testing.T) {
	c, reg := newCache(t)
	ctx := context.Background()

	require.NoError(t, SetField(ctx, reg, "billing", FieldJobParameter, "one"))
	c.Refresh(ctx)
	require.NoError(t, SetField(ctx, reg, "billing", FieldJobParameter, "two"))
	c.Refresh(ctx)

	def := <-c.Updates()
	assert.Equal(t, "two", def.JobParameter)
	select {
	case <-c.Updates():
		t.Fatal("slot should hold a single snapshot")
	default:
	}
}

func TestCacheQueriesBeforeLoad(t *testing.T) {
	c := NewCache(memory.NewServer().Connect("ns"), "ghost", zaptest.NewLogger(t).Sugar())
	assert.False(t, c.IsEnabled())
	assert.False(t, c.IsInPausePeriod(time.Now()))
	assert.Nil(t, c.Current())
}
