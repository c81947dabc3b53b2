package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/pulse/jobconf"
)

func definition(t *testing.T, cron string, mutate func(*jobconf.Definition)) *jobconf.Definition {
	t.Helper()
	d := jobconf.New("report")
	d.Cron = cron
	d.TimeZone = "UTC"
	if mutate != nil {
		mutate(d)
	}
	require.NoError(t, d.Validate())
	return d
}

func TestNextFireTimeSkipsPausedDay(t *testing.T) {
	d := definition(t, "0 0 2 * * ?", func(d *jobconf.Definition) {
		d.PausePeriodDate = "3/15-3/15"
		d.PausePeriodTime = "01:00-03:00"
	})

	after := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 16, 2, 0, 0, 0, time.UTC), NextFireTime(d, after))

	// Without the pause the 15th fires as usual
	plain := definition(t, "0 0 2 * * ?", nil)
	assert.Equal(t, time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC), NextFireTime(plain, after))
}

func TestNextFireTimeUsesJobTimeZone(t *testing.T) {
	d := definition(t, "0 0 2 * * ?", func(d *jobconf.Definition) { d.TimeZone = "Asia/Tokyo" })
	after := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	// 02:00 in Tokyo is 17:00 UTC the day before
	assert.Equal(t, time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC), NextFireTime(d, after).UTC())
}

func TestNextFireTimeWithoutSchedule(t *testing.T) {
	d := definition(t, "", func(d *jobconf.Definition) { d.Type = jobconf.TypePassive })
	assert.True(t, NextFireTime(d, time.Now()).IsZero())
	assert.True(t, NextFireTime(nil, time.Now()).IsZero())
}

func TestNextFireTimeJumpsLongPauseWindow(t *testing.T) {
	d := definition(t, "* * * * * ?", func(d *jobconf.Definition) { d.PausePeriodDate = "1/1-4/30" })

	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), NextFireTime(d, after))

	// Inside a daily window the first fire is the window's end
	d = definition(t, "0 */5 * * * ?", func(d *jobconf.Definition) { d.PausePeriodTime = "09:00-17:00" })
	after = time.Date(2026, 6, 3, 9, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 6, 3, 17, 0, 0, 0, time.UTC), NextFireTime(d, after))
}

func TestNextFireTimeAllPaused(t *testing.T) {
	d := definition(t, "0 0 2 * * ?", func(d *jobconf.Definition) { d.PausePeriodTime = "00:00-24:00" })
	assert.True(t, NextFireTime(d, time.Now()).IsZero())
}

type recorder struct {
	mu    sync.Mutex
	fires []Fire
}

func (r *recorder) fire(_ context.Context, f Fire) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, f)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) get(i int) Fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[i]
}

func startWorker(t *testing.T, d *jobconf.Definition) (*Worker, *recorder, *atomic.Pointer[jobconf.Definition]) {
	t.Helper()
	var current atomic.Pointer[jobconf.Definition]
	current.Store(d)
	rec := &recorder{}
	w := NewWorker(d.Name, current.Load, rec.fire, zaptest.NewLogger(t).Sugar())
	w.Start(context.Background())
	t.Cleanup(func() {
		w.Halt()
		<-w.Done()
	})
	return w, rec, &current
}

func TestManualTriggerKeepsSchedule(t *testing.T) {
	d := definition(t, "0 0 0 1 1 ?", nil)
	w, rec, _ := startWorker(t, d)

	before := w.NextFireTime()
	require.False(t, before.IsZero())

	triggeredAt := time.Now()
	w.Trigger(Fire{TriggerID: "op-1"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	f := rec.get(0)
	assert.True(t, f.Manual)
	assert.Equal(t, "op-1", f.TriggerID)
	assert.WithinDuration(t, triggeredAt, f.Time, time.Second)
	assert.Equal(t, before, f.Next)
	assert.Equal(t, before, w.NextFireTime())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "manual trigger fires exactly once")
}

func TestScheduledFires(t *testing.T) {
	d := definition(t, "* * * * * ?", nil)
	_, rec, _ := startWorker(t, d)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 4*time.Second, 10*time.Millisecond)
	first, second := rec.get(0), rec.get(1)
	assert.False(t, first.Manual)
	assert.True(t, second.Time.After(first.Time))
	assert.Equal(t, first.Next, second.Time)
}

func TestPauseAndResume(t *testing.T) {
	d := definition(t, "* * * * * ?", nil)
	w, rec, _ := startWorker(t, d)
	w.Pause()
	assert.True(t, w.IsPaused())
	// let a fire that was already under way finish
	time.Sleep(50 * time.Millisecond)

	n := rec.count()
	w.Trigger(Fire{})
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "paused loop must not fire")

	w.Resume()
	require.Eventually(t, func() bool { return rec.count() > n }, 3*time.Second, 10*time.Millisecond)
}

func TestPassiveJobOnlyFiresOnTrigger(t *testing.T) {
	d := definition(t, "", func(d *jobconf.Definition) { d.Type = jobconf.TypePassive })
	w, rec, _ := startWorker(t, d)

	assert.True(t, w.NextFireTime().IsZero())
	w.Trigger(Fire{Payload: []byte("hello")})
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello"), rec.get(0).Payload)
}

func TestQueuedTriggersCoalesce(t *testing.T) {
	d := definition(t, "", func(d *jobconf.Definition) { d.Type = jobconf.TypePassive })
	w, rec, _ := startWorker(t, d)
	w.Pause()

	for i := 0; i < 100; i++ {
		assert.True(t, w.Trigger(Fire{}))
	}
	assert.True(t, w.Trigger(Fire{FailoverItems: []int{3, 1}}))
	assert.True(t, w.Trigger(Fire{FailoverItems: []int{1, 2}}))
	assert.Equal(t, 2, w.GetStats().Pending)

	for i := 0; i < MaxPending-2; i++ {
		require.True(t, w.Trigger(Fire{Payload: []byte("m")}))
	}
	assert.False(t, w.Trigger(Fire{Payload: []byte("overflow")}), "queue is full")
	assert.True(t, w.Trigger(Fire{}), "plain fires still merge into the queue")
	assert.Equal(t, MaxPending, w.GetStats().Pending)

	w.Resume()
	require.Eventually(t, func() bool { return rec.count() == MaxPending }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.get(1).FailoverItems)
	for i := 2; i < MaxPending; i++ {
		assert.Equal(t, []byte("m"), rec.get(i).Payload)
	}
}

// overrunLoop runs a per-second job whose first fire takes 2.5s.
func overrunLoop(t *testing.T, rerun bool) *recorder {
	t.Helper()
	d := definition(t, "* * * * * ?", func(d *jobconf.Definition) { d.Rerun = rerun })
	rec := &recorder{}
	w := NewWorker(d.Name, func() *jobconf.Definition { return d }, func(ctx context.Context, f Fire) {
		first := rec.count() == 0
		rec.fire(ctx, f)
		if first {
			time.Sleep(2500 * time.Millisecond)
		}
	}, zaptest.NewLogger(t).Sugar())
	w.Start(context.Background())
	t.Cleanup(func() {
		w.Halt()
		<-w.Done()
	})
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 6*time.Second, 10*time.Millisecond)
	return rec
}

func TestMissedFireIsSkippedWithoutRerun(t *testing.T) {
	rec := overrunLoop(t, false)
	first, second := rec.get(0), rec.get(1)
	assert.False(t, second.Rerun)
	assert.Equal(t, first.Time.Add(3*time.Second), second.Time)
}

func TestMissedFireRunsOnceWithRerun(t *testing.T) {
	rec := overrunLoop(t, true)
	first, second := rec.get(0), rec.get(1)
	assert.True(t, second.Rerun)
	assert.Equal(t, first.Time.Add(time.Second), second.Time)

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 3*time.Second, 10*time.Millisecond)
	third := rec.get(2)
	assert.False(t, third.Rerun, "only one missed fire is replayed")
	assert.Equal(t, first.Time.Add(3*time.Second), third.Time)
}

func TestRescheduleAppliesNewCron(t *testing.T) {
	d := definition(t, "0 0 0 1 1 ?", nil)
	w, rec, current := startWorker(t, d)
	assert.Equal(t, time.January, w.NextFireTime().Month())

	current.Store(definition(t, "* * * * * ?", nil))
	w.Reschedule()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestHalt(t *testing.T) {
	d := definition(t, "0 0 0 1 1 ?", nil)
	rec := &recorder{}
	w := NewWorker(d.Name, func() *jobconf.Definition { return d }, rec.fire, zaptest.NewLogger(t).Sugar())
	w.Start(context.Background())

	w.Halt()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, w.IsHalted())

	assert.False(t, w.Trigger(Fire{}))
	assert.Equal(t, 0, rec.count())
	w.Halt()
}
