package jobconf

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/logger"
)

// watchRetry is how long a failed watch waits before re-arming.
const watchRetry = time.Second

// Change describes which aspects of a job differ between two snapshots.
type Change struct {
	// Trigger is set when cron, time zone or pause windows changed
	Trigger bool
	// Sharding is set when the assignment has to be recomputed
	Sharding bool
}

// Diff compares two snapshots. A nil prev counts as everything changed.
func Diff(prev, next *Definition) Change {
	if prev == nil {
		return Change{Trigger: true, Sharding: true}
	}
	return Change{
		Trigger: prev.Cron != next.Cron ||
			prev.TimeZone != next.TimeZone ||
			prev.PausePeriodDate != next.PausePeriodDate ||
			prev.PausePeriodTime != next.PausePeriodTime,
		Sharding: prev.Enabled != next.Enabled ||
			prev.ShardingTotalCount != next.ShardingTotalCount ||
			prev.LocalMode != next.LocalMode ||
			prev.UseDispreferList != next.UseDispreferList ||
			!slices.Equal(prev.PreferList, next.PreferList) ||
			!slices.Equal(prev.AvoidList, next.AvoidList),
	}
}

// Cache keeps one job's Definition current through registry watches.
//
// A single goroutine at a time refreshes the snapshot; readers load it through
// an atomic pointer. Every accepted snapshot is also offered on Updates, a one
// slot channel that always holds the newest unconsumed snapshot.
type Cache struct {
	reg    coord.Registry
	job    string
	logger *zap.SugaredLogger

	current atomic.Pointer[Definition]
	updates chan *Definition

	refreshMu sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewCache creates a cache for job. Call Load before any query.
func NewCache(reg coord.Registry, job string, log *zap.SugaredLogger) *Cache {
	return &Cache{
		reg:     reg,
		job:     job,
		logger:  log.With(logger.FieldComponent, "pulse.jobconf"),
		updates: make(chan *Definition, 1),
	}
}

// Load reads the configuration once. A job whose configuration does not
// validate cannot be started.
func (c *Cache) Load(ctx context.Context) error {
	def, err := Load(ctx, c.reg, c.job)
	if err != nil {
		return err
	}
	c.current.Store(def)
	return nil
}

// Start arms a watch on every config node. Changes are applied until Stop.
// Once every watch is armed the configuration is read again, so a write
// that landed between Load and Start is not missed. The same happens when a
// watch is re-armed after its session closed.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	var armed sync.WaitGroup
	armed.Add(len(Fields))
	for _, field := range Fields {
		p := coord.ConfigPath(c.job, field)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			first := true
			stale := false
			coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
				_, ch, err := c.reg.WatchExists(ctx, p)
				if first {
					first = false
					armed.Done()
				}
				if err == nil && stale {
					stale = false
					c.Refresh(ctx)
				}
				return ch, err
			}, func(ev coord.Event) {
				if ev.Type == coord.EventSessionClosed {
					stale = true
					return
				}
				c.Refresh(ctx)
			}, watchRetry)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		armed.Wait()
		if ctx.Err() == nil {
			c.Refresh(ctx)
		}
	}()
}

// Stop releases the watches.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Refresh re-reads the configuration and publishes it when it is valid.
// An invalid schedule keeps the previous trigger settings; any other invalid
// value keeps the previous snapshot.
func (c *Cache) Refresh(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	next, err := Read(ctx, c.reg, c.job)
	if err != nil {
		c.logger.Warnw("Failed to read job config, keeping previous snapshot",
			logger.FieldError, err)
		return
	}

	prev := c.current.Load()
	if err := next.Validate(); err != nil {
		if prev == nil {
			c.logger.Warnw("Rejected job config", logger.FieldError, err)
			return
		}
		next.Cron = prev.Cron
		next.TimeZone = prev.TimeZone
		next.PausePeriodDate = prev.PausePeriodDate
		next.PausePeriodTime = prev.PausePeriodTime
		if err2 := next.Validate(); err2 != nil {
			c.logger.Warnw("Rejected job config, keeping previous snapshot",
				logger.FieldError, err2)
			return
		}
		c.logger.Warnw("Rejected schedule change, keeping previous schedule",
			logger.FieldError, err)
	}

	if prev != nil && Diff(prev, next) == (Change{}) && equalRest(prev, next) {
		return
	}
	c.publish(next)
}

func (c *Cache) publish(def *Definition) {
	c.current.Store(def)
	select {
	case <-c.updates:
	default:
	}
	c.updates <- def
	c.logger.Debugw("Job config updated")
}

func equalRest(a, b *Definition) bool {
	return a.Type == b.Type &&
		a.JobParameter == b.JobParameter &&
		FormatItemParameters(a.ShardingItemParameters) == FormatItemParameters(b.ShardingItemParameters) &&
		a.Failover == b.Failover &&
		a.Rerun == b.Rerun &&
		a.ReportEnabled == b.ReportEnabled &&
		a.TimeoutSeconds == b.TimeoutSeconds &&
		a.Handler == b.Handler &&
		a.Description == b.Description &&
		slices.Equal(a.Upstream, b.Upstream) &&
		slices.Equal(a.Downstream, b.Downstream)
}

// Updates delivers newly published snapshots.
func (c *Cache) Updates() <-chan *Definition {
	return c.updates
}

// Current returns the latest snapshot.
func (c *Cache) Current() *Definition {
	return c.current.Load()
}

func (c *Cache) IsEnabled() bool {
	d := c.Current()
	return d != nil && d.Enabled
}

func (c *Cache) IsFailoverEnabled() bool {
	d := c.Current()
	return d != nil && d.IsFailoverEnabled()
}

func (c *Cache) IsReportingEnabled() bool {
	d := c.Current()
	return d != nil && d.ReportEnabled
}

func (c *Cache) IsLocalMode() bool {
	d := c.Current()
	return d != nil && d.LocalMode
}

func (c *Cache) IsInPausePeriod(now time.Time) bool {
	d := c.Current()
	return d != nil && d.IsInPausePeriod(now)
}
