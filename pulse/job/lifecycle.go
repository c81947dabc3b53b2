package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/util"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/analyse"
	"github.com/teranos/tessera/pulse/downstream"
	"github.com/teranos/tessera/pulse/execution"
	"github.com/teranos/tessera/pulse/failover"
	"github.com/teranos/tessera/pulse/history"
	"github.com/teranos/tessera/pulse/jobconf"
	"github.com/teranos/tessera/pulse/sharding"
	"github.com/teranos/tessera/pulse/trigger"
)

// DefaultItemWorkers caps the items of one fire that run at once.
const DefaultItemWorkers = 100

// cleanupTimeout bounds completion registration after a fire.
const cleanupTimeout = 5 * time.Second

// HistorySink stores item executions. *history.Store implements it.
type HistorySink interface {
	Begin(ctx context.Context, rec *history.Record) error
	Finish(ctx context.Context, rec *history.Record) error
}

// Skip reasons reported in FireResult
const (
	SkipDisabled    = "disabled"
	SkipNoItems     = "no_items"
	SkipPaused      = "pause_period"
	SkipSharding    = "sharding_unavailable"
	SkipBeginFailed = "begin_failed"
)

// FireResult summarises the last fire.
type FireResult struct {
	FireTime   time.Time                `json:"fire_time"`
	Manual     bool                     `json:"manual"`
	Failover   bool                     `json:"failover"`
	Items      []int                    `json:"items,omitempty"`
	Statuses   map[int]execution.Status `json:"statuses,omitempty"`
	Unverified []int                    `json:"unverified,omitempty"`
	Skipped    string                   `json:"skipped,omitempty"`
}

// Lifecycle executes the fires of one job on this executor.
type Lifecycle struct {
	job      string
	executor string

	conf       *jobconf.Cache
	sharding   *sharding.Service
	execution  *execution.Service
	failover   *failover.Service
	analyse    *analyse.Service
	downstream *downstream.Notifier
	history    HistorySink
	events     EventSink
	handler    Handler

	itemWorkers int
	logger      *zap.SugaredLogger
	now         func() time.Time

	state Machine

	mu          sync.Mutex
	cancelItems context.CancelFunc
	last        *FireResult
}

// Execute runs one fire. It is the trigger.FireFunc of the job's loop.
func (l *Lifecycle) Execute(ctx context.Context, f trigger.Fire) {
	if err := l.state.TransitionFrom(Idle, Running); err != nil {
		l.logger.Debugw("Fire skipped", logger.FieldState, l.state.Current().String(), logger.FieldFireTime, f.Time)
		return
	}
	l.publishState(Running)
	defer func() {
		if err := l.state.TransitionFrom(Running, Idle); err == nil {
			l.publishState(Idle)
		}
	}()

	res := l.run(ctx, f)
	l.mu.Lock()
	l.last = res
	l.mu.Unlock()
}

func (l *Lifecycle) run(ctx context.Context, f trigger.Fire) *FireResult {
	def := l.conf.Current()
	res := &FireResult{FireTime: f.Time, Manual: f.Manual}
	reporting := def.ReportEnabled && !def.LocalMode

	failoverItems := append([]int(nil), f.FailoverItems...)
	if reporting {
		local, err := l.failover.LocalFailoverItems(ctx)
		if err != nil {
			l.logger.Warnw("Failed to read local failover items", logger.FieldError, err)
		}
		failoverItems = union(failoverItems, local)
	}
	if !reporting || len(failoverItems) == 0 {
		if err := l.sharding.ShardIfNecessary(ctx); err != nil {
			l.logger.Warnw("Resharding failed, keeping last assignment", logger.FieldError, err)
		}
	}

	if !def.Enabled {
		res.Skipped = SkipDisabled
		return res
	}

	isFailover := len(failoverItems) > 0
	res.Failover = isFailover
	items := failoverItems
	if !isFailover {
		var err error
		items, err = l.sharding.LocalItems(ctx)
		if err != nil {
			l.logger.Warnw("Failed to read sharding", logger.FieldError, err)
			res.Skipped = SkipSharding
			return res
		}
		if reporting && def.IsFailoverEnabled() {
			taken, err := l.failover.FailedOverToOthers(ctx, items)
			if err != nil {
				l.logger.Warnw("Failed to read failover owners", logger.FieldError, err)
			}
			items = subtract(items, taken)
		}
	}

	if len(items) == 0 {
		res.Skipped = SkipNoItems
		l.logger.Debugw("No items assigned to this executor")
		l.publish(Event{Type: EventEmptySharding})
		return res
	}
	if def.IsInPausePeriod(l.now()) {
		res.Skipped = SkipPaused
		l.logger.Debugw("Inside pause period", logger.FieldFireTime, f.Time)
		return res
	}

	if reporting {
		if err := l.execution.RegisterBegin(ctx, items, f.Next); err != nil {
			l.logger.Errorw("Failed to register begin", logger.FieldItems, coord.FormatItems(items), logger.FieldError, err)
			res.Skipped = SkipBeginFailed
			return res
		}
	}

	l.analyse.Fired(fireKind(f, isFailover))
	l.publish(Event{Type: EventFired})
	l.logger.Infow("Executing",
		logger.FieldItems, coord.FormatItems(items),
		logger.FieldFireTime, f.Time,
		logger.FieldFailover, isFailover,
		"kind", fireKind(f, isFailover))

	res.Items = items
	res.Statuses = l.runItems(ctx, def, f, items, isFailover)
	res.Unverified = l.complete(ctx, items, res.Statuses, reporting, isFailover)

	// Stop, force stop and abort end the fire here
	if l.state.Current() != Running {
		return res
	}

	if reporting && l.failover.Enabled() {
		if flagged, err := l.failover.Scan(ctx); err != nil {
			l.logger.Warnw("Failover scan failed", logger.FieldError, err)
		} else if len(flagged) > 0 {
			l.logger.Infow("Flagged items for failover", logger.FieldItems, coord.FormatItems(flagged))
		}
	}
	if !isFailover && l.downstream != nil {
		l.downstream.Notify(ctx, def, f.Time, f.TriggerID)
	}
	return res
}

// complete records the outcome of every item whose running marker still
// belongs to this session. It runs even when ctx was cancelled.
func (l *Lifecycle) complete(ctx context.Context, items []int, statuses map[int]execution.Status, reporting, isFailover bool) []int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var success, failure int
	for _, item := range items {
		if statuses[item] == execution.Completed {
			success++
		} else {
			failure++
		}
	}
	l.analyse.RecordSuccess(success)
	l.analyse.RecordFailure(failure)

	if l.state.Current() == Aborting {
		l.logger.Infow("Aborting, completion not registered", logger.FieldItems, coord.FormatItems(items))
		return nil
	}

	var unverified []int
	if reporting {
		for _, item := range items {
			ok, err := l.execution.RegisterComplete(ctx, item, statuses[item])
			if err != nil {
				l.logger.Warnw("Failed to register completion", logger.FieldItem, item, logger.FieldError, err)
				unverified = append(unverified, item)
				continue
			}
			if !ok {
				unverified = append(unverified, item)
			}
		}
	}
	if isFailover {
		for _, item := range items {
			if err := l.failover.CompleteFailover(ctx, item); err != nil {
				l.logger.Warnw("Failed to clear failover marker", logger.FieldItem, item, logger.FieldError, err)
			}
		}
	}
	return unverified
}

func (l *Lifecycle) runItems(ctx context.Context, def *jobconf.Definition, f trigger.Fire, items []int, isFailover bool) map[int]execution.Status {
	itemCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelItems = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelItems = nil
		l.mu.Unlock()
		cancel()
	}()

	statuses := make([]execution.Status, len(items))
	var g errgroup.Group
	g.SetLimit(l.itemWorkers)
	for i, item := range items {
		g.Go(func() error {
			statuses[i] = l.runItem(itemCtx, def, f, item, isFailover)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int]execution.Status, len(items))
	for i, item := range items {
		out[item] = statuses[i]
	}
	return out
}

func (l *Lifecycle) runItem(ctx context.Context, def *jobconf.Definition, f trigger.Fire, item int, isFailover bool) execution.Status {
	it := Item{
		Job:          l.job,
		Item:         item,
		Parameter:    def.ItemParameter(item),
		JobParameter: def.JobParameter,
		Total:        def.ShardingTotalCount,
		FireTime:     f.Time,
		Failover:     isFailover,
		TriggerID:    f.TriggerID,
		Payload:      f.Payload,
	}

	runCtx := ctx
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := l.now()
	l.analyse.ItemStarted()
	l.publish(Event{Type: EventItemStarted, Item: util.Ptr(item)})
	rec := l.beginHistory(ctx, f, item, it.Parameter, isFailover, start)

	output, err := l.safeRun(runCtx, it)
	status := execution.Completed
	switch {
	case err == nil:
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		status = execution.Timeout
		l.logger.Warnw("Item timed out", logger.FieldItem, item, "timeout_seconds", def.TimeoutSeconds)
	default:
		status = execution.Failed
		l.logger.Warnw("Item failed", logger.FieldItem, item, logger.FieldError, err)
	}

	took := l.now().Sub(start)
	l.analyse.ItemFinished(string(status), took)
	l.finishHistory(ctx, rec, status, output, err)
	l.publish(Event{Type: EventItemFinished, Item: util.Ptr(item), Status: string(status)})
	return status
}

// safeRun turns a handler panic into an item failure.
func (l *Lifecycle) safeRun(ctx context.Context, it Item) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
		}
	}()
	return l.handler.Run(ctx, it)
}

func (l *Lifecycle) beginHistory(ctx context.Context, f trigger.Fire, item int, param string, isFailover bool, start time.Time) *history.Record {
	if l.history == nil {
		return nil
	}
	rec := &history.Record{
		Job:       l.job,
		Executor:  l.executor,
		Item:      item,
		Parameter: param,
		Status:    string(execution.Running),
		Failover:  isFailover,
		FireKind:  fireKind(f, isFailover),
		FireTime:  f.Time,
		StartedAt: start,
	}
	if err := l.history.Begin(ctx, rec); err != nil {
		l.logger.Debugw("Failed to record history", logger.FieldItem, item, logger.FieldError, err)
		return nil
	}
	return rec
}

func (l *Lifecycle) finishHistory(ctx context.Context, rec *history.Record, status execution.Status, output string, runErr error) {
	if rec == nil {
		return
	}
	rec.Status = string(status)
	rec.CompletedAt = util.Ptr(l.now())
	if output != "" {
		rec.Output = util.Ptr(output)
	}
	if runErr != nil {
		rec.ErrorMessage = util.Ptr(runErr.Error())
	}
	if err := l.history.Finish(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Debugw("Failed to finish history record", logger.FieldItem, rec.Item, logger.FieldError, err)
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return l.state.Current()
}

// IsIdle reports whether the job can take failover work.
func (l *Lifecycle) IsIdle() bool {
	return l.state.Current() == Idle
}

// LastFire returns the result of the most recent fire, nil before the first.
func (l *Lifecycle) LastFire() *FireResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// RequestStop lets the current fire finish and blocks further fires.
func (l *Lifecycle) RequestStop() error {
	return l.move(StopRequested)
}

// ForceStop cancels the items in flight and blocks further fires.
func (l *Lifecycle) ForceStop() error {
	if err := l.move(ForceStopped); err != nil {
		return err
	}
	l.CancelItems()
	return nil
}

// Abort marks the job as shutting down. Completion of the fire in flight is
// not registered.
func (l *Lifecycle) Abort() error {
	return l.move(Aborting)
}

// Resume returns a stopped job to Idle.
func (l *Lifecycle) Resume() error {
	cur := l.state.Current()
	if cur != StopRequested && cur != ForceStopped {
		if cur == Aborting {
			return errors.Wrapf(ErrInvalidTransition, "%s -> %s", cur, Idle)
		}
		return nil
	}
	if err := l.state.TransitionFrom(cur, Idle); err != nil {
		return err
	}
	l.publishState(Idle)
	return nil
}

// CancelItems cancels the context of the items in flight, if any.
func (l *Lifecycle) CancelItems() {
	l.mu.Lock()
	cancel := l.cancelItems
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Lifecycle) move(to State) error {
	if err := l.state.Transition(to); err != nil {
		return err
	}
	l.publishState(to)
	return nil
}

func (l *Lifecycle) publishState(s State) {
	l.publish(Event{Type: EventStateChanged, State: s.String()})
}

func (l *Lifecycle) publish(ev Event) {
	ev.Job = l.job
	ev.Executor = l.executor
	if ev.Time.IsZero() {
		ev.Time = l.now()
	}
	l.events.Publish(ev)
}

func union(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, v := range append(a, b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func subtract(items, remove []int) []int {
	if len(remove) == 0 {
		return items
	}
	drop := make(map[int]bool, len(remove))
	for _, v := range remove {
		drop[v] = true
	}
	var out []int
	for _, v := range items {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}

func fireKind(f trigger.Fire, isFailover bool) string {
	switch {
	case isFailover:
		return analyse.FireFailover
	case len(f.Payload) > 0:
		return analyse.FireMessage
	case f.Manual:
		return analyse.FireManual
	case f.Rerun:
		return analyse.FireRerun
	default:
		return analyse.FireScheduled
	}
}
