package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/analyse"
	"github.com/teranos/tessera/pulse/downstream"
	"github.com/teranos/tessera/pulse/election"
	"github.com/teranos/tessera/pulse/execution"
	"github.com/teranos/tessera/pulse/failover"
	"github.com/teranos/tessera/pulse/jobconf"
	"github.com/teranos/tessera/pulse/sharding"
	"github.com/teranos/tessera/pulse/trigger"
)

// Defaults for Config fields left zero
const (
	DefaultShutdownGrace    = 500 * time.Millisecond
	DefaultFailoverInterval = 5 * time.Second
	watchRetry              = time.Second
)

// Config tunes a scheduler.
type Config struct {
	Executor           string
	ItemWorkers        int
	ShutdownGrace      time.Duration
	FailoverInterval   time.Duration
	StatsFlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ItemWorkers <= 0 {
		c.ItemWorkers = DefaultItemWorkers
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.FailoverInterval <= 0 {
		c.FailoverInterval = DefaultFailoverInterval
	}
	if c.StatsFlushInterval <= 0 {
		c.StatsFlushInterval = analyse.DefaultFlushInterval
	}
	return c
}

// Deps are the executor wide collaborators shared by every job.
type Deps struct {
	Registry   coord.Registry
	Handlers   *Registry
	Metrics    *analyse.Metrics
	Downstream *downstream.Notifier
	History    HistorySink
	Events     EventSink
	// OnShutdown is called last when the scheduler shuts down
	OnShutdown func(job string)
}

// Scheduler owns everything one job needs on this executor.
type Scheduler struct {
	job    string
	cfg    Config
	deps   Deps
	base   *zap.SugaredLogger
	logger *zap.SugaredLogger

	conf      *jobconf.Cache
	election  *election.Service
	sharding  *sharding.Service
	execution *execution.Service
	failover  *failover.Service
	analyse   *analyse.Service
	lifecycle *Lifecycle
	worker    *trigger.Worker

	mu        sync.Mutex
	started   bool
	shutdown  bool
	listeners context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler for job. Nothing runs until Start.
func NewScheduler(job string, cfg Config, deps Deps, log *zap.SugaredLogger) *Scheduler {
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	cfg = cfg.withDefaults()
	base := logger.JobLogger(log, job, cfg.Executor)
	return &Scheduler{
		job:    job,
		cfg:    cfg,
		deps:   deps,
		base:   base,
		logger: base.With(logger.FieldComponent, "pulse.job"),
	}
}

// Job returns the job name.
func (s *Scheduler) Job() string {
	return s.job
}

// Start loads the configuration and brings the job up in order: config,
// election, server status, sharding, execution, failover, statistics,
// listeners, trigger loop, election kick-off.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.NewConflictError("job %s already started", s.job)
	}

	reg := s.deps.Registry
	executor := s.cfg.Executor
	log := s.base

	s.conf = jobconf.NewCache(reg, s.job, log)
	if err := s.conf.Load(ctx); err != nil {
		return errors.Wrapf(err, "failed to load configuration of job %s", s.job)
	}
	def := s.conf.Current()
	handler, err := s.deps.Handlers.Build(def)
	if err != nil {
		return err
	}

	s.election = election.New(reg, s.job, executor, log)
	s.election.Start(ctx)

	// Stale one-time requests from a previous run are dropped
	for _, node := range []string{coord.NodeRunOneTime, coord.NodeStopOneTime} {
		if err := reg.Delete(ctx, coord.ServerPath(s.job, executor, node)); err != nil {
			s.election.Stop(ctx)
			return errors.Wrapf(err, "failed to clear %s", node)
		}
	}

	s.sharding = sharding.NewService(reg, s.job, executor, s.conf, s.election, log)
	if err := s.sharding.Join(ctx); err != nil {
		s.election.Stop(ctx)
		return err
	}
	s.execution = execution.New(reg, s.job, executor, log)
	s.failover = failover.New(reg, s.job, executor, s.conf, s.sharding, log)
	s.sharding.OnOrphaned(s.failover.FlagOrphans)

	s.analyse = analyse.New(reg, s.job, executor, s.deps.Metrics, log)
	if err := s.analyse.Reset(ctx); err != nil {
		s.logger.Warnw("Failed to reset statistics", logger.FieldError, err)
	}

	s.lifecycle = &Lifecycle{
		job:         s.job,
		executor:    executor,
		conf:        s.conf,
		sharding:    s.sharding,
		execution:   s.execution,
		failover:    s.failover,
		analyse:     s.analyse,
		downstream:  s.deps.Downstream,
		history:     s.deps.History,
		events:      s.deps.Events,
		handler:     handler,
		itemWorkers: s.cfg.ItemWorkers,
		logger:      s.logger,
		now:         time.Now,
	}
	s.worker = trigger.NewWorker(s.job, s.conf.Current, s.lifecycle.Execute, log)

	s.sharding.Start(ctx)
	s.conf.Start(ctx)
	s.analyse.Start(ctx, s.cfg.StatsFlushInterval)

	lctx, cancel := context.WithCancel(ctx)
	s.listeners = cancel
	s.startListeners(lctx, def)

	s.worker.Start(ctx)
	s.failover.Start(ctx, s.cfg.FailoverInterval, s.lifecycle.IsIdle, func(items []int) {
		s.worker.Trigger(trigger.Fire{FailoverItems: items})
	})
	s.election.Elect()

	s.started = true
	s.logger.Infow("Job started",
		"type", def.Type,
		"cron", def.Cron,
		logger.FieldTotalCount, def.ShardingTotalCount,
		logger.FieldHandler, def.Handler)
	return nil
}

func (s *Scheduler) startListeners(ctx context.Context, initial *jobconf.Definition) {
	// Config updates are applied by message passing from the cache goroutine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		prev := initial
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-s.conf.Updates():
				s.applyConfig(ctx, prev, next)
				prev = next
			}
		}
	}()

	s.watchOneTime(ctx, coord.NodeRunOneTime, func(data string) {
		s.logger.Infow("Run-once requested by console")
		s.worker.Trigger(trigger.Fire{TriggerID: data})
	})
	s.watchOneTime(ctx, coord.NodeStopOneTime, func(string) {
		s.logger.Infow("Stop-once requested by console")
		s.lifecycle.CancelItems()
	})
}

func (s *Scheduler) applyConfig(ctx context.Context, prev, next *jobconf.Definition) {
	change := jobconf.Diff(prev, next)
	if change.Trigger {
		s.logger.Infow("Schedule changed", "cron", next.Cron, "time_zone", next.TimeZone)
		s.worker.Reschedule()
	}
	if change.Sharding {
		s.logger.Infow("Sharding settings changed")
		if err := s.sharding.MarkNeeded(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("Failed to flag resharding", logger.FieldError, err)
		}
	}
}

// watchOneTime reacts to a console request node below servers/{executor}.
// The node is consumed so each request acts once.
func (s *Scheduler) watchOneTime(ctx context.Context, node string, act func(data string)) {
	p := coord.ServerPath(s.job, s.cfg.Executor, node)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		consume := func() {
			data, ok, err := coord.GetString(ctx, s.deps.Registry, p)
			if err != nil || !ok {
				return
			}
			if err := s.deps.Registry.Delete(ctx, p); err != nil {
				s.logger.Warnw("Failed to consume request", logger.FieldPath, p, logger.FieldError, err)
				return
			}
			act(data)
		}
		coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
			exists, ch, err := s.deps.Registry.WatchExists(ctx, p)
			if err == nil && exists {
				consume()
			}
			return ch, err
		}, func(ev coord.Event) {
			if ev.Type == coord.EventCreated || ev.Type == coord.EventDataChanged {
				consume()
			}
		}, watchRetry)
	}()
}

// Trigger fires the job once now, outside its schedule.
func (s *Scheduler) Trigger(triggerID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if triggerID == "" {
		triggerID = uuid.NewString()
	}
	if !s.worker.Trigger(trigger.Fire{TriggerID: triggerID}) {
		return "", errors.NewConflictError("job %s is not accepting fires", s.job)
	}
	return triggerID, nil
}

// Deliver fires a msg job with payload.
func (s *Scheduler) Deliver(payload []byte) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if def := s.conf.Current(); def.Type != jobconf.TypeMsg {
		return "", errors.NewInvalidRequestError("job %s is a %s job, messages need a msg job", s.job, def.Type)
	}
	if len(payload) == 0 {
		return "", errors.NewInvalidRequestError("empty message for job %s", s.job)
	}
	id := uuid.NewString()
	if !s.worker.Trigger(trigger.Fire{TriggerID: id, Payload: payload}) {
		return "", errors.WithHint(
			errors.NewConflictError("job %s has %d messages waiting", s.job, trigger.MaxPending),
			"resume the job or wait for queued messages to run")
	}
	return id, nil
}

// Stop pauses the job; a fire in flight runs to completion.
func (s *Scheduler) Stop() error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.lifecycle.RequestStop(); err != nil {
		return err
	}
	s.worker.Pause()
	return nil
}

// ForceStop pauses the job and cancels the items in flight.
func (s *Scheduler) ForceStop() error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.lifecycle.ForceStop(); err != nil {
		return err
	}
	s.worker.Pause()
	return nil
}

// Resume undoes Stop and ForceStop.
func (s *Scheduler) Resume() error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.lifecycle.Resume(); err != nil {
		return err
	}
	s.worker.Resume()
	return nil
}

func (s *Scheduler) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.shutdown {
		return errors.NewConflictError("job %s is not running", s.job)
	}
	return nil
}

// Rejoin puts this executor back into the job after its registry session
// was replaced: the ephemeral status node is written again and the leader is
// asked to reshard. Election takes care of itself.
func (s *Scheduler) Rejoin(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.sharding.Join(ctx); err != nil {
		return err
	}
	s.election.Elect()
	s.logger.Infow("Rejoined job after session change")
	return nil
}

// Status describes the job on this executor.
type Status struct {
	Job        string             `json:"job"`
	Executor   string             `json:"executor"`
	Type       jobconf.Type       `json:"type"`
	Cron       string             `json:"cron,omitempty"`
	Handler    string             `json:"handler"`
	Enabled    bool               `json:"enabled"`
	State      string             `json:"state"`
	Leader     bool               `json:"leader"`
	Items      []int              `json:"items"`
	Trigger    trigger.Stats      `json:"trigger"`
	Statistics analyse.Stats      `json:"statistics"`
	LastFire   *FireResult        `json:"last_fire,omitempty"`
	Executions []execution.Record `json:"executions,omitempty"`
}

// Status collects the job's status. Registry read failures leave the
// affected fields empty.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	if err := s.ready(); err != nil {
		return Status{}, err
	}
	def := s.conf.Current()
	st := Status{
		Job:      s.job,
		Executor: s.cfg.Executor,
		Type:     def.Type,
		Cron:     def.Cron,
		Handler:  def.Handler,
		Enabled:  def.Enabled,
		State:    s.lifecycle.State().String(),
		Trigger:  s.worker.GetStats(),
		LastFire: s.lifecycle.LastFire(),
	}
	st.Leader, _ = s.election.IsLeader(ctx)
	st.Items, _ = s.sharding.LocalItems(ctx)
	st.Statistics, _ = s.analyse.Stats(ctx)
	st.Executions, _ = s.execution.Snapshot(ctx)
	return st, nil
}

// Definition returns the current configuration snapshot.
func (s *Scheduler) Definition() *jobconf.Definition {
	if s.conf == nil {
		return nil
	}
	return s.conf.Current()
}

// Shutdown takes the job down: listeners, trigger loop and in-flight items,
// services, optionally this executor's server node, then OnShutdown.
func (s *Scheduler) Shutdown(ctx context.Context, removeJob bool) {
	s.mu.Lock()
	if !s.started || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Infow("Shutting down job", "remove", removeJob)

	s.listeners()
	s.conf.Stop()
	s.wg.Wait()

	s.worker.Halt()
	if err := s.lifecycle.Abort(); err != nil {
		s.logger.Debugw("Abort refused", logger.FieldError, err)
	}
	select {
	case <-s.worker.Done():
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warnw("Items still running after grace period, cancelling")
		s.lifecycle.CancelItems()
		select {
		case <-s.worker.Done():
		case <-ctx.Done():
			s.logger.Warnw("Gave up waiting for the trigger loop", logger.FieldError, ctx.Err())
		}
	}

	s.failover.Stop()
	s.sharding.Stop()
	s.analyse.Stop(ctx)
	if err := s.sharding.Leave(ctx); err != nil {
		s.logger.Debugw("Leave failed", logger.FieldError, err)
	}
	s.election.Stop(ctx)

	if removeJob {
		if err := s.deps.Registry.Delete(ctx, coord.ServerPath(s.job, s.cfg.Executor)); err != nil {
			s.logger.Warnw("Failed to remove server node", logger.FieldError, err)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.Forget(s.job)
		}
	}
	if s.deps.OnShutdown != nil {
		s.deps.OnShutdown(s.job)
	}
	s.logger.Infow("Job shut down")
}
