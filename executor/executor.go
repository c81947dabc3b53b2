package executor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/coord/memory"
	"github.com/teranos/tessera/coord/zookeeper"
	"github.com/teranos/tessera/db"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/httpclient"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/analyse"
	"github.com/teranos/tessera/pulse/downstream"
	"github.com/teranos/tessera/pulse/history"
	"github.com/teranos/tessera/pulse/job"
	"github.com/teranos/tessera/pulse/jobconf"
)

const (
	DefaultResyncInterval = 5 * time.Second
	historyPruneInterval  = time.Hour
	watchRetry            = time.Second
)

// Options overrides collaborators New would otherwise build from the config.
type Options struct {
	Registry       coord.Registry        // Skips connecting to the configured backend
	Handlers       *job.Registry         // Default: the builtin handlers
	Events         job.EventSink         // Receives lifecycle events of every job
	Prometheus     prometheus.Registerer // Default: prometheus.DefaultRegisterer
	HTTPClient     *httpclient.Client    // Default: built from console timeouts
	ResyncInterval time.Duration         // Periodic job list reconciliation, default 5s
	WatchConfig    bool                  // Hot reload console URIs from the config file
}

// Executor is the composition root: it registers this process, starts a
// scheduler for every job with a known handler and stops schedulers of jobs
// that disappear.
type Executor struct {
	cfg        *am.Config
	opts       Options
	reg        coord.Registry
	ownsReg    bool
	service    *Service
	jobs       *JobRegistry
	handlers   *job.Registry
	metrics    *analyse.Metrics
	downstream *downstream.Notifier
	db         *sql.DB
	history    *history.Store
	base       *zap.SugaredLogger
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *am.ConfigWatcher

	// Schedulers run under jobsCtx, which outlives the watch loops so that
	// Stop can drain items before anything is cancelled
	jobsCtx    context.Context
	cancelJobs context.CancelFunc

	// session is the registry session the ip node was last written with.
	// Only the watch loop touches it after Start.
	session string
}

// New wires an executor from configuration. Nothing is registered until
// Start.
func New(cfg *am.Config, opts Options, log *zap.SugaredLogger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	if opts.Prometheus == nil {
		opts.Prometheus = prometheus.DefaultRegisterer
	}
	if opts.HTTPClient == nil {
		connect, read := cfg.ConsoleTimeouts()
		opts.HTTPClient = httpclient.New(httpclient.Options{ConnectTimeout: connect, ReadTimeout: read})
	}
	if opts.Handlers == nil {
		opts.Handlers = job.NewRegistry()
		job.RegisterBuiltins(opts.Handlers, opts.HTTPClient)
	}

	log = log.With(logger.FieldNamespace, cfg.Executor.Namespace)
	e := &Executor{
		cfg:      cfg,
		opts:     opts,
		jobs:     NewJobRegistry(),
		handlers: opts.Handlers,
		metrics:  analyse.NewMetrics(opts.Prometheus),
		base:     log,
		logger:   log.With(logger.FieldComponent, "executor", logger.FieldExecutor, cfg.Executor.Name),
	}
	e.downstream = downstream.NewNotifier(cfg.Executor.Namespace, cfg.Executor.Name, cfg.Console.URIs, opts.HTTPClient, log)

	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = Connect(cfg, log); err != nil {
			return nil, err
		}
		e.ownsReg = true
	}
	e.reg = reg

	address := cfg.Executor.Address
	if address == "" {
		var err error
		if address, err = DiscoverAddress(); err != nil {
			e.closeRegistry()
			return nil, err
		}
	}
	e.service = NewService(reg, ServiceConfig{
		Name:         cfg.Executor.Name,
		Address:      address,
		Task:         cfg.Executor.Task,
		MaxClockSkew: cfg.ClockSkew(),
	}, log)

	if cfg.History.Enabled {
		conn, err := db.OpenWithMigrations(cfg.History.Path, log)
		if err != nil {
			e.closeRegistry()
			return nil, errors.Wrap(err, "failed to open execution history")
		}
		e.db = conn
		e.history = history.NewStore(conn, cfg.Executor.Namespace)
	}
	return e, nil
}

// Connect opens the configured coordination backend.
func Connect(cfg *am.Config, log *zap.SugaredLogger) (coord.Registry, error) {
	switch cfg.Coordination.Backend {
	case am.BackendMemory:
		return memory.NewServer().Connect(cfg.Executor.Namespace), nil
	case am.BackendZookeeper:
		return zookeeper.Connect(zookeeper.Config{
			Servers:           cfg.Coordination.Servers,
			Namespace:         cfg.Executor.Namespace,
			SessionTimeout:    cfg.SessionTimeout(),
			ConnectionTimeout: cfg.ConnectionTimeout(),
		}, log.Named("zk"))
	default:
		return nil, errors.NewInvalidRequestError("unknown coordination backend %q", cfg.Coordination.Backend)
	}
}

// Name returns the executor name.
func (e *Executor) Name() string { return e.cfg.Executor.Name }

// Namespace returns the registry namespace.
func (e *Executor) Namespace() string { return e.cfg.Executor.Namespace }

// Identity returns what this executor registers about itself.
func (e *Executor) Identity() Identity { return e.service.Identity() }

// Registry returns the coordination registry.
func (e *Executor) Registry() coord.Registry { return e.reg }

// Jobs returns the running schedulers.
func (e *Executor) Jobs() *JobRegistry { return e.jobs }

// Handlers returns the handler registry.
func (e *Executor) Handlers() *job.Registry { return e.handlers }

// History returns the execution history, nil when disabled.
func (e *Executor) History() *history.Store { return e.history }

// Downstream returns the console notifier.
func (e *Executor) Downstream() *downstream.Notifier { return e.downstream }

// Start checks and registers the executor, imports the seed file and begins
// following the job list.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return errors.NewConflictError("executor %s already started", e.Name())
	}

	if err := e.service.CheckExecutor(ctx); err != nil {
		return err
	}
	session := e.reg.Session()
	if err := e.service.Register(ctx); err != nil {
		return err
	}
	e.session = session

	if seed := e.cfg.Jobs.SeedFile; seed != "" {
		res, err := ImportFile(ctx, e.reg, seed, false)
		if err != nil {
			return errors.Wrap(err, "failed to import seed jobs")
		}
		e.logger.Infow("Seed jobs imported", "imported", res.Imported, "skipped", res.Skipped)
	}
	if err := coord.EnsurePath(ctx, e.reg, coord.JobsRoot); err != nil {
		return errors.Wrap(err, "failed to create jobs root")
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.jobsCtx, e.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))
	e.started = true

	e.syncJobs(e.jobsCtx)
	e.goRun(func() { e.watchJobs(watchCtx) })
	if e.history != nil && e.cfg.History.RetentionDays > 0 {
		e.goRun(func() { e.pruneHistory(watchCtx) })
	}
	if e.opts.WatchConfig {
		e.startConfigWatcher()
	}

	e.logger.Infow("Executor started", "jobs", e.jobs.Names(), "handlers", e.handlers.Tags())
	return nil
}

func (e *Executor) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Executor) watchJobs(ctx context.Context) {
	resync := time.NewTicker(e.opts.ResyncInterval)
	defer resync.Stop()

	changed := make(chan struct{}, 1)
	e.goRun(func() {
		coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
			_, ch, err := e.reg.WatchChildren(ctx, coord.JobsRoot)
			return ch, err
		}, func(coord.Event) { notify(changed) }, watchRetry)
	})

	ipGone := make(chan struct{}, 1)
	e.goRun(func() {
		coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
			_, ch, err := e.reg.WatchExists(ctx, coord.ExecutorPath(e.Name(), coord.NodeIP))
			return ch, err
		}, func(coord.Event) { notify(ipGone) }, watchRetry)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ipGone:
			e.checkSession(e.jobsCtx)
			continue
		case <-changed:
		case <-resync.C:
			e.checkSession(e.jobsCtx)
		}
		e.syncJobs(e.jobsCtx)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// checkSession registers the executor again when the registry session it
// registered with is gone, which takes its ephemeral nodes along. Every
// running job then rejoins so the leader reshards it back in.
func (e *Executor) checkSession(ctx context.Context) {
	session := e.reg.Session()
	ok, stat, err := e.reg.Exists(ctx, coord.ExecutorPath(e.Name(), coord.NodeIP))
	if err != nil {
		e.logger.Debugw("Failed to check registration", logger.FieldError, err)
		return
	}
	if ok && stat.Owner == session && session == e.session {
		return
	}

	e.logger.Warnw("Registry session changed, registering again",
		"previous", e.session, logger.FieldSession, session)
	if err := e.service.Register(ctx); err != nil {
		e.logger.Warnw("Failed to register again", logger.FieldError, err)
		return
	}
	for _, s := range e.jobs.List() {
		if err := s.Rejoin(ctx); err != nil {
			e.logger.Warnw("Failed to rejoin job", logger.FieldJob, s.Job(), logger.FieldError, err)
			return
		}
	}
	e.session = session
}

// syncJobs starts schedulers for new jobs and shuts down those whose job
// node is gone.
func (e *Executor) syncJobs(ctx context.Context) {
	names, err := coord.SortedChildren(ctx, e.reg, coord.JobsRoot)
	if err != nil {
		e.logger.Warnw("Failed to list jobs", logger.FieldError, err)
		return
	}

	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
		if _, ok := e.jobs.Get(name); ok {
			continue
		}
		if err := e.startJob(ctx, name); err != nil {
			e.logger.Debugw("Job not started", logger.FieldJob, name, logger.FieldError, err)
		}
	}

	for _, s := range e.jobs.List() {
		if !present[s.Job()] {
			e.logger.Infow("Job removed from registry", logger.FieldJob, s.Job())
			s.Shutdown(ctx, true)
			e.dropLeftovers(ctx, s.Job())
		}
	}
}

// dropLeftovers removes nodes a shutting down scheduler wrote after its job
// was deleted, so the job does not linger in the job list.
func (e *Executor) dropLeftovers(ctx context.Context, name string) {
	exists, _, err := e.reg.Exists(ctx, coord.JobPath(name, coord.NodeConfig))
	if err != nil || exists {
		return
	}
	if err := e.reg.Delete(ctx, coord.JobPath(name)); err != nil {
		e.logger.Debugw("Failed to drop job leftovers", logger.FieldJob, name, logger.FieldError, err)
	}
}

func (e *Executor) startJob(ctx context.Context, name string) error {
	def, err := jobconf.Load(ctx, e.reg, name)
	if err != nil {
		return err
	}
	if !e.handlers.Has(def.Handler) {
		return errors.NewNotFoundError("no handler %q on this executor", def.Handler)
	}

	s := job.NewScheduler(name, job.Config{
		Executor:           e.Name(),
		ItemWorkers:        e.cfg.Executor.ItemWorkers,
		ShutdownGrace:      e.cfg.ShutdownGrace(),
		FailoverInterval:   e.cfg.FailoverScanInterval(),
		StatsFlushInterval: e.cfg.CountFlushInterval(),
	}, job.Deps{
		Registry:   e.reg,
		Handlers:   e.handlers,
		Metrics:    e.metrics,
		Downstream: e.downstream,
		History:    e.historySink(),
		Events:     e.opts.Events,
		OnShutdown: e.jobs.Remove,
	}, e.base)
	if !e.jobs.Add(s) {
		return nil
	}
	if err := s.Start(ctx); err != nil {
		e.jobs.Remove(name)
		return err
	}
	e.logger.Infow("Job started", logger.FieldJob, name, logger.FieldHandler, def.Handler)
	return nil
}

// historySink avoids handing the scheduler a typed nil.
func (e *Executor) historySink() job.HistorySink {
	if e.history == nil {
		return nil
	}
	return e.history
}

func (e *Executor) pruneHistory(ctx context.Context) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		n, err := e.history.PruneOlderThan(ctx, e.cfg.History.RetentionDays)
		if err != nil {
			e.logger.Warnw("Failed to prune execution history", logger.FieldError, err)
		} else if n > 0 {
			e.logger.Infow("Pruned execution history", logger.FieldCount, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Executor) startConfigWatcher() {
	path := am.ConfigFile()
	if path == "" {
		return
	}
	w, err := am.NewConfigWatcher(path)
	if err != nil {
		e.logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return
	}
	w.OnReload(func(c *am.Config) error {
		e.downstream.SetURIs(c.Console.URIs)
		e.logger.Infow("Console URIs reloaded", "uris", e.downstream.URIs())
		return nil
	})
	w.Start()
	e.watcher = w
}

// Stop shuts every job down, unregisters and releases the registry and the
// history database. Watch loops end first; running items then get the
// shutdown grace period with their context intact. An executor cannot be
// restarted.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	started := e.started
	e.started = false
	e.stopped = true
	e.mu.Unlock()

	var errs error
	if started {
		if e.watcher != nil {
			if err := e.watcher.Stop(); err != nil {
				e.logger.Debugw("Config watcher stop failed", logger.FieldError, err)
			}
		}
		e.cancel()
		e.wg.Wait()
		e.jobs.ShutdownAll(ctx, false)
		e.cancelJobs()

		if err := e.service.Unregister(ctx); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to close history database"))
		}
	}
	if err := e.closeRegistry(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	e.logger.Infow("Executor stopped")
	return errs
}

func (e *Executor) closeRegistry() error {
	if !e.ownsReg || e.reg == nil {
		return nil
	}
	return errors.Wrap(e.reg.Close(), "failed to close registry")
}
