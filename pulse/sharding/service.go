package sharding

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/jobconf"
)

// StatusReady is the content of a live executor's servers/{e}/status node.
const StatusReady = "READY"

const (
	pollInterval = 100 * time.Millisecond
	// followers give up waiting for the leader after this many polls
	maxFollowerPolls = 50
	watchRetry       = time.Second
)

// errBusy means another session holds the resharding marker.
var errBusy = errors.New("resharding in progress on another session")

// NecessaryPath returns jobs/{job}/leader/sharding/necessary
func NecessaryPath(job string) string {
	return coord.LeaderPath(job, "sharding", "necessary")
}

// ProcessingPath returns jobs/{job}/leader/sharding/processing
func ProcessingPath(job string) string {
	return coord.LeaderPath(job, "sharding", "processing")
}

// Leadership is the part of the election the sharding service depends on.
type Leadership interface {
	IsLeader(ctx context.Context) (bool, error)
}

// OrphanFunc receives the previous items of an executor that is no longer
// live, before the leader hands them to someone else.
type OrphanFunc func(ctx context.Context, executor string, items []int)

// Service publishes and reads one job's assignment.
type Service struct {
	reg      coord.Registry
	job      string
	executor string
	conf     *jobconf.Cache
	leader   Leadership
	logger   *zap.SugaredLogger

	// serializes leader recomputation on this executor
	shardMu  sync.Mutex
	orphaned OrphanFunc

	mu       sync.Mutex
	statuses map[string]context.CancelFunc
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService creates the sharding service of job for executor.
func NewService(reg coord.Registry, job, executor string, conf *jobconf.Cache, leader Leadership, log *zap.SugaredLogger) *Service {
	return &Service{
		reg:      reg,
		job:      job,
		executor: executor,
		conf:     conf,
		leader:   leader,
		logger:   log.With(logger.FieldComponent, "pulse.sharding"),
		statuses: make(map[string]context.CancelFunc),
	}
}

// OnOrphaned registers fn to run during a reshard for every executor that
// lost its items by going offline.
func (s *Service) OnOrphaned(fn OrphanFunc) {
	s.shardMu.Lock()
	defer s.shardMu.Unlock()
	s.orphaned = fn
}

// MarkNeeded raises the resharding flag. The value changes on every call so
// watchers always see an event.
func (s *Service) MarkNeeded(ctx context.Context) error {
	if err := coord.PutString(ctx, s.reg, NecessaryPath(s.job), coord.FormatTime(time.Now())); err != nil {
		return errors.Wrapf(err, "failed to flag resharding for job %s", s.job)
	}
	return nil
}

// IsNeeded reports whether the resharding flag is raised.
func (s *Service) IsNeeded(ctx context.Context) (bool, error) {
	ok, _, err := s.reg.Exists(ctx, NecessaryPath(s.job))
	return ok, err
}

// IsLive reports whether executor is online for this job: its status node is
// present and its executor ip node exists.
func (s *Service) IsLive(ctx context.Context, executor string) (bool, error) {
	status, ok, err := coord.GetString(ctx, s.reg, coord.ServerPath(s.job, executor, coord.NodeStatus))
	if err != nil || !ok || status != StatusReady {
		return false, err
	}
	ok, _, err = s.reg.Exists(ctx, coord.ExecutorPath(executor, coord.NodeIP))
	return ok, err
}

// LiveExecutors lists live executors of the job, sorted.
func (s *Service) LiveExecutors(ctx context.Context) ([]string, error) {
	servers, err := coord.SortedChildren(ctx, s.reg, coord.ServersPath(s.job))
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(servers))
	for _, e := range servers {
		ok, err := s.IsLive(ctx, e)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, e)
		}
	}
	return live, nil
}

// Current reads the published assignment of every known executor.
func (s *Service) Current(ctx context.Context) (Assignment, error) {
	servers, err := coord.SortedChildren(ctx, s.reg, coord.ServersPath(s.job))
	if err != nil {
		return nil, err
	}
	out := make(Assignment, len(servers))
	for _, e := range servers {
		items, err := s.ItemsOf(ctx, e)
		if err != nil {
			return nil, err
		}
		out[e] = items
	}
	return out, nil
}

// ItemsOf reads the published items of executor.
func (s *Service) ItemsOf(ctx context.Context, executor string) ([]int, error) {
	v, _, err := coord.GetString(ctx, s.reg, coord.ServerPath(s.job, executor, coord.NodeSharding))
	if err != nil {
		return nil, err
	}
	return coord.ParseItems(v)
}

// LocalItems reads this executor's published items.
func (s *Service) LocalItems(ctx context.Context) ([]int, error) {
	return s.ItemsOf(ctx, s.executor)
}

// ShardIfNecessary brings the assignment up to date. The leader recomputes
// and publishes it; followers wait briefly while that happens. Failures keep
// the last published assignment.
func (s *Service) ShardIfNecessary(ctx context.Context) error {
	needed, err := s.IsNeeded(ctx)
	if err != nil || !needed {
		return err
	}

	isLeader, err := s.leader.IsLeader(ctx)
	if err != nil {
		return err
	}
	if !isLeader {
		return s.waitForLeader(ctx)
	}
	if err := s.reshard(ctx); !errors.Is(err, errBusy) {
		return err
	}
	// A previous leader's session is still finishing
	return s.waitForLeader(ctx)
}

func (s *Service) waitForLeader(ctx context.Context) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for i := 0; i < maxFollowerPolls; i++ {
		needed, err := s.IsNeeded(ctx)
		if err != nil {
			return err
		}
		processing, _, err := s.reg.Exists(ctx, ProcessingPath(s.job))
		if err != nil {
			return err
		}
		if !needed && !processing {
			return nil
		}
		if isLeader, err := s.leader.IsLeader(ctx); err == nil && isLeader && !processing {
			if err := s.reshard(ctx); !errors.Is(err, errBusy) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.logger.Warnw("Leader did not finish resharding in time, using last assignment")
	return nil
}

func (s *Service) reshard(ctx context.Context) error {
	s.shardMu.Lock()
	defer s.shardMu.Unlock()

	// Another fire may have finished the job while we waited for the lock
	needed, err := s.IsNeeded(ctx)
	if err != nil || !needed {
		return err
	}

	if err := s.claimProcessing(ctx); err != nil {
		return err
	}
	defer s.releaseProcessing(context.WithoutCancel(ctx))

	def := s.conf.Current()
	if def == nil {
		return errors.Newf("job %s config not loaded", s.job)
	}

	previous, err := s.Current(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read previous assignment")
	}
	var live []string
	if def.Enabled {
		if live, err = s.LiveExecutors(ctx); err != nil {
			return errors.Wrap(err, "failed to list live executors")
		}
	}

	next := Compute(Input{
		Total:        def.ShardingTotalCount,
		Live:         live,
		Previous:     previous,
		Prefer:       def.PreferList,
		Avoid:        def.AvoidList,
		UseDisprefer: def.UseDispreferList,
		LocalMode:    def.LocalMode,
	})

	// Executors that are known but not live are cleared
	for e, items := range previous {
		if _, ok := next[e]; ok {
			continue
		}
		if s.orphaned != nil && len(items) > 0 && def.Enabled {
			s.orphaned(ctx, e, items)
		}
		next[e] = []int{}
	}
	for e, items := range next {
		if err := coord.PutString(ctx, s.reg, coord.ServerPath(s.job, e, coord.NodeSharding), coord.FormatItems(items)); err != nil {
			return errors.Wrapf(err, "failed to publish items of %s", e)
		}
	}

	if err := s.reg.Delete(ctx, NecessaryPath(s.job)); err != nil {
		return errors.Wrap(err, "failed to clear resharding flag")
	}
	s.logger.Infow("Resharded",
		logger.FieldTotalCount, def.ShardingTotalCount,
		"live", live,
		"assignment", next)
	return nil
}

// claimProcessing creates the ephemeral resharding marker. A marker left by
// this session counts as ours; one held by another session is errBusy.
func (s *Service) claimProcessing(ctx context.Context) error {
	p := ProcessingPath(s.job)
	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.reg.Create(ctx, p, []byte(s.executor), coord.Ephemeral)
		if err == nil {
			return nil
		}
		if !coord.IsNodeExists(err) {
			return errors.Wrap(err, "failed to mark resharding in progress")
		}
		holder, stat, err := s.reg.Get(ctx, p)
		if coord.IsNoNode(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to read resharding marker")
		}
		if stat.Owner == s.reg.Session() {
			return nil
		}
		return errors.Wrapf(errBusy, "marker held by %s", holder)
	}
	return errors.Wrap(errBusy, "marker keeps changing")
}

// releaseProcessing deletes the marker only while this session owns it.
func (s *Service) releaseProcessing(ctx context.Context) {
	p := ProcessingPath(s.job)
	_, stat, err := s.reg.Get(ctx, p)
	if coord.IsNoNode(err) {
		return
	}
	if err == nil {
		if stat.Owner != s.reg.Session() {
			s.logger.Debugw("Resharding marker belongs to another session, leaving it")
			return
		}
		err = s.reg.Delete(ctx, p)
	}
	if err != nil {
		s.logger.Warnw("Failed to clear resharding marker", logger.FieldError, err)
	}
}

// Start watches job membership and the resharding flag. Executors joining or
// leaving raise the flag; a raised flag makes the leader reshard right away.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		coord.Watch(ctx, s.armServers(ctx), func(ev coord.Event) {
			if ev.Type == coord.EventSessionClosed {
				return
			}
			s.onMembershipChange(ctx)
		}, watchRetry)
	}()
	go func() {
		defer s.wg.Done()
		coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
			_, ch, err := s.reg.WatchExists(ctx, NecessaryPath(s.job))
			return ch, err
		}, func(ev coord.Event) {
			if ev.Type != coord.EventCreated && ev.Type != coord.EventDataChanged {
				return
			}
			if isLeader, err := s.leader.IsLeader(ctx); err == nil && isLeader {
				if err := s.ShardIfNecessary(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warnw("Background resharding failed", logger.FieldError, err)
				}
			}
		}, watchRetry)
	}()
}

// armServers watches the servers children and keeps a status watch on every
// server so restarts that reuse the servers/{e} node are noticed too.
func (s *Service) armServers(ctx context.Context) coord.ArmFunc {
	return func(armCtx context.Context) (<-chan coord.Event, error) {
		if err := coord.EnsurePath(armCtx, s.reg, coord.ServersPath(s.job)); err != nil {
			return nil, err
		}
		servers, ch, err := s.reg.WatchChildren(armCtx, coord.ServersPath(s.job))
		if err != nil {
			return nil, err
		}
		s.syncStatusWatches(ctx, servers)
		return ch, nil
	}
}

func (s *Service) syncStatusWatches(ctx context.Context, servers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(servers))
	for _, e := range servers {
		want[e] = true
		if _, ok := s.statuses[e]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		s.statuses[e] = cancel
		p := coord.ServerPath(s.job, e, coord.NodeStatus)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			coord.Watch(wctx, func(ctx context.Context) (<-chan coord.Event, error) {
				_, ch, err := s.reg.WatchExists(ctx, p)
				return ch, err
			}, func(ev coord.Event) {
				if ev.Type == coord.EventCreated || ev.Type == coord.EventDeleted {
					s.onMembershipChange(wctx)
				}
			}, watchRetry)
		}()
	}
	for e, cancel := range s.statuses {
		if !want[e] {
			cancel()
			delete(s.statuses, e)
		}
	}
}

func (s *Service) onMembershipChange(ctx context.Context) {
	s.logger.Debugw("Job membership changed")
	if err := s.MarkNeeded(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warnw("Failed to flag resharding", logger.FieldError, err)
	}
}

// Stop releases all watches.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.statuses = make(map[string]context.CancelFunc)
	s.mu.Unlock()
}

// Join marks this executor READY for the job and asks for a reshard.
func (s *Service) Join(ctx context.Context) error {
	if err := coord.PutEphemeral(ctx, s.reg, coord.ServerPath(s.job, s.executor, coord.NodeStatus), []byte(StatusReady)); err != nil {
		return errors.Wrapf(err, "failed to announce %s for job %s", s.executor, s.job)
	}
	return s.MarkNeeded(ctx)
}

// Leave withdraws this executor from the job. Its published items stay until
// the next reshard clears them.
func (s *Service) Leave(ctx context.Context) error {
	if err := s.reg.Delete(ctx, coord.ServerPath(s.job, s.executor, coord.NodeStatus)); err != nil {
		return errors.Wrapf(err, "failed to withdraw %s from job %s", s.executor, s.job)
	}
	return s.MarkNeeded(ctx)
}
