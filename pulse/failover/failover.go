// Package failover hands items abandoned by a dead executor to a live one.
//
// An item is abandoned when its owner is offline, its running marker is gone,
// it has begun at least once and it never reached a final status. Abandoned
// items are flagged below leader/failover/items. An idle live executor claims
// flags one latch holder at a time and records the takeover in the ephemeral
// execution/{item}/failover node.
package failover

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/jobconf"
	"github.com/teranos/tessera/pulse/sharding"
)

const watchRetry = time.Second

// ItemsPath returns jobs/{job}/leader/failover/items
func ItemsPath(job string) string {
	return coord.LeaderPath(job, "failover", "items")
}

// LatchPath returns jobs/{job}/leader/failover/latch
func LatchPath(job string) string {
	return coord.LeaderPath(job, "failover", "latch")
}

// Membership answers who is online and who owns what.
type Membership interface {
	IsLive(ctx context.Context, executor string) (bool, error)
	Current(ctx context.Context) (sharding.Assignment, error)
}

// Service runs failover for one job on one executor.
type Service struct {
	reg      coord.Registry
	job      string
	executor string
	conf     *jobconf.Cache
	members  Membership
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	idle      func() bool
	onClaimed func(items []int)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates the failover service.
func New(reg coord.Registry, job, executor string, conf *jobconf.Cache, members Membership, log *zap.SugaredLogger) *Service {
	return &Service{
		reg:      reg,
		job:      job,
		executor: executor,
		conf:     conf,
		members:  members,
		logger:   log.With(logger.FieldComponent, "pulse.failover"),
	}
}

// Enabled reports whether failover applies to the job right now. It needs
// reporting, since abandonment is read from the execution nodes.
func (s *Service) Enabled() bool {
	d := s.conf.Current()
	return d != nil && d.Enabled && d.IsFailoverEnabled() && d.ReportEnabled
}

// Start scans every interval and reacts to new flags. idle tells whether the
// job is free to take work; onClaimed receives claimed items.
func (s *Service) Start(ctx context.Context, interval time.Duration, idle func() bool, onClaimed func(items []int)) {
	s.mu.Lock()
	s.idle, s.onClaimed = idle, onClaimed
	s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.tryFailover(ctx)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		coord.Watch(ctx, func(ctx context.Context) (<-chan coord.Event, error) {
			if err := coord.EnsurePath(ctx, s.reg, ItemsPath(s.job)); err != nil {
				return nil, err
			}
			_, ch, err := s.reg.WatchChildren(ctx, ItemsPath(s.job))
			return ch, err
		}, func(ev coord.Event) {
			if ev.Type == coord.EventChildrenChanged {
				s.tryFailover(ctx)
			}
		}, watchRetry)
	}()
}

// Stop ends scanning and watching.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) tryFailover(ctx context.Context) {
	items, err := s.FailoverIfNecessary(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warnw("Failover pass failed", logger.FieldError, err)
		}
		return
	}
	s.mu.Lock()
	cb := s.onClaimed
	s.mu.Unlock()
	if len(items) > 0 && cb != nil {
		cb(items)
	}
}

// FailoverIfNecessary flags abandoned items and, when this executor is idle,
// claims flagged ones.
func (s *Service) FailoverIfNecessary(ctx context.Context) ([]int, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if _, err := s.Scan(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle != nil && !idle() {
		return nil, nil
	}
	return s.Claim(ctx)
}

// Scan flags every abandoned item in the published assignment.
func (s *Service) Scan(ctx context.Context) ([]int, error) {
	current, err := s.members.Current(ctx)
	if err != nil {
		return nil, err
	}
	var flagged []int
	for owner, items := range current {
		live, err := s.members.IsLive(ctx, owner)
		if err != nil {
			return nil, err
		}
		if live {
			continue
		}
		for _, item := range items {
			ok, err := s.flagIfAbandoned(ctx, item)
			if err != nil {
				return nil, err
			}
			if ok {
				flagged = append(flagged, item)
			}
		}
	}
	sort.Ints(flagged)
	return flagged, nil
}

// FlagOrphans flags the abandoned items among those a dead executor owned.
// It is registered as the sharding orphan hook.
func (s *Service) FlagOrphans(ctx context.Context, executor string, items []int) {
	if !s.Enabled() {
		return
	}
	for _, item := range items {
		ok, err := s.flagIfAbandoned(ctx, item)
		if err != nil {
			s.logger.Warnw("Failed to check orphaned item", logger.FieldItem, item, logger.FieldError, err)
			continue
		}
		if ok {
			s.logger.Infow("Flagged orphaned item for failover", logger.FieldItem, item, logger.FieldOwner, executor)
		}
	}
}

// abandoned checks the execution nodes of item. The owner's liveness is the
// caller's business.
func (s *Service) abandoned(ctx context.Context, item int) (bool, error) {
	for _, n := range []string{coord.NodeRunning, coord.NodeCompleted, coord.NodeFailed, coord.NodeTimeout, coord.NodeFailover} {
		ok, _, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, n))
		if err != nil || ok {
			return false, err
		}
	}
	began, _, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeLastBeginTime))
	return began, err
}

func (s *Service) flagIfAbandoned(ctx context.Context, item int) (bool, error) {
	ok, err := s.abandoned(ctx, item)
	if err != nil || !ok {
		return false, err
	}
	_, err = s.reg.Create(ctx, path.Join(ItemsPath(s.job), strconv.Itoa(item)), nil, coord.Persistent)
	if coord.IsNodeExists(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to flag item %d", item)
	}
	return true, nil
}

// Claim takes every flagged item that is still abandoned. Only the latch
// holder claims; everyone else returns nothing.
func (s *Service) Claim(ctx context.Context) ([]int, error) {
	if live, err := s.members.IsLive(ctx, s.executor); err != nil || !live {
		return nil, err
	}
	flags, err := coord.SortedChildren(ctx, s.reg, ItemsPath(s.job))
	if err != nil || len(flags) == 0 {
		return nil, err
	}

	if _, err := s.reg.Create(ctx, LatchPath(s.job), []byte(s.executor), coord.Ephemeral); err != nil {
		if coord.IsNodeExists(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to take failover latch")
	}
	defer func() {
		if err := s.reg.Delete(context.WithoutCancel(ctx), LatchPath(s.job)); err != nil {
			s.logger.Warnw("Failed to release failover latch", logger.FieldError, err)
		}
	}()

	var claimed []int
	for _, f := range flags {
		item, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		flag := path.Join(ItemsPath(s.job), f)

		still, err := s.abandoned(ctx, item)
		if err != nil {
			return claimed, err
		}
		if still {
			_, err = s.reg.Create(ctx, coord.ExecutionPath(s.job, item, coord.NodeFailover), []byte(s.executor), coord.Ephemeral)
			switch {
			case err == nil:
				claimed = append(claimed, item)
			case coord.IsNodeExists(err):
				// claimed by someone else already
			default:
				return claimed, errors.Wrapf(err, "failed to claim item %d", item)
			}
		}
		if err := s.reg.Delete(ctx, flag); err != nil {
			return claimed, errors.Wrapf(err, "failed to clear failover flag of item %d", item)
		}
	}

	if len(claimed) > 0 {
		s.logger.Infow("Claimed failover items", logger.FieldItems, coord.FormatItems(claimed))
	}
	return claimed, nil
}

// LocalFailoverItems lists items this session has taken over.
func (s *Service) LocalFailoverItems(ctx context.Context) ([]int, error) {
	items, err := s.failoverOwners(ctx)
	if err != nil {
		return nil, err
	}
	var mine []int
	for item, owner := range items {
		if owner == s.reg.Session() {
			mine = append(mine, item)
		}
	}
	sort.Ints(mine)
	return mine, nil
}

// FailedOverToOthers returns the subset of items another executor has taken over.
func (s *Service) FailedOverToOthers(ctx context.Context, items []int) ([]int, error) {
	var out []int
	for _, item := range items {
		ok, stat, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeFailover))
		if err != nil {
			return nil, err
		}
		if ok && stat.Owner != s.reg.Session() {
			out = append(out, item)
		}
	}
	return out, nil
}

// failoverOwners maps every item with a failover node to the owning session.
func (s *Service) failoverOwners(ctx context.Context) (map[int]string, error) {
	children, err := coord.SortedChildren(ctx, s.reg, coord.ExecutionRoot(s.job))
	if err != nil {
		return nil, err
	}
	out := make(map[int]string)
	for _, c := range children {
		item, err := strconv.Atoi(c)
		if err != nil {
			continue
		}
		ok, stat, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeFailover))
		if err != nil {
			return nil, err
		}
		if ok {
			out[item] = stat.Owner
		}
	}
	return out, nil
}

// CompleteFailover drops this executor's takeover record of item.
func (s *Service) CompleteFailover(ctx context.Context, item int) error {
	ok, stat, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeFailover))
	if err != nil || !ok || stat.Owner != s.reg.Session() {
		return err
	}
	return s.reg.Delete(ctx, coord.ExecutionPath(s.job, item, coord.NodeFailover))
}
