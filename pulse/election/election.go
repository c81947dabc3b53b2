// Package election elects one leader per job among the executors running it.
//
// Every contender creates an ephemeral sequential node below
// leader/election/latch. The owner of the lowest node is the leader and
// publishes its name in the ephemeral leader/election/host node. Everyone else
// watches the node just below their own, so a departing leader wakes exactly
// one successor.
package election

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
)

const (
	latchPrefix = "n_"
	pollLeader  = 100 * time.Millisecond
)

// LatchPath returns jobs/{job}/leader/election/latch
func LatchPath(job string) string {
	return coord.LeaderPath(job, "election", "latch")
}

// HostPath returns jobs/{job}/leader/election/host
func HostPath(job string) string {
	return coord.LeaderPath(job, "election", "host")
}

// Service takes part in the election of one job.
type Service struct {
	reg      coord.Registry
	job      string
	executor string
	logger   *zap.SugaredLogger
	limiter  *rate.Limiter

	mu     sync.Mutex
	node   string
	leader bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an election participant. Nothing happens until Start.
func New(reg coord.Registry, job, executor string, log *zap.SugaredLogger) *Service {
	return &Service{
		reg:      reg,
		job:      job,
		executor: executor,
		logger:   log.With(logger.FieldComponent, "pulse.election"),
		// Bounds how fast a flapping registry can make us re-contend
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		kick:    make(chan struct{}, 1),
	}
}

// Start joins the election in the background.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Elect asks the loop to re-check its position right away.
func (s *Service) Elect() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop leaves the election. A leader gives up the host node first so a
// successor can take over without waiting for session expiry.
func (s *Service) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	node, wasLeader := s.node, s.leader
	s.node, s.leader = "", false
	s.mu.Unlock()

	if wasLeader {
		if err := s.releaseHost(ctx); err != nil {
			s.logger.Warnw("Failed to release leadership", logger.FieldError, err)
		}
	}
	if node != "" {
		if err := s.reg.Delete(ctx, node); err != nil {
			s.logger.Warnw("Failed to leave election", logger.FieldPath, node, logger.FieldError, err)
		}
	}
}

func (s *Service) releaseHost(ctx context.Context) error {
	_, stat, err := s.reg.Get(ctx, HostPath(s.job))
	if coord.IsNoNode(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if stat.Owner != s.reg.Session() {
		return nil
	}
	return s.reg.Delete(ctx, HostPath(s.job))
}

// IsLeader reports whether this executor currently holds the host node.
func (s *Service) IsLeader(ctx context.Context) (bool, error) {
	host, ok, err := s.Leader(ctx)
	if err != nil {
		return false, err
	}
	return ok && host == s.executor, nil
}

// Leader returns the current leader's name.
func (s *Service) Leader(ctx context.Context) (string, bool, error) {
	return coord.GetString(ctx, s.reg, HostPath(s.job))
}

// WaitForLeader blocks until some executor holds leadership.
func (s *Service) WaitForLeader(ctx context.Context) (string, error) {
	t := time.NewTicker(pollLeader)
	defer t.Stop()
	for {
		host, ok, err := s.Leader(ctx)
		if err != nil {
			return "", err
		}
		if ok && host != "" {
			return host, nil
		}
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(errors.Mark(ctx.Err(), errors.ErrTimeout), "no leader for job %s", s.job)
		case <-t.C:
		}
	}
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		wait, err := s.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("Election step failed", logger.FieldError, err)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-wait:
		}
	}
}

// step makes sure we hold a latch node, then either takes leadership or
// returns the watch on our predecessor.
func (s *Service) step(ctx context.Context) (<-chan coord.Event, error) {
	node, err := s.ensureLatch(ctx)
	if err != nil {
		return nil, err
	}

	children, err := coord.SortedChildren(ctx, s.reg, LatchPath(s.job))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list election latch")
	}
	own := path.Base(node)
	idx := -1
	for i, c := range children {
		if c == own {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Our node vanished between create and list, e.g. session expiry
		s.forget()
		return closedEvent(), nil
	}

	if idx == 0 {
		if err := s.takeLeadership(ctx); err != nil {
			return nil, err
		}
		exists, ch, err := s.reg.WatchExists(ctx, node)
		if err != nil {
			return nil, err
		}
		if !exists {
			s.forget()
			return closedEvent(), nil
		}
		return ch, nil
	}

	s.setLeader(false)
	predecessor := path.Join(LatchPath(s.job), children[idx-1])
	exists, ch, err := s.reg.WatchExists(ctx, predecessor)
	if err != nil {
		return nil, err
	}
	if !exists {
		return closedEvent(), nil
	}
	s.logger.Debugw("Waiting for predecessor", "predecessor", children[idx-1])
	return ch, nil
}

func (s *Service) ensureLatch(ctx context.Context) (string, error) {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()

	if node != "" {
		ok, stat, err := s.reg.Exists(ctx, node)
		if err != nil {
			return "", err
		}
		if ok && stat.Owner == s.reg.Session() {
			return node, nil
		}
		s.forget()
	}

	created, err := s.reg.Create(ctx, path.Join(LatchPath(s.job), latchPrefix), []byte(s.executor), coord.EphemeralSequential)
	if err != nil {
		return "", errors.Wrap(err, "failed to join election")
	}
	s.mu.Lock()
	s.node = created
	s.mu.Unlock()
	return created, nil
}

func (s *Service) takeLeadership(ctx context.Context) error {
	if err := coord.PutEphemeral(ctx, s.reg, HostPath(s.job), []byte(s.executor)); err != nil {
		return errors.Wrap(err, "failed to publish leader")
	}
	if s.setLeader(true) {
		s.logger.Infow("Became leader")
	}
	return nil
}

// setLeader records leadership and reports whether it changed to true.
func (s *Service) setLeader(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := v && !s.leader
	if !v && s.leader {
		s.logger.Infow("Lost leadership")
	}
	s.leader = v
	return changed
}

func (s *Service) forget() {
	s.mu.Lock()
	s.node = ""
	s.mu.Unlock()
	s.setLeader(false)
}

func closedEvent() <-chan coord.Event {
	ch := make(chan coord.Event, 1)
	ch <- coord.Event{Type: coord.EventDeleted}
	close(ch)
	return ch
}
