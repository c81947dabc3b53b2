// Package execution records per-item execution state in the registry.
//
// A running item is marked by an ephemeral node created by the executing
// session. Completion is only written while that marker still belongs to the
// same session; anything else means the item was taken over or the session
// was lost, and the result cannot be trusted.
package execution

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
)

// Status of one shard item.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Timeout   Status = "timeout"
)

// IsTerminal reports whether the status ends an execution.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Timeout
}

func (s Status) node() string {
	switch s {
	case Completed:
		return coord.NodeCompleted
	case Failed:
		return coord.NodeFailed
	case Timeout:
		return coord.NodeTimeout
	}
	return ""
}

var terminalNodes = []string{coord.NodeCompleted, coord.NodeFailed, coord.NodeTimeout}

// Service tracks executions of one job on behalf of one executor.
type Service struct {
	reg      coord.Registry
	job      string
	executor string
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// New creates the execution tracker.
func New(reg coord.Registry, job, executor string, log *zap.SugaredLogger) *Service {
	return &Service{
		reg:      reg,
		job:      job,
		executor: executor,
		logger:   log.With(logger.FieldComponent, "pulse.execution"),
		now:      time.Now,
	}
}

// RegisterBegin marks items running under the current session and records
// the begin time. A zero nextFire leaves nextFireTime untouched.
func (s *Service) RegisterBegin(ctx context.Context, items []int, nextFire time.Time) error {
	begin := coord.FormatTime(s.now())
	for _, item := range items {
		for _, n := range terminalNodes {
			if err := s.reg.Delete(ctx, coord.ExecutionPath(s.job, item, n)); err != nil {
				return errors.Wrapf(err, "failed to reset item %d", item)
			}
		}
		if err := coord.PutEphemeral(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeRunning), []byte(s.executor)); err != nil {
			return errors.Wrapf(err, "failed to create running marker for item %d", item)
		}
		if err := coord.PutString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeLastBeginTime), begin); err != nil {
			return errors.Wrapf(err, "failed to record begin time of item %d", item)
		}
		if !nextFire.IsZero() {
			if err := coord.PutString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeNextFireTime), coord.FormatTime(nextFire)); err != nil {
				return errors.Wrapf(err, "failed to record next fire time of item %d", item)
			}
		}
	}
	return nil
}

// StillOwned reports whether the running marker of item exists and was
// created by the current session.
func (s *Service) StillOwned(ctx context.Context, item int) (bool, error) {
	ok, stat, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeRunning))
	if err != nil || !ok {
		return false, err
	}
	return stat.Owner == s.reg.Session(), nil
}

// RegisterComplete records the outcome of item. It returns false without
// writing anything when the running marker no longer belongs to this session.
func (s *Service) RegisterComplete(ctx context.Context, item int, status Status) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.NewInvalidRequestError("%s is not a final status", status)
	}
	owned, err := s.StillOwned(ctx, item)
	if err != nil {
		return false, err
	}
	if !owned {
		s.logger.Warnw("Skipping completion, running marker lost or taken over",
			logger.FieldItem, item,
			logger.FieldSession, s.reg.Session(),
			logger.FieldStatus, status)
		return false, nil
	}

	if err := coord.PutString(ctx, s.reg, coord.ExecutionPath(s.job, item, status.node()), s.executor); err != nil {
		return false, errors.Wrapf(err, "failed to record %s for item %d", status, item)
	}
	if err := coord.PutString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeLastCompleteTime), coord.FormatTime(s.now())); err != nil {
		return false, errors.Wrapf(err, "failed to record complete time of item %d", item)
	}
	if err := s.reg.Delete(ctx, coord.ExecutionPath(s.job, item, coord.NodeRunning)); err != nil {
		return false, errors.Wrapf(err, "failed to clear running marker of item %d", item)
	}
	return true, nil
}

// StatusOf reads the recorded state of item.
func (s *Service) StatusOf(ctx context.Context, item int) (Status, error) {
	for _, st := range []Status{Completed, Failed, Timeout} {
		ok, _, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, st.node()))
		if err != nil {
			return "", err
		}
		if ok {
			return st, nil
		}
	}
	ok, _, err := s.reg.Exists(ctx, coord.ExecutionPath(s.job, item, coord.NodeRunning))
	if err != nil {
		return "", err
	}
	if ok {
		return Running, nil
	}
	return Pending, nil
}

// Record is a snapshot of one item's execution nodes.
type Record struct {
	Item             int       `json:"item"`
	Status           Status    `json:"status"`
	Owner            string    `json:"owner,omitempty"`
	FailoverOwner    string    `json:"failover_owner,omitempty"`
	LastBeginTime    time.Time `json:"last_begin_time,omitempty"`
	LastCompleteTime time.Time `json:"last_complete_time,omitempty"`
	NextFireTime     time.Time `json:"next_fire_time,omitempty"`
}

// Snapshot reads the records of every item that has execution nodes.
func (s *Service) Snapshot(ctx context.Context) ([]Record, error) {
	children, err := coord.SortedChildren(ctx, s.reg, coord.ExecutionRoot(s.job))
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(children))
	for _, c := range children {
		item, err := strconv.Atoi(c)
		if err != nil {
			continue
		}
		rec := Record{Item: item}
		if rec.Status, err = s.StatusOf(ctx, item); err != nil {
			return nil, err
		}
		if rec.Owner, _, err = coord.GetString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeRunning)); err != nil {
			return nil, err
		}
		if rec.FailoverOwner, _, err = coord.GetString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeFailover)); err != nil {
			return nil, err
		}
		rec.LastBeginTime = s.readTime(ctx, item, coord.NodeLastBeginTime)
		rec.LastCompleteTime = s.readTime(ctx, item, coord.NodeLastCompleteTime)
		rec.NextFireTime = s.readTime(ctx, item, coord.NodeNextFireTime)
		records = append(records, rec)
	}
	return records, nil
}

func (s *Service) readTime(ctx context.Context, item int, name string) time.Time {
	v, ok, err := coord.GetString(ctx, s.reg, coord.ExecutionPath(s.job, item, name))
	if err != nil || !ok {
		return time.Time{}
	}
	t, err := coord.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateNextFireTime records the next fire time on every item this executor runs.
func (s *Service) UpdateNextFireTime(ctx context.Context, items []int, next time.Time) error {
	if next.IsZero() {
		return nil
	}
	for _, item := range items {
		if err := coord.PutString(ctx, s.reg, coord.ExecutionPath(s.job, item, coord.NodeNextFireTime), coord.FormatTime(next)); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes execution nodes of items at or beyond total, left over after
// the shard count shrank.
func (s *Service) Prune(ctx context.Context, total int) error {
	children, err := coord.SortedChildren(ctx, s.reg, coord.ExecutionRoot(s.job))
	if err != nil {
		return err
	}
	for _, c := range children {
		item, err := strconv.Atoi(c)
		if err != nil || item < total {
			continue
		}
		if err := s.reg.Delete(ctx, coord.ExecutionPath(s.job, item)); err != nil {
			return err
		}
	}
	return nil
}
