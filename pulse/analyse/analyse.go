// Package analyse keeps per-job processing statistics. Counts are buffered
// as atomic deltas and added to the registry nodes on flush.
package analyse

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
)

// Job level node names below analyse/
const (
	NodeProcessCount = "processCount"
	NodeErrorCount   = "errorCount"
)

// DefaultFlushInterval is used when Start is given no interval.
const DefaultFlushInterval = 10 * time.Second

// maxAddAttempts bounds compare-and-set retries of one counter per flush
const maxAddAttempts = 10

// Fire kinds reported to Metrics.Fires
const (
	FireScheduled = "scheduled"
	FireManual    = "manual"
	FireFailover  = "failover"
	FireMessage   = "message"
	FireRerun     = "rerun"
)

// Stats is a snapshot of the stored counters.
type Stats struct {
	Success      int64 `json:"process_success_count"`
	Failure      int64 `json:"process_failure_count"`
	ProcessCount int64 `json:"process_count"`
	ErrorCount   int64 `json:"error_count"`
}

// Service buffers counters for one job on one executor.
type Service struct {
	reg      coord.Registry
	job      string
	executor string
	metrics  *Metrics
	logger   *zap.SugaredLogger

	success atomic.Int64
	failure atomic.Int64

	// flushMu guards unwritten, the deltas per counter node that a previous
	// flush could not store
	flushMu   sync.Mutex
	unwritten map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the stats service. metrics may be nil.
func New(reg coord.Registry, job, executor string, metrics *Metrics, log *zap.SugaredLogger) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		reg:      reg,
		job:      job,
		executor: executor,
		metrics:   metrics,
		unwritten: make(map[string]int64),
		logger:    log.With(logger.FieldComponent, "pulse.analyse"),
	}
}

// Reset zeroes this executor's counters and makes sure the job level
// counters exist.
func (s *Service) Reset(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.success.Store(0)
	s.failure.Store(0)
	clear(s.unwritten)
	for _, node := range []string{coord.NodeProcessSuccessCount, coord.NodeProcessFailureCount} {
		if err := coord.PutString(ctx, s.reg, coord.ServerPath(s.job, s.executor, node), "0"); err != nil {
			return errors.Wrapf(err, "failed to reset %s", node)
		}
	}
	for _, node := range []string{NodeProcessCount, NodeErrorCount} {
		if _, err := s.reg.Create(ctx, coord.AnalysePath(s.job, node), []byte("0"), coord.Persistent); err != nil && !coord.IsNodeExists(err) {
			return errors.Wrapf(err, "failed to create %s", node)
		}
	}
	return nil
}

// RecordSuccess counts n successful items.
func (s *Service) RecordSuccess(n int) {
	if n <= 0 {
		return
	}
	s.success.Add(int64(n))
}

// RecordFailure counts n failed items.
func (s *Service) RecordFailure(n int) {
	if n <= 0 {
		return
	}
	s.failure.Add(int64(n))
}

// ItemStarted marks an item as running.
func (s *Service) ItemStarted() {
	s.metrics.RunningItems.WithLabelValues(s.job).Inc()
}

// ItemFinished records a finished item with its final status.
func (s *Service) ItemFinished(status string, took time.Duration) {
	s.metrics.RunningItems.WithLabelValues(s.job).Dec()
	s.metrics.Items.WithLabelValues(s.job, status).Inc()
	s.metrics.ItemDuration.WithLabelValues(s.job).Observe(took.Seconds())
}

// Fired counts one fire of the given kind.
func (s *Service) Fired(kind string) {
	s.metrics.Fires.WithLabelValues(s.job, kind).Inc()
}

// Pending returns the deltas of this executor's counters not yet stored.
func (s *Service) Pending() (success, failure int64) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	success = s.success.Load() + s.unwritten[coord.ServerPath(s.job, s.executor, coord.NodeProcessSuccessCount)]
	failure = s.failure.Load() + s.unwritten[coord.ServerPath(s.job, s.executor, coord.NodeProcessFailureCount)]
	return success, failure
}

// Flush adds the buffered deltas to the registry. Each counter node is
// written on its own with compare-and-set; a node that could not be written
// keeps its delta for the next flush, nodes that were written do not.
func (s *Service) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	success := s.success.Swap(0)
	failure := s.failure.Swap(0)
	s.unwritten[coord.ServerPath(s.job, s.executor, coord.NodeProcessSuccessCount)] += success
	s.unwritten[coord.ServerPath(s.job, s.executor, coord.NodeProcessFailureCount)] += failure
	s.unwritten[coord.AnalysePath(s.job, NodeProcessCount)] += success + failure
	s.unwritten[coord.AnalysePath(s.job, NodeErrorCount)] += failure

	var flushErr error
	written := 0
	for path, delta := range s.unwritten {
		if delta == 0 {
			delete(s.unwritten, path)
			continue
		}
		if err := s.add(ctx, path, delta); err != nil {
			flushErr = errors.CombineErrors(flushErr, err)
			continue
		}
		delete(s.unwritten, path)
		written++
	}

	if flushErr != nil {
		s.metrics.Flushes.WithLabelValues(s.job, "error").Inc()
		return errors.Wrap(flushErr, "failed to flush statistics")
	}
	if written > 0 {
		s.metrics.Flushes.WithLabelValues(s.job, "ok").Inc()
		s.logger.Debugw("Flushed statistics", "success", success, "failure", failure)
	}
	return nil
}

// add increments the counter at path by delta. Job level counters are shared
// by every executor, so a concurrent writer makes us re-read and retry.
func (s *Service) add(ctx context.Context, path string, delta int64) error {
	for attempt := 0; attempt < maxAddAttempts; attempt++ {
		data, stat, err := s.reg.Get(ctx, path)
		if coord.IsNoNode(err) {
			_, err = s.reg.Create(ctx, path, []byte(strconv.FormatInt(delta, 10)), coord.Persistent)
			if coord.IsNodeExists(err) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}
		next := parseCount(string(data)) + delta
		err = s.reg.CompareAndSet(ctx, path, []byte(strconv.FormatInt(next, 10)), stat.Version)
		if coord.IsBadVersion(err) {
			continue
		}
		return err
	}
	return errors.NewConflictError("counter %s kept changing after %d attempts", path, maxAddAttempts)
}

// Stats reads the stored counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return Read(ctx, s.reg, s.job, s.executor)
}

// Read loads the stored counters of job as seen by executor.
func Read(ctx context.Context, reg coord.Registry, job, executor string) (Stats, error) {
	var st Stats
	var err error
	if st.Success, err = readCount(ctx, reg, coord.ServerPath(job, executor, coord.NodeProcessSuccessCount)); err != nil {
		return st, err
	}
	if st.Failure, err = readCount(ctx, reg, coord.ServerPath(job, executor, coord.NodeProcessFailureCount)); err != nil {
		return st, err
	}
	if st.ProcessCount, err = readCount(ctx, reg, coord.AnalysePath(job, NodeProcessCount)); err != nil {
		return st, err
	}
	if st.ErrorCount, err = readCount(ctx, reg, coord.AnalysePath(job, NodeErrorCount)); err != nil {
		return st, err
	}
	return st, nil
}

func readCount(ctx context.Context, reg coord.Registry, path string) (int64, error) {
	v, ok, err := coord.GetString(ctx, reg, path)
	if err != nil || !ok {
		return 0, err
	}
	return parseCount(v), nil
}

// parseCount reads a stored counter; empty or corrupt counters count from zero.
func parseCount(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Start flushes every interval until Stop.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Warnw("Statistics flush failed", logger.FieldError, err)
				}
			}
		}
	}()
}

// Stop ends the flush loop and writes what is still buffered.
func (s *Service) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	if err := s.Flush(ctx); err != nil {
		s.logger.Warnw("Final statistics flush failed", logger.FieldError, err)
	}
}
