// Package executor registers this process in the coordination registry and
// runs one job scheduler per configured job.
package executor

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/util"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/version"
)

const (
	systemTimeNode = "systemTime"

	DefaultMaxClockSkew = 60 * time.Second
	DefaultStaleIPWait  = 15 * time.Second
	staleIPPoll         = 100 * time.Millisecond
)

// ServiceConfig describes how this executor announces itself.
type ServiceConfig struct {
	Name    string
	Address string
	Task    string
	Version string
	Clean   bool

	MaxClockSkew time.Duration // Default: 60s
	StaleIPWait  time.Duration // Default: 15s, how long a previous session's ip node may linger
}

// Identity is what other executors and operators see of this one. Liveness
// is the ephemeral ip node, not part of the identity.
type Identity struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Version string `json:"version"`
}

// Service owns the executors/{name} subtree.
type Service struct {
	reg    coord.Registry
	cfg    ServiceConfig
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewService creates the registration service for one executor.
func NewService(reg coord.Registry, cfg ServiceConfig, log *zap.SugaredLogger) *Service {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.StaleIPWait <= 0 {
		cfg.StaleIPWait = DefaultStaleIPWait
	}
	if cfg.Version == "" {
		cfg.Version = version.Get().Version
	}
	return &Service{
		reg:    reg,
		cfg:    cfg,
		now:    time.Now,
		logger: log.With(logger.FieldComponent, "executor", logger.FieldExecutor, cfg.Name),
	}
}

// Identity returns the name, address and version this service registers.
func (s *Service) Identity() Identity {
	return Identity{Name: s.cfg.Name, Address: s.cfg.Address, Version: s.cfg.Version}
}

// CheckExecutor refuses to start when the local clock disagrees with the
// registry or when another live process already uses this executor name.
func (s *Service) CheckExecutor(ctx context.Context) error {
	if err := s.checkClock(ctx); err != nil {
		return err
	}

	root := coord.ExecutorPath(s.cfg.Name)
	exists, _, err := s.reg.Exists(ctx, root)
	if err != nil {
		return errors.Wrapf(err, "failed to check executor %s", s.cfg.Name)
	}
	if !exists {
		return coord.EnsurePath(ctx, s.reg, root)
	}
	return s.waitForStaleIP(ctx)
}

func (s *Service) checkClock(ctx context.Context) error {
	stamp := coord.ExecutorPath(s.cfg.Name, systemTimeNode, "current")
	defer func() {
		if err := s.reg.Delete(context.WithoutCancel(ctx), coord.ExecutorPath(s.cfg.Name, systemTimeNode)); err != nil {
			s.logger.Warnw("Failed to remove clock stamp", logger.FieldError, err)
		}
	}()

	if err := s.reg.Delete(ctx, stamp); err != nil {
		return errors.Wrap(err, "failed to clear clock stamp")
	}
	if _, err := s.reg.Create(ctx, stamp, nil, coord.Persistent); err != nil {
		return errors.Wrap(err, "failed to write clock stamp")
	}
	_, stat, err := s.reg.Get(ctx, stamp)
	if err != nil {
		return errors.Wrap(err, "failed to read clock stamp")
	}

	local := s.now()
	skew := util.AbsDuration(local.Sub(stat.Mtime))
	if skew > s.cfg.MaxClockSkew {
		return errors.WithHint(
			errors.Newf("executor %s: local clock differs from the registry by %s (max %s)",
				s.cfg.Name, skew.Round(time.Millisecond), s.cfg.MaxClockSkew),
			"synchronise this host with NTP before starting the executor")
	}
	s.logger.Debugw("Clock check passed", "skew", skew)
	return nil
}

// waitForStaleIP gives an expiring session of a previous run time to drop its
// ip node before concluding the name is taken.
func (s *Service) waitForStaleIP(ctx context.Context) error {
	ip := coord.ExecutorPath(s.cfg.Name, coord.NodeIP)
	deadline := s.now().Add(s.cfg.StaleIPWait)
	for {
		exists, _, err := s.reg.Exists(ctx, ip)
		if err != nil {
			return errors.Wrapf(err, "failed to check %s", ip)
		}
		if !exists {
			return nil
		}
		if !s.now().Before(deadline) {
			return errors.WithHint(
				errors.NewConflictError("executor %s is already running", s.cfg.Name),
				"two processes cannot share an executor name; set executor.name")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(staleIPPoll):
		}
	}
}

// Register writes the executor's descriptive nodes and finally its ephemeral
// ip node, which is what makes it live.
func (s *Service) Register(ctx context.Context) error {
	if err := coord.PutString(ctx, s.reg, coord.ExecutorPath(s.cfg.Name, coord.NodeLastBeginTime), coord.FormatTime(s.now())); err != nil {
		return errors.Wrap(err, "failed to write lastBeginTime")
	}

	versionPath := coord.ExecutorPath(s.cfg.Name, coord.NodeVersion)
	previous, ok, err := coord.GetString(ctx, s.reg, versionPath)
	if err != nil {
		return errors.Wrap(err, "failed to read previous version")
	}
	if ok && version.IsDowngrade(previous, s.cfg.Version) {
		s.logger.Warnw("Executor version is older than the previous run",
			"previous", previous, "current", s.cfg.Version)
	}
	if err := coord.PutString(ctx, s.reg, versionPath, s.cfg.Version); err != nil {
		return errors.Wrap(err, "failed to write version")
	}

	if err := coord.PutString(ctx, s.reg, coord.ExecutorPath(s.cfg.Name, coord.NodeClean), strconv.FormatBool(s.cfg.Clean)); err != nil {
		return errors.Wrap(err, "failed to write clean flag")
	}

	taskPath := coord.ExecutorPath(s.cfg.Name, coord.NodeTask)
	if s.cfg.Task != "" {
		err = coord.PutString(ctx, s.reg, taskPath, s.cfg.Task)
	} else {
		err = s.reg.Delete(ctx, taskPath)
	}
	if err != nil {
		return errors.Wrap(err, "failed to write task")
	}

	if err := coord.PutEphemeral(ctx, s.reg, coord.ExecutorPath(s.cfg.Name, coord.NodeIP), []byte(s.cfg.Address)); err != nil {
		return errors.Wrap(err, "failed to register ip")
	}
	s.logger.Infow("Executor registered", "address", s.cfg.Address, "version", s.cfg.Version, "task", s.cfg.Task)
	return nil
}

// Unregister removes the ip node so other executors see this one leave
// before its session ends.
func (s *Service) Unregister(ctx context.Context) error {
	if err := s.reg.Delete(ctx, coord.ExecutorPath(s.cfg.Name, coord.NodeIP)); err != nil {
		return errors.Wrap(err, "failed to remove ip")
	}
	s.logger.Infow("Executor unregistered")
	return nil
}
