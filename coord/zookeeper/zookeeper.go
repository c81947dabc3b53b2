// Package zookeeper implements coord.Registry on top of Apache ZooKeeper.
package zookeeper

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
)

// Config holds connection settings.
type Config struct {
	Servers           []string
	Namespace         string
	SessionTimeout    time.Duration
	ConnectionTimeout time.Duration
}

// Registry is a coord.Registry backed by a ZooKeeper session.
type Registry struct {
	conn   *zk.Conn
	ns     string
	acl    []zk.ACL
	logger *zap.SugaredLogger
	done   chan struct{}
}

var _ coord.Registry = (*Registry)(nil)

// Connect dials the ensemble and waits until a session is established or
// the connection timeout passes.
func Connect(cfg Config, log *zap.SugaredLogger) (*Registry, error) {
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(logger.ZKLogger{Log: log}))
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable),
			"failed to connect to zookeeper %v", cfg.Servers)
	}

	r := &Registry{
		conn:   conn,
		ns:     "/" + strings.Trim(cfg.Namespace, "/"),
		acl:    zk.WorldACL(zk.PermAll),
		logger: log,
		done:   make(chan struct{}),
	}

	timeout := time.NewTimer(cfg.ConnectionTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				log.Infow("ZooKeeper session established",
					logger.FieldSession, r.Session(),
					logger.FieldNamespace, cfg.Namespace)
				go r.watchSession(events)
				return r, nil
			}
		case <-timeout.C:
			conn.Close()
			return nil, errors.WithHint(
				errors.Wrapf(errors.ErrServiceUnavailable, "no zookeeper session within %s", cfg.ConnectionTimeout),
				"check coordination.servers and that the ensemble is reachable")
		}
	}
}

// watchSession logs session state transitions. The client library
// re-establishes a fresh session after expiry on its own.
func (r *Registry) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateExpired:
				r.logger.Warnw("ZooKeeper session expired, ephemeral nodes are gone")
			case zk.StateDisconnected:
				r.logger.Warnw("ZooKeeper connection lost")
			case zk.StateHasSession:
				r.logger.Infow("ZooKeeper session active", logger.FieldSession, r.Session())
			}
		}
	}
}

func (r *Registry) full(p string) string {
	return path.Join(r.ns, p)
}

func (r *Registry) rel(full string) string {
	if r.ns == "/" {
		return full
	}
	rel := strings.TrimPrefix(full, r.ns)
	if rel == "" {
		return "/"
	}
	return rel
}

// Create implements coord.Registry.
func (r *Registry) Create(ctx context.Context, p string, data []byte, mode coord.Mode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := r.full(p)
	if err := r.ensureParents(full); err != nil {
		return "", err
	}

	created, err := r.conn.Create(full, data, flags(mode), r.acl)
	if err != nil {
		return "", mapErr(err, p)
	}
	return r.rel(created), nil
}

func (r *Registry) ensureParents(full string) error {
	parts := strings.Split(strings.Trim(path.Dir(full), "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, err := r.conn.Create(cur, nil, 0, r.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return mapErr(err, cur)
		}
	}
	return nil
}

// Set implements coord.Registry.
func (r *Registry) Set(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.conn.Set(r.full(p), data, -1)
	return mapErr(err, p)
}

// CompareAndSet implements coord.Registry.
func (r *Registry) CompareAndSet(ctx context.Context, p string, data []byte, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.conn.Set(r.full(p), data, version)
	return mapErr(err, p)
}

// Get implements coord.Registry.
func (r *Registry) Get(ctx context.Context, p string) ([]byte, *coord.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	data, st, err := r.conn.Get(r.full(p))
	if err != nil {
		return nil, nil, mapErr(err, p)
	}
	return data, convertStat(st), nil
}

// Exists implements coord.Registry.
func (r *Registry) Exists(ctx context.Context, p string) (bool, *coord.Stat, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	ok, st, err := r.conn.Exists(r.full(p))
	if err != nil {
		return false, nil, mapErr(err, p)
	}
	if !ok {
		return false, nil, nil
	}
	return true, convertStat(st), nil
}

// Children implements coord.Registry.
func (r *Registry) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := r.conn.Children(r.full(p))
	if err != nil {
		return nil, mapErr(err, p)
	}
	return children, nil
}

// Delete implements coord.Registry.
func (r *Registry) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.deleteTree(r.full(p))
}

func (r *Registry) deleteTree(full string) error {
	children, _, err := r.conn.Children(full)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return mapErr(err, r.rel(full))
	}
	for _, child := range children {
		if err := r.deleteTree(path.Join(full, child)); err != nil {
			return err
		}
	}
	if err := r.conn.Delete(full, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return mapErr(err, r.rel(full))
	}
	return nil
}

// WatchExists implements coord.Registry.
func (r *Registry) WatchExists(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	ok, _, ch, err := r.conn.ExistsW(r.full(p))
	if err != nil {
		return false, nil, mapErr(err, p)
	}
	return ok, r.forward(ctx, ch), nil
}

// WatchChildren implements coord.Registry.
func (r *Registry) WatchChildren(ctx context.Context, p string) ([]string, <-chan coord.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, ch, err := r.conn.ChildrenW(r.full(p))
	if err != nil {
		return nil, nil, mapErr(err, p)
	}
	return children, r.forward(ctx, ch), nil
}

// forward converts the single zk watch event into a coord event. The
// goroutine ends with ctx; zk watch channels are buffered, so leaving one
// unread blocks nothing.
func (r *Registry) forward(ctx context.Context, in <-chan zk.Event) <-chan coord.Event {
	out := make(chan coord.Event, 1)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case ev, ok := <-in:
			if !ok {
				out <- coord.Event{Type: coord.EventSessionClosed}
				return
			}
			out <- convertEvent(ev, r.rel)
		case <-r.done:
			out <- coord.Event{Type: coord.EventSessionClosed}
		}
	}()
	return out
}

// Session implements coord.Registry.
func (r *Registry) Session() string {
	return formatSession(r.conn.SessionID())
}

// Close implements coord.Registry.
func (r *Registry) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)
	r.conn.Close()
	return nil
}

func flags(mode coord.Mode) int32 {
	switch mode {
	case coord.Ephemeral:
		return zk.FlagEphemeral
	case coord.EphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	default:
		return 0
	}
}

func convertStat(st *zk.Stat) *coord.Stat {
	if st == nil {
		return &coord.Stat{}
	}
	out := &coord.Stat{
		Version: st.Version,
		Mtime:   time.UnixMilli(st.Mtime),
	}
	if st.EphemeralOwner != 0 {
		out.Owner = formatSession(st.EphemeralOwner)
	}
	return out
}

func convertEvent(ev zk.Event, rel func(string) string) coord.Event {
	out := coord.Event{Path: rel(ev.Path)}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = coord.EventCreated
	case zk.EventNodeDeleted:
		out.Type = coord.EventDeleted
	case zk.EventNodeDataChanged:
		out.Type = coord.EventDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = coord.EventChildrenChanged
	default:
		// EventNotWatching and session events end the watch
		out = coord.Event{Type: coord.EventSessionClosed}
	}
	return out
}

func mapErr(err error, p string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return errors.Wrap(coord.ErrNoNode, p)
	case errors.Is(err, zk.ErrNodeExists):
		return errors.Wrap(coord.ErrNodeExists, p)
	case errors.Is(err, zk.ErrBadVersion):
		return errors.Wrap(coord.ErrBadVersion, p)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return errors.Wrap(coord.ErrSessionClosed, p)
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrNoServer):
		return errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "zookeeper unavailable at %s", p)
	default:
		return errors.Wrapf(err, "zookeeper operation on %s", p)
	}
}

func formatSession(id int64) string {
	return fmt.Sprintf("%x", id)
}
