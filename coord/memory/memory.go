// Package memory is an in-process coord.Registry. A Server holds the tree;
// each Client is one session against it. Tests use ExpireSession to
// simulate an executor whose coordination session died.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
)

type node struct {
	data    []byte
	version int32
	mtime   time.Time
	owner   int64
}

type watch struct {
	ch      chan coord.Event
	session int64
	// ns is stripped from event paths before delivery
	ns string
}

// Server is a shared in-memory tree.
type Server struct {
	mu           sync.Mutex
	nodes        map[string]*node
	live         map[int64]bool
	nextSession  int64
	seq          map[string]int64
	dataWatches  map[string][]watch
	childWatches map[string][]watch
	now          func() time.Time
}

// NewServer creates an empty tree containing only the root.
func NewServer() *Server {
	return &Server{
		nodes:        map[string]*node{"/": {mtime: time.Now()}},
		live:         make(map[int64]bool),
		nextSession:  0x1000,
		seq:          make(map[string]int64),
		dataWatches:  make(map[string][]watch),
		childWatches: make(map[string][]watch),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for node mtimes.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Connect opens a new session rooted at /{namespace}.
func (s *Server) Connect(namespace string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Client{srv: s, ns: "/" + strings.Trim(namespace, "/"), session: s.openSessionLocked()}
}

// ExpireSession ends the client's current session as if the coordination
// service had expired it. Ephemeral nodes of the session vanish and its
// watches receive EventSessionClosed. The client transparently continues
// under a new session, like a reconnecting ZooKeeper client.
func (s *Server) ExpireSession(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSessionLocked(c.session)
	if !c.closed {
		c.session = s.openSessionLocked()
	}
}

// Dump returns a copy of every node's data, keyed by full path. For tests.
func (s *Server) Dump() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.nodes))
	for p, n := range s.nodes {
		out[p] = string(n.data)
	}
	return out
}

func (s *Server) openSessionLocked() int64 {
	s.nextSession++
	s.live[s.nextSession] = true
	return s.nextSession
}

func (s *Server) endSessionLocked(session int64) {
	if !s.live[session] {
		return
	}
	delete(s.live, session)

	var owned []string
	for p, n := range s.nodes {
		if n.owner == session {
			owned = append(owned, p)
		}
	}
	for _, p := range owned {
		s.deleteTreeLocked(p)
	}

	for key, ws := range s.dataWatches {
		s.dataWatches[key] = s.dropSessionWatches(ws, session)
	}
	for key, ws := range s.childWatches {
		s.childWatches[key] = s.dropSessionWatches(ws, session)
	}
}

func (s *Server) dropSessionWatches(ws []watch, session int64) []watch {
	kept := ws[:0]
	for _, w := range ws {
		if w.session == session {
			w.ch <- coord.Event{Type: coord.EventSessionClosed}
			continue
		}
		kept = append(kept, w)
	}
	return kept
}

func (s *Server) fireData(full string, t coord.EventType) {
	for _, w := range s.dataWatches[full] {
		w.ch <- coord.Event{Type: t, Path: strip(w.ns, full)}
	}
	delete(s.dataWatches, full)
}

func (s *Server) fireChildren(full string, t coord.EventType) {
	for _, w := range s.childWatches[full] {
		w.ch <- coord.Event{Type: t, Path: strip(w.ns, full)}
	}
	delete(s.childWatches, full)
}

func (s *Server) childrenLocked(full string) []string {
	prefix := full + "/"
	if full == "/" {
		prefix = "/"
	}
	var out []string
	for p := range s.nodes {
		if p == full || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	return out
}

func (s *Server) deleteTreeLocked(full string) {
	if _, ok := s.nodes[full]; !ok {
		return
	}
	for _, child := range s.childrenLocked(full) {
		s.deleteTreeLocked(path.Join(full, child))
	}
	delete(s.nodes, full)
	s.fireData(full, coord.EventDeleted)
	s.fireChildren(full, coord.EventDeleted)
	s.fireChildren(path.Dir(full), coord.EventChildrenChanged)
}

func strip(ns, full string) string {
	if ns == "/" {
		return full
	}
	rel := strings.TrimPrefix(full, ns)
	if rel == "" {
		return "/"
	}
	return rel
}

// Client is one session against a Server.
type Client struct {
	srv     *Server
	ns      string
	mu      sync.Mutex
	session int64
	closed  bool
}

var _ coord.Registry = (*Client)(nil)

func (c *Client) full(p string) string {
	return path.Join(c.ns, p)
}

// lock takes the client then the server lock and checks the session.
func (c *Client) lock() (int64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, coord.ErrSessionClosed
	}
	session := c.session
	c.srv.mu.Lock()
	return session, nil
}

func (c *Client) unlock() {
	c.srv.mu.Unlock()
	c.mu.Unlock()
}

// Create implements coord.Registry.
func (c *Client) Create(ctx context.Context, p string, data []byte, mode coord.Mode) (string, error) {
	session, err := c.lock()
	if err != nil {
		return "", err
	}
	defer c.unlock()
	s := c.srv

	full := c.full(p)
	if mode == coord.EphemeralSequential {
		parent := path.Dir(full)
		s.seq[parent]++
		full = fmt.Sprintf("%s%010d", full, s.seq[parent])
	}
	if _, ok := s.nodes[full]; ok {
		return "", errors.Wrap(coord.ErrNodeExists, p)
	}

	now := s.now()
	var missing []string
	for dir := path.Dir(full); ; dir = path.Dir(dir) {
		if _, ok := s.nodes[dir]; ok {
			break
		}
		missing = append(missing, dir)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		s.nodes[missing[i]] = &node{mtime: now}
		s.fireData(missing[i], coord.EventCreated)
		s.fireChildren(path.Dir(missing[i]), coord.EventChildrenChanged)
	}

	n := &node{data: copyBytes(data), mtime: now}
	if mode != coord.Persistent {
		n.owner = session
	}
	s.nodes[full] = n
	s.fireData(full, coord.EventCreated)
	s.fireChildren(path.Dir(full), coord.EventChildrenChanged)

	return strip(c.ns, full), nil
}

// Set implements coord.Registry.
func (c *Client) Set(ctx context.Context, p string, data []byte) error {
	if _, err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()
	s := c.srv

	full := c.full(p)
	n, ok := s.nodes[full]
	if !ok {
		return errors.Wrap(coord.ErrNoNode, p)
	}
	n.data = copyBytes(data)
	n.version++
	n.mtime = s.now()
	s.fireData(full, coord.EventDataChanged)
	return nil
}

// CompareAndSet implements coord.Registry.
func (c *Client) CompareAndSet(ctx context.Context, p string, data []byte, version int32) error {
	if _, err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()
	s := c.srv

	full := c.full(p)
	n, ok := s.nodes[full]
	if !ok {
		return errors.Wrap(coord.ErrNoNode, p)
	}
	if n.version != version {
		return errors.Wrapf(coord.ErrBadVersion, "%s: have %d, want %d", p, n.version, version)
	}
	n.data = copyBytes(data)
	n.version++
	n.mtime = s.now()
	s.fireData(full, coord.EventDataChanged)
	return nil
}

// Get implements coord.Registry.
func (c *Client) Get(ctx context.Context, p string) ([]byte, *coord.Stat, error) {
	if _, err := c.lock(); err != nil {
		return nil, nil, err
	}
	defer c.unlock()

	n, ok := c.srv.nodes[c.full(p)]
	if !ok {
		return nil, nil, errors.Wrap(coord.ErrNoNode, p)
	}
	return copyBytes(n.data), stat(n), nil
}

// Exists implements coord.Registry.
func (c *Client) Exists(ctx context.Context, p string) (bool, *coord.Stat, error) {
	if _, err := c.lock(); err != nil {
		return false, nil, err
	}
	defer c.unlock()

	n, ok := c.srv.nodes[c.full(p)]
	if !ok {
		return false, nil, nil
	}
	return true, stat(n), nil
}

// Children implements coord.Registry.
func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	if _, err := c.lock(); err != nil {
		return nil, err
	}
	defer c.unlock()

	full := c.full(p)
	if _, ok := c.srv.nodes[full]; !ok {
		return nil, errors.Wrap(coord.ErrNoNode, p)
	}
	return c.srv.childrenLocked(full), nil
}

// Delete implements coord.Registry.
func (c *Client) Delete(ctx context.Context, p string) error {
	if _, err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()

	c.srv.deleteTreeLocked(c.full(p))
	return nil
}

// WatchExists implements coord.Registry.
func (c *Client) WatchExists(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	session, err := c.lock()
	if err != nil {
		return false, nil, err
	}
	defer c.unlock()

	full := c.full(p)
	ch := make(chan coord.Event, 1)
	c.srv.dataWatches[full] = append(c.srv.dataWatches[full], watch{ch: ch, session: session, ns: c.ns})
	_, ok := c.srv.nodes[full]
	return ok, ch, nil
}

// WatchChildren implements coord.Registry.
func (c *Client) WatchChildren(ctx context.Context, p string) ([]string, <-chan coord.Event, error) {
	session, err := c.lock()
	if err != nil {
		return nil, nil, err
	}
	defer c.unlock()

	full := c.full(p)
	if _, ok := c.srv.nodes[full]; !ok {
		return nil, nil, errors.Wrap(coord.ErrNoNode, p)
	}
	ch := make(chan coord.Event, 1)
	c.srv.childWatches[full] = append(c.srv.childWatches[full], watch{ch: ch, session: session, ns: c.ns})
	return c.srv.childrenLocked(full), ch, nil
}

// Session implements coord.Registry.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return formatSession(c.session)
}

// Close implements coord.Registry.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.endSessionLocked(c.session)
	return nil
}

func stat(n *node) *coord.Stat {
	st := &coord.Stat{Version: n.version, Mtime: n.mtime}
	if n.owner != 0 {
		st.Owner = formatSession(n.owner)
	}
	return st
}

func formatSession(id int64) string {
	return fmt.Sprintf("%x", id)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
