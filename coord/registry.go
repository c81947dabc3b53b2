// Package coord defines the contract tessera consumes from its coordination
// registry: a hierarchical path store with persistent and session-bound
// nodes, one-shot watches and a session identity.
//
// Two implementations exist: coord/zookeeper for production and coord/memory
// for tests and single-process runs. Every path handed to a Registry is
// absolute and already relative to the namespace root; implementations add
// the namespace prefix themselves.
package coord

import (
	"context"
	"time"

	"github.com/teranos/tessera/errors"
)

// Mode selects how long a created node lives.
type Mode int

const (
	// Persistent nodes survive until deleted.
	Persistent Mode = iota
	// Ephemeral nodes are removed when the creating session ends.
	Ephemeral
	// EphemeralSequential nodes are ephemeral and get a monotonically
	// increasing ten digit suffix appended to their name.
	EphemeralSequential
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case EphemeralSequential:
		return "ephemeral-sequential"
	default:
		return "unknown"
	}
}

// Stat is the metadata of a node.
type Stat struct {
	Version int32
	Mtime   time.Time
	// Owner is the session that created an ephemeral node, empty for
	// persistent nodes.
	Owner string
}

// EventType classifies a watch notification.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventSessionClosed is delivered to outstanding watches when the
	// registry connection is closed or the session expires.
	EventSessionClosed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data-changed"
	case EventChildrenChanged:
		return "children-changed"
	case EventSessionClosed:
		return "session-closed"
	default:
		return "unknown"
	}
}

// Event is a single watch notification. Watches fire once and must be
// re-armed by the caller.
type Event struct {
	Type EventType
	Path string
}

// Registry is the coordination store consumed by the engine.
type Registry interface {
	// Create makes a node, creating missing parents as persistent nodes.
	// It returns the actual path, which differs from path for
	// EphemeralSequential nodes. Fails with ErrNodeExists.
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)

	// Set replaces the data of an existing node. Fails with ErrNoNode.
	Set(ctx context.Context, path string, data []byte) error

	// CompareAndSet replaces the data of a node only while its version is
	// still version. Fails with ErrNoNode or ErrBadVersion.
	CompareAndSet(ctx context.Context, path string, data []byte, version int32) error

	// Get reads a node. Fails with ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)

	// Exists reports whether a node exists and returns its stat if so.
	Exists(ctx context.Context, path string) (bool, *Stat, error)

	// Children lists child names (not full paths), unsorted.
	Children(ctx context.Context, path string) ([]string, error)

	// Delete removes a node and everything below it. A missing node is not
	// an error.
	Delete(ctx context.Context, path string) error

	// WatchExists arms a one-shot watch that fires when the node is created,
	// deleted or changed. It also returns the current existence.
	WatchExists(ctx context.Context, path string) (bool, <-chan Event, error)

	// WatchChildren arms a one-shot watch on the child list of an existing
	// node and returns the current children.
	WatchChildren(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Session identifies the current session. It changes after a session
	// expiry and reconnect.
	Session() string

	// Close ends the session, removing its ephemeral nodes.
	Close() error
}

// Sentinel errors returned by every Registry implementation.
var (
	ErrNoNode        = errors.New("node does not exist")
	ErrNodeExists    = errors.New("node already exists")
	ErrSessionClosed = errors.New("registry session closed")
	ErrBadVersion    = errors.New("node version changed")
)

// IsNoNode reports whether err is or wraps ErrNoNode
func IsNoNode(err error) bool {
	return err != nil && errors.Is(err, ErrNoNode)
}

// IsBadVersion reports whether err is or wraps ErrBadVersion
func IsBadVersion(err error) bool {
	return err != nil && errors.Is(err, ErrBadVersion)
}

// IsNodeExists reports whether err is or wraps ErrNodeExists
func IsNodeExists(err error) bool {
	return err != nil && errors.Is(err, ErrNodeExists)
}
