package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/pulse/jobconf"
)

// Item is one shard item handed to a handler.
type Item struct {
	Job          string    `json:"job"`
	Item         int       `json:"item"`
	Parameter    string    `json:"parameter,omitempty"`
	JobParameter string    `json:"job_parameter,omitempty"`
	Total        int       `json:"sharding_total_count"`
	FireTime     time.Time `json:"fire_time"`
	Failover     bool      `json:"failover"`
	TriggerID    string    `json:"trigger_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
}

// Handler runs the business logic of one item. A nil error means the item
// completed. Handlers must return once ctx is done.
type Handler interface {
	Run(ctx context.Context, item Item) (output string, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item Item) (string, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, item Item) (string, error) {
	return f(ctx, item)
}

// Factory builds the handler of a job from its configuration.
type Factory func(def *jobconf.Definition) (Handler, error)

// Registry maps handler tags to factories. It is filled at startup; a job
// whose tag is missing is not scheduled.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under tag.
// Panics if the tag is already taken.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		panic(fmt.Sprintf("handler already registered for tag: %s", tag))
	}
	r.factories[tag] = f
}

// Has checks if a factory is registered for tag.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Tags returns the registered tags in order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Build creates the handler for def.
func (r *Registry) Build(def *jobconf.Definition) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[def.Handler]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("no handler registered for tag %q of job %s", def.Handler, def.Name)
	}
	h, err := f(def)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s handler for job %s", def.Handler, def.Name)
	}
	return h, nil
}
