package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/tessera/pulse/job"
)

// JobRegistry tracks the schedulers running on this executor.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*job.Scheduler
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*job.Scheduler)}
}

// Add records s unless a scheduler for the same job is already present.
func (r *JobRegistry) Add(s *job.Scheduler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[s.Job()]; ok {
		return false
	}
	r.jobs[s.Job()] = s
	return true
}

// Get returns the scheduler of a job.
func (r *JobRegistry) Get(name string) (*job.Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobs[name]
	return s, ok
}

// Remove forgets a job.
func (r *JobRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.jobs, name)
	r.mu.Unlock()
}

// Names returns the registered job names in order.
func (r *JobRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the schedulers ordered by job name.
func (r *JobRegistry) List() []*job.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job.Scheduler, 0, len(r.jobs))
	for _, s := range r.jobs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job() < out[j].Job() })
	return out
}

// Len returns the number of registered jobs.
func (r *JobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// ShutdownAll shuts every job down in parallel and waits for them.
func (r *JobRegistry) ShutdownAll(ctx context.Context, removeJob bool) {
	var wg sync.WaitGroup
	for _, s := range r.List() {
		wg.Add(1)
		go func(s *job.Scheduler) {
			defer wg.Done()
			s.Shutdown(ctx, removeJob)
		}(s)
	}
	wg.Wait()
	r.mu.Lock()
	r.jobs = make(map[string]*job.Scheduler)
	r.mu.Unlock()
}
