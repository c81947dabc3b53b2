package trigger

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/jobconf"
)

// IdlePoll is how often a loop without a next fire time re-checks its schedule.
const IdlePoll = time.Second

// MaxPending bounds the queued message fires of one job.
const MaxPending = 1024

// MisfireThreshold is how late a scheduled fire may start before it counts
// as missed.
const MisfireThreshold = time.Second

// Fire describes one firing of a job.
type Fire struct {
	// Time is the scheduled fire time, or the trigger time for manual fires
	Time time.Time
	// Next is the following scheduled fire time; zero when there is none
	Next time.Time
	// Manual is set for operator, upstream and message fires
	Manual bool
	// FailoverItems restricts the fire to items taken over from a dead executor
	FailoverItems []int
	// Payload carries the message of msg jobs
	Payload []byte
	// TriggerID identifies externally requested fires
	TriggerID string
	// Rerun is set for a missed scheduled fire run late
	Rerun bool
}

// FireFunc runs one fire. The loop does not fire again until it returns.
type FireFunc func(ctx context.Context, f Fire)

// DefinitionFunc returns the current job configuration.
type DefinitionFunc func() *jobconf.Definition

// Worker is the trigger loop of one job: it waits for the next scheduled fire
// time or a manual trigger, then calls FireFunc. Pause keeps the loop alive
// without firing; Halt ends it for good.
type Worker struct {
	job    string
	def    DefinitionFunc
	fire   FireFunc
	logger *zap.SugaredLogger
	now    func() time.Time

	mu         sync.Mutex
	paused     bool
	halted     bool
	next       time.Time
	recompute  bool
	pending    []Fire
	lastFireAt time.Time
	fires      int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewWorker creates a loop that is not started yet.
func NewWorker(job string, def DefinitionFunc, fire FireFunc, log *zap.SugaredLogger) *Worker {
	return &Worker{
		job:       job,
		def:       def,
		fire:      fire,
		logger:    log.With(logger.FieldComponent, "pulse.trigger"),
		now:       time.Now,
		recompute: true,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the loop until Halt or ctx is done. ctx is handed to every fire.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
	w.logger.Infow("Trigger loop started")
}

// Halt stops the loop permanently. A fire in progress is not interrupted;
// use Done to wait for it.
func (w *Worker) Halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halted {
		return
	}
	w.halted = true
	close(w.stop)
}

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Pause keeps the loop from firing until Resume.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.signal()
}

// Resume lets a paused loop fire again.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.recompute = true
	w.mu.Unlock()
	w.signal()
}

// IsPaused reports whether the loop is paused.
func (w *Worker) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// IsHalted reports whether Halt was called.
func (w *Worker) IsHalted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

// Reschedule drops the computed next fire time so the loop derives a new
// one from the current configuration.
func (w *Worker) Reschedule() {
	w.mu.Lock()
	w.recompute = true
	w.mu.Unlock()
	w.signal()
}

// Trigger queues a fire outside the schedule. Time defaults to now. The
// computed schedule is left alone. It reports false when the fire was
// dropped because the loop is halted or the queue is full.
func (w *Worker) Trigger(f Fire) bool {
	if f.Time.IsZero() {
		f.Time = w.now()
	}
	f.Manual = true
	w.mu.Lock()
	if w.halted {
		w.mu.Unlock()
		return false
	}
	ok := w.enqueueLocked(f)
	pending := len(w.pending)
	w.mu.Unlock()
	if !ok {
		w.logger.Warnw("Trigger queue full, dropping fire", "pending", pending, "trigger_id", f.TriggerID)
		return false
	}
	w.signal()
	return true
}

// enqueueLocked adds f to the queue. A plain manual fire collapses into one
// already queued and failover fires merge their items, so only message fires
// grow the queue.
func (w *Worker) enqueueLocked(f Fire) bool {
	for i := range w.pending {
		p := &w.pending[i]
		switch {
		case len(f.Payload) > 0 || len(p.Payload) > 0:
		case len(f.FailoverItems) > 0 && len(p.FailoverItems) > 0:
			p.FailoverItems = mergeItems(p.FailoverItems, f.FailoverItems)
			return true
		case len(f.FailoverItems) == 0 && len(p.FailoverItems) == 0:
			w.logger.Debugw("Trigger merged into queued fire", "trigger_id", f.TriggerID, "queued", p.TriggerID)
			return true
		}
	}
	if len(w.pending) >= MaxPending {
		return false
	}
	w.pending = append(w.pending, f)
	return true
}

func mergeItems(a, b []int) []int {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// NextFireTime returns the scheduled next fire time; zero when unknown.
func (w *Worker) NextFireTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recompute {
		return NextFireTime(w.def(), w.now())
	}
	return w.next
}

// Stats describes the loop for status output.
type Stats struct {
	Paused     bool      `json:"paused"`
	Halted     bool      `json:"halted"`
	NextFireAt time.Time `json:"next_fire_at,omitempty"`
	LastFireAt time.Time `json:"last_fire_at,omitempty"`
	Fires      int64     `json:"fires"`
	Pending    int       `json:"pending"`
}

// GetStats returns loop statistics.
func (w *Worker) GetStats() Stats {
	next := w.NextFireTime()
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Paused:     w.paused,
		Halted:     w.halted,
		NextFireAt: next,
		LastFireAt: w.lastFireAt,
		Fires:      w.fires,
		Pending:    len(w.pending),
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.logger.Infow("Trigger loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		f, wait, ok := w.nextStep()
		if ok {
			w.doFire(ctx, f)
			continue
		}

		var timer <-chan time.Time
		if wait > 0 {
			t := time.NewTimer(wait)
			timer = t.C
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-w.stop:
				t.Stop()
				return
			case <-w.wake:
				t.Stop()
			case <-timer:
			}
			continue
		}

		// Paused: only a signal changes anything
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.wake:
		}
	}
}

// nextStep decides what the loop does now: fire f, or sleep for wait
// (zero wait means sleep until signalled).
func (w *Worker) nextStep() (Fire, time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused {
		return Fire{}, 0, false
	}

	now := w.now()
	if w.recompute {
		w.next = NextFireTime(w.def(), now)
		w.recompute = false
		if !w.next.IsZero() {
			w.logger.Debugw("Next fire computed", logger.FieldNextFire, w.next)
		}
	}

	if len(w.pending) > 0 {
		f := w.pending[0]
		w.pending = w.pending[1:]
		f.Next = w.next
		return f, 0, true
	}

	if w.next.IsZero() {
		// No schedule: poll so a later config change is picked up
		w.recompute = true
		return Fire{}, IdlePoll, false
	}

	if wait := w.next.Sub(now); wait > 0 {
		return Fire{}, wait, false
	}

	def := w.def()
	f := Fire{Time: w.next}
	if now.Sub(w.next) > MisfireThreshold {
		if !def.IsRerunEnabled() {
			w.logger.Infow("Skipping missed fire", logger.FieldFireTime, w.next)
			w.next = NextFireTime(def, now)
			if w.next.IsZero() {
				w.recompute = true
				return Fire{}, IdlePoll, false
			}
			return Fire{}, w.next.Sub(now), false
		}
		f.Rerun = true
		w.logger.Infow("Running missed fire", logger.FieldFireTime, w.next)
	}
	f.Next = NextFireTime(def, w.next)
	w.next = f.Next
	if !w.next.IsZero() && !w.next.After(now) {
		// Fell behind; do not replay missed fires
		w.next = NextFireTime(def, now)
	}
	if w.next.IsZero() {
		w.recompute = true
	}
	return f, 0, true
}

func (w *Worker) doFire(ctx context.Context, f Fire) {
	w.mu.Lock()
	w.lastFireAt = w.now()
	w.fires++
	w.mu.Unlock()

	w.logger.Debugw("Firing",
		logger.FieldFireTime, f.Time,
		logger.FieldNextFire, f.Next,
		"manual", f.Manual,
		"rerun", f.Rerun,
		logger.FieldFailover, f.FailoverItems)
	w.fire(ctx, f)
}
