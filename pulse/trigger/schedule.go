// Package trigger runs the per-job loop that decides when a job fires.
package trigger

import (
	"time"

	"github.com/teranos/tessera/pulse/jobconf"
)

// maxPauseJumps bounds how many pause windows NextFireTime jumps over.
const maxPauseJumps = 1000

// NextFireTime returns the first fire time of def strictly after after that
// is outside every pause window. A candidate inside a window moves the search
// to the end of that window, so long windows cost one step. It returns the
// zero time for jobs without a schedule or when no such time is found.
func NextFireTime(def *jobconf.Definition, after time.Time) time.Time {
	if def == nil {
		return time.Time{}
	}
	sched, err := def.Schedule()
	if err != nil || sched == nil {
		return time.Time{}
	}

	t := after.In(def.Location())
	for i := 0; i < maxPauseJumps; i++ {
		t = sched.Next(t)
		if t.IsZero() || !def.IsInPausePeriod(t) {
			return t
		}
		end := def.PauseEnd(t)
		if end.IsZero() {
			return end
		}
		// Next is strictly after its argument; a fire exactly at end counts
		t = end.Add(-time.Nanosecond)
	}
	return time.Time{}
}
