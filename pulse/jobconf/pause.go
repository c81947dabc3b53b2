package jobconf

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/tessera/errors"
)

// PausePeriod is a parsed set of pause windows.
//
// Dates are "M/d-M/d" ranges, inclusive on both ends. Times are "HH:mm-HH:mm"
// ranges at minute granularity, start inclusive and end exclusive. Either list
// may be empty: no dates means every day, no times means the whole day. With
// both empty the job never pauses. Ranges whose end precedes their start wrap
// around the year end or midnight.
type PausePeriod struct {
	dates []dayRange
	times []minuteRange
}

type dayRange struct{ from, to int }    // month*100 + day
type minuteRange struct{ from, to int } // minutes since midnight

// ParsePausePeriod parses the pausePeriodDate and pausePeriodTime values.
func ParsePausePeriod(dates, times string) (PausePeriod, error) {
	var p PausePeriod
	for _, r := range splitList(dates) {
		from, to, err := parseRange(r, parseMonthDay)
		if err != nil {
			return PausePeriod{}, errors.Wrapf(err, "pause date %q", r)
		}
		p.dates = append(p.dates, dayRange{from: from, to: to})
	}
	for _, r := range splitList(times) {
		from, to, err := parseRange(r, parseClock)
		if err != nil {
			return PausePeriod{}, errors.Wrapf(err, "pause time %q", r)
		}
		p.times = append(p.times, minuteRange{from: from, to: to})
	}
	return p, nil
}

// IsZero reports whether no pause window is configured.
func (p PausePeriod) IsZero() bool {
	return len(p.dates) == 0 && len(p.times) == 0
}

// Contains reports whether t is inside the pause period. t must already be in
// the job's time zone.
func (p PausePeriod) Contains(t time.Time) bool {
	if p.IsZero() {
		return false
	}
	return p.dateMatches(t) && p.timeMatches(t)
}

// End returns the first minute at or after t that is outside the pause
// period. It returns t when t is not paused and the zero time when the
// period never ends. t must already be in the job's time zone.
func (p PausePeriod) End(t time.Time) time.Time {
	if !p.Contains(t) {
		return t
	}
	// Pausing only changes at midnight and where a time range starts or ends
	limit := 367 * (2*len(p.times) + 1)
	for i := 0; i < limit; i++ {
		t = p.nextBoundary(t)
		if !p.Contains(t) {
			return t
		}
	}
	return time.Time{}
}

func (p PausePeriod) nextBoundary(t time.Time) time.Time {
	m := t.Hour()*60 + t.Minute()
	next := 24 * 60
	for _, r := range p.times {
		if r.from > m && r.from < next {
			next = r.from
		}
		if r.to > m && r.to < next {
			next = r.to
		}
	}
	y, mo, d := t.Date()
	b := time.Date(y, mo, d, 0, next, 0, 0, t.Location())
	if !b.After(t) {
		// Repeated wall clock around a DST change
		b = t.Truncate(time.Minute).Add(time.Minute)
	}
	return b
}

func (p PausePeriod) dateMatches(t time.Time) bool {
	if len(p.dates) == 0 {
		return true
	}
	md := int(t.Month())*100 + t.Day()
	for _, r := range p.dates {
		if r.from <= r.to {
			if md >= r.from && md <= r.to {
				return true
			}
		} else if md >= r.from || md <= r.to {
			return true
		}
	}
	return false
}

func (p PausePeriod) timeMatches(t time.Time) bool {
	if len(p.times) == 0 {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	for _, r := range p.times {
		if r.from <= r.to {
			if m >= r.from && m < r.to {
				return true
			}
		} else if m >= r.from || m < r.to {
			return true
		}
	}
	return false
}

func parseRange(s string, parse func(string) (int, error)) (int, int, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, errors.NewInvalidRequestError("expected start-end")
	}
	from, err := parse(a)
	if err != nil {
		return 0, 0, err
	}
	to, err := parse(b)
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func parseMonthDay(s string) (int, error) {
	m, d, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, errors.NewInvalidRequestError("date %q is not M/d", s)
	}
	month, err1 := strconv.Atoi(m)
	day, err2 := strconv.Atoi(d)
	if err1 != nil || err2 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, errors.NewInvalidRequestError("date %q is not M/d", s)
	}
	return month*100 + day, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, errors.NewInvalidRequestError("time %q is not HH:mm", s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || minute < 0 || minute > 59 {
		return 0, errors.NewInvalidRequestError("time %q is not HH:mm", s)
	}
	// 24:00 closes a window at midnight
	if hour > 24 || (hour == 24 && minute != 0) {
		return 0, errors.NewInvalidRequestError("time %q is not HH:mm", s)
	}
	return hour*60 + minute, nil
}
