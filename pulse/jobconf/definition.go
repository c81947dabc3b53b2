// Package jobconf holds job definitions and the watch-driven cache that keeps
// an executor's view of them current.
package jobconf

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tessera/errors"
)

// Type is the kind of trigger a job uses.
type Type string

const (
	// TypeCron jobs fire on their cron schedule
	TypeCron Type = "cron"
	// TypePassive jobs only fire when an upstream job or an operator triggers them
	TypePassive Type = "passive"
	// TypeMsg jobs fire when a message payload is delivered
	TypeMsg Type = "msg"
)

// DefaultTimeZone applies when a job does not name one.
const DefaultTimeZone = "Local"

// Parser accepts Quartz-style six field expressions (seconds first) as well as
// classic five field ones and descriptors like @daily.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Definition is an immutable snapshot of one job's configuration.
// Never modify a Definition after it has been published by a Cache; use Clone.
type Definition struct {
	Name                   string         `json:"name" yaml:"name"`
	Type                   Type           `json:"type" yaml:"type"`
	Cron                   string         `json:"cron,omitempty" yaml:"cron,omitempty"`
	TimeZone               string         `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
	ShardingTotalCount     int            `json:"sharding_total_count" yaml:"sharding_total_count"`
	ShardingItemParameters map[int]string `json:"sharding_item_parameters,omitempty" yaml:"sharding_item_parameters,omitempty"`
	JobParameter           string         `json:"job_parameter,omitempty" yaml:"job_parameter,omitempty"`
	Enabled                bool           `json:"enabled" yaml:"enabled"`
	Failover               bool           `json:"failover" yaml:"failover"`
	Rerun                  bool           `json:"rerun" yaml:"rerun"`
	LocalMode              bool           `json:"local_mode" yaml:"local_mode"`
	PausePeriodDate        string         `json:"pause_period_date,omitempty" yaml:"pause_period_date,omitempty"`
	PausePeriodTime        string         `json:"pause_period_time,omitempty" yaml:"pause_period_time,omitempty"`
	PreferList             []string       `json:"prefer_list,omitempty" yaml:"prefer_list,omitempty"`
	AvoidList              []string       `json:"avoid_list,omitempty" yaml:"avoid_list,omitempty"`
	UseDispreferList       bool           `json:"use_disprefer_list" yaml:"use_disprefer_list"`
	Upstream               []string       `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Downstream             []string       `json:"downstream,omitempty" yaml:"downstream,omitempty"`
	ReportEnabled          bool           `json:"report_enabled" yaml:"report_enabled"`
	TimeoutSeconds         int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Handler                string         `json:"handler" yaml:"handler"`
	Description            string         `json:"description,omitempty" yaml:"description,omitempty"`

	loc   *time.Location
	pause PausePeriod
}

// New returns a definition carrying the defaults a freshly created job gets.
func New(name string) *Definition {
	return &Definition{
		Name:               name,
		Type:               TypeCron,
		TimeZone:           DefaultTimeZone,
		ShardingTotalCount: 1,
		Enabled:            true,
		Failover:           true,
		ReportEnabled:      true,
		Handler:            "noop",
	}
}

// Validate checks the definition and prepares its parsed time zone and pause
// windows. It must be called before the definition is published.
func (d *Definition) Validate() error {
	if d.Name == "" || strings.ContainsAny(d.Name, "/ ") {
		return errors.NewInvalidRequestError("invalid job name %q", d.Name)
	}
	switch d.Type {
	case TypeCron, TypePassive, TypeMsg:
	default:
		return errors.NewInvalidRequestError("job %s: unknown type %q", d.Name, d.Type)
	}
	if d.Type == TypeCron {
		if d.Cron == "" {
			return errors.NewInvalidRequestError("job %s: cron jobs need a cron expression", d.Name)
		}
		if _, err := Parser.Parse(d.Cron); err != nil {
			return errors.WithHint(
				errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "job %s: unparsable cron %q", d.Name, d.Cron),
				"use six fields with seconds first, e.g. \"0 0 2 * * ?\"")
		}
	}
	if d.ShardingTotalCount < 1 {
		return errors.NewInvalidRequestError("job %s: sharding total count must be at least 1, got %d", d.Name, d.ShardingTotalCount)
	}
	for item := range d.ShardingItemParameters {
		if item < 0 || item >= d.ShardingTotalCount {
			return errors.NewInvalidRequestError("job %s: parameter for item %d outside [0,%d)", d.Name, item, d.ShardingTotalCount)
		}
	}
	if d.TimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("job %s: timeout seconds cannot be negative", d.Name)
	}
	if d.Handler == "" {
		return errors.NewInvalidRequestError("job %s: handler is required", d.Name)
	}

	tz := d.TimeZone
	if tz == "" {
		tz = DefaultTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "job %s: unknown time zone %q", d.Name, tz)
	}
	pause, err := ParsePausePeriod(d.PausePeriodDate, d.PausePeriodTime)
	if err != nil {
		return errors.Wrapf(err, "job %s", d.Name)
	}

	d.loc = loc
	d.pause = pause
	return nil
}

// Clone returns a deep copy that may be modified.
func (d *Definition) Clone() *Definition {
	c := *d
	c.PreferList = append([]string(nil), d.PreferList...)
	c.AvoidList = append([]string(nil), d.AvoidList...)
	c.Upstream = append([]string(nil), d.Upstream...)
	c.Downstream = append([]string(nil), d.Downstream...)
	if d.ShardingItemParameters != nil {
		c.ShardingItemParameters = make(map[int]string, len(d.ShardingItemParameters))
		for k, v := range d.ShardingItemParameters {
			c.ShardingItemParameters[k] = v
		}
	}
	return &c
}

// Location is the job's time zone; UTC before Validate.
func (d *Definition) Location() *time.Location {
	if d.loc == nil {
		return time.UTC
	}
	return d.loc
}

// Schedule parses the cron expression. Passive and msg jobs have none.
func (d *Definition) Schedule() (cron.Schedule, error) {
	if d.Type != TypeCron || d.Cron == "" {
		return nil, nil
	}
	s, err := Parser.Parse(d.Cron)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "unparsable cron %q", d.Cron)
	}
	return s, nil
}

// IsInPausePeriod reports whether t falls inside a pause window, evaluated in
// the job's time zone.
func (d *Definition) IsInPausePeriod(t time.Time) bool {
	return d.pause.Contains(t.In(d.Location()))
}

// PauseEnd returns when the pause window holding t ends, t itself when t is
// not paused and the zero time when the job is paused for good.
func (d *Definition) PauseEnd(t time.Time) time.Time {
	return d.pause.End(t.In(d.Location()))
}

// IsRerunEnabled reports whether a scheduled fire missed while the previous
// one overran runs late once. Only cron jobs that report their runs rerun.
func (d *Definition) IsRerunEnabled() bool {
	return d.Rerun && d.Type == TypeCron && d.ReportEnabled
}

// IsFailoverEnabled is false for local mode jobs, which have no exclusive owner.
func (d *Definition) IsFailoverEnabled() bool {
	return d.Failover && !d.LocalMode
}

// ItemParameter returns the configured parameter for item, or "".
func (d *Definition) ItemParameter(item int) string {
	return d.ShardingItemParameters[item]
}

// WantsDownstream reports whether downstream jobs are notified after a fire.
// Only single shard cron and passive jobs outside local mode notify.
func (d *Definition) WantsDownstream() bool {
	if d.LocalMode || d.ShardingTotalCount != 1 || len(d.Downstream) == 0 {
		return false
	}
	return d.Type == TypeCron || d.Type == TypePassive
}

// FormatItemParameters renders parameters as "0=a,1=b".
func FormatItemParameters(params map[int]string) string {
	items := make([]int, 0, len(params))
	for item := range params {
		items = append(items, item)
	}
	sort.Ints(items)
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = strconv.Itoa(item) + "=" + params[item]
	}
	return strings.Join(parts, ",")
}

// ParseItemParameters reads the "0=a,1=b" form. Values may not contain commas.
func ParseItemParameters(s string) (map[int]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	params := make(map[int]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.NewInvalidRequestError("item parameter %q is not item=value", part)
		}
		item, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || item < 0 {
			return nil, errors.NewInvalidRequestError("item parameter %q has an invalid item", part)
		}
		params[item] = strings.TrimSpace(value)
	}
	return params, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
