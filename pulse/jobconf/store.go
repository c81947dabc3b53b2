package jobconf

import (
	"context"
	"strconv"
	"strings"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
)

// Config node names below jobs/{job}/config
const (
	FieldType                   = "jobType"
	FieldCron                   = "cron"
	FieldTimeZone               = "timeZone"
	FieldShardingTotalCount     = "shardingTotalCount"
	FieldShardingItemParameters = "shardingItemParameters"
	FieldJobParameter           = "jobParameter"
	FieldEnabled                = "enabled"
	FieldFailover               = "failover"
	FieldRerun                  = "rerun"
	FieldLocalMode              = "localMode"
	FieldPausePeriodDate        = "pausePeriodDate"
	FieldPausePeriodTime        = "pausePeriodTime"
	FieldPreferList             = "preferList"
	FieldAvoidList              = "avoidList"
	FieldUseDispreferList       = "useDispreferList"
	FieldUpstream               = "upStream"
	FieldDownstream             = "downStream"
	FieldEnabledReport          = "enabledReport"
	FieldTimeoutSeconds         = "timeoutSeconds"
	FieldHandler                = "handler"
	FieldDescription            = "description"
)

// Fields lists every config node a Cache watches.
var Fields = []string{
	FieldType, FieldCron, FieldTimeZone, FieldShardingTotalCount, FieldShardingItemParameters,
	FieldJobParameter, FieldEnabled, FieldFailover, FieldRerun, FieldLocalMode,
	FieldPausePeriodDate, FieldPausePeriodTime, FieldPreferList, FieldAvoidList,
	FieldUseDispreferList, FieldUpstream, FieldDownstream, FieldEnabledReport,
	FieldTimeoutSeconds, FieldHandler, FieldDescription,
}

// Read loads a job's raw configuration from the registry. Missing fields take
// the defaults of New. The result is not validated.
func Read(ctx context.Context, reg coord.Registry, job string) (*Definition, error) {
	values := make(map[string]string, len(Fields))
	for _, field := range Fields {
		v, ok, err := coord.GetString(ctx, reg, coord.ConfigPath(job, field))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s of job %s", field, job)
		}
		if ok {
			values[field] = v
		}
	}
	return decode(job, values)
}

// Load reads and validates a job's configuration.
func Load(ctx context.Context, reg coord.Registry, job string) (*Definition, error) {
	def, err := Read(ctx, reg, job)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Save writes every config field of def. Used by job import and tests; the
// executor itself only reads configuration.
func Save(ctx context.Context, reg coord.Registry, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for field, value := range encode(def) {
		if err := coord.PutString(ctx, reg, coord.ConfigPath(def.Name, field), value); err != nil {
			return errors.Wrapf(err, "failed to write config %s of job %s", field, def.Name)
		}
	}
	return nil
}

// SetField updates a single config node, e.g. to toggle enabled.
func SetField(ctx context.Context, reg coord.Registry, job, field, value string) error {
	return coord.PutString(ctx, reg, coord.ConfigPath(job, field), value)
}

func encode(d *Definition) map[string]string {
	return map[string]string{
		FieldType:                   string(d.Type),
		FieldCron:                   d.Cron,
		FieldTimeZone:               d.TimeZone,
		FieldShardingTotalCount:     strconv.Itoa(d.ShardingTotalCount),
		FieldShardingItemParameters: FormatItemParameters(d.ShardingItemParameters),
		FieldJobParameter:           d.JobParameter,
		FieldEnabled:                strconv.FormatBool(d.Enabled),
		FieldFailover:               strconv.FormatBool(d.Failover),
		FieldRerun:                  strconv.FormatBool(d.Rerun),
		FieldLocalMode:              strconv.FormatBool(d.LocalMode),
		FieldPausePeriodDate:        d.PausePeriodDate,
		FieldPausePeriodTime:        d.PausePeriodTime,
		FieldPreferList:             strings.Join(d.PreferList, ","),
		FieldAvoidList:              strings.Join(d.AvoidList, ","),
		FieldUseDispreferList:       strconv.FormatBool(d.UseDispreferList),
		FieldUpstream:               strings.Join(d.Upstream, ","),
		FieldDownstream:             strings.Join(d.Downstream, ","),
		FieldEnabledReport:          strconv.FormatBool(d.ReportEnabled),
		FieldTimeoutSeconds:         strconv.Itoa(d.TimeoutSeconds),
		FieldHandler:                d.Handler,
		FieldDescription:            d.Description,
	}
}

func decode(job string, values map[string]string) (*Definition, error) {
	d := New(job)
	var err error

	str := func(field string, dst *string) {
		if v, ok := values[field]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(field string, dst *[]string) {
		if v, ok := values[field]; ok {
			*dst = splitList(v)
		}
	}
	boolean := func(field string, dst *bool) {
		v, ok := values[field]
		if !ok || err != nil || strings.TrimSpace(v) == "" {
			return
		}
		b, perr := strconv.ParseBool(strings.TrimSpace(v))
		if perr != nil {
			err = errors.NewInvalidRequestError("config %s of job %s: %q is not a boolean", field, job, v)
			return
		}
		*dst = b
	}
	integer := func(field string, dst *int) {
		v, ok := values[field]
		if !ok || err != nil || strings.TrimSpace(v) == "" {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = errors.NewInvalidRequestError("config %s of job %s: %q is not a number", field, job, v)
			return
		}
		*dst = n
	}

	var typ string
	str(FieldType, &typ)
	if typ != "" {
		d.Type = Type(strings.ToLower(typ))
	}
	str(FieldCron, &d.Cron)
	str(FieldTimeZone, &d.TimeZone)
	if d.TimeZone == "" {
		d.TimeZone = DefaultTimeZone
	}
	integer(FieldShardingTotalCount, &d.ShardingTotalCount)
	str(FieldJobParameter, &d.JobParameter)
	boolean(FieldEnabled, &d.Enabled)
	boolean(FieldFailover, &d.Failover)
	boolean(FieldRerun, &d.Rerun)
	boolean(FieldLocalMode, &d.LocalMode)
	str(FieldPausePeriodDate, &d.PausePeriodDate)
	str(FieldPausePeriodTime, &d.PausePeriodTime)
	list(FieldPreferList, &d.PreferList)
	list(FieldAvoidList, &d.AvoidList)
	boolean(FieldUseDispreferList, &d.UseDispreferList)
	list(FieldUpstream, &d.Upstream)
	list(FieldDownstream, &d.Downstream)
	boolean(FieldEnabledReport, &d.ReportEnabled)
	integer(FieldTimeoutSeconds, &d.TimeoutSeconds)
	str(FieldHandler, &d.Handler)
	str(FieldDescription, &d.Description)
	if err != nil {
		return nil, err
	}

	if v, ok := values[FieldShardingItemParameters]; ok {
		params, perr := ParseItemParameters(v)
		if perr != nil {
			return nil, errors.Wrapf(perr, "config %s of job %s", FieldShardingItemParameters, job)
		}
		d.ShardingItemParameters = params
	}
	return d, nil
}
