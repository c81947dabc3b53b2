package jobconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tessera/errors"
)

func validCron() *Definition {
	d := New("billing")
	d.Cron = "0 */5 * * * ?"
	return d
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Definition)
		ok     bool
	}{
		{"defaults with cron", func(d *Definition) {}, true},
		{"five field cron", func(d *Definition) { d.Cron = "*/5 * * * *" }, true},
		{"descriptor", func(d *Definition) { d.Cron = "@daily" }, true},
		{"passive needs no cron", func(d *Definition) { d.Type = TypePassive; d.Cron = "" }, true},
		{"msg needs no cron", func(d *Definition) { d.Type = TypeMsg; d.Cron = "" }, true},
		{"bad cron", func(d *Definition) { d.Cron = "every minute" }, false},
		{"missing cron", func(d *Definition) { d.Cron = "" }, false},
		{"unknown type", func(d *Definition) { d.Type = "batch" }, false},
		{"zero shards", func(d *Definition) { d.ShardingTotalCount = 0 }, false},
		{"item parameter out of range", func(d *Definition) { d.ShardingItemParameters = map[int]string{1: "x"} }, false},
		{"bad time zone", func(d *Definition) { d.TimeZone = "Mars/Olympus" }, false},
		{"bad pause", func(d *Definition) { d.PausePeriodTime = "noon" }, false},
		{"no handler", func(d *Definition) { d.Handler = "" }, false},
		{"slash in name", func(d *Definition) { d.Name = "a/b" }, false},
		{"negative timeout", func(d *Definition) { d.TimeoutSeconds = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validCron()
			tt.modify(d)
			err := d.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
			}
		})
	}
}

func TestWantsDownstream(t *testing.T) {
	d := validCron()
	assert.False(t, d.WantsDownstream())

	d.Downstream = []string{"settle"}
	assert.True(t, d.WantsDownstream())

	d.Type = TypePassive
	assert.True(t, d.WantsDownstream())

	d.Type = TypeMsg
	assert.False(t, d.WantsDownstream())

	d.Type = TypeCron
	d.ShardingTotalCount = 2
	assert.False(t, d.WantsDownstream())

	d.ShardingTotalCount = 1
	d.LocalMode = true
	assert.False(t, d.WantsDownstream())
}

func TestFailoverDisabledInLocalMode(t *testing.T) {
	d := validCron()
	assert.True(t, d.IsFailoverEnabled())
	d.LocalMode = true
	assert.False(t, d.IsFailoverEnabled())
}

func TestItemParameters(t *testing.T) {
	params, err := ParseItemParameters("1=beijing, 0=shanghai,2=")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "shanghai", 1: "beijing", 2: ""}, params)
	assert.Equal(t, "0=shanghai,1=beijing,2=", FormatItemParameters(params))

	_, err = ParseItemParameters("a=b")
	assert.Error(t, err)
	_, err = ParseItemParameters("0")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	d := validCron()
	d.PreferList = []string{"a"}
	d.ShardingItemParameters = map[int]string{0: "x"}

	c := d.Clone()
	c.PreferList[0] = "b"
	c.ShardingItemParameters[0] = "y"

	assert.Equal(t, "a", d.PreferList[0])
	assert.Equal(t, "x", d.ShardingItemParameters[0])
}
