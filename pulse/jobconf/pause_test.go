package jobconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2026, month, day, hour, minute, 0, 0, time.UTC)
}

func TestPausePeriodEmpty(t *testing.T) {
	p, err := ParsePausePeriod("", "")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
	assert.False(t, p.Contains(at(time.March, 1, 2, 0)))
}

func TestPausePeriodTimeOnly(t *testing.T) {
	p, err := ParsePausePeriod("", "01:00-03:00")
	require.NoError(t, err)

	assert.False(t, p.Contains(at(time.March, 1, 0, 59)))
	assert.True(t, p.Contains(at(time.March, 1, 1, 0)))
	assert.True(t, p.Contains(at(time.July, 9, 2, 0)))
	assert.True(t, p.Contains(at(time.July, 9, 2, 59)))
	assert.False(t, p.Contains(at(time.July, 9, 3, 0)), "end is exclusive")
}

func TestPausePeriodDateOnly(t *testing.T) {
	p, err := ParsePausePeriod("10/1-10/7", "")
	require.NoError(t, err)

	assert.False(t, p.Contains(at(time.September, 30, 23, 59)))
	assert.True(t, p.Contains(at(time.October, 1, 0, 0)))
	assert.True(t, p.Contains(at(time.October, 7, 23, 59)), "end date is inclusive")
	assert.False(t, p.Contains(at(time.October, 8, 0, 0)))
}

func TestPausePeriodDateAndTime(t *testing.T) {
	p, err := ParsePausePeriod("3/15-3/15", "01:00-03:00")
	require.NoError(t, err)

	assert.True(t, p.Contains(at(time.March, 15, 2, 0)))
	assert.False(t, p.Contains(at(time.March, 16, 2, 0)))
	assert.False(t, p.Contains(at(time.March, 15, 4, 0)))
}

func TestPausePeriodWraps(t *testing.T) {
	p, err := ParsePausePeriod("12/24-1/2", "22:00-02:00")
	require.NoError(t, err)

	assert.True(t, p.Contains(at(time.December, 31, 23, 0)))
	assert.True(t, p.Contains(at(time.January, 1, 1, 30)))
	assert.False(t, p.Contains(at(time.January, 1, 12, 0)))
	assert.False(t, p.Contains(at(time.June, 1, 23, 0)))
}

func TestPausePeriodMultipleRanges(t *testing.T) {
	p, err := ParsePausePeriod("", "01:00-02:00, 13:00-14:00")
	require.NoError(t, err)

	assert.True(t, p.Contains(at(time.May, 5, 1, 30)))
	assert.True(t, p.Contains(at(time.May, 5, 13, 30)))
	assert.False(t, p.Contains(at(time.May, 5, 12, 30)))
}

func TestPausePeriodEnd(t *testing.T) {
	p, err := ParsePausePeriod("1/1-4/30", "")
	require.NoError(t, err)
	assert.Equal(t, at(time.May, 1, 0, 0), p.End(at(time.January, 10, 12, 0)))
	assert.Equal(t, at(time.May, 2, 9, 0), p.End(at(time.May, 2, 9, 0)), "not paused")

	p, err = ParsePausePeriod("", "01:00-03:00,02:30-04:00")
	require.NoError(t, err)
	assert.Equal(t, at(time.March, 1, 4, 0), p.End(at(time.March, 1, 1, 30)))

	p, err = ParsePausePeriod("12/24-1/2", "22:00-02:00")
	require.NoError(t, err)
	assert.Equal(t, at(time.January, 1, 2, 0), p.End(time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC)))

	p, err = ParsePausePeriod("", "00:00-24:00")
	require.NoError(t, err)
	assert.True(t, p.End(at(time.March, 1, 1, 0)).IsZero())
}

func TestPausePeriodInvalid(t *testing.T) {
	for _, tc := range []struct{ dates, times string }{
		{"13/1-13/2", ""},
		{"1/1", ""},
		{"", "25:00-26:00"},
		{"", "01:60-02:00"},
		{"", "0100-0200"},
	} {
		_, err := ParsePausePeriod(tc.dates, tc.times)
		assert.Error(t, err, "dates=%q times=%q", tc.dates, tc.times)
	}
}

func TestDefinitionPauseUsesTimeZone(t *testing.T) {
	d := New("report")
	d.Cron = "0 0 2 * * ?"
	d.TimeZone = "Asia/Tokyo"
	d.PausePeriodTime = "01:00-03:00"
	require.NoError(t, d.Validate())

	// 17:30 UTC is 02:30 in Tokyo
	assert.True(t, d.IsInPausePeriod(time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC)))
	assert.False(t, d.IsInPausePeriod(time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)))
}
