package util

import "time"

// AbsDuration returns the absolute value of d.
func AbsDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
