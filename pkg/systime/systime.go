// Package systime reads and sets the wall clock in Unix milliseconds.
package systime

import (
	"errors"
	"time"
)

// ErrUnsupported is returned where the platform cannot set the clock.
var ErrUnsupported = errors.New("systime: setting the clock is not supported on this platform")

// Now returns the wall clock in Unix milliseconds.
func Now() uint64 {
	return ToMillis(time.Now())
}

// ToMillis converts t to Unix milliseconds, clamping times before the epoch to zero.
func ToMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// FromMillis converts Unix milliseconds to a time.
func FromMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}
