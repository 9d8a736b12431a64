package filter

import (
	"fmt"
	"time"
)

// TimeUnknown is the sentinel label used when a next-funding timestamp is
// absent, malformed or already in the past.
const TimeUnknown = "-"

// MinutesUntil returns the minutes remaining until the epoch-millisecond
// timestamp. ok is false when the timestamp is absent or not in the future.
func MinutesUntil(nextMs int64, now time.Time) (float64, bool) {
	if nextMs <= 0 {
		return 0, false
	}
	target := time.UnixMilli(nextMs)
	remaining := target.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	return remaining.Minutes(), true
}

// FormatTimeRemaining renders the time until the epoch-millisecond timestamp
// as "XhYmZs". Past or missing timestamps yield the TimeUnknown sentinel;
// the function never fails.
func FormatTimeRemaining(nextMs int64, now time.Time) string {
	if nextMs <= 0 {
		return TimeUnknown
	}
	remaining := time.UnixMilli(nextMs).Sub(now)
	if remaining < 0 {
		return TimeUnknown
	}

	total := int64(remaining.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
