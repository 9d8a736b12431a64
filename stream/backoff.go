package stream

import (
	"time"
)

// backoff walks a fixed delay schedule. Each failure advances one step and
// the last delay repeats; a session that stays healthy long enough resets
// the walk to the first step.
type backoff struct {
	delays     []time.Duration
	idx        int
	resetAfter time.Duration
}

func newBackoff(seconds []int, resetAfter time.Duration) *backoff {
	delays := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		if s > 0 {
			delays = append(delays, time.Duration(s)*time.Second)
		}
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	return &backoff{delays: delays, resetAfter: resetAfter}
}

// next returns the delay for the current failure and advances the schedule.
func (b *backoff) next() time.Duration {
	d := b.delays[b.idx]
	if b.idx < len(b.delays)-1 {
		b.idx++
	}
	return d
}

// observe resets the schedule when the finished session lasted long enough
// to count as healthy. A resetAfter of zero disables resetting, so repeated
// short-lived sessions keep climbing the schedule.
func (b *backoff) observe(sessionLength time.Duration) {
	if b.resetAfter > 0 && sessionLength >= b.resetAfter {
		b.idx = 0
	}
}
