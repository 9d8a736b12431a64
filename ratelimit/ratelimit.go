package ratelimit

import (
	"context"
	"sync"
	"time"

	"fundingwatch/logger"
)

// maxSleepSlice keeps waits responsive to cancellation: a blocked Acquire
// re-checks its context at least every 50ms.
const maxSleepSlice = 50 * time.Millisecond

// SlidingWindow admits at most maxCalls within any rolling window. It is the
// admission control in front of every outbound REST call; the exchange
// documents 120/min for public and 50/min for private endpoints.
type SlidingWindow struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	stamps   []time.Time
	log      *logger.Entry
}

// NewSlidingWindow builds a limiter. Non-positive arguments fall back to the
// public-endpoint defaults.
func NewSlidingWindow(maxCalls int, window time.Duration, log *logger.Log) *SlidingWindow {
	if maxCalls <= 0 {
		maxCalls = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &SlidingWindow{
		maxCalls: maxCalls,
		window:   window,
		log:      log.WithComponent("rate_limiter"),
	}
}

// evict drops timestamps that have left the window. Callers must hold mu.
func (l *SlidingWindow) evict(now time.Time) {
	idx := 0
	for idx < len(l.stamps) && now.Sub(l.stamps[idx]) > l.window {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

// Acquire blocks until a slot is free or the context is cancelled. The wait
// sleeps in short slices so shutdown is observed within one tick.
func (l *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()
		l.mu.Lock()
		l.evict(now)
		if len(l.stamps) < l.maxCalls {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.stamps[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if wait > maxSleepSlice {
			wait = maxSleepSlice
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset clears the call history.
func (l *SlidingWindow) Reset() {
	l.mu.Lock()
	l.stamps = l.stamps[:0]
	l.mu.Unlock()
}

// CurrentCount returns the number of calls inside the current window without
// blocking. Intended for diagnostics.
func (l *SlidingWindow) CurrentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(time.Now())
	return len(l.stamps)
}
