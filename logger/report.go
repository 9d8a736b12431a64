package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

var componentStats sync.Map // map[string]*componentStat

func recordWarn(component string) {
	v, _ := componentStats.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := componentStats.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// WarnErrorCounts returns the accumulated warn/error totals per component.
func WarnErrorCounts() map[string][2]int64 {
	out := make(map[string][2]int64)
	componentStats.Range(func(k, v interface{}) bool {
		cs := v.(*componentStat)
		out[k.(string)] = [2]int64{
			atomic.LoadInt64(&cs.warns),
			atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	return out
}

// StartReport emits a periodic summary of log warn/error counts and runtime
// memory usage until the context is cancelled. It is enabled when the logging
// level is set to "report".
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitReport(log)
			}
		}
	}()
}

func emitReport(log *Log) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	entry := log.WithComponent("report")
	entry.LogMetric("report", "heap_alloc_mb", float64(ms.HeapAlloc)/(1024*1024), "gauge", nil)
	entry.LogMetric("report", "goroutines", runtime.NumGoroutine(), "gauge", nil)

	componentStats.Range(func(k, v interface{}) bool {
		cs := v.(*componentStat)
		warns := atomic.LoadInt64(&cs.warns)
		errors := atomic.LoadInt64(&cs.errors)
		if warns > 0 || errors > 0 {
			entry.WithFields(Fields{
				"target": k.(string),
				"warns":  warns,
				"errors": errors,
			}).Info("component log totals")
		}
		return true
	})
}
