package health

import (
	"runtime"
	"time"

	"fundingwatch/metrics"
)

// Runnable is anything with a liveness flag worth reporting.
type Runnable interface {
	IsRunning() bool
}

// Status is one point-in-time health report.
type Status struct {
	Healthy     bool            `json:"healthy"`
	Uptime      string          `json:"uptime"`
	Components  map[string]bool `json:"components"`
	Goroutines  int             `json:"goroutines"`
	HeapAllocMB float64         `json:"heap_alloc_mb"`
	Metrics     metrics.Summary `json:"metrics"`
}

// Monitor aggregates component liveness into one status view.
type Monitor struct {
	started    time.Time
	components map[string]Runnable
}

func NewMonitor() *Monitor {
	return &Monitor{
		started:    time.Now(),
		components: make(map[string]Runnable),
	}
}

// Register adds a component to the report. Nil components are ignored so
// optional pieces (the private stream without credentials) can be skipped.
func (m *Monitor) Register(name string, c Runnable) {
	if c == nil {
		return
	}
	m.components[name] = c
}

// Status reports component liveness and process vitals. Healthy means every
// registered component is running.
func (m *Monitor) Status() Status {
	components := make(map[string]bool, len(m.components))
	healthy := true
	for name, c := range m.components {
		running := c.IsRunning()
		components[name] = running
		if !running {
			healthy = false
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Status{
		Healthy:     healthy,
		Uptime:      time.Since(m.started).Round(time.Second).String(),
		Components:  components,
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
		Metrics:     metrics.GetSummary(),
	}
}
