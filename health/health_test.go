package health

import (
	"testing"
)

type stubRunnable struct{ running bool }

func (s *stubRunnable) IsRunning() bool { return s.running }

func TestStatusAggregatesComponents(t *testing.T) {
	m := NewMonitor()
	m.Register("scanner", &stubRunnable{running: true})
	m.Register("stream", &stubRunnable{running: true})
	m.Register("private_stream", nil)

	st := m.Status()
	if !st.Healthy {
		t.Fatalf("all components running, expected healthy: %+v", st)
	}
	if len(st.Components) != 2 {
		t.Fatalf("nil components must not be registered: %+v", st.Components)
	}
	if st.Goroutines <= 0 {
		t.Fatalf("goroutine count missing")
	}
}

func TestStatusUnhealthyWhenComponentDown(t *testing.T) {
	m := NewMonitor()
	m.Register("scanner", &stubRunnable{running: false})
	if st := m.Status(); st.Healthy {
		t.Fatalf("stopped component must make status unhealthy")
	}
}
