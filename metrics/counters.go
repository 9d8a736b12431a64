package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Process-wide counters for the summary exposed through GetSummary. Filter
// stage tallies are keyed by stage name and guarded separately since they are
// the only non-scalar values.
var (
	apiCalls       int64
	apiErrors      int64
	apiLatencyMsUp int64

	wsMessages   int64
	wsParseDrops int64
	wsReconnects int64
	wsErrors     int64
	wsOpenConns  int64

	scansRun    int64
	promotions  int64
	authRetries int64

	filterMu       sync.Mutex
	filterKept     = make(map[string]int64)
	filterRejected = make(map[string]int64)
)

// Summary is a point-in-time copy of every counter the engine maintains.
type Summary struct {
	APICalls        int64            `json:"api_calls"`
	APIErrors       int64            `json:"api_errors"`
	APIAvgLatencyMs float64          `json:"api_avg_latency_ms"`
	WSMessages      int64            `json:"ws_messages"`
	WSParseDrops    int64            `json:"ws_parse_drops"`
	WSReconnects    int64            `json:"ws_reconnects"`
	WSErrors        int64            `json:"ws_errors"`
	WSOpenConns     int64            `json:"ws_open_connections"`
	ScansRun        int64            `json:"scans_run"`
	Promotions      int64            `json:"promotions"`
	AuthRetries     int64            `json:"auth_retries"`
	FilterKept      map[string]int64 `json:"filter_kept"`
	FilterRejected  map[string]int64 `json:"filter_rejected"`
}

// RecordAPICall tracks one REST call with its latency and outcome.
func RecordAPICall(d time.Duration, err error) {
	atomic.AddInt64(&apiCalls, 1)
	atomic.AddInt64(&apiLatencyMsUp, d.Milliseconds())
	if err != nil {
		atomic.AddInt64(&apiErrors, 1)
	}
}

// RecordWSMessage tracks one inbound streaming frame.
func RecordWSMessage() { atomic.AddInt64(&wsMessages, 1) }

// RecordWSParseDrop tracks a malformed frame that was dropped at parse time.
func RecordWSParseDrop() { atomic.AddInt64(&wsParseDrops, 1) }

// RecordWSReconnect tracks one reconnection attempt.
func RecordWSReconnect() { atomic.AddInt64(&wsReconnects, 1) }

// RecordWSError tracks a streaming transport error.
func RecordWSError() { atomic.AddInt64(&wsErrors, 1) }

// RecordAuthRetry tracks a forced reconnect issued by the auth watchdog.
func RecordAuthRetry() { atomic.AddInt64(&authRetries, 1) }

// ConnOpened and ConnClosed maintain the open-connection gauge.
func ConnOpened() { atomic.AddInt64(&wsOpenConns, 1) }
func ConnClosed() { atomic.AddInt64(&wsOpenConns, -1) }

// RecordScan tracks one completed market rescan.
func RecordScan() { atomic.AddInt64(&scansRun, 1) }

// RecordPromotion tracks one candidate promoted into the watchlist.
func RecordPromotion() { atomic.AddInt64(&promotions, 1) }

// RecordFilterStage tracks kept/rejected tallies for one pipeline stage.
func RecordFilterStage(stage string, kept, rejected int) {
	filterMu.Lock()
	filterKept[stage] += int64(kept)
	filterRejected[stage] += int64(rejected)
	filterMu.Unlock()
}

// GetSummary returns a copy of all counters.
func GetSummary() Summary {
	s := Summary{
		APICalls:     atomic.LoadInt64(&apiCalls),
		APIErrors:    atomic.LoadInt64(&apiErrors),
		WSMessages:   atomic.LoadInt64(&wsMessages),
		WSParseDrops: atomic.LoadInt64(&wsParseDrops),
		WSReconnects: atomic.LoadInt64(&wsReconnects),
		WSErrors:     atomic.LoadInt64(&wsErrors),
		WSOpenConns:  atomic.LoadInt64(&wsOpenConns),
		ScansRun:     atomic.LoadInt64(&scansRun),
		Promotions:   atomic.LoadInt64(&promotions),
		AuthRetries:  atomic.LoadInt64(&authRetries),
	}
	if s.APICalls > 0 {
		s.APIAvgLatencyMs = float64(atomic.LoadInt64(&apiLatencyMsUp)) / float64(s.APICalls)
	}

	s.FilterKept = make(map[string]int64)
	s.FilterRejected = make(map[string]int64)
	filterMu.Lock()
	for k, v := range filterKept {
		s.FilterKept[k] = v
	}
	for k, v := range filterRejected {
		s.FilterRejected[k] = v
	}
	filterMu.Unlock()
	return s
}

// ResetCounters zeroes every counter. Intended for tests.
func ResetCounters() {
	atomic.StoreInt64(&apiCalls, 0)
	atomic.StoreInt64(&apiErrors, 0)
	atomic.StoreInt64(&apiLatencyMsUp, 0)
	atomic.StoreInt64(&wsMessages, 0)
	atomic.StoreInt64(&wsParseDrops, 0)
	atomic.StoreInt64(&wsReconnects, 0)
	atomic.StoreInt64(&wsErrors, 0)
	atomic.StoreInt64(&wsOpenConns, 0)
	atomic.StoreInt64(&scansRun, 0)
	atomic.StoreInt64(&promotions, 0)
	atomic.StoreInt64(&authRetries, 0)
	filterMu.Lock()
	filterKept = make(map[string]int64)
	filterRejected = make(map[string]int64)
	filterMu.Unlock()
}
