package volatility

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundingwatch/config"
	"fundingwatch/models"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCacheTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(120*time.Second, 10, clock.Now)

	c.Set("BTCUSDT", 1.5)

	clock.Advance(119 * time.Second)
	if v, ok := c.Get("BTCUSDT"); !ok || v != 1.5 {
		t.Fatalf("entry must still be fresh at 119s: (%v, %v)", v, ok)
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatalf("entry must be expired at 121s")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be removed on read")
	}
}

func TestCacheSnapshotSkipsStale(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Minute, 10, clock.Now)

	c.Set("OLD", 1.0)
	clock.Advance(2 * time.Minute)
	c.Set("NEW", 2.0)

	snap := c.Snapshot()
	if len(snap) != 1 || snap["NEW"] != 2.0 {
		t.Fatalf("snapshot must hold only fresh entries: %v", snap)
	}
}

func TestCacheClearStale(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Minute, 10, clock.Now)

	c.Set("A", 1)
	c.Set("B", 2)
	clock.Advance(2 * time.Minute)
	c.Set("C", 3)

	if removed := c.ClearStale(); removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("only the fresh entry should remain, len=%d", c.Len())
	}
}

func TestCachePruneInactive(t *testing.T) {
	c := NewCache(time.Hour, 10, nil)
	c.Set("KEEPUSDT", 1)
	c.Set("GONEUSDT", 2)
	c.Set("ALSOGONE", 3)

	removed := c.PruneInactive(map[string]struct{}{"KEEPUSDT": {}})
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, ok := c.Get("KEEPUSDT"); !ok {
		t.Fatalf("active entry must survive the prune")
	}
	if c.Len() != 1 {
		t.Fatalf("inactive entries must be gone, len=%d", c.Len())
	}
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Hour, 2, clock.Now)

	c.Set("FIRST", 1)
	clock.Advance(time.Second)
	c.Set("SECOND", 2)
	clock.Advance(time.Second)
	c.Set("THIRD", 3)

	if _, ok := c.Get("FIRST"); ok {
		t.Fatalf("oldest entry must be evicted at capacity")
	}
	if _, ok := c.Get("SECOND"); !ok {
		t.Fatalf("newer entry evicted instead of oldest")
	}
	if _, ok := c.Get("THIRD"); !ok {
		t.Fatalf("incoming entry missing")
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Hour, 2, clock.Now)
	c.Set("A", 1)
	c.Set("B", 2)
	c.Set("A", 9)
	if c.Len() != 2 {
		t.Fatalf("overwrite must not trigger eviction, len=%d", c.Len())
	}
	if v, _ := c.Get("A"); v != 9 {
		t.Fatalf("overwrite lost: %v", v)
	}
}

type fakeSource struct {
	mu    sync.Mutex
	vols  map[string]float64
	calls int
}

func (s *fakeSource) VolatilityPct(ctx context.Context, cat models.SymbolCategory, symbol, interval string, bars int) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	v, ok := s.vols[symbol]
	return v, ok, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeLister struct{ cats map[string]models.SymbolCategory }

func (l *fakeLister) Categories() map[string]models.SymbolCategory { return l.cats }

func trackerConfig() config.VolatilityConfig {
	return config.VolatilityConfig{
		TTL:             config.Duration(time.Minute),
		RefreshInterval: config.Duration(50 * time.Millisecond),
		SweepInterval:   config.Duration(time.Hour),
		CacheCap:        10,
		KlineInterval:   "5",
		KlineBars:       12,
	}
}

func TestMergeListers(t *testing.T) {
	watch := &fakeLister{cats: map[string]models.SymbolCategory{
		"BTCUSDT": models.CategoryLinear,
	}}
	cands := &fakeLister{cats: map[string]models.SymbolCategory{
		"ETHUSD":  models.CategoryInverse,
		"BTCUSDT": models.CategoryLinear,
	}}

	merged := MergeListers(watch, nil, cands).Categories()
	if len(merged) != 2 {
		t.Fatalf("merge must dedupe across listers: %v", merged)
	}
	if merged["BTCUSDT"] != models.CategoryLinear || merged["ETHUSD"] != models.CategoryInverse {
		t.Fatalf("merged categories wrong: %v", merged)
	}

	if got := MergeListers().Categories(); len(got) != 0 {
		t.Fatalf("empty merge must yield an empty map: %v", got)
	}
}

func TestTrackerRefreshesCache(t *testing.T) {
	source := &fakeSource{vols: map[string]float64{"BTCUSDT": 1.5, "ETHUSDT": 2.5}}
	lister := &fakeLister{cats: map[string]models.SymbolCategory{
		"BTCUSDT": models.CategoryLinear,
		"ETHUSDT": models.CategoryLinear,
	}}
	cache := NewCache(time.Minute, 10, nil)
	tr := NewTracker(cache, source, lister, trackerConfig(), nil)

	tr.Start(context.Background())
	defer tr.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if v, ok := cache.Get("BTCUSDT"); ok && v == 1.5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cache never populated")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if v, ok := cache.Get("ETHUSDT"); !ok || v != 2.5 {
		t.Fatalf("second symbol not refreshed: (%v, %v)", v, ok)
	}
}

func TestTrackerStartIdempotent(t *testing.T) {
	source := &fakeSource{vols: map[string]float64{}}
	lister := &fakeLister{cats: map[string]models.SymbolCategory{}}
	tr := NewTracker(NewCache(time.Minute, 10, nil), source, lister, trackerConfig(), nil)

	tr.Start(context.Background())
	tr.Start(context.Background())
	if !tr.IsRunning() {
		t.Fatalf("tracker should be running")
	}

	tr.Stop()
	if tr.IsRunning() {
		t.Fatalf("tracker should be stopped")
	}
	// A second stop must not hang or panic.
	tr.Stop()
}

func TestTrackerStopHaltsRefresh(t *testing.T) {
	source := &fakeSource{vols: map[string]float64{"BTCUSDT": 1.0}}
	lister := &fakeLister{cats: map[string]models.SymbolCategory{"BTCUSDT": models.CategoryLinear}}
	tr := NewTracker(NewCache(time.Minute, 10, nil), source, lister, trackerConfig(), nil)

	tr.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	tr.Stop()

	settled := source.callCount()
	time.Sleep(150 * time.Millisecond)
	if source.callCount() != settled {
		t.Fatalf("refresh continued after stop")
	}
}
