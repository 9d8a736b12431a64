package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundingwatch/config"
	"fundingwatch/filter"
	"fundingwatch/models"
	"fundingwatch/store"
)

func fptr(v float64) *float64 { return &v }

type fakeSource struct {
	mu       sync.Mutex
	universe models.PerpUniverse
	linear   map[string]models.FundingEntry
	inverse  map[string]models.FundingEntry
	calls    int
}

func (f *fakeSource) PerpUniverse(ctx context.Context) (models.PerpUniverse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.universe, nil
}

func (f *fakeSource) FundingMap(ctx context.Context, cat models.SymbolCategory) (map[string]models.FundingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cat == models.CategoryInverse {
		return f.inverse, nil
	}
	return f.linear, nil
}

func (f *fakeSource) setLinear(entries map[string]models.FundingEntry) {
	f.mu.Lock()
	f.linear = entries
	f.mu.Unlock()
}

type fakeStreamer struct {
	mu         sync.Mutex
	running    bool
	subscribed bool
	narrowed   bool
	set        models.WatchSet
	starts     int
	applies    int
}

func (f *fakeStreamer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeStreamer) FullySubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running && f.subscribed
}

func (f *fakeStreamer) Start(ctx context.Context, set models.WatchSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	f.set = set
	return nil
}

func (f *fakeStreamer) ApplyWatchlist(set models.WatchSet) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.narrowed {
		return false, nil
	}
	f.applies++
	f.set = set
	return true, nil
}

func (f *fakeStreamer) ActiveSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(append([]string(nil), f.set.Linear...), f.set.Inverse...)
}

func (f *fakeStreamer) CandidateSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(append([]string(nil), f.set.CandidateLinear...), f.set.CandidateInverse...)
}

func (f *fakeStreamer) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

func (f *fakeStreamer) currentSet() models.WatchSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

type fakeVols struct {
	mu     sync.Mutex
	vols   map[string]float64
	pruned []map[string]struct{}
}

func (f *fakeVols) Snapshot() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vols
}

func (f *fakeVols) PruneInactive(active map[string]struct{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, active)
	removed := 0
	for sym := range f.vols {
		if _, ok := active[sym]; !ok {
			delete(f.vols, sym)
			removed++
		}
	}
	return removed
}

func testUniverse() models.PerpUniverse {
	return models.PerpUniverse{
		Linear:  []string{"AAAUSDT", "BBBUSDT"},
		Inverse: []string{"CCCUSD"},
		Categories: map[string]models.SymbolCategory{
			"AAAUSDT": models.CategoryLinear,
			"BBBUSDT": models.CategoryLinear,
			"CCCUSD":  models.CategoryInverse,
		},
		Total: 3,
	}
}

func entry(sym string, funding float64, next time.Time) models.FundingEntry {
	return models.FundingEntry{
		Symbol:          sym,
		FundingRate:     funding,
		Volume24h:       50e6,
		NextFundingTime: next.UnixMilli(),
		Bid1:            100,
		Ask1:            100.1,
	}
}

func scannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		Interval: config.Duration(50 * time.Millisecond),
		Step:     config.Duration(10 * time.Millisecond),
	}
}

func newTestScanner(source *fakeSource, st *store.MarketStore, streamer Streamer) *Scanner {
	builder := filter.NewBuilder(filter.Criteria{FundingMin: fptr(0.0002)}, nil)
	return New(source, st, builder, &fakeVols{}, streamer, nil, scannerConfig(), nil)
}

func TestLoadWatchlistAppliesToStore(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear: map[string]models.FundingEntry{
			"AAAUSDT": entry("AAAUSDT", 0.0005, next),
			"BBBUSDT": entry("BBBUSDT", 0.00001, next),
		},
		inverse: map[string]models.FundingEntry{
			"CCCUSD": entry("CCCUSD", -0.0004, next),
		},
	}
	st := store.NewMarketStore(nil)
	s := newTestScanner(source, st, nil)

	res, err := s.LoadWatchlist(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if res.Total() != 2 {
		t.Fatalf("expected 2 watchlist symbols, got %+v", res)
	}

	if _, ok := st.Funding("AAAUSDT"); !ok {
		t.Fatalf("linear survivor not stored")
	}
	if _, ok := st.Funding("CCCUSD"); !ok {
		t.Fatalf("inverse survivor not stored")
	}
	if _, ok := st.Funding("BBBUSDT"); ok {
		t.Fatalf("weak funding must not be stored")
	}
	if cat, _ := st.Category("CCCUSD"); cat != models.CategoryInverse {
		t.Fatalf("category not stored")
	}
}

func TestLoadWatchlistRemovesDeparted(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear: map[string]models.FundingEntry{
			"AAAUSDT": entry("AAAUSDT", 0.0005, next),
		},
		inverse: map[string]models.FundingEntry{},
	}
	st := store.NewMarketStore(nil)
	s := newTestScanner(source, st, nil)

	if _, err := s.LoadWatchlist(context.Background()); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	// Funding cooled off; the symbol must leave the store.
	source.setLinear(map[string]models.FundingEntry{
		"AAAUSDT": entry("AAAUSDT", 0.00001, next),
	})
	if _, err := s.LoadWatchlist(context.Background()); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if _, ok := st.Funding("AAAUSDT"); ok {
		t.Fatalf("departed symbol still in store")
	}
	if _, ok := st.Category("AAAUSDT"); ok {
		t.Fatalf("departed symbol still categorized")
	}
}

func TestLoadWatchlistIgnoresUnknownSymbols(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear: map[string]models.FundingEntry{
			"AAAUSDT":   entry("AAAUSDT", 0.0005, next),
			"GHOSTUSDT": entry("GHOSTUSDT", 0.0009, next),
		},
		inverse: map[string]models.FundingEntry{},
	}
	st := store.NewMarketStore(nil)
	s := newTestScanner(source, st, nil)

	res, err := s.LoadWatchlist(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	for _, sym := range res.Linear {
		if sym == "GHOSTUSDT" {
			t.Fatalf("symbols outside the discovered universe must be ignored")
		}
	}
}

func TestRescanRealignsStreamer(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear: map[string]models.FundingEntry{
			"AAAUSDT": entry("AAAUSDT", 0.0005, next),
		},
		inverse: map[string]models.FundingEntry{},
	}
	st := store.NewMarketStore(nil)
	streamer := &fakeStreamer{}
	s := newTestScanner(source, st, streamer)

	// Streaming starts with a set that the next rescan will contradict.
	streamer.Start(context.Background(), models.WatchSet{Linear: []string{"STALEUSDT"}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for streamer.applyCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("streamer never realigned")
		case <-time.After(10 * time.Millisecond):
		}
	}
	active := streamer.ActiveSymbols()
	if len(active) != 1 || active[0] != "AAAUSDT" {
		t.Fatalf("realigned set wrong: %v", active)
	}
}

func TestRescanSkipsWhenFullySubscribed(t *testing.T) {
	source := &fakeSource{universe: testUniverse()}
	streamer := &fakeStreamer{running: true, subscribed: true}
	s := newTestScanner(source, store.NewMarketStore(nil), streamer)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	if calls != 0 {
		t.Fatalf("fully subscribed stream must skip rescans, saw %d fetches", calls)
	}
}

func TestRescanStartsStoppedStreamer(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear:   map[string]models.FundingEntry{"AAAUSDT": entry("AAAUSDT", 0.0005, next)},
		inverse:  map[string]models.FundingEntry{},
	}
	streamer := &fakeStreamer{}
	s := newTestScanner(source, store.NewMarketStore(nil), streamer)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for !streamer.IsRunning() {
		select {
		case <-deadline:
			t.Fatalf("rescan never started the streamer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	active := streamer.ActiveSymbols()
	if len(active) != 1 || active[0] != "AAAUSDT" {
		t.Fatalf("streamer started with wrong set: %v", active)
	}
}

func TestRescanSubscribesCandidates(t *testing.T) {
	next := time.Now().Add(time.Hour)
	wide := entry("BBBUSDT", 0.0005, next)
	wide.Ask1 = 105

	source := &fakeSource{
		universe: testUniverse(),
		linear: map[string]models.FundingEntry{
			"AAAUSDT": entry("AAAUSDT", 0.0005, next),
			"BBBUSDT": wide,
		},
		inverse: map[string]models.FundingEntry{},
	}
	st := store.NewMarketStore(nil)
	streamer := &fakeStreamer{}
	builder := filter.NewBuilder(filter.Criteria{FundingMin: fptr(0.0002), SpreadMax: fptr(0.005)}, nil)
	monitor := NewCandidateMonitor(st, filter.Criteria{}, &fakeVols{}, nil, nil)
	s := New(source, st, builder, &fakeVols{}, streamer, monitor, scannerConfig(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for !streamer.IsRunning() {
		select {
		case <-deadline:
			t.Fatalf("rescan never started the streamer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	set := streamer.currentSet()
	if len(set.Linear) != 1 || set.Linear[0] != "AAAUSDT" {
		t.Fatalf("watchlist wrong: %+v", set)
	}
	// The near-miss streams too; its ticks drive promotion.
	if len(set.CandidateLinear) != 1 || set.CandidateLinear[0] != "BBBUSDT" {
		t.Fatalf("candidate must be subscribed: %+v", set)
	}
}

func TestWatchlistFillsOnceVolatilityKnown(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear:   map[string]models.FundingEntry{"AAAUSDT": entry("AAAUSDT", 0.0005, next)},
		inverse:  map[string]models.FundingEntry{},
	}
	st := store.NewMarketStore(nil)
	vols := &fakeVols{vols: map[string]float64{}}
	builder := filter.NewBuilder(filter.Criteria{FundingMin: fptr(0.0002), VolatilityMin: fptr(1.0)}, nil)
	monitor := NewCandidateMonitor(st, filter.Criteria{}, vols, nil, nil)
	s := New(source, st, builder, vols, nil, monitor, scannerConfig(), nil)

	// Cold cache: nothing qualifies yet, but the near-miss stays visible to
	// the volatility tracker through the candidate set.
	res, err := s.LoadWatchlist(context.Background())
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if res.Total() != 0 {
		t.Fatalf("cold cache must yield an empty watchlist: %+v", res)
	}
	cats := monitor.Categories()
	if len(cats) != 1 || cats["AAAUSDT"] != models.CategoryLinear {
		t.Fatalf("candidate must be listed for volatility refresh: %v", cats)
	}

	// A refresh pass filled the cache; the next build admits the symbol.
	vols.mu.Lock()
	vols.vols["AAAUSDT"] = 2.5
	vols.mu.Unlock()

	res, err = s.LoadWatchlist(context.Background())
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if res.Total() != 1 || len(res.Linear) != 1 || res.Linear[0] != "AAAUSDT" {
		t.Fatalf("watchlist must fill once volatility is known: %+v", res)
	}
}

func TestApplyResultPrunesVolatility(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear:   map[string]models.FundingEntry{"AAAUSDT": entry("AAAUSDT", 0.0005, next)},
		inverse:  map[string]models.FundingEntry{},
	}
	vols := &fakeVols{vols: map[string]float64{
		"AAAUSDT":     1.5,
		"DELISTEDUSD": 2.0,
	}}
	builder := filter.NewBuilder(filter.Criteria{FundingMin: fptr(0.0002)}, nil)
	s := New(source, store.NewMarketStore(nil), builder, vols, nil, nil, scannerConfig(), nil)

	if _, err := s.LoadWatchlist(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	vols.mu.Lock()
	defer vols.mu.Unlock()
	if _, ok := vols.vols["DELISTEDUSD"]; ok {
		t.Fatalf("volatility for a symbol outside the watchlist must be pruned")
	}
	if _, ok := vols.vols["AAAUSDT"]; !ok {
		t.Fatalf("volatility for a live symbol must survive the prune")
	}
}

func TestScannerPauseSkipsRescans(t *testing.T) {
	next := time.Now().Add(time.Hour)
	source := &fakeSource{
		universe: testUniverse(),
		linear:   map[string]models.FundingEntry{"AAAUSDT": entry("AAAUSDT", 0.0005, next)},
		inverse:  map[string]models.FundingEntry{},
	}
	s := newTestScanner(source, store.NewMarketStore(nil), nil)

	s.Pause()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	if calls != 0 {
		t.Fatalf("paused scanner must not fetch, saw %d calls", calls)
	}

	s.Resume()
	deadline := time.After(2 * time.Second)
	for {
		source.mu.Lock()
		calls = source.calls
		source.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("resumed scanner never fetched")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScannerStartIdempotent(t *testing.T) {
	source := &fakeSource{universe: testUniverse()}
	s := newTestScanner(source, store.NewMarketStore(nil), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("double start must fail")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatalf("scanner should be stopped")
	}
}

func TestCandidatePromotion(t *testing.T) {
	st := store.NewMarketStore(nil)
	criteria := filter.Criteria{FundingMin: fptr(0.0002), SpreadMax: fptr(0.01)}

	var promoted []string
	m := NewCandidateMonitor(st, criteria, &fakeVols{}, func(sym string, cat models.SymbolCategory) {
		promoted = append(promoted, sym)
	}, nil)

	cats := map[string]models.SymbolCategory{"NEARUSDT": models.CategoryLinear}
	m.Replace([]string{"NEARUSDT"}, cats)

	// Still failing: spread too wide.
	wide := models.RealtimeTick{
		Symbol: "NEARUSDT", FundingRate: 0.0005,
		Bid1: 100, Ask1: 105,
		NextFundingTime: time.Now().Add(time.Hour).UnixMilli(),
	}
	m.OnTick(wide)
	if len(promoted) != 0 {
		t.Fatalf("failing candidate must not promote")
	}
	if len(m.Candidates()) != 1 {
		t.Fatalf("failing candidate must stay tracked")
	}

	// Spread tightened: promotion fires once.
	tight := wide
	tight.Ask1 = 100.1
	m.OnTick(tight)
	if len(promoted) != 1 || promoted[0] != "NEARUSDT" {
		t.Fatalf("promotion missing: %v", promoted)
	}
	if _, ok := st.Funding("NEARUSDT"); !ok {
		t.Fatalf("promoted snapshot not stored")
	}
	if cat, _ := st.Category("NEARUSDT"); cat != models.CategoryLinear {
		t.Fatalf("promoted symbol not categorized")
	}

	// A second matching tick is a no-op; the symbol left the candidate set.
	m.OnTick(tight)
	if len(promoted) != 1 {
		t.Fatalf("promotion must be idempotent: %v", promoted)
	}
}

func TestCandidateIgnoresUntracked(t *testing.T) {
	st := store.NewMarketStore(nil)
	m := NewCandidateMonitor(st, filter.Criteria{}, nil, nil, nil)
	m.OnTick(models.RealtimeTick{Symbol: "RANDOMUSDT", Bid1: 1, Ask1: 1.01})
	if _, ok := st.Funding("RANDOMUSDT"); ok {
		t.Fatalf("untracked symbol must not be promoted")
	}
}
