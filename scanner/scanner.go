package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingwatch/config"
	"fundingwatch/filter"
	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
	"fundingwatch/store"
)

// MarketSource is the REST surface the scanner needs.
type MarketSource interface {
	PerpUniverse(ctx context.Context) (models.PerpUniverse, error)
	FundingMap(ctx context.Context, category models.SymbolCategory) (map[string]models.FundingEntry, error)
}

// Streamer is the streaming surface the scanner drives. ApplyWatchlist may
// defer (false, nil) while the stream is narrowed to a position symbol.
type Streamer interface {
	IsRunning() bool
	FullySubscribed() bool
	Start(ctx context.Context, set models.WatchSet) error
	ApplyWatchlist(set models.WatchSet) (bool, error)
	ActiveSymbols() []string
	CandidateSymbols() []string
}

// VolatilityReader supplies cached volatility values to the filter pipeline
// and accepts membership updates so departed symbols leave the cache.
type VolatilityReader interface {
	Snapshot() map[string]float64
	PruneInactive(active map[string]struct{}) int
}

// Scanner periodically rebuilds the watchlist from fresh REST data and keeps
// the streaming layer aligned with it. While a position holds the engine in
// single-symbol mode the scanner pauses; rescans resume when the position
// closes.
type Scanner struct {
	source     MarketSource
	store      *store.MarketStore
	builder    *filter.Builder
	vols       VolatilityReader
	streamer   Streamer
	cfg        config.ScannerConfig
	candidates *CandidateMonitor
	log        *logger.Entry

	mu        sync.Mutex
	running   bool
	paused    bool
	cancel    context.CancelFunc
	done      chan struct{}
	watchlist map[string]struct{}
}

func New(source MarketSource, st *store.MarketStore, builder *filter.Builder, vols VolatilityReader, streamer Streamer, candidates *CandidateMonitor, cfg config.ScannerConfig, log *logger.Log) *Scanner {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Scanner{
		source:     source,
		store:      st,
		builder:    builder,
		vols:       vols,
		streamer:   streamer,
		candidates: candidates,
		cfg:        cfg,
		log:        log.WithComponent("scanner"),
		watchlist:  make(map[string]struct{}),
	}
}

// fetchUniverse pulls instruments and both funding maps in one pass.
func (s *Scanner) fetchUniverse(ctx context.Context) (models.PerpUniverse, map[string]models.FundingEntry, error) {
	universe, err := s.source.PerpUniverse(ctx)
	if err != nil {
		return universe, nil, fmt.Errorf("universe discovery failed: %w", err)
	}

	entries := make(map[string]models.FundingEntry)
	for _, cat := range []models.SymbolCategory{models.CategoryLinear, models.CategoryInverse} {
		m, err := s.source.FundingMap(ctx, cat)
		if err != nil {
			return universe, nil, fmt.Errorf("funding map for %s failed: %w", cat, err)
		}
		for sym, e := range m {
			// Only perpetuals discovered this pass participate.
			if _, ok := universe.Categories[sym]; ok {
				entries[sym] = e
			}
		}
	}
	return universe, entries, nil
}

// LoadWatchlist builds the watchlist from fresh REST data, applies it to the
// store, and returns the result. It does not touch the streaming layer.
func (s *Scanner) LoadWatchlist(ctx context.Context) (filter.BuildResult, error) {
	universe, entries, err := s.fetchUniverse(ctx)
	if err != nil {
		return filter.BuildResult{}, err
	}

	var vols map[string]float64
	if s.vols != nil {
		vols = s.vols.Snapshot()
	}
	result := s.builder.Build(entries, universe.Categories, vols, time.Now())
	s.applyResult(result, universe)
	return result, nil
}

// applyResult diffs the new watchlist against the previous one and updates
// the store: departed symbols are removed, survivors and newcomers get fresh
// snapshots and category membership.
func (s *Scanner) applyResult(result filter.BuildResult, universe models.PerpUniverse) {
	next := make(map[string]struct{}, result.Total())
	for sym, snap := range result.Funding {
		next[sym] = struct{}{}
		if err := s.store.SetFunding(snap); err != nil {
			s.log.WithError(err).WithField("symbol", sym).Warn("snapshot rejected by store")
			delete(next, sym)
			continue
		}
		if cat, ok := universe.Categories[sym]; ok {
			s.store.AddToCategory(sym, cat)
		}
	}

	s.mu.Lock()
	prev := s.watchlist
	s.watchlist = next
	s.mu.Unlock()

	for sym := range prev {
		if _, ok := next[sym]; !ok {
			s.store.RemoveFunding(sym)
			if cat, ok := universe.Categories[sym]; ok {
				s.store.RemoveFromCategory(sym, cat)
			}
		}
	}

	if s.candidates != nil {
		s.candidates.Replace(result.Candidates, universe.Categories)
	}

	if s.vols != nil {
		active := make(map[string]struct{}, len(next)+len(result.Candidates))
		for sym := range next {
			active[sym] = struct{}{}
		}
		for _, sym := range result.Candidates {
			active[sym] = struct{}{}
		}
		if removed := s.vols.PruneInactive(active); removed > 0 {
			s.log.WithField("removed", removed).Debug("volatility cache pruned to current membership")
		}
	}
}

// Start launches the rescan loop.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	s.log.WithFields(logger.Fields{
		"interval": s.cfg.Interval.Std(),
		"step":     s.cfg.Step.Std(),
	}).Info("scanner started")
	return nil
}

// Stop halts the loop and waits for it.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scanner stopped")
}

// IsRunning reports whether the rescan loop is active.
func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pause suspends rescans while the engine is in single-symbol position mode.
func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("scanner paused")
}

// Resume re-enables rescans.
func (s *Scanner) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("scanner resumed")
}

func (s *Scanner) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)
	for {
		if !s.sleepInterval(ctx) {
			return
		}
		if s.isPaused() {
			continue
		}
		s.rescan(ctx)
	}
}

// sleepInterval waits one rescan interval in step-sized slices so
// cancellation is observed within one step. Returns false when ctx ended.
func (s *Scanner) sleepInterval(ctx context.Context) bool {
	interval := s.cfg.Interval.Std()
	step := s.cfg.Step.Std()
	if step <= 0 || step > interval {
		step = interval
	}

	deadline := time.Now().Add(interval)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}

func (s *Scanner) rescan(ctx context.Context) {
	// A fully subscribed stream means the current watchlist is already live
	// end to end; skip the universe scan this cycle.
	if s.streamer != nil && s.streamer.IsRunning() && s.streamer.FullySubscribed() {
		s.log.Debug("stream fully subscribed, skipping rescan")
		return
	}

	result, err := s.LoadWatchlist(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("rescan failed, keeping previous watchlist")
		return
	}
	metrics.RecordScan()

	// The pause flag may have flipped during the slow fetch; a position
	// switch must not be overwritten by a stale rescan.
	if ctx.Err() != nil || s.isPaused() {
		return
	}

	if s.streamer == nil {
		return
	}
	set := result.WatchSet()
	if !s.streamer.IsRunning() {
		// Candidates alone are worth streaming: their ticks are the only
		// path onto an empty watchlist.
		if result.Total()+len(result.Candidates) == 0 {
			return
		}
		if err := s.streamer.Start(ctx, set); err != nil {
			s.log.WithError(err).Warn("failed to start streaming from rescan")
		}
		return
	}
	if watchlistChanged(s.streamer.ActiveSymbols(), result) ||
		candidatesChanged(s.streamer.CandidateSymbols(), result) {
		applied, err := s.streamer.ApplyWatchlist(set)
		if err != nil {
			s.log.WithError(err).Warn("failed to apply rescanned watchlist to stream")
		} else if !applied {
			s.log.Debug("stream narrowed to a position, watchlist apply deferred")
		}
	}
}

// watchlistChanged compares the streaming symbol set with a build result.
func watchlistChanged(active []string, result filter.BuildResult) bool {
	return setChanged(active, result.Linear, result.Inverse)
}

// candidatesChanged compares the streamed candidate set with a build result.
func candidatesChanged(streamed []string, result filter.BuildResult) bool {
	return setChanged(streamed, result.CandidateLinear, result.CandidateInverse)
}

func setChanged(current []string, linear, inverse []string) bool {
	if len(current) != len(linear)+len(inverse) {
		return true
	}
	want := make(map[string]struct{}, len(linear)+len(inverse))
	for _, s := range linear {
		want[s] = struct{}{}
	}
	for _, s := range inverse {
		want[s] = struct{}{}
	}
	for _, s := range current {
		if _, ok := want[s]; !ok {
			return true
		}
	}
	return false
}
