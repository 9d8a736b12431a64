package scanner

import (
	"sort"
	"sync"
	"time"

	"fundingwatch/filter"
	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
	"fundingwatch/store"
)

// PromoteFunc is called when a candidate clears every filter. The engine uses
// it to widen the streaming subscription to the promoted symbol.
type PromoteFunc func(symbol string, category models.SymbolCategory)

// CandidateMonitor watches near-miss symbols between rescans. A candidate
// passed the funding stage but fell to spread or volatility; streamed ticks
// can show those clearing before the next REST pass, and promotion should
// not wait for it.
type CandidateMonitor struct {
	store    *store.MarketStore
	criteria filter.Criteria
	vols     VolatilityReader
	promote  PromoteFunc
	log      *logger.Entry

	mu         sync.Mutex
	candidates map[string]models.SymbolCategory
}

func NewCandidateMonitor(st *store.MarketStore, criteria filter.Criteria, vols VolatilityReader, promote PromoteFunc, log *logger.Log) *CandidateMonitor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &CandidateMonitor{
		store:      st,
		criteria:   criteria,
		vols:       vols,
		promote:    promote,
		log:        log.WithComponent("candidate_monitor"),
		candidates: make(map[string]models.SymbolCategory),
	}
}

// Replace swaps the candidate set for the one produced by the latest rescan.
func (m *CandidateMonitor) Replace(symbols []string, cats map[string]models.SymbolCategory) {
	next := make(map[string]models.SymbolCategory, len(symbols))
	for _, sym := range symbols {
		if cat, ok := cats[sym]; ok {
			next[sym] = cat
		}
	}
	m.mu.Lock()
	m.candidates = next
	m.mu.Unlock()

	if len(next) > 0 {
		m.log.WithField("candidates", len(next)).Debug("candidate set replaced")
	}
}

// Candidates returns the current candidate symbols.
func (m *CandidateMonitor) Candidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.candidates))
	for sym := range m.candidates {
		out = append(out, sym)
	}
	return out
}

// CandidatesByCategory returns the candidate symbols split by category,
// sorted. Used to rebuild the streaming subscription set.
func (m *CandidateMonitor) CandidatesByCategory() (linear, inverse []string) {
	m.mu.Lock()
	for sym, cat := range m.candidates {
		if cat == models.CategoryInverse {
			inverse = append(inverse, sym)
		} else {
			linear = append(linear, sym)
		}
	}
	m.mu.Unlock()

	sort.Strings(linear)
	sort.Strings(inverse)
	return linear, inverse
}

// Categories returns the candidate symbol to category map. It satisfies the
// volatility tracker's symbol lister, so candidates get volatility values
// before they reach the watchlist.
func (m *CandidateMonitor) Categories() map[string]models.SymbolCategory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.SymbolCategory, len(m.candidates))
	for sym, cat := range m.candidates {
		out[sym] = cat
	}
	return out
}

// OnTick re-evaluates a candidate against the full criteria using streamed
// data. Promotion is idempotent: a symbol already carrying a funding
// snapshot in the store is on the watchlist and is only dropped from the
// candidate set.
func (m *CandidateMonitor) OnTick(tick models.RealtimeTick) {
	m.mu.Lock()
	cat, ok := m.candidates[tick.Symbol]
	m.mu.Unlock()
	if !ok {
		return
	}

	var vol float64
	var hasVol bool
	if m.vols != nil {
		snapshot := m.vols.Snapshot()
		vol, hasVol = snapshot[tick.Symbol]
	}

	now := time.Now()
	if !filter.CheckRealtimeFilters(tick, vol, hasVol, m.criteria, now) {
		return
	}

	m.mu.Lock()
	if _, still := m.candidates[tick.Symbol]; !still {
		m.mu.Unlock()
		return
	}
	delete(m.candidates, tick.Symbol)
	m.mu.Unlock()

	if _, exists := m.store.Funding(tick.Symbol); exists {
		return
	}

	snap := models.SnapshotFromTick(tick,
		filter.FormatTimeRemaining(tick.NextFundingTime, now),
		filter.Spread(tick.Bid1, tick.Ask1))
	if hasVol {
		snap.VolatilityPct = vol
		snap.HasVolatility = true
	}
	if err := m.store.SetFunding(snap); err != nil {
		m.log.WithError(err).WithField("symbol", tick.Symbol).Warn("promoted snapshot rejected")
		return
	}
	m.store.AddToCategory(tick.Symbol, cat)
	metrics.RecordPromotion()

	m.log.WithFields(logger.Fields{
		"symbol":   tick.Symbol,
		"category": cat,
	}).Info("candidate promoted to watchlist")

	if m.promote != nil {
		m.promote(tick.Symbol, cat)
	}
}
