package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fundingwatch/logger"
	"fundingwatch/models"
)

// MarketStore is the single synchronization boundary for market state shared
// between the streaming manager, the scanner, the filter pipeline and the
// position switch. Every method is atomic with respect to concurrent callers
// and read results are copies, never live references.
//
// Funding-map membership and category membership may transiently diverge:
// funding can arrive before or after category assignment. Callers must
// tolerate a categorized symbol without a funding snapshot and vice versa.
type MarketStore struct {
	mu         sync.RWMutex
	funding    map[string]models.FundingSnapshot
	ticks      map[string]models.RealtimeTick
	categories map[string]models.SymbolCategory
	log        *logger.Entry
}

// NewMarketStore constructs an empty store. One instance is built at process
// start and handed to every consumer; there is no package-level singleton.
func NewMarketStore(log *logger.Log) *MarketStore {
	if log == nil {
		log = logger.GetLogger()
	}
	return &MarketStore{
		funding:    make(map[string]models.FundingSnapshot),
		ticks:      make(map[string]models.RealtimeTick),
		categories: make(map[string]models.SymbolCategory),
		log:        log.WithComponent("market_store"),
	}
}

// Funding returns the funding snapshot for a symbol.
func (s *MarketStore) Funding(symbol string) (models.FundingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.funding[symbol]
	return snap, ok
}

// SetFunding stores a funding snapshot, replacing any previous one. Invalid
// snapshots are rejected and logged so the store never holds garbage records.
func (s *MarketStore) SetFunding(snap models.FundingSnapshot) error {
	if err := snap.Validate(); err != nil {
		s.log.WithError(err).Warn("rejected funding snapshot")
		return err
	}
	s.mu.Lock()
	s.funding[snap.Symbol] = snap
	s.mu.Unlock()
	return nil
}

// RemoveFunding drops a symbol's funding snapshot when it leaves tracking.
func (s *MarketStore) RemoveFunding(symbol string) {
	s.mu.Lock()
	delete(s.funding, symbol)
	s.mu.Unlock()
}

// AllFunding returns a point-in-time copy of the funding map so pipeline
// stages cannot observe torn writes.
func (s *MarketStore) AllFunding() map[string]models.FundingSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.FundingSnapshot, len(s.funding))
	for k, v := range s.funding {
		out[k] = v
	}
	return out
}

// Realtime returns the latest streamed tick for a symbol.
func (s *MarketStore) Realtime(symbol string) (models.RealtimeTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.ticks[symbol]
	return tick, ok
}

// SetRealtime replaces the stored tick wholesale. Used for snapshot frames.
func (s *MarketStore) SetRealtime(tick models.RealtimeTick) error {
	if tick.Symbol == "" {
		err := fmt.Errorf("realtime tick missing symbol")
		s.log.WithError(err).Warn("rejected realtime tick")
		return err
	}
	s.mu.Lock()
	s.ticks[tick.Symbol] = tick
	s.mu.Unlock()
	return nil
}

// UpdateRealtime merges a partial update into the stored tick; absent fields
// keep their previous values. Empty deltas are rejected rather than applied.
func (s *MarketStore) UpdateRealtime(symbol string, delta models.TickDelta, ts time.Time) error {
	if symbol == "" {
		err := fmt.Errorf("realtime update missing symbol")
		s.log.WithError(err).Warn("rejected realtime update")
		return err
	}
	if delta.Empty() {
		err := fmt.Errorf("realtime update for %s carries no fields", symbol)
		s.log.WithError(err).Warn("rejected realtime update")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tick := s.ticks[symbol]
	tick.Symbol = symbol
	if delta.MarkPrice != nil {
		tick.MarkPrice = *delta.MarkPrice
	}
	if delta.LastPrice != nil {
		tick.LastPrice = *delta.LastPrice
	}
	if delta.Bid1 != nil {
		tick.Bid1 = *delta.Bid1
	}
	if delta.Ask1 != nil {
		tick.Ask1 = *delta.Ask1
	}
	if delta.Volume24h != nil {
		tick.Volume24h = *delta.Volume24h
	}
	if delta.FundingRate != nil {
		tick.FundingRate = *delta.FundingRate
	}
	if delta.NextFundingTime != nil {
		tick.NextFundingTime = *delta.NextFundingTime
	}
	tick.Timestamp = ts
	s.ticks[symbol] = tick
	return nil
}

// PurgeStaleRealtime removes ticks older than ttl and returns how many were
// dropped.
func (s *MarketStore) PurgeStaleRealtime(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for sym, tick := range s.ticks {
		if tick.Timestamp.Before(cutoff) {
			delete(s.ticks, sym)
			purged++
		}
	}
	return purged
}

// AddToCategory registers a symbol under a category.
func (s *MarketStore) AddToCategory(symbol string, category models.SymbolCategory) {
	s.mu.Lock()
	s.categories[symbol] = category
	s.mu.Unlock()
}

// RemoveFromCategory drops a symbol from category tracking. The category
// argument guards against racing removals after a reassignment.
func (s *MarketStore) RemoveFromCategory(symbol string, category models.SymbolCategory) {
	s.mu.Lock()
	if s.categories[symbol] == category {
		delete(s.categories, symbol)
	}
	s.mu.Unlock()
}

// Category returns the category a symbol is registered under.
func (s *MarketStore) Category(symbol string) (models.SymbolCategory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cat, ok := s.categories[symbol]
	return cat, ok
}

// Symbols returns the symbols registered under a category in deterministic
// (ascending) order.
func (s *MarketStore) Symbols(category models.SymbolCategory) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.categories))
	for sym, cat := range s.categories {
		if cat == category {
			out = append(out, sym)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Categories returns a copy of the full symbol to category map.
func (s *MarketStore) Categories() map[string]models.SymbolCategory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.SymbolCategory, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out
}

// TrackedCount returns the number of symbols with funding snapshots and the
// number of live ticks. Used by health reporting.
func (s *MarketStore) TrackedCount() (funding int, ticks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.funding), len(s.ticks)
}
