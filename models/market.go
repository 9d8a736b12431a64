package models

import (
	"fmt"
	"time"
)

// SymbolCategory identifies the Bybit product family a perpetual contract
// belongs to. It is immutable for the lifetime of a session.
type SymbolCategory string

const (
	CategoryLinear  SymbolCategory = "linear"
	CategoryInverse SymbolCategory = "inverse"
)

// ParseCategory validates a category string coming from configuration or the
// instruments endpoint.
func ParseCategory(s string) (SymbolCategory, error) {
	switch SymbolCategory(s) {
	case CategoryLinear:
		return CategoryLinear, nil
	case CategoryInverse:
		return CategoryInverse, nil
	default:
		return "", fmt.Errorf("unknown symbol category %q", s)
	}
}

// FundingSnapshot is the per-symbol funding view held for every watchlist
// member. Snapshots are superseded whole; no history is kept.
type FundingSnapshot struct {
	Symbol        string  `json:"symbol"`
	FundingRate   float64 `json:"funding_rate"`
	Volume24h     float64 `json:"volume_24h"`
	TimeRemaining string  `json:"next_funding_in"`
	SpreadPct     float64 `json:"spread_pct"`
	VolatilityPct float64 `json:"volatility_pct,omitempty"`
	HasVolatility bool    `json:"-"`
}

// Validate rejects snapshots that would poison the shared store.
func (s FundingSnapshot) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("funding snapshot missing symbol")
	}
	if s.Volume24h < 0 {
		return fmt.Errorf("funding snapshot for %s has negative volume", s.Symbol)
	}
	if s.SpreadPct < 0 {
		return fmt.Errorf("funding snapshot for %s has negative spread", s.Symbol)
	}
	return nil
}

// RealtimeTick is the latest streamed market state for one symbol. It has one
// logical writer (the streaming manager) and many concurrent readers.
type RealtimeTick struct {
	Symbol          string    `json:"symbol"`
	MarkPrice       float64   `json:"mark_price"`
	LastPrice       float64   `json:"last_price"`
	Bid1            float64   `json:"bid1"`
	Ask1            float64   `json:"ask1"`
	Volume24h       float64   `json:"volume_24h"`
	FundingRate     float64   `json:"funding_rate"`
	NextFundingTime int64     `json:"next_funding_time"`
	Timestamp       time.Time `json:"timestamp"`
}

// TickDelta carries a partial realtime update. Nil fields are left untouched
// when the delta is merged into the stored tick.
type TickDelta struct {
	MarkPrice       *float64
	LastPrice       *float64
	Bid1            *float64
	Ask1            *float64
	Volume24h       *float64
	FundingRate     *float64
	NextFundingTime *int64
}

// Empty reports whether the delta carries no fields at all.
func (d TickDelta) Empty() bool {
	return d.MarkPrice == nil && d.LastPrice == nil && d.Bid1 == nil &&
		d.Ask1 == nil && d.Volume24h == nil && d.FundingRate == nil &&
		d.NextFundingTime == nil
}

// FundingEntry is one row of the REST funding map, the raw input to the
// filter pipeline.
type FundingEntry struct {
	Symbol          string
	FundingRate     float64
	Volume24h       float64
	NextFundingTime int64
	Bid1            float64
	Ask1            float64
}

// PerpUniverse is the instrument universe returned by the instruments-info
// endpoint at startup and on each full rescan.
type PerpUniverse struct {
	Linear     []string
	Inverse    []string
	Categories map[string]SymbolCategory
	Total      int
}

// WatchSet names the symbols one streaming generation subscribes to. The
// candidate lists stream alongside the watchlist so near-miss symbols can be
// re-evaluated from live ticks, but they are not watchlist members.
type WatchSet struct {
	Linear           []string
	Inverse          []string
	CandidateLinear  []string
	CandidateInverse []string
}

// AllLinear returns the linear watchlist plus candidate symbols.
func (w WatchSet) AllLinear() []string {
	return append(append([]string(nil), w.Linear...), w.CandidateLinear...)
}

// AllInverse returns the inverse watchlist plus candidate symbols.
func (w WatchSet) AllInverse() []string {
	return append(append([]string(nil), w.Inverse...), w.CandidateInverse...)
}

// SubscriptionPlan assigns a slice of symbols to one streaming connection.
// Plans are derived and recomputed; they are never persisted.
type SubscriptionPlan struct {
	Category        SymbolCategory
	ConnectionIndex int
	Symbols         []string
}

// PositionEvent is a decoded private-stream position update. Size zero means
// the position has been closed.
type PositionEvent struct {
	Symbol   string
	Side     string
	Size     float64
	Category SymbolCategory
}
