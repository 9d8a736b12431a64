package filter

import (
	"math"
	"sort"
	"time"

	"fundingwatch/models"
)

// Criteria carries every configurable threshold of the pipeline. Nil pointers
// mean "no constraint".
type Criteria struct {
	FundingMin            *float64
	FundingMax            *float64
	VolumeMinMillions     *float64
	FundingTimeMinMinutes *int
	FundingTimeMaxMinutes *int
	SpreadMax             *float64
	VolatilityMin         *float64
	VolatilityMax         *float64
	Limit                 int
}

// ScoredSymbol is one pipeline row. Stage 1 fills the funding fields, stage 2
// annotates the spread, stage 3 the volatility.
type ScoredSymbol struct {
	Symbol        string
	FundingRate   float64
	Volume24h     float64
	TimeRemaining string
	SpreadPct     float64
	VolatilityPct float64
	HasVolatility bool
}

// Spread computes the normalized bid-ask gap (ask-bid)/mid. Missing or
// non-positive quotes yield 0.0 by documented policy: unreadable quotes are
// treated as permissive, not rejecting.
func Spread(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0.0
	}
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0.0
	}
	return (ask - bid) / mid
}

// SpreadMap derives per-symbol spreads from the funding map's best quotes.
func SpreadMap(entries map[string]models.FundingEntry) map[string]float64 {
	out := make(map[string]float64, len(entries))
	for sym, e := range entries {
		out[sym] = Spread(e.Bid1, e.Ask1)
	}
	return out
}

// FilterByFunding is stage 1: it keeps symbols whose |funding| lies within
// the configured bounds, whose 24h volume meets the floor and whose next
// funding falls inside the configured time window. The result is sorted by
// symbol ascending and truncated to Limit when one is set.
func FilterByFunding(entries map[string]models.FundingEntry, c Criteria, now time.Time) []ScoredSymbol {
	kept := make([]ScoredSymbol, 0, len(entries))
	for sym, e := range entries {
		funding := math.Abs(e.FundingRate)
		if c.FundingMin != nil && funding < *c.FundingMin {
			continue
		}
		if c.FundingMax != nil && funding > *c.FundingMax {
			continue
		}
		if c.VolumeMinMillions != nil && e.Volume24h < *c.VolumeMinMillions*1e6 {
			continue
		}

		if c.FundingTimeMinMinutes != nil || c.FundingTimeMaxMinutes != nil {
			minutes, ok := MinutesUntil(e.NextFundingTime, now)
			// A time-window filter with no valid timestamp rejects.
			if !ok {
				continue
			}
			if c.FundingTimeMinMinutes != nil && minutes < float64(*c.FundingTimeMinMinutes) {
				continue
			}
			if c.FundingTimeMaxMinutes != nil && minutes > float64(*c.FundingTimeMaxMinutes) {
				continue
			}
		}

		kept = append(kept, ScoredSymbol{
			Symbol:        sym,
			FundingRate:   e.FundingRate,
			Volume24h:     e.Volume24h,
			TimeRemaining: FormatTimeRemaining(e.NextFundingTime, now),
		})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Symbol < kept[j].Symbol })

	if c.Limit > 0 && len(kept) > c.Limit {
		kept = kept[:c.Limit]
	}
	return kept
}

// FilterBySpread is stage 2: it annotates each survivor with its spread and
// drops those above the configured maximum. Symbols without a spread entry
// carry 0.0 and pass (permissive policy, see Spread).
func FilterBySpread(rows []ScoredSymbol, spreads map[string]float64, spreadMax *float64) []ScoredSymbol {
	kept := make([]ScoredSymbol, 0, len(rows))
	for _, row := range rows {
		row.SpreadPct = spreads[row.Symbol]
		if spreadMax != nil && row.SpreadPct > *spreadMax {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

// FilterByVolatility is stage 3: with bounds configured, symbols without a
// volatility value are rejected, as are values outside the bounds. Without
// bounds every survivor passes, annotated when a value exists.
func FilterByVolatility(rows []ScoredSymbol, vols map[string]float64, c Criteria) []ScoredSymbol {
	bounded := c.VolatilityMin != nil || c.VolatilityMax != nil
	kept := make([]ScoredSymbol, 0, len(rows))
	for _, row := range rows {
		vol, ok := vols[row.Symbol]
		if ok {
			row.VolatilityPct = vol
			row.HasVolatility = true
		}
		if bounded {
			if !ok {
				continue
			}
			if c.VolatilityMin != nil && vol < *c.VolatilityMin {
				continue
			}
			if c.VolatilityMax != nil && vol > *c.VolatilityMax {
				continue
			}
		}
		kept = append(kept, row)
	}
	return kept
}

// CheckRealtimeFilters re-evaluates a single symbol against the criteria
// using streamed ticker data. Used by the candidate monitor to decide
// promotion without waiting for the next REST refresh.
func CheckRealtimeFilters(tick models.RealtimeTick, vol float64, hasVol bool, c Criteria, now time.Time) bool {
	funding := math.Abs(tick.FundingRate)
	if c.FundingMin != nil && funding < *c.FundingMin {
		return false
	}
	if c.FundingMax != nil && funding > *c.FundingMax {
		return false
	}
	if c.VolumeMinMillions != nil && tick.Volume24h < *c.VolumeMinMillions*1e6 {
		return false
	}

	if c.FundingTimeMinMinutes != nil || c.FundingTimeMaxMinutes != nil {
		minutes, ok := MinutesUntil(tick.NextFundingTime, now)
		if !ok {
			return false
		}
		if c.FundingTimeMinMinutes != nil && minutes < float64(*c.FundingTimeMinMinutes) {
			return false
		}
		if c.FundingTimeMaxMinutes != nil && minutes > float64(*c.FundingTimeMaxMinutes) {
			return false
		}
	}

	if c.SpreadMax != nil && Spread(tick.Bid1, tick.Ask1) > *c.SpreadMax {
		return false
	}

	if c.VolatilityMin != nil || c.VolatilityMax != nil {
		if !hasVol {
			return false
		}
		if c.VolatilityMin != nil && vol < *c.VolatilityMin {
			return false
		}
		if c.VolatilityMax != nil && vol > *c.VolatilityMax {
			return false
		}
	}

	return true
}
