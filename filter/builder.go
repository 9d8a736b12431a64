package filter

import (
	"time"

	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
)

// BuildResult is the outcome of one watchlist build: the surviving symbols
// split by contract category, their snapshots, and the near-miss candidates
// that passed the funding stage but fell to a later one. Candidates are kept
// both flat and split by category; the split feeds the streaming layer.
type BuildResult struct {
	Linear           []string
	Inverse          []string
	Funding          map[string]models.FundingSnapshot
	Candidates       []string
	CandidateLinear  []string
	CandidateInverse []string
}

// Total returns the number of symbols on the watchlist.
func (r BuildResult) Total() int {
	return len(r.Linear) + len(r.Inverse)
}

// WatchSet converts the result into the streaming subscription set.
func (r BuildResult) WatchSet() models.WatchSet {
	return models.WatchSet{
		Linear:           r.Linear,
		Inverse:          r.Inverse,
		CandidateLinear:  r.CandidateLinear,
		CandidateInverse: r.CandidateInverse,
	}
}

// Builder runs the three-stage pipeline and reports per-stage counts.
type Builder struct {
	criteria Criteria
	log      *logger.Entry
}

func NewBuilder(criteria Criteria, log *logger.Log) *Builder {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Builder{
		criteria: criteria,
		log:      log.WithComponent("watchlist_builder"),
	}
}

// Criteria returns the thresholds the builder was constructed with.
func (b *Builder) Criteria() Criteria {
	return b.criteria
}

// Build filters the funding universe through funding, spread and volatility
// stages. cats maps each symbol to its contract category; symbols without a
// category are dropped with a warning. vols holds volatility percentages
// keyed by symbol and may be incomplete.
func (b *Builder) Build(entries map[string]models.FundingEntry, cats map[string]models.SymbolCategory, vols map[string]float64, now time.Time) BuildResult {
	stage1 := FilterByFunding(entries, b.criteria, now)
	metrics.RecordFilterStage("funding", len(stage1), len(entries)-len(stage1))

	spreads := SpreadMap(entries)
	stage2 := FilterBySpread(stage1, spreads, b.criteria.SpreadMax)
	metrics.RecordFilterStage("spread", len(stage2), len(stage1)-len(stage2))

	stage3 := FilterByVolatility(stage2, vols, b.criteria)
	metrics.RecordFilterStage("volatility", len(stage3), len(stage2)-len(stage3))

	result := BuildResult{
		Funding: make(map[string]models.FundingSnapshot, len(stage3)),
	}

	final := make(map[string]struct{}, len(stage3))
	for _, row := range stage3 {
		cat, ok := cats[row.Symbol]
		if !ok {
			b.log.WithField("symbol", row.Symbol).Warn("symbol has no category, dropping from watchlist")
			continue
		}
		final[row.Symbol] = struct{}{}
		result.Funding[row.Symbol] = models.FundingSnapshot{
			Symbol:        row.Symbol,
			FundingRate:   row.FundingRate,
			Volume24h:     row.Volume24h,
			TimeRemaining: row.TimeRemaining,
			SpreadPct:     row.SpreadPct,
			VolatilityPct: row.VolatilityPct,
			HasVolatility: row.HasVolatility,
		}
		switch cat {
		case models.CategoryInverse:
			result.Inverse = append(result.Inverse, row.Symbol)
		default:
			result.Linear = append(result.Linear, row.Symbol)
		}
	}

	// Funding-stage survivors that fell to spread or volatility stay visible
	// as candidates so streamed data can promote them between scans.
	for _, row := range stage1 {
		if _, ok := final[row.Symbol]; ok {
			continue
		}
		cat, ok := cats[row.Symbol]
		if !ok {
			continue
		}
		result.Candidates = append(result.Candidates, row.Symbol)
		switch cat {
		case models.CategoryInverse:
			result.CandidateInverse = append(result.CandidateInverse, row.Symbol)
		default:
			result.CandidateLinear = append(result.CandidateLinear, row.Symbol)
		}
	}

	b.log.WithFields(logger.Fields{
		"universe":   len(entries),
		"funding":    len(stage1),
		"spread":     len(stage2),
		"volatility": len(stage3),
		"linear":     len(result.Linear),
		"inverse":    len(result.Inverse),
		"candidates": len(result.Candidates),
	}).Info("watchlist built")

	return result
}
