package volatility

import (
	"context"
	"sync"
	"time"

	"fundingwatch/config"
	"fundingwatch/logger"
	"fundingwatch/models"
)

// Source yields a volatility percentage for one symbol. ok is false when the
// kline window was unusable.
type Source interface {
	VolatilityPct(ctx context.Context, category models.SymbolCategory, symbol, interval string, bars int) (float64, bool, error)
}

// SymbolLister names the symbols whose volatility is worth keeping warm,
// together with their categories.
type SymbolLister interface {
	Categories() map[string]models.SymbolCategory
}

type mergedLister struct {
	listers []SymbolLister
}

// MergeListers combines several symbol sources into one lister. The tracker
// uses this to refresh watchlist members and near-miss candidates alike;
// candidates need volatility values before a bounded filter can admit them.
func MergeListers(listers ...SymbolLister) SymbolLister {
	return &mergedLister{listers: listers}
}

func (m *mergedLister) Categories() map[string]models.SymbolCategory {
	out := make(map[string]models.SymbolCategory)
	for _, l := range m.listers {
		if l == nil {
			continue
		}
		for sym, cat := range l.Categories() {
			out[sym] = cat
		}
	}
	return out
}

// Tracker keeps the cache populated for every tracked symbol. One refresh
// pass walks the current symbol set sequentially; the client's burst limiter
// spaces the kline calls.
type Tracker struct {
	cache   *Cache
	source  Source
	symbols SymbolLister
	cfg     config.VolatilityConfig
	log     *logger.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewTracker(cache *Cache, source Source, symbols SymbolLister, cfg config.VolatilityConfig, log *logger.Log) *Tracker {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Tracker{
		cache:   cache,
		source:  source,
		symbols: symbols,
		cfg:     cfg,
		log:     log.WithComponent("volatility_tracker"),
	}
}

// Cache exposes the underlying cache for readers.
func (t *Tracker) Cache() *Cache { return t.cache }

// Start launches the refresh and sweep loop. Starting twice is a warning,
// not an error.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		t.log.Warn("volatility tracker already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.mu.Unlock()

	go t.run(ctx)
	t.log.WithFields(logger.Fields{
		"refresh_interval": t.cfg.RefreshInterval.Std(),
		"ttl":              t.cfg.TTL.Std(),
	}).Info("volatility tracker started")
}

// Stop halts the loop and waits for it to exit. Stopping a stopped tracker
// is a no-op.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
	t.log.Info("volatility tracker stopped")
}

// IsRunning reports whether the refresh loop is active.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	refresh := time.NewTicker(t.cfg.RefreshInterval.Std())
	defer refresh.Stop()

	sweepInterval := t.cfg.SweepInterval.Std()
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	// Populate immediately so the first filter pass has data.
	t.refreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			t.refreshAll(ctx)
		case <-sweep.C:
			if removed := t.cache.ClearStale(); removed > 0 {
				t.log.WithField("removed", removed).Debug("stale volatility entries swept")
			}
		}
	}
}

func (t *Tracker) refreshAll(ctx context.Context) {
	cats := t.symbols.Categories()
	refreshed, failed := 0, 0

	for sym, cat := range cats {
		if ctx.Err() != nil {
			return
		}
		vol, ok, err := t.source.VolatilityPct(ctx, cat, sym, t.cfg.KlineInterval, t.cfg.KlineBars)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			t.log.WithError(err).WithField("symbol", sym).Warn("volatility refresh failed")
			continue
		}
		if !ok {
			continue
		}
		t.cache.Set(sym, vol)
		refreshed++
	}

	if refreshed > 0 || failed > 0 {
		t.log.WithFields(logger.Fields{
			"tracked":   len(cats),
			"refreshed": refreshed,
			"failed":    failed,
		}).Debug("volatility refresh pass complete")
	}
}
