package position

import (
	"context"
	"sync"
	"time"

	"fundingwatch/config"
	"fundingwatch/logger"
	"fundingwatch/models"
	"fundingwatch/store"
)

// WarnFunc is called once per position and funding cycle when funding
// settlement is close enough to act on.
type WarnFunc func(symbol string, remaining time.Duration)

// FundingCloseWatcher warns when an open position is approaching its funding
// settlement. Holding through settlement pays or collects funding; the
// warning gives the operator time to decide which.
type FundingCloseWatcher struct {
	store    *store.MarketStore
	switcher *Switcher
	cfg      config.PositionConfig
	warn     WarnFunc
	log      *logger.Entry

	mu      sync.Mutex
	warned  map[string]int64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFundingCloseWatcher(st *store.MarketStore, switcher *Switcher, cfg config.PositionConfig, warn WarnFunc, log *logger.Log) *FundingCloseWatcher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &FundingCloseWatcher{
		store:    st,
		switcher: switcher,
		cfg:      cfg,
		warn:     warn,
		log:      log.WithComponent("funding_close_watcher"),
		warned:   make(map[string]int64),
	}
}

// Start launches the periodic check loop.
func (w *FundingCloseWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Warn("funding close watcher already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop halts the loop and waits for it.
func (w *FundingCloseWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *FundingCloseWatcher) run(ctx context.Context) {
	defer close(w.done)

	interval := w.cfg.CheckInterval.Std()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CheckOnce(time.Now())
		}
	}
}

// CheckOnce evaluates every open position against the warning threshold.
// Each position warns once per funding cycle; a new cycle re-arms it.
func (w *FundingCloseWatcher) CheckOnce(now time.Time) {
	threshold := w.cfg.FundingCloseWarning.Std()
	if threshold <= 0 {
		return
	}

	active := w.switcher.ActivePositions()
	w.pruneClosed(active)

	for _, symbol := range active {
		tick, ok := w.store.Realtime(symbol)
		if !ok || tick.NextFundingTime <= 0 {
			continue
		}

		remaining := time.UnixMilli(tick.NextFundingTime).Sub(now)
		if remaining <= 0 || remaining > threshold {
			w.rearmIfNewCycle(symbol, tick)
			continue
		}

		w.mu.Lock()
		alreadyWarned := w.warned[symbol] == tick.NextFundingTime
		if !alreadyWarned {
			w.warned[symbol] = tick.NextFundingTime
		}
		w.mu.Unlock()
		if alreadyWarned {
			continue
		}

		w.log.WithFields(logger.Fields{
			"symbol":    symbol,
			"remaining": remaining.Round(time.Second),
		}).Warn("funding settlement approaching for open position")
		if w.warn != nil {
			w.warn(symbol, remaining)
		}
	}
}

// pruneClosed drops warned state for positions that are no longer open; a
// symbol reopened later warns again.
func (w *FundingCloseWatcher) pruneClosed(active []string) {
	open := make(map[string]struct{}, len(active))
	for _, sym := range active {
		open[sym] = struct{}{}
	}
	w.mu.Lock()
	for sym := range w.warned {
		if _, ok := open[sym]; !ok {
			delete(w.warned, sym)
		}
	}
	w.mu.Unlock()
}

func (w *FundingCloseWatcher) rearmIfNewCycle(symbol string, tick models.RealtimeTick) {
	w.mu.Lock()
	if w.warned[symbol] != 0 && w.warned[symbol] != tick.NextFundingTime {
		delete(w.warned, symbol)
	}
	w.mu.Unlock()
}
