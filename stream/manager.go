package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fundingwatch/config"
	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
	"fundingwatch/store"
)

// TickCallback is invoked with the merged tick after every stored update.
type TickCallback func(tick models.RealtimeTick)

// Manager owns the public streaming connections for the current watchlist.
// Switching between the full watchlist and a single position symbol tears
// down one connection generation and starts another; the market store is the
// only state that survives a switch.
type Manager struct {
	bybit  config.BybitConfig
	cfg    config.StreamingConfig
	store  *store.MarketStore
	onTick TickCallback
	log    *logger.Entry

	mu        sync.Mutex
	running   bool
	narrowed  bool
	parentCtx context.Context
	genCancel context.CancelFunc
	genWG     *sync.WaitGroup
	conns     []*wsConn
	set       models.WatchSet
}

func NewManager(bybit config.BybitConfig, cfg config.StreamingConfig, st *store.MarketStore, onTick TickCallback, log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		bybit:  bybit,
		cfg:    cfg,
		store:  st,
		onTick: onTick,
		log:    log.WithComponent("stream_manager"),
	}
}

// Start opens connections for the given watchlist. Starting a running
// manager is an error; callers switch via SwitchToSingleSymbol and
// RestoreFullWatchlist instead.
func (m *Manager) Start(ctx context.Context, set models.WatchSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("stream manager already running")
	}
	m.parentCtx = ctx
	m.running = true
	m.narrowed = false
	m.startGenerationLocked(set)
	return nil
}

// Stop tears down every connection and waits up to the shutdown timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.genCancel
	wg := m.genWG
	m.conns = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.waitBounded(wg)
	m.log.Info("stream manager stopped")
}

// IsRunning reports whether the manager currently owns connections.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ActiveSymbols returns the watchlist symbols of the current generation,
// sorted. Candidate subscriptions are excluded; they are not watchlist
// members.
func (m *Manager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.set.Linear)+len(m.set.Inverse))
	out = append(out, m.set.Linear...)
	out = append(out, m.set.Inverse...)
	sort.Strings(out)
	return out
}

// CandidateSymbols returns the candidate symbols of the current generation,
// sorted.
func (m *Manager) CandidateSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.set.CandidateLinear)+len(m.set.CandidateInverse))
	out = append(out, m.set.CandidateLinear...)
	out = append(out, m.set.CandidateInverse...)
	sort.Strings(out)
	return out
}

// FullySubscribed reports whether every connection of the current generation
// has an acknowledged subscription.
func (m *Manager) FullySubscribed() bool {
	m.mu.Lock()
	conns := m.conns
	running := m.running
	m.mu.Unlock()

	if !running || len(conns) == 0 {
		return false
	}
	for _, c := range conns {
		if !c.Subscribed() {
			return false
		}
	}
	return true
}

// SwitchToSingleSymbol narrows streaming to one symbol while a position is
// open. The previous watchlist is not remembered here; the caller restores
// it from current market state when the position closes. Until then every
// ApplyWatchlist call is deferred.
func (m *Manager) SwitchToSingleSymbol(symbol string, category models.SymbolCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("stream manager not running")
	}

	var set models.WatchSet
	if category == models.CategoryInverse {
		set.Inverse = []string{symbol}
	} else {
		set.Linear = []string{symbol}
	}

	m.log.WithFields(logger.Fields{
		"symbol":   symbol,
		"category": category,
	}).Info("narrowing stream to position symbol")

	m.narrowed = true
	m.stopGenerationLocked()
	m.startGenerationLocked(set)
	return nil
}

// RestoreFullWatchlist leaves single-symbol mode and replaces the current
// generation with the given set. Only the position switcher calls this;
// watchlist refreshes go through ApplyWatchlist.
func (m *Manager) RestoreFullWatchlist(set models.WatchSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("stream manager not running")
	}

	m.log.WithFields(logger.Fields{
		"linear":  len(set.Linear),
		"inverse": len(set.Inverse),
	}).Info("restoring full watchlist stream")

	m.narrowed = false
	m.stopGenerationLocked()
	m.startGenerationLocked(set)
	return nil
}

// ApplyWatchlist replaces the current generation with a refreshed set. The
// narrowed check and the rebuild happen under one lock, so a position switch
// can never be widened away by a concurrent rescan or promotion; a deferred
// apply returns false and the caller relies on the restore after the
// position closes.
func (m *Manager) ApplyWatchlist(set models.WatchSet) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false, fmt.Errorf("stream manager not running")
	}
	if m.narrowed {
		return false, nil
	}

	m.log.WithFields(logger.Fields{
		"linear":     len(set.Linear),
		"inverse":    len(set.Inverse),
		"candidates": len(set.CandidateLinear) + len(set.CandidateInverse),
	}).Info("applying refreshed watchlist to stream")

	m.stopGenerationLocked()
	m.startGenerationLocked(set)
	return true, nil
}

// startGenerationLocked builds and launches the connections for one symbol
// set. Candidate symbols subscribe alongside the watchlist so the candidate
// monitor sees their ticks. Callers hold m.mu.
func (m *Manager) startGenerationLocked(set models.WatchSet) {
	ctx, cancel := context.WithCancel(m.parentCtx)
	wg := &sync.WaitGroup{}
	m.genCancel = cancel
	m.genWG = wg
	m.set = set
	m.conns = nil

	plans := PlanSubscriptions(set.AllLinear(), set.AllInverse(), m.cfg.MaxTopicsPerConnection)
	for _, plan := range plans {
		topics := make([]string, len(plan.Symbols))
		for i, s := range plan.Symbols {
			topics[i] = tickerTopic(s)
		}
		connLog := m.log.WithFields(logger.Fields{
			"category":   plan.Category,
			"connection": plan.ConnectionIndex,
			"topics":     len(topics),
		})
		c := newWSConn(
			m.bybit.PublicWS(string(plan.Category)),
			topics,
			m.handleFrame,
			m.cfg.PingInterval.Std(),
			newBackoff(m.cfg.BackoffSeconds, m.cfg.ResetAfter.Std()),
			connLog,
		)
		m.conns = append(m.conns, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx)
		}()
	}

	m.log.WithFields(logger.Fields{
		"connections": len(plans),
		"symbols":     len(set.Linear) + len(set.Inverse),
		"candidates":  len(set.CandidateLinear) + len(set.CandidateInverse),
	}).Info("stream generation started")
}

// stopGenerationLocked cancels the current generation and waits for its
// goroutines. Callers hold m.mu.
func (m *Manager) stopGenerationLocked() {
	if m.genCancel != nil {
		m.genCancel()
	}
	m.waitBounded(m.genWG)
	m.conns = nil
}

func (m *Manager) waitBounded(wg *sync.WaitGroup) {
	if wg == nil {
		return
	}
	timeout := m.cfg.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn("stream connections did not stop within the shutdown timeout")
	}
}

// handleFrame routes ticker data into the store. Snapshots replace the tick,
// deltas merge into it; either way subscribers see the merged view.
func (m *Manager) handleFrame(frame models.StreamFrame) {
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return
	}
	ts := time.UnixMilli(frame.TS)
	if frame.TS <= 0 {
		ts = time.Now()
	}

	var symbol string
	switch frame.Type {
	case "snapshot":
		tick, err := models.TickFromPayload(frame.Data, ts)
		if err != nil {
			metrics.RecordWSParseDrop()
			m.log.WithError(err).WithField("topic", frame.Topic).Debug("snapshot frame dropped")
			return
		}
		m.store.SetRealtime(tick)
		symbol = tick.Symbol
	default:
		sym, delta, err := models.DeltaFromPayload(frame.Data)
		if err != nil {
			metrics.RecordWSParseDrop()
			m.log.WithError(err).WithField("topic", frame.Topic).Debug("delta frame dropped")
			return
		}
		if err := m.store.UpdateRealtime(sym, delta, ts); err != nil {
			metrics.RecordWSParseDrop()
			return
		}
		symbol = sym
	}

	if m.onTick != nil {
		if tick, ok := m.store.Realtime(symbol); ok {
			m.onTick(tick)
		}
	}
}
