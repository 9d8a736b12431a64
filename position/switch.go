package position

import (
	"sync"

	"fundingwatch/logger"
	"fundingwatch/models"
	"fundingwatch/store"
)

// ModeStreamer is the streaming surface the switcher drives.
type ModeStreamer interface {
	IsRunning() bool
	SwitchToSingleSymbol(symbol string, category models.SymbolCategory) error
	RestoreFullWatchlist(set models.WatchSet) error
}

// Pauser suspends and resumes the rescan loop around position mode.
type Pauser interface {
	Pause()
	Resume()
}

// DisplayFilter is notified when the set of symbols worth showing changes:
// the open position's symbol in position mode, nil for the full watchlist.
type DisplayFilter func(symbols []string)

// Switcher reacts to private position events. An opened position narrows
// streaming and display to that symbol and pauses rescans; a close restores
// the watchlist from current store state, not from a stale copy taken when
// the position opened.
type Switcher struct {
	store    *store.MarketStore
	streamer ModeStreamer
	pauser   Pauser
	display  DisplayFilter
	log      *logger.Entry

	mu     sync.Mutex
	active map[string]models.SymbolCategory
}

func NewSwitcher(st *store.MarketStore, streamer ModeStreamer, pauser Pauser, display DisplayFilter, log *logger.Log) *Switcher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Switcher{
		store:    st,
		streamer: streamer,
		pauser:   pauser,
		display:  display,
		log:      log.WithComponent("position_switcher"),
		active:   make(map[string]models.SymbolCategory),
	}
}

// ActivePositions returns the symbols currently held.
func (s *Switcher) ActivePositions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for sym := range s.active {
		out = append(out, sym)
	}
	return out
}

// InPositionMode reports whether at least one position is open.
func (s *Switcher) InPositionMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// HandleEvents consumes one batch of decoded position updates.
func (s *Switcher) HandleEvents(events []models.PositionEvent) {
	for _, ev := range events {
		if ev.Size > 0 {
			s.onOpened(ev)
		} else {
			s.onClosed(ev)
		}
	}
}

func (s *Switcher) onOpened(ev models.PositionEvent) {
	s.mu.Lock()
	_, known := s.active[ev.Symbol]
	first := len(s.active) == 0
	s.active[ev.Symbol] = ev.Category
	s.mu.Unlock()

	if known {
		// Size changes on an open position arrive through the same topic.
		return
	}

	s.log.WithFields(logger.Fields{
		"symbol": ev.Symbol,
		"side":   ev.Side,
		"size":   ev.Size,
	}).Info("position opened")

	if !first {
		return
	}
	if s.pauser != nil {
		s.pauser.Pause()
	}
	if s.streamer != nil && s.streamer.IsRunning() {
		if err := s.streamer.SwitchToSingleSymbol(ev.Symbol, ev.Category); err != nil {
			s.log.WithError(err).Warn("failed to narrow stream to position symbol")
		}
	}
	if s.display != nil {
		s.display([]string{ev.Symbol})
	}
}

func (s *Switcher) onClosed(ev models.PositionEvent) {
	s.mu.Lock()
	if _, known := s.active[ev.Symbol]; !known {
		s.mu.Unlock()
		return
	}
	delete(s.active, ev.Symbol)
	last := len(s.active) == 0
	s.mu.Unlock()

	s.log.WithField("symbol", ev.Symbol).Info("position closed")

	if !last {
		return
	}

	// Restore from what the store holds now. The market moved while the
	// position was open; the pre-position watchlist is history. Candidate
	// subscriptions return with the first rescan after Resume.
	set := models.WatchSet{
		Linear:  s.store.Symbols(models.CategoryLinear),
		Inverse: s.store.Symbols(models.CategoryInverse),
	}

	if s.streamer != nil && s.streamer.IsRunning() {
		if err := s.streamer.RestoreFullWatchlist(set); err != nil {
			s.log.WithError(err).Warn("failed to restore watchlist stream")
		}
	}
	if s.pauser != nil {
		s.pauser.Resume()
	}
	if s.display != nil {
		s.display(nil)
	}
}
