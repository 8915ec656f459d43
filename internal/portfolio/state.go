package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// Position is the current holding for one symbol. Quantity is signed:
// positive long, negative short.
type Position struct {
	Quantity      int64   `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

// persisted is the on-disk shape of the portfolio state.
type persisted struct {
	Version        int64               `json:"version"`
	UpdatedAt      string              `json:"updated_at"`
	Cash           float64             `json:"cash"`
	Positions      map[string]Position `json:"positions"`
	Marks          map[string]float64  `json:"marks"`
	PeakEquity     float64             `json:"peak_equity"`
	Day            string              `json:"day"`
	DayStartEquity float64             `json:"day_start_equity"`
	RealizedPnLDay float64             `json:"realized_pnl_day"`
	RecentTradePnL []float64           `json:"recent_trade_pnl"`
}

// Snapshot is a point-in-time view written for external reporting.
type Snapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Cash      float64             `json:"cash"`
	Equity    float64             `json:"equity"`
	Peak      float64             `json:"peak_equity"`
	Positions map[string]Position `json:"positions"`
}

const recentTradeLimit = 100

// State holds cash, positions and equity tracking. It is mutated only by
// the engine after a fill and read by the risk gate. All times used for
// day rolls come from bar timestamps, never the wall clock, so replays
// are deterministic.
type State struct {
	mu       sync.RWMutex
	filePath string

	cash      float64
	positions map[string]Position
	marks     map[string]float64

	peakEquity     float64
	day            string
	dayStartEquity float64
	realizedPnLDay float64
	recentTradePnL []float64

	version int64
}

// NewState creates a portfolio with the given starting cash. filePath may
// be empty to disable persistence (backtests that only need the in-memory
// state).
func NewState(filePath string, startingCash float64) *State {
	return &State{
		filePath:       filePath,
		cash:           startingCash,
		positions:      map[string]Position{},
		marks:          map[string]float64{},
		peakEquity:     startingCash,
		dayStartEquity: startingCash,
	}
}

// Load replaces in-memory state with the persisted file when present.
func (s *State) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filePath == "" {
		return nil
	}
	b, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read portfolio state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("unmarshal portfolio state: %w", err)
	}
	s.cash = p.Cash
	s.positions = p.Positions
	if s.positions == nil {
		s.positions = map[string]Position{}
	}
	s.marks = p.Marks
	if s.marks == nil {
		s.marks = map[string]float64{}
	}
	s.peakEquity = p.PeakEquity
	s.day = p.Day
	s.dayStartEquity = p.DayStartEquity
	s.realizedPnLDay = p.RealizedPnLDay
	s.recentTradePnL = p.RecentTradePnL
	s.version = p.Version
	return nil
}

// Save atomically persists the state with temp-file + rename.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUnsafe()
}

func (s *State) saveUnsafe() error {
	if s.filePath == "" {
		return nil
	}
	s.version++
	p := persisted{
		Version:        s.version,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339),
		Cash:           s.cash,
		Positions:      s.positions,
		Marks:          s.marks,
		PeakEquity:     s.peakEquity,
		Day:            s.day,
		DayStartEquity: s.dayStartEquity,
		RealizedPnLDay: s.realizedPnLDay,
		RecentTradePnL: s.recentTradePnL,
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("write portfolio state: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename portfolio state: %w", err)
	}
	return nil
}

// ApplyFill updates cash and positions for an executed fill. Reducing or
// closing a position realizes P&L against the average entry price.
func (s *State) ApplyFill(f domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Quantity <= 0 {
		return fmt.Errorf("fill for %s has non-positive quantity %d", f.OrderID, f.Quantity)
	}
	pos := s.positions[f.Symbol]

	var delta int64
	switch f.Side {
	case domain.SideLong:
		delta = f.Quantity
	case domain.SideShort:
		delta = -f.Quantity
	case domain.SideClose:
		if pos.Quantity == 0 {
			return fmt.Errorf("close fill for %s with no open position", f.Symbol)
		}
		if pos.Quantity > 0 {
			delta = -f.Quantity
		} else {
			delta = f.Quantity
		}
	default:
		return fmt.Errorf("fill for %s has invalid side %q", f.OrderID, f.Side)
	}

	s.cash -= float64(delta) * f.Price
	s.cash -= f.Commission

	sameDirection := pos.Quantity == 0 || (pos.Quantity > 0) == (delta > 0)
	if sameDirection {
		total := pos.Quantity + delta
		cost := pos.AvgEntryPrice*float64(pos.Quantity) + f.Price*float64(delta)
		pos.Quantity = total
		if total != 0 {
			pos.AvgEntryPrice = cost / float64(total)
		}
	} else {
		closed := delta
		if absInt64(delta) > absInt64(pos.Quantity) {
			closed = -pos.Quantity
		}
		pnl := float64(-closed) * (f.Price - pos.AvgEntryPrice)
		pnl -= f.Commission
		s.realizedPnLDay += pnl
		s.pushTradePnL(pnl)

		pos.Quantity += delta
		if pos.Quantity == 0 {
			pos.AvgEntryPrice = 0
		} else if (pos.Quantity > 0) != ((pos.Quantity - delta) > 0) {
			// reversed through zero
			pos.AvgEntryPrice = f.Price
		}
	}

	if pos.Quantity == 0 {
		delete(s.positions, f.Symbol)
	} else {
		s.positions[f.Symbol] = pos
	}
	s.marks[f.Symbol] = f.Price
	s.updatePeakUnsafe()
	return s.saveUnsafe()
}

// Mark records the latest observed price for a symbol and refreshes the
// peak equity watermark.
func (s *State) Mark(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
	s.updatePeakUnsafe()
}

// RollDay closes out the current trading day against the given bar-time
// date (YYYY-MM-DD). It returns the day's simple return and whether a
// completed day actually rolled (the first call only anchors the day).
func (s *State) RollDay(date string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.day == date {
		return 0, false
	}
	first := s.day == ""
	eq := s.equityUnsafe()
	var ret float64
	if !first && s.dayStartEquity > 0 {
		ret = (eq - s.dayStartEquity) / s.dayStartEquity
	}
	s.day = date
	s.dayStartEquity = eq
	s.realizedPnLDay = 0
	return ret, !first
}

// Equity is cash plus the marked value of all open positions.
func (s *State) Equity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equityUnsafe()
}

func (s *State) equityUnsafe() float64 {
	eq := s.cash
	for sym, pos := range s.positions {
		eq += float64(pos.Quantity) * s.marks[sym]
	}
	return eq
}

func (s *State) updatePeakUnsafe() {
	if eq := s.equityUnsafe(); eq > s.peakEquity {
		s.peakEquity = eq
	}
}

// Cash returns available cash.
func (s *State) Cash() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash
}

// PeakEquity returns the historical equity high-water mark.
func (s *State) PeakEquity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakEquity
}

// DayStartEquity returns equity at the start of the current trading day.
func (s *State) DayStartEquity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dayStartEquity
}

// Position returns the holding for one symbol.
func (s *State) Position(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	return pos, ok
}

// Positions returns a copy of all holdings.
func (s *State) Positions() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// RecentTradePnL returns realized P&L of recent round trips, oldest first.
func (s *State) RecentTradePnL() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.recentTradePnL))
	copy(out, s.recentTradePnL)
	return out
}

// SetCashAndPositions overwrites holdings from an authoritative external
// source (broker reconciliation). The caller is responsible for auditing
// any divergence first.
func (s *State) SetCashAndPositions(cash float64, positions map[string]Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cash = cash
	s.positions = make(map[string]Position, len(positions))
	for k, v := range positions {
		s.positions[k] = v
	}
	s.updatePeakUnsafe()
	return s.saveUnsafe()
}

// WriteSnapshot persists a point-in-time snapshot for external reporting.
func (s *State) WriteSnapshot(dir string, ts time.Time) error {
	s.mu.RLock()
	snap := Snapshot{
		Timestamp: ts,
		Cash:      s.cash,
		Equity:    s.equityUnsafe(),
		Peak:      s.peakEquity,
		Positions: make(map[string]Position, len(s.positions)),
	}
	for k, v := range s.positions {
		snap.Positions[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("snapshot_%d.json", ts.UnixNano()))
	return os.WriteFile(path, b, 0644)
}

func (s *State) pushTradePnL(pnl float64) {
	s.recentTradePnL = append(s.recentTradePnL, pnl)
	if len(s.recentTradePnL) > recentTradeLimit {
		s.recentTradePnL = s.recentTradePnL[len(s.recentTradePnL)-recentTradeLimit:]
	}
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
