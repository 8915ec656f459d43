package strategy

import (
	"fmt"
	"math"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// SMACross is a reference moving-average crossover strategy: long when the
// fast average crosses above the slow one, close when it crosses back
// below. Signal strength scales with the size of the crossover spread.
type SMACross struct {
	Fast int
	Slow int
}

// NewSMACross builds a crossover strategy; fast must be shorter than slow.
func NewSMACross(fast, slow int) (*SMACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("sma cross needs 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &SMACross{Fast: fast, Slow: slow}, nil
}

func (s *SMACross) Name() string { return fmt.Sprintf("sma_cross_%d_%d", s.Fast, s.Slow) }

// MinBars requires one bar beyond the slow window so the previous bar's
// averages exist for cross detection.
func (s *SMACross) MinBars() int { return s.Slow + 1 }

func (s *SMACross) Generate(history []domain.Bar) (*domain.Signal, error) {
	n := len(history)
	if n < s.MinBars() {
		return nil, nil
	}

	fastNow := sma(history, n, s.Fast)
	slowNow := sma(history, n, s.Slow)
	fastPrev := sma(history, n-1, s.Fast)
	slowPrev := sma(history, n-1, s.Slow)
	if slowNow <= 0 {
		return nil, nil
	}

	last := history[n-1]
	crossedUp := fastPrev <= slowPrev && fastNow > slowNow
	crossedDown := fastPrev >= slowPrev && fastNow < slowNow

	switch {
	case crossedUp:
		spread := (fastNow - slowNow) / slowNow
		strength := math.Min(1, spread*20)
		return &domain.Signal{
			Symbol:       last.Symbol,
			Side:         domain.SideLong,
			Strength:     strength,
			BarTimestamp: last.Timestamp,
			Strategy:     s.Name(),
		}, nil
	case crossedDown:
		return &domain.Signal{
			Symbol:       last.Symbol,
			Side:         domain.SideClose,
			Strength:     1,
			BarTimestamp: last.Timestamp,
			Strategy:     s.Name(),
		}, nil
	default:
		return nil, nil
	}
}

// sma averages the closes of the window bars ending at history[end-1].
func sma(history []domain.Bar, end, window int) float64 {
	if end < window {
		return 0
	}
	var sum float64
	for i := end - window; i < end; i++ {
		sum += history[i].Close
	}
	return sum / float64(window)
}
