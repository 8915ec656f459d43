package strategy

import (
	"github.com/dmarchetti/tradegate/internal/domain"
)

// Strategy turns bar history into an optional signal. The engine treats
// strategies as opaque: it never calls Generate with fewer than MinBars
// bars and implements no signal logic itself.
type Strategy interface {
	Name() string
	MinBars() int
	Generate(history []domain.Bar) (*domain.Signal, error)
}

// Scripted fires a predetermined signal at specific bar counts, keyed by
// len(history) at generation time. Used by tests and demo sessions where
// the signal schedule must be exact.
type Scripted struct {
	Signals map[int]domain.Signal // bar count -> signal template
	Min     int
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) MinBars() int {
	if s.Min <= 0 {
		return 1
	}
	return s.Min
}

func (s *Scripted) Generate(history []domain.Bar) (*domain.Signal, error) {
	tmpl, ok := s.Signals[len(history)]
	if !ok {
		return nil, nil
	}
	last := history[len(history)-1]
	sig := tmpl
	sig.Symbol = last.Symbol
	sig.BarTimestamp = last.Timestamp
	sig.Strategy = s.Name()
	return &sig, nil
}
