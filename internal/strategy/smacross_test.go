package strategy

import (
	"testing"
	"time"

	"github.com/dmarchetti/tradegate/internal/domain"
)

func barsFromCloses(closes []float64) []domain.Bar {
	start := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func TestNewSMACrossValidation(t *testing.T) {
	if _, err := NewSMACross(0, 5); err == nil {
		t.Error("fast=0 must be rejected")
	}
	if _, err := NewSMACross(5, 5); err == nil {
		t.Error("fast==slow must be rejected")
	}
	if _, err := NewSMACross(10, 5); err == nil {
		t.Error("fast>slow must be rejected")
	}
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatalf("valid windows rejected: %v", err)
	}
	if s.MinBars() != 5 {
		t.Errorf("MinBars() = %d, want slow+1 = 5", s.MinBars())
	}
}

func TestSMACrossSignals(t *testing.T) {
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		closes   []float64
		wantSide domain.Side
		wantNil  bool
	}{
		{
			// Flat then a jump: fast(2) overtakes slow(4) on the last bar.
			name:     "cross_up_goes_long",
			closes:   []float64{100, 100, 100, 100, 120},
			wantSide: domain.SideLong,
		},
		{
			// Elevated then a drop: fast falls below slow on the last bar.
			name:     "cross_down_closes",
			closes:   []float64{120, 120, 120, 120, 80},
			wantSide: domain.SideClose,
		},
		{
			name:    "flat_no_signal",
			closes:  []float64{100, 100, 100, 100, 100},
			wantNil: true,
		},
		{
			// Fast already above slow on the previous bar: no fresh cross.
			name:    "already_crossed_no_repeat",
			closes:  []float64{100, 100, 100, 120, 125},
			wantNil: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := s.Generate(barsFromCloses(tc.closes))
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if tc.wantNil {
				if sig != nil {
					t.Fatalf("expected no signal, got %+v", sig)
				}
				return
			}
			if sig == nil {
				t.Fatal("expected a signal, got none")
			}
			if sig.Side != tc.wantSide {
				t.Errorf("side = %s, want %s", sig.Side, tc.wantSide)
			}
			if sig.Strength <= 0 || sig.Strength > 1 {
				t.Errorf("strength %v outside (0,1]", sig.Strength)
			}
			last := barsFromCloses(tc.closes)[len(tc.closes)-1]
			if !sig.BarTimestamp.Equal(last.Timestamp) {
				t.Error("signal not stamped with the last bar's timestamp")
			}
		})
	}
}

func TestSMACrossBelowMinBars(t *testing.T) {
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.Generate(barsFromCloses([]float64{100, 100, 100}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig != nil {
		t.Errorf("signal emitted below MinBars: %+v", sig)
	}
}

func TestScriptedFiresAtExactBarCount(t *testing.T) {
	s := &Scripted{
		Signals: map[int]domain.Signal{
			2: {Side: domain.SideLong, Strength: 1},
		},
	}
	bars := barsFromCloses([]float64{100, 101, 102})

	if sig, _ := s.Generate(bars[:1]); sig != nil {
		t.Error("fired before the scripted bar count")
	}
	sig, _ := s.Generate(bars[:2])
	if sig == nil {
		t.Fatal("did not fire at the scripted bar count")
	}
	if sig.Symbol != "AAPL" || !sig.BarTimestamp.Equal(bars[1].Timestamp) {
		t.Errorf("signal not filled from the last bar: %+v", sig)
	}
	if sig.Strategy != "scripted" {
		t.Errorf("strategy = %q, want scripted", sig.Strategy)
	}
	if sig, _ := s.Generate(bars); sig != nil {
		t.Error("fired past the scripted bar count")
	}
}
