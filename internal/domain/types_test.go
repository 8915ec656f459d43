package domain

import (
	"testing"
	"time"
)

func TestClampStrength(t *testing.T) {
	testCases := []struct {
		name     string
		strength float64
		want     float64
	}{
		{name: "negative", strength: -0.5, want: 0},
		{name: "zero", strength: 0, want: 0},
		{name: "in_range", strength: 0.42, want: 0.42},
		{name: "one", strength: 1, want: 1},
		{name: "above_one", strength: 3.7, want: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig := Signal{Strength: tc.strength}
			if got := sig.ClampStrength(); got != tc.want {
				t.Errorf("ClampStrength() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSignalValidate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{name: "valid_long", sig: Signal{Symbol: "AAPL", Side: SideLong, BarTimestamp: ts}},
		{name: "valid_close", sig: Signal{Symbol: "AAPL", Side: SideClose, BarTimestamp: ts}},
		{name: "empty_symbol", sig: Signal{Side: SideLong, BarTimestamp: ts}, wantErr: true},
		{name: "bad_side", sig: Signal{Symbol: "AAPL", Side: "UP", BarTimestamp: ts}, wantErr: true},
		{name: "zero_timestamp", sig: Signal{Symbol: "AAPL", Side: SideLong}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sig.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderRejected, OrderCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	open := []OrderStatus{OrderPending, OrderSubmitted}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestOrderIDDeterministic(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	a := OrderID("AAPL", ts)
	b := OrderID("AAPL", ts)
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if c := OrderID("NVDA", ts); c == a {
		t.Errorf("different symbols produced identical id %s", c)
	}
}
