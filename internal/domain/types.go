package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV observation for a symbol. Bars are immutable once
// emitted by a feed.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"` // UTC
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Side is a signal's directional intent.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideClose Side = "CLOSE"
)

// Signal is a strategy's directional recommendation. Strength is a
// confidence in [0,1]; ClampStrength is applied before any sizing.
type Signal struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Strength     float64   `json:"strength"`
	BarTimestamp time.Time `json:"bar_timestamp"` // bar the signal was generated on
	StopDistance float64   `json:"stop_distance,omitempty"`
	Strategy     string    `json:"strategy,omitempty"`
}

// ClampStrength returns the strength forced into [0,1].
func (s Signal) ClampStrength() float64 {
	switch {
	case s.Strength < 0:
		return 0
	case s.Strength > 1:
		return 1
	default:
		return s.Strength
	}
}

// Validate rejects malformed signals before they reach the risk gate.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has empty symbol")
	}
	switch s.Side {
	case SideLong, SideShort, SideClose:
	default:
		return fmt.Errorf("signal has invalid side %q", s.Side)
	}
	if s.BarTimestamp.IsZero() {
		return fmt.Errorf("signal has zero bar timestamp")
	}
	return nil
}

// OrderStatus is the lifecycle state of an order. Filled, Rejected and
// Cancelled are terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order is an approved, sized trading instruction. Orders are only
// constructed by the risk gate.
type Order struct {
	ID              string      `json:"id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Quantity        int64       `json:"quantity"`
	Type            OrderType   `json:"type"`
	SignalTimestamp time.Time   `json:"signal_timestamp"`
	Status          OrderStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"` // populated on rejection/cancel
}

// Validate rejects malformed orders before submission.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order has empty id")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order has empty symbol")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s has non-positive quantity %d", o.ID, o.Quantity)
	}
	if o.SignalTimestamp.IsZero() {
		return fmt.Errorf("order %s has zero signal timestamp", o.ID)
	}
	return nil
}

// Fill is the executed quantity, price and cost for an order. The fill's
// bar timestamp is always strictly later than the originating signal's.
type Fill struct {
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     int64     `json:"quantity"`
	Price        float64   `json:"price"`
	Commission   float64   `json:"commission"`
	SlippageBps  float64   `json:"slippage_bps"`
	BarTimestamp time.Time `json:"bar_timestamp"`
}

// OrderID builds a deterministic order id from the originating symbol and
// bar timestamp so replays of identical bar sequences produce identical ids.
func OrderID(symbol string, barTS time.Time) string {
	return fmt.Sprintf("order_%s_%d", symbol, barTS.UnixNano())
}
