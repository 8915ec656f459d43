package engine

import (
	"time"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// EquityPoint is one observation on the session's equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// SignalRecord pairs a generated signal with its gating outcome.
type SignalRecord struct {
	Signal  domain.Signal `json:"signal"`
	Outcome string        `json:"outcome"` // "approved" or the rejection reason
	OrderID string        `json:"order_id,omitempty"`
}

// SessionResult is the replayable output of one engine run: the equity
// curve, the full trade log and the full signal log. Given an identical
// bar sequence and identical starting state, two runs produce identical
// results.
type SessionResult struct {
	BarsProcessed int            `json:"bars_processed"`
	FinalEquity   float64        `json:"final_equity"`
	EquityCurve   []EquityPoint  `json:"equity_curve"`
	Trades        []domain.Fill  `json:"trades"`
	Signals       []SignalRecord `json:"signals"`
}
