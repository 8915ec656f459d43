package risk

import (
	"time"
)

// BreakerKind identifies one latching risk rule.
type BreakerKind string

const (
	BreakerDrawdown          BreakerKind = "drawdown"
	BreakerIntradayLoss      BreakerKind = "intraday_loss"
	BreakerConsecutiveLosses BreakerKind = "consecutive_losses"
	BreakerVar               BreakerKind = "var_limit"
)

// breakerOrder is the fixed evaluation order. The first rule that trips
// halts approval.
var breakerOrder = []BreakerKind{
	BreakerDrawdown,
	BreakerIntradayLoss,
	BreakerConsecutiveLosses,
	BreakerVar,
}

// BreakerState is the latch for one rule. Once tripped it stays tripped
// until an explicit, audited reset.
type BreakerState struct {
	Kind      BreakerKind `json:"kind"`
	Tripped   bool        `json:"tripped"`
	Reason    string      `json:"reason,omitempty"`
	TrippedAt time.Time   `json:"tripped_at,omitempty"`
}

// checkDrawdown trips when equity has fallen more than maxPct from peak.
func checkDrawdown(equity, peak, maxPct float64) (bool, string) {
	if peak <= 0 {
		return false, ""
	}
	dd := (peak - equity) / peak
	if dd > maxPct {
		return true, "max_drawdown_exceeded"
	}
	return false, ""
}

// checkIntradayLoss trips when today's loss exceeds maxPct of the equity
// the day opened with.
func checkIntradayLoss(equity, dayStart, maxPct float64) (bool, string) {
	if dayStart <= 0 {
		return false, ""
	}
	loss := (dayStart - equity) / dayStart
	if loss > maxPct {
		return true, "max_intraday_loss_exceeded"
	}
	return false, ""
}

// checkConsecutiveLosses trips after maxLosses losing round trips in a row.
func checkConsecutiveLosses(tradePnL []float64, maxLosses int) (bool, string) {
	if maxLosses <= 0 || len(tradePnL) < maxLosses {
		return false, ""
	}
	streak := 0
	for i := len(tradePnL) - 1; i >= 0; i-- {
		if tradePnL[i] >= 0 {
			break
		}
		streak++
	}
	if streak >= maxLosses {
		return true, "max_consecutive_losses_exceeded"
	}
	return false, ""
}

// checkVar trips when the projected 1-day loss exceeds maxVarPct of equity.
func checkVar(w *VarWindow, confidence, maxVarPct float64) (bool, string) {
	varRet, _, ok := w.VaR(confidence)
	if !ok {
		return false, ""
	}
	if -varRet > maxVarPct {
		return true, "var_limit_exceeded"
	}
	return false, ""
}
