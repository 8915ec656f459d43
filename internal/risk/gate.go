package risk

import (
	"fmt"
	"time"

	"github.com/dmarchetti/tradegate/internal/audit"
	"github.com/dmarchetti/tradegate/internal/config"
	"github.com/dmarchetti/tradegate/internal/domain"
	"github.com/dmarchetti/tradegate/internal/observ"
)

// Rejection reason codes. Rejections are expected outcomes, not errors;
// each one carries exactly one machine-readable reason.
const (
	ReasonKillSwitchActive  = "kill_switch_active"
	ReasonInvalidSignal     = "invalid_signal"
	ReasonInvalidPrice      = "invalid_price"
	ReasonInvalidStop       = "invalid_stop_distance"
	ReasonNonPositiveEquity = "non_positive_equity"
	ReasonQuantityTooSmall  = "quantity_too_small"
	ReasonNoOpenPosition    = "no_open_position"
)

// breakerReason builds the stable rejection reason for a tripped rule, used
// both at trip time and for every signal rejected while the latch holds.
func breakerReason(kind BreakerKind) string {
	return "breaker_" + string(kind)
}

// Rejection is the non-error outcome of a declined approval.
type Rejection struct {
	Reason string `json:"reason"`
}

// PortfolioView is the read-only snapshot of portfolio state an approval
// evaluates against.
type PortfolioView struct {
	Equity         float64
	Cash           float64
	PeakEquity     float64
	DayStartEquity float64
	Positions      map[string]int64
	RecentTradePnL []float64
}

// HaltSwitch is the kill switch surface the gate needs.
type HaltSwitch interface {
	CheckAndBlock() (bool, string)
	Trigger(source, reason string) error
}

// Recorder receives audit events for approvals, rejections and trips.
type Recorder interface {
	Record(typ audit.EventType, symbol string, ts time.Time, payload map[string]any)
}

// Gate is the only path from a signal to an order. All breaker and VaR
// state is owned by a single goroutine and reached through one request
// channel, so concurrent evaluations across symbols serialize and breaker
// trip ordering is deterministic.
type Gate struct {
	cfg   config.Risk
	ks    HaltSwitch
	trail Recorder

	reqs chan any
	done chan struct{}
}

type approveReq struct {
	sig   domain.Signal
	price float64
	view  PortfolioView
	resp  chan approveResp
}

type approveResp struct {
	order *domain.Order
	rej   *Rejection
}

type returnReq struct {
	r float64
}

type resetReq struct {
	operator string
	reason   string
	resp     chan error
}

type breakersReq struct {
	resp chan []BreakerState
}

// NewGate builds the gate and starts its evaluation goroutine.
func NewGate(cfg config.Risk, ks HaltSwitch, trail Recorder) *Gate {
	g := &Gate{
		cfg:   cfg,
		ks:    ks,
		trail: trail,
		reqs:  make(chan any),
		done:  make(chan struct{}),
	}
	go g.run()
	return g
}

// Close stops the evaluation goroutine. Pending requests complete first.
func (g *Gate) Close() {
	close(g.reqs)
	<-g.done
}

// Approve evaluates one signal against the current portfolio state. price
// is the signal bar's close, used for sizing only; it never leaks into
// fill prices. Exactly one of the returns is non-nil.
func (g *Gate) Approve(sig domain.Signal, price float64, view PortfolioView) (*domain.Order, *Rejection) {
	resp := make(chan approveResp, 1)
	g.reqs <- approveReq{sig: sig, price: price, view: view, resp: resp}
	r := <-resp
	return r.order, r.rej
}

// RecordReturn feeds one realized daily return into the VaR window.
func (g *Gate) RecordReturn(r float64) {
	g.reqs <- returnReq{r: r}
}

// ResetBreakers clears all latches. Requires an operator identity and is
// recorded in the audit trail. The kill switch is reset separately.
func (g *Gate) ResetBreakers(operator, reason string) error {
	resp := make(chan error, 1)
	g.reqs <- resetReq{operator: operator, reason: reason, resp: resp}
	return <-resp
}

// Breakers returns the current latch states in evaluation order.
func (g *Gate) Breakers() []BreakerState {
	resp := make(chan []BreakerState, 1)
	g.reqs <- breakersReq{resp: resp}
	return <-resp
}

// run owns all mutable gate state. Every request is one critical section.
func (g *Gate) run() {
	defer close(g.done)

	breakers := map[BreakerKind]*BreakerState{}
	for _, kind := range breakerOrder {
		breakers[kind] = &BreakerState{Kind: kind}
	}
	window := NewVarWindow(g.cfg.VarWindow)

	for req := range g.reqs {
		switch r := req.(type) {
		case approveReq:
			r.resp <- g.evaluate(r, breakers, window)
		case returnReq:
			window.Add(r.r)
		case resetReq:
			r.resp <- g.reset(r, breakers)
		case breakersReq:
			out := make([]BreakerState, 0, len(breakerOrder))
			for _, kind := range breakerOrder {
				out = append(out, *breakers[kind])
			}
			r.resp <- out
		}
	}
}

func (g *Gate) evaluate(req approveReq, breakers map[BreakerKind]*BreakerState, window *VarWindow) approveResp {
	sig := req.sig
	view := req.view

	if err := sig.Validate(); err != nil {
		return g.reject(sig, ReasonInvalidSignal)
	}

	// Immediate rejects: no sizing is attempted for any of these.
	if blocked, reason := g.ks.CheckAndBlock(); blocked {
		return g.reject(sig, reason)
	}
	for _, kind := range breakerOrder {
		if breakers[kind].Tripped {
			return g.reject(sig, breakerReason(kind))
		}
	}
	if req.price <= 0 {
		return g.reject(sig, ReasonInvalidPrice)
	}
	stopFraction := g.cfg.StopLossFraction
	if sig.StopDistance > 0 {
		stopFraction = sig.StopDistance
	}
	if stopFraction <= 0 {
		return g.reject(sig, ReasonInvalidStop)
	}
	if view.Equity <= 0 {
		return g.reject(sig, ReasonNonPositiveEquity)
	}

	strength := sig.ClampStrength()

	var qty int64
	if sig.Side == domain.SideClose {
		held := view.Positions[sig.Symbol]
		if held == 0 {
			return g.reject(sig, ReasonNoOpenPosition)
		}
		if held < 0 {
			held = -held
		}
		qty = held
	} else {
		qty = sizePosition(view.Equity, req.price, strength,
			g.cfg.MaxPortfolioRiskPct, g.cfg.MaxPositionPct, stopFraction)
		if qty <= 0 {
			return g.reject(sig, ReasonQuantityTooSmall)
		}
	}

	// Fresh breaker evaluation in fixed order; the first trip halts
	// approval, latches, and pulls the kill switch.
	evals := map[BreakerKind]func() (bool, string){
		BreakerDrawdown: func() (bool, string) {
			return checkDrawdown(view.Equity, view.PeakEquity, g.cfg.MaxDrawdownPct)
		},
		BreakerIntradayLoss: func() (bool, string) {
			return checkIntradayLoss(view.Equity, view.DayStartEquity, g.cfg.MaxIntradayLossPct)
		},
		BreakerConsecutiveLosses: func() (bool, string) {
			return checkConsecutiveLosses(view.RecentTradePnL, g.cfg.MaxConsecutiveLosses)
		},
		BreakerVar: func() (bool, string) {
			return checkVar(window, g.cfg.VarConfidence, g.cfg.MaxVarPct)
		},
	}
	for _, kind := range breakerOrder {
		if tripped, reason := evals[kind](); tripped {
			g.trip(breakers[kind], reason, sig)
			return g.reject(sig, breakerReason(kind))
		}
	}

	order := &domain.Order{
		ID:              domain.OrderID(sig.Symbol, sig.BarTimestamp),
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Quantity:        qty,
		Type:            domain.OrderTypeMarket,
		SignalTimestamp: sig.BarTimestamp,
		Status:          domain.OrderPending,
	}

	observ.IncCounter("risk_approvals_total", map[string]string{"symbol": sig.Symbol})
	if g.trail != nil {
		g.trail.Record(audit.EventOrderApproved, sig.Symbol, sig.BarTimestamp, map[string]any{
			"order_id": order.ID,
			"side":     string(order.Side),
			"quantity": order.Quantity,
			"strength": strength,
			"price":    req.price,
		})
	}
	return approveResp{order: order}
}

func (g *Gate) reject(sig domain.Signal, reason string) approveResp {
	observ.IncCounter("risk_rejections_total", map[string]string{"reason": reason})
	if g.trail != nil {
		g.trail.Record(audit.EventOrderRejected, sig.Symbol, sig.BarTimestamp, map[string]any{
			"side":   string(sig.Side),
			"reason": reason,
		})
	}
	return approveResp{rej: &Rejection{Reason: reason}}
}

// trip latches a breaker, audits it and pulls the kill switch. Fatal until
// an explicit reset.
func (g *Gate) trip(b *BreakerState, reason string, sig domain.Signal) {
	b.Tripped = true
	b.Reason = reason
	b.TrippedAt = sig.BarTimestamp

	observ.IncCounter("risk_breaker_trips_total", map[string]string{"kind": string(b.Kind)})
	observ.SetGauge("risk_breaker_tripped", 1, map[string]string{"kind": string(b.Kind)})
	observ.Warn("breaker_tripped", map[string]any{"kind": string(b.Kind), "reason": reason, "symbol": sig.Symbol})

	if g.trail != nil {
		g.trail.Record(audit.EventBreakerTripped, sig.Symbol, sig.BarTimestamp, map[string]any{
			"kind":   string(b.Kind),
			"reason": reason,
		})
	}
	if err := g.ks.Trigger("risk_gate", fmt.Sprintf("breaker_%s:%s", b.Kind, reason)); err != nil {
		observ.Error("kill_switch_trigger_failed", err, map[string]any{"kind": string(b.Kind)})
	}
}

func (g *Gate) reset(req resetReq, breakers map[BreakerKind]*BreakerState) error {
	if req.operator == "" {
		return fmt.Errorf("breaker reset requires an operator id")
	}
	for _, kind := range breakerOrder {
		b := breakers[kind]
		if !b.Tripped {
			continue
		}
		b.Tripped = false
		b.Reason = ""
		b.TrippedAt = time.Time{}
		observ.SetGauge("risk_breaker_tripped", 0, map[string]string{"kind": string(kind)})
		if g.trail != nil {
			g.trail.Record(audit.EventBreakerReset, "", time.Now().UTC(), map[string]any{
				"kind":     string(kind),
				"operator": req.operator,
				"reason":   req.reason,
			})
		}
	}
	return nil
}
