package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmarchetti/tradegate/internal/audit"
	"github.com/dmarchetti/tradegate/internal/broker"
	"github.com/dmarchetti/tradegate/internal/config"
	"github.com/dmarchetti/tradegate/internal/domain"
	"github.com/dmarchetti/tradegate/internal/feed"
	"github.com/dmarchetti/tradegate/internal/observ"
	"github.com/dmarchetti/tradegate/internal/portfolio"
	"github.com/dmarchetti/tradegate/internal/risk"
	"github.com/dmarchetti/tradegate/internal/strategy"
)

// Approver is the risk-gate surface the engine uses. The gate is the only
// component that constructs orders.
type Approver interface {
	Approve(sig domain.Signal, price float64, view risk.PortfolioView) (*domain.Order, *risk.Rejection)
	RecordReturn(r float64)
}

// OrderSubmitter forwards approved orders to the venue (via the broker
// resilience layer).
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.Order) error
}

// Halt is the kill-switch read surface.
type Halt interface {
	IsActive() bool
}

// Recorder receives the engine's audit events.
type Recorder interface {
	Record(typ audit.EventType, symbol string, ts time.Time, payload map[string]any)
}

// Engine drives the per-bar loop: fill pending orders at this bar's open,
// extend history, invoke the strategy, gate the signal, submit the order.
// Bar processing is strictly sequential; the pending queue is drained only
// at the start of an iteration, which is what makes lookahead structurally
// impossible.
type Engine struct {
	cfg   config.Engine
	strat strategy.Strategy
	gate  Approver
	sub   OrderSubmitter
	pf    *portfolio.State
	ks    Halt
	trail Recorder

	snapshotDir string

	history map[string][]domain.Bar
	pending map[string][]domain.Order
}

// New assembles an engine. trail and ks may be nil in tests.
func New(cfg config.Engine, snapshotDir string, strat strategy.Strategy, gate Approver,
	sub OrderSubmitter, pf *portfolio.State, ks Halt, trail Recorder) *Engine {
	return &Engine{
		cfg:         cfg,
		strat:       strat,
		gate:        gate,
		sub:         sub,
		pf:          pf,
		ks:          ks,
		trail:       trail,
		snapshotDir: snapshotDir,
		history:     map[string][]domain.Bar{},
		pending:     map[string][]domain.Order{},
	}
}

// Run consumes bars until the source is exhausted or ctx is cancelled,
// returning the session result. On cancellation the partial result is
// returned alongside the context error; final portfolio state is persisted
// either way.
func (e *Engine) Run(ctx context.Context, src feed.BarSource) (*SessionResult, error) {
	result := &SessionResult{}
	e.record(audit.EventSessionStarted, "", time.Time{}, map[string]any{
		"strategy": e.strat.Name(),
	})

	var runErr error
	for {
		bar, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, feed.ErrEndOfFeed) {
				runErr = err
			}
			break
		}
		if err := e.processBar(ctx, bar, result); err != nil {
			runErr = err
			break
		}
	}

	e.cancelPending(result, "session_ended")
	result.FinalEquity = e.pf.Equity()
	if err := e.pf.Save(); err != nil {
		observ.Error("portfolio_save_failed", err, nil)
		if runErr == nil {
			runErr = err
		}
	}
	e.record(audit.EventSessionFinished, "", time.Time{}, map[string]any{
		"bars_processed": result.BarsProcessed,
		"final_equity":   result.FinalEquity,
		"trades":         len(result.Trades),
	})
	return result, runErr
}

// processBar runs the strict per-bar order: fills first (against this
// bar's open), then history, then strategy, then gating and submission.
func (e *Engine) processBar(ctx context.Context, bar domain.Bar, result *SessionResult) error {
	result.BarsProcessed++

	// Day roll is anchored on bar time, never the wall clock; a completed
	// day feeds one realized return into the VaR window.
	date := bar.Timestamp.UTC().Format("2006-01-02")
	if ret, rolled := e.pf.RollDay(date); rolled {
		e.gate.RecordReturn(ret)
	}

	// 1. Drain orders left pending by earlier bars for this symbol.
	if err := e.fillPending(bar, result); err != nil {
		return err
	}

	// 2. Extend the rolling history.
	hist := append(e.history[bar.Symbol], bar)
	if e.cfg.HistoryMaxBars > 0 && len(hist) > e.cfg.HistoryMaxBars {
		hist = hist[len(hist)-e.cfg.HistoryMaxBars:]
	}
	e.history[bar.Symbol] = hist
	e.pf.Mark(bar.Symbol, bar.Close)
	result.EquityCurve = append(result.EquityCurve, EquityPoint{Timestamp: bar.Timestamp, Equity: e.pf.Equity()})

	// 3. Strategy sees history up to and including this bar's close. The
	// strategy owns its warm-up threshold; below it the call never happens.
	if len(hist) < e.strat.MinBars() {
		return nil
	}
	sig, err := e.strat.Generate(hist)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", e.strat.Name(), err)
	}
	if sig == nil {
		return nil
	}

	e.record(audit.EventSignalGenerated, sig.Symbol, sig.BarTimestamp, map[string]any{
		"side":     string(sig.Side),
		"strength": sig.Strength,
		"strategy": sig.Strategy,
	})
	observ.IncCounter("engine_signals_total", map[string]string{"symbol": sig.Symbol})

	// 4. Risk gate is the only path from signal to order.
	order, rej := e.gate.Approve(*sig, bar.Close, e.view())
	if rej != nil {
		result.Signals = append(result.Signals, SignalRecord{Signal: *sig, Outcome: rej.Reason})
		return nil
	}
	result.Signals = append(result.Signals, SignalRecord{Signal: *sig, Outcome: "approved", OrderID: order.ID})

	// 5. Submit; the order fills at the NEXT bar's open, never this one.
	if err := e.sub.SubmitOrder(ctx, *order); err != nil {
		e.record(audit.EventOrderFailed, order.Symbol, sig.BarTimestamp, map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		observ.IncCounter("engine_order_failures_total", map[string]string{"symbol": order.Symbol})
		return nil
	}
	order.Status = domain.OrderSubmitted
	e.record(audit.EventOrderSubmitted, order.Symbol, sig.BarTimestamp, map[string]any{
		"order_id": order.ID,
		"quantity": order.Quantity,
		"side":     string(order.Side),
	})
	e.pending[order.Symbol] = append(e.pending[order.Symbol], *order)

	if e.cfg.SnapshotEveryBars > 0 && result.BarsProcessed%e.cfg.SnapshotEveryBars == 0 && e.snapshotDir != "" {
		if err := e.pf.WriteSnapshot(e.snapshotDir, bar.Timestamp); err != nil {
			observ.Error("snapshot_write_failed", err, nil)
		} else {
			e.record(audit.EventPortfolioSnapshot, "", bar.Timestamp, map[string]any{
				"equity": e.pf.Equity(),
			})
		}
	}
	return nil
}

// fillPending executes queued orders for this symbol at the bar's open
// plus slippage and commission. A kill switch activated since submission
// cancels instead of filling.
func (e *Engine) fillPending(bar domain.Bar, result *SessionResult) error {
	queue := e.pending[bar.Symbol]
	if len(queue) == 0 {
		return nil
	}
	delete(e.pending, bar.Symbol)

	for _, order := range queue {
		if !bar.Timestamp.After(order.SignalTimestamp) {
			return fmt.Errorf("fill bar %s not after signal bar %s for order %s",
				bar.Timestamp, order.SignalTimestamp, order.ID)
		}
		if e.ks != nil && e.ks.IsActive() {
			e.record(audit.EventOrderFailed, order.Symbol, bar.Timestamp, map[string]any{
				"order_id": order.ID,
				"reason":   "kill_switch_active",
				"status":   string(domain.OrderCancelled),
			})
			continue
		}

		buying := order.Side == domain.SideLong
		if order.Side == domain.SideClose {
			if pos, ok := e.pf.Position(order.Symbol); ok && pos.Quantity < 0 {
				buying = true
			}
		}
		slip := e.cfg.SlippageBps / 10000
		price := bar.Open
		if buying {
			price *= 1 + slip
		} else {
			price *= 1 - slip
		}

		fill := domain.Fill{
			OrderID:      order.ID,
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     order.Quantity,
			Price:        price,
			Commission:   float64(order.Quantity) * e.cfg.CommissionPerShare,
			SlippageBps:  e.cfg.SlippageBps,
			BarTimestamp: bar.Timestamp,
		}
		if err := e.pf.ApplyFill(fill); err != nil {
			return fmt.Errorf("apply fill %s: %w", order.ID, err)
		}
		if m, ok := e.sub.(broker.FillMirror); ok {
			m.MirrorFill(fill)
		}
		result.Trades = append(result.Trades, fill)
		e.record(audit.EventOrderFilled, fill.Symbol, fill.BarTimestamp, map[string]any{
			"order_id":   fill.OrderID,
			"quantity":   fill.Quantity,
			"price":      fill.Price,
			"commission": fill.Commission,
		})
		observ.IncCounter("engine_fills_total", map[string]string{"symbol": fill.Symbol})
	}
	return nil
}

// cancelPending audits any orders still queued at shutdown.
func (e *Engine) cancelPending(result *SessionResult, reason string) {
	for sym, queue := range e.pending {
		for _, order := range queue {
			e.record(audit.EventOrderFailed, sym, order.SignalTimestamp, map[string]any{
				"order_id": order.ID,
				"reason":   reason,
				"status":   string(domain.OrderCancelled),
			})
		}
	}
	e.pending = map[string][]domain.Order{}
}

func (e *Engine) view() risk.PortfolioView {
	positions := map[string]int64{}
	for sym, pos := range e.pf.Positions() {
		positions[sym] = pos.Quantity
	}
	return risk.PortfolioView{
		Equity:         e.pf.Equity(),
		Cash:           e.pf.Cash(),
		PeakEquity:     e.pf.PeakEquity(),
		DayStartEquity: e.pf.DayStartEquity(),
		Positions:      positions,
		RecentTradePnL: e.pf.RecentTradePnL(),
	}
}

func (e *Engine) record(typ audit.EventType, symbol string, ts time.Time, payload map[string]any) {
	if e.trail == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	e.trail.Record(typ, symbol, ts, payload)
}
