package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dmarchetti/tradegate/internal/audit"
	"github.com/dmarchetti/tradegate/internal/config"
	"github.com/dmarchetti/tradegate/internal/domain"
	"github.com/dmarchetti/tradegate/internal/observ"
	"github.com/dmarchetti/tradegate/internal/portfolio"
)

// Recorder receives audit events for broker failures and reconciliation.
type Recorder interface {
	Record(typ audit.EventType, symbol string, ts time.Time, payload map[string]any)
}

// HaltSwitch lets the resilience layer halt trading on sustained failure.
type HaltSwitch interface {
	Trigger(source, reason string) error
}

// Resilient wraps a venue adapter with bounded retries, exponential
// backoff, a three-state circuit breaker and outbound rate limiting.
// Orders are refused until local state has been reconciled against the
// venue's authoritative positions and cash.
type Resilient struct {
	inner   Adapter
	cfg     config.Broker
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	trail   Recorder
	halt    HaltSwitch

	reconciled atomic.Bool
}

// NewResilient wraps inner with the resilience policy in cfg. trail and
// halt may be nil (tests).
func NewResilient(inner Adapter, cfg config.Broker, trail Recorder, halt HaltSwitch) *Resilient {
	r := &Resilient{
		inner:   inner,
		cfg:     cfg,
		trail:   trail,
		halt:    halt,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1, // one probe call in half-open
		Timeout:     time.Duration(cfg.BreakerCooldownMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.BreakerFailures
		},
		OnStateChange: r.onStateChange,
	})
	return r
}

func (r *Resilient) onStateChange(name string, from, to gobreaker.State) {
	observ.IncCounter("broker_circuit_transitions_total", map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
	observ.Warn("broker_circuit_state_changed", map[string]any{"from": from.String(), "to": to.String()})
	if to == gobreaker.StateOpen {
		if r.trail != nil {
			r.trail.Record(audit.EventBrokerError, "", time.Now().UTC(), map[string]any{
				"error": "circuit_open",
				"from":  from.String(),
			})
		}
		if r.halt != nil {
			if err := r.halt.Trigger("broker", "broker_circuit_open"); err != nil {
				observ.Error("kill_switch_trigger_failed", err, nil)
			}
		}
	}
}

// call runs one venue operation through the rate limiter, circuit breaker,
// per-call deadline and retry policy. A timeout counts as a transient
// failure for circuit-breaker purposes.
func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
			observ.IncCounter("broker_retries_total", map[string]string{"op": op})
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := r.cb.Execute(func() (any, error) {
			cctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMs)*time.Millisecond)
			defer cancel()
			callErr := fn(cctx)
			if errors.Is(callErr, context.DeadlineExceeded) {
				callErr = NewTimeoutError(fmt.Sprintf("%s exceeded %dms deadline", op, r.cfg.TimeoutMs), callErr)
			}
			return nil, callErr
		})
		if err == nil {
			observ.IncCounter("broker_calls_total", map[string]string{"op": op, "result": "ok"})
			return nil
		}
		lastErr = err
		observ.IncCounter("broker_calls_total", map[string]string{"op": op, "result": "error"})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// short-circuited without reaching the venue; retrying inside
			// the cooldown is pointless
			return &BrokerError{Type: ErrTypeCircuitOpen, Message: op + " short-circuited", Cause: err}
		}
		if !IsTransient(err) {
			r.auditTerminal(op, err)
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.cfg.MaxRetries+1, lastErr)
}

func (r *Resilient) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := float64(r.cfg.BackoffBaseMs) * math.Pow(2, float64(attempt-1))
	if limit := float64(r.cfg.BackoffMaxMs); backoff > limit {
		backoff = limit
	}
	select {
	case <-time.After(time.Duration(backoff) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resilient) auditTerminal(op string, err error) {
	observ.Error("broker_terminal_error", err, map[string]any{"op": op})
	if r.trail != nil {
		r.trail.Record(audit.EventBrokerError, "", time.Now().UTC(), map[string]any{
			"op":    op,
			"error": err.Error(),
		})
	}
}

// Connect establishes the venue session. Reconcile must still be called
// before orders are accepted.
func (r *Resilient) Connect(ctx context.Context) error {
	return r.call(ctx, "connect", r.inner.Connect)
}

func (r *Resilient) Disconnect(ctx context.Context) error {
	r.reconciled.Store(false)
	return r.call(ctx, "disconnect", r.inner.Disconnect)
}

// SubmitOrder forwards an order to the venue. Refused until Reconcile has
// completed for this session.
func (r *Resilient) SubmitOrder(ctx context.Context, order domain.Order) error {
	if !r.reconciled.Load() {
		return NewInvalidOrderError("order refused: local state not reconciled with venue")
	}
	return r.call(ctx, "submit_order", func(ctx context.Context) error {
		return r.inner.SubmitOrder(ctx, order)
	})
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	return r.call(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, orderID)
	})
}

func (r *Resilient) GetPositions(ctx context.Context) (map[string]PositionInfo, error) {
	var out map[string]PositionInfo
	err := r.call(ctx, "get_positions", func(ctx context.Context) error {
		var ierr error
		out, ierr = r.inner.GetPositions(ctx)
		return ierr
	})
	return out, err
}

func (r *Resilient) GetCash(ctx context.Context) (float64, error) {
	var out float64
	err := r.call(ctx, "get_cash", func(ctx context.Context) error {
		var ierr error
		out, ierr = r.inner.GetCash(ctx)
		return ierr
	})
	return out, err
}

func (r *Resilient) GetPortfolioValue(ctx context.Context) (float64, error) {
	var out float64
	err := r.call(ctx, "get_portfolio_value", func(ctx context.Context) error {
		var ierr error
		out, ierr = r.inner.GetPortfolioValue(ctx)
		return ierr
	})
	return out, err
}

// MirrorFill forwards engine fills to adapters that track account state.
func (r *Resilient) MirrorFill(fill domain.Fill) {
	if m, ok := r.inner.(FillMirror); ok {
		m.MirrorFill(fill)
	}
}

// Reconcile fetches the venue's authoritative positions and cash and
// replaces local state with them. Every divergence is recorded as an audit
// event first; nothing is silently overwritten. Orders are refused until
// this has run for the current session.
func (r *Resilient) Reconcile(ctx context.Context, local *portfolio.State) error {
	venueCash, err := r.GetCash(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch cash: %w", err)
	}
	venuePositions, err := r.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch positions: %w", err)
	}

	now := time.Now().UTC()
	divergences := 0

	if localCash := local.Cash(); math.Abs(localCash-venueCash) > 0.01 {
		divergences++
		r.recordDivergence("", now, map[string]any{
			"field":      "cash",
			"local":      localCash,
			"venue":      venueCash,
			"difference": venueCash - localCash,
		})
	}

	localPositions := local.Positions()
	for sym, venuePos := range venuePositions {
		localPos := localPositions[sym]
		if localPos.Quantity != venuePos.Quantity {
			divergences++
			r.recordDivergence(sym, now, map[string]any{
				"field": "quantity",
				"local": localPos.Quantity,
				"venue": venuePos.Quantity,
			})
		}
	}
	for sym, localPos := range localPositions {
		if _, held := venuePositions[sym]; !held && localPos.Quantity != 0 {
			divergences++
			r.recordDivergence(sym, now, map[string]any{
				"field": "quantity",
				"local": localPos.Quantity,
				"venue": int64(0),
			})
		}
	}

	adopted := make(map[string]portfolio.Position, len(venuePositions))
	for sym, pos := range venuePositions {
		adopted[sym] = portfolio.Position{Quantity: pos.Quantity, AvgEntryPrice: pos.AvgEntryPrice}
	}
	if err := local.SetCashAndPositions(venueCash, adopted); err != nil {
		return fmt.Errorf("reconcile: adopt venue state: %w", err)
	}

	r.reconciled.Store(true)
	observ.Log("broker_reconciled", map[string]any{"divergences": divergences})
	observ.SetGauge("broker_reconcile_divergences", float64(divergences), nil)
	return nil
}

func (r *Resilient) recordDivergence(symbol string, ts time.Time, payload map[string]any) {
	observ.IncCounter("broker_reconcile_divergences_total", nil)
	if r.trail != nil {
		r.trail.Record(audit.EventReconcileDivergence, symbol, ts, payload)
	}
}

// Reconciled reports whether orders are currently permitted.
func (r *Resilient) Reconciled() bool {
	return r.reconciled.Load()
}
