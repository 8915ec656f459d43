package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// PaperAdapter is a deterministic in-memory venue used for backtests and
// paper sessions. It accepts orders, tracks an account mirrored from
// engine fills, and supports scripted failure injection so the resilience
// layer can be exercised end to end.
type PaperAdapter struct {
	mu        sync.Mutex
	connected bool
	cash      float64
	positions map[string]PositionInfo
	orders    map[string]domain.Order
	marks     map[string]float64

	// injected failures consumed FIFO per operation name
	failures map[string][]error
}

// NewPaperAdapter creates a paper venue holding the given starting cash.
func NewPaperAdapter(startingCash float64) *PaperAdapter {
	return &PaperAdapter{
		cash:      startingCash,
		positions: map[string]PositionInfo{},
		orders:    map[string]domain.Order{},
		marks:     map[string]float64{},
		failures:  map[string][]error{},
	}
}

// InjectFailure queues an error to be returned by the next call to the
// named operation ("submit", "positions", "cash", "value", "connect").
// Test and demo hook.
func (p *PaperAdapter) InjectFailure(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *PaperAdapter) takeFailure(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	p.failures[op] = q[1:]
	return err
}

func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("connect"); err != nil {
		return err
	}
	p.connected = true
	return nil
}

func (p *PaperAdapter) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PaperAdapter) SubmitOrder(ctx context.Context, order domain.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("submit"); err != nil {
		return err
	}
	if !p.connected {
		return NewNetworkError("paper venue not connected", nil)
	}
	if err := order.Validate(); err != nil {
		return NewInvalidOrderError(err.Error())
	}
	if _, dup := p.orders[order.ID]; dup {
		return NewInvalidOrderError(fmt.Sprintf("duplicate order id %s", order.ID))
	}
	order.Status = domain.OrderSubmitted
	p.orders[order.ID] = order
	return nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return NewInvalidOrderError(fmt.Sprintf("unknown order %s", orderID))
	}
	if order.Status.Terminal() {
		return NewInvalidOrderError(fmt.Sprintf("order %s already %s", orderID, order.Status))
	}
	order.Status = domain.OrderCancelled
	p.orders[orderID] = order
	return nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) (map[string]PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("positions"); err != nil {
		return nil, err
	}
	out := make(map[string]PositionInfo, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out, nil
}

func (p *PaperAdapter) GetCash(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("cash"); err != nil {
		return 0, err
	}
	return p.cash, nil
}

func (p *PaperAdapter) GetPortfolioValue(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("value"); err != nil {
		return 0, err
	}
	value := p.cash
	for sym, pos := range p.positions {
		mark := p.marks[sym]
		if mark == 0 {
			mark = pos.AvgEntryPrice
		}
		value += float64(pos.Quantity) * mark
	}
	return value, nil
}

// MirrorFill applies an engine-computed fill to the paper account so the
// venue's positions and cash stay authoritative for reconciliation.
func (p *PaperAdapter) MirrorFill(fill domain.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positions[fill.Symbol]
	pos.Symbol = fill.Symbol

	var delta int64
	switch fill.Side {
	case domain.SideLong:
		delta = fill.Quantity
	case domain.SideShort:
		delta = -fill.Quantity
	case domain.SideClose:
		if pos.Quantity > 0 {
			delta = -fill.Quantity
		} else {
			delta = fill.Quantity
		}
	}

	p.cash -= float64(delta) * fill.Price
	p.cash -= fill.Commission

	sameDirection := pos.Quantity == 0 || (pos.Quantity > 0) == (delta > 0)
	if sameDirection {
		total := pos.Quantity + delta
		cost := pos.AvgEntryPrice*float64(pos.Quantity) + fill.Price*float64(delta)
		pos.Quantity = total
		if total != 0 {
			pos.AvgEntryPrice = cost / float64(total)
		}
	} else {
		pos.Quantity += delta
		if pos.Quantity == 0 {
			pos.AvgEntryPrice = 0
		}
	}

	if pos.Quantity == 0 {
		delete(p.positions, fill.Symbol)
	} else {
		p.positions[fill.Symbol] = pos
	}
	p.marks[fill.Symbol] = fill.Price

	if order, ok := p.orders[fill.OrderID]; ok {
		order.Status = domain.OrderFilled
		p.orders[fill.OrderID] = order
	}
}

// SetAccount overwrites the paper account, used by tests to simulate
// divergence between local and venue state.
func (p *PaperAdapter) SetAccount(cash float64, positions map[string]PositionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	p.positions = make(map[string]PositionInfo, len(positions))
	for k, v := range positions {
		p.positions[k] = v
	}
}

// Order returns a submitted order by id. Test hook.
func (p *PaperAdapter) Order(id string) (domain.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	return o, ok
}
