package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
	"github.com/iara-trader/engine/pkg/utils"
)

// PriceLookup returns the latest known price for symbol, used as the paper
// broker's fallback fill price when an order carries no limit price.
type PriceLookup func(symbol string) (decimal.Decimal, bool)

// PaperConfig tunes the paper broker's simulated account.
type PaperConfig struct {
	StartingCash decimal.Decimal
}

// Paper is the offline simulation broker: market orders fill immediately at
// the order's limit price, falling back to the
// last known quote; stop/stop-limit/OCO orders are tracked and resolved by
// CheckTriggers as prices move, mirroring how a live venue would report
// fills asynchronously.
type Paper struct {
	logger  *zap.Logger
	prices  PriceLookup
	cfg     PaperConfig

	mu     sync.Mutex
	cash   decimal.Decimal
	orders map[string]types.Order
	// ocoSiblings maps an order ID to its OCO group (the physical stop and
	// the aggregated take-profits). Siblings cancel only once the group's
	// fills have realized the full exit quantity: a TP1 fill alone leaves
	// TP2 and the stop working the remainder.
	ocoSiblings map[string][]string
}

// NewPaper builds a paper broker. prices supplies the fallback fill price
// for orders without an explicit limit.
func NewPaper(logger *zap.Logger, prices PriceLookup, cfg PaperConfig) *Paper {
	if cfg.StartingCash.IsZero() {
		cfg.StartingCash = decimal.NewFromInt(100_000)
	}
	return &Paper{
		logger:      logger.Named("broker.paper"),
		prices:      prices,
		cfg:         cfg,
		cash:        cfg.StartingCash,
		orders:      make(map[string]types.Order),
		ocoSiblings: make(map[string][]string),
	}
}

func (p *Paper) Connect(ctx context.Context) error    { return nil }
func (p *Paper) Disconnect(ctx context.Context) error { return nil }

func (p *Paper) GetBalance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Cash: p.cash, BuyingPower: p.cash}, nil
}

// GetPositions is unused by the paper broker: Phase 4 and the Guardian
// track open positions through the State Core, the single source of truth
// for position bookkeeping; the broker only fills and reports orders.
func (p *Paper) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (p *Paper) fallbackPrice(symbol string) (decimal.Decimal, bool) {
	if p.prices == nil {
		return decimal.Zero, false
	}
	return p.prices(symbol)
}

// PlaceOrder fills MARKET orders immediately; everything else (LIMIT,
// STOP, STOP_LIMIT, OCO legs) is accepted and tracked open, to be resolved
// later by CheckTriggers as the market moves.
func (p *Paper) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.ID == "" {
		order.ID = utils.GenerateOrderID()
	}
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	order.Status = types.OrderStatusOpen

	if order.Type == types.OrderTypeMarket {
		fillPrice := order.LimitPrice
		if fillPrice.IsZero() {
			if fb, ok := p.fallbackPrice(order.Symbol); ok {
				fillPrice = fb
			}
		}
		order.Status = types.OrderStatusFilled
		order.FilledQty = order.Quantity
		order.AvgFillPrice = fillPrice
	}

	p.orders[order.ID] = order
	p.logger.Info("paper order placed",
		zap.String("id", order.ID), zap.String("symbol", order.Symbol),
		zap.String("type", string(order.Type)), zap.String("status", string(order.Status)))
	return order, nil
}

// PlaceOCOOrder places every order in the group and records their mutual
// cancel-on-fill relationship.
func (p *Paper) PlaceOCOOrder(ctx context.Context, orders []types.Order) ([]types.Order, error) {
	placed := make([]types.Order, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		result, err := p.PlaceOrder(ctx, o)
		if err != nil {
			return nil, err
		}
		placed = append(placed, result)
		ids = append(ids, result.ID)
	}

	p.mu.Lock()
	for _, id := range ids {
		p.ocoSiblings[id] = ids
	}
	p.mu.Unlock()
	return placed, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status == types.OrderStatusFilled || order.Status == types.OrderStatusCancelled {
		return nil
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	p.orders[orderID] = order
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, orderID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	return order, nil
}

// CheckTriggers is called by the engine on every price tick to resolve
// resting STOP/STOP_LIMIT/LIMIT orders against the current price, and to
// cancel the open OCO siblings once the group's fills add up to its full
// exit quantity (the largest leg's quantity). It is the
// paper broker's stand-in for a live venue's asynchronous fill reporting.
func (p *Paper) CheckTriggers(ctx context.Context, symbol string, price decimal.Decimal) []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	var filled []types.Order
	for id, order := range p.orders {
		if order.Symbol != symbol || order.Status != types.OrderStatusOpen {
			continue
		}
		if !triggers(order, price) {
			continue
		}
		order.Status = types.OrderStatusFilled
		order.FilledQty = order.Quantity
		order.AvgFillPrice = fillPriceFor(order, price)
		order.UpdatedAt = time.Now()
		p.orders[id] = order
		filled = append(filled, order)
		p.resolveOCOLocked(id)
	}
	return filled
}

// resolveOCOLocked cancels the remaining open legs of filledID's OCO group
// once the group's fills have realized the full exit quantity. The target
// is the largest leg in the group (the physical stop carries the whole
// position; each take-profit carries a slice), so a lone TP1 fill never
// cancels TP2 or the stop, while a stop fill — or TP1 and TP2 together —
// retires the rest of the group.
func (p *Paper) resolveOCOLocked(filledID string) {
	group := p.ocoSiblings[filledID]
	if len(group) == 0 {
		return
	}

	var target, realized int64
	for _, id := range group {
		order, ok := p.orders[id]
		if !ok {
			continue
		}
		if order.Quantity > target {
			target = order.Quantity
		}
		realized += order.FilledQty
	}
	if realized < target {
		return
	}

	for _, sibling := range group {
		order, ok := p.orders[sibling]
		if !ok || order.Status != types.OrderStatusOpen {
			continue
		}
		order.Status = types.OrderStatusCancelled
		order.UpdatedAt = time.Now()
		order.Notes = fmt.Sprintf("%s cancelled: OCO exit quantity realized", order.Notes)
		p.orders[sibling] = order
	}
}

func triggers(order types.Order, price decimal.Decimal) bool {
	switch order.Type {
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		if order.Side == types.OrderSideSell {
			return price.LessThanOrEqual(order.StopPrice)
		}
		return price.GreaterThanOrEqual(order.StopPrice)
	case types.OrderTypeLimit:
		if order.Side == types.OrderSideSell {
			return price.GreaterThanOrEqual(order.LimitPrice)
		}
		return price.LessThanOrEqual(order.LimitPrice)
	default:
		return false
	}
}

func fillPriceFor(order types.Order, price decimal.Decimal) decimal.Decimal {
	if order.Type == types.OrderTypeStopLimit && !order.LimitPrice.IsZero() {
		return order.LimitPrice
	}
	if order.Type == types.OrderTypeLimit && !order.LimitPrice.IsZero() {
		return order.LimitPrice
	}
	return price
}
