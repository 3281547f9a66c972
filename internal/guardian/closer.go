package guardian

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/pkg/types"
)

// PositionRemover is the State Core slice Closer needs to reconcile a
// market-close fill back into the single source of truth for positions.
type PositionRemover interface {
	RemovePosition(symbol string, exitPrice decimal.Decimal) (types.Position, bool)
}

// Closer executes an immediate market-close for a position: a MARKET
// order opposite the position's side, reconciled back into the State
// Core. Both the Watchdog's panic protocol and the Sentinel's
// critical-news exit path share this.
type Closer struct {
	logger *zap.Logger
	broker broker.Broker
	state  PositionRemover
}

// NewCloser builds a Closer.
func NewCloser(logger *zap.Logger, br broker.Broker, state PositionRemover) *Closer {
	return &Closer{logger: logger.Named("guardian.closer"), broker: br, state: state}
}

// CloseAtMarket places the opposite-side market order, waits for its fill,
// and removes the position from the State Core, returning the realized
// P&L.
func (c *Closer) CloseAtMarket(ctx context.Context, position types.Position) (decimal.Decimal, error) {
	side := types.OrderSideSell
	if position.Direction == types.DirectionShort {
		side = types.OrderSideBuy
	}

	order, err := c.broker.PlaceOrder(ctx, types.Order{
		Symbol:   position.Symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: position.Quantity,
		Notes:    "guardian market close",
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("guardian: market close order for %s: %w", position.Symbol, err)
	}

	exitPrice := order.AvgFillPrice
	if exitPrice.IsZero() {
		exitPrice = position.CurrentPrice
	}

	closed, ok := c.state.RemovePosition(position.Symbol, exitPrice)
	if !ok {
		return decimal.Zero, fmt.Errorf("guardian: position %s not found in state at close", position.Symbol)
	}

	c.logger.Info("position closed at market",
		zap.String("symbol", position.Symbol), zap.String("exit_price", exitPrice.String()),
		zap.String("pnl", types.ComputePnL(closed.Direction, closed.EntryPrice, exitPrice, closed.Quantity).String()))
	return types.ComputePnL(closed.Direction, closed.EntryPrice, exitPrice, closed.Quantity), nil
}
