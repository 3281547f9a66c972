// Package broker defines the abstract broker surface Phase 4 and the
// Guardian place orders through, plus a paper-trading implementation for
// offline operation. Concrete vendor adapters implement the same Broker
// interface; nothing upstream of this package knows which one is wired in.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iara-trader/engine/pkg/types"
)

// Balance is the broker account snapshot returned by GetBalance.
type Balance struct {
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// Broker is the abstract trading venue surface. place_oco_order is
// optional (see OCOPlacer). When a broker does not implement OCOPlacer, or
// its PlaceOCOOrder fails, Execution places the exit legs as individual
// orders tagged with Order.ParentOrderID; no sibling cancellation is tracked
// for legs placed that way.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (types.Order, error)
}

// OCOPlacer is the optional broker extension for a native OCO order group.
type OCOPlacer interface {
	PlaceOCOOrder(ctx context.Context, orders []types.Order) ([]types.Order, error)
}

// ErrOCOUnsupported reports that a broker cannot place a native OCO group.
// No broker in this module returns it.
var ErrOCOUnsupported = fmt.Errorf("broker: native OCO orders not supported")

// ErrOrderNotFound is returned when an order ID is unknown to the broker.
var ErrOrderNotFound = fmt.Errorf("broker: order not found")
