// Package broker abstracts a single external broker behind the narrow
// capability set spec'd for the engine: authenticate, stream ticks,
// place/modify/cancel conditional orders, list orders/positions, and
// subscribe to order updates. Two implementations are provided:
// PaperGateway (deterministic, in-process) and BinanceGateway (live).
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderUpdate is an asynchronous order or conditional-order state
// transition delivered by subscribeOrderUpdates. Delivery is
// at-least-once; consumers dedupe on (Identifier, Status, ExchTs).
type OrderUpdate struct {
	OrderID   string
	GttID     string
	Symbol    models.Symbol
	Status    string
	FillPrice decimal.Decimal
	ExchTs    int64 // broker event timestamp as each gateway reports it: unix millis (Binance), unix nanos (paper)
}

// Identifier returns whichever of OrderID/GttID is populated, for
// dedupe keying.
func (u OrderUpdate) Identifier() string {
	if u.GttID != "" {
		return u.GttID
	}
	return u.OrderID
}

// Gateway is the capability set the rest of the engine depends on.
// Every method that talks to the network carries ctx for the §5
// per-call deadline (BrokerTimeoutSeconds, default 5s) except the
// streaming read, which has no deadline.
type Gateway interface {
	Name() string

	// PlaceMarketOrder submits a market order and returns the
	// broker order ID. Errors are *models.BrokerRejected,
	// *models.BrokerUnavailable, or *models.BrokerFatal.
	PlaceMarketOrder(ctx context.Context, symbol models.Symbol, side OrderSide, qty int64) (orderID string, err error)

	// PlaceConditionalOrder places a stop-only or stop+target OCO
	// order. Prices are rounded to the instrument's tick size before
	// submission; the rounded spec is returned alongside the gttId.
	PlaceConditionalOrder(ctx context.Context, spec models.ConditionalOrderSpec) (gttID string, rounded models.ConditionalOrderSpec, err error)

	// ModifyConditionalOrder is the preferred trailing-update path.
	// Idempotent on (gttID, newSpec): applying twice has the effect
	// of applying once.
	ModifyConditionalOrder(ctx context.Context, gttID string, newSpec models.ConditionalOrderSpec) error

	// CancelConditionalOrder is idempotent; "not found" is success.
	CancelConditionalOrder(ctx context.Context, gttID string) error

	// StreamTicks delivers Ticks for the given tokens on the returned
	// channel until ctx is cancelled. Reconnects automatically with
	// exponential backoff capped at 30s; on reconnect the full token
	// set is re-subscribed.
	StreamTicks(ctx context.Context, tokens []models.InstrumentToken) (<-chan models.Tick, error)

	// SubscribeOrderUpdates delivers asynchronous order/conditional
	// order transitions on the returned channel until ctx is
	// cancelled.
	SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error)

	// ListOrders/ListPositions back reconciliation on start.
	ListOpenOrderIDs(ctx context.Context) ([]string, error)
	GetConditionalOrder(ctx context.Context, gttID string) (models.ConditionalOrder, error)

	// TickSize returns the instrument's minimum price increment, used
	// to round prices before submission.
	TickSize(symbol models.Symbol) decimal.Decimal
	// LotSize returns the instrument's minimum quantity increment.
	LotSize(symbol models.Symbol) int64
}

// RoundToTick rounds price to the nearest multiple of tick (halves away
// from zero), the same way for stop and target prices. The gateway owns this rounding per spec §4.1 so the
// scanner/trailing worker can reconcile against the returned value
// instead of recomputing it.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick).Round(0)
	return units.Mul(tick)
}
