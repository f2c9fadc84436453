// Package positions implements the Position Store (§4.4): the durable
// record of Trades and their ladder state, namespaced by trading mode.
package positions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

// Store is the durable Trade repository. Every mutator is transactional
// at the row level; byOrderId/byGttId are indexed.
type Store interface {
	CreatePending(trade *models.Trade) (tradeID string, err error)
	Activate(tradeID, orderID, gttID string) error
	// UpdateEntryPrice rewrites a pending Trade's entry price and
	// high-water mark to the broker's confirmed fill price, per the
	// entry-placement protocol's "rewrite entryPrice to filled price"
	// step (§4.5 step 3). Only valid while the Trade is still pending.
	UpdateEntryPrice(tradeID string, filledPrice decimal.Decimal) error
	UpdateStop(tradeID string, newStop decimal.Decimal, newGttID string) error
	// UpdateHighest persists a new high-water mark observed from a tick,
	// independent of whether it moved the trailing stop.
	UpdateHighest(tradeID string, newHighest decimal.Decimal) error
	Close(tradeID string, exitPrice decimal.Decimal, exitTs time.Time, pnl decimal.Decimal, reason models.ExitReason) error
	MarkFailed(tradeID string, reason string) error
	MarkProtectionCompromised(tradeID string) error

	OpenByKey(symbol models.Symbol, index models.PositionIndex) (*models.Trade, error)
	OpenBySymbol(symbol models.Symbol) ([]models.Trade, error)
	OpenAll() ([]models.Trade, error)
	ByOrderID(orderID string) (*models.Trade, error)
	ByGttID(gttID string) (*models.Trade, error)
	Get(tradeID string) (*models.Trade, error)

	SaveCandle(c models.Candle) error

	// Mode switches the active namespace. Switching reloads the open
	// set from the new namespace; the old namespace is left untouched.
	Mode() models.TradingMode
	SetMode(mode models.TradingMode) error
}
