// Package router implements the Order Event Router (§4.8): the single
// consumer of broker order/conditional-order updates, deduping
// on (identifier, status, exchTs) and dispatching fill/trigger/cancel
// transitions into the Position Store.
package router

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/metrics"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/tracing"
)

// dedupeCapacity is the bounded LRU size for the
// (identifier, status, exchTs) dedupe set, per spec's "capacity >= 1000".
const dedupeCapacity = 1000

// lru is a minimal bounded least-recently-used set, keyed by a string,
// used only for membership + insertion (no value payload needed).
// There is no LRU implementation anywhere in the retrieved pack, so
// this is hand-rolled standard-library container/list usage — see
// DESIGN.md for the justification.
type lru struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	elements map[string]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{cap: capacity, ll: list.New(), elements: make(map[string]*list.Element)}
}

// seen reports whether key was already recorded, and records it if not.
func (l *lru) seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.elements[key]; ok {
		l.ll.MoveToFront(el)
		return true
	}
	el := l.ll.PushFront(key)
	l.elements[key] = el
	if l.ll.Len() > l.cap {
		back := l.ll.Back()
		if back != nil {
			l.ll.Remove(back)
			delete(l.elements, back.Value.(string))
		}
	}
	return false
}

// Router is the single consumer of broker.OrderUpdate events.
type Router struct {
	gw        broker.Gateway
	store     positions.Store
	manifest  *instruments.Manifest
	cooldowns *cooldown.Registry
	dedupe    *lru
}

// New constructs a Router.
func New(gw broker.Gateway, store positions.Store, manifest *instruments.Manifest, cooldowns *cooldown.Registry) *Router {
	return &Router{gw: gw, store: store, manifest: manifest, cooldowns: cooldowns, dedupe: newLRU(dedupeCapacity)}
}

// Run consumes updates until ctx is cancelled, processing events for a
// given identifier in arrival order (single goroutine; different
// identifiers may still interleave since there is one consumer loop,
// which satisfies "processed serially per identifier" without needing
// per-identifier goroutines).
func (r *Router) Run(ctx context.Context, updates <-chan broker.OrderUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, u)
		}
	}
}

func (r *Router) handle(ctx context.Context, u broker.OrderUpdate) {
	log := tracing.Logger(ctx)

	if _, ok := r.manifest.Token(u.Symbol); !ok {
		log.Warn().Str("symbol", string(u.Symbol)).Str("identifier", u.Identifier()).
			Msg("order event router: event symbol not in instrument manifest, cannot normalize, dropped")
		return
	}

	key := fmt.Sprintf("%s|%s|%d", u.Identifier(), u.Status, u.ExchTs)
	if r.dedupe.seen(key) {
		return // replay of an already-dispatched event is a no-op
	}

	switch {
	case u.OrderID != "" && u.Status == "filled":
		r.handleFill(ctx, u)
	case u.GttID != "" && u.Status == "triggered":
		r.handleTriggered(ctx, u)
	case u.GttID != "" && (u.Status == "cancelled" || u.Status == "failed" || u.Status == "stale"):
		r.handleConditionalLost(ctx, u)
	default:
		log.Warn().Str("identifier", u.Identifier()).Str("status", u.Status).Msg("order event router: unhandled/unknown event dropped")
	}
}

func (r *Router) handleFill(ctx context.Context, u broker.OrderUpdate) {
	log := tracing.Logger(ctx)
	trade, err := r.store.ByOrderID(u.OrderID)
	if err != nil || trade == nil {
		log.Warn().Str("order_id", u.OrderID).Msg("order event router: fill for unknown order id, dropped")
		return
	}
	if trade.Status != models.TradeStatusPending {
		return
	}
	if err := r.store.UpdateEntryPrice(trade.TradeID, u.FillPrice); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("order event router: persist confirmed fill price failed")
	}
	// Activation (writing gttId/orderId and moving to open) is done by
	// the scanner's entry-placement protocol once it has placed the
	// conditional order. The scanner computes stop and target from its
	// own last-price estimate right after the market order and does not
	// read this fill back: the fill price changes entry_price and
	// highest_since_entry only, and the stop and target already placed
	// are not recomputed from it. A fill that arrives after activation
	// finds the Trade open and is ignored above.
	log.Info().Str("trade_id", trade.TradeID).Str("symbol", string(trade.Symbol)).Str("fill_price", u.FillPrice.String()).Msg("order filled")
}

// handleTriggered closes a Trade whose conditional order fired. For a
// P1 stopAndTarget order the stop and target legs share a single gttId
// (one ConditionalOrder entity, per models.ConditionalOrderSpec/
// checkTriggersLocked): the gateway itself marks that entity
// ConditionalTriggered the moment either leg's price condition is met,
// so there is no separate sibling gttId left outstanding to cancel
// here — the "cancel the paired leg" step of §4.8 is satisfied by the
// gateway's own OCO state machine rather than a second cancel call.
func (r *Router) handleTriggered(ctx context.Context, u broker.OrderUpdate) {
	log := tracing.Logger(ctx)
	trade, err := r.store.ByGttID(u.GttID)
	if err != nil || trade == nil {
		log.Warn().Str("gtt_id", u.GttID).Msg("order event router: trigger for unknown gtt id, dropped")
		return
	}
	if trade.Status != models.TradeStatusOpen {
		return
	}

	reason := models.ExitReasonStopLoss
	if trade.Index == models.P1 && u.FillPrice.GreaterThanOrEqual(trade.CurrentTargetPrice) && !trade.CurrentTargetPrice.IsZero() {
		reason = models.ExitReasonTarget
	}

	pnl := u.FillPrice.Sub(trade.EntryPrice).Mul(decimal.NewFromInt(trade.Qty))
	if err := r.store.Close(trade.TradeID, u.FillPrice, time.Now(), pnl, reason); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to close triggered trade")
		return
	}
	r.cooldowns.Record(trade.Symbol, time.Now(), u.FillPrice)
	metrics.ExitsByReason.WithLabelValues(string(reason), fmt.Sprint(int(trade.Index))).Inc()
	log.Info().Str("trade_id", trade.TradeID).Str("reason", string(reason)).Msg("conditional order triggered, trade closed")
}

func (r *Router) handleConditionalLost(ctx context.Context, u broker.OrderUpdate) {
	log := tracing.Logger(ctx)
	trade, err := r.store.ByGttID(u.GttID)
	if err != nil || trade == nil || trade.Status != models.TradeStatusOpen {
		return
	}

	spec := models.ConditionalOrderSpec{
		Symbol: trade.Symbol, Kind: models.ConditionalStopOnly,
		TriggerStop: trade.CurrentStopPrice, Qty: trade.Qty,
	}
	newGtt, _, err := r.gw.PlaceConditionalOrder(ctx, spec)
	if err != nil {
		_ = r.store.MarkProtectionCompromised(trade.TradeID)
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("conditional order lost and re-place failed: protection compromised")
		return
	}
	if err := r.store.UpdateStop(trade.TradeID, trade.CurrentStopPrice, newGtt); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to persist re-placed gtt")
	}
}
