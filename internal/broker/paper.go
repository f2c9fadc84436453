package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

// PaperGateway simulates broker behavior deterministically: market
// orders fill instantly at the last injected price, conditional orders
// are tracked in memory and trigger when SetPrice crosses them. No real
// money or network calls are involved.
type PaperGateway struct {
	mu sync.Mutex

	lastPrice map[models.Symbol]decimal.Decimal
	tickSize  map[models.Symbol]decimal.Decimal
	lotSize   map[models.Symbol]int64

	conditionals map[string]models.ConditionalOrder
	updates      chan OrderUpdate
	ticks        chan models.Tick

	orderCounter int
}

// NewPaperGateway constructs a PaperGateway with a default tick size of
// 0.01 and lot size of 1 for every symbol unless overridden via
// SetInstrument.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		lastPrice:    make(map[models.Symbol]decimal.Decimal),
		tickSize:     make(map[models.Symbol]decimal.Decimal),
		lotSize:      make(map[models.Symbol]int64),
		conditionals: make(map[string]models.ConditionalOrder),
		updates:      make(chan OrderUpdate, 256),
		ticks:        make(chan models.Tick, 256),
	}
}

func (p *PaperGateway) Name() string { return "paper" }

// SetInstrument overrides the default tick/lot size for a symbol.
func (p *PaperGateway) SetInstrument(symbol models.Symbol, tick decimal.Decimal, lot int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickSize[symbol] = tick
	p.lotSize[symbol] = lot
}

// SetPrice injects a new last price for symbol, pushes a Tick to any
// stream consumer, and evaluates conditional orders for triggers.
func (p *PaperGateway) SetPrice(symbol models.Symbol, price decimal.Decimal) {
	p.mu.Lock()
	p.lastPrice[symbol] = price
	triggered := p.checkTriggersLocked(symbol, price)
	p.mu.Unlock()

	select {
	case p.ticks <- models.Tick{Symbol: symbol, LastPrice: price, Ts: time.Now()}:
	default:
	}
	for _, u := range triggered {
		select {
		case p.updates <- u:
		default:
		}
	}
}

func (p *PaperGateway) checkTriggersLocked(symbol models.Symbol, price decimal.Decimal) []OrderUpdate {
	var out []OrderUpdate
	for id, co := range p.conditionals {
		if co.Symbol != symbol || co.Status != models.ConditionalActive {
			continue
		}
		switch co.Kind {
		case models.ConditionalStopAndTarget:
			if price.LessThanOrEqual(co.TriggerStop) {
				co.Status = models.ConditionalTriggered
				p.conditionals[id] = co
				out = append(out, OrderUpdate{GttID: id, Symbol: symbol, Status: "triggered", FillPrice: co.TriggerStop, ExchTs: time.Now().UnixNano()})
			} else if price.GreaterThanOrEqual(co.TriggerTarget) {
				co.Status = models.ConditionalTriggered
				p.conditionals[id] = co
				out = append(out, OrderUpdate{GttID: id, Symbol: symbol, Status: "triggered", FillPrice: co.TriggerTarget, ExchTs: time.Now().UnixNano()})
			}
		case models.ConditionalStopOnly:
			if price.LessThanOrEqual(co.TriggerStop) {
				co.Status = models.ConditionalTriggered
				p.conditionals[id] = co
				out = append(out, OrderUpdate{GttID: id, Symbol: symbol, Status: "triggered", FillPrice: co.TriggerStop, ExchTs: time.Now().UnixNano()})
			}
		}
	}
	return out
}

func (p *PaperGateway) PlaceMarketOrder(ctx context.Context, symbol models.Symbol, side OrderSide, qty int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty <= 0 {
		return "", &models.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if _, ok := p.lastPrice[symbol]; !ok {
		return "", &models.BrokerRejected{Reason: fmt.Sprintf("no price available for %s", symbol)}
	}
	p.orderCounter++
	orderID := fmt.Sprintf("paper-%06d", p.orderCounter)
	log.Info().Str("order_id", orderID).Str("symbol", string(symbol)).Str("side", string(side)).Int64("qty", qty).Msg("paper order filled")
	go func() {
		p.updates <- OrderUpdate{OrderID: orderID, Symbol: symbol, Status: "filled", FillPrice: p.lastPrice[symbol], ExchTs: time.Now().UnixNano()}
	}()
	return orderID, nil
}

func (p *PaperGateway) PlaceConditionalOrder(ctx context.Context, spec models.ConditionalOrderSpec) (string, models.ConditionalOrderSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick := p.tickSizeLocked(spec.Symbol)
	rounded := spec
	rounded.TriggerStop = RoundToTick(spec.TriggerStop, tick)
	if !spec.TriggerTarget.IsZero() {
		rounded.TriggerTarget = RoundToTick(spec.TriggerTarget, tick)
	}
	gttID := uuid.NewString()
	p.conditionals[gttID] = models.ConditionalOrder{
		GttID: gttID, Symbol: spec.Symbol, Kind: spec.Kind,
		TriggerStop: rounded.TriggerStop, TriggerTarget: rounded.TriggerTarget,
		Qty: spec.Qty, Status: models.ConditionalActive, LastModifiedTs: time.Now(),
	}
	return gttID, rounded, nil
}

func (p *PaperGateway) ModifyConditionalOrder(ctx context.Context, gttID string, newSpec models.ConditionalOrderSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.conditionals[gttID]
	if !ok {
		return &models.BrokerRejected{Reason: "gtt not found"}
	}
	if co.Status != models.ConditionalActive {
		return &models.BrokerRejected{Reason: "gtt not active"}
	}
	tick := p.tickSizeLocked(newSpec.Symbol)
	co.TriggerStop = RoundToTick(newSpec.TriggerStop, tick)
	if !newSpec.TriggerTarget.IsZero() {
		co.TriggerTarget = RoundToTick(newSpec.TriggerTarget, tick)
	}
	co.LastModifiedTs = time.Now()
	p.conditionals[gttID] = co
	return nil
}

func (p *PaperGateway) CancelConditionalOrder(ctx context.Context, gttID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.conditionals[gttID]
	if !ok {
		return nil // not-found is success
	}
	co.Status = models.ConditionalCancelled
	p.conditionals[gttID] = co
	return nil
}

func (p *PaperGateway) StreamTicks(ctx context.Context, tokens []models.InstrumentToken) (<-chan models.Tick, error) {
	return p.ticks, nil
}

func (p *PaperGateway) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	return p.updates, nil
}

func (p *PaperGateway) ListOpenOrderIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (p *PaperGateway) GetConditionalOrder(ctx context.Context, gttID string) (models.ConditionalOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.conditionals[gttID]
	if !ok {
		return models.ConditionalOrder{}, &models.BrokerRejected{Reason: "gtt not found"}
	}
	return co, nil
}

func (p *PaperGateway) TickSize(symbol models.Symbol) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickSizeLocked(symbol)
}

func (p *PaperGateway) tickSizeLocked(symbol models.Symbol) decimal.Decimal {
	if t, ok := p.tickSize[symbol]; ok {
		return t
	}
	return decimal.NewFromFloat(0.01)
}

func (p *PaperGateway) LotSize(symbol models.Symbol) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.lotSize[symbol]; ok {
		return l
	}
	return 1
}
