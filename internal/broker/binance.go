package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

const (
	maxReconnectWait = 30 * time.Second
	baseReconnectWait = 1 * time.Second
)

// instrumentFilter mirrors the exchange's price/lot filters for one
// symbol, the way chidi150c's ExFilters does for a different exchange:
// tick size, lot size, and the broker-side rounding the gateway owns.
type instrumentFilter struct {
	tickSize decimal.Decimal
	lotSize  int64
}

// BinanceGateway is the live Gateway implementation: REST order
// placement/cancellation via go-binance/v2, an OCO leg for the P1
// stop+target pair, a user-data stream for order updates, and a
// websocket ticker stream with exponential-backoff reconnect.
type BinanceGateway struct {
	client  *binance.Client
	timeout time.Duration

	mu      sync.RWMutex
	filters map[models.Symbol]instrumentFilter
}

// NewBinanceGateway constructs a live gateway. useUS selects the
// Binance.US REST base URL, matching the teacher's
// NewBinanceUSProvider pattern.
func NewBinanceGateway(apiKey, apiSecret string, useUS bool, timeout time.Duration) *BinanceGateway {
	client := binance.NewClient(apiKey, apiSecret)
	if useUS {
		client.BaseURL = "https://api.binance.us"
	}
	return &BinanceGateway{
		client:  client,
		timeout: timeout,
		filters: make(map[models.Symbol]instrumentFilter),
	}
}

func (g *BinanceGateway) Name() string { return "binance" }

// LoadExchangeInfo populates per-symbol tick/lot filters. Call once at
// startup before trading begins.
func (g *BinanceGateway) LoadExchangeInfo(ctx context.Context) error {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return &models.BrokerUnavailable{Cause: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range info.Symbols {
		sym := models.Symbol(s.Symbol)
		f := instrumentFilter{tickSize: decimal.NewFromFloat(0.01), lotSize: 1}
		for _, flt := range s.Filters {
			switch flt["filterType"] {
			case "PRICE_FILTER":
				if ts, ok := flt["tickSize"].(string); ok {
					if d, err := decimal.NewFromString(ts); err == nil {
						f.tickSize = d
					}
				}
			case "LOT_SIZE":
				if ss, ok := flt["stepSize"].(string); ok {
					if d, err := decimal.NewFromString(ss); err == nil {
						f.lotSize = d.IntPart()
						if f.lotSize == 0 {
							f.lotSize = 1
						}
					}
				}
			}
		}
		g.filters[sym] = f
	}
	return nil
}

func (g *BinanceGateway) TickSize(symbol models.Symbol) decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if f, ok := g.filters[symbol]; ok {
		return f.tickSize
	}
	return decimal.NewFromFloat(0.01)
}

func (g *BinanceGateway) LotSize(symbol models.Symbol) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if f, ok := g.filters[symbol]; ok {
		return f.lotSize
	}
	return 1
}

func (g *BinanceGateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*binance.APIError); ok {
		return &models.BrokerRejected{Reason: fmt.Sprintf("binance code=%d msg=%s", apiErr.Code, apiErr.Message)}
	}
	return &models.BrokerUnavailable{Cause: err}
}

func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, symbol models.Symbol, side OrderSide, qty int64) (string, error) {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()

	binSide := binance.SideTypeBuy
	if side == SideSell {
		binSide = binance.SideTypeSell
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(string(symbol)).
		Side(binSide).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatInt(qty, 10)).
		Do(cctx)
	if err != nil {
		return "", classifyErr(err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// PlaceConditionalOrder maps stopAndTarget onto a Binance OCO order
// (one-cancels-the-other, exactly matching the spec's OCO semantics)
// and stopOnly onto a plain STOP_LOSS_LIMIT order.
func (g *BinanceGateway) PlaceConditionalOrder(ctx context.Context, spec models.ConditionalOrderSpec) (string, models.ConditionalOrderSpec, error) {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()

	tick := g.TickSize(spec.Symbol)
	rounded := spec
	rounded.TriggerStop = RoundToTick(spec.TriggerStop, tick)
	if !spec.TriggerTarget.IsZero() {
		rounded.TriggerTarget = RoundToTick(spec.TriggerTarget, tick)
	}

	switch spec.Kind {
	case models.ConditionalStopAndTarget:
		res, err := g.client.NewCreateOCOService().
			Symbol(string(spec.Symbol)).
			Side(binance.SideTypeSell).
			Quantity(strconv.FormatInt(spec.Qty, 10)).
			Price(rounded.TriggerTarget.String()).
			StopPrice(rounded.TriggerStop.String()).
			StopLimitPrice(rounded.TriggerStop.String()).
			StopLimitTimeInForce(binance.TimeInForceTypeGTC).
			Do(cctx)
		if err != nil {
			return "", rounded, classifyErr(err)
		}
		return strconv.FormatInt(res.OrderListID, 10), rounded, nil
	default:
		res, err := g.client.NewCreateOrderService().
			Symbol(string(spec.Symbol)).
			Side(binance.SideTypeSell).
			Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(strconv.FormatInt(spec.Qty, 10)).
			Price(rounded.TriggerStop.String()).
			StopPrice(rounded.TriggerStop.String()).
			Do(cctx)
		if err != nil {
			return "", rounded, classifyErr(err)
		}
		return strconv.FormatInt(res.OrderID, 10), rounded, nil
	}
}

// ModifyConditionalOrder is not supported natively by Binance's spot
// API; callers fall back to cancel+place per spec §4.6, so this always
// returns a retryable error to trigger that path.
func (g *BinanceGateway) ModifyConditionalOrder(ctx context.Context, gttID string, newSpec models.ConditionalOrderSpec) error {
	return &models.BrokerUnavailable{Cause: fmt.Errorf("binance spot has no in-place order modify")}
}

func (g *BinanceGateway) CancelConditionalOrder(ctx context.Context, gttID string) error {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()

	id, err := strconv.ParseInt(gttID, 10, 64)
	if err != nil {
		return &models.ValidationError{Field: "gttID", Reason: "not numeric"}
	}
	_, err = g.client.NewCancelOrderService().OrderID(id).Do(cctx)
	if err != nil {
		if apiErr, ok := err.(*binance.APIError); ok && apiErr.Code == -2011 {
			return nil // "Unknown order" — already cancelled/filled, treat as success
		}
		return classifyErr(err)
	}
	return nil
}

// StreamTicks subscribes to the aggregate-trade stream for every
// configured token's symbol and reconnects with exponential backoff
// capped at 30s, resubscribing the full token set on every reconnect —
// grounded on polymarket-mm's WSFeed.Run loop.
func (g *BinanceGateway) StreamTicks(ctx context.Context, tokens []models.InstrumentToken) (<-chan models.Tick, error) {
	out := make(chan models.Tick, 1024)
	symbols := make([]string, 0, len(tokens))
	tokenBySymbol := make(map[string]models.InstrumentToken)
	// Caller supplies tokens; symbol resolution for the stream happens
	// through the instruments manifest at the call site in practice —
	// here we accept the token's string form as the Binance symbol
	// when no richer mapping is available.
	for _, t := range tokens {
		s := strconv.FormatInt(int64(t), 10)
		symbols = append(symbols, s)
		tokenBySymbol[s] = t
	}

	go g.runStream(ctx, symbols, tokenBySymbol, out)
	return out, nil
}

func (g *BinanceGateway) runStream(ctx context.Context, symbols []string, tokenBySymbol map[string]models.InstrumentToken, out chan<- models.Tick) {
	defer close(out)
	backoff := baseReconnectWait
	for {
		if ctx.Err() != nil {
			return
		}
		doneC, stopC, err := binance.WsCombinedAggTradeServe(symbols, func(event *binance.WsAggTradeEvent) {
			price, err := decimal.NewFromString(event.Price)
			if err != nil {
				return
			}
			tok := tokenBySymbol[event.Symbol]
			select {
			case out <- models.Tick{
				Token:     tok,
				Symbol:    models.Symbol(event.Symbol),
				LastPrice: price,
				Ts:        time.UnixMilli(event.TradeTime),
			}:
			case <-ctx.Done():
			}
		}, func(err error) {
			log.Warn().Err(err).Msg("binance tick stream error")
		})
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("binance tick stream connect failed, retrying")
			backoff = nextBackoff(backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		backoff = baseReconnectWait // reset on a successful connect
		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-doneC:
			log.Warn().Dur("backoff", backoff).Msg("binance tick stream disconnected, reconnecting")
			backoff = nextBackoff(backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxReconnectWait {
		next = maxReconnectWait
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4))
	return next + jitter
}

// SubscribeOrderUpdates starts a user-data stream and translates
// executionReport events into OrderUpdate values.
func (g *BinanceGateway) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	listenKey, err := g.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}

	out := make(chan OrderUpdate, 256)
	wsHandler := func(event *binance.WsUserDataEvent) {
		if event.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		price, _ := decimal.NewFromString(event.OrderUpdate.LatestPrice)
		select {
		case out <- OrderUpdate{
			OrderID:   strconv.FormatInt(event.OrderUpdate.Id, 10),
			Symbol:    models.Symbol(event.OrderUpdate.Symbol),
			Status:    string(event.OrderUpdate.Status),
			FillPrice: price,
			ExchTs:    event.Time,
		}:
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		log.Warn().Err(err).Msg("binance user data stream error")
	}

	doneC, stopC, err := binance.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		return nil, classifyErr(err)
	}
	go func() {
		defer close(out)
		<-ctx.Done()
		close(stopC)
		<-doneC
	}()

	return out, nil
}

func (g *BinanceGateway) ListOpenOrderIDs(ctx context.Context) ([]string, error) {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()
	orders, err := g.client.NewListOpenOrdersService().Do(cctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

func (g *BinanceGateway) GetConditionalOrder(ctx context.Context, gttID string) (models.ConditionalOrder, error) {
	cctx, cancel := g.withDeadline(ctx)
	defer cancel()
	id, err := strconv.ParseInt(gttID, 10, 64)
	if err != nil {
		return models.ConditionalOrder{}, &models.ValidationError{Field: "gttID", Reason: "not numeric"}
	}
	o, err := g.client.NewGetOrderService().OrderID(id).Do(cctx)
	if err != nil {
		return models.ConditionalOrder{}, classifyErr(err)
	}
	status := models.ConditionalActive
	switch o.Status {
	case binance.OrderStatusTypeFilled:
		status = models.ConditionalTriggered
	case binance.OrderStatusTypeCanceled:
		status = models.ConditionalCancelled
	}
	stop, _ := decimal.NewFromString(o.StopPrice)
	return models.ConditionalOrder{
		GttID:       gttID,
		Symbol:      models.Symbol(o.Symbol),
		Status:      status,
		TriggerStop: stop,
	}, nil
}
