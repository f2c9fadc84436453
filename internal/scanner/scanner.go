// Package scanner implements the Strategy Scanner (§4.5): the periodic
// ranking/entry-evaluation cycle that progresses the P1/P2/P3 ladder.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/indicators"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/metrics"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/ticks"
	"github.com/kestrelq/ladderengine/internal/tracing"
)

// Scanner runs one cooperative cycle every ScanIntervalSeconds, per
// spec §4.5. Grounded on the teacher's trading_engine.go loop shape:
// a ticker-driven cycle, a trace ID minted per cycle, cancellable via
// a stop channel.
type Scanner struct {
	cfg       *config.Config
	tickStore *ticks.Store
	indCache  *indicators.Cache
	store     positions.Store
	cooldowns *cooldown.Registry
	gw        broker.Gateway
	manifest  *instruments.Manifest

	stopCh chan struct{}

	sessionInitDone bool
	lastSessionDay  int
}

// New constructs a Scanner.
func New(cfg *config.Config, tickStore *ticks.Store, indCache *indicators.Cache, store positions.Store, cooldowns *cooldown.Registry, gw broker.Gateway, manifest *instruments.Manifest) *Scanner {
	return &Scanner{cfg: cfg, tickStore: tickStore, indCache: indCache, store: store, cooldowns: cooldowns, gw: gw, manifest: manifest, stopCh: make(chan struct{})}
}

// Run loops until Stop is called, sleeping SCAN_INTERVAL between
// cycles via a cancellable timer.
func (s *Scanner) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.ScanIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			traceID := tracing.NewTraceID()
			cctx := tracing.WithTraceID(ctx, traceID)
			start := time.Now()
			s.runCycle(cctx)
			metrics.ScanCycleDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// Stop requests the scanner finish its current cycle and exit.
func (s *Scanner) Stop() {
	close(s.stopCh)
}

func (s *Scanner) inSession(now time.Time) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	return elapsed >= s.cfg.SessionStart && elapsed <= s.cfg.SessionEnd
}

// runCycle executes the five steps of spec §4.5.
func (s *Scanner) runCycle(ctx context.Context) {
	log := tracing.Logger(ctx)
	now := time.Now()

	// Step 1: clock gate.
	if !s.inSession(now) {
		return
	}
	if now.Day() != s.lastSessionDay {
		s.indCache.ResetRankGMPrev()
		s.lastSessionDay = now.Day()
	}

	// Step 2: refresh ranking for the fixed universe.
	type ranked struct {
		symbol models.Symbol
		snap   models.IndicatorSnapshot
		price  decimal.Decimal
	}
	var candidates []ranked
	for _, sym := range s.manifest.Symbols() {
		tick, ok := s.tickStore.Last(sym)
		if !ok {
			continue
		}
		price, _ := tick.LastPrice.Float64()
		snap := s.indCache.Refresh(sym, price, toFloat(s.cfg.AccelWeight))
		candidates = append(candidates, ranked{symbol: sym, snap: snap, price: tick.LastPrice})
	}

	// Step 3: reconcile open ladder for every symbol holding a Trade.
	// At most one new position opens per cycle (§5), so stop at the
	// first rung opened rather than scanning every remaining symbol.
	openedThisCycle := false
	for _, c := range candidates {
		if s.reconcileLadder(ctx, c.symbol, c.price) {
			openedThisCycle = true
			break
		}
	}

	// Step 4: fresh entries, sorted descending by rankFinal.
	threshold := s.cfg.MinRankFinal
	var fresh []ranked
	for _, c := range candidates {
		if c.snap.RankFinal.GreaterThan(threshold) {
			fresh = append(fresh, c)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].snap.RankFinal.GreaterThan(fresh[j].snap.RankFinal) })

	for _, c := range fresh {
		if openedThisCycle {
			break // at most one new position opens per cycle
		}
		held, err := s.store.OpenBySymbol(c.symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", string(c.symbol)).Msg("scanner: open lookup failed")
			continue
		}
		if len(held) > 0 {
			continue
		}
		openCount, err := s.store.OpenAll()
		if err != nil {
			log.Error().Err(err).Msg("scanner: open-all lookup failed")
			continue
		}
		if len(openCount) >= s.cfg.MaxPositions {
			break
		}
		if !s.hasFreeCapital(openCount) {
			break
		}
		if allowed, remaining := s.cooldowns.IsAllowed(c.symbol, now); !allowed {
			log.Debug().Str("symbol", string(c.symbol)).Dur("remaining", remaining).Msg("scanner: cooldown active, skip")
			continue
		}
		if !s.passesAntiFlip(c.symbol, c.price) {
			continue
		}

		if s.placeEntry(ctx, c.symbol, models.P1, c.price, c.snap.RankGM) {
			openedThisCycle = true
		}
	}

	// Persist rankGm as rankGmPrev for the next cycle happens inside
	// indCache.Refresh on the next call (it reads the previous snap).
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (s *Scanner) hasFreeCapital(open []models.Trade) bool {
	committed := decimal.Zero
	for _, t := range open {
		committed = committed.Add(t.EntryPrice.Mul(decimal.NewFromInt(t.Qty)))
	}
	free := s.cfg.TotalCapital.Sub(committed)
	return free.GreaterThanOrEqual(s.cfg.CapitalPerPosition)
}

func (s *Scanner) passesAntiFlip(symbol models.Symbol, price decimal.Decimal) bool {
	lastExit, hadExit := s.cooldowns.LastExitPrice(symbol)
	if !hadExit {
		return true
	}
	threshold := lastExit.Mul(decimal.NewFromInt(1).Add(s.cfg.AntiFlipPct.Div(decimal.NewFromInt(100))))
	return price.GreaterThanOrEqual(threshold)
}

// reconcileLadder implements step 3's P2/P3 gates. Returns true if a
// new rung was opened.
func (s *Scanner) reconcileLadder(ctx context.Context, symbol models.Symbol, price decimal.Decimal) bool {
	open, err := s.store.OpenBySymbol(symbol)
	if err != nil || len(open) == 0 {
		return false
	}
	byIdx := map[models.PositionIndex]*models.Trade{}
	for i := range open {
		byIdx[open[i].Index] = &open[i]
	}

	p1, hasP1 := byIdx[models.P1]
	p2, hasP2 := byIdx[models.P2]
	_, hasP3 := byIdx[models.P3]

	if hasP1 && !hasP2 {
		pnl := p1.PnLPct(price)
		gate := s.cfg.Policy(models.P2).EntryPnLPctGate
		if pnl.GreaterThanOrEqual(gate) {
			return s.placeLadderEntry(ctx, symbol, models.P2, price)
		}
		return false
	}
	if hasP1 && hasP2 && !hasP3 {
		avg := p1.PnLPct(price).Add(p2.PnLPct(price)).Div(decimal.NewFromInt(2))
		gate := s.cfg.Policy(models.P3).EntryPnLPctGate
		if avg.GreaterThanOrEqual(gate) {
			return s.placeLadderEntry(ctx, symbol, models.P3, price)
		}
	}
	return false
}

func (s *Scanner) placeLadderEntry(ctx context.Context, symbol models.Symbol, idx models.PositionIndex, price decimal.Decimal) bool {
	log := tracing.Logger(ctx)
	openCount, err := s.store.OpenAll()
	if err != nil {
		log.Error().Err(err).Msg("scanner: open-all lookup failed")
		return false
	}
	if len(openCount) >= s.cfg.MaxPositions {
		return false
	}
	if !s.hasFreeCapital(openCount) {
		return false
	}
	if allowed, _ := s.cooldowns.IsAllowed(symbol, time.Now()); !allowed {
		return false
	}
	snap, _ := s.indCache.Snapshot(symbol)
	return s.placeEntry(ctx, symbol, idx, price, snap.RankGM)
}

// placeEntry runs the entry-placement protocol from spec §4.5: sizing,
// market buy, pending Trade, conditional order, activation, with
// rollback on conditional-order failure.
func (s *Scanner) placeEntry(ctx context.Context, symbol models.Symbol, idx models.PositionIndex, price decimal.Decimal, rankGmAtEntry decimal.Decimal) bool {
	log := tracing.Logger(ctx)

	lotSize := s.gw.LotSize(symbol)
	if lotSize <= 0 {
		lotSize = 1
	}
	units := s.cfg.CapitalPerPosition.Div(price).Div(decimal.NewFromInt(lotSize)).Floor().IntPart() * lotSize
	if units <= 0 {
		log.Warn().Str("symbol", string(symbol)).Msg("scanner: insufficient notional, no broker call placed")
		return false
	}
	qty := units

	orderID, err := s.gw.PlaceMarketOrder(ctx, symbol, broker.SideBuy, qty)
	if err != nil {
		log.Error().Err(err).Str("symbol", string(symbol)).Msg("scanner: entry market order failed")
		metrics.BrokerErrors.WithLabelValues(classify(err)).Inc()
		return false
	}
	metrics.OrdersPlaced.WithLabelValues(string(s.cfg.Mode), "buy").Inc()

	policy := s.cfg.Policy(idx)
	trade := &models.Trade{
		Symbol: symbol, Index: idx, EntryTs: time.Now(), EntryPrice: price, Qty: qty,
		Mode: s.cfg.Mode, StopPctCfg: policy.StopLossPct, TargetPctCfg: policy.TargetPct,
		RankGMAtEntry: rankGmAtEntry, HighestSinceEntry: price, Status: models.TradeStatusPending,
	}
	tradeID, err := s.store.CreatePending(trade)
	if err != nil {
		log.Error().Err(err).Msg("scanner: failed to persist pending trade")
		return false
	}

	stop := price.Mul(decimal.NewFromInt(1).Add(policy.StopLossPct.Div(decimal.NewFromInt(100))))
	spec := models.ConditionalOrderSpec{Symbol: symbol, Qty: qty, TriggerStop: stop}
	if !policy.TargetPct.IsZero() {
		target := price.Mul(decimal.NewFromInt(1).Add(policy.TargetPct.Div(decimal.NewFromInt(100))))
		spec.Kind = models.ConditionalStopAndTarget
		spec.TriggerTarget = target
	} else {
		spec.Kind = models.ConditionalStopOnly
	}

	gttID, rounded, err := s.gw.PlaceConditionalOrder(ctx, spec)
	if err != nil {
		s.rollbackFailedEntry(ctx, tradeID, symbol, qty, err)
		return false
	}

	if err := s.store.Activate(tradeID, orderID, gttID); err != nil {
		log.Error().Err(err).Str("trade_id", tradeID).Msg("scanner: activate failed after successful gtt placement")
		return false
	}
	_ = s.store.UpdateStop(tradeID, rounded.TriggerStop, gttID)

	log.Info().Str("trade_id", tradeID).Str("symbol", string(symbol)).Int("index", int(idx)).
		Str("qty", fmt.Sprint(qty)).Str("stop", rounded.TriggerStop.String()).Msg("scanner: ladder entry placed")
	return true
}

// rollbackFailedEntry implements the §4.5 rollback: mark the Trade
// failed, attempt an emergency market SELL, surface the error, and put
// the symbol in cooldown.
func (s *Scanner) rollbackFailedEntry(ctx context.Context, tradeID string, symbol models.Symbol, qty int64, cause error) {
	log := tracing.Logger(ctx)
	_ = s.store.MarkFailed(tradeID, cause.Error())
	if _, err := s.gw.PlaceMarketOrder(ctx, symbol, broker.SideSell, qty); err != nil {
		log.Error().Err(err).Str("trade_id", tradeID).Msg("scanner: emergency unwind sell also failed")
	}
	s.cooldowns.Record(symbol, time.Now(), decimal.Zero)
	log.Error().Err(cause).Str("trade_id", tradeID).Msg("scanner: conditional order placement failed after fill, unwound")
}

func classify(err error) string {
	switch err.(type) {
	case *models.BrokerRejected:
		return "rejected"
	case *models.BrokerUnavailable:
		return "unavailable"
	case *models.BrokerFatal:
		return "fatal"
	default:
		return "other"
	}
}
