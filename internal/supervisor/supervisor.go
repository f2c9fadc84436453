// Package supervisor wires every component in dependency order and
// owns the process lifecycle: start, stop, mode switching, and
// reconciliation against the broker on start. Grounded on the
// teacher's TradingEngine Start/Stop/Shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/indicators"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/router"
	"github.com/kestrelq/ladderengine/internal/scanner"
	"github.com/kestrelq/ladderengine/internal/ticks"
	"github.com/kestrelq/ladderengine/internal/trailing"
	"github.com/kestrelq/ladderengine/internal/tracing"
)

// Supervisor owns the lifecycle of every engine component.
type Supervisor struct {
	cfg       *config.Config
	manifest  *instruments.Manifest
	store     positions.Store
	cooldowns *cooldown.Registry
	indCache  *indicators.Cache
	tickStore *ticks.Store
	aggregator *ticks.Aggregator
	gw        broker.Gateway
	router    *router.Router
	scan      *scanner.Scanner
	trail     *trailing.Worker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires every component in the leaves-first dependency order spec
// §2 specifies: cooldown -> tick store -> indicator cache -> position
// store -> broker gateway -> order event router -> strategy scanner ->
// trailing worker -> supervisor.
func New(cfg *config.Config, manifest *instruments.Manifest, store positions.Store, gw broker.Gateway) *Supervisor {
	cooldowns := cooldown.NewRegistry(cfg.CooldownSeconds)
	tickStore := ticks.NewStore()
	indCache := indicators.NewCache(toFloat(cfg.AccelWeight))
	aggregator := ticks.NewAggregator(multiSink{store, indCache}, models.Timeframe15m, models.TimeframeDay)
	r := router.New(gw, store, manifest, cooldowns)
	scan := scanner.New(cfg, tickStore, indCache, store, cooldowns, gw, manifest)
	trail := trailing.New(cfg, tickStore, store, gw, cooldowns)

	return &Supervisor{
		cfg: cfg, manifest: manifest, store: store, cooldowns: cooldowns,
		indCache: indCache, tickStore: tickStore, aggregator: aggregator,
		gw: gw, router: r, scan: scan, trail: trail,
	}
}

// multiSink fans a frozen Candle out to both durable persistence and
// the indicator cache's rolling history.
type multiSink struct {
	store positions.Store
	cache *indicators.Cache
}

func (m multiSink) SaveCandle(c models.Candle) error {
	if err := m.cache.SaveCandle(c); err != nil {
		return err
	}
	return m.store.SaveCandle(c)
}

func toFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}

// Start begins all component tasks: the broker tick reader, the
// candle boundary clock, the order event router, the scanner, and the
// trailing worker. Start is idempotent; a second call while running
// is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.reconcile(runCtx); err != nil {
		log.Error().Err(err).Msg("supervisor: reconciliation on start reported errors")
	}

	tokens := make([]models.InstrumentToken, 0)
	for _, sym := range s.manifest.Symbols() {
		if tok, ok := s.manifest.Token(sym); ok {
			tokens = append(tokens, tok)
		}
	}

	tickCh, err := s.gw.StreamTicks(runCtx, tokens)
	if err != nil {
		cancel()
		return fmt.Errorf("start tick stream: %w", err)
	}
	updatesCh, err := s.gw.SubscribeOrderUpdates(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("start order updates stream: %w", err)
	}

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.consumeTicks(runCtx, tickCh)
	}()
	go func() {
		defer s.wg.Done()
		s.aggregator.Run(runCtx.Done(), time.Second)
	}()
	go func() {
		defer s.wg.Done()
		s.router.Run(runCtx, updatesCh)
	}()
	go func() {
		defer s.wg.Done()
		s.scan.Run(runCtx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.trail.Run(runCtx)
	}()

	log.Info().Str("mode", string(s.cfg.Mode)).Int("symbols", len(tokens)).Msg("supervisor: engine started")
	return nil
}

func (s *Supervisor) consumeTicks(ctx context.Context, ticksCh <-chan models.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticksCh:
			if !ok {
				return
			}
			if err := s.tickStore.Update(t); err != nil {
				continue // stale tick, dropped and counted by the store
			}
			s.aggregator.OnTick(t)
		}
	}
}

// Stop performs the graceful shutdown sequence: stop the scanner
// (finish current cycle) and the trailing worker (finish in-flight
// modify), cancel the run context, which ends the router, the tick
// consumer, the boundary clock and the broker streams, wait for them,
// then flush bars whose period has ended. Order updates still queued
// when the router exits are not processed, and a bar still in
// progress is not emitted. No conditional orders are cancelled — they
// remain the operator's safety net.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.scan.Stop()
	s.trail.Stop()
	cancel()
	s.wg.Wait()
	s.aggregator.Flush(time.Now())
	log.Info().Msg("supervisor: graceful shutdown complete")
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetMode is transactional per spec §4.9: pause scanner/trailing
// worker, swap the Position Store namespace, reload the open set, then
// resume.
func (s *Supervisor) SetMode(ctx context.Context, mode models.TradingMode) error {
	wasRunning := s.IsRunning()
	if wasRunning {
		s.Stop()
	}

	s.cfg.Mode = mode
	if err := s.store.SetMode(mode); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}

	if wasRunning {
		// Stop closed the scanner's and worker's stop channels, so the
		// restarted run needs fresh instances.
		s.scan = scanner.New(s.cfg, s.tickStore, s.indCache, s.store, s.cooldowns, s.gw, s.manifest)
		s.trail = trailing.New(s.cfg, s.tickStore, s.store, s.gw, s.cooldowns)
		return s.Start(ctx)
	}
	return nil
}

// reconcile implements spec §5's "Reconciliation on start": for every
// open Trade, compare broker state to stored state and drive the Trade
// back to consistency.
func (s *Supervisor) reconcile(ctx context.Context) error {
	log := tracing.Logger(ctx)
	open, err := s.store.OpenAll()
	if err != nil {
		return err
	}

	for _, trade := range open {
		if trade.GttID == "" {
			continue
		}
		co, err := s.gw.GetConditionalOrder(ctx, trade.GttID)
		if err != nil {
			log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("reconcile: could not fetch conditional order state")
			continue
		}
		switch co.Status {
		case models.ConditionalCancelled, models.ConditionalStale:
			spec := models.ConditionalOrderSpec{Symbol: trade.Symbol, Qty: trade.Qty, TriggerStop: trade.CurrentStopPrice}
			newGtt, _, err := s.gw.PlaceConditionalOrder(ctx, spec)
			if err != nil {
				_ = s.store.MarkProtectionCompromised(trade.TradeID)
				log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("reconcile: re-place failed, protection compromised")
				continue
			}
			_ = s.store.UpdateStop(trade.TradeID, trade.CurrentStopPrice, newGtt)
		case models.ConditionalTriggered:
			pnl := co.TriggerStop.Sub(trade.EntryPrice).Mul(decimal.NewFromInt(trade.Qty))
			_ = s.store.Close(trade.TradeID, co.TriggerStop, time.Now(), pnl, models.ExitReasonStopLoss)
			s.cooldowns.Record(trade.Symbol, time.Now(), co.TriggerStop)
		}
	}
	return nil
}

// Reconcile is the operator-triggerable form of reconcile, invoked via
// the CLI's `reconcile` subcommand per SPEC_FULL.md's supplement #4.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	return s.reconcile(ctx)
}

// ListOpen returns every currently open Trade, for the CLI's
// `list-open` subcommand.
func (s *Supervisor) ListOpen() ([]models.Trade, error) {
	return s.store.OpenAll()
}

// Close implements the CLI's `close <tradeId>` operator action: cancel
// the Trade's conditional order immediately (resolving spec §9's open
// question in favor of immediate cancel), then issue a market sell.
func (s *Supervisor) Close(ctx context.Context, tradeID string) error {
	trade, err := s.store.Get(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != models.TradeStatusOpen {
		return &models.InvalidStateTransition{Entity: "Trade", From: string(trade.Status), To: string(models.TradeStatusClosing)}
	}
	if trade.GttID != "" {
		if err := s.gw.CancelConditionalOrder(ctx, trade.GttID); err != nil {
			return fmt.Errorf("cancel conditional order: %w", err)
		}
	}
	orderID, err := s.gw.PlaceMarketOrder(ctx, trade.Symbol, broker.SideSell, trade.Qty)
	if err != nil {
		return fmt.Errorf("manual close market sell: %w", err)
	}
	tick, _ := s.tickStore.Last(trade.Symbol)
	exitPrice := tick.LastPrice
	pnl := exitPrice.Sub(trade.EntryPrice).Mul(decimal.NewFromInt(trade.Qty))
	if err := s.store.Close(tradeID, exitPrice, time.Now(), pnl, models.ExitReasonManual); err != nil {
		return err
	}
	s.cooldowns.Record(trade.Symbol, time.Now(), exitPrice)
	log.Info().Str("trade_id", tradeID).Str("order_id", orderID).Msg("supervisor: manual close complete")
	return nil
}
