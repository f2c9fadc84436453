// Package trailing implements the Trailing Worker (§4.6): a consumer
// task that reads the latest tick per symbol on a bounded schedule and
// trails each open Trade's stop upward, never down. This replaces the
// source's per-tick callback model per the spec's redesign note —
// business logic runs on its own schedule, decoupled from the broker
// thread.
package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/metrics"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/ticks"
	"github.com/kestrelq/ladderengine/internal/tracing"
)

// pollInterval is the bounded schedule the worker polls the tick store
// on, per spec's "100-250ms loop or event-coalesced" redesign note.
const pollInterval = 200 * time.Millisecond

// minEpsilonPct is the 0.01% fraction of the current stop; epsilon, the
// smaller of that and the tick size, gates whether a candidate stop is
// "enough" of an improvement to issue a modify.
const minEpsilonPct = 0.0001

const maxReplaceAttempts = 3

// Worker is the Trailing Worker.
type Worker struct {
	cfg       *config.Config
	tickStore *ticks.Store
	store     positions.Store
	gw        broker.Gateway
	cooldowns *cooldown.Registry

	mu          sync.Mutex
	lastUpdated map[string]time.Time // tradeID -> last modify issued, for debounce

	stopCh chan struct{}
}

// New constructs a trailing Worker.
func New(cfg *config.Config, tickStore *ticks.Store, store positions.Store, gw broker.Gateway, cooldowns *cooldown.Registry) *Worker {
	return &Worker{
		cfg: cfg, tickStore: tickStore, store: store, gw: gw, cooldowns: cooldowns,
		lastUpdated: make(map[string]time.Time), stopCh: make(chan struct{}),
	}
}

// Run polls open Trades every pollInterval until Stop is called or ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// Stop requests the worker finish any in-flight modify and exit.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) pollOnce(ctx context.Context) {
	open, err := w.store.OpenAll()
	if err != nil {
		return
	}
	var wg sync.WaitGroup
	for i := range open {
		trade := open[i]
		tick, ok := w.tickStore.Last(trade.Symbol)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(t models.Trade, lastPrice decimal.Decimal) {
			defer wg.Done()
			w.evaluate(ctx, t, lastPrice)
		}(trade, tick.LastPrice)
	}
	wg.Wait()
}

func (w *Worker) debounced(tradeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastUpdated[tradeID]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(w.cfg.DebounceSeconds)*time.Second
}

func (w *Worker) markUpdated(tradeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUpdated[tradeID] = time.Now()
}

func (w *Worker) evaluate(ctx context.Context, trade models.Trade, lastPrice decimal.Decimal) {
	if trade.Status != models.TradeStatusOpen {
		return
	}
	if w.debounced(trade.TradeID) {
		return
	}

	if !lastPrice.GreaterThan(trade.HighestSinceEntry) {
		// No new high since entry or the last observed high: nothing to
		// trail. This also keeps the very first tick at the entry price
		// from computing a candidate stop off the entry price itself,
		// which would slam the stop to trailPct below entry instead of
		// leaving the initial protective stop in place.
		return
	}
	observedHigh := lastPrice
	if err := w.store.UpdateHighest(trade.TradeID, observedHigh); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("trade_id", trade.TradeID).Msg("trailing worker: persist new high-water mark failed")
	}

	trailPct := w.trailPctFor(trade.Index)
	candidateStop := observedHigh.Mul(decimal.NewFromInt(1).Sub(trailPct.Div(decimal.NewFromInt(100))))

	tick := w.gw.TickSize(trade.Symbol)
	epsilon := decimal.Min(tick, trade.CurrentStopPrice.Mul(decimal.NewFromFloat(minEpsilonPct)))

	if candidateStop.LessThanOrEqual(trade.CurrentStopPrice.Add(epsilon)) {
		return
	}

	w.markUpdated(trade.TradeID)
	w.issueModify(ctx, trade, candidateStop, observedHigh)
}

func (w *Worker) trailPctFor(idx models.PositionIndex) decimal.Decimal {
	return w.cfg.Policy(idx).TrailPct
}

// issueModify implements the modify-or-replace protocol from spec §4.6.
func (w *Worker) issueModify(ctx context.Context, trade models.Trade, newStop, observedHigh decimal.Decimal) {
	log := tracing.Logger(ctx)

	spec := models.ConditionalOrderSpec{Symbol: trade.Symbol, Qty: trade.Qty, TriggerStop: newStop}
	if !trade.CurrentTargetPrice.IsZero() {
		spec.Kind = models.ConditionalStopAndTarget
		spec.TriggerTarget = trade.CurrentTargetPrice
	} else {
		spec.Kind = models.ConditionalStopOnly
	}

	err := w.gw.ModifyConditionalOrder(ctx, trade.GttID, spec)
	if err == nil {
		if err := w.store.UpdateStop(trade.TradeID, newStop, ""); err != nil {
			log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("trailing worker: persist modified stop failed")
			return
		}
		metrics.TrailingModifyCalls.WithLabelValues("modify_ok").Inc()
		return
	}

	// Fall back to cancel+place, retried with exponential backoff up
	// to maxReplaceAttempts.
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= maxReplaceAttempts; attempt++ {
		if cancelErr := w.gw.CancelConditionalOrder(ctx, trade.GttID); cancelErr != nil {
			log.Warn().Err(cancelErr).Str("trade_id", trade.TradeID).Int("attempt", attempt).Msg("trailing worker: cancel during replace failed")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		newGtt, rounded, placeErr := w.gw.PlaceConditionalOrder(ctx, spec)
		if placeErr == nil {
			// The Trade's gttId field moves directly from old to new;
			// there is no observable intermediate null.
			if err := w.store.UpdateStop(trade.TradeID, rounded.TriggerStop, newGtt); err != nil {
				log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("trailing worker: persist replaced gtt failed")
			}
			metrics.TrailingModifyCalls.WithLabelValues("replace_ok").Inc()
			return
		}
		log.Warn().Err(placeErr).Str("trade_id", trade.TradeID).Int("attempt", attempt).Msg("trailing worker: replace place failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}

	// Final failure: protection compromised, emergency unwind.
	metrics.TrailingModifyCalls.WithLabelValues("replace_failed").Inc()
	_ = w.store.MarkProtectionCompromised(trade.TradeID)
	log.Error().Str("trade_id", trade.TradeID).Msg("trailing worker: stop replace exhausted retries, protection compromised, unwinding")

	if _, err := w.gw.PlaceMarketOrder(ctx, trade.Symbol, broker.SideSell, trade.Qty); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("trailing worker: emergency unwind sell failed")
		return
	}
	pnl := observedHigh.Sub(trade.EntryPrice).Mul(decimal.NewFromInt(trade.Qty))
	_ = w.store.Close(trade.TradeID, observedHigh, time.Now(), pnl, models.ExitReasonProtectionCompromised)
	w.cooldowns.Record(trade.Symbol, time.Now(), observedHigh)
	metrics.ExitsByReason.WithLabelValues(string(models.ExitReasonProtectionCompromised), intToStr(trade.Index)).Inc()
}

func intToStr(idx models.PositionIndex) string {
	switch idx {
	case models.P1:
		return "1"
	case models.P2:
		return "2"
	case models.P3:
		return "3"
	default:
		return "0"
	}
}
