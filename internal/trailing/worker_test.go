package trailing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/ticks"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Mode: models.ModePaper, DebounceSeconds: 5,
	}
	cfg.Policies = map[models.PositionIndex]config.PositionPolicyConfig{
		models.P1: {StopLossPct: decimal.NewFromFloat(-2.5), TargetPct: decimal.NewFromFloat(5), TrailPct: decimal.NewFromFloat(2.5)},
		models.P2: {StopLossPct: decimal.NewFromFloat(-2.5), TrailPct: decimal.NewFromFloat(0.1), EntryPnLPctGate: decimal.NewFromFloat(0.25)},
		models.P3: {StopLossPct: decimal.NewFromFloat(-5), TrailPct: decimal.NewFromFloat(0.1), EntryPnLPctGate: decimal.NewFromFloat(1.0)},
	}
	return cfg
}

func newTradingStore(t *testing.T) *positions.SQLStore {
	t.Helper()
	dir := t.TempDir()
	st, err := positions.NewSQLStore(filepath.Join(dir, "ladder.db"), models.ModePaper)
	require.NoError(t, err)
	return st
}

func openP2Trade(t *testing.T, st *positions.SQLStore, symbol models.Symbol, entry decimal.Decimal, gttID string) string {
	t.Helper()
	trade := &models.Trade{
		Symbol: symbol, Index: models.P2, EntryTs: time.Now(), EntryPrice: entry, Qty: 10,
		Mode: models.ModePaper, HighestSinceEntry: entry, Status: models.TradeStatusPending,
	}
	id, err := st.CreatePending(trade)
	require.NoError(t, err)
	require.NoError(t, st.Activate(id, "order-1", gttID))
	require.NoError(t, st.UpdateStop(id, entry.Mul(decimal.NewFromFloat(0.975)), ""))
	return id
}

func TestWorkerIssuesModifyWhenCandidateStopImproves(t *testing.T) {
	cfg := testConfig()
	st := newTradingStore(t)
	tickStore := ticks.NewStore()
	gw := broker.NewPaperGateway()
	reg := cooldown.NewRegistry(180)
	w := New(cfg, tickStore, st, gw, reg)

	entry := decimal.NewFromFloat(103.30)
	gttID, _, err := gw.PlaceConditionalOrder(context.Background(), models.ConditionalOrderSpec{
		Symbol: "ABC", Kind: models.ConditionalStopOnly, TriggerStop: entry.Mul(decimal.NewFromFloat(0.975)), Qty: 10,
	})
	require.NoError(t, err)
	tradeID := openP2Trade(t, st, "ABC", entry, gttID)

	require.NoError(t, tickStore.Update(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromFloat(103.50), Ts: time.Now()}))

	trade, err := st.Get(tradeID)
	require.NoError(t, err)
	w.evaluate(context.Background(), *trade, decimal.NewFromFloat(103.50))

	got, err := st.Get(tradeID)
	require.NoError(t, err)
	assert.True(t, got.CurrentStopPrice.GreaterThan(trade.CurrentStopPrice), "a genuine high should raise the trailing stop")
}

func TestWorkerDoesNotTrailOnEntryTick(t *testing.T) {
	cfg := testConfig()
	st := newTradingStore(t)
	tickStore := ticks.NewStore()
	gw := broker.NewPaperGateway()
	reg := cooldown.NewRegistry(180)
	w := New(cfg, tickStore, st, gw, reg)

	entry := decimal.NewFromFloat(103.30)
	gttID, _, err := gw.PlaceConditionalOrder(context.Background(), models.ConditionalOrderSpec{
		Symbol: "ABC", Kind: models.ConditionalStopOnly, TriggerStop: entry.Mul(decimal.NewFromFloat(0.975)), Qty: 10,
	})
	require.NoError(t, err)
	tradeID := openP2Trade(t, st, "ABC", entry, gttID)

	before, err := st.Get(tradeID)
	require.NoError(t, err)

	// A tick at exactly the entry price is not a fresh high; the stop
	// must stay at its initial protective level (entry*0.975), not jump
	// to trailPct below the entry price.
	w.evaluate(context.Background(), *before, entry)

	after, err := st.Get(tradeID)
	require.NoError(t, err)
	assert.True(t, after.CurrentStopPrice.Equal(before.CurrentStopPrice), "a tick at the entry price must not move the stop")
	assert.True(t, after.CurrentStopPrice.Equal(entry.Mul(decimal.NewFromFloat(0.975))), "stop should remain the initial -2.5%% protective stop")
}

func TestWorkerNeverLowersStop(t *testing.T) {
	cfg := testConfig()
	st := newTradingStore(t)
	tickStore := ticks.NewStore()
	gw := broker.NewPaperGateway()
	reg := cooldown.NewRegistry(180)
	w := New(cfg, tickStore, st, gw, reg)

	entry := decimal.NewFromFloat(103.50)
	gttID, _, err := gw.PlaceConditionalOrder(context.Background(), models.ConditionalOrderSpec{
		Symbol: "ABC", Kind: models.ConditionalStopOnly, TriggerStop: entry.Mul(decimal.NewFromFloat(0.999)), Qty: 10,
	})
	require.NoError(t, err)
	tradeID := openP2Trade(t, st, "ABC", entry, gttID)
	require.NoError(t, st.UpdateStop(tradeID, entry.Mul(decimal.NewFromFloat(0.999)), ""))

	trade, err := st.Get(tradeID)
	require.NoError(t, err)
	before := trade.CurrentStopPrice

	// A lower observed price (pullback) must not move the stop down.
	w.evaluate(context.Background(), *trade, decimal.NewFromFloat(103.40))

	after, err := st.Get(tradeID)
	require.NoError(t, err)
	assert.True(t, after.CurrentStopPrice.Equal(before), "stop must be monotonically non-decreasing")
}

func TestWorkerDebounceSuppressesRepeatUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.DebounceSeconds = 5
	st := newTradingStore(t)
	tickStore := ticks.NewStore()
	gw := broker.NewPaperGateway()
	reg := cooldown.NewRegistry(180)
	w := New(cfg, tickStore, st, gw, reg)

	entry := decimal.NewFromFloat(100)
	gttID, _, err := gw.PlaceConditionalOrder(context.Background(), models.ConditionalOrderSpec{
		Symbol: "ABC", Kind: models.ConditionalStopOnly, TriggerStop: decimal.NewFromFloat(97.5), Qty: 10,
	})
	require.NoError(t, err)
	tradeID := openP2Trade(t, st, "ABC", entry, gttID)

	trade, err := st.Get(tradeID)
	require.NoError(t, err)
	w.evaluate(context.Background(), *trade, decimal.NewFromFloat(101))
	afterFirst, err := st.Get(tradeID)
	require.NoError(t, err)

	// Immediately issue another, higher-price evaluation; debounce must
	// suppress the second modify within the window.
	trade2, err := st.Get(tradeID)
	require.NoError(t, err)
	w.evaluate(context.Background(), *trade2, decimal.NewFromFloat(105))
	afterSecond, err := st.Get(tradeID)
	require.NoError(t, err)

	assert.True(t, afterFirst.CurrentStopPrice.Equal(afterSecond.CurrentStopPrice), "debounce window should suppress the second modify")
}

func TestWorkerFallsBackToCancelAndReplaceOnModifyFailure(t *testing.T) {
	cfg := testConfig()
	st := newTradingStore(t)
	tickStore := ticks.NewStore()
	gw := broker.NewPaperGateway()
	reg := cooldown.NewRegistry(180)
	w := New(cfg, tickStore, st, gw, reg)

	entry := decimal.NewFromFloat(100)
	tradeID := openP2Trade(t, st, "ABC", entry, "gtt-missing")

	trade, err := st.Get(tradeID)
	require.NoError(t, err)
	// gtt-missing was never placed on the gateway, so ModifyConditionalOrder
	// rejects it and the worker must fall back to cancel+place.
	w.evaluate(context.Background(), *trade, decimal.NewFromFloat(101))

	got, err := st.Get(tradeID)
	require.NoError(t, err)
	assert.NotEqual(t, "gtt-missing", got.GttID, "a failed modify must fall back to cancel+place with a new gtt id")
}
