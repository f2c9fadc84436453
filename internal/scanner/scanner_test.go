package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/cooldown"
	"github.com/kestrelq/ladderengine/internal/indicators"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/models"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/ticks"
)

func testCfg() *config.Config {
	cfg := &config.Config{
		Mode: models.ModePaper, TotalCapital: decimal.NewFromInt(100000),
		CapitalPerPosition: decimal.NewFromInt(3000), MaxPositions: 50,
		ScanIntervalSeconds: 60, MinRankFinal: decimal.NewFromFloat(2.5),
		AccelWeight: decimal.NewFromFloat(0.3), CooldownSeconds: 180,
		AntiFlipPct: decimal.NewFromFloat(0.25), DebounceSeconds: 5,
	}
	cfg.Policies = map[models.PositionIndex]config.PositionPolicyConfig{
		models.P1: {StopLossPct: decimal.NewFromFloat(-2.5), TargetPct: decimal.NewFromFloat(5), TrailPct: decimal.NewFromFloat(2.5)},
		models.P2: {StopLossPct: decimal.NewFromFloat(-2.5), TrailPct: decimal.NewFromFloat(0.1), EntryPnLPctGate: decimal.NewFromFloat(0.25)},
		models.P3: {StopLossPct: decimal.NewFromFloat(-5), TrailPct: decimal.NewFromFloat(0.1), EntryPnLPctGate: decimal.NewFromFloat(1.0)},
	}
	return cfg
}

func testManifest(t *testing.T) *instruments.Manifest {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "universe.csv")
	require.NoError(t, os.WriteFile(path, []byte("ABC,101\n"), 0o644))
	m, err := instruments.Load(path)
	require.NoError(t, err)
	return m
}

func testStore(t *testing.T) *positions.SQLStore {
	t.Helper()
	dir := t.TempDir()
	st, err := positions.NewSQLStore(filepath.Join(dir, "ladder.db"), models.ModePaper)
	require.NoError(t, err)
	return st
}

func newTestScanner(t *testing.T, gw broker.Gateway) (*Scanner, *positions.SQLStore, *cooldown.Registry) {
	t.Helper()
	cfg := testCfg()
	store := testStore(t)
	reg := cooldown.NewRegistry(cfg.CooldownSeconds)
	indCache := indicators.NewCache(0.3)
	tickStore := ticks.NewStore()
	manifest := testManifest(t)
	return New(cfg, tickStore, indCache, store, reg, gw, manifest), store, reg
}

func TestPassesAntiFlipAllowsFirstEverEntry(t *testing.T) {
	s, _, _ := newTestScanner(t, broker.NewPaperGateway())
	assert.True(t, s.passesAntiFlip("ABC", decimal.NewFromInt(50)), "a symbol that has never exited has no anti-flip bar")
}

func TestPassesAntiFlipBlocksTooCloseToLastExit(t *testing.T) {
	s, _, reg := newTestScanner(t, broker.NewPaperGateway())
	reg.Record("ABC", time.Now(), decimal.NewFromFloat(48.75))

	assert.False(t, s.passesAntiFlip("ABC", decimal.NewFromFloat(48.80)), "48.80 is below the 0.25% anti-flip bar above 48.75")
	assert.True(t, s.passesAntiFlip("ABC", decimal.NewFromFloat(49.00)), "49.00 clears 48.75*1.0025=48.872")
}

func TestHasFreeCapitalRespectsCommittedNotional(t *testing.T) {
	s, _, _ := newTestScanner(t, broker.NewPaperGateway())
	open := []models.Trade{{EntryPrice: decimal.NewFromInt(9900), Qty: 10}} // 99000 committed, 1000 free
	assert.False(t, s.hasFreeCapital(open), "free capital (1000) is below capitalPerPosition (3000)")

	open2 := []models.Trade{{EntryPrice: decimal.NewFromInt(100), Qty: 10}} // 1000 committed, 99000 free
	assert.True(t, s.hasFreeCapital(open2))
}

func TestReconcileLadderP2GateExactThresholdTriggers(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(103.2575))
	s, store, _ := newTestScanner(t, gw)

	p1 := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(103), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(103), Status: models.TradeStatusPending}
	id, err := store.CreatePending(p1)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id, "order-1", "gtt-1"))

	// pnlPct at 103.2575 (= 103 * 1.0025) vs entry 103 is exactly 0.25%.
	opened := s.reconcileLadder(context.Background(), "ABC", decimal.NewFromFloat(103.2575))
	assert.True(t, opened, "pnlPct == 0.25% exactly must trigger the P2 gate")

	open, err := store.OpenBySymbol("ABC")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReconcileLadderP2GateBelowThresholdDoesNotTrigger(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(103.20))
	s, store, _ := newTestScanner(t, gw)

	p1 := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(103), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(103), Status: models.TradeStatusPending}
	id, err := store.CreatePending(p1)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id, "order-1", "gtt-1"))

	opened := s.reconcileLadder(context.Background(), "ABC", decimal.NewFromFloat(103.20))
	assert.False(t, opened, "pnlPct < 0.25% must not trigger the P2 gate")
}

func TestReconcileLadderP3GateUsesAverageOfP1AndP2(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(104))
	s, store, _ := newTestScanner(t, gw)

	p1 := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(100), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(100), Status: models.TradeStatusPending}
	id1, err := store.CreatePending(p1)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id1, "order-1", "gtt-1"))

	p2 := &models.Trade{Symbol: "ABC", Index: models.P2, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(101), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(101), Status: models.TradeStatusPending}
	id2, err := store.CreatePending(p2)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id2, "order-2", "gtt-2"))

	// P1 pnl = 4%, P2 pnl ≈ 2.97%, avg ≈ 3.49% >= 1.0% gate.
	opened := s.reconcileLadder(context.Background(), "ABC", decimal.NewFromFloat(104))
	assert.True(t, opened)

	open, err := store.OpenBySymbol("ABC")
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

func TestReconcileLadderP2GateRespectsMaxPositions(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(103.30))
	s, store, _ := newTestScanner(t, gw)
	s.cfg.MaxPositions = 1 // one open P1 already fills capacity

	p1 := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(103), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(103), Status: models.TradeStatusPending}
	id, err := store.CreatePending(p1)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id, "order-1", "gtt-1"))

	opened := s.reconcileLadder(context.Background(), "ABC", decimal.NewFromFloat(103.30))
	assert.False(t, opened, "P2 must not open once MaxPositions is already reached, even though the pnl gate passes")

	open, err := store.OpenBySymbol("ABC")
	require.NoError(t, err)
	assert.Len(t, open, 1, "only the original P1 remains open")
}

func TestReconcileLadderP2GateRespectsFreeCapital(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(103.30))
	s, store, _ := newTestScanner(t, gw)
	s.cfg.TotalCapital = decimal.NewFromInt(103000) // entry committed 103000, no room for capitalPerPosition=3000 more

	p1 := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(103), Qty: 1000, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(103), Status: models.TradeStatusPending}
	id, err := store.CreatePending(p1)
	require.NoError(t, err)
	require.NoError(t, store.Activate(id, "order-1", "gtt-1"))

	opened := s.reconcileLadder(context.Background(), "ABC", decimal.NewFromFloat(103.30))
	assert.False(t, opened, "P2 must not open when free capital is below capitalPerPosition")
}

func TestRunCycleOpensAtMostOneLadderRungPerCycle(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromFloat(103.30))
	gw.SetPrice("XYZ", decimal.NewFromFloat(50.125))

	dir := t.TempDir()
	path := filepath.Join(dir, "universe.csv")
	require.NoError(t, os.WriteFile(path, []byte("ABC,101\nXYZ,102\n"), 0o644))
	manifest, err := instruments.Load(path)
	require.NoError(t, err)

	cfg := testCfg()
	cfg.SessionStart = 0
	cfg.SessionEnd = 24 * time.Hour
	store := testStore(t)
	reg := cooldown.NewRegistry(cfg.CooldownSeconds)
	indCache := indicators.NewCache(0.3)
	tickStore := ticks.NewStore()
	s := New(cfg, tickStore, indCache, store, reg, gw, manifest)

	require.NoError(t, tickStore.Update(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromFloat(103.30), Ts: time.Now()}))
	require.NoError(t, tickStore.Update(models.Tick{Symbol: "XYZ", LastPrice: decimal.NewFromFloat(50.125), Ts: time.Now()}))

	// Both symbols already carry an open P1 qualifying for a P2 rung at
	// this price; only one may open in this cycle.
	p1ABC := &models.Trade{Symbol: "ABC", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(103), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(103), Status: models.TradeStatusPending}
	idABC, err := store.CreatePending(p1ABC)
	require.NoError(t, err)
	require.NoError(t, store.Activate(idABC, "order-abc", "gtt-abc"))

	p1XYZ := &models.Trade{Symbol: "XYZ", Index: models.P1, EntryTs: time.Now(), EntryPrice: decimal.NewFromInt(50), Qty: 10, Mode: models.ModePaper, HighestSinceEntry: decimal.NewFromInt(50), Status: models.TradeStatusPending}
	idXYZ, err := store.CreatePending(p1XYZ)
	require.NoError(t, err)
	require.NoError(t, store.Activate(idXYZ, "order-xyz", "gtt-xyz"))

	s.runCycle(context.Background())

	openABC, err := store.OpenBySymbol("ABC")
	require.NoError(t, err)
	openXYZ, err := store.OpenBySymbol("XYZ")
	require.NoError(t, err)
	assert.Equal(t, 3, len(openABC)+len(openXYZ), "one P2 rung opens this cycle (2 original P1s + 1 new P2), not two")
}

func TestPlaceEntryZeroQtyRejectsWithoutBrokerCall(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromInt(1000000)) // capitalPerPosition/price rounds down to 0
	s, store, _ := newTestScanner(t, gw)

	ok := s.placeEntry(context.Background(), "ABC", models.P1, decimal.NewFromInt(1000000), decimal.Zero)
	assert.False(t, ok)

	open, err := store.OpenAll()
	require.NoError(t, err)
	assert.Empty(t, open, "no trade should be created when sizing yields zero quantity")
}

func TestPlaceEntryHappyPathPlacesOCOAndActivates(t *testing.T) {
	gw := broker.NewPaperGateway()
	gw.SetPrice("ABC", decimal.NewFromInt(100))
	s, store, _ := newTestScanner(t, gw)

	ok := s.placeEntry(context.Background(), "ABC", models.P1, decimal.NewFromInt(100), decimal.NewFromFloat(4.5))
	require.True(t, ok)

	open, err := store.OpenBySymbol("ABC")
	require.NoError(t, err)
	require.Len(t, open, 1)
	trade := open[0]
	assert.Equal(t, models.TradeStatusOpen, trade.Status)
	assert.EqualValues(t, 30, trade.Qty, "floor(3000/100) = 30")
	// stop = 100 * 0.975 = 97.50, target = 100 * 1.05 = 105.00, both
	// already lie on a 0.01 tick boundary so rounding is a no-op.
	assert.True(t, trade.CurrentStopPrice.Equal(decimal.NewFromFloat(97.50)), "got %s", trade.CurrentStopPrice)

	co, err := gw.GetConditionalOrder(context.Background(), trade.GttID)
	require.NoError(t, err)
	assert.Equal(t, models.ConditionalStopAndTarget, co.Kind)
	assert.True(t, co.TriggerTarget.Equal(decimal.NewFromFloat(105.00)))
}

// faultyConditionalGateway wraps a PaperGateway but always fails to
// place a conditional order, to exercise the entry-placement rollback
// path (spec §4.5: market buy succeeded, protection failed).
type faultyConditionalGateway struct {
	*broker.PaperGateway
}

func (f faultyConditionalGateway) PlaceConditionalOrder(ctx context.Context, spec models.ConditionalOrderSpec) (string, models.ConditionalOrderSpec, error) {
	return "", models.ConditionalOrderSpec{}, &models.BrokerRejected{Reason: "simulated conditional order rejection"}
}

func TestPlaceEntryRollsBackOnConditionalOrderFailure(t *testing.T) {
	base := broker.NewPaperGateway()
	base.SetPrice("ABC", decimal.NewFromInt(103))
	gw := faultyConditionalGateway{base}
	s, store, reg := newTestScanner(t, gw)

	ok := s.placeEntry(context.Background(), "ABC", models.P1, decimal.NewFromInt(103), decimal.NewFromFloat(4.5))
	assert.False(t, ok)

	open, err := store.OpenAll()
	require.NoError(t, err)
	assert.Empty(t, open, "a failed conditional order placement must not leave an open trade")

	allowed, _ := reg.IsAllowed("ABC", time.Now())
	assert.False(t, allowed, "the symbol must enter cooldown after a rolled-back entry")
}
