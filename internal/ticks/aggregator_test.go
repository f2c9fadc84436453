package ticks

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kestrelq/ladderengine/internal/models"
)

type fakeSink struct {
	saved []models.Candle
}

func (f *fakeSink) SaveCandle(c models.Candle) error {
	f.saved = append(f.saved, c)
	return nil
}

func TestAggregatorAccumulatesOHLC(t *testing.T) {
	sink := &fakeSink{}
	agg := NewAggregator(sink, models.Timeframe15m)

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(100), Volume: 10, Ts: base})
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(105), Volume: 5, Ts: base.Add(2 * time.Minute)})
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(98), Volume: 3, Ts: base.Add(5 * time.Minute)})

	bar, ok := agg.SnapshotBar("ABC", models.Timeframe15m, base.Truncate(15*time.Minute))
	assert.True(t, ok)
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(105)))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(98)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(98)))
	assert.Equal(t, int64(18), bar.Volume)
}

func TestAggregatorFlushEmitsClosedBars(t *testing.T) {
	sink := &fakeSink{}
	agg := NewAggregator(sink, models.Timeframe15m)

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(100), Ts: base})

	agg.Flush(base.Add(16 * time.Minute))

	assert.Len(t, sink.saved, 1)
	assert.Equal(t, models.Symbol("ABC"), sink.saved[0].Symbol)

	_, ok := agg.SnapshotBar("ABC", models.Timeframe15m, base.Truncate(15*time.Minute))
	assert.False(t, ok, "flushed bar must be removed from the in-progress set")
}

func TestAggregatorOutOfOrderTickDropped(t *testing.T) {
	sink := &fakeSink{}
	agg := NewAggregator(sink, models.Timeframe15m)

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(100), Ts: base.Add(16 * time.Minute)})

	late := base
	agg.OnTick(models.Tick{Symbol: "ABC", LastPrice: decimal.NewFromInt(50), Ts: late})

	assert.EqualValues(t, 1, agg.OutOfOrderCount())
}
