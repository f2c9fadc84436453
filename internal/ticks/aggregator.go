package ticks

import (
	"sync"
	"time"

	"github.com/kestrelq/ladderengine/internal/models"
)

type barKey struct {
	symbol    models.Symbol
	timeframe models.Timeframe
	barStart  int64 // unix seconds
}

// CandleSink receives frozen bars at their boundary, for persistence.
type CandleSink interface {
	SaveCandle(c models.Candle) error
}

// Aggregator accumulates ticks into per-(symbol,timeframe,barStart)
// bars and emits them to a CandleSink at each bar boundary. It is
// driven by two independent inputs: ticks (OnTick, called from the
// tick-reader task) and a cooperative boundary clock goroutine
// (Run) — never tick-driven, per spec §4.2.
type Aggregator struct {
	mu          sync.Mutex
	bars        map[barKey]*models.Candle
	timeframes  []models.Timeframe
	sink        CandleSink
	outOfOrder  int64
}

// NewAggregator constructs an Aggregator for the given timeframes
// (at minimum 15m per spec).
func NewAggregator(sink CandleSink, timeframes ...models.Timeframe) *Aggregator {
	if len(timeframes) == 0 {
		timeframes = []models.Timeframe{models.Timeframe15m}
	}
	return &Aggregator{
		bars:       make(map[barKey]*models.Candle),
		timeframes: timeframes,
		sink:       sink,
	}
}

func floorToTimeframe(ts time.Time, tf models.Timeframe) time.Time {
	switch tf {
	case models.Timeframe15m:
		return ts.Truncate(15 * time.Minute)
	case models.TimeframeDay:
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
	default:
		return ts.Truncate(time.Minute)
	}
}

// OnTick folds one tick into every configured timeframe's in-progress
// bar. A tick whose bar has already been frozen and flushed (i.e. its
// barStart is earlier than the current bar this aggregator is tracking
// for that key, after a Flush) is counted as OutOfOrderBar and dropped.
func (a *Aggregator) OnTick(t models.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tf := range a.timeframes {
		start := floorToTimeframe(t.Ts, tf)
		key := barKey{symbol: t.Symbol, timeframe: tf, barStart: start.Unix()}

		bar, ok := a.bars[key]
		if !ok {
			// If a later bar for this (symbol,timeframe) already
			// exists, this tick belongs to an already-closed bar.
			if a.hasLaterBarLocked(t.Symbol, tf, start.Unix()) {
				a.outOfOrder++
				continue
			}
			a.bars[key] = &models.Candle{
				Symbol: t.Symbol, Timeframe: tf, StartTs: start,
				Open: t.LastPrice, High: t.LastPrice, Low: t.LastPrice, Close: t.LastPrice,
				Volume: t.Volume,
			}
			continue
		}
		bar.Close = t.LastPrice
		if t.LastPrice.GreaterThan(bar.High) {
			bar.High = t.LastPrice
		}
		if t.LastPrice.LessThan(bar.Low) {
			bar.Low = t.LastPrice
		}
		bar.Volume += t.Volume
	}
}

func (a *Aggregator) hasLaterBarLocked(symbol models.Symbol, tf models.Timeframe, barStart int64) bool {
	for k := range a.bars {
		if k.symbol == symbol && k.timeframe == tf && k.barStart > barStart {
			return true
		}
	}
	return false
}

// OutOfOrderCount reports how many ticks were dropped for arriving
// after their bar had already closed.
func (a *Aggregator) OutOfOrderCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outOfOrder
}

// Flush snapshots and removes every bar whose barStart is strictly
// before nowFloor, emitting each to the sink. Called by the boundary
// clock goroutine, never directly by OnTick.
func (a *Aggregator) Flush(now time.Time) {
	a.mu.Lock()
	var toEmit []models.Candle
	nowUnix := now.Unix()
	for k, bar := range a.bars {
		if k.barStart < nowUnix && now.Sub(bar.StartTs) >= timeframeDuration(k.timeframe) {
			toEmit = append(toEmit, *bar)
			delete(a.bars, k)
		}
	}
	a.mu.Unlock()

	for _, c := range toEmit {
		if a.sink != nil {
			_ = a.sink.SaveCandle(c)
		}
	}
}

func timeframeDuration(tf models.Timeframe) time.Duration {
	switch tf {
	case models.Timeframe15m:
		return 15 * time.Minute
	case models.TimeframeDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Run is the cooperative boundary-clock goroutine: it wakes on a fixed
// interval, flushes any bar whose boundary has passed, and exits when
// stop is closed. It takes a stop channel rather than a context,
// matching the teacher's ticker-based loop idiom.
func (a *Aggregator) Run(stop <-chan struct{}, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.Flush(now)
		}
	}
}

// SnapshotBar returns the in-progress bar for a key, if any. Only tests
// call it; graceful shutdown uses Flush.
func (a *Aggregator) SnapshotBar(symbol models.Symbol, tf models.Timeframe, barStart time.Time) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bar, ok := a.bars[barKey{symbol: symbol, timeframe: tf, barStart: barStart.Unix()}]
	if !ok {
		return models.Candle{}, false
	}
	return *bar, true
}
