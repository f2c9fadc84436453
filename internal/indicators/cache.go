package indicators

import (
	"sync"
	"time"

	"github.com/kestrelq/ladderengine/internal/models"
)

const (
	maxHistory = 260 // enough for a 200-period SMA plus headroom

	sma15mFast = 50
	sma15mSlow = 200
	smaDailyFast = 20
	smaDailySlow = 50
	rsiPeriod    = 14
)

type history struct {
	closes15m []float64
	closesDaily []float64
}

// Cache is keyed by symbol and holds enough rolling close-price
// history to compute the SMA/RSI/Rank_GM inputs the scanner needs.
// Refresh is on-demand (called by the scanner before each cycle). The
// cache has no background refresh and holds no secondary, non-gating
// indicators.
type Cache struct {
	mu       sync.RWMutex
	hist     map[models.Symbol]*history
	snap     map[models.Symbol]models.IndicatorSnapshot
	accelWeight float64
}

// NewCache constructs an empty Cache. accelWeight is the configured
// weight applied to acceleration in rankFinal (default 0.3).
func NewCache(accelWeight float64) *Cache {
	return &Cache{
		hist: make(map[models.Symbol]*history),
		snap: make(map[models.Symbol]models.IndicatorSnapshot),
		accelWeight: accelWeight,
	}
}

// SaveCandle implements ticks.CandleSink: every frozen bar extends the
// relevant rolling history, trimmed to maxHistory points.
func (c *Cache) SaveCandle(candle models.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hist[candle.Symbol]
	if !ok {
		h = &history{}
		c.hist[candle.Symbol] = h
	}
	closeF, _ := candle.Close.Float64()

	switch candle.Timeframe {
	case models.Timeframe15m:
		h.closes15m = appendTrim(h.closes15m, closeF, maxHistory)
	case models.TimeframeDay:
		h.closesDaily = appendTrim(h.closesDaily, closeF, maxHistory)
	}
	return nil
}

func appendTrim(series []float64, v float64, max int) []float64 {
	series = append(series, v)
	if len(series) > max {
		series = series[len(series)-max:]
	}
	return series
}

// Refresh recomputes the gating indicators (SMA 15m/daily, rankGm,
// accel, rankFinal) for symbol using currentPrice as the live
// reference point, rolls rankGm into rankGmPrev for the next cycle,
// and returns the new snapshot. Called by the scanner once per symbol
// per cycle, before the entry decision.
func (c *Cache) Refresh(symbol models.Symbol, currentPrice float64, minRankFinalAccelWeight float64) models.IndicatorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.hist[symbol]
	prev := c.snap[symbol]

	var sma15m50, sma15m200, smaDaily20, smaDaily50, rsi15m14 float64
	if h != nil {
		sma15m50 = Last(SMA(h.closes15m, sma15mFast))
		sma15m200 = Last(SMA(h.closes15m, sma15mSlow))
		smaDaily20 = Last(SMA(h.closesDaily, smaDailyFast))
		smaDaily50 = Last(SMA(h.closesDaily, smaDailySlow))
		rsi15m14 = Last(RSI(h.closes15m, rsiPeriod))
	}

	pctVs15m := PctVsSMA(currentPrice, sma15m50)
	pctVsDaily := PctVsSMA(currentPrice, smaDaily20)

	rankGm := RankGM(RankGMInputs{PctVsSMA15m: safe(pctVs15m), PctVsSMADaily: safe(pctVsDaily)})
	rankGmPrev := 0.0
	if !prev.UpdatedAt.IsZero() {
		rankGmPrev = mustFloat(prev.RankGM)
	}
	accel := Accel(rankGm, rankGmPrev)
	weight := c.accelWeight
	if minRankFinalAccelWeight != 0 {
		weight = minRankFinalAccelWeight
	}
	rankFinal := RankFinal(rankGm, accel, weight)

	snap := models.IndicatorSnapshot{
		Symbol:     symbol,
		SMA15m50:   DecimalFromFloat(sma15m50),
		SMA15m200:  DecimalFromFloat(sma15m200),
		SMADaily20: DecimalFromFloat(smaDaily20),
		SMADaily50: DecimalFromFloat(smaDaily50),
		RSI15m14:   DecimalFromFloat(rsi15m14),
		RankGM:     DecimalFromFloat(rankGm),
		RankGMPrev: DecimalFromFloat(rankGmPrev),
		Accel:      DecimalFromFloat(accel),
		RankFinal:  DecimalFromFloat(rankFinal),
		UpdatedAt:  time.Now(),
	}
	c.snap[symbol] = snap
	return snap
}

// Snapshot returns the last computed snapshot for symbol without
// recomputing it.
func (c *Cache) Snapshot(symbol models.Symbol) (models.IndicatorSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snap[symbol]
	return s, ok
}

// ResetRankGMPrev clears the acceleration baseline for every symbol —
// called once on the first in-session tick of the day per spec §4.5
// step 1, and implicitly on process restart since the cache starts
// empty.
func (c *Cache) ResetRankGMPrev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, s := range c.snap {
		s.RankGMPrev = s.RankGM
		s.Accel = DecimalFromFloat(0)
		c.snap[sym] = s
	}
}

func safe(v float64) float64 {
	if v != v { // NaN check without importing math here
		return 0
	}
	return v
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	v, _ := d.Float64()
	return v
}
