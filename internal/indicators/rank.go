package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

// RankGMInputs are the two percentage deviations Rank_GM is computed
// from: price vs the 15-minute SMA and price vs the daily SMA.
type RankGMInputs struct {
	PctVsSMA15m  float64
	PctVsSMADaily float64
}

// RankGM computes the geometric-mean momentum score:
// g1 = 1 + pctVsSma15m/100, g2 = 1 + pctVsSmaDaily/100,
// rankGm = (sqrt(g1*g2) - 1) * 100.
func RankGM(in RankGMInputs) float64 {
	g1 := 1 + in.PctVsSMA15m/100
	g2 := 1 + in.PctVsSMADaily/100
	product := g1 * g2
	if product < 0 {
		// A negative product means at least one leg implies a
		// non-physical (<=-100%) deviation; geometric mean is
		// undefined, so clamp to a steep negative score rather than
		// producing a complex result.
		return -100
	}
	return (math.Sqrt(product) - 1) * 100
}

// Accel is the change in rankGm since the previous scan cycle for the
// same symbol.
func Accel(rankGm, rankGmPrev float64) float64 {
	return rankGm - rankGmPrev
}

// RankFinal combines rankGm with weighted acceleration. accelWeight is
// configurable (default 0.3).
func RankFinal(rankGm, accel, accelWeight float64) float64 {
	return rankGm + accelWeight*accel
}

// PctVsSMA returns the percentage deviation of price from sma, or NaN
// if sma is not yet available.
func PctVsSMA(price, sma float64) float64 {
	if math.IsNaN(sma) || sma == 0 {
		return math.NaN()
	}
	return (price - sma) / sma * 100
}

// DecimalFromFloat converts a float64 indicator result to decimal for
// storage in an IndicatorSnapshot, rounding to 6 places to avoid
// float-noise in persisted/compared values.
func DecimalFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(6)
}
