// Package indicators computes the moving-average and momentum values
// the strategy scanner reads: SMA/EMA/RSI over rolling windows, and the
// Rank_GM geometric-mean momentum score.
package indicators

import "math"

// SMA computes the simple moving average over the trailing period
// window, leaving NaN wherever fewer than period points are available.
// Adapted from the teacher's utils/indicators package.
func SMA(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	for i := range result {
		result[i] = math.NaN()
	}
	if period <= 0 || len(data) < period {
		return result
	}
	sum := 0.0
	for i, v := range data {
		sum += v
		if i >= period {
			sum -= data[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA computes the exponential moving average, seeded by the SMA of
// the first period values.
func EMA(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	for i := range result {
		result[i] = math.NaN()
	}
	if period <= 0 || len(data) < period {
		return result
	}
	k := 2.0 / (float64(period) + 1.0)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	prev := sum / float64(period)
	result[period-1] = prev
	for i := period; i < len(data); i++ {
		prev = data[i]*k + prev*(1-k)
		result[i] = prev
	}
	return result
}

// RSI computes the Relative Strength Index using Wilder's smoothing,
// matching the teacher's implementation's separate avgGain/avgLoss
// tracking.
func RSI(data []float64, period int) []float64 {
	result := make([]float64, len(data))
	for i := range result {
		result[i] = math.NaN()
	}
	if period <= 0 || len(data) <= period {
		return result
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := data[i] - data[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	result[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(data); i++ {
		delta := data[i] - data[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		result[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return result
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Last returns the final non-NaN value in series, or NaN if there is
// none.
func Last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return math.NaN()
}
