package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	data := []float64{10, 20, 30, 40, 50}
	result := SMA(data, 3)

	assert.True(t, math.IsNaN(result[0]))
	assert.True(t, math.IsNaN(result[1]))
	assert.InDelta(t, 20, result[2], 0.001)
	assert.InDelta(t, 30, result[3], 0.001)
	assert.InDelta(t, 40, result[4], 0.001)
}

func TestSMAInsufficientData(t *testing.T) {
	result := SMA([]float64{1, 2}, 5)
	for _, v := range result {
		assert.True(t, math.IsNaN(v))
	}
}

func TestEMA(t *testing.T) {
	data := []float64{2, 4, 6, 8, 10}
	result := EMA(data, 3)

	assert.True(t, math.IsNaN(result[0]))
	assert.True(t, math.IsNaN(result[1]))
	assert.InDelta(t, 4, result[2], 0.001)
	assert.InDelta(t, 6, result[3], 0.001)
	assert.InDelta(t, 8, result[4], 0.001)
}

func TestRSIUptrendApproachesHundred(t *testing.T) {
	data := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25}
	result := RSI(data, 14)
	last := Last(result)
	assert.Greater(t, last, 95.0)
}

func TestRSIFromAveragesFlatIsFifty(t *testing.T) {
	assert.Equal(t, 50.0, rsiFromAverages(0, 0))
}

func TestLastSkipsNaN(t *testing.T) {
	assert.InDelta(t, 42.0, Last([]float64{math.NaN(), math.NaN(), 42.0}), 0.0001)
	assert.True(t, math.IsNaN(Last([]float64{math.NaN(), math.NaN()})))
}
