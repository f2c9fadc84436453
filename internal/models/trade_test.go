package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTradePnLPct(t *testing.T) {
	trade := &Trade{EntryPrice: decimal.NewFromInt(100)}

	pnl := trade.PnLPct(decimal.NewFromInt(110))
	assert.True(t, decimal.NewFromInt(10).Equal(pnl))

	pnl = trade.PnLPct(decimal.NewFromInt(95))
	assert.True(t, decimal.NewFromInt(-5).Equal(pnl))
}

func TestTradePnLPctZeroEntry(t *testing.T) {
	trade := &Trade{EntryPrice: decimal.Zero}
	assert.True(t, decimal.Zero.Equal(trade.PnLPct(decimal.NewFromInt(100))))
}

func TestPositionIndexOrdering(t *testing.T) {
	assert.Less(t, int(P1), int(P2))
	assert.Less(t, int(P2), int(P3))
}
