package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the canonical textual identifier for a tradable instrument.
// All engine lookups normalize to this form before use.
type Symbol string

// InstrumentToken is the broker-assigned integer key used for tick
// subscription and routing. The Symbol<->Token mapping is loaded once
// at startup and is immutable for the process lifetime.
type InstrumentToken int64

// Tick is the latest observed price for a token. The tick store only
// ever retains the most recent Tick per symbol; it is lossy by design.
type Tick struct {
	Token     InstrumentToken
	Symbol    Symbol
	LastPrice decimal.Decimal
	Volume    int64
	Ts        time.Time
}

// Timeframe names a candle aggregation period.
type Timeframe string

const (
	Timeframe15m  Timeframe = "15m"
	TimeframeDay  Timeframe = "1d"
)

// Candle is a single OHLCV bar, accumulated monotonically within a bar
// and frozen at the bar boundary.
type Candle struct {
	Symbol    Symbol
	Timeframe Timeframe
	StartTs   time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// IndicatorSnapshot is the per-symbol set of values the scanner reads
// on a given cycle. Consumers always see values that were mutually
// consistent when the snapshot was taken.
type IndicatorSnapshot struct {
	Symbol       Symbol
	SMA15m50     decimal.Decimal
	SMA15m200    decimal.Decimal
	SMADaily20   decimal.Decimal
	SMADaily50   decimal.Decimal
	RSI15m14     decimal.Decimal
	RankGM       decimal.Decimal
	RankGMPrev   decimal.Decimal
	Accel        decimal.Decimal
	RankFinal    decimal.Decimal
	UpdatedAt    time.Time
}
