package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingMode selects the Position Store namespace and whether broker
// calls are actually issued.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// TradeStatus is the Trade lifecycle state.
type TradeStatus string

const (
	TradeStatusPending TradeStatus = "pending"
	TradeStatusOpen    TradeStatus = "open"
	TradeStatusClosing TradeStatus = "closing"
	TradeStatusClosed  TradeStatus = "closed"
	TradeStatusFailed  TradeStatus = "failed"
)

// PositionIndex is the ladder rung, P1 through P3.
type PositionIndex int

const (
	P1 PositionIndex = 1
	P2 PositionIndex = 2
	P3 PositionIndex = 3
)

// ExitReason labels why a Trade closed, for metrics and audit logging.
type ExitReason string

const (
	ExitReasonTarget                ExitReason = "target"
	ExitReasonStopLoss              ExitReason = "stop_loss"
	ExitReasonTrailingStop          ExitReason = "trailing_stop"
	ExitReasonManual                ExitReason = "manual"
	ExitReasonProtectionCompromised ExitReason = "protection_compromised"
)

// Trade is the durable record of one ladder rung on one symbol.
// Identity is TradeID. Fields above the blank line are immutable once
// created; fields below are mutated during the Trade's life.
type Trade struct {
	TradeID    string
	Symbol     Symbol
	Index      PositionIndex
	EntryTs    time.Time
	EntryPrice decimal.Decimal
	Qty        int64
	Mode       TradingMode
	StopPctCfg decimal.Decimal
	TargetPctCfg decimal.Decimal // zero value means "no fixed target" (runner)
	RankGMAtEntry decimal.Decimal

	HighestSinceEntry  decimal.Decimal
	CurrentStopPrice   decimal.Decimal
	CurrentTargetPrice decimal.Decimal
	GttID              string
	OrderID            string
	Status             TradeStatus
	ProtectionCompromised bool

	ExitTs      time.Time
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	ExitReason  ExitReason
}

// PnLPct returns the unrealized percentage gain against entry price
// for the given current price.
func (t *Trade) PnLPct(currentPrice decimal.Decimal) decimal.Decimal {
	if t.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return currentPrice.Sub(t.EntryPrice).Div(t.EntryPrice).Mul(decimal.NewFromInt(100))
}

// ConditionalOrderKind distinguishes a single trailing stop leg from a
// paired stop+target OCO leg.
type ConditionalOrderKind string

const (
	ConditionalStopOnly     ConditionalOrderKind = "stopOnly"
	ConditionalStopAndTarget ConditionalOrderKind = "stopAndTarget"
)

// ConditionalOrderStatus is the broker-side lifecycle of a
// ConditionalOrder.
type ConditionalOrderStatus string

const (
	ConditionalActive    ConditionalOrderStatus = "active"
	ConditionalTriggered ConditionalOrderStatus = "triggered"
	ConditionalCancelled ConditionalOrderStatus = "cancelled"
	ConditionalStale     ConditionalOrderStatus = "stale"
)

// ConditionalOrder is a broker-side order that triggers on a price
// condition. Identity is the broker-assigned GttID.
type ConditionalOrder struct {
	GttID            string
	Symbol           Symbol
	Kind             ConditionalOrderKind
	TriggerStop      decimal.Decimal
	TriggerTarget    decimal.Decimal
	Qty              int64
	Status           ConditionalOrderStatus
	LastModifiedTs   time.Time
}

// ConditionalOrderSpec describes the desired state of a conditional
// order at place/modify time.
type ConditionalOrderSpec struct {
	Symbol        Symbol
	Kind          ConditionalOrderKind
	TriggerStop   decimal.Decimal
	TriggerTarget decimal.Decimal
	Qty           int64
}

// CooldownEntry records the last exit for a symbol. Memory-only; never
// persisted across restarts.
type CooldownEntry struct {
	Symbol        Symbol
	LastExitTs    time.Time
	LastExitPrice decimal.Decimal
}

// PositionPolicy is the per-ladder-index configuration: stop/target/
// trail percentages and the entry precondition for P2/P3.
type PositionPolicy struct {
	Index          PositionIndex
	StopLossPct    decimal.Decimal
	TargetPct      decimal.Decimal // zero value = no fixed target (runner)
	TrailPct       decimal.Decimal
	EntryPnLPctGate decimal.Decimal // ignored for P1
}
