package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Strategy direction of a trading signal.
const (
	StrategyLong  = "Long"
	StrategyShort = "Short"
)

// TradingSignal is one vertical-spread intent for a trading day.
// Immutable once dispatched; at most one signal per (date, ticker).
type TradingSignal struct {
	gorm.Model
	Date           string          `gorm:"uniqueIndex:idx_signal_date_ticker;not null"` // YYYY-MM-DD
	Ticker         string          `gorm:"uniqueIndex:idx_signal_date_ticker;not null"`
	Strategy       string          `gorm:"not null"`
	QuantityPerLeg int             `gorm:"not null"`
	StrikeLong     decimal.Decimal `gorm:"type:numeric;not null"`
	StrikeShort    decimal.Decimal `gorm:"type:numeric;not null"`
}
