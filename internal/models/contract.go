// Package models provides data structures and state management for the
// strangle engine: option reference data, market data snapshots, and the
// trade lifecycle state machine.
package models

import (
	"fmt"
	"time"
)

// InstrumentType distinguishes the two option legs of a strangle.
type InstrumentType string

const (
	// InstrumentCall is a call option (CE suffix on NFO trading symbols).
	InstrumentCall InstrumentType = "CE"
	// InstrumentPut is a put option (PE suffix on NFO trading symbols).
	InstrumentPut InstrumentType = "PE"
)

// Valid returns true if the InstrumentType is one of the defined constants.
func (t InstrumentType) Valid() bool {
	return t == InstrumentCall || t == InstrumentPut
}

// OptionContract is immutable reference data for a single option, refreshed
// on each chain poll.
type OptionContract struct {
	TradingSymbol  string         `json:"trading_symbol"`
	Strike         float64        `json:"strike"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Expiry         time.Time      `json:"expiry"`
	Exchange       string         `json:"exchange"`
	LotSize        int            `json:"lot_size"`
}

// TimeToExpiry returns the remaining lifetime of the contract in years,
// measured from now. Expired contracts return a non-positive value.
func (c OptionContract) TimeToExpiry(now time.Time) float64 {
	return c.Expiry.Sub(now).Hours() / 24 / 365
}

// String renders the contract in log-friendly form, e.g. "NIFTY 25200 CE (2026-09-03)".
func (c OptionContract) String() string {
	return fmt.Sprintf("%s %.0f %s (%s)", c.TradingSymbol, c.Strike,
		c.InstrumentType, c.Expiry.Format("2006-01-02"))
}

// Quote is a point-in-time last traded price for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// TypicalPrice returns (H+L+C)/3, the per-candle price used for VWAP.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// DeltaRangeConfig is the volatility-regime parameter snapshot for one
// decision cycle. Scoring, entry, hedging and re-entry within a cycle must
// all consume the same snapshot.
type DeltaRangeConfig struct {
	DeltaLow           float64 `json:"delta_low"`
	DeltaHigh          float64 `json:"delta_high"`
	HedgeTriggerPoints float64 `json:"hedge_trigger_points"`
	UseExtendedExpiry  bool    `json:"use_extended_expiry"`
}

// Contains reports whether the absolute delta falls inside the band.
func (d DeltaRangeConfig) Contains(absDelta float64) bool {
	return absDelta >= d.DeltaLow && absDelta <= d.DeltaHigh
}

// PnLSnapshot is the externally persisted view of a session's economics.
type PnLSnapshot struct {
	SessionID       string    `json:"session_id"`
	InitialPremium  float64   `json:"initial_premium"`
	LossAccumulated float64   `json:"loss_accumulated"`
	CurrentPremium  float64   `json:"current_premium"`
	RealizedPnL     float64   `json:"realized_pnl"`
	At              time.Time `json:"at"`
}
