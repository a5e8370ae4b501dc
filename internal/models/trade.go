package models

import (
	"fmt"
	"time"
)

// LegSide identifies which half of the strangle a leg belongs to.
type LegSide string

const (
	// LegCall is the short call side.
	LegCall LegSide = "call"
	// LegPut is the short put side.
	LegPut LegSide = "put"
)

// Leg is one live short option leg together with its working orders.
type Leg struct {
	Contract     OptionContract `json:"contract"`
	Side         LegSide        `json:"side"`
	Quantity     int            `json:"quantity"`
	EntryPrice   float64        `json:"entry_price"`
	EntryOrderID string         `json:"entry_order_id"`
	SLOrderID    string         `json:"sl_order_id"`
	SLPrice      float64        `json:"sl_price"`
	// SLTightened latches the one-time delta-drift tightening for this leg.
	// It resets only when the leg is replaced.
	SLTightened bool `json:"sl_tightened"`
	Closed      bool `json:"closed"`
}

// HedgeLeg is a long far-OTM protection leg bought on hedge trigger.
type HedgeLeg struct {
	Contract   OptionContract `json:"contract"`
	Quantity   int            `json:"quantity"`
	EntryPrice float64        `json:"entry_price"`
	OrderID    string         `json:"order_id"`
}

// TradeState is the single mutable record of an active strangle session.
// It is created on confirmed entry, mutated only by the engine's monitoring
// loop, and discarded on any terminal transition. At most one TradeState
// exists per engine instance.
type TradeState struct {
	SessionID string    `json:"session_id"`
	OpenedAt  time.Time `json:"opened_at"`

	CallLeg *Leg `json:"call_leg"`
	PutLeg  *Leg `json:"put_leg"`

	HedgeLegs []HedgeLeg `json:"hedge_legs,omitempty"`

	// Regime is the DeltaRangeConfig snapshot taken for the decision cycle
	// that opened this trade; re-entry and hedging reuse it.
	Regime DeltaRangeConfig `json:"regime"`

	InitialPremium       float64 `json:"initial_premium"`
	LossAccumulated      float64 `json:"loss_accumulated"`
	StopLossTriggerCount int     `json:"stop_loss_trigger_count"`
	HedgePlaced          bool    `json:"hedge_placed"`
	ProfitBookingTier    int     `json:"profit_booking_tier"`
}

// NewTradeState builds the state for a freshly entered strangle.
// initialPremium is the sum of both legs' entry prices.
func NewTradeState(sessionID string, regime DeltaRangeConfig, call, put *Leg) *TradeState {
	return &TradeState{
		SessionID:      sessionID,
		OpenedAt:       time.Now().UTC(),
		CallLeg:        call,
		PutLeg:         put,
		Regime:         regime,
		InitialPremium: call.EntryPrice + put.EntryPrice,
	}
}

// Leg returns the leg for the given side, or nil.
func (t *TradeState) Leg(side LegSide) *Leg {
	switch side {
	case LegCall:
		return t.CallLeg
	case LegPut:
		return t.PutLeg
	default:
		return nil
	}
}

// OpenLegs returns the legs that are still live.
func (t *TradeState) OpenLegs() []*Leg {
	var legs []*Leg
	for _, l := range []*Leg{t.CallLeg, t.PutLeg} {
		if l != nil && !l.Closed {
			legs = append(legs, l)
		}
	}
	return legs
}

// AllClosed reports whether both short legs are done.
func (t *TradeState) AllClosed() bool {
	return len(t.OpenLegs()) == 0
}

// ReplaceLeg swaps in a replacement leg after a stop-out and applies the
// loss-sign convention: the premium delta is charged to LossAccumulated only
// when the replacement entry is a real increase over the stopped leg's entry.
// A cheaper replacement is a profit and is never charged.
func (t *TradeState) ReplaceLeg(side LegSide, replacement *Leg) error {
	old := t.Leg(side)
	if old == nil {
		return fmt.Errorf("no %s leg to replace", side)
	}
	if replacement == nil {
		return fmt.Errorf("nil replacement for %s leg", side)
	}
	if delta := replacement.EntryPrice - old.EntryPrice; delta > 0 {
		t.LossAccumulated += delta
	}
	replacement.Side = side
	replacement.SLTightened = false
	switch side {
	case LegCall:
		t.CallLeg = replacement
	case LegPut:
		t.PutLeg = replacement
	}
	return nil
}

// PremiumReduction returns how far total premium has decayed from entry.
func (t *TradeState) PremiumReduction(currentPremium float64) float64 {
	return t.InitialPremium - currentPremium
}

// PnL returns the running mark-to-market for the session:
// initial premium minus current premium minus accumulated stop-out losses.
func (t *TradeState) PnL(currentPremium float64) float64 {
	return t.InitialPremium - currentPremium - t.LossAccumulated
}

// Snapshot produces the externally persisted P&L view at this instant.
func (t *TradeState) Snapshot(currentPremium float64, now time.Time) PnLSnapshot {
	return PnLSnapshot{
		SessionID:       t.SessionID,
		InitialPremium:  t.InitialPremium,
		LossAccumulated: t.LossAccumulated,
		CurrentPremium:  currentPremium,
		RealizedPnL:     t.PnL(currentPremium),
		At:              now,
	}
}

// Validate checks the structural invariants of an active trade.
func (t *TradeState) Validate() error {
	if t.SessionID == "" {
		return fmt.Errorf("trade state missing session id")
	}
	if t.CallLeg == nil || t.PutLeg == nil {
		return fmt.Errorf("trade state requires both legs")
	}
	if t.CallLeg.Side != LegCall || t.PutLeg.Side != LegPut {
		return fmt.Errorf("leg sides inconsistent: call=%s put=%s", t.CallLeg.Side, t.PutLeg.Side)
	}
	if t.InitialPremium <= 0 {
		return fmt.Errorf("initial premium must be positive (got %.2f)", t.InitialPremium)
	}
	if t.LossAccumulated < 0 {
		return fmt.Errorf("loss accumulated cannot be negative (got %.2f)", t.LossAccumulated)
	}
	if t.StopLossTriggerCount < 0 {
		return fmt.Errorf("stop loss trigger count cannot be negative (got %d)", t.StopLossTriggerCount)
	}
	return nil
}
