package models

import (
	"fmt"
	"time"
)

// EngineState represents the current phase of the trade lifecycle.
type EngineState string

const (
	// StateIdle means no session is running.
	StateIdle EngineState = "idle"
	// StateScanning means the engine is looking for a qualifying strike pair.
	StateScanning EngineState = "scanning"
	// StateEntering means entry and stop-loss orders are being placed.
	StateEntering EngineState = "entering"
	// StateMonitoring means both legs are live and the tick loop is running.
	StateMonitoring EngineState = "monitoring"
	// StateReEntering means a stopped-out leg is being replaced.
	StateReEntering EngineState = "re_entering"
	// StateHedging means offsetting far-OTM legs are being bought.
	StateHedging EngineState = "hedging"
	// StateProfitBooking means a profit tier was hit and stops are tightened.
	StateProfitBooking EngineState = "profit_booking"
	// StateStopLossExhausted means the trigger ceiling was reached.
	StateStopLossExhausted EngineState = "stop_loss_exhausted"
	// StateMarketClose means the pre-close square-off is in progress.
	StateMarketClose EngineState = "market_close"
	// StateTerminal means the session is over until reset.
	StateTerminal EngineState = "terminal"
)

// Transition conditions. Kept as named constants so engine code and the
// transition table cannot drift apart.
const (
	ConditionSessionStart      = "session_start"
	ConditionPairSelected      = "pair_selected"
	ConditionOrdersPlaced      = "orders_placed"
	ConditionEntryAborted      = "entry_aborted"
	ConditionStopLossFilled    = "stop_loss_filled"
	ConditionReplacementPlaced = "replacement_placed"
	ConditionReplacementFailed = "replacement_failed"
	ConditionHedgeTrigger      = "hedge_trigger"
	ConditionHedgeDone         = "hedge_done"
	ConditionProfitTierHit     = "profit_tier_hit"
	ConditionCeilingReached    = "ceiling_reached"
	ConditionSquareOffTime     = "square_off_time"
	ConditionAllLegsClosed     = "all_legs_closed"
	ConditionSessionDone       = "session_done"
	ConditionStopped           = "stopped"
	ConditionReset             = "reset"
)

// StateTransition defines a single valid state transition.
type StateTransition struct {
	From        EngineState
	To          EngineState
	Condition   string
	Description string
}

// ValidTransitions enumerates every transition the engine may perform.
var ValidTransitions = []StateTransition{
	{StateIdle, StateScanning, ConditionSessionStart, "Session started, scanning for a pair"},

	{StateScanning, StateEntering, ConditionPairSelected, "Go pair found, placing orders"},
	{StateScanning, StateTerminal, ConditionStopped, "Stop signal during scan"},
	{StateScanning, StateTerminal, ConditionSquareOffTime, "Square-off time reached before entry"},

	{StateEntering, StateMonitoring, ConditionOrdersPlaced, "Entry and SL orders confirmed"},
	{StateEntering, StateScanning, ConditionEntryAborted, "Entry failed, back to scanning"},
	{StateEntering, StateTerminal, ConditionStopped, "Stop signal during entry"},

	{StateMonitoring, StateReEntering, ConditionStopLossFilled, "SL filled below ceiling, replacing leg"},
	{StateMonitoring, StateHedging, ConditionHedgeTrigger, "Hedge trigger reached"},
	{StateMonitoring, StateProfitBooking, ConditionProfitTierHit, "Profit tier reached"},
	{StateMonitoring, StateStopLossExhausted, ConditionCeilingReached, "SL trigger ceiling reached"},
	{StateMonitoring, StateMarketClose, ConditionSquareOffTime, "Pre-close square-off window"},
	{StateMonitoring, StateTerminal, ConditionAllLegsClosed, "Both legs closed, nothing to manage"},
	{StateMonitoring, StateTerminal, ConditionStopped, "Stop signal during monitoring"},

	{StateReEntering, StateMonitoring, ConditionReplacementPlaced, "Replacement leg live"},
	{StateReEntering, StateMonitoring, ConditionReplacementFailed, "Replacement failed, prior legs authoritative"},

	{StateHedging, StateMonitoring, ConditionHedgeDone, "Hedge attempt finished (latched)"},

	{StateProfitBooking, StateMonitoring, ConditionHedgeDone, "Tier-1 stops tightened, still monitoring"},
	{StateProfitBooking, StateTerminal, ConditionSessionDone, "Tier-2 booked, session over"},

	{StateStopLossExhausted, StateTerminal, ConditionSessionDone, "Halted after ceiling, stops tightened"},
	{StateMarketClose, StateTerminal, ConditionSessionDone, "Square-off complete"},

	{StateTerminal, StateIdle, ConditionReset, "Reset for next session"},
}

// StateMachine tracks engine state and enforces the transition table.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[EngineState]int
	currentState    EngineState
	previousState   EngineState
}

// NewStateMachine creates a state machine in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateIdle,
		previousState:   StateIdle,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[EngineState]int),
	}
}

// Current returns the current state.
func (sm *StateMachine) Current() EngineState {
	return sm.currentState
}

// Previous returns the state before the last transition.
func (sm *StateMachine) Previous() EngineState {
	return sm.previousState
}

// TransitionTime returns when the last transition happened.
func (sm *StateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// CanTransition reports whether moving to the given state under the given
// condition is allowed from the current state.
func (sm *StateMachine) CanTransition(to EngineState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new state, or returns an error if the transition is
// not in ValidTransitions.
func (sm *StateMachine) Transition(to EngineState, condition string) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// Count returns how many times the machine has entered the given state.
func (sm *StateMachine) Count(state EngineState) int {
	return sm.transitionCount[state]
}

// IsTerminal reports whether the session has ended.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateTerminal
}

// Reset returns the machine to StateIdle for the next session.
func (sm *StateMachine) Reset() error {
	if sm.currentState != StateTerminal && sm.currentState != StateIdle {
		return fmt.Errorf("cannot reset from state %s", sm.currentState)
	}
	sm.currentState = StateIdle
	sm.previousState = StateIdle
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[EngineState]int)
	return nil
}

// Description returns a human-readable description of the current state.
func (sm *StateMachine) Description() string {
	switch sm.currentState {
	case StateIdle:
		return "No active session"
	case StateScanning:
		return "Scanning option chain for a qualifying pair"
	case StateEntering:
		return "Placing entry and stop-loss orders"
	case StateMonitoring:
		return "Monitoring live strangle"
	case StateReEntering:
		return "Replacing stopped-out leg"
	case StateHedging:
		return "Buying protective hedge legs"
	case StateProfitBooking:
		return "Profit tier hit, tightening stops"
	case StateStopLossExhausted:
		return "Stop-loss ceiling reached, trading halted"
	case StateMarketClose:
		return "Squaring off before market close"
	case StateTerminal:
		return "Session complete"
	default:
		return "Unknown state"
	}
}
