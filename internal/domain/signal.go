package domain

import "time"

// SignalAction is the engine's closed vocabulary of external strategy
// signals (spec.md §9 design notes: unknown actions are rejected at the
// boundary, never dynamically dispatched).
type SignalAction string

const (
	ActionOpenLong          SignalAction = "open-long"
	ActionOpenShort         SignalAction = "open-short"
	ActionTP1HitLong        SignalAction = "tp1-hit-long"
	ActionTP1HitShort       SignalAction = "tp1-hit-short"
	ActionStopOutLong       SignalAction = "stop-out-long"
	ActionStopOutShort      SignalAction = "stop-out-short"
	ActionSessionCloseLong  SignalAction = "session-close-long"
	ActionSessionCloseShort SignalAction = "session-close-short"
)

// IsEntry reports whether the action opens a new position.
func (a SignalAction) IsEntry() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// Valid reports whether a is a recognized action.
func (a SignalAction) Valid() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionTP1HitLong, ActionTP1HitShort,
		ActionStopOutLong, ActionStopOutShort, ActionSessionCloseLong, ActionSessionCloseShort:
		return true
	default:
		return false
	}
}

// SignalEvent is a normalized external strategy signal, debounced per
// (Symbol, Action) with a configurable window.
type SignalEvent struct {
	Symbol     string
	Action     SignalAction
	Entry      float64
	StopLoss   float64
	TP1        float64
	TP2        *float64
	ReceivedAt time.Time
}
