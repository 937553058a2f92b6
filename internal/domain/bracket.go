package domain

import "time"

// BracketState is the lifecycle state of a BracketIntent (spec.md §4.4).
type BracketState string

const (
	BracketNew          BracketState = "new"
	BracketSubmitting   BracketState = "submitting"
	BracketArmed        BracketState = "armed"         // native atomic bracket accepted, resting
	BracketEntryWorking BracketState = "entry_working" // fallback path, entry order resting
	BracketProtected    BracketState = "protected"     // entry filled, stop+target attached
	BracketClosed       BracketState = "closed"        // terminal: stop or target filled
	BracketCancelled    BracketState = "cancelled"      // terminal: cancelled before/without fill
	BracketFailed       BracketState = "failed"         // terminal: rejected or fill-watch timeout
)

// IsTerminal reports whether the state machine has reached rest.
func (s BracketState) IsTerminal() bool {
	switch s {
	case BracketClosed, BracketCancelled, BracketFailed:
		return true
	default:
		return false
	}
}

// RejectReason is a structured, machine-readable reason an intent was
// rejected or failed, surfaced via API and to the notifier (spec.md §7).
type RejectReason string

const (
	ReasonComplianceDLL      RejectReason = "compliance-dll"
	ReasonComplianceMLL      RejectReason = "compliance-mll"
	ReasonPositionCap        RejectReason = "position-cap"
	ReasonDebounced          RejectReason = "debounced"
	ReasonBrokerRejected     RejectReason = "broker-rejected"
	ReasonFillTimeout        RejectReason = "fill-timeout"
	ReasonInvariantViolation RejectReason = "invariant-violation"
)

// BracketIntent is the engine's durable record of pending bracket work: an
// entry spec plus stop/target prices and optional staged-exit split. The
// CorrelationTag is the sole idempotency key — at most one in-flight broker
// submission may exist per tag at a time (spec.md invariant).
type BracketIntent struct {
	ID             int64
	CorrelationTag string // "{strategy}-{account}-{symbol}-{seq}"
	AccountID      string
	Symbol         string
	Side           Side
	Size           int
	EntryPrice     float64 // stop-entry trigger price
	StopPrice      float64
	TP1Price       float64
	TP2Price       *float64 // nil unless staged
	TP1Fraction    float64  // fraction of Size closing at TP1; 0 means single exit
	State          BracketState
	RejectReason   RejectReason
	FailureDetail  string
	EntryOrderID   string
	StopOrderID    string
	TP1OrderID     string
	TP2OrderID     string
	BreakevenDone  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StrategyName   string
}

// Staged reports whether the intent splits its exit into TP1/TP2 legs.
func (b BracketIntent) Staged() bool {
	return b.TP1Fraction > 0 && b.TP1Fraction < 1
}

// StagedSizes returns (q1, q2) for a staged exit using round-half-up on q1.
func (b BracketIntent) StagedSizes() (q1, q2 int) {
	if !b.Staged() {
		return b.Size, 0
	}
	q1 = int(b.TP1Fraction*float64(b.Size) + 0.5)
	if q1 < 1 {
		q1 = 1
	}
	if q1 > b.Size {
		q1 = b.Size
	}
	q2 = b.Size - q1
	return q1, q2
}
