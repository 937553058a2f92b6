// Package events is the engine's internal typed pub/sub bus: order and
// strategy packages publish, the notifier and API layer subscribe. Nothing
// about trading correctness depends on delivery — a subscriber that's slow
// or absent never blocks the publisher (spec.md §6 "best-effort").
package events

import "time"

// Type identifies the kind of event carried by an Event.
type Type string

const (
	BracketPlaced        Type = "BRACKET_PLACED"
	EntryFilled          Type = "ENTRY_FILLED"
	ExitFilled           Type = "EXIT_FILLED"
	BreakevenAdjusted    Type = "BREAKEVEN_ADJUSTED"
	RiskLimitApproached  Type = "RISK_LIMIT_APPROACHED"
	RiskLimitBreached    Type = "RISK_LIMIT_BREACHED"
	EODSummary           Type = "EOD_SUMMARY"
	BarClosed            Type = "BAR_CLOSED"
	StrategyPhaseChanged Type = "STRATEGY_PHASE_CHANGED"
	ErrorOccurred        Type = "ERROR_OCCURRED"
)

// Data is implemented by every typed event payload.
type Data interface {
	EventType() Type
}

// BracketPlacedData reports a new bracket accepted by the broker (either as
// a native atomic order or the fallback entry-only leg).
type BracketPlacedData struct {
	AccountID  string  `json:"account_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       int     `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
	Native     bool    `json:"native"` // false => fallback path was used
}

func (d *BracketPlacedData) EventType() Type { return BracketPlaced }

// EntryFilledData reports a bracket's entry leg filling.
type EntryFilledData struct {
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Size      int     `json:"size"`
	FillPrice float64 `json:"fill_price"`
}

func (d *EntryFilledData) EventType() Type { return EntryFilled }

// ExitFilledData reports a stop or take-profit leg filling.
type ExitFilledData struct {
	AccountID   string  `json:"account_id"`
	Symbol      string  `json:"symbol"`
	Leg         string  `json:"leg"` // "stop", "tp1", "tp2"
	Size        int     `json:"size"`
	FillPrice   float64 `json:"fill_price"`
	RealizedPnL float64 `json:"realized_pnl"`
}

func (d *ExitFilledData) EventType() Type { return ExitFilled }

// BreakevenAdjustedData reports a stop moved to breakeven after TP1.
type BreakevenAdjustedData struct {
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	NewStop   float64 `json:"new_stop"`
}

func (d *BreakevenAdjustedData) EventType() Type { return BreakevenAdjusted }

// RiskLimitApproachedData fires at the 75% DLL warning threshold (spec.md §5).
type RiskLimitApproachedData struct {
	AccountID      string  `json:"account_id"`
	LimitKind      string  `json:"limit_kind"` // "daily-loss-limit", "maximum-loss-limit"
	CurrentLossPct float64 `json:"current_loss_pct"`
}

func (d *RiskLimitApproachedData) EventType() Type { return RiskLimitApproached }

// RiskLimitBreachedData fires when a compliance limit forces a flatten.
type RiskLimitBreachedData struct {
	AccountID string `json:"account_id"`
	LimitKind string `json:"limit_kind"`
}

func (d *RiskLimitBreachedData) EventType() Type { return RiskLimitBreached }

// EODSummaryData reports the end-of-day rollover snapshot.
type EODSummaryData struct {
	AccountID         string  `json:"account_id"`
	Balance           float64 `json:"balance"`
	RealizedPnL       float64 `json:"realized_pnl"`
	HighestEODBalance float64 `json:"highest_eod_balance"`
}

func (d *EODSummaryData) EventType() Type { return EODSummary }

// BarClosedData reports a newly closed aggregated bar.
type BarClosedData struct {
	Symbol string  `json:"symbol"`
	TF     string  `json:"timeframe"`
	Close  float64 `json:"close"`
}

func (d *BarClosedData) EventType() Type { return BarClosed }

// StrategyPhaseChangedData reports a strategy state-machine transition.
type StrategyPhaseChangedData struct {
	AccountID string `json:"account_id"`
	Strategy  string `json:"strategy"`
	Symbol    string `json:"symbol"`
	OldPhase  string `json:"old_phase"`
	NewPhase  string `json:"new_phase"`
}

func (d *StrategyPhaseChangedData) EventType() Type { return StrategyPhaseChanged }

// ErrorData carries a classified failure for observability subscribers.
type ErrorData struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (d *ErrorData) EventType() Type { return ErrorOccurred }

// Event wraps a typed Data payload with its type and emission time.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      Data
}
