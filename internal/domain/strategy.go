package domain

import "time"

// StrategyPhase is the overnight-range state machine's current phase
// (spec.md §4.5). Persisted on every transition so a restart can rehydrate.
type StrategyPhase string

const (
	PhaseIdle      StrategyPhase = "idle"
	PhaseTracking  StrategyPhase = "tracking"
	PhaseArming    StrategyPhase = "arming"
	PhaseManaging  StrategyPhase = "managing"
	PhaseFlattened StrategyPhase = "flattened"
)

// StrategyState is the durable per-(account, strategy, symbol) record. The
// Config/ATR/high-low fields are strategy-private but persisted as a single
// row so restart restores armed brackets without re-deriving them.
type StrategyState struct {
	AccountID         string
	StrategyName      string
	Symbol            string
	Enabled           bool
	Phase             StrategyPhase
	OvernightHigh     float64
	OvernightLow      float64
	CurrentATR        float64
	DailyATR          float64
	LongArmedOrderID  string
	ShortArmedOrderID string
	GateSkipReason    string
	LastExecutedAt    time.Time
	UpdatedAt         time.Time
}
