// Package domain holds the engine's broker-agnostic core types: accounts,
// contracts, bars, orders, positions, bracket intents, strategy state, and
// the signal vocabulary, plus the narrow interfaces (BrokerClient, Store)
// the rest of the engine depends on instead of a concrete implementation.
package domain

import "time"

// AccountType determines default DLL/MLL and session behavior.
type AccountType string

const (
	AccountTypePractice      AccountType = "practice"
	AccountTypeEval50k       AccountType = "evaluation-50k"
	AccountTypeEval100k      AccountType = "evaluation-100k"
	AccountTypeEval150k      AccountType = "evaluation-150k"
	AccountTypeExpressFunded AccountType = "express-funded"
	AccountTypeLiveFunded    AccountType = "live-funded"
)

// Account is immutable after creation.
type Account struct {
	ID              string
	DisplayName     string
	Type            AccountType
	StartingBalance float64
}

// DefaultLimits returns the prop-firm default DLL/MLL for the account type.
// Values mirror common prop-firm schedules; an account-level override in
// config always takes precedence (config.Config's DailyLossLimit and
// MaximumLossLimit).
func (t AccountType) DefaultLimits() (dailyLossLimit, maxLossLimit float64) {
	switch t {
	case AccountTypeEval50k:
		return 1000, 2000
	case AccountTypeEval100k:
		return 2000, 3000
	case AccountTypeEval150k:
		return 3000, 4500
	case AccountTypeExpressFunded, AccountTypeLiveFunded:
		return 2500, 4000
	default: // practice
		return 1000, 2000
	}
}

// AccountSnapshot is one row in the per-account time series. HighestEODBalance
// is monotonic non-decreasing within an account (invariant enforced by the
// account tracker, never by the store).
type AccountSnapshot struct {
	ID                int64
	AccountID         string
	Timestamp         time.Time
	Balance           float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	Commissions       float64
	Fees              float64
	HighestEODBalance float64
	IsEOD             bool
}

// Contract resolves a user-facing symbol to a broker contract id and its
// trading parameters. Cached indefinitely after first resolution.
type Contract struct {
	Symbol     string
	ContractID string
	PointValue float64 // currency per price point
	TickSize   float64
}
