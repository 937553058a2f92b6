// Package account is the engine's per-account compliance tracker (spec.md
// §4.6): running PnL/balance, the DLL/MLL gates that guard every order
// intent, and the EOD rollover that advances the monotonic high-water
// balance H. Grounded on the teacher's internal/modules/risk/handlers
// (risk-metrics computation shape) and internal/reliability's
// maintenance_jobs.go durable-write-through pattern for the one piece of
// state that must survive a crash: H.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
)

// LimitKind identifies which compliance gate fired.
type LimitKind string

const (
	LimitDaily   LimitKind = "daily-loss-limit"
	LimitMaximum LimitKind = "maximum-loss-limit"
)

// warnThreshold is the DLL utilization fraction at which RiskLimitApproached
// fires (spec.md §4.6: "Warn at 75% utilization").
const warnThreshold = 0.75

// ErrDailyLossLimitBreached rejects an order intent whose projected
// worst-case daily loss would exceed the daily-loss-limit.
var ErrDailyLossLimitBreached = fmt.Errorf("account: daily loss limit would be breached")

// state is one account's mutable running totals, guarded by Tracker.mu.
type state struct {
	realizedPnL    float64
	unrealizedPnL  map[string]float64 // symbol -> current unrealized
	commissions    float64
	fees           float64
	highestEOD     float64
	warnedToday    bool
	disabledForDay bool
}

// Tracker maintains running state for every account it's told about.
type Tracker struct {
	log   zerolog.Logger
	store domain.Store
	bus   *events.Bus

	dailyLossLimit   float64
	maximumLossLimit float64
	startingBalance  map[string]float64

	mu       sync.Mutex
	accounts map[string]*state
}

func New(log zerolog.Logger, store domain.Store, bus *events.Bus, dailyLossLimit, maximumLossLimit float64) *Tracker {
	return &Tracker{
		log:              log.With().Str("component", "account").Logger(),
		store:            store,
		bus:              bus,
		dailyLossLimit:   dailyLossLimit,
		maximumLossLimit: maximumLossLimit,
		startingBalance:  make(map[string]float64),
		accounts:         make(map[string]*state),
	}
}

// Arm registers an account, seeding H from the persisted latest EOD
// snapshot if one exists (rehydration after a restart).
func (t *Tracker) Arm(ctx context.Context, acct domain.Account) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &state{unrealizedPnL: make(map[string]float64), highestEOD: acct.StartingBalance}
	t.startingBalance[acct.ID] = acct.StartingBalance

	if t.store != nil {
		snap, ok, err := t.store.LatestEODSnapshot(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("account: rehydrate %s: %w", acct.ID, err)
		}
		if ok && snap.HighestEODBalance > s.highestEOD {
			s.highestEOD = snap.HighestEODBalance
		}
	}
	t.accounts[acct.ID] = s
	return nil
}

func (t *Tracker) get(accountID string) (*state, error) {
	s, ok := t.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account: %s not armed", accountID)
	}
	return s, nil
}

// Balance returns current balance = starting + realized + unrealized - fees - commissions.
func (t *Tracker) Balance(accountID string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil {
		return 0, err
	}
	return t.balanceLocked(accountID, s), nil
}

func (t *Tracker) balanceLocked(accountID string, s *state) float64 {
	unrealized := 0.0
	for _, v := range s.unrealizedPnL {
		unrealized += v
	}
	return t.startingBalance[accountID] + s.realizedPnL + unrealized - s.fees - s.commissions
}

// UpdateUnrealizedPnL stores one symbol's unrealized PnL; callers pass the
// computed (current-price - entry-price) * point-value * signed-size.
// Nothing in the engine calls it: di.Wire builds the quote hub without a
// PnL callback, so the unrealized part of Balance stays zero.
func (t *Tracker) UpdateUnrealizedPnL(accountID, symbol string, value float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil {
		return err
	}
	s.unrealizedPnL[symbol] = value
	return nil
}

// RecordFill applies a realized-PnL delta and any commission/fee to the
// account's running totals (called by the order lifecycle engine on every
// exit fill).
func (t *Tracker) RecordFill(accountID string, realizedDelta, commission, fee float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil {
		return err
	}
	s.realizedPnL += realizedDelta
	s.commissions += commission
	s.fees += fee
	return nil
}

// CheckDailyLossLimit is the DLL gate (spec.md §4.6): it rejects an order
// intent when current daily realized loss plus the worst-case loss at stop
// would exceed daily-loss-limit, and emits a warning event at 75% utilization.
func (t *Tracker) CheckDailyLossLimit(accountID string, worstCaseLossAtStop float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil {
		return err
	}
	if s.disabledForDay {
		return fmt.Errorf("account: %s: new intents disabled for the session", accountID)
	}

	currentDailyLoss := -s.realizedPnL
	if currentDailyLoss < 0 {
		currentDailyLoss = 0
	}
	projected := currentDailyLoss + worstCaseLossAtStop
	utilization := projected / t.dailyLossLimit

	if utilization >= 1.0 {
		return ErrDailyLossLimitBreached
	}
	if utilization >= warnThreshold && !s.warnedToday {
		s.warnedToday = true
		if t.bus != nil {
			t.bus.Publish(&events.RiskLimitApproachedData{
				AccountID: accountID, LimitKind: string(LimitDaily), CurrentLossPct: utilization * 100,
			})
		}
	}
	return nil
}

// DailyLossFraction reports the current fraction of the daily loss limit
// already consumed by realized losses, used by the overnight-range
// strategy's optional DLL-proximity gate (spec.md §4.5) to skip arming
// when the account is already close to its daily limit.
func (t *Tracker) DailyLossFraction(accountID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil || t.dailyLossLimit <= 0 {
		return 0
	}
	currentDailyLoss := -s.realizedPnL
	if currentDailyLoss < 0 {
		currentDailyLoss = 0
	}
	return currentDailyLoss / t.dailyLossLimit
}

// CheckMaximumLossLimit is the MLL gate (spec.md §4.6). floor = H -
// maximum-loss-limit; if current balance <= floor, the caller must
// force-flatten and cancel all working orders — this method only reports
// the breach and disables new intents for the session, it does not itself
// talk to the broker.
func (t *Tracker) CheckMaximumLossLimit(accountID string) (breached bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.get(accountID)
	if err != nil {
		return false, err
	}
	floor := s.highestEOD - t.maximumLossLimit
	balance := t.balanceLocked(accountID, s)
	if balance <= floor {
		s.disabledForDay = true
		if t.bus != nil {
			t.bus.Publish(&events.RiskLimitBreachedData{AccountID: accountID, LimitKind: string(LimitMaximum)})
		}
		return true, nil
	}
	return false, nil
}

// RolloverEOD fetches the closing balance, appends a durable EOD snapshot,
// and advances H if the closing balance exceeds it. H is monotonic and
// this write goes straight to the store — the one piece of state spec.md
// says "must not be lost" (§4.6). Also resets the daily warn/disable flags.
func (t *Tracker) RolloverEOD(ctx context.Context, accountID string, closingBalance float64) error {
	t.mu.Lock()
	s, err := t.get(accountID)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	if closingBalance > s.highestEOD {
		s.highestEOD = closingBalance
	}
	snap := domain.AccountSnapshot{
		AccountID: accountID, Timestamp: time.Now().UTC(), Balance: closingBalance,
		RealizedPnL: s.realizedPnL, HighestEODBalance: s.highestEOD, IsEOD: true,
	}
	s.realizedPnL = 0
	s.commissions = 0
	s.fees = 0
	s.unrealizedPnL = make(map[string]float64)
	s.warnedToday = false
	s.disabledForDay = false
	highestEOD := s.highestEOD
	t.mu.Unlock()

	if t.store == nil {
		return fmt.Errorf("account: %s: EOD snapshot requires persistence store", accountID)
	}
	if err := t.store.AppendAccountSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("account: append EOD snapshot for %s: %w", accountID, err)
	}

	if t.bus != nil {
		t.bus.Publish(&events.EODSummaryData{
			AccountID: accountID, Balance: closingBalance, RealizedPnL: snap.RealizedPnL, HighestEODBalance: highestEOD,
		})
	}
	return nil
}

// BalanceTrend computes the mean and standard deviation of the account's
// most recent snapshot balances (EOD and intraday rows alike), used by
// RiskMetrics (GET /api/risk/account/{id}/metrics) to report a simple
// volatility signal.
func (t *Tracker) BalanceTrend(ctx context.Context, accountID string, lookback int) (mean, stddev float64, err error) {
	if t.store == nil {
		return 0, 0, fmt.Errorf("account: no store configured")
	}
	history, err := t.store.SnapshotHistory(ctx, accountID, lookback)
	if err != nil {
		return 0, 0, err
	}
	if len(history) == 0 {
		return 0, 0, nil
	}
	balances := make([]float64, len(history))
	for i, snap := range history {
		balances[i] = snap.Balance
	}
	mean = stat.Mean(balances, nil)
	stddev = stat.StdDev(balances, nil)
	return mean, stddev, nil
}

// RiskMetrics is the informational risk summary exposed at
// GET /api/risk/account/{id}/metrics, grounded on the teacher's
// internal/modules/risk/handlers VaR/Sharpe/drawdown handlers —
// reimplemented here over AccountSnapshot history instead of portfolio
// positions. This is distinct from the DLL/MLL compliance gates above:
// it never blocks an order, it only reports.
type RiskMetrics struct {
	MeanBalance         float64 `json:"mean_balance"`
	BalanceStdDev       float64 `json:"balance_stddev"`
	HighWaterMark       float64 `json:"high_water_mark"`
	CurrentBalance      float64 `json:"current_balance"`
	DrawdownFromHigh    float64 `json:"drawdown_from_high"` // HighWaterMark - CurrentBalance, >= 0
	DrawdownFromHighPct float64 `json:"drawdown_from_high_pct"`
}

// RiskMetrics reports the account's current realized/unrealized balance
// volatility and its drawdown from the persisted high-water mark H (not
// to be confused with the MLL floor, which is H minus the configured
// maximum-loss-limit; this figure is the raw distance from H, floored at
// zero).
func (t *Tracker) RiskMetrics(ctx context.Context, accountID string, lookback int) (RiskMetrics, error) {
	mean, stddev, err := t.BalanceTrend(ctx, accountID, lookback)
	if err != nil {
		return RiskMetrics{}, err
	}

	t.mu.Lock()
	s, err := t.get(accountID)
	if err != nil {
		t.mu.Unlock()
		return RiskMetrics{}, err
	}
	balance := t.balanceLocked(accountID, s)
	highWater := s.highestEOD
	t.mu.Unlock()

	drawdown := highWater - balance
	if drawdown < 0 {
		drawdown = 0
	}
	var drawdownPct float64
	if highWater > 0 {
		drawdownPct = drawdown / highWater * 100
	}

	return RiskMetrics{
		MeanBalance: mean, BalanceStdDev: stddev,
		HighWaterMark: highWater, CurrentBalance: balance,
		DrawdownFromHigh: drawdown, DrawdownFromHighPct: drawdownPct,
	}, nil
}
