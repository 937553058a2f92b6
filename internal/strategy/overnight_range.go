// Package strategy implements the strategy scheduler and the
// overnight-range state machine (spec.md §4.5): one state machine per
// (account, strategy, symbol), running Tracking -> Arming -> Managing ->
// Idle, with scheduled restart and full rehydration on process start.
// Grounded on the teacher's trader-go/internal/scheduler/scheduler.go
// (a thin robfig/cron wrapper around a Job interface), generalized from
// fixed named jobs to one scheduled entry per strategy instance, plus its
// pkg/formulas go-talib wrapper style for the ATR calculations in atr.go.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/cache"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/orders"
	"github.com/overrangefutures/engine/internal/quotehub"
)

// Gates holds the optional, all-default-off market-condition gates
// (spec.md §4.5).
type Gates struct {
	MinRangeSize     float64
	MaxRangeSize     float64
	GapFilterPct     float64
	MinATR           float64
	MaxATR           float64
	DLLProximityPct  float64 // skip arming once today's loss reaches this fraction (0-1) of DLL; 0 disables
}

// Config is the overnight-range strategy's tunables (spec.md §6 Strategy section).
type Config struct {
	Name                  string
	AccountID             string
	Symbol                string
	Timezone              string
	OvernightStart        string // "HH:MM" local
	OvernightEnd          string
	MarketOpen            string
	EODExitTime           string
	ATRPeriod             int
	ATRTimeframe          domain.Timeframe
	StopATRMultiplier     float64
	TargetATRMultiplier   float64
	RangeBreakOffset      float64
	BreakevenEnabled      bool
	BreakevenProfitPoints float64
	Gates                 Gates
}

// dailyLossFrac reports the fraction of the daily loss limit already
// consumed, used by the DLL-proximity gate. Supplied by the caller since
// the strategy package doesn't own the account tracker.
type dailyLossFrac func(accountID string) float64

// Machine runs the overnight-range state machine for one
// (account, strategy, symbol).
type Machine struct {
	log     zerolog.Logger
	cfg     Config
	cache   *cache.Cache
	hub     *quotehub.Hub
	engine  *orders.Engine
	store   domain.Store
	bus     *events.Bus
	lossFrac dailyLossFrac

	loc   *time.Location
	state domain.StrategyState
}

func New(log zerolog.Logger, cfg Config, c *cache.Cache, hub *quotehub.Hub, engine *orders.Engine, store domain.Store, bus *events.Bus, lossFrac dailyLossFrac) (*Machine, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("strategy: invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &Machine{
		log: log.With().Str("component", "strategy").Str("strategy", cfg.Name).Str("symbol", cfg.Symbol).Logger(),
		cfg: cfg, cache: c, hub: hub, engine: engine, store: store, bus: bus, lossFrac: lossFrac, loc: loc,
		state: domain.StrategyState{AccountID: cfg.AccountID, StrategyName: cfg.Name, Symbol: cfg.Symbol, Phase: domain.PhaseIdle},
	}, nil
}

// Rehydrate restores phase and armed-order ids from the persistence store
// on process start (spec.md §4.5 Persistence).
func (m *Machine) Rehydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	s, ok, err := m.store.GetStrategyState(ctx, m.cfg.AccountID, m.cfg.Name, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("strategy: rehydrate: %w", err)
	}
	if ok {
		m.state = s
		m.log.Info().Str("phase", string(s.Phase)).Msg("rehydrated strategy state")
	}
	return nil
}

func (m *Machine) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.state.UpdatedAt = time.Now().UTC()
	if err := m.store.UpsertStrategyState(ctx, m.state); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist strategy state")
	}
}

func (m *Machine) transition(ctx context.Context, next domain.StrategyPhase) {
	old := m.state.Phase
	m.state.Phase = next
	m.persist(ctx)
	if m.bus != nil {
		m.bus.Publish(&events.StrategyPhaseChangedData{
			AccountID: m.cfg.AccountID, Strategy: m.cfg.Name, Symbol: m.cfg.Symbol,
			OldPhase: string(old), NewPhase: string(next),
		})
	}
}

// StartTracking enters the Tracking phase: subscribes to the 1m bar stream
// and resets overnight high/low, seeded from the first tracking bar.
func (m *Machine) StartTracking(ctx context.Context) error {
	m.state.OvernightHigh = 0
	m.state.OvernightLow = 0
	m.transition(ctx, domain.PhaseTracking)

	if err := m.hub.Watch(ctx, m.cfg.Symbol); err != nil {
		return fmt.Errorf("strategy: watch %s: %w", m.cfg.Symbol, err)
	}
	m.hub.Subscribe(m.cfg.Symbol, "1m", func(b domain.Bar) {
		m.onTrackingBar(ctx, b)
	})
	return nil
}

func (m *Machine) onTrackingBar(ctx context.Context, b domain.Bar) {
	if m.state.Phase != domain.PhaseTracking {
		return
	}
	if m.state.OvernightHigh == 0 && m.state.OvernightLow == 0 {
		m.state.OvernightHigh = b.High
		m.state.OvernightLow = b.Low
	} else {
		if b.High > m.state.OvernightHigh {
			m.state.OvernightHigh = b.High
		}
		if b.Low < m.state.OvernightLow {
			m.state.OvernightLow = b.Low
		}
	}
	m.persist(ctx)
}

// Arm enters the Arming phase at market open: computes ATR, checks
// market-condition gates, and submits both long and short stop-entry
// brackets (spec.md §4.5 Arming).
func (m *Machine) Arm(ctx context.Context, contractID string) error {
	m.transition(ctx, domain.PhaseArming)

	// ATR must be computed before checkGates runs: the ATR-bounds gate
	// reads m.state.CurrentATR, which is zero (and so can never fire) on a
	// cold arm unless it's populated first.
	now := time.Now()
	atrBars, err := m.cache.Bars(ctx, contractID, m.cfg.Symbol, m.cfg.ATRTimeframe, m.cfg.ATRPeriod+1, now)
	if err != nil {
		return fmt.Errorf("strategy: fetch ATR bars: %w", err)
	}
	curATR, ok := currentATR(atrBars, m.cfg.ATRPeriod)
	if !ok {
		return fmt.Errorf("strategy: insufficient bars for ATR(%d)", m.cfg.ATRPeriod)
	}
	m.state.CurrentATR = curATR

	dailyBars, err := m.cache.Bars(ctx, contractID, m.cfg.Symbol, "1d", m.cfg.ATRPeriod+1, now)
	if err != nil {
		return fmt.Errorf("strategy: fetch daily ATR bars: %w", err)
	}
	dATR, ok := dailyATR(dailyBars, m.cfg.ATRPeriod)
	if !ok {
		return fmt.Errorf("strategy: insufficient daily bars for ATR(%d)", m.cfg.ATRPeriod)
	}
	m.state.DailyATR = dATR

	if reason, skip := m.checkGates(); skip {
		m.state.GateSkipReason = reason
		m.log.Info().Str("reason", reason).Msg("arming gate failed, skipping to idle for the day")
		m.transition(ctx, domain.PhaseIdle)
		return nil
	}
	m.state.GateSkipReason = ""

	longEntry := m.state.OvernightHigh + m.cfg.RangeBreakOffset
	longStop := longEntry - m.cfg.StopATRMultiplier*curATR
	longTarget := longEntry + m.cfg.TargetATRMultiplier*dATR

	shortEntry := m.state.OvernightLow - m.cfg.RangeBreakOffset
	shortStop := shortEntry + m.cfg.StopATRMultiplier*curATR
	shortTarget := shortEntry - m.cfg.TargetATRMultiplier*dATR

	longResult, err := m.engine.Submit(ctx, domain.BracketIntent{
		AccountID: m.cfg.AccountID, Symbol: m.cfg.Symbol, Side: domain.SideBuy, Size: 1,
		EntryPrice: longEntry, StopPrice: longStop, TP1Price: longTarget,
	}, m.cfg.Name, 0)
	if err != nil {
		m.log.Warn().Err(err).Msg("long arming submit failed")
	} else {
		m.state.LongArmedOrderID = longResult.EntryOrderID
	}

	shortResult, err := m.engine.Submit(ctx, domain.BracketIntent{
		AccountID: m.cfg.AccountID, Symbol: m.cfg.Symbol, Side: domain.SideSell, Size: 1,
		EntryPrice: shortEntry, StopPrice: shortStop, TP1Price: shortTarget,
	}, m.cfg.Name, 0)
	if err != nil {
		m.log.Warn().Err(err).Msg("short arming submit failed")
	} else {
		m.state.ShortArmedOrderID = shortResult.EntryOrderID
	}

	m.transition(ctx, domain.PhaseManaging)
	return nil
}

// checkGates evaluates the optional market-condition gates (spec.md §4.5).
// All default off (zero value means "no bound").
func (m *Machine) checkGates() (reason string, skip bool) {
	g := m.cfg.Gates
	rangeSize := m.state.OvernightHigh - m.state.OvernightLow

	if g.MinRangeSize > 0 && rangeSize < g.MinRangeSize {
		return "range-too-small", true
	}
	if g.MaxRangeSize > 0 && rangeSize > g.MaxRangeSize {
		return "range-too-large", true
	}
	if g.MinATR > 0 && m.state.CurrentATR > 0 && m.state.CurrentATR < g.MinATR {
		return "atr-below-minimum", true
	}
	if g.MaxATR > 0 && m.state.CurrentATR > g.MaxATR {
		return "atr-above-maximum", true
	}
	if g.DLLProximityPct > 0 && m.lossFrac != nil {
		if m.lossFrac(m.cfg.AccountID) >= g.DLLProximityPct {
			return "dll-proximity", true
		}
	}
	return "", false
}

// EODFlatten flattens any resulting position and cancels the
// still-working armed order on the opposite side (spec.md §4.5 EOD flatten).
func (m *Machine) EODFlatten(ctx context.Context, position domain.Position) error {
	if position.Size > 0 {
		if err := m.engine.Flatten(ctx, m.cfg.AccountID, m.cfg.Symbol, position); err != nil {
			return fmt.Errorf("strategy: EOD flatten: %w", err)
		}
	}
	m.transition(ctx, domain.PhaseFlattened)
	return nil
}

// Reset returns the machine to Idle ahead of the next tracking window.
func (m *Machine) Reset(ctx context.Context) {
	m.state.LongArmedOrderID = ""
	m.state.ShortArmedOrderID = ""
	m.transition(ctx, domain.PhaseIdle)
}

// State returns a snapshot of the machine's current StrategyState.
func (m *Machine) State() domain.StrategyState {
	return m.state
}
