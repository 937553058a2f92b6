package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/queue"
)

// Default N/M auto-bracket offsets (spec.md §4.4: "N, M configurable"),
// applied when the config surface leaves AutoBracketStopTicks/TargetTicks
// unset. Scenario: a 10-tick default stop with a 20-tick default target.
const (
	defaultAutoBracketStopTicks   = 10
	defaultAutoBracketTargetTicks = 20
)

const (
	reconcileActiveCadence = 10 * time.Second
	reconcileIdleCadence   = 30 * time.Second
	recentActivityWindow   = 5 * time.Minute
)

// Reconciler polls open orders/positions at an adaptive cadence and
// detects unprotected positions for auto-bracket (spec.md §4.4
// Reconciliation). It does not update Position from fills or from orders
// reaching a terminal status.
type Reconciler struct {
	engine    *Engine
	accountID string

	autoBracketStopTicks   int
	autoBracketTargetTicks int
	tickSize               float64
}

func NewReconciler(e *Engine, accountID string) *Reconciler {
	return &Reconciler{
		engine: e, accountID: accountID,
		autoBracketStopTicks: e.cfg.AutoBracketStopTicks, autoBracketTargetTicks: e.cfg.AutoBracketTargetTicks,
		tickSize: e.cfg.TickSize,
	}
}

// Run loops until ctx is cancelled, polling at the adaptive cadence.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		cadence := r.cadence()
		select {
		case <-ctx.Done():
			return
		case <-time.After(cadence):
		}
		if err := r.tick(ctx); err != nil {
			r.engine.log.Warn().Err(err).Msg("reconciler tick failed")
		}
	}
}

func (r *Reconciler) cadence() time.Duration {
	r.engine.mu.Lock()
	last := r.engine.lastReconcileActivity
	r.engine.mu.Unlock()
	if time.Since(last) < recentActivityWindow {
		return reconcileActiveCadence
	}
	return reconcileIdleCadence
}

func (r *Reconciler) tick(ctx context.Context) error {
	orders, err := r.engine.broker.ListOpenOrders(ctx, r.accountID)
	if err != nil {
		return err
	}
	positions, err := r.engine.broker.ListOpenPositions(ctx, r.accountID)
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		r.engine.mu.Lock()
		r.engine.lastReconcileActivity = time.Now()
		r.engine.mu.Unlock()
	}

	for _, p := range positions {
		if p.Size > 0 && !p.IsProtected() {
			r.enqueueAutoBracket(p)
		}
	}
	return nil
}

// enqueueAutoBracket places the protective-bracket work for an unprotected
// position on the priority task queue (spec.md §4.4 Reconciliation) rather
// than placing it synchronously inside the reconciler's poll tick, so a slow
// or retried broker call never stalls the next tick.
func (r *Reconciler) enqueueAutoBracket(p domain.Position) {
	if r.engine.q == nil {
		r.engine.log.Error().Str("symbol", p.Symbol).Msg("no queue configured, cannot auto-bracket")
		return
	}
	tag := fmt.Sprintf("auto-bracket-%s-%s-%d", p.AccountID, p.Symbol, time.Now().UnixNano())
	if err := r.engine.q.Submit(&queue.Task{
		Name:     tag,
		Priority: queue.PriorityHigh,
		Run: func(ctx context.Context) error {
			return r.autoBracket(ctx, p, tag)
		},
	}); err != nil {
		r.engine.log.Error().Err(err).Str("symbol", p.Symbol).Msg("failed to enqueue auto-bracket task")
	}
}

// autoBracket computes a default stop/target (N/M ticks from entry) and
// submits a protective bracket for a position the broker reports as open
// but the engine finds unprotected — e.g. after a restart that lost the
// in-memory intent, or a manual trade placed outside the engine.
func (r *Reconciler) autoBracket(ctx context.Context, p domain.Position, tag string) error {
	contractID, err := r.engine.broker.ResolveContract(ctx, p.Symbol)
	if err != nil {
		r.engine.log.Error().Err(err).Str("symbol", p.Symbol).Msg("auto-bracket: resolve contract failed")
		return err
	}

	tick := r.tickSize
	if tick <= 0 {
		tick = 0.25
	}
	stopTicks := r.autoBracketStopTicks
	if stopTicks == 0 {
		stopTicks = defaultAutoBracketStopTicks
	}
	targetTicks := r.autoBracketTargetTicks
	if targetTicks == 0 {
		targetTicks = defaultAutoBracketTargetTicks
	}
	stopOffset := float64(stopTicks) * tick
	targetOffset := float64(targetTicks) * tick

	var stopPrice, targetPrice float64
	if p.Side == domain.PositionLong {
		stopPrice = p.AvgPrice - stopOffset
		targetPrice = p.AvgPrice + targetOffset
	} else {
		stopPrice = p.AvgPrice + stopOffset
		targetPrice = p.AvgPrice - targetOffset
	}

	side := domain.SideBuy
	if p.Side == domain.PositionLong {
		side = domain.SideSell
	}

	stopID, err := r.engine.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: p.AccountID, ContractID: contractID, Side: side,
		Type: domain.OrderTypeStop, Size: p.Size, StopPrice: &stopPrice, CustomTag: tag + "-stop",
	})
	if err != nil {
		r.engine.log.Error().Err(err).Str("symbol", p.Symbol).Msg("auto-bracket: place stop failed")
		return err
	}
	if _, err := r.engine.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: p.AccountID, ContractID: contractID, Side: side,
		Type: domain.OrderTypeLimit, Size: p.Size, LimitPrice: &targetPrice, CustomTag: tag + "-target",
	}); err != nil {
		r.engine.log.Error().Err(err).Str("symbol", p.Symbol).Msg("auto-bracket: place target failed")
		return err
	}
	r.engine.log.Warn().Str("symbol", p.Symbol).Str("stop_order_id", stopID).
		Msg("auto-bracket attached to unprotected position found by reconciler")
	return nil
}
