package orders

import (
	"context"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
)

// CheckBreakeven applies the optional per-strategy breakeven adjustment
// (spec.md §4.4): once unrealized profit on a protected position reaches
// the configured point threshold, the stop-loss is moved to entry price,
// at most once per bracket. Takes the position's current price; nothing in
// the engine calls it on quote or bar-close updates.
func (e *Engine) CheckBreakeven(ctx context.Context, intent *domain.BracketIntent, currentPrice float64) error {
	if !e.cfg.BreakevenEnabled || intent.BreakevenDone || intent.State != domain.BracketProtected {
		return nil
	}

	var profitPoints float64
	if intent.Side == domain.SideBuy {
		profitPoints = currentPrice - intent.EntryPrice
	} else {
		profitPoints = intent.EntryPrice - currentPrice
	}
	if profitPoints < e.cfg.BreakevenProfitPoints {
		return nil
	}

	newStop := intent.EntryPrice
	if err := e.broker.ModifyOrder(ctx, intent.StopOrderID, &newStop, nil); err != nil {
		return err
	}
	intent.BreakevenDone = true
	intent.StopPrice = newStop
	e.persist(ctx, intent)
	e.publish(&events.BreakevenAdjustedData{AccountID: intent.AccountID, Symbol: intent.Symbol, NewStop: newStop})
	return nil
}

// OnTP1Filled narrows the stop-loss down to the remaining q2 size once the
// TP1 leg fills, protecting the trailing remainder (spec.md §4.4 step 5).
func (e *Engine) OnTP1Filled(ctx context.Context, intent *domain.BracketIntent) error {
	_, q2 := intent.StagedSizes()
	if q2 <= 0 {
		return nil
	}
	q2f := float64(q2)
	if err := e.broker.ModifyOrder(ctx, intent.StopOrderID, nil, &q2f); err != nil {
		return err
	}
	e.persist(ctx, intent)
	return nil
}

// OnExitFilled finalizes a bracket once its stop or remaining take-profit
// leg fills, recording realized PnL with the account tracker and marking
// the intent terminal.
func (e *Engine) OnExitFilled(ctx context.Context, intent *domain.BracketIntent, leg domain.BracketLeg, fillPrice float64, size int) error {
	pointValue, err := e.broker.ResolvePointValue(ctx, intent.Symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("failed to resolve point value for realized PnL, recording raw points")
		pointValue = 1
	}

	var realized float64
	if intent.Side == domain.SideBuy {
		realized = (fillPrice - intent.EntryPrice) * float64(size) * pointValue
	} else {
		realized = (intent.EntryPrice - fillPrice) * float64(size) * pointValue
	}
	if err := e.tracker.RecordFill(intent.AccountID, realized, 0, 0); err != nil {
		e.log.Warn().Err(err).Msg("failed to record fill on account tracker")
	}

	intent.State = domain.BracketClosed
	e.persist(ctx, intent)
	e.publish(&events.ExitFilledData{
		AccountID: intent.AccountID, Symbol: intent.Symbol, Leg: string(leg),
		Size: size, FillPrice: fillPrice, RealizedPnL: realized,
	})
	return nil
}
