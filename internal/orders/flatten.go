package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/overrangefutures/engine/internal/domain"
)

// Flatten cancels all working orders for (accountID, symbol) then submits
// an opposite-side market order sized to the current position (spec.md
// §4.4 Flatten). Confirmed by a later reconciler sweep, not here. Each
// flatten operation is tagged with a fresh uuid so broker-side logs can
// correlate the cancel+market-order pair even though they aren't a single
// atomic call.
func (e *Engine) Flatten(ctx context.Context, accountID, symbol string, position domain.Position) error {
	tag := "flatten-" + uuid.New().String()
	log := e.log.With().Str("flatten_tag", tag).Str("symbol", symbol).Logger()

	openOrders, err := e.broker.ListOpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("orders: flatten: list open orders: %w", err)
	}
	for _, o := range openOrders {
		if o.Symbol != symbol || o.Status.IsTerminal() {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("flatten: failed to cancel working order")
		}
	}

	if position.Size <= 0 {
		return nil
	}

	contractID, err := e.broker.ResolveContract(ctx, symbol)
	if err != nil {
		return fmt.Errorf("orders: flatten: resolve contract: %w", err)
	}

	exitSide := domain.SideBuy
	if position.Side == domain.PositionLong {
		exitSide = domain.SideSell
	}

	if _, err := e.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: accountID, ContractID: contractID, Side: exitSide,
		Type: domain.OrderTypeMarket, Size: position.Size, CustomTag: tag,
	}); err != nil {
		return fmt.Errorf("orders: flatten: place market order: %w", err)
	}
	log.Info().Int("size", position.Size).Msg("flatten market order submitted")
	return nil
}

// FlattenAll flattens every open position on an account. Nothing in the
// engine calls it on an MLL breach: CheckMaximumLossLimit only reports the
// breach, and no caller of that gate exists outside its tests.
func (e *Engine) FlattenAll(ctx context.Context, accountID string) error {
	positions, err := e.broker.ListOpenPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("orders: flatten all: list positions: %w", err)
	}
	var firstErr error
	for _, p := range positions {
		if err := e.Flatten(ctx, accountID, p.Symbol, p); err != nil {
			e.log.Error().Err(err).Str("symbol", p.Symbol).Msg("flatten-all: failed to flatten position")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
