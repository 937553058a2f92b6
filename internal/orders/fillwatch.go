package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/queue"
)

// enqueueFillWatch polls get_order(entry-id) every second for up to an hour
// (spec.md §4.4 step 4). On fill it places the stop/TP legs; on
// cancelled/rejected it marks the intent terminal.
func (e *Engine) enqueueFillWatch(intent domain.BracketIntent, contractID string) {
	if e.q == nil {
		e.log.Error().Str("tag", intent.CorrelationTag).Msg("no queue configured, cannot fill-watch")
		return
	}
	if err := e.q.Submit(&queue.Task{
		Name:     "fill-watch:" + intent.CorrelationTag,
		Priority: queue.PriorityHigh,
		Timeout:  fillWatchMaxWait,
		Run: func(ctx context.Context) error {
			return e.watchEntryFill(ctx, intent, contractID)
		},
	}); err != nil {
		e.log.Error().Err(err).Str("tag", intent.CorrelationTag).Msg("failed to enqueue fill-watch task")
	}
}

func (e *Engine) watchEntryFill(ctx context.Context, intent domain.BracketIntent, contractID string) error {
	deadline := time.Now().Add(fillWatchMaxWait)
	ticker := time.NewTicker(fillWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		order, err := e.broker.GetOrder(ctx, intent.EntryOrderID)
		if err != nil {
			e.log.Warn().Err(err).Str("tag", intent.CorrelationTag).Msg("fill-watch: get_order failed, retrying")
			continue
		}

		switch order.Status {
		case domain.OrderStatusFilled:
			return e.onEntryFilled(ctx, intent, contractID)
		case domain.OrderStatusCancelled, domain.OrderStatusRejected:
			intent.State = domain.BracketFailed
			intent.RejectReason = domain.ReasonBrokerRejected
			intent.FailureDetail = "entry order " + string(order.Status)
			e.persist(ctx, &intent)
			return nil
		}

		if time.Now().After(deadline) {
			intent.State = domain.BracketFailed
			intent.RejectReason = domain.ReasonFillTimeout
			e.persist(ctx, &intent)
			if err := e.broker.CancelOrder(ctx, intent.EntryOrderID); err != nil {
				e.log.Warn().Err(err).Msg("fill-watch: failed to cancel timed-out entry order")
			}
			return fmt.Errorf("orders: fill-watch timeout for %s", intent.CorrelationTag)
		}
	}
}

// onEntryFilled places the stop-loss and take-profit legs (staged TP1/TP2
// when configured) once the fallback entry order reports filled
// (spec.md §4.4 steps 4-5).
func (e *Engine) onEntryFilled(ctx context.Context, intent domain.BracketIntent, contractID string) error {
	exitSide := intent.Side.Opposite()

	q1, q2 := intent.StagedSizes()

	stopID, err := e.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: intent.AccountID, ContractID: contractID, Side: exitSide,
		Type: domain.OrderTypeStop, Size: intent.Size, StopPrice: &intent.StopPrice, CustomTag: intent.CorrelationTag + "-stop",
	})
	if err != nil {
		return e.failProtection(ctx, intent, err)
	}
	intent.StopOrderID = stopID

	tp1ID, err := e.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: intent.AccountID, ContractID: contractID, Side: exitSide,
		Type: domain.OrderTypeLimit, Size: q1, LimitPrice: &intent.TP1Price, CustomTag: intent.CorrelationTag + "-tp1",
	})
	if err != nil {
		return e.failProtection(ctx, intent, err)
	}
	intent.TP1OrderID = tp1ID

	if q2 > 0 && intent.TP2Price != nil {
		tp2ID, err := e.broker.PlaceOrder(ctx, domain.OrderSpec{
			AccountID: intent.AccountID, ContractID: contractID, Side: exitSide,
			Type: domain.OrderTypeLimit, Size: q2, LimitPrice: intent.TP2Price, CustomTag: intent.CorrelationTag + "-tp2",
		})
		if err != nil {
			return e.failProtection(ctx, intent, err)
		}
		intent.TP2OrderID = tp2ID
	}

	intent.State = domain.BracketProtected
	e.persist(ctx, &intent)
	e.publish(&events.EntryFilledData{
		AccountID: intent.AccountID, Symbol: intent.Symbol, Side: string(intent.Side),
		Size: intent.Size, FillPrice: intent.EntryPrice,
	})
	return nil
}

func (e *Engine) failProtection(ctx context.Context, intent domain.BracketIntent, cause error) error {
	intent.State = domain.BracketFailed
	intent.RejectReason = domain.ReasonBrokerRejected
	intent.FailureDetail = "failed to attach protection: " + cause.Error()
	e.persist(ctx, &intent)
	e.publish(&events.ErrorData{Component: "orders", Message: intent.FailureDetail})
	return cause
}
