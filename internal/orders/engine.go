// Package orders is the order lifecycle engine (spec.md §4.4), the heart
// of the system: given a BracketIntent it guarantees the intent either
// becomes a live protected position, is cleanly cancelled, or fails
// terminally with a logged, surfaced reason — never partial/orphaned
// state. Grounded on the teacher's internal/work/processor.go (single
// owning actor per unit of work, retry-queue shape) for the state-machine
// discipline, and internal/clients/tradernet/client.go for the
// native-bracket-then-fallback call sequence.
package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/queue"
)

const (
	defaultTP1Fraction  = 0.75
	fillWatchInterval   = 1 * time.Second
	fillWatchMaxWait    = time.Hour
	defaultBreakevenPts = 15.0
)

// Engine owns the BracketIntent state machine end to end: submit, native
// bracket or fallback, staged TP1/TP2, breakeven, flatten, reconcile.
type Engine struct {
	log     zerolog.Logger
	broker  domain.BrokerClient
	store   domain.Store
	bus     *events.Bus
	tracker *account.Tracker
	q       *queue.Manager

	cfg Config

	mu   sync.Mutex
	seq  map[string]*int64 // "{strategy}-{account}-{symbol}" -> monotonic seq counter
	last map[string]time.Time // "(account,symbol,side)" -> last submit time, for debounce

	lastReconcileActivity time.Time
}

// Config carries the order-policy fields of the configuration surface
// (spec.md §6): position sizing, staged-exit fraction, debounce, and the
// breakeven/auto-bracket tick offsets.
type Config struct {
	MaxPositionSize       int
	TP1Fraction           float64
	DebounceWindow        time.Duration
	BreakevenEnabled      bool
	BreakevenProfitPoints float64
	AutoBracketStopTicks  int
	AutoBracketTargetTicks int
	TickSize              float64
}

func New(log zerolog.Logger, broker domain.BrokerClient, store domain.Store, bus *events.Bus, tracker *account.Tracker, q *queue.Manager, cfg Config) *Engine {
	if cfg.TP1Fraction <= 0 {
		cfg.TP1Fraction = defaultTP1Fraction
	}
	if cfg.BreakevenProfitPoints <= 0 {
		cfg.BreakevenProfitPoints = defaultBreakevenPts
	}
	return &Engine{
		log: log.With().Str("component", "orders").Logger(), broker: broker, store: store,
		bus: bus, tracker: tracker, q: q, cfg: cfg,
		seq: make(map[string]*int64), last: make(map[string]time.Time),
	}
}

// Submit validates and runs the submit path for a new bracket intent
// (spec.md §4.4 steps 1-3): debounce, position-cap, compliance gate,
// correlation tag assignment, then attempt the native atomic bracket.
func (e *Engine) Submit(ctx context.Context, intent domain.BracketIntent, strategyName string, currentNetPosition int) (domain.BracketIntent, error) {
	if e.debounced(intent.AccountID, intent.Symbol, string(intent.Side)) {
		intent.State = domain.BracketFailed
		intent.RejectReason = domain.ReasonDebounced
		return intent, fmt.Errorf("orders: %w", errDebounced)
	}

	if currentNetPosition+intent.Size > e.cfg.MaxPositionSize {
		intent.State = domain.BracketFailed
		intent.RejectReason = domain.ReasonPositionCap
		return intent, fmt.Errorf("orders: position cap exceeded")
	}

	pointValue, err := e.broker.ResolvePointValue(ctx, intent.Symbol)
	if err != nil {
		intent.State = domain.BracketFailed
		intent.RejectReason = domain.ReasonBrokerRejected
		return intent, fmt.Errorf("orders: resolve point value: %w", err)
	}
	worstCase := float64(intent.Size) * absf(intent.EntryPrice-intent.StopPrice) * pointValue
	if err := e.tracker.CheckDailyLossLimit(intent.AccountID, worstCase); err != nil {
		intent.State = domain.BracketFailed
		intent.RejectReason = domain.ReasonComplianceDLL
		return intent, fmt.Errorf("orders: %w", err)
	}

	intent.CorrelationTag = e.nextCorrelationTag(strategyName, intent.AccountID, intent.Symbol)
	intent.State = domain.BracketSubmitting
	intent.StrategyName = strategyName
	if intent.TP1Fraction == 0 && intent.TP2Price != nil {
		intent.TP1Fraction = e.cfg.TP1Fraction
	}
	intent.CreatedAt = time.Now().UTC()
	intent.UpdatedAt = intent.CreatedAt

	if e.store != nil {
		if id, err := e.store.UpsertBracket(ctx, intent); err != nil {
			return intent, fmt.Errorf("orders: persist intent: %w", err)
		} else {
			intent.ID = id
		}
	}

	return e.tryNativeBracket(ctx, intent)
}

var errDebounced = fmt.Errorf("signal debounced: a recent submission is still within the debounce window")

func (e *Engine) debounced(accountID, symbol, side string) bool {
	if e.cfg.DebounceWindow <= 0 {
		return false
	}
	key := accountID + "|" + symbol + "|" + side
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if last, ok := e.last[key]; ok && now.Sub(last) < e.cfg.DebounceWindow {
		return true
	}
	e.last[key] = now
	return false
}

func (e *Engine) nextCorrelationTag(strategy, accountID, symbol string) string {
	key := strategy + "-" + accountID + "-" + symbol
	e.mu.Lock()
	counter, ok := e.seq[key]
	if !ok {
		var n int64
		counter = &n
		e.seq[key] = counter
	}
	e.mu.Unlock()
	n := atomic.AddInt64(counter, 1)
	return fmt.Sprintf("%s-%d", key, n)
}

// tryNativeBracket attempts the atomic place_bracket call; on a
// "brackets not enabled" rejection it falls back to entry-only plus a
// fill-watch task (spec.md §4.4 steps 3-4).
func (e *Engine) tryNativeBracket(ctx context.Context, intent domain.BracketIntent) (domain.BracketIntent, error) {
	contractID, err := e.broker.ResolveContract(ctx, intent.Symbol)
	if err != nil {
		return e.fail(ctx, intent, domain.ReasonBrokerRejected, err)
	}

	orderID, err := e.broker.PlaceBracket(ctx, domain.BracketSpec{
		AccountID: intent.AccountID, ContractID: contractID, Side: intent.Side,
		Type: domain.OrderTypeStop, Size: intent.Size, EntryPrice: intent.EntryPrice,
		StopLossPrice: intent.StopPrice, TakeProfitPrice: intent.TP1Price, CustomTag: intent.CorrelationTag,
	})
	if err == nil {
		intent.State = domain.BracketArmed
		intent.EntryOrderID = orderID
		e.persist(ctx, &intent)
		e.publish(&events.BracketPlacedData{
			AccountID: intent.AccountID, Symbol: intent.Symbol, Side: string(intent.Side),
			Size: intent.Size, EntryPrice: intent.EntryPrice, StopPrice: intent.StopPrice, Native: true,
		})
		return intent, nil
	}

	if !isBracketsDisabledRejection(err) {
		return e.fail(ctx, intent, domain.ReasonBrokerRejected, err)
	}

	// Fallback path: entry-only order, fill-watch enqueued on the priority queue.
	var limit *float64
	entryOrderID, err := e.broker.PlaceOrder(ctx, domain.OrderSpec{
		AccountID: intent.AccountID, ContractID: contractID, Side: intent.Side,
		Type: domain.OrderTypeStop, Size: intent.Size, StopPrice: &intent.EntryPrice, LimitPrice: limit,
		CustomTag: intent.CorrelationTag,
	})
	if err != nil {
		return e.fail(ctx, intent, domain.ReasonBrokerRejected, err)
	}

	intent.State = domain.BracketEntryWorking
	intent.EntryOrderID = entryOrderID
	e.persist(ctx, &intent)
	e.publish(&events.BracketPlacedData{
		AccountID: intent.AccountID, Symbol: intent.Symbol, Side: string(intent.Side),
		Size: intent.Size, EntryPrice: intent.EntryPrice, StopPrice: intent.StopPrice, Native: false,
	})

	e.enqueueFillWatch(intent, contractID)
	return intent, nil
}

// bracketsNotEnabledReason is the broker's rejection text for an account
// that can't use the native atomic bracket endpoint (spec.md §4.1/§4.4).
// Any other KindRejected cause (margin, contract, session) is terminal.
const bracketsNotEnabledReason = "brackets not enabled"

func isBracketsDisabledRejection(err error) bool {
	be, ok := err.(*domain.BrokerError)
	return ok && be.Kind == domain.KindRejected && strings.Contains(strings.ToLower(be.Reason), bracketsNotEnabledReason)
}

func (e *Engine) fail(ctx context.Context, intent domain.BracketIntent, reason domain.RejectReason, cause error) (domain.BracketIntent, error) {
	intent.State = domain.BracketFailed
	intent.RejectReason = reason
	intent.FailureDetail = cause.Error()
	e.persist(ctx, &intent)
	e.publish(&events.ErrorData{Component: "orders", Message: cause.Error()})
	return intent, cause
}

func (e *Engine) persist(ctx context.Context, intent *domain.BracketIntent) {
	if e.store == nil {
		return
	}
	intent.UpdatedAt = time.Now().UTC()
	if id, err := e.store.UpsertBracket(ctx, *intent); err != nil {
		e.log.Warn().Err(err).Str("tag", intent.CorrelationTag).Msg("failed to persist bracket intent")
	} else {
		intent.ID = id
	}
}

func (e *Engine) publish(d events.Data) {
	if e.bus != nil {
		e.bus.Publish(d)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
