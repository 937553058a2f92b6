package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
)

type fakeBroker struct {
	domain.BrokerClient
	mu             sync.Mutex
	bracketsDenied bool
	rejectReason   string // Reason to return when bracketsDenied; defaults to the brackets-not-enabled text
	placedOrders   []domain.OrderSpec
	orders         map[string]domain.Order
	nextID         int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{orders: make(map[string]domain.Order)}
}

func (f *fakeBroker) ResolveContract(ctx context.Context, symbol string) (string, error) {
	return "CON-" + symbol, nil
}

func (f *fakeBroker) ResolvePointValue(ctx context.Context, symbol string) (float64, error) {
	return 2, nil
}

func (f *fakeBroker) PlaceBracket(ctx context.Context, spec domain.BracketSpec) (string, error) {
	if f.bracketsDenied {
		reason := f.rejectReason
		if reason == "" {
			reason = "brackets not enabled"
		}
		return "", &domain.BrokerError{Kind: domain.KindRejected, Reason: reason}
	}
	return f.newID(), nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placedOrders = append(f.placedOrders, spec)
	id := f.newID()
	f.orders[id] = domain.Order{ID: id, AccountID: spec.AccountID, Symbol: spec.ContractID, Side: spec.Side, Status: domain.OrderStatusWorking}
	return id, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID], nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeBroker) ListOpenOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeBroker) newID() string {
	f.nextID++
	return "order-" + string(rune('A'+f.nextID))
}

func newTestEngine(t *testing.T, broker *fakeBroker) *Engine {
	bus := events.NewBus(zerolog.Nop())
	tracker := account.New(zerolog.Nop(), nil, nil, 1000, 2000)
	require.NoError(t, tracker.Arm(context.Background(), domain.Account{ID: "acct1", StartingBalance: 50000}))
	return New(zerolog.Nop(), broker, nil, bus, tracker, nil, Config{MaxPositionSize: 10, TP1Fraction: 0.75})
}

func TestEngine_SubmitNativeBracketSucceeds(t *testing.T) {
	broker := newFakeBroker()
	e := newTestEngine(t, broker)

	intent := domain.BracketIntent{
		AccountID: "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 2,
		EntryPrice: 19000, StopPrice: 18980, TP1Price: 19020,
	}
	result, err := e.Submit(context.Background(), intent, "overnight-range", 0)
	require.NoError(t, err)
	require.Equal(t, domain.BracketArmed, result.State)
	require.NotEmpty(t, result.CorrelationTag)
}

func TestEngine_SubmitRejectsOverPositionCap(t *testing.T) {
	broker := newFakeBroker()
	e := newTestEngine(t, broker)

	intent := domain.BracketIntent{AccountID: "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 5, EntryPrice: 19000, StopPrice: 18980}
	_, err := e.Submit(context.Background(), intent, "strat", 8)
	require.Error(t, err)
}

func TestEngine_DebounceRejectsSecondSubmitWithinWindow(t *testing.T) {
	broker := newFakeBroker()
	e := newTestEngine(t, broker)
	e.cfg.DebounceWindow = 1000 * 1000 * 1000 * 60 // 1 minute in ns, avoids importing time twice

	intent := domain.BracketIntent{AccountID: "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 1, EntryPrice: 19000, StopPrice: 18980}
	_, err := e.Submit(context.Background(), intent, "strat", 0)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), intent, "strat", 0)
	require.Error(t, err)
}

func TestEngine_SubmitFallsBackOnBracketsNotEnabled(t *testing.T) {
	broker := newFakeBroker()
	broker.bracketsDenied = true
	broker.rejectReason = "brackets not enabled for this account"
	e := newTestEngine(t, broker)

	intent := domain.BracketIntent{AccountID: "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 2, EntryPrice: 19000, StopPrice: 18980}
	result, err := e.Submit(context.Background(), intent, "overnight-range", 0)
	require.NoError(t, err)
	require.Equal(t, domain.BracketEntryWorking, result.State)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.placedOrders, 1)
}

func TestEngine_SubmitFailsTerminalOnGenericRejection(t *testing.T) {
	broker := newFakeBroker()
	broker.bracketsDenied = true
	broker.rejectReason = "insufficient margin"
	e := newTestEngine(t, broker)

	intent := domain.BracketIntent{AccountID: "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 2, EntryPrice: 19000, StopPrice: 18980}
	result, err := e.Submit(context.Background(), intent, "overnight-range", 0)
	require.Error(t, err)
	require.Equal(t, domain.BracketFailed, result.State)
	require.Equal(t, domain.ReasonBrokerRejected, result.RejectReason)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Empty(t, broker.placedOrders, "a margin rejection must not place an unprotected entry order")
}

func TestEngine_FlattenCancelsOrdersAndSubmitsMarketExit(t *testing.T) {
	broker := newFakeBroker()
	e := newTestEngine(t, broker)

	position := domain.Position{AccountID: "acct1", Symbol: "MNQ", Side: domain.PositionLong, Size: 2, AvgPrice: 19000}
	require.NoError(t, e.Flatten(context.Background(), "acct1", "MNQ", position))

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.placedOrders, 1)
	require.Equal(t, domain.OrderTypeMarket, broker.placedOrders[0].Type)
	require.Equal(t, domain.SideSell, broker.placedOrders[0].Side)
}
