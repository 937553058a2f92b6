package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/cache"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/orders"
	"github.com/overrangefutures/engine/internal/quotehub"
)

type fakeStrategyBroker struct {
	domain.BrokerClient
	mu      sync.Mutex
	bars    []domain.Bar
	placed  []domain.BracketSpec
	nextID  int
}

func (f *fakeStrategyBroker) ResolveContract(ctx context.Context, symbol string) (string, error) {
	return "CON-" + symbol, nil
}

func (f *fakeStrategyBroker) ResolvePointValue(ctx context.Context, symbol string) (float64, error) {
	return 2, nil
}

func (f *fakeStrategyBroker) GetHistoricalBars(ctx context.Context, contractID string, tf domain.Timeframe, from, to int64) ([]domain.Bar, error) {
	return f.bars, nil
}

func (f *fakeStrategyBroker) SubscribeQuotes(ctx context.Context, symbol string, handler domain.QuoteHandler) error {
	return nil
}

func (f *fakeStrategyBroker) PlaceBracket(ctx context.Context, spec domain.BracketSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, spec)
	f.nextID++
	return "bracket-order", nil
}

func barsWithATR(period int, base time.Time, dur time.Duration) []domain.Bar {
	bars := make([]domain.Bar, 0, period+2)
	price := 100.0
	for i := 0; i < period+2; i++ {
		bars = append(bars, domain.Bar{
			Symbol: "MNQ", TF: "5m", OpenTime: base.Add(time.Duration(i) * dur),
			Open: price, High: price + 2, Low: price - 2, Close: price + 1, Volume: 10, Closed: true,
		})
		price += 0.5
	}
	return bars
}

type fakeStrategyStore struct {
	domain.Store
	mu     sync.Mutex
	states map[string]domain.StrategyState
}

func newFakeStrategyStore() *fakeStrategyStore {
	return &fakeStrategyStore{states: make(map[string]domain.StrategyState)}
}

func (f *fakeStrategyStore) key(accountID, strategyName, symbol string) string {
	return accountID + "|" + strategyName + "|" + symbol
}

func (f *fakeStrategyStore) UpsertStrategyState(ctx context.Context, s domain.StrategyState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[f.key(s.AccountID, s.StrategyName, s.Symbol)] = s
	return nil
}

func (f *fakeStrategyStore) GetStrategyState(ctx context.Context, accountID, strategyName, symbol string) (domain.StrategyState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[f.key(accountID, strategyName, symbol)]
	return s, ok, nil
}

func newTestMachine(t *testing.T, broker *fakeStrategyBroker, gates Gates) (*Machine, *fakeStrategyStore) {
	store := newFakeStrategyStore()
	bus := events.NewBus(zerolog.Nop())
	tracker := account.New(zerolog.Nop(), nil, bus, 1000, 2000)
	require.NoError(t, tracker.Arm(context.Background(), domain.Account{ID: "acct1", StartingBalance: 50000}))

	c := cache.New(zerolog.Nop(), nil, broker, cache.DefaultConfig())
	hub := quotehub.New(zerolog.Nop(), broker, nil, bus, 0, nil)
	engine := orders.New(zerolog.Nop(), broker, nil, bus, tracker, nil, orders.Config{MaxPositionSize: 10})

	cfg := Config{
		Name: "overnight-range", AccountID: "acct1", Symbol: "MNQ", Timezone: "UTC",
		OvernightStart: "18:00", OvernightEnd: "09:30", MarketOpen: "09:30", EODExitTime: "15:45",
		ATRPeriod: 14, ATRTimeframe: "5m", StopATRMultiplier: 1.5, TargetATRMultiplier: 3, RangeBreakOffset: 0.5,
		Gates: gates,
	}
	m, err := New(zerolog.Nop(), cfg, c, hub, engine, store, bus, tracker.DailyLossFraction)
	require.NoError(t, err)
	return m, store
}

func TestMachine_TrackingUpdatesOvernightHighLow(t *testing.T) {
	broker := &fakeStrategyBroker{}
	m, _ := newTestMachine(t, broker, Gates{})
	require.NoError(t, m.StartTracking(context.Background()))

	m.onTrackingBar(context.Background(), domain.Bar{High: 105, Low: 98})
	m.onTrackingBar(context.Background(), domain.Bar{High: 110, Low: 95})
	m.onTrackingBar(context.Background(), domain.Bar{High: 103, Low: 101})

	require.Equal(t, 110.0, m.State().OvernightHigh)
	require.Equal(t, 95.0, m.State().OvernightLow)
}

func TestMachine_ArmSubmitsBothSidesAndTransitionsToManaging(t *testing.T) {
	broker := &fakeStrategyBroker{bars: barsWithATR(14, time.Now().Add(-2*time.Hour), 5*time.Minute)}
	m, store := newTestMachine(t, broker, Gates{})
	m.state.OvernightHigh = 110
	m.state.OvernightLow = 95

	require.NoError(t, m.Arm(context.Background(), "CON-MNQ"))
	require.Equal(t, domain.PhaseManaging, m.State().Phase)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.placed, 2)

	persisted, ok, err := store.GetStrategyState(context.Background(), "acct1", "overnight-range", "MNQ")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PhaseManaging, persisted.Phase)
}

func TestMachine_ArmingGateSkipsToIdleWhenRangeTooSmall(t *testing.T) {
	broker := &fakeStrategyBroker{bars: barsWithATR(14, time.Now().Add(-2*time.Hour), 5*time.Minute)}
	m, _ := newTestMachine(t, broker, Gates{MinRangeSize: 50})
	m.state.OvernightHigh = 110
	m.state.OvernightLow = 105 // range of 5, below the 50 minimum

	require.NoError(t, m.Arm(context.Background(), "CON-MNQ"))
	require.Equal(t, domain.PhaseIdle, m.State().Phase)
	require.Equal(t, "range-too-small", m.State().GateSkipReason)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Empty(t, broker.placed, "no brackets should be submitted when a gate skips arming")
}

func TestMachine_ArmingGateSkipsWhenATRBelowMinimum(t *testing.T) {
	// barsWithATR's bars have a true range of ~4 points per bar, well under
	// a 1000-point MinATR floor, so the gate must fire on a cold arm with
	// no prior CurrentATR. This only works if ATR is computed before the
	// gate check runs.
	broker := &fakeStrategyBroker{bars: barsWithATR(14, time.Now().Add(-2*time.Hour), 5*time.Minute)}
	m, _ := newTestMachine(t, broker, Gates{MinATR: 1000})
	m.state.OvernightHigh = 110
	m.state.OvernightLow = 95

	require.NoError(t, m.Arm(context.Background(), "CON-MNQ"))
	require.Equal(t, domain.PhaseIdle, m.State().Phase)
	require.Equal(t, "atr-below-minimum", m.State().GateSkipReason)
	require.NotZero(t, m.State().CurrentATR, "ATR must be computed even when the gate skips arming")

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Empty(t, broker.placed, "no brackets should be submitted when the ATR gate skips arming")
}

func TestMachine_EODFlattenResetsToFlattenedThenIdle(t *testing.T) {
	broker := &fakeStrategyBroker{}
	m, _ := newTestMachine(t, broker, Gates{})

	require.NoError(t, m.EODFlatten(context.Background(), domain.Position{}))
	require.Equal(t, domain.PhaseFlattened, m.State().Phase)

	m.Reset(context.Background())
	require.Equal(t, domain.PhaseIdle, m.State().Phase)
	require.Empty(t, m.State().LongArmedOrderID)
}
