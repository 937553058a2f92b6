package quotehub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
)

// fakeBroker implements just enough of domain.BrokerClient for hub tests:
// SubscribeQuotes captures the handler so the test can feed quotes directly.
type fakeBroker struct {
	domain.BrokerClient
	mu       sync.Mutex
	handlers map[string]domain.QuoteHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]domain.QuoteHandler)}
}

func (f *fakeBroker) SubscribeQuotes(ctx context.Context, symbol string, h domain.QuoteHandler) error {
	f.mu.Lock()
	f.handlers[symbol] = h
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) UnsubscribeQuotes(symbol string) error {
	f.mu.Lock()
	delete(f.handlers, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) push(q domain.Quote) {
	f.mu.Lock()
	h := f.handlers[q.Symbol]
	f.mu.Unlock()
	if h != nil {
		h(q)
	}
}

func TestHub_ClosesBarOnIntervalCross(t *testing.T) {
	broker := newFakeBroker()
	hub := New(zerolog.Nop(), broker, nil, nil, 0, nil)

	require.NoError(t, hub.Watch(context.Background(), "MNQ"))

	var mu sync.Mutex
	var closedBars []domain.Bar
	hub.Subscribe("MNQ", "1m", func(b domain.Bar) {
		mu.Lock()
		closedBars = append(closedBars, b)
		mu.Unlock()
	})

	base := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	broker.push(domain.Quote{Symbol: "MNQ", Price: 100, Size: 1, Timestamp: base})
	broker.push(domain.Quote{Symbol: "MNQ", Price: 105, Size: 2, Timestamp: base.Add(20 * time.Second)})
	broker.push(domain.Quote{Symbol: "MNQ", Price: 95, Size: 1, Timestamp: base.Add(40 * time.Second)})
	// Crosses into the next 1m interval: closes the first bar.
	broker.push(domain.Quote{Symbol: "MNQ", Price: 110, Size: 3, Timestamp: base.Add(61 * time.Second)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closedBars) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	b := closedBars[0]
	require.Equal(t, 100.0, b.Open)
	require.Equal(t, 105.0, b.High)
	require.Equal(t, 95.0, b.Low)
	require.Equal(t, 95.0, b.Close)
	require.Equal(t, int64(4), b.Volume)
	require.True(t, b.Closed)
}

func TestHub_DropsLateQuoteAfterBarClose(t *testing.T) {
	broker := newFakeBroker()
	hub := New(zerolog.Nop(), broker, nil, nil, 0, nil)
	require.NoError(t, hub.Watch(context.Background(), "MNQ"))

	var mu sync.Mutex
	var closedBars []domain.Bar
	hub.Subscribe("MNQ", "1m", func(b domain.Bar) {
		mu.Lock()
		closedBars = append(closedBars, b)
		mu.Unlock()
	})

	base := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	broker.push(domain.Quote{Symbol: "MNQ", Price: 100, Size: 1, Timestamp: base})
	broker.push(domain.Quote{Symbol: "MNQ", Price: 110, Size: 1, Timestamp: base.Add(61 * time.Second)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closedBars) == 1
	}, time.Second, 5*time.Millisecond)

	// Late quote stamped before the closed bar's interval: must not reopen it.
	broker.push(domain.Quote{Symbol: "MNQ", Price: 999, Size: 1, Timestamp: base.Add(5 * time.Second)})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closedBars, 1)
	require.Equal(t, 100.0, closedBars[0].Open)
}

func TestHub_DebouncesPnLUpdates(t *testing.T) {
	broker := newFakeBroker()
	var mu sync.Mutex
	var calls int
	hub := New(zerolog.Nop(), broker, nil, nil, 50*time.Millisecond, func(symbol string, price float64, ts time.Time) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, hub.Watch(context.Background(), "MNQ"))

	now := time.Now()
	broker.push(domain.Quote{Symbol: "MNQ", Price: 1, Size: 1, Timestamp: now})
	broker.push(domain.Quote{Symbol: "MNQ", Price: 2, Size: 1, Timestamp: now.Add(10 * time.Millisecond)})
	broker.push(domain.Quote{Symbol: "MNQ", Price: 3, Size: 1, Timestamp: now.Add(20 * time.Millisecond)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, calls, 2) // first immediate + at most one deferred, never 3
}

// TestHub_EmitsClosedBarsInOrderPerSymbolTimeframe guards against a
// regression to one-goroutine-per-bar emission, which let two
// back-to-back closes for the same (symbol, timeframe) race and publish
// out of open-time order.
func TestHub_EmitsClosedBarsInOrderPerSymbolTimeframe(t *testing.T) {
	broker := newFakeBroker()
	hub := New(zerolog.Nop(), broker, nil, nil, 0, nil)
	require.NoError(t, hub.Watch(context.Background(), "MNQ"))

	var mu sync.Mutex
	var openTimes []time.Time
	hub.Subscribe("MNQ", "1m", func(b domain.Bar) {
		mu.Lock()
		openTimes = append(openTimes, b.OpenTime)
		mu.Unlock()
	})

	base := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	const bars = 20
	for i := 0; i < bars; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		broker.push(domain.Quote{Symbol: "MNQ", Price: float64(100 + i), Size: 1, Timestamp: ts})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(openTimes) == bars-1 // the last in-progress bar never closes
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(openTimes); i++ {
		require.True(t, openTimes[i].After(openTimes[i-1]), "bar close %d (%s) must follow %d (%s) in order", i, openTimes[i], i-1, openTimes[i-1])
	}
}

var _ = events.BarClosedData{}
