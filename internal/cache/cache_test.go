package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/domain"
)

type fakeBroker struct {
	domain.BrokerClient
	calls int
	bars  []domain.Bar
}

func (f *fakeBroker) GetHistoricalBars(ctx context.Context, contractID string, tf domain.Timeframe, start, end int64) ([]domain.Bar, error) {
	f.calls++
	return f.bars, nil
}

func barsFrom(base time.Time, n int, tf domain.Timeframe) []domain.Bar {
	dur := tf.Duration()
	bars := make([]domain.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = domain.Bar{
			Symbol: "MNQ", TF: tf, OpenTime: base.Add(time.Duration(i) * dur),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 10, Closed: true,
		}
	}
	return bars
}

func TestCache_L1HitAvoidsBrokerCall(t *testing.T) {
	broker := &fakeBroker{}
	c := New(zerolog.Nop(), nil, broker, DefaultConfig())

	base := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC) // inside market-hours window
	broker.bars = barsFrom(base, 10, "1m")

	_, err := c.Bars(context.Background(), "CON1", "MNQ", "1m", 10, base.Add(9*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, broker.calls)

	_, err = c.Bars(context.Background(), "CON1", "MNQ", "1m", 10, base.Add(9*time.Minute).Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, broker.calls, "second call within TTL should hit L1, not the broker")
}

func TestCache_ShortHorizonBypassesCache(t *testing.T) {
	broker := &fakeBroker{}
	c := New(zerolog.Nop(), nil, broker, DefaultConfig())
	base := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	broker.bars = barsFrom(base, 3, "1m")

	_, err := c.Bars(context.Background(), "CON1", "MNQ", "1m", 3, base)
	require.NoError(t, err)
	_, err = c.Bars(context.Background(), "CON1", "MNQ", "1m", 3, base)
	require.NoError(t, err)
	require.Equal(t, 2, broker.calls, "<=5 bars on a sub-15m timeframe must always hit the broker")
}

func TestCache_TTLVariesByMarketHours(t *testing.T) {
	c := New(zerolog.Nop(), nil, nil, DefaultConfig())
	inHours := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	offHours := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	require.Equal(t, 2*time.Minute, c.ttlFor(inHours))
	require.Equal(t, 15*time.Minute, c.ttlFor(offHours))
}
