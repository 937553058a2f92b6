package database

import (
	"context"
	"testing"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := New(Config{Path: "file::memory:?cache=shared", Profile: ProfileStandard})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStore_BarsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bar := domain.Bar{
		Symbol: "MNQ", TF: "5m", OpenTime: time.Unix(1700000000, 0).UTC(),
		Open: 100, High: 105, Low: 99, Close: 103, Volume: 42, Closed: true,
	}
	require.NoError(t, store.UpsertBars(ctx, []domain.Bar{bar}))

	got, err := store.RangeBars(ctx, "MNQ", "5m", 1699999000, 1700001000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, bar.Close, got[0].Close)

	bar.Close = 110
	require.NoError(t, store.UpsertBars(ctx, []domain.Bar{bar}))
	got, err = store.RangeBars(ctx, "MNQ", "5m", 1699999000, 1700001000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 110.0, got[0].Close)
}

func TestStore_StrategyStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := domain.StrategyState{
		AccountID: "acct1", StrategyName: "overnight-range", Symbol: "MNQ",
		Enabled: true, Phase: domain.PhaseTracking,
		OvernightHigh: 18500, OvernightLow: 18400,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertStrategyState(ctx, st))

	got, ok, err := store.GetStrategyState(ctx, "acct1", "overnight-range", "MNQ")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PhaseTracking, got.Phase)
	require.Equal(t, 18500.0, got.OvernightHigh)

	_, ok, err = store.GetStrategyState(ctx, "acct1", "overnight-range", "ES")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_AccountSnapshotHighWaterMark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.AppendAccountSnapshot(ctx, domain.AccountSnapshot{
		AccountID: "acct1", Timestamp: base, Balance: 50000, HighestEODBalance: 50000, IsEOD: true,
	}))
	require.NoError(t, store.AppendAccountSnapshot(ctx, domain.AccountSnapshot{
		AccountID: "acct1", Timestamp: base.Add(time.Hour), Balance: 50800,
	}))

	eod, ok, err := store.LatestEODSnapshot(ctx, "acct1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 50000.0, eod.HighestEODBalance)

	latest, ok, err := store.LatestSnapshot(ctx, "acct1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 50800.0, latest.Balance)
}

func TestStore_BracketUpsertAndLookupByTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := domain.BracketIntent{
		CorrelationTag: "overnight-range-acct1-MNQ-1",
		AccountID:      "acct1", Symbol: "MNQ", Side: domain.SideBuy, Size: 2,
		EntryPrice: 18550, StopPrice: 18500, TP1Price: 18650, TP1Fraction: 0.5,
		State: domain.BracketNew, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	id, err := store.UpsertBracket(ctx, b)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, ok, err := store.GetBracketByTag(ctx, b.CorrelationTag)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.BracketNew, got.State)

	got.ID = id
	got.State = domain.BracketProtected
	got.UpdatedAt = time.Now().UTC()
	_, err = store.UpsertBracket(ctx, got)
	require.NoError(t, err)

	open, err := store.ListOpenBrackets(ctx, "acct1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, domain.BracketProtected, open[0].State)
}
