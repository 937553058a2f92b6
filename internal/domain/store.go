package domain

import "context"

// Store is the typed persistence contract (spec.md §4.2). The concrete
// implementation (internal/database) never exposes raw SQL to callers.
type Store interface {
	UpsertBars(ctx context.Context, bars []Bar) error
	RangeBars(ctx context.Context, symbol string, tf Timeframe, start, end int64) ([]Bar, error)

	UpsertStrategyState(ctx context.Context, s StrategyState) error
	GetStrategyState(ctx context.Context, accountID, strategyName, symbol string) (StrategyState, bool, error)
	ListStrategyStates(ctx context.Context) ([]StrategyState, error)

	AppendAccountSnapshot(ctx context.Context, s AccountSnapshot) error
	LatestEODSnapshot(ctx context.Context, accountID string) (AccountSnapshot, bool, error)
	LatestSnapshot(ctx context.Context, accountID string) (AccountSnapshot, bool, error)
	SnapshotHistory(ctx context.Context, accountID string, limit int) ([]AccountSnapshot, error)

	UpsertBracket(ctx context.Context, b BracketIntent) (int64, error)
	GetBracket(ctx context.Context, id int64) (BracketIntent, bool, error)
	GetBracketByTag(ctx context.Context, correlationTag string) (BracketIntent, bool, error)
	ListOpenBrackets(ctx context.Context, accountID string) ([]BracketIntent, error)

	AppendAPIMetric(ctx context.Context, endpoint string, latencyMS int64, success bool) error

	PurgeOlderThanBars(ctx context.Context, retention int64) (int64, error)
	PurgeOlderThanMetrics(ctx context.Context, retention int64) (int64, error)

	Close() error
}
