package domain

import "context"

// Credentials authenticates against the broker (spec.md §4.1).
type Credentials struct {
	APIKey    string
	APISecret string
}

// BracketSpec is the entry+stop+target shape for PlaceBracket.
type BracketSpec struct {
	AccountID       string
	ContractID      string
	Side            Side
	Type            OrderType
	Size            int
	EntryPrice      float64 // stop or limit trigger, per Type
	StopLossPrice   float64
	TakeProfitPrice float64
	CustomTag       string
}

// OrderSpec is the shape for a single PlaceOrder call.
type OrderSpec struct {
	AccountID  string
	ContractID string
	Side       Side
	Type       OrderType
	Size       int
	LimitPrice *float64
	StopPrice  *float64
	CustomTag  string
}

// QuoteHandler receives each streamed quote for a subscribed symbol.
type QuoteHandler func(Quote)

// BrokerClient is the only subsystem-facing abstraction over the broker's
// wire protocol (spec.md §4.1). A concrete adapter (internal/broker) is the
// sole implementer; every other package depends on this interface so it can
// be faked in tests.
type BrokerClient interface {
	Authenticate(ctx context.Context, creds Credentials) error

	ListAccounts(ctx context.Context) ([]Account, error)
	ListContracts(ctx context.Context) ([]Contract, error)
	ResolveContract(ctx context.Context, symbol string) (string, error)
	ResolvePointValue(ctx context.Context, symbol string) (float64, error)

	PlaceOrder(ctx context.Context, spec OrderSpec) (string, error)
	PlaceBracket(ctx context.Context, spec BracketSpec) (string, error)
	ModifyOrder(ctx context.Context, orderID string, price, size *float64) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)

	ListOpenPositions(ctx context.Context, accountID string) ([]Position, error)
	ListOpenOrders(ctx context.Context, accountID string) ([]Order, error)

	GetHistoricalBars(ctx context.Context, contractID string, tf Timeframe, start, end int64) ([]Bar, error)

	SubscribeQuotes(ctx context.Context, symbol string, handler QuoteHandler) error
	UnsubscribeQuotes(symbol string) error

	GetAccountBalance(ctx context.Context, accountID string) (balance, realizedPnL float64, err error)
}
