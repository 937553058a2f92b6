package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
)

func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	raw, err := c.call(ctx, "GET", "/api/v1/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: list accounts: %w", err)
	}
	var resp []struct {
		ID              string  `json:"id"`
		DisplayName     string  `json:"display_name"`
		Type            string  `json:"type"`
		StartingBalance float64 `json:"starting_balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode accounts: %w", err)
	}
	out := make([]domain.Account, 0, len(resp))
	for _, a := range resp {
		out = append(out, domain.Account{
			ID: a.ID, DisplayName: a.DisplayName,
			Type: domain.AccountType(a.Type), StartingBalance: a.StartingBalance,
		})
	}
	return out, nil
}

func (c *Client) ListContracts(ctx context.Context) ([]domain.Contract, error) {
	raw, err := c.call(ctx, "GET", "/api/v1/contracts", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: list contracts: %w", err)
	}
	var resp []struct {
		Symbol     string  `json:"symbol"`
		ContractID string  `json:"contract_id"`
		PointValue float64 `json:"point_value"`
		TickSize   float64 `json:"tick_size"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode contracts: %w", err)
	}
	out := make([]domain.Contract, 0, len(resp))
	for _, ct := range resp {
		out = append(out, domain.Contract{
			Symbol: ct.Symbol, ContractID: ct.ContractID,
			PointValue: ct.PointValue, TickSize: ct.TickSize,
		})
		c.contractCache[ct.Symbol] = ct.ContractID
		c.pointValueCache[ct.Symbol] = ct.PointValue
	}
	return out, nil
}

// ResolvePointValue returns the contract's currency-per-point multiplier,
// used to convert a points-based PnL or worst-case-loss figure into dollars
// (spec.md §4.6). Caches the same way ResolveContract does.
func (c *Client) ResolvePointValue(ctx context.Context, symbol string) (float64, error) {
	if v, ok := c.pointValueCache[symbol]; ok {
		return v, nil
	}
	if _, err := c.ListContracts(ctx); err != nil {
		return 0, fmt.Errorf("broker: resolve point value %s: %w", symbol, err)
	}
	v, ok := c.pointValueCache[symbol]
	if !ok {
		return 0, &domain.BrokerError{Kind: domain.KindNotFound, Reason: "no contract for symbol " + symbol}
	}
	return v, nil
}

// ResolveContract maps a root symbol (e.g. "MNQ") to the current front-month
// contract ID, caching the result in process memory. spec.md leaves the
// resolution rule to the broker; we simply trust whatever contract_id the
// broker names as current for that symbol.
func (c *Client) ResolveContract(ctx context.Context, symbol string) (string, error) {
	if id, ok := c.contractCache[symbol]; ok {
		return id, nil
	}
	if _, err := c.ListContracts(ctx); err != nil {
		return "", fmt.Errorf("broker: resolve contract %s: %w", symbol, err)
	}
	id, ok := c.contractCache[symbol]
	if !ok {
		return "", &domain.BrokerError{Kind: domain.KindNotFound, Reason: "no contract for symbol " + symbol}
	}
	return id, nil
}

func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (balance, realizedPnL float64, err error) {
	raw, err := c.call(ctx, "GET", "/api/v1/accounts/"+accountID+"/balance", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("broker: get account balance: %w", err)
	}
	var resp struct {
		Balance     float64 `json:"balance"`
		RealizedPnL float64 `json:"realized_pnl"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, 0, fmt.Errorf("broker: decode account balance: %w", err)
	}
	return resp.Balance, resp.RealizedPnL, nil
}

func (c *Client) GetHistoricalBars(ctx context.Context, contractID string, tf domain.Timeframe, start, end int64) ([]domain.Bar, error) {
	raw, err := c.call(ctx, "GET", fmt.Sprintf("/api/v1/bars?contract=%s&timeframe=%s&start=%d&end=%d",
		contractID, tf, start, end), nil)
	if err != nil {
		return nil, fmt.Errorf("broker: get historical bars: %w", err)
	}
	var resp []struct {
		Symbol   string  `json:"symbol"`
		OpenTime int64   `json:"open_time"`
		Open     float64 `json:"open"`
		High     float64 `json:"high"`
		Low      float64 `json:"low"`
		Close    float64 `json:"close"`
		Volume   float64 `json:"volume"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode historical bars: %w", err)
	}
	out := make([]domain.Bar, 0, len(resp))
	for _, b := range resp {
		out = append(out, domain.Bar{
			Symbol: b.Symbol, TF: tf, OpenTime: time.Unix(b.OpenTime, 0).UTC(),
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: int64(b.Volume), Closed: true,
		})
	}
	return out, nil
}
