package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
)

type placeOrderRequest struct {
	AccountID  string   `json:"account_id"`
	ContractID string   `json:"contract_id"`
	Side       string   `json:"side"`
	Type       string   `json:"type"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	StopPrice  *float64 `json:"stop_price,omitempty"`
	CustomTag  string   `json:"custom_tag,omitempty"`
}

func (c *Client) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (string, error) {
	raw, err := c.call(ctx, "POST", "/api/v1/orders", placeOrderRequest{
		AccountID: spec.AccountID, ContractID: spec.ContractID, Side: string(spec.Side),
		Type: string(spec.Type), Size: spec.Size, LimitPrice: spec.LimitPrice,
		StopPrice: spec.StopPrice, CustomTag: spec.CustomTag,
	})
	if err != nil {
		return "", fmt.Errorf("broker: place order: %w", err)
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("broker: decode place order response: %w", err)
	}
	return resp.OrderID, nil
}

type placeBracketRequest struct {
	AccountID       string  `json:"account_id"`
	ContractID      string  `json:"contract_id"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Size            int     `json:"size"`
	EntryPrice      float64 `json:"entry_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
	CustomTag       string  `json:"custom_tag,omitempty"`
}

// PlaceBracket submits a native atomic entry+stop+target order. Per
// spec.md §4.4, callers must fall back to PlaceOrder + a fill-watch task
// when the broker rejects this with "brackets not enabled" — that fallback
// lives in internal/orders, not here; this method only reports the
// classified rejection.
func (c *Client) PlaceBracket(ctx context.Context, spec domain.BracketSpec) (string, error) {
	raw, err := c.call(ctx, "POST", "/api/v1/orders/bracket", placeBracketRequest{
		AccountID: spec.AccountID, ContractID: spec.ContractID, Side: string(spec.Side),
		Type: string(spec.Type), Size: spec.Size, EntryPrice: spec.EntryPrice,
		StopLossPrice: spec.StopLossPrice, TakeProfitPrice: spec.TakeProfitPrice,
		CustomTag: spec.CustomTag,
	})
	if err != nil {
		return "", fmt.Errorf("broker: place bracket: %w", err)
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("broker: decode place bracket response: %w", err)
	}
	return resp.OrderID, nil
}

func (c *Client) ModifyOrder(ctx context.Context, orderID string, price, size *float64) error {
	_, err := c.call(ctx, "PATCH", "/api/v1/orders/"+orderID, struct {
		Price *float64 `json:"price,omitempty"`
		Size  *float64 `json:"size,omitempty"`
	}{Price: price, Size: size})
	if err != nil {
		return fmt.Errorf("broker: modify order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.call(ctx, "DELETE", "/api/v1/orders/"+orderID, nil)
	if err != nil {
		return fmt.Errorf("broker: cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	raw, err := c.call(ctx, "GET", "/api/v1/orders/"+orderID, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("broker: get order %s: %w", orderID, err)
	}
	var resp orderWire
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("broker: decode order %s: %w", orderID, err)
	}
	return resp.toDomain(), nil
}

func (c *Client) ListOpenOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	raw, err := c.call(ctx, "GET", "/api/v1/accounts/"+accountID+"/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: list open orders: %w", err)
	}
	var resp []orderWire
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode open orders: %w", err)
	}
	out := make([]domain.Order, 0, len(resp))
	for _, o := range resp {
		out = append(out, o.toDomain())
	}
	return out, nil
}

func (c *Client) ListOpenPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	raw, err := c.call(ctx, "GET", "/api/v1/accounts/"+accountID+"/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: list open positions: %w", err)
	}
	var resp []struct {
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		Size        int     `json:"size"`
		AvgPrice    float64 `json:"avg_price"`
		StopOrderID string  `json:"stop_order_id"`
		TP1OrderID  string  `json:"tp1_order_id"`
		TP2OrderID  string  `json:"tp2_order_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("broker: decode open positions: %w", err)
	}
	out := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, domain.Position{
			AccountID: accountID, Symbol: p.Symbol, Side: domain.PositionSide(p.Side), Size: p.Size,
			AvgPrice: p.AvgPrice, StopOrderID: p.StopOrderID, TP1OrderID: p.TP1OrderID, TP2OrderID: p.TP2OrderID,
		})
	}
	return out, nil
}

type orderWire struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Type       string   `json:"type"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limit_price"`
	StopPrice  *float64 `json:"stop_price"`
	Status     string   `json:"status"`
	ParentID   string   `json:"parent_id"`
	CustomTag  string   `json:"custom_tag"`
	Leg        string   `json:"leg"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

func (o orderWire) toDomain() domain.Order {
	return domain.Order{
		ID: o.ID, AccountID: o.AccountID, Symbol: o.Symbol, Side: domain.Side(o.Side),
		Type: domain.OrderType(o.Type), Size: o.Size, LimitPrice: o.LimitPrice, StopPrice: o.StopPrice,
		Status: domain.OrderStatus(o.Status), ParentID: o.ParentID, CustomTag: o.CustomTag,
		Leg: domain.BracketLeg(o.Leg), CreatedAt: time.Unix(o.CreatedAt, 0).UTC(), UpdatedAt: time.Unix(o.UpdatedAt, 0).UTC(),
	}
}
