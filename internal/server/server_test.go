package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/cache"
	"github.com/overrangefutures/engine/internal/database"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/orders"
	"github.com/overrangefutures/engine/internal/quotehub"
	"github.com/overrangefutures/engine/internal/queue"
	"github.com/overrangefutures/engine/internal/signals"
	"github.com/overrangefutures/engine/internal/strategy"
)

type stubBroker struct {
	domain.BrokerClient
}

func (stubBroker) ResolveContract(ctx context.Context, symbol string) (string, error) {
	return "CON-" + symbol, nil
}

func (stubBroker) ResolvePointValue(ctx context.Context, symbol string) (float64, error) {
	return 2, nil
}

func (stubBroker) GetHistoricalBars(ctx context.Context, contractID string, tf domain.Timeframe, from, to int64) ([]domain.Bar, error) {
	return nil, nil
}

func (stubBroker) SubscribeQuotes(ctx context.Context, symbol string, handler domain.QuoteHandler) error {
	return nil
}

func (stubBroker) PlaceBracket(ctx context.Context, spec domain.BracketSpec) (string, error) {
	return "bracket-order", nil
}

func newTestServer(t *testing.T) *Server {
	broker := stubBroker{}
	bus := events.NewBus(zerolog.Nop())
	tracker := account.New(zerolog.Nop(), nil, bus, 1000, 2000)
	require.NoError(t, tracker.Arm(context.Background(), domain.Account{ID: "acct1", StartingBalance: 50000}))

	c := cache.New(zerolog.Nop(), nil, broker, cache.DefaultConfig())
	hub := quotehub.New(zerolog.Nop(), broker, nil, bus, 0, nil)
	engine := orders.New(zerolog.Nop(), broker, nil, bus, tracker, nil, orders.Config{MaxPositionSize: 10})

	cfg := strategy.Config{
		Name: "overnight-range", AccountID: "acct1", Symbol: "MNQ", Timezone: "UTC",
		OvernightStart: "18:00", OvernightEnd: "09:30", MarketOpen: "09:30", EODExitTime: "15:45",
		ATRPeriod: 14, ATRTimeframe: "5m", StopATRMultiplier: 1.5, TargetATRMultiplier: 3, RangeBreakOffset: 0.5,
	}
	m, err := strategy.New(zerolog.Nop(), cfg, c, hub, engine, nil, bus, tracker.DailyLossFraction)
	require.NoError(t, err)

	registry := strategy.NewRegistry()
	registry.Register(m)

	var accepted []domain.SignalEvent
	intake := signals.New(zerolog.Nop(), signals.DefaultConfig(), func(ev domain.SignalEvent) {
		accepted = append(accepted, ev)
	})

	q := queue.NewManager(zerolog.Nop(), 2)
	t.Cleanup(q.Shutdown)

	return New(Config{
		Log: zerolog.Nop(), Port: 0, DevMode: true, StartedAt: time.Now(),
		Registry: registry, Intake: intake, Queue: q, Cache: c, Tracker: tracker,
	})
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.Equal(t, "ok", data["status"])
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.Contains(t, data, "cache")
	require.Contains(t, data, "queue")
	require.Contains(t, data, "system")
}

func TestServer_WebhookAcceptsValidSignal(t *testing.T) {
	s := newTestServer(t)
	payload := signals.Payload{Action: "open-long", Symbol: "MNQ", Entry: 19000, StopLoss: 18980}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(buf))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.Equal(t, true, data["accepted"])
}

func TestServer_WebhookRejectsUnknownAction(t *testing.T) {
	s := newTestServer(t)
	payload := signals.Payload{Action: "NOT_A_REAL_ACTION", Symbol: "MNQ"}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(buf))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_VerifyUnknownStrategyIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/strategies/does-not-exist/verify", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartThenStopStrategy(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/strategies/overnight-range/start", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/strategies/overnight-range/stop", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/strategies/overnight-range/verify", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.Equal(t, false, data["will_trade"])
}

func TestServer_MarketSessionReportsOpenOrClosed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/market/session", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.Contains(t, data, "open")
	require.Contains(t, data, "minutes_to_transition")
}

func TestServer_HistoricalBarsReadsThroughCache(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/bars/MNQ/5m?n=3", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RiskMetricsWithoutStoreIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/risk/account/acct1/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RiskMetricsWithStoreReportsDrawdown(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: dir + "/engine.db", Profile: database.ProfileStandard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	store := database.NewStore(db)

	bus := events.NewBus(zerolog.Nop())
	tracker := account.New(zerolog.Nop(), store, bus, 1000, 2000)
	require.NoError(t, tracker.Arm(context.Background(), domain.Account{ID: "acct1", StartingBalance: 50000}))
	require.NoError(t, tracker.RolloverEOD(context.Background(), "acct1", 51000))

	s := New(Config{Log: zerolog.Nop(), Port: 0, DevMode: true, Tracker: tracker})

	req := httptest.NewRequest(http.MethodGet, "/api/risk/account/acct1/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	require.InDelta(t, 51000.0, data["high_water_mark"], 0.01)
}
