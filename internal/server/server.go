// Package server is the HTTP operational surface (spec.md §6 plus the
// SPEC_FULL.md §3 supplemented routes): health, metrics, signal-ingress
// webhook, per-strategy verify/start/stop, account risk metrics, market
// session state, and historical bar read-through. Grounded on the
// teacher's own server.go for the chi router, middleware stack
// (Recoverer, RequestID, RealIP, request logging, CORS, Compress), and
// graceful Start/Shutdown shape — trimmed from its ~40 portfolio module
// routes down to the futures-trading endpoints named above, its
// system_handlers.go for the gopsutil CPU/RAM sampling pattern reused in
// handleMetrics, and its risk/market_hours/historical handler packages
// (see internal/account.RiskMetrics and internal/cache.MarketSession)
// for the three supplemented read-only routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/cache"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/queue"
	"github.com/overrangefutures/engine/internal/signals"
	"github.com/overrangefutures/engine/internal/strategy"
)

// Config holds everything the HTTP surface needs to wire its handlers.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	StartedAt time.Time

	Registry *strategy.Registry
	Intake   *signals.Intake
	Queue    *queue.Manager
	Cache    *cache.Cache
	Tracker  *account.Tracker
}

// Server is the operational HTTP surface.
type Server struct {
	router    *chi.Mux
	http      *http.Server
	log       zerolog.Logger
	startedAt time.Time
	port      int

	registry *strategy.Registry
	intake   *signals.Intake
	queue    *queue.Manager
	cache    *cache.Cache
	tracker  *account.Tracker
}

func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		startedAt: cfg.StartedAt,
		port:      cfg.Port,
		registry:  cfg.Registry, intake: cfg.Intake, queue: cfg.Queue, cache: cfg.Cache, tracker: cfg.Tracker,
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Post("/webhook", s.handleWebhook)

	s.router.Route("/api/strategies/{name}", func(r chi.Router) {
		r.Get("/verify", s.handleVerifyStrategy)
		r.Post("/start", s.handleStartStrategy)
		r.Post("/stop", s.handleStopStrategy)
	})

	s.router.Get("/api/risk/account/{id}/metrics", s.handleRiskMetrics)
	s.router.Get("/api/market/session", s.handleMarketSession)
	s.router.Get("/api/bars/{symbol}/{timeframe}", s.handleHistoricalBars)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Start begins serving. Blocks until Shutdown is called or ListenAndServe
// fails.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

// writeJSON wraps data in the {data, metadata} envelope the teacher's risk
// handlers use (internal/modules/risk/handlers).
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}

// handleHealth reports a static "ok" status, uptime, and queue stats
// (spec.md §6 GET /health). It does not report broker authentication or
// account-selection state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
	if s.queue != nil {
		qs := s.queue.Stats()
		data["queue"] = map[string]interface{}{
			"pending": qs.Pending, "succeeded": qs.Succeeded, "failed": qs.Failed,
		}
	}
	s.writeJSON(w, http.StatusOK, data)
}

// handleMetrics reports cache hit rate, CPU/RAM, and queue success rate
// (spec.md §6 GET /metrics). Grounded on the teacher's
// system_handlers.go:getSystemStats (gopsutil cpu.Percent/mem.VirtualMemory).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{}

	if s.cache != nil {
		cs := s.cache.Stats()
		total := cs.Hits + cs.Misses
		var hitRate float64
		if total > 0 {
			hitRate = float64(cs.Hits) / float64(total)
		}
		data["cache"] = map[string]interface{}{"hits": cs.Hits, "misses": cs.Misses, "hit_rate": hitRate}
	}

	if s.queue != nil {
		qs := s.queue.Stats()
		total := qs.Succeeded + qs.Failed
		var successRate float64
		if total > 0 {
			successRate = float64(qs.Succeeded) / float64(total)
		}
		data["queue"] = map[string]interface{}{
			"pending": qs.Pending, "succeeded": qs.Succeeded, "failed": qs.Failed, "success_rate": successRate,
		}
	}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sample CPU percentage")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	var ramPct float64
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sample memory statistics")
	} else {
		ramPct = memStat.UsedPercent
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	data["system"] = map[string]interface{}{"cpu_pct": cpuAvg, "ram_pct": ramPct}

	s.writeJSON(w, http.StatusOK, data)
}

// handleWebhook accepts a signal-ingress payload (spec.md §6 POST /webhook).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("signal intake not configured"))
		return
	}
	var p signals.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted, err := s.intake.Accept(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": accepted})
}

func (s *Server) handleVerifyStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.registry == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("strategy registry not configured"))
		return
	}
	result, err := s.registry.Verify(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.registry == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("strategy registry not configured"))
		return
	}
	if err := s.registry.Start(r.Context(), name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "enabled": true})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.registry == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("strategy registry not configured"))
		return
	}
	if err := s.registry.Stop(r.Context(), name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "enabled": false})
}

// riskMetricsLookback is how many of the most recent account snapshots
// (EOD and intraday alike) the balance mean/stddev are computed over.
const riskMetricsLookback = 30

// handleRiskMetrics reports the account's realized/unrealized balance
// volatility and drawdown-from-high-water-mark, grounded on the teacher's
// internal/modules/risk/handlers VaR/Sharpe/drawdown handlers — purely
// informational, distinct from the DLL/MLL compliance gates that guard
// order submission.
func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("account tracker not configured"))
		return
	}
	metrics, err := s.tracker.RiskMetrics(r.Context(), id, riskMetricsLookback)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

// handleMarketSession reports the current market-hours window state
// (open/closed, minutes to next transition), grounded on the teacher's
// internal/modules/market_hours/handlers.
func (s *Server) handleMarketSession(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("cache not configured"))
		return
	}
	session := s.cache.MarketSession(time.Now())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":                  session.Open,
		"minutes_to_transition": session.MinutesToTransition,
	})
}

// defaultBarsWindow is the bar count returned when the caller doesn't
// specify one via ?n=.
const defaultBarsWindow = 50

// handleHistoricalBars is a thin read-through of the Cache Layer, grounded
// on the teacher's internal/modules/historical/handlers.
func (s *Server) handleHistoricalBars(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	tf := domain.Timeframe(chi.URLParam(r, "timeframe"))
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("cache not configured"))
		return
	}

	n := defaultBarsWindow
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	contractID, err := s.cache.ResolveContract(r.Context(), symbol)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	bars, err := s.cache.Bars(r.Context(), contractID, symbol, tf, n, time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bars)
}
