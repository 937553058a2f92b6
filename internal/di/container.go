// Package di wires the engine's components leaves-first and tears them
// down in reverse, grounded on the teacher's internal/di/wire.go staged
// Wire() (InitializeDatabases -> InitializeRepositories ->
// InitializeServices -> RegisterJobs, with the same database closed on
// any later stage's error). The teacher's container held ~15 module
// service sets behind one 1700-line services.go; this one holds the much
// smaller futures-trading dependency graph spec.md §4 names.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/account"
	"github.com/overrangefutures/engine/internal/broker"
	"github.com/overrangefutures/engine/internal/cache"
	"github.com/overrangefutures/engine/internal/config"
	"github.com/overrangefutures/engine/internal/database"
	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
	"github.com/overrangefutures/engine/internal/notifier"
	"github.com/overrangefutures/engine/internal/orders"
	"github.com/overrangefutures/engine/internal/queue"
	"github.com/overrangefutures/engine/internal/quotehub"
	"github.com/overrangefutures/engine/internal/reliability"
	"github.com/overrangefutures/engine/internal/scheduler"
	"github.com/overrangefutures/engine/internal/server"
	"github.com/overrangefutures/engine/internal/signals"
	"github.com/overrangefutures/engine/internal/strategy"
)

// Container holds every wired component, leaves first. Fields are exported
// so cmd/server/main.go can reach in for the pieces it starts/stops
// directly (the HTTP server, the scheduler, the reconciler).
type Container struct {
	Log zerolog.Logger

	DB    *database.DB
	Store *database.Store
	Bus   *events.Bus

	Broker  *broker.Client
	Queue   *queue.Manager
	Hub     *quotehub.Hub
	Cache   *cache.Cache
	Tracker *account.Tracker
	Engine  *orders.Engine

	Reconciler *orders.Reconciler
	Registry   *strategy.Registry
	Scheduler  *scheduler.Scheduler
	Intake     *signals.Intake
	Notifier   *notifier.Notifier
	Server     *server.Server
}

// Wire builds the full dependency graph in the order spec.md §4's flow
// diagram implies: persistence and the event bus first, then the broker
// and everything that streams or reads through it, then the strategy
// layer and its scheduled jobs, then the HTTP surface last since it's the
// only component that depends on (almost) everything else.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{Path: cfg.DatabaseURL, Profile: database.ProfileStandard})
	if err != nil {
		return nil, fmt.Errorf("di: open database: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("di: migrate database: %w", err)
	}
	store := database.NewStore(db)
	bus := events.NewBus(log)

	brokerClient := broker.New(cfg.BrokerBaseURL, cfg.QuoteStreamURL, log)
	if err := brokerClient.Authenticate(context.Background(), domain.Credentials{
		APIKey: cfg.BrokerAPIKey, APISecret: cfg.BrokerAPISecret,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("di: authenticate broker: %w", err)
	}

	q := queue.NewManager(log, cfg.WorkerCount)

	hub := quotehub.New(log, brokerClient, store, bus, 0, nil)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.TTLMarketHours = cfg.CacheTTLMarketHours
	cacheCfg.TTLOffHours = cfg.CacheTTLOffHours
	cacheCfg.TTLDefault = cfg.CacheTTLDefault
	c := cache.New(log, store, brokerClient, cacheCfg)

	tracker := account.New(log, store, bus, cfg.DailyLossLimit, cfg.MaximumLossLimit)

	ordersCfg := orders.Config{
		MaxPositionSize:        cfg.MaxPositionSize,
		TP1Fraction:            cfg.TP1Fraction,
		BreakevenEnabled:       cfg.BreakevenEnabled,
		BreakevenProfitPoints:  cfg.BreakevenProfitPoints,
		AutoBracketStopTicks:   cfg.AutoBracketStopTicks,
		AutoBracketTargetTicks: cfg.AutoBracketTargetTicks,
		TickSize:               cfg.TickSize,
	}
	engine := orders.New(log, brokerClient, store, bus, tracker, q, ordersCfg)
	reconciler := orders.NewReconciler(engine, cfg.AccountID)

	sched := scheduler.New(log)
	registry := strategy.NewRegistry()

	if err := sched.AddJob("0 0 2 * * *", reliability.NewMaintenanceJob(db, cfg.BackupDir, log)); err != nil {
		db.Close()
		return nil, fmt.Errorf("di: register daily maintenance job: %w", err)
	}
	if err := sched.AddJob("0 0 3 * * SUN", reliability.NewWeeklyMaintenanceJob(db, cfg.BackupDir, log)); err != nil {
		db.Close()
		return nil, fmt.Errorf("di: register weekly maintenance job: %w", err)
	}

	for _, symbol := range cfg.StrategySymbols {
		name := "overnight-range-" + symbol
		mCfg := strategy.Config{
			Name: name, AccountID: cfg.AccountID, Symbol: symbol, Timezone: cfg.Timezone,
			OvernightStart: cfg.OvernightStartTime, OvernightEnd: cfg.OvernightEndTime,
			MarketOpen: cfg.MarketOpenTime, EODExitTime: cfg.EODExitTime,
			ATRPeriod: cfg.ATRPeriod, ATRTimeframe: domain.Timeframe(cfg.ATRTimeframe),
			StopATRMultiplier: cfg.StopATRMultiplier, TargetATRMultiplier: cfg.TargetATRMultiplier,
			RangeBreakOffset: cfg.RangeBreakOffset,
			BreakevenEnabled: cfg.BreakevenEnabled, BreakevenProfitPoints: cfg.BreakevenProfitPoints,
		}
		m, err := strategy.New(log, mCfg, c, hub, engine, store, bus, tracker.DailyLossFraction)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("di: build strategy machine for %s: %w", symbol, err)
		}
		if err := m.Rehydrate(context.Background()); err != nil {
			log.Warn().Err(err).Str("strategy", name).Msg("failed to rehydrate strategy state, starting cold")
		}
		registry.Register(m)

		getPosition := func(accountID, sym string) (domain.Position, error) {
			positions, err := brokerClient.ListOpenPositions(context.Background(), accountID)
			if err != nil {
				return domain.Position{}, err
			}
			for _, p := range positions {
				if p.Symbol == sym {
					return p, nil
				}
			}
			return domain.Position{}, nil
		}
		if err := strategy.RegisterJobs(sched, m, getPosition); err != nil {
			db.Close()
			return nil, fmt.Errorf("di: register jobs for %s: %w", symbol, err)
		}
	}

	// signalHandler is the Signal Intake side of the order-intent path,
	// parallel to the Scheduler (spec.md §4/§4.8): an accepted entry signal
	// builds a BracketIntent sized by the configured position-size and
	// submits it through the same Engine the scheduler-driven strategies
	// use. Non-entry actions (tp1-hit, stop-out, session-close) describe
	// what an external strategy observed about a position we don't own the
	// exit orders for here, so they're logged only.
	var signalHandler signals.Handler = func(ev domain.SignalEvent) {
		if !ev.Action.IsEntry() {
			log.Info().Str("symbol", ev.Symbol).Str("action", string(ev.Action)).Msg("non-entry signal received, no order action taken")
			return
		}

		side := domain.SideBuy
		if ev.Action == domain.ActionOpenShort {
			side = domain.SideSell
		}

		currentNet := 0
		if positions, err := brokerClient.ListOpenPositions(context.Background(), cfg.AccountID); err != nil {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("failed to read current position for signal-intake sizing, assuming flat")
		} else {
			for _, p := range positions {
				if p.Symbol == ev.Symbol {
					currentNet = p.Size
				}
			}
		}

		intent := domain.BracketIntent{
			AccountID: cfg.AccountID, Symbol: ev.Symbol, Side: side, Size: cfg.PositionSize,
			EntryPrice: ev.Entry, StopPrice: ev.StopLoss, TP1Price: ev.TP1, TP2Price: ev.TP2,
		}
		if _, err := engine.Submit(context.Background(), intent, "signal-intake", currentNet); err != nil {
			log.Warn().Err(err).Str("symbol", ev.Symbol).Msg("signal-intake order submission failed")
		}
	}
	signalsCfg := signals.DefaultConfig()
	signalsCfg.IgnoreNonEntrySignals = cfg.IgnoreNonEntrySignals
	signalsCfg.IgnoreTP1Signals = cfg.IgnoreTP1Signals
	if cfg.DebounceSeconds > 0 {
		signalsCfg.DebounceWindow = time.Duration(cfg.DebounceSeconds) * time.Second
	}
	intake := signals.New(log, signalsCfg, signalHandler)

	n := notifier.New(log, cfg.NotifierWebhook)
	n.Attach(bus)

	srv := server.New(server.Config{
		Log: log, Port: cfg.Port, DevMode: false,
		Registry: registry, Intake: intake, Queue: q, Cache: c, Tracker: tracker,
	})

	return &Container{
		Log: log, DB: db, Store: store, Bus: bus,
		Broker: brokerClient, Queue: q, Hub: hub, Cache: c, Tracker: tracker, Engine: engine,
		Reconciler: reconciler, Registry: registry, Scheduler: sched, Intake: intake, Notifier: n, Server: srv,
	}, nil
}

// Close tears every leaf down in reverse build order: HTTP server first
// (it depends on everything else), then the scheduler, then the queue,
// the broker client (which stops its quote stream), and finally the
// database. Mirrors the teacher's
// Wire()-on-error cleanup, generalized to the normal-shutdown path too.
func (c *Container) Close(ctx context.Context) error {
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			c.Log.Warn().Err(err).Msg("server shutdown error")
		}
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Queue != nil {
		c.Queue.Shutdown()
	}
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("broker close error")
		}
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
