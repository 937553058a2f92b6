// Package config loads the engine's configuration from environment
// variables (with .env support) into a typed Config struct handed
// explicitly to every component constructor. See spec.md §6 for the
// named-option surface this mirrors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the entire engine configuration surface (spec.md §6).
type Config struct {
	// Account
	AccountID       string
	StartingBalance float64
	AccountType     string

	// Order policy
	PositionSize          int
	MaxPositionSize       int
	CloseEntireAtTP1      bool
	TP1Fraction           float64
	IgnoreNonEntrySignals bool
	IgnoreTP1Signals      bool
	DebounceSeconds       int
	AutoBracketStopTicks   int // N: reconciler's default protective stop offset, in ticks
	AutoBracketTargetTicks int // M: reconciler's default protective target offset, in ticks
	TickSize               float64

	// Strategy: overnight range
	StrategyEnabled       bool
	StrategySymbols       []string
	OvernightStartTime    string // "HH:MM" local to Timezone
	OvernightEndTime      string
	MarketOpenTime        string
	Timezone              string
	ATRPeriod             int
	ATRTimeframe          string
	StopATRMultiplier     float64
	TargetATRMultiplier   float64
	RangeBreakOffset      float64
	BreakevenEnabled      bool
	BreakevenProfitPoints float64
	EODExitTime           string

	// Risk
	DailyLossLimit   float64
	MaximumLossLimit float64

	// Cache
	CacheTTLMarketHours time.Duration
	CacheTTLOffHours    time.Duration
	CacheTTLDefault     time.Duration
	PrefetchEnabled     bool
	PrefetchSymbols     []string
	PrefetchTimeframes  []string
	MarketHoursStartUTC string // "HH:MM"
	MarketHoursEndUTC   string

	// Runtime
	WorkerCount int
	LogLevel    string
	DatabaseURL string
	BackupDir   string
	Port        int

	// External collaborators
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerBaseURL   string
	QuoteStreamURL  string
	NotifierWebhook string
}

// Load reads configuration from the environment, falling back to the
// spec.md §6 defaults for anything unset. .env is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AccountID:       getEnv("ACCOUNT_ID", "default"),
		StartingBalance: getEnvFloat("STARTING_BALANCE", 50000),
		AccountType:     getEnv("ACCOUNT_TYPE", "evaluation-50k"),

		PositionSize:          getEnvInt("POSITION_SIZE", 1),
		MaxPositionSize:       getEnvInt("MAX_POSITION_SIZE", 3),
		CloseEntireAtTP1:      getEnvBool("CLOSE_ENTIRE_AT_TP1", false),
		TP1Fraction:           getEnvFloat("TP1_FRACTION", 0.75),
		IgnoreNonEntrySignals: getEnvBool("IGNORE_NON_ENTRY_SIGNALS", false),
		IgnoreTP1Signals:      getEnvBool("IGNORE_TP1_SIGNALS", false),
		DebounceSeconds:       getEnvInt("DEBOUNCE_SECONDS", 300),
		AutoBracketStopTicks:   getEnvInt("AUTO_BRACKET_STOP_TICKS", 10),
		AutoBracketTargetTicks: getEnvInt("AUTO_BRACKET_TARGET_TICKS", 20),
		TickSize:               getEnvFloat("TICK_SIZE", 0.25),

		StrategyEnabled:       getEnvBool("STRATEGY_ENABLED", true),
		StrategySymbols:       getEnvList("STRATEGY_SYMBOLS", []string{"MNQ"}),
		OvernightStartTime:    getEnv("OVERNIGHT_START_TIME", "18:00"),
		OvernightEndTime:      getEnv("OVERNIGHT_END_TIME", "09:30"),
		MarketOpenTime:        getEnv("MARKET_OPEN_TIME", "09:30"),
		Timezone:              getEnv("STRATEGY_TIMEZONE", "America/New_York"),
		ATRPeriod:             getEnvInt("ATR_PERIOD", 14),
		ATRTimeframe:          getEnv("ATR_TIMEFRAME", "5m"),
		StopATRMultiplier:     getEnvFloat("STOP_ATR_MULTIPLIER", 1.25),
		TargetATRMultiplier:   getEnvFloat("TARGET_ATR_MULTIPLIER", 2.0),
		RangeBreakOffset:      getEnvFloat("RANGE_BREAK_OFFSET", 0.25),
		BreakevenEnabled:      getEnvBool("BREAKEVEN_ENABLED", true),
		BreakevenProfitPoints: getEnvFloat("BREAKEVEN_PROFIT_POINTS", 15),
		EODExitTime:           getEnv("EOD_EXIT_TIME", "15:45"),

		DailyLossLimit:   getEnvFloat("DAILY_LOSS_LIMIT", 0), // 0 => derive from account type
		MaximumLossLimit: getEnvFloat("MAXIMUM_LOSS_LIMIT", 0),

		CacheTTLMarketHours: getEnvDuration("CACHE_TTL_MARKET_HOURS", 2*time.Minute),
		CacheTTLOffHours:    getEnvDuration("CACHE_TTL_OFF_HOURS", 15*time.Minute),
		CacheTTLDefault:     getEnvDuration("CACHE_TTL_DEFAULT", 5*time.Minute),
		PrefetchEnabled:     getEnvBool("PREFETCH_ENABLED", true),
		PrefetchSymbols:     getEnvList("PREFETCH_SYMBOLS", []string{"MNQ"}),
		PrefetchTimeframes:  getEnvList("PREFETCH_TIMEFRAMES", []string{"1m", "5m", "15m", "1h"}),
		MarketHoursStartUTC: getEnv("MARKET_HOURS_START_UTC", "13:00"),
		MarketHoursEndUTC:   getEnv("MARKET_HOURS_END_UTC", "03:00"),

		WorkerCount: getEnvInt("WORKER_COUNT", 4),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", "./data/engine.db"),
		BackupDir:   getEnv("BACKUP_DIR", "./data/backups"),
		Port:        getEnvInt("PORT", 8080),

		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerBaseURL:   getEnv("BROKER_BASE_URL", ""),
		QuoteStreamURL:  getEnv("QUOTE_STREAM_URL", ""),
		NotifierWebhook: getEnv("NOTIFIER_WEBHOOK_URL", ""),
	}

	if cfg.DailyLossLimit == 0 || cfg.MaximumLossLimit == 0 {
		dll, mll := deriveDefaultLimits(cfg.AccountType)
		if cfg.DailyLossLimit == 0 {
			cfg.DailyLossLimit = dll
		}
		if cfg.MaximumLossLimit == 0 {
			cfg.MaximumLossLimit = mll
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the order engine.
func (c *Config) Validate() error {
	if c.TP1Fraction < 0 || c.TP1Fraction > 1 {
		return fmt.Errorf("config: tp1-fraction must be in [0,1], got %f", c.TP1Fraction)
	}
	if c.MaxPositionSize <= 0 {
		return fmt.Errorf("config: max-position-size must be positive")
	}
	if c.DebounceSeconds < 0 {
		return fmt.Errorf("config: debounce-seconds must be non-negative")
	}
	return nil
}

// deriveDefaultLimits mirrors domain.AccountType.DefaultLimits without
// importing the domain package, keeping config dependency-free. Engine
// wiring uses the limits this table fills into Config.
func deriveDefaultLimits(accountType string) (dll, mll float64) {
	switch accountType {
	case "evaluation-50k":
		return 1000, 2000
	case "evaluation-100k":
		return 2000, 3000
	case "evaluation-150k":
		return 3000, 4500
	case "express-funded", "live-funded":
		return 2500, 4000
	default:
		return 1000, 2000
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
