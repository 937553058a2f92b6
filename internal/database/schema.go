package database

// schemaSQL is the engine's single-file schema (spec.md §4.2). All tables
// live in one SQLite file: there is no separate ledger/cache database split
// the way a portfolio-scale system would use, since the engine's entire
// working set fits comfortably in one WAL-mode file.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS historical_bars (
	symbol     TEXT    NOT NULL,
	timeframe  TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     REAL    NOT NULL,
	closed     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (symbol, timeframe, open_time)
);
CREATE INDEX IF NOT EXISTS idx_bars_range ON historical_bars(symbol, timeframe, open_time);

CREATE TABLE IF NOT EXISTS strategy_states (
	account_id           TEXT    NOT NULL,
	strategy_name        TEXT    NOT NULL,
	symbol               TEXT    NOT NULL,
	enabled              INTEGER NOT NULL,
	phase                TEXT    NOT NULL,
	overnight_high       REAL    NOT NULL,
	overnight_low        REAL    NOT NULL,
	current_atr          REAL    NOT NULL,
	daily_atr            REAL    NOT NULL,
	long_armed_order_id  TEXT    NOT NULL DEFAULT '',
	short_armed_order_id TEXT    NOT NULL DEFAULT '',
	gate_skip_reason     TEXT    NOT NULL DEFAULT '',
	last_executed_at     INTEGER NOT NULL DEFAULT 0,
	updated_at           INTEGER NOT NULL,
	PRIMARY KEY (account_id, strategy_name, symbol)
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id          TEXT    NOT NULL,
	ts                  INTEGER NOT NULL,
	balance             REAL    NOT NULL,
	realized_pnl        REAL    NOT NULL,
	unrealized_pnl      REAL    NOT NULL,
	commissions         REAL    NOT NULL,
	fees                REAL    NOT NULL,
	highest_eod_balance REAL    NOT NULL,
	is_eod              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account_ts ON account_snapshots(account_id, ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_eod ON account_snapshots(account_id, is_eod, ts);

CREATE TABLE IF NOT EXISTS brackets (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_tag TEXT    NOT NULL UNIQUE,
	account_id      TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	size            INTEGER NOT NULL,
	entry_price     REAL    NOT NULL,
	stop_price      REAL    NOT NULL,
	tp1_price       REAL,
	tp2_price       REAL,
	tp1_fraction    REAL    NOT NULL,
	state           TEXT    NOT NULL,
	reject_reason   TEXT    NOT NULL DEFAULT '',
	failure_detail  TEXT    NOT NULL DEFAULT '',
	entry_order_id  TEXT    NOT NULL DEFAULT '',
	stop_order_id   TEXT    NOT NULL DEFAULT '',
	tp1_order_id    TEXT    NOT NULL DEFAULT '',
	tp2_order_id    TEXT    NOT NULL DEFAULT '',
	breakeven_done  INTEGER NOT NULL DEFAULT 0,
	strategy_name   TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_brackets_account_state ON brackets(account_id, state);

CREATE TABLE IF NOT EXISTS api_metrics (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint   TEXT    NOT NULL,
	latency_ms INTEGER NOT NULL,
	success    INTEGER NOT NULL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_metrics_ts ON api_metrics(ts);
`
