package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/overrangefutures/engine/internal/domain"
)

// Store implements domain.Store over a single SQLite file (spec.md §4.2).
// It is the only package that knows SQL; every other package depends on
// domain.Store.
type Store struct {
	db *DB
}

// NewStore wraps db as a domain.Store. Callers must call Migrate first.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) UpsertBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return WithTransaction(s.db.conn, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO historical_bars (symbol, timeframe, open_time, open, high, low, close, volume, closed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, open_time) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume, closed=excluded.closed
		`)
		if err != nil {
			return fmt.Errorf("database: prepare upsert bars: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.Symbol, string(b.TF), b.OpenTime.Unix(),
				b.Open, b.High, b.Low, b.Close, b.Volume, boolToInt(b.Closed)); err != nil {
				return fmt.Errorf("database: upsert bar %s/%s@%d: %w", b.Symbol, b.TF, b.OpenTime.Unix(), err)
			}
		}
		return nil
	})
}

func (s *Store) RangeBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end int64) ([]domain.Bar, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume, closed
		FROM historical_bars
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, symbol, string(tf), start, end)
	if err != nil {
		return nil, fmt.Errorf("database: range bars: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var tfStr string
		var openTime int64
		var closed int
		if err := rows.Scan(&b.Symbol, &tfStr, &openTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &closed); err != nil {
			return nil, fmt.Errorf("database: scan bar: %w", err)
		}
		b.TF = domain.Timeframe(tfStr)
		b.OpenTime = unixToTime(openTime)
		b.Closed = closed != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpsertStrategyState(ctx context.Context, st domain.StrategyState) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO strategy_states (account_id, strategy_name, symbol, enabled, phase,
			overnight_high, overnight_low, current_atr, daily_atr,
			long_armed_order_id, short_armed_order_id, gate_skip_reason, last_executed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, strategy_name, symbol) DO UPDATE SET
			enabled=excluded.enabled, phase=excluded.phase,
			overnight_high=excluded.overnight_high, overnight_low=excluded.overnight_low,
			current_atr=excluded.current_atr, daily_atr=excluded.daily_atr,
			long_armed_order_id=excluded.long_armed_order_id, short_armed_order_id=excluded.short_armed_order_id,
			gate_skip_reason=excluded.gate_skip_reason, last_executed_at=excluded.last_executed_at,
			updated_at=excluded.updated_at
	`, st.AccountID, st.StrategyName, st.Symbol, boolToInt(st.Enabled), string(st.Phase),
		st.OvernightHigh, st.OvernightLow, st.CurrentATR, st.DailyATR,
		st.LongArmedOrderID, st.ShortArmedOrderID, st.GateSkipReason,
		st.LastExecutedAt.Unix(), st.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("database: upsert strategy state: %w", err)
	}
	return nil
}

func (s *Store) GetStrategyState(ctx context.Context, accountID, strategyName, symbol string) (domain.StrategyState, bool, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT account_id, strategy_name, symbol, enabled, phase, overnight_high, overnight_low,
			current_atr, daily_atr, long_armed_order_id, short_armed_order_id, gate_skip_reason,
			last_executed_at, updated_at
		FROM strategy_states WHERE account_id = ? AND strategy_name = ? AND symbol = ?
	`, accountID, strategyName, symbol)
	st, err := scanStrategyState(row)
	if err == sql.ErrNoRows {
		return domain.StrategyState{}, false, nil
	}
	if err != nil {
		return domain.StrategyState{}, false, fmt.Errorf("database: get strategy state: %w", err)
	}
	return st, true, nil
}

func (s *Store) ListStrategyStates(ctx context.Context) ([]domain.StrategyState, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT account_id, strategy_name, symbol, enabled, phase, overnight_high, overnight_low,
			current_atr, daily_atr, long_armed_order_id, short_armed_order_id, gate_skip_reason,
			last_executed_at, updated_at
		FROM strategy_states
	`)
	if err != nil {
		return nil, fmt.Errorf("database: list strategy states: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyState
	for rows.Next() {
		st, err := scanStrategyStateRows(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan strategy state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategyState(r rowScanner) (domain.StrategyState, error) {
	var st domain.StrategyState
	var enabled int
	var phase string
	var lastExec, updatedAt int64
	err := r.Scan(&st.AccountID, &st.StrategyName, &st.Symbol, &enabled, &phase,
		&st.OvernightHigh, &st.OvernightLow, &st.CurrentATR, &st.DailyATR,
		&st.LongArmedOrderID, &st.ShortArmedOrderID, &st.GateSkipReason, &lastExec, &updatedAt)
	if err != nil {
		return domain.StrategyState{}, err
	}
	st.Enabled = enabled != 0
	st.Phase = domain.StrategyPhase(phase)
	st.LastExecutedAt = unixToTime(lastExec)
	st.UpdatedAt = unixToTime(updatedAt)
	return st, nil
}

func scanStrategyStateRows(rows *sql.Rows) (domain.StrategyState, error) {
	return scanStrategyState(rows)
}

func (s *Store) AppendAccountSnapshot(ctx context.Context, snap domain.AccountSnapshot) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO account_snapshots (account_id, ts, balance, realized_pnl, unrealized_pnl,
			commissions, fees, highest_eod_balance, is_eod)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.AccountID, snap.Timestamp.Unix(), snap.Balance, snap.RealizedPnL, snap.UnrealizedPnL,
		snap.Commissions, snap.Fees, snap.HighestEODBalance, boolToInt(snap.IsEOD))
	if err != nil {
		return fmt.Errorf("database: append account snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestEODSnapshot(ctx context.Context, accountID string) (domain.AccountSnapshot, bool, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, ts, balance, realized_pnl, unrealized_pnl, commissions, fees,
			highest_eod_balance, is_eod
		FROM account_snapshots WHERE account_id = ? AND is_eod = 1 ORDER BY ts DESC LIMIT 1
	`, accountID)
	return scanSnapshotOrNotFound(row)
}

func (s *Store) LatestSnapshot(ctx context.Context, accountID string) (domain.AccountSnapshot, bool, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, ts, balance, realized_pnl, unrealized_pnl, commissions, fees,
			highest_eod_balance, is_eod
		FROM account_snapshots WHERE account_id = ? ORDER BY ts DESC LIMIT 1
	`, accountID)
	return scanSnapshotOrNotFound(row)
}

func scanSnapshotOrNotFound(row *sql.Row) (domain.AccountSnapshot, bool, error) {
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return domain.AccountSnapshot{}, false, nil
	}
	if err != nil {
		return domain.AccountSnapshot{}, false, fmt.Errorf("database: scan snapshot: %w", err)
	}
	return snap, true, nil
}

func scanSnapshot(r rowScanner) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	var ts int64
	var isEOD int
	err := r.Scan(&snap.ID, &snap.AccountID, &ts, &snap.Balance, &snap.RealizedPnL, &snap.UnrealizedPnL,
		&snap.Commissions, &snap.Fees, &snap.HighestEODBalance, &isEOD)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	snap.Timestamp = unixToTime(ts)
	snap.IsEOD = isEOD != 0
	return snap, nil
}

func (s *Store) SnapshotHistory(ctx context.Context, accountID string, limit int) ([]domain.AccountSnapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, account_id, ts, balance, realized_pnl, unrealized_pnl, commissions, fees,
			highest_eod_balance, is_eod
		FROM account_snapshots WHERE account_id = ? ORDER BY ts DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("database: snapshot history: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan snapshot history: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBracket(ctx context.Context, b domain.BracketIntent) (int64, error) {
	var tp2 sql.NullFloat64
	if b.TP2Price != nil {
		tp2 = sql.NullFloat64{Float64: *b.TP2Price, Valid: true}
	}

	if b.ID == 0 {
		res, err := s.db.conn.ExecContext(ctx, `
			INSERT INTO brackets (correlation_tag, account_id, symbol, side, size, entry_price,
				stop_price, tp1_price, tp2_price, tp1_fraction, state, reject_reason, failure_detail,
				entry_order_id, stop_order_id, tp1_order_id, tp2_order_id, breakeven_done,
				strategy_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.CorrelationTag, b.AccountID, b.Symbol, string(b.Side), b.Size, b.EntryPrice,
			b.StopPrice, b.TP1Price, tp2, b.TP1Fraction, string(b.State), string(b.RejectReason),
			b.FailureDetail, b.EntryOrderID, b.StopOrderID, b.TP1OrderID, b.TP2OrderID,
			boolToInt(b.BreakevenDone), b.StrategyName, b.CreatedAt.Unix(), b.UpdatedAt.Unix())
		if err != nil {
			return 0, fmt.Errorf("database: insert bracket: %w", err)
		}
		return res.LastInsertId()
	}

	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE brackets SET state=?, reject_reason=?, failure_detail=?, entry_order_id=?,
			stop_order_id=?, tp1_order_id=?, tp2_order_id=?, breakeven_done=?, updated_at=?
		WHERE id = ?
	`, string(b.State), string(b.RejectReason), b.FailureDetail, b.EntryOrderID, b.StopOrderID,
		b.TP1OrderID, b.TP2OrderID, boolToInt(b.BreakevenDone), b.UpdatedAt.Unix(), b.ID)
	if err != nil {
		return 0, fmt.Errorf("database: update bracket: %w", err)
	}
	return b.ID, nil
}

func (s *Store) GetBracket(ctx context.Context, id int64) (domain.BracketIntent, bool, error) {
	row := s.db.conn.QueryRowContext(ctx, bracketSelectSQL+" WHERE id = ?", id)
	return scanBracketOrNotFound(row)
}

func (s *Store) GetBracketByTag(ctx context.Context, correlationTag string) (domain.BracketIntent, bool, error) {
	row := s.db.conn.QueryRowContext(ctx, bracketSelectSQL+" WHERE correlation_tag = ?", correlationTag)
	return scanBracketOrNotFound(row)
}

func (s *Store) ListOpenBrackets(ctx context.Context, accountID string) ([]domain.BracketIntent, error) {
	rows, err := s.db.conn.QueryContext(ctx, bracketSelectSQL+`
		WHERE account_id = ? AND state NOT IN ('closed', 'cancelled', 'failed')
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("database: list open brackets: %w", err)
	}
	defer rows.Close()

	var out []domain.BracketIntent
	for rows.Next() {
		b, err := scanBracket(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan bracket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const bracketSelectSQL = `
	SELECT id, correlation_tag, account_id, symbol, side, size, entry_price, stop_price,
		tp1_price, tp2_price, tp1_fraction, state, reject_reason, failure_detail,
		entry_order_id, stop_order_id, tp1_order_id, tp2_order_id, breakeven_done,
		strategy_name, created_at, updated_at
	FROM brackets
`

func scanBracketOrNotFound(row *sql.Row) (domain.BracketIntent, bool, error) {
	b, err := scanBracket(row)
	if err == sql.ErrNoRows {
		return domain.BracketIntent{}, false, nil
	}
	if err != nil {
		return domain.BracketIntent{}, false, fmt.Errorf("database: scan bracket: %w", err)
	}
	return b, true, nil
}

func scanBracket(r rowScanner) (domain.BracketIntent, error) {
	var b domain.BracketIntent
	var side, state, reason string
	var tp2 sql.NullFloat64
	var breakevenDone int
	var createdAt, updatedAt int64
	err := r.Scan(&b.ID, &b.CorrelationTag, &b.AccountID, &b.Symbol, &side, &b.Size, &b.EntryPrice,
		&b.StopPrice, &b.TP1Price, &tp2, &b.TP1Fraction, &state, &reason, &b.FailureDetail,
		&b.EntryOrderID, &b.StopOrderID, &b.TP1OrderID, &b.TP2OrderID, &breakevenDone,
		&b.StrategyName, &createdAt, &updatedAt)
	if err != nil {
		return domain.BracketIntent{}, err
	}
	b.Side = domain.Side(side)
	b.State = domain.BracketState(state)
	b.RejectReason = domain.RejectReason(reason)
	if tp2.Valid {
		v := tp2.Float64
		b.TP2Price = &v
	}
	b.BreakevenDone = breakevenDone != 0
	b.CreatedAt = unixToTime(createdAt)
	b.UpdatedAt = unixToTime(updatedAt)
	return b, nil
}

func (s *Store) AppendAPIMetric(ctx context.Context, endpoint string, latencyMS int64, success bool) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO api_metrics (endpoint, latency_ms, success, ts) VALUES (?, ?, ?, ?)
	`, endpoint, latencyMS, boolToInt(success), nowUnix())
	if err != nil {
		return fmt.Errorf("database: append api metric: %w", err)
	}
	return nil
}

func (s *Store) PurgeOlderThanBars(ctx context.Context, retentionUnixSeconds int64) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM historical_bars WHERE open_time < ?`, retentionUnixSeconds)
	if err != nil {
		return 0, fmt.Errorf("database: purge bars: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeOlderThanMetrics(ctx context.Context, retentionUnixSeconds int64) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM api_metrics WHERE ts < ?`, retentionUnixSeconds)
	if err != nil {
		return 0, fmt.Errorf("database: purge metrics: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
