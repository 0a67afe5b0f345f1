// Package journal persists trades, daily equity marks, backtest results
// and scanned universes to a local SQLite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id    TEXT NOT NULL,
	order_id    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	price       TEXT NOT NULL,
	commission  TEXT NOT NULL,
	pnl         TEXT NOT NULL,
	strategy    TEXT,
	day         TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_day ON trades(day);

CREATE TABLE IF NOT EXISTS equity_daily (
	day         TEXT PRIMARY KEY,
	equity      TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backtests (
	run_id     TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS universes (
	day        TEXT PRIMARY KEY,
	symbols    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Journal is a SQLite-backed core.IJournal. Decimal columns are stored
// as text so values round-trip without float drift.
type Journal struct {
	db *sql.DB
}

// New opens (or creates) the journal database at dbPath.
func New(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordTrade appends one executed trade.
func (j *Journal) RecordTrade(ctx context.Context, trade *core.Trade) error {
	if trade == nil {
		return fmt.Errorf("nil trade")
	}
	day := trade.Timestamp.Format("20060102")
	query := `INSERT INTO trades
		(trade_id, order_id, symbol, side, quantity, price, commission, pnl, strategy, day, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		trade.ID, trade.OrderID, trade.Symbol, string(trade.Side), trade.Quantity,
		trade.Price.String(), trade.Commission.String(), trade.PnL.String(),
		trade.Strategy, day, trade.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// TradesOn returns all trades executed on the given day (YYYYMMDD),
// oldest first.
func (j *Journal) TradesOn(ctx context.Context, day string) ([]core.Trade, error) {
	query := `SELECT trade_id, order_id, symbol, side, quantity, price, commission, pnl, strategy, executed_at
		FROM trades WHERE day = ? ORDER BY executed_at ASC`
	rows, err := j.db.QueryContext(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []core.Trade
	for rows.Next() {
		var t core.Trade
		var side, price, commission, pnl string
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &side, &t.Quantity,
			&price, &commission, &pnl, &t.Strategy, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = core.OrderSide(side)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price in trade %s: %w", t.ID, err)
		}
		if t.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, fmt.Errorf("corrupt commission in trade %s: %w", t.ID, err)
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("corrupt pnl in trade %s: %w", t.ID, err)
		}
		t.Timestamp = time.Unix(0, executedAt).In(core.KST)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordEquity upserts the end-of-day equity mark for a day.
func (j *Journal) RecordEquity(ctx context.Context, day string, equity decimal.Decimal) error {
	query := `INSERT OR REPLACE INTO equity_daily (day, equity, recorded_at) VALUES (?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, query, day, equity.String(), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record equity: %w", err)
	}
	return nil
}

// LoadEquity returns the recorded equity for a day. The bool reports
// whether a mark exists.
func (j *Journal) LoadEquity(ctx context.Context, day string) (decimal.Decimal, bool, error) {
	var equity string
	err := j.db.QueryRowContext(ctx, `SELECT equity FROM equity_daily WHERE day = ?`, day).Scan(&equity)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to load equity: %w", err)
	}
	d, err := decimal.NewFromString(equity)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt equity for %s: %w", day, err)
	}
	return d, true, nil
}

// RecordBacktest stores a backtest result as JSON keyed by run ID.
func (j *Journal) RecordBacktest(ctx context.Context, result *core.BacktestResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("backtest result must have a run ID")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal backtest result: %w", err)
	}
	query := `INSERT OR REPLACE INTO backtests (run_id, strategy, result, created_at) VALUES (?, ?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, query, result.RunID, result.Strategy, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record backtest: %w", err)
	}
	return nil
}

// LoadBacktest returns a stored backtest result, or nil when absent.
func (j *Journal) LoadBacktest(ctx context.Context, runID string) (*core.BacktestResult, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT result FROM backtests WHERE run_id = ?`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backtest: %w", err)
	}
	var result core.BacktestResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("corrupt backtest result %s: %w", runID, err)
	}
	return &result, nil
}

// SaveUniverse upserts the symbol universe scanned for a day.
func (j *Journal) SaveUniverse(ctx context.Context, day string, symbols []string) error {
	data, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("failed to marshal universe: %w", err)
	}
	query := `INSERT OR REPLACE INTO universes (day, symbols, created_at) VALUES (?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, query, day, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to save universe: %w", err)
	}
	return nil
}

// LoadUniverse returns the universe saved for a day, or nil when none
// was scanned.
func (j *Journal) LoadUniverse(ctx context.Context, day string) ([]string, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT symbols FROM universes WHERE day = ?`, day).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load universe: %w", err)
	}
	var symbols []string
	if err := json.Unmarshal([]byte(data), &symbols); err != nil {
		return nil, fmt.Errorf("corrupt universe for %s: %w", day, err)
	}
	return symbols, nil
}

// Ping verifies the database file is still reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	return j.db.Close()
}
