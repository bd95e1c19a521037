// Package tradedb implements the relational store for orders and trades,
// backed by the pure-Go modernc.org/sqlite driver so the supervisor never
// needs cgo. Queries are built with Masterminds/squirrel rather than
// hand-concatenated SQL strings.
package tradedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite connection with the PRAGMAs appropriate for an
// order/trade ledger: durability matters more than raw throughput here, so
// synchronous=FULL is used rather than the cache-profile's relaxed settings.
type DB struct {
	conn *sql.DB
	path string
}

// Config configures the trade database connection.
type Config struct {
	Path          string
	BusyTimeoutMS int
}

// Open creates (or opens) the sqlite database at cfg.Path, applying WAL mode
// and a ledger-grade durability profile, and runs the schema migration.
func Open(cfg Config) (*DB, error) {
	if cfg.BusyTimeoutMS == 0 {
		cfg.BusyTimeoutMS = 5000
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	connStr := buildConnectionString(absPath, cfg.BusyTimeoutMS)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite + WAL: single writer, serialize at the pool
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, path: absPath}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func buildConnectionString(path string, busyTimeoutMS int) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(FULL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += fmt.Sprintf("&_pragma=busy_timeout(%d)", busyTimeoutMS)
	connStr += "&_pragma=cache_size(-32000)"
	return connStr
}

// Conn returns the underlying *sql.DB, used by the repository layer.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id                 TEXT PRIMARY KEY,
	strategy_id               TEXT NOT NULL,
	instrument_symbol         TEXT NOT NULL,
	instrument_venue          TEXT NOT NULL,
	trade_type                TEXT NOT NULL,
	entry_time                TIMESTAMP NOT NULL,
	entry_price                TEXT NOT NULL,
	exit_time                 TIMESTAMP,
	exit_price                 TEXT,
	quantity                   TEXT NOT NULL,
	direction                  TEXT NOT NULL,
	gross_pnl                  TEXT NOT NULL DEFAULT '0',
	commission                 TEXT NOT NULL DEFAULT '0',
	net_pnl                    TEXT NOT NULL DEFAULT '0',
	result                     TEXT,
	max_unrealized_profit      TEXT NOT NULL DEFAULT '0',
	max_unrealized_loss        TEXT NOT NULL DEFAULT '0',
	max_unrealized_loss_time  TIMESTAMP,
	snapshots_json             TEXT,
	strikes_json               TEXT,
	legs_json                  TEXT,
	status                     TEXT NOT NULL,
	exit_reason                TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(strategy_id, status);

CREATE TABLE IF NOT EXISTS orders (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id           TEXT REFERENCES trades(trade_id),
	strategy_id        TEXT NOT NULL,
	instrument_symbol  TEXT NOT NULL,
	instrument_venue   TEXT NOT NULL,
	direction          TEXT NOT NULL,
	side               TEXT NOT NULL,
	type               TEXT NOT NULL,
	quantity           TEXT NOT NULL,
	status             TEXT NOT NULL,
	submitted_time     TIMESTAMP NOT NULL,
	filled_time        TIMESTAMP,
	filled_price       TEXT,
	filled_quantity    TEXT,
	commission         TEXT,
	exchange_order_id  TEXT,
	raw                TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);
CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schema)
	return err
}
