// Package store provides durable persistence on SQLite (pure Go driver,
// no CGo).
//
// One DB type owns the connection and exposes grouped methods per entity:
// canonical trades, copy attempts with their simulated fills, ledger
// entries, price and portfolio snapshots, system checkpoints, and the
// versioned copy configuration. Uniqueness constraints carry the
// idempotency guarantees: retried writes collapse into no-ops instead of
// duplicating rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_events (
    tx_hash          TEXT    NOT NULL,
    log_index        INTEGER NOT NULL,
    user_id          TEXT    NOT NULL,
    proxy_address    TEXT    NOT NULL DEFAULT '',
    token_id         TEXT    NOT NULL,
    side             TEXT    NOT NULL,
    price_micros     INTEGER NOT NULL,
    share_micros     INTEGER NOT NULL,
    notional_micros  INTEGER NOT NULL,
    fee_micros       INTEGER NOT NULL DEFAULT 0,
    source           TEXT    NOT NULL,
    event_time       DATETIME NOT NULL,
    detect_time      DATETIME NOT NULL,
    enrichment       TEXT    NOT NULL DEFAULT 'PENDING',
    market_id        TEXT    NOT NULL DEFAULT '',
    condition_id     TEXT    NOT NULL DEFAULT '',
    asset_id         TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_trades_user_asset ON trade_events(user_id, asset_id, event_time);
CREATE INDEX IF NOT EXISTS idx_trades_enrichment ON trade_events(enrichment) WHERE enrichment = 'PENDING';

CREATE TABLE IF NOT EXISTS copy_attempts (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    group_key           TEXT    NOT NULL,
    portfolio_scope     TEXT    NOT NULL,
    user_id             TEXT    NOT NULL,
    asset_id            TEXT    NOT NULL,
    market_id           TEXT    NOT NULL DEFAULT '',
    side                TEXT    NOT NULL,
    decision            TEXT    NOT NULL,
    reasons             TEXT    NOT NULL DEFAULT '',
    source_type         TEXT    NOT NULL,
    buffered_count      INTEGER NOT NULL DEFAULT 0,
    their_notional      INTEGER NOT NULL,
    their_shares        INTEGER NOT NULL,
    ref_price_micros    INTEGER NOT NULL,
    target_notional     INTEGER NOT NULL DEFAULT 0,
    executed_notional   INTEGER NOT NULL DEFAULT 0,
    executed_shares     INTEGER NOT NULL DEFAULT 0,
    vwap_micros         INTEGER NOT NULL DEFAULT 0,
    filled_ratio_bps    INTEGER NOT NULL DEFAULT 0,
    effective_rate_bps  INTEGER NOT NULL DEFAULT 0,
    latency_ms          INTEGER NOT NULL DEFAULT 0,
    decided_at          DATETIME NOT NULL,
    UNIQUE (group_key, portfolio_scope)
);

CREATE INDEX IF NOT EXISTS idx_attempts_decided ON copy_attempts(decided_at DESC);

CREATE TABLE IF NOT EXISTS executable_fills (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id       INTEGER NOT NULL REFERENCES copy_attempts(id),
    price_micros     INTEGER NOT NULL,
    share_micros     INTEGER NOT NULL,
    notional_micros  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_scope  TEXT    NOT NULL,
    user_id          TEXT    NOT NULL DEFAULT '',
    ref_id           TEXT    NOT NULL,
    entry_type       TEXT    NOT NULL,
    asset_id         TEXT    NOT NULL DEFAULT '',
    market_id        TEXT    NOT NULL DEFAULT '',
    share_micros     INTEGER NOT NULL DEFAULT 0,
    cash_micros      INTEGER NOT NULL DEFAULT 0,
    price_micros     INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    UNIQUE (portfolio_scope, ref_id, entry_type)
);

CREATE INDEX IF NOT EXISTS idx_ledger_scope_asset ON ledger_entries(portfolio_scope, asset_id);
CREATE INDEX IF NOT EXISTS idx_ledger_scope_user  ON ledger_entries(portfolio_scope, user_id);

CREATE TABLE IF NOT EXISTS market_price_snapshots (
    asset_id      TEXT    NOT NULL,
    bucket_time   DATETIME NOT NULL,
    bid_micros    INTEGER NOT NULL,
    ask_micros    INTEGER NOT NULL,
    mid_micros    INTEGER NOT NULL,
    source        TEXT    NOT NULL,
    PRIMARY KEY (asset_id, bucket_time)
);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_scope  TEXT    NOT NULL,
    user_id          TEXT,
    bucket_time      DATETIME NOT NULL,
    equity_micros    INTEGER NOT NULL,
    cash_micros      INTEGER NOT NULL,
    exposure_micros  INTEGER NOT NULL,
    unrealized_micros INTEGER NOT NULL DEFAULT 0,
    realized_micros  INTEGER NOT NULL DEFAULT 0,
    updated_at       DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_portfolio_bucket
    ON portfolio_snapshots(portfolio_scope, user_id, bucket_time);

CREATE TABLE IF NOT EXISTS system_checkpoints (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS copy_configs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT NOT NULL DEFAULT '',
    config     TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_configs_user ON copy_configs(user_id, updated_at DESC);
`

// DB wraps the SQLite handle. SQLite is single-writer, so the pool is
// pinned to one connection.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// Ping reports connectivity for the health endpoint.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// withTx runs fn inside a transaction, rolling back on error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowUTC() time.Time { return time.Now().UTC() }
