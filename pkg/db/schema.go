package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'owner',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    secret_hash TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    last_seen DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS replay_records (
    device_id TEXT NOT NULL,
    nonce TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    PRIMARY KEY(device_id, nonce)
);

CREATE TABLE IF NOT EXISTS signals (
    approval_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    volume REAL NOT NULL,
    ttl_minutes INTEGER NOT NULL,
    owner_only TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    fail_count INTEGER DEFAULT 0,
    error_message TEXT,
    first_polled_at DATETIME,
    acked_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    approval_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    volume REAL NOT NULL,
    broker_ticket TEXT,
    owner_stop_loss REAL,
    owner_take_profit REAL,
    strategy_tag TEXT,
    status TEXT NOT NULL DEFAULT 'OPEN',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    close_price REAL,
    close_reason TEXT
);

CREATE TABLE IF NOT EXISTS risk_states (
    user_id TEXT PRIMARY KEY,
    peak_equity REAL NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS guard_configs (
    user_id TEXT PRIMARY KEY,
    warning_percent REAL DEFAULT 15,
    critical_percent REAL DEFAULT 20,
    min_equity REAL DEFAULT 0,
    max_gap_percent REAL DEFAULT 1.0,
    max_spread_percent REAL DEFAULT 0.5,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recon_snapshots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    matched_count INTEGER DEFAULT 0,
    divergence_count INTEGER DEFAULT 0,
    taken_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recon_divergences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id TEXT NOT NULL,
    type TEXT NOT NULL,
    instrument TEXT NOT NULL,
    position_id TEXT,
    broker_ticket TEXT,
    magnitude REAL DEFAULT 0,
    detail TEXT,
    FOREIGN KEY(snapshot_id) REFERENCES recon_snapshots(id)
);

CREATE TABLE IF NOT EXISTS close_audit (
    close_id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    close_price REAL NOT NULL,
    pnl REAL NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(position_id) REFERENCES positions(id)
);

CREATE INDEX IF NOT EXISTS idx_signals_user_status ON signals(user_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_replay_expiry ON replay_records(expires_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "signals", "fail_count", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "strategy_tag", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "devices", "last_seen", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "guard_configs", "max_spread_percent", "REAL DEFAULT 0.5"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
