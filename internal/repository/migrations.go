package repository

import (
	"database/sql"
	"fmt"
)

// migrations.go - схема базы данных
//
// Схема применяется идемпотентно при старте. Отдельного инструмента
// миграций нет: таблиц немного и они меняются вместе с кодом.

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id                      SERIAL PRIMARY KEY,
		symbol                  TEXT NOT NULL,
		side                    TEXT NOT NULL,
		quantity                DOUBLE PRECISION NOT NULL,
		leverage                INTEGER NOT NULL DEFAULT 1,
		entry_price             DOUBLE PRECISION NOT NULL,
		opened_at               TIMESTAMPTZ NOT NULL,
		order_id                TEXT NOT NULL DEFAULT '',
		stop_loss               DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit             DOUBLE PRECISION NOT NULL DEFAULT 0,
		partial_close_fraction  DOUBLE PRECISION NOT NULL DEFAULT 0,
		warning_score           DOUBLE PRECISION NOT NULL DEFAULT 0,
		reversal_warning        BOOLEAN NOT NULL DEFAULT FALSE,
		peak_pnl_percent        DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (symbol, side)
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id         SERIAL PRIMARY KEY,
		order_id   TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		side       TEXT NOT NULL,
		type       TEXT NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		quantity   DOUBLE PRECISION NOT NULL,
		leverage   INTEGER NOT NULL DEFAULT 1,
		pnl        DOUBLE PRECISION,
		fee        DOUBLE PRECISION NOT NULL DEFAULT 0,
		timestamp  TIMESTAMPTZ NOT NULL,
		status     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades (symbol, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_type_ts ON trades (type, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS price_orders (
		id                 SERIAL PRIMARY KEY,
		order_id           TEXT NOT NULL,
		symbol             TEXT NOT NULL,
		side               TEXT NOT NULL,
		type               TEXT NOT NULL,
		trigger_price      DOUBLE PRECISION NOT NULL,
		order_price        DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity           DOUBLE PRECISION NOT NULL,
		status             TEXT NOT NULL DEFAULT 'active',
		position_order_id  TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_orders_status ON price_orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_price_orders_symbol_side ON price_orders (symbol, side)`,

	`CREATE TABLE IF NOT EXISTS position_close_events (
		id           SERIAL PRIMARY KEY,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  DOUBLE PRECISION NOT NULL,
		close_price  DOUBLE PRECISION NOT NULL,
		quantity     DOUBLE PRECISION NOT NULL,
		leverage     INTEGER NOT NULL DEFAULT 1,
		pnl          DOUBLE PRECISION NOT NULL,
		pnl_percent  DOUBLE PRECISION NOT NULL,
		fee          DOUBLE PRECISION NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL,
		trigger_type TEXT NOT NULL DEFAULT '',
		order_id     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		processed    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_close_events_processed ON position_close_events (processed)`,

	`CREATE TABLE IF NOT EXISTS inconsistent_states (
		id                 SERIAL PRIMARY KEY,
		operation          TEXT NOT NULL,
		symbol             TEXT NOT NULL,
		side               TEXT NOT NULL,
		exchange_order_id  TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		resolved           INTEGER NOT NULL DEFAULT 0,
		resolved_at        TIMESTAMPTZ,
		resolved_by        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inconsistent_resolved ON inconsistent_states (resolved, created_at)`,

	`CREATE TABLE IF NOT EXISTS agent_decisions (
		id              SERIAL PRIMARY KEY,
		timestamp       TIMESTAMPTZ NOT NULL,
		iteration       INTEGER NOT NULL,
		decision        TEXT NOT NULL DEFAULT '',
		actions_taken   TEXT NOT NULL DEFAULT '',
		account_value   DOUBLE PRECISION NOT NULL DEFAULT 0,
		positions_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS account_history (
		id             SERIAL PRIMARY KEY,
		timestamp      TIMESTAMPTZ NOT NULL,
		total_value    DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		return_percent DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_history_ts ON account_history (timestamp)`,
}

// RunMigrations применяет схему к базе данных
func RunMigrations(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
