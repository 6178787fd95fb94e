// Package storage provides durable persistence for opportunities, trades,
// snapshots, and learned patterns, plus a recovery-marker mechanism for in-flight
// trading sessions (§3/§5/§6).
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection. WAL mode plus a busy timeout let the
// Orchestrator, PositionMonitor, and daily snapshot job share one file through
// short transactions without long-held locks, per §5.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	_ = s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

CREATE TABLE IF NOT EXISTS opportunities (
	id                 TEXT PRIMARY KEY,
	opportunity_hash   TEXT NOT NULL UNIQUE,
	symbol             TEXT NOT NULL,
	strike             REAL NOT NULL,
	expiration         TEXT NOT NULL,
	source             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	bid                REAL NOT NULL DEFAULT 0,
	ask                REAL NOT NULL DEFAULT 0,
	mid                REAL NOT NULL DEFAULT 0,
	stock_price        REAL NOT NULL DEFAULT 0,
	otm_pct            REAL NOT NULL DEFAULT 0,
	dte                INTEGER NOT NULL DEFAULT 0,
	margin_requirement REAL NOT NULL DEFAULT 0,
	margin_efficiency  REAL NOT NULL DEFAULT 0,
	trend              TEXT NOT NULL DEFAULT '',
	rank_score         REAL NOT NULL DEFAULT 0,
	contract_id        INTEGER NOT NULL DEFAULT 0,
	trading_class      TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	reject_reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_opportunities_state ON opportunities(state);
CREATE INDEX IF NOT EXISTS idx_opportunities_symbol ON opportunities(symbol, expiration);

CREATE TABLE IF NOT EXISTS opportunity_transitions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	opportunity_id  TEXT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
	from_state      TEXT NOT NULL,
	to_state        TEXT NOT NULL,
	at              TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	actor           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_opportunity_transitions_opp ON opportunity_transitions(opportunity_id, at);

CREATE TABLE IF NOT EXISTS trades (
	trade_id          TEXT PRIMARY KEY,
	symbol            TEXT NOT NULL,
	strike            REAL NOT NULL,
	expiration        TEXT NOT NULL,
	contracts         INTEGER NOT NULL,
	status            TEXT NOT NULL,
	entry_premium     REAL NOT NULL DEFAULT 0,
	entry_date        TEXT NOT NULL,
	entry_order_id    TEXT NOT NULL DEFAULT '',
	exit_date         TEXT,
	exit_premium      REAL,
	exit_reason       TEXT,
	exit_order_id     TEXT NOT NULL DEFAULT '',
	profit_loss       REAL,
	profit_pct        REAL,
	entry_snapshot_id TEXT NOT NULL DEFAULT '',
	exit_snapshot_id  TEXT,
	data_source       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, expiration);

CREATE TABLE IF NOT EXISTS entry_snapshots (
	id                   TEXT PRIMARY KEY,
	trade_id             TEXT NOT NULL UNIQUE REFERENCES trades(trade_id) ON DELETE CASCADE,
	data_quality_score   REAL NOT NULL DEFAULT 0,
	critical_field_count INTEGER NOT NULL DEFAULT 0,
	captured_at          TEXT NOT NULL,
	payload              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS position_snapshots (
	id            TEXT PRIMARY KEY,
	trade_id      TEXT NOT NULL REFERENCES trades(trade_id) ON DELETE CASCADE,
	snapshot_date TEXT NOT NULL,
	captured_at   TEXT NOT NULL,
	payload       TEXT NOT NULL,
	UNIQUE (trade_id, snapshot_date)
);
CREATE INDEX IF NOT EXISTS idx_position_snapshots_trade ON position_snapshots(trade_id, snapshot_date);

CREATE TABLE IF NOT EXISTS exit_snapshots (
	id          TEXT PRIMARY KEY,
	trade_id    TEXT NOT NULL UNIQUE REFERENCES trades(trade_id) ON DELETE CASCADE,
	win         INTEGER NOT NULL DEFAULT 0,
	roi_pct     REAL NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_type      TEXT NOT NULL,
	pattern_name      TEXT NOT NULL,
	sample_size       INTEGER NOT NULL,
	win_rate          REAL NOT NULL,
	avg_roi           REAL NOT NULL,
	baseline_win_rate REAL NOT NULL,
	baseline_roi      REAL NOT NULL,
	p_value           REAL NOT NULL,
	confidence        REAL NOT NULL,
	effect_size       REAL NOT NULL,
	predicates        TEXT NOT NULL,
	detected_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`
