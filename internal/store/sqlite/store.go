// Package sqlite implements domain.Ledger on an embedded SQLite database
// (modernc.org/sqlite, pure Go). It backs single-node deployments and the
// ledger tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/keylock"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id          INTEGER PRIMARY KEY,
    question    TEXT    NOT NULL DEFAULT '',
    description TEXT    NOT NULL DEFAULT '',
    category    TEXT    NOT NULL DEFAULT '',
    image       TEXT    NOT NULL DEFAULT '',
    source      TEXT    NOT NULL DEFAULT '',
    end_time    INTEGER NOT NULL DEFAULT 0,
    total_pool  TEXT    NOT NULL DEFAULT '0',
    total_yes   TEXT    NOT NULL DEFAULT '0',
    total_no    TEXT    NOT NULL DEFAULT '0',
    status      TEXT    NOT NULL DEFAULT 'active',
    outcome     INTEGER NOT NULL DEFAULT 0,
    creator     TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL DEFAULT 0,
    resolved_at INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL DEFAULT 0
);

-- No unique constraint on (market_id, address): duplicates are repaired by
-- the reconciler.
CREATE TABLE IF NOT EXISTS participants (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id         INTEGER NOT NULL,
    address           TEXT    NOT NULL,
    yes_shares        TEXT    NOT NULL DEFAULT '0',
    no_shares         TEXT    NOT NULL DEFAULT '0',
    total_investment  TEXT    NOT NULL DEFAULT '0',
    first_purchase_at INTEGER NOT NULL DEFAULT 0,
    last_purchase_at  INTEGER NOT NULL DEFAULT 0,
    processed_txs     TEXT    NOT NULL DEFAULT '[]',
    created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_events (
    tx_hash         TEXT    NOT NULL,
    log_index       INTEGER NOT NULL,
    kind            TEXT    NOT NULL,
    contract        TEXT    NOT NULL DEFAULT '',
    market_id       INTEGER NOT NULL,
    address         TEXT    NOT NULL DEFAULT '',
    side            INTEGER NOT NULL DEFAULT 0,
    amount          TEXT    NOT NULL DEFAULT '0',
    block_number    INTEGER NOT NULL,
    block_timestamp INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS claims (
    tx_hash         TEXT    NOT NULL,
    log_index       INTEGER NOT NULL,
    market_id       INTEGER NOT NULL,
    address         TEXT    NOT NULL,
    amount          TEXT    NOT NULL,
    block_number    INTEGER NOT NULL,
    block_timestamp INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS frozen_participants (
    market_id INTEGER NOT NULL,
    address   TEXT    NOT NULL,
    reason    TEXT    NOT NULL,
    frozen_at INTEGER NOT NULL,
    PRIMARY KEY (market_id, address)
);

CREATE TABLE IF NOT EXISTS sync_cursor (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    last_processed_block INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_participants_key    ON participants(market_id, address);
CREATE INDEX IF NOT EXISTS idx_raw_events_purchase ON raw_events(kind, market_id, address);
CREATE INDEX IF NOT EXISTS idx_claims_market       ON claims(market_id);
CREATE INDEX IF NOT EXISTS idx_markets_status      ON markets(status, id);
`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.Ledger on SQLite.
type Store struct {
	db    *sql.DB
	locks *keylock.Mutex
}

var _ domain.Ledger = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory ledger.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, locks: keylock.New()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in one transaction. Key locks taken through the transaction
// are released after commit or rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", classify(err))
	}
	tx := &ledgerTx{q: sqlTx, locks: s.locks, held: make(map[domain.ParticipantKey]func())}
	defer tx.release()

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", classify(err))
	}
	return nil
}

// classify maps SQLite lock contention to domain.ErrPersistenceConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrPersistenceConflict) {
		return err
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", domain.ErrPersistenceConflict, err)
		}
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceConflict, err)
	}
	return err
}
