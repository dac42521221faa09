// Package sqlite implements the domain store on SQLite (pure Go, no cgo).
// It backs single-node deployments and the engine tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    username   TEXT    NOT NULL UNIQUE,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    active     INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id              TEXT PRIMARY KEY,
    account_id      TEXT    NOT NULL,
    seq             INTEGER NOT NULL,
    amount          INTEGER NOT NULL,
    balance_after   INTEGER NOT NULL,
    reason          TEXT    NOT NULL,
    idempotency_key TEXT    NOT NULL,
    memo            TEXT    NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    UNIQUE (account_id, seq),
    UNIQUE (account_id, reason, idempotency_key)
);

CREATE TABLE IF NOT EXISTS events (
    id                   TEXT PRIMARY KEY,
    creator_id           TEXT    NOT NULL,
    question             TEXT    NOT NULL,
    kind                 TEXT    NOT NULL,
    state                TEXT    NOT NULL,
    closes_at            INTEGER NOT NULL,
    resolution_type      TEXT    NOT NULL,
    winning_outcome      TEXT    NOT NULL DEFAULT '',
    pending_outcome      TEXT    NOT NULL DEFAULT '',
    settled_pool         INTEGER NOT NULL DEFAULT 0,
    settled_winning_pool INTEGER NOT NULL DEFAULT 0,
    resolved_by          TEXT    NOT NULL DEFAULT '',
    resolved_at          INTEGER,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
    id               TEXT PRIMARY KEY,
    event_id         TEXT    NOT NULL,
    label            TEXT    NOT NULL,
    starting_percent INTEGER NOT NULL,
    position         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcome_pools (
    event_id   TEXT    NOT NULL,
    outcome_id TEXT    NOT NULL,
    pool_total INTEGER NOT NULL DEFAULT 0 CHECK (pool_total >= 0),
    PRIMARY KEY (event_id, outcome_id)
);

CREATE TABLE IF NOT EXISTS stakes (
    id                  TEXT PRIMARY KEY,
    event_id            TEXT    NOT NULL,
    outcome_id          TEXT    NOT NULL,
    account_id          TEXT    NOT NULL,
    amount              INTEGER NOT NULL CHECK (amount > 0),
    implied_probability INTEGER NOT NULL,
    settled             INTEGER NOT NULL DEFAULT 0,
    payout              INTEGER NOT NULL DEFAULT 0,
    settled_at          INTEGER,
    created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_reports (
    event_id           TEXT PRIMARY KEY,
    winning_outcome    TEXT    NOT NULL,
    resolved_by        TEXT    NOT NULL,
    total_pool         INTEGER NOT NULL,
    winning_pool       INTEGER NOT NULL,
    void               INTEGER NOT NULL,
    winners_paid       INTEGER NOT NULL,
    total_distributed  INTEGER NOT NULL,
    rounding_remainder INTEGER NOT NULL,
    resolved_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_account  ON ledger_entries(account_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_created  ON ledger_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_event  ON outcomes(event_id, position);
CREATE INDEX IF NOT EXISTS idx_stakes_event    ON stakes(event_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stakes_account  ON stakes(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_state    ON events(state, closes_at);
`

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.Store on a single SQLite connection.
type Store struct {
	db *sql.DB
	repos
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	now := toMicros(time.Now())
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, username, balance, active, created_at, updated_at)
		 VALUES (?, ?, 0, 0, ?, ?)`,
		domain.PlatformAccountID, domain.PlatformAccountID, now, now,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: seed platform account: %w", err)
	}

	return &Store{db: db, repos: repos{q: db}}, nil
}

// WithinTx runs fn in a transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", mapErr(err))
	}
	defer tx.Rollback()

	if err := fn(repos{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", mapErr(err))
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() {
	s.db.Close()
}

// repos binds every repository to one dbtx.
type repos struct {
	q dbtx
}

func (r repos) Accounts() domain.AccountStore { return accountStore{q: r.q} }
func (r repos) Ledger() domain.LedgerStore { return ledgerStore{q: r.q} }
func (r repos) Events() domain.EventStore { return eventStore{q: r.q} }
func (r repos) Pools() domain.PoolStore { return poolStore{q: r.q} }
func (r repos) Stakes() domain.StakeStore { return stakeStore{q: r.q} }
func (r repos) Settlements() domain.SettlementStore { return settlementStore{q: r.q} }
func (r repos) Audit() domain.AuditStore { return auditStore{q: r.q} }

var _ domain.Store = (*Store)(nil)

// mapErr translates SQLite result codes into domain errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
			}
		}
	}
	return err
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// page appends ORDER-independent LIMIT/OFFSET clauses.
func page(query string, args []any, opts domain.ListOpts) (string, []any) {
	switch {
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

// window appends created_at bounds from opts.
func window(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		query += " AND " + col + " >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND " + col + " < ?"
		args = append(args, toMicros(*opts.Until))
	}
	return query, args
}
