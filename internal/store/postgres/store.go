package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store on a pgx connection pool.
type Store struct {
	client *Client
	repos
}

// NewStore creates a Store on top of an open Client.
func NewStore(client *Client) *Store {
	return &Store{client: client, repos: repos{q: client.Pool()}}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken with
// GetForUpdate serialise writers of the same event or account.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Repos) error) error {
	tx, err := s.client.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", mapErr(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(repos{q: tx}); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapErr(err))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Pool().Ping(ctx)
}

// Close shuts the pool down.
func (s *Store) Close() {
	s.client.Close()
}

type repos struct {
	q querier
}

func (r repos) Accounts() domain.AccountStore { return accountStore{q: r.q} }
func (r repos) Ledger() domain.LedgerStore { return ledgerStore{q: r.q} }
func (r repos) Events() domain.EventStore { return eventStore{q: r.q} }
func (r repos) Pools() domain.PoolStore { return poolStore{q: r.q} }
func (r repos) Stakes() domain.StakeStore { return stakeStore{q: r.q} }
func (r repos) Settlements() domain.SettlementStore { return settlementStore{q: r.q} }
func (r repos) Audit() domain.AuditStore { return auditStore{q: r.q} }

var _ domain.Store = (*Store)(nil)

// SQLSTATE codes that mean "retry later".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// mapErr translates PostgreSQL errors into domain errors. Errors that already
// wrap a domain sentinel pass through unchanged.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %v", domain.ErrConcurrentModification, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	case codeCheckViolation:
		if pgErr.ConstraintName == "accounts_balance_check" {
			return fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
		}
	}
	return err
}

// appendListOpts adds time bounds and pagination using numbered parameters.
func appendListOpts(query string, args []any, col, orderBy string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", col, len(args))
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
