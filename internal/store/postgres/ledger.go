package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type ledgerStore struct {
	q querier
}

const ledgerCols = `id, account_id, seq, amount, balance_after, reason, idempotency_key, memo, created_at`

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var reason string
	if err := row.Scan(&e.ID, &e.AccountID, &e.Seq, &e.Amount, &e.BalanceAfter,
		&reason, &e.IdempotencyKey, &e.Memo, &e.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Reason = domain.LedgerReason(reason)
	e.CreatedAt = utc(e.CreatedAt)
	return e, nil
}

// Append relies on the caller holding the account row lock, which makes the
// MAX(seq)+1 read race-free.
func (s ledgerStore) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	err := s.q.QueryRow(ctx,
		`INSERT INTO ledger_entries (`+ledgerCols+`)
		 SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8
		 FROM ledger_entries WHERE account_id = $2
		 RETURNING seq`,
		e.ID, e.AccountID, e.Amount, e.BalanceAfter, string(e.Reason),
		e.IdempotencyKey, e.Memo, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: append ledger entry for %s: %w", e.AccountID, mapErr(err))
	}
	return e, nil
}

func (s ledgerStore) GetByKey(ctx context.Context, accountID string, reason domain.LedgerReason, key string) (domain.LedgerEntry, error) {
	e, err := scanLedgerEntry(s.q.QueryRow(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries
		 WHERE account_id = $1 AND reason = $2 AND idempotency_key = $3`,
		accountID, string(reason), key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get ledger entry %s/%s: %w", reason, key, mapErr(err))
	}
	return e, nil
}

func (s ledgerStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := appendListOpts(`SELECT `+ledgerCols+` FROM ledger_entries WHERE account_id = $1`,
		[]any{accountID}, "created_at", "seq DESC", opts)
	return s.list(ctx, query, args)
}

func (s ledgerStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := appendListOpts(`SELECT `+ledgerCols+` FROM ledger_entries WHERE 1=1`, nil,
		"created_at", "created_at, account_id, seq", opts)
	return s.list(ctx, query, args)
}

func (s ledgerStore) list(ctx context.Context, query string, args []any) ([]domain.LedgerEntry, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries rows: %w", err)
	}
	return out, nil
}
