package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type ledgerStore struct {
	q dbtx
}

const ledgerCols = `id, account_id, seq, amount, balance_after, reason, idempotency_key, memo, created_at`

func scanLedgerEntry(row interface{ Scan(...any) error }) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var reason string
	var created int64
	if err := row.Scan(&e.ID, &e.AccountID, &e.Seq, &e.Amount, &e.BalanceAfter,
		&reason, &e.IdempotencyKey, &e.Memo, &created); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Reason = domain.LedgerReason(reason)
	e.CreatedAt = fromMicros(created)
	return e, nil
}

func (s ledgerStore) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (`+ledgerCols+`)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM ledger_entries WHERE account_id = ?
		 RETURNING seq`,
		e.ID, e.AccountID, e.Amount, e.BalanceAfter, string(e.Reason),
		e.IdempotencyKey, e.Memo, toMicros(e.CreatedAt), e.AccountID,
	).Scan(&e.Seq)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: append ledger entry for %s: %w", e.AccountID, mapErr(err))
	}
	return e, nil
}

func (s ledgerStore) GetByKey(ctx context.Context, accountID string, reason domain.LedgerReason, key string) (domain.LedgerEntry, error) {
	e, err := scanLedgerEntry(s.q.QueryRowContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries
		 WHERE account_id = ? AND reason = ? AND idempotency_key = ?`,
		accountID, string(reason), key,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: get ledger entry %s/%s: %w", reason, key, mapErr(err))
	}
	return e, nil
}

func (s ledgerStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := window(`SELECT `+ledgerCols+` FROM ledger_entries WHERE account_id = ?`,
		[]any{accountID}, "created_at", opts)
	query += " ORDER BY seq DESC"
	query, args = page(query, args, opts)
	return s.list(ctx, query, args)
}

func (s ledgerStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := window(`SELECT `+ledgerCols+` FROM ledger_entries WHERE 1=1`, nil, "created_at", opts)
	query += " ORDER BY created_at, account_id, seq"
	query, args = page(query, args, opts)
	return s.list(ctx, query, args)
}

func (s ledgerStore) list(ctx context.Context, query string, args []any) ([]domain.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ledger entries: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
