package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type accountStore struct {
	q dbtx
}

const accountCols = `id, username, balance, active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var created, updated int64
	if err := row.Scan(&a.ID, &a.Username, &a.Balance, &a.Active, &created, &updated); err != nil {
		return domain.Account{}, err
	}
	a.CreatedAt = fromMicros(created)
	a.UpdatedAt = fromMicros(updated)
	return a, nil
}

func (s accountStore) Create(ctx context.Context, a domain.Account) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO accounts (`+accountCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Username, a.Balance, boolInt(a.Active), toMicros(a.CreatedAt), toMicros(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create account %s: %w", a.ID, mapErr(err))
	}
	return nil
}

func (s accountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, fmt.Errorf("sqlite: get account %s: %w", id, mapErr(err))
	}
	return a, nil
}

// GetForUpdate is Get: the single connection already serialises writers.
func (s accountStore) GetForUpdate(ctx context.Context, id string) (domain.Account, error) {
	return s.Get(ctx, id)
}

func (s accountStore) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ?
		 WHERE id = ? AND balance + ? >= 0
		 RETURNING balance`,
		delta, toMicros(time.Now()), id, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite: add balance %s: %w", id, mapErr(err))
	}
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	return 0, domain.ErrInsufficientFunds
}

func (s accountStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), toMicros(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set active %s: %w", id, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s accountStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Account, error) {
	query, args := window(`SELECT `+accountCols+` FROM accounts WHERE 1=1`, nil, "created_at", opts)
	query += " ORDER BY created_at, id"
	query, args = page(query, args, opts)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list accounts: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s accountStore) TotalBalance(ctx context.Context) (int64, error) {
	var total int64
	if err := s.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sqlite: total balance: %w", mapErr(err))
	}
	return total, nil
}
