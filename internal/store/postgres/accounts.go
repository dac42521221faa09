package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type accountStore struct {
	q querier
}

const accountCols = `id, username, balance, active, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Username, &a.Balance, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	a.CreatedAt = utc(a.CreatedAt)
	a.UpdatedAt = utc(a.UpdatedAt)
	return a, nil
}

func (s accountStore) Create(ctx context.Context, a domain.Account) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO accounts (`+accountCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, a.Balance, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create account %s: %w", a.ID, mapErr(err))
	}
	return nil
}

func (s accountStore) get(ctx context.Context, id, suffix string) (domain.Account, error) {
	a, err := scanAccount(s.q.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, mapErr(err))
	}
	return a, nil
}

func (s accountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	return s.get(ctx, id, "")
}

func (s accountStore) GetForUpdate(ctx context.Context, id string) (domain.Account, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s accountStore) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := s.q.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE id = $1 AND balance + $2 >= 0
		 RETURNING balance`,
		id, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: add balance %s: %w", id, mapErr(err))
	}
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	return 0, domain.ErrInsufficientFunds
}

func (s accountStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("postgres: set active %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s accountStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Account, error) {
	query, args := appendListOpts(`SELECT `+accountCols+` FROM accounts WHERE 1=1`, nil,
		"created_at", "created_at, id", opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts rows: %w", err)
	}
	return out, nil
}

func (s accountStore) TotalBalance(ctx context.Context) (int64, error) {
	var total int64
	if err := s.q.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0)::BIGINT FROM accounts`).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: total balance: %w", mapErr(err))
	}
	return total, nil
}
