package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type stakeStore struct {
	q querier
}

const stakeCols = `id, event_id, outcome_id, account_id, amount, implied_probability,
	settled, payout, settled_at, created_at`

func scanStake(row pgx.Row) (domain.Stake, error) {
	var s domain.Stake
	if err := row.Scan(&s.ID, &s.EventID, &s.OutcomeID, &s.AccountID, &s.Amount,
		&s.ImpliedProbability, &s.Settled, &s.Payout, &s.SettledAt, &s.CreatedAt); err != nil {
		return domain.Stake{}, err
	}
	s.SettledAt = utcPtr(s.SettledAt)
	s.CreatedAt = utc(s.CreatedAt)
	return s, nil
}

func (s stakeStore) Create(ctx context.Context, st domain.Stake) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO stakes (`+stakeCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.EventID, st.OutcomeID, st.AccountID, st.Amount, st.ImpliedProbability,
		st.Settled, st.Payout, st.SettledAt, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create stake %s: %w", st.ID, mapErr(err))
	}
	return nil
}

func (s stakeStore) Get(ctx context.Context, id string) (domain.Stake, error) {
	st, err := scanStake(s.q.QueryRow(ctx, `SELECT `+stakeCols+` FROM stakes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Stake{}, domain.ErrNotFound
		}
		return domain.Stake{}, fmt.Errorf("postgres: get stake %s: %w", id, mapErr(err))
	}
	return st, nil
}

func (s stakeStore) ListByEvent(ctx context.Context, eventID string) ([]domain.Stake, error) {
	return s.list(ctx,
		`SELECT `+stakeCols+` FROM stakes WHERE event_id = $1 ORDER BY created_at, id`,
		[]any{eventID})
}

func (s stakeStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Stake, error) {
	query, args := appendListOpts(`SELECT `+stakeCols+` FROM stakes WHERE account_id = $1`,
		[]any{accountID}, "created_at", "created_at DESC, id", opts)
	return s.list(ctx, query, args)
}

func (s stakeStore) list(ctx context.Context, query string, args []any) ([]domain.Stake, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes: %w", mapErr(err))
	}
	stakes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Stake, error) {
		return scanStake(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes rows: %w", err)
	}
	return stakes, nil
}

func (s stakeStore) MarkSettled(ctx context.Context, id string, payout int64, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE stakes SET settled = TRUE, payout = $2, settled_at = $3 WHERE id = $1 AND NOT settled`,
		id, payout, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle stake %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrStakeSettled
	}
	return nil
}

type settlementStore struct {
	q querier
}

const reportCols = `event_id, winning_outcome, resolved_by, total_pool, winning_pool, void,
	winners_paid, total_distributed, rounding_remainder, resolved_at`

func scanReport(row pgx.Row) (domain.SettlementReport, error) {
	var r domain.SettlementReport
	if err := row.Scan(&r.EventID, &r.WinningOutcome, &r.ResolvedBy, &r.TotalPool, &r.WinningPool,
		&r.Void, &r.WinnersPaid, &r.TotalDistributed, &r.RoundingRemainder, &r.ResolvedAt); err != nil {
		return domain.SettlementReport{}, err
	}
	r.ResolvedAt = utc(r.ResolvedAt)
	return r, nil
}

func (s settlementStore) Create(ctx context.Context, r domain.SettlementReport) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO settlement_reports (`+reportCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.EventID, r.WinningOutcome, r.ResolvedBy, r.TotalPool, r.WinningPool, r.Void,
		r.WinnersPaid, r.TotalDistributed, r.RoundingRemainder, r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create settlement report %s: %w", r.EventID, mapErr(err))
	}
	return nil
}

func (s settlementStore) Get(ctx context.Context, eventID string) (domain.SettlementReport, error) {
	r, err := scanReport(s.q.QueryRow(ctx,
		`SELECT `+reportCols+` FROM settlement_reports WHERE event_id = $1`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementReport{}, domain.ErrNotFound
		}
		return domain.SettlementReport{}, fmt.Errorf("postgres: get settlement report %s: %w", eventID, mapErr(err))
	}
	return r, nil
}

func (s settlementStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementReport, error) {
	query, args := appendListOpts(`SELECT `+reportCols+` FROM settlement_reports WHERE 1=1`, nil,
		"resolved_at", "resolved_at DESC", opts)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlement reports: %w", mapErr(err))
	}
	reports, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SettlementReport, error) {
		return scanReport(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlement reports rows: %w", err)
	}
	return reports, nil
}
