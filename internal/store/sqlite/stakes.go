package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type stakeStore struct {
	q dbtx
}

const stakeCols = `id, event_id, outcome_id, account_id, amount, implied_probability,
	settled, payout, settled_at, created_at`

func scanStake(row interface{ Scan(...any) error }) (domain.Stake, error) {
	var s domain.Stake
	var settledAt sql.NullInt64
	var created int64
	if err := row.Scan(&s.ID, &s.EventID, &s.OutcomeID, &s.AccountID, &s.Amount,
		&s.ImpliedProbability, &s.Settled, &s.Payout, &settledAt, &created); err != nil {
		return domain.Stake{}, err
	}
	s.SettledAt = timePtr(settledAt)
	s.CreatedAt = fromMicros(created)
	return s, nil
}

func (s stakeStore) Create(ctx context.Context, st domain.Stake) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO stakes (`+stakeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.EventID, st.OutcomeID, st.AccountID, st.Amount, st.ImpliedProbability,
		boolInt(st.Settled), st.Payout, nullMicros(st.SettledAt), toMicros(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create stake %s: %w", st.ID, mapErr(err))
	}
	return nil
}

func (s stakeStore) Get(ctx context.Context, id string) (domain.Stake, error) {
	st, err := scanStake(s.q.QueryRowContext(ctx, `SELECT `+stakeCols+` FROM stakes WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Stake{}, domain.ErrNotFound
		}
		return domain.Stake{}, fmt.Errorf("sqlite: get stake %s: %w", id, mapErr(err))
	}
	return st, nil
}

func (s stakeStore) ListByEvent(ctx context.Context, eventID string) ([]domain.Stake, error) {
	return s.list(ctx,
		`SELECT `+stakeCols+` FROM stakes WHERE event_id = ? ORDER BY created_at, id`,
		[]any{eventID})
}

func (s stakeStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Stake, error) {
	query, args := window(`SELECT `+stakeCols+` FROM stakes WHERE account_id = ?`,
		[]any{accountID}, "created_at", opts)
	query += " ORDER BY created_at DESC, id"
	query, args = page(query, args, opts)
	return s.list(ctx, query, args)
}

func (s stakeStore) list(ctx context.Context, query string, args []any) ([]domain.Stake, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stakes: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan stake: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s stakeStore) MarkSettled(ctx context.Context, id string, payout int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE stakes SET settled = 1, payout = ?, settled_at = ? WHERE id = ? AND settled = 0`,
		payout, toMicros(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: settle stake %s: %w", id, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrStakeSettled
	}
	return nil
}

type settlementStore struct {
	q dbtx
}

const reportCols = `event_id, winning_outcome, resolved_by, total_pool, winning_pool, void,
	winners_paid, total_distributed, rounding_remainder, resolved_at`

func scanReport(row interface{ Scan(...any) error }) (domain.SettlementReport, error) {
	var r domain.SettlementReport
	var resolved int64
	if err := row.Scan(&r.EventID, &r.WinningOutcome, &r.ResolvedBy, &r.TotalPool, &r.WinningPool,
		&r.Void, &r.WinnersPaid, &r.TotalDistributed, &r.RoundingRemainder, &resolved); err != nil {
		return domain.SettlementReport{}, err
	}
	r.ResolvedAt = fromMicros(resolved)
	return r, nil
}

func (s settlementStore) Create(ctx context.Context, r domain.SettlementReport) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO settlement_reports (`+reportCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.WinningOutcome, r.ResolvedBy, r.TotalPool, r.WinningPool, boolInt(r.Void),
		r.WinnersPaid, r.TotalDistributed, r.RoundingRemainder, toMicros(r.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create settlement report %s: %w", r.EventID, mapErr(err))
	}
	return nil
}

func (s settlementStore) Get(ctx context.Context, eventID string) (domain.SettlementReport, error) {
	r, err := scanReport(s.q.QueryRowContext(ctx,
		`SELECT `+reportCols+` FROM settlement_reports WHERE event_id = ?`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementReport{}, domain.ErrNotFound
		}
		return domain.SettlementReport{}, fmt.Errorf("sqlite: get settlement report %s: %w", eventID, mapErr(err))
	}
	return r, nil
}

func (s settlementStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.SettlementReport, error) {
	query, args := window(`SELECT `+reportCols+` FROM settlement_reports WHERE 1=1`, nil, "resolved_at", opts)
	query += " ORDER BY resolved_at DESC"
	query, args = page(query, args, opts)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settlement reports: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.SettlementReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan settlement report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
