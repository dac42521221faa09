package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type eventStore struct {
	q dbtx
}

const eventCols = `id, creator_id, question, kind, state, closes_at, resolution_type,
	winning_outcome, pending_outcome, settled_pool, settled_winning_pool,
	resolved_by, resolved_at, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	var kind, state, resolution string
	var closesAt, created, updated int64
	var resolvedAt sql.NullInt64
	err := row.Scan(
		&e.ID, &e.CreatorID, &e.Question, &kind, &state, &closesAt, &resolution,
		&e.WinningOutcome, &e.PendingOutcome, &e.SettledPool, &e.SettledWinningPool,
		&e.ResolvedBy, &resolvedAt, &created, &updated,
	)
	if err != nil {
		return domain.Event{}, err
	}
	e.Kind = domain.EventKind(kind)
	e.State = domain.EventState(state)
	e.ResolutionType = domain.ResolutionType(resolution)
	e.ClosesAt = fromMicros(closesAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.CreatedAt = fromMicros(created)
	e.UpdatedAt = fromMicros(updated)
	return e, nil
}

func (s eventStore) Create(ctx context.Context, e domain.Event) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO events (`+eventCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatorID, e.Question, string(e.Kind), string(e.State), toMicros(e.ClosesAt),
		string(e.ResolutionType), e.WinningOutcome, e.PendingOutcome, e.SettledPool,
		e.SettledWinningPool, e.ResolvedBy, nullMicros(e.ResolvedAt),
		toMicros(e.CreatedAt), toMicros(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create event %s: %w", e.ID, mapErr(err))
	}
	for _, o := range e.Outcomes {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO outcomes (id, event_id, label, starting_percent, position) VALUES (?, ?, ?, ?, ?)`,
			o.ID, e.ID, o.Label, o.StartingPercent, o.Position,
		); err != nil {
			return fmt.Errorf("sqlite: create outcome %s: %w", o.ID, mapErr(err))
		}
	}
	return nil
}

func (s eventStore) Get(ctx context.Context, id string) (domain.Event, error) {
	e, err := scanEvent(s.q.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("sqlite: get event %s: %w", id, mapErr(err))
	}
	if e.Outcomes, err = s.outcomes(ctx, id); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// GetForUpdate is Get: the single connection already serialises writers.
func (s eventStore) GetForUpdate(ctx context.Context, id string) (domain.Event, error) {
	return s.Get(ctx, id)
}

func (s eventStore) outcomes(ctx context.Context, eventID string) ([]domain.Outcome, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, event_id, label, starting_percent, position
		 FROM outcomes WHERE event_id = ? ORDER BY position`, eventID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list outcomes %s: %w", eventID, mapErr(err))
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		if err := rows.Scan(&o.ID, &o.EventID, &o.Label, &o.StartingPercent, &o.Position); err != nil {
			return nil, fmt.Errorf("sqlite: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s eventStore) Update(ctx context.Context, e domain.Event) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE events SET
			state = ?, closes_at = ?, winning_outcome = ?, pending_outcome = ?,
			settled_pool = ?, settled_winning_pool = ?, resolved_by = ?,
			resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(e.State), toMicros(e.ClosesAt), e.WinningOutcome, e.PendingOutcome,
		e.SettledPool, e.SettledWinningPool, e.ResolvedBy,
		nullMicros(e.ResolvedAt), toMicros(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update event %s: %w", e.ID, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s eventStore) Delete(ctx context.Context, id string) error {
	for _, stmt := range []string{
		`DELETE FROM stakes WHERE event_id = ?`,
		`DELETE FROM outcome_pools WHERE event_id = ?`,
		`DELETE FROM outcomes WHERE event_id = ?`,
	} {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("sqlite: delete event %s: %w", id, mapErr(err))
		}
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete event %s: %w", id, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s eventStore) List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query, args = window(query, args, "created_at", filter.ListOpts)
	query += " ORDER BY created_at DESC, id"
	query, args = page(query, args, filter.ListOpts)
	return s.list(ctx, query, args)
}

func (s eventStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Event, error) {
	return s.list(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE state = ? AND resolution_type = ? AND closes_at <= ?
		 ORDER BY closes_at`,
		[]any{string(domain.EventStateOpen), string(domain.ResolutionAutomatic), toMicros(now)},
	)
}

func (s eventStore) list(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", mapErr(err))
	}
	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		events = append(events, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events rows: %w", err)
	}

	// Outcomes are loaded after the cursor is closed; the connection is shared.
	for i := range events {
		if events[i].Outcomes, err = s.outcomes(ctx, events[i].ID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

type poolStore struct {
	q dbtx
}

func (s poolStore) Init(ctx context.Context, eventID string, outcomeIDs []string) error {
	for _, id := range outcomeIDs {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO outcome_pools (event_id, outcome_id, pool_total) VALUES (?, ?, 0)`,
			eventID, id,
		); err != nil {
			return fmt.Errorf("sqlite: init pool %s/%s: %w", eventID, id, mapErr(err))
		}
	}
	return nil
}

func (s poolStore) Add(ctx context.Context, eventID, outcomeID string, amount int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE outcome_pools SET pool_total = pool_total + ? WHERE event_id = ? AND outcome_id = ?`,
		amount, eventID, outcomeID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: add to pool %s/%s: %w", eventID, outcomeID, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidOutcome
	}
	return nil
}

func (s poolStore) Totals(ctx context.Context, eventID string) (domain.PoolTotals, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT outcome_id, pool_total FROM outcome_pools WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pool totals %s: %w", eventID, mapErr(err))
	}
	defer rows.Close()

	totals := make(domain.PoolTotals)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("sqlite: scan pool: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}
