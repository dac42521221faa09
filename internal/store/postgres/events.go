package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

type eventStore struct {
	q querier
}

const eventCols = `id, creator_id, question, kind, state, closes_at, resolution_type,
	winning_outcome, pending_outcome, settled_pool, settled_winning_pool,
	resolved_by, resolved_at, created_at, updated_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var kind, state, resolution string
	err := row.Scan(
		&e.ID, &e.CreatorID, &e.Question, &kind, &state, &e.ClosesAt, &resolution,
		&e.WinningOutcome, &e.PendingOutcome, &e.SettledPool, &e.SettledWinningPool,
		&e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	e.Kind = domain.EventKind(kind)
	e.State = domain.EventState(state)
	e.ResolutionType = domain.ResolutionType(resolution)
	e.ClosesAt = utc(e.ClosesAt)
	e.ResolvedAt = utcPtr(e.ResolvedAt)
	e.CreatedAt = utc(e.CreatedAt)
	e.UpdatedAt = utc(e.UpdatedAt)
	return e, nil
}

func (s eventStore) Create(ctx context.Context, e domain.Event) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO events (`+eventCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.CreatorID, e.Question, string(e.Kind), string(e.State), e.ClosesAt,
		string(e.ResolutionType), e.WinningOutcome, e.PendingOutcome, e.SettledPool,
		e.SettledWinningPool, e.ResolvedBy, e.ResolvedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create event %s: %w", e.ID, mapErr(err))
	}

	if len(e.Outcomes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range e.Outcomes {
		batch.Queue(
			`INSERT INTO outcomes (id, event_id, label, starting_percent, position) VALUES ($1, $2, $3, $4, $5)`,
			o.ID, e.ID, o.Label, o.StartingPercent, o.Position,
		)
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("postgres: create outcomes for %s: %w", e.ID, err)
	}
	return nil
}

func (s eventStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	sender, ok := s.q.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return errors.New("querier cannot send batches")
	}
	br := sender.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch item %d: %w", i, mapErr(err))
		}
	}
	return nil
}

func (s eventStore) get(ctx context.Context, id, suffix string) (domain.Event, error) {
	e, err := scanEvent(s.q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("postgres: get event %s: %w", id, mapErr(err))
	}
	if e.Outcomes, err = s.outcomes(ctx, id); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func (s eventStore) Get(ctx context.Context, id string) (domain.Event, error) {
	return s.get(ctx, id, "")
}

func (s eventStore) GetForUpdate(ctx context.Context, id string) (domain.Event, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s eventStore) outcomes(ctx context.Context, eventID string) ([]domain.Outcome, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, event_id, label, starting_percent, position
		 FROM outcomes WHERE event_id = $1 ORDER BY position`, eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes %s: %w", eventID, mapErr(err))
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		if err := rows.Scan(&o.ID, &o.EventID, &o.Label, &o.StartingPercent, &o.Position); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s eventStore) Update(ctx context.Context, e domain.Event) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE events SET
			state = $2, closes_at = $3, winning_outcome = $4, pending_outcome = $5,
			settled_pool = $6, settled_winning_pool = $7, resolved_by = $8,
			resolved_at = $9, updated_at = $10
		 WHERE id = $1`,
		e.ID, string(e.State), e.ClosesAt, e.WinningOutcome, e.PendingOutcome,
		e.SettledPool, e.SettledWinningPool, e.ResolvedBy, e.ResolvedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update event %s: %w", e.ID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// Delete relies on ON DELETE CASCADE for outcomes, pools and stakes.
func (s eventStore) Delete(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete event %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s eventStore) List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE 1=1`
	var args []any
	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query, args = appendListOpts(query, args, "created_at", "created_at DESC, id", filter.ListOpts)
	return s.list(ctx, query, args)
}

func (s eventStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Event, error) {
	return s.list(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE state = $1 AND resolution_type = $2 AND closes_at <= $3
		 ORDER BY closes_at`,
		[]any{string(domain.EventStateOpen), string(domain.ResolutionAutomatic), now},
	)
}

func (s eventStore) list(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", mapErr(err))
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	for i := range events {
		if events[i].Outcomes, err = s.outcomes(ctx, events[i].ID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

type poolStore struct {
	q querier
}

func (s poolStore) Init(ctx context.Context, eventID string, outcomeIDs []string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO outcome_pools (event_id, outcome_id, pool_total)
		 SELECT $1, unnest($2::TEXT[]), 0`,
		eventID, outcomeIDs,
	)
	if err != nil {
		return fmt.Errorf("postgres: init pools %s: %w", eventID, mapErr(err))
	}
	return nil
}

func (s poolStore) Add(ctx context.Context, eventID, outcomeID string, amount int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE outcome_pools SET pool_total = pool_total + $3 WHERE event_id = $1 AND outcome_id = $2`,
		eventID, outcomeID, amount,
	)
	if err != nil {
		return fmt.Errorf("postgres: add to pool %s/%s: %w", eventID, outcomeID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidOutcome
	}
	return nil
}

func (s poolStore) Totals(ctx context.Context, eventID string) (domain.PoolTotals, error) {
	rows, err := s.q.Query(ctx,
		`SELECT outcome_id, pool_total FROM outcome_pools WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool totals %s: %w", eventID, mapErr(err))
	}
	defer rows.Close()

	totals := make(domain.PoolTotals)
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}
