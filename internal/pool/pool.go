// Package pool maintains the per-outcome token pools of an event.
package pool

import (
	"context"
	"fmt"
	"math"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// Init creates an empty pool for every outcome of ev.
func Init(ctx context.Context, tx domain.Repos, ev domain.Event) error {
	ids := make([]string, 0, len(ev.Outcomes))
	for _, o := range ev.Outcomes {
		ids = append(ids, o.ID)
	}
	if err := tx.Pools().Init(ctx, ev.ID, ids); err != nil {
		return fmt.Errorf("pool: init %s: %w", ev.ID, err)
	}
	return nil
}

// AddStake grows the pool of one outcome and returns the new totals. ev must
// have been read inside tx with its row locked; only open events accept
// stakes. The event total never exceeds math.MaxInt64.
func AddStake(ctx context.Context, tx domain.Repos, ev domain.Event, outcomeID string, amount int64) (domain.PoolTotals, error) {
	if ev.State != domain.EventStateOpen {
		return nil, fmt.Errorf("pool: add to %s: %w", ev.ID, domain.ErrMarketClosed)
	}
	if !ev.HasOutcome(outcomeID) {
		return nil, fmt.Errorf("pool: add to %s/%s: %w", ev.ID, outcomeID, domain.ErrInvalidOutcome)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("pool: add %d to %s: %w", amount, ev.ID, domain.ErrInvalidAmount)
	}
	before, err := Snapshot(ctx, tx, ev.ID)
	if err != nil {
		return nil, err
	}
	if sum := before.Sum(); sum < 0 || amount > math.MaxInt64-sum {
		return nil, fmt.Errorf("pool: add %d to %s: total %d would overflow: %w", amount, ev.ID, sum, domain.ErrInvalidAmount)
	}
	if err := tx.Pools().Add(ctx, ev.ID, outcomeID, amount); err != nil {
		return nil, fmt.Errorf("pool: add to %s/%s: %w", ev.ID, outcomeID, err)
	}
	return Snapshot(ctx, tx, ev.ID)
}

// Snapshot reads a consistent view of all outcome pools of an event.
func Snapshot(ctx context.Context, r domain.Repos, eventID string) (domain.PoolTotals, error) {
	totals, err := r.Pools().Totals(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("pool: snapshot %s: %w", eventID, err)
	}
	return totals, nil
}
