// Package settlement resolves events and distributes the pooled tokens.
//
// Resolution runs in three steps so that a crash part-way through can be
// resumed by calling Resolve again:
//
//  1. One transaction closes the event if it is still open, and records the
//     chosen outcome together with the final pool snapshot.
//  2. Each unsettled stake is paid in its own transaction. The ledger credit
//     is keyed by stake id, so a replay never pays twice.
//  3. One transaction credits the rounding remainder to the platform account,
//     marks the event resolved and stores the settlement report.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/ledger"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/pool"
)

// Engine resolves events.
type Engine struct {
	store  domain.Store
	locks  domain.EventLocker
	ledger *ledger.Ledger
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(store domain.Store, locks domain.EventLocker, l *ledger.Ledger, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, locks: locks, ledger: l, now: now, logger: logger}
}

// Resolve settles an event on winningOutcome. Resolving an event that is
// already resolved returns the stored report together with
// domain.ErrAlreadyResolved and changes nothing.
func (e *Engine) Resolve(ctx context.Context, eventID, winningOutcome, resolverID string) (domain.SettlementReport, error) {
	unlock, err := e.locks.Lock(ctx, eventID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("settlement: resolve: %w", err)
	}
	defer unlock()

	ev, report, err := e.begin(ctx, eventID, winningOutcome, resolverID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			return report, fmt.Errorf("settlement: resolve %s: %w", eventID, err)
		}
		return domain.SettlementReport{}, fmt.Errorf("settlement: resolve %s: %w", eventID, err)
	}

	if err := e.settleStakes(ctx, ev); err != nil {
		return domain.SettlementReport{}, fmt.Errorf("settlement: resolve %s: %w", eventID, err)
	}

	report, err = e.finish(ctx, ev.ID)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("settlement: resolve %s: %w", eventID, err)
	}

	e.logger.InfoContext(ctx, "settlement: event resolved",
		slog.String("event_id", report.EventID),
		slog.String("winning_outcome", report.WinningOutcome),
		slog.Int64("total_pool", report.TotalPool),
		slog.Int("winners_paid", report.WinnersPaid),
		slog.Int64("rounding_remainder", report.RoundingRemainder),
		slog.Bool("void", report.Void),
	)
	return report, nil
}

// begin freezes the pools. A resolution already in progress for the same
// outcome is resumed; one for another outcome is refused.
func (e *Engine) begin(ctx context.Context, eventID, winningOutcome, resolverID string) (domain.Event, domain.SettlementReport, error) {
	var (
		out    domain.Event
		report domain.SettlementReport
	)
	err := e.store.WithinTx(ctx, func(tx domain.Repos) error {
		ev, err := tx.Events().GetForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.State == domain.EventStateResolved {
			report, err = tx.Settlements().Get(ctx, eventID)
			if err != nil {
				return fmt.Errorf("load report: %w", err)
			}
			return domain.ErrAlreadyResolved
		}
		if !ev.HasOutcome(winningOutcome) {
			return domain.ErrInvalidOutcome
		}

		if ev.PendingOutcome != "" {
			if ev.PendingOutcome != winningOutcome {
				return domain.ErrSettlementInProgress
			}
			out = ev
			e.logger.WarnContext(ctx, "settlement: resuming interrupted resolution",
				slog.String("event_id", ev.ID),
			)
			return nil
		}

		if ev.State == domain.EventStateOpen {
			if err := lifecycle.Transition(&ev, domain.EventStateClosed); err != nil {
				return err
			}
		}
		totals, err := pool.Snapshot(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		if err := CheckSnapshot(totals.Sum(), totals[winningOutcome]); err != nil {
			return err
		}
		ev.PendingOutcome = winningOutcome
		ev.SettledPool = totals.Sum()
		ev.SettledWinningPool = totals[winningOutcome]
		ev.ResolvedBy = resolverID
		ev.UpdatedAt = e.now().UTC()
		if err := tx.Events().Update(ctx, ev); err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, report, err
}

// settleStakes pays every stake that is not settled yet.
func (e *Engine) settleStakes(ctx context.Context, ev domain.Event) error {
	stakes, err := e.store.Stakes().ListByEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("list stakes: %w", err)
	}
	c, err := ComputePayouts(stakes, ev.PendingOutcome, ev.SettledPool, ev.SettledWinningPool)
	if err != nil {
		return err
	}

	for _, s := range stakes {
		if s.Settled {
			continue
		}
		amount := c.Payouts[s.ID]
		err := e.store.WithinTx(ctx, func(tx domain.Repos) error {
			cur, err := tx.Stakes().Get(ctx, s.ID)
			if err != nil {
				return err
			}
			if cur.Settled {
				return nil
			}
			if amount > 0 {
				if _, err := e.ledger.Credit(ctx, tx, ledger.Posting{
					AccountID: s.AccountID,
					Amount:    amount,
					Reason:    domain.ReasonPayout,
					Key:       s.ID,
					Memo:      "payout for " + ev.ID,
				}); err != nil {
					return err
				}
			}
			return tx.Stakes().MarkSettled(ctx, s.ID, amount, e.now().UTC())
		})
		if err != nil {
			return fmt.Errorf("settle stake %s: %w", s.ID, err)
		}
	}
	return nil
}

// finish writes the report once every stake is settled.
func (e *Engine) finish(ctx context.Context, eventID string) (domain.SettlementReport, error) {
	var report domain.SettlementReport
	err := e.store.WithinTx(ctx, func(tx domain.Repos) error {
		ev, err := tx.Events().GetForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.State == domain.EventStateResolved {
			report, err = tx.Settlements().Get(ctx, eventID)
			return err
		}

		stakes, err := tx.Stakes().ListByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		var distributed int64
		winners := 0
		for _, s := range stakes {
			if !s.Settled {
				return fmt.Errorf("stake %s unsettled: %w", s.ID, domain.ErrSettlementInProgress)
			}
			if s.Payout > 0 {
				winners++
				distributed += s.Payout
			}
		}

		remainder := ev.SettledPool - distributed
		if remainder < 0 {
			return fmt.Errorf("payouts %d exceed pool %d", distributed, ev.SettledPool)
		}
		if remainder > 0 {
			if _, err := e.ledger.Credit(ctx, tx, ledger.Posting{
				AccountID: domain.PlatformAccountID,
				Amount:    remainder,
				Reason:    domain.ReasonRoundingRemainder,
				Key:       eventID,
				Memo:      "rounding remainder for " + eventID,
			}); err != nil {
				return err
			}
		}

		now := e.now().UTC()
		if err := lifecycle.Transition(&ev, domain.EventStateResolved); err != nil {
			return err
		}
		ev.WinningOutcome = ev.PendingOutcome
		ev.ResolvedAt = &now
		ev.UpdatedAt = now
		if err := tx.Events().Update(ctx, ev); err != nil {
			return err
		}

		report = domain.SettlementReport{
			EventID:           ev.ID,
			WinningOutcome:    ev.WinningOutcome,
			ResolvedBy:        ev.ResolvedBy,
			TotalPool:         ev.SettledPool,
			WinningPool:       ev.SettledWinningPool,
			Void:              ev.SettledWinningPool == 0,
			WinnersPaid:       winners,
			TotalDistributed:  distributed,
			RoundingRemainder: remainder,
			ResolvedAt:        now,
		}
		if err := tx.Settlements().Create(ctx, report); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "event_resolved", map[string]any{
			"event_id":           ev.ID,
			"winning_outcome":    ev.WinningOutcome,
			"resolved_by":        ev.ResolvedBy,
			"total_pool":         ev.SettledPool,
			"total_distributed":  distributed,
			"rounding_remainder": remainder,
		})
	})
	return report, err
}
