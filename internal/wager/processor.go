// Package wager places bets: it debits the bettor, grows the outcome pool
// and records the stake in one transaction under the event lock.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/ledger"
	"github.com/alanyoungcy/tokenpool/internal/pool"
	"github.com/alanyoungcy/tokenpool/internal/probability"
)

// Bet is a request to stake tokens on an outcome. StakeID is optional; when
// set, retrying the same bet returns the stake recorded the first time.
type Bet struct {
	EventID   string `json:"event_id"`
	OutcomeID string `json:"outcome_id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	StakeID   string `json:"stake_id,omitempty"`
}

// Receipt is the outcome of a successful bet.
type Receipt struct {
	Stake         domain.Stake      `json:"stake"`
	Totals        domain.PoolTotals `json:"totals"`
	Probabilities map[string]int    `json:"probabilities"`
	Replayed      bool              `json:"replayed"`
}

// Processor places bets.
type Processor struct {
	store  domain.Store
	locks  domain.EventLocker
	ledger *ledger.Ledger
	now    func() time.Time
	logger *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(store domain.Store, locks domain.EventLocker, l *ledger.Ledger, now func() time.Time, logger *slog.Logger) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{store: store, locks: locks, ledger: l, now: now, logger: logger}
}

// PlaceBet validates and applies a bet. Checks run in this order: the event
// exists and accepts bets, the outcome belongs to it, the amount is positive,
// the bettor can cover it. Nothing is written unless every step succeeds.
func (p *Processor) PlaceBet(ctx context.Context, bet Bet) (Receipt, error) {
	unlock, err := p.locks.Lock(ctx, bet.EventID)
	if err != nil {
		return Receipt{}, fmt.Errorf("wager: place bet: %w", err)
	}
	defer unlock()

	stakeID := bet.StakeID
	if stakeID == "" {
		stakeID = uuid.NewString()
	}

	var rc Receipt
	err = p.store.WithinTx(ctx, func(tx domain.Repos) error {
		if bet.StakeID != "" {
			prior, err := tx.Stakes().Get(ctx, bet.StakeID)
			switch {
			case err == nil:
				if prior.EventID != bet.EventID || prior.AccountID != bet.AccountID {
					return fmt.Errorf("stake id %s reused: %w", bet.StakeID, domain.ErrAlreadyExists)
				}
				return p.replay(ctx, tx, prior, &rc)
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}

		ev, err := tx.Events().GetForUpdate(ctx, bet.EventID)
		if err != nil {
			return err
		}
		now := p.now().UTC()
		if !ev.AcceptingBets(now) {
			return domain.ErrMarketClosed
		}
		if !ev.HasOutcome(bet.OutcomeID) {
			return domain.ErrInvalidOutcome
		}
		if bet.Amount <= 0 {
			return domain.ErrInvalidAmount
		}

		before, err := pool.Snapshot(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		implied := probability.Implied(ev.Outcomes, before)[bet.OutcomeID]

		if _, err := p.ledger.Debit(ctx, tx, ledger.Posting{
			AccountID: bet.AccountID,
			Amount:    bet.Amount,
			Reason:    domain.ReasonStake,
			Key:       stakeID,
			Memo:      "stake on " + ev.ID,
		}); err != nil {
			return err
		}

		totals, err := pool.AddStake(ctx, tx, ev, bet.OutcomeID, bet.Amount)
		if err != nil {
			return err
		}

		stake := domain.Stake{
			ID:                 stakeID,
			EventID:            ev.ID,
			OutcomeID:          bet.OutcomeID,
			AccountID:          bet.AccountID,
			Amount:             bet.Amount,
			ImpliedProbability: implied,
			CreatedAt:          now,
		}
		if err := tx.Stakes().Create(ctx, stake); err != nil {
			return err
		}

		rc = Receipt{
			Stake:         stake,
			Totals:        totals,
			Probabilities: probability.Implied(ev.Outcomes, totals),
		}
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("wager: place bet on %s: %w", bet.EventID, err)
	}

	if rc.Replayed {
		p.logger.DebugContext(ctx, "wager: bet replayed", slog.String("stake_id", rc.Stake.ID))
	} else {
		p.logger.InfoContext(ctx, "wager: bet placed",
			slog.String("stake_id", rc.Stake.ID),
			slog.String("event_id", rc.Stake.EventID),
			slog.String("outcome_id", rc.Stake.OutcomeID),
			slog.String("account_id", rc.Stake.AccountID),
			slog.Int64("amount", rc.Stake.Amount),
		)
	}
	return rc, nil
}

func (p *Processor) replay(ctx context.Context, tx domain.Repos, prior domain.Stake, rc *Receipt) error {
	ev, err := tx.Events().Get(ctx, prior.EventID)
	if err != nil {
		return err
	}
	totals, err := pool.Snapshot(ctx, tx, prior.EventID)
	if err != nil {
		return err
	}
	*rc = Receipt{
		Stake:         prior,
		Totals:        totals,
		Probabilities: probability.ForEvent(ev, totals),
		Replayed:      true,
	}
	return nil
}
