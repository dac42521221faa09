// Package ledger posts balance movements. Every change to an account balance
// goes through Credit or Debit, each of which appends exactly one ledger
// entry and is idempotent on (account, reason, idempotency key).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// Posting describes a single balance movement. Amount is always positive;
// the direction comes from the method used.
type Posting struct {
	AccountID string
	Amount    int64
	Reason    domain.LedgerReason
	Key       string
	Memo      string
}

// Ledger posts credits and debits against a transaction's repositories.
type Ledger struct {
	now func() time.Time
}

// New creates a Ledger using the wall clock.
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// NewWithClock creates a Ledger with a custom clock.
func NewWithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

// Credit adds p.Amount to the account. Replaying the same posting returns the
// original entry without touching the balance.
func (l *Ledger) Credit(ctx context.Context, tx domain.Repos, p Posting) (domain.LedgerEntry, error) {
	return l.post(ctx, tx, p, p.Amount)
}

// Debit removes p.Amount from the account, failing with
// domain.ErrInsufficientFunds if the balance is too small. Stake debits are
// refused for deactivated accounts.
func (l *Ledger) Debit(ctx context.Context, tx domain.Repos, p Posting) (domain.LedgerEntry, error) {
	return l.post(ctx, tx, p, -p.Amount)
}

// Adjust applies an operator balance correction. A positive delta credits,
// a negative delta debits; both are recorded as admin_adjustment.
func (l *Ledger) Adjust(ctx context.Context, tx domain.Repos, accountID string, delta int64, key, memo string) (domain.LedgerEntry, error) {
	p := Posting{
		AccountID: accountID,
		Reason:    domain.ReasonAdminAdjustment,
		Key:       key,
		Memo:      memo,
	}
	switch {
	case delta > 0:
		p.Amount = delta
		return l.Credit(ctx, tx, p)
	case delta < 0:
		p.Amount = -delta
		return l.Debit(ctx, tx, p)
	default:
		return domain.LedgerEntry{}, fmt.Errorf("ledger: adjust %s: zero delta: %w", accountID, domain.ErrInvalidAmount)
	}
}

func (l *Ledger) post(ctx context.Context, tx domain.Repos, p Posting, delta int64) (domain.LedgerEntry, error) {
	if p.Amount <= 0 {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: %s %d for %s: %w", p.Reason, p.Amount, p.AccountID, domain.ErrInvalidAmount)
	}
	if !p.Reason.Valid() {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: unknown reason %q", p.Reason)
	}
	if p.Key == "" {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: %s for %s: missing idempotency key", p.Reason, p.AccountID)
	}

	prior, err := tx.Ledger().GetByKey(ctx, p.AccountID, p.Reason, p.Key)
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: lookup %s/%s: %w", p.Reason, p.Key, err)
	}

	acct, err := tx.Accounts().GetForUpdate(ctx, p.AccountID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: load account %s: %w", p.AccountID, err)
	}
	if delta < 0 && p.Reason == domain.ReasonStake && !acct.Active {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: debit %s: %w", p.AccountID, domain.ErrAccountInactive)
	}

	balance, err := tx.Accounts().AddBalance(ctx, p.AccountID, delta)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: %s %d for %s: %w", p.Reason, delta, p.AccountID, err)
	}

	entry, err := tx.Ledger().Append(ctx, domain.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		Amount:         delta,
		BalanceAfter:   balance,
		Reason:         p.Reason,
		IdempotencyKey: p.Key,
		Memo:           p.Memo,
		CreatedAt:      l.now().UTC(),
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: append %s for %s: %w", p.Reason, p.AccountID, err)
	}
	return entry, nil
}

// Balance returns the current balance of an account.
func Balance(ctx context.Context, r domain.Repos, accountID string) (int64, error) {
	acct, err := r.Accounts().Get(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", accountID, err)
	}
	return acct.Balance, nil
}

// History returns ledger entries of an account, newest first.
func History(ctx context.Context, r domain.Repos, accountID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	if _, err := r.Accounts().Get(ctx, accountID); err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", accountID, err)
	}
	entries, err := r.Ledger().ListByAccount(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", accountID, err)
	}
	return entries, nil
}
