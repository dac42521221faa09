package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/ledger"
	"github.com/alanyoungcy/tokenpool/internal/notify"
)

const maxUsernameLen = 64

// AdjustInput is an operator balance correction.
type AdjustInput struct {
	AccountID string `json:"account_id"`
	// Delta is signed: positive credits, negative debits.
	Delta int64  `json:"delta"`
	Key   string `json:"idempotency_key"`
	Memo  string `json:"memo"`
}

// AccountService manages accounts and exposes their balances and ledgers.
type AccountService struct {
	store       domain.Store
	ledger      *ledger.Ledger
	signupBonus int64
	notifier    *notify.Notifier
	now         func() time.Time
	logger      *slog.Logger
}

// NewAccountService creates an AccountService that credits signupBonus tokens
// to every new account.
func NewAccountService(
	store domain.Store,
	l *ledger.Ledger,
	signupBonus int64,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		store:       store,
		ledger:      l,
		signupBonus: signupBonus,
		notifier:    notifier,
		now:         time.Now,
		logger:      logger,
	}
}

// Signup creates an active account and credits the signup bonus.
func (s *AccountService) Signup(ctx context.Context, username string) (domain.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return domain.Account{}, fmt.Errorf("account_service: username must be 1-%d characters: %w", maxUsernameLen, domain.ErrInvalidAccount)
	}

	now := s.now().UTC()
	acct := domain.Account{
		ID:        uuid.NewString(),
		Username:  username,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithinTx(ctx, func(tx domain.Repos) error {
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			return err
		}
		if s.signupBonus > 0 {
			entry, err := s.ledger.Credit(ctx, tx, ledger.Posting{
				AccountID: acct.ID,
				Amount:    s.signupBonus,
				Reason:    domain.ReasonSignupBonus,
				Key:       acct.ID,
				Memo:      "signup bonus",
			})
			if err != nil {
				return err
			}
			acct.Balance = entry.BalanceAfter
		}
		return tx.Audit().Log(ctx, "account_created", map[string]any{
			"account_id": acct.ID,
			"username":   acct.Username,
			"bonus":      s.signupBonus,
		})
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: signup %q: %w", username, err)
	}

	s.logger.InfoContext(ctx, "account_service: account created",
		slog.String("account_id", acct.ID),
		slog.String("username", acct.Username),
	)
	return acct, nil
}

// GetAccount returns one account.
func (s *AccountService) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, err := s.store.Accounts().Get(ctx, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: get %q: %w", id, err)
	}
	return acct, nil
}

// ListAccounts returns accounts in creation order.
func (s *AccountService) ListAccounts(ctx context.Context, opts domain.ListOpts) ([]domain.Account, error) {
	accts, err := s.store.Accounts().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("account_service: list: %w", err)
	}
	return accts, nil
}

// GetBalance returns the current balance of an account.
func (s *AccountService) GetBalance(ctx context.Context, id string) (int64, error) {
	bal, err := ledger.Balance(ctx, s.store, id)
	if err != nil {
		return 0, fmt.Errorf("account_service: %w", err)
	}
	return bal, nil
}

// GetLedgerHistory returns ledger entries of an account, newest first.
func (s *AccountService) GetLedgerHistory(ctx context.Context, id string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := ledger.History(ctx, s.store, id, opts)
	if err != nil {
		return nil, fmt.Errorf("account_service: %w", err)
	}
	return entries, nil
}

// Deactivate stops an account from placing bets. Its balance and ledger are
// kept and payouts still reach it.
func (s *AccountService) Deactivate(ctx context.Context, id string) (domain.Account, error) {
	if id == domain.PlatformAccountID {
		return domain.Account{}, fmt.Errorf("account_service: deactivate %q: %w", id, domain.ErrInvalidAccount)
	}
	actor, _ := domain.ActorFrom(ctx)

	var acct domain.Account
	err := s.store.WithinTx(ctx, func(tx domain.Repos) error {
		var err error
		if acct, err = tx.Accounts().GetForUpdate(ctx, id); err != nil {
			return err
		}
		if !acct.Active {
			return nil
		}
		if err := tx.Accounts().SetActive(ctx, id, false); err != nil {
			return err
		}
		acct.Active = false
		return tx.Audit().Log(ctx, "account_deactivated", map[string]any{
			"account_id": id,
			"actor":      actor,
		})
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: deactivate %q: %w", id, err)
	}
	s.logger.InfoContext(ctx, "account_service: account deactivated", slog.String("account_id", id))
	return acct, nil
}

// AdminAdjust applies an operator correction through the ledger. Replaying the
// same idempotency key returns the original entry.
func (s *AccountService) AdminAdjust(ctx context.Context, in AdjustInput) (domain.LedgerEntry, error) {
	if in.Key == "" {
		in.Key = uuid.NewString()
	}
	actor, _ := domain.ActorFrom(ctx)

	var (
		entry    domain.LedgerEntry
		replayed bool
	)
	err := s.store.WithinTx(ctx, func(tx domain.Repos) error {
		prior, err := tx.Ledger().GetByKey(ctx, in.AccountID, domain.ReasonAdminAdjustment, in.Key)
		if err == nil {
			entry, replayed = prior, true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		entry, err = s.ledger.Adjust(ctx, tx, in.AccountID, in.Delta, in.Key, in.Memo)
		if err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "admin_adjustment", map[string]any{
			"account_id":      in.AccountID,
			"actor":           actor,
			"delta":           in.Delta,
			"idempotency_key": in.Key,
			"memo":            in.Memo,
			"ledger_entry_id": entry.ID,
		})
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("account_service: adjust %q: %w", in.AccountID, err)
	}
	if replayed {
		return entry, nil
	}

	s.logger.InfoContext(ctx, "account_service: balance adjusted",
		slog.String("account_id", in.AccountID),
		slog.String("actor", actor),
		slog.Int64("delta", in.Delta),
		slog.Int64("balance_after", entry.BalanceAfter),
	)
	if err := s.notifier.Notify(ctx, notify.AdjustmentAlert(entry, actor)); err != nil {
		s.logger.WarnContext(ctx, "account_service: alert failed", slog.String("error", err.Error()))
	}
	return entry, nil
}
