package service_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/notify"
	"github.com/alanyoungcy/tokenpool/internal/service"
	"github.com/alanyoungcy/tokenpool/internal/testutil"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

func newAccounts(f *testutil.Fixture, bonus int64, sender notify.Sender) *service.AccountService {
	var n *notify.Notifier
	if sender != nil {
		n = notify.NewNotifier([]notify.Sender{sender}, nil, f.Logger)
	}
	return service.NewAccountService(f.Store, f.Ledger, bonus, n, f.Logger)
}

func TestSignupCreditsBonus(t *testing.T) {
	f := testutil.New(t)
	svc := newAccounts(f, 1000, nil)

	acct, err := svc.Signup(f.Ctx, "  alice  ")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Username)
	assert.True(t, acct.Active)
	assert.Equal(t, int64(1000), acct.Balance)

	bal, err := svc.GetBalance(f.Ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)

	history, err := svc.GetLedgerHistory(f.Ctx, acct.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ReasonSignupBonus, history[0].Reason)

	_, err = svc.Signup(f.Ctx, "alice")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	accts, err := svc.ListAccounts(f.Ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, accts, 2, "alice and the platform account")
}

func TestSignupValidation(t *testing.T) {
	f := testutil.New(t)
	svc := newAccounts(f, 0, nil)

	for _, name := range []string{"", "   ", strings.Repeat("x", 65)} {
		_, err := svc.Signup(f.Ctx, name)
		require.ErrorIs(t, err, domain.ErrInvalidAccount)
		assert.Equal(t, "invalid_account", domain.Kind(err))
	}

	acct, err := svc.Signup(f.Ctx, "zero")
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
}

func TestGetAccountNotFound(t *testing.T) {
	f := testutil.New(t)
	svc := newAccounts(f, 0, nil)

	_, err := svc.GetAccount(f.Ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = svc.GetBalance(f.Ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = svc.GetLedgerHistory(f.Ctx, "nobody", domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestDeactivate(t *testing.T) {
	f := testutil.New(t)
	svc := newAccounts(f, 0, nil)
	f.Account("creator", 0)
	f.Account("alice", 100)
	ev := f.Binary("creator")
	f.Bet(ev, "YES", "alice", 10)

	acct, err := svc.Deactivate(domain.WithActor(f.Ctx, "admin"), "alice")
	require.NoError(t, err)
	assert.False(t, acct.Active)

	again, err := svc.Deactivate(f.Ctx, "alice")
	require.NoError(t, err)
	assert.False(t, again.Active)

	_, err = svc.Deactivate(f.Ctx, domain.PlatformAccountID)
	require.ErrorIs(t, err, domain.ErrInvalidAccount)
	_, err = svc.Deactivate(f.Ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.Processor.PlaceBet(f.Ctx, wager.Bet{EventID: ev.ID, OutcomeID: f.Outcome(ev, "NO"), AccountID: "alice", Amount: 5})
	require.ErrorIs(t, err, domain.ErrAccountInactive)

	// Payouts still arrive.
	_, err = f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.Balance("alice"))

	audit, err := f.Store.Audit().List(f.Ctx, domain.ListOpts{})
	require.NoError(t, err)
	deactivations := 0
	for _, e := range audit {
		if e.Event == "account_deactivated" {
			deactivations++
			assert.Equal(t, "admin", e.Detail["actor"])
		}
	}
	assert.Equal(t, 1, deactivations)
}

func TestAdminAdjust(t *testing.T) {
	f := testutil.New(t)
	sender := &captureSender{}
	svc := newAccounts(f, 0, sender)
	f.Account("alice", 50)
	ctx := domain.WithActor(f.Ctx, "ops")

	entry, err := svc.AdminAdjust(ctx, service.AdjustInput{AccountID: "alice", Delta: -20, Key: "fix-1", Memo: "duplicate bonus"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), entry.BalanceAfter)
	assert.Equal(t, domain.ReasonAdminAdjustment, entry.Reason)

	replay, err := svc.AdminAdjust(ctx, service.AdjustInput{AccountID: "alice", Delta: -20, Key: "fix-1", Memo: "duplicate bonus"})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, replay.ID)
	assert.Equal(t, int64(30), f.Balance("alice"))
	assert.Equal(t, []string{"Admin balance adjustment"}, sender.titles)

	_, err = svc.AdminAdjust(ctx, service.AdjustInput{AccountID: "alice", Delta: -31, Key: "fix-2"})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = svc.AdminAdjust(ctx, service.AdjustInput{AccountID: "alice", Delta: 0, Key: "fix-3"})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	generated, err := svc.AdminAdjust(ctx, service.AdjustInput{AccountID: "alice", Delta: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.IdempotencyKey)
	assert.Equal(t, int64(35), f.Balance("alice"))

	audit, err := f.Store.Audit().List(f.Ctx, domain.ListOpts{})
	require.NoError(t, err)
	adjustments := 0
	for _, e := range audit {
		if e.Event == "admin_adjustment" {
			adjustments++
		}
	}
	assert.Equal(t, 2, adjustments)
}
