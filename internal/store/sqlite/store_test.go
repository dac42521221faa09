package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func seedAccount(t *testing.T, st *Store, id string, balance int64) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.Accounts().Create(context.Background(), domain.Account{
		ID: id, Username: id, Balance: balance, Active: true, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestOpenSeedsPlatformAccount(t *testing.T) {
	st := openTest(t)
	acct, err := st.Accounts().Get(context.Background(), domain.PlatformAccountID)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
	assert.False(t, acct.Active)
	require.NoError(t, st.Ping(context.Background()))
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	seedAccount(t, st, "alice", 10)

	err := st.Accounts().Create(ctx, domain.Account{ID: "alice", Username: "other"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = st.Accounts().Get(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	bal, err := st.Accounts().AddBalance(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	_, err = st.Accounts().AddBalance(ctx, "alice", -16)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = st.Accounts().AddBalance(ctx, "nobody", 1)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	require.NoError(t, st.Accounts().SetActive(ctx, "alice", false))
	acct, err := st.Accounts().Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, acct.Active)
	assert.Equal(t, int64(15), acct.Balance)
	require.ErrorIs(t, st.Accounts().SetActive(ctx, "nobody", true), domain.ErrAccountNotFound)

	total, err := st.Accounts().TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)

	all, err := st.Accounts().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLedgerAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	seedAccount(t, st, "alice", 0)
	seedAccount(t, st, "bob", 0)

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, acct := range []string{"alice", "alice", "bob", "alice"} {
		e, err := st.Ledger().Append(ctx, domain.LedgerEntry{
			ID:             acct + string(rune('0'+i)),
			AccountID:      acct,
			Amount:         1,
			BalanceAfter:   int64(i),
			Reason:         domain.ReasonPayout,
			IdempotencyKey: string(rune('a' + i)),
			CreatedAt:      at,
		})
		require.NoError(t, err)
		if acct == "bob" {
			assert.Equal(t, int64(1), e.Seq)
		}
	}

	entries, err := st.Ledger().ListByAccount(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})
	assert.Equal(t, at, entries[0].CreatedAt)

	_, err = st.Ledger().Append(ctx, domain.LedgerEntry{
		ID: "dup", AccountID: "alice", Amount: 1, Reason: domain.ReasonPayout, IdempotencyKey: "a", CreatedAt: at,
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = st.Ledger().GetByKey(ctx, "alice", domain.ReasonStake, "a")
	require.ErrorIs(t, err, domain.ErrNotFound)

	since := at
	all, err := st.Ledger().List(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	until := at
	none, err := st.Ledger().List(ctx, domain.ListOpts{Until: &until})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testEvent(id string, closes time.Time) domain.Event {
	now := closes.Add(-time.Hour)
	return domain.Event{
		ID:             id,
		CreatorID:      "alice",
		Question:       "q " + id,
		Kind:           domain.EventKindBinary,
		State:          domain.EventStateOpen,
		ClosesAt:       closes,
		ResolutionType: domain.ResolutionAutomatic,
		Outcomes: []domain.Outcome{
			{ID: id + "-yes", EventID: id, Label: "YES", StartingPercent: 50, Position: 0},
			{ID: id + "-no", EventID: id, Label: "NO", StartingPercent: 50, Position: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestEventsAndPools(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	closes := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := testEvent("e1", closes)

	require.NoError(t, st.WithinTx(ctx, func(tx domain.Repos) error {
		if err := tx.Events().Create(ctx, ev); err != nil {
			return err
		}
		return tx.Pools().Init(ctx, ev.ID, []string{"e1-yes", "e1-no"})
	}))

	got, err := st.Events().Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ev.Question, got.Question)
	assert.Equal(t, ev.ClosesAt, got.ClosesAt)
	assert.Nil(t, got.ResolvedAt)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, "NO", got.Outcomes[1].Label)

	require.NoError(t, st.Pools().Add(ctx, "e1", "e1-yes", 30))
	require.ErrorIs(t, st.Pools().Add(ctx, "e1", "bogus", 30), domain.ErrInvalidOutcome)
	totals, err := st.Pools().Totals(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolTotals{"e1-yes": 30, "e1-no": 0}, totals)

	resolvedAt := closes.Add(time.Hour)
	got.State = domain.EventStateResolved
	got.WinningOutcome = "e1-yes"
	got.ResolvedAt = &resolvedAt
	require.NoError(t, st.Events().Update(ctx, got))
	got, err = st.Events().Get(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, resolvedAt, *got.ResolvedAt)

	resolved, err := st.Events().List(ctx, domain.EventFilter{State: domain.EventStateResolved})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	open, err := st.Events().List(ctx, domain.EventFilter{State: domain.EventStateOpen})
	require.NoError(t, err)
	assert.Empty(t, open)

	require.ErrorIs(t, st.Events().Update(ctx, testEvent("missing", closes)), domain.ErrEventNotFound)
	_, err = st.Events().Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestListExpired(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	early := testEvent("early", base)
	late := testEvent("late", base.Add(2*time.Hour))
	manual := testEvent("manual", base)
	manual.ResolutionType = domain.ResolutionManual
	for _, ev := range []domain.Event{early, late, manual} {
		require.NoError(t, st.Events().Create(ctx, ev))
	}

	expired, err := st.Events().ListExpired(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].ID)

	expired, err = st.Events().ListExpired(ctx, base)
	require.NoError(t, err)
	assert.Len(t, expired, 1, "closes_at is inclusive")
}

func TestStakesAndReports(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"s2", "s1", "s3"} {
		require.NoError(t, st.Stakes().Create(ctx, domain.Stake{
			ID: id, EventID: "e1", OutcomeID: "yes", AccountID: "alice",
			Amount: int64(10 * (i + 1)), ImpliedProbability: 50, CreatedAt: at.Add(time.Duration(i) * time.Second),
		}))
	}
	err := st.Stakes().Create(ctx, domain.Stake{ID: "bad", EventID: "e1", OutcomeID: "yes", AccountID: "alice", Amount: 0, CreatedAt: at})
	require.Error(t, err)

	stakes, err := st.Stakes().ListByEvent(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, stakes, 3)
	assert.Equal(t, []string{"s2", "s1", "s3"}, []string{stakes[0].ID, stakes[1].ID, stakes[2].ID})

	require.NoError(t, st.Stakes().MarkSettled(ctx, "s1", 25, at))
	require.ErrorIs(t, st.Stakes().MarkSettled(ctx, "s1", 25, at), domain.ErrStakeSettled)
	require.ErrorIs(t, st.Stakes().MarkSettled(ctx, "nope", 1, at), domain.ErrNotFound)
	s1, err := st.Stakes().Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s1.Settled)
	assert.Equal(t, int64(25), s1.Payout)
	require.NotNil(t, s1.SettledAt)

	byAccount, err := st.Stakes().ListByAccount(ctx, "alice", domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, byAccount, 2)
	assert.Equal(t, "s3", byAccount[0].ID)

	report := domain.SettlementReport{
		EventID: "e1", WinningOutcome: "yes", ResolvedBy: "alice",
		TotalPool: 60, WinningPool: 60, WinnersPaid: 3, TotalDistributed: 60, ResolvedAt: at,
	}
	require.NoError(t, st.Settlements().Create(ctx, report))
	require.ErrorIs(t, st.Settlements().Create(ctx, report), domain.ErrAlreadyExists)
	got, err := st.Settlements().Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, report, got)
	_, err = st.Settlements().Get(ctx, "e2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	seedAccount(t, st, "alice", 10)

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(tx domain.Repos) error {
		if _, err := tx.Accounts().AddBalance(ctx, "alice", 90); err != nil {
			return err
		}
		if err := tx.Audit().Log(ctx, "test", map[string]any{"n": 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := st.Accounts().Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
	audit, err := st.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestAuditDetailRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	require.NoError(t, st.Audit().Log(ctx, "first", map[string]any{"event_id": "e1"}))
	require.NoError(t, st.Audit().Log(ctx, "second", map[string]any{"tokens": 60}))

	entries, err := st.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Event)
	assert.Equal(t, float64(60), entries[0].Detail["tokens"])
	assert.Equal(t, "e1", entries[1].Detail["event_id"])
}
