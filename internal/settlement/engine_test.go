package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
	"github.com/alanyoungcy/tokenpool/internal/testutil"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

func TestResolveProportionalPayouts(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 1000)
	f.Account("bob", 1000)
	f.Account("carol", 1000)

	ev := f.Binary("creator")
	f.Bet(ev, "YES", "alice", 100)
	f.Bet(ev, "YES", "bob", 300)
	f.Bet(ev, "NO", "carol", 200)

	report, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)

	assert.Equal(t, ev.ID, report.EventID)
	assert.Equal(t, int64(600), report.TotalPool)
	assert.Equal(t, int64(400), report.WinningPool)
	assert.Equal(t, 2, report.WinnersPaid)
	assert.Equal(t, int64(600), report.TotalDistributed)
	assert.Zero(t, report.RoundingRemainder)
	assert.False(t, report.Void)
	assert.Equal(t, "creator", report.ResolvedBy)

	assert.Equal(t, int64(1050), f.Balance("alice"))
	assert.Equal(t, int64(1150), f.Balance("bob"))
	assert.Equal(t, int64(800), f.Balance("carol"))
	assert.Zero(t, f.Balance(domain.PlatformAccountID))

	got := f.Event(ev.ID)
	assert.Equal(t, domain.EventStateResolved, got.State)
	assert.Equal(t, f.Outcome(ev, "YES"), got.WinningOutcome)
	require.NotNil(t, got.ResolvedAt)

	stakes, err := f.Store.Stakes().ListByEvent(f.Ctx, ev.ID)
	require.NoError(t, err)
	payouts := map[string]int64{}
	for _, s := range stakes {
		assert.True(t, s.Settled)
		payouts[s.AccountID] = s.Payout
	}
	assert.Equal(t, map[string]int64{"alice": 150, "bob": 450, "carol": 0}, payouts)

	stored, err := f.Store.Settlements().Get(f.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, report.TotalDistributed, stored.TotalDistributed)

	f.AssertConserved()
}

func TestResolveRoundingRemainderGoesToPlatform(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.Account(id, 10)
	}

	ev := f.Binary("creator")
	f.Bet(ev, "YES", "a", 1)
	f.Bet(ev, "YES", "b", 1)
	f.Bet(ev, "YES", "c", 1)
	f.Bet(ev, "NO", "d", 1)

	report, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.TotalDistributed)
	assert.Equal(t, int64(1), report.RoundingRemainder)

	assert.Equal(t, int64(1), f.Balance(domain.PlatformAccountID))
	entry, err := f.Store.Ledger().GetByKey(f.Ctx, domain.PlatformAccountID, domain.ReasonRoundingRemainder, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Amount)

	f.AssertConserved()
}

func TestResolveVoidRefundsEveryone(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 500)
	f.Account("bob", 500)

	ev := f.Multiple("creator", "red", "green", "blue")
	f.Bet(ev, "red", "alice", 120)
	f.Bet(ev, "green", "bob", 80)

	report, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "blue"), "creator")
	require.NoError(t, err)
	assert.True(t, report.Void)
	assert.Zero(t, report.WinningPool)
	assert.Equal(t, int64(200), report.TotalDistributed)
	assert.Zero(t, report.RoundingRemainder)

	assert.Equal(t, int64(500), f.Balance("alice"))
	assert.Equal(t, int64(500), f.Balance("bob"))
	f.AssertConserved()
}

func TestResolveWithoutStakes(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")

	report, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "NO"), "creator")
	require.NoError(t, err)
	assert.True(t, report.Void)
	assert.Zero(t, report.TotalPool)
	assert.Zero(t, report.WinnersPaid)
	assert.Equal(t, domain.EventStateResolved, f.Event(ev.ID).State)
}

func TestResolveTwiceReturnsStoredReport(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	f.Account("bob", 100)

	ev := f.Binary("creator")
	f.Bet(ev, "YES", "alice", 40)
	f.Bet(ev, "NO", "bob", 60)

	first, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)
	balance := f.Balance("alice")

	again, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "NO"), "someone-else")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, "already_resolved", domain.Kind(err))
	assert.Equal(t, first.EventID, again.EventID)
	assert.Equal(t, first.WinningOutcome, again.WinningOutcome)
	assert.Equal(t, first.TotalDistributed, again.TotalDistributed)
	assert.Equal(t, "creator", again.ResolvedBy)

	assert.Equal(t, balance, f.Balance("alice"))
	assert.Equal(t, int64(100), f.Balance("alice"))
	assert.Equal(t, int64(40), f.Balance("bob"))
	f.AssertConserved()
}

func TestResolveRefusesOverflowedPool(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")
	yes, no := f.Outcome(ev, "YES"), f.Outcome(ev, "NO")

	// Written past the stake path, so the event total wraps negative.
	require.NoError(t, f.Store.Pools().Add(f.Ctx, ev.ID, yes, 5e18))
	require.NoError(t, f.Store.Pools().Add(f.Ctx, ev.ID, no, 5e18))

	_, err := f.Settler.Resolve(f.Ctx, ev.ID, yes, "creator")
	require.ErrorIs(t, err, settlement.ErrInconsistentPool)
	got := f.Event(ev.ID)
	assert.Empty(t, got.PendingOutcome, "nothing is frozen")
	assert.NotEqual(t, domain.EventStateResolved, got.State)
}

func TestResolveValidation(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")

	_, err := f.Settler.Resolve(f.Ctx, ev.ID, "not-an-outcome", "creator")
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)
	assert.Equal(t, domain.EventStateOpen, f.Event(ev.ID).State)

	_, err = f.Settler.Resolve(f.Ctx, "missing", "x", "creator")
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestResolveClosesOpenEventAndBlocksBets(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	ev := f.Binary("creator")

	_, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)

	_, err = f.Processor.PlaceBet(f.Ctx, wager.Bet{
		EventID:   ev.ID,
		OutcomeID: f.Outcome(ev, "YES"),
		AccountID: "alice",
		Amount:    10,
	})
	require.ErrorIs(t, err, domain.ErrMarketClosed)
	assert.Equal(t, int64(100), f.Balance("alice"))
}

// flakyStore fails the n-th transaction.
type flakyStore struct {
	domain.Store

	mu     sync.Mutex
	calls  int
	failOn int
}

var errInjected = errors.New("injected failure")

func (s *flakyStore) WithinTx(ctx context.Context, fn func(tx domain.Repos) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.Store.WithinTx(ctx, fn)
}

func TestResolveResumesAfterFailure(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	f.Account("bob", 100)
	f.Account("carol", 100)

	ev := f.Binary("creator")
	f.Bet(ev, "YES", "alice", 100)
	f.Clock.Advance(time.Second)
	f.Bet(ev, "YES", "bob", 40)
	f.Clock.Advance(time.Second)
	f.Bet(ev, "NO", "carol", 75)
	yes := f.Outcome(ev, "YES")

	// Transaction 1 freezes the pools, 2 settles alice, 3 would settle bob.
	flaky := &flakyStore{Store: f.Store, failOn: 3}
	broken := settlement.NewEngine(flaky, f.Locks, f.Ledger, f.Clock.Now, f.Logger)
	_, err := broken.Resolve(f.Ctx, ev.ID, yes, "creator")
	require.ErrorIs(t, err, errInjected)

	mid := f.Event(ev.ID)
	assert.Equal(t, domain.EventStateClosed, mid.State)
	assert.Equal(t, yes, mid.PendingOutcome)
	assert.Equal(t, int64(215), mid.SettledPool)
	assert.Equal(t, int64(140), mid.SettledWinningPool)
	assert.True(t, mid.SettlementStarted())

	// A different outcome cannot take over a started resolution.
	_, err = f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "NO"), "creator")
	require.ErrorIs(t, err, domain.ErrSettlementInProgress)

	report, err := f.Settler.Resolve(f.Ctx, ev.ID, yes, "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(215), report.TotalPool)
	assert.Equal(t, int64(214), report.TotalDistributed)
	assert.Equal(t, int64(1), report.RoundingRemainder)

	// 100*215/140 = 153, 40*215/140 = 61.
	assert.Equal(t, int64(153), f.Balance("alice"))
	assert.Equal(t, int64(121), f.Balance("bob"))
	assert.Equal(t, int64(25), f.Balance("carol"))

	history, err := f.Store.Ledger().ListByAccount(f.Ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	payouts := 0
	for _, e := range history {
		if e.Reason == domain.ReasonPayout {
			payouts++
		}
	}
	assert.Equal(t, 1, payouts, "alice must be paid exactly once")
	f.AssertConserved()
}

func TestConcurrentBetsAndResolve(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	const bettors = 8
	for i := 0; i < bettors; i++ {
		f.Account(string(rune('a'+i)), 100)
	}
	ev := f.Binary("creator")

	var wg sync.WaitGroup
	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			label := "YES"
			if i%2 == 1 {
				label = "NO"
			}
			_, err := f.Processor.PlaceBet(f.Ctx, wager.Bet{
				EventID:   ev.ID,
				OutcomeID: f.Outcome(ev, label),
				AccountID: string(rune('a' + i)),
				Amount:    int64(10 + i),
			})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrMarketClosed)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
		assert.NoError(t, err)
	}()
	wg.Wait()

	report, err := f.Store.Settlements().Get(f.Ctx, ev.ID)
	require.NoError(t, err)
	stakes, err := f.Store.Stakes().ListByEvent(f.Ctx, ev.ID)
	require.NoError(t, err)
	var staked int64
	for _, s := range stakes {
		assert.True(t, s.Settled, "stake %s placed after the snapshot", s.ID)
		staked += s.Amount
	}
	assert.Equal(t, staked, report.TotalPool)
	f.AssertConserved()
}
