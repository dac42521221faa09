// Package testutil builds an in-memory engine for tests: a SQLite store, a
// controllable clock, funded accounts and helpers to create events and place
// bets.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/ledger"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/lock"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
	"github.com/alanyoungcy/tokenpool/internal/store/sqlite"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

// Epoch is the fixture clock's starting time.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fixture time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Fixture wires the engine components on one SQLite :memory: store.
type Fixture struct {
	T      *testing.T
	Ctx    context.Context
	Store  *sqlite.Store
	Ledger *ledger.Ledger
	Locks  *lock.Arena
	Clock  *Clock
	Logger *slog.Logger

	Machine   *lifecycle.Machine
	Processor *wager.Processor
	Settler   *settlement.Engine

	mu     sync.Mutex
	minted int64
}

// New opens a fresh store and builds the engine on it.
func New(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	f := &Fixture{
		T:      t,
		Ctx:    ctx,
		Store:  st,
		Locks:  lock.NewArena(2 * time.Second),
		Clock:  &Clock{now: Epoch},
		Logger: Logger(),
	}
	f.Ledger = ledger.NewWithClock(f.Clock.Now)
	f.Machine = lifecycle.NewMachine(st, f.Locks, f.Clock.Now, f.Logger)
	f.Processor = wager.NewProcessor(st, f.Locks, f.Ledger, f.Clock.Now, f.Logger)
	f.Settler = settlement.NewEngine(st, f.Locks, f.Ledger, f.Clock.Now, f.Logger)
	return f
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Account creates an active account funded with balance tokens through the
// ledger.
func (f *Fixture) Account(id string, balance int64) domain.Account {
	f.T.Helper()
	now := f.Clock.Now()
	acct := domain.Account{ID: id, Username: id, Active: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(f.T, f.Store.WithinTx(f.Ctx, func(tx domain.Repos) error {
		if err := tx.Accounts().Create(f.Ctx, acct); err != nil {
			return err
		}
		if balance == 0 {
			return nil
		}
		_, err := f.Ledger.Credit(f.Ctx, tx, ledger.Posting{
			AccountID: id,
			Amount:    balance,
			Reason:    domain.ReasonSignupBonus,
			Key:       id,
		})
		return err
	}))
	f.mu.Lock()
	f.minted += balance
	f.mu.Unlock()
	acct.Balance = balance
	return acct
}

// Balance returns the stored balance of an account.
func (f *Fixture) Balance(id string) int64 {
	f.T.Helper()
	bal, err := ledger.Balance(f.Ctx, f.Store, id)
	require.NoError(f.T, err)
	return bal
}

// Minted is the sum of every balance handed out by Account.
func (f *Fixture) Minted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted
}

// Binary creates an open YES/NO event closing in 24 hours.
func (f *Fixture) Binary(creator string) domain.Event {
	f.T.Helper()
	ev, err := f.Machine.Create(f.Ctx, lifecycle.CreateInput{
		CreatorID: creator,
		Question:  "Will it rain tomorrow?",
		ClosesAt:  f.Clock.Now().Add(24 * time.Hour),
	})
	require.NoError(f.T, err)
	return ev
}

// Multiple creates an open event with the given outcome labels.
func (f *Fixture) Multiple(creator string, labels ...string) domain.Event {
	f.T.Helper()
	specs := make([]lifecycle.OutcomeSpec, len(labels))
	for i, l := range labels {
		specs[i] = lifecycle.OutcomeSpec{Label: l}
	}
	ev, err := f.Machine.Create(f.Ctx, lifecycle.CreateInput{
		CreatorID: creator,
		Question:  "Who wins the final?",
		Kind:      domain.EventKindMultiple,
		Outcomes:  specs,
		ClosesAt:  f.Clock.Now().Add(24 * time.Hour),
	})
	require.NoError(f.T, err)
	return ev
}

// Outcome returns the id of the outcome labelled label.
func (f *Fixture) Outcome(ev domain.Event, label string) string {
	f.T.Helper()
	o, ok := ev.OutcomeByLabel(label)
	require.Truef(f.T, ok, "event %s has no outcome %q", ev.ID, label)
	return o.ID
}

// Bet places a bet that must succeed.
func (f *Fixture) Bet(ev domain.Event, label, account string, amount int64) wager.Receipt {
	f.T.Helper()
	rc, err := f.Processor.PlaceBet(f.Ctx, wager.Bet{
		EventID:   ev.ID,
		OutcomeID: f.Outcome(ev, label),
		AccountID: account,
		Amount:    amount,
	})
	require.NoError(f.T, err)
	return rc
}

// Event reloads an event.
func (f *Fixture) Event(id string) domain.Event {
	f.T.Helper()
	ev, err := f.Store.Events().Get(f.Ctx, id)
	require.NoError(f.T, err)
	return ev
}

// Outstanding sums the pools of events that are not resolved yet.
func (f *Fixture) Outstanding() int64 {
	f.T.Helper()
	var total int64
	for _, st := range []domain.EventState{domain.EventStateOpen, domain.EventStateClosed} {
		events, err := f.Store.Events().List(f.Ctx, domain.EventFilter{State: st})
		require.NoError(f.T, err)
		for _, ev := range events {
			totals, err := f.Store.Pools().Totals(f.Ctx, ev.ID)
			require.NoError(f.T, err)
			total += totals.Sum()
		}
	}
	return total
}

// AssertConserved checks that every minted token is either on an account or
// in the pool of an unresolved event.
func (f *Fixture) AssertConserved() {
	f.T.Helper()
	balances, err := f.Store.Accounts().TotalBalance(f.Ctx)
	require.NoError(f.T, err)
	require.Equal(f.T, f.Minted(), balances+f.Outstanding(), "token conservation")
}
