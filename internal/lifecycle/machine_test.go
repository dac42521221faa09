package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/testutil"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

func TestCreatePersistsEventAndPools(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)

	ev := f.Multiple("creator", "red", "green", "blue")
	got := f.Event(ev.ID)
	assert.Equal(t, ev.Question, got.Question)
	assert.Equal(t, domain.EventKindMultiple, got.Kind)
	require.Len(t, got.Outcomes, 3)
	assert.Equal(t, "green", got.Outcomes[1].Label)

	totals, err := f.Store.Pools().Totals(f.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, totals, 3)
	assert.Zero(t, totals.Sum())

	audit, err := f.Store.Audit().List(f.Ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "event_created", audit[0].Event)
}

func TestCreateRequiresActiveCreator(t *testing.T) {
	f := testutil.New(t)
	closes := f.Clock.Now().Add(time.Hour)

	_, err := f.Machine.Create(f.Ctx, lifecycle.CreateInput{CreatorID: "ghost", Question: "q", ClosesAt: closes})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	f.Account("creator", 0)
	require.NoError(t, f.Store.Accounts().SetActive(f.Ctx, "creator", false))
	_, err = f.Machine.Create(f.Ctx, lifecycle.CreateInput{CreatorID: "creator", Question: "q", ClosesAt: closes})
	require.ErrorIs(t, err, domain.ErrAccountInactive)

	events, err := f.Store.Events().List(f.Ctx, domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")

	closed, err := f.Machine.Close(f.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStateClosed, closed.State)

	f.Clock.Advance(time.Minute)
	again, err := f.Machine.Close(f.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStateClosed, again.State)
	assert.Equal(t, closed.UpdatedAt, again.UpdatedAt)

	_, err = f.Machine.Close(f.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestReopen(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	ev := f.Binary("creator")

	_, err := f.Machine.Reopen(f.Ctx, ev.ID, nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "open events cannot be reopened")

	_, err = f.Machine.Close(f.Ctx, ev.ID)
	require.NoError(t, err)

	reopened, err := f.Machine.Reopen(f.Ctx, ev.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStateOpen, reopened.State)
	assert.Equal(t, ev.ClosesAt, reopened.ClosesAt)
	f.Bet(ev, "YES", "alice", 10)
}

func TestReopenAfterExpiryNeedsNewCloseTime(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	ev := f.Binary("creator")

	_, err := f.Machine.Close(f.Ctx, ev.ID)
	require.NoError(t, err)
	f.Clock.Advance(48 * time.Hour)

	_, err = f.Machine.Reopen(f.Ctx, ev.ID, nil)
	require.ErrorIs(t, err, domain.ErrMarketClosed)

	past := f.Clock.Now().Add(-time.Minute)
	_, err = f.Machine.Reopen(f.Ctx, ev.ID, &past)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	next := f.Clock.Now().Add(time.Hour)
	reopened, err := f.Machine.Reopen(f.Ctx, ev.ID, &next)
	require.NoError(t, err)
	assert.Equal(t, next.UTC(), reopened.ClosesAt)
	assert.Equal(t, next.UTC(), f.Event(ev.ID).ClosesAt)
	f.Bet(ev, "NO", "alice", 5)
}

func TestResolvedEventsAreFinal(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")
	_, err := f.Settler.Resolve(f.Ctx, ev.ID, f.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)

	_, err = f.Machine.Close(f.Ctx, ev.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = f.Machine.Reopen(f.Ctx, ev.ID, nil)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = f.Machine.Delete(f.Ctx, lifecycle.DeleteInput{EventID: ev.ID, ConfirmForfeit: true})
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestDeleteWithoutStakes(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	ev := f.Binary("creator")

	summary, err := f.Machine.Delete(f.Ctx, lifecycle.DeleteInput{EventID: ev.ID, Actor: "creator"})
	require.NoError(t, err)
	assert.Zero(t, summary.StakeCount)

	_, err = f.Store.Events().Get(f.Ctx, ev.ID)
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestDeleteWithStakesNeedsConfirmation(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)
	f.Account("bob", 100)
	ev := f.Binary("creator")
	f.Bet(ev, "YES", "alice", 30)
	f.Bet(ev, "NO", "alice", 10)
	f.Bet(ev, "NO", "bob", 20)

	_, err := f.Machine.Delete(f.Ctx, lifecycle.DeleteInput{EventID: ev.ID, Actor: "creator"})
	require.ErrorIs(t, err, domain.ErrConfirmationRequired)
	assert.Equal(t, "confirmation_required", domain.Kind(err))

	var forfeit *domain.ForfeitError
	require.True(t, errors.As(err, &forfeit))
	assert.Equal(t, domain.ForfeitSummary{EventID: ev.ID, StakeCount: 3, Tokens: 60, Bettors: 2}, forfeit.Summary)

	// Nothing was removed.
	assert.Equal(t, domain.EventStateOpen, f.Event(ev.ID).State)
	f.AssertConserved()

	summary, err := f.Machine.Delete(f.Ctx, lifecycle.DeleteInput{EventID: ev.ID, ConfirmForfeit: true, Actor: "creator"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), summary.Tokens)

	// Forfeited stakes are not refunded.
	assert.Equal(t, int64(60), f.Balance("alice"))
	assert.Equal(t, int64(80), f.Balance("bob"))
	stakes, err := f.Store.Stakes().ListByEvent(f.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stakes)

	audit, err := f.Store.Audit().List(f.Ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "event_deleted", audit[0].Event)
}

func TestCloseExpiredOnlyClosesAutomaticEvents(t *testing.T) {
	f := testutil.New(t)
	f.Account("creator", 0)
	f.Account("alice", 100)

	create := func(res domain.ResolutionType, in time.Duration) domain.Event {
		ev, err := f.Machine.Create(f.Ctx, lifecycle.CreateInput{
			CreatorID:      "creator",
			Question:       "q",
			ClosesAt:       f.Clock.Now().Add(in),
			ResolutionType: res,
		})
		require.NoError(t, err)
		return ev
	}
	auto := create(domain.ResolutionAutomatic, time.Hour)
	later := create(domain.ResolutionAutomatic, 3*time.Hour)
	manual := create(domain.ResolutionManual, time.Hour)

	f.Clock.Advance(2 * time.Hour)

	closed, err := f.Machine.CloseExpired(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{auto.ID}, closed)

	assert.Equal(t, domain.EventStateClosed, f.Event(auto.ID).State)
	assert.Equal(t, domain.EventStateOpen, f.Event(later.ID).State)
	assert.Equal(t, domain.EventStateOpen, f.Event(manual.ID).State)

	// Past closes_at, a manual event still refuses wagers.
	_, err = f.Processor.PlaceBet(f.Ctx, wager.Bet{
		EventID:   manual.ID,
		OutcomeID: f.Outcome(manual, "YES"),
		AccountID: "alice",
		Amount:    5,
	})
	require.ErrorIs(t, err, domain.ErrMarketClosed)

	closed, err = f.Machine.CloseExpired(f.Ctx)
	require.NoError(t, err)
	assert.Empty(t, closed)
}
