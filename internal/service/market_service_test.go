package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/metrics"
	"github.com/alanyoungcy/tokenpool/internal/notify"
	"github.com/alanyoungcy/tokenpool/internal/service"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
	"github.com/alanyoungcy/tokenpool/internal/testutil"
)

type memCache struct {
	mu          sync.Mutex
	data        map[string]map[string]int
	gets        int
	invalidated []string
}

func newMemCache() *memCache { return &memCache{data: map[string]map[string]int{}} }

func (c *memCache) Set(_ context.Context, eventID string, probs map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[eventID] = probs
	return nil
}

func (c *memCache) Get(_ context.Context, eventID string) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	p, ok := c.data[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (c *memCache) Invalidate(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, eventID)
	c.invalidated = append(c.invalidated, eventID)
	return nil
}

type published struct {
	channel string
	signal  service.Signal
}

type memBus struct {
	mu      sync.Mutex
	msgs    []published
	streams map[string]int
}

func newMemBus() *memBus { return &memBus{streams: map[string]int{}} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	var sig service.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel: channel, signal: sig})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream]++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.signal.Type
	}
	return out
}

type memArchiver struct {
	settlements map[string]int
	ledgerCalls int
}

func (a *memArchiver) ArchiveSettlement(_ context.Context, r domain.SettlementReport, stakes []domain.Stake) (string, error) {
	a.settlements[r.EventID] = len(stakes)
	return "settlements/" + r.EventID + ".json", nil
}

func (a *memArchiver) ArchiveLedger(context.Context, time.Time, time.Time) (int64, error) {
	a.ledgerCalls++
	return 7, nil
}

type captureSender struct {
	mu     sync.Mutex
	titles []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return nil
}

func (c *captureSender) Name() string { return "capture" }

type harness struct {
	*testutil.Fixture
	svc      *service.MarketService
	cache    *memCache
	bus      *memBus
	archiver *memArchiver
	sender   *captureSender
}

func newHarness(t *testing.T) *harness {
	f := testutil.New(t)
	h := &harness{
		Fixture:  f,
		cache:    newMemCache(),
		bus:      newMemBus(),
		archiver: &memArchiver{settlements: map[string]int{}},
		sender:   &captureSender{},
	}
	h.svc = service.NewMarketService(f.Store, f.Machine, f.Processor, f.Settler, service.SideEffects{
		Cache:    h.cache,
		Bus:      h.bus,
		Archiver: h.archiver,
		Notifier: notify.NewNotifier([]notify.Sender{h.sender}, nil, f.Logger),
		Metrics:  metrics.New(),
	}, f.Logger)
	return h
}

func TestMarketServiceBetSideEffects(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	ev := h.Binary("creator")
	yes := h.Outcome(ev, "YES")

	req := service.PlaceBetRequest{EventID: ev.ID, OutcomeID: yes, AccountID: "alice", Amount: 30, StakeID: "s-1"}
	rc, err := h.svc.PlaceBet(h.Ctx, req)
	require.NoError(t, err)

	cached, err := h.cache.Get(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, rc.Probabilities, cached)
	assert.Equal(t, []string{service.SignalBetPlaced}, h.bus.types())

	// A replay changes nothing and announces nothing.
	again, err := h.svc.PlaceBet(h.Ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Len(t, h.bus.types(), 1)
	assert.Equal(t, int64(70), h.Balance("alice"))

	_, err = h.svc.PlaceBet(h.Ctx, service.PlaceBetRequest{EventID: ev.ID, OutcomeID: yes, AccountID: "alice", Amount: 500})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Len(t, h.bus.types(), 1)
}

func TestMarketServiceProbabilities(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	ev := h.Binary("creator")
	yes, no := h.Outcome(ev, "YES"), h.Outcome(ev, "NO")

	probs, err := h.svc.GetProbabilities(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{yes: 50, no: 50}, probs)

	// Served from the cache until it is refreshed.
	require.NoError(t, h.cache.Set(h.Ctx, ev.ID, map[string]int{yes: 42, no: 58}))
	probs, err = h.svc.GetProbabilities(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, probs[yes])

	h.Bet(ev, "NO", "alice", 30)
	require.NoError(t, h.cache.Invalidate(h.Ctx, ev.ID))
	probs, err = h.svc.GetProbabilities(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{yes: 1, no: 99}, probs)

	_, err = h.svc.GetProbabilities(h.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestMarketServiceResolve(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	h.Account("bob", 100)
	ev := h.Binary("creator")
	yes := h.Outcome(ev, "YES")

	_, err := h.svc.PlaceBet(h.Ctx, service.PlaceBetRequest{EventID: ev.ID, OutcomeID: yes, AccountID: "alice", Amount: 40})
	require.NoError(t, err)
	_, err = h.svc.PlaceBet(h.Ctx, service.PlaceBetRequest{EventID: ev.ID, OutcomeID: h.Outcome(ev, "NO"), AccountID: "bob", Amount: 20})
	require.NoError(t, err)

	report, err := h.svc.ResolveEvent(h.Ctx, ev.ID, yes, "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(60), report.TotalDistributed)

	assert.Contains(t, h.cache.invalidated, ev.ID)
	assert.Equal(t, 2, h.archiver.settlements[ev.ID])
	assert.Equal(t, 1, h.bus.streams[domain.ChannelSettlements])
	assert.Contains(t, h.bus.types(), service.SignalEventResolved)
	assert.Equal(t, []string{"Event resolved"}, h.sender.titles)

	probs, err := h.svc.GetProbabilities(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, probs[yes])

	again, err := h.svc.ResolveEvent(h.Ctx, ev.ID, yes, "creator")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, report.TotalDistributed, again.TotalDistributed)
	assert.Equal(t, 1, h.bus.streams[domain.ChannelSettlements], "no second announcement")
	assert.Len(t, h.sender.titles, 1)

	stored, err := h.svc.GetSettlementReport(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, report.WinningOutcome, stored.WinningOutcome)
}

type failingStore struct {
	domain.Store
	calls int
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(domain.Repos) error) error {
	s.calls++
	if s.calls == 2 {
		return errors.New("disk full")
	}
	return s.Store.WithinTx(ctx, fn)
}

func TestMarketServiceResolveFailureAlerts(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	ev := h.Binary("creator")
	h.Bet(ev, "YES", "alice", 10)

	settler := settlement.NewEngine(&failingStore{Store: h.Store}, h.Locks, h.Ledger, h.Clock.Now, h.Logger)
	svc := service.NewMarketService(h.Store, h.Machine, h.Processor, settler, service.SideEffects{
		Notifier: notify.NewNotifier([]notify.Sender{h.sender}, nil, h.Logger),
	}, h.Logger)

	_, err := svc.ResolveEvent(h.Ctx, ev.ID, h.Outcome(ev, "YES"), "creator")
	require.Error(t, err)
	assert.Equal(t, "internal", domain.Kind(err))
	assert.Equal(t, []string{"Settlement interrupted"}, h.sender.titles)

	// Refused preconditions are not alerts.
	_, err = svc.ResolveEvent(h.Ctx, ev.ID, h.Outcome(ev, "NO"), "creator")
	require.ErrorIs(t, err, domain.ErrSettlementInProgress)
	assert.Len(t, h.sender.titles, 1)

	// The healthy engine finishes the job.
	_, err = h.svc.ResolveEvent(h.Ctx, ev.ID, h.Outcome(ev, "YES"), "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.Balance("alice"))
}

func TestMarketServiceDelete(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	ev := h.Binary("creator")
	h.Bet(ev, "YES", "alice", 10)

	ctx := domain.WithActor(h.Ctx, "creator")
	_, err := h.svc.DeleteEvent(ctx, ev.ID, false)
	var forfeit *domain.ForfeitError
	require.ErrorAs(t, err, &forfeit)
	assert.Equal(t, int64(10), forfeit.Summary.Tokens)
	assert.Empty(t, h.sender.titles)

	summary, err := h.svc.DeleteEvent(ctx, ev.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StakeCount)
	assert.Equal(t, []string{"Event deleted, stakes forfeited"}, h.sender.titles)
	assert.Contains(t, h.bus.types(), service.SignalEventDeleted)
	assert.Contains(t, h.cache.invalidated, ev.ID)

	_, err = h.svc.GetEvent(h.Ctx, ev.ID)
	require.ErrorIs(t, err, domain.ErrEventNotFound)
}

func testCreateInput(h *harness) lifecycle.CreateInput {
	return lifecycle.CreateInput{
		CreatorID:      "creator",
		Question:       "Will the build pass?",
		ClosesAt:       h.Clock.Now().Add(time.Hour),
		ResolutionType: domain.ResolutionAutomatic,
	}
}

func TestMarketServiceLifecycleSignals(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)

	ev, err := h.svc.CreateEvent(h.Ctx, testCreateInput(h))
	require.NoError(t, err)
	_, err = h.svc.CloseEvent(h.Ctx, ev.ID)
	require.NoError(t, err)
	_, err = h.svc.ReopenEvent(h.Ctx, ev.ID, nil)
	require.NoError(t, err)

	h.Clock.Advance(2 * time.Hour)
	closed, err := h.svc.CloseExpired(h.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, closed)

	assert.Equal(t, []string{
		service.SignalEventCreated,
		service.SignalEventClosed,
		service.SignalEventReopened,
		service.SignalEventClosed,
	}, h.bus.types())

	events, err := h.svc.ListEvents(h.Ctx, domain.EventFilter{State: domain.EventStateClosed})
	require.NoError(t, err)
	require.Len(t, events, 1)

	stakes, err := h.svc.ListStakes(h.Ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stakes)
	_, err = h.svc.ListStakes(h.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = h.svc.GetSettlementReport(h.Ctx, ev.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.GetSettlementReport(h.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	n, err := h.svc.ArchiveLedger(h.Ctx, time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, 1, h.archiver.ledgerCalls)
}

func TestMarketServiceProbabilitiesLoadOutlivesCaller(t *testing.T) {
	h := newHarness(t)
	h.Account("creator", 0)
	h.Account("alice", 100)
	ev := h.Binary("creator")
	yes, no := h.Outcome(ev, "YES"), h.Outcome(ev, "NO")
	h.Bet(ev, "YES", "alice", 20)
	require.NoError(t, h.cache.Invalidate(h.Ctx, ev.ID))

	// The shared load runs detached, so waiters behind a cancelled caller
	// still get a result.
	ctx, cancel := context.WithCancel(h.Ctx)
	cancel()
	probs, err := h.svc.GetProbabilities(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{yes: 99, no: 1}, probs)
}
