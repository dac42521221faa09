package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/metrics"
	"github.com/alanyoungcy/tokenpool/internal/notify"
	"github.com/alanyoungcy/tokenpool/internal/pool"
	"github.com/alanyoungcy/tokenpool/internal/probability"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

// PlaceBetRequest is a bet as submitted by a caller.
type PlaceBetRequest = wager.Bet

// BetReceipt is the result of an accepted bet.
type BetReceipt = wager.Receipt

// SideEffects holds the optional collaborators of MarketService. Every field
// may be nil; the matching side effect is then skipped.
type SideEffects struct {
	Cache    domain.ProbabilityCache
	Bus      domain.SignalBus
	Archiver domain.Archiver
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// MarketService is the engine facade used by the transports. It runs the
// lifecycle, wager and settlement components and performs the best-effort
// side effects around them: probability caching, bus signals, archiving,
// alerts and metrics. Side-effect failures are logged and never fail the
// operation.
type MarketService struct {
	store    domain.Store
	machine  *lifecycle.Machine
	wagers   *wager.Processor
	settler  *settlement.Engine
	cache    domain.ProbabilityCache
	archiver domain.Archiver
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	pub      publisher
	loads    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(
	store domain.Store,
	machine *lifecycle.Machine,
	wagers *wager.Processor,
	settler *settlement.Engine,
	fx SideEffects,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		store:    store,
		machine:  machine,
		wagers:   wagers,
		settler:  settler,
		cache:    fx.Cache,
		archiver: fx.Archiver,
		notifier: fx.Notifier,
		metrics:  fx.Metrics,
		pub:      publisher{bus: fx.Bus, now: time.Now, logger: logger},
		now:      time.Now,
		logger:   logger,
	}
}

// CreateEvent validates and stores a new event.
func (s *MarketService) CreateEvent(ctx context.Context, in lifecycle.CreateInput) (domain.Event, error) {
	ev, err := s.machine.Create(ctx, in)
	if err != nil {
		return domain.Event{}, fmt.Errorf("market_service: create event: %w", err)
	}
	s.metrics.Transition("create")
	s.pub.publish(ctx, domain.ChannelEvents, Signal{Type: SignalEventCreated, EventID: ev.ID, Data: ev})
	return ev, nil
}

// GetEvent returns one event with its outcomes.
func (s *MarketService) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	ev, err := s.store.Events().Get(ctx, id)
	if err != nil {
		return domain.Event{}, fmt.Errorf("market_service: get event %q: %w", id, err)
	}
	return ev, nil
}

// ListEvents returns events matching filter, newest first.
func (s *MarketService) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	events, err := s.store.Events().List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("market_service: list events: %w", err)
	}
	return events, nil
}

// PlaceBet stakes tokens on an outcome. On success the new probabilities are
// written to the cache and announced on the bets channel.
func (s *MarketService) PlaceBet(ctx context.Context, req PlaceBetRequest) (BetReceipt, error) {
	rc, err := s.wagers.PlaceBet(ctx, req)
	if err != nil {
		s.metrics.BetRejected(err)
		return BetReceipt{}, fmt.Errorf("market_service: place bet: %w", err)
	}
	if rc.Replayed {
		return rc, nil
	}

	s.metrics.BetPlaced(rc.Stake.Amount)
	s.cacheProbabilities(ctx, rc.Stake.EventID, rc.Probabilities)
	s.pub.publish(ctx, domain.ChannelBets, Signal{
		Type:    SignalBetPlaced,
		EventID: rc.Stake.EventID,
		Data: map[string]any{
			"outcome_id":    rc.Stake.OutcomeID,
			"amount":        rc.Stake.Amount,
			"totals":        rc.Totals,
			"probabilities": rc.Probabilities,
		},
	})
	return rc, nil
}

// GetProbabilities returns the displayed probability per outcome. Reads go to
// the cache first; concurrent misses for the same event share one store read.
func (s *MarketService) GetProbabilities(ctx context.Context, eventID string) (map[string]int, error) {
	if s.cache != nil {
		probs, err := s.cache.Get(ctx, eventID)
		if err == nil {
			return probs, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "market_service: cache get failed",
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Callers share one load, so it must not die with the first caller's ctx.
	v, err, _ := s.loads.Do(eventID, func() (any, error) {
		return s.loadProbabilities(context.WithoutCancel(ctx), eventID)
	})
	if err != nil {
		return nil, fmt.Errorf("market_service: probabilities %q: %w", eventID, err)
	}
	probs := v.(map[string]int)
	s.cacheProbabilities(ctx, eventID, probs)
	return probs, nil
}

// loadProbabilities reads the event and its pools in one transaction.
func (s *MarketService) loadProbabilities(ctx context.Context, eventID string) (map[string]int, error) {
	var probs map[string]int
	err := s.store.WithinTx(ctx, func(tx domain.Repos) error {
		ev, err := tx.Events().Get(ctx, eventID)
		if err != nil {
			return err
		}
		totals, err := pool.Snapshot(ctx, tx, eventID)
		if err != nil {
			return err
		}
		probs = probability.ForEvent(ev, totals)
		return nil
	})
	return probs, err
}

// CloseEvent stops an event from accepting bets. Closing a closed event is a
// no-op.
func (s *MarketService) CloseEvent(ctx context.Context, eventID string) (domain.Event, error) {
	ev, err := s.machine.Close(ctx, eventID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("market_service: close event: %w", err)
	}
	s.metrics.Transition("close")
	s.pub.publish(ctx, domain.ChannelEvents, Signal{Type: SignalEventClosed, EventID: ev.ID, Data: ev})
	return ev, nil
}

// ReopenEvent moves a closed event back to open, optionally with a new
// closing time.
func (s *MarketService) ReopenEvent(ctx context.Context, eventID string, closesAt *time.Time) (domain.Event, error) {
	ev, err := s.machine.Reopen(ctx, eventID, closesAt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("market_service: reopen event: %w", err)
	}
	s.metrics.Transition("reopen")
	s.pub.publish(ctx, domain.ChannelEvents, Signal{Type: SignalEventReopened, EventID: ev.ID, Data: ev})
	return ev, nil
}

// ResolveEvent settles an event on winningOutcome. If the event was resolved
// before, the stored report is returned together with an error wrapping
// domain.ErrAlreadyResolved.
func (s *MarketService) ResolveEvent(ctx context.Context, eventID, winningOutcome, resolverID string) (domain.SettlementReport, error) {
	start := s.now()
	report, err := s.settler.Resolve(ctx, eventID, winningOutcome, resolverID)
	switch {
	case errors.Is(err, domain.ErrAlreadyResolved):
		return report, fmt.Errorf("market_service: resolve: %w", err)
	case err != nil:
		if interrupted(err) {
			s.metrics.ResolveFailed()
			s.alert(ctx, notify.FailedAlert(eventID, err))
		}
		return domain.SettlementReport{}, fmt.Errorf("market_service: resolve: %w", err)
	}

	s.metrics.Resolved(report, s.now().Sub(start))
	s.metrics.Transition("resolve")
	s.invalidate(ctx, eventID)
	s.pub.publish(ctx, domain.ChannelSettlements, Signal{Type: SignalEventResolved, EventID: eventID, Data: report})
	s.archive(ctx, report)

	if s.notifier.Enabled() {
		ev, err := s.store.Events().Get(ctx, eventID)
		if err != nil {
			ev = domain.Event{ID: eventID}
		}
		s.alert(ctx, notify.ResolvedAlert(ev, report))
	}
	return report, nil
}

// interrupted reports whether a resolve error may have left a settlement
// part-way done, as opposed to a refused precondition.
func interrupted(err error) bool {
	switch domain.Kind(err) {
	case "internal", "concurrent_modification", "insufficient_funds":
		return true
	default:
		return false
	}
}

// DeleteEvent removes an open or closed event. Stakes on it are forfeited;
// when any exist confirmForfeit must be true, otherwise a *domain.ForfeitError
// describing them is returned.
func (s *MarketService) DeleteEvent(ctx context.Context, eventID string, confirmForfeit bool) (domain.ForfeitSummary, error) {
	actor, _ := domain.ActorFrom(ctx)
	summary, err := s.machine.Delete(ctx, lifecycle.DeleteInput{
		EventID:        eventID,
		ConfirmForfeit: confirmForfeit,
		Actor:          actor,
	})
	if err != nil {
		return summary, fmt.Errorf("market_service: delete event: %w", err)
	}

	s.metrics.Transition("delete")
	s.invalidate(ctx, eventID)
	s.pub.publish(ctx, domain.ChannelEvents, Signal{Type: SignalEventDeleted, EventID: eventID, Data: summary})
	if summary.StakeCount > 0 {
		s.alert(ctx, notify.DeletedAlert(summary, actor))
	}
	return summary, nil
}

// ListStakes returns every stake on an event.
func (s *MarketService) ListStakes(ctx context.Context, eventID string) ([]domain.Stake, error) {
	if _, err := s.store.Events().Get(ctx, eventID); err != nil {
		return nil, fmt.Errorf("market_service: list stakes %q: %w", eventID, err)
	}
	stakes, err := s.store.Stakes().ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("market_service: list stakes %q: %w", eventID, err)
	}
	return stakes, nil
}

// GetSettlementReport returns the stored report of a resolved event.
func (s *MarketService) GetSettlementReport(ctx context.Context, eventID string) (domain.SettlementReport, error) {
	report, err := s.store.Settlements().Get(ctx, eventID)
	if err == nil {
		return report, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		if _, evErr := s.store.Events().Get(ctx, eventID); evErr != nil {
			err = evErr
		}
	}
	return domain.SettlementReport{}, fmt.Errorf("market_service: settlement report %q: %w", eventID, err)
}

// CloseExpired closes automatic events whose closing time has passed and
// returns their ids.
func (s *MarketService) CloseExpired(ctx context.Context) ([]string, error) {
	closed, err := s.machine.CloseExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: close expired: %w", err)
	}
	for _, id := range closed {
		s.metrics.Transition("auto_close")
		s.pub.publish(ctx, domain.ChannelEvents, Signal{Type: SignalEventClosed, EventID: id})
	}
	return closed, nil
}

// ArchiveLedger exports the ledger window [since, until) to blob storage.
// It returns 0 when no archiver is configured.
func (s *MarketService) ArchiveLedger(ctx context.Context, since, until time.Time) (int64, error) {
	if s.archiver == nil {
		return 0, nil
	}
	n, err := s.archiver.ArchiveLedger(ctx, since, until)
	if err != nil {
		return n, fmt.Errorf("market_service: archive ledger: %w", err)
	}
	return n, nil
}

func (s *MarketService) archive(ctx context.Context, report domain.SettlementReport) {
	if s.archiver == nil {
		return
	}
	stakes, err := s.store.Stakes().ListByEvent(ctx, report.EventID)
	if err == nil {
		_, err = s.archiver.ArchiveSettlement(ctx, report, stakes)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "market_service: archive settlement failed",
			slog.String("event_id", report.EventID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) cacheProbabilities(ctx context.Context, eventID string, probs map[string]int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, eventID, probs); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) invalidate(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, eventID); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) alert(ctx context.Context, a notify.Alert) {
	if err := s.notifier.Notify(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "market_service: alert failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}
