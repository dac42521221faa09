package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/pool"
	"github.com/alanyoungcy/tokenpool/internal/probability"
)

const maxOutcomes = 20

// OutcomeSpec is one outcome requested at event creation.
type OutcomeSpec struct {
	Label           string `json:"label"`
	StartingPercent int    `json:"starting_percent"`
}

// CreateInput describes a new event.
type CreateInput struct {
	CreatorID      string                `json:"creator_id"`
	Question       string                `json:"question"`
	Kind           domain.EventKind      `json:"kind"`
	Outcomes       []OutcomeSpec         `json:"outcomes"`
	ClosesAt       time.Time             `json:"closes_at"`
	ResolutionType domain.ResolutionType `json:"resolution_type"`
}

// Machine applies lifecycle transitions under the per-event lock.
type Machine struct {
	store  domain.Store
	locks  domain.EventLocker
	now    func() time.Time
	logger *slog.Logger
}

// NewMachine creates a Machine.
func NewMachine(store domain.Store, locks domain.EventLocker, now func() time.Time, logger *slog.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: store, locks: locks, now: now, logger: logger}
}

// Create validates in and persists the event, its outcomes and empty pools.
func (m *Machine) Create(ctx context.Context, in CreateInput) (domain.Event, error) {
	now := m.now().UTC()
	ev, err := buildEvent(in, now)
	if err != nil {
		return domain.Event{}, err
	}

	err = m.store.WithinTx(ctx, func(tx domain.Repos) error {
		creator, err := tx.Accounts().Get(ctx, ev.CreatorID)
		if err != nil {
			return err
		}
		if !creator.Active {
			return domain.ErrAccountInactive
		}
		if err := tx.Events().Create(ctx, ev); err != nil {
			return err
		}
		if err := pool.Init(ctx, tx, ev); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "event_created", map[string]any{
			"event_id":   ev.ID,
			"creator_id": ev.CreatorID,
			"outcomes":   len(ev.Outcomes),
		})
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("lifecycle: create event: %w", err)
	}

	m.logger.InfoContext(ctx, "lifecycle: event created",
		slog.String("event_id", ev.ID),
		slog.String("creator_id", ev.CreatorID),
		slog.String("kind", string(ev.Kind)),
	)
	return ev, nil
}

func buildEvent(in CreateInput, now time.Time) (domain.Event, error) {
	invalid := func(format string, args ...any) (domain.Event, error) {
		return domain.Event{}, fmt.Errorf("lifecycle: "+format+": %w", append(args, domain.ErrInvalidEvent)...)
	}

	question := strings.TrimSpace(in.Question)
	if question == "" {
		return invalid("question is required")
	}
	if in.CreatorID == "" {
		return invalid("creator is required")
	}
	if !in.ClosesAt.After(now) {
		return invalid("closes_at %s is not in the future", in.ClosesAt.Format(time.RFC3339))
	}

	resolution := in.ResolutionType
	switch resolution {
	case "":
		resolution = domain.ResolutionManual
	case domain.ResolutionAutomatic, domain.ResolutionManual:
	default:
		return invalid("unknown resolution type %q", resolution)
	}

	kind := in.Kind
	specs := append([]OutcomeSpec(nil), in.Outcomes...)
	switch kind {
	case "", domain.EventKindBinary:
		kind = domain.EventKindBinary
		if len(specs) == 0 {
			specs = []OutcomeSpec{{Label: domain.OutcomeYes}, {Label: domain.OutcomeNo}}
		}
		if len(specs) != 2 {
			return invalid("binary events have exactly two outcomes")
		}
		for i := range specs {
			specs[i].Label = strings.ToUpper(strings.TrimSpace(specs[i].Label))
		}
		if specs[0].Label == domain.OutcomeNo && specs[1].Label == domain.OutcomeYes {
			specs[0], specs[1] = specs[1], specs[0]
		}
		if specs[0].Label != domain.OutcomeYes || specs[1].Label != domain.OutcomeNo {
			return invalid("binary outcomes must be YES and NO")
		}
	case domain.EventKindMultiple:
		if len(specs) < 2 {
			return invalid("multiple-outcome events need at least two outcomes")
		}
	default:
		return invalid("unknown kind %q", kind)
	}
	if len(specs) > maxOutcomes {
		return invalid("at most %d outcomes", maxOutcomes)
	}

	seen := make(map[string]bool, len(specs))
	explicit := 0
	sum := 0
	for _, s := range specs {
		label := strings.TrimSpace(s.Label)
		if label == "" {
			return invalid("outcome label is required")
		}
		if seen[strings.ToLower(label)] {
			return invalid("duplicate outcome %q", label)
		}
		seen[strings.ToLower(label)] = true
		if s.StartingPercent != 0 {
			if s.StartingPercent < 1 || s.StartingPercent > 99 {
				return invalid("starting percent %d out of range", s.StartingPercent)
			}
			explicit++
			sum += s.StartingPercent
		}
	}

	percents := make([]int, len(specs))
	switch explicit {
	case 0:
		percents = probability.EvenSplit(len(specs))
	case len(specs):
		if sum != 100 {
			return invalid("starting percents sum to %d, want 100", sum)
		}
		for i, s := range specs {
			percents[i] = s.StartingPercent
		}
	default:
		return invalid("starting percents must be given for all outcomes or none")
	}

	ev := domain.Event{
		ID:             uuid.NewString(),
		CreatorID:      in.CreatorID,
		Question:       question,
		Kind:           kind,
		State:          domain.EventStateOpen,
		ClosesAt:       in.ClosesAt.UTC(),
		ResolutionType: resolution,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, s := range specs {
		ev.Outcomes = append(ev.Outcomes, domain.Outcome{
			ID:              uuid.NewString(),
			EventID:         ev.ID,
			Label:           strings.TrimSpace(s.Label),
			StartingPercent: percents[i],
			Position:        i,
		})
	}
	return ev, nil
}

// Close stops an open event from accepting wagers. Closing a closed event is
// a no-op.
func (m *Machine) Close(ctx context.Context, eventID string) (domain.Event, error) {
	return m.mutate(ctx, eventID, "event_closed", func(ev *domain.Event) (bool, error) {
		switch ev.State {
		case domain.EventStateClosed:
			return false, nil
		case domain.EventStateResolved:
			return false, domain.ErrAlreadyResolved
		}
		return true, Transition(ev, domain.EventStateClosed)
	})
}

// Reopen lets a closed, unresolved event accept wagers again. A new closes_at
// is required once the original one has passed.
func (m *Machine) Reopen(ctx context.Context, eventID string, closesAt *time.Time) (domain.Event, error) {
	now := m.now().UTC()
	return m.mutate(ctx, eventID, "event_reopened", func(ev *domain.Event) (bool, error) {
		if ev.State == domain.EventStateResolved {
			return false, domain.ErrAlreadyResolved
		}
		if ev.SettlementStarted() {
			return false, domain.ErrSettlementInProgress
		}
		if closesAt != nil {
			if !closesAt.After(now) {
				return false, fmt.Errorf("closes_at %s is not in the future: %w",
					closesAt.Format(time.RFC3339), domain.ErrInvalidEvent)
			}
		} else if !now.Before(ev.ClosesAt) {
			return false, domain.ErrMarketClosed
		}
		if err := Transition(ev, domain.EventStateOpen); err != nil {
			return false, err
		}
		if closesAt != nil {
			ev.ClosesAt = closesAt.UTC()
		}
		return true, nil
	})
}

// mutate loads the event under lock, applies fn and persists the result when
// fn reports a change.
func (m *Machine) mutate(ctx context.Context, eventID, auditEvent string, fn func(ev *domain.Event) (bool, error)) (domain.Event, error) {
	unlock, err := m.locks.Lock(ctx, eventID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("lifecycle: %s: %w", auditEvent, err)
	}
	defer unlock()

	var out domain.Event
	err = m.store.WithinTx(ctx, func(tx domain.Repos) error {
		ev, err := tx.Events().GetForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		from := ev.State
		changed, err := fn(&ev)
		if err != nil {
			return err
		}
		if changed {
			ev.UpdatedAt = m.now().UTC()
			if err := tx.Events().Update(ctx, ev); err != nil {
				return err
			}
			if err := tx.Audit().Log(ctx, auditEvent, map[string]any{
				"event_id": ev.ID,
				"from":     string(from),
				"to":       string(ev.State),
			}); err != nil {
				return err
			}
		}
		out = ev
		return nil
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("lifecycle: %s %s: %w", auditEvent, eventID, err)
	}
	return out, nil
}

// DeleteInput controls event deletion.
type DeleteInput struct {
	EventID        string
	ConfirmForfeit bool
	Actor          string
}

// Delete removes an open or closed event together with its stakes. Staked
// tokens are forfeited, nobody is paid. When stakes exist the caller must set
// ConfirmForfeit, otherwise a *domain.ForfeitError describing the loss is
// returned.
func (m *Machine) Delete(ctx context.Context, in DeleteInput) (domain.ForfeitSummary, error) {
	unlock, err := m.locks.Lock(ctx, in.EventID)
	if err != nil {
		return domain.ForfeitSummary{}, fmt.Errorf("lifecycle: delete: %w", err)
	}
	defer unlock()

	summary := domain.ForfeitSummary{EventID: in.EventID}
	err = m.store.WithinTx(ctx, func(tx domain.Repos) error {
		ev, err := tx.Events().GetForUpdate(ctx, in.EventID)
		if err != nil {
			return err
		}
		if ev.State == domain.EventStateResolved {
			return domain.ErrAlreadyResolved
		}
		if ev.SettlementStarted() {
			return domain.ErrSettlementInProgress
		}

		stakes, err := tx.Stakes().ListByEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		bettors := make(map[string]struct{})
		for _, s := range stakes {
			summary.StakeCount++
			summary.Tokens += s.Amount
			bettors[s.AccountID] = struct{}{}
		}
		summary.Bettors = len(bettors)

		if summary.StakeCount > 0 && !in.ConfirmForfeit {
			return &domain.ForfeitError{Summary: summary}
		}
		if err := tx.Events().Delete(ctx, ev.ID); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "event_deleted", map[string]any{
			"event_id":         ev.ID,
			"actor":            in.Actor,
			"forfeited_stakes": summary.StakeCount,
			"forfeited_tokens": summary.Tokens,
		})
	})
	if err != nil {
		return summary, fmt.Errorf("lifecycle: delete %s: %w", in.EventID, err)
	}

	m.logger.InfoContext(ctx, "lifecycle: event deleted",
		slog.String("event_id", in.EventID),
		slog.Int("forfeited_stakes", summary.StakeCount),
		slog.Int64("forfeited_tokens", summary.Tokens),
	)
	return summary, nil
}

// CloseExpired closes every open automatic event whose closes_at has passed
// and returns the ids it closed. Failures on single events are logged and do
// not stop the sweep.
func (m *Machine) CloseExpired(ctx context.Context) ([]string, error) {
	expired, err := m.store.Events().ListExpired(ctx, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list expired: %w", err)
	}

	var closed []string
	for _, ev := range expired {
		if _, err := m.Close(ctx, ev.ID); err != nil {
			m.logger.WarnContext(ctx, "lifecycle: auto-close failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed = append(closed, ev.ID)
	}
	if len(closed) > 0 {
		m.logger.InfoContext(ctx, "lifecycle: closed expired events", slog.Int("count", len(closed)))
	}
	return closed, nil
}
