package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/lifecycle"
	"github.com/alanyoungcy/tokenpool/internal/wager"
)

// MarketService defines the methods the event handler requires from the
// service layer.
type MarketService interface {
	CreateEvent(ctx context.Context, in lifecycle.CreateInput) (domain.Event, error)
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	PlaceBet(ctx context.Context, req wager.Bet) (wager.Receipt, error)
	GetProbabilities(ctx context.Context, eventID string) (map[string]int, error)
	CloseEvent(ctx context.Context, eventID string) (domain.Event, error)
	ReopenEvent(ctx context.Context, eventID string, closesAt *time.Time) (domain.Event, error)
	ResolveEvent(ctx context.Context, eventID, winningOutcome, resolverID string) (domain.SettlementReport, error)
	DeleteEvent(ctx context.Context, eventID string, confirmForfeit bool) (domain.ForfeitSummary, error)
	ListStakes(ctx context.Context, eventID string) ([]domain.Stake, error)
	GetSettlementReport(ctx context.Context, eventID string) (domain.SettlementReport, error)
}

// EventHandler serves event, bet and settlement endpoints.
type EventHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(markets MarketService, logger *slog.Logger) *EventHandler {
	return &EventHandler{markets: markets, logger: logger}
}

type createEventRequest struct {
	Question       string                  `json:"question"`
	Kind           domain.EventKind        `json:"kind"`
	Outcomes       []lifecycle.OutcomeSpec `json:"outcomes"`
	ClosesAt       time.Time               `json:"closes_at"`
	ResolutionType domain.ResolutionType   `json:"resolution_type"`
}

// CreateEvent creates an event owned by the caller.
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	creator, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createEventRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ev, err := h.markets.CreateEvent(r.Context(), lifecycle.CreateInput{
		CreatorID:      creator,
		Question:       req.Question,
		Kind:           req.Kind,
		Outcomes:       req.Outcomes,
		ClosesAt:       req.ClosesAt,
		ResolutionType: req.ResolutionType,
	})
	if err != nil {
		h.fail(w, r, "create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type listEventsResponse struct {
	Events []domain.Event `json:"events"`
}

// ListEvents returns events, optionally filtered by state.
// GET /api/events?state=open&limit=50&offset=0
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := domain.EventFilter{ListOpts: parseListOpts(r)}
	if s := r.URL.Query().Get("state"); s != "" {
		switch st := domain.EventState(s); st {
		case domain.EventStateOpen, domain.EventStateClosed, domain.EventStateResolved:
			filter.State = st
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "state must be open, closed or resolved")
			return
		}
	}

	events, err := h.markets.ListEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

// GetEvent returns one event.
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.markets.GetEvent(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GetProbabilities returns the implied probability per outcome.
// GET /api/events/{id}/probabilities
func (h *EventHandler) GetProbabilities(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	probs, err := h.markets.GetProbabilities(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get probabilities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id, "probabilities": probs})
}

// ListStakes returns every stake on an event.
// GET /api/events/{id}/stakes
func (h *EventHandler) ListStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.markets.ListStakes(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "list stakes", err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes})
}

type placeBetRequest struct {
	OutcomeID string `json:"outcome_id"`
	Amount    int64  `json:"amount"`
	StakeID   string `json:"stake_id,omitempty"`
}

// PlaceBet stakes the caller's tokens. A replayed stake_id answers 200 with
// the stake recorded the first time.
// POST /api/events/{id}/bets
func (h *EventHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	bettor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rc, err := h.markets.PlaceBet(r.Context(), wager.Bet{
		EventID:   pathParam(r, "id"),
		OutcomeID: req.OutcomeID,
		AccountID: bettor,
		Amount:    req.Amount,
		StakeID:   req.StakeID,
	})
	if err != nil {
		h.fail(w, r, "place bet", err)
		return
	}
	status := http.StatusCreated
	if rc.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, rc)
}

// CloseEvent stops an event from accepting bets.
// POST /api/events/{id}/close
func (h *EventHandler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.markets.CloseEvent(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "close event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type reopenRequest struct {
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

// ReopenEvent reopens a closed event, optionally moving its closing time.
// POST /api/events/{id}/reopen
func (h *EventHandler) ReopenEvent(w http.ResponseWriter, r *http.Request) {
	var req reopenRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ev, err := h.markets.ReopenEvent(r.Context(), pathParam(r, "id"), req.ClosesAt)
	if err != nil {
		h.fail(w, r, "reopen event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type resolveRequest struct {
	OutcomeID string `json:"outcome_id"`
}

// ResolveEvent settles an event. Resolving twice answers 409 with the
// original report.
// POST /api/events/{id}/resolve
func (h *EventHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	resolver, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	report, err := h.markets.ResolveEvent(r.Context(), pathParam(r, "id"), req.OutcomeID, resolver)
	if errors.Is(err, domain.ErrAlreadyResolved) {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:  err.Error(),
			Kind:   domain.Kind(err),
			Report: report,
		})
		return
	}
	if err != nil {
		h.fail(w, r, "resolve event", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetSettlement returns the stored settlement report.
// GET /api/events/{id}/settlement
func (h *EventHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.markets.GetSettlementReport(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DeleteEvent removes an event, forfeiting its stakes. Events with stakes
// need ?confirm_forfeit=true; without it the answer is 428 with the forfeit
// summary.
// DELETE /api/events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	confirm := false
	if v := r.URL.Query().Get("confirm_forfeit"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "confirm_forfeit must be a boolean")
			return
		}
		confirm = b
	}

	summary, err := h.markets.DeleteEvent(r.Context(), pathParam(r, "id"), confirm)
	if err != nil {
		h.fail(w, r, "delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "forfeit": summary})
}

// fail logs unexpected errors and writes the mapped response.
func (h *EventHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if statusFor(domain.Kind(err)) == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	}
	writeServiceError(w, err)
}
