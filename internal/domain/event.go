package domain

import (
	"strings"
	"time"
)

// EventState is the lifecycle state of a prediction event.
type EventState string

const (
	EventStateOpen     EventState = "open"
	EventStateClosed   EventState = "closed"
	EventStateResolved EventState = "resolved"
)

// EventKind distinguishes YES/NO events from multi-outcome events.
type EventKind string

const (
	EventKindBinary   EventKind = "binary"
	EventKindMultiple EventKind = "multiple"
)

// ResolutionType says whether an event closes itself at closes_at.
type ResolutionType string

const (
	ResolutionAutomatic ResolutionType = "automatic"
	ResolutionManual    ResolutionType = "manual"
)

// Binary outcome labels.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Outcome is one selectable answer of an event.
type Outcome struct {
	ID              string `json:"id"`
	EventID         string `json:"event_id"`
	Label           string `json:"label"`
	StartingPercent int    `json:"starting_percent"`
	Position        int    `json:"position"`
}

// Event is a user-created prediction question.
//
// PendingOutcome, SettledPool and SettledWinningPool are written when a
// resolution starts and freeze the pool snapshot that payouts are computed
// from. WinningOutcome is set once, when the event becomes resolved.
type Event struct {
	ID                 string         `json:"id"`
	CreatorID          string         `json:"creator_id"`
	Question           string         `json:"question"`
	Kind               EventKind      `json:"kind"`
	Outcomes           []Outcome      `json:"outcomes"`
	State              EventState     `json:"state"`
	ClosesAt           time.Time      `json:"closes_at"`
	ResolutionType     ResolutionType `json:"resolution_type"`
	WinningOutcome     string         `json:"winning_outcome,omitempty"`
	PendingOutcome     string         `json:"pending_outcome,omitempty"`
	SettledPool        int64          `json:"settled_pool,omitempty"`
	SettledWinningPool int64          `json:"settled_winning_pool,omitempty"`
	ResolvedBy         string         `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Outcome returns the outcome with the given id.
func (e Event) Outcome(id string) (Outcome, bool) {
	for _, o := range e.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// HasOutcome reports whether id names one of the event's outcomes.
func (e Event) HasOutcome(id string) bool {
	_, ok := e.Outcome(id)
	return ok
}

// OutcomeByLabel finds an outcome by label, ignoring case.
func (e Event) OutcomeByLabel(label string) (Outcome, bool) {
	for _, o := range e.Outcomes {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return Outcome{}, false
}

// AcceptingBets reports whether a wager placed at now may be accepted.
func (e Event) AcceptingBets(now time.Time) bool {
	return e.State == EventStateOpen && now.Before(e.ClosesAt)
}

// SettlementStarted reports whether a resolution has frozen the pools.
func (e Event) SettlementStarted() bool {
	return e.PendingOutcome != "" && e.State != EventStateResolved
}

// EventFilter narrows event listings.
type EventFilter struct {
	State EventState
	ListOpts
}

// PoolTotals maps outcome id to the tokens staked on it.
type PoolTotals map[string]int64

// Sum returns the total pool across all outcomes.
func (p PoolTotals) Sum() int64 {
	var total int64
	for _, v := range p {
		total += v
	}
	return total
}
