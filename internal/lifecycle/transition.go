// Package lifecycle owns the event state machine: creation, close, reopen,
// deletion and the automatic close of expired events.
package lifecycle

import (
	"fmt"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// transitions lists the legal state changes. Resolution is one-way.
var transitions = map[domain.EventState][]domain.EventState{
	domain.EventStateOpen:     {domain.EventStateClosed, domain.EventStateResolved},
	domain.EventStateClosed:   {domain.EventStateOpen, domain.EventStateResolved},
	domain.EventStateResolved: nil,
}

// CanTransition reports whether an event may move from one state to another.
func CanTransition(from, to domain.EventState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves ev to state to, or explains why it cannot.
func Transition(ev *domain.Event, to domain.EventState) error {
	if ev.State == domain.EventStateResolved {
		return fmt.Errorf("lifecycle: event %s: %w", ev.ID, domain.ErrAlreadyResolved)
	}
	if !CanTransition(ev.State, to) {
		return fmt.Errorf("lifecycle: event %s %s -> %s: %w", ev.ID, ev.State, to, domain.ErrInvalidTransition)
	}
	ev.State = to
	return nil
}
