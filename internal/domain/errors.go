package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrMarketClosed           = errors.New("market closed")
	ErrInvalidOutcome         = errors.New("invalid outcome")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrAlreadyResolved        = errors.New("event already resolved")
	ErrEventNotFound          = errors.New("event not found")
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountInactive      = errors.New("account inactive")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrSettlementInProgress = errors.New("settlement in progress")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrInvalidEvent         = errors.New("invalid event")
	ErrStakeSettled         = errors.New("stake already settled")
	ErrInvalidAccount       = errors.New("invalid account")
)

// kinds maps each caller-facing sentinel to its stable wire name.
var kinds = []struct {
	err  error
	kind string
}{
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrMarketClosed, "market_closed"},
	{ErrInvalidOutcome, "invalid_outcome"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrAlreadyResolved, "already_resolved"},
	{ErrEventNotFound, "event_not_found"},
	{ErrConcurrentModification, "concurrent_modification"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrAccountInactive, "account_inactive"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrSettlementInProgress, "settlement_in_progress"},
	{ErrConfirmationRequired, "confirmation_required"},
	{ErrInvalidEvent, "invalid_event"},
	{ErrInvalidAccount, "invalid_account"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
}

// Kind returns the stable error kind for err, or "internal" when err does not
// wrap any known sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// ForfeitSummary describes what deleting an event would destroy.
type ForfeitSummary struct {
	EventID    string `json:"event_id"`
	StakeCount int    `json:"stake_count"`
	Tokens     int64  `json:"tokens"`
	Bettors    int    `json:"bettors"`
}

// ForfeitError is returned when an event with stakes is deleted without an
// explicit forfeit confirmation.
type ForfeitError struct {
	Summary ForfeitSummary
}

func (e *ForfeitError) Error() string {
	return fmt.Sprintf("deleting event %s forfeits %d tokens across %d stakes: %s",
		e.Summary.EventID, e.Summary.Tokens, e.Summary.StakeCount, ErrConfirmationRequired)
}

func (e *ForfeitError) Unwrap() error { return ErrConfirmationRequired }
