package domain

import "time"

// Stake is a single bet. It is immutable apart from its settlement fields.
type Stake struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	OutcomeID          string     `json:"outcome_id"`
	AccountID          string     `json:"account_id"`
	Amount             int64      `json:"amount"`
	ImpliedProbability int        `json:"implied_probability"`
	Settled            bool       `json:"settled"`
	Payout             int64      `json:"payout"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SettlementReport summarises a completed resolution. It is stored once per
// event and returned unchanged on repeated resolve calls.
type SettlementReport struct {
	EventID           string    `json:"event_id"`
	WinningOutcome    string    `json:"winning_outcome"`
	ResolvedBy        string    `json:"resolved_by"`
	TotalPool         int64     `json:"total_pool"`
	WinningPool       int64     `json:"winning_pool"`
	Void              bool      `json:"void"`
	WinnersPaid       int       `json:"winners_paid"`
	TotalDistributed  int64     `json:"total_distributed"`
	RoundingRemainder int64     `json:"rounding_remainder"`
	ResolvedAt        time.Time `json:"resolved_at"`
}
