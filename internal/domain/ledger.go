package domain

import "time"

// LedgerReason classifies a ledger posting.
type LedgerReason string

const (
	ReasonSignupBonus       LedgerReason = "signup_bonus"
	ReasonStake             LedgerReason = "stake"
	ReasonPayout            LedgerReason = "payout"
	ReasonAdminAdjustment   LedgerReason = "admin_adjustment"
	ReasonRoundingRemainder LedgerReason = "rounding_remainder"
)

// Valid reports whether r is one of the known reasons.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonSignupBonus, ReasonStake, ReasonPayout, ReasonAdminAdjustment, ReasonRoundingRemainder:
		return true
	default:
		return false
	}
}

// LedgerEntry is one append-only balance movement. Amount is signed: debits
// are negative. Seq increases by one per account.
type LedgerEntry struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	Seq            int64        `json:"seq"`
	Amount         int64        `json:"amount"`
	BalanceAfter   int64        `json:"balance_after"`
	Reason         LedgerReason `json:"reason"`
	IdempotencyKey string       `json:"idempotency_key"`
	Memo           string       `json:"memo,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
