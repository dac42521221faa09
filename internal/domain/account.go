package domain

import "time"

// PlatformAccountID is the system account that absorbs settlement rounding
// remainders. It is created by the schema and never places bets.
const PlatformAccountID = "platform"

// Account is a token holder. Balances only change through ledger postings.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Balance   int64     `json:"balance"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
