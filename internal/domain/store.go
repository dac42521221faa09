package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, a Account) error
	Get(ctx context.Context, id string) (Account, error)
	// GetForUpdate reads the account and locks its row for the rest of the
	// enclosing transaction.
	GetForUpdate(ctx context.Context, id string) (Account, error)
	// AddBalance applies delta only if the resulting balance stays
	// non-negative, returning ErrInsufficientFunds otherwise.
	AddBalance(ctx context.Context, id string, delta int64) (int64, error)
	SetActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context, opts ListOpts) ([]Account, error)
	TotalBalance(ctx context.Context) (int64, error)
}

// LedgerStore persists the append-only ledger.
type LedgerStore interface {
	// Append assigns the next per-account sequence number and stores e.
	Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	GetByKey(ctx context.Context, accountID string, reason LedgerReason, key string) (LedgerEntry, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]LedgerEntry, error)
	List(ctx context.Context, opts ListOpts) ([]LedgerEntry, error)
}

// EventStore persists events together with their outcomes.
type EventStore interface {
	Create(ctx context.Context, e Event) error
	Get(ctx context.Context, id string) (Event, error)
	// GetForUpdate reads the event and locks its row for the rest of the
	// enclosing transaction.
	GetForUpdate(ctx context.Context, id string) (Event, error)
	Update(ctx context.Context, e Event) error
	// Delete removes the event with its outcomes, pools and stakes.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter EventFilter) ([]Event, error)
	ListExpired(ctx context.Context, now time.Time) ([]Event, error)
}

// PoolStore persists per-outcome pool totals.
type PoolStore interface {
	Init(ctx context.Context, eventID string, outcomeIDs []string) error
	Add(ctx context.Context, eventID, outcomeID string, amount int64) error
	// Totals reads every outcome pool of the event in a single statement.
	Totals(ctx context.Context, eventID string) (PoolTotals, error)
}

// StakeStore persists stakes.
type StakeStore interface {
	Create(ctx context.Context, s Stake) error
	Get(ctx context.Context, id string) (Stake, error)
	ListByEvent(ctx context.Context, eventID string) ([]Stake, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Stake, error)
	// MarkSettled records the payout of an unsettled stake, returning
	// ErrStakeSettled when it was settled already.
	MarkSettled(ctx context.Context, id string, payout int64, at time.Time) error
}

// SettlementStore persists settlement reports.
type SettlementStore interface {
	Create(ctx context.Context, r SettlementReport) error
	Get(ctx context.Context, eventID string) (SettlementReport, error)
	List(ctx context.Context, opts ListOpts) ([]SettlementReport, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repos gives access to every repository bound to the same connection or
// transaction.
type Repos interface {
	Accounts() AccountStore
	Ledger() LedgerStore
	Events() EventStore
	Pools() PoolStore
	Stakes() StakeStore
	Settlements() SettlementStore
	Audit() AuditStore
}

// Store is the persistence root. Repos on the Store itself run each
// statement on its own; WithinTx runs fn inside one transaction that is
// committed when fn returns nil and rolled back otherwise. Code inside fn must
// only use the Repos it is given.
type Store interface {
	Repos
	WithinTx(ctx context.Context, fn func(tx Repos) error) error
	Ping(ctx context.Context) error
	Close()
}
