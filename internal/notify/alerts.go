package notify

import (
	"strconv"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// ResolvedAlert describes a finished settlement.
func ResolvedAlert(ev domain.Event, r domain.SettlementReport) Alert {
	winner := r.WinningOutcome
	if o, ok := ev.Outcome(r.WinningOutcome); ok {
		winner = o.Label
	}
	title := "Event resolved"
	if r.Void {
		title = "Event resolved (void, stakes refunded)"
	}
	return Alert{
		Event: EventResolved,
		Title: title,
		Fields: map[string]string{
			"event":              ev.ID,
			"question":           ev.Question,
			"winner":             winner,
			"total_pool":         strconv.FormatInt(r.TotalPool, 10),
			"winners_paid":       strconv.Itoa(r.WinnersPaid),
			"total_distributed":  strconv.FormatInt(r.TotalDistributed, 10),
			"rounding_remainder": strconv.FormatInt(r.RoundingRemainder, 10),
		},
	}
}

// DeletedAlert describes a deletion that forfeited stakes.
func DeletedAlert(s domain.ForfeitSummary, actor string) Alert {
	return Alert{
		Event: EventDeleted,
		Title: "Event deleted, stakes forfeited",
		Fields: map[string]string{
			"event":   s.EventID,
			"actor":   actor,
			"stakes":  strconv.Itoa(s.StakeCount),
			"tokens":  strconv.FormatInt(s.Tokens, 10),
			"bettors": strconv.Itoa(s.Bettors),
		},
	}
}

// FailedAlert reports a resolution that stopped part-way and must be re-run.
func FailedAlert(eventID string, err error) Alert {
	return Alert{
		Event: SettlementFailed,
		Title: "Settlement interrupted",
		Fields: map[string]string{
			"event": eventID,
			"error": err.Error(),
			"kind":  domain.Kind(err),
		},
	}
}

// AdjustmentAlert reports an operator balance correction.
func AdjustmentAlert(e domain.LedgerEntry, actor string) Alert {
	return Alert{
		Event: AdminAdjustment,
		Title: "Admin balance adjustment",
		Fields: map[string]string{
			"account":       e.AccountID,
			"actor":         actor,
			"amount":        strconv.FormatInt(e.Amount, 10),
			"balance_after": strconv.FormatInt(e.BalanceAfter, 10),
			"memo":          e.Memo,
		},
	}
}
