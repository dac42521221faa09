package settlement

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// ErrInconsistentPool reports a pool snapshot that cannot come from valid
// stakes: a negative total, or a winning pool outside [0, total].
var ErrInconsistentPool = errors.New("inconsistent pool snapshot")

// CheckSnapshot validates a frozen pool snapshot before it is paid out.
func CheckSnapshot(total, winningPool int64) error {
	if total < 0 || winningPool < 0 || winningPool > total {
		return fmt.Errorf("settlement: pool %d, winning pool %d: %w", total, winningPool, ErrInconsistentPool)
	}
	return nil
}

// Payout returns what one stake receives. With a winning pool of zero the
// market is void and every stake is refunded in full. Otherwise winners get
// amount*total/winningPool, truncated, and losers get nothing.
func Payout(s domain.Stake, winningOutcome string, total, winningPool int64) (int64, error) {
	if err := CheckSnapshot(total, winningPool); err != nil {
		return 0, err
	}
	if winningPool == 0 {
		return s.Amount, nil
	}
	if s.OutcomeID != winningOutcome || s.Amount <= 0 {
		return 0, nil
	}
	if s.Amount > winningPool {
		return 0, fmt.Errorf("settlement: stake %s of %d exceeds winning pool %d: %w", s.ID, s.Amount, winningPool, ErrInconsistentPool)
	}
	// amount <= winningPool, so the quotient fits in 64 bits.
	hi, lo := bits.Mul64(uint64(s.Amount), uint64(total))
	q, _ := bits.Div64(hi, lo, uint64(winningPool))
	return int64(q), nil
}

// Computation is a full payout table for one resolution.
type Computation struct {
	Payouts           map[string]int64
	WinnersPaid       int
	TotalDistributed  int64
	RoundingRemainder int64
	Void              bool
}

// ComputePayouts evaluates Payout for every stake against the frozen pool
// snapshot. The engine settles from it and the admin verifier recomputes it.
func ComputePayouts(stakes []domain.Stake, winningOutcome string, total, winningPool int64) (Computation, error) {
	c := Computation{
		Payouts: make(map[string]int64, len(stakes)),
		Void:    winningPool == 0,
	}
	for _, s := range stakes {
		amt, err := Payout(s, winningOutcome, total, winningPool)
		if err != nil {
			return Computation{}, err
		}
		c.Payouts[s.ID] = amt
		if amt > 0 {
			c.WinnersPaid++
			c.TotalDistributed += amt
		}
	}
	c.RoundingRemainder = total - c.TotalDistributed
	if c.RoundingRemainder < 0 {
		return Computation{}, fmt.Errorf("settlement: payouts %d exceed pool %d: %w", c.TotalDistributed, total, ErrInconsistentPool)
	}
	return c, nil
}
