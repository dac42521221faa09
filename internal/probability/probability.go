// Package probability derives display-only implied probabilities from pool
// totals. Nothing here affects payouts.
package probability

import (
	"math/bits"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

const (
	minPercent = 1
	maxPercent = 99
)

// Implied returns round(pool/sum*100) per outcome, clamped to [1, 99]. When
// nothing has been staked the creator's starting split is returned instead.
func Implied(outcomes []domain.Outcome, totals domain.PoolTotals) map[string]int {
	out := make(map[string]int, len(outcomes))

	var sum int64
	for _, o := range outcomes {
		sum += totals[o.ID]
	}
	if sum <= 0 {
		for id, pct := range StartingSplit(outcomes) {
			out[id] = pct
		}
		return out
	}

	for _, o := range outcomes {
		out[o.ID] = clamp(percent(totals[o.ID], sum))
	}
	return out
}

// percent is round-half-up(part*100/sum) in 128-bit arithmetic, so pools near
// math.MaxInt64 do not overflow. Requires 0 <= part <= sum.
func percent(part, sum int64) int {
	if part <= 0 {
		return 0
	}
	if part >= sum {
		return 100
	}
	hi, lo := bits.Mul64(uint64(part), 200)
	lo, carry := bits.Add64(lo, uint64(sum), 0)
	hi += carry
	q, _ := bits.Div64(hi, lo, 2*uint64(sum))
	return int(q)
}

// ForEvent is Implied for live events. Resolved events report 100 for the
// winning outcome and 0 for every other outcome.
func ForEvent(ev domain.Event, totals domain.PoolTotals) map[string]int {
	if ev.State != domain.EventStateResolved {
		return Implied(ev.Outcomes, totals)
	}
	out := make(map[string]int, len(ev.Outcomes))
	for _, o := range ev.Outcomes {
		if o.ID == ev.WinningOutcome {
			out[o.ID] = 100
		} else {
			out[o.ID] = 0
		}
	}
	return out
}

// StartingSplit returns the creator's display split. Outcomes without a
// starting percent share 100 evenly, the remainder going to the first one.
func StartingSplit(outcomes []domain.Outcome) map[string]int {
	out := make(map[string]int, len(outcomes))
	if len(outcomes) == 0 {
		return out
	}

	explicit := true
	for _, o := range outcomes {
		if o.StartingPercent <= 0 {
			explicit = false
			break
		}
	}
	if explicit {
		for _, o := range outcomes {
			out[o.ID] = clamp(o.StartingPercent)
		}
		return out
	}

	for i, pct := range EvenSplit(len(outcomes)) {
		out[outcomes[i].ID] = clamp(pct)
	}
	return out
}

// EvenSplit divides 100 into n parts, adding the remainder to the first.
func EvenSplit(n int) []int {
	if n <= 0 {
		return nil
	}
	parts := make([]int, n)
	for i := range parts {
		parts[i] = 100 / n
	}
	parts[0] += 100 % n
	return parts
}

func clamp(pct int) int {
	if pct < minPercent {
		return minPercent
	}
	if pct > maxPercent {
		return maxPercent
	}
	return pct
}
