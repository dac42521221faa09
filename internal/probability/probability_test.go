package probability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

func binary() []domain.Outcome {
	return []domain.Outcome{
		{ID: "yes", Label: domain.OutcomeYes, StartingPercent: 50, Position: 0},
		{ID: "no", Label: domain.OutcomeNo, StartingPercent: 50, Position: 1},
	}
}

func TestImplied(t *testing.T) {
	tests := []struct {
		name   string
		totals domain.PoolTotals
		want   map[string]int
	}{
		{"equal pools", domain.PoolTotals{"yes": 100, "no": 100}, map[string]int{"yes": 50, "no": 50}},
		{"one to three", domain.PoolTotals{"yes": 100, "no": 300}, map[string]int{"yes": 25, "no": 75}},
		{"rounds half up", domain.PoolTotals{"yes": 1, "no": 7}, map[string]int{"yes": 13, "no": 88}},
		{"clamped at both ends", domain.PoolTotals{"yes": 1, "no": 1000}, map[string]int{"yes": 1, "no": 99}},
		{"only one side staked", domain.PoolTotals{"yes": 0, "no": 40}, map[string]int{"yes": 1, "no": 99}},
		{"large equal pools", domain.PoolTotals{"yes": 5e16, "no": 5e16}, map[string]int{"yes": 50, "no": 50}},
		{"large one to three", domain.PoolTotals{"yes": 1e18, "no": 3e18}, map[string]int{"yes": 25, "no": 75}},
		{"near max total", domain.PoolTotals{"yes": 4_611_686_018_427_387_903, "no": 4_611_686_018_427_387_904}, map[string]int{"yes": 50, "no": 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Implied(binary(), tt.totals))
		})
	}
}

func TestImpliedEmptyPoolsUseStartingSplit(t *testing.T) {
	outcomes := []domain.Outcome{
		{ID: "a", StartingPercent: 70},
		{ID: "b", StartingPercent: 30},
	}
	assert.Equal(t, map[string]int{"a": 70, "b": 30}, Implied(outcomes, domain.PoolTotals{"a": 0, "b": 0}))
	assert.Equal(t, map[string]int{"a": 70, "b": 30}, Implied(outcomes, nil))
}

func TestImpliedMultipleOutcomes(t *testing.T) {
	outcomes := []domain.Outcome{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := Implied(outcomes, domain.PoolTotals{"a": 50, "b": 30, "c": 20})
	assert.Equal(t, map[string]int{"a": 50, "b": 30, "c": 20}, got)
}

func TestStartingSplit(t *testing.T) {
	t.Run("even when unset", func(t *testing.T) {
		outcomes := []domain.Outcome{{ID: "a"}, {ID: "b"}, {ID: "c"}}
		assert.Equal(t, map[string]int{"a": 34, "b": 33, "c": 33}, StartingSplit(outcomes))
	})
	t.Run("partial falls back to even", func(t *testing.T) {
		outcomes := []domain.Outcome{{ID: "a", StartingPercent: 80}, {ID: "b"}}
		assert.Equal(t, map[string]int{"a": 50, "b": 50}, StartingSplit(outcomes))
	})
	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, StartingSplit(nil))
	})
}

func TestEvenSplit(t *testing.T) {
	assert.Nil(t, EvenSplit(0))
	assert.Equal(t, []int{100}, EvenSplit(1))
	assert.Equal(t, []int{50, 50}, EvenSplit(2))
	assert.Equal(t, []int{34, 33, 33}, EvenSplit(3))
	assert.Equal(t, []int{16, 14, 14, 14, 14, 14, 14}, EvenSplit(7))

	for n := 1; n <= 20; n++ {
		sum := 0
		for _, p := range EvenSplit(n) {
			sum += p
		}
		require.Equal(t, 100, sum, "n=%d", n)
	}
}

func TestForEvent(t *testing.T) {
	ev := domain.Event{ID: "e1", Outcomes: binary(), State: domain.EventStateOpen}
	totals := domain.PoolTotals{"yes": 100, "no": 300}

	assert.Equal(t, map[string]int{"yes": 25, "no": 75}, ForEvent(ev, totals))

	ev.State = domain.EventStateClosed
	assert.Equal(t, map[string]int{"yes": 25, "no": 75}, ForEvent(ev, totals))

	ev.State = domain.EventStateResolved
	ev.WinningOutcome = "yes"
	assert.Equal(t, map[string]int{"yes": 100, "no": 0}, ForEvent(ev, totals))
}

func TestImpliedBoundsHold(t *testing.T) {
	outcomes := []domain.Outcome{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	for _, totals := range []domain.PoolTotals{
		{"a": 1, "b": 1, "c": 1_000_000},
		{"a": 999, "b": 0, "c": 1},
		{"a": 1 << 40, "b": 3, "c": 5},
	} {
		for id, p := range Implied(outcomes, totals) {
			assert.GreaterOrEqual(t, p, 1, id)
			assert.LessOrEqual(t, p, 99, id)
		}
	}
}
