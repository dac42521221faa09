package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/service"
)

func settledStakes() []domain.Stake {
	return []domain.Stake{
		{ID: "a", OutcomeID: "yes", Amount: 100, Settled: true, Payout: 150},
		{ID: "b", OutcomeID: "yes", Amount: 300, Settled: true, Payout: 450},
		{ID: "c", OutcomeID: "no", Amount: 200, Settled: true, Payout: 0},
	}
}

func TestDiffPayoutsClean(t *testing.T) {
	report := domain.SettlementReport{WinningOutcome: "yes", TotalPool: 600, WinningPool: 400}

	diffs, c, err := diffPayouts(report, settledStakes())
	require.NoError(t, err)
	assert.Empty(t, diffs)
	assert.Equal(t, int64(600), c.TotalDistributed)
	assert.Equal(t, int64(0), c.RoundingRemainder)
}

func TestDiffPayoutsFindsMismatches(t *testing.T) {
	report := domain.SettlementReport{WinningOutcome: "yes", TotalPool: 600, WinningPool: 400}
	stakes := settledStakes()
	stakes[1].Payout = 449
	stakes[2].Settled = false

	diffs, _, err := diffPayouts(report, stakes)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, payoutMismatch{StakeID: "b", Stored: 449, Expected: 450, Settled: true}, diffs[0])
	assert.Equal(t, "c", diffs[1].StakeID)
	assert.False(t, diffs[1].Settled)
}

func TestLookup(t *testing.T) {
	_, ok := lookup("verify")
	assert.True(t, ok)
	_, ok = lookup("settlements")
	assert.True(t, ok)
	_, ok = lookup("drop-tables")
	assert.False(t, ok)
}

type streamBus struct {
	domain.SignalBus
	stream string
	from   string
	count  int
	msgs   []domain.StreamMessage
}

func (b *streamBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.stream, b.from, b.count = stream, lastID, count
	return b.msgs, nil
}

func TestPrintSettlementLog(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(service.Signal{
		Type:    service.SignalEventResolved,
		EventID: "ev-1",
		At:      at,
		Data: domain.SettlementReport{
			EventID:           "ev-1",
			WinningOutcome:    "yes",
			TotalPool:         600,
			TotalDistributed:  599,
			RoundingRemainder: 1,
		},
	})
	require.NoError(t, err)
	bus := &streamBus{msgs: []domain.StreamMessage{{ID: "1700000000000-0", Payload: payload}}}

	var out bytes.Buffer
	require.NoError(t, printSettlementLog(context.Background(), bus, &out, "0", 10))
	assert.Equal(t, domain.ChannelSettlements, bus.stream)
	assert.Equal(t, "0", bus.from)
	assert.Equal(t, 10, bus.count)
	for _, want := range []string{"1700000000000-0", "ev-1", "599", at.Format(time.RFC3339), "last id 1700000000000-0"} {
		assert.Contains(t, out.String(), want)
	}

	bus.msgs = []domain.StreamMessage{{ID: "1700000000001-0", Payload: []byte("garbage")}}
	assert.Error(t, printSettlementLog(context.Background(), bus, &out, "1700000000000-0", 10))

	bus.msgs = nil
	out.Reset()
	require.NoError(t, printSettlementLog(context.Background(), bus, &out, "$", 10))
	assert.Contains(t, out.String(), "no settlement signals")
}
