package domain

import (
	"context"
	"time"
)

// ProbabilityCache holds the latest implied probabilities per event.
type ProbabilityCache interface {
	Set(ctx context.Context, eventID string, probs map[string]int) error
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, eventID string) (map[string]int, error)
	Invalidate(ctx context.Context, eventID string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventLocker serialises all mutations of one event.
type EventLocker interface {
	Lock(ctx context.Context, eventID string) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel names.
const (
	ChannelBets        = "bets"
	ChannelEvents      = "events"
	ChannelSettlements = "settlements"
)
