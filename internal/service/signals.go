package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

// Signal types published on the bus.
const (
	SignalBetPlaced     = "bet_placed"
	SignalEventCreated  = "event_created"
	SignalEventClosed   = "event_closed"
	SignalEventReopened = "event_reopened"
	SignalEventDeleted  = "event_deleted"
	SignalEventResolved = "event_resolved"
)

// Signal is the JSON envelope of every bus message.
type Signal struct {
	Type    string    `json:"type"`
	EventID string    `json:"event_id"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// publisher fans signals out to the bus. A nil bus drops them.
type publisher struct {
	bus    domain.SignalBus
	now    func() time.Time
	logger *slog.Logger
}

// publish sends sig on channel. Settlement signals are also appended to the
// durable stream of the same name so late consumers can replay them.
func (p publisher) publish(ctx context.Context, channel string, sig Signal) {
	if p.bus == nil {
		return
	}
	sig.At = p.now().UTC()
	payload, err := json.Marshal(sig)
	if err != nil {
		p.logger.WarnContext(ctx, "market_service: marshal signal failed",
			slog.String("type", sig.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "market_service: publish failed",
			slog.String("channel", channel),
			slog.String("type", sig.Type),
			slog.String("error", err.Error()),
		)
	}
	if channel != domain.ChannelSettlements {
		return
	}
	if err := p.bus.StreamAppend(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "market_service: stream append failed",
			slog.String("stream", channel),
			slog.String("error", err.Error()),
		)
	}
}
