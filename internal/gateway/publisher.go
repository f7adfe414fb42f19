package gateway

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// eventsChannel is the shared pub/sub channel every worker subscribes to.
// Publishing here instead of delivering locally keeps single-worker and
// multi-worker deployments on one code path.
const eventsChannel = "beacon.gateway.events"

// envelope is the JSON structure published to the gateway events channel.
type envelope struct {
	Topic   string     `json:"topic"`
	Event   wire.Event `json:"event"`
	Data    any        `json:"data"`
	SkipSID string     `json:"skip_sid,omitempty"`
}

// Publisher serialises realtime events and publishes them to the shared
// channel. It satisfies room.Publisher, so the room store's post-commit events
// flow through the same fan-out as the gateway's own.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a gateway event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "gateway").Logger()}
}

// Publish sends the event to every worker. Failures are logged, never
// returned; a post-commit publish must not roll back the state that produced
// it.
func (p *Publisher) Publish(ctx context.Context, ev room.Event) {
	payload, err := json.Marshal(envelope{
		Topic:   ev.Topic,
		Event:   ev.Name,
		Data:    ev.Data,
		SkipSID: ev.SkipSID,
	})
	if err != nil {
		p.log.Error().Err(err).Str("event", string(ev.Name)).Msg("Failed to encode gateway event")
		return
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		p.log.Error().Err(err).Str("event", string(ev.Name)).Msg("Failed to publish gateway event")
	}
}
