package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// InvalidationMessage is published to trigger cache invalidation.
type InvalidationMessage struct {
	Action string `json:"action,omitempty"`
	RoleID *int16 `json:"role_id,omitempty"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub.
type Publisher struct {
	Client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{Client: client}
}

// InvalidateRole publishes an invalidation for every cached check of a role.
func (p *Publisher) InvalidateRole(ctx context.Context, roleID int16) error {
	return p.publish(ctx, InvalidationMessage{RoleID: &roleID})
}

// InvalidateAction publishes an invalidation for every cached check of an
// action.
func (p *Publisher) InvalidateAction(ctx context.Context, action string) error {
	return p.publish(ctx, InvalidationMessage{Action: action})
}

// InvalidateGrant publishes an invalidation for a specific action+role pair.
func (p *Publisher) InvalidateGrant(ctx context.Context, action string, roleID int16) error {
	return p.publish(ctx, InvalidationMessage{Action: action, RoleID: &roleID})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation message: %w", err)
	}
	if err := p.Client.Publish(ctx, InvalidateChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscriber listens for cache invalidation messages and removes cached entries.
type Subscriber struct {
	Cache  Cache
	Client *redis.Client
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(cache Cache, client *redis.Client) *Subscriber {
	return &Subscriber{Cache: cache, Client: client}
}

// Run subscribes to the invalidation channel and processes messages until the
// context is cancelled. This method blocks and should be called in a goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.Client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Warn().Err(err).Str("payload", payload).Msg("Invalid invalidation message")
		return
	}

	var err error
	switch {
	case msg.Action != "" && msg.RoleID != nil:
		err = s.Cache.DeleteExact(ctx, msg.Action, *msg.RoleID)
	case msg.Action != "":
		err = s.Cache.DeleteByAction(ctx, msg.Action)
	case msg.RoleID != nil:
		err = s.Cache.DeleteByRole(ctx, *msg.RoleID)
	default:
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("Cache invalidation failed")
	}
}
