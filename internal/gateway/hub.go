// Package gateway terminates the realtime protocol: it authenticates and
// registers connections, tracks topic membership, fans events out across
// workers over Valkey pub/sub, and hosts the event handlers that drive rooms,
// queues, and assignment.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/queue"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// offlinePageSize is how many offline-unclaimed chats the staff_init payload
// carries, and the window the top-up after a claim keeps full.
const offlinePageSize = 15

// DurableQueue is the subset of the durable queue index the gateway drives.
type DurableQueue interface {
	PushUnclaimed(ctx context.Context, visitorID uuid.UUID) error
	RemoveUnclaimed(ctx context.Context, visitorID uuid.UUID) error
	ContainsUnclaimed(ctx context.Context, visitorID uuid.UUID) (bool, error)
	SliceUnclaimed(ctx context.Context, offset, limit int) ([]visitor.Summary, error)
	PushUnhandled(ctx context.Context, visitorID uuid.UUID) error
	RemoveUnhandled(ctx context.Context, visitorID uuid.UUID) error
	PushFlagged(ctx context.Context, visitorID uuid.UUID, message string) error
	RemoveFlagged(ctx context.Context, visitorID uuid.UUID) error
}

// Notifier is the slice of the notification dispatcher the gateway calls.
// Every method is fire-and-forget; failures stay inside the dispatcher.
type Notifier interface {
	NotifySupervisors(ctx context.Context, orgID uuid.UUID, content any)
	EmailStaff(ctx context.Context, st staff.Staff, category string, data map[string]any)
	EmailVisitor(ctx context.Context, to, category string, data map[string]any)
}

// PermissionResolver answers whether a role may perform a privileged action.
type PermissionResolver interface {
	Allowed(ctx context.Context, action string, roleID int16) (bool, error)
}

// Hub is the connection registry and event distributor for one worker. Local
// clients and topic membership live in memory; everything that must be visible
// to other workers (presence, sessions, room state, queues) lives in Valkey,
// and event delivery always goes through the shared pub/sub channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // sid → client
	topics  map[string]map[string]*Client // topic → sid → client

	rdb       *redis.Client
	heartbeat time.Duration
	timeout   time.Duration
	orgID     uuid.UUID

	sessions *SessionStore
	rooms    *room.Store
	presence *presence.Store
	online   *queue.OnlineStore
	durable  DurableQueue
	chats    chat.Repository
	staffs   staff.Repository
	visitors visitor.Repository
	settings room.SettingsSource
	resolver PermissionResolver
	notifier Notifier
	pub      room.Publisher
	policy   *bluemonday.Policy
	log      zerolog.Logger
}

// NewHub creates a gateway hub. heartbeat is the ping interval (the read
// deadline is 1.5 times it); timeout bounds each event handler.
func NewHub(
	rdb *redis.Client,
	heartbeat, timeout time.Duration,
	orgID uuid.UUID,
	sessions *SessionStore,
	rooms *room.Store,
	presenceStore *presence.Store,
	online *queue.OnlineStore,
	durable DurableQueue,
	chats chat.Repository,
	staffs staff.Repository,
	visitors visitor.Repository,
	settingsSource room.SettingsSource,
	resolver PermissionResolver,
	notifier Notifier,
	pub room.Publisher,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		topics:    make(map[string]map[string]*Client),
		rdb:       rdb,
		heartbeat: heartbeat,
		timeout:   timeout,
		orgID:     orgID,
		sessions:  sessions,
		rooms:     rooms,
		presence:  presenceStore,
		online:    online,
		durable:   durable,
		chats:     chats,
		staffs:    staffs,
		visitors:  visitors,
		settings:  settingsSource,
		resolver:  resolver,
		notifier:  notifier,
		pub:       pub,
		policy:    bluemonday.StrictPolicy(),
		log:       logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the shared events channel and delivers incoming events to
// local clients. It blocks until the context is cancelled or the subscription
// fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.deliver(msg.Payload)
		}
	}
}

// Join adds the client to the topic's membership.
func (h *Hub) Join(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Client)
		h.topics[topic] = members
	}
	members[c.sid] = c
}

// Leave removes the client from the topic's membership.
func (h *Hub) Leave(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, topic)
}

func (h *Hub) leaveLocked(c *Client, topic string) {
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, c.sid)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// register adds the client to the local registry.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.sid] = c
}

// unregister removes the client from the registry and every topic. It returns
// false when the client was already gone, making disconnect idempotent.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.sid]; !ok {
		return false
	}
	delete(h.clients, c.sid)
	for topic := range h.topics {
		h.leaveLocked(c, topic)
	}
	return true
}

// deliveryEnvelope mirrors envelope with the data kept raw for re-framing.
type deliveryEnvelope struct {
	Topic   string          `json:"topic"`
	Event   wire.Event      `json:"event"`
	Data    json.RawMessage `json:"data"`
	SkipSID string          `json:"skip_sid,omitempty"`
}

// membershipTarget extracts the visitor id from roster-change events so the
// worker holding the affected staff's connection can sync its local topic
// membership.
type membershipTarget struct {
	Visitor uuid.UUID `json:"visitor"`
}

// deliver fans one published event out to the local members of its topic.
func (h *Hub) deliver(payload string) {
	var env deliveryEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build dispatch frame")
		return
	}

	for _, c := range h.members(env.Topic) {
		if c.sid == env.SkipSID {
			continue
		}
		h.syncMembership(c, env)
		c.enqueue(frame)
	}
}

// members snapshots the clients currently joined to the topic. Events
// addressed to a single session resolve through the client registry instead of
// a membership set.
func (h *Hub) members(topic string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sid, ok := wire.SIDFromTopic(topic); ok {
		if c, found := h.clients[sid]; found {
			return []*Client{c}
		}
		return nil
	}

	members := h.topics[topic]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// syncMembership joins or leaves the room topic when a roster-change event
// reaches the affected staff's session. The worker that handled the change can
// only update its own membership tables; the event itself carries the change
// to whichever worker holds the target connection.
func (h *Hub) syncMembership(c *Client, env deliveryEnvelope) {
	if _, ok := wire.SIDFromTopic(env.Topic); !ok {
		return
	}

	var target membershipTarget
	switch env.Event {
	case wire.StaffBeingAdded:
		if json.Unmarshal(env.Data, &target) == nil && target.Visitor != uuid.Nil {
			h.Join(c, wire.RoomTopic(target.Visitor))
		}
	case wire.StaffBeingRemoved, wire.StaffBeingTakenOver:
		if json.Unmarshal(env.Data, &target) == nil && target.Visitor != uuid.Nil {
			h.Leave(c, wire.RoomTopic(target.Visitor))
		}
	}
}

// publish sends an event through the shared channel; it comes back through
// deliver on every worker, including this one.
func (h *Hub) publish(ctx context.Context, topic string, event wire.Event, data any, skipSID string) {
	h.pub.Publish(ctx, room.Event{Topic: topic, Name: event, Data: data, SkipSID: skipSID})
}

// Shutdown closes every local connection and clears presence for the sessions
// this worker owned.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.topics = make(map[string]map[string]*Client)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range clients {
		switch c.identity.Kind {
		case auth.KindVisitor:
			_ = h.presence.SetVisitorOffline(ctx, c.identity.ID)
		case auth.KindStaff:
			_, _ = h.presence.SetStaffOffline(ctx, c.identity.OrgID, c.identity.ID, c.sid)
		}
		_ = h.sessions.Delete(ctx, c.sid)
		c.closeSend()
		_ = c.conn.Close()
	}
	h.log.Info().Int("connections", len(clients)).Msg("Gateway hub shut down")
}

// ClientCount returns the number of connections on this worker.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
