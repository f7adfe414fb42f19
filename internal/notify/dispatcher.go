package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/email"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/task"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// TaskQueue enqueues background work.
type TaskQueue interface {
	Enqueue(ctx context.Context, t task.Task) error
}

// Presence is the subset of presence state the dispatcher consults.
type Presence interface {
	GetStaff(ctx context.Context, orgID, staffID uuid.UUID) (*presence.StaffEntry, error)
}

// Dispatcher fans notifications out to staff. Every method logs failures and
// returns nothing; notification trouble must never fail the chat event that
// triggered it.
type Dispatcher struct {
	repo     Repository
	staffs   staff.Repository
	rdb      *redis.Client
	tasks    TaskQueue
	presence Presence
	pub      room.Publisher
	window   time.Duration
	log      zerolog.Logger
}

// NewDispatcher creates a notification dispatcher. window is the per
// (recipient, category) e-mail suppression window.
func NewDispatcher(repo Repository, staffs staff.Repository, rdb *redis.Client, tasks TaskQueue, pres Presence, window time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		staffs:   staffs,
		rdb:      rdb,
		tasks:    tasks,
		presence: pres,
		window:   window,
		log:      logger.With().Str("component", "notify").Logger(),
	}
}

// SetPublisher wires the fan-out layer.
func (d *Dispatcher) SetPublisher(p room.Publisher) { d.pub = p }

// NotifySupervisors stores an in-app notification for every supervisor and
// admin of the organisation.
func (d *Dispatcher) NotifySupervisors(ctx context.Context, orgID uuid.UUID, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to encode notification content")
		return
	}

	supervising, err := d.staffs.ListSupervising(ctx, orgID)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to list supervising staff")
		return
	}
	ids := make([]uuid.UUID, 0, len(supervising))
	for _, st := range supervising {
		ids = append(ids, st.ID)
	}

	if err := d.repo.BulkInsert(ctx, ids, raw); err != nil {
		d.log.Error().Err(err).Msg("Failed to store notifications")
	}
}

// EmailStaff queues a notification e-mail for the staff member, unless they
// opted out or an e-mail of the same category went to them within the
// suppression window.
func (d *Dispatcher) EmailStaff(ctx context.Context, st staff.Staff, category string, data map[string]any) {
	optedIn, err := d.staffs.ReceiveEmails(ctx, st.ID)
	if err != nil {
		d.log.Error().Err(err).Stringer("staff_id", st.ID).Msg("Failed to read e-mail opt-in")
		return
	}
	if !optedIn {
		return
	}

	fresh, err := d.rdb.SetNX(ctx, suppressionKey(category, st.Email), 1, d.window).Result()
	if err != nil {
		d.log.Error().Err(err).Stringer("staff_id", st.ID).Msg("Failed to check e-mail suppression")
		return
	}
	if !fresh {
		return
	}

	payload, err := json.Marshal(task.EmailPayload{To: st.Email, Category: category, Data: data})
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to encode e-mail payload")
		return
	}
	err = d.tasks.Enqueue(ctx, task.Task{
		Type:      task.TypeEmail,
		Payload:   payload,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		d.log.Error().Err(err).Stringer("staff_id", st.ID).Msg("Failed to enqueue e-mail task")
	}
}

// EmailVisitor queues a notification e-mail for a visitor, subject to the same
// per-category suppression window as staff e-mail. Visitors have no opt-out
// row; an empty address is a no-op.
func (d *Dispatcher) EmailVisitor(ctx context.Context, to, category string, data map[string]any) {
	if to == "" {
		return
	}

	fresh, err := d.rdb.SetNX(ctx, suppressionKey(category, to), 1, d.window).Result()
	if err != nil {
		d.log.Error().Err(err).Str("recipient", to).Msg("Failed to check e-mail suppression")
		return
	}
	if !fresh {
		return
	}

	payload, err := json.Marshal(task.EmailPayload{To: to, Category: category, Data: data})
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to encode e-mail payload")
		return
	}
	err = d.tasks.Enqueue(ctx, task.Task{
		Type:      task.TypeEmail,
		Payload:   payload,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		d.log.Error().Err(err).Str("recipient", to).Msg("Failed to enqueue e-mail task")
	}
}

// NotifyAutoAssigned tells a volunteer the sweeper handed them a chat: a
// realtime event when they are online, an e-mail otherwise.
func (d *Dispatcher) NotifyAutoAssigned(ctx context.Context, st staff.Staff, visitorID uuid.UUID) {
	entry, err := d.presence.GetStaff(ctx, st.OrgID, st.ID)
	if err != nil {
		d.log.Error().Err(err).Stringer("staff_id", st.ID).Msg("Failed to check volunteer presence")
		return
	}

	if entry != nil && d.pub != nil {
		d.pub.Publish(ctx, room.Event{
			Topic: wire.SIDTopic(entry.SID),
			Name:  wire.StaffAutoAssigned,
			Data:  map[string]any{"visitor_id": visitorID},
		})
		return
	}

	d.EmailStaff(ctx, st, email.CategoryNewAssignedChat, map[string]any{
		"name":       st.DisplayName,
		"visitor_id": visitorID.String(),
	})
}

func suppressionKey(category, recipient string) string {
	return fmt.Sprintf("email_limit:%s:%s", category, recipient)
}
