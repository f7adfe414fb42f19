package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

const testWindow = time.Hour

// --- Fakes ---

type fakeRepo struct {
	inserted [][]uuid.UUID
	content  []json.RawMessage
}

func (r *fakeRepo) BulkInsert(_ context.Context, staffIDs []uuid.UUID, content json.RawMessage) error {
	r.inserted = append(r.inserted, staffIDs)
	r.content = append(r.content, content)
	return nil
}

func (r *fakeRepo) List(_ context.Context, _ uuid.UUID, _, _ int) ([]Notification, error) {
	return nil, nil
}

func (r *fakeRepo) MarkAllRead(_ context.Context, _ uuid.UUID) error { return nil }

type fakeStaffRepo struct {
	supervising []staff.Staff
	optedOut    map[uuid.UUID]bool
}

func (r *fakeStaffRepo) Create(_ context.Context, _ staff.CreateParams) (*staff.Staff, error) {
	return nil, nil
}

func (r *fakeStaffRepo) GetByID(_ context.Context, _ uuid.UUID) (*staff.Staff, error) {
	return nil, staff.ErrNotFound
}

func (r *fakeStaffRepo) GetByEmail(_ context.Context, _ string) (*staff.Credentials, error) {
	return nil, staff.ErrNotFound
}

func (r *fakeStaffRepo) ListByOrg(_ context.Context, _ uuid.UUID) ([]staff.Staff, error) {
	return nil, nil
}

func (r *fakeStaffRepo) ListVolunteers(_ context.Context, _ uuid.UUID) ([]staff.Staff, error) {
	return nil, nil
}

func (r *fakeStaffRepo) ListSupervising(_ context.Context, _ uuid.UUID) ([]staff.Staff, error) {
	return r.supervising, nil
}

func (r *fakeStaffRepo) SetRole(_ context.Context, _ uuid.UUID, _ int16) (*staff.Staff, error) {
	return nil, nil
}

func (r *fakeStaffRepo) Enable(_ context.Context, _ uuid.UUID) (*staff.Staff, error) {
	return nil, nil
}

func (r *fakeStaffRepo) Disable(_ context.Context, _ uuid.UUID) (*staff.Staff, []uuid.UUID, error) {
	return nil, nil, nil
}

func (r *fakeStaffRepo) ReceiveEmails(_ context.Context, id uuid.UUID) (bool, error) {
	return !r.optedOut[id], nil
}

func (r *fakeStaffRepo) SetReceiveEmails(_ context.Context, _ uuid.UUID, _ bool) error {
	return nil
}

type fakeTaskQueue struct {
	tasks []task.Task
}

func (q *fakeTaskQueue) Enqueue(_ context.Context, t task.Task) error {
	q.tasks = append(q.tasks, t)
	return nil
}

type fakePresence struct {
	online map[uuid.UUID]string // staff id → sid
}

func (p *fakePresence) GetStaff(_ context.Context, _, staffID uuid.UUID) (*presence.StaffEntry, error) {
	sid, ok := p.online[staffID]
	if !ok {
		return nil, nil
	}
	return &presence.StaffEntry{SID: sid}, nil
}

type capturePublisher struct {
	events []room.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev room.Event) {
	p.events = append(p.events, ev)
}

// --- Harness ---

type dispatcherHarness struct {
	dispatcher *Dispatcher
	mr         *miniredis.Miniredis
	repo       *fakeRepo
	staffs     *fakeStaffRepo
	tasks      *fakeTaskQueue
	presence   *fakePresence
	pub        *capturePublisher
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := &fakeRepo{}
	staffs := &fakeStaffRepo{optedOut: make(map[uuid.UUID]bool)}
	tasks := &fakeTaskQueue{}
	pres := &fakePresence{online: make(map[uuid.UUID]string)}
	pub := &capturePublisher{}

	d := NewDispatcher(repo, staffs, rdb, tasks, pres, testWindow, zerolog.Nop())
	d.SetPublisher(pub)

	return &dispatcherHarness{
		dispatcher: d,
		mr:         mr,
		repo:       repo,
		staffs:     staffs,
		tasks:      tasks,
		presence:   pres,
		pub:        pub,
	}
}

func testRecipient() staff.Staff {
	return staff.Staff{
		ID:          uuid.New(),
		OrgID:       uuid.New(),
		RoleID:      staff.RoleAgent,
		Email:       "agent@example.com",
		DisplayName: "agent1",
	}
}

// --- Tests ---

func TestNotifySupervisorsStoresForEach(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)

	admin := staff.Staff{ID: uuid.New(), RoleID: staff.RoleAdmin}
	supervisor := staff.Staff{ID: uuid.New(), RoleID: staff.RoleSupervisor}
	h.staffs.supervising = []staff.Staff{admin, supervisor}

	h.dispatcher.NotifySupervisors(context.Background(), uuid.New(), map[string]any{"event": "flagged"})

	if len(h.repo.inserted) != 1 {
		t.Fatalf("BulkInsert called %d times, want 1", len(h.repo.inserted))
	}
	if got := h.repo.inserted[0]; len(got) != 2 {
		t.Errorf("inserted for %d staff, want 2", len(got))
	}
	var content map[string]any
	if err := json.Unmarshal(h.repo.content[0], &content); err != nil {
		t.Fatalf("stored content is not JSON: %v", err)
	}
	if content["event"] != "flagged" {
		t.Errorf("content = %v, want the original payload", content)
	}
}

func TestEmailStaffEnqueuesTask(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)
	recipient := testRecipient()

	h.dispatcher.EmailStaff(context.Background(), recipient, email.CategoryFlaggedChat, map[string]any{"reason": "urgent"})

	if len(h.tasks.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(h.tasks.tasks))
	}
	queued := h.tasks.tasks[0]
	if queued.Type != task.TypeEmail {
		t.Errorf("task type = %q, want %q", queued.Type, task.TypeEmail)
	}
	var payload task.EmailPayload
	if err := json.Unmarshal(queued.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.To != recipient.Email || payload.Category != email.CategoryFlaggedChat {
		t.Errorf("payload = %+v, want recipient and category", payload)
	}
}

func TestEmailStaffSuppressesWithinWindow(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)
	ctx := context.Background()
	recipient := testRecipient()

	h.dispatcher.EmailStaff(ctx, recipient, email.CategoryVisitorMsgToStaffs, nil)
	h.dispatcher.EmailStaff(ctx, recipient, email.CategoryVisitorMsgToStaffs, nil)

	if len(h.tasks.tasks) != 1 {
		t.Fatalf("enqueued %d tasks within window, want 1", len(h.tasks.tasks))
	}

	// A different category is not suppressed.
	h.dispatcher.EmailStaff(ctx, recipient, email.CategoryFlaggedChat, nil)
	if len(h.tasks.tasks) != 2 {
		t.Fatalf("enqueued %d tasks across categories, want 2", len(h.tasks.tasks))
	}

	// The window expiring re-arms the category.
	h.mr.FastForward(testWindow + time.Second)
	h.dispatcher.EmailStaff(ctx, recipient, email.CategoryVisitorMsgToStaffs, nil)
	if len(h.tasks.tasks) != 3 {
		t.Fatalf("enqueued %d tasks after window, want 3", len(h.tasks.tasks))
	}
}

func TestEmailStaffRespectsOptOut(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)
	recipient := testRecipient()
	h.staffs.optedOut[recipient.ID] = true

	h.dispatcher.EmailStaff(context.Background(), recipient, email.CategoryFlaggedChat, nil)

	if len(h.tasks.tasks) != 0 {
		t.Errorf("enqueued %d tasks for opted-out staff, want 0", len(h.tasks.tasks))
	}
}

func TestNotifyAutoAssignedOnline(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)
	recipient := testRecipient()
	visitorID := uuid.New()
	h.presence.online[recipient.ID] = "sid-42"

	h.dispatcher.NotifyAutoAssigned(context.Background(), recipient, visitorID)

	if len(h.pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(h.pub.events))
	}
	ev := h.pub.events[0]
	if ev.Topic != wire.SIDTopic("sid-42") {
		t.Errorf("topic = %q, want the volunteer's session topic", ev.Topic)
	}
	if ev.Name != wire.StaffAutoAssigned {
		t.Errorf("event = %q, want %q", ev.Name, wire.StaffAutoAssigned)
	}
	if len(h.tasks.tasks) != 0 {
		t.Error("e-mail queued for an online volunteer")
	}
}

func TestNotifyAutoAssignedOffline(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t)
	recipient := testRecipient()

	h.dispatcher.NotifyAutoAssigned(context.Background(), recipient, uuid.New())

	if len(h.pub.events) != 0 {
		t.Error("realtime event published for an offline volunteer")
	}
	if len(h.tasks.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want the fallback e-mail", len(h.tasks.tasks))
	}
	var payload task.EmailPayload
	_ = json.Unmarshal(h.tasks.tasks[0].Payload, &payload)
	if payload.Category != email.CategoryNewAssignedChat {
		t.Errorf("category = %q, want %q", payload.Category, email.CategoryNewAssignedChat)
	}
}
