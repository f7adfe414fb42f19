package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/queue"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// --- Fake connection ---

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) Close() error                              { return nil }

// --- Fake chat repository ---

type fakeChatRepo struct {
	mu            sync.Mutex
	chat          *chat.Chat
	messages      []chat.Message
	subscriptions map[uuid.UUID]bool
}

func newFakeChatRepo(visitorID uuid.UUID) *fakeChatRepo {
	return &fakeChatRepo{
		chat:          &chat.Chat{ID: uuid.New(), VisitorID: visitorID},
		subscriptions: make(map[uuid.UUID]bool),
	}
}

func (r *fakeChatRepo) GetOrCreateByVisitor(_ context.Context, _ uuid.UUID) (*chat.Chat, error) {
	return r.chat, nil
}

func (r *fakeChatRepo) GetByVisitor(_ context.Context, _ uuid.UUID) (*chat.Chat, error) {
	return r.chat, nil
}

func (r *fakeChatRepo) UpdateSeverity(_ context.Context, _ uuid.UUID, severity int) (*chat.Chat, error) {
	r.chat.SeverityLevel = severity
	return r.chat, nil
}

func (r *fakeChatRepo) MaxSequence(_ context.Context, _ uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int64
	for _, m := range r.messages {
		if m.SequenceNum > max {
			max = m.SequenceNum
		}
	}
	return max, nil
}

func (r *fakeChatRepo) InsertMessage(_ context.Context, params chat.InsertMessageParams) (*chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.SequenceNum == params.SequenceNum {
			return nil, chat.ErrSequenceConflict
		}
	}
	m := chat.Message{
		ID:          uuid.New(),
		ChatID:      params.ChatID,
		SequenceNum: params.SequenceNum,
		TypeID:      params.TypeID,
		SenderID:    params.SenderID,
		Content:     params.Content,
	}
	r.messages = append(r.messages, m)
	return &m, nil
}

func (r *fakeChatRepo) ListMessages(_ context.Context, _ uuid.UUID, _ *int64, _ int) ([]chat.Message, error) {
	return nil, nil
}

func (r *fakeChatRepo) LastMessage(_ context.Context, _ uuid.UUID) (*chat.Message, error) {
	return nil, nil
}

func (r *fakeChatRepo) Subscribe(_ context.Context, staffID, _ uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriptions[staffID] {
		return false, nil
	}
	r.subscriptions[staffID] = true
	return true, nil
}

func (r *fakeChatRepo) Unsubscribe(_ context.Context, staffID, _ uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, staffID)
	return nil
}

func (r *fakeChatRepo) UnsubscribeAll(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []uuid.UUID
	for id := range r.subscriptions {
		removed = append(removed, id)
		delete(r.subscriptions, id)
	}
	return removed, nil
}

func (r *fakeChatRepo) ListSubscriberIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id := range r.subscriptions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeChatRepo) ListSubscribedVisitorIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *fakeChatRepo) UpsertSeen(_ context.Context, _, _, _ uuid.UUID) error { return nil }

func (r *fakeChatRepo) GetSeen(_ context.Context, _, _ uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}

// messageAt returns the stored message with the given sequence number.
func (r *fakeChatRepo) messageAt(seq int64) *chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].SequenceNum == seq {
			return &r.messages[i]
		}
	}
	return nil
}

// --- Fake staff repository ---

type fakeStaffRepo struct {
	byID        map[uuid.UUID]staff.Staff
	supervising []staff.Staff
}

func (r *fakeStaffRepo) Create(_ context.Context, _ staff.CreateParams) (*staff.Staff, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeStaffRepo) GetByID(_ context.Context, id uuid.UUID) (*staff.Staff, error) {
	st, ok := r.byID[id]
	if !ok {
		return nil, errors.New("staff not found")
	}
	return &st, nil
}

func (r *fakeStaffRepo) GetByEmail(_ context.Context, _ string) (*staff.Credentials, error) {
	return nil, errors.New("not implemented")
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
	return nil, errors.New("not implemented")
}

func (r *fakeStaffRepo) Enable(_ context.Context, _ uuid.UUID) (*staff.Staff, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeStaffRepo) Disable(_ context.Context, _ uuid.UUID) (*staff.Staff, []uuid.UUID, error) {
	return nil, nil, errors.New("not implemented")
}

func (r *fakeStaffRepo) ReceiveEmails(_ context.Context, _ uuid.UUID) (bool, error) {
	return true, nil
}

func (r *fakeStaffRepo) SetReceiveEmails(_ context.Context, _ uuid.UUID, _ bool) error { return nil }

// --- Fake visitor repository ---

type fakeVisitorRepo struct {
	byID map[uuid.UUID]visitor.Visitor
}

func (r *fakeVisitorRepo) Create(_ context.Context, _ visitor.CreateParams) (*visitor.Visitor, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeVisitorRepo) GetByID(_ context.Context, id uuid.UUID) (*visitor.Visitor, error) {
	v, ok := r.byID[id]
	if !ok {
		return nil, errors.New("visitor not found")
	}
	return &v, nil
}

func (r *fakeVisitorRepo) GetByEmail(_ context.Context, _ string) (*visitor.Credentials, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeVisitorRepo) ListUnhandledForStaff(_ context.Context, _ uuid.UUID, _, _ int) ([]visitor.Summary, error) {
	return nil, nil
}

func (r *fakeVisitorRepo) ListBookmarked(_ context.Context, _ uuid.UUID, _, _ int) ([]visitor.Summary, error) {
	return nil, nil
}

func (r *fakeVisitorRepo) ListFlagged(_ context.Context, _, _ int) ([]visitor.Summary, error) {
	return nil, nil
}

func (r *fakeVisitorRepo) ListMostRecent(_ context.Context, _ uuid.UUID, _, _ int) ([]visitor.Summary, error) {
	return nil, nil
}

func (r *fakeVisitorRepo) SetBookmark(_ context.Context, _, _ uuid.UUID, _ bool) error { return nil }

// --- Fake durable queue ---

type fakeDurable struct {
	mu        sync.Mutex
	unclaimed map[uuid.UUID]bool
	unhandled map[uuid.UUID]bool
	flagged   map[uuid.UUID]string
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		unclaimed: make(map[uuid.UUID]bool),
		unhandled: make(map[uuid.UUID]bool),
		flagged:   make(map[uuid.UUID]string),
	}
}

func (d *fakeDurable) PushUnclaimed(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unclaimed[id] = true
	return nil
}

func (d *fakeDurable) RemoveUnclaimed(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.unclaimed, id)
	return nil
}

func (d *fakeDurable) ContainsUnclaimed(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unclaimed[id], nil
}

func (d *fakeDurable) SliceUnclaimed(_ context.Context, _, _ int) ([]visitor.Summary, error) {
	return nil, nil
}

func (d *fakeDurable) PushUnhandled(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unhandled[id] = true
	return nil
}

func (d *fakeDurable) RemoveUnhandled(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.unhandled, id)
	return nil
}

func (d *fakeDurable) PushFlagged(_ context.Context, id uuid.UUID, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flagged[id] = message
	return nil
}

func (d *fakeDurable) RemoveFlagged(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.flagged, id)
	return nil
}

func (d *fakeDurable) hasUnhandled(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unhandled[id]
}

// --- Fake notifier ---

type emailCall struct {
	recipient string
	category  string
}

type fakeNotifier struct {
	mu          sync.Mutex
	supervisors []any
	emails      []emailCall
}

func (n *fakeNotifier) NotifySupervisors(_ context.Context, _ uuid.UUID, content any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.supervisors = append(n.supervisors, content)
}

func (n *fakeNotifier) EmailStaff(_ context.Context, st staff.Staff, category string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, emailCall{recipient: st.Email, category: category})
}

func (n *fakeNotifier) EmailVisitor(_ context.Context, to, category string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, emailCall{recipient: to, category: category})
}

// --- Fake permission resolver ---

type fakeResolver struct {
	allow bool
}

func (r *fakeResolver) Allowed(_ context.Context, _ string, _ int16) (bool, error) {
	return r.allow, nil
}

// --- Capture publisher ---

type capturePublisher struct {
	mu     sync.Mutex
	events []room.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev room.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) byName(name wire.Event) []room.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []room.Event
	for _, ev := range p.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// --- Fake settings ---

type fakeSettings struct {
	mu       sync.Mutex
	settings settings.Settings
}

func (s *fakeSettings) Get(_ context.Context) (settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *fakeSettings) set(current settings.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = current
}

// --- Harness ---

type hubHarness struct {
	hub      *Hub
	chats    *fakeChatRepo
	staffs   *fakeStaffRepo
	visitors *fakeVisitorRepo
	durable  *fakeDurable
	notifier *fakeNotifier
	resolver *fakeResolver
	settings *fakeSettings
	pub      *capturePublisher
	presence *presence.Store
	online   *queue.OnlineStore
	orgID    uuid.UUID
	visitor  visitor.Visitor
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	v := visitor.Visitor{ID: uuid.New(), Name: "anon", IsAnonymous: true}
	orgID := uuid.New()

	chats := newFakeChatRepo(v.ID)
	staffs := &fakeStaffRepo{byID: make(map[uuid.UUID]staff.Staff)}
	visitors := &fakeVisitorRepo{byID: map[uuid.UUID]visitor.Visitor{v.ID: v}}
	durable := newFakeDurable()
	notifier := &fakeNotifier{}
	resolver := &fakeResolver{allow: true}
	cfg := &fakeSettings{settings: settings.Defaults()}
	pub := &capturePublisher{}

	pres := presence.NewStore(rdb)
	online := queue.NewOnlineStore(rdb)
	sessions := NewSessionStore(rdb)
	rooms := room.NewStore(rdb, chats, pres, cfg, zerolog.Nop())

	h := NewHub(
		rdb, time.Second, 5*time.Second, orgID,
		sessions, rooms, pres, online, durable,
		chats, staffs, visitors, cfg, resolver, notifier, pub,
		zerolog.Nop(),
	)

	return &hubHarness{
		hub:      h,
		chats:    chats,
		staffs:   staffs,
		visitors: visitors,
		durable:  durable,
		notifier: notifier,
		resolver: resolver,
		settings: cfg,
		pub:      pub,
		presence: pres,
		online:   online,
		orgID:    orgID,
		visitor:  v,
	}
}

// visitorClient registers a connected client for the harness visitor.
func (h *hubHarness) visitorClient(t *testing.T) *Client {
	t.Helper()
	c := newClient(h.hub, &fakeConn{}, NewSID(), auth.Identity{
		ID: h.visitor.ID, Kind: auth.KindVisitor, Display: h.visitor.Name,
	}, zerolog.Nop())
	h.hub.register(c)
	return c
}

// staffClient registers a connected client for a new staff member with the
// given role and marks them online.
func (h *hubHarness) staffClient(t *testing.T, roleID int16) (*Client, staff.Staff) {
	t.Helper()
	st := staff.Staff{
		ID: uuid.New(), OrgID: h.orgID, RoleID: roleID,
		Email: "staff@example.com", DisplayName: "staff",
	}
	h.staffs.byID[st.ID] = st

	c := newClient(h.hub, &fakeConn{}, NewSID(), auth.Identity{
		ID: st.ID, Kind: auth.KindStaff, OrgID: st.OrgID, RoleID: st.RoleID, Display: st.DisplayName,
	}, zerolog.Nop())
	h.hub.register(c)
	if err := h.presence.SetStaffOnline(context.Background(), st, c.sid); err != nil {
		t.Fatalf("SetStaffOnline() error = %v", err)
	}
	return c, st
}

func (h *hubHarness) dispatch(t *testing.T, c *Client, event wire.Event, data any) (any, error) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s payload: %v", event, err)
		}
	}
	return h.hub.dispatch(context.Background(), c, Frame{Event: event, Data: raw})
}

// --- Tests ---

func TestVisitorFirstMessageEntersQueue(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	ctx := context.Background()
	vc := h.visitorClient(t)

	data, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"})
	if err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	msg, ok := data.(*chat.Message)
	if !ok || msg.SequenceNum != 1 {
		t.Fatalf("ack data = %+v, want message with sequence 1", data)
	}

	queued, err := h.online.Contains(ctx, h.orgID, h.visitor.ID)
	if err != nil || !queued {
		t.Fatalf("online queue Contains = (%v, %v), want chat queued", queued, err)
	}
	if !h.durable.hasUnhandled(h.visitor.ID) {
		t.Error("first message did not mark the chat unhandled")
	}
	appended := h.pub.byName(wire.AppendUnclaimedChats)
	if len(appended) != 1 || appended[0].Topic != wire.OrgTopic(h.orgID) {
		t.Fatalf("append_unclaimed_chats events = %+v, want one to the org topic", appended)
	}
}

func TestVisitorMessageIsSanitized(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	_, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{
		"value": `hi <script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}

	stored := h.chats.messageAt(1)
	if stored == nil {
		t.Fatal("message not persisted")
	}
	if bytes.Contains(stored.Content, []byte("<script>")) {
		t.Errorf("stored content %s still carries markup", stored.Content)
	}
}

func TestSecondUnclaimedMessageAppendsToBundle(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	ctx := context.Background()
	vc := h.visitorClient(t)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, vc, wire.VisitorMsgUnclaimd, map[string]any{"value": "anyone?"}); err != nil {
		t.Fatalf("visitor_msg_unclaimed error = %v", err)
	}

	bundle, err := h.online.Get(ctx, h.orgID, h.visitor.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bundle == nil || len(bundle.Contents) != 2 {
		t.Fatalf("bundle = %+v, want two queued contents", bundle)
	}
	if got := h.pub.byName(wire.VisitorUnclaimedMsg); len(got) != 1 {
		t.Errorf("visitor_unclaimed_msg events = %d, want 1", len(got))
	}
}

func TestStaffJoinClaimsQueuedChat(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	ctx := context.Background()
	vc := h.visitorClient(t)
	sc, st := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}

	data, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID})
	if err != nil {
		t.Fatalf("staff_join error = %v", err)
	}
	snap, ok := data.(*room.Snapshot)
	if !ok || !snap.HasStaff(st.ID) {
		t.Fatalf("ack data = %+v, want snapshot with joining staff", data)
	}

	queued, _ := h.online.Contains(ctx, h.orgID, h.visitor.ID)
	if queued {
		t.Error("claimed chat still in the online queue")
	}
	system := h.chats.messageAt(2)
	if system == nil || system.TypeID != chat.TypeSystem {
		t.Fatalf("message at sequence 2 = %+v, want the join system message", system)
	}
	if !bytes.Contains(system.Content, []byte("join room")) {
		t.Errorf("system content = %s, want join room", system.Content)
	}
	if got := h.pub.byName(wire.StaffClaimChat); len(got) != 1 || got[0].Topic != wire.OrgTopic(h.orgID) {
		t.Fatalf("staff_claim_chat events = %+v, want one to the org topic", got)
	}
	if got := h.pub.byName(wire.StaffJoinRoom); len(got) != 1 || got[0].SkipSID != sc.sid {
		t.Fatalf("staff_join_room events = %+v, want one skipping the joiner", got)
	}
}

func TestStaffJoinOnClaimedChat(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	first, _ := h.staffClient(t, staff.RoleAgent)
	second, _ := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, first, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("first staff_join error = %v", err)
	}

	_, err := h.dispatch(t, second, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID})
	if !errors.Is(err, wire.ErrAlreadyClaimed) {
		t.Fatalf("second staff_join error = %v, want ErrAlreadyClaimed", err)
	}
}

func TestStaffJoinDisabledBySettings(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	sc, _ := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}

	current := settings.Defaults()
	current.AllowClaimingChat = 0
	h.settings.set(current)

	_, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("staff_join error = %v, want ErrPermissionDenied when claiming is off", err)
	}
	if queued, _ := h.online.Contains(context.Background(), h.orgID, h.visitor.ID); !queued {
		t.Error("refused claim removed the chat from the online queue")
	}
}

func TestStaffJoinRejoinsOwnRoomWithClaimingOff(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	sc, st := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	current := settings.Defaults()
	current.AllowClaimingChat = 0
	h.settings.set(current)

	data, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID})
	if err != nil {
		t.Fatalf("rejoin error = %v, want subscribed staff to keep access", err)
	}
	if snap, ok := data.(*room.Snapshot); !ok || !snap.HasStaff(st.ID) {
		t.Fatalf("ack data = %+v, want snapshot with the rejoining staff", data)
	}
}

func TestAddStaffEnforcesRoomCapacity(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	sc, _ := h.staffClient(t, staff.RoleSupervisor)
	_, extra := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	// Default capacity is one; adding a second staff must fail.
	_, err := h.dispatch(t, sc, wire.AddStaffToChat, wire.ModifyStaffData{
		Visitor: h.visitor.ID, Staff: extra.ID,
	})
	if !errors.Is(err, wire.ErrMaxCapacity) {
		t.Fatalf("add_staff_to_chat error = %v, want ErrMaxCapacity", err)
	}
}

func TestAddStaffRequiresPermission(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	sc, _ := h.staffClient(t, staff.RoleAgent)
	h.resolver.allow = false

	_, err := h.dispatch(t, sc, wire.AddStaffToChat, wire.ModifyStaffData{
		Visitor: uuid.New(), Staff: uuid.New(),
	})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("add_staff_to_chat error = %v, want ErrPermissionDenied", err)
	}
}

func TestTakeOverReplacesSoleHolder(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	agentClient, agent := h.staffClient(t, staff.RoleAgent)
	supClient, sup := h.staffClient(t, staff.RoleSupervisor)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, agentClient, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	data, err := h.dispatch(t, supClient, wire.TakeOverChat, wire.TakeOverData{Visitor: h.visitor.ID})
	if err != nil {
		t.Fatalf("take_over_chat error = %v", err)
	}
	snap := data.(*room.Snapshot)
	if len(snap.Room.Staffs) != 1 || !snap.HasStaff(sup.ID) {
		t.Fatalf("roster = %+v, want only the supervisor", snap.Room.Staffs)
	}
	if h.chats.subscriptions[agent.ID] {
		t.Error("displaced agent still subscribed")
	}

	system := h.chats.messageAt(3)
	if system == nil || !bytes.Contains(system.Content, []byte("take over room")) {
		t.Fatalf("message at sequence 3 = %+v, want the take-over system message", system)
	}
	if got := h.pub.byName(wire.StaffBeingTakenOver); len(got) != 1 || got[0].Topic != wire.SIDTopic(agentClient.sid) {
		t.Fatalf("staff_being_taken_over_chat events = %+v, want one to the agent session", got)
	}
	if got := h.pub.byName(wire.StaffTakeOverChat); len(got) != 1 || got[0].Topic != wire.MonitorTopic(h.orgID) {
		t.Fatalf("staff_take_over_chat events = %+v, want one to the monitor topic", got)
	}
}

func TestTakeOverRefusesEqualRank(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	holder, _ := h.staffClient(t, staff.RoleSupervisor)
	rival, _ := h.staffClient(t, staff.RoleSupervisor)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, holder, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	_, err := h.dispatch(t, rival, wire.TakeOverChat, wire.TakeOverData{Visitor: h.visitor.ID})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("take_over_chat error = %v, want ErrPermissionDenied for an equal rank", err)
	}
}

func TestTakeOverDisabledBySettings(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	sc, _ := h.staffClient(t, staff.RoleAdmin)

	current := settings.Defaults()
	current.AllowClaimingChat = 0
	h.settings.set(current)

	_, err := h.dispatch(t, sc, wire.TakeOverChat, wire.TakeOverData{Visitor: uuid.New()})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("take_over_chat error = %v, want ErrPermissionDenied when claiming is off", err)
	}
}

func TestStaffMessageClearsUnhandled(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	sc, _ := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}
	if _, err := h.dispatch(t, vc, wire.VisitorMsg, map[string]any{"value": "are you there?"}); err != nil {
		t.Fatalf("visitor_msg error = %v", err)
	}
	if !h.durable.hasUnhandled(h.visitor.ID) {
		t.Fatal("visitor message did not mark the chat unhandled")
	}

	_, err := h.dispatch(t, sc, wire.StaffMsg, map[string]any{
		"visitor": h.visitor.ID, "content": map[string]any{"value": "yes"},
	})
	if err != nil {
		t.Fatalf("staff_msg error = %v", err)
	}
	if h.durable.hasUnhandled(h.visitor.ID) {
		t.Error("staff reply did not clear the unhandled mark")
	}
	if got := h.pub.byName(wire.StaffSend); len(got) != 1 || got[0].SkipSID != sc.sid {
		t.Fatalf("staff_send events = %+v, want one skipping the sender", got)
	}
	if got := h.pub.byName(wire.NewStaffMsgForSup); len(got) != 1 || got[0].Topic != wire.MonitorTopic(h.orgID) {
		t.Fatalf("supervisor copy = %+v, want one to the monitor topic", got)
	}
}

func TestStaffMessageRequiresMembership(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	holder, _ := h.staffClient(t, staff.RoleAgent)
	outsider, _ := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, holder, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	_, err := h.dispatch(t, outsider, wire.StaffMsg, map[string]any{
		"visitor": h.visitor.ID, "content": map[string]any{"value": "hi"},
	})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("staff_msg error = %v, want ErrPermissionDenied for a non-member", err)
	}
}

func TestVisitorMessageOnClosedRoom(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	_, err := h.dispatch(t, vc, wire.VisitorMsg, map[string]any{"value": "hello?"})
	if !errors.Is(err, wire.ErrRoomClosed) {
		t.Fatalf("visitor_msg error = %v, want ErrRoomClosed", err)
	}
}

func TestStaffLeaveRequeuesAbandonedChat(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	ctx := context.Background()
	vc := h.visitorClient(t)
	sc, _ := h.staffClient(t, staff.RoleAgent)

	if err := h.presence.SetVisitorOnline(ctx, h.visitor); err != nil {
		t.Fatalf("SetVisitorOnline() error = %v", err)
	}
	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "hello"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	if _, err := h.dispatch(t, sc, wire.StaffLeaveRoom, wire.StaffLeaveData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_leave_room error = %v", err)
	}

	queued, err := h.online.Contains(ctx, h.orgID, h.visitor.ID)
	if err != nil || !queued {
		t.Fatalf("online Contains = (%v, %v), want the abandoned chat requeued", queued, err)
	}
	system := h.chats.messageAt(3)
	if system == nil || !bytes.Contains(system.Content, []byte("leave room")) {
		t.Fatalf("message at sequence 3 = %+v, want the leave system message", system)
	}
}

func TestChangePriorityFlagsAndClears(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)
	sc, _ := h.staffClient(t, staff.RoleAgent)

	if _, err := h.dispatch(t, vc, wire.VisitorFirstMsg, map[string]any{"value": "help"}); err != nil {
		t.Fatalf("visitor_first_msg error = %v", err)
	}
	if _, err := h.dispatch(t, sc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID}); err != nil {
		t.Fatalf("staff_join error = %v", err)
	}

	_, err := h.dispatch(t, sc, wire.ChangeChatPriority, wire.ChangePriorityData{
		Visitor: h.visitor.ID, SeverityLevel: 2, FlagMessage: "self harm risk",
	})
	if err != nil {
		t.Fatalf("change_chat_priority error = %v", err)
	}
	h.durable.mu.Lock()
	flag := h.durable.flagged[h.visitor.ID]
	h.durable.mu.Unlock()
	if flag != "self harm risk" {
		t.Fatalf("flag = %q, want the flag message recorded", flag)
	}
	h.notifier.mu.Lock()
	stored := len(h.notifier.supervisors)
	h.notifier.mu.Unlock()
	if stored != 1 {
		t.Errorf("supervisor notifications = %d, want 1", stored)
	}

	if _, err := h.dispatch(t, sc, wire.ChangeChatPriority, wire.ChangePriorityData{
		Visitor: h.visitor.ID, SeverityLevel: 0,
	}); err != nil {
		t.Fatalf("change_chat_priority clear error = %v", err)
	}
	h.durable.mu.Lock()
	_, stillFlagged := h.durable.flagged[h.visitor.ID]
	h.durable.mu.Unlock()
	if stillFlagged {
		t.Error("severity 0 did not clear the flag")
	}
}

func TestTypingEventsDeduplicate(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	payload := wire.TypingData{Visitor: h.visitor.ID}
	for i := 0; i < 3; i++ {
		if _, err := h.dispatch(t, vc, wire.UserTypingSend, payload); err != nil {
			t.Fatalf("user_typing_send error = %v", err)
		}
	}
	if got := h.pub.byName(wire.UserTypingReceive); len(got) != 1 {
		t.Fatalf("user_typing_receive events = %d, want 1 for a burst", len(got))
	}

	if _, err := h.dispatch(t, vc, wire.UserStopTypingSend, payload); err != nil {
		t.Fatalf("user_stop_typing_send error = %v", err)
	}
	if got := h.pub.byName(wire.UserStopTypingRecv); len(got) != 1 {
		t.Fatalf("user_stop_typing_receive events = %d, want 1", len(got))
	}
}

func TestVisitorCannotSendStaffEvents(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	_, err := h.dispatch(t, vc, wire.StaffJoin, wire.StaffJoinData{Visitor: h.visitor.ID})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("staff_join from visitor error = %v, want ErrPermissionDenied", err)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	_, err := h.hub.dispatch(context.Background(), vc, Frame{Event: "mystery_event"})
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Code != wire.CodeValidation {
		t.Fatalf("dispatch error = %v, want a validation error", err)
	}
}

func TestHandleFrameAcksErrors(t *testing.T) {
	t.Parallel()
	h := newHubHarness(t)
	vc := h.visitorClient(t)

	id := int64(7)
	h.hub.handleFrame(vc, Frame{Event: wire.VisitorMsg, Data: json.RawMessage(`{"value":"hi"}`), ID: &id})

	select {
	case raw := <-vc.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal ack frame: %v", err)
		}
		if frame.Event != wire.EventAck {
			t.Fatalf("frame event = %s, want ack", frame.Event)
		}
		var ack AckData
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			t.Fatalf("unmarshal ack data: %v", err)
		}
		if ack.ID != id || ack.OK || ack.Error == "" {
			t.Fatalf("ack = %+v, want id %d with the error message", ack, id)
		}
	default:
		t.Fatal("no ack frame enqueued")
	}
}
