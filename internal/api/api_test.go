package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/config"
	"github.com/beaconchat/beacon-server/internal/notify"
	"github.com/beaconchat/beacon-server/internal/permission"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
)

// testTimeout extends the default app.Test() deadline so argon2 hashing under
// the race detector does not trigger a spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

const testPassword = "strongpassword"

// --- staff repository fake ---

type staffRepoFake struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*staff.Staff
	creds   map[string]*staff.Credentials
	optOut  map[uuid.UUID]bool
	orphans []uuid.UUID
}

func newStaffRepoFake() *staffRepoFake {
	return &staffRepoFake{
		byID:   make(map[uuid.UUID]*staff.Staff),
		creds:  make(map[string]*staff.Credentials),
		optOut: make(map[uuid.UUID]bool),
	}
}

func (r *staffRepoFake) add(st staff.Staff, passwordHash string) *staff.Staff {
	r.mu.Lock()
	defer r.mu.Unlock()
	cpy := st
	r.byID[st.ID] = &cpy
	r.creds[st.Email] = &staff.Credentials{ID: st.ID, PasswordHash: passwordHash, Disabled: st.Disabled}
	return &cpy
}

func (r *staffRepoFake) Create(_ context.Context, params staff.CreateParams) (*staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.creds[params.Email]; exists {
		return nil, staff.ErrEmailTaken
	}
	st := &staff.Staff{
		ID:          uuid.New(),
		OrgID:       params.OrgID,
		RoleID:      params.RoleID,
		Email:       params.Email,
		FullName:    params.FullName,
		DisplayName: params.DisplayName,
		CreatedAt:   time.Now(),
	}
	r.byID[st.ID] = st
	r.creds[params.Email] = &staff.Credentials{ID: st.ID, PasswordHash: params.PasswordHash}
	return st, nil
}

func (r *staffRepoFake) GetByID(_ context.Context, id uuid.UUID) (*staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return nil, staff.ErrNotFound
	}
	cpy := *st
	return &cpy, nil
}

func (r *staffRepoFake) GetByEmail(_ context.Context, email string) (*staff.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[email]
	if !ok {
		return nil, staff.ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (r *staffRepoFake) ListByOrg(_ context.Context, orgID uuid.UUID) ([]staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []staff.Staff
	for _, st := range r.byID {
		if st.OrgID == orgID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (r *staffRepoFake) ListVolunteers(_ context.Context, orgID uuid.UUID) ([]staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []staff.Staff
	for _, st := range r.byID {
		if st.OrgID == orgID && st.RoleID == staff.RoleAgent && !st.Disabled {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (r *staffRepoFake) ListSupervising(_ context.Context, orgID uuid.UUID) ([]staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []staff.Staff
	for _, st := range r.byID {
		if st.OrgID == orgID && st.RoleID < staff.RoleAgent && !st.Disabled {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (r *staffRepoFake) SetRole(_ context.Context, id uuid.UUID, roleID int16) (*staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return nil, staff.ErrNotFound
	}
	st.RoleID = roleID
	cpy := *st
	return &cpy, nil
}

func (r *staffRepoFake) Enable(_ context.Context, id uuid.UUID) (*staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return nil, staff.ErrNotFound
	}
	st.Disabled = false
	r.creds[st.Email].Disabled = false
	cpy := *st
	return &cpy, nil
}

func (r *staffRepoFake) Disable(_ context.Context, id uuid.UUID) (*staff.Staff, []uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return nil, nil, staff.ErrNotFound
	}
	st.Disabled = true
	r.creds[st.Email].Disabled = true
	cpy := *st
	return &cpy, r.orphans, nil
}

func (r *staffRepoFake) ReceiveEmails(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.optOut[id], nil
}

func (r *staffRepoFake) SetReceiveEmails(_ context.Context, id uuid.UUID, receive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optOut[id] = !receive
	return nil
}

// --- visitor repository fake ---

type visitorRepoFake struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*visitor.Visitor
	creds     map[string]*visitor.Credentials
	summaries []visitor.Summary
	bookmarks map[uuid.UUID]bool
}

func newVisitorRepoFake() *visitorRepoFake {
	return &visitorRepoFake{
		byID:      make(map[uuid.UUID]*visitor.Visitor),
		creds:     make(map[string]*visitor.Credentials),
		bookmarks: make(map[uuid.UUID]bool),
	}
}

func (r *visitorRepoFake) add(v visitor.Visitor, passwordHash string) *visitor.Visitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	cpy := v
	r.byID[v.ID] = &cpy
	if v.Email != nil {
		r.creds[*v.Email] = &visitor.Credentials{ID: v.ID, PasswordHash: passwordHash, Disabled: v.Disabled}
	}
	return &cpy
}

func (r *visitorRepoFake) Create(_ context.Context, params visitor.CreateParams) (*visitor.Visitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if params.Email != nil {
		if _, exists := r.creds[*params.Email]; exists {
			return nil, visitor.ErrEmailTaken
		}
	}
	v := &visitor.Visitor{
		ID:          uuid.New(),
		Name:        params.Name,
		Email:       params.Email,
		IsAnonymous: params.IsAnonymous,
		CreatedAt:   time.Now(),
	}
	r.byID[v.ID] = v
	if params.Email != nil && params.PasswordHash != nil {
		r.creds[*params.Email] = &visitor.Credentials{ID: v.ID, PasswordHash: *params.PasswordHash}
	}
	return v, nil
}

func (r *visitorRepoFake) GetByID(_ context.Context, id uuid.UUID) (*visitor.Visitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[id]
	if !ok {
		return nil, visitor.ErrNotFound
	}
	cpy := *v
	return &cpy, nil
}

func (r *visitorRepoFake) GetByEmail(_ context.Context, email string) (*visitor.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[email]
	if !ok {
		return nil, visitor.ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (r *visitorRepoFake) ListUnhandledForStaff(_ context.Context, _ uuid.UUID, offset, limit int) ([]visitor.Summary, error) {
	return r.page(offset, limit), nil
}

func (r *visitorRepoFake) ListBookmarked(_ context.Context, _ uuid.UUID, offset, limit int) ([]visitor.Summary, error) {
	return r.page(offset, limit), nil
}

func (r *visitorRepoFake) ListFlagged(_ context.Context, offset, limit int) ([]visitor.Summary, error) {
	return r.page(offset, limit), nil
}

func (r *visitorRepoFake) ListMostRecent(_ context.Context, _ uuid.UUID, offset, limit int) ([]visitor.Summary, error) {
	return r.page(offset, limit), nil
}

func (r *visitorRepoFake) SetBookmark(_ context.Context, _, visitorID uuid.UUID, bookmarked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[visitorID]; !ok {
		return visitor.ErrNotFound
	}
	r.bookmarks[visitorID] = bookmarked
	return nil
}

func (r *visitorRepoFake) page(offset, limit int) []visitor.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset >= len(r.summaries) {
		return nil
	}
	end := offset + limit
	if end > len(r.summaries) {
		end = len(r.summaries)
	}
	return append([]visitor.Summary(nil), r.summaries[offset:end]...)
}

// --- chat repository fake ---

type chatRepoFake struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]*chat.Chat // keyed by visitor id
	messages map[uuid.UUID][]chat.Message
	seen     map[uuid.UUID]map[uuid.UUID]uuid.UUID // chat id -> staff id -> message id
}

func newChatRepoFake() *chatRepoFake {
	return &chatRepoFake{
		chats:    make(map[uuid.UUID]*chat.Chat),
		messages: make(map[uuid.UUID][]chat.Message),
		seen:     make(map[uuid.UUID]map[uuid.UUID]uuid.UUID),
	}
}

func (r *chatRepoFake) addChat(visitorID uuid.UUID, msgs int) *chat.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := &chat.Chat{ID: uuid.New(), VisitorID: visitorID}
	r.chats[visitorID] = ch
	for i := 1; i <= msgs; i++ {
		r.messages[ch.ID] = append(r.messages[ch.ID], chat.Message{
			ID:          uuid.New(),
			ChatID:      ch.ID,
			SequenceNum: int64(i),
			TypeID:      chat.TypeUser,
			Content:     json.RawMessage(`{"value":"hello"}`),
		})
	}
	return ch
}

func (r *chatRepoFake) GetOrCreateByVisitor(_ context.Context, visitorID uuid.UUID) (*chat.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.chats[visitorID]; ok {
		return ch, nil
	}
	ch := &chat.Chat{ID: uuid.New(), VisitorID: visitorID}
	r.chats[visitorID] = ch
	return ch, nil
}

func (r *chatRepoFake) GetByVisitor(_ context.Context, visitorID uuid.UUID) (*chat.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chats[visitorID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return ch, nil
}

func (r *chatRepoFake) UpdateSeverity(_ context.Context, visitorID uuid.UUID, severity int) (*chat.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chats[visitorID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	ch.SeverityLevel = severity
	return ch, nil
}

func (r *chatRepoFake) MaxSequence(_ context.Context, chatID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[chatID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].SequenceNum, nil
}

func (r *chatRepoFake) InsertMessage(_ context.Context, params chat.InsertMessageParams) (*chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := chat.Message{
		ID:          uuid.New(),
		ChatID:      params.ChatID,
		SequenceNum: params.SequenceNum,
		TypeID:      params.TypeID,
		SenderID:    params.SenderID,
		Content:     params.Content,
		CreatedAt:   time.Now(),
	}
	r.messages[params.ChatID] = append(r.messages[params.ChatID], msg)
	return &msg, nil
}

func (r *chatRepoFake) ListMessages(_ context.Context, chatID uuid.UUID, beforeSeq *int64, limit int) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chat.Message
	msgs := r.messages[chatID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq != nil && msgs[i].SequenceNum >= *beforeSeq {
			continue
		}
		out = append(out, msgs[i])
	}
	return out, nil
}

func (r *chatRepoFake) LastMessage(_ context.Context, chatID uuid.UUID) (*chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[chatID]
	if len(msgs) == 0 {
		return nil, chat.ErrNotFound
	}
	cpy := msgs[len(msgs)-1]
	return &cpy, nil
}

func (r *chatRepoFake) Subscribe(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return true, nil }
func (r *chatRepoFake) Unsubscribe(context.Context, uuid.UUID, uuid.UUID) error      { return nil }
func (r *chatRepoFake) UnsubscribeAll(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (r *chatRepoFake) ListSubscriberIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (r *chatRepoFake) ListSubscribedVisitorIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *chatRepoFake) UpsertSeen(_ context.Context, staffID, chatID, messageID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[chatID] == nil {
		r.seen[chatID] = make(map[uuid.UUID]uuid.UUID)
	}
	r.seen[chatID][staffID] = messageID
	return nil
}

func (r *chatRepoFake) GetSeen(_ context.Context, staffID, chatID uuid.UUID) (*uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.seen[chatID][staffID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// --- notification repository fake ---

type notifyRepoFake struct {
	mu            sync.Mutex
	notifications map[uuid.UUID][]notify.Notification
	readAll       map[uuid.UUID]bool
}

func newNotifyRepoFake() *notifyRepoFake {
	return &notifyRepoFake{
		notifications: make(map[uuid.UUID][]notify.Notification),
		readAll:       make(map[uuid.UUID]bool),
	}
}

func (r *notifyRepoFake) BulkInsert(_ context.Context, staffIDs []uuid.UUID, content json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range staffIDs {
		r.notifications[id] = append(r.notifications[id], notify.Notification{
			ID: uuid.New(), StaffID: id, Content: content,
		})
	}
	return nil
}

func (r *notifyRepoFake) List(_ context.Context, staffID uuid.UUID, offset, limit int) ([]notify.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.notifications[staffID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]notify.Notification(nil), all[offset:end]...), nil
}

func (r *notifyRepoFake) MarkAllRead(_ context.Context, staffID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readAll[staffID] = true
	return nil
}

// --- settings store fake ---

type settingsStoreFake struct {
	mu      sync.Mutex
	current settings.Settings
}

func newSettingsStoreFake() *settingsStoreFake {
	return &settingsStoreFake{current: settings.Defaults()}
}

func (s *settingsStoreFake) Get(context.Context) (settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *settingsStoreFake) Update(_ context.Context, key string, value int) (settings.Settings, error) {
	if err := settings.Validate(key, value); err != nil {
		return settings.Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case settings.KeyLoginType:
		s.current.LoginType = value
	case settings.KeyAllowClaimingChat:
		s.current.AllowClaimingChat = value
	case settings.KeyMaxStaffsInChat:
		s.current.MaxStaffsInChat = value
	case settings.KeyAutoAssign:
		s.current.AutoAssign = value
	case settings.KeyAutoReassign:
		s.current.AutoReassign = value
	case settings.KeyHoursToAutoReassign:
		s.current.HoursToAutoReassign = value
	}
	return s.current, nil
}

func (s *settingsStoreFake) set(current settings.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = current
}

// --- side-effect fakes ---

type emailCall struct {
	staffID  uuid.UUID
	category string
}

type notifierFake struct {
	mu    sync.Mutex
	calls []emailCall
}

func (n *notifierFake) EmailStaff(_ context.Context, st staff.Staff, category string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, emailCall{staffID: st.ID, category: category})
}

func (n *notifierFake) sent(staffID uuid.UUID, category string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, call := range n.calls {
		if call.staffID == staffID && call.category == category {
			return true
		}
	}
	return false
}

type rotationFake struct {
	mu    sync.Mutex
	count int
}

func (r *rotationFake) Invalidate(context.Context, uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *rotationFake) invalidations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type orphanQueueFake struct {
	mu     sync.Mutex
	pushed []uuid.UUID
}

func (q *orphanQueueFake) PushUnclaimed(_ context.Context, visitorID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, visitorID)
	return nil
}

// reassignerFake hands over to the volunteer seeded per visitor, nil when the
// visitor has none.
type reassignerFake struct {
	mu         sync.Mutex
	volunteers map[uuid.UUID]*staff.Staff
	handovers  []uuid.UUID
}

func (r *reassignerFake) Handover(_ context.Context, visitorID uuid.UUID) (*staff.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handovers = append(r.handovers, visitorID)
	return r.volunteers[visitorID], nil
}

// --- permission fakes ---

type permStoreFake struct {
	grants map[string]map[int16]bool
}

func (s *permStoreFake) Allowed(_ context.Context, action string, roleID int16) (bool, error) {
	return s.grants[action][roleID], nil
}
func (s *permStoreFake) Grant(context.Context, string, int16) error  { return nil }
func (s *permStoreFake) Revoke(context.Context, string, int16) error { return nil }

type permCacheFake struct{}

func (permCacheFake) Get(context.Context, string, int16) (bool, bool, error) {
	return false, false, nil
}
func (permCacheFake) Set(context.Context, string, int16, bool) error { return nil }
func (permCacheFake) DeleteByRole(context.Context, int16) error      { return nil }
func (permCacheFake) DeleteByAction(context.Context, string) error   { return nil }
func (permCacheFake) DeleteExact(context.Context, string, int16) error {
	return nil
}

// screenerFake blocks exactly the domains seeded into blocked.
type screenerFake struct {
	blocked map[string]bool
}

func (s *screenerFake) IsBlocked(_ context.Context, domain string) (bool, error) {
	return s.blocked[domain], nil
}

// --- harness ---

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:         "https://beacon.test",
		JWTSecret:         "test-secret-at-least-32-chars-long!!",
		JWTAccessTTL:      15 * time.Minute,
		JWTRefreshTTL:     7 * 24 * time.Hour,
		Argon2Memory:      64 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

/// adminGrants is the full grant table used by the tests: settings and staff
// administration are admin-only, flagged chats extend to supervisors.
func adminGrants(adminID, supervisorID int16) map[string]map[int16]bool {
	return map[string]map[int16]bool{
		permission.ModifyGlobalSettings: {adminID: true},
		permission.ManageStaff:          {adminID: true},
		permission.ViewFlaggedChats:     {adminID: true, supervisorID: true},
	}
}

type apiHarness struct {
	app      *fiber.App
	cfg      *config.Config
	resolver *auth.Resolver

	staffs     *staffRepoFake
	visitors   *visitorRepoFake
	chats      *chatRepoFake
	notes      *notifyRepoFake
	settings   *settingsStoreFake
	notifier   *notifierFake
	rotation   *rotationFake
	reassigner *reassignerFake
	orphans    *orphanQueueFake
	screener   *screenerFake

	orgID   uuid.UUID
	admin   *staff.Staff
	agent   *staff.Staff
	visitor *visitor.Visitor
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	cfg := testConfig()

	staffs := newStaffRepoFake()
	visitors := newVisitorRepoFake()
	chats := newChatRepoFake()
	notes := newNotifyRepoFake()
	settingsStore := newSettingsStoreFake()
	notifier := &notifierFake{}
	rotation := &rotationFake{}
	reassigner := &reassignerFake{volunteers: make(map[uuid.UUID]*staff.Staff)}
	orphans := &orphanQueueFake{}
	screener := &screenerFake{blocked: make(map[string]bool)}

	hash, err := auth.HashPassword(testPassword,
		cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism,
		cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	orgID := uuid.New()
	admin := staffs.add(staff.Staff{
		ID: uuid.New(), OrgID: orgID, RoleID: staff.RoleAdmin,
		Email: "admin@example.com", FullName: "Ada Admin", DisplayName: "Ada",
	}, hash)
	agent := staffs.add(staff.Staff{
		ID: uuid.New(), OrgID: orgID, RoleID: staff.RoleAgent,
		Email: "agent@example.com", FullName: "Avery Agent", DisplayName: "Avery",
	}, hash)
	email := "vera@example.com"
	v := visitors.add(visitor.Visitor{
		ID: uuid.New(), Name: "Vera", Email: &email,
	}, hash)

	resolver := auth.NewResolver(cfg.JWTSecret, cfg.ServerURL,
		cfg.JWTAccessTTL, cfg.JWTRefreshTTL, staffs, visitors)
	perms := permission.NewResolver(
		&permStoreFake{grants: adminGrants(staff.RoleAdmin, staff.RoleSupervisor)},
		permCacheFake{}, zerolog.Nop())

	app := fiber.New()
	RegisterRoutes(app, Handlers{
		Auth:          NewAuthHandler(resolver, staffs, visitors, settingsStore, screener, cfg, zerolog.Nop()),
		Settings:      NewSettingsHandler(settingsStore, zerolog.Nop()),
		Staff:         NewStaffHandler(staffs, notifier, rotation, reassigner, orphans, cfg, zerolog.Nop()),
		Visitor:       NewVisitorHandler(visitors, zerolog.Nop()),
		Message:       NewMessageHandler(chats, zerolog.Nop()),
		Notification:  NewNotificationHandler(notes, zerolog.Nop()),
		Gateway:       NewGatewayHandler(nil),
		Health:        nil,
		TokenResolver: resolver,
		Permissions:   perms,
	})

	return &apiHarness{
		app: app, cfg: cfg, resolver: resolver,
		staffs: staffs, visitors: visitors, chats: chats, notes: notes,
		settings: settingsStore, notifier: notifier, rotation: rotation,
		reassigner: reassigner, orphans: orphans, screener: screener,
		orgID: orgID, admin: admin, agent: agent, visitor: v,
	}
}

// token mints an access token for the subject.
func (h *apiHarness) token(t *testing.T, subject uuid.UUID, kind auth.Kind) string {
	t.Helper()
	pair, err := h.resolver.IssuePair(subject, kind)
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}
	return pair.AccessToken
}

// --- request helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body, token string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}
