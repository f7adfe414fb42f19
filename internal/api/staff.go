package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/config"
	"github.com/beaconchat/beacon-server/internal/email"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// StaffNotifier is the slice of the notification dispatcher the staff handler
// uses.
type StaffNotifier interface {
	EmailStaff(ctx context.Context, st staff.Staff, category string, data map[string]any)
}

// RotationInvalidator drops the cached assignment rotation when the volunteer
// pool changes.
type RotationInvalidator interface {
	Invalidate(ctx context.Context, orgID uuid.UUID) error
}

// ChatReassigner hands an orphaned chat to the next volunteer in the
// rotation. A nil staff without error means nobody was eligible.
type ChatReassigner interface {
	Handover(ctx context.Context, visitorID uuid.UUID) (*staff.Staff, error)
}

// OrphanQueue receives visitors whose last subscribed staff was disabled.
type OrphanQueue interface {
	PushUnclaimed(ctx context.Context, visitorID uuid.UUID) error
}

// StaffHandler serves staff administration: listing, onboarding, role changes,
// and enable/disable.
type StaffHandler struct {
	staffs     staff.Repository
	notifier   StaffNotifier
	rotation   RotationInvalidator
	reassigner ChatReassigner
	orphans    OrphanQueue
	cfg        *config.Config
	log        zerolog.Logger
}

// NewStaffHandler creates a staff administration handler.
func NewStaffHandler(staffs staff.Repository, notifier StaffNotifier, rotation RotationInvalidator, reassigner ChatReassigner, orphans OrphanQueue, cfg *config.Config, logger zerolog.Logger) *StaffHandler {
	return &StaffHandler{
		staffs:     staffs,
		notifier:   notifier,
		rotation:   rotation,
		reassigner: reassigner,
		orphans:    orphans,
		cfg:        cfg,
		log:        logger,
	}
}

// List handles GET /api/v1/staffs: every staff member of the caller's
// organisation.
func (h *StaffHandler) List(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	staffs, err := h.staffs.ListByOrg(c, identity.OrgID)
	if err != nil {
		return h.internal(c, err, "list staff")
	}
	return httputil.Success(c, staffs)
}

type createStaffRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	DisplayName string `json:"display_name"`
	RoleID      int16  `json:"role_id"`
}

// Create handles POST /api/v1/staffs: onboard a new staff member and send the
// welcome e-mail.
func (h *StaffHandler) Create(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	var body createStaffRequest
	if err := c.Bind().Body(&body); err != nil || body.Email == "" || body.Password == "" || body.FullName == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "email, password, and full_name are required")
	}
	if roleName(body.RoleID) == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "role_id must be 1, 2, or 3")
	}
	if body.DisplayName == "" {
		body.DisplayName = body.FullName
	}

	hash, err := auth.HashPassword(body.Password,
		h.cfg.Argon2Memory, h.cfg.Argon2Iterations, h.cfg.Argon2Parallelism,
		h.cfg.Argon2SaltLength, h.cfg.Argon2KeyLength)
	if err != nil {
		return h.internal(c, err, "hash staff password")
	}

	st, err := h.staffs.Create(c, staff.CreateParams{
		OrgID:        identity.OrgID,
		RoleID:       body.RoleID,
		Email:        body.Email,
		PasswordHash: hash,
		FullName:     body.FullName,
		DisplayName:  body.DisplayName,
	})
	if errors.Is(err, staff.ErrEmailTaken) {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "Email is already in use")
	}
	if err != nil {
		return h.internal(c, err, "create staff")
	}

	if err := h.rotation.Invalidate(c, st.OrgID); err != nil {
		h.log.Error().Err(err).Msg("Failed to invalidate assignment rotation")
	}
	h.notifier.EmailStaff(c, *st, email.CategoryWelcome, map[string]any{
		"name":     st.DisplayName,
		"password": body.Password,
	})
	return httputil.SuccessStatus(c, fiber.StatusCreated, st)
}

type setRoleRequest struct {
	RoleID int16 `json:"role_id"`
}

// SetRole handles PATCH /api/v1/staffs/:id/role.
func (h *StaffHandler) SetRole(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("id"))
	}

	var body setRoleRequest
	if err := c.Bind().Body(&body); err != nil || roleName(body.RoleID) == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "role_id must be 1, 2, or 3")
	}

	st, err := h.staffs.SetRole(c, id, body.RoleID)
	if errors.Is(err, staff.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "Staff member not found")
	}
	if err != nil {
		return h.internal(c, err, "set staff role")
	}

	if err := h.rotation.Invalidate(c, st.OrgID); err != nil {
		h.log.Error().Err(err).Msg("Failed to invalidate assignment rotation")
	}
	h.notifier.EmailStaff(c, *st, email.CategoryRoleChanged, map[string]any{
		"name": st.DisplayName,
		"role": roleName(st.RoleID),
	})
	return httputil.Success(c, st)
}

// Enable handles POST /api/v1/staffs/:id/enable.
func (h *StaffHandler) Enable(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("id"))
	}

	st, err := h.staffs.Enable(c, id)
	if errors.Is(err, staff.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "Staff member not found")
	}
	if err != nil {
		return h.internal(c, err, "enable staff")
	}

	if err := h.rotation.Invalidate(c, st.OrgID); err != nil {
		h.log.Error().Err(err).Msg("Failed to invalidate assignment rotation")
	}
	h.notifier.EmailStaff(c, *st, email.CategoryAccountEnabled, map[string]any{"name": st.DisplayName})
	return httputil.Success(c, st)
}

// Disable handles POST /api/v1/staffs/:id/disable. Chats the member held as
// the only subscriber are handed to the next volunteer in the rotation; when
// nobody is eligible they go back to the durable unclaimed queue.
func (h *StaffHandler) Disable(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("id"))
	}

	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}
	if identity.ID == id {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "You cannot disable your own account")
	}

	st, orphans, err := h.staffs.Disable(c, id)
	if errors.Is(err, staff.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "Staff member not found")
	}
	if err != nil {
		return h.internal(c, err, "disable staff")
	}

	// Rotation first, so handovers pick from a pool without the member.
	if err := h.rotation.Invalidate(c, st.OrgID); err != nil {
		h.log.Error().Err(err).Msg("Failed to invalidate assignment rotation")
	}
	for _, visitorID := range orphans {
		chosen, rErr := h.reassigner.Handover(c, visitorID)
		if rErr != nil {
			h.log.Error().Err(rErr).Stringer("visitor_id", visitorID).Msg("Failed to reassign orphaned chat")
		}
		if chosen != nil {
			continue
		}
		if qErr := h.orphans.PushUnclaimed(c, visitorID); qErr != nil {
			h.log.Error().Err(qErr).Stringer("visitor_id", visitorID).Msg("Failed to requeue orphaned chat")
		}
	}
	h.notifier.EmailStaff(c, *st, email.CategoryAccountDisabled, map[string]any{"name": st.DisplayName})
	return httputil.Success(c, st)
}

type receiveEmailsRequest struct {
	ReceiveEmails *bool `json:"receive_emails"`
}

// SetReceiveEmails handles PUT /api/v1/staffs/me/emails: the caller's own
// e-mail opt-in.
func (h *StaffHandler) SetReceiveEmails(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	var body receiveEmailsRequest
	if err := c.Bind().Body(&body); err != nil || body.ReceiveEmails == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "receive_emails is required")
	}

	if err := h.staffs.SetReceiveEmails(c, identity.ID, *body.ReceiveEmails); err != nil {
		return h.internal(c, err, "set e-mail opt-in")
	}
	return httputil.Success(c, fiber.Map{"receive_emails": *body.ReceiveEmails})
}

func (h *StaffHandler) internal(c fiber.Ctx, err error, op string) error {
	h.log.Error().Err(err).Str("op", op).Msg("Unhandled staff error")
	return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
}

// roleName maps a role id to the label used in notification e-mails. Empty
// means the id is not a valid role.
func roleName(roleID int16) string {
	switch roleID {
	case staff.RoleAdmin:
		return "admin"
	case staff.RoleSupervisor:
		return "supervisor"
	case staff.RoleAgent:
		return "agent"
	default:
		return ""
	}
}
