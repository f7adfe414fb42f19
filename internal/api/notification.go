package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/notify"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// NotificationHandler serves a staff member's in-app notifications.
type NotificationHandler struct {
	repo notify.Repository
	log  zerolog.Logger
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(repo notify.Repository, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{repo: repo, log: logger}
}

// List handles GET /api/v1/notifications.
func (h *NotificationHandler) List(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	offset := fiber.Query(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := visitor.ClampLimit(fiber.Query(c, "limit", 0))

	notifications, err := h.repo.List(c, identity.ID, offset, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list notifications")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, notifications)
}

// MarkAllRead handles POST /api/v1/notifications/read.
func (h *NotificationHandler) MarkAllRead(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	if err := h.repo.MarkAllRead(c, identity.ID); err != nil {
		h.log.Error().Err(err).Msg("Failed to mark notifications read")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"read": true})
}
