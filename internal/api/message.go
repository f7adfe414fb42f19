package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// MessageHandler serves chat transcript history and read markers.
type MessageHandler struct {
	chats chat.Repository
	log   zerolog.Logger
}

// NewMessageHandler creates a message history handler.
func NewMessageHandler(chats chat.Repository, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{chats: chats, log: logger}
}

// History handles GET /api/v1/chats/:visitor_id/messages. Staff can read any
// transcript; a visitor can only read their own.
func (h *MessageHandler) History(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	visitorID, err := uuid.Parse(c.Params("visitor_id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("visitor_id"))
	}
	if !identity.IsStaff() && identity.ID != visitorID {
		return httputil.FailErr(c, fiber.StatusForbidden, wire.ErrPermissionDenied)
	}

	ch, err := h.chats.GetByVisitor(c, visitorID)
	if errors.Is(err, chat.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "No chat exists for this visitor")
	}
	if err != nil {
		return h.internal(c, err, "load chat")
	}

	var before *int64
	if raw := fiber.Query[int64](c, "before", 0); raw > 0 {
		before = &raw
	}
	limit := visitor.ClampLimit(fiber.Query(c, "limit", 0))

	messages, err := h.chats.ListMessages(c, ch.ID, before, limit)
	if err != nil {
		return h.internal(c, err, "list messages")
	}
	return httputil.Success(c, fiber.Map{"chat": ch, "messages": messages})
}

type seenRequest struct {
	MessageID uuid.UUID `json:"message_id"`
}

// MarkSeen handles PUT /api/v1/chats/:visitor_id/seen: record the newest
// message the calling staff member has read.
func (h *MessageHandler) MarkSeen(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	visitorID, err := uuid.Parse(c.Params("visitor_id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("visitor_id"))
	}

	var body seenRequest
	if err := c.Bind().Body(&body); err != nil || body.MessageID == uuid.Nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "message_id is required")
	}

	ch, err := h.chats.GetByVisitor(c, visitorID)
	if errors.Is(err, chat.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "No chat exists for this visitor")
	}
	if err != nil {
		return h.internal(c, err, "load chat")
	}

	if err := h.chats.UpsertSeen(c, identity.ID, ch.ID, body.MessageID); err != nil {
		return h.internal(c, err, "mark seen")
	}
	return httputil.Success(c, fiber.Map{"message_id": body.MessageID})
}

// GetSeen handles GET /api/v1/chats/:visitor_id/seen.
func (h *MessageHandler) GetSeen(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	visitorID, err := uuid.Parse(c.Params("visitor_id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("visitor_id"))
	}

	ch, err := h.chats.GetByVisitor(c, visitorID)
	if errors.Is(err, chat.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "No chat exists for this visitor")
	}
	if err != nil {
		return h.internal(c, err, "load chat")
	}

	messageID, err := h.chats.GetSeen(c, identity.ID, ch.ID)
	if err != nil {
		return h.internal(c, err, "get seen")
	}
	return httputil.Success(c, fiber.Map{"message_id": messageID})
}

func (h *MessageHandler) internal(c fiber.Ctx, err error, op string) error {
	h.log.Error().Err(err).Str("op", op).Msg("Unhandled message error")
	return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
}
