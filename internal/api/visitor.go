package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// VisitorHandler serves the staff-facing visitor listings and bookmarks.
type VisitorHandler struct {
	visitors visitor.Repository
	log      zerolog.Logger
}

// NewVisitorHandler creates a visitor listing handler.
func NewVisitorHandler(visitors visitor.Repository, logger zerolog.Logger) *VisitorHandler {
	return &VisitorHandler{visitors: visitors, log: logger}
}

// page reads offset/limit query parameters with the shared clamping rules.
func page(c fiber.Ctx) (offset, limit int) {
	offset = fiber.Query(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit = visitor.ClampLimit(fiber.Query(c, "limit", 0))
	return offset, limit
}

// ListUnhandled handles GET /api/v1/visitors/unhandled: visitors with unread
// activity in chats the caller is subscribed to.
func (h *VisitorHandler) ListUnhandled(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}
	offset, limit := page(c)

	summaries, err := h.visitors.ListUnhandledForStaff(c, identity.ID, offset, limit)
	if err != nil {
		return h.internal(c, err, "list unhandled visitors")
	}
	return httputil.Success(c, summaries)
}

// ListBookmarked handles GET /api/v1/visitors/bookmarked.
func (h *VisitorHandler) ListBookmarked(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}
	offset, limit := page(c)

	summaries, err := h.visitors.ListBookmarked(c, identity.ID, offset, limit)
	if err != nil {
		return h.internal(c, err, "list bookmarked visitors")
	}
	return httputil.Success(c, summaries)
}

// ListFlagged handles GET /api/v1/visitors/flagged. Route registration gates
// this behind the flagged-chats permission.
func (h *VisitorHandler) ListFlagged(c fiber.Ctx) error {
	offset, limit := page(c)

	summaries, err := h.visitors.ListFlagged(c, offset, limit)
	if err != nil {
		return h.internal(c, err, "list flagged visitors")
	}
	return httputil.Success(c, summaries)
}

// ListRecent handles GET /api/v1/visitors/recent: the caller's subscribed
// visitors by latest chat activity.
func (h *VisitorHandler) ListRecent(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}
	offset, limit := page(c)

	summaries, err := h.visitors.ListMostRecent(c, identity.ID, offset, limit)
	if err != nil {
		return h.internal(c, err, "list recent visitors")
	}
	return httputil.Success(c, summaries)
}

type bookmarkRequest struct {
	Bookmarked *bool `json:"bookmarked"`
}

// SetBookmark handles PUT /api/v1/visitors/:id/bookmark.
func (h *VisitorHandler) SetBookmark(c fiber.Ctx) error {
	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	visitorID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.FailErr(c, fiber.StatusBadRequest, wire.ValidationError("id"))
	}

	var body bookmarkRequest
	if err := c.Bind().Body(&body); err != nil || body.Bookmarked == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "bookmarked is required")
	}

	err = h.visitors.SetBookmark(c, identity.ID, visitorID, *body.Bookmarked)
	if errors.Is(err, visitor.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, "Visitor not found")
	}
	if err != nil {
		return h.internal(c, err, "set bookmark")
	}
	return httputil.Success(c, fiber.Map{"bookmarked": *body.Bookmarked})
}

func (h *VisitorHandler) internal(c fiber.Ctx, err error, op string) error {
	h.log.Error().Err(err).Str("op", op).Msg("Unhandled visitor error")
	return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
}
