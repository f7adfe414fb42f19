package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// SettingsStore reads and writes the global settings rows.
type SettingsStore interface {
	Get(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, key string, value int) (settings.Settings, error)
}

// SettingsHandler serves the global settings snapshot and updates.
type SettingsHandler struct {
	store SettingsStore
	log   zerolog.Logger
}

// NewSettingsHandler creates a settings handler.
func NewSettingsHandler(store SettingsStore, logger zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{store: store, log: logger}
}

// Get handles GET /api/v1/settings.
func (h *SettingsHandler) Get(c fiber.Ctx) error {
	current, err := h.store.Get(c)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load settings")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, current)
}

// Update handles PATCH /api/v1/settings. The body is a map of setting keys to
// integer values; keys are applied in turn and the final snapshot returned.
func (h *SettingsHandler) Update(c fiber.Ctx) error {
	var body map[string]int
	if err := c.Bind().Body(&body); err != nil || len(body) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "at least one setting key is required")
	}

	for key, value := range body {
		if err := settings.Validate(key, value); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, err.Error())
		}
	}

	var current settings.Settings
	for key, value := range body {
		updated, err := h.store.Update(c, key, value)
		if errors.Is(err, settings.ErrUnknownKey) {
			return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, err.Error())
		}
		if err != nil {
			h.log.Error().Err(err).Str("key", key).Msg("Failed to update setting")
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
		}
		current = updated
	}
	return httputil.Success(c, current)
}
