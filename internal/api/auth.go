package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/config"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/settings"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// Visitor login modes stored under the login_type setting.
const (
	loginAnonymousOnly = 0
	loginBoth          = 1
	loginAccountOnly   = 2
)

// EmailScreener rejects email domains from known disposable providers.
type EmailScreener interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// AuthHandler serves staff login, visitor login and issuance, and token
// refresh.
type AuthHandler struct {
	resolver *auth.Resolver
	staffs   staff.Repository
	visitors visitor.Repository
	settings SettingsSource
	screener EmailScreener
	cfg      *config.Config
	log      zerolog.Logger
}

// NewAuthHandler creates an authentication handler.
func NewAuthHandler(resolver *auth.Resolver, staffs staff.Repository, visitors visitor.Repository, st SettingsSource, screener EmailScreener, cfg *config.Config, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		resolver: resolver,
		staffs:   staffs,
		visitors: visitors,
		settings: st,
		screener: screener,
		cfg:      cfg,
		log:      logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type staffLoginResponse struct {
	Staff  *staff.Staff   `json:"staff"`
	Tokens auth.TokenPair `json:"tokens"`
}

type visitorLoginResponse struct {
	Visitor *visitor.Visitor `json:"visitor"`
	Tokens  auth.TokenPair   `json:"tokens"`
}

// Login handles POST /api/v1/login: staff credential login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil || body.Email == "" || body.Password == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "email and password are required")
	}

	creds, err := h.staffs.GetByEmail(c, body.Email)
	if errors.Is(err, staff.ErrNotFound) {
		return h.invalidCredentials(c, body.Password)
	}
	if err != nil {
		return h.internal(c, err, "staff login lookup")
	}

	match, err := auth.VerifyPassword(body.Password, creds.PasswordHash)
	if err != nil {
		return h.internal(c, err, "staff password verify")
	}
	if !match {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeAuth, auth.ErrInvalidCredentials.Error())
	}
	if creds.Disabled {
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, "Account is disabled")
	}

	st, err := h.staffs.GetByID(c, creds.ID)
	if err != nil {
		return h.internal(c, err, "staff login load")
	}
	tokens, err := h.resolver.IssuePair(st.ID, auth.KindStaff)
	if err != nil {
		return h.internal(c, err, "staff token issue")
	}
	return httputil.Success(c, staffLoginResponse{Staff: st, Tokens: tokens})
}

type createVisitorRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// CreateVisitor handles POST /api/v1/visitors: anonymous visitor issuance, or
// registered visitor signup when an email is supplied.
func (h *AuthHandler) CreateVisitor(c fiber.Ctx) error {
	var body createVisitorRequest
	if err := c.Bind().Body(&body); err != nil || body.Name == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "name is required")
	}

	current, err := h.settings.Get(c)
	if err != nil {
		return h.internal(c, err, "load settings")
	}

	params := visitor.CreateParams{Name: body.Name, IsAnonymous: true}
	if body.Email != "" {
		if body.Password == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "password is required for a registered visitor")
		}
		if _, domain, ok := strings.Cut(body.Email, "@"); ok && domain != "" {
			// Fail open on lookup errors so registration survives a blocklist
			// host outage.
			blocked, bErr := h.screener.IsBlocked(c, domain)
			if bErr != nil {
				h.log.Warn().Err(bErr).Msg("Disposable email check failed")
			} else if blocked {
				return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "Disposable email addresses are not allowed")
			}
		}
		hash, hErr := auth.HashPassword(body.Password,
			h.cfg.Argon2Memory, h.cfg.Argon2Iterations, h.cfg.Argon2Parallelism,
			h.cfg.Argon2SaltLength, h.cfg.Argon2KeyLength)
		if hErr != nil {
			return h.internal(c, hErr, "hash visitor password")
		}
		params = visitor.CreateParams{
			Name:         body.Name,
			Email:        &body.Email,
			PasswordHash: &hash,
			IsAnonymous:  false,
		}
	} else if current.LoginType == loginAccountOnly {
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, auth.ErrLoginDisabled.Error())
	}

	v, err := h.visitors.Create(c, params)
	if errors.Is(err, visitor.ErrEmailTaken) {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "Unable to register with the provided email")
	}
	if err != nil {
		return h.internal(c, err, "create visitor")
	}

	tokens, err := h.resolver.IssuePair(v.ID, auth.KindVisitor)
	if err != nil {
		return h.internal(c, err, "visitor token issue")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, visitorLoginResponse{Visitor: v, Tokens: tokens})
}

// VisitorLogin handles POST /api/v1/visitors/login: registered visitor login.
func (h *AuthHandler) VisitorLogin(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil || body.Email == "" || body.Password == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "email and password are required")
	}

	current, err := h.settings.Get(c)
	if err != nil {
		return h.internal(c, err, "load settings")
	}
	if current.LoginType == loginAnonymousOnly {
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, auth.ErrLoginDisabled.Error())
	}

	creds, err := h.visitors.GetByEmail(c, body.Email)
	if errors.Is(err, visitor.ErrNotFound) {
		return h.invalidCredentials(c, body.Password)
	}
	if err != nil {
		return h.internal(c, err, "visitor login lookup")
	}

	match, err := auth.VerifyPassword(body.Password, creds.PasswordHash)
	if err != nil {
		return h.internal(c, err, "visitor password verify")
	}
	if !match {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeAuth, auth.ErrInvalidCredentials.Error())
	}
	if creds.Disabled {
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, "Account is disabled")
	}

	v, err := h.visitors.GetByID(c, creds.ID)
	if err != nil {
		return h.internal(c, err, "visitor login load")
	}
	tokens, err := h.resolver.IssuePair(v.ID, auth.KindVisitor)
	if err != nil {
		return h.internal(c, err, "visitor token issue")
	}
	return httputil.Success(c, visitorLoginResponse{Visitor: v, Tokens: tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil || body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidation, "refresh_token is required")
	}

	tokens, err := h.resolver.Refresh(c, body.RefreshToken)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAccountDisabled):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, "Account is disabled")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnknownSubject):
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	default:
		return h.internal(c, err, "token refresh")
	}
	return httputil.Success(c, tokens)
}

// invalidCredentials burns a hash verification before answering so an unknown
// email takes as long as a wrong password.
func (h *AuthHandler) invalidCredentials(c fiber.Ctx, password string) error {
	_, _ = auth.VerifyPassword(password,
		"$argon2id$v=19$m=65536,t=3,p=2$c29tZXNhbHRzb21lc2FsdA$XHPmc1oZot2QBOCCkZYkDZJDoJssA3evx0kOkRjQjbE")
	return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeAuth, auth.ErrInvalidCredentials.Error())
}

func (h *AuthHandler) internal(c fiber.Ctx, err error, op string) error {
	h.log.Error().Err(err).Str("op", op).Msg("Unhandled auth error")
	return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
}

// SettingsSource yields the current global settings snapshot.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}
