// Package api is the REST surface: login and token refresh, settings, staff
// management, visitor listings, message history, in-app notifications, and the
// WebSocket upgrade into the realtime gateway.
package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// identityKey is the Locals slot the auth middleware fills.
const identityKey = "identity"

// RequireAuth returns middleware that resolves the Bearer token into an
// identity and stores it in Locals for downstream handlers.
func RequireAuth(resolver *auth.Resolver) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
		}

		identity, err := resolver.ResolveToken(c, token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrAccountDisabled):
			return httputil.Fail(c, fiber.StatusForbidden, wire.CodeAuth, "Account is disabled")
		default:
			return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
		}

		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// RequireStaff returns middleware that rejects visitor identities. It must run
// after RequireAuth.
func RequireStaff() fiber.Handler {
	return func(c fiber.Ctx) error {
		identity, ok := identityFrom(c)
		if !ok {
			return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
		}
		if !identity.IsStaff() {
			return httputil.FailErr(c, fiber.StatusForbidden, wire.ErrPermissionDenied)
		}
		return c.Next()
	}
}

// identityFrom reads the authenticated identity set by RequireAuth.
func identityFrom(c fiber.Ctx) (auth.Identity, bool) {
	identity, ok := c.Locals(identityKey).(auth.Identity)
	return identity, ok
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}
