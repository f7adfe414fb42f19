package permission

import (
	"github.com/gofiber/fiber/v3"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// RequirePermission returns Fiber middleware that checks whether the
// authenticated staff member's role holds the given action. Visitors never
// pass.
func RequirePermission(resolver *Resolver, action string) fiber.Handler {
	return func(c fiber.Ctx) error {
		identity, ok := c.Locals("identity").(auth.Identity)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeAuth, "Authentication required")
		}
		if !identity.IsStaff() {
			return httputil.FailErr(c, fiber.StatusForbidden, wire.ErrPermissionDenied)
		}

		allowed, err := resolver.Allowed(c, action, identity.RoleID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "Failed to check permissions")
		}
		if !allowed {
			return httputil.FailErr(c, fiber.StatusForbidden, wire.ErrPermissionDenied)
		}

		return c.Next()
	}
}
