package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/permission"
)

// Handlers groups every REST handler for route registration.
type Handlers struct {
	Auth          *AuthHandler
	Settings      *SettingsHandler
	Staff         *StaffHandler
	Visitor       *VisitorHandler
	Message       *MessageHandler
	Notification  *NotificationHandler
	Gateway       *GatewayHandler
	Health        *HealthHandler
	TokenResolver *auth.Resolver
	Permissions   *permission.Resolver

	// AuthLimiter, when set, rate-limits the credential endpoints more
	// aggressively than the global limiter.
	AuthLimiter fiber.Handler
}

// RegisterRoutes mounts the full REST surface on the app.
func RegisterRoutes(app *fiber.App, h Handlers) {
	app.Get("/health", h.Health.Check)

	v1 := app.Group("/api/v1")

	// Public: credential exchange and visitor issuance.
	public := v1.Group("")
	if h.AuthLimiter != nil {
		public = v1.Group("", h.AuthLimiter)
	}
	public.Post("/login", h.Auth.Login)
	public.Post("/refresh", h.Auth.Refresh)
	public.Post("/visitors", h.Auth.CreateVisitor)
	public.Post("/visitors/login", h.Auth.VisitorLogin)

	authed := v1.Group("", RequireAuth(h.TokenResolver))

	authed.Get("/gateway", h.Gateway.Upgrade)
	authed.Get("/chats/:visitor_id/messages", h.Message.History)

	staffOnly := authed.Group("", RequireStaff())

	// Guards go first in the handler chain; the business handler never calls
	// c.Next().
	staffOnly.Get("/settings", h.Settings.Get)
	staffOnly.Patch("/settings",
		permission.RequirePermission(h.Permissions, permission.ModifyGlobalSettings),
		h.Settings.Update)

	staffOnly.Get("/staffs", h.Staff.List)
	staffOnly.Put("/staffs/me/emails", h.Staff.SetReceiveEmails)
	manage := permission.RequirePermission(h.Permissions, permission.ManageStaff)
	staffOnly.Post("/staffs", manage, h.Staff.Create)
	staffOnly.Patch("/staffs/:id/role", manage, h.Staff.SetRole)
	staffOnly.Post("/staffs/:id/enable", manage, h.Staff.Enable)
	staffOnly.Post("/staffs/:id/disable", manage, h.Staff.Disable)

	staffOnly.Get("/visitors/unhandled", h.Visitor.ListUnhandled)
	staffOnly.Get("/visitors/bookmarked", h.Visitor.ListBookmarked)
	staffOnly.Get("/visitors/recent", h.Visitor.ListRecent)
	staffOnly.Get("/visitors/flagged",
		permission.RequirePermission(h.Permissions, permission.ViewFlaggedChats),
		h.Visitor.ListFlagged)
	staffOnly.Put("/visitors/:id/bookmark", h.Visitor.SetBookmark)

	staffOnly.Put("/chats/:visitor_id/seen", h.Message.MarkSeen)
	staffOnly.Get("/chats/:visitor_id/seen", h.Message.GetSeen)

	staffOnly.Get("/notifications", h.Notification.List)
	staffOnly.Post("/notifications/read", h.Notification.MarkAllRead)
}
