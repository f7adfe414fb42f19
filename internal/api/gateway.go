package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/beaconchat/beacon-server/internal/gateway"
	"github.com/beaconchat/beacon-server/internal/httputil"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// GatewayHandler upgrades authenticated requests into realtime sessions.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a gateway upgrade handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /api/v1/gateway. RequireAuth runs first, so the identity
// is resolved before the protocol switch; the hub owns the connection from
// there.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.FailErr(c, fiber.StatusUpgradeRequired, wire.ValidationError("upgrade"))
	}

	identity, ok := identityFrom(c)
	if !ok {
		return httputil.FailErr(c, fiber.StatusUnauthorized, wire.ErrUnauthorized)
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, identity)
	})(c)
}
