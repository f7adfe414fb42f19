package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/beaconchat/beacon-server/internal/httputil"
)

// HealthHandler reports liveness of the server and its backing stores.
type HealthHandler struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Check handles GET /health. A degraded backing store turns the response into
// a 503 so load balancers can rotate the instance out.
func (h *HealthHandler) Check(c fiber.Ctx) error {
	status := fiber.StatusOK
	report := fiber.Map{"postgres": "ok", "valkey": "ok"}

	if err := h.db.Ping(c); err != nil {
		report["postgres"] = "unreachable"
		status = fiber.StatusServiceUnavailable
	}
	if err := h.rdb.Ping(c).Err(); err != nil {
		report["valkey"] = "unreachable"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, report)
}
