package api

import (
	"context"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	store       *keystore.Store
	redisClient *redis.Client
}

// NewHealthHandler creates a new health check handler. redisClient may be nil.
func NewHealthHandler(store *keystore.Store, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{
		store:       store,
		redisClient: redisClient,
	}
}

// HealthCheck returns the health status of the service and its dependencies
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	databaseStatus := h.checkDatabase(ctx)
	redisStatus := h.checkRedis(ctx)

	overallStatus := "healthy"
	statusCode := fiber.StatusOK

	if databaseStatus != "healthy" || redisStatus == "unhealthy" {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	checks := fiber.Map{
		"database": databaseStatus,
		"redis":    redisStatus,
	}
	response := fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}

	if databaseStatus == "healthy" {
		if counts, err := h.store.HealthCounts(ctx); err == nil {
			response["keys"] = counts
		}
	}

	return c.Status(statusCode).JSON(response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) string {
	if err := h.store.Ping(ctx); err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// checkRedis verifies Redis connectivity
func (h *HealthHandler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "disabled"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		return "unhealthy"
	}
	return "healthy"
}
