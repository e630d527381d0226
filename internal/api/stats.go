package api

import (
	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/livelog"

	"github.com/gofiber/fiber/v2"
)

// StatsHandler serves the dashboard aggregates and the live activity feed.
type StatsHandler struct {
	store    *keystore.Store
	activity *livelog.Log
}

func NewStatsHandler(store *keystore.Store, activity *livelog.Log) *StatsHandler {
	return &StatsHandler{
		store:    store,
		activity: activity,
	}
}

func (h *StatsHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/global-stats", h.GlobalStats)
	router.Get("/logs", h.Logs)
}

func (h *StatsHandler) GlobalStats(c *fiber.Ctx) error {
	stats, err := h.store.GlobalStats(c.UserContext(), c.QueryInt("days", 7))
	if err != nil {
		return internalError(c, "failed to load global stats", err)
	}
	return c.JSON(stats)
}

// Logs returns the live feed, oldest entry first.
func (h *StatsHandler) Logs(c *fiber.Ctx) error {
	return c.JSON(h.activity.Entries())
}
