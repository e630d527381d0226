package api

import (
	"errors"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"

	"github.com/gofiber/fiber/v2"
)

type SettingsHandler struct {
	store *keystore.Store
}

func NewSettingsHandler(store *keystore.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func (h *SettingsHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/settings", h.GetSettings)
	router.Post("/settings", h.UpdateSettings)
}

func (h *SettingsHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.store.AllSettings(c.UserContext())
	if err != nil {
		return internalError(c, "failed to load settings", err)
	}
	return c.JSON(settings)
}

// UpdateSettings validates the whole payload before anything is stored.
func (h *SettingsHandler) UpdateSettings(c *fiber.Ctx) error {
	var values map[string]any
	if err := c.BodyParser(&values); err != nil || len(values) == 0 {
		return failure(c, fiber.StatusBadRequest, "Invalid settings payload")
	}

	if err := h.store.UpdateMany(c.UserContext(), values); err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Type == models.ErrorTypeValidation {
			return failure(c, appErr.GetStatusCode(), appErr.Message)
		}
		return internalError(c, "failed to update settings", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": keystore.MsgSettingsUpdated,
	})
}
