package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/keystore"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// KeyHandler serves credential administration.
type KeyHandler struct {
	store *keystore.Store
}

func NewKeyHandler(store *keystore.Store) *KeyHandler {
	return &KeyHandler{store: store}
}

// RegisterRoutes mounts the handler on router. Static paths go first so they
// are not captured by :id.
func (h *KeyHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/keys", h.ListKeys)
	router.Get("/keys/export", h.ExportKeys)
	router.Post("/keys/import", h.ImportKeys)
	router.Post("/keys/bulk-action", h.BulkAction)
	router.Post("/keys", h.AddKey)
	router.Get("/keys/:id", h.GetKey)
	router.Get("/keys/:id/stats", h.KeyStats)
	router.Put("/keys/:id", h.UpdateKey)
	router.Delete("/keys/:id", h.DeleteKey)
}

func (h *KeyHandler) ListKeys(c *fiber.Ctx) error {
	keys, err := h.store.ListWithPerformanceIndex(c.UserContext())
	if err != nil {
		return internalError(c, "failed to list keys", err)
	}
	return c.JSON(keys)
}

func (h *KeyHandler) GetKey(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	key, err := h.store.GetCredential(c.UserContext(), id)
	if errors.Is(err, keystore.ErrNotFound) {
		notFound := models.NewNotFoundError(err.Error())
		return c.Status(notFound.GetStatusCode()).JSON(fiber.Map{
			"error": notFound.Message,
		})
	}
	if err != nil {
		return internalError(c, "failed to get key", err)
	}
	return c.JSON(key)
}

func (h *KeyHandler) KeyStats(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	stats, err := h.store.DailyStats(c.UserContext(), id, c.QueryInt("days", 30))
	if err != nil {
		return internalError(c, "failed to load key stats", err)
	}
	return c.JSON(stats)
}

func (h *KeyHandler) AddKey(c *fiber.Ctx) error {
	var req models.CredentialCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return failure(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if _, err := h.store.AddCredential(c.UserContext(), req); err != nil {
		return h.storeFailure(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": keystore.MsgKeyAdded,
	})
}

func (h *KeyHandler) UpdateKey(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	var req models.CredentialUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return failure(c, fiber.StatusBadRequest, keystore.ErrNoValidData.Error())
	}

	if err := h.store.UpdateCredential(c.UserContext(), id, req); err != nil {
		return h.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": keystore.MsgKeyUpdated,
	})
}

func (h *KeyHandler) DeleteKey(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return invalidID(c)
	}

	deleted, err := h.store.RemoveCredential(c.UserContext(), id)
	if err != nil {
		return internalError(c, "failed to delete key", err)
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *KeyHandler) BulkAction(c *fiber.Ctx) error {
	var req models.BulkActionRequest
	if err := c.BodyParser(&req); err != nil {
		return failure(c, fiber.StatusBadRequest, keystore.ErrInvalidBulk.Error())
	}

	message, err := h.store.BulkSetStatus(c.UserContext(), req.KeyIDs, req.Status)
	if err != nil {
		return h.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

func (h *KeyHandler) ExportKeys(c *fiber.Ctx) error {
	keys, err := h.store.ExportAll(c.UserContext())
	if err != nil {
		return internalError(c, "failed to export keys", err)
	}
	return c.JSON(keys)
}

func (h *KeyHandler) ImportKeys(c *fiber.Ctx) error {
	var entries []models.ExportedCredential
	if err := json.Unmarshal(c.Body(), &entries); err != nil || entries == nil {
		return failure(c, fiber.StatusBadRequest, "Invalid data format: expected a list of keys.")
	}

	imported, skipped, err := h.store.ImportMany(c.UserContext(), entries)
	if err != nil {
		return internalError(c, "failed to import keys", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("%s Imported %d, skipped %d.", keystore.MsgImportComplete, imported, skipped),
	})
}

// storeFailure maps keystore sentinels onto the admin response shape.
func (h *KeyHandler) storeFailure(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return failure(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, keystore.ErrInvalidKey),
		errors.Is(err, keystore.ErrKeyExists),
		errors.Is(err, keystore.ErrNoValidData),
		errors.Is(err, keystore.ErrUpdateFailed),
		errors.Is(err, keystore.ErrInvalidBulk):
		return failure(c, fiber.StatusBadRequest, err.Error())
	}
	return internalError(c, "key operation failed", err)
}

func parseID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func invalidID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid key ID",
	})
}

func failure(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

func internalError(c *fiber.Ctx, message string, err error) error {
	fiberlog.Errorf("%s: %v", message, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": message,
	})
}
