package api

import (
	"errors"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/services/middleware"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

const (
	loginAttemptsPerWindow = 10
	loginWindow            = time.Minute
)

// AuthHandler issues and clears dashboard sessions.
type AuthHandler struct {
	sessions *middleware.SessionMiddleware
	secure   bool
}

func NewAuthHandler(sessions *middleware.SessionMiddleware, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		secure:   secureCookies,
	}
}

type loginRequest struct {
	Password string `json:"password" form:"password"`
}

// RegisterRoutes mounts login and logout. Login is rate limited per client IP.
func (h *AuthHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/login", limiter.New(limiter.Config{
		Max:        loginAttemptsPerWindow,
		Expiration: loginWindow,
		LimitReached: func(c *fiber.Ctx) error {
			return failure(c, fiber.StatusTooManyRequests, "Too many login attempts, try again later.")
		},
	}), h.Login)
	router.Post("/logout", h.Logout)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return failure(c, fiber.StatusBadRequest, "Invalid request body")
	}

	token, expires, err := h.sessions.Login(req.Password)
	if errors.Is(err, middleware.ErrInvalidPassword) {
		fiberlog.Warnf("Failed login from %s", c.IP())
		return failure(c, fiber.StatusUnauthorized, "Invalid password.")
	}
	if err != nil {
		return internalError(c, "failed to create session", err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   h.secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(fiber.Map{"success": true})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(fiber.Map{"success": true})
}
