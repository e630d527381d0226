package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultCookieName = "aimw_session"
	sessionSubject    = "admin"
	sessionIssuer     = "ai-api-middleware"
)

// ErrInvalidPassword is returned by Login for a wrong password.
var ErrInvalidPassword = errors.New("invalid password")

// SessionMiddleware gates the admin API behind a shared-secret login. The
// session is an HS256 token kept in an HttpOnly cookie.
type SessionMiddleware struct {
	password   string
	secret     []byte
	ttl        time.Duration
	cookieName string
	now        func() time.Time
}

// NewSessionMiddleware builds the gate from cfg. Without a session secret a
// random one is generated, so sessions do not survive a restart.
func NewSessionMiddleware(cfg models.AuthConfig) (*SessionMiddleware, error) {
	m := &SessionMiddleware{
		password:   cfg.Password,
		secret:     []byte(cfg.SessionSecret),
		ttl:        cfg.SessionTTL,
		cookieName: cfg.CookieName,
		now:        time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = defaultSessionTTL
	}
	if m.cookieName == "" {
		m.cookieName = defaultCookieName
	}
	if len(m.secret) == 0 {
		m.secret = make([]byte, 32)
		if _, err := rand.Read(m.secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	if !cfg.Enabled() {
		fiberlog.Warn("Admin password is empty, the dashboard API is open")
	}
	return m, nil
}

// Enabled reports whether a login is required.
func (m *SessionMiddleware) Enabled() bool {
	return m.password != ""
}

// CookieName is the name of the session cookie.
func (m *SessionMiddleware) CookieName() string {
	return m.cookieName
}

// Login checks password and issues a signed session token.
func (m *SessionMiddleware) Login(password string) (string, time.Time, error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(m.password)) != 1 {
		return "", time.Time{}, ErrInvalidPassword
	}

	now := m.now()
	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		Issuer:    sessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}
	return token, expires, nil
}

// Verify validates a session token.
func (m *SessionMiddleware) Verify(token string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithSubject(sessionSubject),
		jwt.WithTimeFunc(m.now),
	)
	return err
}

// RequireSession rejects requests without a valid session cookie.
func (m *SessionMiddleware) RequireSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		token := c.Cookies(m.cookieName)
		if token == "" {
			return unauthorized(c, models.NewAuthenticationError("Authentication required"))
		}
		if err := m.Verify(token); err != nil {
			fiberlog.Debugf("Rejected session: %v", err)
			return unauthorized(c, models.NewAuthenticationError("Invalid or expired session"))
		}
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, err *models.AppError) error {
	return c.Status(err.GetStatusCode()).JSON(fiber.Map{
		"error": err.Message,
	})
}
