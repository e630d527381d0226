package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, password string) *SessionMiddleware {
	t.Helper()
	m, err := NewSessionMiddleware(models.AuthConfig{Password: password, SessionSecret: "test-secret", SessionTTL: time.Hour})
	require.NoError(t, err)
	return m
}

func gatedApp(m *SessionMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/private", m.RequireSession(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	m := newGate(t, "hunter2")
	_, _, err := m.Login("nope")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestSessionRoundTrip(t *testing.T) {
	m := newGate(t, "hunter2")
	token, expires, err := m.Login("hunter2")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
	assert.NoError(t, m.Verify(token))

	other := newGate(t, "hunter2")
	other.secret = []byte("different")
	assert.Error(t, other.Verify(token))
}

func TestSessionExpires(t *testing.T) {
	m := newGate(t, "hunter2")
	token, _, err := m.Login("hunter2")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Error(t, m.Verify(token))
}

func TestRequireSession(t *testing.T) {
	m := newGate(t, "hunter2")
	app := gatedApp(m)

	resp, err := app.Test(httptest.NewRequest("GET", "/private", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Cookie", m.CookieName()+"=garbage")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, _, err := m.Login("hunter2")
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Cookie", m.CookieName()+"="+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireSessionOpenWithoutPassword(t *testing.T) {
	m := newGate(t, "")
	assert.False(t, m.Enabled())

	resp, err := gatedApp(m).Test(httptest.NewRequest("GET", "/private", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
