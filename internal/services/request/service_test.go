package request

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoRequestID(t *testing.T, header string) string {
	t.Helper()

	svc := NewService()
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		first := svc.GetRequestID(c)
		assert.Equal(t, first, svc.GetRequestID(c), "id must be stable within a request")
		return c.SendString(first)
	})

	req := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		req.Header.Set(HeaderRequestID, header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestGetRequestIDUsesHeader(t *testing.T) {
	assert.Equal(t, "client-id", echoRequestID(t, "  client-id  "))
}

func TestGetRequestIDCapsLength(t *testing.T) {
	assert.Len(t, echoRequestID(t, strings.Repeat("x", 300)), maxRequestIDLength)
}

func TestGetRequestIDGenerates(t *testing.T) {
	id := echoRequestID(t, "")
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, echoRequestID(t, ""))
}
