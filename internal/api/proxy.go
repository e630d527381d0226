package api

import (
	"bufio"
	"net/http"
	"strings"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/proxy"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/request"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/writers"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// ProxyHandler forwards client calls to the upstream through the orchestrator.
type ProxyHandler struct {
	orchestrator *proxy.Orchestrator
	settings     proxy.KeyStore
	requestSvc   *request.Service
}

func NewProxyHandler(orchestrator *proxy.Orchestrator, settings proxy.KeyStore) *ProxyHandler {
	return &ProxyHandler{
		orchestrator: orchestrator,
		settings:     settings,
		requestSvc:   request.NewService(),
	}
}

// RegisterRoutes mounts the native model routes and the catch-all. It must run
// after every other route is registered.
func (h *ProxyHandler) RegisterRoutes(app fiber.Router) {
	for _, prefix := range []string{"/v1beta", "/v1"} {
		group := app.Group(prefix)
		group.Get("/models", h.Native)
		group.Post(`/models/:model\:generateContent`, h.Native)
		group.Post(`/models/:model\:streamGenerateContent`, h.Native)
		group.Post(`/models/:model\:countTokens`, h.Native)
	}
	app.All("/*", h.Proxy)
}

// Native serves the model endpoints. The /v1 forms are forwarded as v1beta.
func (h *ProxyHandler) Native(c *fiber.Ctx) error {
	path := strings.TrimPrefix(c.Path(), "/")
	if rest, ok := strings.CutPrefix(path, "v1/"); ok {
		path = "v1beta/" + rest
	}
	return h.forward(c, path)
}

// Proxy forwards any path verbatim.
func (h *ProxyHandler) Proxy(c *fiber.Ctx) error {
	return h.forward(c, strings.TrimPrefix(c.Path(), "/"))
}

func (h *ProxyHandler) forward(c *fiber.Ctx, path string) error {
	// fiber strings alias the request buffer; the relay may outlive the handler.
	requestID := strings.Clone(h.requestSvc.GetRequestID(c))
	settings := h.settings.Settings(c.UserContext())
	if settings.EnableRequestIDInjection {
		c.Set(request.HeaderRequestID, requestID)
	}

	req := &proxy.Request{
		Method:    c.Method(),
		Path:      strings.Clone(path),
		RawQuery:  string(c.Request().URI().QueryString()),
		Header:    inboundHeaders(c),
		Body:      append([]byte(nil), c.Body()...),
		RequestID: requestID,
	}

	res, err := h.orchestrator.Forward(c.UserContext(), req)
	if err != nil {
		appErr := models.SanitizeError(err)
		return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{
			"error": appErr.Message,
		})
	}

	c.Status(res.StatusCode)
	if res.ContentType != "" {
		c.Set(fiber.HeaderContentType, res.ContentType)
	}
	if !res.Streaming() {
		return c.Send(res.Body)
	}

	c.Set(fiber.HeaderCacheControl, "no-cache")
	fasthttpCtx := c.Context()
	fasthttpCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		writer := writers.NewHTTPStreamWriter(w, writers.NewFastHTTPConnectionState(fasthttpCtx), requestID)
		if err := h.orchestrator.Relay(res, writer); err != nil {
			fiberlog.Errorf("[%s] Stream relay failed: %v", requestID, err)
		}
	})
	return nil
}

func inboundHeaders(c *fiber.Ctx) http.Header {
	raw := c.GetReqHeaders()
	header := make(http.Header, len(raw))
	for k, v := range raw {
		values := make([]string, len(v))
		for i := range v {
			values[i] = strings.Clone(v[i])
		}
		header[http.CanonicalHeaderKey(k)] = values
	}
	return header
}
