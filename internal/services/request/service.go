package request

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"

	// requestIDLocalKey is the shared key for storing request ID in fiber locals
	requestIDLocalKey = "request_id"
	// maxRequestIDLength is the maximum allowed length for request IDs
	maxRequestIDLength = 256
)

// Service resolves request ids for inbound requests.
type Service struct{}

// NewService creates a request id service
func NewService() *Service {
	return &Service{}
}

// sanitizeRequestID trims and caps the length of a client supplied id
func (s *Service) sanitizeRequestID(reqID string) string {
	sanitized := strings.TrimSpace(reqID)
	if len(sanitized) > maxRequestIDLength {
		sanitized = sanitized[:maxRequestIDLength]
	}
	return sanitized
}

// GetRequestID returns the id cached in locals, the client's X-Request-ID, or
// a freshly generated one, in that order.
func (s *Service) GetRequestID(c *fiber.Ctx) string {
	if cachedID, ok := c.Locals(requestIDLocalKey).(string); ok && cachedID != "" {
		return cachedID
	}

	requestID := s.sanitizeRequestID(c.Get(HeaderRequestID))
	if requestID == "" {
		requestID = s.GenerateRequestID()
	}

	c.Locals(requestIDLocalKey, requestID)
	return requestID
}

// GenerateRequestID creates a short random id
func (s *Service) GenerateRequestID() string {
	return uuid.New().String()[:8]
}

// SetRequestID stores requestID in the context locals
func (s *Service) SetRequestID(c *fiber.Ctx, requestID string) {
	c.Locals(requestIDLocalKey, requestID)
}
