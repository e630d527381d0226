package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/contracts"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/handlers"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/processors"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/translator"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Result is what goes back to the caller: either a buffered body or an open
// upstream stream.
type Result struct {
	StatusCode  int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	CacheHit    bool   `json:"-"`

	stream *pendingStream
}

type pendingStream struct {
	resp    *http.Response
	cancel  context.CancelFunc
	call    *call
	cred    *models.Credential
	latency time.Duration
}

// Streaming reports whether the body still has to be relayed.
func (r *Result) Streaming() bool {
	return r.stream != nil
}

// Relay copies a streaming result to w, then records the attempt with the
// tokens found in the head of the stream. A client disconnect or a truncated
// upstream is not an error for the caller.
func (o *Orchestrator) Relay(res *Result, w contracts.StreamWriter) error {
	ps := res.stream
	if ps == nil {
		return fmt.Errorf("result is not streaming")
	}
	res.stream = nil
	defer ps.cancel()

	c := ps.call
	head := processors.NewHeadCapture(c.settings.JSONBufferLimit)
	defer head.Release()

	relay := handlers.NewRelay(ps.resp.Body, head, c.req.RequestID,
		c.settings.ReadBufferSize(len(c.req.Body)),
		handlers.RetryPolicy{MaxRetries: c.settings.MaxStreamRetries, Backoff: c.settings.ChunkRetryBackoff})

	// The attempt context carries the streaming deadline.
	err := relay.Handle(ps.resp.Request.Context(), w)

	usage := translator.ExtractTokens(head.Bytes())
	o.record(context.Background(), c, ps.cred,
		models.Outcome{Success: true, TokensIn: usage.TokensIn, TokensOut: usage.TokensOut}, ps.latency)
	if c.settings.LogResponseBody {
		fiberlog.Debugf("[%s] Response head: %s", c.req.RequestID, truncate(head.Bytes(), c.settings.JSONBufferLimit))
	}

	if err != nil && !contracts.IsExpectedError(err) {
		return err
	}
	if err != nil {
		fiberlog.Debugf("[%s] Stream ended: %v", c.req.RequestID, err)
	}
	return nil
}

// forwardCached serves model listings through the cache. Only 200 responses
// are stored and a hit consumes no credential.
func (o *Orchestrator) forwardCached(ctx context.Context, c *call) (*Result, error) {
	key := "models:" + c.req.Path + "?" + c.req.RawQuery
	ttl := time.Duration(c.settings.ModelCacheTimeout) * time.Second

	raw, hit, err := o.models.GetOrLoad(ctx, key, ttl, func(ctx context.Context) ([]byte, bool, error) {
		res, err := o.attempts(ctx, c)
		if err != nil {
			return nil, false, err
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, false, models.NewInternalError("failed to encode model listing", err)
		}
		return data, res.StatusCode == http.StatusOK, nil
	})
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, models.NewInternalError("failed to decode model listing", err)
	}
	res.CacheHit = hit
	if hit {
		fiberlog.Debugf("[%s] Model listing served from cache", c.req.RequestID)
	}
	return &res, nil
}
