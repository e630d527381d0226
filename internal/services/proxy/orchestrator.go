package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/cache"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/livelog"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/request"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/translator"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// networkErrorCode is recorded for attempts that never got an HTTP response.
const networkErrorCode = 599

// KeyStore is what the orchestrator needs from the credential store.
type KeyStore interface {
	GetNextKey(ctx context.Context, exclude []uint) (*models.Credential, error)
	RecordOutcome(ctx context.Context, o models.Outcome) error
	ApplyTransition(ctx context.Context, o models.Outcome) error
	Settings(ctx context.Context) models.Settings
}

// Recorder receives per-attempt telemetry.
type Recorder interface {
	RecordAttempt(credential, format string, success bool, code int, latency time.Duration)
	RecordTokens(in, out int64)
}

// ActivityLog is the dashboard feed of proxy decisions.
type ActivityLog interface {
	Add(level, format string, args ...any)
}

// Request is one inbound call to proxy. Path has no leading slash.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	RequestID string
}

// Orchestrator runs the attempt loop: pick a credential, call the upstream,
// record the outcome, then either fail over or hand the response back.
type Orchestrator struct {
	store    KeyStore
	clients  *Clients
	baseURL  string
	models   *cache.Loader
	metrics  Recorder
	activity ActivityLog
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache sets the cache used for model listings.
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) {
		o.models = cache.NewLoader(c)
	}
}

// WithMetrics sets the telemetry recorder.
func WithMetrics(r Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

// WithActivityLog sets the dashboard feed.
func WithActivityLog(l ActivityLog) Option {
	return func(o *Orchestrator) {
		o.activity = l
	}
}

// NewOrchestrator creates an orchestrator forwarding to baseURL.
func NewOrchestrator(store KeyStore, baseURL string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		clients: NewClients(),
		baseURL: baseURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.models == nil {
		o.models = cache.NewLoader(cache.NewMemory())
	}
	if o.activity == nil {
		o.activity = livelog.New(livelog.DefaultSize)
	}
	return o
}

// Forward proxies req. The returned error is always a *models.AppError.
// A streaming Result must be passed to Relay, which closes the upstream body.
func (o *Orchestrator) Forward(ctx context.Context, req *Request) (*Result, error) {
	settings := o.store.Settings(ctx)
	format := translator.DetectFormat(req.Path)
	model := translator.ExtractModel(format, req.Path, req.Body)

	if settings.EnableRequestLogging {
		fiberlog.Infof("[%s] %s /%s format=%s model=%s", req.RequestID, req.Method, req.Path, format, model)
	}
	if settings.LogRequestBody && len(req.Body) > 0 {
		fiberlog.Debugf("[%s] Request body: %s", req.RequestID, truncate(req.Body, settings.JSONBufferLimit))
	}
	o.activity.Add(livelog.LevelInfo, "Incoming %s-format request for model: %s", strings.ToUpper(string(format)), model)

	call := &call{
		req:      req,
		settings: settings,
		format:   format,
		model:    model,
	}

	if model == translator.ModelDiscovery && req.Method == http.MethodGet &&
		settings.ModelCacheEnabled && settings.ModelCacheTimeout > 0 {
		return o.forwardCached(ctx, call)
	}

	call.allowStream = settings.StreamingEnabled
	return o.attempts(ctx, call)
}

// call is the per-request state of the attempt loop.
type call struct {
	req         *Request
	settings    models.Settings
	format      translator.Format
	model       string
	allowStream bool
	tried       []uint
}

func (o *Orchestrator) attempts(ctx context.Context, c *call) (*Result, error) {
	client, err := o.clients.For(ClientConfigFrom(c.settings))
	if err != nil {
		return nil, models.NewInternalError("failed to build upstream client", err)
	}

	maxRetries := c.settings.MaxRetries
	timeout := c.settings.RequestTimeoutDuration()
	if c.allowStream && wantsStream(c.req) {
		timeout = c.settings.StreamingTimeoutDuration()
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		cred, err := o.store.GetNextKey(ctx, c.tried)
		if err != nil {
			return nil, models.NewInternalError("failed to select credential", err)
		}
		if cred == nil {
			o.activity.Add(livelog.LevelError, "No healthy keys available!")
			return nil, models.NewNoHealthyKeysError()
		}
		c.tried = append(c.tried, cred.ID)

		if attempt > 0 {
			o.activity.Add(livelog.LevelWarning, "Retry #%d with Key '%s' (%s)", attempt, cred.Name, cred.MaskedKey())
		} else {
			o.activity.Add(livelog.LevelInfo, "Routing to Key '%s' (%s)", cred.Name, cred.MaskedKey())
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := o.now()

		resp, err := o.send(attemptCtx, client, c, cred)
		if err == nil && resp.StatusCode < http.StatusBadRequest && c.allowStream && isStreamed(resp) {
			latency := o.now().Sub(start)
			o.activity.Add(livelog.LevelSuccess, "SUCCESS (%d) from '%s' in %dms, streaming.", resp.StatusCode, cred.Name, latency.Milliseconds())
			return &Result{
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				stream: &pendingStream{
					resp:    resp,
					cancel:  cancel,
					call:    c,
					cred:    cred,
					latency: latency,
				},
			}, nil
		}

		var body []byte
		if err == nil {
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			// An error body that broke off mid-read is still relayed as received.
			if err != nil && resp.StatusCode >= http.StatusBadRequest {
				err = nil
			}
		}
		cancel()
		latency := o.now().Sub(start)

		if err != nil {
			o.activity.Add(livelog.LevelError, "NETWORK ERROR on key '%s'! %v", cred.Name, err)
			o.record(ctx, c, cred, models.Outcome{ErrorCode: networkErrorCode}, latency)
			if attempt < maxRetries {
				o.activity.Add(livelog.LevelWarning, "Network error detected, attempting failover to another key...")
				continue
			}
			return nil, models.NewUpstreamNetworkError(err)
		}

		result := &Result{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}

		if resp.StatusCode < http.StatusBadRequest {
			usage := translator.ExtractTokens(body)
			o.activity.Add(livelog.LevelSuccess, "SUCCESS (%d) from '%s' in %dms.", resp.StatusCode, cred.Name, latency.Milliseconds())
			o.record(ctx, c, cred, models.Outcome{Success: true, TokensIn: usage.TokensIn, TokensOut: usage.TokensOut}, latency)
			if c.settings.LogResponseBody {
				fiberlog.Debugf("[%s] Response body: %s", c.req.RequestID, truncate(body, c.settings.JSONBufferLimit))
			}
			return result, nil
		}

		o.activity.Add(livelog.LevelError, "ERROR (%d) from '%s'.", resp.StatusCode, cred.Name)
		o.record(ctx, c, cred, models.Outcome{ErrorCode: resp.StatusCode}, latency)

		if resp.StatusCode == http.StatusServiceUnavailable && attempt < maxRetries {
			o.activity.Add(livelog.LevelWarning, "503 detected, attempting failover to another key...")
			continue
		}
		return result, nil
	}

	// The last iteration always returns; this only guards a negative max_retries.
	o.activity.Add(livelog.LevelError, "All retry attempts exhausted.")
	return nil, models.NewNoHealthyKeysError()
}

var hopHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (o *Orchestrator) send(ctx context.Context, client *http.Client, c *call, cred *models.Credential) (*http.Response, error) {
	target, err := translator.TargetURL(o.baseURL, c.req.Path, c.req.RawQuery)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, c.req.Method, target, bytes.NewReader(c.req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = translator.BuildHeaders(c.req.Header, c.format, cred.KeyValue)
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	if c.settings.EnableRequestIDInjection && c.req.RequestID != "" {
		httpReq.Header.Set(request.HeaderRequestID, c.req.RequestID)
	}

	return client.Do(httpReq)
}

// record stores the outcome of one attempt. With metrics collection off only
// the status transition is applied.
func (o *Orchestrator) record(ctx context.Context, c *call, cred *models.Credential, out models.Outcome, latency time.Duration) {
	ctx = context.WithoutCancel(ctx)
	out.KeyID = cred.ID
	out.Model = c.model
	out.LatencyMs = latency.Milliseconds()

	if c.settings.EnablePerformanceLogging {
		fiberlog.Infof("[%s] Key %d answered in %dms (code=%d)", c.req.RequestID, cred.ID, out.LatencyMs, out.ErrorCode)
	}

	var err error
	if c.settings.EnableMetricsCollection {
		err = o.store.RecordOutcome(ctx, out)
		if o.metrics != nil {
			o.metrics.RecordAttempt(cred.Name, string(c.format), out.Success, out.ErrorCode, latency)
			if out.Success {
				o.metrics.RecordTokens(out.TokensIn, out.TokensOut)
			}
		}
	} else {
		err = o.store.ApplyTransition(ctx, out)
	}
	if err != nil {
		fiberlog.Errorf("[%s] Failed to record outcome for key %d: %v", c.req.RequestID, cred.ID, err)
	}
}

// wantsStream guesses from the request whether the upstream will stream, to
// pick the longer attempt deadline.
func wantsStream(req *Request) bool {
	if strings.Contains(req.Path, ":streamGenerateContent") || strings.Contains(req.RawQuery, "alt=sse") {
		return true
	}
	if len(req.Body) == 0 {
		return false
	}
	var body struct {
		Stream bool `json:"stream"`
	}
	return json.Unmarshal(req.Body, &body) == nil && body.Stream
}

// isStreamed reports whether the upstream body is chunked or an event stream.
// A body the transport decompressed has no known length either, so only the
// wire framing counts there.
func isStreamed(resp *http.Response) bool {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return true
	}
	if slices.Contains(resp.TransferEncoding, "chunked") {
		return true
	}
	return resp.ContentLength < 0 && !resp.Uncompressed
}

func truncate(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
