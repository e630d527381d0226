package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/cache"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/stream/contracts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	creds       []models.Credential
	settings    models.Settings
	picks       int
	outcomes    []models.Outcome
	transitions []models.Outcome
}

func newFakeStore(secrets ...string) *fakeStore {
	s := &fakeStore{settings: models.DefaultSettings()}
	s.settings.RetryTotal = 0
	for i, secret := range secrets {
		s.creds = append(s.creds, models.Credential{ID: uint(i + 1), Name: fmt.Sprintf("key-%d", i+1), KeyValue: secret, Status: models.StatusHealthy})
	}
	return s
}

func (s *fakeStore) GetNextKey(_ context.Context, exclude []uint) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.picks++
	for _, c := range s.creds {
		if !slices.Contains(exclude, c.ID) {
			cred := c
			return &cred, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RecordOutcome(_ context.Context, o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *fakeStore) ApplyTransition(_ context.Context, o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, o)
	return nil
}

func (s *fakeStore) Settings(context.Context) models.Settings {
	return s.settings
}

type fakeRecorder struct {
	attempts  int
	tokensIn  int64
	tokensOut int64
}

func (r *fakeRecorder) RecordAttempt(string, string, bool, int, time.Duration) { r.attempts++ }

func (r *fakeRecorder) RecordTokens(in, out int64) {
	r.tokensIn += in
	r.tokensOut += out
}

type bufferWriter struct {
	bytes.Buffer
	closed bool
}

func (w *bufferWriter) Write(p []byte) error {
	_, err := w.Buffer.Write(p)
	return err
}

func (w *bufferWriter) Flush() error { return nil }

func (w *bufferWriter) Close() error {
	w.closed = true
	return nil
}

const generatePath = "v1beta/models/gemini-pro:generateContent"

var usageBody = `{"candidates":[],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":30}}`

func TestForwardFailsOverOn503(t *testing.T) {
	var mu sync.Mutex
	var seenIDs []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenIDs = append(seenIDs, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		if r.Header.Get("X-Goog-Api-Key") == "AIzaSy-first-secret" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(usageBody))
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret", "AIzaSy-second-secret")
	rec := &fakeRecorder{}
	o := NewOrchestrator(store, upstream.URL, WithMetrics(rec))

	res, err := o.Forward(context.Background(), &Request{
		Method:    http.MethodPost,
		Path:      generatePath,
		Header:    http.Header{"Content-Type": {"application/json"}},
		Body:      []byte(`{"contents":[]}`),
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, usageBody, string(res.Body))
	assert.False(t, res.Streaming())

	require.Len(t, store.outcomes, 2)
	assert.Equal(t, models.Outcome{KeyID: 1, Model: "gemini-pro", ErrorCode: 503, LatencyMs: store.outcomes[0].LatencyMs}, store.outcomes[0])
	assert.True(t, store.outcomes[1].Success)
	assert.Equal(t, uint(2), store.outcomes[1].KeyID)
	assert.Equal(t, int64(12), store.outcomes[1].TokensIn)
	assert.Equal(t, int64(30), store.outcomes[1].TokensOut)
	mu.Lock()
	assert.Equal(t, []string{"req-1", "req-1"}, seenIDs)
	mu.Unlock()
	assert.Equal(t, 2, rec.attempts)
	assert.Equal(t, int64(12), rec.tokensIn)
}

func TestForwardRelaysErrorWhenRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret", "AIzaSy-second-secret")
	store.settings.MaxRetries = 0
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, `{"error":"overloaded"}`, string(res.Body))
	assert.Equal(t, "application/json", res.ContentType)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, store.outcomes, 1)
}

func TestForwardDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret", "AIzaSy-second-secret")
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, store.outcomes, 1)
	assert.Equal(t, 429, store.outcomes[0].ErrorCode)
}

func TestForwardWithoutKeys(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	o := NewOrchestrator(newFakeStore(), upstream.URL)

	_, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath})
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusServiceUnavailable, appErr.GetStatusCode())
	assert.Equal(t, models.MsgNoHealthyKeys, appErr.Message)
	assert.Zero(t, calls.Load())
}

func TestForwardNetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base := upstream.URL
	upstream.Close()

	store := newFakeStore("AIzaSy-first-secret", "AIzaSy-second-secret", "AIzaSy-third-secret")
	store.settings.MaxRetries = 1
	o := NewOrchestrator(store, base)

	_, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath})
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusBadGateway, appErr.GetStatusCode())
	assert.Equal(t, models.MsgNetworkError, appErr.Message)

	require.Len(t, store.outcomes, 2)
	for _, out := range store.outcomes {
		assert.Equal(t, networkErrorCode, out.ErrorCode)
	}
	assert.Equal(t, uint(1), store.outcomes[0].KeyID)
	assert.Equal(t, uint(2), store.outcomes[1].KeyID)
}

func TestForwardCachesModelListing(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-pro"}]}`))
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	o := NewOrchestrator(store, upstream.URL, WithCache(cache.NewMemory()))
	req := &Request{Method: http.MethodGet, Path: "v1beta/models"}

	first, err := o.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := o.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, "application/json", second.ContentType)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, store.picks)
}

func TestForwardDoesNotCacheFailedListing(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	o := NewOrchestrator(newFakeStore("AIzaSy-first-secret"), upstream.URL)
	req := &Request{Method: http.MethodGet, Path: "v1beta/models"}

	for range 2 {
		res, err := o.Forward(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestForwardWithMetricsDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	store.settings.EnableMetricsCollection = false
	rec := &fakeRecorder{}
	o := NewOrchestrator(store, upstream.URL, WithMetrics(rec))

	_, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath})
	require.NoError(t, err)
	assert.Empty(t, store.outcomes)
	assert.Len(t, store.transitions, 1)
	assert.Zero(t, rec.attempts)
}

func TestForwardOmitsRequestIDWhenDisabled(t *testing.T) {
	var seen atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	store.settings.EnableRequestIDInjection = false
	o := NewOrchestrator(store, upstream.URL)

	_, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: generatePath, RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load())
}

func TestForwardStreamsEventStream(t *testing.T) {
	chunks := []string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n",
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}` + "\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-stream-secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			_, _ = w.Write([]byte(chunk))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	store := newFakeStore("sk-stream-secret")
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "v1beta/openai/chat/completions",
		Body:   []byte(`{"model":"gemini-2.0-flash","stream":true}`),
	})
	require.NoError(t, err)
	require.True(t, res.Streaming())
	assert.Empty(t, store.outcomes, "streamed attempts are recorded after the relay")

	w := &bufferWriter{}
	require.NoError(t, o.Relay(res, w))
	assert.Equal(t, chunks[0]+chunks[1]+chunks[2], w.String())
	assert.True(t, w.closed)

	require.Len(t, store.outcomes, 1)
	out := store.outcomes[0]
	assert.True(t, out.Success)
	assert.Equal(t, "gemini-2.0-flash", out.Model)
	assert.Equal(t, int64(5), out.TokensIn)
	assert.Equal(t, int64(7), out.TokensOut)
}

func TestForwardBuffersStreamWhenStreamingDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	store.settings.StreamingEnabled = false
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: "v1beta/models/gemini-pro:streamGenerateContent"})
	require.NoError(t, err)
	assert.False(t, res.Streaming())
	assert.Equal(t, "data: {}\n\n", string(res.Body))
	assert.Len(t, store.outcomes, 1)
}

func TestForwardBuffersGzipBodyWithKnownLength(t *testing.T) {
	padding := strings.Repeat("lorem ipsum ", 400)
	payload := `{"candidates":[{"content":{"parts":[{"text":"` + padding + `"}]}}],` +
		`"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":30}}`
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(gz.Len()))
		_, _ = w.Write(gz.Bytes())
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	require.True(t, store.settings.StreamingEnabled)
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   generatePath,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	assert.False(t, res.Streaming())
	assert.Equal(t, payload, string(res.Body))

	require.Len(t, store.outcomes, 1)
	assert.True(t, store.outcomes[0].Success)
	assert.Equal(t, int64(12), store.outcomes[0].TokensIn)
	assert.Equal(t, int64(30), store.outcomes[0].TokensOut)
}

func TestIsStreamed(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"event stream", &http.Response{Header: http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}}, ContentLength: 42}, true},
		{"chunked", &http.Response{Header: http.Header{}, TransferEncoding: []string{"chunked"}, ContentLength: -1}, true},
		{"unknown length", &http.Response{Header: http.Header{}, ContentLength: -1}, true},
		{"known length", &http.Response{Header: http.Header{"Content-Type": {"application/json"}}, ContentLength: 42}, false},
		{"decompressed", &http.Response{Header: http.Header{"Content-Type": {"application/json"}}, ContentLength: -1, Uncompressed: true}, false},
		{"decompressed chunked", &http.Response{Header: http.Header{}, TransferEncoding: []string{"chunked"}, ContentLength: -1, Uncompressed: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isStreamed(tt.resp))
		})
	}
}

type closeTracker struct {
	io.ReadCloser
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.ReadCloser.Close()
}

type disconnectedWriter struct{ bufferWriter }

func (w *disconnectedWriter) Write([]byte) error {
	return contracts.NewClientDisconnectError("req-gone")
}

func TestRelayClosesUpstreamWhenClientLeaves(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	store := newFakeStore("AIzaSy-first-secret")
	o := NewOrchestrator(store, upstream.URL)

	res, err := o.Forward(context.Background(), &Request{Method: http.MethodPost, Path: "v1beta/models/gemini-pro:streamGenerateContent"})
	require.NoError(t, err)
	require.True(t, res.Streaming())

	body := &closeTracker{ReadCloser: res.stream.resp.Body}
	res.stream.resp.Body = body

	w := &disconnectedWriter{}
	require.NoError(t, o.Relay(res, w))
	assert.True(t, body.closed.Load())
	assert.True(t, w.closed)
	assert.False(t, res.Streaming())
	assert.Len(t, store.outcomes, 1)
}

func TestRelayRejectsBufferedResult(t *testing.T) {
	o := NewOrchestrator(newFakeStore(), "http://127.0.0.1:1")
	assert.Error(t, o.Relay(&Result{StatusCode: 200}, &bufferWriter{}))
}
