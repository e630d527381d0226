package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth map[string]int64

func (f fakeHealth) HealthCounts(context.Context) (map[string]int64, error) {
	return f, nil
}

func TestRecordAttempt(t *testing.T) {
	m := New(nil)

	m.RecordAttempt("primary", "gemini", true, 0, 120*time.Millisecond)
	m.RecordAttempt("primary", "gemini", false, 503, time.Second)
	m.RecordAttempt("backup", "openai", false, 599, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("primary", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("primary", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("primary", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("backup", "599")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.upstreamLatency))
}

func TestRecordTokens(t *testing.T) {
	m := New(nil)

	m.RecordTokens(10, 0)
	m.RecordTokens(5, 7)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.tokens.WithLabelValues("in")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tokens.WithLabelValues("out")))
}

func TestCredentialGauge(t *testing.T) {
	m := New(fakeHealth{"Healthy": 3, "Resting": 1, "Disabled": 0})

	expected := `
# HELP aimw_credentials Credentials in the pool by status
# TYPE aimw_credentials gauge
aimw_credentials{status="Disabled"} 0
aimw_credentials{status="Healthy"} 3
aimw_credentials{status="Resting"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "aimw_credentials"))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(nil)
	m.RecordAttempt("primary", "gemini", true, 0, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `aimw_upstream_requests_total{credential="primary",outcome="success"} 1`)
}
