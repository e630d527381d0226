package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource reports how many credentials are in each status.
type HealthSource interface {
	HealthCounts(ctx context.Context) (map[string]int64, error)
}

// Metrics holds the proxy's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
}

// New registers the collectors. health may be nil.
func New(health HealthSource) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		upstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aimw_upstream_requests_total",
				Help: "Upstream attempts by credential and outcome",
			},
			[]string{"credential", "outcome"},
		),

		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aimw_upstream_errors_total",
				Help: "Failed upstream attempts by credential and status code",
			},
			[]string{"credential", "code"},
		),

		upstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aimw_upstream_latency_seconds",
				Help:    "Latency of upstream attempts in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"format"},
		),

		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aimw_tokens_total",
				Help: "Tokens reported by successful upstream responses",
			},
			[]string{"direction"},
		),
	}

	if health != nil {
		reg.MustRegister(&credentialCollector{
			source: health,
			desc: prometheus.NewDesc(
				"aimw_credentials",
				"Credentials in the pool by status",
				[]string{"status"}, nil,
			),
		})
	}

	return m
}

// RecordAttempt records one finished upstream attempt. code is 0 on success.
func (m *Metrics) RecordAttempt(credential, format string, success bool, code int, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
		if code != 0 {
			m.upstreamErrors.WithLabelValues(credential, strconv.Itoa(code)).Inc()
		}
	}
	m.upstreamRequests.WithLabelValues(credential, outcome).Inc()
	m.upstreamLatency.WithLabelValues(format).Observe(latency.Seconds())
}

// RecordTokens adds token usage.
func (m *Metrics) RecordTokens(in, out int64) {
	if in > 0 {
		m.tokens.WithLabelValues("in").Add(float64(in))
	}
	if out > 0 {
		m.tokens.WithLabelValues("out").Add(float64(out))
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// credentialCollector reads the status counts from the store on each scrape.
type credentialCollector struct {
	source HealthSource
	desc   *prometheus.Desc
}

func (c *credentialCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *credentialCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := c.source.HealthCounts(ctx)
	if err != nil {
		fiberlog.Warnf("Metrics: failed to read credential health: %v", err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
