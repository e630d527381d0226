package proxy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/utils/clientcache"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const maxDialBackoff = 2 * time.Second

// ClientConfig is the transport-relevant subset of the runtime settings.
type ClientConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	KeepAlives            bool
	RetryTotal            int
	RetryBackoffFactor    float64
}

// ClientConfigFrom maps settings onto the transport.
func ClientConfigFrom(s models.Settings) ClientConfig {
	return ClientConfig{
		DialTimeout:           time.Duration(s.ConnectTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(s.ReadTimeout) * time.Second,
		IdleConnTimeout:       time.Duration(s.CacheTimeout) * time.Second,
		MaxIdleConns:          s.PoolMaxSize,
		MaxIdleConnsPerHost:   s.PoolConnections,
		KeepAlives:            s.ConnectionPoolingEnabled,
		RetryTotal:            s.RetryTotal,
		RetryBackoffFactor:    s.RetryBackoffFactor,
	}
}

func (c ClientConfig) fingerprint() string {
	return fmt.Sprintf("%+v", c)
}

// Clients keeps one pooled upstream client per transport configuration. When
// the settings change, the previous client's idle connections are closed.
type Clients struct {
	cache *clientcache.Cache[*http.Client]
}

// NewClients creates an empty client cache.
func NewClients() *Clients {
	return &Clients{cache: clientcache.NewCache[*http.Client]()}
}

// For returns the client matching cfg, building it on first use.
func (c *Clients) For(cfg ClientConfig) (*http.Client, error) {
	key := cfg.fingerprint()
	client, err := c.cache.GetOrCreate(key, func() (*http.Client, error) {
		fiberlog.Debugf("Building upstream client: %s", key)
		return newHTTPClient(cfg), nil
	})
	if err != nil {
		return nil, err
	}
	if dropped := c.cache.Retain(key, func(old *http.Client) { old.CloseIdleConnections() }); dropped > 0 {
		fiberlog.Infof("Upstream transport settings changed, rebuilt client")
	}
	return client, nil
}

// newHTTPClient has no overall timeout; each attempt carries its own deadline
// in the request context.
func newHTTPClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		DisableKeepAlives:     !cfg.KeepAlives,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: &dialRetryTransport{
			base:    transport,
			retries: cfg.RetryTotal,
			factor:  cfg.RetryBackoffFactor,
		},
	}
}

// dialRetryTransport retries requests whose connection could not be
// established. Nothing has reached the upstream in that case.
type dialRetryTransport struct {
	base    http.RoundTripper
	retries int
	factor  float64
}

func (t *dialRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for n := 0; ; n++ {
		resp, err := t.base.RoundTrip(req)
		if err == nil || n >= t.retries || !isDialError(err) {
			return resp, err
		}

		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, err
			}
			req = req.Clone(req.Context())
			req.Body = body
		}

		if sleepErr := sleepContext(req.Context(), dialBackoff(t.factor, n)); sleepErr != nil {
			return nil, err
		}
	}
}

func dialBackoff(factor float64, n int) time.Duration {
	d := time.Duration(factor * math.Pow(2, float64(n)) * float64(time.Second))
	return min(d, maxDialBackoff)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
