// Package client provides the outbound HTTP client used for ESI and SSO calls.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
)

// Target labels distinguish the two remote services in metrics and logs.
const (
	TargetESI = "esi"
	TargetSSO = "sso"
)

// ESIClient sends requests to a remote service with a pooled transport.
type ESIClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	target     string
}

// NewESIClient creates the client used to dispatch proxied requests to ESI.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewESIClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ESIClient {
	return New(cfg, logger, m, TargetESI)
}

// New creates an ESIClient for target with connection pooling and timeouts.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, target string) *ESIClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &ESIClient{
		httpClient: &http.Client{
			Transport:     transport,
			Timeout:       time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: redirectPolicy(target),
		},
		logger:  logger.With("component", target+"_client"),
		metrics: m,
		target:  target,
	}
}

// maxRedirects matches the net/http default.
const maxRedirects = 10

// redirectPolicy follows ESI redirects so the proxied request, including any
// attached Authorization header, reaches the final resource. SSO redirects are
// returned as-is: a followed POST would lose its form body.
func redirectPolicy(target string) func(*http.Request, []*http.Request) error {
	if target == TargetSSO {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}

// Do executes an HTTP request and returns the raw response.
// The caller is responsible for closing the response body.
func (c *ESIClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(c.target, method).Observe(duration)
		}
		return nil, fmt.Errorf("%s request: %w", c.target, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(c.target, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(c.target, method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *ESIClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.target, err)
	}
	if header != nil {
		req.Header = header
	}

	return c.Do(req)
}
