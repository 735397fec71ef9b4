// Package service implements the core proxy forwarding logic: route
// rewriting, token attachment, dispatch and response transformation.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"esi-search-proxy/internal/auth"
	"esi-search-proxy/internal/client"
	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
	"esi-search-proxy/internal/route"
)

// Pipeline failures. Token failures wrap auth.ErrAuth instead.
var (
	ErrBuildRequest      = errors.New("build upstream request")
	ErrDispatch          = errors.New("dispatch to upstream")
	ErrResponseTransform = errors.New("transform upstream response")
)

const defaultMaxRewriteBody = 1024 * 1024

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client         *client.ESIClient
	tokens         auth.TokenSource
	logger         *slog.Logger
	metrics        *metrics.Metrics
	baseURL        string
	characterID    int64
	maxRewriteBody int64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.ESIClient, tokens auth.TokenSource, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.ESI.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse esi base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("esi base_url %q is not absolute", cfg.ESI.BaseURL)
	}

	maxBody := cfg.Upstream.MaxRewriteBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRewriteBody
	}

	return &ProxyService{
		client:         c,
		tokens:         tokens,
		logger:         logger.With("component", "proxy_service"),
		metrics:        m,
		baseURL:        strings.TrimRight(cfg.ESI.BaseURL, "/"),
		characterID:    cfg.ESI.CharacterID,
		maxRewriteBody: maxBody,
	}, nil
}

// Forward classifies pr, sends the matching upstream request and returns the
// transformed response. The caller is responsible for closing the response
// body. Nothing has been written to the client when an error is returned.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	cls := route.Classify(pr.Route)
	t := s.resolveTarget(pr, cls)
	s.recordRoute(cls)

	req, err := s.buildRequest(pr, t)
	if err != nil {
		return nil, err
	}

	if t.needsToken {
		tok, err := s.tokens.Token(req.Context())
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	s.logger.Debug("forwarding request",
		"method", req.Method,
		"route", pr.Route,
		"kind", cls.Kind.String(),
		"path", t.path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	return s.processResponse(t, resp)
}

func (s *ProxyService) recordRoute(cls route.Classification) {
	if s.metrics == nil {
		return
	}
	s.metrics.RoutesTotal.WithLabelValues(cls.Kind.String(), strconv.FormatBool(cls.LegacyShape)).Inc()
}
