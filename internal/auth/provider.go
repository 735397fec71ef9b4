// Package auth obtains ESI access tokens through an OAuth2 refresh-token
// exchange against the EVE SSO, and caches them for reuse.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
)

const (
	tokenPath  = "/oauth/token"
	verifyPath = "/oauth/verify"

	// maxTokenResponseBytes bounds how much of an SSO response is read.
	maxTokenResponseBytes = 64 * 1024
)

// Doer executes an HTTP request. *client.ESIClient satisfies it.
type Doer interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// TokenSource returns an access token usable against ESI.
type TokenSource interface {
	Token(ctx context.Context) (*model.AccessToken, error)
}

// tokenResponse is the SSO token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenProvider exchanges the configured refresh token for an access token
// and verifies it before handing it out. It performs no caching: every call
// runs the full exchange.
type TokenProvider struct {
	doer         Doer
	ssoURL       string
	clientID     string
	clientSecret string
	refreshToken string
	characterID  int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewTokenProvider creates a TokenProvider. The metrics parameter is optional.
func NewTokenProvider(d Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TokenProvider {
	return &TokenProvider{
		doer:         d,
		ssoURL:       strings.TrimRight(cfg.ESI.SSOURL, "/"),
		clientID:     cfg.ESI.ClientID,
		clientSecret: cfg.ESI.ClientSecret,
		refreshToken: cfg.ESI.RefreshToken,
		characterID:  cfg.ESI.CharacterID,
		logger:       logger.With("component", "token_provider"),
		metrics:      m,
		now:          time.Now,
	}
}

// Token implements TokenSource by running a fresh exchange.
func (p *TokenProvider) Token(ctx context.Context) (*model.AccessToken, error) {
	return p.AcquireToken(ctx)
}

// AcquireToken runs the refresh-token grant and verifies the issued token.
// Every failure wraps ErrAuth and one of ErrTokenExchangeFailed,
// ErrMalformedTokenResponse or ErrTokenVerificationFailed.
func (p *TokenProvider) AcquireToken(ctx context.Context) (*model.AccessToken, error) {
	start := p.now()
	tok, err := p.acquire(ctx, start)
	if p.metrics != nil {
		p.metrics.TokenExchangeDur.Observe(p.now().Sub(start).Seconds())
		outcome := metrics.TokenIssued
		if err != nil {
			outcome = metrics.TokenFailed
		}
		p.metrics.TokenExchanges.WithLabelValues(outcome).Inc()
	}
	return tok, err
}

func (p *TokenProvider) acquire(ctx context.Context, acquiredAt time.Time) (*model.AccessToken, error) {
	tr, err := p.exchange(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.verify(ctx, tr); err != nil {
		return nil, err
	}

	p.logger.Debug("access token issued",
		"character_id", p.characterID,
		"expires_in", tr.ExpiresIn,
	)

	return &model.AccessToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		CharacterID:  p.characterID,
		ExpiresAt:    acquiredAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func (p *TokenProvider) exchange(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"refresh_token": {p.refreshToken},
	}

	header := http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
		"Accept":       {"application/json"},
	}

	resp, err := p.doer.DoStream(ctx, http.MethodPost, p.ssoURL+tokenPath, header, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", ErrTokenExchangeFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&tr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty body", ErrMalformedTokenResponse)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrMalformedTokenResponse)
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}
	return &tr, nil
}

func (p *TokenProvider) verify(ctx context.Context, tr *tokenResponse) error {
	header := http.Header{"Authorization": {tr.TokenType + " " + tr.AccessToken}}

	resp, err := p.doer.DoStream(ctx, http.MethodGet, p.ssoURL+verifyPath, header, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenVerificationFailed, err)
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", ErrTokenVerificationFailed, resp.StatusCode)
	}
	return nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxTokenResponseBytes))
	_ = body.Close()
}
