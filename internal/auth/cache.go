package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
)

// TokenCache serves tokens from a TokenStore and falls back to its source
// when the stored token is missing or about to expire. Concurrent misses
// share a single exchange.
type TokenCache struct {
	source  TokenSource
	store   TokenStore
	key     string
	skew    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	group singleflight.Group
}

// NewTokenCache creates a TokenCache keyed by the configured character.
// The metrics parameter is optional.
func NewTokenCache(src TokenSource, store TokenStore, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TokenCache {
	return &TokenCache{
		source:  src,
		store:   store,
		key:     strconv.FormatInt(cfg.ESI.CharacterID, 10),
		skew:    time.Duration(cfg.TokenCache.ExpirySkewSeconds) * time.Second,
		logger:  logger.With("component", "token_cache"),
		metrics: m,
		now:     time.Now,
	}
}

// Token returns a cached token when one is valid, otherwise the result of a
// fresh exchange, which is stored before it is returned.
//
// The shared exchange is detached from ctx. ctx only bounds how long this
// caller waits for it.
func (c *TokenCache) Token(ctx context.Context) (*model.AccessToken, error) {
	if tok := c.load(ctx); tok != nil {
		c.recordLookup(metrics.LookupHit)
		return tok, nil
	}
	c.recordLookup(metrics.LookupMiss)

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.key, func() (any, error) {
		// A concurrent flight may have finished between the load above and now.
		if tok := c.load(flightCtx); tok != nil {
			return tok, nil
		}

		tok, err := c.source.Token(flightCtx)
		if err != nil {
			return nil, err
		}
		if err := c.store.Save(flightCtx, c.key, tok); err != nil {
			c.logger.Warn("storing token failed", "err", err)
		}
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.AccessToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load returns the stored token if it is still valid. Store errors are
// treated as a miss.
func (c *TokenCache) load(ctx context.Context) *model.AccessToken {
	tok, err := c.store.Load(ctx, c.key)
	if err != nil {
		c.logger.Warn("loading cached token failed", "err", err)
		return nil
	}
	if !tok.Valid(c.now(), c.skew) {
		return nil
	}
	return tok
}

func (c *TokenCache) recordLookup(result string) {
	if c.metrics != nil {
		c.metrics.TokenLookups.WithLabelValues(result).Inc()
	}
}
