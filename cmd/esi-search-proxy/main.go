package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"esi-search-proxy/internal/auth"
	"esi-search-proxy/internal/client"
	"esi-search-proxy/internal/config"
	"esi-search-proxy/internal/handler"
	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/middleware"
	"esi-search-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("esi-search-proxy"),
		kong.Description("Reverse proxy for the EVE Swagger Interface with authenticated character search."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewESIClient,
			newTokenSource,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: upstream bodies are streamed and bounded by the
	// upstream client timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(middleware.Recover(logger, m))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.BodyLimit(cfg.Server.BodyMaxBytes))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newTokenSource builds the SSO token provider and, unless disabled, wraps
// it in a cache backed by process memory or Redis.
func newTokenSource(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (auth.TokenSource, error) {
	sso := client.New(cfg, logger, m, client.TargetSSO)
	provider := auth.NewTokenProvider(sso, cfg, logger, m)

	if !cfg.TokenCache.IsEnabled() {
		logger.Warn("token cache disabled; every search runs a full SSO exchange")
		return provider, nil
	}

	var store auth.TokenStore
	switch cfg.TokenCache.Backend {
	case config.TokenCacheRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := auth.NewRedisStore(ctx, cfg.TokenCache.RedisURL, cfg.TokenCache.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error { return rs.Close() },
		})
		store = rs
	default:
		store = auth.NewMemoryStore()
	}

	logger.Info("token cache enabled", "backend", cfg.TokenCache.Backend)
	return auth.NewTokenCache(provider, store, cfg, logger, m), nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "upstream", cfg.ESI.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
