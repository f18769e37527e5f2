package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"devproxy/internal/client"
	"devproxy/internal/config"
	"devproxy/internal/fallback"
	"devproxy/internal/handler"
	"devproxy/internal/metrics"
	"devproxy/internal/middleware"
	"devproxy/internal/service"
	"devproxy/internal/supervisor"
)

// Set by ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("devproxy"),
		kong.Description("Reverse proxy that launches a Next.js server and fronts it with placeholder pages while it is unavailable."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.WithLogger(newFxLogger),
		// Covers the request drain and the backend grace period back to back.
		fx.StopTimeout(config.StopTimeout),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newRenderer,
			client.NewBackendClient,
			service.NewProxyService,
			supervisor.New,
			newBackendStatus,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(logConfig, ensureDependencies, handler.RegisterRoutes, startSupervisor, startServer),
	)
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

// newFxLogger routes fx lifecycle events through the application logger at
// debug level; failures still surface as errors.
func newFxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Admin.Prefix)
}

func newRenderer() *fallback.Renderer {
	return fallback.NewRenderer("Next.js")
}

// newBackendStatus exposes the supervisor to the status routes, or nil when
// the backend is managed elsewhere.
func newBackendStatus(cfg *config.Config, sup *supervisor.Supervisor) handler.BackendStatus {
	if !cfg.Backend.Supervised() {
		return nil
	}
	return sup
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: dev servers hold streaming responses open.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID(cfg.Admin.Prefix))
	e.Use(middleware.RequestLogger(logger.With("component", "http")))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Admin.Prefix, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func logConfig(cfg *config.Config, logger *slog.Logger) {
	source := cfg.FilePath()
	if source == "" {
		source = "defaults"
	}
	logger.Info("configuration loaded",
		"source", source,
		"listen", cfg.Server.Addr(),
		"backend", cfg.Backend.BaseURL(),
		"supervised", cfg.Backend.Supervised(),
	)
	cfg.WarnPermissions(logger)
}

// ensureDependencies installs backend dependencies before the app starts.
// It runs outside the start hooks because installs routinely outlast fx's
// start timeout.
func ensureDependencies(cfg *config.Config, sup *supervisor.Supervisor) error {
	if !cfg.Backend.Supervised() {
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.EnsureDependencies(ctx)
}

// startSupervisor launches the backend without waiting for it to listen;
// until it does, the proxy answers with the starting page.
func startSupervisor(lc fx.Lifecycle, cfg *config.Config, sup *supervisor.Supervisor, logger *slog.Logger) {
	if !cfg.Backend.Supervised() {
		logger.Info("backend supervision disabled", "backend", cfg.Backend.BaseURL())
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return sup.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sup.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", ln.Addr().String())
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			drainCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
			defer cancel()
			err := e.Shutdown(drainCtx)
			if errors.Is(err, context.DeadlineExceeded) {
				// Leave the rest of the stop budget to the backend grace period.
				logger.Warn("requests still in flight after drain timeout; closing connections",
					"timeout", cfg.Server.ShutdownTimeout().String(),
				)
				return e.Close()
			}
			return err
		},
	})
}
