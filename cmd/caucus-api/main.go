// Command caucus-api runs the session control-plane service: session
// lifecycle, join tokens, moderator presence confirmation, hand raising, and
// the websocket event feed consumed by the web app.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/leverlabs/caucus/internal/api"
	"github.com/leverlabs/caucus/internal/config"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/room"
)

const defaultListenAddr = ":8000"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if path := config.LoadDotenv(); path != "" {
		fmt.Fprintf(os.Stderr, "caucus-api: loaded environment from %s\n", path)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "caucus-api: %v\n", err)
		return 1
	}
	if err := config.ValidateAPI(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "caucus-api: invalid configuration:\n%v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.API.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "caucus-api",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Server options ────────────────────────────────────────────────────────
	opts := []api.ServerOption{
		api.WithMetrics(observe.DefaultMetrics()),
	}
	if cfg.API.GuideFile != "" {
		opts = append(opts, api.WithGuideFile(cfg.API.GuideFile))
	}
	if len(cfg.API.CORSOrigins) > 0 {
		opts = append(opts, api.WithCORSOrigins(cfg.API.CORSOrigins...))
	}

	// ── Session store ─────────────────────────────────────────────────────────
	if cfg.API.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.API.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		store := api.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate session schema", "err", err)
			return 1
		}
		opts = append(opts, api.WithStore(store))
		slog.Info("session store: postgres")
	} else {
		slog.Info("session store: in-memory")
	}

	// ── Room server client ────────────────────────────────────────────────────
	rooms, err := room.NewServiceClient(cfg.Room.URL, cfg.Room.APIKey, cfg.Room.APISecret)
	if err != nil {
		slog.Warn("room server client unavailable; moderator presence reads as absent", "err", err)
	} else {
		opts = append(opts, api.WithRoomDirectory(rooms))
	}

	server := api.NewServer(cfg.Room.APIKey, cfg.Room.APISecret, cfg.Room.URL, opts...)

	addr := cfg.API.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control plane listening", "addr", addr, "room_url", cfg.Room.URL)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining…")
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
