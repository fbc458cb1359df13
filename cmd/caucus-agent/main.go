// Command caucus-agent runs the focus-group moderator for a single room.
//
// The agent resolves its session with the control-plane service, waits for
// the organizer to start, then joins the room audio and walks the discussion
// guide. It also hosts the WebRTC signaling endpoint browser participants use
// to join the room.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/leverlabs/caucus/internal/app"
	"github.com/leverlabs/caucus/internal/config"
	"github.com/leverlabs/caucus/internal/controlplane"
	"github.com/leverlabs/caucus/internal/health"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/pkg/audio/webrtc"
	"github.com/leverlabs/caucus/pkg/provider/stt/deepgram"
	ttsopenai "github.com/leverlabs/caucus/pkg/provider/tts/openai"
)

const defaultSignalingAddr = ":8090"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	roomName := flag.String("room", "", "name of the room to moderate")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if path := config.LoadDotenv(); path != "" {
		fmt.Fprintf(os.Stderr, "caucus-agent: loaded environment from %s\n", path)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "caucus-agent: %v\n", err)
		return 1
	}
	if err := config.ValidateAgent(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "caucus-agent: invalid configuration:\n%v\n", err)
		return 1
	}
	if *roomName == "" {
		fmt.Fprintln(os.Stderr, "caucus-agent: -room is required")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Agent.LogLevel)
	slog.SetDefault(logger)

	slog.Info("caucus-agent starting",
		"room", *roomName,
		"api_base_url", cfg.Agent.APIBaseURL,
		"guide", cfg.Agent.GuideFile,
		"group_type", cfg.Agent.GroupType,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "caucus-agent",
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

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, signaling, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, *roomName, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Signaling endpoint + session ──────────────────────────────────────────
	addr := cfg.Agent.SignalingAddr
	if addr == "" {
		addr = defaultSignalingAddr
	}
	mux := http.NewServeMux()
	mux.Handle("/rooms/", signaling.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	registerHealth(mux, cfg.Agent.APIBaseURL)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("signaling endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("signaling server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	g.Go(func() error {
		// When the session finishes, unwind the signaling server too.
		defer stop()
		return application.Run(gctx)
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates the speech providers and the WebRTC signaling
// server from cfg. The signaling server doubles as the agent's audio platform
// so the moderator shares the room connection with joining peers.
func buildProviders(cfg *config.Config) (*app.Providers, *webrtc.SignalingServer, error) {
	var sttOpts []deepgram.Option
	if cfg.Providers.STT.Model != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(cfg.Providers.STT.Model))
	}
	if cfg.Providers.STT.Language != "" {
		sttOpts = append(sttOpts, deepgram.WithLanguage(cfg.Providers.STT.Language))
	}
	sttProvider, err := deepgram.New(cfg.Providers.STT.APIKey, sttOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("stt provider: %w", err)
	}

	var ttsOpts []ttsopenai.Option
	if cfg.Providers.TTS.BaseURL != "" {
		ttsOpts = append(ttsOpts, ttsopenai.WithBaseURL(cfg.Providers.TTS.BaseURL))
	}
	ttsProvider, err := ttsopenai.New(cfg.Providers.TTS.APIKey, cfg.Providers.TTS.Model, ttsOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("tts provider: %w", err)
	}

	signaling := webrtc.NewSignalingServer(webrtc.New())

	return &app.Providers{
		STT:   sttProvider,
		TTS:   ttsProvider,
		Audio: signaling,
	}, signaling, nil
}

// registerHealth mounts /healthz and /readyz on mux. Readiness requires the
// control-plane service to answer its health endpoint.
func registerHealth(mux *http.ServeMux, apiBaseURL string) {
	var checkers []health.Checker
	if client, err := controlplane.NewClient(apiBaseURL); err == nil {
		checkers = append(checkers, health.Checker{
			Name: "control_plane",
			Check: func(ctx context.Context) error {
				_, err := client.Health(ctx)
				return err
			},
		})
	}
	health.New(checkers...).Register(mux)
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
