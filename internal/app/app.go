// Package app wires all Caucus agent subsystems into a running moderator.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session (waiting room, roster load, discussion
// walk), and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithControlPlane,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/leverlabs/caucus/internal/config"
	"github.com/leverlabs/caucus/internal/controlplane"
	"github.com/leverlabs/caucus/internal/guide"
	"github.com/leverlabs/caucus/internal/moderator"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/room"
	"github.com/leverlabs/caucus/internal/session"
	"github.com/leverlabs/caucus/internal/turn"
	"github.com/leverlabs/caucus/pkg/audio"
	"github.com/leverlabs/caucus/pkg/provider/stt"
	"github.com/leverlabs/caucus/pkg/provider/tts"
	"github.com/leverlabs/caucus/pkg/types"
)

// sttFormat is the audio format fed to the recognizer. Room audio is
// converted down to this before routing.
var sttFormat = audio.Format{SampleRate: 16000, Channels: 1}

// waitPollInterval is how often the waiting-room phase polls the control
// plane for the session start.
const waitPollInterval = 2 * time.Second

// ControlPlane is the part of the control-plane client the app needs.
// *controlplane.Client satisfies it; tests supply fakes.
type ControlPlane interface {
	FindSessionByRoom(ctx context.Context, roomName string) (*controlplane.Session, error)
	GetSession(ctx context.Context, sessionID string) (*controlplane.Session, error)
	GetStatus(ctx context.Context, sessionID string) (*controlplane.StatusResponse, error)
}

// Providers holds one interface value per provider slot. Populated by main.go
// from the config.
type Providers struct {
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Platform
}

// App owns all subsystem lifetimes and runs the Caucus moderator pipeline
// for a single room.
type App struct {
	cfg       *config.Config
	roomName  string
	providers *Providers

	client  ControlPlane
	plan    *guide.Plan
	state   *session.State
	metrics *observe.Metrics
	events  *observe.Events

	// Wired during Run.
	conn    audio.Connection
	stream  stt.Stream
	router  *room.InputRouter
	speaker *moderator.Speaker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithControlPlane injects a control-plane client instead of creating one
// from cfg.Agent.APIBaseURL.
func WithControlPlane(c ControlPlane) Option {
	return func(a *App) { a.client = c }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEvents injects the structured event sink.
func WithEvents(ev *observe.Events) Option {
	return func(a *App) { a.events = ev }
}

// WithPlan injects a discussion plan instead of loading cfg.Agent.GuideFile.
func WithPlan(p *guide.Plan) Option {
	return func(a *App) { a.plan = p }
}

// New creates an App for the given room by wiring all subsystems together.
// The providers struct comes from main.go. Use Option functions to inject
// test doubles for any subsystem.
func New(cfg *config.Config, roomName string, providers *Providers, opts ...Option) (*App, error) {
	if roomName == "" {
		return nil, errors.New("app: room name is required")
	}
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.Audio == nil {
		return nil, errors.New("app: stt, tts, and audio providers are required")
	}

	a := &App{
		cfg:       cfg,
		roomName:  roomName,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.client == nil {
		client, err := controlplane.NewClient(cfg.Agent.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: control-plane client: %w", err)
		}
		a.client = client
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.events == nil {
		a.events = observe.NewEvents(slog.Default())
	}

	if a.plan == nil && cfg.Agent.GuideFile != "" {
		plan, err := guide.Load(cfg.Agent.GuideFile)
		if err != nil {
			// The moderator announces the missing guide instead of crashing.
			slog.Warn("failed to load discussion guide", "path", cfg.Agent.GuideFile, "err", err)
		} else {
			a.plan = plan
		}
	}

	return a, nil
}

// Run executes the full session for the room: resolve the control-plane
// session, sit in the waiting room until the organizer starts, load the
// roster, connect audio and speech providers, and walk the discussion.
//
// Run returns nil after a completed discussion, ctx.Err() on cancellation,
// and a wrapped error on wiring failures.
func (a *App) Run(ctx context.Context) error {
	// ── Resolve the control-plane session ────────────────────────────────
	sessionID, roster := a.resolveSession(ctx)
	a.state = session.NewState(a.roomName, sessionID)
	a.state.SetParticipants(roster)

	// ── Waiting room ─────────────────────────────────────────────────────
	if err := a.waitForStart(ctx); err != nil {
		return err
	}

	// The roster can grow while the room is waiting; refresh after start.
	if sess, err := a.client.GetSession(ctx, sessionID); err == nil {
		a.state.SetParticipants(rosterFromSession(sess))
	} else {
		slog.Warn("failed to refresh roster after start", "session", sessionID, "err", err)
	}

	// ── Session watcher ──────────────────────────────────────────────────
	watcher := session.NewWatcher(a.client, a.state, session.WithEvents(a.events))
	go watcher.Run(ctx)

	// ── Audio platform ───────────────────────────────────────────────────
	conn, err := a.providers.Audio.Connect(ctx, a.roomName)
	if err != nil {
		return fmt.Errorf("app: connect audio platform: %w", err)
	}
	a.conn = conn

	// ── Speech recognizer ────────────────────────────────────────────────
	stream, err := a.providers.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: sttFormat.SampleRate,
		Channels:   sttFormat.Channels,
		Language:   a.cfg.Providers.STT.Language,
		Keywords:   rosterNames(a.state.Participants()),
	})
	if err != nil {
		return fmt.Errorf("app: start stt stream: %w", err)
	}
	a.stream = stream
	a.closers = append(a.closers, stream.Close)

	a.router = room.NewInputRouter(stream)
	a.startAudioLoop(ctx, conn)

	// ── Moderator voice ──────────────────────────────────────────────────
	voice := tts.Voice{ID: a.cfg.Providers.TTS.Voice}
	if voice.ID == "" {
		voice.ID = "echo"
	}
	out := NewFrameOutput(conn.OutputStream(), ttsSampleRate, ttsChannels)
	a.speaker = moderator.NewSpeaker(a.providers.TTS, voice, out, a.state,
		moderator.WithSpeakerMetrics(a.metrics))

	// ── Turn controller ──────────────────────────────────────────────────
	turnOpts := []turn.Option{
		turn.WithTiming(a.cfg.Agent.Timing.WithDefaults()),
		turn.WithEvents(a.events),
		turn.WithMetrics(a.metrics),
	}
	if !a.cfg.Agent.TurnTimersOn() {
		turnOpts = append(turnOpts, turn.WithLegacyMode())
	}
	ctrl := turn.NewController(a.speaker, a.state.Ended(), turnOpts...)

	go a.pumpTranscripts(ctx, ctrl)

	// ── Discussion ───────────────────────────────────────────────────────
	orch := moderator.NewOrchestrator(a.speaker, ctrl, a.plan, a.cfg.Agent.GroupType, a.state,
		moderator.WithEvents(a.events),
		moderator.WithMetrics(a.metrics),
		moderator.WithInputSelector(routerSelector{a.router}),
	)

	slog.Info("app running",
		"room", a.roomName,
		"session", sessionID,
		"participants", len(a.state.Participants()),
	)
	if err := orch.RunDiscussion(ctx); err != nil {
		return err
	}

	slog.Info("session over", "reason", a.state.ShutdownReason())
	return nil
}

// resolveSession finds the control-plane session backing the room. When the
// control plane has no record (or is unreachable) the agent falls back to the
// session id embedded in the room name and an empty roster.
func (a *App) resolveSession(ctx context.Context) (string, []session.Participant) {
	sess, err := a.client.FindSessionByRoom(ctx, a.roomName)
	if err == nil {
		return sess.ID, rosterFromSession(sess)
	}
	if !errors.Is(err, controlplane.ErrNotFound) {
		slog.Warn("control-plane lookup failed", "room", a.roomName, "err", err)
	}

	id := SessionIDFromRoom(a.roomName)
	slog.Info("using session id parsed from room name", "room", a.roomName, "session", id)
	return id, nil
}

// waitForStart blocks until the organizer starts the session. It returns an
// error when the session ends while still waiting or ctx is cancelled.
func (a *App) waitForStart(ctx context.Context) error {
	a.events.Emit(ctx, observe.EventSessionWaiting,
		slog.String("room", a.roomName),
		slog.String("session", a.state.SessionID),
	)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		status, err := a.client.GetStatus(ctx, a.state.SessionID)
		if err != nil {
			if errors.Is(err, controlplane.ErrNotFound) {
				return fmt.Errorf("app: session %q not found while waiting", a.state.SessionID)
			}
			slog.Warn("status poll failed while waiting", "err", err)
		} else {
			switch status.Status {
			case controlplane.StatusInSession:
				a.events.Emit(ctx, observe.EventSessionStarted,
					slog.String("session", a.state.SessionID),
					slog.Int("participants", status.ParticipantCount),
				)
				return nil
			case controlplane.StatusEnded:
				return fmt.Errorf("app: session %q ended before it started", a.state.SessionID)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startAudioLoop routes audio from each participant toward the recognizer.
// Only the participant selected by the orchestrator actually reaches it; the
// router drops everyone else.
func (a *App) startAudioLoop(ctx context.Context, conn audio.Connection) {
	// Participants already present.
	for identity, inputCh := range conn.InputStreams() {
		go a.pumpParticipant(ctx, identity, inputCh)
	}

	// Participants joining later.
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			return
		}
		streams := conn.InputStreams()
		if ch, ok := streams[ev.Identity]; ok {
			go a.pumpParticipant(ctx, ev.Identity, ch)
		}
	})
}

// pumpParticipant converts one participant's frames to the recognizer format
// and routes them. Returns when the input channel closes (participant left)
// or ctx is done.
func (a *App) pumpParticipant(ctx context.Context, identity string, inputCh <-chan types.AudioFrame) {
	slog.Debug("pumping participant audio", "identity", identity)

	converted := audio.ConvertStream(inputCh, sttFormat)
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(converted)
			return
		case frame, ok := <-converted:
			if !ok {
				return
			}
			if err := a.router.Route(frame); err != nil {
				slog.Warn("frame routing failed", "identity", identity, "err", err)
			}
		}
	}
}

// pumpTranscripts feeds recognizer results into the turn controller. Interim
// results only advance the speech clocks so a participant mid-sentence is
// never silence-prompted; final results additionally land in the turn buffer.
// Results arriving while the moderator is speaking are the moderator's own
// voice echoed back and are dropped.
func (a *App) pumpTranscripts(ctx context.Context, ctrl *turn.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-a.stream.Transcripts():
			if !ok {
				return
			}
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			if a.speaker.Speaking() {
				slog.Debug("dropping transcript during moderator speech", "text", t.Text)
				continue
			}
			if !t.IsFinal {
				ctrl.OnSpeechActivity()
				continue
			}
			a.events.Emit(ctx, observe.EventTranscriptReceived,
				slog.String("participant", a.router.Active()),
				slog.Int("chars", len(t.Text)),
			)
			ctrl.OnTranscript(t.Text)
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.state != nil {
			a.state.TriggerShutdown("agent_shutdown")
		}

		// Disconnect audio first so provider streams stop receiving frames.
		if a.conn != nil {
			if err := a.conn.Disconnect(); err != nil {
				slog.Warn("audio disconnect error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// routerSelector adapts the input router to the orchestrator's selector.
type routerSelector struct {
	r *room.InputRouter
}

func (s routerSelector) Select(identity string) error {
	s.r.Select(identity)
	return nil
}

// SessionIDFromRoom extracts the control-plane session id from a room name of
// the form "focusgroup-<timestamp>-<id>". Unrecognized names are returned
// unchanged.
func SessionIDFromRoom(roomName string) string {
	if i := strings.LastIndex(roomName, "-"); i >= 0 && i+1 < len(roomName) {
		return roomName[i+1:]
	}
	return roomName
}

// rosterFromSession converts the control-plane participant records into the
// agent's roster, excluding the moderator itself.
func rosterFromSession(sess *controlplane.Session) []session.Participant {
	roster := make([]session.Participant, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if p.IsAgent || room.IsModeratorIdentity(p.Identity) {
			continue
		}
		roster = append(roster, session.Participant{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
		})
	}
	return roster
}

// rosterNames returns the display names used as recognition keywords.
func rosterNames(ps []session.Participant) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.DisplayName != "" {
			names = append(names, p.DisplayName)
		}
	}
	return names
}
