package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/leverlabs/caucus/internal/controlplane"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/resilience"
)

// DefaultWatchInterval is how often the watcher polls the control plane.
const DefaultWatchInterval = 2 * time.Second

// StatusClient is the part of the control-plane client the watcher needs.
type StatusClient interface {
	GetStatus(ctx context.Context, sessionID string) (*controlplane.StatusResponse, error)
}

// Watcher polls the control plane for the session status and triggers the
// session's shutdown flag when the session ends or disappears. Poll failures
// are retried with exponential backoff and logged at most once per
// [resilience.DefaultLogInterval], so a dead control plane degrades quietly
// instead of flooding the event log.
type Watcher struct {
	client   StatusClient
	state    *State
	events   *observe.Events
	interval time.Duration
	errlog   *resilience.LimitedLogger
}

// WatcherOption is a functional option for Watcher.
type WatcherOption func(*Watcher)

// WithInterval overrides the poll interval. Mainly for tests.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithEvents sets the structured event sink.
func WithEvents(ev *observe.Events) WatcherOption {
	return func(w *Watcher) {
		w.events = ev
	}
}

// NewWatcher creates a watcher for state backed by client.
func NewWatcher(client StatusClient, state *State, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		client:   client,
		state:    state,
		interval: DefaultWatchInterval,
		errlog:   resilience.NewLimitedLogger(nil, resilience.DefaultLogInterval),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls until the session ends or ctx is cancelled. It is meant to run in
// its own goroutine for the lifetime of the session.
func (w *Watcher) Run(ctx context.Context) {
	backoff := resilience.NewBackoff(resilience.DefaultBackoffInitial, resilience.DefaultBackoffMax)
	delay := w.interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.state.Ended():
			return
		case <-time.After(delay):
		}

		status, err := w.client.GetStatus(ctx, w.state.SessionID)
		switch {
		case errors.Is(err, controlplane.ErrNotFound):
			w.trigger(ctx, "session_not_found")
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.errlog.Error(ctx, "session status poll failed",
				slog.String("session_id", w.state.SessionID),
				slog.String("error", err.Error()),
			)
			delay = backoff.Next()
			continue
		}

		backoff.Reset()
		delay = w.interval

		if status.Status == controlplane.StatusEnded {
			w.trigger(ctx, "session_ended")
			return
		}
	}
}

// trigger sets the shutdown flag and emits SHUTDOWN_TRIGGERED exactly once.
func (w *Watcher) trigger(ctx context.Context, reason string) {
	if w.state.IsEnded() {
		return
	}
	w.state.TriggerShutdown(reason)
	w.events.Emit(ctx, observe.EventShutdownTriggered,
		slog.String("session_id", w.state.SessionID),
		slog.String("reason", reason),
	)
}
