package turn

import (
	"log/slog"
	"time"

	"github.com/leverlabs/caucus/internal/observe"
)

// Timer names used in TIMER_CANCELLED events.
const (
	timerSilencePrompt = "silence_prompt"
	timerSilenceGrace  = "silence_grace"
	timerWrapupEnd     = "wrapup_end"
	timerLegacySilence = "legacy_silence"
	timerLegacyMax     = "legacy_max"
)

// handle is one scheduled callback. Cancellation via Stop is best-effort; the
// correctness mechanism is the epoch check every callback performs before
// touching turn state.
type handle struct {
	name string
	t    *time.Timer
}

// armLocked schedules fn after d under the given name, replacing any existing
// timer with that name. Caller holds c.mu.
func (c *Controller) armLocked(name string, d time.Duration, fn func()) {
	if old, ok := c.timers[name]; ok {
		old.t.Stop()
	}
	c.timers[name] = &handle{name: name, t: time.AfterFunc(d, fn)}
}

// cancelTimerLocked stops the named timer if armed. Returns whether a timer
// was actually cancelled. Caller holds c.mu.
func (c *Controller) cancelTimerLocked(name string) bool {
	h, ok := c.timers[name]
	if !ok {
		return false
	}
	delete(c.timers, name)
	return h.t.Stop()
}

// cancelAllLocked stops every outstanding timer and emits one TIMER_CANCELLED
// line per cancelled timer. Idempotent. Caller holds c.mu.
func (c *Controller) cancelAllLocked(reason string) {
	for name, h := range c.timers {
		if h.t.Stop() {
			c.events.Turn(c.turnID).Emit(c.baseCtx, observe.EventTimerCancelled,
				slog.String("timer", name),
				slog.String("reason", reason),
			)
		}
		delete(c.timers, name)
	}
}
