// Package turn implements the per-participant turn state machine: cancellable
// epoch-tagged timers coordinating silence prompting, answer bounding, and
// end-of-speech detection against the live transcript stream.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leverlabs/caucus/internal/config"
	"github.com/leverlabs/caucus/internal/observe"
)

// Speaker reads one line aloud and returns when playback finishes.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Reason classifies how a turn ended.
type Reason string

const (
	ReasonAnswer       Reason = "answer"
	ReasonSilenceSkip  Reason = "silence_skip"
	ReasonWrapup       Reason = "wrapup"
	ReasonRepeat       Reason = "repeat"
	ReasonExternal     Reason = "external"
	ReasonSessionEnded Reason = "session_ended"
)

// Outcome is the result of one completed turn.
type Outcome struct {
	// GotResponse reports whether the participant said anything usable.
	GotResponse bool

	// AskedToRepeat reports whether the buffer contained a repeat request.
	AskedToRepeat bool

	// Reason is the terminal condition that ended the turn.
	Reason Reason
}

// resolution identifies an internal terminal event. Ordered by precedence,
// highest first, for same-tick tie-breaking.
type resolution int

const (
	resExternal resolution = iota + 1
	resAnswerComplete
	resWrapupComplete
	resSilenceSkip
	resSessionEnded
)

// endOfSpeechPoll is how often the end-of-speech watcher samples the
// trailing-silence clock. Tight timing configs poll at half their
// end-of-speech threshold so short tests stay responsive.
const endOfSpeechPoll = 500 * time.Millisecond

// Controller runs one participant turn at a time. It is created once per
// session and re-armed by [Controller.StartTurn] for every turn. Every timer
// callback captures the turn epoch it was armed under and re-checks it before
// acting, so a timer from a finished turn can never affect a later one.
//
// All state is guarded by mu. Watcher callbacks speak with the mutex
// released and re-validate the epoch afterwards.
type Controller struct {
	speaker      Speaker
	events       *observe.Events
	metrics      *observe.Metrics
	lines        Lines
	defaults     config.TimingConfig
	legacy       bool
	sessionEnded <-chan struct{}
	baseCtx      context.Context

	mu sync.Mutex

	turnID        int64
	participantID string
	displayName   string
	questionText  string
	questionID    string
	timing        config.TimingConfig
	startedAt     time.Time

	hasSpeech       bool
	firstSpeechAt   time.Time
	lastSpeechAt    time.Time
	silencePrompted bool
	wrapupPrompted  bool
	buffer          []string

	turnEnded      bool
	turnDone       chan struct{}
	speechDetected chan struct{}
	resolved       chan resolution
	timers         map[string]*handle
}

// Option is a functional option for Controller.
type Option func(*Controller)

// WithEvents sets the structured event sink.
func WithEvents(ev *observe.Events) Option {
	return func(c *Controller) {
		c.events = ev
	}
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTiming sets the default timer durations for every turn.
func WithTiming(t config.TimingConfig) Option {
	return func(c *Controller) {
		c.defaults = t.WithDefaults()
	}
}

// WithLines overrides the mid-turn prompt wording.
func WithLines(l Lines) Option {
	return func(c *Controller) {
		c.lines = l
	}
}

// WithLegacyMode switches to the pre-timer behaviour: one flat silence
// timeout and a hard response cap, no prompting.
func WithLegacyMode() Option {
	return func(c *Controller) {
		c.legacy = true
	}
}

// NewController creates a controller. sessionEnded is the session's global
// termination channel; a closed channel resolves any running turn with
// [ReasonSessionEnded].
func NewController(speaker Speaker, sessionEnded <-chan struct{}, opts ...Option) *Controller {
	c := &Controller{
		speaker:      speaker,
		lines:        DefaultLines(),
		defaults:     config.TimingConfig{}.WithDefaults(),
		sessionEnded: sessionEnded,
		baseCtx:      context.Background(),
		timers:       make(map[string]*handle),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TurnOption adjusts a single turn.
type TurnOption func(*Controller)

// WithTurnTiming overrides timer durations for this turn only. Rollcall
// consent checks use this with much shorter windows.
func WithTurnTiming(t config.TimingConfig) TurnOption {
	return func(c *Controller) {
		c.timing = t.WithDefaults()
	}
}

// StartTurn initializes a fresh turn: cancels every outstanding timer, ends
// any still-running previous turn, increments the epoch, and resets all
// per-turn state. Returns the new turn id.
func (c *Controller) StartTurn(participantID, displayName, questionText, questionID string, opts ...TurnOption) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelAllLocked("turn_start")
	if c.turnDone != nil && !c.turnEnded {
		c.turnEnded = true
		close(c.turnDone)
	}

	c.turnID++
	c.participantID = participantID
	c.displayName = displayName
	c.questionText = questionText
	c.questionID = questionID
	c.timing = c.defaults
	c.startedAt = time.Now()

	c.hasSpeech = false
	c.firstSpeechAt = time.Time{}
	c.lastSpeechAt = time.Time{}
	c.silencePrompted = false
	c.wrapupPrompted = false
	c.buffer = nil

	c.turnEnded = false
	c.turnDone = make(chan struct{})
	c.speechDetected = make(chan struct{})
	c.resolved = make(chan resolution, 8)

	for _, o := range opts {
		o(c)
	}

	c.events.Turn(c.turnID).Question(questionID).Emit(c.baseCtx, observe.EventTurnStart,
		slog.String("participant", participantID),
		slog.String("display_name", displayName),
	)
	return c.turnID
}

// TurnID returns the current epoch.
func (c *Controller) TurnID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// Transcript returns the accumulated buffer for the current turn.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.buffer, " ")
}

// SilencePrompted reports whether the silence nudge was spoken this turn.
func (c *Controller) SilencePrompted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silencePrompted
}

// OnTranscript feeds one non-empty transcript segment into the current turn.
// The first segment of a turn marks speech start and releases the max-answer
// watcher; every segment refreshes the trailing-silence clock. Segments
// arriving outside an active turn are logged and discarded.
func (c *Controller) OnTranscript(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.noteSpeech(text)
}

// OnSpeechActivity marks the participant as actively speaking without adding
// anything to the transcript buffer. The recogniser's interim results restate
// text a later final carries, so only the timing side effects apply: the
// clocks move the moment the participant starts talking, not at their first
// finalized segment, which keeps the silence prompt from interrupting someone
// mid-sentence.
func (c *Controller) OnSpeechActivity() {
	c.noteSpeech("")
}

// noteSpeech records speech for the current turn, appending text to the
// buffer when non-empty. The first speech of a turn releases the max-answer
// watcher; every call refreshes the trailing-silence clock and cancels any
// pending silence timer.
func (c *Controller) noteSpeech(text string) {
	c.mu.Lock()
	if c.turnDone == nil || c.turnEnded {
		c.mu.Unlock()
		slog.Debug("speech discarded, no active turn", "text_len", len(text))
		return
	}

	now := time.Now()
	if text != "" {
		c.buffer = append(c.buffer, text)
	}
	first := !c.hasSpeech
	if first {
		c.hasSpeech = true
		c.firstSpeechAt = now
	}
	c.lastSpeechAt = now

	epoch := c.turnID
	startedAt := c.startedAt
	participantID := c.participantID
	speech := c.speechDetected
	if c.cancelTimerLocked(timerSilencePrompt) {
		c.events.Turn(epoch).Emit(c.baseCtx, observe.EventTimerCancelled,
			slog.String("timer", timerSilencePrompt),
			slog.String("reason", "speech_detected"),
		)
	}
	if c.cancelTimerLocked(timerSilenceGrace) {
		c.events.Turn(epoch).Emit(c.baseCtx, observe.EventTimerCancelled,
			slog.String("timer", timerSilenceGrace),
			slog.String("reason", "speech_detected"),
		)
	}
	c.mu.Unlock()

	if first {
		close(speech)
		c.events.Turn(epoch).Emit(c.baseCtx, observe.EventTurnSpeechStart,
			slog.String("participant", participantID),
			slog.Int64("elapsed_ms", time.Since(startedAt).Milliseconds()),
		)
	}
}

// EndTurn terminates the current turn externally. Idempotent. After it
// returns, no prompt will be spoken and no state mutated for this turn.
func (c *Controller) EndTurn(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnDone == nil || c.turnEnded {
		return
	}
	c.turnEnded = true
	close(c.turnDone)
	c.cancelAllLocked(reason)
}

// RunTurn arms the watchers for the current turn and blocks until exactly one
// terminal condition resolves it. Call after [Controller.StartTurn].
func (c *Controller) RunTurn(ctx context.Context) Outcome {
	c.mu.Lock()
	epoch := c.turnID
	timing := c.timing
	turnDone := c.turnDone
	speech := c.speechDetected
	resolved := c.resolved
	participantID := c.participantID
	questionID := c.questionID
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(
			attribute.Int64("turn_id", epoch),
			attribute.String("participant", participantID),
			attribute.String("question_id", questionID),
		),
	)
	defer span.End()

	if c.legacy {
		c.armLegacyWatchers(epoch, timing, turnDone)
	} else {
		c.armWatchers(epoch, timing, turnDone, speech)
	}

	// Block on the first terminal condition.
	var first resolution
	select {
	case <-c.sessionEnded:
		first = resSessionEnded
	case <-ctx.Done():
		first = resSessionEnded
	case r := <-resolved:
		first = r
	case <-turnDone:
		first = resExternal
	}

	// Same-tick tie-break: collect everything already pending and keep the
	// highest-precedence condition.
	best := first
	select {
	case <-c.sessionEnded:
		best = max(best, resSessionEnded)
	default:
	}
drain:
	for {
		select {
		case r := <-resolved:
			best = max(best, r)
		default:
			break drain
		}
	}

	out := c.finish(epoch, best)
	span.SetAttributes(
		attribute.String("reason", string(out.Reason)),
		attribute.Bool("got_response", out.GotResponse),
	)
	return out
}

// finish closes out the turn under the epoch it ran as and computes the
// outcome.
func (c *Controller) finish(epoch int64, res resolution) Outcome {
	c.mu.Lock()
	if c.turnID != epoch {
		// A newer turn already took over; report a bare external end.
		c.mu.Unlock()
		return Outcome{Reason: ReasonExternal}
	}
	if !c.turnEnded {
		c.turnEnded = true
		close(c.turnDone)
	}
	c.cancelAllLocked("turn_resolved")
	hasSpeech := c.hasSpeech
	buffer := strings.Join(c.buffer, " ")
	elapsed := time.Since(c.startedAt)
	qid := c.questionID
	c.mu.Unlock()

	var out Outcome
	switch res {
	case resSessionEnded:
		out = Outcome{Reason: ReasonSessionEnded}
	case resSilenceSkip:
		out = Outcome{Reason: ReasonSilenceSkip}
	case resWrapupComplete:
		out = Outcome{GotResponse: true, Reason: ReasonWrapup}
		if wantsRepeat(buffer) {
			out.AskedToRepeat = true
			out.Reason = ReasonRepeat
		}
	case resAnswerComplete:
		out = Outcome{GotResponse: true, Reason: ReasonAnswer}
		if wantsRepeat(buffer) {
			out.AskedToRepeat = true
			out.Reason = ReasonRepeat
		}
	default:
		out = Outcome{GotResponse: hasSpeech, Reason: ReasonExternal}
	}

	c.events.Turn(epoch).Question(qid).Emit(c.baseCtx, observe.EventTurnEnd,
		slog.String("reason", string(out.Reason)),
		slog.Bool("got_response", out.GotResponse),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	if c.metrics != nil {
		c.metrics.RecordTurnEnd(c.baseCtx, string(out.Reason), elapsed.Seconds())
	}
	return out
}

// resolve delivers an internal terminal event if the turn is still the one
// the event was armed for.
func (c *Controller) resolve(epoch int64, res resolution) {
	c.mu.Lock()
	if c.turnID != epoch || c.turnEnded {
		c.mu.Unlock()
		return
	}
	resolved := c.resolved
	c.mu.Unlock()

	select {
	case resolved <- res:
	default:
	}
}

// currentLocked reports whether epoch is still the live, unresolved turn.
// Caller holds c.mu.
func (c *Controller) currentLocked(epoch int64) bool {
	return c.turnID == epoch && !c.turnEnded
}

// armWatchers starts the full timer state machine for one turn.
func (c *Controller) armWatchers(epoch int64, timing config.TimingConfig, turnDone, speech <-chan struct{}) {
	c.mu.Lock()
	if c.currentLocked(epoch) {
		c.armLocked(timerSilencePrompt, timing.SilencePrompt, func() {
			c.silencePromptFired(epoch, timing)
		})
	}
	c.mu.Unlock()

	go c.maxAnswerWatcher(epoch, timing, turnDone, speech)
	go c.endOfSpeechWatcher(epoch, timing, turnDone)
}

// silencePromptFired speaks the silence nudge and arms the grace timer.
func (c *Controller) silencePromptFired(epoch int64, timing config.TimingConfig) {
	c.mu.Lock()
	if !c.currentLocked(epoch) || c.hasSpeech {
		c.mu.Unlock()
		return
	}
	c.silencePrompted = true
	name := c.displayName
	elapsed := time.Since(c.startedAt)
	c.mu.Unlock()

	c.events.Turn(epoch).Emit(c.baseCtx, observe.EventSilencePromptTrigger,
		slog.String("participant", name),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	if c.metrics != nil {
		c.metrics.SilencePrompts.Add(c.baseCtx, 1)
	}

	// TTS failure during shutdown is treated as if the prompt was read.
	_ = c.speaker.Speak(c.baseCtx, c.lines.SilencePrompt(name))

	c.mu.Lock()
	if c.currentLocked(epoch) && !c.hasSpeech {
		c.armLocked(timerSilenceGrace, timing.SilenceGrace, func() {
			c.silenceGraceFired(epoch)
		})
	}
	c.mu.Unlock()
}

// silenceGraceFired skips a participant who stayed silent through the grace
// window.
func (c *Controller) silenceGraceFired(epoch int64) {
	c.mu.Lock()
	if !c.currentLocked(epoch) || c.hasSpeech {
		c.mu.Unlock()
		return
	}
	elapsed := time.Since(c.startedAt)
	c.mu.Unlock()

	c.events.Turn(epoch).Emit(c.baseCtx, observe.EventSilenceSkipTrigger,
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	if c.metrics != nil {
		c.metrics.SilenceSkips.Add(c.baseCtx, 1)
	}
	c.resolve(epoch, resSilenceSkip)
}

// maxAnswerWatcher bounds answer duration from first speech, then runs the
// two-phase wrapup.
func (c *Controller) maxAnswerWatcher(epoch int64, timing config.TimingConfig, turnDone, speech <-chan struct{}) {
	select {
	case <-speech:
	case <-turnDone:
		return
	case <-c.sessionEnded:
		return
	}

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	remaining := timing.MaxAnswer - time.Since(c.firstSpeechAt)
	c.mu.Unlock()

	if remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-turnDone:
			return
		case <-c.sessionEnded:
			return
		}
	}

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	c.wrapupPrompted = true
	name := c.displayName
	answerDur := time.Since(c.firstSpeechAt)
	c.mu.Unlock()

	c.events.Turn(epoch).Emit(c.baseCtx, observe.EventWrapupTrigger,
		slog.Int64("answer_duration_ms", answerDur.Milliseconds()),
	)
	if c.metrics != nil {
		c.metrics.Wrapups.Add(c.baseCtx, 1)
	}

	_ = c.speaker.Speak(c.baseCtx, c.lines.Wrapup(name))

	c.mu.Lock()
	if c.currentLocked(epoch) {
		c.armLocked(timerWrapupEnd, timing.Wrapup, func() {
			c.wrapupEndFired(epoch)
		})
	}
	c.mu.Unlock()
}

// wrapupEndFired hard-cuts the turn after the wrapup window.
func (c *Controller) wrapupEndFired(epoch int64) {
	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.events.Turn(epoch).Emit(c.baseCtx, observe.EventWrapupEndTrigger)
	c.resolve(epoch, resWrapupComplete)
}

// endOfSpeechWatcher polls the trailing-silence clock and declares the answer
// complete once the participant has stopped talking long enough.
func (c *Controller) endOfSpeechWatcher(epoch int64, timing config.TimingConfig, turnDone <-chan struct{}) {
	interval := endOfSpeechPoll
	if half := timing.EndOfSpeechSilence / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-turnDone:
			return
		case <-c.sessionEnded:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if !c.currentLocked(epoch) {
			c.mu.Unlock()
			return
		}
		done := c.hasSpeech && time.Since(c.lastSpeechAt) >= timing.EndOfSpeechSilence
		var silence time.Duration
		var segments int
		if done {
			silence = time.Since(c.lastSpeechAt)
			segments = len(c.buffer)
		}
		c.mu.Unlock()

		if done {
			c.events.Turn(epoch).Emit(c.baseCtx, observe.EventEndOfSpeechDetected,
				slog.Int64("silence_ms", silence.Milliseconds()),
				slog.Int("segments", segments),
			)
			c.resolve(epoch, resAnswerComplete)
			return
		}
	}
}

// armLegacyWatchers implements the pre-timer behaviour: one flat silence
// timeout, one hard response cap, plus end-of-speech detection. No prompting.
func (c *Controller) armLegacyWatchers(epoch int64, timing config.TimingConfig, turnDone <-chan struct{}) {
	c.mu.Lock()
	if c.currentLocked(epoch) {
		c.armLocked(timerLegacySilence, config.DefaultLegacySilenceTimeout, func() {
			c.silenceGraceFired(epoch)
		})
		c.armLocked(timerLegacyMax, config.DefaultLegacyMaxResponse, func() {
			c.mu.Lock()
			stillOn := c.currentLocked(epoch) && c.hasSpeech
			c.mu.Unlock()
			if stillOn {
				c.resolve(epoch, resAnswerComplete)
			}
		})
	}
	c.mu.Unlock()

	go c.endOfSpeechWatcher(epoch, timing, turnDone)
}
