// Package moderator drives the focus-group discussion: it walks the loaded
// plan, speaks scripts and questions through the TTS pipeline, and hands each
// participant's answer window to the turn state machine.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leverlabs/caucus/internal/config"
	"github.com/leverlabs/caucus/internal/guide"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/session"
	"github.com/leverlabs/caucus/internal/turn"
)

// maxRepeats is how many times a question is re-read on request before the
// moderator moves on.
const maxRepeats = 2

// InputSelector switches the shared audio-input slot to one participant.
// Selection failures are logged and the turn proceeds; a participant the
// recogniser cannot hear resolves as silence.
type InputSelector interface {
	Select(identity string) error
}

// TurnRunner is the slice of the turn controller the orchestrator drives.
// Satisfied by [turn.Controller].
type TurnRunner interface {
	StartTurn(participantID, displayName, questionText, questionID string, opts ...turn.TurnOption) int64
	RunTurn(ctx context.Context) turn.Outcome
}

// Orchestrator walks the discussion plan for one session. Create it after the
// roster is known and call [Orchestrator.RunDiscussion] once.
type Orchestrator struct {
	speaker  turn.Speaker
	turns    TurnRunner
	state    *session.State
	cursor   *guide.Cursor
	title    string
	selector InputSelector
	events   *observe.Events
	metrics  *observe.Metrics
	rollcall config.TimingConfig

	// pause is swappable so tests run without real sleeps.
	pause func(ctx context.Context, d time.Duration)
}

// Option is a functional option for Orchestrator.
type Option func(*Orchestrator)

// WithEvents sets the structured event sink.
func WithEvents(ev *observe.Events) Option {
	return func(o *Orchestrator) {
		o.events = ev
	}
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithInputSelector sets the audio-input switcher invoked before each
// participant turn.
func WithInputSelector(sel InputSelector) Option {
	return func(o *Orchestrator) {
		o.selector = sel
	}
}

// WithRollcallTiming overrides the shortened timer windows used for consent
// turns.
func WithRollcallTiming(t config.TimingConfig) Option {
	return func(o *Orchestrator) {
		o.rollcall = t
	}
}

// defaultRollcallTiming is the shortened window set for consent checks: any
// speech counts, so the answer bound and trailing-silence threshold are tight.
var defaultRollcallTiming = config.TimingConfig{
	SilencePrompt:      6 * time.Second,
	SilenceGrace:       5 * time.Second,
	MaxAnswer:          10 * time.Second,
	Wrapup:             5 * time.Second,
	EndOfSpeechSilence: 2 * time.Second,
}

// NewOrchestrator creates an orchestrator over plan. A nil plan is tolerated;
// RunDiscussion announces the missing guide and returns.
func NewOrchestrator(speaker turn.Speaker, turns TurnRunner, plan *guide.Plan, groupType string, state *session.State, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		speaker:  speaker,
		turns:    turns,
		state:    state,
		rollcall: defaultRollcallTiming,
	}
	if plan != nil {
		o.cursor = guide.NewCursor(plan, groupType)
		o.title = plan.Meta.Title
		if o.title == "" {
			o.title = "Focus Group"
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pause == nil {
		o.pause = o.sleep
	}
	return o
}

// sleep waits for d, returning early on context cancellation or session end.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-o.state.Ended():
	}
}

// RunDiscussion walks every applicable section and question of the plan, then
// speaks the closing line and triggers session shutdown. It returns early and
// silently when the session ends underneath it; any other speech failure is
// returned.
func (o *Orchestrator) RunDiscussion(ctx context.Context) error {
	if o.cursor == nil {
		if err := o.say(ctx, noGuideLine); err != nil && !errors.Is(err, ErrSessionClosing) {
			return err
		}
		return nil
	}

	names := make([]string, 0, 4)
	for _, p := range o.state.Participants() {
		name := p.DisplayName
		if name == "" {
			name = p.Identity
		}
		names = append(names, name)
	}

	o.events.Emit(ctx, observe.EventDiscussionStart,
		slog.String("title", o.title),
		slog.Int("participants", len(names)),
	)

	if err := o.say(ctx, greetingLine(o.title, names)); err != nil {
		return ignoreClosing(err)
	}
	if o.ended(ctx) {
		return nil
	}
	o.pause(ctx, 2*time.Second)

	qIndex := 0
	for !o.cursor.Done() && !o.ended(ctx) {
		sec, q := o.cursor.Current()
		if sec == nil {
			break
		}

		if o.cursor.QuestionIndex() == 0 && sec.ScriptMD != "" && !o.cursor.ScriptRead() {
			o.events.Emit(ctx, observe.EventSectionStart, slog.String("title", sec.Title))
			if err := o.say(ctx, sec.ScriptMD); err != nil {
				return ignoreClosing(err)
			}
			o.cursor.MarkScriptRead()
			if o.ended(ctx) {
				break
			}
			o.pause(ctx, 2*time.Second)
		}

		if q == nil {
			o.cursor.Advance()
			continue
		}

		qid := q.ID
		if qid == "" {
			qid = fmt.Sprintf("q%d", qIndex)
		}
		qtype := q.Type
		if qtype == "" {
			qtype = guide.TypeQuestion
		}

		o.events.Question(qid).Emit(ctx, observe.EventQuestionBegin,
			slog.String("type", qtype),
			slog.Int("index", qIndex),
		)
		if o.metrics != nil {
			o.metrics.RecordQuestionAsked(ctx, qtype)
		}

		var err error
		switch qtype {
		case guide.TypeInfo, guide.TypeClosing:
			if q.ScriptMD != "" {
				err = o.say(ctx, q.ScriptMD)
			}
			if err == nil {
				o.pause(ctx, 2*time.Second)
			}
		case guide.TypeRollcall:
			err = o.runRollcall(ctx, q, qid)
		default:
			err = o.runQuestion(ctx, q, qid, qIndex)
		}
		if err != nil {
			return ignoreClosing(err)
		}

		o.cursor.Advance()
		o.events.Question(qid).Emit(ctx, observe.EventQuestionAdvanced, slog.Int("index", qIndex))
		qIndex++
		o.pause(ctx, time.Second)
	}

	if o.ended(ctx) {
		return nil
	}

	// Closing failures don't matter; the session is over either way.
	_ = o.say(ctx, closingLine)
	o.events.Emit(ctx, observe.EventDiscussionComplete, slog.Int("questions", qIndex))
	o.state.TriggerShutdown("discussion_complete")
	return nil
}

// runQuestion reads a regular question aloud, then gives every participant a
// turn to answer it.
func (o *Orchestrator) runQuestion(ctx context.Context, q *guide.Question, qid string, qIndex int) error {
	if err := o.say(ctx, q.Text); err != nil {
		return err
	}
	o.pause(ctx, time.Second)

	participants := o.state.Participants()
	if len(participants) == 0 {
		if err := o.say(ctx, reflectLine); err != nil {
			return err
		}
		o.pause(ctx, 5*time.Second)
		return nil
	}

	for i, p := range participants {
		cont, err := o.askParticipant(ctx, p, q.Text, qid, i == 0)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		o.pause(ctx, 500*time.Millisecond)
	}

	return o.say(ctx, questionDoneLine)
}

// askParticipant runs one participant's answer window: cue them, start the
// turn, and react to the outcome. Up to maxRepeats re-reads of the question
// are honoured before moving on. Returns false when the discussion should
// stop.
func (o *Orchestrator) askParticipant(ctx context.Context, p session.Participant, questionText, qid string, first bool) (bool, error) {
	if o.ended(ctx) {
		return false, nil
	}

	o.selectInput(ctx, p.Identity)

	name := p.DisplayName
	if name == "" {
		name = p.Identity
	}
	cue := nextParticipantLine(name)
	if first {
		cue = firstParticipantLine(name)
	}
	if err := o.say(ctx, cue); err != nil {
		return false, err
	}
	if o.ended(ctx) {
		return false, nil
	}
	o.pause(ctx, 500*time.Millisecond)

	o.turns.StartTurn(p.Identity, name, questionText, qid)

	repeats := 0
	for {
		out := o.turns.RunTurn(ctx)

		switch {
		case out.Reason == turn.ReasonSessionEnded:
			return false, nil

		case out.AskedToRepeat:
			repeats++
			if repeats > maxRepeats {
				return true, o.say(ctx, repeatLimitLine)
			}
			if err := o.say(ctx, repeatQuestionLine(questionText)); err != nil {
				return false, err
			}
			o.pause(ctx, 500*time.Millisecond)
			o.turns.StartTurn(p.Identity, name, questionText, qid)

		case !out.GotResponse:
			return true, o.say(ctx, silenceMoveOnLine)

		case out.Reason == turn.ReasonWrapup:
			return true, o.say(ctx, wrapupEndLine)

		default:
			return true, nil
		}
	}
}

// runRollcall asks every participant in turn to confirm consent. Any speech
// counts as confirmation; a missed participant is noted aloud and followed up
// outside the session.
func (o *Orchestrator) runRollcall(ctx context.Context, q *guide.Question, qid string) error {
	if err := o.say(ctx, q.Text); err != nil {
		return err
	}
	o.pause(ctx, time.Second)

	for _, p := range o.state.Participants() {
		if o.ended(ctx) {
			return nil
		}

		o.selectInput(ctx, p.Identity)

		name := p.DisplayName
		if name == "" {
			name = p.Identity
		}
		if err := o.say(ctx, consentPromptLine(name)); err != nil {
			return err
		}

		o.turns.StartTurn(p.Identity, name, "consent", qid+"_"+p.Identity,
			turn.WithTurnTiming(o.rollcall))
		out := o.turns.RunTurn(ctx)

		if out.Reason == turn.ReasonSessionEnded {
			return nil
		}

		line := consentThanksLine(name)
		if !out.GotResponse {
			line = consentMissedLine(name)
		}
		if err := o.say(ctx, line); err != nil {
			return err
		}
	}

	return o.say(ctx, rollcallDoneLine)
}

// selectInput points the shared audio slot at identity. Failures are logged;
// the turn still runs and resolves as silence if the participant cannot be
// heard.
func (o *Orchestrator) selectInput(ctx context.Context, identity string) {
	if o.selector == nil {
		return
	}
	if err := o.selector.Select(identity); err != nil {
		o.events.Emit(ctx, observe.EventAudioInputSwitchError,
			slog.String("participant", identity),
			slog.String("error", truncate(err.Error(), 50)),
		)
		return
	}
	o.events.Emit(ctx, observe.EventAudioInputSwitched, slog.String("participant", identity))
}

func (o *Orchestrator) say(ctx context.Context, text string) error {
	return o.speaker.Speak(ctx, text)
}

func (o *Orchestrator) ended(ctx context.Context) bool {
	return o.state.IsEnded() || ctx.Err() != nil
}

// ignoreClosing maps the session-closing sentinel to a clean return; any
// other speech error propagates.
func ignoreClosing(err error) error {
	if errors.Is(err, ErrSessionClosing) {
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
