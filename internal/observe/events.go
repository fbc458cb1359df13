package observe

import (
	"context"
	"log/slog"
)

// Event names emitted by the moderator pipeline. Every turn event carries a
// turn_id attribute; question events carry qid. Downstream analysis greps for
// these names, so they are stable identifiers, not prose.
const (
	EventTurnStart             = "TURN_START"
	EventTurnSpeechStart       = "TURN_SPEECH_START"
	EventTurnEnd               = "TURN_END"
	EventTimerCancelled        = "TIMER_CANCELLED"
	EventSilencePromptTrigger  = "SILENCE_PROMPT_TRIGGERED"
	EventSilenceSkipTrigger    = "SILENCE_SKIP_TRIGGERED"
	EventWrapupTrigger         = "WRAPUP_TRIGGERED"
	EventWrapupEndTrigger      = "WRAPUP_END_TRIGGERED"
	EventEndOfSpeechDetected   = "END_OF_SPEECH_DETECTED"
	EventQuestionBegin         = "QUESTION_BEGIN"
	EventQuestionAdvanced      = "QUESTION_ADVANCED"
	EventShutdownTriggered     = "SHUTDOWN_TRIGGERED"
	EventSessionWaiting        = "SESSION_WAITING"
	EventSessionStarted        = "SESSION_STARTED"
	EventDiscussionStart       = "DISCUSSION_START"
	EventDiscussionComplete    = "DISCUSSION_COMPLETE"
	EventSectionStart          = "SECTION_START"
	EventTranscriptReceived    = "TRANSCRIPT_RECEIVED"
	EventAudioInputSwitched    = "AUDIO_INPUT_SWITCHED"
	EventAudioInputSwitchError = "AUDIO_INPUT_SWITCH_ERROR"
)

// Events is the structured event sink for the moderator pipeline. One line
// per material event, with a millisecond timestamp from the slog handler and
// key=value attributes. A nil *Events is valid and discards everything, which
// keeps call sites clean in tests.
type Events struct {
	log *slog.Logger
}

// NewEvents creates an event sink writing through logger. Passing nil uses
// [slog.Default].
func NewEvents(logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{log: logger}
}

// Emit writes one event line at info level.
func (e *Events) Emit(ctx context.Context, name string, attrs ...slog.Attr) {
	if e == nil {
		return
	}
	e.log.LogAttrs(ctx, slog.LevelInfo, name, attrs...)
}

// Turn returns an event sink whose lines all carry the given turn_id.
func (e *Events) Turn(turnID int64) *Events {
	if e == nil {
		return nil
	}
	return &Events{log: e.log.With(slog.Int64("turn_id", turnID))}
}

// Question returns an event sink whose lines all carry the given qid.
func (e *Events) Question(qid string) *Events {
	if e == nil {
		return nil
	}
	return &Events{log: e.log.With(slog.String("qid", qid))}
}
