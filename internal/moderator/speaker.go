package moderator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/session"
	"github.com/leverlabs/caucus/pkg/provider/tts"
)

// ErrSessionClosing is returned by [Speaker.Speak] when the session ended
// before or during playback. Callers treat it as a signal to stop talking,
// not as a failure.
var ErrSessionClosing = errors.New("moderator: session closing")

// AudioOutput plays rendered moderator audio into the room. Play blocks until
// playback finishes or ctx is cancelled.
type AudioOutput interface {
	Play(ctx context.Context, audio io.Reader) error
}

// Speaker turns text into spoken moderator audio: synthesize through the TTS
// provider, then play the result through the room's audio output. Speech is
// serialised; concurrent Speak calls queue behind the mutex so the moderator
// never talks over itself.
type Speaker struct {
	tts     tts.Provider
	voice   tts.Voice
	out     AudioOutput
	state   *session.State
	metrics *observe.Metrics

	mu       sync.Mutex
	speaking atomic.Bool
}

// SpeakerOption is a functional option for Speaker.
type SpeakerOption func(*Speaker)

// WithSpeakerMetrics sets the metrics instruments.
func WithSpeakerMetrics(m *observe.Metrics) SpeakerOption {
	return func(s *Speaker) {
		s.metrics = m
	}
}

// NewSpeaker creates a speaker for the given session. state gates speech:
// once the session ends, Speak returns [ErrSessionClosing] without touching
// the provider.
func NewSpeaker(provider tts.Provider, voice tts.Voice, out AudioOutput, state *session.State, opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		tts:   provider,
		voice: voice,
		out:   out,
		state: state,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Speaking reports whether moderator audio is currently being rendered or
// played. The transcript pump drops recogniser output while this is true so
// the moderator does not transcribe itself.
func (s *Speaker) Speaking() bool {
	return s.speaking.Load()
}

// Speak renders text and plays it, blocking until playback completes. Returns
// [ErrSessionClosing] when the session ended before playback could start.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil && s.state.IsEnded() {
		return ErrSessionClosing
	}

	start := time.Now()
	s.speaking.Store(true)
	defer s.speaking.Store(false)

	audio, err := s.tts.Synthesize(ctx, text, s.voice)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(context.WithoutCancel(ctx), "tts", "synthesize")
		}
		return fmt.Errorf("moderator: synthesize: %w", err)
	}
	defer audio.Close()

	if err := s.out.Play(ctx, audio); err != nil {
		if s.state != nil && s.state.IsEnded() {
			return ErrSessionClosing
		}
		return fmt.Errorf("moderator: play: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SpeakDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}
	return nil
}
