package moderator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leverlabs/caucus/internal/session"
	"github.com/leverlabs/caucus/pkg/provider/tts"
	ttsmock "github.com/leverlabs/caucus/pkg/provider/tts/mock"
)

// captureOutput collects everything played.
type captureOutput struct {
	mu      sync.Mutex
	played  [][]byte
	block   chan struct{}
	playErr error

	// onPlay, when set, fires at the start of every Play call.
	onPlay func()
}

func (o *captureOutput) Play(ctx context.Context, audio io.Reader) error {
	if o.onPlay != nil {
		o.onPlay()
	}
	if o.block != nil {
		select {
		case <-o.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if o.playErr != nil {
		return o.playErr
	}
	data, err := io.ReadAll(audio)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.played = append(o.played, data)
	return nil
}

func (o *captureOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.played)
}

func TestSpeak_SynthesizesAndPlays(t *testing.T) {
	provider := ttsmock.New()
	provider.Audio = []byte{1, 2, 3}
	out := &captureOutput{}
	st := session.NewState("room", "id")
	sp := NewSpeaker(provider, tts.Voice{ID: "echo"}, out, st)

	if err := sp.Speak(context.Background(), "Hello there"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := provider.Lines(); len(got) != 1 || got[0] != "Hello there" {
		t.Errorf("synthesized lines = %q", got)
	}
	if out.count() != 1 {
		t.Fatalf("played %d clips, want 1", out.count())
	}
	if sp.Speaking() {
		t.Error("Speaking() should be false after playback")
	}
}

func TestSpeak_SessionEnded(t *testing.T) {
	provider := ttsmock.New()
	st := session.NewState("room", "id")
	st.TriggerShutdown("session_ended")
	sp := NewSpeaker(provider, tts.Voice{}, &captureOutput{}, st)

	err := sp.Speak(context.Background(), "too late")
	if !errors.Is(err, ErrSessionClosing) {
		t.Fatalf("err = %v, want ErrSessionClosing", err)
	}
	if got := provider.Lines(); len(got) != 0 {
		t.Errorf("provider should not be called after session end, got %q", got)
	}
}

func TestSpeak_SynthesisError(t *testing.T) {
	provider := ttsmock.New()
	provider.Err = errors.New("upstream 500")
	st := session.NewState("room", "id")
	sp := NewSpeaker(provider, tts.Voice{}, &captureOutput{}, st)

	if err := sp.Speak(context.Background(), "x"); err == nil {
		t.Fatal("expected synthesis error")
	}
}

func TestSpeak_PlaybackErrorAfterShutdownIsClosing(t *testing.T) {
	provider := ttsmock.New()
	st := session.NewState("room", "id")
	// Shutdown lands between the entry check and playback.
	out := &captureOutput{playErr: errors.New("track closed")}
	out.onPlay = func() { st.TriggerShutdown("session_ended") }
	sp := NewSpeaker(provider, tts.Voice{}, out, st)

	err := sp.Speak(context.Background(), "x")
	if !errors.Is(err, ErrSessionClosing) {
		t.Fatalf("err = %v, want ErrSessionClosing", err)
	}
}

func TestSpeaking_TrueDuringPlayback(t *testing.T) {
	provider := ttsmock.New()
	st := session.NewState("room", "id")
	out := &captureOutput{block: make(chan struct{})}
	sp := NewSpeaker(provider, tts.Voice{}, out, st)

	done := make(chan error, 1)
	go func() {
		done <- sp.Speak(context.Background(), "long monologue")
	}()

	// Wait for playback to start.
	deadline := time.Now().Add(2 * time.Second)
	for !sp.Speaking() {
		if time.Now().After(deadline) {
			t.Fatal("Speaking() never became true")
		}
		time.Sleep(time.Millisecond)
	}
	close(out.block)

	if err := <-done; err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if sp.Speaking() {
		t.Error("Speaking() should reset after playback")
	}
}
