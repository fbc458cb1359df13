package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/leverlabs/caucus/internal/config"
)

// recordingSpeaker records every line spoken and can fail on demand.
type recordingSpeaker struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *recordingSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, text)
	return nil
}

func (s *recordingSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *recordingSpeaker) spokenContaining(substr string) int {
	n := 0
	for _, l := range s.spoken() {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func timing(silencePrompt, grace, maxAnswer, wrapup, eos time.Duration) config.TimingConfig {
	return config.TimingConfig{
		SilencePrompt:      silencePrompt,
		SilenceGrace:       grace,
		MaxAnswer:          maxAnswer,
		Wrapup:             wrapup,
		EndOfSpeechSilence: eos,
	}
}

func newTestController(t *testing.T, tc config.TimingConfig) (*Controller, *recordingSpeaker, chan struct{}) {
	t.Helper()
	sp := &recordingSpeaker{}
	ended := make(chan struct{})
	c := NewController(sp, ended, WithTiming(tc))
	return c, sp, ended
}

func TestQuickAnswer(t *testing.T) {
	c, sp, _ := newTestController(t, timing(20*time.Second, time.Second, 45*time.Second, time.Second, 500*time.Millisecond))
	c.StartTurn("alice_1", "Alice", "What do you think?", "q1")

	start := time.Now()
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.OnTranscript("Yes, I agree")
	}()

	out := c.RunTurn(context.Background())
	elapsed := time.Since(start)

	if out.Reason != ReasonAnswer {
		t.Fatalf("reason = %q, want answer", out.Reason)
	}
	if !out.GotResponse {
		t.Error("got_response should be true")
	}
	if out.AskedToRepeat {
		t.Error("asked_to_repeat should be false")
	}
	if elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, want under 2s", elapsed)
	}
	if len(sp.spoken()) != 0 {
		t.Errorf("no prompt should have been spoken, got %v", sp.spoken())
	}
}

func TestTotalSilence(t *testing.T) {
	c, sp, _ := newTestController(t, timing(300*time.Millisecond, 300*time.Millisecond, 45*time.Second, time.Second, 4*time.Second))
	c.StartTurn("bob_2", "Bob", "Your thoughts?", "q2")

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonSilenceSkip {
		t.Fatalf("reason = %q, want silence_skip", out.Reason)
	}
	if out.GotResponse {
		t.Error("got_response should be false")
	}
	if got := sp.spokenContaining("Bob, I'd love to hear your thoughts"); got != 1 {
		t.Errorf("silence prompt spoken %d times, want 1: %v", got, sp.spoken())
	}
	if !c.SilencePrompted() {
		t.Error("silence_prompted flag should be set")
	}
}

func TestSpeechCancelsSilencePrompt(t *testing.T) {
	c, sp, _ := newTestController(t, timing(500*time.Millisecond, 300*time.Millisecond, 45*time.Second, time.Second, 300*time.Millisecond))
	c.StartTurn("carol_3", "Carol", "Opinions?", "q3")

	go func() {
		time.Sleep(200 * time.Millisecond)
		c.OnTranscript("I think the product is fine")
	}()

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonAnswer {
		t.Fatalf("reason = %q, want answer", out.Reason)
	}
	if got := sp.spokenContaining("I'd love to hear"); got != 0 {
		t.Errorf("silence prompt spoken %d times, want 0", got)
	}
}

func TestInterimSpeechSuppressesSilencePrompt(t *testing.T) {
	c, sp, _ := newTestController(t, timing(300*time.Millisecond, 300*time.Millisecond, 45*time.Second, time.Second, 400*time.Millisecond))
	c.StartTurn("alice_1", "Alice", "What do you think?", "q1")

	// Interim recogniser results arrive well past the silence-prompt
	// deadline without a single finalized segment.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range 6 {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.OnSpeechActivity()
			}
		}
	}()

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonAnswer {
		t.Fatalf("reason = %q, want answer", out.Reason)
	}
	if !out.GotResponse {
		t.Error("got_response should be true")
	}
	if got := sp.spokenContaining("I'd love to hear"); got != 0 {
		t.Errorf("silence prompt spoken %d times over an actively speaking participant", got)
	}
	if c.SilencePrompted() {
		t.Error("silence_prompted flag should stay unset")
	}
	if got := c.Transcript(); got != "" {
		t.Errorf("buffer = %q, want empty; speech activity must not buffer text", got)
	}
}

func TestInterimSpeechAnchorsMaxAnswer(t *testing.T) {
	c, sp, _ := newTestController(t, timing(5*time.Second, time.Second, 300*time.Millisecond, 200*time.Millisecond, 10*time.Second))
	c.StartTurn("erin_5", "Erin", "Tell me everything.", "q5")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.OnSpeechActivity()
			}
		}
	}()

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonWrapup {
		t.Fatalf("reason = %q, want wrapup; first interim must release the answer bound", out.Reason)
	}
	if got := sp.spokenContaining("wrap it up"); got != 1 {
		t.Errorf("wrapup prompt spoken %d times, want 1: %v", got, sp.spoken())
	}
}

func TestRepeatRequest(t *testing.T) {
	c, _, _ := newTestController(t, timing(5*time.Second, time.Second, 45*time.Second, time.Second, 200*time.Millisecond))
	c.StartTurn("dave_4", "Dave", "What brands come to mind?", "q4")

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.OnTranscript("can you repeat that")
	}()

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonRepeat {
		t.Fatalf("reason = %q, want repeat", out.Reason)
	}
	if !out.AskedToRepeat {
		t.Error("asked_to_repeat should be true")
	}
	if !out.GotResponse {
		t.Error("got_response should be true")
	}
}

func TestLongAnswerWrapup(t *testing.T) {
	c, sp, _ := newTestController(t, timing(5*time.Second, time.Second, 300*time.Millisecond, 200*time.Millisecond, 10*time.Second))
	c.StartTurn("erin_5", "Erin", "Tell me everything.", "q5")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.OnTranscript("and another thing")
			}
		}
	}()

	out := c.RunTurn(context.Background())

	if out.Reason != ReasonWrapup {
		t.Fatalf("reason = %q, want wrapup", out.Reason)
	}
	if !out.GotResponse {
		t.Error("got_response should be true")
	}
	if got := sp.spokenContaining("wrap it up"); got != 1 {
		t.Errorf("wrapup prompt spoken %d times, want 1: %v", got, sp.spoken())
	}
}

func TestGhostTimer(t *testing.T) {
	c, sp, _ := newTestController(t, timing(300*time.Millisecond, 300*time.Millisecond, 45*time.Second, time.Second, 4*time.Second))

	c.StartTurn("alice_1", "Alice", "Q for A", "q1")
	go c.RunTurn(context.Background())

	time.Sleep(100 * time.Millisecond)
	c.StartTurn("bob_2", "Bob", "Q for B", "q2")

	time.Sleep(500 * time.Millisecond)

	if got := c.TurnID(); got != 2 {
		t.Errorf("turn_id = %d, want 2", got)
	}
	if got := sp.spokenContaining("Alice"); got != 0 {
		t.Errorf("ghost prompt spoken for prior participant: %v", sp.spoken())
	}
	c.EndTurn("test_cleanup")
}

func TestTurnIDStrictlyIncreases(t *testing.T) {
	c, _, _ := newTestController(t, timing(time.Second, time.Second, time.Second, time.Second, time.Second))

	prev := c.TurnID()
	for range 5 {
		id := c.StartTurn("p", "P", "q", "qid")
		if id != prev+1 {
			t.Fatalf("turn id %d after %d, want +1", id, prev)
		}
		prev = id
		c.EndTurn("next")
	}
}

func TestSessionEndedResolvesTurn(t *testing.T) {
	c, _, ended := newTestController(t, timing(10*time.Second, time.Second, 45*time.Second, time.Second, 4*time.Second))
	c.StartTurn("alice_1", "Alice", "q", "q1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(ended)
	}()

	out := c.RunTurn(context.Background())
	if out.Reason != ReasonSessionEnded {
		t.Fatalf("reason = %q, want session_ended", out.Reason)
	}
	if out.GotResponse || out.AskedToRepeat {
		t.Error("session_ended outcome must not report a response")
	}
}

func TestExternalEndTurn(t *testing.T) {
	c, _, _ := newTestController(t, timing(10*time.Second, time.Second, 45*time.Second, time.Second, 4*time.Second))
	c.StartTurn("alice_1", "Alice", "q", "q1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.OnTranscript("partial thought")
		time.Sleep(50 * time.Millisecond)
		c.EndTurn("disconnect")
	}()

	out := c.RunTurn(context.Background())
	if out.Reason != ReasonExternal {
		t.Fatalf("reason = %q, want external", out.Reason)
	}
	if !out.GotResponse {
		t.Error("got_response should reflect has_speech")
	}
}

func TestSpeakFailureIsSwallowed(t *testing.T) {
	c, sp, _ := newTestController(t, timing(100*time.Millisecond, 100*time.Millisecond, 45*time.Second, time.Second, 4*time.Second))
	sp.err = errors.New("session closing")
	c.StartTurn("alice_1", "Alice", "q", "q1")

	out := c.RunTurn(context.Background())
	if out.Reason != ReasonSilenceSkip {
		t.Fatalf("reason = %q, want silence_skip despite speak failure", out.Reason)
	}
}

func TestTranscriptDiscardedOutsideTurn(t *testing.T) {
	c, _, _ := newTestController(t, timing(time.Second, time.Second, time.Second, time.Second, time.Second))

	// No active turn yet.
	c.OnTranscript("early noise")

	c.StartTurn("alice_1", "Alice", "q", "q1")
	if got := c.Transcript(); got != "" {
		t.Errorf("buffer = %q, want empty after discarded transcript", got)
	}
	c.EndTurn("cleanup")

	c.OnTranscript("late noise")
	if got := c.Transcript(); got != "" {
		t.Errorf("buffer = %q, want empty after turn end", got)
	}
}

func TestStartTurnResetsSpeechState(t *testing.T) {
	c, _, _ := newTestController(t, timing(5*time.Second, time.Second, 45*time.Second, time.Second, 100*time.Millisecond))

	c.StartTurn("alice_1", "Alice", "q", "q1")
	go c.OnTranscript("first turn words")
	c.RunTurn(context.Background())

	c.StartTurn("bob_2", "Bob", "q", "q2")
	if got := c.Transcript(); got != "" {
		t.Errorf("buffer = %q, want empty at new turn", got)
	}
	c.mu.Lock()
	if c.hasSpeech {
		t.Error("has_speech should reset at start_turn")
	}
	if len(c.timers) != 0 {
		t.Errorf("timer handles = %d, want 0 before RunTurn", len(c.timers))
	}
	c.mu.Unlock()
	c.EndTurn("cleanup")
}

func TestRunTurnRecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	c, _, _ := newTestController(t, timing(50*time.Millisecond, 50*time.Millisecond, 45*time.Second, time.Second, 4*time.Second))
	c.StartTurn("alice_1", "Alice", "q", "q1")
	c.RunTurn(context.Background())

	var turnSpan *tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		if s.Name == "turn" {
			turnSpan = &s
			break
		}
	}
	if turnSpan == nil {
		t.Fatal("no turn span recorded")
	}

	attrs := make(map[attribute.Key]attribute.Value, len(turnSpan.Attributes))
	for _, kv := range turnSpan.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["participant"].AsString(); got != "alice_1" {
		t.Errorf("participant attribute = %q, want alice_1", got)
	}
	if got := attrs["question_id"].AsString(); got != "q1" {
		t.Errorf("question_id attribute = %q, want q1", got)
	}
	if got := attrs["reason"].AsString(); got != string(ReasonSilenceSkip) {
		t.Errorf("reason attribute = %q, want silence_skip", got)
	}
}

func TestPerTurnTimingOverride(t *testing.T) {
	// Controller default would wait 20s for silence; the per-turn override
	// collapses it so the turn skips almost immediately.
	c, _, _ := newTestController(t, timing(20*time.Second, 20*time.Second, 45*time.Second, time.Second, 4*time.Second))
	c.StartTurn("alice_1", "Alice", "consent", "q1_alice_1",
		WithTurnTiming(timing(50*time.Millisecond, 50*time.Millisecond, 45*time.Second, time.Second, 4*time.Second)))

	start := time.Now()
	out := c.RunTurn(context.Background())
	if out.Reason != ReasonSilenceSkip {
		t.Fatalf("reason = %q, want silence_skip", out.Reason)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, override not applied", elapsed)
	}
}
