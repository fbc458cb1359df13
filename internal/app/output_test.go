package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/leverlabs/caucus/pkg/types"
)

// noTick disables playback pacing so tests run instantly.
func noTick(_ context.Context, _ time.Duration) error { return nil }

func collectFrames(out <-chan types.AudioFrame) []types.AudioFrame {
	var frames []types.AudioFrame
	for {
		select {
		case f := <-out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestFrameOutput_Play(t *testing.T) {
	out := make(chan types.AudioFrame, 16)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)
	f.tick = noTick

	// Two full 20ms chunks plus a half chunk of 24 kHz mono PCM.
	const chunkBytes = 960
	pcm := make([]byte, chunkBytes*2+chunkBytes/2)
	if err := f.Play(context.Background(), bytes.NewReader(pcm)); err != nil {
		t.Fatalf("Play: %v", err)
	}

	frames := collectFrames(out)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, frame := range frames {
		if frame.SampleRate != 48000 || frame.Channels != 2 {
			t.Errorf("frame %d format = %d/%d, want 48000/2", i, frame.SampleRate, frame.Channels)
		}
		if frame.ParticipantID != "moderator" {
			t.Errorf("frame %d participant = %q, want moderator", i, frame.ParticipantID)
		}
		if want := time.Duration(i) * frameDuration; frame.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, frame.Timestamp, want)
		}
	}
	// 24 kHz mono doubles to 48 kHz, then doubles again to stereo.
	if len(frames[0].Data) != chunkBytes*4 {
		t.Errorf("full frame = %d bytes, want %d", len(frames[0].Data), chunkBytes*4)
	}
	if len(frames[2].Data) != chunkBytes*2 {
		t.Errorf("tail frame = %d bytes, want %d", len(frames[2].Data), chunkBytes*2)
	}
}

func TestFrameOutput_Play_EmptyReader(t *testing.T) {
	out := make(chan types.AudioFrame, 1)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)
	f.tick = noTick

	if err := f.Play(context.Background(), bytes.NewReader(nil)); err != nil {
		t.Fatalf("Play on empty reader: %v", err)
	}
	if frames := collectFrames(out); len(frames) != 0 {
		t.Errorf("frames = %d, want 0", len(frames))
	}
}

func TestFrameOutput_Play_CancelledContext(t *testing.T) {
	// Unbuffered channel with no reader: the only way out is ctx.
	out := make(chan types.AudioFrame)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)
	f.tick = noTick

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pcm := make([]byte, 960)
	if err := f.Play(ctx, bytes.NewReader(pcm)); !errors.Is(err, context.Canceled) {
		t.Errorf("Play err = %v, want context.Canceled", err)
	}
}

type failReader struct{ err error }

func (r failReader) Read(_ []byte) (int, error) { return 0, r.err }

func TestFrameOutput_Play_ReadError(t *testing.T) {
	out := make(chan types.AudioFrame, 1)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)
	f.tick = noTick

	readErr := errors.New("synthesis stream broke")
	if err := f.Play(context.Background(), failReader{err: readErr}); !errors.Is(err, readErr) {
		t.Errorf("Play err = %v, want %v", err, readErr)
	}
}

func TestFrameOutput_Play_PacesEachChunk(t *testing.T) {
	out := make(chan types.AudioFrame, 16)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)

	ticks := 0
	f.tick = func(_ context.Context, d time.Duration) error {
		if d != frameDuration {
			t.Errorf("tick duration = %v, want %v", d, frameDuration)
		}
		ticks++
		return nil
	}

	pcm := make([]byte, 960*3)
	if err := f.Play(context.Background(), bytes.NewReader(pcm)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

// io.MultiReader delivers short reads at segment boundaries; playback must
// still produce correctly sized chunks.
func TestFrameOutput_Play_ShortReads(t *testing.T) {
	out := make(chan types.AudioFrame, 16)
	f := NewFrameOutput(out, ttsSampleRate, ttsChannels)
	f.tick = noTick

	r := io.MultiReader(
		bytes.NewReader(make([]byte, 100)),
		bytes.NewReader(make([]byte, 860)),
		bytes.NewReader(make([]byte, 960)),
	)
	if err := f.Play(context.Background(), r); err != nil {
		t.Fatalf("Play: %v", err)
	}

	frames := collectFrames(out)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, frame := range frames {
		if len(frame.Data) != 960*4 {
			t.Errorf("frame %d = %d bytes, want %d", i, len(frame.Data), 960*4)
		}
	}
}
