package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/leverlabs/caucus/pkg/audio"
	"github.com/leverlabs/caucus/pkg/types"
)

// TTS output format. The OpenAI provider returns 24 kHz mono 16-bit PCM.
const (
	ttsSampleRate = 24000
	ttsChannels   = 1
)

// roomFormat is the publishing format of the room output stream.
var roomFormat = audio.Format{SampleRate: 48000, Channels: 2}

// frameDuration is the wall-clock length of each published frame. Playback is
// paced at this interval so the moderator's Speak call returns roughly when
// the audio finishes playing in the room.
const frameDuration = 20 * time.Millisecond

// FrameOutput adapts the room connection's output stream to the moderator's
// playback interface. It chunks synthesized PCM into fixed-duration frames,
// converts them to the room publishing format, and paces them in real time.
//
// FrameOutput is not safe for concurrent Play calls; the moderator serialises
// speech itself.
type FrameOutput struct {
	out        chan<- types.AudioFrame
	sampleRate int
	channels   int

	// now and tick are swappable for tests.
	tick func(ctx context.Context, d time.Duration) error
}

// NewFrameOutput creates a FrameOutput publishing to out. sampleRate and
// channels describe the PCM produced by the TTS provider.
func NewFrameOutput(out chan<- types.AudioFrame, sampleRate, channels int) *FrameOutput {
	return &FrameOutput{
		out:        out,
		sampleRate: sampleRate,
		channels:   channels,
		tick: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Play reads PCM from r until EOF, publishing it as paced room frames.
// Returns ctx.Err() when cancelled mid-playback and the reader error on a
// failed read.
func (f *FrameOutput) Play(ctx context.Context, r io.Reader) error {
	chunkBytes := f.sampleRate * f.channels * 2 * int(frameDuration.Milliseconds()) / 1000
	buf := make([]byte, chunkBytes)

	conv := audio.FormatConverter{Target: roomFormat}
	var elapsed time.Duration

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			frame := conv.Convert(types.AudioFrame{
				Data:          data,
				SampleRate:    f.sampleRate,
				Channels:      f.channels,
				ParticipantID: "moderator",
				Timestamp:     elapsed,
			})
			if len(frame.Data) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case f.out <- frame:
				}
			}
			elapsed += frameDuration
			if terr := f.tick(ctx, frameDuration); terr != nil {
				return terr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}
