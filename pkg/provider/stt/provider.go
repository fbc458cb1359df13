// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is Stream: once
// opened, a stream accepts raw PCM audio frames and emits Transcript values —
// low-latency partials for responsiveness and authoritative finals that drive
// the moderator's turn taking.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/leverlabs/caucus/pkg/types"
)

// ErrStreamClosed is returned by Stream.SendAudio after the stream has been
// closed.
var ErrStreamClosed = errors.New("stt: stream is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// stream. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (room audio).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words, such as participant display names
	// during rollcall.
	Keywords []string
}

// Stream represents an open STT streaming session. It is an interface so that
// test code can provide fake implementations without a live provider connection.
//
// Callers must call Close when the stream is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit depth agreed in StreamConfig. Calling SendAudio after Close returns
	// ErrStreamClosed.
	SendAudio(chunk []byte) error

	// Transcripts returns a read-only channel that emits Transcript values as
	// the provider produces them. Partial (interim) and final results are
	// interleaved; consumers distinguish them via Transcript.IsFinal. The
	// channel is closed when the stream ends.
	Transcripts() <-chan types.Transcript

	// Close terminates the stream, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Transcripts channel will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned Stream is ready
	// to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the Stream and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
