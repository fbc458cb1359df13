// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI TTS) and
// presents a uniform request/response interface. The moderator speaks full
// prepared lines rather than token streams, so Synthesize takes the complete
// text and returns a reader over the rendered audio.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"io"
)

// Voice specifies the synthesis voice parameters for the moderator.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g., "echo").
	ID string

	// Speed adjusts speaking rate in the range [0.25, 4.0]. Zero means the
	// provider default.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; the moderator serialises
// speech itself, but health checks may probe the provider concurrently.
type Provider interface {
	// Synthesize renders text with the given voice and returns a reader over
	// the raw audio bytes. The audio format is provider-specific (the OpenAI
	// implementation returns 24 kHz mono 16-bit PCM).
	//
	// The caller must close the returned reader. Returns an error if the
	// synthesis request cannot be started or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice Voice) (io.ReadCloser, error)
}
