// Package mock provides an in-memory stt.Provider for tests. Streams accept
// injected transcripts via the Emit method instead of performing recognition.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/leverlabs/caucus/pkg/provider/stt"
	"github.com/leverlabs/caucus/pkg/types"
)

// Provider implements stt.Provider. Every StartStream call returns a new
// *Stream, which is also recorded on the provider for later inspection.
type Provider struct {
	mu      sync.Mutex
	streams []*Stream

	// StartErr, when non-nil, is returned by StartStream.
	StartErr error
}

// New creates a mock Provider.
func New() *Provider {
	return &Provider{}
}

// StartStream returns a new mock stream, or StartErr if set.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewStream()
	s.Config = cfg
	p.streams = append(p.streams, s)
	return s, nil
}

// Streams returns all streams started so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Stream implements stt.Stream. Audio sent to it is accumulated; transcripts
// are produced only through Emit.
type Stream struct {
	// Config is the StreamConfig the stream was started with.
	Config stt.StreamConfig

	mu          sync.Mutex
	closed      bool
	audio       [][]byte
	transcripts chan types.Transcript
}

// NewStream creates a standalone mock stream, useful when a test does not need
// a full provider.
func NewStream() *Stream {
	return &Stream{transcripts: make(chan types.Transcript, 64)}
}

// SendAudio records the chunk. Returns stt.ErrStreamClosed after Close.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: %w", stt.ErrStreamClosed)
	}
	s.audio = append(s.audio, chunk)
	return nil
}

// Transcripts returns the injected transcript channel.
func (s *Stream) Transcripts() <-chan types.Transcript { return s.transcripts }

// Close marks the stream closed and closes the transcript channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.transcripts)
	}
	return nil
}

// Emit injects a transcript as if the recognizer had produced it. Emit after
// Close is a no-op.
func (s *Stream) Emit(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.transcripts <- t
}

// EmitFinal is a convenience wrapper emitting a final transcript with the
// given text.
func (s *Stream) EmitFinal(text string) {
	s.Emit(types.Transcript{Text: text, IsFinal: true, Confidence: 1})
}

// AudioChunks returns a copy of all audio chunks received so far.
func (s *Stream) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}
