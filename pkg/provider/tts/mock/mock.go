// Package mock provides an in-memory tts.Provider for tests. It records every
// synthesized line and returns canned audio bytes.
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/leverlabs/caucus/pkg/provider/tts"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider for tests.
type Provider struct {
	mu    sync.Mutex
	lines []string

	// Audio is the canned audio returned for every request. Defaults to a
	// short non-empty payload.
	Audio []byte

	// Err, when non-nil, is returned by Synthesize instead of audio.
	Err error
}

// New creates a mock Provider.
func New() *Provider {
	return &Provider{Audio: []byte{0, 0, 0, 0}}
}

// Synthesize records text and returns the canned audio, or Err if set.
func (p *Provider) Synthesize(_ context.Context, text string, _ tts.Voice) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.lines = append(p.lines, text)
	return io.NopCloser(bytes.NewReader(p.Audio)), nil
}

// Lines returns a copy of all texts synthesized so far.
func (p *Provider) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}
