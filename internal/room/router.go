package room

import (
	"log/slog"
	"sync"

	"github.com/leverlabs/caucus/pkg/types"
)

// FrameSink consumes the audio frames of the currently selected participant.
// The speech recogniser's stream implements this shape via an adapter in the
// agent wiring.
type FrameSink interface {
	SendAudio(data []byte) error
}

// InputRouter owns the single shared audio-input slot: the recogniser can
// attend to one participant at a time, so frames from everyone else are
// dropped. The orchestrator selects the active participant before each turn.
//
// InputRouter is safe for concurrent use; frame routing takes the lock only
// long enough to read the active identity.
type InputRouter struct {
	mu     sync.Mutex
	active string
	sink   FrameSink

	dropped uint64
}

// NewInputRouter creates a router feeding sink. The router starts with no
// active participant; every frame is dropped until the first Select.
func NewInputRouter(sink FrameSink) *InputRouter {
	return &InputRouter{sink: sink}
}

// Select switches the audio slot to the given participant identity. Frames
// from the previous participant stop flowing as of return.
func (r *InputRouter) Select(identity string) {
	r.mu.Lock()
	prev := r.active
	r.active = identity
	r.mu.Unlock()

	if prev != identity {
		slog.Debug("audio input switched", "from", prev, "to", identity)
	}
}

// Active returns the currently selected participant identity.
func (r *InputRouter) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Route forwards frame to the sink iff it belongs to the active participant.
// Returns the sink error for active frames; dropped frames return nil.
func (r *InputRouter) Route(frame types.AudioFrame) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == "" || frame.ParticipantID != active {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return nil
	}
	return r.sink.SendAudio(frame.Data)
}

// Dropped returns how many frames were discarded for not matching the active
// participant.
func (r *InputRouter) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
