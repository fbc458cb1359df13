// Package session holds the agent-side view of a running focus-group
// session: its identifiers, the participant roster, and the global shutdown
// flag every blocking operation observes.
package session

import (
	"context"
	"sync"
)

// Participant is one human member of the session as the agent sees it.
type Participant struct {
	// Identity is the room identity (e.g. "jane_doe_2").
	Identity string

	// DisplayName is the human-readable name used in spoken prompts.
	DisplayName string
}

// State is the shared per-session state. It is created when the agent joins a
// room and lives until the process exits. All methods are safe for concurrent
// use.
type State struct {
	// RoomName is the room the agent joined.
	RoomName string

	// SessionID is the control-plane session id backing the room.
	SessionID string

	mu           sync.Mutex
	participants []Participant

	endOnce sync.Once
	ended   chan struct{}
	reason  string
}

// NewState creates session state for the given room and control-plane
// session.
func NewState(roomName, sessionID string) *State {
	return &State{
		RoomName:  roomName,
		SessionID: sessionID,
		ended:     make(chan struct{}),
	}
}

// SetParticipants replaces the roster. Called when the agent enumerates the
// room at discussion start.
func (s *State) SetParticipants(ps []Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = make([]Participant, len(ps))
	copy(s.participants, ps)
}

// Participants returns a copy of the roster.
func (s *State) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// TriggerShutdown sets the global termination flag. The first caller wins;
// later calls are no-ops. reason is recorded for the shutdown log line.
func (s *State) TriggerShutdown(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.ended)
	})
}

// Ended returns a channel closed when the session terminates. Select on it in
// every wait loop.
func (s *State) Ended() <-chan struct{} {
	return s.ended
}

// IsEnded reports whether shutdown was triggered.
func (s *State) IsEnded() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}

// ShutdownReason returns the reason recorded by the first TriggerShutdown
// call, or "" when the session is still live.
func (s *State) ShutdownReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Wait blocks until the session ends or ctx is done.
func (s *State) Wait(ctx context.Context) error {
	select {
	case <-s.ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
