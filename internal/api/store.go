package api

import (
	"context"
	"errors"
	"sync"

	"github.com/leverlabs/caucus/internal/controlplane"
)

// ErrNotFound is returned by a [Store] when no session matches the lookup.
var ErrNotFound = errors.New("api: session not found")

// Store persists session documents. Implementations must be safe for
// concurrent use; the server serialises read-modify-write cycles itself.
type Store interface {
	// Create inserts a new session. Returns an error if the id is taken.
	Create(ctx context.Context, s *controlplane.Session) error

	// Get retrieves a session by id. Returns [ErrNotFound] when absent.
	Get(ctx context.Context, id string) (*controlplane.Session, error)

	// Update replaces an existing session document. Returns [ErrNotFound]
	// when absent.
	Update(ctx context.Context, s *controlplane.Session) error

	// FindByRoom retrieves the session backing roomName. Returns
	// [ErrNotFound] when absent.
	FindByRoom(ctx context.Context, roomName string) (*controlplane.Session, error)
}

// MemoryStore is an in-process [Store]. It is the default backend; sessions
// are short-lived and a restart voids them anyway.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*controlplane.Session
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*controlplane.Session)}
}

// Create inserts a copy of s.
func (m *MemoryStore) Create(_ context.Context, s *controlplane.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New("api: session id already exists")
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Get returns a copy of the stored session.
func (m *MemoryStore) Get(_ context.Context, id string) (*controlplane.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// Update replaces the stored document with a copy of s.
func (m *MemoryStore) Update(_ context.Context, s *controlplane.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// FindByRoom scans for the session backing roomName.
func (m *MemoryStore) FindByRoom(_ context.Context, roomName string) (*controlplane.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.RoomName == roomName {
			return cloneSession(s), nil
		}
	}
	return nil, ErrNotFound
}

// cloneSession copies a session document deeply enough that callers can
// mutate the copy without affecting the stored one. Pointer fields are
// replaced, never mutated in place, so sharing them is safe.
func cloneSession(s *controlplane.Session) *controlplane.Session {
	c := *s
	c.Participants = append([]controlplane.Participant(nil), s.Participants...)
	c.HandRaiseQueue = append([]string(nil), s.HandRaiseQueue...)
	return &c
}
