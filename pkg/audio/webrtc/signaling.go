package webrtc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/leverlabs/caucus/pkg/audio"
)

// The signaling server is itself an [audio.Platform]: connecting through it
// yields the same Connection that joining peers populate.
var _ audio.Platform = (*SignalingServer)(nil)

// SignalingServer handles WebRTC signaling via HTTP endpoints.
// In production this would use WebSocket for real-time signaling;
// for the alpha, simple HTTP POST/DELETE endpoints suffice.
type SignalingServer struct {
	platform *Platform

	mu    sync.Mutex
	rooms map[string]*Connection
}

// NewSignalingServer creates a signaling server backed by the given platform.
func NewSignalingServer(platform *Platform) *SignalingServer {
	return &SignalingServer{
		platform: platform,
		rooms:    make(map[string]*Connection),
	}
}

// Handler returns an http.Handler that serves the signaling endpoints:
//
//	POST   /rooms/{roomName}/join    — peer sends SDP offer, gets SDP answer
//	POST   /rooms/{roomName}/ice     — peer sends ICE candidate
//	DELETE /rooms/{roomName}/leave   — peer disconnects
func (s *SignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{roomName}/join", s.handleJoin)
	mux.HandleFunc("POST /rooms/{roomName}/ice", s.handleICE)
	mux.HandleFunc("DELETE /rooms/{roomName}/leave", s.handleLeave)
	return mux
}

// Connect implements [audio.Platform]. Unlike [Platform.Connect], repeated
// calls for the same room return the shared Connection, so the moderator
// hears the peers that joined through the signaling endpoints.
func (s *SignalingServer) Connect(ctx context.Context, roomName string) (audio.Connection, error) {
	return s.getOrCreateRoom(ctx, roomName)
}

// Room returns the Connection for roomName if one exists. The moderator
// uses this to attach to a room that peers created by joining first.
func (s *SignalingServer) Room(roomName string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.rooms[roomName]
	return conn, ok
}

// joinRequest is the JSON body for the join endpoint.
type joinRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	SDPOffer    string `json:"sdp_offer"`
}

// joinResponse is the JSON body returned from the join endpoint.
type joinResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// handleJoin handles POST /rooms/{roomName}/join.
// The peer sends an SDP offer and receives a stub SDP answer.
func (s *SignalingServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("roomName")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	conn, err := s.getOrCreateRoom(r.Context(), roomName)
	if err != nil {
		http.Error(w, "failed to create room: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err = conn.AddPeer(req.Identity, req.DisplayName); err != nil {
		http.Error(w, "failed to add peer: "+err.Error(), http.StatusConflict)
		return
	}

	// Retrieve the stub SDP answer from the mock transport.
	conn.mu.RLock()
	p, ok := conn.peers[req.Identity]
	conn.mu.RUnlock()

	var answer string
	if ok {
		answer, _ = p.transport.CreateOffer(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(joinResponse{SDPAnswer: answer})
}

// iceRequest is the JSON body for the ICE candidate endpoint.
type iceRequest struct {
	Identity  string `json:"identity"`
	Candidate string `json:"candidate"`
}

// handleICE handles POST /rooms/{roomName}/ice.
func (s *SignalingServer) handleICE(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("roomName")

	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conn, ok := s.rooms[roomName]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn.mu.RLock()
	p, exists := conn.peers[req.Identity]
	conn.mu.RUnlock()
	if !exists {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}

	if err := p.transport.AddICECandidate(req.Candidate); err != nil {
		http.Error(w, "failed to add ICE candidate: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// leaveRequest is the JSON body for the leave endpoint.
type leaveRequest struct {
	Identity string `json:"identity"`
}

// handleLeave handles DELETE /rooms/{roomName}/leave.
func (s *SignalingServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("roomName")

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conn, ok := s.rooms[roomName]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	if err := conn.RemovePeer(req.Identity); err != nil {
		http.Error(w, "failed to remove peer: "+err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getOrCreateRoom returns an existing Connection for roomName, or creates one
// via the platform. Safe for concurrent use.
func (s *SignalingServer) getOrCreateRoom(ctx context.Context, roomName string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.rooms[roomName]; ok {
		return conn, nil
	}

	raw, err := s.platform.Connect(ctx, roomName)
	if err != nil {
		return nil, err
	}
	conn := raw.(*Connection) //nolint:forcetypeassert // Platform.Connect always returns *Connection
	s.rooms[roomName] = conn
	return conn, nil
}
