// Package api implements the session control-plane service: session
// lifecycle, join tokens, moderator presence confirmation, hand-raise
// queueing, and a websocket event feed for the web app.
package api

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leverlabs/caucus/internal/controlplane"
	"github.com/leverlabs/caucus/internal/guide"
	"github.com/leverlabs/caucus/internal/observe"
	"github.com/leverlabs/caucus/internal/room"
)

// Moderator-confirmation polling defaults for POST /start: up to ten checks
// 1.5 s apart before the session starts unconfirmed.
const (
	DefaultStartPollAttempts = 10
	DefaultStartPollDelay    = 1500 * time.Millisecond
)

// RoomDirectory is the slice of the room server admin API the service needs.
// Satisfied by [room.ServiceClient].
type RoomDirectory interface {
	ListParticipants(ctx context.Context, roomName string) ([]room.ParticipantInfo, error)
	ListRooms(ctx context.Context) ([]room.RoomInfo, error)
}

// Server is the control-plane HTTP service.
type Server struct {
	store   Store
	rooms   RoomDirectory
	hub     *Hub
	metrics *observe.Metrics

	apiKey    string
	apiSecret string
	roomURL   string
	guidePath string

	corsOrigins []string

	pollAttempts int
	pollDelay    time.Duration

	// mu serialises session read-modify-write cycles across handlers.
	mu sync.Mutex

	now func() time.Time
}

// ServerOption is a functional option for Server.
type ServerOption func(*Server)

// WithStore overrides the session store. Default is [MemoryStore].
func WithStore(st Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithRoomDirectory sets the room server client used for moderator presence
// checks. Without one, presence always reads as absent.
func WithRoomDirectory(rd RoomDirectory) ServerOption {
	return func(s *Server) {
		s.rooms = rd
	}
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGuideFile sets the discussion plan file whose title and hash are stamped
// onto new sessions.
func WithGuideFile(path string) ServerOption {
	return func(s *Server) {
		s.guidePath = path
	}
}

// WithCORSOrigins restricts browser requests to the given origins. Without it
// any origin is allowed.
func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithStartPoll tunes the moderator-confirmation poll in POST /start.
func WithStartPoll(attempts int, delay time.Duration) ServerOption {
	return func(s *Server) {
		s.pollAttempts = attempts
		s.pollDelay = delay
	}
}

// NewServer creates the control-plane service. apiKey and apiSecret sign the
// room join tokens; roomURL is handed to joining clients.
func NewServer(apiKey, apiSecret, roomURL string, opts ...ServerOption) *Server {
	s := &Server{
		store:        NewMemoryStore(),
		hub:          NewHub(),
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		roomURL:      roomURL,
		pollAttempts: DefaultStartPollAttempts,
		pollDelay:    DefaultStartPollDelay,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Hub returns the server's event feed hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Routes returns the fully wired handler: API endpoints, websocket feed,
// Prometheus metrics, and CORS.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/agent/health", s.handleAgentHealth)
	mux.HandleFunc("GET /api/session/debug", s.handleDebug)

	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("POST /api/sessions/{id}/raise-hand", s.handleRaiseHand)
	mux.HandleFunc("POST /api/sessions/{id}/lower-hand", s.handleLowerHand)

	mux.Handle("GET /events", s.hub)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return corsMiddleware(s.corsOrigins, h)
}

// handleHealth reports service liveness and credential configuration.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, controlplane.HealthResponse{
		Status:         "ok",
		Service:        "caucus-api",
		RoomURL:        redactURL(s.roomURL),
		RoomConfigured: s.apiKey != "" && s.apiSecret != "",
	})
}

// handleAgentHealth verifies room server connectivity by listing rooms.
func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string   `json:"status"`
		RoomURL     string   `json:"livekit_url"`
		Reachable   bool     `json:"livekit_reachable"`
		ActiveRooms []string `json:"active_rooms"`
		Errors      []string `json:"errors"`
	}{
		Status:      "ok",
		RoomURL:     redactURL(s.roomURL),
		ActiveRooms: []string{},
		Errors:      []string{},
	}

	if s.apiKey == "" || s.apiSecret == "" {
		resp.Errors = append(resp.Errors, "room credentials not configured")
	} else if s.rooms == nil {
		resp.Errors = append(resp.Errors, "room directory not configured")
	} else {
		rooms, err := s.rooms.ListRooms(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "room server connection failed: "+err.Error())
		} else {
			resp.Reachable = true
			for _, rm := range rooms {
				resp.ActiveRooms = append(resp.ActiveRooms, rm.Name)
			}
		}
	}

	if len(resp.Errors) > 0 {
		resp.Status = "error"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDebug lists a room's live participants next to the API's session
// record, for diagnosing join and dispatch mismatches.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		writeError(w, http.StatusUnprocessableEntity, "room query parameter is required")
		return
	}

	participants := s.listRoomParticipants(r.Context(), roomName)
	agentPresent := false
	for _, p := range participants {
		if room.IsModeratorIdentity(p.Identity) {
			agentPresent = true
			break
		}
	}

	var apiSession *controlplane.Session
	if sess, err := s.store.FindByRoom(r.Context(), roomName); err == nil {
		apiSession = sess
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room":                 roomName,
		"livekit_url":          redactURL(s.roomURL),
		"livekit_participants": participants,
		"participant_count":    len(participants),
		"agent_present":        agentPresent,
		"api_session":          apiSession,
		"api_session_found":    apiSession != nil,
	})
}

// handleCreate mints a new session with a deterministic room name.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()[:8]
	now := s.now().UTC()
	title, hash := s.guideInfo()

	sess := &controlplane.Session{
		ID:             id,
		RoomName:       fmt.Sprintf("focusgroup-%s-%s", now.Format("20060102150405"), id),
		Status:         controlplane.StatusWaiting,
		CreatedAt:      now.Format(time.RFC3339),
		GuideTitle:     title,
		Participants:   []controlplane.Participant{},
		HandRaiseQueue: []string{},
	}

	if err := s.store.Create(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("session created",
		"session_id", sess.ID,
		"room_name", sess.RoomName,
		"guide_hash", hash,
	)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
	}
	s.hub.Publish(Event{Type: EventSessionCreated, SessionID: sess.ID,
		Data: map[string]any{"roomName": sess.RoomName}})

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleJoin records a participant and mints their room access token.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req controlplane.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid join request body")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusUnprocessableEntity, "displayName is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sess.Status == controlplane.StatusEnded {
		writeError(w, http.StatusBadRequest, "Session has ended")
		return
	}

	identity := mintIdentity(req.DisplayName, len(sess.Participants)+1)
	sess.Participants = append(sess.Participants, controlplane.Participant{
		Identity:    identity,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		IsOrganizer: req.IsOrganizer,
		JoinedAt:    s.now().UTC().Format(time.RFC3339),
	})

	token, err := s.mintToken(sess.RoomName, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.Update(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("participant joined",
		"session_id", sess.ID,
		"room_name", sess.RoomName,
		"identity", identity,
		"is_organizer", req.IsOrganizer,
	)
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(r.Context(), 1)
	}
	s.hub.Publish(Event{Type: EventParticipantJoined, SessionID: sess.ID,
		Data: map[string]any{"identity": identity, "displayName": req.DisplayName}})

	writeJSON(w, http.StatusOK, controlplane.JoinResponse{
		Token:       token,
		SessionID:   sess.ID,
		RoomName:    sess.RoomName,
		Identity:    identity,
		IsOrganizer: req.IsOrganizer,
		RoomURL:     s.roomURL,
	})
}

// handleStart flips the session to in_session, then polls the room until the
// moderator agent shows up. The response reports whether it did; a session is
// allowed to start unconfirmed so a stuck agent doesn't dead-lock the group.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.mu.Unlock()
		writeStoreError(w, err)
		return
	}
	if sess.Status != controlplane.StatusWaiting {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "Session already started or ended")
		return
	}

	startedAt := s.now().UTC().Format(time.RFC3339)
	sess.Status = controlplane.StatusInSession
	sess.StartedAt = &startedAt
	if err := s.store.Update(r.Context(), sess); err != nil {
		s.mu.Unlock()
		writeStoreError(w, err)
		return
	}
	s.mu.Unlock()

	slog.Info("session starting", "session_id", sess.ID, "room_name", sess.RoomName)

	confirmed, agentIdentity := s.awaitModerator(r.Context(), sess.RoomName)
	if confirmed {
		s.mu.Lock()
		if cur, err := s.store.Get(r.Context(), sess.ID); err == nil {
			cur.AgentJoined = true
			cur.AgentIdentity = &agentIdentity
			if err := s.store.Update(r.Context(), cur); err == nil {
				sess = cur
			}
		}
		s.mu.Unlock()
		slog.Info("session started", "session_id", sess.ID, "agent_identity", agentIdentity)
	} else {
		slog.Warn("session started without agent confirmation",
			"session_id", sess.ID, "room_name", sess.RoomName)
	}

	s.hub.Publish(Event{Type: EventSessionStarted, SessionID: sess.ID,
		Data: map[string]any{"agentConfirmed": confirmed}})

	message := "Session started"
	if !confirmed {
		message += " (warning: agent not confirmed)"
	}
	writeJSON(w, http.StatusOK, controlplane.StartResponse{
		Session:        *sess,
		AgentConfirmed: confirmed,
		Message:        message,
	})
}

// handleStatus reports session status plus a live room presence check.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	participants := s.listRoomParticipants(r.Context(), sess.RoomName)
	identities := make([]string, 0, len(participants))
	var agentIdentity string
	for _, p := range participants {
		identities = append(identities, p.Identity)
		if agentIdentity == "" && room.IsModeratorIdentity(p.Identity) {
			agentIdentity = p.Identity
		}
	}

	// A moderator seen here counts as joined even if /start gave up waiting.
	if agentIdentity != "" && !sess.AgentJoined {
		s.mu.Lock()
		if cur, err := s.store.Get(r.Context(), sess.ID); err == nil {
			cur.AgentJoined = true
			cur.AgentIdentity = &agentIdentity
			if err := s.store.Update(r.Context(), cur); err == nil {
				sess = cur
			}
		}
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusOK, controlplane.StatusResponse{
		SessionID:        sess.ID,
		RoomName:         sess.RoomName,
		Status:           sess.Status,
		AgentJoined:      agentIdentity != "",
		AgentIdentity:    sess.AgentIdentity,
		ParticipantCount: len(participants),
		RoomParticipants: identities,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sess.Status == controlplane.StatusEnded {
		writeError(w, http.StatusBadRequest, "Session already ended")
		return
	}

	endedAt := s.now().UTC().Format(time.RFC3339)
	sess.Status = controlplane.StatusEnded
	sess.EndedAt = &endedAt
	if err := s.store.Update(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("session ended", "session_id", sess.ID, "room_name", sess.RoomName)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), -1)
	}
	s.hub.Publish(Event{Type: EventSessionEnded, SessionID: sess.ID})

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRaiseHand(w http.ResponseWriter, r *http.Request) {
	var req controlplane.HandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	idx := participantIndex(sess, req.ParticipantID)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Participant not found")
		return
	}

	p := &sess.Participants[idx]
	if !p.HandRaised {
		p.HandRaised = true
		raisedAt := s.now().UTC().Format(time.RFC3339)
		p.HandRaisedAt = &raisedAt
		if !slices.Contains(sess.HandRaiseQueue, p.Identity) {
			sess.HandRaiseQueue = append(sess.HandRaiseQueue, p.Identity)
		}
		if err := s.store.Update(r.Context(), sess); err != nil {
			writeStoreError(w, err)
			return
		}
		slog.Info("hand raised", "session_id", sess.ID, "participant", p.Identity)
		s.hub.Publish(Event{Type: EventHandRaised, SessionID: sess.ID,
			Data: map[string]any{"participant": p.Identity}})
	}

	writeJSON(w, http.StatusOK, controlplane.HandResponse{
		Success:       true,
		QueuePosition: slices.Index(sess.HandRaiseQueue, p.Identity),
	})
}

func (s *Server) handleLowerHand(w http.ResponseWriter, r *http.Request) {
	var req controlplane.HandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	idx := participantIndex(sess, req.ParticipantID)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Participant not found")
		return
	}

	p := &sess.Participants[idx]
	p.HandRaised = false
	p.HandRaisedAt = nil
	sess.HandRaiseQueue = slices.DeleteFunc(sess.HandRaiseQueue, func(id string) bool {
		return id == p.Identity
	})
	if err := s.store.Update(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("hand lowered", "session_id", sess.ID, "participant", p.Identity)
	s.hub.Publish(Event{Type: EventHandLowered, SessionID: sess.ID,
		Data: map[string]any{"participant": p.Identity}})

	writeJSON(w, http.StatusOK, controlplane.HandResponse{Success: true})
}

// awaitModerator polls the room roster until a moderator identity appears or
// the attempt budget runs out.
func (s *Server) awaitModerator(ctx context.Context, roomName string) (bool, string) {
	for attempt := 1; attempt <= s.pollAttempts; attempt++ {
		for _, p := range s.listRoomParticipants(ctx, roomName) {
			if room.IsModeratorIdentity(p.Identity) {
				slog.Info("moderator confirmed in room",
					"room_name", roomName, "agent_identity", p.Identity, "attempt", attempt)
				return true, p.Identity
			}
		}
		if attempt < s.pollAttempts {
			select {
			case <-time.After(s.pollDelay):
			case <-ctx.Done():
				return false, ""
			}
		}
	}
	slog.Warn("moderator not found in room",
		"room_name", roomName, "attempts", s.pollAttempts)
	return false, ""
}

// listRoomParticipants wraps the room directory; lookups fail soft into an
// empty roster so presence checks degrade instead of erroring the endpoint.
func (s *Server) listRoomParticipants(ctx context.Context, roomName string) []room.ParticipantInfo {
	if s.rooms == nil {
		return nil
	}
	participants, err := s.rooms.ListParticipants(ctx, roomName)
	if err != nil {
		slog.Error("room participant lookup failed", "room_name", roomName, "error", err)
		return nil
	}
	return participants
}

// mintToken builds the participant's room access token.
func (s *Server) mintToken(roomName, identity string) (string, error) {
	if s.apiKey == "" || s.apiSecret == "" {
		return "", errors.New("api: room credentials not configured")
	}
	return room.NewAccessToken(s.apiKey, s.apiSecret).
		SetIdentity(identity).
		SetName(identity).
		SetGrant(room.VideoGrant{
			RoomJoin:       true,
			Room:           roomName,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		}).
		ToJWT()
}

// guideInfo loads the configured plan's title and a short content hash for
// traceability. Missing or unreadable plans stamp nothing.
func (s *Server) guideInfo() (*string, string) {
	if s.guidePath == "" {
		return nil, ""
	}
	raw, err := os.ReadFile(s.guidePath)
	if err != nil {
		return nil, ""
	}
	hash := fmt.Sprintf("%x", md5.Sum(raw))[:8]

	var plan guide.Plan
	if err := json.Unmarshal(raw, &plan); err != nil || plan.Meta.Title == "" {
		return nil, hash
	}
	return &plan.Meta.Title, hash
}

// mintIdentity derives a deterministic room identity from the display name
// and the participant's join ordinal.
func mintIdentity(displayName string, n int) string {
	return strings.ToLower(strings.ReplaceAll(displayName, " ", "_")) + "_" + strconv.Itoa(n)
}

// redactURL hides most of the project host in log output.
func redactURL(url string) string {
	host, rest, ok := strings.Cut(url, ".")
	if !ok || len(host) <= 15 {
		return url
	}
	return host[:15] + "*****." + rest
}

func participantIndex(sess *controlplane.Session, identity string) int {
	for i := range sess.Participants {
		if sess.Participants[i].Identity == identity {
			return i
		}
	}
	return -1
}

// corsMiddleware handles browser cross-origin requests. With no configured
// origins any origin is allowed; the service fronts a local web app during
// sessions.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allow := "*"
		if len(origins) > 0 {
			allow = ""
			if origin := r.Header.Get("Origin"); slices.Contains(origins, origin) {
				allow = origin
			}
			w.Header().Set("Vary", "Origin")
		}
		if allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeStoreError maps store errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}
