// Package controlplane defines the wire types of the session control-plane
// API and an HTTP client for them. The service side lives in internal/api;
// the agent consumes this package to watch session state.
package controlplane

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusInSession Status = "in_session"
	StatusEnded     Status = "ended"
)

// Participant is one member of a session as tracked by the control plane.
type Participant struct {
	Identity     string  `json:"identity"`
	DisplayName  string  `json:"displayName"`
	Email        *string `json:"email,omitempty"`
	IsOrganizer  bool    `json:"isOrganizer"`
	JoinedAt     string  `json:"joinedAt"`
	HandRaised   bool    `json:"handRaised"`
	HandRaisedAt *string `json:"handRaisedAt,omitempty"`
	IsSpeaking   bool    `json:"isSpeaking"`
	IsAgent      bool    `json:"isAgent"`
}

// Session is the full session document returned by the control plane.
type Session struct {
	ID                string        `json:"id"`
	RoomName          string        `json:"roomName"`
	Status            Status        `json:"status"`
	CreatedAt         string        `json:"createdAt"`
	StartedAt         *string       `json:"startedAt,omitempty"`
	EndedAt           *string       `json:"endedAt,omitempty"`
	GuideTitle        *string       `json:"guideTitle,omitempty"`
	CurrentQuestionID *string       `json:"currentQuestionId,omitempty"`
	CurrentSectionID  *string       `json:"currentSectionId,omitempty"`
	Participants      []Participant `json:"participants"`
	HandRaiseQueue    []string      `json:"handRaiseQueue"`
	AgentJoined       bool          `json:"agentJoined"`
	AgentIdentity     *string       `json:"agentIdentity,omitempty"`
}

// StatusResponse is the live-presence view served at
// GET /api/sessions/{id}/status. The participant list comes from the room
// server, not the join records.
type StatusResponse struct {
	SessionID        string   `json:"sessionId"`
	RoomName         string   `json:"roomName"`
	Status           Status   `json:"status"`
	AgentJoined      bool     `json:"agentJoined"`
	AgentIdentity    *string  `json:"agentIdentity,omitempty"`
	ParticipantCount int      `json:"participantCount"`
	RoomParticipants []string `json:"livekitParticipants"`
}

// JoinRequest is the body of POST /api/sessions/{id}/join.
type JoinRequest struct {
	DisplayName string  `json:"displayName"`
	Email       *string `json:"email,omitempty"`
	IsOrganizer bool    `json:"isOrganizer,omitempty"`
}

// JoinResponse carries the room access token minted for a new participant.
type JoinResponse struct {
	Token       string `json:"token"`
	SessionID   string `json:"sessionId"`
	RoomName    string `json:"roomName"`
	Identity    string `json:"identity"`
	IsOrganizer bool   `json:"isOrganizer"`
	RoomURL     string `json:"livekitUrl"`
}

// StartResponse extends the session document with agent-confirmation info
// returned by POST /api/sessions/{id}/start.
type StartResponse struct {
	Session
	AgentConfirmed bool   `json:"agentConfirmed"`
	Message        string `json:"message"`
}

// HandRequest is the body of the raise-hand and lower-hand endpoints.
type HandRequest struct {
	ParticipantID string `json:"participantId"`
}

// HandResponse is returned by the raise-hand and lower-hand endpoints.
// QueuePosition is only meaningful after a raise.
type HandResponse struct {
	Success       bool `json:"success"`
	QueuePosition int  `json:"queuePosition,omitempty"`
}

// HealthResponse is served at GET /api/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	RoomURL        string `json:"livekit_url"`
	RoomConfigured bool   `json:"livekit_configured"`
}
