package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/leverlabs/caucus/internal/controlplane"
	"github.com/leverlabs/caucus/internal/room"
)

// fakeDirectory scripts the room server roster per call.
type fakeDirectory struct {
	mu      sync.Mutex
	rosters [][]room.ParticipantInfo
	calls   int
	rooms   []room.RoomInfo
	err     error
}

func (d *fakeDirectory) ListParticipants(context.Context, string) ([]room.ParticipantInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.calls++
	if len(d.rosters) == 0 {
		return nil, nil
	}
	roster := d.rosters[0]
	if len(d.rosters) > 1 {
		d.rosters = d.rosters[1:]
	}
	return roster, nil
}

func (d *fakeDirectory) ListRooms(context.Context) ([]room.RoomInfo, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.rooms, nil
}

func newTestServer(t *testing.T, opts ...ServerOption) *httptest.Server {
	t.Helper()
	opts = append([]ServerOption{WithStartPoll(3, 0)}, opts...)
	s := NewServer("key", "secret", "wss://rooms.example.com", opts...)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func createSession(t *testing.T, base string) controlplane.Session {
	t.Helper()
	var sess controlplane.Session
	resp := doJSON(t, http.MethodPost, base+"/api/sessions", nil, &sess)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	return sess
}

func TestCreateSession_RoomNameFormat(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	if len(sess.ID) != 8 {
		t.Errorf("id = %q, want 8 chars", sess.ID)
	}
	pattern := regexp.MustCompile(`^focusgroup-\d{14}-` + regexp.QuoteMeta(sess.ID) + `$`)
	if !pattern.MatchString(sess.RoomName) {
		t.Errorf("room name %q does not match focusgroup-<timestamp>-<id>", sess.RoomName)
	}
	if sess.Status != controlplane.StatusWaiting {
		t.Errorf("status = %q, want waiting", sess.Status)
	}
	if sess.Participants == nil || sess.HandRaiseQueue == nil {
		t.Error("participants and handRaiseQueue must serialize as arrays, not null")
	}
}

func TestJoin_MintsIdentityAndToken(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	var join controlplane.JoinResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/join",
		controlplane.JoinRequest{DisplayName: "Jane Doe"}, &join)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	if join.Identity != "jane_doe_1" {
		t.Errorf("identity = %q, want jane_doe_1", join.Identity)
	}
	if join.RoomURL != "wss://rooms.example.com" {
		t.Errorf("livekitUrl = %q", join.RoomURL)
	}

	claims, err := room.DecodeClaims(join.Token)
	if err != nil {
		t.Fatalf("DecodeClaims: %v", err)
	}
	video, _ := claims["video"].(map[string]any)
	if video["room"] != sess.RoomName {
		t.Errorf("token room claim = %v, want %q", video["room"], sess.RoomName)
	}

	// Second participant with the same name gets the next ordinal.
	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/join",
		controlplane.JoinRequest{DisplayName: "Jane Doe"}, &join)
	if join.Identity != "jane_doe_2" {
		t.Errorf("second identity = %q, want jane_doe_2", join.Identity)
	}
}

func TestJoin_EndedSessionRejected(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/end", nil, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/join",
		controlplane.JoinRequest{DisplayName: "Late Larry"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("join after end status = %d, want 400", resp.StatusCode)
	}
}

func TestJoin_UnknownSession(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/nope/join",
		controlplane.JoinRequest{DisplayName: "X"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStart_ConfirmsModerator(t *testing.T) {
	// Agent appears on the second poll.
	dir := &fakeDirectory{rosters: [][]room.ParticipantInfo{
		{{Identity: "jane_doe_1"}},
		{{Identity: "jane_doe_1"}, {Identity: "agent-AJ_1"}},
	}}
	srv := newTestServer(t, WithRoomDirectory(dir))
	sess := createSession(t, srv.URL)

	var start controlplane.StartResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/start", nil, &start)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if !start.AgentConfirmed {
		t.Error("agentConfirmed = false, want true")
	}
	if start.Status != controlplane.StatusInSession {
		t.Errorf("status = %q, want in_session", start.Status)
	}
	if start.AgentIdentity == nil || *start.AgentIdentity != "agent-AJ_1" {
		t.Errorf("agentIdentity = %v, want agent-AJ_1", start.AgentIdentity)
	}
}

func TestStart_UnconfirmedStillStarts(t *testing.T) {
	dir := &fakeDirectory{rosters: [][]room.ParticipantInfo{{{Identity: "jane_doe_1"}}}}
	srv := newTestServer(t, WithRoomDirectory(dir))
	sess := createSession(t, srv.URL)

	var start controlplane.StartResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/start", nil, &start)
	if start.AgentConfirmed {
		t.Error("agentConfirmed = true, want false")
	}
	if start.Status != controlplane.StatusInSession {
		t.Errorf("status = %q, want in_session", start.Status)
	}
	if start.Message == "Session started" {
		t.Error("message should carry the unconfirmed warning")
	}
}

func TestStart_Twice(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/start", nil, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/start", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second start status = %d, want 400", resp.StatusCode)
	}
}

func TestStatus_LivePresence(t *testing.T) {
	dir := &fakeDirectory{rosters: [][]room.ParticipantInfo{
		{{Identity: "agent-AJ_1"}, {Identity: "jane_doe_1"}},
	}}
	srv := newTestServer(t, WithRoomDirectory(dir))
	sess := createSession(t, srv.URL)

	var status controlplane.StatusResponse
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/"+sess.ID+"/status", nil, &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if !status.AgentJoined {
		t.Error("agentJoined = false, want true")
	}
	if status.ParticipantCount != 2 {
		t.Errorf("participantCount = %d, want 2", status.ParticipantCount)
	}
	if len(status.RoomParticipants) != 2 || status.RoomParticipants[0] != "agent-AJ_1" {
		t.Errorf("livekitParticipants = %v", status.RoomParticipants)
	}
}

func TestEnd_Twice(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	var ended controlplane.Session
	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/end", nil, &ended)
	if ended.Status != controlplane.StatusEnded {
		t.Errorf("status = %q, want ended", ended.Status)
	}
	if ended.EndedAt == nil {
		t.Error("endedAt not set")
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/end", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second end status = %d, want 400", resp.StatusCode)
	}
}

func TestHandRaiseQueue(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	for _, name := range []string{"Jane Doe", "Bob Smith"} {
		doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/join",
			controlplane.JoinRequest{DisplayName: name}, nil)
	}

	raise := func(identity string) controlplane.HandResponse {
		var out controlplane.HandResponse
		doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/raise-hand",
			controlplane.HandRequest{ParticipantID: identity}, &out)
		return out
	}

	if got := raise("jane_doe_1"); got.QueuePosition != 0 {
		t.Errorf("jane position = %d, want 0", got.QueuePosition)
	}
	if got := raise("bob_smith_2"); got.QueuePosition != 1 {
		t.Errorf("bob position = %d, want 1", got.QueuePosition)
	}
	// Raising again keeps the original position.
	if got := raise("jane_doe_1"); got.QueuePosition != 0 {
		t.Errorf("jane re-raise position = %d, want 0", got.QueuePosition)
	}

	doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/lower-hand",
		controlplane.HandRequest{ParticipantID: "jane_doe_1"}, nil)
	if got := raise("bob_smith_2"); got.QueuePosition != 0 {
		t.Errorf("bob position after jane lowered = %d, want 0", got.QueuePosition)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/raise-hand",
		controlplane.HandRequest{ParticipantID: "ghost_9"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown participant status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	var health controlplane.HealthResponse
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if health.Status != "ok" || health.Service != "caucus-api" {
		t.Errorf("health = %+v", health)
	}
	if !health.RoomConfigured {
		t.Error("livekit_configured = false, want true")
	}
}

func TestAgentHealth(t *testing.T) {
	dir := &fakeDirectory{rooms: []room.RoomInfo{{Name: "focusgroup-1", NumParticipants: 3}}}
	srv := newTestServer(t, WithRoomDirectory(dir))

	var out struct {
		Status      string   `json:"status"`
		Reachable   bool     `json:"livekit_reachable"`
		ActiveRooms []string `json:"active_rooms"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/agent/health", nil, &out)
	if out.Status != "ok" || !out.Reachable {
		t.Errorf("agent health = %+v", out)
	}
	if len(out.ActiveRooms) != 1 || out.ActiveRooms[0] != "focusgroup-1" {
		t.Errorf("active_rooms = %v", out.ActiveRooms)
	}
}

func TestAgentHealth_Unreachable(t *testing.T) {
	dir := &fakeDirectory{err: fmt.Errorf("connection refused")}
	srv := newTestServer(t, WithRoomDirectory(dir))

	var out struct {
		Status string   `json:"status"`
		Errors []string `json:"errors"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/agent/health", nil, &out)
	if out.Status != "error" || len(out.Errors) == 0 {
		t.Errorf("agent health = %+v", out)
	}
}

func TestDebug(t *testing.T) {
	dir := &fakeDirectory{rosters: [][]room.ParticipantInfo{
		{{Identity: "agent-AJ_1"}},
	}}
	srv := newTestServer(t, WithRoomDirectory(dir))
	sess := createSession(t, srv.URL)

	var out struct {
		Room         string `json:"room"`
		AgentPresent bool   `json:"agent_present"`
		SessionFound bool   `json:"api_session_found"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/session/debug?room="+sess.RoomName, nil, &out)
	if !out.AgentPresent {
		t.Error("agent_present = false, want true")
	}
	if !out.SessionFound {
		t.Error("api_session_found = false, want true")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/sessions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	srv := newTestServer(t, WithCORSOrigins("https://app.example.com"))

	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.example.com", "https://app.example.com"},
		{"https://evil.example.com", ""},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/health", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %q: allow-origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestControlPlaneClientAgainstServer(t *testing.T) {
	srv := newTestServer(t)
	sess := createSession(t, srv.URL)

	client, err := controlplane.NewClient(srv.URL, controlplane.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got, err := client.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.RoomName != sess.RoomName {
		t.Errorf("room = %q, want %q", got.RoomName, sess.RoomName)
	}

	found, err := client.FindSessionByRoom(context.Background(), sess.RoomName)
	if err != nil {
		t.Fatalf("FindSessionByRoom: %v", err)
	}
	if found.ID != sess.ID {
		t.Errorf("found id = %q, want %q", found.ID, sess.ID)
	}

	if _, err := client.EndSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	status, err := client.GetStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != controlplane.StatusEnded {
		t.Errorf("status = %q, want ended", status.Status)
	}
}
