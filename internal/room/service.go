package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ParticipantInfo is one room member as reported by the room server.
type ParticipantInfo struct {
	Identity    string `json:"identity"`
	Name        string `json:"name"`
	State       string `json:"state"`
	JoinedAt    int64  `json:"joinedAt,string,omitempty"`
	IsPublisher bool   `json:"isPublisher"`
}

// RoomInfo is one active room as reported by the room server.
type RoomInfo struct {
	Name            string `json:"name"`
	NumParticipants int    `json:"numParticipants"`
}

// ServiceClient calls the room server's admin API (Twirp-over-JSON) using
// admin tokens minted from the configured key pair.
type ServiceClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

// ServiceOption is a functional option for ServiceClient.
type ServiceOption func(*ServiceClient)

// WithHTTPClient overrides the underlying [http.Client].
func WithHTTPClient(hc *http.Client) ServiceOption {
	return func(c *ServiceClient) {
		c.http = hc
	}
}

// NewServiceClient creates a client for the room server at url. A websocket
// URL (wss:// or ws://) is converted to its HTTP form.
func NewServiceClient(url, apiKey, apiSecret string, opts ...ServiceOption) (*ServiceClient, error) {
	if url == "" {
		return nil, fmt.Errorf("room: server url must not be empty")
	}
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("room: api key and secret must not be empty")
	}

	httpURL := strings.Replace(url, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)

	c := &ServiceClient{
		baseURL:   strings.TrimRight(httpURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ListParticipants returns the current members of roomName in join order.
func (c *ServiceClient) ListParticipants(ctx context.Context, roomName string) ([]ParticipantInfo, error) {
	var resp struct {
		Participants []ParticipantInfo `json:"participants"`
	}
	req := map[string]string{"room": roomName}
	grant := VideoGrant{RoomAdmin: true, Room: roomName}
	if err := c.twirp(ctx, "ListParticipants", grant, req, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// ListRooms returns the server's active rooms. Used by the health endpoint to
// verify connectivity.
func (c *ServiceClient) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var resp struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	grant := VideoGrant{RoomList: true}
	if err := c.twirp(ctx, "ListRooms", grant, map[string]string{}, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// ModeratorPresent reports whether the moderator agent is in roomName and
// returns its identity when found.
func (c *ServiceClient) ModeratorPresent(ctx context.Context, roomName string) (bool, string, error) {
	participants, err := c.ListParticipants(ctx, roomName)
	if err != nil {
		return false, "", err
	}
	for _, p := range participants {
		if IsModeratorIdentity(p.Identity) {
			return true, p.Identity, nil
		}
	}
	return false, "", nil
}

// twirp performs one JSON call against the room service RPC surface.
func (c *ServiceClient) twirp(ctx context.Context, method string, grant VideoGrant, in, out any) error {
	token, err := NewAccessToken(c.apiKey, c.apiSecret).
		SetIdentity("caucus-api").
		SetTTL(10 * time.Minute).
		SetGrant(grant).
		ToJWT()
	if err != nil {
		return fmt.Errorf("room: mint admin token: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("room: encode %s request: %w", method, err)
	}

	url := c.baseURL + "/twirp/livekit.RoomService/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("room: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("room: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("room: %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("room: decode %s response: %w", method, err)
	}
	return nil
}
