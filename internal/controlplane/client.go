package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the control plane does not know the requested
// session. The shutdown watcher treats it the same as an ended session.
var ErrNotFound = errors.New("controlplane: session not found")

// Client is an HTTP client for the control-plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying [http.Client]. Useful for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient creates a client for the control plane at baseURL
// (e.g. "http://localhost:8000").
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("controlplane: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// GetSession fetches the full session document.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStatus fetches the live session status, including room presence.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (*StatusResponse, error) {
	var s StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSession marks the session ended.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/end", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSessionByRoom scans for the session backing roomName. The control plane
// keys sessions by id, but the agent only knows its room name at startup.
func (c *Client) FindSessionByRoom(ctx context.Context, roomName string) (*Session, error) {
	// Room names embed the session id: focusgroup-<timestamp>-<id>.
	if i := strings.LastIndex(roomName, "-"); i >= 0 && i+1 < len(roomName) {
		s, err := c.GetSession(ctx, roomName[i+1:])
		if err == nil && s.RoomName == roomName {
			return s, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Health checks the control-plane health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// do performs one JSON request/response round trip. A 404 maps to
// [ErrNotFound]; other non-2xx statuses become errors carrying the response
// body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("controlplane: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("controlplane: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("controlplane: decode response: %w", err)
		}
	}
	return nil
}
