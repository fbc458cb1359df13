// Package room talks to the audio-room server: it mints access tokens,
// queries room membership over the server API, and routes the single shared
// audio-input slot to one participant at a time.
package room

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTokenTTL is how long minted access tokens stay valid.
const DefaultTokenTTL = 6 * time.Hour

// VideoGrant is the room-permission claim embedded in an access token.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     bool   `json:"canPublish,omitempty"`
	CanSubscribe   bool   `json:"canSubscribe,omitempty"`
	CanPublishData bool   `json:"canPublishData,omitempty"`
}

// AccessToken mints HS256 JWTs accepted by the room server.
type AccessToken struct {
	apiKey    string
	apiSecret string
	identity  string
	name      string
	ttl       time.Duration
	grant     VideoGrant
}

// NewAccessToken creates a token builder signed with the given key pair.
func NewAccessToken(apiKey, apiSecret string) *AccessToken {
	return &AccessToken{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       DefaultTokenTTL,
	}
}

// SetIdentity sets the participant identity (the JWT subject).
func (t *AccessToken) SetIdentity(identity string) *AccessToken {
	t.identity = identity
	return t
}

// SetName sets the display name claim.
func (t *AccessToken) SetName(name string) *AccessToken {
	t.name = name
	return t
}

// SetTTL overrides the token lifetime.
func (t *AccessToken) SetTTL(ttl time.Duration) *AccessToken {
	t.ttl = ttl
	return t
}

// SetGrant sets the room-permission claim.
func (t *AccessToken) SetGrant(g VideoGrant) *AccessToken {
	t.grant = g
	return t
}

// claims is the JWT payload layout the room server expects.
type claims struct {
	Issuer    string     `json:"iss"`
	Subject   string     `json:"sub,omitempty"`
	Name      string     `json:"name,omitempty"`
	NotBefore int64      `json:"nbf"`
	ExpiresAt int64      `json:"exp"`
	Video     VideoGrant `json:"video"`
}

// ToJWT signs and serialises the token.
func (t *AccessToken) ToJWT() (string, error) {
	if t.apiKey == "" || t.apiSecret == "" {
		return "", errors.New("room: api key and secret are required to sign tokens")
	}

	now := time.Now()
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	payload := claims{
		Issuer:    t.apiKey,
		Subject:   t.identity,
		Name:      t.name,
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(t.ttl).Unix(),
		Video:     t.grant,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("room: encode jwt header: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("room: encode jwt claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(t.apiSecret))
	mac.Write([]byte(signingInput))
	sig := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// DecodeClaims parses a token's payload without verifying the signature.
// Used for diagnostics logging only, never for authorisation.
func DecodeClaims(token string) (map[string]any, error) {
	parts := splitJWT(token)
	if len(parts) < 2 {
		return nil, errors.New("room: malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("room: decode jwt payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("room: parse jwt payload: %w", err)
	}
	return out, nil
}

func splitJWT(token string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	return append(parts, token[start:])
}
