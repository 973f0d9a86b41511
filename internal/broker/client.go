// Package broker is the HTTP client for the session broker, which provisions
// and tears down isolated compute sessions for agents.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tokenHeader = "X-Broker-Token"

// ErrConflict is returned when the broker reports a session id collision.
// Callers must not retry with the same id.
var ErrConflict = errors.New("broker: session already exists")

// Client talks to the broker service. All calls carry the broker token and an
// explicit timeout; nothing blocks indefinitely.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a broker client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSessionRequest is the body for POST /sessions.
type CreateSessionRequest struct {
	SessionID       string `json:"session_id"`
	ChatID          *uint  `json:"chat_id"`
	UserID          string `json:"user_id"`
	AgentID         string `json:"agent_id"`
	AgentName       string `json:"agent_name"`
	ParentSessionID string `json:"parent_session_id"`
}

// Session describes a provisioned compute session.
type Session struct {
	ServiceName string `json:"service_name"`
	PodName     string `json:"pod_name"`
	VNCURL      string `json:"vnc_url"`
}

// SessionStatus reports broker-side readiness of a session.
type SessionStatus struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// ConversationStatus is the status/summary view of a conversation as the
// broker exposes it.
type ConversationStatus struct {
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
}

// Credential is one shared credential entry. Secrets live in Data and must
// never be written to disk.
type Credential struct {
	Slug     string                 `json:"slug"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CreateSession asks the broker for a new compute session. A 409 response
// maps to ErrConflict; any other non-201 status is a terminal failure.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal session request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("broker: session %s: %w", req.SessionID, ErrConflict)
	}
	if resp.StatusCode != http.StatusCreated {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("broker: create session %s: status %d: %s", req.SessionID, resp.StatusCode, text)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("broker: decode session: %w", err)
	}
	return &session, nil
}

// SessionStatus fetches broker-reported readiness for a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: session %s status: status %d", sessionID, resp.StatusCode)
	}
	var status SessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("broker: decode session status: %w", err)
	}
	return &status, nil
}

// DeleteSession tears down a compute session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker: delete session %s: status %d", sessionID, resp.StatusCode)
	}
	return nil
}

// Conversation fetches a conversation's status through the broker.
func (c *Client) Conversation(ctx context.Context, conversationID uint) (*ConversationStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d", conversationID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: conversation %d: status %d", conversationID, resp.StatusCode)
	}
	var status ConversationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("broker: decode conversation: %w", err)
	}
	return &status, nil
}

// SetConversationStatus forces a conversation status through the broker,
// used to mark a child cancelled before tearing its session down.
func (c *Client) SetConversationStatus(ctx context.Context, conversationID uint, status, message string) error {
	body, err := json.Marshal(map[string]string{
		"status":         status,
		"status_message": message,
	})
	if err != nil {
		return fmt.Errorf("broker: marshal status patch: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/conversations/%d/status", conversationID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker: patch conversation %d: status %d", conversationID, resp.StatusCode)
	}
	return nil
}

// Credentials fetches the shared credentials available to a session.
func (c *Client) Credentials(ctx context.Context, sessionID string) ([]Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/credentials", nil)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("X-Session-ID", sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker: fetch credentials: status %d", resp.StatusCode)
	}
	var payload struct {
		Credentials []Credential `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("broker: decode credentials: %w", err)
	}
	return payload.Credentials, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: %s %s: %w", method, path, err)
	}
	return resp, nil
}
