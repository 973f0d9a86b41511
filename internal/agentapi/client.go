// Package agentapi is the HTTP client a parent orchestrator uses to talk to
// a child agent's front door.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one child agent service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for a child agent at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// TaskRequest dispatches work to a child agent.
type TaskRequest struct {
	Message             string `json:"message"`
	SystemPromptSuffix  string `json:"system_prompt_suffix,omitempty"`
	MaxTokens           int    `json:"max_tokens,omitempty"`
	ParentChatID        *uint  `json:"parent_chat_id,omitempty"`
	AgentName           string `json:"agent_name,omitempty"`
	CleanupOnComplete   bool   `json:"cleanup_on_complete"`
	SessionID           string `json:"session_id,omitempty"`
	SpawnID             *uint  `json:"spawn_id,omitempty"`
}

// TaskResponse is the child's acknowledgement of a dispatched task.
type TaskResponse struct {
	ConversationID uint   `json:"conversation_id"`
	Status         string `json:"status"`
}

// Health checks whether the child agent's API is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("agentapi: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agentapi: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentapi: health: status %d", resp.StatusCode)
	}
	return nil
}

// SendMessage dispatches a task to the child and returns the conversation id
// the child created for it. The child starts working in the background; this
// call does not wait for completion.
func (c *Client) SendMessage(ctx context.Context, task TaskRequest) (*TaskResponse, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("agentapi: marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentapi: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agentapi: send message: status %d: %s", resp.StatusCode, text)
	}
	var out TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agentapi: decode response: %w", err)
	}
	return &out, nil
}
