package tool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/conductor/internal/agentapi"
	"github.com/zulandar/conductor/internal/broker"
	"github.com/zulandar/conductor/internal/llm"
	"github.com/zulandar/conductor/internal/store"
)

// SpawnConfig identifies the parent agent on whose behalf children are
// provisioned.
type SpawnConfig struct {
	ParentConversationID uint
	ChatID               *uint
	UserID               string
	ParentSessionID      string
	AgentURLTemplate     string
	ProjectDir           string
	MaxTokens            int
}

// SpawnTool provisions an isolated child agent through the broker, hands it
// a task, and either returns immediately or blocks until the child resolves.
// While blocked it stays responsive to the parent's own cancellation: each
// poll checks the parent's persisted status first and cancels the child if
// the parent has been told to stop. A fire-and-forget child is not reachable
// by that mechanism and detects cancellation through its own status checks.
type SpawnTool struct {
	store  *store.Store
	broker *broker.Client
	cfg    SpawnConfig

	readyTimeout   time.Duration
	healthTimeout  time.Duration
	readyInterval  time.Duration
	healthInterval time.Duration
	pollInterval   time.Duration
	waitUnit       time.Duration
	newSuffix      func() string
	newChild       func(baseURL string) *agentapi.Client
}

// NewSpawnTool creates the spawner.
func NewSpawnTool(st *store.Store, br *broker.Client, cfg SpawnConfig) *SpawnTool {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}
	return &SpawnTool{
		store:          st,
		broker:         br,
		cfg:            cfg,
		readyTimeout:   120 * time.Second,
		healthTimeout:  60 * time.Second,
		readyInterval:  3 * time.Second,
		healthInterval: 2 * time.Second,
		pollInterval:   5 * time.Second,
		waitUnit:       time.Minute,
		newSuffix: func() string {
			id := uuid.New()
			return fmt.Sprintf("%x", id[:4])
		},
		newChild:       agentapi.New,
	}
}

// Name implements Tool.
func (t *SpawnTool) Name() string { return "spawn_subagent" }

// Definition implements Tool.
func (t *SpawnTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: t.Name(),
		Description: `Spawn a specialized sub-agent to work on a specific task.

The sub-agent runs in its own isolated environment with full computer use
capabilities, shares the same project workspace, and has its own context
window. Use it for specialized expertise, parallel work, or deep focus on a
subtask. You define WHO they are (system_prompt) and WHAT they do (task).`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_name": map[string]interface{}{
					"type":        "string",
					"description": "Short identifier for this agent (e.g. 'security-reviewer'). Used for tracking and logging.",
				},
				"display_name": map[string]interface{}{
					"type":        "string",
					"description": "Human-readable name shown in the UI (e.g. 'Security Reviewer').",
				},
				"system_prompt": map[string]interface{}{
					"type":        "string",
					"description": "The sub-agent's identity and expertise: who they are, how they work, what they focus on.",
				},
				"task": map[string]interface{}{
					"type":        "string",
					"description": "The specific task to complete, including the expected deliverable and where to put results.",
				},
				"wait_for_completion": map[string]interface{}{
					"type":        "boolean",
					"description": "If true (default), wait for the sub-agent to finish and return their result. If false, spawn and continue immediately.",
					"default":     true,
				},
				"timeout_minutes": map[string]interface{}{
					"type":        "integer",
					"description": "Max time to wait for completion (default 30 minutes).",
					"default":     30,
				},
				"cleanup_on_complete": map[string]interface{}{
					"type":        "boolean",
					"description": "If true (default), the sub-agent's environment is deleted once the task resolves. Set false to keep it for inspection.",
					"default":     true,
				},
			},
			"required": []string{"agent_name", "system_prompt", "task"},
		},
	}
}

// Invoke implements Tool.
func (t *SpawnTool) Invoke(ctx context.Context, input map[string]interface{}) (Result, error) {
	agentName := stringField(input, "agent_name")
	systemPrompt := stringField(input, "system_prompt")
	task := stringField(input, "task")
	if agentName == "" || systemPrompt == "" || task == "" {
		return Errorf("agent_name, system_prompt and task are all required"), nil
	}
	displayName := stringField(input, "display_name")
	if displayName == "" {
		displayName = agentName
	}
	wait := boolField(input, "wait_for_completion", true)
	cleanup := boolField(input, "cleanup_on_complete", true)
	timeout := time.Duration(intField(input, "timeout_minutes", 30)) * t.waitUnit

	suffix := t.newSuffix()
	var chatVal uint
	if t.cfg.ChatID != nil {
		chatVal = *t.cfg.ChatID
	}
	sessionID := fmt.Sprintf("chat-%d-sub-%s-%s", chatVal, agentName, suffix)
	childAgentID := fmt.Sprintf("sub-%s-%s", agentName, suffix)

	// The spawn record is written before the broker is touched so
	// provisioning failures stay auditable.
	spawnID, err := t.store.CreateSpawn(store.SpawnOpts{
		ParentConversationID: t.cfg.ParentConversationID,
		ChatID:               t.cfg.ChatID,
		UserID:               t.cfg.UserID,
		ChildAgentID:         childAgentID,
		AgentName:            agentName,
		DisplayName:          displayName,
		ParentSessionID:      t.cfg.ParentSessionID,
		ChildSessionID:       sessionID,
		SystemPrompt:         systemPrompt,
		Task:                 task,
		WaitForCompletion:    wait,
		CleanupOnComplete:    cleanup,
	})
	if err != nil {
		return Errorf("failed to record spawn: %v", err), nil
	}

	log.Printf("tool: spawning sub-agent %s as session %s", agentName, sessionID)

	session, err := t.broker.CreateSession(ctx, broker.CreateSessionRequest{
		SessionID:       sessionID,
		ChatID:          t.cfg.ChatID,
		UserID:          t.cfg.UserID,
		AgentID:         childAgentID,
		AgentName:       agentName,
		ParentSessionID: t.cfg.ParentSessionID,
	})
	if err != nil {
		t.resolveSpawn(spawnID, store.SpawnFailed, "", err.Error())
		if errors.Is(err, broker.ErrConflict) {
			return Errorf("sub-agent %q session already exists", agentName), nil
		}
		return Errorf("failed to create sub-agent session: %v", err), nil
	}
	childURL := fmt.Sprintf(t.cfg.AgentURLTemplate, session.ServiceName)

	if !t.waitForReady(ctx, sessionID) {
		t.cancelChild(sessionID, 0, "session failed to start")
		t.resolveSpawn(spawnID, store.SpawnFailed, "", "session failed to start within timeout")
		return Errorf("sub-agent %q session failed to start within timeout", agentName), nil
	}

	child := t.newChild(childURL)
	if !t.waitForHealth(ctx, child) {
		t.cancelChild(sessionID, 0, "agent API failed to become healthy")
		t.resolveSpawn(spawnID, store.SpawnFailed, "", "agent API failed to become healthy")
		return Errorf("sub-agent %q API failed to become healthy", agentName), nil
	}

	taskResp, err := child.SendMessage(ctx, agentapi.TaskRequest{
		Message:            task,
		SystemPromptSuffix: systemPrompt,
		MaxTokens:          t.cfg.MaxTokens,
		ParentChatID:       &t.cfg.ParentConversationID,
		AgentName:          displayName,
		CleanupOnComplete:  cleanup && !wait,
		SessionID:          sessionID,
		SpawnID:            &spawnID,
	})
	if err != nil {
		t.cancelChild(sessionID, 0, "failed to send task")
		t.resolveSpawn(spawnID, store.SpawnFailed, "", fmt.Sprintf("failed to send task: %v", err))
		return Errorf("failed to send task to sub-agent %q: %v", agentName, err), nil
	}
	childConvID := taskResp.ConversationID

	if err := t.store.MarkSpawnRunning(spawnID, childConvID, session.PodName); err != nil {
		log.Printf("tool: spawn %d: %v", spawnID, err)
	}

	if !wait {
		// Running independently; the child resolves the spawn record through
		// its own finalization and self-cleans if asked to.
		return Result{
			Output: fmt.Sprintf("Sub-agent %q spawned and working (session %s, conversation %d).\n"+
				"They share %s, check there for their work; you can continue with other tasks in parallel.",
				agentName, sessionID, childConvID, t.cfg.ProjectDir),
			System: fmt.Sprintf("Sub-agent spawned: session=%s, conversation=%d", sessionID, childConvID),
		}, nil
	}

	return t.awaitResolution(ctx, spawnID, childConvID, sessionID, agentName, cleanup, timeout), nil
}

// awaitResolution polls until the child resolves, the parent is told to
// stop, or the overall timeout expires. The parent's own status is checked
// first on every poll.
func (t *SpawnTool) awaitResolution(ctx context.Context, spawnID, childConvID uint, sessionID, agentName string, cleanup bool, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		parentStatus, err := t.store.ConversationStatus(t.cfg.ParentConversationID)
		if err == nil && interruptedStatus(parentStatus) {
			t.cancelChild(sessionID, childConvID, "parent "+parentStatus)
			t.resolveSpawn(spawnID, store.SpawnCancelled, "", "parent "+parentStatus)
			return Result{
				Cancelled: true,
				System:    fmt.Sprintf("Sub-agent %s cancelled: parent status %s", agentName, parentStatus),
			}
		}

		conv, err := t.broker.Conversation(ctx, childConvID)
		if err != nil {
			log.Printf("tool: poll conversation %d: %v", childConvID, err)
		} else {
			switch conv.Status {
			case store.StatusCompleted:
				summary := conv.StatusMessage
				if summary == "" {
					summary = "Task completed successfully."
				}
				if cleanup {
					t.deleteSession(sessionID)
				}
				t.resolveSpawn(spawnID, store.SpawnCompleted, summary, "")
				return Result{
					Output: fmt.Sprintf("Sub-agent %q completed their task.\n\n=== SUB-AGENT RESULT ===\n%s\n========================\n\n"+
						"Check %s for any files they created or modified.", agentName, summary, t.cfg.ProjectDir),
					System: fmt.Sprintf("Sub-agent %s completed", agentName),
				}
			case store.StatusFailed, store.StatusCancelled:
				msg := fmt.Sprintf("Sub-agent %s: %s", conv.Status, conv.StatusMessage)
				if cleanup {
					t.deleteSession(sessionID)
				}
				t.resolveSpawn(spawnID, conv.Status, "", msg)
				return Result{
					Output: msg,
					System: fmt.Sprintf("Sub-agent %s %s", agentName, conv.Status),
				}
			}
		}

		if !sleepCtx(ctx, t.pollInterval) {
			t.cancelChild(sessionID, childConvID, "parent context cancelled")
			t.resolveSpawn(spawnID, store.SpawnCancelled, "", "parent context cancelled")
			return Result{Cancelled: true, System: fmt.Sprintf("Sub-agent %s cancelled: parent context done", agentName)}
		}
	}

	// No resolution within the budget; the record says so and the caller
	// decides what to make of partial results in the workspace.
	if cleanup {
		t.cancelChild(sessionID, childConvID, fmt.Sprintf("timed out after %s", timeout))
	}
	t.resolveSpawn(spawnID, store.SpawnFailed, "", fmt.Sprintf("timed out after %s", timeout))
	return Result{
		Output: fmt.Sprintf("Sub-agent %q timed out after %s. Check %s for partial results.",
			agentName, timeout, t.cfg.ProjectDir),
		System: fmt.Sprintf("Sub-agent %s timed out", agentName),
	}
}

// waitForReady polls broker readiness until the session is up, reports
// failed, or the timeout expires.
func (t *SpawnTool) waitForReady(ctx context.Context, sessionID string) bool {
	deadline := time.Now().Add(t.readyTimeout)
	for time.Now().Before(deadline) {
		status, err := t.broker.SessionStatus(ctx, sessionID)
		if err == nil {
			if status.Ready {
				return true
			}
			if status.Status == "failed" {
				return false
			}
		}
		if !sleepCtx(ctx, t.readyInterval) {
			return false
		}
	}
	return false
}

// waitForHealth polls the child's own health endpoint.
func (t *SpawnTool) waitForHealth(ctx context.Context, child *agentapi.Client) bool {
	deadline := time.Now().Add(t.healthTimeout)
	for time.Now().Before(deadline) {
		if err := child.Health(ctx); err == nil {
			return true
		}
		if !sleepCtx(ctx, t.healthInterval) {
			return false
		}
	}
	return false
}

// cancelChild marks the child conversation cancelled (when known) and deletes
// its session. Best-effort with its own short timeout; the parent's context
// may already be gone.
func (t *SpawnTool) cancelChild(sessionID string, childConvID uint, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if childConvID != 0 {
		if err := t.broker.SetConversationStatus(ctx, childConvID, store.StatusCancelled, reason); err != nil {
			log.Printf("tool: cancel conversation %d: %v", childConvID, err)
		}
	}
	if err := t.broker.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("tool: delete session %s: %v", sessionID, err)
	}
}

// deleteSession tears down the child's session without touching its
// conversation status, which the child has already set.
func (t *SpawnTool) deleteSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.broker.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("tool: delete session %s: %v", sessionID, err)
	}
}

func (t *SpawnTool) resolveSpawn(spawnID uint, status, summary, errMsg string) {
	if err := t.store.ResolveSpawn(spawnID, status, summary, errMsg); err != nil {
		log.Printf("tool: resolve spawn %d: %v", spawnID, err)
	}
}

// interruptedStatus reports whether a parent status means "stop waiting".
func interruptedStatus(status string) bool {
	switch status {
	case store.StatusStopping, store.StatusCancelled, store.StatusPausing, store.StatusPaused:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func boolField(input map[string]interface{}, key string, def bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return def
}

func intField(input map[string]interface{}, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
