// Package loop implements the agentic sampling loop: the state machine that
// drives one conversation through model calls and tool execution until it
// completes, fails, or is cancelled or paused by an external controller.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/conductor/internal/broker"
	"github.com/zulandar/conductor/internal/heartbeat"
	"github.com/zulandar/conductor/internal/llm"
	"github.com/zulandar/conductor/internal/memory"
	"github.com/zulandar/conductor/internal/store"
	"github.com/zulandar/conductor/internal/tool"
)

// finalizePrompt is injected the first time an assistant turn uses no tools,
// giving the agent one chance at bookkeeping before the run completes.
const finalizePrompt = "Before finishing: update the shared project status document with the " +
	"current state of the work and append a short summary of what you did to the " +
	"shared activity log. If there is nothing left to record, reply with your final summary."

// Callbacks surface loop progress to an external observer. All fields are
// optional.
type Callbacks struct {
	OnBlock      func(llm.Block)
	OnToolResult func(tool.Result, string)
	OnAPIError   func(error)
}

// Config tunes one loop run. Everything is explicit; two loops in one process
// share nothing but the store and broker.
type Config struct {
	ConversationID    uint
	Model             string
	System            string
	MaxTokens         int
	KeepRecentImages  int
	ImageChunkSize    int
	PromptCaching     bool
	ThinkingBudget    int
	AgentName         string
	SessionID         string
	SpawnID           *uint
	CleanupOnComplete bool
	Callbacks         Callbacks
}

// Loop runs the sampling loop for a single conversation.
type Loop struct {
	store     *store.Store
	client    llm.Client
	registry  *tool.Registry
	tracker   *heartbeat.Tracker
	memory    *memory.Memory
	broker    *broker.Client
	cfg       Config
	finalized bool
}

// New assembles a loop. broker may be nil when self-cleanup is not
// configured.
func New(st *store.Store, client llm.Client, registry *tool.Registry, tracker *heartbeat.Tracker, mem *memory.Memory, br *broker.Client, cfg Config) *Loop {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ImageChunkSize == 0 {
		cfg.ImageChunkSize = 1
	}
	return &Loop{
		store:    st,
		client:   client,
		registry: registry,
		tracker:  tracker,
		memory:   mem,
		broker:   br,
		cfg:      cfg,
	}
}

// exitState records how the run ended, for the deferred finalization.
type exitState struct {
	status string
	detail string
}

// Run drives the conversation until a terminal state. It returns the full
// message history; the error is non-nil only for model API failures and
// status-check failures, both of which have already been persisted as
// status=failed. Finalization runs exactly once on every exit path.
func (l *Loop) Run(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	exit := exitState{status: store.StatusFailed, detail: "loop exited unexpectedly"}
	defer func() {
		l.finalize(exit, messages)
	}()

	if ctxText := l.memory.Context(); ctxText != "" {
		l.cfg.System += "\n\nShared workspace context from previous runs:\n" + ctxText
	}

	l.tracker.Beat("loop_start")

	id := l.cfg.ConversationID
	zeroToolStreak := 0
	pendingToolID := ""
	if len(messages) > 0 && messages[len(messages)-1].Role == llm.RoleUser {
		pendingToolID = "user-input"
	}

	for {
		// The store is the sole source of truth for status; an external
		// controller may rewrite it between any two iterations.
		status, err := l.store.ConversationStatus(id)
		if err != nil {
			detail := fmt.Sprintf("internal error during status check: %v", err)
			l.setStatus(store.StatusFailed, detail)
			exit = exitState{store.StatusFailed, detail}
			return messages, fmt.Errorf("loop: status check: %w", err)
		}
		switch status {
		case store.StatusStopping:
			l.setStatus(store.StatusCancelled, "Task cancelled by user.")
			exit = exitState{store.StatusCancelled, "Task cancelled by user."}
			return messages, nil
		case store.StatusPausing:
			l.setStatus(store.StatusPaused, "Task paused by user.")
			exit = exitState{store.StatusPaused, "Task paused by user."}
			return messages, nil
		}

		if l.cfg.PromptCaching {
			injectPromptCaching(messages)
		}
		if l.cfg.KeepRecentImages > 0 {
			filterImages(messages, l.cfg.KeepRecentImages, l.cfg.ImageChunkSize)
		}

		if pendingToolID != "" {
			last := messages[len(messages)-1]
			l.persistMessage(llm.RoleUser, last.Content, last, pendingToolID)
			pendingToolID = ""
		}

		req := &llm.Request{
			Model:          l.cfg.Model,
			System:         l.cfg.System,
			SystemCache:    l.cfg.PromptCaching,
			MaxTokens:      l.cfg.MaxTokens,
			Messages:       messages,
			Tools:          l.registry.Definitions(),
			ThinkingBudget: l.cfg.ThinkingBudget,
		}
		logID := l.logRequest(req)

		l.tracker.Beat("model_call")
		start := time.Now()
		resp, err := l.client.CreateMessage(ctx, req)
		latency := time.Since(start)
		if err != nil {
			l.attachResponse(logID, "", err.Error(), latency)
			detail := fmt.Sprintf("API error: %v", err)
			var apiErr *llm.APIError
			if !errors.As(err, &apiErr) {
				detail = fmt.Sprintf("an unexpected error occurred: %v", err)
			}
			l.setStatus(store.StatusFailed, detail)
			exit = exitState{store.StatusFailed, detail}
			if l.cfg.Callbacks.OnAPIError != nil {
				l.cfg.Callbacks.OnAPIError(err)
			}
			return messages, fmt.Errorf("loop: model call: %w", err)
		}
		l.attachResponse(logID, marshal(resp), "", latency)
		l.tracker.Beat("response_parse")

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
		messages = append(messages, assistant)
		l.persistMessage(llm.RoleAssistant, resp.Content, assistant, "response")

		var toolResults []llm.Block
		for _, block := range resp.Content {
			if l.cfg.Callbacks.OnBlock != nil {
				l.cfg.Callbacks.OnBlock(block)
			}
			if block.Type != llm.BlockToolUse {
				continue
			}
			result := l.registry.Run(ctx, block.Name, block.Input)
			l.tracker.Beat("tool_exec")
			if result.Cancelled {
				// A nested wait saw this agent being told to stop.
				l.setStatus(store.StatusCancelled, "Task cancelled while waiting on a sub-agent.")
				exit = exitState{store.StatusCancelled, "Task cancelled while waiting on a sub-agent."}
				return messages, nil
			}
			toolResults = append(toolResults, toolResultBlock(result, block.ID))
			if l.cfg.Callbacks.OnToolResult != nil {
				l.cfg.Callbacks.OnToolResult(result, block.ID)
			}
		}

		if len(toolResults) == 0 {
			zeroToolStreak++
			if zeroToolStreak == 1 {
				finalizeMsg := llm.UserMessage(llm.TextBlock(finalizePrompt))
				messages = append(messages, finalizeMsg)
				// Tagged distinctly so the audit trail separates injected
				// bookkeeping turns from genuine user input.
				pendingToolID = "finalize-prompt"
				l.tracker.Beat("iteration")
				continue
			}
			l.setStatus(store.StatusCompleted, "Task finished successfully without further tool use.")
			if err := l.store.MarkCompleted(id); err != nil {
				log.Printf("loop: conversation %d: %v", id, err)
			}
			exit = exitState{store.StatusCompleted, "Task finished successfully without further tool use."}
			return messages, nil
		}
		zeroToolStreak = 0

		resultMsg := llm.Message{Role: llm.RoleUser, Content: toolResults}
		l.persistMessage("tool", toolResults, resultMsg, "response")
		messages = append(messages, resultMsg)
		l.tracker.Beat("iteration")
	}
}

// finalize runs the shutdown sequence: annotate the shared status document on
// abnormal exit, append a terminal log entry, resolve this run's spawn record
// when it is a sub-agent, and optionally request self-deletion of the compute
// session. Every step is best-effort; nothing here can abort the exit.
func (l *Loop) finalize(exit exitState, messages []llm.Message) {
	if l.finalized {
		return
	}
	l.finalized = true

	agent := l.cfg.AgentName
	if agent == "" {
		agent = "agent"
	}

	if exit.status == store.StatusFailed || exit.status == store.StatusCancelled {
		if err := l.memory.AnnotateAbnormal(agent, exit.status, exit.detail); err != nil {
			log.Printf("loop: annotate status doc: %v", err)
		}
	}
	if err := l.memory.AppendLog(agent, fmt.Sprintf("run for conversation %d ended with status %s: %s",
		l.cfg.ConversationID, exit.status, exit.detail)); err != nil {
		log.Printf("loop: append activity log: %v", err)
	}

	if l.cfg.SpawnID != nil {
		summary := lastAssistantText(messages)
		if summary == "" {
			summary = exit.detail
		}
		spawnStatus := store.SpawnFailed
		switch exit.status {
		case store.StatusCompleted:
			spawnStatus = store.SpawnCompleted
		case store.StatusCancelled, store.StatusPaused:
			spawnStatus = store.SpawnCancelled
		}
		var errMsg string
		if spawnStatus != store.SpawnCompleted {
			errMsg = exit.detail
		}
		if err := l.store.ResolveSpawn(*l.cfg.SpawnID, spawnStatus, summary, errMsg); err != nil {
			log.Printf("loop: resolve spawn %d: %v", *l.cfg.SpawnID, err)
		}
	}

	if l.cfg.CleanupOnComplete && l.broker != nil && l.cfg.SessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.broker.DeleteSession(ctx, l.cfg.SessionID); err != nil {
			log.Printf("loop: self-cleanup of session %s: %v", l.cfg.SessionID, err)
		}
	}
}

func (l *Loop) setStatus(status, message string) {
	if err := l.store.UpdateStatus(l.cfg.ConversationID, status, message); err != nil {
		log.Printf("loop: update status of conversation %d: %v", l.cfg.ConversationID, err)
	}
}

func (l *Loop) persistMessage(role string, content interface{}, raw llm.Message, toolID string) {
	err := l.store.StoreMessage(store.MessageOpts{
		ConversationID: l.cfg.ConversationID,
		Role:           role,
		Content:        marshal(content),
		RawContent:     marshal(raw),
		ToolID:         toolID,
	})
	if err != nil {
		log.Printf("loop: store %s message: %v", role, err)
	}
}

func (l *Loop) logRequest(req *llm.Request) uint {
	logID, err := l.store.LogRequest(l.cfg.ConversationID, l.cfg.Model, marshal(req))
	if err != nil {
		log.Printf("loop: log api request: %v", err)
	}
	return logID
}

func (l *Loop) attachResponse(logID uint, response, errText string, latency time.Duration) {
	if logID == 0 {
		return
	}
	if err := l.store.AttachResponse(logID, response, errText, latency); err != nil {
		log.Printf("loop: attach api response: %v", err)
	}
}

// toolResultBlock converts a tool result into the model-facing block. An
// out-of-band system note is folded into the text the way the model expects.
func toolResultBlock(result tool.Result, toolUseID string) llm.Block {
	block := llm.Block{
		Type:      llm.BlockToolResult,
		ToolUseID: toolUseID,
	}
	if result.IsError() {
		block.IsError = true
		block.Content = []llm.Block{llm.TextBlock(prependSystem(result.System, result.Error))}
		return block
	}
	if result.Output != "" {
		block.Content = append(block.Content, llm.TextBlock(prependSystem(result.System, result.Output)))
	} else if result.System != "" {
		block.Content = append(block.Content, llm.TextBlock(prependSystem(result.System, "")))
	}
	if result.ImageData != "" {
		block.Content = append(block.Content, llm.Block{Type: llm.BlockImage, ImageData: result.ImageData})
	}
	return block
}

func prependSystem(system, text string) string {
	if system == "" {
		return text
	}
	return fmt.Sprintf("<system>%s</system>\n%s", system, text)
}

// lastAssistantText extracts the final assistant text block, used as the
// best-effort result summary on a spawn record.
func lastAssistantText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleAssistant {
			continue
		}
		for j := len(messages[i].Content) - 1; j >= 0; j-- {
			if messages[i].Content[j].Type == llm.BlockText {
				return messages[i].Content[j].Text
			}
		}
	}
	return ""
}

func marshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
