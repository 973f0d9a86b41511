// Package server is the agent's front door: an HTTP surface that accepts
// task submissions, creates the conversation record, and launches the
// sampling loop in the background. Callers observe progress through the
// store's status fields and the heartbeat, never through the HTTP response.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/conductor/internal/broker"
	"github.com/zulandar/conductor/internal/config"
	"github.com/zulandar/conductor/internal/heartbeat"
	"github.com/zulandar/conductor/internal/llm"
	"github.com/zulandar/conductor/internal/loop"
	"github.com/zulandar/conductor/internal/memory"
	"github.com/zulandar/conductor/internal/store"
	"github.com/zulandar/conductor/internal/tool"
)

// StartOpts holds configuration for the front-door server.
type StartOpts struct {
	Store  *store.Store
	Config *config.Config
	Client llm.Client
	Broker *broker.Client
	Out    io.Writer
}

// Start launches the front door and the stale-conversation reaper. It blocks
// until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Config == nil {
		return fmt.Errorf("server: config is required")
	}

	reaper := startReaper(opts.Store, time.Duration(opts.Config.Loop.HeartbeatTimeoutSec)*time.Second)
	defer reaper.Stop()

	router := newRouter(opts.Store, opts.Config, newLauncher(opts))

	addr := fmt.Sprintf(":%d", opts.Config.API.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Agent API listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// launcher starts the sampling loop for a freshly created conversation as an
// independent unit of work.
type launcher func(conversationID uint, req messageRequest, cleanup bool)

// newLauncher wires a full loop: tool registry (spawner and credentials),
// heartbeat tracker, shared memory, and the model client.
func newLauncher(opts StartOpts) launcher {
	cfg := opts.Config
	return func(conversationID uint, req messageRequest, cleanup bool) {
		go func() {
			sessionID := req.SessionID
			if sessionID == "" {
				sessionID = cfg.Agent.SessionID
			}
			agentName := req.AgentName
			if agentName == "" {
				agentName = cfg.Agent.Name
			}

			chatID := cfg.Agent.ChatID
			registry := tool.NewRegistry(cfg.Workspace.ProjectDir)
			if opts.Broker != nil {
				registry.Register(tool.NewCredentialsTool(opts.Broker, sessionID))
				registry.Register(tool.NewSpawnTool(opts.Store, opts.Broker, tool.SpawnConfig{
					ParentConversationID: conversationID,
					ChatID:               &chatID,
					UserID:               cfg.Agent.UserID,
					ParentSessionID:      sessionID,
					AgentURLTemplate:     cfg.Broker.AgentURLTemplate,
					ProjectDir:           cfg.Workspace.ProjectDir,
				}))
			}

			maxTokens := req.MaxTokens
			if maxTokens == 0 {
				maxTokens = cfg.Loop.MaxTokens
			}
			system := strings.TrimSpace(cfg.SystemPromptSuffix + "\n\n" + req.SystemPromptSuffix)

			tracker := heartbeat.NewTracker(opts.Store, conversationID,
				time.Duration(cfg.Loop.HeartbeatIntervalSec)*time.Second)
			mem := memory.New(cfg.Workspace.ProjectDir)

			l := loop.New(opts.Store, opts.Client, registry, tracker, mem, opts.Broker, loop.Config{
				ConversationID:    conversationID,
				Model:             cfg.Loop.Model,
				System:            system,
				MaxTokens:         maxTokens,
				KeepRecentImages:  cfg.Loop.KeepRecentImages,
				ImageChunkSize:    cfg.Loop.ImageChunkSize,
				PromptCaching:     cfg.Loop.PromptCaching,
				ThinkingBudget:    cfg.Loop.ThinkingBudget,
				AgentName:         agentName,
				SessionID:         sessionID,
				SpawnID:           req.SpawnID,
				CleanupOnComplete: cleanup,
			})

			messages := []llm.Message{llm.UserMessage(llm.TextBlock(req.Message))}
			if _, err := l.Run(context.Background(), messages); err != nil {
				log.Printf("server: conversation %d: %v", conversationID, err)
			}
		}()
	}
}
