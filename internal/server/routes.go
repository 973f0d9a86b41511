package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/conductor/internal/config"
	"github.com/zulandar/conductor/internal/store"
)

// messageRequest is a task submission. ParentChatID marks the caller as a
// parent orchestrator, which makes this run a sub-agent.
type messageRequest struct {
	Message            string `json:"message" binding:"required"`
	SystemPromptSuffix string `json:"system_prompt_suffix"`
	MaxTokens          int    `json:"max_tokens"`
	ParentChatID       *uint  `json:"parent_chat_id"`
	AgentName          string `json:"agent_name"`
	CleanupOnComplete  bool   `json:"cleanup_on_complete"`
	SessionID          string `json:"session_id"`
	SpawnID            *uint  `json:"spawn_id"`
}

// newRouter builds the front-door routes.
func newRouter(st *store.Store, cfg *config.Config, launch launcher) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/message", handleMessage(st, cfg, launch))
	router.GET("/conversations/:id", handleConversation(st))
	router.GET("/health", handleHealth())

	return router
}

// handleMessage creates the conversation record synchronously, launches the
// loop in the background, and returns the conversation id immediately.
func handleMessage(st *store.Store, cfg *config.Config, launch launcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		subAgent := req.ParentChatID != nil

		// A top-level agent must stay available for further prompts; only
		// sub-agents may self-terminate.
		cleanup := req.CleanupOnComplete
		if !subAgent {
			cleanup = false
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = cfg.Agent.SessionID
		}
		agentName := req.AgentName
		if agentName == "" {
			agentName = cfg.Agent.Name
		}
		chatID := cfg.Agent.ChatID

		var parentConvID *uint
		if subAgent {
			parentConvID = req.ParentChatID
		}

		conversationID, err := st.CreateConversation(store.ConversationOpts{
			Model:                cfg.Loop.Model,
			Type:                 store.TypeSingle,
			ChatID:               &chatID,
			SessionID:            sessionID,
			ParentChatID:         req.ParentChatID,
			ParentConversationID: parentConvID,
			AgentName:            agentName,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		launch(conversationID, req, cleanup)

		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conversationID,
			"status":          store.StatusRunning,
		})
	}
}

// handleConversation returns a conversation's stored status and summary.
func handleConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
			return
		}
		conv, err := st.GetConversation(uint(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conv.ID,
			"status":          conv.Status,
			"status_message":  conv.StatusMessage,
			"agent_name":      conv.AgentName,
			"created_at":      conv.CreatedAt,
			"completed_at":    conv.CompletedAt,
		})
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
