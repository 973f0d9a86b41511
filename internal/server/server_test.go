package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/conductor/internal/config"
	"github.com/zulandar/conductor/internal/models"
	"github.com/zulandar/conductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Conversation{}, &models.Message{}, &models.APILog{}, &models.SpawnRecord{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return store.New(gdb)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
agent:
  chat_id: 7
  session_id: chat-7-main
  name: main-orchestrator
broker:
  url: http://broker:8001
loop:
  model: claude-sonnet-4-5
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

type launchCall struct {
	conversationID uint
	req            messageRequest
	cleanup        bool
}

func newTestRouter(t *testing.T) (*store.Store, *[]launchCall, http.Handler) {
	t.Helper()
	st := newTestStore(t)
	var calls []launchCall
	launch := func(id uint, req messageRequest, cleanup bool) {
		calls = append(calls, launchCall{id, req, cleanup})
	}
	return st, &calls, newRouter(st, testConfig(t), launch)
}

func postMessage(t *testing.T, h http.Handler, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMessage_TopLevelReturnsImmediately(t *testing.T) {
	st, calls, h := newTestRouter(t)

	w := postMessage(t, h, map[string]interface{}{
		"message":             "Do the thing",
		"cleanup_on_complete": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ConversationID uint   `json:"conversation_id"`
		Status         string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ConversationID == 0 || resp.Status != store.StatusRunning {
		t.Errorf("response = %+v", resp)
	}

	conv, err := st.GetConversation(resp.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Type != store.TypeSingle || conv.Status != store.StatusRunning {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.ParentConversationID != nil {
		t.Error("top-level run must not carry a parent conversation")
	}

	if len(*calls) != 1 {
		t.Fatalf("launches = %d, want 1", len(*calls))
	}
	// Top-level agents never self-clean, whatever the caller asked for.
	if (*calls)[0].cleanup {
		t.Error("cleanup forced off for top-level run")
	}
}

func TestMessage_SubAgentKeepsCleanupFlag(t *testing.T) {
	st, calls, h := newTestRouter(t)

	w := postMessage(t, h, map[string]interface{}{
		"message":             "Subtask",
		"parent_chat_id":      3,
		"agent_name":          "researcher",
		"session_id":          "chat-7-sub-researcher-ab12cd34",
		"cleanup_on_complete": true,
		"spawn_id":            11,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if len(*calls) != 1 {
		t.Fatalf("launches = %d, want 1", len(*calls))
	}
	call := (*calls)[0]
	if !call.cleanup {
		t.Error("sub-agent cleanup flag dropped")
	}
	if call.req.SpawnID == nil || *call.req.SpawnID != 11 {
		t.Errorf("spawn id = %v", call.req.SpawnID)
	}

	conv, err := st.GetConversation(call.conversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ParentConversationID == nil || *conv.ParentConversationID != 3 {
		t.Errorf("parent conversation = %v", conv.ParentConversationID)
	}
	if conv.AgentName != "researcher" || conv.SessionID != "chat-7-sub-researcher-ab12cd34" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestMessage_RequiresMessage(t *testing.T) {
	_, calls, h := newTestRouter(t)
	w := postMessage(t, h, map[string]interface{}{"agent_name": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(*calls) != 0 {
		t.Error("launcher called for invalid request")
	}
}

func TestGetConversation(t *testing.T) {
	st, _, h := newTestRouter(t)
	id, err := st.CreateConversation(store.ConversationOpts{
		Model:     "claude-sonnet-4-5",
		Type:      store.TypeSingle,
		SessionID: "chat-7-main",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := st.UpdateStatus(id, store.StatusCompleted, "all done"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations/1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Status        string `json:"status"`
		StatusMessage string `json:"status_message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != store.StatusCompleted || resp.StatusMessage != "all done" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	_, _, h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/conversations/42", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetConversation_BadID(t *testing.T) {
	_, _, h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/conversations/abc", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	_, _, h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReapStale(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation(store.ConversationOpts{
		Model:     "claude-sonnet-4-5",
		SessionID: "chat-7-main",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	reapStale(st, time.Millisecond)

	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", conv.Status)
	}

	// Terminal conversations are left alone on later sweeps.
	reapStale(st, time.Millisecond)
	conv2, _ := st.GetConversation(id)
	if conv2.Status != store.StatusFailed {
		t.Errorf("status = %q after second sweep", conv2.Status)
	}
}

func TestReapStale_FreshHeartbeatSurvives(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation(store.ConversationOpts{
		Model:     "claude-sonnet-4-5",
		SessionID: "chat-7-main",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := st.Heartbeat(id, "model_call"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	reapStale(st, time.Hour)

	conv, _ := st.GetConversation(id)
	if conv.Status != store.StatusRunning {
		t.Errorf("status = %q, want running", conv.Status)
	}
}
