package store

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/conductor/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.Conversation{},
		&models.Message{},
		&models.APILog{},
		&models.SpawnRecord{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(openTestDB(t))
}

func createConversation(t *testing.T, s *Store) uint {
	t.Helper()
	id, err := s.CreateConversation(ConversationOpts{
		Model:     "claude-sonnet-4-5",
		Type:      TypeSingle,
		SessionID: "chat-1-main",
		AgentName: "main-orchestrator",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return id
}

func TestCreateConversation(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	conv, err := s.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", conv.Status, StatusRunning)
	}
	if conv.Type != TypeSingle {
		t.Errorf("Type = %q, want %q", conv.Type, TypeSingle)
	}
	if conv.CompletedAt != nil {
		t.Error("CompletedAt should be nil on creation")
	}
}

func TestCreateConversation_RequiresModel(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateConversation(ConversationOpts{}); err == nil {
		t.Fatal("CreateConversation() error = nil, want model required error")
	}
}

func TestConversationStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ConversationStatus(12345)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ConversationStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	if err := s.UpdateStatus(id, StatusCancelled, "Task cancelled by user."); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	conv, err := s.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", conv.Status, StatusCancelled)
	}
	if conv.StatusMessage != "Task cancelled by user." {
		t.Errorf("StatusMessage = %q", conv.StatusMessage)
	}
	if conv.CompletedAt != nil {
		t.Error("CompletedAt should stay nil for cancelled")
	}
}

func TestUpdateStatus_CompletedStampsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	if err := s.UpdateStatus(id, StatusCompleted, "done"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	conv, _ := s.GetConversation(id)
	if conv.CompletedAt == nil {
		t.Error("CompletedAt should be set when status becomes completed")
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(999, StatusFailed, "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus_TerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)

	for _, terminal := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		id := createConversation(t, s)
		if err := s.UpdateStatus(id, terminal, "done"); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", terminal, err)
		}

		// A late writer must not resurrect the conversation.
		if err := s.UpdateStatus(id, StatusRunning, "late write"); err != nil {
			t.Fatalf("UpdateStatus after %s: %v", terminal, err)
		}
		conv, _ := s.GetConversation(id)
		if conv.Status != terminal {
			t.Errorf("Status = %q after late write, want %q", conv.Status, terminal)
		}
		if conv.StatusMessage != "done" {
			t.Errorf("StatusMessage = %q after late write", conv.StatusMessage)
		}
	}
}

func TestUpdateStatus_PausedCanResume(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	if err := s.UpdateStatus(id, StatusPaused, "Task paused by user."); err != nil {
		t.Fatalf("UpdateStatus(paused): %v", err)
	}
	if err := s.UpdateStatus(id, StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus(running): %v", err)
	}
	conv, _ := s.GetConversation(id)
	if conv.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", conv.Status, StatusRunning)
	}
}

func TestMarkCompleted_SingleTypeOnly(t *testing.T) {
	s := newTestStore(t)

	single := createConversation(t, s)
	cont, err := s.CreateConversation(ConversationOpts{
		Model: "claude-sonnet-4-5",
		Type:  TypeContinuous,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if err := s.MarkCompleted(single); err != nil {
		t.Fatalf("MarkCompleted(single): %v", err)
	}
	if err := s.MarkCompleted(cont); err != nil {
		t.Fatalf("MarkCompleted(continuous): %v", err)
	}

	sc, _ := s.GetConversation(single)
	cc, _ := s.GetConversation(cont)
	if sc.CompletedAt == nil {
		t.Error("single conversation should have completed_at set")
	}
	if cc.CompletedAt != nil {
		t.Error("continuous conversation should not have completed_at set")
	}
}

func TestStoreMessage_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	for _, m := range []MessageOpts{
		{ConversationID: id, Role: "user", Content: "do the thing", ToolID: "user-input"},
		{ConversationID: id, Role: "assistant", Content: "on it", ToolID: "response"},
		{ConversationID: id, Role: "tool", Content: "result", ToolID: "response"},
	} {
		if err := s.StoreMessage(m); err != nil {
			t.Fatalf("StoreMessage(%s): %v", m.Role, err)
		}
	}

	msgs, err := s.Messages(id)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	wantRoles := []string{"user", "assistant", "tool"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
}

func TestStoreMessage_Validation(t *testing.T) {
	s := newTestStore(t)
	if err := s.StoreMessage(MessageOpts{Role: "user"}); err == nil {
		t.Error("StoreMessage without conversation id should fail")
	}
	if err := s.StoreMessage(MessageOpts{ConversationID: 1}); err == nil {
		t.Error("StoreMessage without role should fail")
	}
}

func TestLogRequest_AttachResponse(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	logID, err := s.LogRequest(id, "claude-sonnet-4-5", `{"messages":[]}`)
	if err != nil {
		t.Fatalf("LogRequest: %v", err)
	}
	if err := s.AttachResponse(logID, `{"content":[]}`, "", 1200*time.Millisecond); err != nil {
		t.Fatalf("AttachResponse: %v", err)
	}

	var row models.APILog
	if err := s.db.First(&row, logID).Error; err != nil {
		t.Fatalf("load api log: %v", err)
	}
	if row.Response != `{"content":[]}` {
		t.Errorf("Response = %q", row.Response)
	}
	if row.LatencyMs != 1200 {
		t.Errorf("LatencyMs = %d, want 1200", row.LatencyMs)
	}
	if row.RespondedAt == nil {
		t.Error("RespondedAt should be set")
	}
}

func TestHeartbeat_MovesForward(t *testing.T) {
	s := newTestStore(t)
	id := createConversation(t, s)

	if err := s.Heartbeat(id, "loop-start"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	first, _ := s.GetConversation(id)
	if first.LastHeartbeatAt == nil {
		t.Fatal("LastHeartbeatAt should be set")
	}
	if first.HeartbeatPhase != "loop-start" {
		t.Errorf("HeartbeatPhase = %q, want %q", first.HeartbeatPhase, "loop-start")
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.Heartbeat(id, "before-model-call"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	second, _ := s.GetConversation(id)
	if !second.LastHeartbeatAt.After(*first.LastHeartbeatAt) {
		t.Error("heartbeat timestamp should only move forward")
	}
}

func TestStaleRunning(t *testing.T) {
	s := newTestStore(t)
	stale := createConversation(t, s)
	fresh := createConversation(t, s)
	done := createConversation(t, s)
	if err := s.UpdateStatus(done, StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if err := s.db.Model(&models.Conversation{}).Where("id = ?", stale).
		Update("last_heartbeat_at", past).Error; err != nil {
		t.Fatalf("set stale heartbeat: %v", err)
	}
	if err := s.Heartbeat(fresh, "loop-start"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := s.StaleRunning(time.Now().Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("StaleRunning: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale {
		t.Errorf("StaleRunning = %v, want just conversation %d", got, stale)
	}
}

func TestSpawnLifecycle(t *testing.T) {
	s := newTestStore(t)
	parent := createConversation(t, s)

	spawnID, err := s.CreateSpawn(SpawnOpts{
		ParentConversationID: parent,
		AgentName:            "security-reviewer",
		DisplayName:          "Security Reviewer",
		ChildSessionID:       "chat-1-sub-security-reviewer-ab12cd34",
		WaitForCompletion:    true,
		CleanupOnComplete:    true,
	})
	if err != nil {
		t.Fatalf("CreateSpawn: %v", err)
	}

	rec, err := s.GetSpawn(spawnID)
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if rec.Status != SpawnSpawning {
		t.Errorf("Status = %q, want %q", rec.Status, SpawnSpawning)
	}

	if err := s.MarkSpawnRunning(spawnID, 77, "pod-abc"); err != nil {
		t.Fatalf("MarkSpawnRunning: %v", err)
	}
	rec, _ = s.GetSpawn(spawnID)
	if rec.Status != SpawnRunning {
		t.Errorf("Status = %q, want %q", rec.Status, SpawnRunning)
	}
	if rec.ChildConversationID == nil || *rec.ChildConversationID != 77 {
		t.Errorf("ChildConversationID = %v, want 77", rec.ChildConversationID)
	}

	// Child conversation id is set at most once.
	if err := s.MarkSpawnRunning(spawnID, 88, "pod-other"); err == nil {
		t.Error("second MarkSpawnRunning should fail")
	}

	if err := s.ResolveSpawn(spawnID, SpawnCompleted, "did the review", ""); err != nil {
		t.Fatalf("ResolveSpawn: %v", err)
	}
	rec, _ = s.GetSpawn(spawnID)
	if rec.Status != SpawnCompleted {
		t.Errorf("Status = %q, want %q", rec.Status, SpawnCompleted)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt should be set on resolve")
	}
}

func TestResolveSpawn_TerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)
	parent := createConversation(t, s)

	spawnID, err := s.CreateSpawn(SpawnOpts{
		ParentConversationID: parent,
		AgentName:            "data-analyst",
	})
	if err != nil {
		t.Fatalf("CreateSpawn: %v", err)
	}
	if err := s.ResolveSpawn(spawnID, SpawnFailed, "", "pod failed to start"); err != nil {
		t.Fatalf("ResolveSpawn: %v", err)
	}

	// A second resolve is a silent no-op.
	if err := s.ResolveSpawn(spawnID, SpawnCompleted, "late result", ""); err != nil {
		t.Fatalf("ResolveSpawn (second): %v", err)
	}
	rec, _ := s.GetSpawn(spawnID)
	if rec.Status != SpawnFailed {
		t.Errorf("Status = %q, want %q after second resolve", rec.Status, SpawnFailed)
	}
	if rec.ErrorMessage != "pod failed to start" {
		t.Errorf("ErrorMessage = %q", rec.ErrorMessage)
	}
}

func TestResolveSpawn_RejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	if err := s.ResolveSpawn(1, SpawnRunning, "", ""); err == nil {
		t.Error("ResolveSpawn with non-terminal status should fail")
	}
}
