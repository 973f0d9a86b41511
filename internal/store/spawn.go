package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/conductor/internal/models"
	"gorm.io/gorm"
)

// SpawnOpts holds parameters for creating a spawn record. The record is
// written before the broker is touched so provisioning failures stay
// auditable.
type SpawnOpts struct {
	ParentConversationID uint
	ChatID               *uint
	UserID               string
	ChildAgentID         string
	AgentName            string
	DisplayName          string
	ParentSessionID      string
	ChildSessionID       string
	SystemPrompt         string
	Task                 string
	WaitForCompletion    bool
	CleanupOnComplete    bool
}

// CreateSpawn inserts a spawn record with status=spawning and returns its id.
func (s *Store) CreateSpawn(opts SpawnOpts) (uint, error) {
	if opts.ParentConversationID == 0 {
		return 0, fmt.Errorf("store: parent conversation id is required")
	}
	if opts.AgentName == "" {
		return 0, fmt.Errorf("store: agent name is required")
	}
	rec := models.SpawnRecord{
		ParentConversationID: opts.ParentConversationID,
		ChatID:               opts.ChatID,
		UserID:               opts.UserID,
		ChildAgentID:         opts.ChildAgentID,
		AgentName:            opts.AgentName,
		DisplayName:          opts.DisplayName,
		ParentSessionID:      opts.ParentSessionID,
		ChildSessionID:       opts.ChildSessionID,
		SystemPrompt:         opts.SystemPrompt,
		Task:                 opts.Task,
		WaitForCompletion:    opts.WaitForCompletion,
		CleanupOnComplete:    opts.CleanupOnComplete,
		Status:               SpawnSpawning,
		CreatedAt:            time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("store: create spawn record: %w", err)
	}
	return rec.ID, nil
}

// GetSpawn retrieves a spawn record by id.
func (s *Store) GetSpawn(id uint) (*models.SpawnRecord, error) {
	var rec models.SpawnRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: spawn %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get spawn %d: %w", id, err)
	}
	return &rec, nil
}

// MarkSpawnRunning records the provisioned child's conversation id and pod
// name and moves the record to running. The child conversation id is set at
// most once.
func (s *Store) MarkSpawnRunning(id uint, childConversationID uint, podName string) error {
	now := time.Now()
	result := s.db.Model(&models.SpawnRecord{}).
		Where("id = ? AND status = ? AND child_conversation_id IS NULL", id, SpawnSpawning).
		Updates(map[string]interface{}{
			"status":                SpawnRunning,
			"child_conversation_id": childConversationID,
			"pod_name":              podName,
			"started_at":            now,
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark spawn %d running: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: spawn %d not in spawning state", id)
	}
	return nil
}

// ResolveSpawn moves a spawn record to a terminal status with whatever
// summary and error text is available. A record already terminal is left
// untouched.
func (s *Store) ResolveSpawn(id uint, status, summary, errMsg string) error {
	if status != SpawnCompleted && status != SpawnFailed && status != SpawnCancelled {
		return fmt.Errorf("store: %q is not a terminal spawn status", status)
	}
	now := time.Now()
	result := s.db.Model(&models.SpawnRecord{}).
		Where("id = ? AND status IN ?", id, []string{SpawnSpawning, SpawnRunning}).
		Updates(map[string]interface{}{
			"status":         status,
			"result_summary": summary,
			"error_message":  errMsg,
			"completed_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("store: resolve spawn %d: %w", id, result.Error)
	}
	return nil
}
