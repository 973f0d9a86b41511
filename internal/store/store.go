// Package store is the persistence gateway for conversation, message, spawn
// and heartbeat state. Every query is scoped by conversation or spawn id so
// concurrent loops never cross-talk; row-level serialization is left to the
// database.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/conductor/internal/models"
	"gorm.io/gorm"
)

// Conversation status values. The loop owns the transition out of "running";
// external controllers write "stopping" and "pausing".
const (
	StatusRunning   = "running"
	StatusStopping  = "stopping"
	StatusCancelled = "cancelled"
	StatusPausing   = "pausing"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Spawn record status values.
const (
	SpawnSpawning  = "spawning"
	SpawnRunning   = "running"
	SpawnCompleted = "completed"
	SpawnFailed    = "failed"
	SpawnCancelled = "cancelled"
)

// Conversation type values.
const (
	TypeSingle     = "single"
	TypeContinuous = "continuous"
)

// ErrNotFound is returned when a conversation or spawn record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a GORM connection with the operations the orchestration core
// needs. Safe for concurrent use from multiple loops.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ConversationOpts holds parameters for creating a conversation record.
type ConversationOpts struct {
	Model                string
	Type                 string
	ChatID               *uint
	SessionID            string
	ParentChatID         *uint
	ParentConversationID *uint
	AgentName            string
}

// CreateConversation inserts a new conversation with status=running and
// returns its id.
func (s *Store) CreateConversation(opts ConversationOpts) (uint, error) {
	if opts.Model == "" {
		return 0, fmt.Errorf("store: model is required")
	}
	if opts.Type == "" {
		opts.Type = TypeContinuous
	}

	now := time.Now()
	conv := models.Conversation{
		Model:                opts.Model,
		Type:                 opts.Type,
		Status:               StatusRunning,
		ChatID:               opts.ChatID,
		SessionID:            opts.SessionID,
		ParentChatID:         opts.ParentChatID,
		ParentConversationID: opts.ParentConversationID,
		AgentName:            opts.AgentName,
		CreatedAt:            now,
		StatusUpdatedAt:      now,
	}
	if err := s.db.Create(&conv).Error; err != nil {
		return 0, fmt.Errorf("store: create conversation: %w", err)
	}
	return conv.ID, nil
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.Where("id = ?", id).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: conversation %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// ConversationStatus reads the current persisted status for a conversation.
// The loop calls this fresh at the top of every iteration; external
// controllers may rewrite the status at any time.
func (s *Store) ConversationStatus(id uint) (string, error) {
	var conv models.Conversation
	if err := s.db.Select("status").Where("id = ?", id).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("store: conversation %d: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("store: status of conversation %d: %w", id, err)
	}
	return conv.Status, nil
}

// UpdateStatus writes a new status and optional human-readable message.
// A transition to "completed" also stamps completed_at. A conversation already
// in a terminal status is left untouched; late writers lose. Paused is not
// terminal here so an external controller can resume it.
func (s *Store) UpdateStatus(id uint, status, message string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":            status,
		"status_message":    message,
		"status_updated_at": now,
	}
	if status == StatusCompleted {
		updates["completed_at"] = now
	}
	result := s.db.Model(&models.Conversation{}).
		Where("id = ? AND status NOT IN ?", id, []string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update status of conversation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the row is missing or it is already terminal.
		if _, err := s.GetConversation(id); err != nil {
			return err
		}
	}
	return nil
}

// MarkCompleted stamps completed_at on a single-type conversation. Continuous
// conversations stay open for further prompts.
func (s *Store) MarkCompleted(id uint) error {
	err := s.db.Model(&models.Conversation{}).
		Where("id = ? AND type = ?", id, TypeSingle).
		Update("completed_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("store: mark conversation %d completed: %w", id, err)
	}
	return nil
}

// Heartbeat writes the liveness timestamp and phase label. The timestamp only
// moves forward; rate limiting lives in the heartbeat package.
func (s *Store) Heartbeat(id uint, phase string) error {
	err := s.db.Model(&models.Conversation{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_heartbeat_at": time.Now(),
		"heartbeat_phase":   phase,
	}).Error
	if err != nil {
		return fmt.Errorf("store: heartbeat for conversation %d: %w", id, err)
	}
	return nil
}

// StaleRunning returns running conversations whose last heartbeat (or
// creation, if no heartbeat yet) is older than the cutoff.
func (s *Store) StaleRunning(cutoff time.Time) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.Where("status = ?", StatusRunning).
		Where("(last_heartbeat_at IS NULL AND created_at < ?) OR last_heartbeat_at < ?", cutoff, cutoff).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("store: stale running conversations: %w", err)
	}
	return convs, nil
}
