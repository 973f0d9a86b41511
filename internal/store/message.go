package store

import (
	"fmt"
	"time"

	"github.com/zulandar/conductor/internal/models"
)

// MessageOpts holds parameters for appending a message to a conversation.
type MessageOpts struct {
	ConversationID uint
	Role           string
	Content        string
	RawContent     string
	ToolID         string
	IsError        bool
	ImageData      string
}

// StoreMessage appends one message. Messages are never mutated after insert.
func (s *Store) StoreMessage(opts MessageOpts) error {
	if opts.ConversationID == 0 {
		return fmt.Errorf("store: conversation id is required")
	}
	if opts.Role == "" {
		return fmt.Errorf("store: message role is required")
	}
	msg := models.Message{
		ConversationID: opts.ConversationID,
		Role:           opts.Role,
		Content:        opts.Content,
		RawContent:     opts.RawContent,
		ToolID:         opts.ToolID,
		IsError:        opts.IsError,
		ImageData:      opts.ImageData,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return fmt.Errorf("store: store message for conversation %d: %w", opts.ConversationID, err)
	}
	return nil
}

// Messages returns a conversation's messages in creation order.
func (s *Store) Messages(conversationID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: messages for conversation %d: %w", conversationID, err)
	}
	return msgs, nil
}

// LogRequest writes the request snapshot for one model call and returns the
// log row id so the response can be attached later.
func (s *Store) LogRequest(conversationID uint, model, request string) (uint, error) {
	row := models.APILog{
		ConversationID: conversationID,
		Model:          model,
		Request:        request,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("store: log request for conversation %d: %w", conversationID, err)
	}
	return row.ID, nil
}

// AttachResponse records the response snapshot (or error text, on failure)
// and latency for a previously logged request.
func (s *Store) AttachResponse(logID uint, response, errText string, latency time.Duration) error {
	now := time.Now()
	err := s.db.Model(&models.APILog{}).Where("id = ?", logID).Updates(map[string]interface{}{
		"response":     response,
		"error":        errText,
		"latency_ms":   int(latency.Milliseconds()),
		"responded_at": now,
	}).Error
	if err != nil {
		return fmt.Errorf("store: attach response to log %d: %w", logID, err)
	}
	return nil
}
