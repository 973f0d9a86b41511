package models

import "time"

// Conversation is one agent run, top-level or sub-agent. Created once at loop
// start, mutated by status updates and heartbeats, never deleted.
type Conversation struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	Model                string `gorm:"size:64;not null"`
	Type                 string `gorm:"size:16;default:continuous"`
	Status               string `gorm:"size:16;default:running;index"`
	StatusMessage        string `gorm:"type:text"`
	ChatID               *uint  `gorm:"index"`
	SessionID            string `gorm:"size:128;index"`
	ParentChatID         *uint
	ParentConversationID *uint  `gorm:"index"`
	AgentName            string `gorm:"size:64"`
	HeartbeatPhase       string `gorm:"size:32"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StatusUpdatedAt      time.Time
	CompletedAt          *time.Time
	LastHeartbeatAt      *time.Time `gorm:"index"`
}

// Message is one turn-unit belonging to a Conversation. Append-only; ordering
// is creation order.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index"`
	Role           string `gorm:"size:16;not null"` // "user", "assistant", "tool", "system"
	Content        string `gorm:"type:mediumtext"`
	RawContent     string `gorm:"type:mediumtext"`
	ToolID         string `gorm:"size:64"`
	IsError        bool   `gorm:"default:false"`
	ImageData      string `gorm:"type:mediumtext"`
	CreatedAt      time.Time

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}

// APILog captures one model call's request and response snapshots for
// diagnostics. The loop writes it and never reads it back.
type APILog struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index"`
	Model          string `gorm:"size:64"`
	Request        string `gorm:"type:mediumtext"`
	Response       string `gorm:"type:mediumtext"`
	Error          string `gorm:"type:text"`
	LatencyMs      int
	CreatedAt      time.Time
	RespondedAt    *time.Time
}
