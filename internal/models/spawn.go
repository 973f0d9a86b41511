package models

import "time"

// SpawnRecord is the persisted bookkeeping of one parent-to-child sub-agent
// relationship. Created before the child session exists; immutable once its
// status is terminal.
type SpawnRecord struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	ParentConversationID uint   `gorm:"not null;index"`
	ChatID               *uint
	UserID               string `gorm:"size:64"`
	ChildAgentID         string `gorm:"size:128"`
	AgentName            string `gorm:"size:64;not null"`
	DisplayName          string `gorm:"size:128"`
	ParentSessionID      string `gorm:"size:128"`
	ChildSessionID       string `gorm:"size:128;index"`
	SystemPrompt         string `gorm:"type:text"`
	Task                 string `gorm:"type:text"`
	WaitForCompletion    bool   `gorm:"default:true"`
	CleanupOnComplete    bool   `gorm:"default:true"`
	Status               string `gorm:"size:16;default:spawning;index"`
	ChildConversationID  *uint
	PodName              string `gorm:"size:128"`
	ResultSummary        string `gorm:"type:text"`
	ErrorMessage         string `gorm:"type:text"`
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time

	Parent Conversation `gorm:"foreignKey:ParentConversationID"`
}
