package models

import (
	"time"
)

// Conversation is addressed by ConversationID, never by the numeric row id.
type Conversation struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationSummary is a conversation as listed to its owner.
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"message_count"`
}
