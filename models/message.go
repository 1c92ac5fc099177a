package models

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation. Reasoning is nil for user messages
// and for assistant messages whose provider produced no reasoning trace.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Reasoning      *string   `json:"reasoning"`
	Timestamp      time.Time `json:"timestamp"`
}
