package models

import (
	"time"
)

// ModelInfo is one entry of the model catalog the frontend picks from.
// ModelName is what clients send as the chat request's model.
type ModelInfo struct {
	ID                      int64     `json:"id"`
	ModelName               string    `json:"model_name"`
	DisplayName             string    `json:"display_name"`
	Provider                string    `json:"model_provider"`
	Type                    string    `json:"model_type"`
	MaxTokens               int       `json:"max_tokens"`
	SupportsStreaming       bool      `json:"supports_streaming"`
	SupportsFunctionCalling bool      `json:"supports_function_calling"`
	SupportsVision          bool      `json:"supports_vision"`
	InputPricePer1K         float64   `json:"input_price_per_1k"`
	OutputPricePer1K        float64   `json:"output_price_per_1k"`
	Description             string    `json:"description"`
	IsActive                bool      `json:"is_active"`
	SortOrder               int       `json:"sort_order"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// UserStats summarizes a user's activity.
type UserStats struct {
	TotalConversations int `json:"total_conversations"`
	TotalMessages      int `json:"total_messages"`
	DaysActive         int `json:"days_active"`
}
