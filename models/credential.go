package models

import (
	"time"
)

// Credential is a provider API key. BaseURL, when set, overrides the
// deployment's default provider endpoint.
type Credential struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"model_provider"`
	APIKey    string    `json:"-"`
	BaseURL   string    `json:"base_url,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
