package services

import (
	"context"
	"time"

	"chathub/models"
)

// CredentialStore resolves provider API keys.
type CredentialStore interface {
	// FindActiveCredential returns the most recently updated active
	// credential for providerID, or ErrNotFound.
	FindActiveCredential(ctx context.Context, providerID string) (*models.Credential, error)
	PutCredential(ctx context.Context, cred *models.Credential) error
}

// UserStore backs the bearer-token auth middleware.
type UserStore interface {
	FindUserByToken(ctx context.Context, token string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// ModelFilter narrows a model catalog listing. Zero values match everything.
type ModelFilter struct {
	ActiveOnly bool
	Provider   string
	Type       string
}

// ModelStore holds the model catalog.
type ModelStore interface {
	ListModels(ctx context.Context, filter ModelFilter) ([]models.ModelInfo, error)
	PutModel(ctx context.Context, m *models.ModelInfo) error
}

// ConversationStore is what the relay needs to read and write a turn.
type ConversationStore interface {
	FindConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	// Begin starts a unit of work. No database transaction is held until
	// Commit is called.
	Begin() UnitOfWork
}

// UnitOfWork stages the writes of one turn and applies them atomically.
type UnitOfWork interface {
	CreateConversation(conv *models.Conversation)
	// AppendMessage stages msg; its ID is assigned on Commit.
	AppendMessage(msg *models.Message)
	TouchUpdated(conversationID string, at time.Time)
	Commit(ctx context.Context) error
	// Rollback discards everything staged. Safe to call after Commit.
	Rollback()
}

// HistoryStore serves the conversation listing endpoints and the legacy
// reasoning migration.
type HistoryStore interface {
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	RenameConversation(ctx context.Context, conversationID, title string, at time.Time) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	// ListLegacyMessages returns assistant messages with no reasoning whose
	// content still carries the legacy reasoning marker.
	ListLegacyMessages(ctx context.Context) ([]models.Message, error)
	UpdateMessageSplit(ctx context.Context, msg *models.Message) error
}

// ChatStore is a conversation backend: the relay contract plus history.
type ChatStore interface {
	ConversationStore
	HistoryStore
}

// pendingWrites is the staging area shared by the store implementations.
type pendingWrites struct {
	conversation *models.Conversation
	messages     []*models.Message
	touches      []touch
	done         bool
}

type touch struct {
	conversationID string
	at             time.Time
}

func (p *pendingWrites) CreateConversation(conv *models.Conversation) {
	p.conversation = conv
}

func (p *pendingWrites) AppendMessage(msg *models.Message) {
	p.messages = append(p.messages, msg)
}

func (p *pendingWrites) TouchUpdated(conversationID string, at time.Time) {
	p.touches = append(p.touches, touch{conversationID: conversationID, at: at})
}

func (p *pendingWrites) Rollback() {
	p.conversation = nil
	p.messages = nil
	p.touches = nil
	p.done = true
}

func (p *pendingWrites) empty() bool {
	return p.conversation == nil && len(p.messages) == 0 && len(p.touches) == 0
}
