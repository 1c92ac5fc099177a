package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chathub/models"
)

// HistoryService serves conversation listings to their owners. A
// conversation owned by someone else is reported as ErrNotFound.
type HistoryService struct {
	store  ChatStore
	clock  *Clock
	logger *slog.Logger
}

func NewHistoryService(store ChatStore, clock *Clock, logger *slog.Logger) *HistoryService {
	if clock == nil {
		clock = NewClock("UTC")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryService{store: store, clock: clock, logger: logger.With("component", "history")}
}

// Conversations lists the user's conversations, most recently updated first.
func (h *HistoryService) Conversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	convs, err := h.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		h.localize(&convs[i].Conversation)
	}
	return convs, nil
}

// Stats counts the user's conversations and the questions they asked.
// DaysActive is the number of distinct display-zone days on which a
// conversation was started.
func (h *HistoryService) Stats(ctx context.Context, userID int64) (*models.UserStats, error) {
	convs, err := h.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &models.UserStats{TotalConversations: len(convs)}
	days := make(map[string]struct{})
	for _, c := range convs {
		stats.TotalMessages += c.MessageCount
		days[h.clock.Local(c.CreatedAt).Format(time.DateOnly)] = struct{}{}
	}
	stats.DaysActive = len(days)
	return stats, nil
}

// Messages returns the ordered messages of a conversation. Legacy assistant
// messages are split on the way out and the split is written back; a failed
// write-back only gets logged.
func (h *HistoryService) Messages(ctx context.Context, userID int64, conversationID string) ([]models.Message, error) {
	if err := h.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if !SplitLegacyReasoning(&msgs[i]) {
			continue
		}
		if err := h.store.UpdateMessageSplit(ctx, &msgs[i]); err != nil {
			h.logger.Warn("failed to write back legacy split", "message_id", msgs[i].ID, "error", err)
		}
	}
	for i := range msgs {
		msgs[i].Timestamp = h.clock.Local(msgs[i].Timestamp)
	}
	return msgs, nil
}

func (h *HistoryService) Rename(ctx context.Context, userID int64, conversationID, title string) (*models.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, &ValidationError{Field: "title", Message: "is required"}
	}
	if err := h.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	conv, err := h.store.RenameConversation(ctx, conversationID, title, h.clock.Now())
	if err != nil {
		return nil, err
	}
	h.localize(conv)
	return conv, nil
}

func (h *HistoryService) Delete(ctx context.Context, userID int64, conversationID string) error {
	if err := h.owned(ctx, userID, conversationID); err != nil {
		return err
	}
	return h.store.DeleteConversation(ctx, conversationID)
}

func (h *HistoryService) owned(ctx context.Context, userID int64, conversationID string) error {
	conv, err := h.store.FindConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrNotFound
	}
	return nil
}

func (h *HistoryService) localize(c *models.Conversation) {
	c.CreatedAt = h.clock.Local(c.CreatedAt)
	c.UpdatedAt = h.clock.Local(c.UpdatedAt)
}
