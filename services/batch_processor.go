package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chathub/models"
)

// Older releases appended the reasoning trace to the assistant content
// behind this marker instead of storing it separately.
const (
	legacyReasoningMarker    = "\n\n[推理过程]\n"
	legacyReasoningBareToken = "[推理过程]"
)

// SplitLegacyReasoning moves a reasoning trace that was concatenated into
// an assistant message's content into the Reasoning field. It reports
// whether msg was changed.
func SplitLegacyReasoning(msg *models.Message) bool {
	if msg.Role != models.RoleAssistant {
		return false
	}
	if msg.Reasoning != nil && strings.TrimSpace(*msg.Reasoning) != "" {
		return false
	}

	var head, tail string
	if i := strings.Index(msg.Content, legacyReasoningMarker); i >= 0 {
		head, tail = msg.Content[:i], msg.Content[i+len(legacyReasoningMarker):]
	} else if i := strings.Index(msg.Content, legacyReasoningBareToken); i >= 0 {
		head, tail = msg.Content[:i], msg.Content[i+len(legacyReasoningBareToken):]
	} else {
		return false
	}

	msg.Content = strings.TrimRight(head, " \t\r\n")
	msg.Reasoning = nil
	if r := strings.TrimSpace(tail); r != "" {
		msg.Reasoning = &r
	}
	return true
}

// BatchProcessor rewrites legacy assistant messages across the whole store.
type BatchProcessor struct {
	store  HistoryStore
	logger *slog.Logger
}

func NewBatchProcessor(store HistoryStore, logger *slog.Logger) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{store: store, logger: logger.With("component", "batch")}
}

// ProcessLegacyMessages splits every legacy message it finds and returns
// how many were rewritten. A failed update is logged and skipped.
func (bp *BatchProcessor) ProcessLegacyMessages(ctx context.Context) (int, error) {
	msgs, err := bp.store.ListLegacyMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("list legacy messages: %w", err)
	}

	migrated := 0
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}
		msg := &msgs[i]
		if !SplitLegacyReasoning(msg) {
			continue
		}
		if err := bp.store.UpdateMessageSplit(ctx, msg); err != nil {
			bp.logger.Error("failed to migrate message", "message_id", msg.ID,
				"conversation_id", msg.ConversationID, "error", err)
			continue
		}
		migrated++
	}

	bp.logger.Info("legacy reasoning migration finished", "candidates", len(msgs), "migrated", migrated)
	return migrated, nil
}
