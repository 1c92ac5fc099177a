package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chathub/metrics"
	"chathub/models"

	"github.com/google/uuid"
)

const (
	// TitleMaxRunes bounds a conversation title derived from its first message.
	TitleMaxRunes = 50

	// MissingCredentialReply is the degraded-success answer when the
	// provider has no active API key.
	MissingCredentialReply = "Please configure the corresponding API key in API key management first."

	// StreamFailedMessage is sent when the provider stream cannot be opened.
	StreamFailedMessage = "streaming call failed"

	// ConversationNotFoundMessage is sent when the conversation id belongs
	// to another user.
	ConversationNotFoundMessage = "conversation not found"

	modeSync   = "sync"
	modeStream = "stream"
)

// Stream event types.
const (
	EventStart     = "start"
	EventContent   = "content"
	EventReasoning = "reasoning"
	EventEnd       = "end"
	EventError     = "error"
)

// TurnInput is one chat request after authentication.
type TurnInput struct {
	UserID         int64
	Message        string
	Model          string
	ConversationID string
}

// ChatResult is the synchronous turn response body.
type ChatResult struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
	Model          string `json:"model"`
	Timestamp      string `json:"timestamp"`
}

// Event is one streamed event. Fragment events and error carry Content;
// end carries both accumulated texts, even when empty.
type Event struct {
	Type              string  `json:"type"`
	ConversationID    string  `json:"conversation_id,omitempty"`
	Content           string  `json:"content,omitempty"`
	CompleteResponse  *string `json:"complete_response,omitempty"`
	CompleteReasoning *string `json:"complete_reasoning,omitempty"`
}

// EventSink delivers an event to the caller. An error means the caller is
// gone and the turn must be abandoned.
type EventSink func(Event) error

// RelayDeps are the collaborators of a RelayService.
type RelayDeps struct {
	Conversations ConversationStore
	Credentials   CredentialStore
	Provider      Provider
	ProviderID    string
	Clock         *Clock
	Metrics       *metrics.RelayMetrics
	Logger        *slog.Logger
}

// RelayService runs chat turns: it persists the user message, calls the
// provider and persists the assistant reply. Turns share no state besides
// the stores.
type RelayService struct {
	conversations ConversationStore
	credentials   CredentialStore
	provider      Provider
	providerID    string
	clock         *Clock
	metrics       *metrics.RelayMetrics
	logger        *slog.Logger
}

func NewRelayService(deps RelayDeps) *RelayService {
	if deps.Conversations == nil || deps.Credentials == nil || deps.Provider == nil {
		panic("services: relay requires conversation store, credential store and provider")
	}
	if deps.Clock == nil {
		deps.Clock = NewClock("UTC")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &RelayService{
		conversations: deps.Conversations,
		credentials:   deps.Credentials,
		provider:      deps.Provider,
		providerID:    deps.ProviderID,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With("component", "relay"),
	}
}

// Validate checks the caller-supplied fields of a turn.
func (r *RelayService) Validate(in TurnInput) error {
	if strings.TrimSpace(in.Message) == "" {
		return &ValidationError{Field: "message", Message: "is required"}
	}
	if strings.TrimSpace(in.Model) == "" {
		return &ValidationError{Field: "model", Message: "is required"}
	}
	return nil
}

// ConversationTitle derives a title from the first message of a conversation.
func ConversationTitle(message string) string {
	r := []rune(message)
	if len(r) > TitleMaxRunes {
		return string(r[:TitleMaxRunes]) + "..."
	}
	return message
}

// prepare resolves the conversation id and stages the conversation (if new)
// and the user message on a fresh unit of work. A conversation owned by
// another user is ErrNotFound and nothing is staged.
func (r *RelayService) prepare(ctx context.Context, in TurnInput, now time.Time) (UnitOfWork, string, error) {
	convID := in.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	conv, err := r.conversations.FindConversation(ctx, convID)
	if err == nil && conv.UserID != in.UserID {
		return nil, "", ErrNotFound
	}

	uow := r.conversations.Begin()
	switch {
	case errors.Is(err, ErrNotFound):
		uow.CreateConversation(&models.Conversation{
			UserID:         in.UserID,
			ConversationID: convID,
			Title:          ConversationTitle(in.Message),
			Model:          in.Model,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	case err != nil:
		return nil, "", &PersistenceError{Op: "find conversation", Cause: err}
	}

	uow.AppendMessage(&models.Message{
		ConversationID: convID,
		Role:           models.RoleUser,
		Content:        in.Message,
		Timestamp:      now,
	})
	uow.TouchUpdated(convID, now)
	return uow, convID, nil
}

// Chat runs a synchronous turn. Nothing is written unless the whole turn
// succeeds; the upstream call happens before any transaction is opened.
func (r *RelayService) Chat(ctx context.Context, in TurnInput) (*ChatResult, error) {
	if err := r.Validate(in); err != nil {
		r.metrics.Turn(modeSync, metrics.OutcomeValidation)
		return nil, err
	}

	uow, convID, err := r.prepare(ctx, in, r.clock.Now())
	if err != nil {
		r.metrics.Turn(modeSync, outcomeOf(err))
		return nil, err
	}
	defer uow.Rollback()

	outcome := metrics.OutcomeSuccess
	reply, err := r.complete(ctx, in)
	switch {
	case errors.Is(err, ErrCredentialMissing):
		r.logger.Warn("no active credential, replying with placeholder",
			"provider", r.providerID, "conversation_id", convID)
		reply, outcome = MissingCredentialReply, metrics.OutcomeDegraded
	case err != nil:
		r.logger.Error("chat turn failed", "conversation_id", convID, "model", in.Model, "error", err)
		r.metrics.Turn(modeSync, outcomeOf(err))
		return nil, err
	}

	now := r.clock.Now()
	uow.AppendMessage(&models.Message{
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        reply,
		Timestamp:      now,
	})
	uow.TouchUpdated(convID, now)
	if err := uow.Commit(ctx); err != nil {
		r.logger.Error("commit chat turn", "conversation_id", convID, "error", err)
		r.metrics.Turn(modeSync, metrics.OutcomePersistence)
		return nil, &PersistenceError{Op: "chat turn", Cause: err}
	}

	r.metrics.Turn(modeSync, outcome)
	r.logger.Info("chat turn completed", "conversation_id", convID, "model", in.Model,
		"response_chars", len([]rune(reply)))
	return &ChatResult{
		ConversationID: convID,
		Response:       reply,
		Model:          in.Model,
		Timestamp:      r.clock.Format(now),
	}, nil
}

func (r *RelayService) complete(ctx context.Context, in TurnInput) (string, error) {
	cred, err := r.resolveCredential(ctx)
	if err != nil {
		return "", err
	}
	start := time.Now()
	reply, err := r.provider.Complete(ctx, in.Model, in.Message, cred)
	r.metrics.Upstream(modeSync, start, err)
	return reply, err
}

func (r *RelayService) resolveCredential(ctx context.Context) (*models.Credential, error) {
	cred, err := r.credentials.FindActiveCredential(ctx, r.providerID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCredentialMissing
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find credential", Cause: err}
	}
	return cred, nil
}

// Stream runs a streaming turn, delivering events to emit. Exactly one
// terminal event (end or error) is emitted unless the caller goes away.
//
// The user message is committed before start is emitted and is kept even if
// the provider fails afterwards. The assistant message is committed once,
// right before end. A canceled ctx or a failing emit abandons the turn
// without persisting the partial reply.
func (r *RelayService) Stream(ctx context.Context, in TurnInput, emit EventSink) error {
	defer r.metrics.StreamStarted()()

	fail := func(outcome, msg string, err error) error {
		r.metrics.Turn(modeStream, outcome)
		if emitErr := emit(Event{Type: EventError, Content: msg}); emitErr != nil {
			r.logger.Debug("caller gone before error event", "error", emitErr)
		}
		return err
	}

	if err := r.Validate(in); err != nil {
		return fail(metrics.OutcomeValidation, err.Error(), err)
	}

	cred, err := r.resolveCredential(ctx)
	if errors.Is(err, ErrCredentialMissing) {
		r.logger.Warn("no active credential for stream", "provider", r.providerID)
		return fail(metrics.OutcomeCredential, MissingCredentialReply, err)
	}
	if err != nil {
		return fail(metrics.OutcomePersistence, requestFailed(err), err)
	}

	uow, convID, err := r.prepare(ctx, in, r.clock.Now())
	if errors.Is(err, ErrNotFound) {
		return fail(metrics.OutcomeNotFound, ConversationNotFoundMessage, err)
	}
	if err != nil {
		return fail(metrics.OutcomePersistence, requestFailed(err), err)
	}
	if err := uow.Commit(ctx); err != nil {
		perr := &PersistenceError{Op: "user message", Cause: err}
		return fail(metrics.OutcomePersistence, requestFailed(perr), perr)
	}

	log := r.logger.With("conversation_id", convID, "model", in.Model)
	if err := emit(Event{Type: EventStart, ConversationID: convID}); err != nil {
		return r.abandon(log, err)
	}

	start := time.Now()
	stream, err := r.provider.Stream(ctx, in.Model, in.Message, cred)
	r.metrics.Upstream(modeStream, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return r.abandon(log, ctx.Err())
		}
		log.Error("stream unavailable", "error", err)
		return fail(metrics.OutcomeUpstream, StreamFailedMessage, err)
	}
	defer stream.Close()

	var content, reasoning strings.Builder
	for {
		if ctx.Err() != nil {
			return r.abandon(log, ctx.Err())
		}
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.abandon(log, ctx.Err())
			}
			log.Error("stream interrupted", "error", err, "received_chars", content.Len())
			return fail(metrics.OutcomeUpstream, requestFailed(err), err)
		}
		if chunk.Empty() {
			continue
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			r.metrics.Fragment(EventContent)
			if err := emit(Event{Type: EventContent, Content: chunk.Content}); err != nil {
				return r.abandon(log, err)
			}
		}
		if chunk.Reasoning != "" {
			reasoning.WriteString(chunk.Reasoning)
			r.metrics.Fragment(EventReasoning)
			if err := emit(Event{Type: EventReasoning, Content: chunk.Reasoning}); err != nil {
				return r.abandon(log, err)
			}
		}
	}
	if ctx.Err() != nil {
		return r.abandon(log, ctx.Err())
	}

	fullContent, fullReasoning := content.String(), reasoning.String()
	var storedReasoning *string
	if fullReasoning != "" {
		storedReasoning = &fullReasoning
	}

	now := r.clock.Now()
	reply := r.conversations.Begin()
	reply.AppendMessage(&models.Message{
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        fullContent,
		Reasoning:      storedReasoning,
		Timestamp:      now,
	})
	reply.TouchUpdated(convID, now)
	if err := reply.Commit(ctx); err != nil {
		perr := &PersistenceError{Op: "assistant message", Cause: err}
		log.Error("commit assistant message", "error", err)
		return fail(metrics.OutcomePersistence, requestFailed(perr), perr)
	}

	r.metrics.Turn(modeStream, metrics.OutcomeSuccess)
	log.Info("stream turn completed", "response_chars", len([]rune(fullContent)),
		"reasoning_chars", len([]rune(fullReasoning)))
	if err := emit(Event{Type: EventEnd, CompleteResponse: &fullContent, CompleteReasoning: &fullReasoning}); err != nil {
		log.Debug("caller gone before end event", "error", err)
	}
	return nil
}

func (r *RelayService) abandon(log *slog.Logger, cause error) error {
	r.metrics.Turn(modeStream, metrics.OutcomeCanceled)
	log.Info("stream abandoned by caller", "reason", cause)
	return cause
}

func requestFailed(err error) string {
	return fmt.Sprintf("error while processing request: %v", err)
}

func outcomeOf(err error) string {
	var (
		upErr   *UpstreamError
		persErr *PersistenceError
		valErr  *ValidationError
	)
	switch {
	case errors.As(err, &valErr):
		return metrics.OutcomeValidation
	case errors.As(err, &upErr):
		return metrics.OutcomeUpstream
	case errors.As(err, &persErr):
		return metrics.OutcomePersistence
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeUpstream
}
