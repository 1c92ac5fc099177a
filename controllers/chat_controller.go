package controllers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"chathub/middlewares"
	"chathub/services"

	"github.com/gin-gonic/gin"
)

// ChatController serves the synchronous and streaming chat endpoints.
type ChatController struct {
	relay  *services.RelayService
	logger *slog.Logger
}

func NewChatController(relay *services.RelayService, logger *slog.Logger) *ChatController {
	return &ChatController{relay: relay, logger: logger.With("component", "chat_controller")}
}

type chatRequest struct {
	Message        string `json:"message"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
	UserID         *int64 `json:"user_id"`
}

// turnInput binds the request body. user_id defaults to the caller and may
// not name anyone else.
func (cc *ChatController) turnInput(c *gin.Context) (services.TurnInput, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return services.TurnInput{}, false
	}
	user, ok := middlewares.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return services.TurnInput{}, false
	}
	if req.UserID != nil && *req.UserID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user_id does not match the authenticated user"})
		return services.TurnInput{}, false
	}

	in := services.TurnInput{
		UserID:         user.ID,
		Message:        req.Message,
		Model:          req.Model,
		ConversationID: req.ConversationID,
	}
	if err := cc.relay.Validate(in); err != nil {
		respondError(c, err)
		return services.TurnInput{}, false
	}
	return in, true
}

// HandleChat runs one synchronous turn.
func (cc *ChatController) HandleChat(c *gin.Context) {
	in, ok := cc.turnInput(c)
	if !ok {
		return
	}

	res, err := cc.relay.Chat(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleChatStream runs one streaming turn as server-sent events. Each event
// is a single "data: <json>" frame.
func (cc *ChatController) HandleChatStream(c *gin.Context) {
	in, ok := cc.turnInput(c)
	if !ok {
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	emit := func(ev services.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := cc.relay.Stream(c.Request.Context(), in, emit); err != nil {
		cc.logger.Debug("stream ended with error", "error", err)
	}
}
