package controllers

import (
	"net/http"

	"chathub/middlewares"
	"chathub/services"

	"github.com/gin-gonic/gin"
)

type ConversationController struct {
	history *services.HistoryService
}

func NewConversationController(history *services.HistoryService) *ConversationController {
	return &ConversationController{history: history}
}

func (cc *ConversationController) caller(c *gin.Context) (int64, bool) {
	user, ok := middlewares.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return 0, false
	}
	return user.ID, true
}

// GetConversations lists the caller's conversations, newest first.
func (cc *ConversationController) GetConversations(c *gin.Context) {
	userID, ok := cc.caller(c)
	if !ok {
		return
	}
	convs, err := cc.history.Conversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (cc *ConversationController) GetMessages(c *gin.Context) {
	userID, ok := cc.caller(c)
	if !ok {
		return
	}
	msgs, err := cc.history.Messages(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "messages": msgs})
}

func (cc *ConversationController) RenameConversation(c *gin.Context) {
	userID, ok := cc.caller(c)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conv, err := cc.history.Rename(c.Request.Context(), userID, c.Param("id"), body.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (cc *ConversationController) DeleteConversation(c *gin.Context) {
	userID, ok := cc.caller(c)
	if !ok {
		return
	}
	if err := cc.history.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// GetStats summarizes the caller's activity.
func (cc *ConversationController) GetStats(c *gin.Context) {
	userID, ok := cc.caller(c)
	if !ok {
		return
	}
	stats, err := cc.history.Stats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
