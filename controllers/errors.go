package controllers

import (
	"errors"
	"net/http"

	"chathub/services"

	"github.com/gin-gonic/gin"
)

// respondError maps service errors onto status codes. Unclassified errors
// are 500 with the error text, as the chat endpoint reports upstream
// failure detail to the caller.
func respondError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
