package middlewares

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"chathub/models"
	"chathub/services"

	"github.com/gin-gonic/gin"
)

const userKey = "chathub.user"

// Auth resolves "Authorization: Bearer <token>" against the user store and
// stores the caller on the context. Missing, unknown or inactive tokens get
// a 401.
func Auth(users services.UserStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		user, err := users.FindUserByToken(c.Request.Context(), token)
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		case err != nil:
			logger.Error("token lookup failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		case !user.IsActive:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user is disabled"})
			return
		}

		SetCurrentUser(c, user)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func SetCurrentUser(c *gin.Context, user *models.User) {
	c.Set(userKey, user)
}

// CurrentUser returns the caller set by Auth.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok
}
