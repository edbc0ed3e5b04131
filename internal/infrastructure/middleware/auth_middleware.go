package middleware

import (
	"net/http"
	"strings"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
	"camrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

const userKey = "user_id"

// TokenValidator is the part of the auth service the middleware needs.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func AuthMiddleware(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}
		token, ok := BearerToken(header)
		if !ok {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		user := claims.UserID()
		c.Set(userKey, user)
		ctx := services.ContextWithUser(c.Request.Context(), user)
		ctx = logger.WithUserID(ctx, string(user))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(errors.ErrCodeUnauthorized),
		"message": message,
	})
}

// CurrentUser returns the participant set by AuthMiddleware.
func CurrentUser(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return "", false
	}
	user, ok := v.(domain.UserID)
	return user, ok && user != ""
}
