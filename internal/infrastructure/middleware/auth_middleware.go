package middleware

import (
	"strings"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware.
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

// TokenValidator verifies API bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*services.Claims, error)
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.NewUnauthorizedError("authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.NewUnauthorizedError("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// acting participant in the context.
func AuthMiddleware(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortWithError(c, err)
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

// OptionalAuthMiddleware identifies the caller when a valid token is present.
func OptionalAuthMiddleware(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := bearerToken(c); err == nil {
			if claims, err := auth.ValidateToken(token); err == nil {
				c.Set(ContextUserID, claims.UserID)
				c.Set(ContextUsername, claims.Username)
			}
		}
		c.Next()
	}
}

// UserID returns the participant set by the auth middleware.
func UserID(c *gin.Context) (domain.ParticipantID, bool) {
	v, exists := c.Get(ContextUserID)
	if !exists {
		return "", false
	}
	id, ok := v.(domain.ParticipantID)
	return id, ok && id != ""
}

// Username returns the display name carried by the caller's token.
func Username(c *gin.Context) string {
	return c.GetString(ContextUsername)
}
