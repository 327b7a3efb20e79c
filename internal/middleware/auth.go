package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/fleetcron/internal/utils"
	"github.com/huangang/fleetcron/pkg/response"
)

const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextRole     = "role"
)

// AuthRequired validates the bearer token and stores the caller in the
// request context.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			response.Unauthorized(c, "invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// TriggerRequired lets through callers allowed to run tasks on demand.
func TriggerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.CanTrigger(GetRole(c)) {
			response.Forbidden(c, "operator or admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id, or nil for anonymous calls.
func GetUserID(c *gin.Context) *uint {
	v, exists := c.Get(ContextUserID)
	if !exists {
		return nil
	}
	id, ok := v.(uint)
	if !ok || id == 0 {
		return nil
	}
	return &id
}

func GetUsername(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
