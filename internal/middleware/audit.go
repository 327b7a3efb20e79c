package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuditLog records every state-changing admin call (anything but GET, HEAD
// and OPTIONS) together with the caller and the outcome.
func AuditLog(lg zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case "GET", "HEAD", "OPTIONS":
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := lg.Info()
		if status >= 400 {
			ev = lg.Warn()
		}

		ev = ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Str("username", GetUsername(c)).
			Str("role", GetRole(c))
		if id := GetUserID(c); id != nil {
			ev = ev.Uint("user_id", *id)
		}
		if task := c.Param("name"); task != "" {
			ev = ev.Str("task", task)
		}
		ev.Msg("audit")
	}
}
