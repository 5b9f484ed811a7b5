package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerToken   = "X-Internal-Token"
	queryToken    = "token"
	authHeaderKey = "Authorization"
)

// InternalAuth gates the /internal management routes behind a shared
// secret. An empty configured token disables the gate, which is the
// development default.
func InternalAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}

		provided := extractToken(c)

		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1 {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func extractToken(c *gin.Context) string {
	if v := c.GetHeader(headerToken); v != "" {
		return v
	}

	if v := c.GetHeader(authHeaderKey); v != "" {
		parts := strings.Fields(v)
		if len(parts) == 1 {
			return parts[0]
		}
		if len(parts) == 2 {
			return parts[1]
		}
	}

	if v := c.Query(queryToken); v != "" {
		return v
	}
	return ""
}

// RequestLogger logs one line per completed request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
