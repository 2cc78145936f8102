package facilitatorserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/x402-go/x402/internal/resilience"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware attaches a random UUID to every response per
// spec §4.7/§6.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDHeader, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// rateLimitMiddleware rejects traffic over bucket's budget with a 429
// once enabled is true, per spec §4.7.
func rateLimitMiddleware(bucket *resilience.TokenBucket, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled || bucket == nil {
			c.Next()
			return
		}
		if !bucket.TryConsume(1) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// recoveryMiddleware maps a panic to a 500 without leaking a stack
// trace into the response body, per spec §4.7's uncaught-error contract.
func recoveryMiddleware(logger interface{ Error(string, ...any) }) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("facilitatorserver: panic recovered", "recovered", r, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
