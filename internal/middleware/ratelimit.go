package middleware

import (
	"fmt"
	"math"
	"net/http"

	"github.com/GoDePIN/orchgate/internal/pkg/metrics"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware enforces the authenticated key's per-minute limit
// with a sliding-window counter. Must run after AuthMiddleware.
func RateLimitMiddleware(km *service.KeyManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := KeyFromContext(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "unauthorized")
			return
		}

		allowed, retryAfter := km.Allow(key)
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			metrics.AuthRejects.WithLabelValues("rate_limited").Inc()
			abort(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("rate limit exceeded, retry after %d seconds", seconds))
			return
		}

		c.Next()
	}
}
