package middleware

import (
	"net/http"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/metrics"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	HeaderApiKey  = "X-API-Key"
	ContextApiKey = "api_key"
)

// AuthMiddleware authenticates the X-API-Key header against the stored
// hashes and attaches the matched key to the request context.
func AuthMiddleware(km *service.KeyManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := c.GetHeader(HeaderApiKey)
		if plaintext == "" {
			metrics.AuthRejects.WithLabelValues("missing_key").Inc()
			abort(c, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "API key is required")
			return
		}

		key, err := km.Authenticate(c.Request.Context(), plaintext)
		if err != nil {
			metrics.AuthRejects.WithLabelValues("invalid_key").Inc()
			abort(c, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "invalid API key")
			return
		}

		c.Set(ContextApiKey, key)
		c.Next()
	}
}

// KeyFromContext returns the authenticated key, if any.
func KeyFromContext(c *gin.Context) (*model.ApiKey, bool) {
	val, exists := c.Get(ContextApiKey)
	if !exists {
		return nil, false
	}
	key, ok := val.(*model.ApiKey)
	return key, ok
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, model.ErrorEnvelope{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
