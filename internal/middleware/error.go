package middleware

import (
	"errors"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders every handler error through the uniform failure
// envelope. Handlers attach errors with c.Error and return.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, err.Error(), err)
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}
		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "internal server error", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		// No stack traces or causes leak to the client.
		c.JSON(appErr.HTTPStatus, model.ErrorEnvelope{
			Error:     string(appErr.Type),
			Message:   appErr.Message,
			Timestamp: time.Now().UTC(),
		})
	}
}
