package handler

import (
	"net/http"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, model.Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, model.Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// fail hands the error to the ErrorHandler middleware, which renders the
// uniform failure envelope.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
