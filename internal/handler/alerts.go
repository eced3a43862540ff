package handler

import (
	"errors"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/monitor"
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type AlertsHandler struct {
	orch *service.Orchestrator
}

func NewAlertsHandler(orch *service.Orchestrator) *AlertsHandler {
	return &AlertsHandler{orch: orch}
}

func (h *AlertsHandler) GetAlerts(c *gin.Context) {
	alerts := h.orch.Monitor.Alerts()
	critical := 0
	for _, a := range alerts {
		if a.Severity >= 0.8 {
			critical++
		}
	}
	respondOK(c, model.AlertsResponse{
		Alerts:        alerts,
		TotalCount:    len(alerts),
		CriticalCount: critical,
	})
}

// AcknowledgeAlert marks the single alert addressed by its timestamp.
func (h *AlertsHandler) AcknowledgeAlert(c *gin.Context) {
	var req model.AcknowledgeAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.NewInvalidRequest(err.Error()))
		return
	}

	if err := h.orch.Monitor.AcknowledgeAlert(c.Request.Context(), req.Timestamp); err != nil {
		var monErr *monitor.MonitoringError
		if errors.As(err, &monErr) {
			fail(c, apperrors.NewNotFound(monErr.Message))
			return
		}
		fail(c, apperrors.Wrap(err))
		return
	}
	respondOK(c, gin.H{"acknowledged": req.Timestamp})
}
