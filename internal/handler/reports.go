package handler

import (
	"time"

	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type ReportsHandler struct {
	orch *service.Orchestrator
}

func NewReportsHandler(orch *service.Orchestrator) *ReportsHandler {
	return &ReportsHandler{orch: orch}
}

// GetReport summarizes the period ?start=&end= (RFC 3339; end defaults to
// now, start to 24h before end).
func (h *ReportsHandler) GetReport(c *gin.Context) {
	end := time.Now().UTC()
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, apperrors.NewInvalidRequest("end must be RFC 3339"))
			return
		}
		end = parsed
	}
	start := end.Add(-24 * time.Hour)
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, apperrors.NewInvalidRequest("start must be RFC 3339"))
			return
		}
		start = parsed
	}
	if !start.Before(end) {
		fail(c, apperrors.NewInvalidRequest("start must precede end"))
		return
	}

	snapshots := h.orch.Coordinator.GetMetricsForPeriod(start, end)
	report, err := h.orch.Monitor.GenerateReport(start, end, snapshots)
	if err != nil {
		fail(c, apperrors.New(apperrors.ErrNoData, "no metrics for period", err))
		return
	}
	respondOK(c, report)
}
