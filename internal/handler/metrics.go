package handler

import (
	"strconv"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type MetricsHandler struct {
	orch *service.Orchestrator
}

func NewMetricsHandler(orch *service.Orchestrator) *MetricsHandler {
	return &MetricsHandler{orch: orch}
}

// GetMetrics returns the latest aggregated snapshot or NO_DATA when no
// poll has completed yet.
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	snapshot, ok := h.orch.Coordinator.Latest()
	if !ok {
		fail(c, apperrors.New(apperrors.ErrNoData, "no metrics collected yet", nil))
		return
	}
	respondOK(c, snapshot)
}

// GetMetricsHistory returns snapshots from the last ?hours=H (default 24),
// at most ?limit=L entries, oldest first.
func (h *MetricsHandler) GetMetricsHistory(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		fail(c, apperrors.NewInvalidRequest("hours must be a positive integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	if err != nil || limit <= 0 {
		fail(c, apperrors.NewInvalidRequest("limit must be a positive integer"))
		return
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	history := h.orch.Coordinator.GetMetricsForPeriod(start, end)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	respondOK(c, model.MetricsHistoryResponse{
		Metrics:    history,
		TotalCount: len(history),
	})
}
