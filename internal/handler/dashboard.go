package handler

import (
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type DashboardHandler struct {
	orch *service.Orchestrator
}

func NewDashboardHandler(orch *service.Orchestrator) *DashboardHandler {
	return &DashboardHandler{orch: orch}
}

func (h *DashboardHandler) GetDashboard(c *gin.Context) {
	snapshot, ok := h.orch.Dashboard()
	if !ok {
		fail(c, apperrors.New(apperrors.ErrNoData, "no metrics collected yet", nil))
		return
	}
	respondOK(c, snapshot)
}
