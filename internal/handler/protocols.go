package handler

import (
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

type ProtocolsHandler struct {
	orch *service.Orchestrator
}

func NewProtocolsHandler(orch *service.Orchestrator) *ProtocolsHandler {
	return &ProtocolsHandler{orch: orch}
}

func (h *ProtocolsHandler) ListProtocols(c *gin.Context) {
	respondOK(c, gin.H{"protocols": h.orch.Coordinator.Registered()})
}

func (h *ProtocolsHandler) GetProtocol(c *gin.Context) {
	name := c.Param("name")
	status, err := h.orch.Coordinator.ProtocolStatus(c.Request.Context(), name)
	if err != nil {
		fail(c, apperrors.NewNotFound("protocol not registered"))
		return
	}
	respondOK(c, status)
}
