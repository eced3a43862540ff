package handler

import (
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type SystemHandler struct {
	orch *service.Orchestrator
}

func NewSystemHandler(orch *service.Orchestrator) *SystemHandler {
	return &SystemHandler{orch: orch}
}

// Health is unauthenticated and always cheap.
func (h *SystemHandler) Health(c *gin.Context) {
	respondOK(c, gin.H{"status": "healthy", "service": "orchgate"})
}

// Status reports uptime, the registered protocols, the last poll time and
// a host resource block.
func (h *SystemHandler) Status(c *gin.Context) {
	resp := model.StatusResponse{
		Service:       "orchgate",
		UptimeSeconds: time.Since(h.orch.StartedAt()).Seconds(),
		Protocols:     h.orch.Coordinator.Registered(),
	}
	if last, ok := h.orch.Coordinator.LastUpdate(); ok {
		resp.LastPoll = &last
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.Host.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemoryPercent = vm.UsedPercent
		resp.Host.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
	}

	respondOK(c, resp)
}
