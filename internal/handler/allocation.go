package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/optimizer"
	"github.com/GoDePIN/orchgate/internal/pkg/apperrors"
	"github.com/GoDePIN/orchgate/internal/realloc"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
)

// ReallocHistory reads persisted audit rows; nil falls back to the
// engine's in-memory log.
type ReallocHistory interface {
	List(ctx context.Context, protocolFilter string, limit int) ([]model.AllocationChange, error)
}

type AllocationHandler struct {
	orch    *service.Orchestrator
	history ReallocHistory
}

func NewAllocationHandler(orch *service.Orchestrator, history ReallocHistory) *AllocationHandler {
	return &AllocationHandler{orch: orch, history: history}
}

// GetOpportunities returns the ranked pairwise opportunities, at most
// ?limit=L entries.
func (h *AllocationHandler) GetOpportunities(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		fail(c, apperrors.NewInvalidRequest("limit must be a positive integer"))
		return
	}

	opportunities := h.orch.Opportunities()
	if len(opportunities) > limit {
		opportunities = opportunities[:limit]
	}

	best := 0.0
	if len(opportunities) > 0 {
		best = opportunities[0].EarningsImprovement
	}
	respondOK(c, model.OpportunitiesResponse{
		Opportunities:   opportunities,
		BestImprovement: best,
	})
}

// GetAllocation returns current vs optimal allocation with the plan
// economics.
func (h *AllocationHandler) GetAllocation(c *gin.Context) {
	plan, snapshot, ok, err := h.orch.Plan()
	if err != nil {
		var optErr *optimizer.OptimizationError
		if errors.As(err, &optErr) {
			fail(c, apperrors.New(apperrors.ErrOptimization, optErr.Error(), err))
			return
		}
		fail(c, apperrors.Wrap(err))
		return
	}
	if !ok {
		fail(c, apperrors.New(apperrors.ErrNoData, "no metrics collected yet", nil))
		return
	}

	respondOK(c, model.AllocationResponse{
		CurrentAllocation:    snapshot.AllocationByProtocol,
		OptimalAllocation:    plan.Allocation,
		EstimatedImprovement: plan.EstimatedImprovement,
		NetBenefit:           plan.NetBenefit,
		ROIPercent:           plan.ROIPercent,
		Confidence:           plan.Confidence,
	})
}

// Reallocate validates and executes a caller-supplied allocation plan.
// Submitting the same allocation twice is a no-op after the first.
func (h *AllocationHandler) Reallocate(c *gin.Context) {
	var req model.ReallocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.New(apperrors.ErrInvalidAllocation, err.Error(), err))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual reallocation"
	}

	changes, err := h.orch.Execute(c.Request.Context(), req.Allocation, req.Reason)
	if err != nil {
		var holdErr *realloc.HoldError
		if errors.As(err, &holdErr) {
			c.Header("Retry-After", strconv.Itoa(int(holdErr.RetryIn.Seconds())+1))
			fail(c, apperrors.New(apperrors.ErrCannotReallocate, holdErr.Message, err))
			return
		}
		var reallocErr *realloc.ReallocationError
		if errors.As(err, &reallocErr) {
			if reallocErr.Cause == nil {
				fail(c, apperrors.New(apperrors.ErrInvalidAllocation, reallocErr.Message, err))
				return
			}
			msg := reallocErr.Message
			if reallocErr.RolledBack {
				msg += " (previous allocation restored)"
			} else {
				msg += " (allocation left in degraded state, see alerts)"
			}
			fail(c, apperrors.New(apperrors.ErrReallocation, msg, err))
			return
		}
		fail(c, apperrors.Wrap(err))
		return
	}

	msg := "reallocation executed"
	if len(changes) == 0 {
		msg = "allocation already in place, nothing to do"
	}
	respondOK(c, model.ReallocateResponse{
		Message: msg,
		Changes: changes,
	})
}

// GetReallocationHistory lists audit entries, optionally filtered with
// ?protocol=.
func (h *AllocationHandler) GetReallocationHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		fail(c, apperrors.NewInvalidRequest("limit must be a positive integer"))
		return
	}
	protocolFilter := c.Query("protocol")

	if h.history != nil {
		changes, err := h.history.List(c.Request.Context(), protocolFilter, limit)
		if err != nil {
			fail(c, apperrors.New(apperrors.ErrData, "failed to load reallocation history", err))
			return
		}
		respondOK(c, gin.H{"changes": changes, "total_count": len(changes)})
		return
	}

	changes := h.orch.Engine.RecentChanges(limit)
	if protocolFilter != "" {
		filtered := changes[:0]
		for _, ch := range changes {
			if ch.Protocol == protocolFilter {
				filtered = append(filtered, ch)
			}
		}
		changes = filtered
	}
	respondOK(c, gin.H{"changes": changes, "total_count": len(changes)})
}
