package protocol

import (
	"context"
	"sync/atomic"

	"github.com/GoDePIN/orchgate/internal/model"
)

// ComputeAdapter models a compute marketplace backend (Golem-like). CPU is
// the dominant dimension; below a 5% share earnings are cut to 30% of the
// linear rate (small offers rarely win tasks) and are linear from 5% on.
type ComputeAdapter struct {
	*baseAdapter
	tasksCompleted atomic.Uint64
}

func NewComputeAdapter(name string, cfg Config) *ComputeAdapter {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "GLM"
	}
	base := cfg.BaseRate
	if base <= 0 {
		base = 1.20
	}
	a := &ComputeAdapter{}
	a.baseAdapter = newBase(name, cfg, func(fraction float64) float64 {
		if fraction < 0.05 {
			// Below one core-equivalent the node is rarely matched.
			return base * fraction * 0.3
		}
		return base * fraction
	}, dimensionProfile{
		cpuWeight:       0.9,
		memoryMB:        8192,
		bandwidthMbps:   50,
		storageGB:       40,
		baselineLatency: 8,
	})
	return a
}

func (a *ComputeAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	data, err := a.baseAdapter.GetCurrentEarnings(ctx)
	if err != nil {
		return data, err
	}
	a.tasksCompleted.Add(1)
	data.Details["tasks_completed"] = float64(a.tasksCompleted.Load())
	return data, nil
}
