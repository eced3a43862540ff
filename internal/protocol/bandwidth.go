package protocol

import (
	"context"

	"github.com/GoDePIN/orchgate/internal/model"
)

// BandwidthAdapter models a bandwidth-sharing backend (Grass-like).
// Earnings track the shared uplink share linearly with a hard revenue
// ceiling imposed by the network's per-node demand.
type BandwidthAdapter struct {
	*baseAdapter
}

func NewBandwidthAdapter(name string, cfg Config) *BandwidthAdapter {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "GRASS"
	}
	base := cfg.BaseRate
	if base <= 0 {
		base = 0.40
	}
	ceiling := base * 0.9
	a := &BandwidthAdapter{}
	a.baseAdapter = newBase(name, cfg, func(fraction float64) float64 {
		r := base * fraction
		if r > ceiling {
			return ceiling
		}
		return r
	}, dimensionProfile{
		cpuWeight:       0.1,
		memoryMB:        512,
		bandwidthMbps:   600,
		storageGB:       1,
		baselineLatency: 20,
	})
	return a
}

func (a *BandwidthAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	data, err := a.baseAdapter.GetCurrentEarnings(ctx)
	if err != nil {
		return data, err
	}
	alloc, _ := a.GetCurrentAllocation(ctx)
	data.Details["shared_mbps"] = 600 * alloc.BandwidthFraction
	return data, nil
}
