package protocol

import (
	"context"

	"github.com/GoDePIN/orchgate/internal/model"
)

// StorageAdapter models a decentralized storage backend (Storj-like).
// Storage is the dominant dimension; earnings are near-linear in the share
// of disk offered, with a small fixed audit income once any share is held.
type StorageAdapter struct {
	*baseAdapter
}

func NewStorageAdapter(name string, cfg Config) *StorageAdapter {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "STORJ"
	}
	base := cfg.BaseRate
	if base <= 0 {
		base = 0.80
	}
	a := &StorageAdapter{}
	a.baseAdapter = newBase(name, cfg, func(fraction float64) float64 {
		if fraction <= 0 {
			return 0
		}
		return base*fraction + 0.02
	}, dimensionProfile{
		cpuWeight:       0.15,
		memoryMB:        1024,
		bandwidthMbps:   80,
		storageGB:       900,
		diskIOMBps:      60,
		baselineLatency: 35,
	})
	return a
}

func (a *StorageAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	data, err := a.baseAdapter.GetCurrentEarnings(ctx)
	if err != nil {
		return data, err
	}
	alloc, _ := a.GetCurrentAllocation(ctx)
	data.Details["stored_gb"] = 900 * alloc.StorageFraction
	return data, nil
}
