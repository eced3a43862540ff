package protocol

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/GoDePIN/orchgate/internal/model"
)

// StreamingAdapter models a real-time data streaming backend (Streamr-like).
// Bandwidth is the dominant resource dimension; earnings scale with the
// offered bandwidth share and flatten out near full allocation.
type StreamingAdapter struct {
	*baseAdapter
	messagesPublished atomic.Uint64
}

func NewStreamingAdapter(name string, cfg Config) *StreamingAdapter {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "DATA"
	}
	base := cfg.BaseRate
	if base <= 0 {
		base = 0.50
	}
	a := &StreamingAdapter{}
	a.baseAdapter = newBase(name, cfg, func(fraction float64) float64 {
		// Diminishing returns above ~60% of the pool: the broker mesh caps
		// how much traffic a single node is assigned.
		return base * fraction * (1.0 - 0.25*math.Max(0, fraction-0.6))
	}, dimensionProfile{
		cpuWeight:       0.4,
		memoryMB:        2048,
		bandwidthMbps:   400,
		storageGB:       10,
		baselineLatency: 12,
	})
	return a
}

func (a *StreamingAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	data, err := a.baseAdapter.GetCurrentEarnings(ctx)
	if err != nil {
		return data, err
	}
	a.messagesPublished.Add(uint64(1 + int(data.HourlyRate*100)))
	data.Details["messages_published"] = float64(a.messagesPublished.Load())
	return data, nil
}
