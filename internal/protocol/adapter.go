// Package protocol defines the adapter contract for external earning
// backends plus the four reference adapters (streaming, storage, compute,
// bandwidth). Adapters are safe for concurrent use; writes to adapter state
// are serialized internally.
package protocol

import (
	"context"

	"github.com/GoDePIN/orchgate/internal/model"
)

// Bounds is the adapter-declared allocation range. Every fraction applied
// to the adapter must fall inside [Min, Max].
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether f lies within the bounds (tolerance applied).
func (b Bounds) Contains(f float64) bool {
	return f >= b.Min-model.FractionTolerance && f <= b.Max+model.FractionTolerance
}

// Adapter is the capability set every protocol backend must provide.
type Adapter interface {
	// Name returns the stable registry key, e.g. "streaming".
	Name() string

	// Connect transitions Disconnected/Error -> Connecting -> Connected.
	// Idempotent once Connected.
	Connect(ctx context.Context) error

	// Disconnect transitions any state to Disconnected. Never fails.
	Disconnect(ctx context.Context) error

	// ConnectionStatus returns the cached connection state.
	ConnectionStatus() model.ConnectionStatus

	// GetCurrentEarnings returns the newest earnings sample.
	GetCurrentEarnings(ctx context.Context) (model.EarningsData, error)

	// GetHistoricalEarnings returns at most hours samples, newest last.
	// Missing hours are omitted, not interpolated.
	GetHistoricalEarnings(ctx context.Context, hours int) ([]model.EarningsData, error)

	// GetResourceUsage returns a non-blocking resource snapshot.
	GetResourceUsage(ctx context.Context) (model.ResourceMetrics, error)

	// ApplyAllocation validates against Bounds and installs the strategy.
	// Idempotent for an equal strategy.
	ApplyAllocation(ctx context.Context, strategy model.AllocationStrategy) error

	// GetCurrentAllocation returns the strategy last applied.
	GetCurrentAllocation(ctx context.Context) (model.AllocationStrategy, error)

	// HealthCheck always returns a status; IsHealthy is false whenever the
	// connection state is Error or Disconnected.
	HealthCheck(ctx context.Context) (model.HealthStatus, error)

	// Bounds returns the declared allocation range.
	Bounds() Bounds

	// DescribeConfig returns the adapter configuration with secrets elided.
	DescribeConfig() map[string]any
}

// Config is the per-protocol configuration handed through from the
// configuration collaborator. Credential fields are opaque to the core.
type Config struct {
	Kind          string            `mapstructure:"kind"`
	Endpoint      string            `mapstructure:"endpoint"`
	Credentials   map[string]string `mapstructure:"credentials"`
	MinAllocation float64           `mapstructure:"min_allocation"`
	MaxAllocation float64           `mapstructure:"max_allocation"`
	BaseRate      float64           `mapstructure:"base_rate"`
	TokenSymbol   string            `mapstructure:"token_symbol"`
	TokenPrice    float64           `mapstructure:"token_price"`
}

// New builds a reference adapter for the configured kind.
func New(name string, cfg Config) (Adapter, error) {
	switch cfg.Kind {
	case "streaming":
		return NewStreamingAdapter(name, cfg), nil
	case "storage":
		return NewStorageAdapter(name, cfg), nil
	case "compute":
		return NewComputeAdapter(name, cfg), nil
	case "bandwidth":
		return NewBandwidthAdapter(name, cfg), nil
	default:
		return nil, newError(KindUnsupported, "unknown adapter kind %q", cfg.Kind)
	}
}
