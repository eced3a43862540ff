package model

import (
	"time"
)

// FractionTolerance is the equality tolerance for allocation fractions.
const FractionTolerance = 1e-6

// AllocationStrategy describes the share of the operator pool offered to a
// protocol, per resource dimension, all fractions in [0,1].
type AllocationStrategy struct {
	CPUFraction       float64            `json:"cpu_fraction"`
	MemoryFraction    float64            `json:"memory_fraction"`
	BandwidthFraction float64            `json:"bandwidth_fraction"`
	StorageFraction   float64            `json:"storage_fraction"`
	Priority          int                `json:"priority"`
	Options           map[string]float64 `json:"options,omitempty"`
}

// Fraction returns the strategy's dominant pool fraction. The four dimensions
// are kept equal by the reallocation engine, so any of them represents the
// protocol's overall share.
func (s AllocationStrategy) Fraction() float64 {
	return s.CPUFraction
}

// Uniform builds a strategy with the same fraction across all dimensions.
func Uniform(fraction float64, priority int) AllocationStrategy {
	return AllocationStrategy{
		CPUFraction:       fraction,
		MemoryFraction:    fraction,
		BandwidthFraction: fraction,
		StorageFraction:   fraction,
		Priority:          priority,
	}
}

// Equal reports whether two strategies are equal within FractionTolerance.
func (s AllocationStrategy) Equal(other AllocationStrategy) bool {
	near := func(a, b float64) bool {
		d := a - b
		return d < FractionTolerance && d > -FractionTolerance
	}
	return near(s.CPUFraction, other.CPUFraction) &&
		near(s.MemoryFraction, other.MemoryFraction) &&
		near(s.BandwidthFraction, other.BandwidthFraction) &&
		near(s.StorageFraction, other.StorageFraction)
}

// EarningsData is a single earnings sample from a protocol backend.
// Immutable after creation.
type EarningsData struct {
	Timestamp      time.Time          `json:"timestamp"`
	AmountCurrency float64            `json:"amount_currency"`
	AmountNative   float64            `json:"amount_native"`
	NativeSymbol   string             `json:"native_symbol"`
	HourlyRate     float64            `json:"hourly_rate"`
	Details        map[string]float64 `json:"details,omitempty"`
}

// ResourceMetrics is a point-in-time resource usage sample from an adapter.
type ResourceMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	BandwidthMbps float64   `json:"bandwidth_mbps"`
	StorageGB     float64   `json:"storage_gb"`
	DiskIOMBps    float64   `json:"disk_io_mbps,omitempty"`
	LatencyMs     float64   `json:"latency_ms,omitempty"`
}

// ConnectionState enumerates adapter connection states.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "Disconnected"
	StateConnecting   ConnectionState = "Connecting"
	StateConnected    ConnectionState = "Connected"
	StateError        ConnectionState = "Error"
)

// ConnectionStatus is the adapter's connection state plus an error cause
// when the state is Error.
type ConnectionStatus struct {
	State ConnectionState `json:"state"`
	Error string          `json:"error,omitempty"`
}

// HealthStatus is the result of an adapter health check.
type HealthStatus struct {
	IsHealthy     bool      `json:"is_healthy"`
	UptimePercent float64   `json:"uptime_percent"`
	LastError     string    `json:"last_error,omitempty"`
	LastCheck     time.Time `json:"last_check"`
}

// ResourceUtilization summarizes pool usage across all adapters.
type ResourceUtilization struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	BandwidthPercent  float64 `json:"bandwidth_percent"`
	StoragePercent    float64 `json:"storage_percent"`
	DisconnectedCount int     `json:"disconnected_count"`
}

// AggregatedMetrics is one coordinator snapshot across all protocols.
// Protocol keys in the three maps always equal the registered set.
type AggregatedMetrics struct {
	Timestamp            time.Time           `json:"timestamp"`
	TotalEarningsPerHour float64             `json:"total_earnings_per_hour"`
	EarningsByProtocol   map[string]float64  `json:"earnings_by_protocol"`
	AllocationByProtocol map[string]float64  `json:"allocation_by_protocol"`
	ResourceUtilization  ResourceUtilization `json:"resource_utilization"`
	ConnectionStatus     map[string]bool     `json:"connection_status"`
}

// OptimizationOpportunity is a single pairwise reallocation that would
// increase the total earnings rate.
type OptimizationOpportunity struct {
	FromProtocol        string  `json:"from_protocol"`
	ToProtocol          string  `json:"to_protocol"`
	CurrentRate         float64 `json:"current_rate"`
	ProjectedRate       float64 `json:"projected_rate"`
	EarningsImprovement float64 `json:"earnings_improvement"`
	Confidence          float64 `json:"confidence"`
	Complexity          float64 `json:"complexity"`
}

// AllocationPlan is a proposed allocation for all protocols at once.
// Target fractions sum to 1 within FractionTolerance.
type AllocationPlan struct {
	Allocation           map[string]float64 `json:"allocation"`
	EstimatedImprovement float64            `json:"estimated_improvement"`
	EstimatedCost        float64            `json:"estimated_cost"`
	NetBenefit           float64            `json:"net_benefit"`
	ROIPercent           float64            `json:"roi_percent"`
	Confidence           float64            `json:"confidence"`
	CreatedAt            time.Time          `json:"created_at"`
}

// AllocationChange is one append-only audit row for an executed change.
// EarningsImpact is resolved retroactively by the monitor from the next
// snapshot; nil until then.
type AllocationChange struct {
	ID             int64     `json:"id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Protocol       string    `json:"protocol"`
	OldAllocation  float64   `json:"old_allocation"`
	NewAllocation  float64   `json:"new_allocation"`
	EarningsImpact *float64  `json:"earnings_impact,omitempty"`
	Reason         string    `json:"reason"`
}

// AlertKind enumerates monitor alert categories.
type AlertKind string

const (
	AlertLowEarnings           AlertKind = "LowEarnings"
	AlertOptimizationAvailable AlertKind = "OptimizationAvailable"
	AlertConnectionLost        AlertKind = "ConnectionLost"
	AlertResourcePressure      AlertKind = "ResourcePressure"
	AlertReallocationFailed    AlertKind = "ReallocationFailed"
)

// Alert is a monitor-raised condition. Timestamps are unique within a
// monitor instance and serve as the acknowledgement handle.
type Alert struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         AlertKind `json:"kind"`
	Protocol     string    `json:"protocol,omitempty"`
	Severity     float64   `json:"severity"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
}

// DashboardSnapshot is the derived dashboard view.
type DashboardSnapshot struct {
	Timestamp            time.Time                `json:"timestamp"`
	TotalEarningsPerHour float64                  `json:"total_earnings_per_hour"`
	EarningsByProtocol   map[string]float64       `json:"earnings_by_protocol"`
	CurrentAllocation    map[string]float64       `json:"current_allocation"`
	OptimalAllocation    map[string]float64       `json:"optimal_allocation"`
	Opportunity          *OptimizationOpportunity `json:"optimization_opportunity,omitempty"`
	NextReallocationIn   float64                  `json:"next_reallocation_in_seconds"`
	ConnectionStatus     map[string]bool          `json:"connection_status"`
	RecentChanges        []AllocationChange       `json:"recent_changes"`
}

// PerformanceReport covers a time period.
type PerformanceReport struct {
	PeriodStart             time.Time          `json:"period_start"`
	PeriodEnd               time.Time          `json:"period_end"`
	TotalEarnings           float64            `json:"total_earnings"`
	AverageHourlyEarnings   float64            `json:"average_hourly_earnings"`
	EarningsByProtocol      map[string]float64 `json:"earnings_by_protocol"`
	AllocationChanges       []AllocationChange `json:"allocation_changes"`
	TotalImprovement        float64            `json:"total_improvement"`
	SuccessfulOptimizations int                `json:"successful_optimizations"`
	UptimePercent           float64            `json:"uptime_percent"`
}
