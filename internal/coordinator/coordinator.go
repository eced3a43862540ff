// Package coordinator owns the registered protocol adapters, polls them
// concurrently and maintains a bounded ring of aggregated snapshots.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/GoDePIN/orchgate/internal/pkg/metrics"
	"github.com/GoDePIN/orchgate/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// CoordinationError is returned when a poll produces no usable data.
type CoordinationError struct {
	Message string
}

func (e *CoordinationError) Error() string {
	return "coordination error: " + e.Message
}

// PoolCapacity declares the operator host's total resource pool, used to
// express utilization as percentages.
type PoolCapacity struct {
	MemoryMB      float64
	BandwidthMbps float64
	StorageGB     float64
}

// Config tunes the coordinator.
type Config struct {
	MaxHistory   int
	PollTimeout  time.Duration
	PoolCapacity PoolCapacity
}

func (c *Config) applyDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.PoolCapacity.MemoryMB <= 0 {
		c.PoolCapacity.MemoryMB = 16384
	}
	if c.PoolCapacity.BandwidthMbps <= 0 {
		c.PoolCapacity.BandwidthMbps = 1000
	}
	if c.PoolCapacity.StorageGB <= 0 {
		c.PoolCapacity.StorageGB = 1000
	}
}

// ProtocolStatus is a per-protocol point-in-time view.
type ProtocolStatus struct {
	Protocol        string                 `json:"protocol"`
	EarningsPerHour float64                `json:"earnings_per_hour"`
	Allocation      float64                `json:"allocation"`
	Resources       *model.ResourceMetrics `json:"resources,omitempty"`
	Health          *model.HealthStatus    `json:"health,omitempty"`
	Bounds          protocol.Bounds        `json:"bounds"`
}

// Coordinator is the only component holding writable adapter handles.
type Coordinator struct {
	cfg      Config
	adapters map[string]protocol.Adapter
	names    []string

	// pollMu serializes polls end to end so ring entries can never be
	// appended out of order.
	pollMu sync.Mutex

	ringMu     sync.RWMutex
	ring       []model.AggregatedMetrics
	lastUpdate time.Time

	// last-known allocations feed degraded snapshot entries when an
	// adapter fetch fails.
	lastAllocMu sync.Mutex
	lastAlloc   map[string]float64
}

func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		adapters:  make(map[string]protocol.Adapter),
		lastAlloc: make(map[string]float64),
	}
}

// Register installs an adapter. The registered set is fixed before the
// coordinator starts serving; registration is not safe concurrently with
// polling.
func (c *Coordinator) Register(a protocol.Adapter) error {
	name := a.Name()
	if _, dup := c.adapters[name]; dup {
		return &CoordinationError{Message: fmt.Sprintf("protocol %q already registered", name)}
	}
	c.adapters[name] = a
	c.names = append(c.names, name)
	sort.Strings(c.names)
	c.lastAllocMu.Lock()
	c.lastAlloc[name] = a.Bounds().Min
	c.lastAllocMu.Unlock()
	return nil
}

// Registered returns the protocol keys in lexicographic order.
func (c *Coordinator) Registered() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Adapter returns a registered adapter. Only the reallocation engine may
// mutate allocations through it.
func (c *Coordinator) Adapter(name string) (protocol.Adapter, bool) {
	a, ok := c.adapters[name]
	return a, ok
}

// Adapters returns the full handle map for the reallocation engine.
func (c *Coordinator) Adapters() map[string]protocol.Adapter {
	return c.adapters
}

// ConnectAll connects every adapter, logging failures without aborting.
func (c *Coordinator) ConnectAll(ctx context.Context) {
	for _, name := range c.names {
		if err := c.adapters[name].Connect(ctx); err != nil {
			logger.Warn("initial connect failed", "protocol", name, "error", err)
		}
	}
}

// DisconnectAll disconnects every adapter.
func (c *Coordinator) DisconnectAll(ctx context.Context) {
	for _, name := range c.names {
		_ = c.adapters[name].Disconnect(ctx)
	}
}

type pollResult struct {
	name       string
	earnings   float64
	allocation float64
	resources  model.ResourceMetrics
	connected  bool
	failed     bool
}

// PollAll fans out to all adapters, builds one snapshot and appends it to
// the ring. A failing adapter contributes zero earnings, its last-known
// allocation and connected=false; the call fails only when no adapter
// contributed at all.
func (c *Coordinator) PollAll(ctx context.Context) (model.AggregatedMetrics, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if len(c.names) == 0 {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return model.AggregatedMetrics{}, &CoordinationError{Message: "no adapters registered"}
	}

	results := make([]pollResult, len(c.names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range c.names {
		i, name := i, name
		adapter := c.adapters[name]
		g.Go(func() error {
			results[i] = c.pollOne(gctx, name, adapter)
			return nil
		})
	}
	_ = g.Wait()

	snapshot, ok := c.aggregate(results)
	if !ok {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return model.AggregatedMetrics{}, &CoordinationError{Message: "all adapter polls failed"}
	}

	c.append(snapshot)
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	for name, rate := range snapshot.EarningsByProtocol {
		metrics.EarningsRate.WithLabelValues(name).Set(rate)
		metrics.AllocationFraction.WithLabelValues(name).Set(snapshot.AllocationByProtocol[name])
	}
	logger.Debug("polled all protocols", "total_rate", snapshot.TotalEarningsPerHour)
	return snapshot, nil
}

func (c *Coordinator) pollOne(ctx context.Context, name string, adapter protocol.Adapter) pollResult {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	res := pollResult{name: name}

	earnings, err := adapter.GetCurrentEarnings(cctx)
	if err != nil {
		logger.Warn("earnings fetch failed", "protocol", name, "error", err)
		res.failed = true
	} else {
		res.earnings = earnings.HourlyRate
	}

	alloc, err := adapter.GetCurrentAllocation(cctx)
	if err != nil {
		c.lastAllocMu.Lock()
		res.allocation = c.lastAlloc[name]
		c.lastAllocMu.Unlock()
	} else {
		res.allocation = alloc.Fraction()
		c.lastAllocMu.Lock()
		c.lastAlloc[name] = res.allocation
		c.lastAllocMu.Unlock()
	}

	if usage, err := adapter.GetResourceUsage(cctx); err == nil {
		res.resources = usage
	}

	health, err := adapter.HealthCheck(cctx)
	res.connected = err == nil && health.IsHealthy &&
		adapter.ConnectionStatus().State == model.StateConnected

	if res.failed {
		res.earnings = 0
		res.connected = false
	}
	return res
}

func (c *Coordinator) aggregate(results []pollResult) (model.AggregatedMetrics, bool) {
	earningsBy := make(map[string]float64, len(results))
	allocBy := make(map[string]float64, len(results))
	connBy := make(map[string]bool, len(results))

	var totalCPU, totalMem, totalBW, totalStorage float64
	disconnected := 0
	contributed := 0

	for _, r := range results {
		earningsBy[r.name] = r.earnings
		allocBy[r.name] = r.allocation
		connBy[r.name] = r.connected
		if !r.failed {
			contributed++
		}
		if !r.connected {
			disconnected++
		}
		totalCPU += r.resources.CPUPercent
		totalMem += r.resources.MemoryMB
		totalBW += r.resources.BandwidthMbps
		totalStorage += r.resources.StorageGB
	}

	if contributed == 0 {
		return model.AggregatedMetrics{}, false
	}

	total := 0.0
	for _, e := range earningsBy {
		total += e
	}

	cap := c.cfg.PoolCapacity
	util := model.ResourceUtilization{
		CPUPercent:        math.Min(100, totalCPU),
		MemoryPercent:     math.Min(100, 100*totalMem/cap.MemoryMB),
		BandwidthPercent:  math.Min(100, 100*totalBW/cap.BandwidthMbps),
		StoragePercent:    math.Min(100, 100*totalStorage/cap.StorageGB),
		DisconnectedCount: disconnected,
	}

	return model.AggregatedMetrics{
		Timestamp:            time.Now().UTC(),
		TotalEarningsPerHour: total,
		EarningsByProtocol:   earningsBy,
		AllocationByProtocol: allocBy,
		ResourceUtilization:  util,
		ConnectionStatus:     connBy,
	}, true
}

// append inserts under the ring lock, enforcing strictly monotone
// timestamps and the capacity bound.
func (c *Coordinator) append(snapshot model.AggregatedMetrics) {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	if n := len(c.ring); n > 0 && !snapshot.Timestamp.After(c.ring[n-1].Timestamp) {
		snapshot.Timestamp = c.ring[n-1].Timestamp.Add(time.Microsecond)
	}
	c.ring = append(c.ring, snapshot)
	if len(c.ring) > c.cfg.MaxHistory {
		c.ring = c.ring[len(c.ring)-c.cfg.MaxHistory:]
	}
	c.lastUpdate = snapshot.Timestamp
}

// Latest returns the newest snapshot, if any.
func (c *Coordinator) Latest() (model.AggregatedMetrics, bool) {
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	if len(c.ring) == 0 {
		return model.AggregatedMetrics{}, false
	}
	return c.ring[len(c.ring)-1], true
}

// History returns up to limit most recent snapshots, oldest first.
func (c *Coordinator) History(limit int) []model.AggregatedMetrics {
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	n := len(c.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AggregatedMetrics, limit)
	copy(out, c.ring[n-limit:])
	return out
}

// GetMetricsForPeriod returns snapshots with start <= ts <= end. The ring is
// monotone so both edges are found by binary search.
func (c *Coordinator) GetMetricsForPeriod(start, end time.Time) []model.AggregatedMetrics {
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	lo := sort.Search(len(c.ring), func(i int) bool {
		return !c.ring[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(c.ring), func(i int) bool {
		return c.ring[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	out := make([]model.AggregatedMetrics, hi-lo)
	copy(out, c.ring[lo:hi])
	return out
}

// LastUpdate returns the timestamp of the newest snapshot.
func (c *Coordinator) LastUpdate() (time.Time, bool) {
	c.ringMu.RLock()
	defer c.ringMu.RUnlock()
	return c.lastUpdate, !c.lastUpdate.IsZero()
}

// ProtocolStatus assembles a live per-protocol view.
func (c *Coordinator) ProtocolStatus(ctx context.Context, name string) (ProtocolStatus, error) {
	adapter, ok := c.adapters[name]
	if !ok {
		return ProtocolStatus{}, &CoordinationError{Message: fmt.Sprintf("protocol %q not registered", name)}
	}

	status := ProtocolStatus{Protocol: name, Bounds: adapter.Bounds()}
	if earnings, err := adapter.GetCurrentEarnings(ctx); err == nil {
		status.EarningsPerHour = earnings.HourlyRate
	}
	if alloc, err := adapter.GetCurrentAllocation(ctx); err == nil {
		status.Allocation = alloc.Fraction()
	}
	if usage, err := adapter.GetResourceUsage(ctx); err == nil {
		status.Resources = &usage
	}
	if health, err := adapter.HealthCheck(ctx); err == nil {
		status.Health = &health
	}
	return status, nil
}

// Bounds returns the declared bounds per protocol.
func (c *Coordinator) Bounds() map[string]protocol.Bounds {
	out := make(map[string]protocol.Bounds, len(c.names))
	for _, name := range c.names {
		out[name] = c.adapters[name].Bounds()
	}
	return out
}
