package protocol

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// rateModel computes the simulated hourly earnings rate for a variant given
// the current pool fraction. Variants only differ here and in their dominant
// resource dimension.
type rateModel func(fraction float64) float64

// dimensionProfile scales host samples into the variant's usage shape.
type dimensionProfile struct {
	cpuWeight       float64
	memoryMB        float64
	bandwidthMbps   float64
	storageGB       float64
	diskIOMBps      float64
	baselineLatency float64
}

// baseAdapter carries the state machine and plumbing shared by all
// reference adapters. Reads take the RLock; every state mutation takes the
// write lock, which serializes writes as the contract requires.
type baseAdapter struct {
	mu sync.RWMutex

	name   string
	cfg    Config
	bounds Bounds

	status     model.ConnectionStatus
	allocation model.AllocationStrategy
	lastError  string

	connectedAt  time.Time
	connectedDur time.Duration
	createdAt    time.Time

	model   rateModel
	profile dimensionProfile

	limiter *rate.Limiter
	http    *http.Client

	tokenPrice  decimal.Decimal
	tokenSymbol string
}

func newBase(name string, cfg Config, m rateModel, profile dimensionProfile) *baseAdapter {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 3
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 3 * time.Second
	retry.Logger = nil

	price := cfg.TokenPrice
	if price <= 0 {
		price = 1.0
	}

	min := cfg.MinAllocation
	max := cfg.MaxAllocation
	if max <= 0 {
		max = 1.0
	}

	return &baseAdapter{
		name:        name,
		cfg:         cfg,
		bounds:      Bounds{Min: min, Max: max},
		status:      model.ConnectionStatus{State: model.StateDisconnected},
		allocation:  model.Uniform(min, 5),
		createdAt:   time.Now().UTC(),
		model:       m,
		profile:     profile,
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		http:        retry.StandardClient(),
		tokenPrice:  decimal.NewFromFloat(price),
		tokenSymbol: cfg.TokenSymbol,
	}
}

func (b *baseAdapter) Name() string { return b.name }

func (b *baseAdapter) Bounds() Bounds { return b.bounds }

func (b *baseAdapter) ConnectionStatus() model.ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *baseAdapter) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.status.State {
	case model.StateConnected:
		b.mu.Unlock()
		return nil
	case model.StateConnecting:
		b.mu.Unlock()
		return newError(KindConnection, "%s: connect already in progress", b.name)
	}
	b.status = model.ConnectionStatus{State: model.StateConnecting}
	b.mu.Unlock()

	if len(b.cfg.Credentials) == 0 {
		b.failConnect("credentials not configured")
		return newError(KindAuthentication, "%s: credentials not configured", b.name)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		b.failConnect(err.Error())
		return wrapError(KindConnection, err, "%s: connect cancelled", b.name)
	}

	// Probe the backend endpoint when one is configured. The retry client
	// absorbs transient failures.
	if b.cfg.Endpoint != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint, nil)
		if err != nil {
			b.failConnect(err.Error())
			return wrapError(KindConnection, err, "%s: bad endpoint", b.name)
		}
		resp, err := b.http.Do(req)
		if err != nil {
			b.failConnect(err.Error())
			return wrapError(KindConnection, err, "%s: endpoint unreachable", b.name)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			b.failConnect(fmt.Sprintf("endpoint returned %d", resp.StatusCode))
			return newError(KindAuthentication, "%s: endpoint rejected credentials (%d)", b.name, resp.StatusCode)
		}
	}

	b.mu.Lock()
	b.status = model.ConnectionStatus{State: model.StateConnected}
	b.connectedAt = time.Now().UTC()
	b.lastError = ""
	b.mu.Unlock()

	logger.Info("protocol connected", "protocol", b.name)
	return nil
}

func (b *baseAdapter) failConnect(cause string) {
	b.mu.Lock()
	b.status = model.ConnectionStatus{State: model.StateError, Error: cause}
	b.lastError = cause
	b.mu.Unlock()
}

func (b *baseAdapter) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.State == model.StateConnected && !b.connectedAt.IsZero() {
		b.connectedDur += time.Since(b.connectedAt)
		b.connectedAt = time.Time{}
	}
	b.status = model.ConnectionStatus{State: model.StateDisconnected}
	logger.Info("protocol disconnected", "protocol", b.name)
	return nil
}

// hourlyRate returns the simulated earnings rate for the current allocation.
func (b *baseAdapter) hourlyRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status.State != model.StateConnected {
		return 0
	}
	return b.model(b.allocation.Fraction())
}

func (b *baseAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	b.mu.RLock()
	state := b.status.State
	fraction := b.allocation.Fraction()
	b.mu.RUnlock()

	if state != model.StateConnected {
		return model.EarningsData{}, newError(KindAPI, "%s: backend unreachable (state %s)", b.name, state)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return model.EarningsData{}, wrapError(KindAPI, err, "%s: earnings fetch cancelled", b.name)
	}

	hourly := b.model(fraction)
	// Native-token accounting runs through decimal; only the boundary value
	// is a float64.
	native := decimal.NewFromFloat(hourly).Div(b.tokenPrice)
	amount := native.Mul(b.tokenPrice)

	return model.EarningsData{
		Timestamp:      time.Now().UTC(),
		AmountCurrency: amount.InexactFloat64(),
		AmountNative:   native.InexactFloat64(),
		NativeSymbol:   b.tokenSymbol,
		HourlyRate:     hourly,
		Details: map[string]float64{
			"allocation_fraction": fraction,
		},
	}, nil
}

func (b *baseAdapter) GetHistoricalEarnings(ctx context.Context, hours int) ([]model.EarningsData, error) {
	if hours <= 0 {
		return nil, newError(KindParse, "%s: history window must be positive", b.name)
	}
	b.mu.RLock()
	state := b.status.State
	fraction := b.allocation.Fraction()
	since := b.connectedAt
	b.mu.RUnlock()

	if state != model.StateConnected {
		return nil, newError(KindAPI, "%s: backend unreachable (state %s)", b.name, state)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, wrapError(KindAPI, err, "%s: history fetch cancelled", b.name)
	}

	now := time.Now().UTC()
	current := b.model(fraction)
	samples := make([]model.EarningsData, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * time.Hour)
		// Hours before the connection are missing, not interpolated.
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		decay := 1.0 - (float64(i)/float64(hours))*0.3
		hourly := current * decay
		native := decimal.NewFromFloat(hourly).Div(b.tokenPrice)
		samples = append(samples, model.EarningsData{
			Timestamp:      ts,
			AmountCurrency: hourly,
			AmountNative:   native.InexactFloat64(),
			NativeSymbol:   b.tokenSymbol,
			HourlyRate:     hourly,
		})
	}
	return samples, nil
}

func (b *baseAdapter) GetResourceUsage(ctx context.Context) (model.ResourceMetrics, error) {
	b.mu.RLock()
	fraction := b.allocation.Fraction()
	state := b.status.State
	b.mu.RUnlock()

	if state != model.StateConnected {
		// A disconnected backend consumes nothing.
		return model.ResourceMetrics{Timestamp: time.Now().UTC()}, nil
	}

	// Non-blocking host sample: interval 0 reports usage since the last call.
	hostCPU := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		hostCPU = percents[0]
	}
	memUsed := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = float64(vm.Used) / (1024 * 1024)
	}

	p := b.profile
	return model.ResourceMetrics{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    math.Min(100, hostCPU*p.cpuWeight*fraction+fraction*10),
		MemoryMB:      math.Min(memUsed, p.memoryMB*fraction),
		BandwidthMbps: p.bandwidthMbps * fraction,
		StorageGB:     p.storageGB * fraction,
		DiskIOMBps:    p.diskIOMBps * fraction,
		LatencyMs:     p.baselineLatency,
	}, nil
}

func (b *baseAdapter) ApplyAllocation(ctx context.Context, strategy model.AllocationStrategy) error {
	for dim, f := range map[string]float64{
		"cpu":       strategy.CPUFraction,
		"memory":    strategy.MemoryFraction,
		"bandwidth": strategy.BandwidthFraction,
		"storage":   strategy.StorageFraction,
	} {
		if !b.bounds.Contains(f) {
			return newError(KindAllocation,
				"%s: %s fraction %.4f outside bounds [%.2f, %.2f]",
				b.name, dim, f, b.bounds.Min, b.bounds.Max)
		}
	}
	if strategy.Priority != 0 && (strategy.Priority < 1 || strategy.Priority > 10) {
		return newError(KindAllocation, "%s: priority %d outside [1,10]", b.name, strategy.Priority)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocation.Equal(strategy) {
		return nil
	}
	b.allocation = strategy
	logger.Info("allocation applied", "protocol", b.name, "fraction", strategy.Fraction())
	return nil
}

func (b *baseAdapter) GetCurrentAllocation(ctx context.Context) (model.AllocationStrategy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allocation, nil
}

func (b *baseAdapter) HealthCheck(ctx context.Context) (model.HealthStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	uptime := b.connectedDur
	if b.status.State == model.StateConnected && !b.connectedAt.IsZero() {
		uptime += time.Since(b.connectedAt)
	}
	lifetime := time.Since(b.createdAt)
	uptimePct := 0.0
	if lifetime > 0 {
		uptimePct = math.Min(100, 100*uptime.Seconds()/lifetime.Seconds())
	}

	return model.HealthStatus{
		IsHealthy:     b.status.State == model.StateConnected,
		UptimePercent: uptimePct,
		LastError:     b.lastError,
		LastCheck:     time.Now().UTC(),
	}, nil
}

func (b *baseAdapter) DescribeConfig() map[string]any {
	return map[string]any{
		"kind":           b.cfg.Kind,
		"endpoint":       b.cfg.Endpoint,
		"min_allocation": b.bounds.Min,
		"max_allocation": b.bounds.Max,
		"token_symbol":   b.tokenSymbol,
		"credentials":    "***",
	}
}
