package service

import (
	"context"
	"time"

	"github.com/GoDePIN/orchgate/internal/coordinator"
	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/monitor"
	"github.com/GoDePIN/orchgate/internal/optimizer"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/GoDePIN/orchgate/internal/realloc"
)

// MetricsStore is the persistence surface the orchestrator writes
// snapshots to; nil disables persistence.
type MetricsStore interface {
	InsertSnapshot(ctx context.Context, m model.AggregatedMetrics) error
	Cleanup(ctx context.Context, retentionDays int) error
}

// RetentionJob trims a count-capped table.
type RetentionJob interface {
	Cleanup(ctx context.Context) error
}

// SchedulerConfig tunes the background loops.
type SchedulerConfig struct {
	PollInterval   time.Duration
	AutoReallocate bool
	RetentionDays  int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
}

// Orchestrator wires the coordinator, optimizer, engine and monitor
// together and runs the periodic tick and retention loops. API handlers
// reach the components exclusively through it.
type Orchestrator struct {
	Coordinator *coordinator.Coordinator
	Optimizer   *optimizer.Optimizer
	Engine      *realloc.Engine
	Monitor     *monitor.Monitor

	cfg       SchedulerConfig
	metrics   MetricsStore
	retention []RetentionJob
	startedAt time.Time
}

func NewOrchestrator(
	cfg SchedulerConfig,
	coord *coordinator.Coordinator,
	opt *optimizer.Optimizer,
	engine *realloc.Engine,
	mon *monitor.Monitor,
	metricsStore MetricsStore,
	retention ...RetentionJob,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		Coordinator: coord,
		Optimizer:   opt,
		Engine:      engine,
		Monitor:     mon,
		cfg:         cfg,
		metrics:     metricsStore,
		retention:   retention,
		startedAt:   time.Now().UTC(),
	}
}

// StartedAt is the process start time for the status endpoint.
func (o *Orchestrator) StartedAt() time.Time {
	return o.startedAt
}

// Run drives the poll tick and the daily retention job until the context
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	pollTicker := time.NewTicker(o.cfg.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	// Take a first snapshot immediately so the API has data shortly after
	// startup.
	o.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			o.Tick(ctx)
		case <-cleanupTicker.C:
			o.runRetention(ctx)
		}
	}
}

// Tick runs one full poll -> persist -> optimize -> alert cycle, and
// optionally auto-executes a reallocation when the decision predicate and
// the engine both allow it.
func (o *Orchestrator) Tick(ctx context.Context) {
	snapshot, err := o.Coordinator.PollAll(ctx)
	if err != nil {
		logger.Warn("poll failed", "error", err)
		return
	}

	// Resolve retroactive earnings impact before anything else reads the
	// change log.
	o.Monitor.OnSnapshot(ctx, snapshot)

	if o.metrics != nil {
		if err := o.metrics.InsertSnapshot(ctx, snapshot); err != nil {
			logger.Error("snapshot persist failed", "error", err)
		}
	}

	history := o.Coordinator.History(0)
	bounds := o.Coordinator.Bounds()
	opportunities := o.Optimizer.AnalyzeOpportunities(snapshot, bounds, history)
	o.Monitor.CheckAlerts(ctx, snapshot, opportunities)

	if !o.cfg.AutoReallocate {
		return
	}

	plan, err := o.Optimizer.BuildPlan(snapshot, history, bounds, o.Engine.EstimateCost)
	if err != nil {
		logger.Warn("plan build failed", "error", err)
		return
	}
	if !o.Optimizer.ShouldReallocate(opportunities, plan, o.Engine.Allowed()) {
		return
	}
	if _, err := o.Engine.ExecuteReallocation(ctx, plan, "scheduled optimization", snapshot.TotalEarningsPerHour); err != nil {
		logger.Warn("scheduled reallocation failed", "error", err)
	}
}

func (o *Orchestrator) runRetention(ctx context.Context) {
	if o.metrics != nil {
		if err := o.metrics.Cleanup(ctx, o.cfg.RetentionDays); err != nil {
			logger.Error("metrics retention failed", "error", err)
		}
	}
	for _, job := range o.retention {
		if err := job.Cleanup(ctx); err != nil {
			logger.Error("retention job failed", "error", err)
		}
	}
}

// Opportunities ranks current opportunities from the latest snapshot.
func (o *Orchestrator) Opportunities() []model.OptimizationOpportunity {
	snapshot, ok := o.Coordinator.Latest()
	if !ok {
		return nil
	}
	return o.Optimizer.AnalyzeOpportunities(snapshot, o.Coordinator.Bounds(), o.Coordinator.History(0))
}

// Plan builds an allocation plan from the latest snapshot.
func (o *Orchestrator) Plan() (model.AllocationPlan, model.AggregatedMetrics, bool, error) {
	snapshot, ok := o.Coordinator.Latest()
	if !ok {
		return model.AllocationPlan{}, model.AggregatedMetrics{}, false, nil
	}
	plan, err := o.Optimizer.BuildPlan(snapshot, o.Coordinator.History(0), o.Coordinator.Bounds(), o.Engine.EstimateCost)
	return plan, snapshot, true, err
}

// Dashboard assembles the dashboard snapshot.
func (o *Orchestrator) Dashboard() (model.DashboardSnapshot, bool) {
	snapshot, ok := o.Coordinator.Latest()
	if !ok {
		return model.DashboardSnapshot{}, false
	}
	opportunities := o.Optimizer.AnalyzeOpportunities(snapshot, o.Coordinator.Bounds(), o.Coordinator.History(0))
	optimal, err := o.Optimizer.OptimalAllocation(snapshot, o.Coordinator.Bounds())
	if err != nil {
		optimal = snapshot.AllocationByProtocol
	}
	return o.Monitor.GetDashboardMetrics(snapshot, optimal, opportunities), true
}

// Execute runs a caller-supplied allocation through the engine, using the
// latest observed total rate as the impact baseline.
func (o *Orchestrator) Execute(ctx context.Context, allocation map[string]float64, reason string) ([]model.AllocationChange, error) {
	baseline := 0.0
	if snapshot, ok := o.Coordinator.Latest(); ok {
		baseline = snapshot.TotalEarningsPerHour
	}
	plan := model.AllocationPlan{
		Allocation: allocation,
		CreatedAt:  time.Now().UTC(),
	}
	return o.Engine.ExecuteReallocation(ctx, plan, reason, baseline)
}
