// Package monitor derives dashboard state from coordinator snapshots,
// raises deduplicated alerts and produces period reports.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/GoDePIN/orchgate/internal/pkg/metrics"
	"github.com/GoDePIN/orchgate/internal/realloc"
)

const (
	dedupWindow        = 10 * time.Minute
	optimizationWindow = 15 * time.Minute
)

// MonitoringError reports an unanswerable monitor request.
type MonitoringError struct {
	Message string
}

func (e *MonitoringError) Error() string {
	return "monitoring error: " + e.Message
}

// AlertStore persists alerts; implementations may be nil.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
	AcknowledgeAlert(ctx context.Context, timestamp time.Time) error
}

// Config tunes the monitor.
type Config struct {
	LowEarningsThreshold  float64
	OptimizationThreshold float64
	ConnectionTimeout     time.Duration
	MaxAlerts             int
	RecentChanges         int
}

func (c *Config) applyDefaults() {
	if c.LowEarningsThreshold <= 0 {
		c.LowEarningsThreshold = 5.0
	}
	if c.OptimizationThreshold <= 0 {
		c.OptimizationThreshold = 0.25
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Minute
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = 1000
	}
	if c.RecentChanges <= 0 {
		c.RecentChanges = 5
	}
}

// Monitor holds read-only views of the coordinator (through snapshots
// passed in) and the engine. It implements realloc.AlertSink.
type Monitor struct {
	cfg    Config
	engine *realloc.Engine
	store  AlertStore

	mu                sync.Mutex
	alerts            []model.Alert
	lastAlertTS       time.Time
	wasBelowThreshold bool
	disconnectedSince map[string]time.Time
	lastOptimization  time.Time

	subMu       sync.Mutex
	subscribers []chan model.Alert
}

func New(cfg Config, engine *realloc.Engine, store AlertStore) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:               cfg,
		engine:            engine,
		store:             store,
		disconnectedSince: make(map[string]time.Time),
	}
}

// Subscribe returns a channel receiving every newly raised alert. Slow
// consumers drop frames rather than block the monitor.
func (m *Monitor) Subscribe() <-chan model.Alert {
	ch := make(chan model.Alert, 16)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

// OnSnapshot lets the monitor resolve retroactive earnings impact for
// executed reallocations. Call once per new snapshot, before CheckAlerts.
func (m *Monitor) OnSnapshot(ctx context.Context, snapshot model.AggregatedMetrics) {
	m.engine.ResolveImpacts(ctx, snapshot.TotalEarningsPerHour)
}

// CheckAlerts evaluates alert rules against a snapshot and the current
// opportunity ranking, returning only alerts raised by this call.
func (m *Monitor) CheckAlerts(ctx context.Context, snapshot model.AggregatedMetrics, opportunities []model.OptimizationOpportunity) []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var raised []model.Alert

	// Low earnings: only on the transition below the threshold.
	thr := m.cfg.LowEarningsThreshold
	below := snapshot.TotalEarningsPerHour < thr
	if below && !m.wasBelowThreshold {
		severity := math.Min(1, (thr-snapshot.TotalEarningsPerHour)/thr+0.5)
		raised = m.raiseLocked(ctx, raised, model.Alert{
			Kind:     model.AlertLowEarnings,
			Severity: severity,
			Message: fmt.Sprintf("earnings %.2f/hr below threshold %.2f/hr",
				snapshot.TotalEarningsPerHour, thr),
		})
	}
	m.wasBelowThreshold = below

	// Optimization available: at most once per 15 minutes.
	if len(opportunities) > 0 {
		best := opportunities[0]
		if best.EarningsImprovement >= m.cfg.OptimizationThreshold &&
			now.Sub(m.lastOptimization) > optimizationWindow {
			before := len(raised)
			raised = m.raiseLocked(ctx, raised, model.Alert{
				Kind:     model.AlertOptimizationAvailable,
				Severity: math.Min(1, best.EarningsImprovement/4),
				Message: fmt.Sprintf("moving allocation from %s to %s would gain %.2f/hr",
					best.FromProtocol, best.ToProtocol, best.EarningsImprovement),
			})
			if len(raised) > before {
				m.lastOptimization = now
			}
		}
	}

	// Connection lost: disconnected for longer than the timeout.
	for proto, connected := range snapshot.ConnectionStatus {
		if connected {
			delete(m.disconnectedSince, proto)
			continue
		}
		since, seen := m.disconnectedSince[proto]
		if !seen {
			m.disconnectedSince[proto] = now
			continue
		}
		if now.Sub(since) > m.cfg.ConnectionTimeout {
			raised = m.raiseLocked(ctx, raised, model.Alert{
				Kind:     model.AlertConnectionLost,
				Protocol: proto,
				Severity: 0.85,
				Message:  fmt.Sprintf("protocol %s disconnected for over %s", proto, m.cfg.ConnectionTimeout),
			})
		}
	}

	// Resource pressure: any utilization dimension above 95%.
	util := snapshot.ResourceUtilization
	worstDim, worstVal := "", 0.0
	for dim, v := range map[string]float64{
		"cpu":       util.CPUPercent,
		"memory":    util.MemoryPercent,
		"bandwidth": util.BandwidthPercent,
		"storage":   util.StoragePercent,
	} {
		if v > 95 && v > worstVal {
			worstDim, worstVal = dim, v
		}
	}
	if worstDim != "" {
		raised = m.raiseLocked(ctx, raised, model.Alert{
			Kind:     model.AlertResourcePressure,
			Severity: 0.8,
			Message:  fmt.Sprintf("%s utilization at %.1f%%", worstDim, worstVal),
		})
	}

	return raised
}

// ReallocationFailed implements realloc.AlertSink.
func (m *Monitor) ReallocationFailed(message string, severity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseLocked(context.Background(), nil, model.Alert{
		Kind:     model.AlertReallocationFailed,
		Severity: severity,
		Message:  message,
	})
}

// raiseLocked applies deduplication, assigns a unique timestamp, records,
// persists and broadcasts the alert. Caller holds m.mu.
func (m *Monitor) raiseLocked(ctx context.Context, raised []model.Alert, alert model.Alert) []model.Alert {
	now := time.Now().UTC()

	// Suppress when an unacknowledged alert of the same (kind, protocol)
	// exists inside the dedup window.
	cutoff := now.Add(-dedupWindow)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		existing := m.alerts[i]
		if existing.Timestamp.Before(cutoff) {
			break
		}
		if !existing.Acknowledged && existing.Kind == alert.Kind && existing.Protocol == alert.Protocol {
			return raised
		}
	}

	ts := now
	if !ts.After(m.lastAlertTS) {
		ts = m.lastAlertTS.Add(time.Microsecond)
	}
	m.lastAlertTS = ts
	alert.Timestamp = ts

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}

	metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
	logger.Warn("alert raised", "kind", alert.Kind, "severity", alert.Severity, "message", alert.Message)

	if m.store != nil {
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			logger.Error("failed to persist alert", "error", err)
		}
	}

	m.subMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
	m.subMu.Unlock()

	return append(raised, alert)
}

// Alerts returns the retained alert history, newest first.
func (m *Monitor) Alerts() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Alert, len(m.alerts))
	for i, a := range m.alerts {
		out[len(m.alerts)-1-i] = a
	}
	return out
}

// AcknowledgeAlert marks the single alert with the given timestamp.
func (m *Monitor) AcknowledgeAlert(ctx context.Context, timestamp time.Time) error {
	m.mu.Lock()
	var found bool
	for i := range m.alerts {
		if m.alerts[i].Timestamp.Equal(timestamp) {
			m.alerts[i].Acknowledged = true
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return &MonitoringError{Message: "no alert with that timestamp"}
	}
	if m.store != nil {
		if err := m.store.AcknowledgeAlert(ctx, timestamp); err != nil {
			logger.Error("failed to persist acknowledgement", "error", err)
		}
	}
	return nil
}

// GetDashboardMetrics composes the derived dashboard view.
func (m *Monitor) GetDashboardMetrics(
	snapshot model.AggregatedMetrics,
	optimal map[string]float64,
	opportunities []model.OptimizationOpportunity,
) model.DashboardSnapshot {
	var best *model.OptimizationOpportunity
	if len(opportunities) > 0 {
		b := opportunities[0]
		best = &b
	}

	return model.DashboardSnapshot{
		Timestamp:            time.Now().UTC(),
		TotalEarningsPerHour: snapshot.TotalEarningsPerHour,
		EarningsByProtocol:   snapshot.EarningsByProtocol,
		CurrentAllocation:    snapshot.AllocationByProtocol,
		OptimalAllocation:    optimal,
		Opportunity:          best,
		NextReallocationIn:   m.engine.NextAllowedIn().Seconds(),
		ConnectionStatus:     snapshot.ConnectionStatus,
		RecentChanges:        m.engine.RecentChanges(m.cfg.RecentChanges),
	}
}

// GenerateReport summarizes a period from the supplied snapshots.
func (m *Monitor) GenerateReport(start, end time.Time, snapshots []model.AggregatedMetrics) (model.PerformanceReport, error) {
	if len(snapshots) == 0 {
		return model.PerformanceReport{}, &MonitoringError{Message: "no metrics for period"}
	}

	// Total earnings integrate rate over the gaps between snapshots.
	total := 0.0
	for i := 1; i < len(snapshots); i++ {
		dt := snapshots[i].Timestamp.Sub(snapshots[i-1].Timestamp).Hours()
		total += snapshots[i-1].TotalEarningsPerHour * dt
	}

	hours := end.Sub(start).Hours()
	avg := 0.0
	if hours > 0 {
		avg = total / hours
	}

	byProtocol := make(map[string]float64)
	allUp := 0
	for _, s := range snapshots {
		connected := true
		for proto, up := range s.ConnectionStatus {
			if !up {
				connected = false
			}
			byProtocol[proto] += s.EarningsByProtocol[proto]
		}
		if connected {
			allUp++
		}
	}
	uptime := 100 * float64(allUp) / float64(len(snapshots))

	changes := m.engine.HistorySince(start)
	var kept []model.AllocationChange
	improvement := 0.0
	resolved := make(map[time.Time]bool)
	for _, c := range changes {
		if c.Timestamp.After(end) {
			continue
		}
		kept = append(kept, c)
		if c.EarningsImpact != nil && !resolved[c.Timestamp] {
			improvement += *c.EarningsImpact
			resolved[c.Timestamp] = true
		}
	}

	return model.PerformanceReport{
		PeriodStart:             start,
		PeriodEnd:               end,
		TotalEarnings:           total,
		AverageHourlyEarnings:   avg,
		EarningsByProtocol:      byProtocol,
		AllocationChanges:       kept,
		TotalImprovement:        improvement,
		SuccessfulOptimizations: len(resolved),
		UptimePercent:           uptime,
	}, nil
}
