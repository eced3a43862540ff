// Package realloc applies allocation plans to the adapters atomically from
// the caller's perspective, with hold-time and rate-limit constraints,
// automatic rollback on partial failure and an append-only audit trail.
package realloc

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
)

// ReallocationError reports a failed execution. RolledBack tells the API
// layer whether the previous allocation was restored.
type ReallocationError struct {
	Message    string
	RolledBack bool
	Cause      error
}

func (e *ReallocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reallocation error: %s: %v", e.Message, e.Cause)
	}
	return "reallocation error: " + e.Message
}

func (e *ReallocationError) Unwrap() error { return e.Cause }

// HoldError reports a pre-flight constraint violation (hold time or rolling
// rate limit); the API maps it to 429.
type HoldError struct {
	Message string
	RetryIn time.Duration
}

func (e *HoldError) Error() string { return "cannot reallocate: " + e.Message }

// AlertSink receives failure alerts; the monitor implements it.
type AlertSink interface {
	ReallocationFailed(message string, severity float64)
}

// ChangeStore persists audit rows; implementations may be nil-safe no-ops.
type ChangeStore interface {
	InsertChanges(ctx context.Context, changes []model.AllocationChange) ([]int64, error)
	SetEarningsImpact(ctx context.Context, ids []int64, impact float64) error
}

// Config tunes the engine.
type Config struct {
	MinHoldDuration time.Duration
	MaxPerHour      int
	AutoRollback    bool
	BaseSwitchCost  float64
	PerProtocolCost float64
}

func (c *Config) applyDefaults() {
	if c.MinHoldDuration <= 0 {
		c.MinHoldDuration = time.Hour
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 4
	}
	if c.BaseSwitchCost <= 0 {
		c.BaseSwitchCost = 0.05
	}
	if c.PerProtocolCost <= 0 {
		c.PerProtocolCost = 0.05
	}
}

// pendingBatch holds executed changes awaiting their retroactive
// earnings-impact from the next snapshot.
type pendingBatch struct {
	ids          []int64
	indices      []int
	baselineRate float64
}

// Engine serializes reallocation executions. It is the only component that
// writes allocations to the adapters.
type Engine struct {
	cfg      Config
	adapters map[string]protocol.Adapter

	mu               sync.Mutex
	history          []model.AllocationChange
	executions       []time.Time
	lastReallocation time.Time
	pending          []pendingBatch

	store ChangeStore
	alert AlertSink
}

func New(cfg Config, adapters map[string]protocol.Adapter, store ChangeStore) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
	}
}

// SetAlertSink wires the monitor in after construction; it must be called
// before the engine starts serving.
func (e *Engine) SetAlertSink(sink AlertSink) {
	e.alert = sink
}

// EstimateCost implements the design-level cost model: a base switch cost
// plus a per-protocol cost for every allocation that actually moves.
func (e *Engine) EstimateCost(target, current map[string]float64) float64 {
	moved := 0
	for name, t := range target {
		if math.Abs(t-current[name]) > model.FractionTolerance {
			moved++
		}
	}
	if moved == 0 {
		return 0
	}
	return e.cfg.BaseSwitchCost + e.cfg.PerProtocolCost*float64(moved)
}

// CanReallocate runs the pre-flight checks for a plan without executing it.
func (e *Engine) CanReallocate(plan model.AllocationPlan) error {
	if err := e.validate(plan); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkTimingLocked(time.Now().UTC())
}

// Allowed reports whether timing constraints alone would permit an
// execution right now.
func (e *Engine) Allowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkTimingLocked(time.Now().UTC()) == nil
}

// NextAllowedIn returns how long until the timing constraints clear. Zero
// means an execution is allowed now.
func (e *Engine) NextAllowedIn() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	var wait time.Duration
	if !e.lastReallocation.IsZero() {
		if hold := e.cfg.MinHoldDuration - now.Sub(e.lastReallocation); hold > wait {
			wait = hold
		}
	}
	if recent := e.recentExecutionsLocked(now); len(recent) >= e.cfg.MaxPerHour {
		// The window drains when the oldest execution ages out.
		if drain := recent[0].Add(time.Hour).Sub(now); drain > wait {
			wait = drain
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (e *Engine) checkTimingLocked(now time.Time) error {
	if !e.lastReallocation.IsZero() {
		if held := now.Sub(e.lastReallocation); held < e.cfg.MinHoldDuration {
			remaining := e.cfg.MinHoldDuration - held
			return &HoldError{
				Message: fmt.Sprintf("minimum hold duration not met, wait %s", remaining.Round(time.Second)),
				RetryIn: remaining,
			}
		}
	}
	if recent := e.recentExecutionsLocked(now); len(recent) >= e.cfg.MaxPerHour {
		remaining := recent[0].Add(time.Hour).Sub(now)
		return &HoldError{
			Message: fmt.Sprintf("at most %d reallocations per hour", e.cfg.MaxPerHour),
			RetryIn: remaining,
		}
	}
	return nil
}

func (e *Engine) recentExecutionsLocked(now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(e.executions) && !e.executions[i].After(cutoff) {
		i++
	}
	e.executions = e.executions[i:]
	return e.executions
}

// validate checks the plan shape: known protocols, unit sum, per-adapter
// bounds.
func (e *Engine) validate(plan model.AllocationPlan) error {
	if len(plan.Allocation) == 0 {
		return &ReallocationError{Message: "empty allocation plan"}
	}
	sum := 0.0
	for name, target := range plan.Allocation {
		adapter, ok := e.adapters[name]
		if !ok {
			return &ReallocationError{Message: fmt.Sprintf("protocol %q not registered", name)}
		}
		if target < 0 || target > 1 {
			return &ReallocationError{Message: fmt.Sprintf("%s: fraction %.4f outside [0,1]", name, target)}
		}
		if !adapter.Bounds().Contains(target) {
			b := adapter.Bounds()
			return &ReallocationError{Message: fmt.Sprintf(
				"%s: fraction %.4f outside declared bounds [%.2f, %.2f]", name, target, b.Min, b.Max)}
		}
		sum += target
	}
	if math.Abs(sum-1.0) > model.FractionTolerance {
		return &ReallocationError{Message: fmt.Sprintf("allocation fractions sum to %.6f, expected 1", sum)}
	}
	return nil
}

// ExecuteReallocation applies a plan. Protocols are updated sequentially in
// lexicographic order; the first failure aborts and (with auto-rollback)
// restores every protocol already updated. A plan equal to the current
// allocation is a success no-op with zero audit rows. baselineRate is the
// observed pre-change total earnings rate; the monitor resolves each
// change's earnings impact against it from the next snapshot.
func (e *Engine) ExecuteReallocation(ctx context.Context, plan model.AllocationPlan, reason string, baselineRate float64) ([]model.AllocationChange, error) {
	if err := e.validate(plan); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(plan.Allocation))
	for name := range plan.Allocation {
		names = append(names, name)
	}
	sort.Strings(names)

	// Snapshot current allocations for the no-op check and for rollback.
	previous := make(map[string]model.AllocationStrategy, len(names))
	noop := true
	for _, name := range names {
		current, err := e.adapters[name].GetCurrentAllocation(ctx)
		if err != nil {
			return nil, &ReallocationError{Message: fmt.Sprintf("%s: cannot read current allocation", name), Cause: err}
		}
		previous[name] = current
		if math.Abs(current.Fraction()-plan.Allocation[name]) > model.FractionTolerance {
			noop = false
		}
	}
	if noop {
		logger.Info("reallocation is a no-op, targets equal current allocation")
		return nil, nil
	}

	now := time.Now().UTC()
	if err := e.checkTimingLocked(now); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		strategy := previous[name]
		target := plan.Allocation[name]
		strategy.CPUFraction = target
		strategy.MemoryFraction = target
		strategy.BandwidthFraction = target
		strategy.StorageFraction = target

		if err := e.adapters[name].ApplyAllocation(ctx, strategy); err != nil {
			logger.Warn("apply failed, aborting reallocation", "protocol", name, "error", err)
			metrics.ReallocationsTotal.WithLabelValues("failed").Inc()
			if e.cfg.AutoRollback {
				if rbErr := e.rollback(ctx, applied, previous); rbErr != nil {
					if e.alert != nil {
						e.alert.ReallocationFailed(fmt.Sprintf(
							"rollback failed after partial reallocation: %v", rbErr), 0.95)
					}
					return nil, &ReallocationError{
						Message:    fmt.Sprintf("apply failed on %s and rollback did not restore all protocols", name),
						RolledBack: false,
						Cause:      err,
					}
				}
			}
			if e.alert != nil {
				outcome := "previous allocation restored"
				if !e.cfg.AutoRollback {
					outcome = "earlier protocols left at their new allocation"
				}
				e.alert.ReallocationFailed(fmt.Sprintf(
					"reallocation aborted on %s, %s", name, outcome), 0.9)
			}
			return nil, &ReallocationError{
				Message:    fmt.Sprintf("apply failed on %s", name),
				RolledBack: e.cfg.AutoRollback,
				Cause:      err,
			}
		}
		applied = append(applied, name)
	}

	changes := make([]model.AllocationChange, 0, len(names))
	for _, name := range names {
		changes = append(changes, model.AllocationChange{
			Timestamp:     now,
			Protocol:      name,
			OldAllocation: previous[name].Fraction(),
			NewAllocation: plan.Allocation[name],
			Reason:        reason,
		})
	}

	var ids []int64
	if e.store != nil {
		var err error
		ids, err = e.store.InsertChanges(ctx, changes)
		if err != nil {
			logger.Error("failed to persist allocation changes", "error", err)
		}
	}

	start := len(e.history)
	e.history = append(e.history, changes...)
	indices := make([]int, len(changes))
	for i := range changes {
		indices[i] = start + i
	}
	e.pending = append(e.pending, pendingBatch{
		ids:          ids,
		indices:      indices,
		baselineRate: baselineRate,
	})

	e.lastReallocation = now
	e.executions = append(e.executions, now)
	metrics.ReallocationsTotal.WithLabelValues("ok").Inc()
	logger.Info("reallocation executed", "protocols", len(names), "reason", reason)
	return changes, nil
}

// ResolveImpacts fills earnings_impact for all pending batches using the
// next observed total earnings rate. Called by the monitor on each new
// snapshot.
func (e *Engine) ResolveImpacts(ctx context.Context, observedRate float64) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	for _, batch := range pending {
		impact := observedRate - batch.baselineRate
		for _, idx := range batch.indices {
			if idx < len(e.history) {
				v := impact
				e.history[idx].EarningsImpact = &v
			}
		}
	}
	e.mu.Unlock()

	if e.store == nil {
		return
	}
	for _, batch := range pending {
		if len(batch.ids) == 0 {
			continue
		}
		impact := observedRate - batch.baselineRate
		if err := e.store.SetEarningsImpact(ctx, batch.ids, impact); err != nil {
			logger.Error("failed to persist earnings impact", "error", err)
		}
	}
}

func (e *Engine) rollback(ctx context.Context, applied []string, previous map[string]model.AllocationStrategy) error {
	var firstErr error
	for _, name := range applied {
		if err := e.adapters[name].ApplyAllocation(ctx, previous[name]); err != nil {
			logger.Error("rollback failed", "protocol", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("rolled back", "protocol", name, "fraction", previous[name].Fraction())
	}
	return firstErr
}

// RecentChanges returns the newest n audit entries, newest first.
func (e *Engine) RecentChanges(n int) []model.AllocationChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	out := make([]model.AllocationChange, 0, n)
	for i := len(e.history) - 1; i >= len(e.history)-n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// HistorySince returns changes newer than the cutoff, oldest first.
func (e *Engine) HistorySince(cutoff time.Time) []model.AllocationChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.AllocationChange
	for _, c := range e.history {
		if c.Timestamp.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// LastReallocation returns the time of the last successful execution.
func (e *Engine) LastReallocation() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReallocation, !e.lastReallocation.IsZero()
}
