// Package optimizer analyzes coordinator snapshots, ranks pairwise
// reallocation opportunities and produces allocation plans via greedy
// water-filling under the adapters' declared bounds.
package optimizer

import (
	"math"
	"sort"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/protocol"
)

const epsilon = 1e-6

// OptimizationError signals infeasible bounds or an unanswerable request.
type OptimizationError struct {
	Message string
}

func (e *OptimizationError) Error() string {
	return "optimization error: " + e.Message
}

// Config tunes the optimizer.
type Config struct {
	// MinImprovementThreshold is the decision floor in currency/hour.
	MinImprovementThreshold float64
	// MinImprovementPercent is the pairwise efficiency gap floor.
	MinImprovementPercent float64
	// MaxAllocationChange caps the fraction moved per opportunity.
	MaxAllocationChange float64
	// AnalysisWindow bounds how far back confidence looks.
	AnalysisWindow time.Duration
	// MinSamples caps confidence at 0.5 below this many snapshots.
	MinSamples int
}

func (c *Config) applyDefaults() {
	if c.MinImprovementThreshold <= 0 {
		c.MinImprovementThreshold = 0.25
	}
	if c.MinImprovementPercent <= 0 {
		c.MinImprovementPercent = 5.0
	}
	if c.MaxAllocationChange <= 0 {
		c.MaxAllocationChange = 0.20
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = 24 * time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
}

// CostFn estimates the cost of moving from current to target allocations.
// Wired to the reallocation engine's EstimateCost.
type CostFn func(target, current map[string]float64) float64

type Optimizer struct {
	cfg Config
}

func New(cfg Config) *Optimizer {
	cfg.applyDefaults()
	return &Optimizer{cfg: cfg}
}

// Efficiencies returns earnings per allocated unit for each protocol.
// Disconnected protocols get efficiency zero; they still appear so plans
// keep them at their floor.
func (o *Optimizer) Efficiencies(snapshot model.AggregatedMetrics) map[string]float64 {
	out := make(map[string]float64, len(snapshot.EarningsByProtocol))
	for name, rateVal := range snapshot.EarningsByProtocol {
		if !snapshot.ConnectionStatus[name] {
			out[name] = 0
			continue
		}
		alloc := snapshot.AllocationByProtocol[name]
		out[name] = rateVal / math.Max(epsilon, alloc)
	}
	return out
}

// AnalyzeOpportunities enumerates ordered pairs (from -> to) whose
// efficiency gap clears the configured percentage floor, ranked by
// improvement descending, then complexity ascending.
func (o *Optimizer) AnalyzeOpportunities(
	snapshot model.AggregatedMetrics,
	bounds map[string]protocol.Bounds,
	history []model.AggregatedMetrics,
) []model.OptimizationOpportunity {
	eff := o.Efficiencies(snapshot)
	names := sortedKeys(snapshot.EarningsByProtocol)
	total := snapshot.TotalEarningsPerHour

	var opportunities []model.OptimizationOpportunity
	for _, from := range names {
		for _, to := range names {
			if from == to {
				continue
			}
			if eff[to] <= eff[from]*(1+o.cfg.MinImprovementPercent/100)+epsilon {
				continue
			}
			fromBounds := bounds[from]
			toBounds := bounds[to]
			shift := math.Min(o.cfg.MaxAllocationChange,
				snapshot.AllocationByProtocol[from]-fromBounds.Min)
			shift = math.Min(shift, toBounds.Max-snapshot.AllocationByProtocol[to])
			if shift <= epsilon {
				continue
			}
			improvement := shift * (eff[to] - eff[from])
			if improvement <= 0 {
				continue
			}
			opportunities = append(opportunities, model.OptimizationOpportunity{
				FromProtocol:        from,
				ToProtocol:          to,
				CurrentRate:         total,
				ProjectedRate:       total + improvement,
				EarningsImprovement: improvement,
				Confidence:          o.confidenceFor(history, from, to),
				Complexity:          2 * shift,
			})
		}
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		if opportunities[i].EarningsImprovement != opportunities[j].EarningsImprovement {
			return opportunities[i].EarningsImprovement > opportunities[j].EarningsImprovement
		}
		return opportunities[i].Complexity < opportunities[j].Complexity
	})
	return opportunities
}

// OptimalAllocation runs greedy water-filling: every protocol starts at its
// declared min; the remaining budget pours into protocols by efficiency
// descending (key ascending on ties) up to each declared max.
func (o *Optimizer) OptimalAllocation(
	snapshot model.AggregatedMetrics,
	bounds map[string]protocol.Bounds,
) (map[string]float64, error) {
	eff := o.Efficiencies(snapshot)
	names := sortedKeys(snapshot.EarningsByProtocol)

	budget := 1.0
	result := make(map[string]float64, len(names))
	maxTotal := 0.0
	for _, name := range names {
		b := bounds[name]
		result[name] = b.Min
		budget -= b.Min
		maxTotal += b.Max
	}
	if budget < -model.FractionTolerance {
		return nil, &OptimizationError{Message: "sum of minimum allocations exceeds the unit budget"}
	}
	if maxTotal < 1.0-model.FractionTolerance {
		return nil, &OptimizationError{Message: "sum of maximum allocations cannot reach the unit budget"}
	}

	order := make([]string, len(names))
	copy(order, names)
	sort.SliceStable(order, func(i, j int) bool {
		if eff[order[i]] != eff[order[j]] {
			return eff[order[i]] > eff[order[j]]
		}
		return order[i] < order[j]
	})

	for _, name := range order {
		if budget <= model.FractionTolerance {
			break
		}
		headroom := bounds[name].Max - result[name]
		add := math.Min(headroom, budget)
		result[name] += add
		budget -= add
	}
	return result, nil
}

// BuildPlan assembles a full allocation plan for the snapshot. A snapshot
// without protocols yields an empty plan at confidence zero rather than an
// error. An empty history does not short-circuit: the water-filling plan is
// still returned, at confidence zero; the current allocation is not returned
// as the plan in that case.
func (o *Optimizer) BuildPlan(
	snapshot model.AggregatedMetrics,
	history []model.AggregatedMetrics,
	bounds map[string]protocol.Bounds,
	cost CostFn,
) (model.AllocationPlan, error) {
	now := time.Now().UTC()

	if len(snapshot.EarningsByProtocol) == 0 {
		return model.AllocationPlan{
			Allocation: map[string]float64{},
			Confidence: 0,
			CreatedAt:  now,
		}, nil
	}

	target, err := o.OptimalAllocation(snapshot, bounds)
	if err != nil {
		return model.AllocationPlan{}, err
	}

	eff := o.Efficiencies(snapshot)
	improvement := 0.0
	for name, t := range target {
		improvement += (t - snapshot.AllocationByProtocol[name]) * eff[name]
	}
	if improvement < 0 {
		improvement = 0
	}

	estimatedCost := 0.0
	if cost != nil {
		estimatedCost = cost(target, snapshot.AllocationByProtocol)
	}
	net := improvement - estimatedCost
	roi := 100 * net / math.Max(epsilon, snapshot.TotalEarningsPerHour)

	return model.AllocationPlan{
		Allocation:           target,
		EstimatedImprovement: improvement,
		EstimatedCost:        estimatedCost,
		NetBenefit:           net,
		ROIPercent:           roi,
		Confidence:           o.Confidence(history, sortedKeys(snapshot.EarningsByProtocol)),
		CreatedAt:            now,
	}, nil
}

// ShouldReallocate is the decision predicate gating automatic execution.
func (o *Optimizer) ShouldReallocate(
	opportunities []model.OptimizationOpportunity,
	plan model.AllocationPlan,
	engineAllows bool,
) bool {
	if len(opportunities) == 0 || !engineAllows {
		return false
	}
	best := opportunities[0]
	return best.EarningsImprovement >= o.cfg.MinImprovementThreshold &&
		best.Confidence >= 0.7 &&
		plan.NetBenefit > 0
}

// Confidence derives plan confidence from the coefficient of variation of
// each protocol's earnings rate over the analysis window.
func (o *Optimizer) Confidence(history []model.AggregatedMetrics, protocols []string) float64 {
	window := o.windowed(history)
	if len(window) == 0 || len(protocols) == 0 {
		return 0
	}

	var cvSum float64
	var counted int
	for _, name := range protocols {
		var samples []float64
		for _, m := range window {
			if v, ok := m.EarningsByProtocol[name]; ok {
				samples = append(samples, v)
			}
		}
		if len(samples) == 0 {
			continue
		}
		mean := 0.0
		for _, v := range samples {
			mean += v
		}
		mean /= float64(len(samples))
		if mean <= epsilon {
			continue
		}
		variance := 0.0
		for _, v := range samples {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(samples))
		cvSum += math.Sqrt(variance) / mean
		counted++
	}
	if counted == 0 {
		return 0
	}

	confidence := 1 - cvSum/float64(counted)
	confidence = math.Max(0, math.Min(1, confidence))
	if len(window) < o.cfg.MinSamples {
		confidence = math.Min(confidence, 0.5)
	}
	return confidence
}

func (o *Optimizer) confidenceFor(history []model.AggregatedMetrics, protocols ...string) float64 {
	return o.Confidence(history, protocols)
}

func (o *Optimizer) windowed(history []model.AggregatedMetrics) []model.AggregatedMetrics {
	if len(history) == 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-o.cfg.AnalysisWindow)
	lo := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.Before(cutoff)
	})
	return history[lo:]
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
