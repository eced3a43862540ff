package optimizer

import (
	"math"
	"testing"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() model.AggregatedMetrics {
	return model.AggregatedMetrics{
		Timestamp:            time.Now().UTC(),
		TotalEarningsPerHour: 4.0,
		EarningsByProtocol: map[string]float64{
			"alpha": 1.0, "bravo": 2.0, "charlie": 0.5, "delta": 0.5,
		},
		AllocationByProtocol: map[string]float64{
			"alpha": 0.25, "bravo": 0.25, "charlie": 0.25, "delta": 0.25,
		},
		ConnectionStatus: map[string]bool{
			"alpha": true, "bravo": true, "charlie": true, "delta": true,
		},
	}
}

func testBounds() map[string]protocol.Bounds {
	return map[string]protocol.Bounds{
		"alpha":   {Min: 0.1, Max: 0.6},
		"bravo":   {Min: 0.1, Max: 0.6},
		"charlie": {Min: 0.1, Max: 0.6},
		"delta":   {Min: 0.1, Max: 0.6},
	}
}

func TestEfficiencies(t *testing.T) {
	o := New(Config{})
	snapshot := testSnapshot()
	eff := o.Efficiencies(snapshot)
	assert.InDelta(t, 4.0, eff["alpha"], 1e-9)
	assert.InDelta(t, 8.0, eff["bravo"], 1e-9)
	assert.InDelta(t, 2.0, eff["charlie"], 1e-9)
}

func TestEfficiencyZeroWhenDisconnected(t *testing.T) {
	o := New(Config{})
	snapshot := testSnapshot()
	snapshot.ConnectionStatus["bravo"] = false
	eff := o.Efficiencies(snapshot)
	assert.Zero(t, eff["bravo"])
}

func TestAnalyzeOpportunities(t *testing.T) {
	o := New(Config{})
	snapshot := testSnapshot()
	opportunities := o.AnalyzeOpportunities(snapshot, testBounds(), nil)
	require.NotEmpty(t, opportunities)

	best := opportunities[0]
	assert.Equal(t, "bravo", best.ToProtocol)
	assert.Contains(t, []string{"alpha", "charlie", "delta"}, best.FromProtocol)
	assert.Greater(t, best.EarningsImprovement, 0.0)
	assert.GreaterOrEqual(t, best.ProjectedRate, best.CurrentRate)

	// Ranking is by improvement descending.
	for i := 1; i < len(opportunities); i++ {
		assert.GreaterOrEqual(t,
			opportunities[i-1].EarningsImprovement,
			opportunities[i].EarningsImprovement)
	}

	// Moving 0.15 from charlie (eff 2) to bravo (eff 8) gains 0.9/hr.
	assert.InDelta(t, 0.9, best.EarningsImprovement, 1e-9)
	assert.InDelta(t, 0.3, best.Complexity, 1e-9)
}

func TestOpportunitiesRequireEfficiencyGap(t *testing.T) {
	o := New(Config{})
	snapshot := testSnapshot()
	for name := range snapshot.EarningsByProtocol {
		snapshot.EarningsByProtocol[name] = 1.0
	}
	opportunities := o.AnalyzeOpportunities(snapshot, testBounds(), nil)
	assert.Empty(t, opportunities)
}

func TestOptimalAllocationWaterFilling(t *testing.T) {
	o := New(Config{})
	optimal, err := o.OptimalAllocation(testSnapshot(), testBounds())
	require.NoError(t, err)

	// bravo fills to its max first, alpha takes the remainder, charlie and
	// delta stay at the floor.
	assert.InDelta(t, 0.6, optimal["bravo"], model.FractionTolerance)
	assert.InDelta(t, 0.2, optimal["alpha"], model.FractionTolerance)
	assert.InDelta(t, 0.1, optimal["charlie"], model.FractionTolerance)
	assert.InDelta(t, 0.1, optimal["delta"], model.FractionTolerance)

	sum := 0.0
	for _, v := range optimal {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, model.FractionTolerance)
}

func TestOptimalAllocationInfeasibleMins(t *testing.T) {
	o := New(Config{})
	bounds := map[string]protocol.Bounds{
		"alpha": {Min: 0.6, Max: 0.9},
		"bravo": {Min: 0.6, Max: 0.9},
	}
	snapshot := model.AggregatedMetrics{
		EarningsByProtocol:   map[string]float64{"alpha": 1, "bravo": 1},
		AllocationByProtocol: map[string]float64{"alpha": 0.5, "bravo": 0.5},
		ConnectionStatus:     map[string]bool{"alpha": true, "bravo": true},
	}
	_, err := o.OptimalAllocation(snapshot, bounds)
	var optErr *OptimizationError
	require.ErrorAs(t, err, &optErr)
}

func TestBuildPlanInvariants(t *testing.T) {
	o := New(Config{})
	snapshot := testSnapshot()

	plan, err := o.BuildPlan(snapshot, nil, testBounds(), func(target, current map[string]float64) float64 {
		return 0.1
	})
	require.NoError(t, err)

	sum := 0.0
	for name, target := range plan.Allocation {
		sum += target
		b := testBounds()[name]
		assert.GreaterOrEqual(t, target, b.Min-model.FractionTolerance)
		assert.LessOrEqual(t, target, b.Max+model.FractionTolerance)
	}
	assert.LessOrEqual(t, math.Abs(sum-1.0), model.FractionTolerance)

	// (0.6-0.25)*8 + (0.2-0.25)*4 + 2*(0.1-0.25)*2 = 2.0
	assert.InDelta(t, 2.0, plan.EstimatedImprovement, 1e-9)
	assert.InDelta(t, 1.9, plan.NetBenefit, 1e-9)
	assert.Greater(t, plan.ROIPercent, 0.0)
}

func TestBuildPlanEmptySnapshot(t *testing.T) {
	o := New(Config{})
	plan, err := o.BuildPlan(model.AggregatedMetrics{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, plan.Confidence)
	assert.Empty(t, plan.Allocation)
}

func TestConfidenceCappedWithFewSamples(t *testing.T) {
	o := New(Config{MinSamples: 10})
	var history []model.AggregatedMetrics
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		history = append(history, model.AggregatedMetrics{
			Timestamp:          now.Add(time.Duration(i-3) * time.Minute),
			EarningsByProtocol: map[string]float64{"alpha": 1.0},
		})
	}
	confidence := o.Confidence(history, []string{"alpha"})
	assert.LessOrEqual(t, confidence, 0.5)
	assert.Greater(t, confidence, 0.0)
}

func TestConfidenceStableHistory(t *testing.T) {
	o := New(Config{})
	var history []model.AggregatedMetrics
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		history = append(history, model.AggregatedMetrics{
			Timestamp:          now.Add(time.Duration(i-20) * time.Minute),
			EarningsByProtocol: map[string]float64{"alpha": 2.0, "bravo": 3.0},
		})
	}
	// Zero variance means full confidence.
	confidence := o.Confidence(history, []string{"alpha", "bravo"})
	assert.InDelta(t, 1.0, confidence, 1e-9)
}

func TestConfidenceEmptyHistory(t *testing.T) {
	o := New(Config{})
	assert.Zero(t, o.Confidence(nil, []string{"alpha"}))
}

func TestShouldReallocate(t *testing.T) {
	o := New(Config{})
	opp := model.OptimizationOpportunity{
		EarningsImprovement: 0.9,
		Confidence:          0.9,
	}
	plan := model.AllocationPlan{NetBenefit: 1.0}

	tests := []struct {
		name          string
		opportunities []model.OptimizationOpportunity
		plan          model.AllocationPlan
		engineAllows  bool
		want          bool
	}{
		{"all green", []model.OptimizationOpportunity{opp}, plan, true, true},
		{"engine blocks", []model.OptimizationOpportunity{opp}, plan, false, false},
		{"no opportunities", nil, plan, true, false},
		{"low confidence", []model.OptimizationOpportunity{{EarningsImprovement: 0.9, Confidence: 0.5}}, plan, true, false},
		{"small improvement", []model.OptimizationOpportunity{{EarningsImprovement: 0.1, Confidence: 0.9}}, plan, true, false},
		{"negative net benefit", []model.OptimizationOpportunity{opp}, model.AllocationPlan{NetBenefit: -0.1}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.ShouldReallocate(tt.opportunities, tt.plan, tt.engineAllows))
		})
	}
}
