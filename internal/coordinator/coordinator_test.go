package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter lets tests control earnings and failure behavior.
type stubAdapter struct {
	mu       sync.Mutex
	name     string
	rate     float64
	fraction float64
	failAll  bool
	slow     time.Duration
}

func newStubAdapter(name string, rate, fraction float64) *stubAdapter {
	return &stubAdapter{name: name, rate: rate, fraction: fraction}
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) Bounds() protocol.Bounds { return protocol.Bounds{Min: 0.05, Max: 0.9} }

func (s *stubAdapter) Connect(context.Context) error    { return nil }
func (s *stubAdapter) Disconnect(context.Context) error { return nil }

func (s *stubAdapter) ConnectionStatus() model.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return model.ConnectionStatus{State: model.StateError, Error: "stub failure"}
	}
	return model.ConnectionStatus{State: model.StateConnected}
}

func (s *stubAdapter) GetCurrentEarnings(ctx context.Context) (model.EarningsData, error) {
	s.mu.Lock()
	failAll, slow := s.failAll, s.slow
	rate := s.rate
	s.mu.Unlock()
	if slow > 0 {
		select {
		case <-ctx.Done():
			return model.EarningsData{}, ctx.Err()
		case <-time.After(slow):
		}
	}
	if failAll {
		return model.EarningsData{}, errors.New("stub earnings failure")
	}
	return model.EarningsData{Timestamp: time.Now(), HourlyRate: rate}, nil
}

func (s *stubAdapter) GetHistoricalEarnings(context.Context, int) ([]model.EarningsData, error) {
	return nil, nil
}

func (s *stubAdapter) GetResourceUsage(context.Context) (model.ResourceMetrics, error) {
	return model.ResourceMetrics{CPUPercent: 10, MemoryMB: 256, BandwidthMbps: 50, StorageGB: 20}, nil
}

func (s *stubAdapter) ApplyAllocation(_ context.Context, strategy model.AllocationStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraction = strategy.Fraction()
	return nil
}

func (s *stubAdapter) GetCurrentAllocation(context.Context) (model.AllocationStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return model.AllocationStrategy{}, errors.New("stub allocation failure")
	}
	return model.Uniform(s.fraction, 5), nil
}

func (s *stubAdapter) HealthCheck(context.Context) (model.HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.HealthStatus{IsHealthy: !s.failAll, LastCheck: time.Now()}, nil
}

func (s *stubAdapter) DescribeConfig() map[string]any { return nil }

func newTestCoordinator(t *testing.T, stubs ...*stubAdapter) *Coordinator {
	t.Helper()
	c := New(Config{MaxHistory: 10, PollTimeout: 200 * time.Millisecond})
	for _, s := range stubs {
		require.NoError(t, c.Register(s))
	}
	return c
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.Register(newStubAdapter("alpha", 1, 0.5)))
	err := c.Register(newStubAdapter("alpha", 1, 0.5))
	var coordErr *CoordinationError
	require.ErrorAs(t, err, &coordErr)
}

func TestPollAllAggregates(t *testing.T) {
	c := newTestCoordinator(t,
		newStubAdapter("alpha", 1.0, 0.25),
		newStubAdapter("bravo", 2.0, 0.25),
		newStubAdapter("charlie", 0.5, 0.25),
		newStubAdapter("delta", 0.5, 0.25),
	)

	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 4.0, snapshot.TotalEarningsPerHour, 1e-9)
	registered := c.Registered()
	assert.Len(t, snapshot.EarningsByProtocol, len(registered))
	for _, name := range registered {
		_, ok := snapshot.EarningsByProtocol[name]
		assert.True(t, ok, "earnings key %s", name)
		_, ok = snapshot.AllocationByProtocol[name]
		assert.True(t, ok, "allocation key %s", name)
		_, ok = snapshot.ConnectionStatus[name]
		assert.True(t, ok, "connection key %s", name)
	}
	assert.Zero(t, snapshot.ResourceUtilization.DisconnectedCount)
}

func TestPollAllDegradesFailedAdapter(t *testing.T) {
	bad := newStubAdapter("bravo", 2.0, 0.30)
	c := newTestCoordinator(t, newStubAdapter("alpha", 1.0, 0.25), bad)

	// Prime the last-known allocation.
	_, err := c.PollAll(context.Background())
	require.NoError(t, err)

	bad.mu.Lock()
	bad.failAll = true
	bad.mu.Unlock()

	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)

	// The failed adapter contributes zero earnings, its last-known
	// allocation and connected=false; the poll still succeeds.
	assert.Zero(t, snapshot.EarningsByProtocol["bravo"])
	assert.InDelta(t, 0.30, snapshot.AllocationByProtocol["bravo"], model.FractionTolerance)
	assert.False(t, snapshot.ConnectionStatus["bravo"])
	assert.True(t, snapshot.ConnectionStatus["alpha"])
	assert.Equal(t, 1, snapshot.ResourceUtilization.DisconnectedCount)
}

func TestPollAllFailsWhenAllFail(t *testing.T) {
	bad := newStubAdapter("alpha", 1.0, 0.25)
	bad.failAll = true
	c := newTestCoordinator(t, bad)

	_, err := c.PollAll(context.Background())
	var coordErr *CoordinationError
	require.ErrorAs(t, err, &coordErr)
}

func TestPollAllDeadline(t *testing.T) {
	slow := newStubAdapter("bravo", 2.0, 0.25)
	slow.slow = time.Second
	c := newTestCoordinator(t, newStubAdapter("alpha", 1.0, 0.25), slow)

	start := time.Now()
	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 800*time.Millisecond)
	assert.Zero(t, snapshot.EarningsByProtocol["bravo"])
	assert.False(t, snapshot.ConnectionStatus["bravo"])
}

func TestRingEvictionAndOrder(t *testing.T) {
	c := New(Config{MaxHistory: 3})
	require.NoError(t, c.Register(newStubAdapter("alpha", 1.0, 0.25)))

	for i := 0; i < 5; i++ {
		_, err := c.PollAll(context.Background())
		require.NoError(t, err)
	}

	history := c.History(0)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp),
			"ring must be strictly monotone")
	}
}

func TestGetMetricsForPeriod(t *testing.T) {
	c := newTestCoordinator(t, newStubAdapter("alpha", 1.0, 0.25))

	for i := 0; i < 4; i++ {
		_, err := c.PollAll(context.Background())
		require.NoError(t, err)
	}
	history := c.History(0)
	require.Len(t, history, 4)

	// Window covering the middle two entries.
	got := c.GetMetricsForPeriod(history[1].Timestamp, history[2].Timestamp)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(history[1].Timestamp))

	// Empty window.
	got = c.GetMetricsForPeriod(history[3].Timestamp.Add(time.Hour), history[3].Timestamp.Add(2*time.Hour))
	assert.Empty(t, got)
}

func TestLatestAndLastUpdate(t *testing.T) {
	c := newTestCoordinator(t, newStubAdapter("alpha", 1.0, 0.25))

	_, ok := c.Latest()
	assert.False(t, ok)
	_, ok = c.LastUpdate()
	assert.False(t, ok)

	snapshot, err := c.PollAll(context.Background())
	require.NoError(t, err)

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.True(t, latest.Timestamp.Equal(snapshot.Timestamp))
}

func TestProtocolStatus(t *testing.T) {
	c := newTestCoordinator(t, newStubAdapter("alpha", 1.5, 0.4))

	status, err := c.ProtocolStatus(context.Background(), "alpha")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, status.EarningsPerHour, 1e-9)
	assert.InDelta(t, 0.4, status.Allocation, 1e-9)
	require.NotNil(t, status.Health)
	assert.True(t, status.Health.IsHealthy)

	_, err = c.ProtocolStatus(context.Background(), "missing")
	var coordErr *CoordinationError
	require.ErrorAs(t, err, &coordErr)
}
