package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GoDePIN/orchgate/internal/coordinator"
	"github.com/GoDePIN/orchgate/internal/middleware"
	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/monitor"
	"github.com/GoDePIN/orchgate/internal/optimizer"
	"github.com/GoDePIN/orchgate/internal/protocol"
	"github.com/GoDePIN/orchgate/internal/realloc"
	"github.com/GoDePIN/orchgate/internal/repository"
	"github.com/GoDePIN/orchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter drives the API tests with deterministic rates.
type stubAdapter struct {
	mu        sync.Mutex
	name      string
	rate      float64
	fraction  float64
	failApply bool
}

func newStubAdapter(name string, rate, fraction float64) *stubAdapter {
	return &stubAdapter{name: name, rate: rate, fraction: fraction}
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) Bounds() protocol.Bounds { return protocol.Bounds{Min: 0.1, Max: 0.6} }

func (s *stubAdapter) Connect(context.Context) error    { return nil }
func (s *stubAdapter) Disconnect(context.Context) error { return nil }

func (s *stubAdapter) ConnectionStatus() model.ConnectionStatus {
	return model.ConnectionStatus{State: model.StateConnected}
}

func (s *stubAdapter) GetCurrentEarnings(context.Context) (model.EarningsData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.EarningsData{Timestamp: time.Now(), HourlyRate: s.rate}, nil
}

func (s *stubAdapter) GetHistoricalEarnings(context.Context, int) ([]model.EarningsData, error) {
	return nil, nil
}

func (s *stubAdapter) GetResourceUsage(context.Context) (model.ResourceMetrics, error) {
	return model.ResourceMetrics{CPUPercent: 10}, nil
}

func (s *stubAdapter) ApplyAllocation(_ context.Context, strategy model.AllocationStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failApply {
		return &protocol.Error{Kind: protocol.KindAllocation, Message: "injected failure"}
	}
	s.fraction = strategy.Fraction()
	return nil
}

func (s *stubAdapter) GetCurrentAllocation(context.Context) (model.AllocationStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Uniform(s.fraction, 5), nil
}

func (s *stubAdapter) HealthCheck(context.Context) (model.HealthStatus, error) {
	return model.HealthStatus{IsHealthy: true, LastCheck: time.Now()}, nil
}

func (s *stubAdapter) DescribeConfig() map[string]any { return nil }

// memKeyRepo is the in-memory key store for API tests.
type memKeyRepo struct {
	mu     sync.Mutex
	nextID int64
	keys   map[int64]*model.ApiKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[int64]*model.ApiKey)}
}

func (r *memKeyRepo) Create(_ context.Context, k *model.ApiKey) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	clone := *k
	clone.ID = r.nextID
	r.keys[clone.ID] = &clone
	return clone.ID, nil
}

func (r *memKeyRepo) ListActive(_ context.Context, now time.Time) ([]*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ApiKey
	for _, k := range r.keys {
		if k.IsActive && !k.Expired(now) {
			clone := *k
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memKeyRepo) List(_ context.Context) ([]*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ApiKey
	for _, k := range r.keys {
		clone := *k
		out = append(out, &clone)
	}
	return out, nil
}

func (r *memKeyRepo) GetByID(_ context.Context, id int64) (*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[id]; ok {
		clone := *k
		return &clone, nil
	}
	return nil, repository.ErrKeyNotFound
}

func (r *memKeyRepo) Update(_ context.Context, k *model.ApiKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[k.ID]; !ok {
		return repository.ErrKeyNotFound
	}
	clone := *k
	r.keys[k.ID] = &clone
	return nil
}

func (r *memKeyRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[id]; !ok {
		return repository.ErrKeyNotFound
	}
	delete(r.keys, id)
	return nil
}

func (r *memKeyRepo) TouchLastUsed(context.Context, int64, time.Time) error { return nil }

type testAPI struct {
	router   *gin.Engine
	orch     *service.Orchestrator
	stubs    map[string]*stubAdapter
	km       *service.KeyManager
	adminKey string
}

// newTestAPI assembles the full stack the way cmd/server does, minus
// persistence, with four deterministic protocols.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stubs := map[string]*stubAdapter{
		"alpha":   newStubAdapter("alpha", 1.0, 0.25),
		"bravo":   newStubAdapter("bravo", 2.0, 0.25),
		"charlie": newStubAdapter("charlie", 0.5, 0.25),
		"delta":   newStubAdapter("delta", 0.5, 0.25),
	}

	coord := coordinator.New(coordinator.Config{MaxHistory: 100})
	for _, s := range stubs {
		require.NoError(t, coord.Register(s))
	}

	engine := realloc.New(realloc.Config{
		MinHoldDuration: time.Hour,
		MaxPerHour:      4,
		AutoRollback:    true,
	}, coord.Adapters(), nil)
	mon := monitor.New(monitor.Config{}, engine, nil)
	engine.SetAlertSink(mon)
	opt := optimizer.New(optimizer.Config{})

	orch := service.NewOrchestrator(service.SchedulerConfig{PollInterval: time.Hour},
		coord, opt, engine, mon, nil)

	km := service.NewKeyManager(newMemKeyRepo())
	adminKey, _, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{
		Name:        "admin",
		Permissions: []string{model.PermRead, model.PermWrite, model.PermAdmin, model.PermDelete},
	})
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.ErrorHandler())

	systemHandler := NewSystemHandler(orch)
	metricsHandler := NewMetricsHandler(orch)
	allocationHandler := NewAllocationHandler(orch, nil)
	dashboardHandler := NewDashboardHandler(orch)
	alertsHandler := NewAlertsHandler(orch)
	adminHandler := NewAdminHandler(km)

	v1 := r.Group("/api/v1")
	v1.GET("/health", systemHandler.Health)
	v1.GET("/status", systemHandler.Status)

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(km))
	protected.Use(middleware.RateLimitMiddleware(km))
	read := middleware.RequirePermission(model.PermRead)
	write := middleware.RequirePermission(model.PermWrite)
	admin := middleware.RequirePermission(model.PermAdmin)
	protected.GET("/metrics", read, metricsHandler.GetMetrics)
	protected.GET("/metrics/history", read, metricsHandler.GetMetricsHistory)
	protected.GET("/opportunities", read, allocationHandler.GetOpportunities)
	protected.GET("/allocation", read, allocationHandler.GetAllocation)
	protected.POST("/reallocate", write, allocationHandler.Reallocate)
	protected.GET("/reallocation/history", read, allocationHandler.GetReallocationHistory)
	protected.GET("/dashboard", read, dashboardHandler.GetDashboard)
	protected.GET("/alerts", read, alertsHandler.GetAlerts)
	protected.POST("/alerts/acknowledge", write, alertsHandler.AcknowledgeAlert)
	protected.POST("/admin/keys", admin, adminHandler.CreateKey)
	protected.GET("/admin/keys", admin, adminHandler.ListKeys)
	protected.DELETE("/admin/keys/:id",
		middleware.RequirePermission(model.PermAdmin, model.PermDelete),
		adminHandler.DeleteKey)

	return &testAPI{router: r, orch: orch, stubs: stubs, km: km, adminKey: adminKey}
}

func (api *testAPI) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.HeaderApiKey, key)
	}
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success   bool           `json:"success"`
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	require.False(t, envelope.Timestamp.IsZero())
	return envelope.Data
}

func TestColdStart(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "healthy", data["status"])

	// No poll has happened yet.
	w = api.do(t, http.MethodGet, "/api/v1/metrics", api.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NO_DATA")
}

func TestMetricsAfterPoll(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	w := api.do(t, http.MethodGet, "/api/v1/metrics", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.InDelta(t, 4.0, data["total_earnings_per_hour"].(float64), 1e-9)
	assert.Len(t, data["earnings_by_protocol"].(map[string]any), 4)
}

func TestOpportunitiesEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	w := api.do(t, http.MethodGet, "/api/v1/opportunities?limit=5", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)

	opportunities := data["opportunities"].([]any)
	require.NotEmpty(t, opportunities)
	best := opportunities[0].(map[string]any)
	assert.Equal(t, "bravo", best["to_protocol"])
	assert.Contains(t, []string{"alpha", "charlie", "delta"}, best["from_protocol"])
	assert.Greater(t, best["earnings_improvement"].(float64), 0.0)
}

func TestOptimalAllocationEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	w := api.do(t, http.MethodGet, "/api/v1/allocation", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)

	optimal := data["optimal_allocation"].(map[string]any)
	assert.InDelta(t, 0.6, optimal["bravo"].(float64), model.FractionTolerance)
	assert.InDelta(t, 0.2, optimal["alpha"].(float64), model.FractionTolerance)
	assert.InDelta(t, 0.1, optimal["charlie"].(float64), model.FractionTolerance)
	assert.InDelta(t, 0.1, optimal["delta"].(float64), model.FractionTolerance)
}

func TestReallocateRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	body := model.ReallocateRequest{
		Allocation: map[string]float64{"alpha": 0.2, "bravo": 0.6, "charlie": 0.1, "delta": 0.1},
		Reason:     "test shift",
	}
	w := api.do(t, http.MethodPost, "/api/v1/reallocate", api.adminKey, body)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Len(t, data["changes"].([]any), 4)

	// Round-trip: the applied fractions come back bit-for-bit.
	for name, want := range body.Allocation {
		got, err := api.stubs[name].GetCurrentAllocation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got.Fraction(), name)
	}

	// Identical resubmission is a no-op, not a 429.
	w = api.do(t, http.MethodPost, "/api/v1/reallocate", api.adminKey, body)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeData(t, w)
	assert.Empty(t, data["changes"])

	// A different plan inside the hold window is rejected with 429.
	body.Allocation = map[string]float64{"alpha": 0.3, "bravo": 0.5, "charlie": 0.1, "delta": 0.1}
	w = api.do(t, http.MethodPost, "/api/v1/reallocate", api.adminKey, body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "CANNOT_REALLOCATE")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestReallocateRejectsBadSum(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	body := model.ReallocateRequest{
		Allocation: map[string]float64{"alpha": 0.5, "bravo": 0.2, "charlie": 0.1, "delta": 0.1},
	}
	w := api.do(t, http.MethodPost, "/api/v1/reallocate", api.adminKey, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_ALLOCATION")
}

func TestReallocateRollback(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())
	api.stubs["bravo"].failApply = true

	body := model.ReallocateRequest{
		Allocation: map[string]float64{"alpha": 0.2, "bravo": 0.6, "charlie": 0.1, "delta": 0.1},
	}
	w := api.do(t, http.MethodPost, "/api/v1/reallocate", api.adminKey, body)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "REALLOCATION_ERROR")
	assert.Contains(t, w.Body.String(), "restored")

	// alpha was rolled back, no audit rows were written.
	got, _ := api.stubs["alpha"].GetCurrentAllocation(context.Background())
	assert.InDelta(t, 0.25, got.Fraction(), model.FractionTolerance)

	w = api.do(t, http.MethodGet, "/api/v1/reallocation/history", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeData(t, w)["changes"])

	// The failure raised a ReallocationFailed alert at severity >= 0.9.
	w = api.do(t, http.MethodGet, "/api/v1/alerts", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decodeData(t, w)["alerts"].([]any)
	require.NotEmpty(t, alerts)
	found := false
	for _, raw := range alerts {
		alert := raw.(map[string]any)
		if alert["kind"] == string(model.AlertReallocationFailed) {
			found = true
			assert.GreaterOrEqual(t, alert["severity"].(float64), 0.9)
		}
	}
	assert.True(t, found)
}

func TestDashboardEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.orch.Tick(context.Background())

	w := api.do(t, http.MethodGet, "/api/v1/dashboard", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.InDelta(t, 4.0, data["total_earnings_per_hour"].(float64), 1e-9)
	assert.Contains(t, data, "optimal_allocation")
	assert.Contains(t, data, "next_reallocation_in_seconds")
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	api := newTestAPI(t)
	body := model.AcknowledgeAlertRequest{Timestamp: time.Now().UTC()}
	w := api.do(t, http.MethodPost, "/api/v1/alerts/acknowledge", api.adminKey, body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	api := newTestAPI(t)

	// Unauthenticated admin access is rejected.
	w := api.do(t, http.MethodGet, "/api/v1/admin/keys", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// The bootstrap key lists itself.
	w = api.do(t, http.MethodGet, "/api/v1/admin/keys", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys := decodeData(t, w)["keys"].([]any)
	require.NotEmpty(t, keys)

	// Create a read-only key; the response carries the plaintext.
	w = api.do(t, http.MethodPost, "/api/v1/admin/keys", api.adminKey, model.CreateApiKeyRequest{
		Name:        "reader",
		Permissions: []string{model.PermRead},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeData(t, w)
	readerKey := created["key"].(string)
	assert.NotEmpty(t, readerKey)

	// The read-only key cannot reallocate.
	w = api.do(t, http.MethodPost, "/api/v1/reallocate", readerKey, model.ReallocateRequest{
		Allocation: map[string]float64{"alpha": 1.0},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// But it can read.
	api.orch.Tick(context.Background())
	w = api.do(t, http.MethodGet, "/api/v1/metrics", readerKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsHistoryEndpoint(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < 3; i++ {
		api.orch.Tick(context.Background())
	}

	w := api.do(t, http.MethodGet, "/api/v1/metrics/history?hours=24&limit=2", api.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.InDelta(t, 2, data["total_count"].(float64), 0)

	w = api.do(t, http.MethodGet, "/api/v1/metrics/history?hours=bogus", api.adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailureEnvelopeShape(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/metrics", api.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var envelope model.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "NO_DATA", envelope.Error)
	assert.NotEmpty(t, envelope.Message)
	assert.False(t, envelope.Timestamp.IsZero())
}
