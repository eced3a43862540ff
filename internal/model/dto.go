package model

import (
	"time"
)

// Envelope is the uniform success wrapper for all API responses.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEnvelope is the uniform failure wrapper.
type ErrorEnvelope struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReallocateRequest is the body of POST /api/v1/reallocate.
type ReallocateRequest struct {
	Allocation map[string]float64 `json:"allocation" binding:"required"`
	Reason     string             `json:"reason"`
}

// ReallocateResponse reports an executed (or no-op) reallocation.
type ReallocateResponse struct {
	Message string             `json:"message"`
	Changes []AllocationChange `json:"changes"`
}

// AllocationResponse is the body of GET /api/v1/allocation.
type AllocationResponse struct {
	CurrentAllocation    map[string]float64 `json:"current_allocation"`
	OptimalAllocation    map[string]float64 `json:"optimal_allocation"`
	EstimatedImprovement float64            `json:"estimated_improvement"`
	NetBenefit           float64            `json:"net_benefit"`
	ROIPercent           float64            `json:"roi_percent"`
	Confidence           float64            `json:"confidence"`
}

// OpportunitiesResponse is the body of GET /api/v1/opportunities.
type OpportunitiesResponse struct {
	Opportunities   []OptimizationOpportunity `json:"opportunities"`
	BestImprovement float64                   `json:"best_improvement"`
}

// MetricsHistoryResponse is the body of GET /api/v1/metrics/history.
type MetricsHistoryResponse struct {
	Metrics    []AggregatedMetrics `json:"metrics"`
	TotalCount int                 `json:"total_count"`
}

// AlertsResponse is the body of GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts        []Alert `json:"alerts"`
	TotalCount    int     `json:"total_count"`
	CriticalCount int     `json:"critical_count"`
}

// AcknowledgeAlertRequest addresses a single alert by its timestamp.
type AcknowledgeAlertRequest struct {
	Timestamp time.Time `json:"timestamp" binding:"required"`
}

// CreateApiKeyRequest is the body of POST /api/v1/admin/keys.
type CreateApiKeyRequest struct {
	Name               string   `json:"name" binding:"required"`
	Description        string   `json:"description"`
	ExpiresInDays      *int     `json:"expires_in_days"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute"`
	Permissions        []string `json:"permissions"`
}

// CreateApiKeyResponse carries the plaintext key. This is the only place
// the plaintext ever appears.
type CreateApiKeyResponse struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`
	ApiKey
}

// UpdateApiKeyRequest is the body of PUT /api/v1/admin/keys/:id.
type UpdateApiKeyRequest struct {
	Name               *string  `json:"name"`
	Description        *string  `json:"description"`
	IsActive           *bool    `json:"is_active"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute"`
	Permissions        []string `json:"permissions"`
	ExpiresInDays      *int     `json:"expires_in_days"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Service       string     `json:"service"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Protocols     []string   `json:"protocols"`
	LastPoll      *time.Time `json:"last_poll,omitempty"`
	Host          HostInfo   `json:"host"`
}

// HostInfo is the operator host resource block in the status response.
type HostInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
}

// WsClientMessage is a frame received from a WebSocket client.
type WsClientMessage struct {
	Type     string  `json:"type"`
	Protocol *string `json:"protocol"`
}

// WsMetricsUpdate is the periodic metrics push frame.
type WsMetricsUpdate struct {
	Type    string            `json:"type"`
	Metrics AggregatedMetrics `json:"metrics"`
}

// WsAlertNotification is pushed once per newly raised alert.
type WsAlertNotification struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

// WsPong answers a client Ping.
type WsPong struct {
	Type string `json:"type"`
}
