package api

import (
	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
)

// RegisterInstanceResponse is the response body for POST /api/v1/instances.
type RegisterInstanceResponse struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	ServerTime int64  `json:"server_time"` // Unix milliseconds
}

// ListInstancesResponse is the response body for GET /api/v1/instances.
type ListInstancesResponse struct {
	Instances []store.Instance `json:"instances"`
}

// InstanceMetricsResponse is the response body for
// GET /api/v1/instances/{id}/metrics without a rollup parameter.
type InstanceMetricsResponse struct {
	InstanceID string              `json:"instance_id"`
	Points     []store.MetricPoint `json:"points"`
}

// InstanceRollupResponse is the response body for
// GET /api/v1/instances/{id}/metrics?rollup=hourly|daily.
type InstanceRollupResponse struct {
	InstanceID  string            `json:"instance_id"`
	Granularity string            `json:"granularity"`
	Buckets     []store.RollupRow `json:"buckets"`
}

// InstanceHeartbeatsResponse is the response body for
// GET /api/v1/instances/{id}/heartbeats.
type InstanceHeartbeatsResponse struct {
	InstanceID string                 `json:"instance_id"`
	Heartbeats []store.HeartbeatPoint `json:"heartbeats"`
}

// LogQueryResponse is the response body for GET /api/v1/logs.
type LogQueryResponse struct {
	Total  int64            `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
	Logs   []store.LogEntry `json:"logs"`
}

// DispatchCommandRequest is the request body for
// POST /api/v1/instances/{id}/commands.
type DispatchCommandRequest struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Env       []string `json:"env,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// DispatchCommandResponse acknowledges an accepted command dispatch. The
// result arrives later on the instance's events stream.
type DispatchCommandResponse struct {
	CommandID  string `json:"command_id"`
	InstanceID string `json:"instance_id"`
}

// OpenSessionRequest is the request body for
// POST /api/v1/instances/{id}/sessions. All fields are optional.
type OpenSessionRequest struct {
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Shell string `json:"shell,omitempty"`
}

// OpenSessionResponse acknowledges an accepted terminal session request.
type OpenSessionResponse struct {
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`
}

// PresenceResponse is the response body for GET /api/v1/presence.
type PresenceResponse struct {
	Agents []channels.AgentPresence `json:"agents"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// ErrorResponse is the standard error envelope returned by every failing
// endpoint.
type ErrorResponse struct {
	ErrorType    string                 `json:"error_type"`
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Retryable    bool                   `json:"retryable"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// ErrorType constants for API errors.
const (
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeUnauthorized    = "unauthorized"
	ErrorTypeForbidden       = "forbidden"
	ErrorTypeRateLimited     = "rate_limited"
	ErrorTypeConflict        = "conflict"
	ErrorTypeInternal        = "internal"
)

// ErrorCode constants for specific error conditions.
const (
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeInstanceNotFound  = "INSTANCE_NOT_FOUND"
	ErrorCodeInstanceExists    = "INSTANCE_EXISTS"
	ErrorCodeEndpointNotFound  = "ENDPOINT_NOT_FOUND"
	ErrorCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrorCodeAgentNotConnected = "AGENT_NOT_CONNECTED"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
	ErrorCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
)

// NewInvalidRequestErrorResponse creates an error response for invalid requests.
func NewInvalidRequestErrorResponse(message string, details map[string]interface{}) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeInvalidRequest,
		ErrorMessage: message,
		Retryable:    false,
		Details:      details,
	}
}

// NewInstanceNotFoundErrorResponse creates an error response for an unknown
// instance id.
func NewInstanceNotFoundErrorResponse(instanceID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeNotFound,
		ErrorCode:    ErrorCodeInstanceNotFound,
		ErrorMessage: "Instance not found",
		Retryable:    false,
		Details: map[string]interface{}{
			"instance_id": instanceID,
		},
	}
}

// NewConflictErrorResponse creates an error response for a duplicate
// registration. Agents treat this as success.
func NewConflictErrorResponse(instanceID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeConflict,
		ErrorCode:    ErrorCodeInstanceExists,
		ErrorMessage: "Instance is already registered",
		Retryable:    false,
		Details: map[string]interface{}{
			"instance_id": instanceID,
		},
	}
}

// NewInternalErrorResponse creates an error response for internal errors.
func NewInternalErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInternal,
		ErrorCode:    ErrorCodeInternalError,
		ErrorMessage: message,
		Retryable:    true,
		Details:      nil,
	}
}
