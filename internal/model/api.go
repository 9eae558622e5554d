package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// OpenSessionRequest is the body of POST /v1/sessions.
type OpenSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
	TraceID    string `json:"trace_id,omitempty"`
}

// SetTraceRequest is the body of PUT /v1/sessions/{id}/trace.
type SetTraceRequest struct {
	TraceID string `json:"trace_id"`
}

// StartRunRequest is the body of POST /v1/sessions/{id}/runs.
type StartRunRequest struct {
	Inputs            map[string]string `json:"inputs"`
	ToolUserParams    map[string]any    `json:"tool_user_params,omitempty"`
	GenerationConfig  string            `json:"generation_config,omitempty"`
	UserMessage       string            `json:"user_message,omitempty"`
	ConversationTurns []ChatEntry       `json:"conversation_history,omitempty"`
}

// PostMessageRequest is the body of POST /v1/sessions/{id}/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Uptime   int64  `json:"uptime_seconds"`
}
