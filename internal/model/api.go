package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error codes returned in API error responses.
const (
	ErrCodeInvalidInput    = "invalid_input"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternalError   = "internal_error"
	ErrCodePayloadTooLarge = "payload_too_large"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthTokenRequest asks for a development token. Only served when dev auth
// is enabled.
type AuthTokenRequest struct {
	TenantID uuid.UUID `json:"tenantId"`
	UserID   string    `json:"userId"`
}

type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRunRequest starts a new run.
type CreateRunRequest struct {
	Input       string          `json:"input,omitempty"`
	Model       string          `json:"model,omitempty"`
	Interactive bool            `json:"interactive,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// SendMessageRequest adds a user message to a run.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// CancelRunRequest cancels a run.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResolveApprovalRequest applies a human decision to a pending approval.
type ResolveApprovalRequest struct {
	Decision   Decision        `json:"decision"`
	EditedArgs json.RawMessage `json:"editedArgs,omitempty"`
}

// ListRunsResponse is a paginated run listing.
type ListRunsResponse struct {
	Runs  []RunSummary `json:"runs"`
	Total int          `json:"total"`
	Skip  int          `json:"skip"`
	Take  int          `json:"take"`
}

// ListEventsResponse is a page of a run's event log.
type ListEventsResponse struct {
	Events       []Event `json:"events"`
	NextSequence int64   `json:"nextSequence"`
	HasMore      bool    `json:"hasMore"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
