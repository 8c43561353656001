package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending            RunStatus = "pending"
	RunStatusRunning            RunStatus = "running"
	RunStatusWaitingForApproval RunStatus = "waiting_for_approval"
	RunStatusWaitingInput       RunStatus = "waiting_input"
	RunStatusCompleted          RunStatus = "completed"
	RunStatusFailed             RunStatus = "failed"
	RunStatusCancelled          RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RiskTier classifies how dangerous a tool call is.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// RequiresApproval reports whether a tool call at this tier must be gated
// behind a human decision before executing.
func (r RiskTier) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// MessageRole distinguishes who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one conversation turn, ordered by event sequence.
type Message struct {
	ID         uuid.UUID   `json:"id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	TokenCount int64       `json:"tokenCount,omitempty"`
	Sequence   int64       `json:"sequence"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
)

// Step groups the tool calls and model calls of one orchestration turn.
type Step struct {
	ID        uuid.UUID  `json:"id"`
	Kind      string     `json:"kind,omitempty"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
}

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusError     ToolCallStatus = "error"
	ToolCallStatusCancelled ToolCallStatus = "cancelled"
)

// ToolCall is a single invocation of a tool within a step.
type ToolCall struct {
	ID         uuid.UUID       `json:"id"`
	StepID     *uuid.UUID      `json:"stepId,omitempty"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	RiskTier   RiskTier        `json:"riskTier"`
	Status     ToolCallStatus  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ApprovalID *uuid.UUID      `json:"approvalId,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
}

// ApprovalStatus is the two-state approval machine. Pending → Resolved,
// terminal; a second resolution must fail.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusResolved ApprovalStatus = "resolved"
)

// Decision is the human verdict on a pending approval.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionEditApprove Decision = "edit_approve"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEditApprove:
		return true
	}
	return false
}

// Approval gates exactly one tool call behind a human decision.
type Approval struct {
	ID           uuid.UUID       `json:"id"`
	RunID        uuid.UUID       `json:"runId"`
	StepID       *uuid.UUID      `json:"stepId,omitempty"`
	ToolCallID   uuid.UUID       `json:"toolCallId"`
	ToolName     string          `json:"toolName"`
	OriginalArgs json.RawMessage `json:"originalArgs,omitempty"`
	RiskTier     RiskTier        `json:"riskTier"`
	Summary      string          `json:"summary,omitempty"`
	Status       ApprovalStatus  `json:"status"`
	Decision     Decision        `json:"decision,omitempty"`
	EditedArgs   json.RawMessage `json:"editedArgs,omitempty"`
	ResolvedBy   string          `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// EffectiveArgs returns the args the tool call should execute with: the
// edited args for an edit-approve decision, the originals otherwise.
func (a Approval) EffectiveArgs() json.RawMessage {
	if a.Decision == DecisionEditApprove && len(a.EditedArgs) > 0 {
		return a.EditedArgs
	}
	return a.OriginalArgs
}

// RunState is the projected current state of a run: a pure fold of its
// event stream, ordered by sequence. Never the source of truth.
type RunState struct {
	ID                 uuid.UUID  `json:"id"`
	TenantID           uuid.UUID  `json:"tenantId"`
	UserID             string     `json:"userId"`
	Status             RunStatus  `json:"status"`
	Messages           []Message  `json:"messages"`
	Steps              []Step     `json:"steps"`
	ToolCalls          []ToolCall `json:"toolCalls"`
	Approvals          []Approval `json:"approvals"`
	HasPendingApproval bool       `json:"hasPendingApproval"`
	Interactive        bool       `json:"interactive,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	TotalTokens        int64      `json:"totalTokens"`
	CreatedAt          time.Time  `json:"createdAt"`

	// LastSequence is the sequence of the last event folded into this
	// snapshot. It doubles as the optimistic version for work dispatch.
	LastSequence int64 `json:"lastSequence"`
}

// ToolCallByID returns a pointer into ToolCalls, or nil.
func (s *RunState) ToolCallByID(id uuid.UUID) *ToolCall {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ID == id {
			return &s.ToolCalls[i]
		}
	}
	return nil
}

// ApprovalByID returns a pointer into Approvals, or nil.
func (s *RunState) ApprovalByID(id uuid.UUID) *Approval {
	for i := range s.Approvals {
		if s.Approvals[i].ID == id {
			return &s.Approvals[i]
		}
	}
	return nil
}

// PendingApprovalCount recounts approvals still awaiting a decision.
func (s *RunState) PendingApprovalCount() int {
	n := 0
	for i := range s.Approvals {
		if s.Approvals[i].Status == ApprovalStatusPending {
			n++
		}
	}
	return n
}

// RunSummary is one row of the maintained runs projection table, used for
// listing without scanning the event log.
type RunSummary struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenantId"`
	UserID           string     `json:"userId"`
	Status           RunStatus  `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	MessageCount     int        `json:"messageCount"`
	StepCount        int        `json:"stepCount"`
	FirstUserMessage string     `json:"firstUserMessage,omitempty"`
	LastSequence     int64      `json:"lastSequence"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
