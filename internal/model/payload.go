package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the decoded, typed form of an event's data field. One concrete
// struct per event type; DecodePayload maps the tag to its shape.
type Payload interface {
	eventType() EventType
}

// RunStartedPayload is the payload for run.started events.
type RunStartedPayload struct {
	UserID   string          `json:"userId"`
	Input    string          `json:"input,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Model    string          `json:"model,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// RunCompletedPayload is the payload for run.completed events.
type RunCompletedPayload struct {
	OutputSummary string `json:"outputSummary,omitempty"`
	TotalTokens   int64  `json:"totalTokens,omitempty"`
}

// RunFailedPayload is the payload for run.failed events.
type RunFailedPayload struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// RunCancelledPayload is the payload for run.cancelled events.
type RunCancelledPayload struct {
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelledBy,omitempty"`
}

// RunWaitingInputPayload is the payload for run.waiting_input events.
type RunWaitingInputPayload struct {
	Prompt string `json:"prompt,omitempty"`
}

// MessageCreatedPayload is the payload for message.user.created and
// message.assistant.created events.
type MessageCreatedPayload struct {
	MessageID  uuid.UUID `json:"messageId"`
	Content    string    `json:"content"`
	TokenCount int64     `json:"tokenCount,omitempty"`
}

// StepStartedPayload is the payload for step.started events.
type StepStartedPayload struct {
	Kind string `json:"kind,omitempty"`
}

// StepCompletedPayload is the payload for step.completed events.
type StepCompletedPayload struct{}

// LlmCallStartedPayload is the payload for llm.call.started events.
type LlmCallStartedPayload struct {
	Model string `json:"model"`
}

// LlmCallCompletedPayload is the payload for llm.call.completed events.
type LlmCallCompletedPayload struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
}

// LlmDeltaPayload is the payload for llm.delta streaming events.
type LlmDeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallRequestedPayload is the payload for tool.call.requested events.
type ToolCallRequestedPayload struct {
	ToolCallID uuid.UUID       `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	RiskTier   RiskTier        `json:"riskTier"`
}

// ToolCallStartedPayload is the payload for tool.call.started events.
type ToolCallStartedPayload struct {
	ToolCallID uuid.UUID `json:"toolCallId"`
}

// ToolCallCompletedPayload is the payload for tool.call.completed events.
type ToolCallCompletedPayload struct {
	ToolCallID uuid.UUID       `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// ToolCallErrorPayload is the payload for tool.call.error events. Cancelled
// reports a rejection/cancellation rather than an execution failure.
type ToolCallErrorPayload struct {
	ToolCallID uuid.UUID `json:"toolCallId"`
	Error      string    `json:"error"`
	Cancelled  bool      `json:"cancelled,omitempty"`
}

// ApprovalRequestedPayload is the payload for approval.requested events.
type ApprovalRequestedPayload struct {
	ApprovalID uuid.UUID       `json:"approvalId"`
	ToolCallID uuid.UUID       `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	RiskTier   RiskTier        `json:"riskTier"`
	Summary    string          `json:"summary,omitempty"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

// ApprovalResolvedPayload is the payload for approval.resolved events.
type ApprovalResolvedPayload struct {
	ApprovalID uuid.UUID       `json:"approvalId"`
	ToolCallID uuid.UUID       `json:"toolCallId"`
	Decision   Decision        `json:"decision"`
	EditedArgs json.RawMessage `json:"editedArgs,omitempty"`
	ResolvedBy string          `json:"resolvedBy"`
	ResolvedAt time.Time       `json:"resolvedAt"`
}

func (RunStartedPayload) eventType() EventType        { return EventRunStarted }
func (RunCompletedPayload) eventType() EventType      { return EventRunCompleted }
func (RunFailedPayload) eventType() EventType         { return EventRunFailed }
func (RunCancelledPayload) eventType() EventType      { return EventRunCancelled }
func (RunWaitingInputPayload) eventType() EventType   { return EventRunWaitingInput }
func (StepStartedPayload) eventType() EventType       { return EventStepStarted }
func (StepCompletedPayload) eventType() EventType     { return EventStepCompleted }
func (LlmCallStartedPayload) eventType() EventType    { return EventLlmCallStarted }
func (LlmCallCompletedPayload) eventType() EventType  { return EventLlmCallCompleted }
func (LlmDeltaPayload) eventType() EventType          { return EventLlmDelta }
func (ToolCallRequestedPayload) eventType() EventType { return EventToolCallRequested }
func (ToolCallStartedPayload) eventType() EventType   { return EventToolCallStarted }
func (ToolCallCompletedPayload) eventType() EventType { return EventToolCallCompleted }
func (ToolCallErrorPayload) eventType() EventType     { return EventToolCallError }
func (ApprovalRequestedPayload) eventType() EventType { return EventApprovalRequested }
func (ApprovalResolvedPayload) eventType() EventType  { return EventApprovalResolved }

// MessageCreatedPayload serves two tags; eventType reports the user variant
// and callers distinguish by the event's own tag.
func (MessageCreatedPayload) eventType() EventType { return EventUserMessageCreated }

// ErrUnknownEventType reports an event tag outside the closed payload set.
// Folds must treat it as ignorable for forward compatibility.
type ErrUnknownEventType struct {
	Type EventType
}

func (e ErrUnknownEventType) Error() string {
	return fmt.Sprintf("model: unknown event type %q", e.Type)
}

// DecodePayload decodes an event's data into its typed payload. Returns
// ErrUnknownEventType for tags this build does not know; the caller decides
// whether that is fatal (it is not for the projector fold).
func DecodePayload(e Event) (Payload, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	decode := func(p Payload) (Payload, error) {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("model: decode %s payload: %w", e.Type, err)
		}
		return p, nil
	}

	switch e.Type {
	case EventRunStarted:
		return decode(&RunStartedPayload{})
	case EventRunCompleted:
		return decode(&RunCompletedPayload{})
	case EventRunFailed:
		return decode(&RunFailedPayload{})
	case EventRunCancelled:
		return decode(&RunCancelledPayload{})
	case EventRunWaitingInput:
		return decode(&RunWaitingInputPayload{})
	case EventUserMessageCreated, EventAssistantMessageCreated:
		return decode(&MessageCreatedPayload{})
	case EventStepStarted:
		return decode(&StepStartedPayload{})
	case EventStepCompleted:
		return decode(&StepCompletedPayload{})
	case EventLlmCallStarted:
		return decode(&LlmCallStartedPayload{})
	case EventLlmCallCompleted:
		return decode(&LlmCallCompletedPayload{})
	case EventLlmDelta:
		return decode(&LlmDeltaPayload{})
	case EventToolCallRequested:
		return decode(&ToolCallRequestedPayload{})
	case EventToolCallStarted:
		return decode(&ToolCallStartedPayload{})
	case EventToolCallCompleted:
		return decode(&ToolCallCompletedPayload{})
	case EventToolCallError:
		return decode(&ToolCallErrorPayload{})
	case EventApprovalRequested:
		return decode(&ApprovalRequestedPayload{})
	case EventApprovalResolved:
		return decode(&ApprovalResolvedPayload{})
	default:
		return nil, ErrUnknownEventType{Type: e.Type}
	}
}
