package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkType tells a worker what the next unit of work for a run is.
type WorkType string

const (
	WorkOrchestrateRun  WorkType = "orchestrate_run"
	WorkContinueRun     WorkType = "continue_run"
	WorkExecuteLlmCall  WorkType = "execute_llm_call"
	WorkExecuteToolCall WorkType = "execute_tool_call"
	WorkProcessApproval WorkType = "process_approval"
)

// Worker role queue names. One durable queue per worker role; each is paired
// with the shared dead-letter table.
const (
	QueueOrchestrator = "orchestrator"
	QueueModelGateway = "model_gateway"
	QueueToolExecutor = "tool_executor"
)

// Queue derives the destination queue from the work type. This is the
// routing key of the dispatch layer; it is deterministic and total.
func (w WorkType) Queue() (string, error) {
	switch w {
	case WorkOrchestrateRun, WorkContinueRun, WorkProcessApproval:
		return QueueOrchestrator, nil
	case WorkExecuteLlmCall:
		return QueueModelGateway, nil
	case WorkExecuteToolCall:
		return QueueToolExecutor, nil
	default:
		return "", fmt.Errorf("model: no queue for work type %q", w)
	}
}

// WorkItem is the transient dispatch envelope carried by the work queue.
// Its only durability guarantee comes from the broker; it is deleted on ack.
type WorkItem struct {
	ID            uuid.UUID       `json:"id"`
	RunID         uuid.UUID       `json:"runId"`
	TenantID      uuid.UUID       `json:"tenantId"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	Type          WorkType        `json:"workType"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Broker-assigned delivery metadata, zero on publish.
	Attempts   int       `json:"attempts,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}

// NewWorkItem builds a work item with a fresh id.
func NewWorkItem(runID, tenantID, correlationID uuid.UUID, workType WorkType, payload any) WorkItem {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("model: marshal work payload: " + err.Error())
		}
		data = b
	}
	return WorkItem{
		ID:            uuid.New(),
		RunID:         runID,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Type:          workType,
		Payload:       data,
	}
}

// ExecuteLlmCallPayload is the variant payload for execute_llm_call items.
type ExecuteLlmCallPayload struct {
	StepID *uuid.UUID `json:"stepId,omitempty"`
	Model  string     `json:"model,omitempty"`
}

// ExecuteToolCallPayload is the variant payload for execute_tool_call items.
type ExecuteToolCallPayload struct {
	ToolCallID uuid.UUID       `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ProcessApprovalPayload is the variant payload for process_approval items.
type ProcessApprovalPayload struct {
	ApprovalID uuid.UUID `json:"approvalId"`
}
