// Package model defines the core domain types for Loom.
//
// Types correspond directly to database tables and wire payloads. The event
// log is the single source of truth; everything else (run state, run
// summaries, the approvals table) is a derived, rebuildable projection.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the discriminated tag of a domain event. Tags use dot
// notation on the wire (`run.started`, `tool.call.requested`, ...).
type EventType string

const (
	// Run lifecycle events.
	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"
	EventRunWaitingInput EventType = "run.waiting_input"

	// Message events.
	EventUserMessageCreated      EventType = "message.user.created"
	EventAssistantMessageCreated EventType = "message.assistant.created"

	// Step events.
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"

	// Model call events.
	EventLlmCallStarted   EventType = "llm.call.started"
	EventLlmCallCompleted EventType = "llm.call.completed"
	EventLlmDelta         EventType = "llm.delta"

	// Tool events.
	EventToolCallRequested EventType = "tool.call.requested"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventToolCallError     EventType = "tool.call.error"

	// Approval events.
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
)

// Event is an immutable fact in the append-only run log.
// Source of truth. Never mutated or deleted.
type Event struct {
	// Sequence is the store-assigned global position. Strictly increasing
	// and gap-free per store instance; assigned only at commit time.
	Sequence int64 `json:"sequence"`

	// ID is the client-assigned idempotency key, unique store-wide.
	ID uuid.UUID `json:"id"`

	RunID         uuid.UUID       `json:"runId"`
	StepID        *uuid.UUID      `json:"stepId,omitempty"`
	Type          EventType       `json:"eventType"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	CausationID   *uuid.UUID      `json:"causationId,omitempty"`
	TenantID      uuid.UUID       `json:"tenantId"`

	// Timestamp is event-time, supplied by the producer. Ordering-sensitive
	// logic must never key off it; sequence is the only order.
	Timestamp time.Time `json:"timestamp"`
	StoredAt  time.Time `json:"storedAt"`
}

// EventInput is a single event as submitted to Append, before the store
// assigns its sequence and stored_at.
type EventInput struct {
	ID            uuid.UUID       `json:"id"`
	RunID         uuid.UUID       `json:"runId"`
	StepID        *uuid.UUID      `json:"stepId,omitempty"`
	Type          EventType       `json:"eventType"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	CausationID   *uuid.UUID      `json:"causationId,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

// NewEventInput builds an input with a fresh idempotency key. Data is
// marshalled from the given payload; a marshal failure on the closed payload
// set is a programming error, so it panics.
func NewEventInput(runID uuid.UUID, eventType EventType, correlationID uuid.UUID, payload any) EventInput {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("model: marshal event payload: " + err.Error())
		}
		data = b
	}
	return EventInput{
		ID:            uuid.New(),
		RunID:         runID,
		Type:          eventType,
		Data:          data,
		CorrelationID: correlationID,
	}
}

// WithStep returns a copy of the input bound to a step.
func (in EventInput) WithStep(stepID uuid.UUID) EventInput {
	in.StepID = &stepID
	return in
}

// WithID returns a copy of the input carrying a caller-chosen idempotency
// key instead of the generated one.
func (in EventInput) WithID(id uuid.UUID) EventInput {
	in.ID = id
	return in
}

// DeterministicID derives a stable UUID from a scope id and a label. Workers
// use it to give redelivered work the same event ids, so the idempotent
// append absorbs a replay instead of recording the outcome twice.
func DeterministicID(scope uuid.UUID, label string) uuid.UUID {
	return uuid.NewSHA1(scope, []byte(label))
}

// WithCausation returns a copy of the input recording the triggering event.
func (in EventInput) WithCausation(causationID uuid.UUID) EventInput {
	in.CausationID = &causationID
	return in
}
