package projector_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/projector"
)

type eventBuilder struct {
	runID    uuid.UUID
	tenantID uuid.UUID
	seq      int64
	events   []model.Event
}

func newEventBuilder() *eventBuilder {
	return &eventBuilder{runID: uuid.New(), tenantID: uuid.New()}
}

func (b *eventBuilder) add(eventType model.EventType, stepID *uuid.UUID, payload any) *eventBuilder {
	b.seq++
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		data = raw
	}
	b.events = append(b.events, model.Event{
		Sequence:      b.seq,
		ID:            uuid.New(),
		RunID:         b.runID,
		StepID:        stepID,
		Type:          eventType,
		Data:          data,
		CorrelationID: uuid.New(),
		TenantID:      b.tenantID,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, int(b.seq), time.UTC),
	})
	return b
}

func TestReduceEmptyStream(t *testing.T) {
	state, unknown, err := projector.Reduce(nil)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Empty(t, unknown)
}

func TestReduceRunLifecycle(t *testing.T) {
	stepID := uuid.New()
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "alice", Input: "summarize the report"}).
		add(model.EventUserMessageCreated, nil, model.MessageCreatedPayload{MessageID: uuid.New(), Content: "summarize the report"}).
		add(model.EventStepStarted, &stepID, model.StepStartedPayload{Kind: "model_turn"}).
		add(model.EventLlmCallStarted, &stepID, model.LlmCallStartedPayload{Model: "gpt-4o-mini"}).
		add(model.EventLlmCallCompleted, &stepID, model.LlmCallCompletedPayload{Model: "gpt-4o-mini", InputTokens: 120, OutputTokens: 40}).
		add(model.EventAssistantMessageCreated, &stepID, model.MessageCreatedPayload{MessageID: uuid.New(), Content: "Here is the summary."}).
		add(model.EventStepCompleted, &stepID, model.StepCompletedPayload{}).
		add(model.EventRunCompleted, nil, model.RunCompletedPayload{TotalTokens: 160})

	state, unknown, err := projector.Reduce(b.events)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, unknown)

	assert.Equal(t, b.runID, state.ID)
	assert.Equal(t, b.tenantID, state.TenantID)
	assert.Equal(t, "alice", state.UserID)
	assert.Equal(t, model.RunStatusCompleted, state.Status)
	assert.Equal(t, int64(8), state.LastSequence)
	assert.Equal(t, int64(160), state.TotalTokens)

	require.Len(t, state.Messages, 2)
	assert.Equal(t, model.RoleUser, state.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, int64(2), state.Messages[0].Sequence)

	require.Len(t, state.Steps, 1)
	assert.Equal(t, model.StepStatusCompleted, state.Steps[0].Status)
	assert.Equal(t, "model_turn", state.Steps[0].Kind)
}

func TestReduceIsDeterministic(t *testing.T) {
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "bob", Input: "hi"}).
		add(model.EventUserMessageCreated, nil, model.MessageCreatedPayload{MessageID: uuid.New(), Content: "hi"}).
		add(model.EventRunCompleted, nil, model.RunCompletedPayload{})

	first, _, err := projector.Reduce(b.events)
	require.NoError(t, err)
	second, _, err := projector.Reduce(b.events)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(secondJSON))
}

func TestReduceSkipsUnknownEventTypes(t *testing.T) {
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "carol"}).
		add(model.EventType("run.archived"), nil, map[string]any{"reason": "future"}).
		add(model.EventRunCompleted, nil, model.RunCompletedPayload{})

	state, unknown, err := projector.Reduce(b.events)
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, []model.EventType{"run.archived"}, unknown)
	assert.Equal(t, model.RunStatusCompleted, state.Status)
	// The skipped event still advances the fold position.
	assert.Equal(t, int64(3), state.LastSequence)
}

func TestReduceTerminalStatusIsSticky(t *testing.T) {
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "dave"}).
		add(model.EventRunCancelled, nil, model.RunCancelledPayload{CancelledBy: "dave"}).
		add(model.EventRunCompleted, nil, model.RunCompletedPayload{}).
		add(model.EventRunFailed, nil, model.RunFailedPayload{Error: "late failure"})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, state.Status)
	assert.Empty(t, state.LastError)
	assert.Equal(t, int64(4), state.LastSequence)
}

func TestReduceToolCallLifecycle(t *testing.T) {
	stepID := uuid.New()
	toolCallID := uuid.New()
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "erin"}).
		add(model.EventStepStarted, &stepID, model.StepStartedPayload{Kind: "model_turn"}).
		add(model.EventToolCallRequested, &stepID, model.ToolCallRequestedPayload{
			ToolCallID: toolCallID,
			ToolName:   "web_search",
			Args:       json.RawMessage(`{"query":"golang"}`),
			RiskTier:   model.RiskLow,
		}).
		add(model.EventToolCallStarted, &stepID, model.ToolCallStartedPayload{ToolCallID: toolCallID}).
		add(model.EventToolCallCompleted, &stepID, model.ToolCallCompletedPayload{
			ToolCallID: toolCallID,
			Result:     json.RawMessage(`{"hits":3}`),
			DurationMs: 42,
		})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)

	tc := state.ToolCallByID(toolCallID)
	require.NotNil(t, tc)
	assert.Equal(t, model.ToolCallStatusCompleted, tc.Status)
	assert.Equal(t, "web_search", tc.ToolName)
	assert.JSONEq(t, `{"hits":3}`, string(tc.Result))
	assert.NotNil(t, tc.StartedAt)
	assert.Equal(t, model.RunStatusRunning, state.Status)
}

func TestReduceToolCallRejection(t *testing.T) {
	toolCallID := uuid.New()
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "erin"}).
		add(model.EventToolCallRequested, nil, model.ToolCallRequestedPayload{
			ToolCallID: toolCallID, ToolName: "delete_account", RiskTier: model.RiskCritical,
		}).
		add(model.EventToolCallError, nil, model.ToolCallErrorPayload{
			ToolCallID: toolCallID, Error: "rejected by erin", Cancelled: true,
		})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)

	tc := state.ToolCallByID(toolCallID)
	require.NotNil(t, tc)
	assert.Equal(t, model.ToolCallStatusCancelled, tc.Status)
	// A rejection is not a run-level error.
	assert.Empty(t, state.LastError)
}

func TestReduceApprovalFlow(t *testing.T) {
	stepID := uuid.New()
	toolCallID := uuid.New()
	approvalID := uuid.New()
	resolvedAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	expiresAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "frank"}).
		add(model.EventStepStarted, &stepID, model.StepStartedPayload{Kind: "model_turn"}).
		add(model.EventToolCallRequested, &stepID, model.ToolCallRequestedPayload{
			ToolCallID: toolCallID, ToolName: "send_email", RiskTier: model.RiskHigh,
			Args: json.RawMessage(`{"to":"x@example.com"}`),
		}).
		add(model.EventApprovalRequested, &stepID, model.ApprovalRequestedPayload{
			ApprovalID: approvalID, ToolCallID: toolCallID, ToolName: "send_email",
			RiskTier: model.RiskHigh, Args: json.RawMessage(`{"to":"x@example.com"}`),
			ExpiresAt: &expiresAt,
		})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaitingForApproval, state.Status)
	assert.True(t, state.HasPendingApproval)
	tc := state.ToolCallByID(toolCallID)
	require.NotNil(t, tc)
	require.NotNil(t, tc.ApprovalID)
	assert.Equal(t, approvalID, *tc.ApprovalID)
	pendingApproval := state.ApprovalByID(approvalID)
	require.NotNil(t, pendingApproval)
	require.NotNil(t, pendingApproval.ExpiresAt)
	assert.Equal(t, expiresAt, *pendingApproval.ExpiresAt)

	b.add(model.EventApprovalResolved, &stepID, model.ApprovalResolvedPayload{
		ApprovalID: approvalID, ToolCallID: toolCallID,
		Decision: model.DecisionEditApprove, EditedArgs: json.RawMessage(`{"to":"y@example.com"}`),
		ResolvedBy: "frank", ResolvedAt: resolvedAt,
	})

	state, _, err = projector.Reduce(b.events)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, state.Status)
	assert.False(t, state.HasPendingApproval)

	a := state.ApprovalByID(approvalID)
	require.NotNil(t, a)
	assert.Equal(t, model.ApprovalStatusResolved, a.Status)
	assert.Equal(t, model.DecisionEditApprove, a.Decision)
	assert.JSONEq(t, `{"to":"y@example.com"}`, string(a.EffectiveArgs()))
}

func TestReduceDuplicateResolutionIgnored(t *testing.T) {
	toolCallID := uuid.New()
	approvalID := uuid.New()
	now := time.Now().UTC()

	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{UserID: "grace"}).
		add(model.EventToolCallRequested, nil, model.ToolCallRequestedPayload{
			ToolCallID: toolCallID, ToolName: "transfer", RiskTier: model.RiskCritical,
		}).
		add(model.EventApprovalRequested, nil, model.ApprovalRequestedPayload{
			ApprovalID: approvalID, ToolCallID: toolCallID, ToolName: "transfer", RiskTier: model.RiskCritical,
		}).
		add(model.EventApprovalResolved, nil, model.ApprovalResolvedPayload{
			ApprovalID: approvalID, ToolCallID: toolCallID,
			Decision: model.DecisionApprove, ResolvedBy: "grace", ResolvedAt: now,
		}).
		add(model.EventApprovalResolved, nil, model.ApprovalResolvedPayload{
			ApprovalID: approvalID, ToolCallID: toolCallID,
			Decision: model.DecisionReject, ResolvedBy: "mallory", ResolvedAt: now,
		})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)

	a := state.ApprovalByID(approvalID)
	require.NotNil(t, a)
	assert.Equal(t, model.DecisionApprove, a.Decision)
	assert.Equal(t, "grace", a.ResolvedBy)
}

func TestReduceInteractiveWaitingInputWake(t *testing.T) {
	b := newEventBuilder().
		add(model.EventRunStarted, nil, model.RunStartedPayload{
			UserID: "heidi", Metadata: map[string]any{"interactive": true},
		}).
		add(model.EventRunWaitingInput, nil, model.RunWaitingInputPayload{})

	state, _, err := projector.Reduce(b.events)
	require.NoError(t, err)
	assert.True(t, state.Interactive)
	assert.Equal(t, model.RunStatusWaitingInput, state.Status)

	b.add(model.EventUserMessageCreated, nil, model.MessageCreatedPayload{
		MessageID: uuid.New(), Content: "also check the appendix",
	})

	state, _, err = projector.Reduce(b.events)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, state.Status)
	require.Len(t, state.Messages, 1)
}

func TestReduceMalformedPayloadFails(t *testing.T) {
	events := []model.Event{{
		Sequence:      1,
		ID:            uuid.New(),
		RunID:         uuid.New(),
		Type:          model.EventRunStarted,
		Data:          json.RawMessage(`{"userId":42}`),
		CorrelationID: uuid.New(),
		TenantID:      uuid.New(),
		Timestamp:     time.Now().UTC(),
	}}

	_, _, err := projector.Reduce(events)
	require.Error(t, err)
}
