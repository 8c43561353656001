package worker

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/llm"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/tools"
)

func TestLastSequence(t *testing.T) {
	assert.Equal(t, int64(12), lastSequence(nil, 12))
	assert.Equal(t, int64(9), lastSequence([]model.Event{
		{Sequence: 7}, {Sequence: 8}, {Sequence: 9},
	}, 12))
}

func TestApprovalForToolCall(t *testing.T) {
	toolCallID := uuid.New()
	state := &model.RunState{
		Approvals: []model.Approval{
			{ID: uuid.New(), ToolCallID: uuid.New()},
			{ID: uuid.New(), ToolCallID: toolCallID, Status: model.ApprovalStatusPending},
		},
	}

	a := approvalForToolCall(state, toolCallID)
	require.NotNil(t, a)
	assert.Equal(t, toolCallID, a.ToolCallID)

	assert.Nil(t, approvalForToolCall(state, uuid.New()))
}

func TestResolveStep(t *testing.T) {
	g := &ModelGateway{}
	open := uuid.New()
	done := uuid.New()
	state := &model.RunState{
		Steps: []model.Step{
			{ID: done, Status: model.StepStatusCompleted},
			{ID: open, Status: model.StepStatusRunning},
		},
	}

	// No preference: the open step wins.
	got := g.resolveStep(state, nil)
	require.NotNil(t, got)
	assert.Equal(t, open, *got)

	// Explicit match on the open step.
	got = g.resolveStep(state, &open)
	require.NotNil(t, got)
	assert.Equal(t, open, *got)

	// A completed step never resolves: the work is a duplicate delivery.
	assert.Nil(t, g.resolveStep(state, &done))

	assert.Nil(t, g.resolveStep(&model.RunState{}, nil))
}

func TestTurnScopeNumbersTurnsByToolCalls(t *testing.T) {
	stepID := uuid.New()
	otherStep := uuid.New()

	first := turnScope(&model.RunState{}, stepID)
	assert.Equal(t, first, turnScope(&model.RunState{}, stepID))
	assert.NotEqual(t, first, turnScope(&model.RunState{}, otherStep))

	// Tool calls bound to the step advance the turn; other steps' calls
	// and unbound calls do not.
	state := &model.RunState{ToolCalls: []model.ToolCall{
		{ID: uuid.New(), StepID: &stepID, Status: model.ToolCallStatusCompleted},
		{ID: uuid.New(), StepID: &otherStep, Status: model.ToolCallStatusCompleted},
		{ID: uuid.New(), Status: model.ToolCallStatusCompleted},
	}}
	second := turnScope(state, stepID)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, turnScope(state, stepID))
}

func TestTurnRecorded(t *testing.T) {
	stepID := uuid.New()
	otherStep := uuid.New()

	// No tool calls yet: the turn has not landed.
	assert.False(t, turnRecorded(&model.RunState{}, stepID))

	// An open tool call in the step marks the turn as recorded.
	assert.True(t, turnRecorded(&model.RunState{ToolCalls: []model.ToolCall{
		{ID: uuid.New(), StepID: &stepID, Status: model.ToolCallStatusPending},
	}}, stepID))
	assert.True(t, turnRecorded(&model.RunState{ToolCalls: []model.ToolCall{
		{ID: uuid.New(), StepID: &stepID, Status: model.ToolCallStatusRunning},
	}}, stepID))

	// All calls terminal: the previous turn is done and the next may run.
	assert.False(t, turnRecorded(&model.RunState{ToolCalls: []model.ToolCall{
		{ID: uuid.New(), StepID: &stepID, Status: model.ToolCallStatusCompleted},
		{ID: uuid.New(), StepID: &stepID, Status: model.ToolCallStatusError},
	}}, stepID))

	// Open calls in other steps do not mark this step's turn.
	assert.False(t, turnRecorded(&model.RunState{ToolCalls: []model.ToolCall{
		{ID: uuid.New(), StepID: &otherStep, Status: model.ToolCallStatusPending},
	}}, stepID))
}

func TestTurnEventsStableAcrossDeliveries(t *testing.T) {
	catalog, err := tools.ParseCatalog(nil)
	require.NoError(t, err)
	g := &ModelGateway{catalog: catalog}

	state := &model.RunState{ID: uuid.New(), TenantID: uuid.New()}
	stepID := uuid.New()
	scope := turnScope(state, stepID)
	correlationID := uuid.New()
	resp := &llm.Response{
		Content: "Looking that up.",
		ToolCalls: []llm.ToolRequest{
			{Name: "web_search", Args: json.RawMessage(`{"q":"weather"}`)},
			{Name: "calculator", Args: json.RawMessage(`{"expr":"1+1"}`)},
		},
		Model:        "gpt-4o-mini",
		OutputTokens: 12,
		StopReason:   "tool_calls",
	}

	first := g.turnEvents(state, stepID, scope, correlationID, resp)
	second := g.turnEvents(state, stepID, scope, correlationID, resp)

	require.Len(t, first, 4) // llm.call.completed, assistant message, two tool requests
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Type, second[i].Type)
	}

	// Distinct ids within the batch, and the requested tool call ids repeat
	// too, so a replayed batch rebinds to the same calls.
	seen := map[uuid.UUID]bool{}
	for _, ev := range first {
		assert.False(t, seen[ev.ID])
		seen[ev.ID] = true
	}
	var p1, p2 model.ToolCallRequestedPayload
	require.NoError(t, json.Unmarshal(first[2].Data, &p1))
	require.NoError(t, json.Unmarshal(second[2].Data, &p2))
	assert.Equal(t, p1.ToolCallID, p2.ToolCallID)

	// A different turn in the same step produces entirely new ids.
	otherScope := model.DeterministicID(stepID, "turn.1")
	other := g.turnEvents(state, stepID, otherScope, correlationID, resp)
	for i := range first {
		assert.NotEqual(t, first[i].ID, other[i].ID)
	}

	// A final text-only answer closes the step instead of requesting tools.
	final := g.turnEvents(state, stepID, scope, correlationID, &llm.Response{
		Content: "Done.", Model: "gpt-4o-mini", StopReason: "stop",
	})
	require.Len(t, final, 3)
	assert.Equal(t, model.EventStepCompleted, final[2].Type)
}

func TestRenderConversation(t *testing.T) {
	g := &ModelGateway{}
	state := &model.RunState{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "look up the weather"},
			{Role: model.RoleAssistant, Content: "Checking."},
		},
		ToolCalls: []model.ToolCall{
			{ToolName: "weather", Status: model.ToolCallStatusCompleted, Result: json.RawMessage(`{"temp":21}`)},
			{ToolName: "radar", Status: model.ToolCallStatusError, Error: "timeout"},
			{ToolName: "satellite", Status: model.ToolCallStatusPending},
		},
	}

	msgs := g.renderConversation(state)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Contains(t, msgs[2].Content, `[tool weather result]`)
	assert.Contains(t, msgs[2].Content, `{"temp":21}`)
	assert.Contains(t, msgs[3].Content, "[tool radar failed] timeout")
	// Pending tool calls are not replayed.
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "satellite")
	}
}

func TestDeltaFrameIsTransient(t *testing.T) {
	state := &model.RunState{ID: uuid.New(), TenantID: uuid.New()}
	stepID := uuid.New()

	frame := deltaFrame(state, stepID, uuid.New(), "chunk")

	assert.Equal(t, int64(0), frame.Sequence)
	assert.Equal(t, model.EventLlmDelta, frame.Type)
	assert.Equal(t, state.ID, frame.RunID)
	assert.Equal(t, state.TenantID, frame.TenantID)

	var payload model.LlmDeltaPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "chunk", payload.Text)
}
