package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/dispatch"
	"github.com/lattice-ai/loom/internal/llm"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/projector"
	"github.com/lattice-ai/loom/internal/storage"
	"github.com/lattice-ai/loom/internal/tools"
)

// ModelGateway executes model turns: it renders the run's conversation into
// a completion request, streams the answer, and records the outcome — the
// assistant message plus any tool calls the model asked for — as events.
type ModelGateway struct {
	store     *storage.DB
	projector *projector.Projector
	bridge    *bridge.Bridge
	client    llm.Client
	catalog   *tools.Catalog
	logger    *slog.Logger

	defaultModel string
	// failAfter is the attempt count past which a persistently failing
	// model turn fails the run instead of retrying forever.
	failAfter int
}

func NewModelGateway(store *storage.DB, proj *projector.Projector, br *bridge.Bridge, client llm.Client, catalog *tools.Catalog, defaultModel string, failAfter int, logger *slog.Logger) *ModelGateway {
	if failAfter <= 0 {
		failAfter = 5
	}
	return &ModelGateway{
		store:        store,
		projector:    proj,
		bridge:       br,
		client:       client,
		catalog:      catalog,
		logger:       logger,
		defaultModel: defaultModel,
		failAfter:    failAfter,
	}
}

// Handle is the model gateway queue's dispatch handler.
func (g *ModelGateway) Handle(ctx context.Context, item model.WorkItem) error {
	if item.Type != model.WorkExecuteLlmCall {
		return fmt.Errorf("%w: model gateway cannot handle %q", dispatch.ErrReject, item.Type)
	}
	var payload model.ExecuteLlmCallPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed execute_llm_call payload: %v", dispatch.ErrReject, err)
	}

	state, err := g.projector.Project(ctx, item.TenantID, item.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: run %s has no events", dispatch.ErrReject, item.RunID)
		}
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	stepID := g.resolveStep(state, payload.StepID)
	if stepID == nil {
		// No open step means the turn already finished: duplicate delivery.
		return nil
	}
	if turnRecorded(state, *stepID) {
		// A previous delivery recorded this turn, and the recording
		// transaction carried the continuation. Nothing left to do.
		g.logger.Debug("gateway: turn already recorded, skipping redelivery",
			"run_id", state.ID, "step_id", *stepID)
		return nil
	}

	// All event ids for this turn derive from scope, so a concurrent
	// duplicate delivery appends an identical batch and the idempotent
	// store absorbs it.
	scope := turnScope(state, *stepID)

	modelName := payload.Model
	if modelName == "" {
		modelName = g.defaultModel
	}

	startEv := model.NewEventInput(state.ID, model.EventLlmCallStarted, item.CorrelationID,
		model.LlmCallStartedPayload{Model: modelName}).
		WithStep(*stepID).
		WithID(model.DeterministicID(scope, "llm.call.started"))
	if _, err := appendAndAnnounce(ctx, g.store, g.bridge, state.TenantID, []model.EventInput{startEv}); err != nil {
		return err
	}

	req := llm.Request{
		Model:    modelName,
		Messages: g.renderConversation(state),
		Tools:    g.catalog.Specs(),
	}

	resp, err := g.client.Stream(ctx, req, func(text string) error {
		// Deltas are transient frames for live subscribers only; the full
		// text lands in the event log as one assistant message.
		g.bridge.Publish(ctx, []model.Event{deltaFrame(state, *stepID, item.CorrelationID, text)})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err // shutdown, let the lease redeliver
		}
		if item.Attempts >= g.failAfter {
			return g.failRun(ctx, state, item.CorrelationID, err)
		}
		return err
	}

	return g.recordTurn(ctx, state, *stepID, scope, item.CorrelationID, resp)
}

// resolveStep maps a work payload onto the run's open step. Nil when the
// step has already completed.
func (g *ModelGateway) resolveStep(state *model.RunState, want *uuid.UUID) *uuid.UUID {
	for i := range state.Steps {
		s := &state.Steps[i]
		if s.Status != model.StepStatusRunning {
			continue
		}
		if want == nil || s.ID == *want {
			return &s.ID
		}
	}
	return nil
}

// turnScope identifies one model turn within a step. Successive turns in a
// step are separated by the tool calls the previous turn requested, so the
// count of tool calls bound to the step numbers the turn stably across
// duplicate deliveries.
func turnScope(state *model.RunState, stepID uuid.UUID) uuid.UUID {
	n := 0
	for i := range state.ToolCalls {
		if sid := state.ToolCalls[i].StepID; sid != nil && *sid == stepID {
			n++
		}
	}
	return model.DeterministicID(stepID, fmt.Sprintf("turn.%d", n))
}

// turnRecorded reports whether the step's latest model turn already landed
// in the log. A recorded turn that requested tools leaves them open in the
// step until the next turn begins; a text-only turn completes the step, which
// resolveStep already rejects.
func turnRecorded(state *model.RunState, stepID uuid.UUID) bool {
	for i := range state.ToolCalls {
		tc := &state.ToolCalls[i]
		if tc.StepID == nil || *tc.StepID != stepID {
			continue
		}
		switch tc.Status {
		case model.ToolCallStatusPending, model.ToolCallStatusRunning:
			return true
		}
	}
	return false
}

// renderConversation flattens projected state into chat messages. Completed
// tool calls are replayed as user-visible context so the model sees its own
// tool results on the next turn.
func (g *ModelGateway) renderConversation(state *model.RunState) []llm.Message {
	msgs := make([]llm.Message, 0, len(state.Messages)+len(state.ToolCalls))
	for _, m := range state.Messages {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	for _, tc := range state.ToolCalls {
		switch tc.Status {
		case model.ToolCallStatusCompleted:
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("[tool %s result] %s", tc.ToolName, string(tc.Result)),
			})
		case model.ToolCallStatusError, model.ToolCallStatusCancelled:
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("[tool %s failed] %s", tc.ToolName, tc.Error),
			})
		}
	}
	return msgs
}

// recordTurn appends the turn's outcome and, in the same transaction,
// queues the continuation.
func (g *ModelGateway) recordTurn(ctx context.Context, state *model.RunState, stepID, scope uuid.UUID, correlationID uuid.UUID, resp *llm.Response) error {
	inputs := g.turnEvents(state, stepID, scope, correlationID, resp)
	next := model.NewWorkItem(state.ID, state.TenantID, correlationID, model.WorkContinueRun, nil)
	if err := appendAnnounceAndContinue(ctx, g.store, g.bridge, state.TenantID, inputs, next); err != nil {
		return err
	}

	g.logger.Info("gateway: model turn recorded",
		"run_id", state.ID, "model", resp.Model, "tool_calls", len(resp.ToolCalls),
		"output_tokens", resp.OutputTokens, "stop_reason", resp.StopReason)
	return nil
}

// turnEvents builds the turn's event batch. Every id derives from scope, so
// the same turn always produces the same batch no matter which delivery
// records it.
func (g *ModelGateway) turnEvents(state *model.RunState, stepID, scope uuid.UUID, correlationID uuid.UUID, resp *llm.Response) []model.EventInput {
	inputs := []model.EventInput{
		model.NewEventInput(state.ID, model.EventLlmCallCompleted, correlationID,
			model.LlmCallCompletedPayload{
				Model:        resp.Model,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
				StopReason:   resp.StopReason,
			}).
			WithStep(stepID).
			WithID(model.DeterministicID(scope, "llm.call.completed")),
	}

	if resp.Content != "" {
		inputs = append(inputs, model.NewEventInput(state.ID, model.EventAssistantMessageCreated, correlationID,
			model.MessageCreatedPayload{
				MessageID:  model.DeterministicID(scope, "assistant.message"),
				Content:    resp.Content,
				TokenCount: resp.OutputTokens,
			}).
			WithStep(stepID).
			WithID(model.DeterministicID(scope, "message.assistant.created")))
	}

	for i, tr := range resp.ToolCalls {
		inputs = append(inputs, model.NewEventInput(state.ID, model.EventToolCallRequested, correlationID,
			model.ToolCallRequestedPayload{
				ToolCallID: model.DeterministicID(scope, fmt.Sprintf("tool.call.%d", i)),
				ToolName:   tr.Name,
				Args:       tr.Args,
				RiskTier:   g.catalog.RiskOf(tr.Name),
			}).
			WithStep(stepID).
			WithID(model.DeterministicID(scope, fmt.Sprintf("tool.call.requested.%d", i))))
	}

	if len(resp.ToolCalls) == 0 {
		// The turn produced a final answer; the step is done. With tool
		// calls outstanding the step stays open for the follow-up turn.
		inputs = append(inputs, model.NewEventInput(state.ID, model.EventStepCompleted, correlationID,
			model.StepCompletedPayload{}).
			WithStep(stepID).
			WithID(model.DeterministicID(scope, "step.completed")))
	}
	return inputs
}

// failRun gives up on a persistently failing model turn and fails the run.
func (g *ModelGateway) failRun(ctx context.Context, state *model.RunState, correlationID uuid.UUID, cause error) error {
	g.logger.Error("gateway: model turn failed permanently",
		"run_id", state.ID, "error", cause)
	ev := model.NewEventInput(state.ID, model.EventRunFailed, correlationID,
		model.RunFailedPayload{Error: cause.Error()})
	_, err := appendAndAnnounce(ctx, g.store, g.bridge, state.TenantID, []model.EventInput{ev})
	return err
}

// deltaFrame builds a transient llm.delta frame. Sequence stays zero: the
// frame is never stored and carries no position in the log.
func deltaFrame(state *model.RunState, stepID uuid.UUID, correlationID uuid.UUID, text string) model.Event {
	data, _ := json.Marshal(model.LlmDeltaPayload{Text: text})
	return model.Event{
		ID:            uuid.New(),
		RunID:         state.ID,
		StepID:        &stepID,
		Type:          model.EventLlmDelta,
		Data:          data,
		CorrelationID: correlationID,
		TenantID:      state.TenantID,
		Timestamp:     time.Now().UTC(),
	}
}
