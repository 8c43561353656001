package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/approval"
	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/dispatch"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/projector"
	"github.com/lattice-ai/loom/internal/storage"
	"github.com/lattice-ai/loom/internal/tools"
)

// ToolExecutor runs approved tool calls and records their outcomes. It is
// the last line of defense for the approval invariant: even if a gated call
// somehow reaches the queue, execution re-checks the gate.
type ToolExecutor struct {
	store     *storage.DB
	projector *projector.Projector
	gate      *approval.Gate
	bridge    *bridge.Bridge
	runner    tools.Runner
	logger    *slog.Logger

	// failAfter is the attempt count past which a persistently failing
	// execution records a tool error instead of retrying forever.
	failAfter int
	// approvalTTL bounds how long a requested gate stays decidable; zero
	// leaves approvals open indefinitely.
	approvalTTL time.Duration
}

func NewToolExecutor(store *storage.DB, proj *projector.Projector, gate *approval.Gate, br *bridge.Bridge, runner tools.Runner, failAfter int, approvalTTL time.Duration, logger *slog.Logger) *ToolExecutor {
	if failAfter <= 0 {
		failAfter = 5
	}
	return &ToolExecutor{
		store:       store,
		projector:   proj,
		gate:        gate,
		bridge:      br,
		runner:      runner,
		logger:      logger,
		failAfter:   failAfter,
		approvalTTL: approvalTTL,
	}
}

// Handle is the tool executor queue's dispatch handler.
func (t *ToolExecutor) Handle(ctx context.Context, item model.WorkItem) error {
	if item.Type != model.WorkExecuteToolCall {
		return fmt.Errorf("%w: tool executor cannot handle %q", dispatch.ErrReject, item.Type)
	}
	var payload model.ExecuteToolCallPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed execute_tool_call payload: %v", dispatch.ErrReject, err)
	}

	state, err := t.projector.Project(ctx, item.TenantID, item.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: run %s has no events", dispatch.ErrReject, item.RunID)
		}
		return err
	}
	if state.Status.Terminal() {
		return nil
	}

	tc := state.ToolCallByID(payload.ToolCallID)
	if tc == nil {
		return fmt.Errorf("%w: unknown tool call %s", dispatch.ErrReject, payload.ToolCallID)
	}
	switch tc.Status {
	case model.ToolCallStatusCompleted, model.ToolCallStatusError, model.ToolCallStatusCancelled:
		return nil // duplicate delivery of finished work
	}

	args := payload.Args
	if tc.RiskTier.RequiresApproval() {
		effective, proceed, err := t.checkGate(ctx, state, tc, item.CorrelationID)
		if err != nil || !proceed {
			return err
		}
		args = effective
	}

	if tc.Status != model.ToolCallStatusRunning {
		// Keyed on the tool call, so a racing duplicate execution appends
		// the same event and the store absorbs it.
		ev := model.NewEventInput(state.ID, model.EventToolCallStarted, item.CorrelationID,
			model.ToolCallStartedPayload{ToolCallID: tc.ID}).
			WithID(model.DeterministicID(tc.ID, "tool.call.started"))
		if tc.StepID != nil {
			ev = ev.WithStep(*tc.StepID)
		}
		if _, err := appendAndAnnounce(ctx, t.store, t.bridge, state.TenantID, []model.EventInput{ev}); err != nil {
			return err
		}
	}

	result, execErr := t.runner.Execute(ctx, tools.Call{
		ToolCallID: tc.ID,
		RunID:      state.ID,
		ToolName:   tc.ToolName,
		Args:       args,
	})

	switch {
	case execErr == nil:
		return t.recordOutcome(ctx, state, tc, item.CorrelationID,
			model.NewEventInput(state.ID, model.EventToolCallCompleted, item.CorrelationID,
				model.ToolCallCompletedPayload{
					ToolCallID: tc.ID,
					Result:     result.Output,
					DurationMs: result.DurationMs,
				}).WithID(model.DeterministicID(tc.ID, "tool.call.completed")))

	case errors.Is(execErr, tools.ErrUnknownTool):
		// Permanent: record the failure and let the run continue.
		return t.recordOutcome(ctx, state, tc, item.CorrelationID,
			model.NewEventInput(state.ID, model.EventToolCallError, item.CorrelationID,
				model.ToolCallErrorPayload{ToolCallID: tc.ID, Error: execErr.Error()}).
				WithID(model.DeterministicID(tc.ID, "tool.call.error")))

	case ctx.Err() != nil:
		return execErr // shutdown, let the lease redeliver

	case item.Attempts >= t.failAfter:
		t.logger.Error("toolexec: execution failed permanently",
			"run_id", state.ID, "tool_call_id", tc.ID, "tool", tc.ToolName, "error", execErr)
		return t.recordOutcome(ctx, state, tc, item.CorrelationID,
			model.NewEventInput(state.ID, model.EventToolCallError, item.CorrelationID,
				model.ToolCallErrorPayload{ToolCallID: tc.ID, Error: execErr.Error()}).
				WithID(model.DeterministicID(tc.ID, "tool.call.error")))

	default:
		return execErr
	}
}

// checkGate re-verifies the approval invariant at execution time. proceed
// is false whenever the call must not run now: no gate yet (one is
// requested), gate pending, or gate rejected.
func (t *ToolExecutor) checkGate(ctx context.Context, state *model.RunState, tc *model.ToolCall, correlationID uuid.UUID) (json.RawMessage, bool, error) {
	a := approvalForToolCall(state, tc.ID)
	if a == nil {
		t.logger.Warn("toolexec: gated call reached queue without approval, requesting gate",
			"run_id", state.ID, "tool_call_id", tc.ID, "risk_tier", tc.RiskTier)
		summary := fmt.Sprintf("Tool %s requires approval (%s risk)", tc.ToolName, tc.RiskTier)
		_, _, err := t.gate.Request(ctx, state.TenantID, state.ID, tc.StepID, correlationID,
			model.ToolCallRequestedPayload{
				ToolCallID: tc.ID,
				ToolName:   tc.ToolName,
				Args:       tc.Args,
				RiskTier:   tc.RiskTier,
			}, summary, t.approvalTTL)
		return nil, false, err
	}
	if a.Status == model.ApprovalStatusPending {
		return nil, false, nil
	}
	if a.Decision == model.DecisionReject {
		return nil, false, nil
	}
	return a.EffectiveArgs(), true, nil
}

// recordOutcome appends the terminal tool event and, in the same
// transaction, queues the run's continuation.
func (t *ToolExecutor) recordOutcome(ctx context.Context, state *model.RunState, tc *model.ToolCall, correlationID uuid.UUID, ev model.EventInput) error {
	if tc.StepID != nil {
		ev = ev.WithStep(*tc.StepID)
	}
	next := model.NewWorkItem(state.ID, state.TenantID, correlationID, model.WorkContinueRun, nil)
	if err := appendAnnounceAndContinue(ctx, t.store, t.bridge, state.TenantID, []model.EventInput{ev}, next); err != nil {
		return err
	}

	t.logger.Info("toolexec: tool call finished",
		"run_id", state.ID, "tool_call_id", tc.ID, "tool", tc.ToolName, "event_type", ev.Type)
	return nil
}
