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
)

// Orchestrator advances runs: it projects the current state, decides the
// single next unit of work, and dispatches it. All dispatches for forward
// progress are guarded on the run's last sequence, so two orchestrators
// racing on the same run produce exactly one next step.
type Orchestrator struct {
	store      *storage.DB
	projector  *projector.Projector
	gate       *approval.Gate
	dispatcher *dispatch.Dispatcher
	bridge     *bridge.Bridge
	logger     *slog.Logger

	// approvalTTL bounds how long a requested gate stays decidable; zero
	// leaves approvals open indefinitely.
	approvalTTL time.Duration
}

func NewOrchestrator(store *storage.DB, proj *projector.Projector, gate *approval.Gate, d *dispatch.Dispatcher, br *bridge.Bridge, approvalTTL time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		projector:   proj,
		gate:        gate,
		dispatcher:  d,
		bridge:      br,
		logger:      logger,
		approvalTTL: approvalTTL,
	}
}

// Handle is the orchestrator queue's dispatch handler.
func (o *Orchestrator) Handle(ctx context.Context, item model.WorkItem) error {
	switch item.Type {
	case model.WorkOrchestrateRun, model.WorkContinueRun:
		return o.advance(ctx, item)
	case model.WorkProcessApproval:
		return o.processApproval(ctx, item)
	default:
		return fmt.Errorf("%w: orchestrator cannot handle %q", dispatch.ErrReject, item.Type)
	}
}

// advance is the run state machine. The decision order matters: pending
// approvals park the run, unfinished tool calls run before new model turns,
// and only a quiet run gets a verdict.
func (o *Orchestrator) advance(ctx context.Context, item model.WorkItem) error {
	state, err := o.projector.Project(ctx, item.TenantID, item.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: run %s has no events", dispatch.ErrReject, item.RunID)
		}
		return err
	}

	if state.Status.Terminal() {
		return nil
	}
	if state.HasPendingApproval {
		// Parked until a human decides; resolution enqueues the next work.
		return nil
	}

	for i := range state.ToolCalls {
		tc := &state.ToolCalls[i]
		switch tc.Status {
		case model.ToolCallStatusPending:
			return o.dispatchToolCall(ctx, state, tc, item.CorrelationID)
		case model.ToolCallStatusRunning:
			// The executor owns it; its lease redelivers if it died.
			return nil
		}
	}

	if n := len(state.Steps); n > 0 && state.Steps[n-1].Status == model.StepStatusRunning {
		// A model turn is in flight, or its dispatch was lost before the
		// queue saw it. Guarded publish makes re-sending safe either way.
		return o.publishModelTurn(ctx, state, state.Steps[n-1].ID, item.CorrelationID)
	}

	if m := len(state.Messages); m > 0 && state.Messages[m-1].Role == model.RoleUser {
		return o.startModelTurn(ctx, state, item.CorrelationID)
	}

	return o.finishRun(ctx, state, item.CorrelationID)
}

// startModelTurn opens a step and hands the turn to the model gateway.
func (o *Orchestrator) startModelTurn(ctx context.Context, state *model.RunState, correlationID uuid.UUID) error {
	stepID := uuid.New()
	ev := model.NewEventInput(state.ID, model.EventStepStarted, correlationID,
		model.StepStartedPayload{Kind: "model_turn"}).WithStep(stepID)

	events, err := appendAndAnnounce(ctx, o.store, o.bridge, state.TenantID, []model.EventInput{ev})
	if err != nil {
		return err
	}
	state.LastSequence = lastSequence(events, state.LastSequence)
	return o.publishModelTurn(ctx, state, stepID, correlationID)
}

func (o *Orchestrator) publishModelTurn(ctx context.Context, state *model.RunState, stepID uuid.UUID, correlationID uuid.UUID) error {
	item := model.NewWorkItem(state.ID, state.TenantID, correlationID,
		model.WorkExecuteLlmCall, model.ExecuteLlmCallPayload{StepID: &stepID})
	return o.dispatcher.PublishNext(ctx, item, state.LastSequence)
}

// dispatchToolCall sends a pending tool call to the executor, gating it
// behind an approval first when the risk tier demands one.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, state *model.RunState, tc *model.ToolCall, correlationID uuid.UUID) error {
	args := tc.Args

	if tc.RiskTier.RequiresApproval() {
		a := approvalForToolCall(state, tc.ID)
		if a == nil {
			summary := fmt.Sprintf("Tool %s requires approval (%s risk)", tc.ToolName, tc.RiskTier)
			_, _, err := o.gate.Request(ctx, state.TenantID, state.ID, tc.StepID, correlationID,
				model.ToolCallRequestedPayload{
					ToolCallID: tc.ID,
					ToolName:   tc.ToolName,
					Args:       tc.Args,
					RiskTier:   tc.RiskTier,
				}, summary, o.approvalTTL)
			return err
		}
		switch {
		case a.Status == model.ApprovalStatusPending:
			return nil
		case a.Decision == model.DecisionReject:
			// The resolution work item cancels the call; nothing to dispatch.
			return nil
		default:
			args = a.EffectiveArgs()
		}
	}

	item := model.NewWorkItem(state.ID, state.TenantID, correlationID,
		model.WorkExecuteToolCall, model.ExecuteToolCallPayload{
			ToolCallID: tc.ID,
			ToolName:   tc.ToolName,
			Args:       args,
		})
	return o.dispatcher.PublishNext(ctx, item, state.LastSequence)
}

// finishRun ends a quiet turn: interactive runs park for the next user
// message, one-shot runs complete.
func (o *Orchestrator) finishRun(ctx context.Context, state *model.RunState, correlationID uuid.UUID) error {
	var ev model.EventInput
	if state.Interactive {
		if state.Status == model.RunStatusWaitingInput {
			return nil
		}
		ev = model.NewEventInput(state.ID, model.EventRunWaitingInput, correlationID,
			model.RunWaitingInputPayload{})
	} else {
		ev = model.NewEventInput(state.ID, model.EventRunCompleted, correlationID,
			model.RunCompletedPayload{TotalTokens: state.TotalTokens})
	}

	if _, err := appendAndAnnounce(ctx, o.store, o.bridge, state.TenantID, []model.EventInput{ev}); err != nil {
		return err
	}
	o.logger.Info("orchestrator: run turn finished",
		"run_id", state.ID, "interactive", state.Interactive, "total_tokens", state.TotalTokens)
	return nil
}

// processApproval reacts to a resolved approval: approved calls dispatch to
// the executor, rejections cancel the tool call and resume the run.
func (o *Orchestrator) processApproval(ctx context.Context, item model.WorkItem) error {
	var payload model.ProcessApprovalPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed process_approval payload: %v", dispatch.ErrReject, err)
	}

	a, err := o.store.GetApproval(ctx, item.TenantID, payload.ApprovalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: approval %s not found", dispatch.ErrReject, payload.ApprovalID)
		}
		return err
	}
	if a.Status != model.ApprovalStatusResolved {
		// Enqueued atomically with the resolution, so this means a torn
		// read; redelivery will see the committed row.
		return fmt.Errorf("orchestrator: approval %s not resolved yet", a.ID)
	}

	state, err := o.projector.Project(ctx, item.TenantID, item.RunID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}

	tc := state.ToolCallByID(a.ToolCallID)
	if tc == nil {
		return fmt.Errorf("%w: approval %s gates unknown tool call %s",
			dispatch.ErrReject, a.ID, a.ToolCallID)
	}

	if a.Decision == model.DecisionReject {
		if tc.Status == model.ToolCallStatusPending {
			ev := model.NewEventInput(state.ID, model.EventToolCallError, item.CorrelationID,
				model.ToolCallErrorPayload{
					ToolCallID: tc.ID,
					Error:      fmt.Sprintf("rejected by %s", a.ResolvedBy),
					Cancelled:  true,
				})
			if tc.StepID != nil {
				ev = ev.WithStep(*tc.StepID)
			}
			if _, err := appendAndAnnounce(ctx, o.store, o.bridge, state.TenantID, []model.EventInput{ev}); err != nil {
				return err
			}
		}
		// Let the run continue without the rejected call.
		next := model.NewWorkItem(state.ID, state.TenantID, item.CorrelationID, model.WorkContinueRun, nil)
		return o.dispatcher.Publish(ctx, next)
	}

	if tc.Status != model.ToolCallStatusPending {
		return nil // executed already; redelivered resolution
	}

	work := model.NewWorkItem(state.ID, state.TenantID, item.CorrelationID,
		model.WorkExecuteToolCall, model.ExecuteToolCallPayload{
			ToolCallID: tc.ID,
			ToolName:   tc.ToolName,
			Args:       a.EffectiveArgs(),
		})
	return o.dispatcher.Publish(ctx, work)
}
