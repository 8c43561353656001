// Package approval implements the human-in-the-loop gate for risky tool
// calls. Every high or critical tool call gets exactly one approval, and
// every approval is resolved exactly once; both guarantees are enforced by
// the storage layer's constraints, not by in-process locking.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

// ErrInvalidDecision rejects a resolution whose decision is not one of
// approve, reject or edit_approve, or an edit_approve without edited args.
var ErrInvalidDecision = errors.New("approval: invalid decision")

// Gate creates and resolves approvals against the store.
type Gate struct {
	store  *storage.DB
	logger *slog.Logger
}

func NewGate(store *storage.DB, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Request gates a tool call behind a pending approval and records the
// approval.requested event. Idempotent per tool call: if the gate already
// exists (a redelivered work item, or a concurrent request that won) the
// existing approval is returned with created=false. A positive expiresIn
// stamps the approval with a deadline; zero or negative leaves it open.
func (g *Gate) Request(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID, stepID *uuid.UUID, correlationID uuid.UUID, req model.ToolCallRequestedPayload, summary string, expiresIn time.Duration) (model.Approval, bool, error) {
	a := model.Approval{
		ID:           uuid.New(),
		RunID:        runID,
		StepID:       stepID,
		ToolCallID:   req.ToolCallID,
		ToolName:     req.ToolName,
		OriginalArgs: req.Args,
		RiskTier:     req.RiskTier,
		Summary:      summary,
		ExpiresAt:    expiryFrom(time.Now().UTC(), expiresIn),
		CreatedAt:    time.Now().UTC(),
	}

	event := model.NewEventInput(runID, model.EventApprovalRequested, correlationID, model.ApprovalRequestedPayload{
		ApprovalID: a.ID,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Args:       req.Args,
		RiskTier:   req.RiskTier,
		Summary:    summary,
		ExpiresAt:  a.ExpiresAt,
	})
	if stepID != nil {
		event = event.WithStep(*stepID)
	}

	created, err := g.store.CreateApproval(ctx, a, event)
	if err == nil {
		g.logger.Info("approval: requested",
			"approval_id", created.ID, "run_id", runID,
			"tool_call_id", req.ToolCallID, "risk_tier", req.RiskTier)
		return created, true, nil
	}
	if errors.Is(err, storage.ErrApprovalExists) {
		existing, lookupErr := g.store.GetApprovalByToolCall(ctx, tenantID, req.ToolCallID)
		if lookupErr != nil {
			return model.Approval{}, false, fmt.Errorf("approval: load existing gate: %w", lookupErr)
		}
		return existing, false, nil
	}
	return model.Approval{}, false, err
}

// expiryFrom converts a relative TTL into an absolute deadline, or nil for
// a non-positive TTL.
func expiryFrom(now time.Time, expiresIn time.Duration) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	deadline := now.Add(expiresIn)
	return &deadline
}

// Resolve applies a human decision to a pending approval. Exactly one of two
// concurrent resolutions succeeds; the other returns
// storage.ErrAlreadyResolved. The approval.resolved event and the
// process_approval work item for the orchestrator commit atomically with the
// state transition.
func (g *Gate) Resolve(ctx context.Context, tenantID, approvalID uuid.UUID, decision model.Decision, editedArgs json.RawMessage, resolvedBy string) (model.Approval, error) {
	if !decision.Valid() {
		return model.Approval{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if decision == model.DecisionEditApprove {
		if len(editedArgs) == 0 || !json.Valid(editedArgs) {
			return model.Approval{}, fmt.Errorf("%w: edit_approve requires valid edited args", ErrInvalidDecision)
		}
	} else {
		editedArgs = nil
	}

	pending, err := g.store.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return model.Approval{}, err
	}

	now := time.Now().UTC()
	event := model.NewEventInput(pending.RunID, model.EventApprovalResolved, uuid.New(), model.ApprovalResolvedPayload{
		ApprovalID: approvalID,
		ToolCallID: pending.ToolCallID,
		Decision:   decision,
		EditedArgs: editedArgs,
		ResolvedBy: resolvedBy,
		ResolvedAt: now,
	})
	if pending.StepID != nil {
		event = event.WithStep(*pending.StepID)
	}

	followUp := model.NewWorkItem(pending.RunID, tenantID, event.CorrelationID,
		model.WorkProcessApproval, model.ProcessApprovalPayload{ApprovalID: approvalID})

	resolved, err := g.store.ResolveApproval(ctx, tenantID, approvalID, decision, editedArgs, resolvedBy, event, &followUp)
	if err != nil {
		return model.Approval{}, err
	}

	g.logger.Info("approval: resolved",
		"approval_id", approvalID, "run_id", resolved.RunID,
		"decision", decision, "resolved_by", resolvedBy)
	return resolved, nil
}

// Get retrieves an approval by id, scoped by tenant.
func (g *Gate) Get(ctx context.Context, tenantID, id uuid.UUID) (model.Approval, error) {
	return g.store.GetApproval(ctx, tenantID, id)
}

// ListPending returns a tenant's unresolved approvals, oldest first.
func (g *Gate) ListPending(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Approval, error) {
	return g.store.ListPendingApprovals(ctx, tenantID, limit)
}
