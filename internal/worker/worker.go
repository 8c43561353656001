// Package worker implements the queue consumers behind the three worker
// roles: the orchestrator that advances runs, the model gateway that
// executes model turns, and the tool executor that runs tool calls.
//
// Every handler is driven by at-least-once delivery, so each one projects
// the run's current state first and treats work that is already done as a
// successful no-op.
package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

// appendAndAnnounce durably appends events and broadcasts them to live
// subscribers. A fully duplicate batch is a benign no-op with no events to
// announce.
func appendAndAnnounce(ctx context.Context, store *storage.DB, br *bridge.Bridge, tenantID uuid.UUID, inputs []model.EventInput) ([]model.Event, error) {
	events, err := store.AppendEvents(ctx, tenantID, inputs)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return nil, nil
		}
		return nil, err
	}
	br.Publish(ctx, events)
	return events, nil
}

// appendAnnounceAndContinue records a handler's outcome and enqueues the
// run's continuation in one transaction, then announces the events. A fully
// duplicate batch means the transaction that stored those events already
// carried the continuation, so the redelivery is a benign no-op.
func appendAnnounceAndContinue(ctx context.Context, store *storage.DB, br *bridge.Bridge, tenantID uuid.UUID, inputs []model.EventInput, next model.WorkItem) error {
	events, err := store.AppendEventsAndEnqueue(ctx, tenantID, inputs, next)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return nil
		}
		return err
	}
	br.Publish(ctx, events)
	return nil
}

// lastSequence returns the highest sequence in a batch, or fallback when
// the batch is empty.
func lastSequence(events []model.Event, fallback int64) int64 {
	if len(events) == 0 {
		return fallback
	}
	return events[len(events)-1].Sequence
}

// approvalForToolCall scans a projected state for the approval gating a
// tool call.
func approvalForToolCall(state *model.RunState, toolCallID uuid.UUID) *model.Approval {
	for i := range state.Approvals {
		if state.Approvals[i].ToolCallID == toolCallID {
			return &state.Approvals[i]
		}
	}
	return nil
}
