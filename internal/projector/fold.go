// Package projector derives the current state of a run by folding its event
// stream in sequence order. The fold is pure and deterministic: the same
// events always produce the same state, and nothing here writes back to the
// store.
package projector

import (
	"errors"

	"github.com/lattice-ai/loom/internal/model"
)

// Reduce folds events (already ordered by sequence) into a run state.
// Events with unknown types are skipped so that streams written by newer
// builds remain readable; their types are reported for anomaly logging.
// A nil state is returned when events is empty.
func Reduce(events []model.Event) (*model.RunState, []model.EventType, error) {
	var (
		state   *model.RunState
		unknown []model.EventType
	)

	for i := range events {
		e := events[i]

		payload, err := model.DecodePayload(e)
		if err != nil {
			var unk model.ErrUnknownEventType
			if errors.As(err, &unk) {
				unknown = append(unknown, unk.Type)
				if state != nil {
					state.LastSequence = e.Sequence
				}
				continue
			}
			return nil, unknown, err
		}

		if state == nil {
			state = &model.RunState{
				ID:        e.RunID,
				TenantID:  e.TenantID,
				Status:    model.RunStatusPending,
				CreatedAt: e.Timestamp,
			}
		}

		apply(state, e, payload)
		state.LastSequence = e.Sequence
	}

	return state, unknown, nil
}

func apply(s *model.RunState, e model.Event, payload model.Payload) {
	switch p := payload.(type) {
	case *model.RunStartedPayload:
		s.UserID = p.UserID
		s.CreatedAt = e.Timestamp
		s.Status = model.RunStatusRunning
		if v, ok := p.Metadata["interactive"].(bool); ok {
			s.Interactive = v
		}

	case *model.RunCompletedPayload:
		if s.Status.Terminal() {
			return
		}
		s.Status = model.RunStatusCompleted
		if p.TotalTokens > s.TotalTokens {
			s.TotalTokens = p.TotalTokens
		}

	case *model.RunFailedPayload:
		if s.Status.Terminal() {
			return
		}
		s.Status = model.RunStatusFailed
		s.LastError = p.Error

	case *model.RunCancelledPayload:
		if s.Status.Terminal() {
			return
		}
		s.Status = model.RunStatusCancelled

	case *model.RunWaitingInputPayload:
		if s.Status.Terminal() {
			return
		}
		s.Status = model.RunStatusWaitingInput

	case *model.MessageCreatedPayload:
		role := model.RoleUser
		if e.Type == model.EventAssistantMessageCreated {
			role = model.RoleAssistant
		} else if s.Status == model.RunStatusWaitingInput {
			// A user message wakes a run that was waiting for input.
			s.Status = model.RunStatusRunning
		}
		s.Messages = append(s.Messages, model.Message{
			ID:         p.MessageID,
			Role:       role,
			Content:    p.Content,
			TokenCount: p.TokenCount,
			Sequence:   e.Sequence,
			CreatedAt:  e.Timestamp,
		})

	case *model.StepStartedPayload:
		if e.StepID == nil {
			return
		}
		s.Steps = append(s.Steps, model.Step{
			ID:        *e.StepID,
			Kind:      p.Kind,
			Status:    model.StepStatusRunning,
			StartedAt: e.Timestamp,
		})

	case *model.StepCompletedPayload:
		if e.StepID == nil {
			return
		}
		for i := range s.Steps {
			if s.Steps[i].ID == *e.StepID {
				s.Steps[i].Status = model.StepStatusCompleted
				return
			}
		}

	case *model.LlmCallStartedPayload:
		// Recorded for the audit trail; no state to carry.

	case *model.LlmCallCompletedPayload:
		s.TotalTokens += p.InputTokens + p.OutputTokens

	case *model.LlmDeltaPayload:
		// Streaming chunks are transient; the full text arrives as a
		// message.assistant.created event.

	case *model.ToolCallRequestedPayload:
		s.ToolCalls = append(s.ToolCalls, model.ToolCall{
			ID:       p.ToolCallID,
			StepID:   e.StepID,
			ToolName: p.ToolName,
			Args:     p.Args,
			RiskTier: p.RiskTier,
			Status:   model.ToolCallStatusPending,
		})

	case *model.ToolCallStartedPayload:
		if tc := s.ToolCallByID(p.ToolCallID); tc != nil {
			tc.Status = model.ToolCallStatusRunning
			ts := e.Timestamp
			tc.StartedAt = &ts
		}

	case *model.ToolCallCompletedPayload:
		if tc := s.ToolCallByID(p.ToolCallID); tc != nil {
			tc.Status = model.ToolCallStatusCompleted
			tc.Result = p.Result
		}

	case *model.ToolCallErrorPayload:
		if tc := s.ToolCallByID(p.ToolCallID); tc != nil {
			if p.Cancelled {
				tc.Status = model.ToolCallStatusCancelled
			} else {
				tc.Status = model.ToolCallStatusError
			}
			tc.Error = p.Error
		}
		if !p.Cancelled {
			s.LastError = p.Error
		}

	case *model.ApprovalRequestedPayload:
		s.Approvals = append(s.Approvals, model.Approval{
			ID:           p.ApprovalID,
			RunID:        s.ID,
			StepID:       e.StepID,
			ToolCallID:   p.ToolCallID,
			ToolName:     p.ToolName,
			OriginalArgs: p.Args,
			RiskTier:     p.RiskTier,
			Summary:      p.Summary,
			Status:       model.ApprovalStatusPending,
			ExpiresAt:    p.ExpiresAt,
			CreatedAt:    e.Timestamp,
		})
		if tc := s.ToolCallByID(p.ToolCallID); tc != nil {
			id := p.ApprovalID
			tc.ApprovalID = &id
		}
		s.HasPendingApproval = true
		if !s.Status.Terminal() {
			s.Status = model.RunStatusWaitingForApproval
		}

	case *model.ApprovalResolvedPayload:
		if a := s.ApprovalByID(p.ApprovalID); a != nil && a.Status == model.ApprovalStatusPending {
			a.Status = model.ApprovalStatusResolved
			a.Decision = p.Decision
			a.EditedArgs = p.EditedArgs
			a.ResolvedBy = p.ResolvedBy
			ts := p.ResolvedAt
			a.ResolvedAt = &ts
		}
		s.HasPendingApproval = s.PendingApprovalCount() > 0
		if !s.HasPendingApproval && s.Status == model.RunStatusWaitingForApproval {
			s.Status = model.RunStatusRunning
		}
	}
}
