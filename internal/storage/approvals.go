package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lattice-ai/loom/internal/model"
)

// CreateApproval inserts a pending approval and appends its
// approval.requested event in one transaction. The unique constraint on
// tool_call_id enforces at most one approval per tool call; a second request
// for an already-gated tool call returns ErrApprovalExists.
func (db *DB) CreateApproval(ctx context.Context, a model.Approval, event model.EventInput) (model.Approval, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: begin create approval: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tenantID uuid.UUID
	var userID string
	if err := tx.QueryRow(ctx,
		`SELECT tenant_id, user_id FROM runs WHERE id = $1`, a.RunID,
	).Scan(&tenantID, &userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: resolve run for approval: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO approvals (id, run_id, step_id, tool_call_id, tenant_id, user_id,
		                        tool_name, args, risk_tier, summary, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12)`,
		a.ID, a.RunID, a.StepID, a.ToolCallID, tenantID, userID,
		a.ToolName, []byte(a.OriginalArgs), string(a.RiskTier), a.Summary, a.ExpiresAt, a.CreatedAt,
	); err != nil {
		if isUniqueViolation(err, "approvals_tool_call_id_key") {
			return model.Approval{}, ErrApprovalExists
		}
		return model.Approval{}, fmt.Errorf("storage: insert approval: %w", err)
	}

	if _, err := db.appendEventsTx(ctx, tx, tenantID, []model.EventInput{event}); err != nil {
		return model.Approval{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Approval{}, fmt.Errorf("storage: commit create approval: %w", err)
	}
	a.Status = model.ApprovalStatusPending
	return a, nil
}

// GetApproval retrieves an approval by id, scoped by tenant.
func (db *DB) GetApproval(ctx context.Context, tenantID, id uuid.UUID) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, tool_call_id, tool_name, args, risk_tier, summary,
		        status, decision, edited_args, resolved_by, resolved_at, expires_at, created_at
		 FROM approvals WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

// GetApprovalByToolCall retrieves the approval gating a tool call, if any.
// Lets a redelivered tool execution find the gate it already opened.
func (db *DB) GetApprovalByToolCall(ctx context.Context, tenantID, toolCallID uuid.UUID) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, tool_call_id, tool_name, args, risk_tier, summary,
		        status, decision, edited_args, resolved_by, resolved_at, expires_at, created_at
		 FROM approvals WHERE tool_call_id = $1 AND tenant_id = $2`,
		toolCallID, tenantID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get approval by tool call: %w", err)
	}
	return a, nil
}

// ListPendingApprovals returns a tenant's unresolved approvals, oldest first.
func (db *DB) ListPendingApprovals(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_id, tool_call_id, tool_name, args, risk_tier, summary,
		        status, decision, edited_args, resolved_by, resolved_at, expires_at, created_at
		 FROM approvals
		 WHERE tenant_id = $1 AND status = 'pending'
		 ORDER BY created_at ASC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ResolveApproval transitions an approval from pending to resolved, appends
// the approval.resolved event and, when followUp is non-nil, enqueues it —
// all in the same transaction, so a resolution never commits without its
// dispatch.
//
// The pending→resolved transition is an atomic conditional update: of two
// concurrent resolutions exactly one matches the status='pending' predicate;
// the loser gets ErrAlreadyResolved.
func (db *DB) ResolveApproval(ctx context.Context, tenantID, id uuid.UUID, decision model.Decision, editedArgs []byte, resolvedBy string, event model.EventInput, followUp *model.WorkItem) (model.Approval, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: begin resolve approval: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE approvals
		 SET status = 'resolved', decision = $3, edited_args = $4, resolved_by = $5, resolved_at = $6
		 WHERE id = $1 AND tenant_id = $2 AND status = 'pending'`,
		id, tenantID, string(decision), editedArgs, resolvedBy, now,
	)
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: resolve approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish already-resolved from unknown/foreign id.
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM approvals WHERE id = $1 AND tenant_id = $2`, id, tenantID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		if err != nil {
			return model.Approval{}, fmt.Errorf("storage: check approval status: %w", err)
		}
		return model.Approval{}, ErrAlreadyResolved
	}

	if _, err := db.appendEventsTx(ctx, tx, tenantID, []model.EventInput{event}); err != nil {
		return model.Approval{}, err
	}

	if followUp != nil {
		queue, err := followUp.Type.Queue()
		if err != nil {
			return model.Approval{}, fmt.Errorf("storage: resolve follow-up: %w", err)
		}
		if err := insertWorkItem(ctx, tx, queue, *followUp); err != nil {
			return model.Approval{}, err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, WorkChannel(queue)); err != nil {
			return model.Approval{}, fmt.Errorf("storage: notify queue %s: %w", queue, err)
		}
	}

	row := tx.QueryRow(ctx,
		`SELECT id, run_id, step_id, tool_call_id, tool_name, args, risk_tier, summary,
		        status, decision, edited_args, resolved_by, resolved_at, expires_at, created_at
		 FROM approvals WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	a, err := scanApproval(row)
	if err != nil {
		return model.Approval{}, fmt.Errorf("storage: reload approval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Approval{}, fmt.Errorf("storage: commit resolve approval: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (model.Approval, error) {
	var (
		a          model.Approval
		riskTier   string
		status     string
		decision   *string
		resolvedBy *string
		args       []byte
		edited     []byte
	)
	if err := row.Scan(
		&a.ID, &a.RunID, &a.StepID, &a.ToolCallID, &a.ToolName, &args, &riskTier, &a.Summary,
		&status, &decision, &edited, &resolvedBy, &a.ResolvedAt, &a.ExpiresAt, &a.CreatedAt,
	); err != nil {
		return model.Approval{}, err
	}
	a.OriginalArgs = args
	a.EditedArgs = edited
	a.RiskTier = model.RiskTier(riskTier)
	a.Status = model.ApprovalStatus(status)
	if decision != nil {
		a.Decision = model.Decision(*decision)
	}
	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	return a, nil
}
