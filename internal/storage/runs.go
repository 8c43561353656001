package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lattice-ai/loom/internal/model"
)

// GetRunSummary retrieves one row of the runs projection, scoped by tenant.
func (db *DB) GetRunSummary(ctx context.Context, tenantID, runID uuid.UUID) (model.RunSummary, error) {
	var r model.RunSummary
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, status, created_at, completed_at,
		        message_count, step_count, first_user_message, last_sequence, updated_at
		 FROM runs WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	).Scan(
		&r.ID, &r.TenantID, &r.UserID, &status, &r.CreatedAt, &r.CompletedAt,
		&r.MessageCount, &r.StepCount, &r.FirstUserMessage, &r.LastSequence, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunSummary{}, ErrNotFound
		}
		return model.RunSummary{}, fmt.Errorf("storage: get run summary: %w", err)
	}
	r.Status = model.RunStatus(status)
	return r, nil
}

// GetRunTenant returns the owning tenant of a run regardless of scope.
// Handlers use it to tell a cross-tenant access attempt (forbidden, logged
// as a security anomaly) apart from a run that does not exist at all.
func (db *DB) GetRunTenant(ctx context.Context, runID uuid.UUID) (uuid.UUID, error) {
	var tenantID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id FROM runs WHERE id = $1`, runID,
	).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: get run tenant: %w", err)
	}
	return tenantID, nil
}

// ListRuns returns run summaries for a tenant, newest first, from the
// maintained projection table rather than the event log. userID narrows the
// listing to one user's runs when non-empty.
func (db *DB) ListRuns(ctx context.Context, tenantID uuid.UUID, userID string, skip, take int) ([]model.RunSummary, int, error) {
	if take <= 0 {
		take = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2)`,
		tenantID, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, user_id, status, created_at, completed_at,
		        message_count, step_count, first_user_message, last_sequence, updated_at
		 FROM runs
		 WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		tenantID, userID, take, skip,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		var status string
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.UserID, &status, &r.CreatedAt, &r.CompletedAt,
			&r.MessageCount, &r.StepCount, &r.FirstUserMessage, &r.LastSequence, &r.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run summary: %w", err)
		}
		r.Status = model.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
