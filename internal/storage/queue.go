package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lattice-ai/loom/internal/model"
)

// EnqueueWorkItems routes each item to its role queue and inserts it
// durably, then notifies the queue's wakeup channel. The NOTIFY rides the
// same transaction, so consumers are only woken for committed work.
func (db *DB) EnqueueWorkItems(ctx context.Context, items []model.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	queues := make(map[string]bool)
	for _, item := range items {
		queue, err := item.Type.Queue()
		if err != nil {
			return fmt.Errorf("storage: enqueue: %w", err)
		}
		if err := insertWorkItem(ctx, tx, queue, item); err != nil {
			return err
		}
		queues[queue] = true
	}

	for queue := range queues {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, WorkChannel(queue)); err != nil {
			return fmt.Errorf("storage: notify queue %s: %w", queue, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit enqueue: %w", err)
	}
	return nil
}

// EnqueueWorkItemIfCurrent inserts a work item only if the run's
// last_sequence still equals expectedSeq — the optimistic "single active
// work item per run" guard. Returns ErrStaleRun when the run has advanced
// past the producer's snapshot (someone else already dispatched the next
// unit of work); callers treat that as a benign no-op.
func (db *DB) EnqueueWorkItemIfCurrent(ctx context.Context, item model.WorkItem, expectedSeq int64) error {
	queue, err := item.Type.Queue()
	if err != nil {
		return fmt.Errorf("storage: enqueue: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin guarded enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO work_items (id, queue, run_id, tenant_id, correlation_id, work_type, payload, enqueued_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, now()
		 WHERE EXISTS (SELECT 1 FROM runs WHERE id = $3 AND last_sequence = $8)`,
		item.ID, queue, item.RunID, item.TenantID, item.CorrelationID,
		string(item.Type), payloadOrEmpty(item.Payload), expectedSeq,
	)
	if err != nil {
		return fmt.Errorf("storage: guarded enqueue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRun
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, WorkChannel(queue)); err != nil {
		return fmt.Errorf("storage: notify queue %s: %w", queue, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit guarded enqueue: %w", err)
	}
	return nil
}

func insertWorkItem(ctx context.Context, tx pgx.Tx, queue string, item model.WorkItem) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO work_items (id, queue, run_id, tenant_id, correlation_id, work_type, payload, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		item.ID, queue, item.RunID, item.TenantID, item.CorrelationID,
		string(item.Type), payloadOrEmpty(item.Payload),
	)
	if err != nil {
		return fmt.Errorf("storage: insert work item: %w", err)
	}
	return nil
}

// DequeueWorkItems claims up to limit deliverable items from a queue using
// FOR UPDATE SKIP LOCKED, leasing them until now()+lease. A crashed
// consumer's lease simply expires and the items redeliver: at-least-once.
func (db *DB) DequeueWorkItems(ctx context.Context, queue string, limit int, lease time.Duration) ([]model.WorkItem, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE work_items
		 SET locked_until = now() + ($3 * interval '1 microsecond'),
		     attempts = attempts + 1
		 WHERE id IN (
		     SELECT id FROM work_items
		     WHERE queue = $1 AND (locked_until IS NULL OR locked_until < now())
		     ORDER BY enqueued_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, run_id, tenant_id, correlation_id, work_type, payload, attempts, enqueued_at`,
		queue, limit, lease.Microseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: dequeue %s: %w", queue, err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var (
			item     model.WorkItem
			workType string
			payload  []byte
		)
		if err := rows.Scan(
			&item.ID, &item.RunID, &item.TenantID, &item.CorrelationID,
			&workType, &payload, &item.Attempts, &item.EnqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan work item: %w", err)
		}
		item.Type = model.WorkType(workType)
		item.Payload = payload
		items = append(items, item)
	}
	return items, rows.Err()
}

// AckWorkItem removes a successfully handled item from its queue. Workers
// must only call this after their resulting events are durably appended.
func (db *DB) AckWorkItem(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: ack work item: %w", err)
	}
	return nil
}

// ReleaseWorkItem pushes a transiently failed item back with a backoff
// lease so it redelivers later, recording the failure reason.
func (db *DB) ReleaseWorkItem(ctx context.Context, id uuid.UUID, backoff time.Duration, lastError string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE work_items
		 SET locked_until = now() + ($2 * interval '1 microsecond'), last_error = $3
		 WHERE id = $1`,
		id, backoff.Microseconds(), lastError,
	)
	if err != nil {
		return fmt.Errorf("storage: release work item: %w", err)
	}
	return nil
}

// DeadLetterWorkItem moves a rejected item to the dead_letters table so it
// is never redelivered but never silently lost either.
func (db *DB) DeadLetterWorkItem(ctx context.Context, queue string, item model.WorkItem, reason string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin dead-letter: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO dead_letters (id, queue, run_id, tenant_id, correlation_id, work_type,
		                           payload, attempts, last_error, enqueued_at, dead_lettered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, queue, item.RunID, item.TenantID, item.CorrelationID, string(item.Type),
		payloadOrEmpty(item.Payload), item.Attempts, reason, item.EnqueuedAt,
	); err != nil {
		return fmt.Errorf("storage: insert dead letter: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, item.ID); err != nil {
		return fmt.Errorf("storage: remove dead-lettered item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit dead-letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead-lettered items for a queue, newest first,
// for manual inspection. This core implements no replay policy.
func (db *DB) ListDeadLetters(ctx context.Context, queue string, limit int) ([]model.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, tenant_id, correlation_id, work_type, payload, attempts, enqueued_at
		 FROM dead_letters
		 WHERE queue = $1
		 ORDER BY dead_lettered_at DESC
		 LIMIT $2`,
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var (
			item     model.WorkItem
			workType string
			payload  []byte
		)
		if err := rows.Scan(
			&item.ID, &item.RunID, &item.TenantID, &item.CorrelationID,
			&workType, &payload, &item.Attempts, &item.EnqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		item.Type = model.WorkType(workType)
		item.Payload = payload
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueDepth counts deliverable items in a queue, for metrics.
func (db *DB) QueueDepth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM work_items WHERE queue = $1`, queue,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return depth, nil
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
