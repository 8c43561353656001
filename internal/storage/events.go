package storage

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lattice-ai/loom/internal/model"
)

// AppendEvents atomically appends a batch of events for a tenant and returns
// them with store-assigned sequences. Either every new event in the batch is
// durably stored with contiguous sequence numbers or none are.
//
// Sequences are allocated inside the transaction by bumping the single-row
// event_sequence counter, so a rollback rolls the counter back too: the log
// stays gap-free and numbers are never reused. All appends serialize on that
// row; this is the one deliberate single-writer point of the store.
//
// Idempotency: inputs whose id is already stored are skipped. A batch that
// is entirely duplicates returns ErrDuplicateEvent, which callers must treat
// as already-applied, never as a user-facing failure.
//
// Serialization conflicts on the counter row retry transparently; the retry
// re-runs the whole transaction, which the idempotency check makes safe.
func (db *DB) AppendEvents(ctx context.Context, tenantID uuid.UUID, inputs []model.EventInput) ([]model.Event, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var events []model.Event
	err := WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		var err error
		events, err = db.appendEventsOnce(ctx, tenantID, inputs)
		return err
	})
	return events, err
}

const (
	appendRetries    = 3
	appendRetryDelay = 25 * time.Millisecond
)

func (db *DB) appendEventsOnce(ctx context.Context, tenantID uuid.UUID, inputs []model.EventInput) ([]model.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	events, err := db.appendEventsTx(ctx, tx, tenantID, inputs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit append: %w", err)
	}
	return events, nil
}

// AppendEventsAndEnqueue appends a batch and enqueues a follow-up work item
// in the same transaction, so a worker's recorded outcome never commits
// without the work that continues the run. A fully duplicate batch returns
// ErrDuplicateEvent without enqueueing: the transaction that stored those
// events already carried its follow-up.
func (db *DB) AppendEventsAndEnqueue(ctx context.Context, tenantID uuid.UUID, inputs []model.EventInput, followUp model.WorkItem) ([]model.Event, error) {
	queue, err := followUp.Type.Queue()
	if err != nil {
		return nil, fmt.Errorf("storage: append follow-up: %w", err)
	}

	var events []model.Event
	err = WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		var err error
		events, err = db.appendAndEnqueueOnce(ctx, tenantID, inputs, queue, followUp)
		return err
	})
	return events, err
}

func (db *DB) appendAndEnqueueOnce(ctx context.Context, tenantID uuid.UUID, inputs []model.EventInput, queue string, followUp model.WorkItem) ([]model.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin append+enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	events, err := db.appendEventsTx(ctx, tx, tenantID, inputs)
	if err != nil {
		return nil, err
	}

	if err := insertWorkItem(ctx, tx, queue, followUp); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, WorkChannel(queue)); err != nil {
		return nil, fmt.Errorf("storage: notify queue %s: %w", queue, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit append+enqueue: %w", err)
	}
	return events, nil
}

// appendEventsTx is the transactional core of AppendEvents. It also backs
// the approval gate, which mutates its index row and appends the matching
// event in a single unit of work.
func (db *DB) appendEventsTx(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, inputs []model.EventInput) ([]model.Event, error) {
	// Take the sequence counter lock first. Duplicate detection below is
	// race-free only while we hold it: concurrent appends of the same id
	// serialize here.
	var lastSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT last_value FROM event_sequence WHERE id = 1 FOR UPDATE`,
	).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("storage: lock sequence counter: %w", err)
	}

	ids := make([]uuid.UUID, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ID
	}
	existing, err := db.storedEventIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	fresh := inputs[:0:0]
	for _, in := range inputs {
		if !existing[in.ID] {
			fresh = append(fresh, in)
		}
	}
	if len(fresh) == 0 {
		return nil, ErrDuplicateEvent
	}
	if len(fresh) < len(inputs) {
		db.logger.Debug("storage: skipping duplicate events in batch",
			"duplicates", len(inputs)-len(fresh), "batch", len(inputs))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE event_sequence SET last_value = last_value + $1 WHERE id = 1`,
		len(fresh),
	); err != nil {
		return nil, fmt.Errorf("storage: advance sequence counter: %w", err)
	}

	now := time.Now().UTC()
	events := make([]model.Event, len(fresh))
	rows := make([][]any, len(fresh))
	for i, in := range fresh {
		ts := now
		if in.Timestamp != nil {
			ts = in.Timestamp.UTC()
		}
		e := model.Event{
			Sequence:      lastSeq + int64(i) + 1,
			ID:            in.ID,
			RunID:         in.RunID,
			StepID:        in.StepID,
			Type:          in.Type,
			Data:          in.Data,
			CorrelationID: in.CorrelationID,
			CausationID:   in.CausationID,
			TenantID:      tenantID,
			Timestamp:     ts,
			StoredAt:      now,
		}
		events[i] = e
		rows[i] = []any{
			e.Sequence, e.ID, e.RunID, e.StepID, string(e.Type), []byte(e.Data),
			e.CorrelationID, e.CausationID, e.TenantID, e.Timestamp, e.StoredAt,
		}
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"events"},
		[]string{"sequence", "id", "run_id", "step_id", "event_type", "data",
			"correlation_id", "causation_id", "tenant_id", "timestamp", "stored_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		if isUniqueViolation(err, "events_id_key") {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("storage: copy events: %w", err)
	}

	if err := db.applyRunProjection(ctx, tx, tenantID, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (db *DB) storedEventIDs(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: check duplicate events: %w", err)
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan duplicate id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// applyRunProjection keeps the runs summary table current in the same
// transaction as the event insert. The table is a rebuildable read
// projection for ListRuns; the event log always wins on divergence.
func (db *DB) applyRunProjection(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, events []model.Event) error {
	now := time.Now().UTC()

	for _, e := range events {
		switch e.Type {
		case model.EventRunStarted:
			p, err := model.DecodePayload(e)
			if err != nil {
				return fmt.Errorf("storage: project run.started: %w", err)
			}
			started := p.(*model.RunStartedPayload)
			if _, err := tx.Exec(ctx,
				`INSERT INTO runs (id, tenant_id, user_id, status, created_at, last_sequence, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (id) DO NOTHING`,
				e.RunID, tenantID, started.UserID, string(model.RunStatusRunning),
				e.Timestamp, e.Sequence, now,
			); err != nil {
				return fmt.Errorf("storage: insert run projection: %w", err)
			}

		case model.EventUserMessageCreated:
			p, err := model.DecodePayload(e)
			if err != nil {
				return fmt.Errorf("storage: project user message: %w", err)
			}
			msg := p.(*model.MessageCreatedPayload)
			// A user message also wakes a run that was waiting for input.
			if _, err := tx.Exec(ctx,
				`UPDATE runs SET message_count = message_count + 1,
				        first_user_message = CASE WHEN first_user_message = '' THEN $3 ELSE first_user_message END,
				        status = CASE WHEN status = 'waiting_input' THEN 'running' ELSE status END
				 WHERE id = $1 AND tenant_id = $2`,
				e.RunID, tenantID, truncate(msg.Content, 200),
			); err != nil {
				return fmt.Errorf("storage: project message count: %w", err)
			}

		case model.EventAssistantMessageCreated:
			if _, err := tx.Exec(ctx,
				`UPDATE runs SET message_count = message_count + 1 WHERE id = $1 AND tenant_id = $2`,
				e.RunID, tenantID,
			); err != nil {
				return fmt.Errorf("storage: project message count: %w", err)
			}

		case model.EventStepStarted:
			if _, err := tx.Exec(ctx,
				`UPDATE runs SET step_count = step_count + 1 WHERE id = $1 AND tenant_id = $2`,
				e.RunID, tenantID,
			); err != nil {
				return fmt.Errorf("storage: project step count: %w", err)
			}

		case model.EventApprovalRequested:
			if err := setRunStatus(ctx, tx, tenantID, e.RunID, model.RunStatusWaitingForApproval, nil); err != nil {
				return err
			}

		case model.EventApprovalResolved:
			// Back to running only when no other approval is still pending.
			// The approvals index is updated in this same transaction by the
			// gate, so the subquery sees a consistent view.
			if _, err := tx.Exec(ctx,
				`UPDATE runs SET status = CASE
				    WHEN EXISTS (SELECT 1 FROM approvals WHERE run_id = $1 AND status = 'pending')
				    THEN 'waiting_for_approval' ELSE 'running' END
				 WHERE id = $1 AND tenant_id = $2 AND status = 'waiting_for_approval'`,
				e.RunID, tenantID,
			); err != nil {
				return fmt.Errorf("storage: project approval resolution: %w", err)
			}

		case model.EventRunWaitingInput:
			if err := setRunStatus(ctx, tx, tenantID, e.RunID, model.RunStatusWaitingInput, nil); err != nil {
				return err
			}

		case model.EventRunCompleted:
			if err := setRunStatus(ctx, tx, tenantID, e.RunID, model.RunStatusCompleted, &now); err != nil {
				return err
			}

		case model.EventRunFailed:
			if err := setRunStatus(ctx, tx, tenantID, e.RunID, model.RunStatusFailed, &now); err != nil {
				return err
			}

		case model.EventRunCancelled:
			if err := setRunStatus(ctx, tx, tenantID, e.RunID, model.RunStatusCancelled, &now); err != nil {
				return err
			}
		}
	}

	// Advance last_sequence once per run in the batch.
	lastByRun := make(map[uuid.UUID]int64)
	for _, e := range events {
		if e.Sequence > lastByRun[e.RunID] {
			lastByRun[e.RunID] = e.Sequence
		}
	}
	for runID, seq := range lastByRun {
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET last_sequence = $3, updated_at = $4 WHERE id = $1 AND tenant_id = $2`,
			runID, tenantID, seq, now,
		); err != nil {
			return fmt.Errorf("storage: advance run last_sequence: %w", err)
		}
	}
	return nil
}

func setRunStatus(ctx context.Context, tx pgx.Tx, tenantID, runID uuid.UUID, status model.RunStatus, completedAt *time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE runs SET status = $3, completed_at = COALESCE($4, completed_at)
		 WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: set run status %s: %w", status, err)
	}
	return nil
}

// ListEventsByRun retrieves a run's events in sequence order, scoped by
// tenant. fromSequence makes the read restartable: only events with a
// sequence strictly greater are returned. The limit caps the page size; if
// limit <= 0 it defaults to 10000. Callers detect truncation by comparing
// the returned length to the limit and re-calling with a new cursor.
func (db *DB) ListEventsByRun(ctx context.Context, tenantID, runID uuid.UUID, fromSequence int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT sequence, id, run_id, step_id, event_type, data, correlation_id, causation_id, tenant_id, timestamp, stored_at
		 FROM events
		 WHERE run_id = $1 AND tenant_id = $2 AND sequence > $3
		 ORDER BY sequence ASC
		 LIMIT $4`,
		runID, tenantID, fromSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events by run: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			eventType string
			data      []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.RunID, &e.StepID, &eventType, &data,
			&e.CorrelationID, &e.CausationID, &e.TenantID, &e.Timestamp, &e.StoredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Type = model.EventType(eventType)
		e.Data = data
		events = append(events, e)
	}
	return events, rows.Err()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
