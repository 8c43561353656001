// Package dispatch moves units of work between the orchestrator, model
// gateway and tool executor roles over the durable queue.
//
// Delivery is at-least-once: items are leased on dequeue, acked only after
// the handler's effects are durable, and redelivered when a lease expires.
// Handlers must therefore be idempotent. Items a handler rejects, and items
// that exhaust their attempts, go to the dead-letter table.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/storage"
)

// ErrReject marks a handler failure as permanent. The item is dead-lettered
// immediately instead of redelivering: malformed payloads, unknown work
// types, anything a retry cannot fix.
var ErrReject = errors.New("dispatch: work rejected")

// Handler processes one delivered work item.
type Handler func(ctx context.Context, item model.WorkItem) error

// Options tune a dispatcher. Zero values take the defaults below.
type Options struct {
	// Prefetch bounds how many items one consumer handles concurrently.
	Prefetch int
	// Lease is how long a delivery stays invisible before it may redeliver.
	Lease time.Duration
	// PollInterval is the fallback dequeue cadence when no NOTIFY arrives.
	PollInterval time.Duration
	// MaxAttempts is the delivery count after which an item dead-letters.
	MaxAttempts int
	// BaseBackoff is the first redelivery delay; it doubles per attempt.
	BaseBackoff time.Duration
}

const (
	defaultPrefetch     = 8
	defaultLease        = 2 * time.Minute
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 5
	defaultBaseBackoff  = 2 * time.Second
	maxBackoff          = 5 * time.Minute
)

func (o *Options) fill() {
	if o.Prefetch <= 0 {
		o.Prefetch = defaultPrefetch
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
}

// Dispatcher publishes work items and runs consumer loops over the store's
// queues.
type Dispatcher struct {
	store   *storage.DB
	logger  *slog.Logger
	opts    Options
	metrics *metrics
}

func New(store *storage.DB, logger *slog.Logger, opts Options) *Dispatcher {
	opts.fill()
	return &Dispatcher{store: store, logger: logger, opts: opts}
}

// Publish durably enqueues one item on its role queue.
func (d *Dispatcher) Publish(ctx context.Context, item model.WorkItem) error {
	return d.store.EnqueueWorkItems(ctx, []model.WorkItem{item})
}

// PublishBatch durably enqueues several items, routed individually.
func (d *Dispatcher) PublishBatch(ctx context.Context, items []model.WorkItem) error {
	return d.store.EnqueueWorkItems(ctx, items)
}

// PublishNext enqueues the next unit of work for a run only if the run's
// projection is still at expectedSeq. Losing the race means another producer
// already dispatched work for a newer state; that is the intended outcome,
// so staleness is logged and swallowed.
func (d *Dispatcher) PublishNext(ctx context.Context, item model.WorkItem, expectedSeq int64) error {
	err := d.store.EnqueueWorkItemIfCurrent(ctx, item, expectedSeq)
	if errors.Is(err, storage.ErrStaleRun) {
		d.logger.Debug("dispatch: run advanced past producer, skipping publish",
			"run_id", item.RunID, "work_type", item.Type, "expected_sequence", expectedSeq)
		return nil
	}
	return err
}

// Consume runs a blocking consumer loop for one queue until ctx is
// cancelled. Dequeues are triggered by the queue's NOTIFY channel with a
// periodic poll as a safety net; at most Prefetch handlers run at once.
func (d *Dispatcher) Consume(ctx context.Context, queue string, handler Handler) error {
	wake := make(chan struct{}, 1)

	listener, err := d.store.NewListener(ctx, storage.WorkChannel(queue))
	if err != nil {
		d.logger.Warn("dispatch: wakeup listener unavailable, polling only",
			"queue", queue, "error", err)
	} else {
		defer listener.Close(context.Background())
		go func() {
			for {
				if _, _, err := listener.Wait(ctx); err != nil {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}

	sem := semaphore.NewWeighted(int64(d.opts.Prefetch))
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatch: consumer started", "queue", queue, "prefetch", d.opts.Prefetch)

	for {
		drained, err := d.drain(ctx, queue, handler, sem)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("dispatch: dequeue failed", "queue", queue, "error", err)
		}
		if drained {
			// The queue may hold more than one batch; go straight back.
			continue
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
			continue
		case <-wake:
			continue
		}
		break
	}

	// Wait for in-flight handlers before reporting the consumer stopped.
	if err := sem.Acquire(context.Background(), int64(d.opts.Prefetch)); err == nil {
		sem.Release(int64(d.opts.Prefetch))
	}
	d.logger.Info("dispatch: consumer stopped", "queue", queue)
	return nil
}

// drain claims and hands off one batch. Returns true when a full batch was
// claimed, meaning more work is likely waiting.
func (d *Dispatcher) drain(ctx context.Context, queue string, handler Handler, sem *semaphore.Weighted) (bool, error) {
	batch := d.opts.Prefetch
	items, err := d.store.DequeueWorkItems(ctx, queue, batch, d.opts.Lease)
	if err != nil {
		return false, err
	}

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: unclaimed leases expire and redeliver.
			return false, nil
		}
		go func(item model.WorkItem) {
			defer sem.Release(1)
			d.handle(ctx, queue, item, handler)
		}(item)
	}
	return len(items) == batch, nil
}

// outcome is what happens to a delivered item after its handler returns.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeDeadLetter
	outcomeRedeliver // leave the lease in place; expiry redelivers
	outcomeRelease
)

// classify maps a handler result onto the item's fate. Shutdown interruption
// is checked before attempt exhaustion: an item cut off by a stopping worker
// did not fail and must not burn its last attempt.
func classify(err error, interrupted bool, attempts, maxAttempts int) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrReject):
		return outcomeDeadLetter
	case interrupted:
		return outcomeRedeliver
	case attempts >= maxAttempts:
		return outcomeDeadLetter
	default:
		return outcomeRelease
	}
}

func (d *Dispatcher) handle(ctx context.Context, queue string, item model.WorkItem, handler Handler) {
	start := time.Now()
	err := handler(ctx, item)
	d.metrics.recordHandled(ctx, queue, item.Type, err, time.Since(start))

	switch classify(err, ctx.Err() != nil, item.Attempts, d.opts.MaxAttempts) {
	case outcomeAck:
		if ackErr := d.store.AckWorkItem(ctx, item.ID); ackErr != nil {
			// The lease will expire and the item redelivers; the handler
			// must tolerate the duplicate.
			d.logger.Error("dispatch: ack failed, item will redeliver",
				"queue", queue, "work_id", item.ID, "error", ackErr)
		}

	case outcomeDeadLetter:
		reason := err.Error()
		if !errors.Is(err, ErrReject) {
			reason = fmt.Sprintf("exhausted %d attempts: %v", item.Attempts, err)
		}
		d.deadLetter(ctx, queue, item, reason)

	case outcomeRedeliver:
		d.logger.Debug("dispatch: handler interrupted by shutdown",
			"queue", queue, "work_id", item.ID)

	case outcomeRelease:
		backoff := d.backoff(item.Attempts)
		d.logger.Warn("dispatch: handler failed, releasing for retry",
			"queue", queue, "work_id", item.ID, "run_id", item.RunID,
			"attempts", item.Attempts, "backoff", backoff, "error", err)
		if relErr := d.store.ReleaseWorkItem(ctx, item.ID, backoff, err.Error()); relErr != nil {
			d.logger.Error("dispatch: release failed", "queue", queue, "work_id", item.ID, "error", relErr)
		}
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, queue string, item model.WorkItem, reason string) {
	d.logger.Error("dispatch: dead-lettering work item",
		"queue", queue, "work_id", item.ID, "run_id", item.RunID,
		"work_type", item.Type, "attempts", item.Attempts, "reason", reason)
	if err := d.store.DeadLetterWorkItem(ctx, queue, item, reason); err != nil {
		d.logger.Error("dispatch: dead-letter failed, item will redeliver",
			"queue", queue, "work_id", item.ID, "error", err)
	}
	d.metrics.recordDeadLetter(ctx, queue)
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.opts.BaseBackoff
	for i := 1; i < attempts && b < maxBackoff; i++ {
		b *= 2
	}
	return min(b, maxBackoff)
}

// DeadLetters exposes the dead-letter table for inspection endpoints.
func (d *Dispatcher) DeadLetters(ctx context.Context, queue string, limit int) ([]model.WorkItem, error) {
	return d.store.ListDeadLetters(ctx, queue, limit)
}
